// Package main is the community-hosting server binary: the colocated
// process that holds a community's DHT record owner keypair, keeps its
// private route alive, and answers membership/role/message RPCs for it
// over the same-host IPC socket and the overlay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rekindle/rekindle/pkg/community"
	"github.com/rekindle/rekindle/pkg/ipc"
	"github.com/rekindle/rekindle/pkg/overlay/simulated"
	"github.com/rekindle/rekindle/pkg/record"
	"github.com/rekindle/rekindle/pkg/storage"
)

const (
	defaultStorageDir   = "./data"
	snapshotInterval    = 5 * time.Minute
	dbPasswordEnv       = "REKINDLE_SERVER_DB_PASSWORD"
)

var (
	storageDir = flag.String("storage-dir", defaultStorageDir, "Directory for the overlay/record working state")
	socketPath = flag.String("socket", "", "Unix socket path for the owner-app IPC protocol (default: <storage-dir>/server.sock)")
	dbPath     = flag.String("db", "", "Path to the encrypted community-state database (default: <storage-dir>/server.db)")
)

func main() {
	flag.Parse()
	printBanner()

	if err := os.MkdirAll(*storageDir, 0700); err != nil {
		log.Fatalf("❌ failed to create storage dir %s: %v", *storageDir, err)
	}
	socket := *socketPath
	if socket == "" {
		socket = filepath.Join(*storageDir, "server.sock")
	}
	db := *dbPath
	if db == "" {
		db = filepath.Join(*storageDir, "server.db")
	}

	password := os.Getenv(dbPasswordEnv)
	if password == "" {
		log.Fatalf("❌ %s must be set; the server database is encrypted at rest and has no interactive prompt", dbPasswordEnv)
	}

	store, err := storage.Open(db, password)
	if err != nil {
		log.Fatalf("❌ failed to open database %s: %v", db, err)
	}
	log.Printf("✅ database opened at %s", db)

	net := simulated.NewNetwork()
	ov := simulated.NewOverlay(net)

	records, err := record.NewManager(ov, filepath.Join(*storageDir, "owners.db"))
	if err != nil {
		log.Fatalf("❌ failed to open owner-keypair cache: %v", err)
	}

	host := community.NewHost(ov, records)

	hosted, err := loadHostedCommunities(store)
	if err != nil {
		log.Fatalf("❌ failed to load hosted communities from %s: %v", db, err)
	}
	log.Printf("📬 loaded %d hosted community snapshot(s)", len(hosted))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host.Start(ctx, hosted)
	log.Println("✅ community host started")

	h := &serverHandler{host: host, store: store}

	listener, err := ipc.Listen(socket, h)
	if err != nil {
		log.Fatalf("❌ failed to listen on IPC socket %s: %v", socket, err)
	}
	go listener.Serve(ctx)
	log.Printf("✅ IPC listening on %s", socket)

	diag := newDiagnosticsServer(host, 0)
	if err := diag.Listen(); err != nil {
		log.Fatalf("❌ failed to bind diagnostics server: %v", err)
	}
	go func() {
		if err := diag.Start(ctx); err != nil {
			log.Printf("⚠️  diagnostics server error: %v", err)
		}
	}()
	log.Printf("✅ diagnostics server listening on http://127.0.0.1:%d", diag.Port())

	go snapshotLoop(ctx, host, store)

	printStatus(socket, db, diag.Port())
	waitForShutdown(cancel, host, listener, store)
}

// loadHostedCommunities restores every snapshot this process previously
// persisted. A snapshot that fails to decode is logged and skipped
// rather than aborting startup — one corrupt community shouldn't take
// the whole host down.
func loadHostedCommunities(store *storage.DB) ([]*community.HostedCommunity, error) {
	snapshots, err := store.ListHostedCommunitySnapshots()
	if err != nil {
		return nil, err
	}
	hosted := make([]*community.HostedCommunity, 0, len(snapshots))
	for id, data := range snapshots {
		hc, err := community.RestoreHostedCommunity(data)
		if err != nil {
			log.Printf("⚠️  skipping unreadable snapshot for %s: %v", id, err)
			continue
		}
		hosted = append(hosted, hc)
	}
	return hosted, nil
}

// snapshotLoop periodically persists every hosted community's current
// state, so a restart never loses more than one interval of roster,
// role, or message-log changes.
func snapshotLoop(ctx context.Context, host *community.Host, store *storage.DB) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			persistSnapshots(host, store)
		}
	}
}

func persistSnapshots(host *community.Host, store *storage.DB) {
	now := time.Now().Unix()
	for _, hc := range host.Server().Communities() {
		data, err := hc.Snapshot()
		if err != nil {
			log.Printf("⚠️  failed to snapshot community %s: %v", hc.CommunityID, err)
			continue
		}
		if err := store.SaveHostedCommunitySnapshot(string(hc.CommunityID), data, now); err != nil {
			log.Printf("⚠️  failed to persist snapshot for %s: %v", hc.CommunityID, err)
		}
	}
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║            Rekindle Community Server             ║")
	fmt.Println("║      Colocated community hosting over Veilid     ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func printStatus(socket, db string, diagPort int) {
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("🚀 Server Status")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("   Status: ✅ RUNNING\n")
	fmt.Printf("   IPC socket: %s\n", socket)
	fmt.Printf("   Database: %s\n", db)
	fmt.Printf("   Diagnostics: http://127.0.0.1:%d/healthz\n", diagPort)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()
}

func waitForShutdown(cancel context.CancelFunc, host *community.Host, listener *ipc.Listener, store *storage.DB) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println()
	log.Println("shutting down gracefully...")

	persistSnapshots(host, store)
	log.Println("✓ final snapshots persisted")

	listener.Close()
	log.Println("✓ IPC listener closed")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	host.Stop(shutdownCtx)
	log.Println("✓ community host stopped")

	cancel()

	if err := store.Close(); err != nil {
		log.Printf("error closing database: %v", err)
	} else {
		log.Println("✓ database closed")
	}

	log.Println("goodbye! 👋")
	os.Exit(0)
}

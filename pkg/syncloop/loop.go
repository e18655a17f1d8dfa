// Package syncloop drives the background loops that keep one identity's
// published DHT state fresh and its pending sends moving: the one-time
// login publish, the 30s friend/community sync pass and retry-queue
// walk, the 120s proactive route refresh, and immediate presence
// publish on status change.
package syncloop

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rekindle/rekindle/pkg/community/client"
	"github.com/rekindle/rekindle/pkg/identity"
	"github.com/rekindle/rekindle/pkg/overlay"
	"github.com/rekindle/rekindle/pkg/queue"
	"github.com/rekindle/rekindle/pkg/record"
	"github.com/rekindle/rekindle/pkg/record/schema"
	"github.com/rekindle/rekindle/pkg/storage"
)

const (
	// syncInterval is the cadence of the friend/community/queue pass.
	syncInterval = 30 * time.Second
	// routeRefreshInterval is the cadence of the proactive route
	// reallocation loop, well inside the overlay's private route TTL.
	routeRefreshInterval = 120 * time.Second
	// shutdownBudget bounds how long Stop waits for the loops to notice
	// the shutdown signal and return, per the concurrency model's
	// "graceful path does not block process exit" rule.
	shutdownBudget = 5 * time.Second
)

// Loop owns every background task for one local identity: the record
// manager's open records, the community RPC dispatcher, the pending
// send queue, and the local sqlite caches they read from and write to.
type Loop struct {
	identity  *identity.Identity
	ov        overlay.Overlay
	records   *record.Manager
	community *client.Manager
	db        *storage.DB
	sendQueue *queue.Queue

	names *namedRecordStore

	mu          sync.RWMutex
	profileKey  overlay.RecordKey
	friendsKey  overlay.RecordKey
	mailboxKey  overlay.RecordKey
	accountKey  overlay.RecordKey
	routeID     overlay.RouteID
	routeBlob   []byte
	displayName string
	statusMsg   string
	status      schema.PresenceStatus

	shutdown chan struct{}
	done     chan struct{}
}

// Config carries everything Loop needs beyond the identity itself.
type Config struct {
	Identity     *identity.Identity
	Overlay      overlay.Overlay
	Records      *record.Manager
	Community    *client.Manager
	DB           *storage.DB
	Queue        *queue.Queue
	NamedKeysDB   string // path to the local record-name -> key cache
	DisplayName   string
	InitialStatus schema.PresenceStatus
}

// New constructs a Loop. It does not publish or start any background
// task; call Login then Start.
func New(cfg Config) (*Loop, error) {
	names, err := openNamedRecordStore(cfg.NamedKeysDB)
	if err != nil {
		return nil, err
	}
	return &Loop{
		identity:    cfg.Identity,
		ov:          cfg.Overlay,
		records:     cfg.Records,
		community:   cfg.Community,
		db:          cfg.DB,
		sendQueue:   cfg.Queue,
		names:       names,
		displayName: cfg.DisplayName,
		status:      cfg.InitialStatus,
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Start launches the sync and route-refresh loops plus the overlay
// event dispatcher. Login must have completed first.
func (l *Loop) Start(ctx context.Context) {
	go l.run(ctx)
}

// Stop signals every background task to exit and waits up to
// shutdownBudget for them to finish. It does not block the caller
// indefinitely: a loop that refuses to exit in time is abandoned so
// process exit is never blocked.
func (l *Loop) Stop() {
	close(l.shutdown)
	select {
	case <-l.done:
	case <-time.After(shutdownBudget):
		log.Printf("⚠️  syncloop: shutdown budget exceeded, abandoning background loops")
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	syncTicker := time.NewTicker(syncInterval)
	defer syncTicker.Stop()
	refreshTicker := time.NewTicker(routeRefreshInterval)
	defer refreshTicker.Stop()

	for {
		select {
		case <-l.shutdown:
			return
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			if err := l.syncOnce(ctx); err != nil {
				log.Printf("⚠️  syncloop: sync pass failed: %v", err)
			}
		case <-refreshTicker.C:
			if err := l.refreshRoute(ctx); err != nil {
				log.Printf("⚠️  syncloop: route refresh failed: %v", err)
			}
		case evt, ok := <-l.ov.Events():
			if !ok {
				return
			}
			l.handleEvent(ctx, evt)
		}
	}
}

func (l *Loop) handleEvent(ctx context.Context, evt overlay.Event) {
	switch {
	case evt.RouteChange != nil:
		l.records.HandleRouteChange(evt.RouteChange.DeadRoutes)
		l.mu.RLock()
		ourRoute := l.routeID
		l.mu.RUnlock()
		for _, dead := range evt.RouteChange.DeadRoutes {
			if dead == ourRoute {
				if err := l.refreshRoute(ctx); err != nil {
					log.Printf("⚠️  syncloop: reallocating our own dead route failed: %v", err)
				}
				break
			}
		}
	case evt.ValueChange != nil:
		// Watched-record changes are picked up on the next sync pass,
		// which re-reads every friend and community regardless of
		// which one fired; per-key incremental refresh isn't needed
		// at the 30s cadence this loop already runs at.
	}
}

// namedRecordStore persists the record keys for this identity's
// well-known single-writer records (profile, friend list, mailbox,
// account) so a restart reopens the same records instead of creating
// fresh ones. One small sqlite table, the same per-concern-db shape
// pkg/queue and pkg/record use.
type namedRecordStore struct {
	db *sql.DB
}

func openNamedRecordStore(dbPath string) (*namedRecordStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("syncloop: open named record db: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS named_records (name TEXT PRIMARY KEY, record_key TEXT NOT NULL)`); err != nil {
		return nil, fmt.Errorf("syncloop: create named_records table: %w", err)
	}
	return &namedRecordStore{db: db}, nil
}

func (s *namedRecordStore) get(name string) (overlay.RecordKey, bool, error) {
	row := s.db.QueryRow(`SELECT record_key FROM named_records WHERE name = ?`, name)
	var key string
	if err := row.Scan(&key); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("syncloop: load named record %s: %w", name, err)
	}
	return overlay.RecordKey(key), true, nil
}

func (s *namedRecordStore) set(name string, key overlay.RecordKey) error {
	_, err := s.db.Exec(
		`INSERT INTO named_records (name, record_key) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET record_key = excluded.record_key`,
		name, string(key),
	)
	if err != nil {
		return fmt.Errorf("syncloop: save named record %s: %w", name, err)
	}
	return nil
}

func (s *namedRecordStore) close() error {
	return s.db.Close()
}

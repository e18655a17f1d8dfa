// Package record implements Rekindle's DHT record manager: the layer
// that turns pkg/overlay's raw create/open/get/set/watch primitives into
// the lifecycle operations the rest of the tree uses (open-record
// tracking so logout can close everything cleanly, a route-blob cache
// with dedup-on-import and dead-route eviction, and an unwatched-key set
// for the sync loop's polling fallback).
package record

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rekindle/rekindle/pkg/overlay"
)

var (
	// ErrAlreadyOpen is returned by OpenRecordWritable when the caller
	// passes a different owner keypair than the one already tracked for
	// this key — reopening with the same owner is a no-op, not an error.
	ErrAlreadyOpen = errors.New("record: already open with a different owner")
)

// Manager owns the set of DHT records this process currently has open
// and the peer route-blob cache layered on top of the overlay's
// private-route primitives.
type Manager struct {
	overlay overlay.Overlay
	db      *sql.DB

	mu          sync.RWMutex
	open        map[overlay.RecordKey]*openRecord
	unwatched   map[overlay.RecordKey]bool
	routeByPeer map[string]*cachedRoute // peer pubkey hex -> cached route
	routeByHash map[string]overlay.RouteID
}

type openRecord struct {
	owner *overlay.OwnerKeypair
}

type cachedRoute struct {
	blob       []byte
	blobHash   string
	importedID overlay.RouteID
}

// NewManager opens (creating if absent) the local owner-keypair cache at
// dbPath and returns a Manager bound to ov.
func NewManager(ov overlay.Overlay, dbPath string) (*Manager, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("record: open owner cache db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("record: enable WAL: %w", err)
	}

	m := &Manager{
		overlay:     ov,
		db:          db,
		open:        make(map[overlay.RecordKey]*openRecord),
		unwatched:   make(map[overlay.RecordKey]bool),
		routeByPeer: make(map[string]*cachedRoute),
		routeByHash: make(map[string]overlay.RouteID),
	}
	if err := m.initSchema(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS record_owners (
		record_key TEXT PRIMARY KEY,
		owner_public TEXT NOT NULL,
		owner_private TEXT NOT NULL
	);
	`
	if _, err := m.db.Exec(schema); err != nil {
		return fmt.Errorf("record: create schema: %w", err)
	}
	return nil
}

// CreateRecord allocates a new DHT record with subkeyCount subkeys and
// persists its owner keypair locally so a later restart can
// OpenRecordWritable against the same key.
func (m *Manager) CreateRecord(ctx context.Context, subkeyCount uint32) (overlay.RecordKey, *overlay.OwnerKeypair, error) {
	key, owner, err := m.overlay.CreateDHTRecord(ctx, overlay.RecordSchema{SubkeyCount: subkeyCount})
	if err != nil {
		return "", nil, fmt.Errorf("record: create: %w", err)
	}
	if err := m.persistOwner(key, owner); err != nil {
		return "", nil, err
	}

	m.mu.Lock()
	m.open[key] = &openRecord{owner: owner}
	m.mu.Unlock()

	return key, owner, nil
}

func (m *Manager) persistOwner(key overlay.RecordKey, owner *overlay.OwnerKeypair) error {
	_, err := m.db.Exec(
		`INSERT OR REPLACE INTO record_owners (record_key, owner_public, owner_private) VALUES (?, ?, ?)`,
		string(key), hex.EncodeToString(owner.Public[:]), hex.EncodeToString(owner.Private[:]),
	)
	if err != nil {
		return fmt.Errorf("record: persist owner: %w", err)
	}
	return nil
}

// LoadOwner returns the locally persisted owner keypair for key, if any.
func (m *Manager) LoadOwner(key overlay.RecordKey) (*overlay.OwnerKeypair, bool, error) {
	row := m.db.QueryRow(`SELECT owner_public, owner_private FROM record_owners WHERE record_key = ?`, string(key))
	var pubHex, privHex string
	if err := row.Scan(&pubHex, &privHex); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("record: load owner: %w", err)
	}
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, false, fmt.Errorf("record: decode owner public: %w", err)
	}
	priv, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, false, fmt.Errorf("record: decode owner private: %w", err)
	}
	owner := &overlay.OwnerKeypair{}
	copy(owner.Public[:], pub)
	copy(owner.Private[:], priv)
	return owner, true, nil
}

// OpenRecord opens key read-only.
func (m *Manager) OpenRecord(ctx context.Context, key overlay.RecordKey) error {
	m.mu.RLock()
	_, already := m.open[key]
	m.mu.RUnlock()
	if already {
		return nil
	}
	if err := m.overlay.OpenDHTRecord(ctx, key, nil); err != nil {
		return fmt.Errorf("record: open %s: %w", key, err)
	}
	m.mu.Lock()
	m.open[key] = &openRecord{}
	m.mu.Unlock()
	return nil
}

// OpenRecordWritable opens key for writing under owner. Re-opening an
// already-open record with the same owner is a no-op.
func (m *Manager) OpenRecordWritable(ctx context.Context, key overlay.RecordKey, owner *overlay.OwnerKeypair) error {
	m.mu.RLock()
	existing, already := m.open[key]
	m.mu.RUnlock()
	if already && existing.owner != nil {
		if existing.owner.Public == owner.Public {
			return nil
		}
		return ErrAlreadyOpen
	}
	if err := m.overlay.OpenDHTRecord(ctx, key, owner); err != nil {
		return fmt.Errorf("record: open writable %s: %w", key, err)
	}
	if err := m.persistOwner(key, owner); err != nil {
		return err
	}
	m.mu.Lock()
	m.open[key] = &openRecord{owner: owner}
	m.mu.Unlock()
	return nil
}

// CloseRecord closes key and removes it from the open-record tracking
// set. Safe to call on a key that was never opened.
func (m *Manager) CloseRecord(ctx context.Context, key overlay.RecordKey) error {
	m.mu.Lock()
	_, ok := m.open[key]
	delete(m.open, key)
	delete(m.unwatched, key)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := m.overlay.CloseDHTRecord(ctx, key); err != nil {
		return fmt.Errorf("record: close %s: %w", key, err)
	}
	return nil
}

// CloseAll closes every record this manager currently has open. Called
// on logout / app exit so stale overlay-side state doesn't produce
// "record already exists" errors on the next run.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	keys := make([]overlay.RecordKey, 0, len(m.open))
	for k := range m.open {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, key := range keys {
		if err := m.CloseRecord(ctx, key); err != nil {
			log.Printf("⚠️  record: failed to close %s on shutdown: %v", key, err)
		}
	}
}

// GetValue reads subkey of key, forcing a fresh overlay read when
// forceRefresh is set (used by the unwatched-key polling fallback).
func (m *Manager) GetValue(ctx context.Context, key overlay.RecordKey, subkey uint32, forceRefresh bool) ([]byte, error) {
	return m.overlay.GetDHTValue(ctx, key, subkey, forceRefresh)
}

// SetValue writes subkey of key. The caller must have opened key
// writable with the matching owner keypair.
func (m *Manager) SetValue(ctx context.Context, key overlay.RecordKey, subkey uint32, value []byte) error {
	return m.overlay.SetDHTValue(ctx, key, subkey, value)
}

// WatchRecord attempts to establish a watch over [subkeyLow, subkeyHigh]
// on key. If the overlay cannot establish the watch, key is added to the
// unwatched set so the sync loop polls it with forced fresh reads.
func (m *Manager) WatchRecord(ctx context.Context, key overlay.RecordKey, subkeyLow, subkeyHigh uint32) error {
	ok, err := m.overlay.WatchDHTValues(ctx, key, subkeyLow, subkeyHigh)
	if err != nil {
		return fmt.Errorf("record: watch %s: %w", key, err)
	}
	m.mu.Lock()
	if ok {
		delete(m.unwatched, key)
	} else {
		m.unwatched[key] = true
	}
	m.mu.Unlock()
	return nil
}

// UnwatchedKeys returns the set of record keys the sync loop must poll
// because a watch could not be established for them.
func (m *Manager) UnwatchedKeys() []overlay.RecordKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]overlay.RecordKey, 0, len(m.unwatched))
	for k := range m.unwatched {
		keys = append(keys, k)
	}
	return keys
}

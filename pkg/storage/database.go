// Package storage implements Rekindle's local sqlite-backed caches: the
// friend list, pairwise secure-channel sessions and prekeys, joined and
// hosted community snapshots, and cached direct/channel messages.
// Everything here is scoped to one local identity's own database file;
// the identity's address hex is the scope key within other per-process
// collections (friends, communities, pending queues) but each identity
// gets its own store rather than a shared, address-keyed table.
package storage

import (
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidPassword = errors.New("invalid password")
)

// DB manages encrypted local storage for one identity.
type DB struct {
	db            *sql.DB
	encryptionKey []byte // Derived from the unlock password
}

// Open creates (if absent) and opens the sqlite database at dbPath,
// deriving the at-rest encryption key from password.
func Open(dbPath string, password string) (*DB, error) {
	encryptionKey := deriveKey(password)

	sqlDB, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	d := &DB{
		db:            sqlDB,
		encryptionKey: encryptionKey,
	}

	if err := d.initSchema(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return d, nil
}

// deriveKey derives an encryption key from password using SHA-256.
// In production, use PBKDF2 with salt.
func deriveKey(password string) []byte {
	hash := sha256.Sum256([]byte(password))
	return hash[:]
}

// initSchema creates database tables
func (d *DB) initSchema() error {
	schema := `
	-- Friends: the local identity's friend list (mirrors the published
	-- friend-list record's key set, enriched with cached profile state).
	CREATE TABLE IF NOT EXISTS friends (
		address_hex TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		profile_key_hex TEXT NOT NULL,
		route_blob BLOB,
		status INTEGER NOT NULL DEFAULT 0,
		status_msg TEXT NOT NULL DEFAULT '',
		blocked INTEGER NOT NULL DEFAULT 0,
		added_at INTEGER NOT NULL
	);

	-- One ratchet state per peer, the secure channel's persisted session.
	CREATE TABLE IF NOT EXISTS secure_sessions (
		peer_addr_hex TEXT PRIMARY KEY,
		ratchet_data BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS signed_prekeys (
		key_id INTEGER PRIMARY KEY,
		private_key BLOB NOT NULL,
		public_key BLOB NOT NULL,
		signature BLOB NOT NULL,
		timestamp INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS one_time_prekeys (
		key_id INTEGER PRIMARY KEY,
		private_key BLOB NOT NULL,
		public_key BLOB NOT NULL
	);

	-- Communities this identity has joined as a member.
	CREATE TABLE IF NOT EXISTS joined_communities (
		community_id TEXT PRIMARY KEY,
		pseudonym_hex TEXT NOT NULL,
		role_ids TEXT NOT NULL,
		mek BLOB,
		mek_generation INTEGER NOT NULL DEFAULT 0,
		server_route_blob BLOB,
		is_hosted INTEGER NOT NULL DEFAULT 0,
		ipc_socket_path TEXT NOT NULL DEFAULT '',
		joined_at INTEGER NOT NULL
	);

	-- Communities this identity's colocated server hosts, as an opaque
	-- JSON snapshot of the in-memory HostedCommunity for restart.
	CREATE TABLE IF NOT EXISTS hosted_communities (
		community_id TEXT PRIMARY KEY,
		snapshot BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS direct_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		peer_addr_hex TEXT NOT NULL,
		message_id BLOB NOT NULL,
		body BLOB NOT NULL,
		is_outgoing INTEGER NOT NULL,
		sent_at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_direct_messages_peer ON direct_messages(peer_addr_hex, sent_at_ms);

	CREATE TABLE IF NOT EXISTS channel_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		community_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		sender_pseudonym_hex TEXT NOT NULL,
		ciphertext BLOB NOT NULL,
		mek_generation INTEGER NOT NULL,
		sent_at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_channel_messages_channel ON channel_messages(community_id, channel_id, sent_at_ms);
	`

	_, err := d.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %v", err)
	}

	return nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

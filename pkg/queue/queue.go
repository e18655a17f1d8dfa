// Package queue implements the per-identity pending-message retry
// queue: the system's only at-least-once delivery guarantee. Every
// other send path is best-effort and returns immediately; a send that
// fails is queued here and retried by the sync loop until it succeeds
// or has failed MaxRetries times.
package queue

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// MaxRetries bounds how many sync-loop passes (every 30s, so roughly a
// 10-minute window) a row gets before it's dropped and logged.
const MaxRetries = 20

// Kind tags what a Row's payload means.
type Kind string

const (
	// KindEnvelope rows carry an already-sealed, already-serialized
	// envelope (DM, friend request/accept/reject, etc.) addressed to a
	// peer's identity address.
	KindEnvelope Kind = "envelope"
	// KindChannelMessage rows carry a structured community channel
	// message that failed its best-effort send via pkg/community/client.
	KindChannelMessage Kind = "channel_message"
)

// Row is one pending send.
type Row struct {
	ID       int64
	Kind     Kind
	Attempts int

	// KindEnvelope fields.
	RecipientAddrHex string
	EnvelopeBytes    []byte

	// KindChannelMessage fields.
	CommunityID   string
	ChannelID     string
	Ciphertext    []byte
	MEKGeneration uint64
}

// Queue is the sqlite-backed pending-send table for one local identity.
type Queue struct {
	db *sql.DB
}

// NewQueue opens (creating if absent) the queue database at dbPath.
func NewQueue(dbPath string) (*Queue, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("queue: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("queue: enable WAL: %w", err)
	}
	q := &Queue{db: db}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_sends (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		recipient_addr TEXT,
		envelope_bytes BLOB,
		community_id TEXT,
		channel_id TEXT,
		ciphertext BLOB,
		mek_generation INTEGER,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pending_sends_created ON pending_sends(created_at, id);
	`
	if _, err := q.db.Exec(schema); err != nil {
		return fmt.Errorf("queue: create schema: %w", err)
	}
	return nil
}

// EnqueueEnvelope records a sealed envelope addressed to recipientAddr
// for later retry.
func (q *Queue) EnqueueEnvelope(recipientAddr [32]byte, envelopeBytes []byte) error {
	_, err := q.db.Exec(
		`INSERT INTO pending_sends (kind, recipient_addr, envelope_bytes, created_at) VALUES (?, ?, ?, ?)`,
		KindEnvelope, hex.EncodeToString(recipientAddr[:]), envelopeBytes, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue envelope: %w", err)
	}
	return nil
}

// EnqueueChannelMessage records a channel message that failed its
// best-effort send.
func (q *Queue) EnqueueChannelMessage(communityID, channelID string, ciphertext []byte, mekGeneration uint64) error {
	_, err := q.db.Exec(
		`INSERT INTO pending_sends (kind, community_id, channel_id, ciphertext, mek_generation, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		KindChannelMessage, communityID, channelID, ciphertext, mekGeneration, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue channel message: %w", err)
	}
	return nil
}

// Rows returns every pending row in insertion order, the order the
// sync loop processes them in.
func (q *Queue) Rows() ([]Row, error) {
	rows, err := q.db.Query(
		`SELECT id, kind, recipient_addr, envelope_bytes, community_id, channel_id, ciphertext, mek_generation, attempts
		 FROM pending_sends ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: list rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var recipientAddr, communityID, channelID sql.NullString
		var envelopeBytes, ciphertext []byte
		var mekGeneration sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Kind, &recipientAddr, &envelopeBytes, &communityID, &channelID, &ciphertext, &mekGeneration, &r.Attempts); err != nil {
			return nil, fmt.Errorf("queue: scan row: %w", err)
		}
		r.RecipientAddrHex = recipientAddr.String
		r.EnvelopeBytes = envelopeBytes
		r.CommunityID = communityID.String
		r.ChannelID = channelID.String
		r.Ciphertext = ciphertext
		r.MEKGeneration = uint64(mekGeneration.Int64)
		out = append(out, r)
	}
	return out, rows.Err()
}

// IncrementAttempts bumps a row's retry counter after a failed send.
func (q *Queue) IncrementAttempts(id int64) error {
	_, err := q.db.Exec(`UPDATE pending_sends SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("queue: increment attempts: %w", err)
	}
	return nil
}

// Delete removes a row after a successful send, or a drop past
// MaxRetries.
func (q *Queue) Delete(id int64) error {
	_, err := q.db.Exec(`DELETE FROM pending_sends WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("queue: delete row: %w", err)
	}
	return nil
}

// DropExpired deletes and logs every row whose attempts have reached
// MaxRetries, per the sync loop's first pass over the queue.
func (q *Queue) DropExpired() error {
	rows, err := q.Rows()
	if err != nil {
		return err
	}
	for _, r := range rows {
		if r.Attempts < MaxRetries {
			continue
		}
		if err := q.Delete(r.ID); err != nil {
			return err
		}
		log.Printf("📪 queue: dropping row %d (%s) after %d attempts", r.ID, r.Kind, r.Attempts)
	}
	return nil
}

// Close closes the underlying database connection.
func (q *Queue) Close() error {
	return q.db.Close()
}

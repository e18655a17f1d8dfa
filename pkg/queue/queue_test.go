package queue

import (
	"path/filepath"
	"testing"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	q, err := NewQueue(dbPath)
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueEnvelopeAndRead(t *testing.T) {
	q := newTestQueue(t)

	var recipient [32]byte
	recipient[0] = 0xab
	if err := q.EnqueueEnvelope(recipient, []byte("sealed-envelope")); err != nil {
		t.Fatalf("EnqueueEnvelope() error = %v", err)
	}

	rows, err := q.Rows()
	if err != nil {
		t.Fatalf("Rows() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Rows() len = %d, want 1", len(rows))
	}
	if rows[0].Kind != KindEnvelope {
		t.Errorf("Kind = %s, want %s", rows[0].Kind, KindEnvelope)
	}
	if string(rows[0].EnvelopeBytes) != "sealed-envelope" {
		t.Errorf("EnvelopeBytes = %q", rows[0].EnvelopeBytes)
	}
	if rows[0].RecipientAddrHex == "" {
		t.Error("RecipientAddrHex is empty")
	}
}

func TestEnqueueChannelMessageAndRead(t *testing.T) {
	q := newTestQueue(t)

	if err := q.EnqueueChannelMessage("community-1", "general", []byte("ciphertext"), 3); err != nil {
		t.Fatalf("EnqueueChannelMessage() error = %v", err)
	}

	rows, err := q.Rows()
	if err != nil {
		t.Fatalf("Rows() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Rows() len = %d, want 1", len(rows))
	}
	r := rows[0]
	if r.Kind != KindChannelMessage || r.CommunityID != "community-1" || r.ChannelID != "general" || r.MEKGeneration != 3 {
		t.Errorf("row = %+v", r)
	}
}

func TestRowsOrderedByInsertion(t *testing.T) {
	q := newTestQueue(t)
	for i := 0; i < 3; i++ {
		if err := q.EnqueueChannelMessage("c", "ch", []byte{byte(i)}, 0); err != nil {
			t.Fatalf("EnqueueChannelMessage() error = %v", err)
		}
	}

	rows, err := q.Rows()
	if err != nil {
		t.Fatalf("Rows() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Rows() len = %d, want 3", len(rows))
	}
	for i, r := range rows {
		if len(r.Ciphertext) != 1 || r.Ciphertext[0] != byte(i) {
			t.Errorf("row %d out of order: %+v", i, r)
		}
	}
}

func TestIncrementAttemptsAndDelete(t *testing.T) {
	q := newTestQueue(t)
	if err := q.EnqueueChannelMessage("c", "ch", []byte("x"), 0); err != nil {
		t.Fatalf("EnqueueChannelMessage() error = %v", err)
	}
	rows, _ := q.Rows()
	id := rows[0].ID

	if err := q.IncrementAttempts(id); err != nil {
		t.Fatalf("IncrementAttempts() error = %v", err)
	}
	rows, _ = q.Rows()
	if rows[0].Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", rows[0].Attempts)
	}

	if err := q.Delete(id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	rows, _ = q.Rows()
	if len(rows) != 0 {
		t.Errorf("Rows() len = %d after delete, want 0", len(rows))
	}
}

func TestDropExpired(t *testing.T) {
	q := newTestQueue(t)
	if err := q.EnqueueChannelMessage("c", "ch", []byte("stale"), 0); err != nil {
		t.Fatalf("EnqueueChannelMessage() error = %v", err)
	}
	if err := q.EnqueueChannelMessage("c", "ch", []byte("fresh"), 0); err != nil {
		t.Fatalf("EnqueueChannelMessage() error = %v", err)
	}

	rows, _ := q.Rows()
	staleID := rows[0].ID
	for i := 0; i <= MaxRetries; i++ {
		if err := q.IncrementAttempts(staleID); err != nil {
			t.Fatalf("IncrementAttempts() error = %v", err)
		}
	}

	if err := q.DropExpired(); err != nil {
		t.Fatalf("DropExpired() error = %v", err)
	}

	rows, err := q.Rows()
	if err != nil {
		t.Fatalf("Rows() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Rows() len = %d, want 1 (only fresh row survives)", len(rows))
	}
	if string(rows[0].Ciphertext) != "fresh" {
		t.Errorf("surviving row = %q, want fresh", rows[0].Ciphertext)
	}
}

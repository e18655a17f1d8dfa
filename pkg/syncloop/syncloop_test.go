package syncloop

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rekindle/rekindle/pkg/community/client"
	"github.com/rekindle/rekindle/pkg/identity"
	"github.com/rekindle/rekindle/pkg/overlay"
	"github.com/rekindle/rekindle/pkg/overlay/simulated"
	"github.com/rekindle/rekindle/pkg/queue"
	"github.com/rekindle/rekindle/pkg/record"
	"github.com/rekindle/rekindle/pkg/record/schema"
	"github.com/rekindle/rekindle/pkg/secureChannel"
	"github.com/rekindle/rekindle/pkg/storage"
)

func newTestLoop(t *testing.T, ov overlay.Overlay) (*Loop, *identity.Identity, *storage.DB) {
	t.Helper()
	dir := t.TempDir()

	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}
	records, err := record.NewManager(ov, filepath.Join(dir, "owners.db"))
	if err != nil {
		t.Fatalf("record.NewManager() error = %v", err)
	}
	db, err := storage.Open(filepath.Join(dir, "storage.db"), "test-password")
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	q, err := queue.NewQueue(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatalf("queue.NewQueue() error = %v", err)
	}
	cm := client.NewManager(id, ov, records)

	l, err := New(Config{
		Identity:      id,
		Overlay:       ov,
		Records:       records,
		Community:     cm,
		DB:            db,
		Queue:         q,
		NamedKeysDB:   filepath.Join(dir, "names.db"),
		DisplayName:   "Ada",
		InitialStatus: schema.PresenceOnline,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l, id, db
}

func TestLoginPublishesNamedRecords(t *testing.T) {
	net := simulated.NewNetwork()
	ov := simulated.NewOverlay(net)
	l, id, db := newTestLoop(t, ov)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	scm := secureChannel.NewManager(id, db, db)
	bundle, err := scm.GeneratePreKeyBundle(1, 1, 42, 1700000000)
	if err != nil {
		t.Fatalf("GeneratePreKeyBundle() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Login(ctx, bundle, nil) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Login() error = %v", err)
		}
	case <-ctx.Done():
		t.Fatal("Login() did not return before the test deadline")
	}

	if l.profileKey == "" || l.friendsKey == "" || l.mailboxKey == "" || l.accountKey == "" {
		t.Fatal("Login() left one or more named records unassigned")
	}

	raw, err := l.records.GetValue(ctx, l.profileKey, schema.ProfileSubkeyName, false)
	if err != nil {
		t.Fatalf("GetValue(name) error = %v", err)
	}
	if string(raw) != "Ada" {
		t.Fatalf("published display name = %q, want %q", raw, "Ada")
	}
}

func TestSetStatusBeforeLoginFails(t *testing.T) {
	net := simulated.NewNetwork()
	ov := simulated.NewOverlay(net)
	l, _, _ := newTestLoop(t, ov)

	if err := l.SetStatus(context.Background(), schema.PresenceAway, "brb"); err == nil {
		t.Fatal("SetStatus() before Login() should fail: no profile record exists yet")
	}
}

func TestIsUnwatchedReflectsRecordManager(t *testing.T) {
	net := simulated.NewNetwork()
	ov := simulated.NewOverlay(net)
	l, _, _ := newTestLoop(t, ov)

	ctx := context.Background()
	key, _, err := l.records.CreateRecord(ctx, schema.ProfileSubkeyCount)
	if err != nil {
		t.Fatalf("CreateRecord() error = %v", err)
	}

	if !l.isUnwatched(key) {
		t.Error("isUnwatched() = false for a record that was never watched")
	}
}

package storage

import (
	"path/filepath"
	"testing"

	"github.com/rekindle/rekindle/pkg/secureChannel"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "rekindle.db")
	d, err := Open(dbPath, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestSaveAndGetFriend(t *testing.T) {
	d := newTestDB(t)

	f := &Friend{
		AddressHex:    "aa11",
		DisplayName:   "Ada",
		ProfileKeyHex: "bb22",
		RouteBlob:     []byte("route-bytes"),
		Status:        1,
		StatusMsg:     "online",
		AddedAt:       1000,
	}
	if err := d.SaveFriend(f); err != nil {
		t.Fatalf("SaveFriend() error = %v", err)
	}

	got, err := d.GetFriend("aa11")
	if err != nil {
		t.Fatalf("GetFriend() error = %v", err)
	}
	if got.DisplayName != "Ada" || string(got.RouteBlob) != "route-bytes" {
		t.Errorf("GetFriend() = %+v", got)
	}
}

func TestGetFriendNotFound(t *testing.T) {
	d := newTestDB(t)
	if _, err := d.GetFriend("missing"); err != ErrNotFound {
		t.Errorf("GetFriend() error = %v, want ErrNotFound", err)
	}
}

func TestSaveFriendUpsertsOnConflict(t *testing.T) {
	d := newTestDB(t)
	f := &Friend{AddressHex: "aa11", DisplayName: "Ada", ProfileKeyHex: "bb22", AddedAt: 1000}
	if err := d.SaveFriend(f); err != nil {
		t.Fatalf("SaveFriend() error = %v", err)
	}
	f.DisplayName = "Ada Lovelace"
	if err := d.SaveFriend(f); err != nil {
		t.Fatalf("SaveFriend() second call error = %v", err)
	}

	friends, err := d.ListFriends()
	if err != nil {
		t.Fatalf("ListFriends() error = %v", err)
	}
	if len(friends) != 1 {
		t.Fatalf("ListFriends() len = %d, want 1", len(friends))
	}
	if friends[0].DisplayName != "Ada Lovelace" {
		t.Errorf("DisplayName = %q, want updated value", friends[0].DisplayName)
	}
}

func TestDeleteFriend(t *testing.T) {
	d := newTestDB(t)
	f := &Friend{AddressHex: "aa11", DisplayName: "Ada", ProfileKeyHex: "bb22", AddedAt: 1000}
	if err := d.SaveFriend(f); err != nil {
		t.Fatalf("SaveFriend() error = %v", err)
	}
	if err := d.DeleteFriend("aa11"); err != nil {
		t.Fatalf("DeleteFriend() error = %v", err)
	}
	if _, err := d.GetFriend("aa11"); err != ErrNotFound {
		t.Errorf("GetFriend() after delete error = %v, want ErrNotFound", err)
	}
}

func TestSetFriendBlocked(t *testing.T) {
	d := newTestDB(t)
	f := &Friend{AddressHex: "aa11", DisplayName: "Ada", ProfileKeyHex: "bb22", AddedAt: 1000}
	if err := d.SaveFriend(f); err != nil {
		t.Fatalf("SaveFriend() error = %v", err)
	}
	if err := d.SetFriendBlocked("aa11", true); err != nil {
		t.Fatalf("SetFriendBlocked() error = %v", err)
	}
	got, _ := d.GetFriend("aa11")
	if !got.Blocked {
		t.Error("Blocked = false, want true")
	}
}

func TestSecureSessionRoundTrip(t *testing.T) {
	d := newTestDB(t)

	if has, _ := d.HasSession("peer-1"); has {
		t.Fatal("HasSession() = true before any session stored")
	}

	if err := d.StoreSession("peer-1", []byte("ratchet-state-bytes")); err != nil {
		t.Fatalf("StoreSession() error = %v", err)
	}

	has, err := d.HasSession("peer-1")
	if err != nil {
		t.Fatalf("HasSession() error = %v", err)
	}
	if !has {
		t.Fatal("HasSession() = false after storing")
	}

	data, ok, err := d.LoadSession("peer-1")
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if !ok || string(data) != "ratchet-state-bytes" {
		t.Errorf("LoadSession() = %q, %v", data, ok)
	}

	if err := d.DeleteSession("peer-1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if has, _ := d.HasSession("peer-1"); has {
		t.Error("HasSession() = true after delete")
	}
}

func TestSignedPreKeyRoundTrip(t *testing.T) {
	d := newTestDB(t)

	spk := &secureChannel.SignedPreKeyPrivate{KeyID: 7, Timestamp: 123}
	spk.Private[0] = 0xaa
	spk.PublicKey[0] = 0xbb
	spk.Signature[0] = 0xcc
	if err := d.StoreSignedPreKey(spk); err != nil {
		t.Fatalf("StoreSignedPreKey() error = %v", err)
	}

	got, ok, err := d.LoadSignedPreKey(spk.KeyID)
	if err != nil {
		t.Fatalf("LoadSignedPreKey() error = %v", err)
	}
	if !ok {
		t.Fatal("LoadSignedPreKey() ok = false")
	}
	if got.Private != spk.Private || got.PublicKey != spk.PublicKey || got.Signature != spk.Signature {
		t.Error("LoadSignedPreKey() did not round-trip the key material")
	}
}

func TestOneTimePreKeyConsumedOnRemove(t *testing.T) {
	d := newTestDB(t)

	otpk := &secureChannel.OneTimePreKeyPrivate{KeyID: 3}
	otpk.Private[0] = 0xde
	otpk.Public[0] = 0xad
	if err := d.StoreOneTimePreKey(otpk); err != nil {
		t.Fatalf("StoreOneTimePreKey() error = %v", err)
	}

	got, ok, err := d.LoadOneTimePreKey(otpk.KeyID)
	if err != nil || !ok {
		t.Fatalf("LoadOneTimePreKey() = %v, %v, %v", got, ok, err)
	}

	if err := d.RemoveOneTimePreKey(otpk.KeyID); err != nil {
		t.Fatalf("RemoveOneTimePreKey() error = %v", err)
	}
	if _, ok, err := d.LoadOneTimePreKey(otpk.KeyID); err != nil || ok {
		t.Errorf("LoadOneTimePreKey() after remove: ok = %v, err = %v", ok, err)
	}
}

func TestJoinedCommunityRoundTrip(t *testing.T) {
	d := newTestDB(t)

	c := &JoinedCommunity{
		CommunityID:     "community-1",
		PseudonymHex:    "cc33",
		RoleIDs:         []uint32{0, 5, 9},
		MEKGeneration:   2,
		ServerRouteBlob: []byte("server-route"),
		JoinedAt:        42,
	}
	copy(c.MEK[:], []byte("thirty-two-byte-long-mek-key!!!!"))

	if err := d.SaveJoinedCommunity(c); err != nil {
		t.Fatalf("SaveJoinedCommunity() error = %v", err)
	}

	got, err := d.ListJoinedCommunities()
	if err != nil {
		t.Fatalf("ListJoinedCommunities() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ListJoinedCommunities() len = %d, want 1", len(got))
	}
	if got[0].CommunityID != "community-1" || len(got[0].RoleIDs) != 3 || got[0].MEK != c.MEK {
		t.Errorf("ListJoinedCommunities()[0] = %+v", got[0])
	}

	if err := d.LeaveCommunity("community-1"); err != nil {
		t.Fatalf("LeaveCommunity() error = %v", err)
	}
	got, _ = d.ListJoinedCommunities()
	if len(got) != 0 {
		t.Errorf("ListJoinedCommunities() after leave len = %d, want 0", len(got))
	}
}

func TestHostedCommunitySnapshotRoundTrip(t *testing.T) {
	d := newTestDB(t)

	if err := d.SaveHostedCommunitySnapshot("community-1", []byte(`{"name":"test"}`), 100); err != nil {
		t.Fatalf("SaveHostedCommunitySnapshot() error = %v", err)
	}

	snapshots, err := d.ListHostedCommunitySnapshots()
	if err != nil {
		t.Fatalf("ListHostedCommunitySnapshots() error = %v", err)
	}
	if string(snapshots["community-1"]) != `{"name":"test"}` {
		t.Errorf("snapshot = %q", snapshots["community-1"])
	}

	if err := d.DeleteHostedCommunitySnapshot("community-1"); err != nil {
		t.Fatalf("DeleteHostedCommunitySnapshot() error = %v", err)
	}
	snapshots, _ = d.ListHostedCommunitySnapshots()
	if len(snapshots) != 0 {
		t.Errorf("snapshots len = %d after delete, want 0", len(snapshots))
	}
}

func TestDirectMessageCache(t *testing.T) {
	d := newTestDB(t)

	msg := &CachedDirectMessage{PeerAddrHex: "aa11", Body: "hello there", SentAtMS: 100}
	if err := d.SaveDirectMessage(msg); err != nil {
		t.Fatalf("SaveDirectMessage() error = %v", err)
	}
	if msg.ID == 0 {
		t.Error("SaveDirectMessage() did not set ID")
	}

	got, err := d.GetDirectMessages("aa11", 10, 0)
	if err != nil {
		t.Fatalf("GetDirectMessages() error = %v", err)
	}
	if len(got) != 1 || got[0].Body != "hello there" {
		t.Errorf("GetDirectMessages() = %+v", got)
	}

	if err := d.DeleteDirectMessagesWithPeer("aa11"); err != nil {
		t.Fatalf("DeleteDirectMessagesWithPeer() error = %v", err)
	}
	got, _ = d.GetDirectMessages("aa11", 10, 0)
	if len(got) != 0 {
		t.Errorf("GetDirectMessages() after delete len = %d, want 0", len(got))
	}
}

func TestChannelMessageCache(t *testing.T) {
	d := newTestDB(t)

	msg := &CachedChannelMessage{
		CommunityID: "community-1", ChannelID: "general",
		SenderPseudonymHex: "dd44", Ciphertext: []byte("sealed"), MEKGeneration: 1, SentAtMS: 50,
	}
	if err := d.SaveChannelMessage(msg); err != nil {
		t.Fatalf("SaveChannelMessage() error = %v", err)
	}

	got, err := d.GetChannelMessages("community-1", "general", 10, 0)
	if err != nil {
		t.Fatalf("GetChannelMessages() error = %v", err)
	}
	if len(got) != 1 || string(got[0].Ciphertext) != "sealed" {
		t.Errorf("GetChannelMessages() = %+v", got)
	}
}

package client

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rekindle/rekindle/pkg/community"
	"github.com/rekindle/rekindle/pkg/envelope"
	"github.com/rekindle/rekindle/pkg/identity"
	"github.com/rekindle/rekindle/pkg/ipc"
	"github.com/rekindle/rekindle/pkg/overlay"
	"github.com/rekindle/rekindle/pkg/overlay/simulated"
	"github.com/rekindle/rekindle/pkg/record"
	"github.com/rekindle/rekindle/pkg/record/schema"
)

func newTestRecordManager(t *testing.T, ov overlay.Overlay) *record.Manager {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "owners.db")
	mgr, err := record.NewManager(ov, dbPath)
	if err != nil {
		t.Fatalf("record.NewManager() error = %v", err)
	}
	return mgr
}

func TestDerivePseudonymDeterministicAndUnlinkable(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}

	a1 := DerivePseudonym(id, "community-a")
	a2 := DerivePseudonym(id, "community-a")
	b := DerivePseudonym(id, "community-b")

	if string(a1) != string(a2) {
		t.Error("DerivePseudonym() not deterministic for the same community id")
	}
	if string(a1) == string(b) {
		t.Error("DerivePseudonym() produced the same key for two different communities")
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	id, _ := identity.Generate()
	net := simulated.NewNetwork()
	ov := simulated.NewOverlay(net)
	records := newTestRecordManager(t, ov)
	m := NewManager(id, ov, records)

	s1 := m.Register("community-1", false, "")
	s2 := m.Register("community-1", true, "/tmp/should-be-ignored.sock")

	if s1 != s2 {
		t.Fatal("Register() returned a new State on the second call")
	}
	if s2.IsHosted {
		t.Error("Register() on an already-registered community must not overwrite IsHosted")
	}
}

func TestSendCommunityRPCViaIPC(t *testing.T) {
	id, _ := identity.Generate()
	net := simulated.NewNetwork()
	ov := simulated.NewOverlay(net)
	records := newTestRecordManager(t, ov)
	m := NewManager(id, ov, records)

	socketPath := filepath.Join(t.TempDir(), "rekindle.sock")
	h := &echoHandler{}
	ln, err := ipc.Listen(socketPath, h)
	if err != nil {
		t.Fatalf("ipc.Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ln.Serve(ctx)
	t.Cleanup(ln.Close)

	m.Register("community-1", true, socketPath)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()

	req := &community.CommunityRequest{Type: community.ReqGetRoles}
	resp, err := m.SendCommunityRPC(reqCtx, "community-1", req)
	if err != nil {
		t.Fatalf("SendCommunityRPC() error = %v", err)
	}
	if resp.Type != community.RespRolesList {
		t.Errorf("resp.Type = %s, want %s", resp.Type, community.RespRolesList)
	}
}

// echoHandler answers CommunityRpc by echoing back a RolesList response,
// enough to exercise the IPC dispatch path without a full Server.
type echoHandler struct{}

func (echoHandler) HostCommunity(ctx context.Context, cmd ipc.HostCommunityCommand) error {
	return nil
}

func (echoHandler) CommunityRpc(ctx context.Context, cmd ipc.CommunityRpcCommand) (ipc.CommunityRpcResult, error) {
	resp := community.CommunityResponse{Type: community.RespRolesList}
	raw, _ := json.Marshal(resp)
	return ipc.CommunityRpcResult{ResponseJSON: raw}, nil
}

func (echoHandler) Shutdown(ctx context.Context) {}

func TestSendCommunityRPCViaOverlay(t *testing.T) {
	memberID, _ := identity.Generate()
	net := simulated.NewNetwork()
	memberOv := simulated.NewOverlay(net)
	serverOv := simulated.NewOverlay(net)
	records := newTestRecordManager(t, memberOv)
	m := NewManager(memberID, memberOv, records)

	_, serverBlob, err := serverOv.NewPrivateRoute(context.Background())
	if err != nil {
		t.Fatalf("NewPrivateRoute() error = %v", err)
	}

	// Serve one AppCall: decode the envelope, reply with a RolesList.
	go func() {
		for ev := range serverOv.Events() {
			if ev.AppCall == nil {
				continue
			}
			env, err := envelope.Decode(ev.AppCall.Payload)
			if err != nil || !env.Verify() {
				return
			}
			var req community.CommunityRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				return
			}
			resp := community.CommunityResponse{Type: community.RespRolesList}
			raw, _ := json.Marshal(resp)
			_ = serverOv.AppCallReply(context.Background(), ev.AppCall.CallID, raw)
			return
		}
	}()

	communityID := seedRecordWithRoute(t, memberOv, serverBlob)
	m.Register(communityID, false, "")

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()

	req := &community.CommunityRequest{Type: community.ReqGetRoles}
	resp, err := m.SendCommunityRPC(reqCtx, communityID, req)
	if err != nil {
		t.Fatalf("SendCommunityRPC() error = %v", err)
	}
	if resp.Type != community.RespRolesList {
		t.Errorf("resp.Type = %s, want %s", resp.Type, community.RespRolesList)
	}
}

// seedRecordWithRoute creates a DHT record as ov's owner and writes
// blob to the server-route subkey, so resolveServerRoute's GetValue
// call has something real to read. The simulated overlay assigns its
// own record key, which this returns for the caller to register under.
func seedRecordWithRoute(t *testing.T, ov overlay.Overlay, blob []byte) overlay.RecordKey {
	t.Helper()
	ctx := context.Background()
	key, owner, err := ov.CreateDHTRecord(ctx, overlay.RecordSchema{SubkeyCount: schema.CommunitySubkeyCount})
	if err != nil {
		t.Fatalf("CreateDHTRecord() error = %v", err)
	}
	if err := ov.OpenDHTRecord(ctx, key, owner); err != nil {
		t.Fatalf("OpenDHTRecord() error = %v", err)
	}
	payload := (&schema.ServerRoutePayload{RouteBlob: blob}).Encode()
	if err := ov.SetDHTValue(ctx, key, schema.CommunitySubkeyServerRoute, payload); err != nil {
		t.Fatalf("SetDHTValue() error = %v", err)
	}
	return key
}

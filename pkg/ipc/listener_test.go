package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

type stubHandler struct {
	hosted    []HostCommunityCommand
	rpcReply  json.RawMessage
	rpcErr    error
	shutdowns int
}

func (s *stubHandler) HostCommunity(ctx context.Context, cmd HostCommunityCommand) error {
	s.hosted = append(s.hosted, cmd)
	return nil
}

func (s *stubHandler) CommunityRpc(ctx context.Context, cmd CommunityRpcCommand) (CommunityRpcResult, error) {
	if s.rpcErr != nil {
		return CommunityRpcResult{}, s.rpcErr
	}
	return CommunityRpcResult{ResponseJSON: s.rpcReply}, nil
}

func (s *stubHandler) Shutdown(ctx context.Context) {
	s.shutdowns++
}

func newTestListener(t *testing.T, h Handler) (*Listener, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rekindle.sock")
	ln, err := Listen(path, h)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go ln.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})
	return ln, path
}

func TestListenerHostCommunity(t *testing.T) {
	h := &stubHandler{}
	_, path := newTestListener(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := Call(ctx, path, CmdHostCommunity, HostCommunityCommand{
		CommunityID: "community-1",
		Name:        "Test",
	}, nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if len(h.hosted) != 1 || h.hosted[0].CommunityID != "community-1" {
		t.Errorf("handler received %+v", h.hosted)
	}
}

func TestListenerCommunityRpcRoundTrip(t *testing.T) {
	h := &stubHandler{rpcReply: json.RawMessage(`{"type":"Ok"}`)}
	_, path := newTestListener(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := CallCommunityRpc(ctx, path, CommunityRpcCommand{
		CommunityID:     "community-1",
		SenderPseudonym: "abc123",
		RequestJSON:     json.RawMessage(`{"type":"GetRoles"}`),
	})
	if err != nil {
		t.Fatalf("CallCommunityRpc() error = %v", err)
	}
	if string(result.ResponseJSON) != `{"type":"Ok"}` {
		t.Errorf("ResponseJSON = %s", result.ResponseJSON)
	}
}

func TestListenerCommunityRpcError(t *testing.T) {
	h := &stubHandler{rpcErr: errors.New("community not hosted here")}
	_, path := newTestListener(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := CallCommunityRpc(ctx, path, CommunityRpcCommand{CommunityID: "missing"})
	if err == nil {
		t.Fatal("CallCommunityRpc() error = nil, want non-nil")
	}
}

func TestListenerShutdown(t *testing.T) {
	h := &stubHandler{}
	_, path := newTestListener(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := Call(ctx, path, CmdShutdown, struct{}{}, nil); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if h.shutdowns != 1 {
		t.Errorf("shutdowns = %d, want 1", h.shutdowns)
	}
}

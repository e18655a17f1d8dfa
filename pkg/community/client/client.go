// Package client implements the member-side dispatch for community
// RPCs: deriving a per-community pseudonym, caching each community's
// role set, MEK, and server route, and choosing between the same-host
// IPC fast path and the overlay app_call path to reach the community's
// hosting server.
package client

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rekindle/rekindle/pkg/community"
	"github.com/rekindle/rekindle/pkg/envelope"
	"github.com/rekindle/rekindle/pkg/identity"
	"github.com/rekindle/rekindle/pkg/ipc"
	"github.com/rekindle/rekindle/pkg/overlay"
	"github.com/rekindle/rekindle/pkg/record"
	"github.com/rekindle/rekindle/pkg/record/schema"
)

const (
	routeFetchRetries = 3
	routeFetchDelay   = 2 * time.Second
)

// pseudonymSeedLabel domain-separates the pseudonym derivation HMAC
// from any other use of the identity's signing seed.
var pseudonymSeedLabel = []byte("rekindle-community-pseudonym-v1")

// DerivePseudonym deterministically derives a community-scoped Ed25519
// signing keypair from id's private seed and communityID, so the same
// person presents an unlinkable identity in every community they join.
func DerivePseudonym(id *identity.Identity, communityID string) ed25519.PrivateKey {
	mac := hmac.New(sha512.New, id.Private.Seed())
	mac.Write(pseudonymSeedLabel)
	mac.Write([]byte(communityID))
	seed := mac.Sum(nil)[:ed25519.SeedSize]
	return ed25519.NewKeyFromSeed(seed)
}

// State is the per-community cache a Manager maintains for one joined
// community.
type State struct {
	CommunityID     overlay.RecordKey
	PseudonymKey    ed25519.PrivateKey
	PseudonymPublic ed25519.PublicKey
	RoleIDs         []uint32
	MEK             [32]byte
	MEKGeneration   uint64
	ServerRouteBlob []byte
	IsHosted        bool
	IPCSocketPath   string // only meaningful when IsHosted
}

func (s *State) pseudonymHex() string {
	return hex.EncodeToString(s.PseudonymPublic)
}

// Manager dispatches CommunityRequest RPCs for every community the
// local identity has joined, picking the IPC fast path for
// locally-hosted communities and the overlay app_call path otherwise.
type Manager struct {
	identity *identity.Identity
	ov       overlay.Overlay
	records  *record.Manager

	mu     sync.RWMutex
	states map[overlay.RecordKey]*State
}

// NewManager constructs a dispatcher bound to id's identity, the
// overlay connection, and the shared DHT record manager (used for its
// route-blob dedup cache).
func NewManager(id *identity.Identity, ov overlay.Overlay, records *record.Manager) *Manager {
	return &Manager{
		identity: id,
		ov:       ov,
		records:  records,
		states:   make(map[overlay.RecordKey]*State),
	}
}

// Register starts tracking communityID, deriving its pseudonym and
// marking whether it's hosted by this same machine. Re-registering an
// already-tracked community is a no-op that preserves cached state.
func (m *Manager) Register(communityID overlay.RecordKey, isHosted bool, ipcSocketPath string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[communityID]; ok {
		return s
	}
	priv := DerivePseudonym(m.identity, string(communityID))
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, priv[32:])
	s := &State{
		CommunityID:     communityID,
		PseudonymKey:    priv,
		PseudonymPublic: pub,
		IsHosted:        isHosted,
		IPCSocketPath:   ipcSocketPath,
	}
	m.states[communityID] = s
	return s
}

// State returns the cached state for communityID, if registered.
func (m *Manager) State(communityID overlay.RecordKey) (*State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[communityID]
	return s, ok
}

// ApplyJoined updates cached roles, MEK, and generation from a Joined
// response, called right after a successful Join RPC.
func (m *Manager) ApplyJoined(communityID overlay.RecordKey, roleIDs []uint32, mek [32]byte, generation uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[communityID]
	if !ok {
		return
	}
	s.RoleIDs = roleIDs
	s.MEK = mek
	s.MEKGeneration = generation
}

// SendCommunityRPC dispatches req to communityID's hosting server and
// returns its response. It picks the IPC fast path when the community
// is hosted on this machine, otherwise the overlay app_call path; the
// overlay path retries exactly once after invalidating its cached
// route on failure.
func (m *Manager) SendCommunityRPC(ctx context.Context, communityID overlay.RecordKey, req *community.CommunityRequest) (community.CommunityResponse, error) {
	s, ok := m.State(communityID)
	if !ok {
		return community.CommunityResponse{}, fmt.Errorf("client: community %s not registered", communityID)
	}

	if s.IsHosted {
		return m.sendViaIPC(ctx, s, req)
	}
	return m.sendViaOverlay(ctx, s, req)
}

func (m *Manager) sendViaIPC(ctx context.Context, s *State, req *community.CommunityRequest) (community.CommunityResponse, error) {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return community.CommunityResponse{}, fmt.Errorf("client: marshal request: %w", err)
	}

	result, err := ipc.CallCommunityRpc(ctx, s.IPCSocketPath, ipc.CommunityRpcCommand{
		CommunityID:     string(s.CommunityID),
		SenderPseudonym: s.pseudonymHex(),
		RequestJSON:     reqJSON,
	})
	if err != nil {
		return community.CommunityResponse{}, fmt.Errorf("client: ipc call: %w", err)
	}

	var resp community.CommunityResponse
	if err := json.Unmarshal(result.ResponseJSON, &resp); err != nil {
		return community.CommunityResponse{}, fmt.Errorf("client: decode ipc response: %w", err)
	}
	return resp, nil
}

func (m *Manager) sendViaOverlay(ctx context.Context, s *State, req *community.CommunityRequest) (community.CommunityResponse, error) {
	resp, err := m.tryOverlaySend(ctx, s, req)
	if err == nil {
		return resp, nil
	}

	// One retry: drop whatever route we had cached and re-fetch from
	// the DHT before giving up.
	m.records.InvalidateRoute(string(s.CommunityID))
	m.mu.Lock()
	s.ServerRouteBlob = nil
	m.mu.Unlock()

	resp, err = m.tryOverlaySend(ctx, s, req)
	if err != nil {
		return community.CommunityResponse{}, fmt.Errorf("client: overlay send failed after retry: %w", err)
	}
	return resp, nil
}

func (m *Manager) tryOverlaySend(ctx context.Context, s *State, req *community.CommunityRequest) (community.CommunityResponse, error) {
	blob, err := m.resolveServerRoute(ctx, s)
	if err != nil {
		return community.CommunityResponse{}, err
	}

	routeID, err := m.records.ImportRoute(ctx, string(s.CommunityID), blob)
	if err != nil {
		return community.CommunityResponse{}, fmt.Errorf("client: import server route: %w", err)
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return community.CommunityResponse{}, fmt.Errorf("client: marshal request: %w", err)
	}

	var senderKey [32]byte
	copy(senderKey[:], s.PseudonymPublic)
	env, err := envelope.Seal(senderKey, s.PseudonymKey, time.Now().UnixMilli(), reqJSON)
	if err != nil {
		return community.CommunityResponse{}, fmt.Errorf("client: seal envelope: %w", err)
	}

	replyBytes, err := m.ov.AppCall(ctx, routeID, env.Encode())
	if err != nil {
		return community.CommunityResponse{}, fmt.Errorf("client: app_call: %w", err)
	}

	var resp community.CommunityResponse
	if err := json.Unmarshal(replyBytes, &resp); err != nil {
		return community.CommunityResponse{}, fmt.Errorf("client: decode overlay response: %w", err)
	}
	return resp, nil
}

// resolveServerRoute returns the cached route blob, fetching it from
// the community record's subkey 6 (with retries) if the cache is cold.
func (m *Manager) resolveServerRoute(ctx context.Context, s *State) ([]byte, error) {
	m.mu.RLock()
	cached := s.ServerRouteBlob
	m.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	var lastErr error
	for attempt := 0; attempt < routeFetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(routeFetchDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		raw, err := m.records.GetValue(ctx, s.CommunityID, schema.CommunitySubkeyServerRoute, true)
		if err != nil {
			lastErr = err
			continue
		}
		payload, err := schema.DecodeServerRoute(raw)
		if err != nil {
			lastErr = err
			continue
		}
		m.mu.Lock()
		s.ServerRouteBlob = payload.RouteBlob
		m.mu.Unlock()
		return payload.RouteBlob, nil
	}
	return nil, fmt.Errorf("client: fetch server route for %s: %w", s.CommunityID, lastErr)
}

package community

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rekindle/rekindle/pkg/overlay"
	"github.com/rekindle/rekindle/pkg/record"
	"github.com/rekindle/rekindle/pkg/record/schema"
)

const (
	attachWaitTimeout = 30 * time.Second
	openRecordRetries = 5
	openRecordBaseDelay = 500 * time.Millisecond
	keepaliveInterval = 120 * time.Second
)

// Host runs the colocated community-hosting server: it owns the DHT
// record for every community it hosts, keeps their private routes
// alive, and dispatches CommunityRequest RPCs arriving over the
// overlay or the same-host IPC socket.
type Host struct {
	ov      overlay.Overlay
	records *record.Manager
	server  *Server

	mu     sync.Mutex
	routes map[overlay.RecordKey]overlay.RouteID

	cancel context.CancelFunc
}

// NewHost wires a Host on top of an already-open overlay connection
// and record manager.
func NewHost(ov overlay.Overlay, records *record.Manager) *Host {
	return &Host{
		ov:      ov,
		records: records,
		server:  NewServer(ov),
		routes:  make(map[overlay.RecordKey]overlay.RouteID),
	}
}

// Server returns the request dispatcher backing this host, for wiring
// into the IPC listener and the overlay's app_call handler.
func (h *Host) Server() *Server { return h.server }

// Start loads every hosted community passed in hosted, brings each up
// per the startup sequence, and launches the keepalive and
// route-change watcher goroutines. It returns once every community has
// been attempted (individual failures are logged, not fatal).
func (h *Host) Start(ctx context.Context, hosted []*HostedCommunity) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	if err := h.waitForAttach(ctx); err != nil {
		log.Printf("⚠️  community: overlay did not attach within %s, starting without DHT writes: %v", attachWaitTimeout, err)
	}

	for _, hc := range hosted {
		h.server.HostCommunity(hc)
		h.bringUp(ctx, hc)
	}

	go h.keepaliveLoop(ctx)
	go h.watchRouteChanges(ctx)
}

// AddCommunity brings a single community under management after Start
// has already run, e.g. in response to an IPC HostCommunity command
// for a community created or joined-as-host after this process came
// up. It registers hc with the server immediately so CommunityRpc
// can reach it even while bringUp is still retrying record access.
func (h *Host) AddCommunity(ctx context.Context, hc *HostedCommunity) {
	h.server.HostCommunity(hc)
	h.bringUp(ctx, hc)
}

// Stop closes every hosted community's DHT record, releases its
// private route, and stops the background loops.
func (h *Host) Stop(ctx context.Context) {
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Lock()
	routes := make(map[overlay.RecordKey]overlay.RouteID, len(h.routes))
	for k, v := range h.routes {
		routes[k] = v
	}
	h.mu.Unlock()

	for id, routeID := range routes {
		if err := h.records.CloseRecord(ctx, id); err != nil {
			log.Printf("⚠️  community: close record %s on shutdown: %v", id, err)
		}
		if err := h.ov.ReleasePrivateRoute(ctx, routeID); err != nil {
			log.Printf("⚠️  community: release route for %s on shutdown: %v", id, err)
		}
	}
}

func (h *Host) waitForAttach(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, attachWaitTimeout)
	defer cancel()
	events := h.ov.Events()
	for {
		select {
		case ev := <-events:
			if ev.Attachment != nil && (ev.Attachment.Status == overlay.AttachmentStateAttachedGood || ev.Attachment.Status == overlay.AttachmentStatePublicInternetReady) {
				return nil
			}
		case <-waitCtx.Done():
			return waitCtx.Err()
		}
	}
}

// bringUp runs the per-community startup sequence: open the record
// (owned by a different process originally, so retries with backoff
// are expected), allocate a route, and publish initial state.
func (h *Host) bringUp(ctx context.Context, hc *HostedCommunity) {
	var openErr error
	delay := openRecordBaseDelay
	for attempt := 0; attempt < openRecordRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay *= 2
		}
		if openErr = h.records.OpenRecordWritable(ctx, hc.CommunityID, hc.Owner); openErr == nil {
			break
		}
	}
	if openErr != nil {
		log.Printf("⚠️  community: failed to open record for %s after %d attempts, continuing without DHT writes: %v", hc.CommunityID, openRecordRetries, openErr)
		return
	}

	if err := h.allocateAndPublishRoute(ctx, hc); err != nil {
		log.Printf("⚠️  community: failed to publish route for %s: %v", hc.CommunityID, err)
	}
	if err := h.publishState(ctx, hc); err != nil {
		log.Printf("⚠️  community: failed to publish state for %s: %v", hc.CommunityID, err)
	}
}

func (h *Host) allocateAndPublishRoute(ctx context.Context, hc *HostedCommunity) error {
	routeID, blob, err := h.ov.NewPrivateRoute(ctx)
	if err != nil {
		return fmt.Errorf("allocate private route: %w", err)
	}

	h.mu.Lock()
	h.routes[hc.CommunityID] = routeID
	h.mu.Unlock()

	hc.mu.Lock()
	hc.RouteID, hc.RouteBlob = routeID, blob
	hc.mu.Unlock()

	payload := (&schema.ServerRoutePayload{RouteBlob: blob}).Encode()
	return h.records.SetValue(ctx, hc.CommunityID, schema.CommunitySubkeyServerRoute, payload)
}

// publishState writes metadata, channels, roster, and MEK metadata to
// their subkeys. It's called at startup and on every keepalive tick so
// the republished bytes actually change (LastRefreshed advances).
func (h *Host) publishState(ctx context.Context, hc *HostedCommunity) error {
	hc.mu.RLock()
	now := uint64(time.Now().Unix())
	meta := &schema.CommunityMetadata{
		Name: hc.Name, Description: hc.Description, CreatedAt: hc.CreatedAt,
		OwnerKeyHex: hex32(hc.Owner.Public), LastRefreshed: now,
	}
	channels := make([]schema.ChannelEntry, 0, len(hc.Channels))
	for _, c := range hc.Channels {
		channels = append(channels, *c)
	}
	members := make([]schema.MemberEntry, 0, len(hc.Members))
	for _, m := range hc.Members {
		members = append(members, schema.MemberEntry{PseudonymKeyHex: m.PseudonymKeyHex, RoleIDs: m.RoleIDs, JoinedAt: m.JoinedAt, TimeoutUntil: m.TimeoutUntil})
	}
	roles := make([]schema.RoleDefinition, 0, len(hc.Roles))
	for _, r := range hc.Roles {
		roles = append(roles, *r)
	}
	mekMeta := &schema.MEKMeta{Generation: hc.MEKGeneration, RotatedAt: now}
	hc.mu.RUnlock()

	writes := []struct {
		subkey  uint32
		payload []byte
	}{
		{schema.CommunitySubkeyMetadata, meta.Encode()},
		{schema.CommunitySubkeyChannels, schema.EncodeChannels(channels)},
		{schema.CommunitySubkeyMembers, schema.EncodeMembers(members)},
		{schema.CommunitySubkeyRoles, schema.EncodeRoles(roles)},
		{schema.CommunitySubkeyMEK, mekMeta.Encode()},
	}
	for _, w := range writes {
		if err := h.records.SetValue(ctx, hc.CommunityID, w.subkey, w.payload); err != nil {
			return fmt.Errorf("publish subkey %d: %w", w.subkey, err)
		}
	}
	return nil
}

// keepaliveLoop reallocates every hosted community's private route
// every 120s, since overlay routes have a roughly 5-minute TTL and can
// die silently. The old route id is swapped out under h.mu so a
// concurrent RouteChange event can't double-release it.
func (h *Host) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, hc := range h.server.communitiesSnapshot() {
				h.refreshRoute(ctx, hc)
			}
		}
	}
}

func (h *Host) refreshRoute(ctx context.Context, hc *HostedCommunity) {
	if err := h.records.OpenRecordWritable(ctx, hc.CommunityID, hc.Owner); err != nil {
		log.Printf("⚠️  community: keepalive reopen failed for %s: %v", hc.CommunityID, err)
		return
	}

	h.mu.Lock()
	oldRouteID, hadRoute := h.routes[hc.CommunityID]
	delete(h.routes, hc.CommunityID)
	h.mu.Unlock()

	if hadRoute {
		if err := h.ov.ReleasePrivateRoute(ctx, oldRouteID); err != nil {
			log.Printf("⚠️  community: release stale route for %s: %v", hc.CommunityID, err)
		}
	}

	if err := h.allocateAndPublishRoute(ctx, hc); err != nil {
		log.Printf("⚠️  community: keepalive route publish failed for %s: %v", hc.CommunityID, err)
		return
	}
	if err := h.publishState(ctx, hc); err != nil {
		log.Printf("⚠️  community: keepalive state publish failed for %s: %v", hc.CommunityID, err)
	}
}

// watchRouteChanges reacts to overlay-reported dead routes: for a
// route id that belongs to one of our hosted communities, it is taken
// out of h.routes under a write lock (so keepalive cannot also try to
// release it) and a fresh route is allocated. release_private_route is
// never called on a dead id — the overlay already dropped it.
func (h *Host) watchRouteChanges(ctx context.Context) {
	events := h.ov.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.RouteChange == nil {
				continue
			}
			for _, dead := range ev.RouteChange.DeadRoutes {
				h.handleDeadRoute(ctx, dead)
			}
		}
	}
}

func (h *Host) handleDeadRoute(ctx context.Context, dead overlay.RouteID) {
	h.mu.Lock()
	var affected overlay.RecordKey
	found := false
	for id, routeID := range h.routes {
		if routeID == dead {
			affected, found = id, true
			delete(h.routes, id)
			break
		}
	}
	h.mu.Unlock()
	if !found {
		return
	}

	hc, ok := h.server.Community(affected)
	if !ok {
		return
	}
	log.Printf("🔄 community: route %s died for %s, reallocating", dead, affected)
	if err := h.allocateAndPublishRoute(ctx, hc); err != nil {
		log.Printf("⚠️  community: failed to reallocate route for %s: %v", affected, err)
	}
}

func hex32(b [32]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 64)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}

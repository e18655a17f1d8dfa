// Package simulated is an in-memory overlay.Overlay used by tests and by
// any process that wants Rekindle's full stack running without a real
// routed-overlay dependency. It models private routes as registered
// mailboxes inside a shared Network and DHT records as an unsigned,
// TTL-less key-value store with subscriber-driven ValueChange delivery
// (writes are not checked against the record's owner keypair, and no
// RouteChange events are ever emitted)
// (real records do expire; the keepalive/refresh loops in pkg/syncloop
// and pkg/community are what actually re-publish before that matters).
package simulated

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"

	"github.com/rekindle/rekindle/pkg/overlay"
)

// Network is the shared medium a set of simulated overlays attach to.
// Tests construct one Network and one Overlay per simulated peer.
type Network struct {
	mu     sync.RWMutex
	routes map[overlay.RouteID]*Overlay
	calls  map[string]chan []byte

	records map[overlay.RecordKey]*record
}

type record struct {
	mu       sync.Mutex
	schema   overlay.RecordSchema
	owner    *overlay.OwnerKeypair
	subkeys  [][]byte
	watchers map[*Overlay][2]uint32
}

// NewNetwork returns an empty shared medium.
func NewNetwork() *Network {
	return &Network{
		routes:  make(map[overlay.RouteID]*Overlay),
		calls:   make(map[string]chan []byte),
		records: make(map[overlay.RecordKey]*record),
	}
}

// Overlay is a single simulated peer's handle onto a Network.
type Overlay struct {
	net    *Network
	events chan overlay.Event

	mu          sync.Mutex
	ownedRoutes map[overlay.RouteID]bool
	openRecords map[overlay.RecordKey]bool
}

// NewOverlay registers a new simulated peer on net. Unlike a real
// overlay, attachment is instantaneous: the peer is queued a
// PublicInternetReady event immediately so callers that wait on it
// (pkg/syncloop's Login) don't need a real network to exercise.
func NewOverlay(net *Network) *Overlay {
	o := &Overlay{
		net:         net,
		events:      make(chan overlay.Event, 64),
		ownedRoutes: make(map[overlay.RouteID]bool),
		openRecords: make(map[overlay.RecordKey]bool),
	}
	o.events <- overlay.Event{Attachment: &overlay.AttachmentState{Status: overlay.AttachmentStatePublicInternetReady}}
	return o
}

func (o *Overlay) Events() <-chan overlay.Event { return o.events }

func (o *Overlay) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.net.mu.Lock()
	for id := range o.ownedRoutes {
		delete(o.net.routes, id)
	}
	o.net.mu.Unlock()

	close(o.events)
	return nil
}

func randomID(prefix string) string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(b[:]))
}

func (o *Overlay) NewPrivateRoute(ctx context.Context) (overlay.RouteID, []byte, error) {
	id := overlay.RouteID(randomID("route"))
	blob := []byte(id) // the "blob" is just the id; a real overlay's blob is opaque

	o.mu.Lock()
	o.ownedRoutes[id] = true
	o.mu.Unlock()

	o.net.mu.Lock()
	o.net.routes[id] = o
	o.net.mu.Unlock()

	return id, blob, nil
}

func (o *Overlay) ImportRemotePrivateRoute(ctx context.Context, blob []byte) (overlay.RouteID, error) {
	id := overlay.RouteID(blob)
	o.net.mu.RLock()
	_, ok := o.net.routes[id]
	o.net.mu.RUnlock()
	if !ok {
		return "", overlay.ErrRouteNotFound
	}
	return id, nil
}

func (o *Overlay) ReleasePrivateRoute(ctx context.Context, route overlay.RouteID) error {
	o.mu.Lock()
	if !o.ownedRoutes[route] {
		o.mu.Unlock()
		return overlay.ErrRouteNotFound
	}
	delete(o.ownedRoutes, route)
	o.mu.Unlock()

	o.net.mu.Lock()
	delete(o.net.routes, route)
	o.net.mu.Unlock()
	return nil
}

func (o *Overlay) CreateDHTRecord(ctx context.Context, schema overlay.RecordSchema) (overlay.RecordKey, *overlay.OwnerKeypair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return "", nil, fmt.Errorf("simulated overlay: generate record owner key: %w", err)
	}
	owner := &overlay.OwnerKeypair{}
	copy(owner.Public[:], pub)
	copy(owner.Private[:], priv)

	key := overlay.RecordKey(randomID("rec"))
	rec := &record{
		schema:   schema,
		owner:    owner,
		subkeys:  make([][]byte, schema.SubkeyCount),
		watchers: make(map[*Overlay][2]uint32),
	}

	o.net.mu.Lock()
	o.net.records[key] = rec
	o.net.mu.Unlock()

	o.mu.Lock()
	o.openRecords[key] = true
	o.mu.Unlock()

	return key, owner, nil
}

func (o *Overlay) OpenDHTRecord(ctx context.Context, key overlay.RecordKey, _ *overlay.OwnerKeypair) error {
	o.net.mu.RLock()
	_, ok := o.net.records[key]
	o.net.mu.RUnlock()
	if !ok {
		return overlay.ErrRecordNotOpen
	}
	o.mu.Lock()
	o.openRecords[key] = true
	o.mu.Unlock()
	return nil
}

func (o *Overlay) CloseDHTRecord(ctx context.Context, key overlay.RecordKey) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.openRecords[key] {
		return overlay.ErrRecordNotOpen
	}
	delete(o.openRecords, key)

	o.net.mu.Lock()
	if rec, ok := o.net.records[key]; ok {
		rec.mu.Lock()
		delete(rec.watchers, o)
		rec.mu.Unlock()
	}
	o.net.mu.Unlock()
	return nil
}

func (o *Overlay) getRecord(key overlay.RecordKey) (*record, error) {
	o.mu.Lock()
	isOpen := o.openRecords[key]
	o.mu.Unlock()
	if !isOpen {
		return nil, overlay.ErrRecordNotOpen
	}
	o.net.mu.RLock()
	rec, ok := o.net.records[key]
	o.net.mu.RUnlock()
	if !ok {
		return nil, overlay.ErrRecordNotOpen
	}
	return rec, nil
}

func (o *Overlay) GetDHTValue(ctx context.Context, key overlay.RecordKey, subkey uint32, forceRefresh bool) ([]byte, error) {
	rec, err := o.getRecord(key)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if int(subkey) >= len(rec.subkeys) {
		return nil, fmt.Errorf("simulated overlay: subkey %d out of range", subkey)
	}
	return rec.subkeys[subkey], nil
}

func (o *Overlay) SetDHTValue(ctx context.Context, key overlay.RecordKey, subkey uint32, value []byte) error {
	rec, err := o.getRecord(key)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	if int(subkey) >= len(rec.subkeys) {
		rec.mu.Unlock()
		return fmt.Errorf("simulated overlay: subkey %d out of range", subkey)
	}
	rec.subkeys[subkey] = value

	var notify []*Overlay
	for watcher, rng := range rec.watchers {
		if watcher == o {
			continue
		}
		if subkey >= rng[0] && subkey <= rng[1] {
			notify = append(notify, watcher)
		}
	}
	rec.mu.Unlock()

	for _, watcher := range notify {
		watcher.deliver(overlay.Event{ValueChange: &overlay.ValueChange{Key: key, Subkeys: []uint32{subkey}}})
	}
	return nil
}

func (o *Overlay) WatchDHTValues(ctx context.Context, key overlay.RecordKey, subkeyLow, subkeyHigh uint32) (bool, error) {
	rec, err := o.getRecord(key)
	if err != nil {
		return false, err
	}
	rec.mu.Lock()
	rec.watchers[o] = [2]uint32{subkeyLow, subkeyHigh}
	rec.mu.Unlock()
	return true, nil
}

func (o *Overlay) deliver(evt overlay.Event) {
	select {
	case o.events <- evt:
	default:
		log.Printf("⚠️  simulated overlay: event channel full, dropping event")
	}
}

func (o *Overlay) AppCall(ctx context.Context, target overlay.RouteID, payload []byte) ([]byte, error) {
	o.net.mu.RLock()
	dest, ok := o.net.routes[target]
	o.net.mu.RUnlock()
	if !ok {
		return nil, overlay.ErrRouteNotFound
	}

	callID := randomID("call")
	replyCh := make(chan []byte, 1)
	o.net.mu.Lock()
	o.net.calls[callID] = replyCh
	o.net.mu.Unlock()
	defer func() {
		o.net.mu.Lock()
		delete(o.net.calls, callID)
		o.net.mu.Unlock()
	}()

	dest.deliver(overlay.Event{AppCall: &overlay.AppCall{CallID: callID, Payload: payload}})

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Overlay) AppMessage(ctx context.Context, target overlay.RouteID, payload []byte) error {
	o.net.mu.RLock()
	dest, ok := o.net.routes[target]
	o.net.mu.RUnlock()
	if !ok {
		return overlay.ErrRouteNotFound
	}
	dest.deliver(overlay.Event{AppMessage: &overlay.AppMessage{Payload: payload}})
	return nil
}

func (o *Overlay) AppCallReply(ctx context.Context, callID string, payload []byte) error {
	o.net.mu.RLock()
	ch, ok := o.net.calls[callID]
	o.net.mu.RUnlock()
	if !ok {
		return fmt.Errorf("simulated overlay: unknown call id %q", callID)
	}
	ch <- payload
	return nil
}

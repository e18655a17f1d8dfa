// Package overlay declares the interface Rekindle consumes from its
// underlying peer-to-peer substrate: private-route transport plus a
// signed, TTL'd distributed hash table of fixed-subkey records. The
// substrate itself (a Veilid-style routed overlay) is out of scope here;
// this package is the seam the rest of the tree programs against, and
// pkg/overlay/simulated is the in-memory stand-in used by tests and by
// any deployment that doesn't yet have a real overlay wired in.
package overlay

import (
	"context"
	"errors"
	"time"
)

// RecordKey identifies a DHT record. It is opaque to callers beyond
// equality and string rendering.
type RecordKey string

// RouteID identifies a private route allocated by the overlay, either
// our own or one imported from a remote peer's route blob.
type RouteID string

// OwnerKeypair is the Ed25519 keypair that authorizes writes to a DHT
// record's subkeys. Only the record's creator (or whoever the creator
// handed the private key to, e.g. a colocated community server) can
// set_dht_value successfully.
type OwnerKeypair struct {
	Public  [32]byte
	Private [64]byte
}

// RecordSchema describes the subkey layout requested at creation time.
// Rekindle's records are always fixed small counts of subkeys (profile:
// 7, community: 7, mailbox: 1, friend list: 1) with no per-subkey size
// limit enforced at this layer.
type RecordSchema struct {
	SubkeyCount uint32
}

var (
	// ErrNotAttached is returned by operations that require the overlay
	// to have reported AttachmentStatePublicInternetReady at least once.
	ErrNotAttached = errors.New("overlay: not attached")
	// ErrRecordNotOpen is returned when an operation targets a record
	// key the caller never opened (or already closed) on this overlay
	// handle.
	ErrRecordNotOpen = errors.New("overlay: record not open")
	// ErrRouteNotFound is returned when a route id was already released
	// or was never known to this overlay handle.
	ErrRouteNotFound = errors.New("overlay: route not found")
)

// AttachmentStatus mirrors the overlay's network-readiness state
// machine. Only AttachmentStatePublicInternetReady allows private-route
// allocation and DHT writes to be expected to succeed.
type AttachmentStatus int

const (
	AttachmentStateDetached AttachmentStatus = iota
	AttachmentStateAttaching
	AttachmentStateAttachedWeak
	AttachmentStateAttachedGood
	AttachmentStatePublicInternetReady
)

// Event is the sum type delivered on the update channel returned by
// Events. Exactly one of the fields is non-nil/non-zero per event,
// matching the discriminated union the overlay's own update stream
// delivers.
type Event struct {
	Attachment  *AttachmentState
	RouteChange *RouteChange
	ValueChange *ValueChange
	AppCall     *AppCall
	AppMessage  *AppMessage
}

// AttachmentState reports a transition in the overlay's network
// attachment state machine.
type AttachmentState struct {
	Status AttachmentStatus
}

// RouteChange reports private routes the overlay has determined are
// dead, either ours or ones we imported from peers. Callers must not
// call ReleasePrivateRoute on a dead id — the overlay already dropped
// it and will return an error.
type RouteChange struct {
	DeadRoutes []RouteID
}

// ValueChange reports that one or more subkeys of a watched record
// changed, either because our own watch fired or another writer
// updated it.
type ValueChange struct {
	Key     RecordKey
	Subkeys []uint32
}

// AppCall is an inbound request-response call arriving on one of our
// private routes. The handler must eventually call AppCallReply with
// CallID, exactly once.
type AppCall struct {
	CallID  string
	Payload []byte
}

// AppMessage is an inbound fire-and-forget message arriving on one of
// our private routes.
type AppMessage struct {
	Payload []byte
}

// Config carries the overlay startup parameters (storage directory,
// bootstrap peers, table protection). Fields are deliberately sparse;
// the simulated overlay ignores all of them.
type Config struct {
	StorageDir string
}

// Overlay is the full surface the rest of Rekindle programs against.
// Implementations must be safe for concurrent use.
type Overlay interface {
	// Events returns the channel of Event values produced for the
	// lifetime of this overlay handle. Callers should range over it
	// from a dedicated goroutine; it is closed on Shutdown.
	Events() <-chan Event

	// Shutdown tears the overlay handle down. Per the concurrency
	// model, this is only ever called at process exit, after user
	// session state has already been cleaned up.
	Shutdown(ctx context.Context) error

	NewPrivateRoute(ctx context.Context) (RouteID, []byte, error)
	ImportRemotePrivateRoute(ctx context.Context, blob []byte) (RouteID, error)
	ReleasePrivateRoute(ctx context.Context, route RouteID) error

	CreateDHTRecord(ctx context.Context, schema RecordSchema) (RecordKey, *OwnerKeypair, error)
	OpenDHTRecord(ctx context.Context, key RecordKey, owner *OwnerKeypair) error
	CloseDHTRecord(ctx context.Context, key RecordKey) error
	GetDHTValue(ctx context.Context, key RecordKey, subkey uint32, forceRefresh bool) ([]byte, error)
	SetDHTValue(ctx context.Context, key RecordKey, subkey uint32, value []byte) error
	// WatchDHTValues returns false when the overlay could not establish
	// a watch (the caller must fall back to polling the given subkeys).
	WatchDHTValues(ctx context.Context, key RecordKey, subkeyLow, subkeyHigh uint32) (bool, error)

	AppCall(ctx context.Context, target RouteID, payload []byte) ([]byte, error)
	AppMessage(ctx context.Context, target RouteID, payload []byte) error
	AppCallReply(ctx context.Context, callID string, payload []byte) error
}

// PrivateRouteTTL is the approximate lifetime the overlay promises for
// an allocated private route before it may silently die and surface via
// RouteChange.
const PrivateRouteTTL = 5 * time.Minute

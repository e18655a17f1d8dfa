// Package invite encodes and decodes the rekindle:// invite link: a
// signed, base58-encoded blob carrying everything a new contact needs
// to reach the inviter without a prior DHT lookup — their public key,
// mailbox and profile record keys, a currently-live route blob, and a
// prekey bundle to open a session with.
package invite

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/rekindle/rekindle/pkg/identity"
	"github.com/rekindle/rekindle/pkg/overlay"
	"github.com/rekindle/rekindle/pkg/record/schema"
	"github.com/rekindle/rekindle/pkg/wire"
)

// Scheme is the URL scheme every invite link uses.
const Scheme = "rekindle://"

var (
	// ErrBadScheme is returned when a string passed to Parse doesn't
	// start with Scheme.
	ErrBadScheme = errors.New("invite: missing rekindle:// scheme")
	// ErrBadSignature is returned when the trailing signature doesn't
	// verify under the embedded public key.
	ErrBadSignature = errors.New("invite: signature verification failed")
)

// Invite is the decoded, not-yet-trusted payload of an invite link.
// Callers must not derive any local state from it until Parse's
// signature check has succeeded.
type Invite struct {
	PeerPublicKey ed25519.PublicKey
	DisplayName   string
	MailboxKey    overlay.RecordKey
	ProfileKey    overlay.RecordKey
	RouteBlob     []byte
	PreKeyBundle  *schema.PreKeyBundlePayload
	TrackingID    *string

	signature []byte
	signed    []byte // the exact bytes the signature covers
}

// New builds an invite on behalf of id, the inviter's own identity, and
// signs it. The caller supplies its own current route blob and a fresh
// prekey bundle (the private halves of which must already be persisted
// before this is called, mirroring pkg/syncloop.Login's publish order).
func New(id *identity.Identity, displayName string, mailboxKey, profileKey overlay.RecordKey, routeBlob []byte, bundle *schema.PreKeyBundlePayload, trackingID *string) *Invite {
	inv := &Invite{
		PeerPublicKey: append(ed25519.PublicKey(nil), id.Public...),
		DisplayName:   displayName,
		MailboxKey:    mailboxKey,
		ProfileKey:    profileKey,
		RouteBlob:     routeBlob,
		PreKeyBundle:  bundle,
		TrackingID:    trackingID,
	}
	inv.signed = inv.signableBytes()
	inv.signature = id.Sign(inv.signed)
	return inv
}

// signableBytes serializes every field except the signature itself, in
// the exact order Encode writes them. New signs these bytes; Parse checks
// the signature against the signed bytes embedded in the encoded invite.
func (inv *Invite) signableBytes() []byte {
	w := wire.NewWriter(256)
	w.PutFixed(inv.PeerPublicKey)
	w.PutString(inv.DisplayName)
	w.PutString(string(inv.MailboxKey))
	w.PutString(string(inv.ProfileKey))
	w.PutBytes(inv.RouteBlob)
	w.PutBytes(inv.PreKeyBundle.Encode())
	w.PutOptionalString(inv.TrackingID)
	return w.Bytes()
}

// Encode serializes the invite (fields, then signature) and returns the
// full rekindle:// URL.
func (inv *Invite) Encode() string {
	w := wire.NewWriter(len(inv.signed) + 64 + 8)
	w.PutBytes(inv.signed)
	w.PutFixed(inv.signature)
	return Scheme + base58.Encode(w.Bytes())
}

// Parse decodes a rekindle:// URL and verifies its signature before
// returning. A non-nil Invite is always signature-valid.
func Parse(url string) (*Invite, error) {
	if !strings.HasPrefix(url, Scheme) {
		return nil, ErrBadScheme
	}
	raw, err := base58.Decode(strings.TrimPrefix(url, Scheme))
	if err != nil {
		return nil, fmt.Errorf("invite: base58 decode: %w", err)
	}

	r := wire.NewReader(raw)
	signed, err := r.Bytes()
	if err != nil {
		return nil, fmt.Errorf("invite: read signed body: %w", err)
	}
	signature, err := r.Fixed(ed25519.SignatureSize)
	if err != nil {
		return nil, fmt.Errorf("invite: read signature: %w", err)
	}

	inv, err := decodeSignedBody(signed)
	if err != nil {
		return nil, err
	}
	inv.signed = signed
	inv.signature = signature

	if !ed25519.Verify(inv.PeerPublicKey, signed, signature) {
		return nil, ErrBadSignature
	}
	return inv, nil
}

func decodeSignedBody(buf []byte) (*Invite, error) {
	r := wire.NewReader(buf)

	pub, err := r.Fixed(ed25519.PublicKeySize)
	if err != nil {
		return nil, fmt.Errorf("invite: read peer public key: %w", err)
	}
	displayName, err := r.String()
	if err != nil {
		return nil, fmt.Errorf("invite: read display name: %w", err)
	}
	mailboxKey, err := r.String()
	if err != nil {
		return nil, fmt.Errorf("invite: read mailbox key: %w", err)
	}
	profileKey, err := r.String()
	if err != nil {
		return nil, fmt.Errorf("invite: read profile key: %w", err)
	}
	routeBlob, err := r.Bytes()
	if err != nil {
		return nil, fmt.Errorf("invite: read route blob: %w", err)
	}
	bundleRaw, err := r.Bytes()
	if err != nil {
		return nil, fmt.Errorf("invite: read prekey bundle: %w", err)
	}
	bundle, err := schema.DecodePreKeyBundle(bundleRaw)
	if err != nil {
		return nil, fmt.Errorf("invite: decode prekey bundle: %w", err)
	}
	trackingID, err := r.OptionalString()
	if err != nil {
		return nil, fmt.Errorf("invite: read tracking id: %w", err)
	}

	return &Invite{
		PeerPublicKey: pub,
		DisplayName:   displayName,
		MailboxKey:    overlay.RecordKey(mailboxKey),
		ProfileKey:    overlay.RecordKey(profileKey),
		RouteBlob:     routeBlob,
		PreKeyBundle:  bundle,
		TrackingID:    trackingID,
	}, nil
}

// Package envelope implements Rekindle's signed message envelope: every
// message exchanged over the overlay (direct messages, friend requests,
// presence updates, community RPCs) is wrapped in an Envelope whose
// signature covers the timestamp, nonce, and payload under the sender's
// identity signing key.
package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/rekindle/rekindle/pkg/wire"
)

var (
	ErrInvalidSignature = errors.New("envelope: invalid signature")
	ErrFrameTooShort     = errors.New("envelope: frame too short")
)

// Envelope is the signed transport wrapper around a MessagePayload.
type Envelope struct {
	Sender    [32]byte // Ed25519 public key of the sender (or pseudonym key)
	Timestamp int64    // Unix milliseconds
	Nonce     [16]byte
	Payload   []byte // session-encrypted, or plaintext for pre-session payloads
	Signature [64]byte
}

// signedMessage returns timestamp || nonce || payload, the data actually
// signed and verified.
func (e *Envelope) signedMessage() []byte {
	buf := make([]byte, 0, 8+16+len(e.Payload))
	var ts [8]byte
	for i := 0; i < 8; i++ {
		ts[i] = byte(e.Timestamp >> (56 - 8*i))
	}
	buf = append(buf, ts[:]...)
	buf = append(buf, e.Nonce[:]...)
	buf = append(buf, e.Payload...)
	return buf
}

// Seal builds and signs a new envelope for payload using signerKey
// (either the real identity private key, or a per-community pseudonym
// signing key).
func Seal(senderPublic [32]byte, signerKey ed25519.PrivateKey, timestampMS int64, payload []byte) (*Envelope, error) {
	e := &Envelope{
		Sender:    senderPublic,
		Timestamp: timestampMS,
		Payload:   payload,
	}
	if _, err := rand.Read(e.Nonce[:]); err != nil {
		return nil, fmt.Errorf("envelope: generate nonce: %w", err)
	}
	sig := ed25519.Sign(signerKey, e.signedMessage())
	copy(e.Signature[:], sig)
	return e, nil
}

// Verify checks the envelope's signature against its declared sender key.
// A single bit flip in timestamp, nonce, payload, or signature causes
// verification to fail.
func (e *Envelope) Verify() bool {
	return ed25519.Verify(e.Sender[:], e.signedMessage(), e.Signature[:])
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() []byte {
	w := wire.NewWriter(32 + 8 + 16 + 4 + len(e.Payload) + 64)
	w.PutFixed(e.Sender[:])
	w.PutUint64(uint64(e.Timestamp))
	w.PutFixed(e.Nonce[:])
	w.PutBytes(e.Payload)
	w.PutFixed(e.Signature[:])
	return w.Bytes()
}

// Decode parses an envelope produced by Encode. It does not verify the
// signature; call Verify explicitly.
func Decode(data []byte) (*Envelope, error) {
	r := wire.NewReader(data)
	e := &Envelope{}

	if err := r.FixedInto(e.Sender[:]); err != nil {
		return nil, fmt.Errorf("%w: sender: %v", ErrFrameTooShort, err)
	}
	ts, err := r.Uint64()
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp: %v", ErrFrameTooShort, err)
	}
	e.Timestamp = int64(ts)
	if err := r.FixedInto(e.Nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrFrameTooShort, err)
	}
	payload, err := r.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrFrameTooShort, err)
	}
	e.Payload = payload
	if err := r.FixedInto(e.Signature[:]); err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrFrameTooShort, err)
	}

	return e, nil
}

// Decrypter decrypts a session-encrypted payload from a known peer.
// Implemented by secureChannel.Manager.
type Decrypter interface {
	Decrypt(peerAddr string, message []byte) ([]byte, error)
	HasSession(peerAddr string) (bool, error)
}

// OpenPayload resolves an envelope's plaintext MessagePayload bytes: if a
// session exists for the sender, attempt session decrypt; otherwise (or
// on decrypt failure) fall back to treating the payload as plaintext.
// This is the path used for FriendRequest/FriendAccept/FriendReject,
// which necessarily arrive before any session exists.
func OpenPayload(dec Decrypter, senderAddrHex string, e *Envelope) ([]byte, error) {
	hasSession, err := dec.HasSession(senderAddrHex)
	if err != nil {
		return nil, err
	}
	if !hasSession {
		return e.Payload, nil
	}
	plaintext, err := dec.Decrypt(senderAddrHex, e.Payload)
	if err != nil {
		// Fall back to plaintext rather than failing the whole receive;
		// a stale/missing session must not block delivery of
		// session-establishing payloads.
		return e.Payload, nil
	}
	return plaintext, nil
}

// Package secureChannel implements Rekindle's pairwise secure channel:
// X3DH key agreement followed by a simplified chain-key-only ratchet
// (no DH ratchet step, no skipped-message-key window). Message keys and
// the next chain key are both derived from the current chain key via
// HKDF, and messages are AES-256-GCM encrypted with a counter-derived
// nonce.
package secureChannel

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/rekindle/rekindle/pkg/identity"
)

// HKDF info strings for the X3DH root-derivation step and for each
// ratchet advance. These match the original implementation's constants
// exactly so sessions established by either codebase derive identical
// key material from the same input.
const (
	x3dhInfo      = "ReKindleX3DH"
	msgKeyInfo    = "ReKindleMsgKey"
	chainKeyInfo  = "ReKindleChainKey"
)

var (
	ErrNoOneTimePreKey     = errors.New("secureChannel: one-time prekey not found")
	ErrInvalidSignedPreKey = errors.New("secureChannel: invalid signed prekey signature")
)

// SignedPreKey is the medium-term X25519 key published alongside an
// identity, signed by the identity's Ed25519 key.
type SignedPreKey struct {
	KeyID     uint32
	PublicKey [32]byte
	Signature [64]byte
	Timestamp int64
}

// SignedPreKeyPrivate is the private counterpart, kept locally.
type SignedPreKeyPrivate struct {
	KeyID     uint32
	PublicKey [32]byte
	Private   [32]byte
	Signature [64]byte
	Timestamp int64
}

// OneTimePreKey is a single-use X25519 key.
type OneTimePreKey struct {
	KeyID     uint32
	PublicKey [32]byte
}

// OneTimePreKeyPrivate is the private counterpart.
type OneTimePreKeyPrivate struct {
	KeyID   uint32
	Public  [32]byte
	Private [32]byte
}

// PreKeyBundle is the set of public keys a peer publishes to their
// profile DHT record for others to initiate X3DH against.
type PreKeyBundle struct {
	IdentityKey    [32]byte // X25519, birationally derived from the Ed25519 identity
	SignedPreKey   SignedPreKey
	OneTimePreKey  *OneTimePreKey
	RegistrationID uint32
}

// GenerateSignedPreKey creates a fresh signed prekey and signs its public
// key with the identity's Ed25519 key.
func GenerateSignedPreKey(keyID uint32, id *identity.Identity, timestamp int64) (*SignedPreKeyPrivate, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("secureChannel: generate signed prekey: %w", err)
	}
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)

	sig := ed25519.Sign(id.Private, pub[:])

	spk := &SignedPreKeyPrivate{
		KeyID:     keyID,
		PublicKey: pub,
		Private:   priv,
		Timestamp: timestamp,
	}
	copy(spk.Signature[:], sig)
	return spk, nil
}

// GenerateOneTimePreKeys creates count one-time prekeys starting at startID.
func GenerateOneTimePreKeys(startID uint32, count int) ([]*OneTimePreKeyPrivate, error) {
	keys := make([]*OneTimePreKeyPrivate, count)
	for i := 0; i < count; i++ {
		var priv [32]byte
		if _, err := rand.Read(priv[:]); err != nil {
			return nil, fmt.Errorf("secureChannel: generate one-time prekey: %w", err)
		}
		var pub [32]byte
		curve25519.ScalarBaseMult(&pub, &priv)
		keys[i] = &OneTimePreKeyPrivate{KeyID: startID + uint32(i), Public: pub, Private: priv}
	}
	return keys, nil
}

// VerifySignedPreKey checks a signed prekey's signature against the
// peer's Ed25519 identity public key.
func VerifySignedPreKey(identityEd25519 ed25519.PublicKey, spk *SignedPreKey) bool {
	return ed25519.Verify(identityEd25519, spk.PublicKey[:], spk.Signature[:])
}

// x3dhDerive runs HKDF-SHA256 over the concatenated DH outputs with a
// zero salt, expanding to 96 bytes: root key || chain key A || chain key B.
func x3dhDerive(dhConcat []byte) (rootKey, chainA, chainB [32]byte, err error) {
	salt := make([]byte, 32)
	reader := hkdf.New(sha256.New, dhConcat, salt, []byte(x3dhInfo))
	okm := make([]byte, 96)
	if _, err = reader.Read(okm); err != nil {
		return
	}
	copy(rootKey[:], okm[:32])
	copy(chainA[:], okm[32:64])
	copy(chainB[:], okm[64:96])
	return
}

// EstablishSession runs X3DH as the initiator against a peer's published
// PreKeyBundle, returning a fresh RatchetState plus the InitialMessage
// fields the peer needs to derive the same root key as a responder.
func EstablishSession(ourIdentity *identity.Identity, bundle *PreKeyBundle) (*RatchetState, *InitialKeys, error) {
	var ephemeralPrivate [32]byte
	if _, err := rand.Read(ephemeralPrivate[:]); err != nil {
		return nil, nil, fmt.Errorf("secureChannel: generate ephemeral key: %w", err)
	}
	var ephemeralPublic [32]byte
	curve25519.ScalarBaseMult(&ephemeralPublic, &ephemeralPrivate)

	dh1, err := identity.DeriveSharedSecret(ourIdentity.DHPrivate, bundle.SignedPreKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := identity.DeriveSharedSecret(ephemeralPrivate, bundle.IdentityKey)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := identity.DeriveSharedSecret(ephemeralPrivate, bundle.SignedPreKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	dhConcat := make([]byte, 0, 128)
	dhConcat = append(dhConcat, dh1[:]...)
	dhConcat = append(dhConcat, dh2[:]...)
	dhConcat = append(dhConcat, dh3[:]...)

	var usedOTPKID uint32
	if bundle.OneTimePreKey != nil {
		dh4, err := identity.DeriveSharedSecret(ephemeralPrivate, bundle.OneTimePreKey.PublicKey)
		if err != nil {
			return nil, nil, err
		}
		dhConcat = append(dhConcat, dh4[:]...)
		usedOTPKID = bundle.OneTimePreKey.KeyID
	}

	rootKey, sendingChain, receivingChain, err := x3dhDerive(dhConcat)
	if err != nil {
		return nil, nil, err
	}

	ratchet := &RatchetState{
		RootKey:            rootKey,
		SendingChainKey:    sendingChain,
		ReceivingChainKey:  receivingChain,
		OurRatchetPublic:   ephemeralPublic[:],
		TheirRatchetPublic: bundle.SignedPreKey.PublicKey[:],
	}

	initial := &InitialKeys{
		IdentityKey:         ourIdentity.DHPublic,
		EphemeralKey:        ephemeralPublic,
		UsedSignedPreKeyID:  bundle.SignedPreKey.KeyID,
		UsedOneTimePreKeyID: usedOTPKID,
	}

	return ratchet, initial, nil
}

// InitialKeys is the subset of an InitialMessage a responder needs to
// reconstruct the same X3DH root key and chain keys.
type InitialKeys struct {
	IdentityKey         [32]byte
	EphemeralKey        [32]byte
	UsedSignedPreKeyID  uint32
	UsedOneTimePreKeyID uint32
}

// RespondToSession runs X3DH as the responder, mirroring the initiator's
// DH computation and swapping the sending/receiving chain key assignment
// so both sides agree on which chain carries which direction.
func RespondToSession(
	ourIdentity *identity.Identity,
	ourSignedPreKey *SignedPreKeyPrivate,
	ourOneTimePreKeys map[uint32]*OneTimePreKeyPrivate,
	initial *InitialKeys,
) (*RatchetState, error) {
	var usedOTPK *OneTimePreKeyPrivate
	if initial.UsedOneTimePreKeyID != 0 {
		var ok bool
		usedOTPK, ok = ourOneTimePreKeys[initial.UsedOneTimePreKeyID]
		if !ok {
			return nil, ErrNoOneTimePreKey
		}
	}

	dh1, err := identity.DeriveSharedSecret(ourSignedPreKey.Private, initial.IdentityKey)
	if err != nil {
		return nil, err
	}
	dh2, err := identity.DeriveSharedSecret(ourIdentity.DHPrivate, initial.EphemeralKey)
	if err != nil {
		return nil, err
	}
	dh3, err := identity.DeriveSharedSecret(ourSignedPreKey.Private, initial.EphemeralKey)
	if err != nil {
		return nil, err
	}

	dhConcat := make([]byte, 0, 128)
	dhConcat = append(dhConcat, dh1[:]...)
	dhConcat = append(dhConcat, dh2[:]...)
	dhConcat = append(dhConcat, dh3[:]...)

	if usedOTPK != nil {
		dh4, err := identity.DeriveSharedSecret(usedOTPK.Private, initial.EphemeralKey)
		if err != nil {
			return nil, err
		}
		dhConcat = append(dhConcat, dh4[:]...)
		delete(ourOneTimePreKeys, initial.UsedOneTimePreKeyID)
	}

	rootKey, chainA, chainB, err := x3dhDerive(dhConcat)
	if err != nil {
		return nil, err
	}

	// The responder swaps chain assignment relative to the initiator:
	// chainA is the initiator's sending chain (our receiving chain).
	ratchet := &RatchetState{
		RootKey:            rootKey,
		SendingChainKey:    chainB,
		ReceivingChainKey:  chainA,
		OurRatchetPublic:   ourSignedPreKey.PublicKey[:],
		TheirRatchetPublic: initial.EphemeralKey[:],
	}

	return ratchet, nil
}

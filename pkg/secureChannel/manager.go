package secureChannel

import (
	"errors"
	"fmt"
	"log"

	"github.com/rekindle/rekindle/pkg/identity"
)

// SessionStore persists one ratchet state per peer address, keyed by the
// peer's hex-encoded identity public key.
type SessionStore interface {
	LoadSession(peerAddr string) ([]byte, bool, error)
	StoreSession(peerAddr string, data []byte) error
	HasSession(peerAddr string) (bool, error)
}

// PreKeyStore persists our own signed and one-time prekey private
// material between generation and use as a responder.
type PreKeyStore interface {
	StoreSignedPreKey(spk *SignedPreKeyPrivate) error
	LoadSignedPreKey(keyID uint32) (*SignedPreKeyPrivate, bool, error)
	StoreOneTimePreKey(otpk *OneTimePreKeyPrivate) error
	LoadOneTimePreKey(keyID uint32) (*OneTimePreKeyPrivate, bool, error)
	RemoveOneTimePreKey(keyID uint32) error
}

var ErrNoSession = errors.New("secureChannel: no session for peer")

// Manager establishes and drives pairwise secure channels on top of a
// SessionStore and PreKeyStore, mirroring the teacher's session-manager
// shape but carrying Rekindle's simplified ratchet semantics.
type Manager struct {
	ourIdentity *identity.Identity
	sessions    SessionStore
	prekeys     PreKeyStore
}

// NewManager builds a Manager for ourIdentity backed by the given stores.
func NewManager(ourIdentity *identity.Identity, sessions SessionStore, prekeys PreKeyStore) *Manager {
	return &Manager{ourIdentity: ourIdentity, sessions: sessions, prekeys: prekeys}
}

// EstablishSession runs X3DH as the initiator against peerAddr's
// published PreKeyBundle and persists the resulting ratchet state.
func (m *Manager) EstablishSession(peerAddr string, bundle *PreKeyBundle) (*InitialKeys, error) {
	ratchet, initial, err := EstablishSession(m.ourIdentity, bundle)
	if err != nil {
		return nil, fmt.Errorf("secureChannel: establish session: %w", err)
	}
	if err := m.sessions.StoreSession(peerAddr, ratchet.Serialize()); err != nil {
		return nil, err
	}
	log.Printf("🔐 Established secure channel with %s", peerAddr)
	return initial, nil
}

// RespondToSession runs X3DH as the responder and persists the resulting
// ratchet state, consuming the one-time prekey named in initial if any.
func (m *Manager) RespondToSession(peerAddr string, initial *InitialKeys) error {
	if already, err := m.sessions.HasSession(peerAddr); err != nil {
		return err
	} else if already {
		log.Printf("⚠️  Secure channel with %s already exists", peerAddr)
		return nil
	}

	spk, ok, err := m.prekeys.LoadSignedPreKey(initial.UsedSignedPreKeyID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("secureChannel: signed prekey %d not found", initial.UsedSignedPreKeyID)
	}

	otpks := make(map[uint32]*OneTimePreKeyPrivate)
	if initial.UsedOneTimePreKeyID != 0 {
		otpk, ok, err := m.prekeys.LoadOneTimePreKey(initial.UsedOneTimePreKeyID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoOneTimePreKey
		}
		otpks[otpk.KeyID] = otpk
	}

	ratchet, err := RespondToSession(m.ourIdentity, spk, otpks, initial)
	if err != nil {
		return fmt.Errorf("secureChannel: respond to session: %w", err)
	}

	if initial.UsedOneTimePreKeyID != 0 {
		if err := m.prekeys.RemoveOneTimePreKey(initial.UsedOneTimePreKeyID); err != nil {
			log.Printf("⚠️  Failed to remove consumed one-time prekey %d: %v", initial.UsedOneTimePreKeyID, err)
		}
	}

	if err := m.sessions.StoreSession(peerAddr, ratchet.Serialize()); err != nil {
		return err
	}
	log.Printf("🔐 Accepted secure channel from %s", peerAddr)
	return nil
}

// HasSession reports whether a ratchet session already exists for peerAddr.
func (m *Manager) HasSession(peerAddr string) (bool, error) {
	return m.sessions.HasSession(peerAddr)
}

// Encrypt loads the session for peerAddr, advances its sending chain, and
// returns the ciphertext frame, persisting the updated state.
func (m *Manager) Encrypt(peerAddr string, plaintext []byte) ([]byte, error) {
	ratchet, err := m.loadRatchet(peerAddr)
	if err != nil {
		return nil, err
	}
	out, err := ratchet.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	if err := m.sessions.StoreSession(peerAddr, ratchet.Serialize()); err != nil {
		return nil, err
	}
	return out, nil
}

// Decrypt loads the session for peerAddr, advances its receiving chain,
// and returns the plaintext, persisting the updated state.
func (m *Manager) Decrypt(peerAddr string, message []byte) ([]byte, error) {
	ratchet, err := m.loadRatchet(peerAddr)
	if err != nil {
		return nil, err
	}
	plaintext, err := ratchet.Decrypt(message)
	if err != nil {
		return nil, err
	}
	if err := m.sessions.StoreSession(peerAddr, ratchet.Serialize()); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (m *Manager) loadRatchet(peerAddr string) (*RatchetState, error) {
	data, ok, err := m.sessions.LoadSession(peerAddr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSession
	}
	return DeserializeRatchetState(data)
}

// GeneratePreKeyBundle creates a fresh signed prekey (and, if
// oneTimeKeyID is non-zero, a one-time prekey), persists the private
// halves, and returns the publishable bundle.
func (m *Manager) GeneratePreKeyBundle(signedPreKeyID, oneTimeKeyID, registrationID uint32, timestamp int64) (*PreKeyBundle, error) {
	spk, err := GenerateSignedPreKey(signedPreKeyID, m.ourIdentity, timestamp)
	if err != nil {
		return nil, err
	}
	if err := m.prekeys.StoreSignedPreKey(spk); err != nil {
		return nil, err
	}

	bundle := &PreKeyBundle{
		IdentityKey: m.ourIdentity.DHPublic,
		SignedPreKey: SignedPreKey{
			KeyID:     spk.KeyID,
			PublicKey: spk.PublicKey,
			Signature: spk.Signature,
			Timestamp: spk.Timestamp,
		},
		RegistrationID: registrationID,
	}

	if oneTimeKeyID != 0 {
		otpks, err := GenerateOneTimePreKeys(oneTimeKeyID, 1)
		if err != nil {
			return nil, err
		}
		otpk := otpks[0]
		if err := m.prekeys.StoreOneTimePreKey(otpk); err != nil {
			return nil, err
		}
		bundle.OneTimePreKey = &OneTimePreKey{KeyID: otpk.KeyID, PublicKey: otpk.Public}
	}

	return bundle, nil
}

package secureChannel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rekindle/rekindle/pkg/identity"
)

// memSessionStore/memPreKeyStore are minimal in-memory test doubles; the
// real stores live in pkg/storage backed by sqlite.

type memSessionStore struct {
	sessions map[string][]byte
}

func newMemSessionStore() *memSessionStore { return &memSessionStore{sessions: map[string][]byte{}} }

func (m *memSessionStore) LoadSession(peer string) ([]byte, bool, error) {
	data, ok := m.sessions[peer]
	return data, ok, nil
}
func (m *memSessionStore) StoreSession(peer string, data []byte) error {
	m.sessions[peer] = data
	return nil
}
func (m *memSessionStore) HasSession(peer string) (bool, error) {
	_, ok := m.sessions[peer]
	return ok, nil
}

type memPreKeyStore struct {
	signed map[uint32]*SignedPreKeyPrivate
	otpks  map[uint32]*OneTimePreKeyPrivate
}

func newMemPreKeyStore() *memPreKeyStore {
	return &memPreKeyStore{signed: map[uint32]*SignedPreKeyPrivate{}, otpks: map[uint32]*OneTimePreKeyPrivate{}}
}

func (m *memPreKeyStore) StoreSignedPreKey(spk *SignedPreKeyPrivate) error {
	m.signed[spk.KeyID] = spk
	return nil
}
func (m *memPreKeyStore) LoadSignedPreKey(keyID uint32) (*SignedPreKeyPrivate, bool, error) {
	spk, ok := m.signed[keyID]
	return spk, ok, nil
}
func (m *memPreKeyStore) StoreOneTimePreKey(otpk *OneTimePreKeyPrivate) error {
	m.otpks[otpk.KeyID] = otpk
	return nil
}
func (m *memPreKeyStore) LoadOneTimePreKey(keyID uint32) (*OneTimePreKeyPrivate, bool, error) {
	otpk, ok := m.otpks[keyID]
	return otpk, ok, nil
}
func (m *memPreKeyStore) RemoveOneTimePreKey(keyID uint32) error {
	delete(m.otpks, keyID)
	return nil
}

func TestX3DHAndRatchetRoundTrip(t *testing.T) {
	alice, err := identity.Generate()
	require.NoError(t, err)
	bob, err := identity.Generate()
	require.NoError(t, err)

	bobSessions := newMemSessionStore()
	bobPreKeys := newMemPreKeyStore()
	bobManager := NewManager(bob, bobSessions, bobPreKeys)

	bundle, err := bobManager.GeneratePreKeyBundle(1, 1, 42, 1700000000)
	require.NoError(t, err)

	aliceSessions := newMemSessionStore()
	alicePreKeys := newMemPreKeyStore()
	aliceManager := NewManager(alice, aliceSessions, alicePreKeys)

	initial, err := aliceManager.EstablishSession("bob", bundle)
	require.NoError(t, err)
	require.Equal(t, uint32(1), initial.UsedOneTimePreKeyID)

	require.NoError(t, bobManager.RespondToSession("alice", initial))

	ciphertext, err := aliceManager.Encrypt("bob", []byte("hello bob"))
	require.NoError(t, err)

	plaintext, err := bobManager.Decrypt("alice", ciphertext)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(plaintext))

	// Responding side consumed the one-time prekey.
	_, ok, err := bobPreKeys.LoadOneTimePreKey(1)
	require.NoError(t, err)
	require.False(t, ok)

	// Messages advance the chain: a second message produces different
	// ciphertext and a higher counter even for identical plaintext.
	second, err := aliceManager.Encrypt("bob", []byte("hello bob"))
	require.NoError(t, err)
	require.NotEqual(t, ciphertext, second)

	plaintext2, err := bobManager.Decrypt("alice", second)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(plaintext2))
}

func TestRatchetSerializationRoundTrip(t *testing.T) {
	state := &RatchetState{
		OurRatchetPublic:   []byte("our-pub-key-bytes"),
		TheirRatchetPublic: []byte("their-pub-key-bytes"),
		SendCounter:        5,
		RecvCounter:        3,
	}
	encoded := state.Serialize()
	decoded, err := DeserializeRatchetState(encoded)
	require.NoError(t, err)
	require.Equal(t, state.OurRatchetPublic, decoded.OurRatchetPublic)
	require.Equal(t, state.TheirRatchetPublic, decoded.TheirRatchetPublic)
	require.Equal(t, state.SendCounter, decoded.SendCounter)
	require.Equal(t, state.RecvCounter, decoded.RecvCounter)
}

func TestDeserializeRejectsShortFrame(t *testing.T) {
	_, err := DeserializeRatchetState(make([]byte, 10))
	require.ErrorIs(t, err, ErrSessionFrameTooShort)
}

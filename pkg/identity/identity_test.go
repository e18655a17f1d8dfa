package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateProducesConsistentDerivation(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	// Re-deriving from the same private key must be deterministic.
	again, err := FromPrivateKey(id.Private)
	require.NoError(t, err)
	require.Equal(t, id.DHPublic, again.DHPublic)
	require.Equal(t, id.DHPrivate, again.DHPrivate)
}

func TestDeriveSharedSecretIsSymmetric(t *testing.T) {
	alice, err := Generate()
	require.NoError(t, err)
	bob, err := Generate()
	require.NoError(t, err)

	aliceShared, err := DeriveSharedSecret(alice.DHPrivate, bob.DHPublic)
	require.NoError(t, err)

	bobShared, err := DeriveSharedSecret(bob.DHPrivate, alice.DHPublic)
	require.NoError(t, err)

	require.Equal(t, aliceShared, bobShared)
}

func TestKeystoreSaveLoad(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewKeystore(dir)
	require.NoError(t, err)

	id, err := Generate()
	require.NoError(t, err)
	require.NoError(t, ks.Save("primary", id))

	loaded, err := ks.Load("primary")
	require.NoError(t, err)
	require.Equal(t, id.Public, loaded.Public)
	require.Equal(t, id.DHPublic, loaded.DHPublic)

	labels, err := ks.List()
	require.NoError(t, err)
	require.Contains(t, labels, "primary")
}

func TestKeystoreLoadOrCreate(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewKeystore(dir)
	require.NoError(t, err)

	first, err := ks.LoadOrCreate("default")
	require.NoError(t, err)

	second, err := ks.LoadOrCreate("default")
	require.NoError(t, err)

	require.Equal(t, first.Public, second.Public)
}

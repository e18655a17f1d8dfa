package invite

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rekindle/rekindle/pkg/identity"
	"github.com/rekindle/rekindle/pkg/overlay"
	"github.com/rekindle/rekindle/pkg/record/schema"
)

func testBundle() *schema.PreKeyBundlePayload {
	var identityKey, signedPreKey [32]byte
	var sig [64]byte
	for i := range identityKey {
		identityKey[i] = byte(i)
	}
	for i := range signedPreKey {
		signedPreKey[i] = byte(i + 1)
	}
	for i := range sig {
		sig[i] = byte(i + 2)
	}
	return &schema.PreKeyBundlePayload{
		IdentityKey:     identityKey,
		SignedPreKeyID:  7,
		SignedPreKey:    signedPreKey,
		SignedPreKeySig: sig,
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	tracking := "campaign-42"
	inv := New(id, "Ada", overlay.RecordKey("mailbox-key"), overlay.RecordKey("profile-key"), []byte("route-blob"), testBundle(), &tracking)

	url := inv.Encode()
	require.True(t, strings.HasPrefix(url, Scheme))

	decoded, err := Parse(url)
	require.NoError(t, err)
	require.Equal(t, []byte(id.Public), []byte(decoded.PeerPublicKey))
	require.Equal(t, "Ada", decoded.DisplayName)
	require.Equal(t, overlay.RecordKey("mailbox-key"), decoded.MailboxKey)
	require.Equal(t, overlay.RecordKey("profile-key"), decoded.ProfileKey)
	require.Equal(t, []byte("route-blob"), decoded.RouteBlob)
	require.Equal(t, testBundle(), decoded.PreKeyBundle)
	require.NotNil(t, decoded.TrackingID)
	require.Equal(t, "campaign-42", *decoded.TrackingID)
}

func TestParseRejectsMissingScheme(t *testing.T) {
	_, err := Parse("not-a-rekindle-link")
	require.ErrorIs(t, err, ErrBadScheme)
}

func TestParseRejectsTamperedSignature(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	inv := New(id, "Ada", overlay.RecordKey("mailbox-key"), overlay.RecordKey("profile-key"), nil, testBundle(), nil)

	url := inv.Encode()

	// Flip a byte deep enough in the body to land inside the signed
	// payload rather than the scheme prefix.
	tampered := []rune(url)
	mid := len(tampered) - 5
	if tampered[mid] == 'a' {
		tampered[mid] = 'b'
	} else {
		tampered[mid] = 'a'
	}

	_, err = Parse(string(tampered))
	require.Error(t, err)
}

func TestParseRejectsGarbageBody(t *testing.T) {
	_, err := Parse(Scheme + "not-valid-base58-or-frame-data-%%%")
	require.Error(t, err)
}

package envelope

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var senderKey [32]byte
	copy(senderKey[:], pub)

	payload := (&MessagePayload{Type: PayloadFriendReject}).Encode()
	e, err := Seal(senderKey, priv, 1700000000000, payload)
	require.NoError(t, err)
	require.True(t, e.Verify())
}

func TestVerifyFailsOnBitFlip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var senderKey [32]byte
	copy(senderKey[:], pub)

	e, err := Seal(senderKey, priv, 1700000000000, []byte("hello"))
	require.NoError(t, err)
	require.True(t, e.Verify())

	e.Payload[0] ^= 0x01
	require.False(t, e.Verify())

	e.Payload[0] ^= 0x01 // restore
	e.Timestamp++
	require.False(t, e.Verify())

	e.Timestamp--
	e.Nonce[0] ^= 0x01
	require.False(t, e.Verify())

	e.Nonce[0] ^= 0x01
	e.Signature[0] ^= 0x01
	require.False(t, e.Verify())
}

func TestEnvelopeEncodeDecodeRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var senderKey [32]byte
	copy(senderKey[:], pub)

	e, err := Seal(senderKey, priv, 1700000000000, []byte("payload bytes"))
	require.NoError(t, err)

	encoded := e.Encode()
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.True(t, decoded.Verify())
	require.Equal(t, e.Sender, decoded.Sender)
	require.Equal(t, e.Payload, decoded.Payload)
}

func TestMessagePayloadRoundTrip(t *testing.T) {
	dm := &MessagePayload{
		Type: PayloadDirectMessage,
		DirectMessage: &DirectMessage{
			MessageID: [16]byte{1, 2, 3},
			Body:      "hey there",
			SentAtMS:  1700000000000,
		},
	}
	encoded := dm.Encode()
	decoded, err := DecodePayload(encoded)
	require.NoError(t, err)
	require.Equal(t, PayloadDirectMessage, decoded.Type)
	require.Equal(t, dm.DirectMessage.Body, decoded.DirectMessage.Body)
	require.Equal(t, dm.DirectMessage.MessageID, decoded.DirectMessage.MessageID)

	fr := &MessagePayload{
		Type: PayloadFriendRequest,
		FriendRequest: &FriendRequest{
			DisplayName:  "alice",
			Message:      "let's chat",
			PreKeyBundle: []byte{0xAA, 0xBB},
		},
	}
	encoded = fr.Encode()
	decoded, err = DecodePayload(encoded)
	require.NoError(t, err)
	require.Equal(t, fr.FriendRequest.DisplayName, decoded.FriendRequest.DisplayName)
	require.Equal(t, fr.FriendRequest.PreKeyBundle, decoded.FriendRequest.PreKeyBundle)
}

func TestDecodePayloadUnknownType(t *testing.T) {
	_, err := DecodePayload([]byte{0xFF})
	require.ErrorIs(t, err, ErrUnknownPayloadType)
}

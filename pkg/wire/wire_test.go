package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripScalars(t *testing.T) {
	w := NewWriter(64)
	w.PutUint32(42)
	w.PutUint64(1234567890123)
	w.PutUint32LE(7)
	w.PutUint64LE(99)
	w.PutBool(true)
	w.PutBool(false)

	r := NewReader(w.Bytes())

	u32, err := r.Uint32()
	require.NoError(t, err)
	require.Equal(t, uint32(42), u32)

	u64, err := r.Uint64()
	require.NoError(t, err)
	require.Equal(t, uint64(1234567890123), u64)

	u32le, err := r.Uint32LE()
	require.NoError(t, err)
	require.Equal(t, uint32(7), u32le)

	u64le, err := r.Uint64LE()
	require.NoError(t, err)
	require.Equal(t, uint64(99), u64le)

	b1, err := r.Bool()
	require.NoError(t, err)
	require.True(t, b1)

	b2, err := r.Bool()
	require.NoError(t, err)
	require.False(t, b2)

	require.Zero(t, r.Remaining())
}

func TestRoundTripBytesAndStrings(t *testing.T) {
	w := NewWriter(64)
	w.PutBytes([]byte("hello"))
	w.PutString("rekindle")
	name := "alice"
	w.PutOptionalString(&name)
	w.PutOptionalString(nil)

	r := NewReader(w.Bytes())

	b, err := r.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), b)

	s, err := r.String()
	require.NoError(t, err)
	require.Equal(t, "rekindle", s)

	opt, err := r.OptionalString()
	require.NoError(t, err)
	require.NotNil(t, opt)
	require.Equal(t, "alice", *opt)

	opt2, err := r.OptionalString()
	require.NoError(t, err)
	require.Nil(t, opt2)
}

func TestShortBufferErrors(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02})
	_, err := r.Uint32()
	require.ErrorIs(t, err, ErrShortBuffer)
}

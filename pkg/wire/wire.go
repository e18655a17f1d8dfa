// Package wire provides the packed binary encoding primitives shared by
// every DHT subkey payload and the other binary frames in Rekindle. The
// schemas in pkg/record/schema, the envelope and invite codecs, and the
// ratchet session frame build their Encode/Decode methods on top of
// Writer/Reader instead of hand-rolling offset arithmetic. Community RPC
// messages (pkg/community) are JSON and do not use this package.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when a Reader runs out of bytes mid-field.
var ErrShortBuffer = errors.New("wire: buffer too short")

// Writer accumulates a packed binary frame.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with buf pre-sized to size bytes.
func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, 0, size)}
}

func (w *Writer) Bytes() []byte { return w.buf }

// PutFixed appends raw bytes without a length prefix (the field's size is
// implied by the schema, e.g. a 32-byte public key).
func (w *Writer) PutFixed(b []byte) {
	w.buf = append(w.buf, b...)
}

// PutUint32 appends a big-endian uint32.
func (w *Writer) PutUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// PutUint64 appends a big-endian uint64.
func (w *Writer) PutUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// PutUint64LE appends a little-endian uint64 (used by the ratchet counter
// framing, which mirrors the original implementation's byte order).
func (w *Writer) PutUint64LE(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// PutUint32LE appends a little-endian uint32 (used for variable-length
// field prefixes in the ratchet session frame).
func (w *Writer) PutUint32LE(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// PutByte appends a single raw byte, e.g. an enum discriminant.
func (w *Writer) PutByte(b byte) {
	w.buf = append(w.buf, b)
}

// PutBool appends a single 0/1 byte.
func (w *Writer) PutBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// PutBytes appends a uint32-length-prefixed byte slice.
func (w *Writer) PutBytes(b []byte) {
	w.PutUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// PutString appends a uint32-length-prefixed UTF-8 string.
func (w *Writer) PutString(s string) {
	w.PutBytes([]byte(s))
}

// PutOptionalString appends a presence byte followed by PutString when
// present, matching the nullable-field convention used by profile and
// community metadata schemas.
func (w *Writer) PutOptionalString(s *string) {
	if s == nil {
		w.PutBool(false)
		return
	}
	w.PutBool(true)
	w.PutString(*s)
}

// PutOptionalUint32 appends a presence byte followed by a uint32 when set.
func (w *Writer) PutOptionalUint32(v *uint32) {
	if v == nil {
		w.PutBool(false)
		return
	}
	w.PutBool(true)
	w.PutUint32(*v)
}

// Reader consumes a packed binary frame produced by Writer.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential decoding.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, n, r.Remaining())
	}
	return nil
}

// Fixed reads exactly n raw bytes.
func (r *Reader) Fixed(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

// FixedInto reads exactly len(dst) raw bytes into dst.
func (r *Reader) FixedInto(dst []byte) error {
	if err := r.need(len(dst)); err != nil {
		return err
	}
	copy(dst, r.buf[r.pos:r.pos+len(dst)])
	r.pos += len(dst)
	return nil
}

// Uint32 reads a big-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// Uint64 reads a big-endian uint64.
func (r *Reader) Uint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// Uint64LE reads a little-endian uint64.
func (r *Reader) Uint64LE() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// Uint32LE reads a little-endian uint32.
func (r *Reader) Uint32LE() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// Bool reads a single 0/1 byte.
func (r *Reader) Bool() (bool, error) {
	if err := r.need(1); err != nil {
		return false, err
	}
	v := r.buf[r.pos] != 0
	r.pos++
	return v, nil
}

// Byte reads a single raw byte.
func (r *Reader) Byte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// Bytes reads a uint32-length-prefixed byte slice.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	return r.Fixed(int(n))
}

// String reads a uint32-length-prefixed UTF-8 string.
func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// OptionalString reads a presence byte, then a string when present.
func (r *Reader) OptionalString() (*string, error) {
	present, err := r.Bool()
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	s, err := r.String()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// OptionalUint32 reads a presence byte, then a uint32 when present.
func (r *Reader) OptionalUint32() (*uint32, error) {
	present, err := r.Bool()
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	v, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

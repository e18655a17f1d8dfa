package secureChannel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/hkdf"

	"github.com/rekindle/rekindle/pkg/wire"
)

// minRatchetFrameSize is the smallest possible serialized RatchetState:
// three 32-byte chain/root keys, two 4-byte length prefixes for the
// (possibly empty) ratchet public key fields, and two 8-byte counters.
const minRatchetFrameSize = 32 + 32 + 32 + 4 + 4 + 8 + 8

var ErrSessionFrameTooShort = errors.New("secureChannel: session frame too short")

// RatchetState is an established session's symmetric ratchet state. It
// deliberately omits a DH ratchet step and skipped-message-key window:
// message keys are derived purely by walking the chain key forward with
// HKDF, one step per message, in both directions independently.
type RatchetState struct {
	RootKey            [32]byte
	SendingChainKey     [32]byte
	ReceivingChainKey   [32]byte
	OurRatchetPublic    []byte
	TheirRatchetPublic  []byte
	SendCounter         uint64
	RecvCounter         uint64
}

// Serialize encodes the ratchet state to the wire frame:
// root(32) || sending(32) || receiving(32) || u32LE len+our_pub ||
// u32LE len+their_pub || send_counter(8 LE) || recv_counter(8 LE).
func (r *RatchetState) Serialize() []byte {
	w := wire.NewWriter(minRatchetFrameSize + len(r.OurRatchetPublic) + len(r.TheirRatchetPublic))
	w.PutFixed(r.RootKey[:])
	w.PutFixed(r.SendingChainKey[:])
	w.PutFixed(r.ReceivingChainKey[:])
	w.PutUint32LE(uint32(len(r.OurRatchetPublic)))
	w.PutFixed(r.OurRatchetPublic)
	w.PutUint32LE(uint32(len(r.TheirRatchetPublic)))
	w.PutFixed(r.TheirRatchetPublic)
	w.PutUint64LE(r.SendCounter)
	w.PutUint64LE(r.RecvCounter)
	return w.Bytes()
}

// DeserializeRatchetState decodes a frame produced by Serialize.
func DeserializeRatchetState(data []byte) (*RatchetState, error) {
	if len(data) < minRatchetFrameSize {
		return nil, ErrSessionFrameTooShort
	}
	r := wire.NewReader(data)

	state := &RatchetState{}
	if err := r.FixedInto(state.RootKey[:]); err != nil {
		return nil, err
	}
	if err := r.FixedInto(state.SendingChainKey[:]); err != nil {
		return nil, err
	}
	if err := r.FixedInto(state.ReceivingChainKey[:]); err != nil {
		return nil, err
	}

	ourLen, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	ourPub, err := r.Fixed(int(ourLen))
	if err != nil {
		return nil, fmt.Errorf("secureChannel: decode our ratchet public: %w", err)
	}
	state.OurRatchetPublic = ourPub

	theirLen, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	theirPub, err := r.Fixed(int(theirLen))
	if err != nil {
		return nil, fmt.Errorf("secureChannel: decode their ratchet public: %w", err)
	}
	state.TheirRatchetPublic = theirPub

	sendCounter, err := r.Uint64LE()
	if err != nil {
		return nil, err
	}
	state.SendCounter = sendCounter

	recvCounter, err := r.Uint64LE()
	if err != nil {
		return nil, err
	}
	state.RecvCounter = recvCounter

	return state, nil
}

// deriveChainStep expands a chain key into a 32-byte message key and the
// next chain key, via two independent HKDF-expand calls over the chain
// key as IKM (no salt).
func deriveChainStep(chainKey [32]byte) (messageKey, nextChainKey [32]byte, err error) {
	hk := hkdf.New(sha256.New, chainKey[:], nil, []byte(msgKeyInfo))
	if _, err = hk.Read(messageKey[:]); err != nil {
		return
	}
	hk = hkdf.New(sha256.New, chainKey[:], nil, []byte(chainKeyInfo))
	if _, err = hk.Read(nextChainKey[:]); err != nil {
		return
	}
	return
}

// Encrypt advances the sending chain by one step and AES-256-GCM
// encrypts plaintext under the derived message key. The wire format is
// counter(8 LE) || nonce(12) || ciphertext, with nonce = 4 zero bytes
// followed by the 8-byte little-endian counter.
func (r *RatchetState) Encrypt(plaintext []byte) ([]byte, error) {
	messageKey, nextChainKey, err := deriveChainStep(r.SendingChainKey)
	if err != nil {
		return nil, fmt.Errorf("secureChannel: derive sending chain step: %w", err)
	}
	r.SendingChainKey = nextChainKey
	r.SendCounter++

	block, err := aes.NewCipher(messageKey[:])
	if err != nil {
		return nil, fmt.Errorf("secureChannel: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secureChannel: new gcm: %w", err)
	}

	var nonce [12]byte
	binary.LittleEndian.PutUint64(nonce[4:], r.SendCounter)

	ciphertext := gcm.Seal(nil, nonce[:], plaintext, nil)

	out := make([]byte, 0, 8+12+len(ciphertext))
	var counterBytes [8]byte
	binary.LittleEndian.PutUint64(counterBytes[:], r.SendCounter)
	out = append(out, counterBytes[:]...)
	out = append(out, nonce[:]...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt advances the receiving chain by one step and AES-256-GCM
// decrypts a message produced by Encrypt.
func (r *RatchetState) Decrypt(message []byte) ([]byte, error) {
	if len(message) < 20 {
		return nil, fmt.Errorf("secureChannel: message too short")
	}

	nonce := message[8:20]
	ciphertext := message[20:]

	messageKey, nextChainKey, err := deriveChainStep(r.ReceivingChainKey)
	if err != nil {
		return nil, fmt.Errorf("secureChannel: derive receiving chain step: %w", err)
	}

	block, err := aes.NewCipher(messageKey[:])
	if err != nil {
		return nil, fmt.Errorf("secureChannel: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secureChannel: new gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("secureChannel: gcm open: %w", err)
	}

	r.ReceivingChainKey = nextChainKey
	r.RecvCounter++

	return plaintext, nil
}

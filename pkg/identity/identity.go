// Package identity implements Rekindle's long-lived identity keypair: an
// Ed25519 signing key whose public half is the peer's canonical overlay
// address, plus an X25519 keypair derived from it by birational map for
// use in X3DH (per the identity model described in the spec).
package identity

import (
	"crypto/ed25519"
	"crypto/sha512"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/curve25519"
)

var (
	ErrInvalidSeed      = errors.New("identity: invalid seed length")
	ErrInvalidPublicKey = errors.New("identity: invalid ed25519 public key length")
)

// Identity is a long-lived signing keypair plus its derived X25519
// counterpart. The Ed25519 public key is the peer's canonical address.
type Identity struct {
	Public     ed25519.PublicKey
	Private    ed25519.PrivateKey
	DHPublic   [32]byte // X25519 public key, birationally derived from Public
	DHPrivate  [32]byte // X25519 private key, birationally derived from Private
}

// Address returns the 32-byte Ed25519 public key, the peer's overlay
// address.
func (id *Identity) Address() [32]byte {
	var addr [32]byte
	copy(addr[:], id.Public)
	return addr
}

// Sign signs message with the identity's Ed25519 private key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.Private, message)
}

// Generate creates a fresh identity keypair.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("identity: generate ed25519 key: %w", err)
	}
	return FromPrivateKey(priv)
}

// FromPrivateKey reconstructs an Identity (including the derived X25519
// keypair) from a standard 64-byte Ed25519 private key.
func FromPrivateKey(priv ed25519.PrivateKey) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidSeed
	}
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, priv[32:])

	dhPriv, err := privateKeyToX25519(priv)
	if err != nil {
		return nil, err
	}
	dhPub, err := PublicKeyToX25519(pub)
	if err != nil {
		return nil, err
	}

	return &Identity{
		Public:    pub,
		Private:   priv,
		DHPublic:  dhPub,
		DHPrivate: dhPriv,
	}, nil
}

// privateKeyToX25519 derives an X25519 scalar from an Ed25519 private key
// the same way libsodium's crypto_sign_ed25519_sk_to_curve25519 does:
// hash the 32-byte seed with SHA-512 and clamp the low half.
func privateKeyToX25519(priv ed25519.PrivateKey) ([32]byte, error) {
	var out [32]byte
	if len(priv) != ed25519.PrivateKeySize {
		return out, ErrInvalidSeed
	}
	seed := priv.Seed()
	h := sha512.Sum512(seed)
	copy(out[:], h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return out, nil
}

var fieldPrime = func() *big.Int {
	// p = 2^255 - 19
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	p.Sub(p, big.NewInt(19))
	return p
}()

// PublicKeyToX25519 converts an Ed25519 public key (an Edwards curve
// point) to its Montgomery-form X25519 public key via the standard
// birational map u = (1+y)/(1-y) mod p, where y is the Edwards
// y-coordinate recovered from the compressed point encoding.
func PublicKeyToX25519(pub ed25519.PublicKey) ([32]byte, error) {
	var out [32]byte
	if len(pub) != ed25519.PublicKeySize {
		return out, ErrInvalidPublicKey
	}

	// Little-endian y with the sign bit of x in the top bit of the last byte.
	yBytes := make([]byte, 32)
	copy(yBytes, pub)
	yBytes[31] &= 0x7f

	y := new(big.Int)
	for i := 31; i >= 0; i-- {
		y.Lsh(y, 8)
		y.Or(y, big.NewInt(int64(yBytes[i])))
	}
	y.Mod(y, fieldPrime)

	one := big.NewInt(1)
	numerator := new(big.Int).Add(one, y)
	numerator.Mod(numerator, fieldPrime)
	denominator := new(big.Int).Sub(one, y)
	denominator.Mod(denominator, fieldPrime)
	denominator.ModInverse(denominator, fieldPrime)
	if denominator == nil {
		return out, errors.New("identity: public key has no valid x25519 equivalent")
	}

	u := new(big.Int).Mul(numerator, denominator)
	u.Mod(u, fieldPrime)

	uBytes := u.Bytes() // big-endian, possibly short
	for i := 0; i < len(uBytes); i++ {
		out[i] = uBytes[len(uBytes)-1-i]
	}
	return out, nil
}

// DeriveSharedSecret performs a raw X25519 Diffie-Hellman with our
// private scalar against a peer's X25519 public key.
func DeriveSharedSecret(ourPrivate, theirPublic [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(ourPrivate[:], theirPublic[:])
	if err != nil {
		return out, fmt.Errorf("identity: x25519: %w", err)
	}
	copy(out[:], shared)
	return out, nil
}

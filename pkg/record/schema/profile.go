// Package schema encodes and decodes the fixed subkey payloads written
// to the DHT records pkg/record manages: profile, friend list, mailbox,
// and community. Every type here is a thin wire.Writer/Reader schema —
// no behavior, just the byte layout the rest of the tree agrees on.
package schema

import (
	"github.com/rekindle/rekindle/pkg/wire"
)

// Profile record subkeys.
const (
	ProfileSubkeyName       uint32 = 0
	ProfileSubkeyStatusMsg  uint32 = 1
	ProfileSubkeyStatus     uint32 = 2
	ProfileSubkeyPreKey     uint32 = 5
	ProfileSubkeyRoute      uint32 = 6
	ProfileSubkeyCount      uint32 = 7
)

// PresenceStatus mirrors the profile record's subkey 2 enum.
type PresenceStatus uint8

const (
	PresenceOnline PresenceStatus = iota
	PresenceAway
	PresenceBusy
	PresenceOffline
)

// PreKeyBundlePayload is the wire form of secureChannel.PreKeyBundle
// published at ProfileSubkeyPreKey.
type PreKeyBundlePayload struct {
	IdentityKey          [32]byte
	SignedPreKeyID       uint32
	SignedPreKey         [32]byte
	SignedPreKeySig      [64]byte
	OneTimePreKeyID      *uint32
	OneTimePreKey        *[32]byte
}

func (p *PreKeyBundlePayload) Encode() []byte {
	w := wire.NewWriter(32 + 4 + 32 + 64 + 5 + 33)
	w.PutFixed(p.IdentityKey[:])
	w.PutUint32(p.SignedPreKeyID)
	w.PutFixed(p.SignedPreKey[:])
	w.PutFixed(p.SignedPreKeySig[:])
	w.PutOptionalUint32(p.OneTimePreKeyID)
	if p.OneTimePreKey != nil {
		w.PutBool(true)
		w.PutFixed(p.OneTimePreKey[:])
	} else {
		w.PutBool(false)
	}
	return w.Bytes()
}

func DecodePreKeyBundle(data []byte) (*PreKeyBundlePayload, error) {
	r := wire.NewReader(data)
	p := &PreKeyBundlePayload{}
	if err := r.FixedInto(p.IdentityKey[:]); err != nil {
		return nil, err
	}
	id, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	p.SignedPreKeyID = id
	if err := r.FixedInto(p.SignedPreKey[:]); err != nil {
		return nil, err
	}
	if err := r.FixedInto(p.SignedPreKeySig[:]); err != nil {
		return nil, err
	}
	otpkID, err := r.OptionalUint32()
	if err != nil {
		return nil, err
	}
	p.OneTimePreKeyID = otpkID
	hasOTPK, err := r.Bool()
	if err != nil {
		return nil, err
	}
	if hasOTPK {
		var key [32]byte
		if err := r.FixedInto(key[:]); err != nil {
			return nil, err
		}
		p.OneTimePreKey = &key
	}
	return p, nil
}

// FriendListPayload is the wire form of the friend-key list published at
// the friend list record's single subkey.
type FriendListPayload struct {
	FriendKeys [][32]byte
}

func (f *FriendListPayload) Encode() []byte {
	w := wire.NewWriter(4 + len(f.FriendKeys)*32)
	w.PutUint32(uint32(len(f.FriendKeys)))
	for _, k := range f.FriendKeys {
		w.PutFixed(k[:])
	}
	return w.Bytes()
}

func DecodeFriendList(data []byte) (*FriendListPayload, error) {
	r := wire.NewReader(data)
	count, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	keys := make([][32]byte, count)
	for i := range keys {
		if err := r.FixedInto(keys[i][:]); err != nil {
			return nil, err
		}
	}
	return &FriendListPayload{FriendKeys: keys}, nil
}

// MailboxPayload is the wire form of the single-subkey mailbox record
// (subkey 0: current route blob).
type MailboxPayload struct {
	RouteBlob []byte
}

func (m *MailboxPayload) Encode() []byte {
	w := wire.NewWriter(4 + len(m.RouteBlob))
	w.PutBytes(m.RouteBlob)
	return w.Bytes()
}

func DecodeMailbox(data []byte) (*MailboxPayload, error) {
	r := wire.NewReader(data)
	blob, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	return &MailboxPayload{RouteBlob: blob}, nil
}

package envelope

import (
	"fmt"

	"github.com/rekindle/rekindle/pkg/wire"
)

// PayloadType is the explicit discriminant for the MessagePayload tagged
// union. Dispatch on a payload always switches on this single value.
type PayloadType uint8

const (
	PayloadDirectMessage PayloadType = iota
	PayloadChannelMessage
	PayloadTypingIndicator
	PayloadFriendRequest
	PayloadFriendAccept
	PayloadFriendReject
	PayloadPresenceUpdate
	PayloadUnfriended
	PayloadProfileKeyRotated
)

var ErrUnknownPayloadType = fmt.Errorf("envelope: unknown payload type")

// MessagePayload is the tagged variant carried inside an envelope's
// payload bytes once decrypted (or, pre-session, taken as plaintext).
type MessagePayload struct {
	Type PayloadType

	DirectMessage    *DirectMessage
	ChannelMessage   *ChannelMessage
	TypingIndicator  *TypingIndicator
	FriendRequest    *FriendRequest
	FriendAccept     *FriendAccept
	FriendReject     *FriendReject
	PresenceUpdate   *PresenceUpdate
	Unfriended       *Unfriended
	ProfileKeyRotated *ProfileKeyRotated
}

type DirectMessage struct {
	MessageID [16]byte
	Body      string
	SentAtMS  int64
}

type ChannelMessage struct {
	CommunityKey  [32]byte
	ChannelID     uint32
	MEKGeneration uint32
	Ciphertext    []byte
	SentAtMS      int64
}

type TypingIndicator struct {
	IsTyping bool
}

type FriendRequest struct {
	DisplayName string
	Message     string
	PreKeyBundle []byte // encoded secureChannel.PreKeyBundle
}

type FriendAccept struct {
	PreKeyBundle []byte
}

type FriendReject struct{}

type PresenceUpdate struct {
	Status    uint8 // mirrors the profile record's status enum subkey
	StatusMsg string
}

type Unfriended struct{}

type ProfileKeyRotated struct {
	NewProfileDHTKey [32]byte
}

// Encode serializes the tagged payload: one type byte followed by the
// variant-specific fields.
func (p *MessagePayload) Encode() []byte {
	w := wire.NewWriter(128)
	w.PutByte(byte(p.Type))

	switch p.Type {
	case PayloadDirectMessage:
		w.PutFixed(p.DirectMessage.MessageID[:])
		w.PutString(p.DirectMessage.Body)
		w.PutUint64(uint64(p.DirectMessage.SentAtMS))
	case PayloadChannelMessage:
		w.PutFixed(p.ChannelMessage.CommunityKey[:])
		w.PutUint32(p.ChannelMessage.ChannelID)
		w.PutUint32(p.ChannelMessage.MEKGeneration)
		w.PutBytes(p.ChannelMessage.Ciphertext)
		w.PutUint64(uint64(p.ChannelMessage.SentAtMS))
	case PayloadTypingIndicator:
		w.PutBool(p.TypingIndicator.IsTyping)
	case PayloadFriendRequest:
		w.PutString(p.FriendRequest.DisplayName)
		w.PutString(p.FriendRequest.Message)
		w.PutBytes(p.FriendRequest.PreKeyBundle)
	case PayloadFriendAccept:
		w.PutBytes(p.FriendAccept.PreKeyBundle)
	case PayloadFriendReject:
		// no fields
	case PayloadPresenceUpdate:
		w.PutByte(p.PresenceUpdate.Status)
		w.PutString(p.PresenceUpdate.StatusMsg)
	case PayloadUnfriended:
		// no fields
	case PayloadProfileKeyRotated:
		w.PutFixed(p.ProfileKeyRotated.NewProfileDHTKey[:])
	}

	return w.Bytes()
}

// DecodePayload parses a tagged MessagePayload frame produced by Encode.
func DecodePayload(data []byte) (*MessagePayload, error) {
	if len(data) < 1 {
		return nil, ErrFrameTooShort
	}
	t := PayloadType(data[0])
	r := wire.NewReader(data[1:])
	p := &MessagePayload{Type: t}

	switch t {
	case PayloadDirectMessage:
		dm := &DirectMessage{}
		if err := r.FixedInto(dm.MessageID[:]); err != nil {
			return nil, err
		}
		body, err := r.String()
		if err != nil {
			return nil, err
		}
		dm.Body = body
		sentAt, err := r.Uint64()
		if err != nil {
			return nil, err
		}
		dm.SentAtMS = int64(sentAt)
		p.DirectMessage = dm

	case PayloadChannelMessage:
		cm := &ChannelMessage{}
		if err := r.FixedInto(cm.CommunityKey[:]); err != nil {
			return nil, err
		}
		channelID, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		cm.ChannelID = channelID
		gen, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		cm.MEKGeneration = gen
		ciphertext, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		cm.Ciphertext = ciphertext
		sentAt, err := r.Uint64()
		if err != nil {
			return nil, err
		}
		cm.SentAtMS = int64(sentAt)
		p.ChannelMessage = cm

	case PayloadTypingIndicator:
		isTyping, err := r.Bool()
		if err != nil {
			return nil, err
		}
		p.TypingIndicator = &TypingIndicator{IsTyping: isTyping}

	case PayloadFriendRequest:
		fr := &FriendRequest{}
		name, err := r.String()
		if err != nil {
			return nil, err
		}
		fr.DisplayName = name
		msg, err := r.String()
		if err != nil {
			return nil, err
		}
		fr.Message = msg
		bundle, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		fr.PreKeyBundle = bundle
		p.FriendRequest = fr

	case PayloadFriendAccept:
		bundle, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		p.FriendAccept = &FriendAccept{PreKeyBundle: bundle}

	case PayloadFriendReject:
		p.FriendReject = &FriendReject{}

	case PayloadPresenceUpdate:
		status, err := r.Byte()
		if err != nil {
			return nil, err
		}
		msg, err := r.String()
		if err != nil {
			return nil, err
		}
		p.PresenceUpdate = &PresenceUpdate{Status: status, StatusMsg: msg}

	case PayloadUnfriended:
		p.Unfriended = &Unfriended{}

	case PayloadProfileKeyRotated:
		pkr := &ProfileKeyRotated{}
		if err := r.FixedInto(pkr.NewProfileDHTKey[:]); err != nil {
			return nil, err
		}
		p.ProfileKeyRotated = pkr

	default:
		return nil, ErrUnknownPayloadType
	}

	return p, nil
}

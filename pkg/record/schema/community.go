package schema

import (
	"github.com/rekindle/rekindle/pkg/wire"
)

// Community record subkey layout.
const (
	CommunitySubkeyMetadata    uint32 = 0
	CommunitySubkeyChannels    uint32 = 1
	CommunitySubkeyMembers     uint32 = 2
	CommunitySubkeyRoles       uint32 = 3
	CommunitySubkeyInvites     uint32 = 4
	CommunitySubkeyMEK         uint32 = 5
	CommunitySubkeyServerRoute uint32 = 6

	CommunitySubkeyCount uint32 = 7
)

// RoleEveryoneID is the always-present @everyone role.
const RoleEveryoneID uint32 = 0

// CommunityMetadata is the wire form of subkey 0.
type CommunityMetadata struct {
	Name          string
	Description   *string
	IconHash      *string
	CreatedAt     uint64
	OwnerKeyHex   string
	LastRefreshed uint64
}

func (m *CommunityMetadata) Encode() []byte {
	w := wire.NewWriter(256)
	w.PutString(m.Name)
	w.PutOptionalString(m.Description)
	w.PutOptionalString(m.IconHash)
	w.PutUint64(m.CreatedAt)
	w.PutString(m.OwnerKeyHex)
	w.PutUint64(m.LastRefreshed)
	return w.Bytes()
}

func DecodeCommunityMetadata(data []byte) (*CommunityMetadata, error) {
	r := wire.NewReader(data)
	m := &CommunityMetadata{}
	var err error
	if m.Name, err = r.String(); err != nil {
		return nil, err
	}
	if m.Description, err = r.OptionalString(); err != nil {
		return nil, err
	}
	if m.IconHash, err = r.OptionalString(); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = r.Uint64(); err != nil {
		return nil, err
	}
	if m.OwnerKeyHex, err = r.String(); err != nil {
		return nil, err
	}
	if m.LastRefreshed, err = r.Uint64(); err != nil {
		return nil, err
	}
	return m, nil
}

// OverwriteType selects whether a PermissionOverwrite targets a role or
// a specific member.
type OverwriteType uint8

const (
	OverwriteRole OverwriteType = iota
	OverwriteMember
)

// PermissionOverwrite is a per-channel allow/deny pair targeting a role
// or a member.
type PermissionOverwrite struct {
	TargetType OverwriteType
	TargetID   string // role id (decimal string) or member pseudonym key
	Allow      uint64
	Deny       uint64
}

func (o *PermissionOverwrite) encode(w *wire.Writer) {
	w.PutByte(byte(o.TargetType))
	w.PutString(o.TargetID)
	w.PutUint64(o.Allow)
	w.PutUint64(o.Deny)
}

func decodeOverwrite(r *wire.Reader) (PermissionOverwrite, error) {
	var o PermissionOverwrite
	t, err := r.Byte()
	if err != nil {
		return o, err
	}
	o.TargetType = OverwriteType(t)
	if o.TargetID, err = r.String(); err != nil {
		return o, err
	}
	if o.Allow, err = r.Uint64(); err != nil {
		return o, err
	}
	if o.Deny, err = r.Uint64(); err != nil {
		return o, err
	}
	return o, nil
}

// ChannelEntry is one entry of the channel list stored at subkey 1.
type ChannelEntry struct {
	ID                  string
	Name                string
	ChannelType         string // "text" or "voice"
	SortOrder           uint16
	LatestMessageKey    *string
	PermissionOverwrites []PermissionOverwrite
}

func EncodeChannels(channels []ChannelEntry) []byte {
	w := wire.NewWriter(128 * (len(channels) + 1))
	w.PutUint32(uint32(len(channels)))
	for _, c := range channels {
		w.PutString(c.ID)
		w.PutString(c.Name)
		w.PutString(c.ChannelType)
		w.PutUint32(uint32(c.SortOrder))
		w.PutOptionalString(c.LatestMessageKey)
		w.PutUint32(uint32(len(c.PermissionOverwrites)))
		for i := range c.PermissionOverwrites {
			c.PermissionOverwrites[i].encode(w)
		}
	}
	return w.Bytes()
}

func DecodeChannels(data []byte) ([]ChannelEntry, error) {
	r := wire.NewReader(data)
	count, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	channels := make([]ChannelEntry, count)
	for i := range channels {
		c := &channels[i]
		var err error
		if c.ID, err = r.String(); err != nil {
			return nil, err
		}
		if c.Name, err = r.String(); err != nil {
			return nil, err
		}
		if c.ChannelType, err = r.String(); err != nil {
			return nil, err
		}
		sortOrder, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		c.SortOrder = uint16(sortOrder)
		if c.LatestMessageKey, err = r.OptionalString(); err != nil {
			return nil, err
		}
		owCount, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		c.PermissionOverwrites = make([]PermissionOverwrite, owCount)
		for j := range c.PermissionOverwrites {
			ow, err := decodeOverwrite(r)
			if err != nil {
				return nil, err
			}
			c.PermissionOverwrites[j] = ow
		}
	}
	return channels, nil
}

// MemberEntry is one entry of the member list stored at subkey 2.
type MemberEntry struct {
	PseudonymKeyHex string
	RoleIDs         []uint32
	JoinedAt        uint64
	TimeoutUntil    *uint64
}

func EncodeMembers(members []MemberEntry) []byte {
	w := wire.NewWriter(64 * (len(members) + 1))
	w.PutUint32(uint32(len(members)))
	for _, m := range members {
		w.PutString(m.PseudonymKeyHex)
		w.PutUint32(uint32(len(m.RoleIDs)))
		for _, id := range m.RoleIDs {
			w.PutUint32(id)
		}
		w.PutUint64(m.JoinedAt)
		if m.TimeoutUntil != nil {
			w.PutBool(true)
			w.PutUint64(*m.TimeoutUntil)
		} else {
			w.PutBool(false)
		}
	}
	return w.Bytes()
}

func DecodeMembers(data []byte) ([]MemberEntry, error) {
	r := wire.NewReader(data)
	count, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	members := make([]MemberEntry, count)
	for i := range members {
		m := &members[i]
		if m.PseudonymKeyHex, err = r.String(); err != nil {
			return nil, err
		}
		roleCount, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		m.RoleIDs = make([]uint32, roleCount)
		for j := range m.RoleIDs {
			if m.RoleIDs[j], err = r.Uint32(); err != nil {
				return nil, err
			}
		}
		if m.JoinedAt, err = r.Uint64(); err != nil {
			return nil, err
		}
		hasTimeout, err := r.Bool()
		if err != nil {
			return nil, err
		}
		if hasTimeout {
			until, err := r.Uint64()
			if err != nil {
				return nil, err
			}
			m.TimeoutUntil = &until
		}
	}
	return members, nil
}

// RoleDefinition is one entry of the role list stored at subkey 3.
type RoleDefinition struct {
	ID          uint32
	Name        string
	Color       uint32
	Permissions uint64
	Position    int32
	Hoist       bool
	Mentionable bool
}

func EncodeRoles(roles []RoleDefinition) []byte {
	w := wire.NewWriter(64 * (len(roles) + 1))
	w.PutUint32(uint32(len(roles)))
	for _, r := range roles {
		w.PutUint32(r.ID)
		w.PutString(r.Name)
		w.PutUint32(r.Color)
		w.PutUint64(r.Permissions)
		w.PutUint32(uint32(r.Position))
		w.PutBool(r.Hoist)
		w.PutBool(r.Mentionable)
	}
	return w.Bytes()
}

func DecodeRoles(data []byte) ([]RoleDefinition, error) {
	r := wire.NewReader(data)
	count, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	roles := make([]RoleDefinition, count)
	for i := range roles {
		role := &roles[i]
		if role.ID, err = r.Uint32(); err != nil {
			return nil, err
		}
		if role.Name, err = r.String(); err != nil {
			return nil, err
		}
		if role.Color, err = r.Uint32(); err != nil {
			return nil, err
		}
		if role.Permissions, err = r.Uint64(); err != nil {
			return nil, err
		}
		position, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		role.Position = int32(position)
		if role.Hoist, err = r.Bool(); err != nil {
			return nil, err
		}
		if role.Mentionable, err = r.Bool(); err != nil {
			return nil, err
		}
	}
	return roles, nil
}

// MEKMeta is the wire form of subkey 5: generation and rotation
// timestamp only. The key material itself is never written to the DHT.
type MEKMeta struct {
	Generation uint32
	RotatedAt  uint64
}

func (m *MEKMeta) Encode() []byte {
	w := wire.NewWriter(12)
	w.PutUint32(m.Generation)
	w.PutUint64(m.RotatedAt)
	return w.Bytes()
}

func DecodeMEKMeta(data []byte) (*MEKMeta, error) {
	r := wire.NewReader(data)
	m := &MEKMeta{}
	var err error
	if m.Generation, err = r.Uint32(); err != nil {
		return nil, err
	}
	if m.RotatedAt, err = r.Uint64(); err != nil {
		return nil, err
	}
	return m, nil
}

// ServerRoutePayload is the wire form of subkey 6.
type ServerRoutePayload struct {
	RouteBlob []byte
}

func (s *ServerRoutePayload) Encode() []byte {
	w := wire.NewWriter(4 + len(s.RouteBlob))
	w.PutBytes(s.RouteBlob)
	return w.Bytes()
}

func DecodeServerRoute(data []byte) (*ServerRoutePayload, error) {
	r := wire.NewReader(data)
	blob, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	return &ServerRoutePayload{RouteBlob: blob}, nil
}

// InviteEntry is one entry of the invite list stored at subkey 4.
type InviteEntry struct {
	Code      string
	CreatedBy string // inviter pseudonym key hex
	CreatedAt uint64
	ExpiresAt *uint64
	MaxUses   *uint32
	Uses      uint32
}

func EncodeInvites(invites []InviteEntry) []byte {
	w := wire.NewWriter(64 * (len(invites) + 1))
	w.PutUint32(uint32(len(invites)))
	for _, inv := range invites {
		w.PutString(inv.Code)
		w.PutString(inv.CreatedBy)
		w.PutUint64(inv.CreatedAt)
		if inv.ExpiresAt != nil {
			w.PutBool(true)
			w.PutUint64(*inv.ExpiresAt)
		} else {
			w.PutBool(false)
		}
		w.PutOptionalUint32(inv.MaxUses)
		w.PutUint32(inv.Uses)
	}
	return w.Bytes()
}

func DecodeInvites(data []byte) ([]InviteEntry, error) {
	r := wire.NewReader(data)
	count, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	invites := make([]InviteEntry, count)
	for i := range invites {
		inv := &invites[i]
		if inv.Code, err = r.String(); err != nil {
			return nil, err
		}
		if inv.CreatedBy, err = r.String(); err != nil {
			return nil, err
		}
		if inv.CreatedAt, err = r.Uint64(); err != nil {
			return nil, err
		}
		hasExpiry, err := r.Bool()
		if err != nil {
			return nil, err
		}
		if hasExpiry {
			expiresAt, err := r.Uint64()
			if err != nil {
				return nil, err
			}
			inv.ExpiresAt = &expiresAt
		}
		if inv.MaxUses, err = r.OptionalUint32(); err != nil {
			return nil, err
		}
		if inv.Uses, err = r.Uint32(); err != nil {
			return nil, err
		}
	}
	return invites, nil
}

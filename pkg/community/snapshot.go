package community

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/rekindle/rekindle/pkg/overlay"
	"github.com/rekindle/rekindle/pkg/record/schema"
)

// snapshotMember and snapshotCommunity are the on-disk JSON shape of a
// HostedCommunity: every field a fresh process needs to resume hosting
// without waiting on the DHT, with keys and routes hex-encoded since
// JSON has no native byte-array type.
type snapshotMember struct {
	PseudonymKeyHex string   `json:"pseudonymKeyHex"`
	DisplayName     string   `json:"displayName"`
	RoleIDs         []uint32 `json:"roleIds"`
	JoinedAt        uint64   `json:"joinedAt"`
	TimeoutUntil    *uint64  `json:"timeoutUntil,omitempty"`
	RouteBlobHex    string   `json:"routeBlobHex,omitempty"`
}

type snapshotBanned struct {
	PseudonymKeyHex string `json:"pseudonymKeyHex"`
	DisplayName     string `json:"displayName"`
	BannedAt        uint64 `json:"bannedAt"`
}

type snapshotMessage struct {
	ChannelID          string `json:"channelId"`
	SenderPseudonymHex string `json:"senderPseudonymHex"`
	CiphertextHex      string `json:"ciphertextHex"`
	MEKGeneration      uint64 `json:"mekGeneration"`
	Timestamp          uint64 `json:"timestamp"`
}

type snapshotCommunity struct {
	CommunityID      string `json:"communityId"`
	OwnerPublicHex   string `json:"ownerPublicHex"`
	OwnerPrivateHex  string `json:"ownerPrivateHex"`
	Name             string `json:"name"`
	Description      *string `json:"description,omitempty"`
	CreatedAt        uint64 `json:"createdAt"`
	CreatorPseudonym string `json:"creatorPseudonym"`

	Members  []snapshotMember           `json:"members"`
	Banned   []snapshotBanned           `json:"banned"`
	Roles    []schema.RoleDefinition    `json:"roles"`
	Channels []schema.ChannelEntry      `json:"channels"`

	MEKHex        string `json:"mekHex"`
	MEKGeneration uint32 `json:"mekGeneration"`

	Messages []snapshotMessage `json:"messages"`
}

// Snapshot serializes c for storage.SaveHostedCommunitySnapshot. The
// route id and route blob are intentionally not persisted: a process
// restart always reallocates a fresh private route on bringUp.
func (c *HostedCommunity) Snapshot() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	members := make([]snapshotMember, 0, len(c.Members))
	for _, m := range c.Members {
		members = append(members, snapshotMember{
			PseudonymKeyHex: m.PseudonymKeyHex,
			DisplayName:     m.DisplayName,
			RoleIDs:         m.RoleIDs,
			JoinedAt:        m.JoinedAt,
			TimeoutUntil:    m.TimeoutUntil,
			RouteBlobHex:    hex.EncodeToString(m.RouteBlob),
		})
	}
	banned := make([]snapshotBanned, 0, len(c.Banned))
	for _, b := range c.Banned {
		banned = append(banned, snapshotBanned{PseudonymKeyHex: b.PseudonymKeyHex, DisplayName: b.DisplayName, BannedAt: b.BannedAt})
	}
	roles := make([]schema.RoleDefinition, 0, len(c.Roles))
	for _, r := range c.Roles {
		roles = append(roles, *r)
	}
	channels := make([]schema.ChannelEntry, 0, len(c.Channels))
	for _, ch := range c.Channels {
		channels = append(channels, *ch)
	}
	messages := make([]snapshotMessage, 0, len(c.Messages))
	for _, msg := range c.Messages {
		messages = append(messages, snapshotMessage{
			ChannelID:          msg.ChannelID,
			SenderPseudonymHex: msg.SenderPseudonymHex,
			CiphertextHex:      hex.EncodeToString(msg.Ciphertext),
			MEKGeneration:      msg.MEKGeneration,
			Timestamp:          msg.Timestamp,
		})
	}

	snap := snapshotCommunity{
		CommunityID:      string(c.CommunityID),
		OwnerPublicHex:   hex.EncodeToString(c.Owner.Public[:]),
		OwnerPrivateHex:  hex.EncodeToString(c.Owner.Private[:]),
		Name:             c.Name,
		Description:      c.Description,
		CreatedAt:        c.CreatedAt,
		CreatorPseudonym: c.CreatorPseudonym,
		Members:          members,
		Banned:           banned,
		Roles:            roles,
		Channels:         channels,
		MEKHex:           hex.EncodeToString(c.MEK[:]),
		MEKGeneration:    c.MEKGeneration,
		Messages:         messages,
	}
	return json.Marshal(snap)
}

// RestoreHostedCommunity reconstructs a HostedCommunity from a snapshot
// produced by Snapshot. The returned value has no route yet; the
// caller (cmd/server, via community.Host.Start) allocates one.
func RestoreHostedCommunity(data []byte) (*HostedCommunity, error) {
	var snap snapshotCommunity
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("community: decode hosted community snapshot: %w", err)
	}

	ownerPub, err := hex.DecodeString(snap.OwnerPublicHex)
	if err != nil || len(ownerPub) != 32 {
		return nil, fmt.Errorf("community: decode owner public key: %w", err)
	}
	ownerPriv, err := hex.DecodeString(snap.OwnerPrivateHex)
	if err != nil || len(ownerPriv) != 64 {
		return nil, fmt.Errorf("community: decode owner private key: %w", err)
	}
	owner := &overlay.OwnerKeypair{}
	copy(owner.Public[:], ownerPub)
	copy(owner.Private[:], ownerPriv)

	mekBytes, err := hex.DecodeString(snap.MEKHex)
	if err != nil || len(mekBytes) != 32 {
		return nil, fmt.Errorf("community: decode MEK: %w", err)
	}
	var mek [32]byte
	copy(mek[:], mekBytes)

	members := make(map[string]*Member, len(snap.Members))
	for _, m := range snap.Members {
		routeBlob, err := hex.DecodeString(m.RouteBlobHex)
		if err != nil {
			return nil, fmt.Errorf("community: decode member route blob: %w", err)
		}
		members[m.PseudonymKeyHex] = &Member{
			PseudonymKeyHex: m.PseudonymKeyHex,
			DisplayName:     m.DisplayName,
			RoleIDs:         m.RoleIDs,
			JoinedAt:        m.JoinedAt,
			TimeoutUntil:    m.TimeoutUntil,
			RouteBlob:       routeBlob,
		}
	}
	banned := make(map[string]*BannedMember, len(snap.Banned))
	for _, b := range snap.Banned {
		banned[b.PseudonymKeyHex] = &BannedMember{PseudonymKeyHex: b.PseudonymKeyHex, DisplayName: b.DisplayName, BannedAt: b.BannedAt}
	}
	roles := make(map[uint32]*schema.RoleDefinition, len(snap.Roles))
	for i := range snap.Roles {
		r := snap.Roles[i]
		roles[r.ID] = &r
	}
	channels := make(map[string]*schema.ChannelEntry, len(snap.Channels))
	for i := range snap.Channels {
		ch := snap.Channels[i]
		channels[ch.ID] = &ch
	}
	messages := make([]StoredMessage, 0, len(snap.Messages))
	for _, msg := range snap.Messages {
		ciphertext, err := hex.DecodeString(msg.CiphertextHex)
		if err != nil {
			return nil, fmt.Errorf("community: decode stored message ciphertext: %w", err)
		}
		messages = append(messages, StoredMessage{
			ChannelID:          msg.ChannelID,
			SenderPseudonymHex: msg.SenderPseudonymHex,
			Ciphertext:         ciphertext,
			MEKGeneration:      msg.MEKGeneration,
			Timestamp:          msg.Timestamp,
		})
	}

	return &HostedCommunity{
		CommunityID:      overlay.RecordKey(snap.CommunityID),
		Owner:            owner,
		Name:             snap.Name,
		Description:      snap.Description,
		CreatedAt:        snap.CreatedAt,
		CreatorPseudonym: snap.CreatorPseudonym,
		Members:          members,
		Banned:           banned,
		Roles:            roles,
		Channels:         channels,
		MEK:              mek,
		MEKGeneration:    snap.MEKGeneration,
		Messages:         messages,
	}, nil
}

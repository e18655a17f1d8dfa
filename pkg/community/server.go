package community

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rekindle/rekindle/pkg/overlay"
	"github.com/rekindle/rekindle/pkg/record/schema"
)

func marshalBroadcast(b CommunityBroadcast) ([]byte, error) {
	return json.Marshal(b)
}

var ErrNotMember = errors.New("community: not a member")

// Member is the server's view of one joined member.
type Member struct {
	PseudonymKeyHex string
	DisplayName     string
	RoleIDs         []uint32
	JoinedAt        uint64
	TimeoutUntil    *uint64
	RouteBlob       []byte
	routeID         overlay.RouteID
}

// BannedMember records a ban, keyed by pseudonym key.
type BannedMember struct {
	PseudonymKeyHex string
	DisplayName     string
	BannedAt        uint64
}

// StoredMessage is one row of the in-memory message log.
type StoredMessage struct {
	ChannelID          string
	SenderPseudonymHex string
	Ciphertext         []byte
	MEKGeneration      uint64
	Timestamp          uint64
}

// HostedCommunity is the full in-memory state for one community this
// process hosts, mirroring what's published to its DHT record.
type HostedCommunity struct {
	mu sync.RWMutex

	CommunityID      overlay.RecordKey
	Owner            *overlay.OwnerKeypair
	Name             string
	Description      *string
	CreatedAt        uint64
	CreatorPseudonym string

	Members  map[string]*Member
	Banned   map[string]*BannedMember
	Roles    map[uint32]*schema.RoleDefinition
	Channels map[string]*schema.ChannelEntry

	MEK           [32]byte
	MEKGeneration uint32

	Messages []StoredMessage

	RouteID   overlay.RouteID
	RouteBlob []byte
}

// highestRolePosition returns the highest Position among the roles a
// member holds, used by the role-hierarchy rule.
func (c *HostedCommunity) highestRolePosition(roleIDs []uint32) int32 {
	var highest int32 = -1
	for _, id := range roleIDs {
		if r, ok := c.Roles[id]; ok && r.Position > highest {
			highest = r.Position
		}
	}
	return highest
}

// permissionsFor computes a member's effective permissions for a
// channel using the Discord-style 8-step calculation.
func (c *HostedCommunity) permissionsFor(member *Member, channelID string) uint64 {
	roles := make([]schema.RoleDefinition, 0, len(c.Roles))
	for _, r := range c.Roles {
		roles = append(roles, *r)
	}
	var overwrites []schema.PermissionOverwrite
	if ch, ok := c.Channels[channelID]; ok {
		overwrites = ch.PermissionOverwrites
	}
	return schema.CalculatePermissions(member.RoleIDs, roles, overwrites, member.PseudonymKeyHex, member.TimeoutUntil, time.Now())
}

// Server hosts zero or more communities and dispatches CommunityRequest
// RPCs against them. It mediates every write to subkeys 0-6; clients
// never write a community's DHT record directly.
type Server struct {
	ov overlay.Overlay

	mu         sync.RWMutex
	communities map[overlay.RecordKey]*HostedCommunity
}

// NewServer returns a Server with no hosted communities.
func NewServer(ov overlay.Overlay) *Server {
	return &Server{ov: ov, communities: make(map[overlay.RecordKey]*HostedCommunity)}
}

// HostCommunity registers a community this process now hosts (e.g. on
// first creation, or on IPC HostCommunity at process startup). It does
// not itself perform the DHT publish sequence; Host.AddCommunity and
// Host.Start (host.go) combine this with Host's bring-up publish.
func (s *Server) HostCommunity(hc *HostedCommunity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.communities[hc.CommunityID] = hc
}

// Community returns the hosted community state for id, if hosted here.
func (s *Server) Community(id overlay.RecordKey) (*HostedCommunity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hc, ok := s.communities[id]
	return hc, ok
}

// communitiesSnapshot returns every currently hosted community, for
// loops that need to iterate without holding the registry lock.
func (s *Server) communitiesSnapshot() []*HostedCommunity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*HostedCommunity, 0, len(s.communities))
	for _, hc := range s.communities {
		out = append(out, hc)
	}
	return out
}

// Communities returns every currently hosted community. Exported for
// cmd/server's periodic snapshot-to-disk loop; internal callers that
// already hold no lock use the unexported communitiesSnapshot alias.
func (s *Server) Communities() []*HostedCommunity {
	return s.communitiesSnapshot()
}

// HandleRequest resolves the target community and dispatches req for
// senderPseudonym, who has already been authenticated (Veilid envelope
// signature verification, or same-uid Unix socket trust for IPC).
func (s *Server) HandleRequest(ctx context.Context, communityID overlay.RecordKey, senderPseudonym string, req *CommunityRequest) CommunityResponse {
	hc, ok := s.Community(communityID)
	if !ok {
		return errorResponse(404, "community not hosted here")
	}

	if req.Type == ReqJoin {
		return s.handleJoin(ctx, hc, senderPseudonym, req)
	}

	hc.mu.RLock()
	member, isMember := hc.Members[senderPseudonym]
	isCreator := senderPseudonym == hc.CreatorPseudonym
	hc.mu.RUnlock()
	if !isMember && !isCreator {
		return errorResponse(403, "not a member")
	}

	switch req.Type {
	case ReqSendMessage:
		return s.handleSendMessage(hc, member, req)
	case ReqGetMessages:
		return s.handleGetMessages(hc, req)
	case ReqRequestMEK:
		return s.handleRequestMEK(hc)
	case ReqLeave:
		return s.handleLeave(ctx, hc, senderPseudonym)
	case ReqKick:
		return s.handleKick(ctx, hc, member, isCreator, req)
	case ReqCreateChannel:
		return s.handleCreateChannel(hc, member, isCreator, req)
	case ReqDeleteChannel:
		return s.handleDeleteChannel(hc, member, isCreator, req)
	case ReqRotateMEK:
		if !s.authorized(hc, member, isCreator, "", schema.PermManageCommunity) {
			return errorResponse(403, "missing MANAGE_COMMUNITY")
		}
		s.rotateMEK(hc)
		return okResponse()
	case ReqRenameChannel:
		return s.handleRenameChannel(hc, member, isCreator, req)
	case ReqUpdateCommunity:
		return s.handleUpdateCommunity(hc, member, isCreator, req)
	case ReqBan:
		return s.handleBan(ctx, hc, member, isCreator, req)
	case ReqUnban:
		return s.handleUnban(hc, member, isCreator, req)
	case ReqGetBanList:
		return s.handleGetBanList(hc, member, isCreator)
	case ReqCreateRole:
		return s.handleCreateRole(hc, member, isCreator, req)
	case ReqEditRole:
		return s.handleEditRole(hc, member, isCreator, req)
	case ReqDeleteRole:
		return s.handleDeleteRole(hc, member, isCreator, req)
	case ReqAssignRole:
		return s.handleAssignRole(hc, member, isCreator, req)
	case ReqUnassignRole:
		return s.handleUnassignRole(hc, member, isCreator, req)
	case ReqSetChannelOverwrite:
		return s.handleSetChannelOverwrite(hc, member, isCreator, req)
	case ReqDeleteChannelOverwrite:
		return s.handleDeleteChannelOverwrite(hc, member, isCreator, req)
	case ReqTimeoutMember:
		return s.handleTimeoutMember(hc, member, isCreator, req)
	case ReqRemoveTimeout:
		return s.handleRemoveTimeout(hc, member, isCreator, req)
	case ReqGetRoles:
		return s.handleGetRoles(hc)
	default:
		return errorResponse(400, fmt.Sprintf("unsupported request type %q", req.Type))
	}
}

// authorized checks a permission bit in channelID's context (or, for
// community-wide operations, with no channel overwrites applied). The
// creator always bypasses permission checks.
func (s *Server) authorized(hc *HostedCommunity, member *Member, isCreator bool, channelID string, required uint64) bool {
	if isCreator {
		return true
	}
	if member == nil {
		return false
	}
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return schema.HasPermission(hc.permissionsFor(member, channelID), required)
}

// higherHierarchy enforces the role-hierarchy rule for kick/ban/assign/
// unassign/edit/delete: the actor must have a strictly higher highest
// role position than the target. The creator bypasses this.
func (s *Server) higherHierarchy(hc *HostedCommunity, actor *Member, isCreator bool, target *Member) bool {
	if isCreator {
		return true
	}
	if actor == nil {
		return false
	}
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.highestRolePosition(actor.RoleIDs) > hc.highestRolePosition(target.RoleIDs)
}

func (s *Server) handleJoin(ctx context.Context, hc *HostedCommunity, senderPseudonym string, req *CommunityRequest) CommunityResponse {
	var join JoinRequest
	if err := req.decode(&join); err != nil {
		return errorResponse(400, "malformed join request")
	}
	if join.PseudonymPubkeyHex != senderPseudonym {
		return errorResponse(403, "claimed pseudonym does not match envelope signer")
	}

	hc.mu.Lock()
	if _, banned := hc.Banned[senderPseudonym]; banned {
		hc.mu.Unlock()
		return errorResponse(403, "banned from this community")
	}

	if existing, ok := hc.Members[senderPseudonym]; ok {
		// Rejoin path: member already known, possibly refresh route blob.
		if len(join.RouteBlob) > 0 {
			existing.RouteBlob = join.RouteBlob
		}
		resp := s.joinedResponse(hc, existing.RoleIDs)
		hc.mu.Unlock()
		return resp
	}

	roleIDs := []uint32{schema.RoleEveryoneID, roleMemberID}
	if len(hc.Members) == 0 {
		hc.CreatorPseudonym = senderPseudonym
		roleIDs = []uint32{schema.RoleEveryoneID, roleMemberID, roleModeratorID, roleAdminID, roleOwnerID}
	}

	member := &Member{
		PseudonymKeyHex: senderPseudonym,
		DisplayName:     join.DisplayName,
		RoleIDs:         roleIDs,
		JoinedAt:        uint64(time.Now().Unix()),
		RouteBlob:       join.RouteBlob,
	}
	hc.Members[senderPseudonym] = member
	resp := s.joinedResponse(hc, roleIDs)
	hc.mu.Unlock()

	s.broadcast(ctx, hc, senderPseudonym, newBroadcast(BroadcastMemberJoined, MemberJoinedBroadcast{
		CommunityID: string(hc.CommunityID), PseudonymKeyHex: senderPseudonym,
		DisplayName: join.DisplayName, RoleIDs: roleIDs,
	}))

	return resp
}

// joinedResponse builds the Joined response from current state for a
// member holding roleIDs. Caller must hold hc.mu.
func (s *Server) joinedResponse(hc *HostedCommunity, roleIDs []uint32) CommunityResponse {
	channels := make([]ChannelInfoDTO, 0, len(hc.Channels))
	for _, ch := range hc.Channels {
		channels = append(channels, ChannelInfoDTO{ID: ch.ID, Name: ch.Name, ChannelType: ch.ChannelType})
	}
	roles := make([]RoleDTO, 0, len(hc.Roles))
	for _, r := range hc.Roles {
		roles = append(roles, RoleDTO{ID: r.ID, Name: r.Name, Color: r.Color, Permissions: r.Permissions, Position: r.Position, Hoist: r.Hoist, Mentionable: r.Mentionable})
	}

	return newResponse(RespJoined, JoinedPayload{
		MEKEncrypted:  encodeMEK(hc.MEKGeneration, hc.MEK),
		MEKGeneration: uint64(hc.MEKGeneration),
		Channels:      channels,
		RoleIDs:       roleIDs,
		Roles:         roles,
	})
}

func encodeMEK(generation uint32, key [32]byte) []byte {
	buf := make([]byte, 4+32)
	buf[0] = byte(generation >> 24)
	buf[1] = byte(generation >> 16)
	buf[2] = byte(generation >> 8)
	buf[3] = byte(generation)
	copy(buf[4:], key[:])
	return buf
}

func (s *Server) handleSendMessage(hc *HostedCommunity, member *Member, req *CommunityRequest) CommunityResponse {
	var send SendMessageRequest
	if err := req.decode(&send); err != nil {
		return errorResponse(400, "malformed send message request")
	}
	if !s.authorized(hc, member, false, send.ChannelID, schema.PermSendMessages) {
		return errorResponse(403, "missing SEND_MESSAGES")
	}

	hc.mu.Lock()
	if send.MEKGeneration != uint64(hc.MEKGeneration) {
		hc.mu.Unlock()
		return errorResponse(409, "stale MEK generation")
	}
	msg := StoredMessage{
		ChannelID: send.ChannelID, SenderPseudonymHex: member.PseudonymKeyHex,
		Ciphertext: send.Ciphertext, MEKGeneration: send.MEKGeneration, Timestamp: uint64(time.Now().UnixMilli()),
	}
	hc.Messages = append(hc.Messages, msg)
	hc.mu.Unlock()

	s.broadcast(context.Background(), hc, member.PseudonymKeyHex, newBroadcast(BroadcastNewMessage, NewMessageBroadcast{
		CommunityID: string(hc.CommunityID), ChannelID: msg.ChannelID, SenderPseudonymHex: msg.SenderPseudonymHex,
		Ciphertext: msg.Ciphertext, MEKGeneration: msg.MEKGeneration, Timestamp: msg.Timestamp,
	}))
	return okResponse()
}

func (s *Server) handleGetMessages(hc *HostedCommunity, req *CommunityRequest) CommunityResponse {
	var get GetMessagesRequest
	if err := req.decode(&get); err != nil {
		return errorResponse(400, "malformed get messages request")
	}
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	var out []ChannelMessageDTO
	for i := len(hc.Messages) - 1; i >= 0 && uint32(len(out)) < get.Limit; i-- {
		m := hc.Messages[i]
		if m.ChannelID != get.ChannelID {
			continue
		}
		if get.BeforeTimestamp != nil && m.Timestamp >= *get.BeforeTimestamp {
			continue
		}
		out = append(out, ChannelMessageDTO{SenderPseudonymHex: m.SenderPseudonymHex, Ciphertext: m.Ciphertext, MEKGeneration: m.MEKGeneration, Timestamp: m.Timestamp})
	}
	return newResponse(RespMessages, struct {
		Messages []ChannelMessageDTO `json:"messages"`
	}{Messages: out})
}

func (s *Server) handleRequestMEK(hc *HostedCommunity) CommunityResponse {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return newResponse(RespMEK, struct {
		MEKEncrypted  []byte `json:"mekEncrypted"`
		MEKGeneration uint64 `json:"mekGeneration"`
	}{MEKEncrypted: encodeMEK(hc.MEKGeneration, hc.MEK), MEKGeneration: uint64(hc.MEKGeneration)})
}

func (s *Server) handleLeave(ctx context.Context, hc *HostedCommunity, pseudonym string) CommunityResponse {
	hc.mu.Lock()
	delete(hc.Members, pseudonym)
	hc.mu.Unlock()

	s.rotateMEK(hc)
	s.broadcast(ctx, hc, pseudonym, newBroadcast(BroadcastMemberRemoved, MemberRemovedBroadcast{CommunityID: string(hc.CommunityID), PseudonymKeyHex: pseudonym}))
	return okResponse()
}

func (s *Server) handleKick(ctx context.Context, hc *HostedCommunity, actor *Member, isCreator bool, req *CommunityRequest) CommunityResponse {
	var kick KickRequest
	if err := req.decode(&kick); err != nil {
		return errorResponse(400, "malformed kick request")
	}
	if !s.authorized(hc, actor, isCreator, "", schema.PermKickMembers) {
		return errorResponse(403, "missing KICK_MEMBERS")
	}
	hc.mu.RLock()
	target, ok := hc.Members[kick.TargetPseudonymHex]
	hc.mu.RUnlock()
	if !ok {
		return errorResponse(404, "target not a member")
	}
	if !s.higherHierarchy(hc, actor, isCreator, target) {
		return errorResponse(403, "insufficient role hierarchy")
	}

	hc.mu.Lock()
	delete(hc.Members, kick.TargetPseudonymHex)
	hc.mu.Unlock()

	s.rotateMEK(hc)
	s.broadcast(ctx, hc, "", newBroadcast(BroadcastMemberRemoved, MemberRemovedBroadcast{CommunityID: string(hc.CommunityID), PseudonymKeyHex: kick.TargetPseudonymHex}))
	return okResponse()
}

func (s *Server) handleBan(ctx context.Context, hc *HostedCommunity, actor *Member, isCreator bool, req *CommunityRequest) CommunityResponse {
	var ban BanRequest
	if err := req.decode(&ban); err != nil {
		return errorResponse(400, "malformed ban request")
	}
	if !s.authorized(hc, actor, isCreator, "", schema.PermBanMembers) {
		return errorResponse(403, "missing BAN_MEMBERS")
	}
	hc.mu.RLock()
	target, ok := hc.Members[ban.TargetPseudonymHex]
	hierarchyOK := !ok || s.higherHierarchy(hc, actor, isCreator, target)
	hc.mu.RUnlock()
	if !hierarchyOK {
		return errorResponse(403, "insufficient role hierarchy")
	}

	hc.mu.Lock()
	displayName := ""
	if ok {
		displayName = target.DisplayName
		delete(hc.Members, ban.TargetPseudonymHex)
	}
	hc.Banned[ban.TargetPseudonymHex] = &BannedMember{PseudonymKeyHex: ban.TargetPseudonymHex, DisplayName: displayName, BannedAt: uint64(time.Now().Unix())}
	hc.mu.Unlock()

	s.rotateMEK(hc)
	s.broadcast(ctx, hc, "", newBroadcast(BroadcastMemberRemoved, MemberRemovedBroadcast{CommunityID: string(hc.CommunityID), PseudonymKeyHex: ban.TargetPseudonymHex}))
	return okResponse()
}

func (s *Server) handleUnban(hc *HostedCommunity, actor *Member, isCreator bool, req *CommunityRequest) CommunityResponse {
	var unban UnbanRequest
	if err := req.decode(&unban); err != nil {
		return errorResponse(400, "malformed unban request")
	}
	if !s.authorized(hc, actor, isCreator, "", schema.PermBanMembers) {
		return errorResponse(403, "missing BAN_MEMBERS")
	}
	hc.mu.Lock()
	delete(hc.Banned, unban.TargetPseudonymHex)
	hc.mu.Unlock()
	return okResponse()
}

func (s *Server) handleGetBanList(hc *HostedCommunity, actor *Member, isCreator bool) CommunityResponse {
	if !s.authorized(hc, actor, isCreator, "", schema.PermBanMembers) {
		return errorResponse(403, "missing BAN_MEMBERS")
	}
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	banned := make([]BannedMemberDTO, 0, len(hc.Banned))
	for _, b := range hc.Banned {
		banned = append(banned, BannedMemberDTO{PseudonymKeyHex: b.PseudonymKeyHex, DisplayName: b.DisplayName, BannedAt: b.BannedAt})
	}
	return newResponse(RespBanList, struct {
		Banned []BannedMemberDTO `json:"banned"`
	}{Banned: banned})
}

func (s *Server) handleCreateChannel(hc *HostedCommunity, actor *Member, isCreator bool, req *CommunityRequest) CommunityResponse {
	var create CreateChannelRequest
	if err := req.decode(&create); err != nil {
		return errorResponse(400, "malformed create channel request")
	}
	if !s.authorized(hc, actor, isCreator, "", schema.PermManageChannels) {
		return errorResponse(403, "missing MANAGE_CHANNELS")
	}
	id := randomHexID()
	hc.mu.Lock()
	hc.Channels[id] = &schema.ChannelEntry{ID: id, Name: create.Name, ChannelType: create.ChannelType}
	hc.mu.Unlock()
	return newResponse(RespChannelCreated, struct {
		ChannelID string `json:"channelId"`
	}{ChannelID: id})
}

func (s *Server) handleDeleteChannel(hc *HostedCommunity, actor *Member, isCreator bool, req *CommunityRequest) CommunityResponse {
	var del DeleteChannelRequest
	if err := req.decode(&del); err != nil {
		return errorResponse(400, "malformed delete channel request")
	}
	if !s.authorized(hc, actor, isCreator, "", schema.PermManageChannels) {
		return errorResponse(403, "missing MANAGE_CHANNELS")
	}
	hc.mu.Lock()
	delete(hc.Channels, del.ChannelID)
	hc.mu.Unlock()
	return okResponse()
}

func (s *Server) handleRenameChannel(hc *HostedCommunity, actor *Member, isCreator bool, req *CommunityRequest) CommunityResponse {
	var rename RenameChannelRequest
	if err := req.decode(&rename); err != nil {
		return errorResponse(400, "malformed rename channel request")
	}
	if !s.authorized(hc, actor, isCreator, "", schema.PermManageChannels) {
		return errorResponse(403, "missing MANAGE_CHANNELS")
	}
	hc.mu.Lock()
	ch, ok := hc.Channels[rename.ChannelID]
	if ok {
		ch.Name = rename.NewName
	}
	hc.mu.Unlock()
	if !ok {
		return errorResponse(404, "channel not found")
	}
	return okResponse()
}

func (s *Server) handleUpdateCommunity(hc *HostedCommunity, actor *Member, isCreator bool, req *CommunityRequest) CommunityResponse {
	var update UpdateCommunityRequest
	if err := req.decode(&update); err != nil {
		return errorResponse(400, "malformed update community request")
	}
	if !s.authorized(hc, actor, isCreator, "", schema.PermManageCommunity) {
		return errorResponse(403, "missing MANAGE_COMMUNITY")
	}
	hc.mu.Lock()
	if update.Name != nil {
		hc.Name = *update.Name
	}
	if update.Description != nil {
		hc.Description = update.Description
	}
	hc.mu.Unlock()
	return newResponse(RespCommunityUpdated, struct{}{})
}

func (s *Server) handleCreateRole(hc *HostedCommunity, actor *Member, isCreator bool, req *CommunityRequest) CommunityResponse {
	var create CreateRoleRequest
	if err := req.decode(&create); err != nil {
		return errorResponse(400, "malformed create role request")
	}
	if !s.authorized(hc, actor, isCreator, "", schema.PermManageRoles) {
		return errorResponse(403, "missing MANAGE_ROLES")
	}
	hc.mu.Lock()
	id := nextRoleID(hc.Roles)
	hc.Roles[id] = &schema.RoleDefinition{ID: id, Name: create.Name, Color: create.Color, Permissions: create.Permissions, Hoist: create.Hoist, Mentionable: create.Mentionable}
	hc.mu.Unlock()
	return newResponse(RespRoleCreated, struct {
		RoleID uint32 `json:"roleId"`
	}{RoleID: id})
}

func (s *Server) handleEditRole(hc *HostedCommunity, actor *Member, isCreator bool, req *CommunityRequest) CommunityResponse {
	var edit EditRoleRequest
	if err := req.decode(&edit); err != nil {
		return errorResponse(400, "malformed edit role request")
	}
	if !s.authorized(hc, actor, isCreator, "", schema.PermManageRoles) {
		return errorResponse(403, "missing MANAGE_ROLES")
	}
	hc.mu.Lock()
	role, ok := hc.Roles[edit.RoleID]
	if !ok {
		hc.mu.Unlock()
		return errorResponse(404, "role not found")
	}
	if !isCreator && hc.highestRolePosition(actor.RoleIDs) <= role.Position {
		hc.mu.Unlock()
		return errorResponse(403, "insufficient role hierarchy")
	}
	if edit.Name != nil {
		role.Name = *edit.Name
	}
	if edit.Color != nil {
		role.Color = *edit.Color
	}
	if edit.Permissions != nil {
		role.Permissions = *edit.Permissions
	}
	if edit.Position != nil {
		role.Position = *edit.Position
	}
	if edit.Hoist != nil {
		role.Hoist = *edit.Hoist
	}
	if edit.Mentionable != nil {
		role.Mentionable = *edit.Mentionable
	}
	hc.mu.Unlock()
	return okResponse()
}

func (s *Server) handleDeleteRole(hc *HostedCommunity, actor *Member, isCreator bool, req *CommunityRequest) CommunityResponse {
	var del DeleteRoleRequest
	if err := req.decode(&del); err != nil {
		return errorResponse(400, "malformed delete role request")
	}
	if !s.authorized(hc, actor, isCreator, "", schema.PermManageRoles) {
		return errorResponse(403, "missing MANAGE_ROLES")
	}
	if del.RoleID == schema.RoleEveryoneID {
		return errorResponse(400, "cannot delete @everyone")
	}
	hc.mu.Lock()
	role, ok := hc.Roles[del.RoleID]
	if !ok {
		hc.mu.Unlock()
		return errorResponse(404, "role not found")
	}
	if !isCreator && hc.highestRolePosition(actor.RoleIDs) <= role.Position {
		hc.mu.Unlock()
		return errorResponse(403, "insufficient role hierarchy")
	}
	delete(hc.Roles, del.RoleID)
	for _, m := range hc.Members {
		m.RoleIDs = removeRoleID(m.RoleIDs, del.RoleID)
	}
	hc.mu.Unlock()
	return okResponse()
}

func (s *Server) handleAssignRole(hc *HostedCommunity, actor *Member, isCreator bool, req *CommunityRequest) CommunityResponse {
	var assign AssignRoleRequest
	if err := req.decode(&assign); err != nil {
		return errorResponse(400, "malformed assign role request")
	}
	if !s.authorized(hc, actor, isCreator, "", schema.PermManageRoles) {
		return errorResponse(403, "missing MANAGE_ROLES")
	}
	hc.mu.Lock()
	role, roleExists := hc.Roles[assign.RoleID]
	if !roleExists {
		hc.mu.Unlock()
		return errorResponse(404, "role not found")
	}
	if !isCreator && hc.highestRolePosition(actor.RoleIDs) <= role.Position {
		hc.mu.Unlock()
		return errorResponse(403, "insufficient role hierarchy")
	}
	target, ok := hc.Members[assign.TargetPseudonymHex]
	if ok && !containsUint32(target.RoleIDs, assign.RoleID) {
		target.RoleIDs = append(target.RoleIDs, assign.RoleID)
	}
	hc.mu.Unlock()
	if !ok {
		return errorResponse(404, "target not a member")
	}
	return okResponse()
}

func (s *Server) handleUnassignRole(hc *HostedCommunity, actor *Member, isCreator bool, req *CommunityRequest) CommunityResponse {
	var unassign UnassignRoleRequest
	if err := req.decode(&unassign); err != nil {
		return errorResponse(400, "malformed unassign role request")
	}
	if !s.authorized(hc, actor, isCreator, "", schema.PermManageRoles) {
		return errorResponse(403, "missing MANAGE_ROLES")
	}
	hc.mu.Lock()
	role, roleExists := hc.Roles[unassign.RoleID]
	if !roleExists {
		hc.mu.Unlock()
		return errorResponse(404, "role not found")
	}
	if !isCreator && hc.highestRolePosition(actor.RoleIDs) <= role.Position {
		hc.mu.Unlock()
		return errorResponse(403, "insufficient role hierarchy")
	}
	target, ok := hc.Members[unassign.TargetPseudonymHex]
	if ok {
		target.RoleIDs = removeRoleID(target.RoleIDs, unassign.RoleID)
	}
	hc.mu.Unlock()
	if !ok {
		return errorResponse(404, "target not a member")
	}
	return okResponse()
}

func (s *Server) handleSetChannelOverwrite(hc *HostedCommunity, actor *Member, isCreator bool, req *CommunityRequest) CommunityResponse {
	var set SetChannelOverwriteRequest
	if err := req.decode(&set); err != nil {
		return errorResponse(400, "malformed set channel overwrite request")
	}
	if !s.authorized(hc, actor, isCreator, set.ChannelID, schema.PermManageChannels) {
		return errorResponse(403, "missing MANAGE_CHANNELS")
	}
	targetType := schema.OverwriteRole
	if set.TargetType == "member" {
		targetType = schema.OverwriteMember
	}
	hc.mu.Lock()
	ch, ok := hc.Channels[set.ChannelID]
	if !ok {
		hc.mu.Unlock()
		return errorResponse(404, "channel not found")
	}
	replaced := false
	for i := range ch.PermissionOverwrites {
		ow := &ch.PermissionOverwrites[i]
		if ow.TargetType == targetType && ow.TargetID == set.TargetID {
			ow.Allow, ow.Deny = set.Allow, set.Deny
			replaced = true
			break
		}
	}
	if !replaced {
		ch.PermissionOverwrites = append(ch.PermissionOverwrites, schema.PermissionOverwrite{
			TargetType: targetType, TargetID: set.TargetID, Allow: set.Allow, Deny: set.Deny,
		})
	}
	hc.mu.Unlock()
	s.broadcast(context.Background(), hc, "", newBroadcast(BroadcastChannelOverwriteChanged, struct {
		CommunityID string `json:"communityId"`
		ChannelID   string `json:"channelId"`
	}{CommunityID: string(hc.CommunityID), ChannelID: set.ChannelID}))
	return okResponse()
}

func (s *Server) handleDeleteChannelOverwrite(hc *HostedCommunity, actor *Member, isCreator bool, req *CommunityRequest) CommunityResponse {
	var del DeleteChannelOverwriteRequest
	if err := req.decode(&del); err != nil {
		return errorResponse(400, "malformed delete channel overwrite request")
	}
	if !s.authorized(hc, actor, isCreator, del.ChannelID, schema.PermManageChannels) {
		return errorResponse(403, "missing MANAGE_CHANNELS")
	}
	targetType := schema.OverwriteRole
	if del.TargetType == "member" {
		targetType = schema.OverwriteMember
	}
	hc.mu.Lock()
	ch, ok := hc.Channels[del.ChannelID]
	if !ok {
		hc.mu.Unlock()
		return errorResponse(404, "channel not found")
	}
	kept := ch.PermissionOverwrites[:0]
	for _, ow := range ch.PermissionOverwrites {
		if ow.TargetType == targetType && ow.TargetID == del.TargetID {
			continue
		}
		kept = append(kept, ow)
	}
	ch.PermissionOverwrites = kept
	hc.mu.Unlock()
	return okResponse()
}

func (s *Server) handleTimeoutMember(hc *HostedCommunity, actor *Member, isCreator bool, req *CommunityRequest) CommunityResponse {
	var timeout TimeoutMemberRequest
	if err := req.decode(&timeout); err != nil {
		return errorResponse(400, "malformed timeout request")
	}
	if !s.authorized(hc, actor, isCreator, "", schema.PermModerateMembers) {
		return errorResponse(403, "missing MODERATE_MEMBERS")
	}
	hc.mu.Lock()
	target, ok := hc.Members[timeout.TargetPseudonymHex]
	if ok {
		until := uint64(time.Now().Unix()) + timeout.DurationSeconds
		target.TimeoutUntil = &until
	}
	hc.mu.Unlock()
	if !ok {
		return errorResponse(404, "target not a member")
	}
	return okResponse()
}

func (s *Server) handleRemoveTimeout(hc *HostedCommunity, actor *Member, isCreator bool, req *CommunityRequest) CommunityResponse {
	var remove RemoveTimeoutRequest
	if err := req.decode(&remove); err != nil {
		return errorResponse(400, "malformed remove timeout request")
	}
	if !s.authorized(hc, actor, isCreator, "", schema.PermModerateMembers) {
		return errorResponse(403, "missing MODERATE_MEMBERS")
	}
	hc.mu.Lock()
	if target, ok := hc.Members[remove.TargetPseudonymHex]; ok {
		target.TimeoutUntil = nil
	}
	hc.mu.Unlock()
	return okResponse()
}

func (s *Server) handleGetRoles(hc *HostedCommunity) CommunityResponse {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	roles := make([]RoleDTO, 0, len(hc.Roles))
	for _, r := range hc.Roles {
		roles = append(roles, RoleDTO{ID: r.ID, Name: r.Name, Color: r.Color, Permissions: r.Permissions, Position: r.Position, Hoist: r.Hoist, Mentionable: r.Mentionable})
	}
	return newResponse(RespRolesList, struct {
		Roles []RoleDTO `json:"roles"`
	}{Roles: roles})
}

// rotateMEK generates a fresh media encryption key, increments the
// generation counter, and broadcasts MEKRotated to every member. Key
// material itself is never published to the DHT — only the generation
// and timestamp (see schema.MEKMeta).
func (s *Server) rotateMEK(hc *HostedCommunity) {
	hc.mu.Lock()
	if _, err := rand.Read(hc.MEK[:]); err != nil {
		hc.mu.Unlock()
		log.Printf("⚠️  community: failed to generate MEK: %v", err)
		return
	}
	hc.MEKGeneration++
	generation := hc.MEKGeneration
	hc.mu.Unlock()

	s.broadcast(context.Background(), hc, "", newBroadcast(BroadcastMEKRotated, MEKRotatedBroadcast{
		CommunityID: string(hc.CommunityID), NewGeneration: uint64(generation),
	}))
}

// broadcast delivers payload to every member's stored route except
// exceptPseudonym, best-effort: failures are logged and do not block
// delivery to other members.
func (s *Server) broadcast(ctx context.Context, hc *HostedCommunity, exceptPseudonym string, payload CommunityBroadcast) {
	hc.mu.RLock()
	targets := make([]*Member, 0, len(hc.Members))
	for pseudonym, m := range hc.Members {
		if pseudonym == exceptPseudonym || len(m.RouteBlob) == 0 {
			continue
		}
		targets = append(targets, m)
	}
	hc.mu.RUnlock()

	encoded, err := marshalBroadcast(payload)
	if err != nil {
		log.Printf("⚠️  community: failed to encode broadcast %s: %v", payload.Type, err)
		return
	}

	for _, m := range targets {
		go func(m *Member) {
			routeID, err := s.ov.ImportRemotePrivateRoute(ctx, m.RouteBlob)
			if err != nil {
				log.Printf("⚠️  community: broadcast to %s: import route failed: %v", m.PseudonymKeyHex, err)
				return
			}
			if err := s.ov.AppMessage(ctx, routeID, encoded); err != nil {
				log.Printf("⚠️  community: broadcast to %s failed: %v", m.PseudonymKeyHex, err)
			}
		}(m)
	}
}

func removeRoleID(ids []uint32, target uint32) []uint32 {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func containsUint32(ids []uint32, target uint32) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

func nextRoleID(roles map[uint32]*schema.RoleDefinition) uint32 {
	var max uint32
	for id := range roles {
		if id > max {
			max = id
		}
	}
	return max + 1
}

func randomHexID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Default role IDs assigned alongside @everyone (id 0).
const (
	roleMemberID    uint32 = 1
	roleModeratorID uint32 = 2
	roleAdminID     uint32 = 3
	roleOwnerID     uint32 = 4
)

// NewHostedCommunity builds the initial state for a freshly created
// community: @everyone plus the four default roles, the creator seated
// as its sole member with the Owner role, MEK generation 0.
func NewHostedCommunity(id overlay.RecordKey, owner *overlay.OwnerKeypair, name, creatorPseudonym, creatorDisplayName string) *HostedCommunity {
	now := uint64(time.Now().Unix())
	hc := &HostedCommunity{
		CommunityID:      id,
		Owner:            owner,
		Name:             name,
		CreatedAt:        now,
		CreatorPseudonym: creatorPseudonym,
		Members:          make(map[string]*Member),
		Banned:           make(map[string]*BannedMember),
		Roles:            make(map[uint32]*schema.RoleDefinition),
		Channels:         make(map[string]*schema.ChannelEntry),
	}
	hc.Roles[schema.RoleEveryoneID] = &schema.RoleDefinition{ID: schema.RoleEveryoneID, Name: "@everyone", Permissions: schema.EveryonePermissions(), Position: 0}
	hc.Roles[roleMemberID] = &schema.RoleDefinition{ID: roleMemberID, Name: "Member", Permissions: schema.MemberPermissions(), Position: 1}
	hc.Roles[roleModeratorID] = &schema.RoleDefinition{ID: roleModeratorID, Name: "Moderator", Permissions: schema.ModeratorPermissions(), Position: 2}
	hc.Roles[roleAdminID] = &schema.RoleDefinition{ID: roleAdminID, Name: "Admin", Permissions: schema.AdminPermissions(), Position: 3}
	hc.Roles[roleOwnerID] = &schema.RoleDefinition{ID: roleOwnerID, Name: "Owner", Permissions: schema.OwnerPermissions(), Position: 4}
	hc.Members[creatorPseudonym] = &Member{
		PseudonymKeyHex: creatorPseudonym,
		DisplayName:     creatorDisplayName,
		RoleIDs:         []uint32{schema.RoleEveryoneID, roleOwnerID},
		JoinedAt:        now,
	}
	_, _ = rand.Read(hc.MEK[:])
	return hc
}

// Package community implements the community-hosting server: the
// colocated process that holds a community's DHT record owner keypair
// and authoritatively decides membership, roles, channels, and MEK
// generation for everyone who has joined.
package community

import (
	"encoding/json"
	"fmt"
)

// RequestType tags a CommunityRequest's Data payload.
type RequestType string

const (
	ReqJoin                   RequestType = "Join"
	ReqSendMessage            RequestType = "SendMessage"
	ReqGetMessages            RequestType = "GetMessages"
	ReqRequestMEK             RequestType = "RequestMEK"
	ReqLeave                  RequestType = "Leave"
	ReqKick                   RequestType = "Kick"
	ReqCreateChannel          RequestType = "CreateChannel"
	ReqDeleteChannel          RequestType = "DeleteChannel"
	ReqRotateMEK              RequestType = "RotateMEK"
	ReqRenameChannel          RequestType = "RenameChannel"
	ReqUpdateCommunity        RequestType = "UpdateCommunity"
	ReqBan                    RequestType = "Ban"
	ReqUnban                  RequestType = "Unban"
	ReqGetBanList             RequestType = "GetBanList"
	ReqCreateRole             RequestType = "CreateRole"
	ReqEditRole               RequestType = "EditRole"
	ReqDeleteRole             RequestType = "DeleteRole"
	ReqAssignRole             RequestType = "AssignRole"
	ReqUnassignRole           RequestType = "UnassignRole"
	ReqSetChannelOverwrite    RequestType = "SetChannelOverwrite"
	ReqDeleteChannelOverwrite RequestType = "DeleteChannelOverwrite"
	ReqTimeoutMember          RequestType = "TimeoutMember"
	ReqRemoveTimeout          RequestType = "RemoveTimeout"
	ReqGetRoles               RequestType = "GetRoles"
)

// CommunityRequest is the tagged envelope a member sends via app_call (or
// same-host IPC). Data holds the type-specific JSON payload.
type CommunityRequest struct {
	Type RequestType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (r *CommunityRequest) decode(out interface{}) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, out)
}

func newRequest(t RequestType, data interface{}) (*CommunityRequest, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("community: marshal request %s: %w", t, err)
	}
	return &CommunityRequest{Type: t, Data: raw}, nil
}

type JoinRequest struct {
	PseudonymPubkeyHex string  `json:"pseudonymPubkey"`
	InviteCode         *string `json:"inviteCode,omitempty"`
	DisplayName        string  `json:"displayName"`
	PreKeyBundle       []byte  `json:"prekeyBundle"`
	RouteBlob          []byte  `json:"routeBlob,omitempty"`
}

type SendMessageRequest struct {
	ChannelID     string `json:"channelId"`
	Ciphertext    []byte `json:"ciphertext"`
	MEKGeneration uint64 `json:"mekGeneration"`
}

type GetMessagesRequest struct {
	ChannelID       string  `json:"channelId"`
	BeforeTimestamp *uint64 `json:"beforeTimestamp,omitempty"`
	Limit           uint32  `json:"limit"`
}

type KickRequest struct {
	TargetPseudonymHex string `json:"targetPseudonym"`
}

type BanRequest struct {
	TargetPseudonymHex string `json:"targetPseudonym"`
}

type UnbanRequest struct {
	TargetPseudonymHex string `json:"targetPseudonym"`
}

type CreateChannelRequest struct {
	Name        string `json:"name"`
	ChannelType string `json:"channelType"`
}

type DeleteChannelRequest struct {
	ChannelID string `json:"channelId"`
}

type RenameChannelRequest struct {
	ChannelID string `json:"channelId"`
	NewName   string `json:"newName"`
}

type UpdateCommunityRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateRoleRequest struct {
	Name        string `json:"name"`
	Color       uint32 `json:"color"`
	Permissions uint64 `json:"permissions"`
	Hoist       bool   `json:"hoist"`
	Mentionable bool   `json:"mentionable"`
}

type EditRoleRequest struct {
	RoleID      uint32  `json:"roleId"`
	Name        *string `json:"name,omitempty"`
	Color       *uint32 `json:"color,omitempty"`
	Permissions *uint64 `json:"permissions,omitempty"`
	Position    *int32  `json:"position,omitempty"`
	Hoist       *bool   `json:"hoist,omitempty"`
	Mentionable *bool   `json:"mentionable,omitempty"`
}

type DeleteRoleRequest struct {
	RoleID uint32 `json:"roleId"`
}

type AssignRoleRequest struct {
	TargetPseudonymHex string `json:"targetPseudonym"`
	RoleID             uint32 `json:"roleId"`
}

type UnassignRoleRequest struct {
	TargetPseudonymHex string `json:"targetPseudonym"`
	RoleID             uint32 `json:"roleId"`
}

type SetChannelOverwriteRequest struct {
	ChannelID  string `json:"channelId"`
	TargetType string `json:"targetType"` // "role" or "member"
	TargetID   string `json:"targetId"`
	Allow      uint64 `json:"allow"`
	Deny       uint64 `json:"deny"`
}

type DeleteChannelOverwriteRequest struct {
	ChannelID  string `json:"channelId"`
	TargetType string `json:"targetType"`
	TargetID   string `json:"targetId"`
}

type TimeoutMemberRequest struct {
	TargetPseudonymHex string  `json:"targetPseudonym"`
	DurationSeconds    uint64  `json:"durationSeconds"`
	Reason             *string `json:"reason,omitempty"`
}

type RemoveTimeoutRequest struct {
	TargetPseudonymHex string `json:"targetPseudonym"`
}

// ResponseType tags a CommunityResponse's Data payload.
type ResponseType string

const (
	RespOk             ResponseType = "Ok"
	RespJoined         ResponseType = "Joined"
	RespMessages       ResponseType = "Messages"
	RespMEK            ResponseType = "MEK"
	RespChannelCreated ResponseType = "ChannelCreated"
	RespCommunityUpdated ResponseType = "CommunityUpdated"
	RespBanList        ResponseType = "BanList"
	RespRoleCreated    ResponseType = "RoleCreated"
	RespRolesList      ResponseType = "RolesList"
	RespError          ResponseType = "Error"
)

// CommunityResponse is the tagged reply the server sends back.
type CommunityResponse struct {
	Type ResponseType    `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func newResponse(t ResponseType, data interface{}) CommunityResponse {
	raw, _ := json.Marshal(data)
	return CommunityResponse{Type: t, Data: raw}
}

func okResponse() CommunityResponse { return CommunityResponse{Type: RespOk} }

func errorResponse(code uint32, message string) CommunityResponse {
	return newResponse(RespError, ErrorPayload{Code: code, Message: message})
}

type ErrorPayload struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

type RoleDTO struct {
	ID          uint32 `json:"id"`
	Name        string `json:"name"`
	Color       uint32 `json:"color"`
	Permissions uint64 `json:"permissions"`
	Position    int32  `json:"position"`
	Hoist       bool   `json:"hoist"`
	Mentionable bool   `json:"mentionable"`
}

type ChannelInfoDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ChannelType string `json:"channelType"`
}

type ChannelMessageDTO struct {
	SenderPseudonymHex string `json:"senderPseudonym"`
	Ciphertext         []byte `json:"ciphertext"`
	MEKGeneration      uint64 `json:"mekGeneration"`
	Timestamp          uint64 `json:"timestamp"`
}

type BannedMemberDTO struct {
	PseudonymKeyHex string `json:"pseudonymKey"`
	DisplayName     string `json:"displayName"`
	BannedAt        uint64 `json:"bannedAt"`
}

type JoinedPayload struct {
	MEKEncrypted  []byte           `json:"mekEncrypted"`
	MEKGeneration uint64           `json:"mekGeneration"`
	Channels      []ChannelInfoDTO `json:"channels"`
	RoleIDs       []uint32         `json:"roleIds"`
	Roles         []RoleDTO        `json:"roles"`
}

// BroadcastType tags a CommunityBroadcast's Data payload. Broadcasts are
// fire-and-forget app_message deliveries to every member route.
type BroadcastType string

const (
	BroadcastNewMessage           BroadcastType = "NewMessage"
	BroadcastMEKRotated           BroadcastType = "MEKRotated"
	BroadcastMemberJoined         BroadcastType = "MemberJoined"
	BroadcastMemberRemoved        BroadcastType = "MemberRemoved"
	BroadcastRolesChanged         BroadcastType = "RolesChanged"
	BroadcastMemberRolesChanged   BroadcastType = "MemberRolesChanged"
	BroadcastMemberTimedOut       BroadcastType = "MemberTimedOut"
	BroadcastChannelOverwriteChanged BroadcastType = "ChannelOverwriteChanged"
)

type CommunityBroadcast struct {
	Type BroadcastType   `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func newBroadcast(t BroadcastType, data interface{}) CommunityBroadcast {
	raw, _ := json.Marshal(data)
	return CommunityBroadcast{Type: t, Data: raw}
}

type NewMessageBroadcast struct {
	CommunityID        string `json:"communityId"`
	ChannelID          string `json:"channelId"`
	SenderPseudonymHex string `json:"senderPseudonym"`
	Ciphertext         []byte `json:"ciphertext"`
	MEKGeneration      uint64 `json:"mekGeneration"`
	Timestamp          uint64 `json:"timestamp"`
}

type MEKRotatedBroadcast struct {
	CommunityID   string `json:"communityId"`
	NewGeneration uint64 `json:"newGeneration"`
}

type MemberJoinedBroadcast struct {
	CommunityID     string   `json:"communityId"`
	PseudonymKeyHex string   `json:"pseudonymKey"`
	DisplayName     string   `json:"displayName"`
	RoleIDs         []uint32 `json:"roleIds"`
}

type MemberRemovedBroadcast struct {
	CommunityID     string `json:"communityId"`
	PseudonymKeyHex string `json:"pseudonymKey"`
}

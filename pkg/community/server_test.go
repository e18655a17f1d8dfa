package community

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rekindle/rekindle/pkg/overlay"
	"github.com/rekindle/rekindle/pkg/overlay/simulated"
	"github.com/rekindle/rekindle/pkg/record/schema"
)

func newTestCommunity(t *testing.T) (*Server, *HostedCommunity) {
	t.Helper()
	ov := simulated.NewOverlay(simulated.NewNetwork())
	owner := &overlay.OwnerKeypair{}
	hc := NewHostedCommunity(overlay.RecordKey("test-community"), owner, "Ember Circle", "creator-pseudo", "Ada")
	s := NewServer(ov)
	s.HostCommunity(hc)
	return s, hc
}

func joinRequest(t *testing.T, pseudonym, displayName string) *CommunityRequest {
	t.Helper()
	req, err := newRequest(ReqJoin, JoinRequest{
		PseudonymPubkeyHex: pseudonym,
		DisplayName:        displayName,
	})
	require.NoError(t, err)
	return req
}

func TestHandleRequestJoinSeatsNewMemberWithDefaultRole(t *testing.T) {
	s, hc := newTestCommunity(t)

	resp := s.HandleRequest(context.Background(), hc.CommunityID, "member-pseudo", joinRequest(t, "member-pseudo", "Bo"))
	require.Equal(t, RespJoined, resp.Type)

	var payload JoinedPayload
	require.NoError(t, json.Unmarshal(resp.Data, &payload))
	require.ElementsMatch(t, []uint32{schema.RoleEveryoneID, roleMemberID}, payload.RoleIDs)

	hc.mu.RLock()
	member, ok := hc.Members["member-pseudo"]
	hc.mu.RUnlock()
	require.True(t, ok)
	require.Equal(t, "Bo", member.DisplayName)
}

func TestHandleRequestJoinRejectsPseudonymMismatch(t *testing.T) {
	s, hc := newTestCommunity(t)

	resp := s.HandleRequest(context.Background(), hc.CommunityID, "member-pseudo", joinRequest(t, "someone-else", "Bo"))
	require.Equal(t, RespError, resp.Type)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(resp.Data, &payload))
	require.EqualValues(t, 403, payload.Code)
}

func TestHandleRequestJoinRejectsBannedMember(t *testing.T) {
	s, hc := newTestCommunity(t)
	hc.mu.Lock()
	hc.Banned["member-pseudo"] = &BannedMember{PseudonymKeyHex: "member-pseudo"}
	hc.mu.Unlock()

	resp := s.HandleRequest(context.Background(), hc.CommunityID, "member-pseudo", joinRequest(t, "member-pseudo", "Bo"))
	require.Equal(t, RespError, resp.Type)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(resp.Data, &payload))
	require.EqualValues(t, 403, payload.Code)
}

func TestHandleRequestJoinRefreshesRouteBlobOnRejoin(t *testing.T) {
	s, hc := newTestCommunity(t)
	require.Equal(t, RespJoined, s.HandleRequest(context.Background(), hc.CommunityID, "member-pseudo", joinRequest(t, "member-pseudo", "Bo")).Type)

	req, err := newRequest(ReqJoin, JoinRequest{
		PseudonymPubkeyHex: "member-pseudo",
		DisplayName:        "Bo",
		RouteBlob:          []byte("fresh-route"),
	})
	require.NoError(t, err)

	resp := s.HandleRequest(context.Background(), hc.CommunityID, "member-pseudo", req)
	require.Equal(t, RespJoined, resp.Type)

	hc.mu.RLock()
	member := hc.Members["member-pseudo"]
	hc.mu.RUnlock()
	require.Equal(t, []byte("fresh-route"), member.RouteBlob)
	require.Len(t, hc.Members, 2, "rejoin must not add a second member entry")
}

func TestHandleRequestRejectsNonMember(t *testing.T) {
	s, hc := newTestCommunity(t)

	req, err := newRequest(ReqGetRoles, nil)
	require.NoError(t, err)
	resp := s.HandleRequest(context.Background(), hc.CommunityID, "stranger", req)
	require.Equal(t, RespError, resp.Type)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(resp.Data, &payload))
	require.EqualValues(t, 403, payload.Code)
}

func TestHandleRequestRotateMEKRequiresManageCommunity(t *testing.T) {
	s, hc := newTestCommunity(t)
	require.Equal(t, RespJoined, s.HandleRequest(context.Background(), hc.CommunityID, "member-pseudo", joinRequest(t, "member-pseudo", "Bo")).Type)

	req, err := newRequest(ReqRotateMEK, nil)
	require.NoError(t, err)

	resp := s.HandleRequest(context.Background(), hc.CommunityID, "member-pseudo", req)
	require.Equal(t, RespError, resp.Type)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(resp.Data, &payload))
	require.EqualValues(t, 403, payload.Code)

	hc.mu.RLock()
	generationBefore := hc.MEKGeneration
	hc.mu.RUnlock()
	require.EqualValues(t, 0, generationBefore)
}

func TestHandleRequestRotateMEKCreatorBypassesPermissions(t *testing.T) {
	s, hc := newTestCommunity(t)

	req, err := newRequest(ReqRotateMEK, nil)
	require.NoError(t, err)

	resp := s.HandleRequest(context.Background(), hc.CommunityID, "creator-pseudo", req)
	require.Equal(t, RespOk, resp.Type)

	hc.mu.RLock()
	generation := hc.MEKGeneration
	hc.mu.RUnlock()
	require.EqualValues(t, 1, generation)
}

func TestHandleRequestSendMessageRejectsStaleMEKGeneration(t *testing.T) {
	s, hc := newTestCommunity(t)

	req, err := newRequest(ReqSendMessage, SendMessageRequest{ChannelID: "general", Ciphertext: []byte("hi"), MEKGeneration: 7})
	require.NoError(t, err)

	resp := s.HandleRequest(context.Background(), hc.CommunityID, "creator-pseudo", req)
	require.Equal(t, RespError, resp.Type)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(resp.Data, &payload))
	require.EqualValues(t, 409, payload.Code)
}

func TestHandleRequestUnknownCommunity(t *testing.T) {
	s, _ := newTestCommunity(t)

	req, err := newRequest(ReqGetRoles, nil)
	require.NoError(t, err)

	resp := s.HandleRequest(context.Background(), overlay.RecordKey("nonexistent"), "creator-pseudo", req)
	require.Equal(t, RespError, resp.Type)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(resp.Data, &payload))
	require.EqualValues(t, 404, payload.Code)
}

func TestHandleRequestGetRolesListsDefaultRoles(t *testing.T) {
	s, hc := newTestCommunity(t)

	req, err := newRequest(ReqGetRoles, nil)
	require.NoError(t, err)

	resp := s.HandleRequest(context.Background(), hc.CommunityID, "creator-pseudo", req)
	require.Equal(t, RespRolesList, resp.Type)

	var payload struct {
		Roles []RoleDTO `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &payload))
	require.Len(t, payload.Roles, 5)
}

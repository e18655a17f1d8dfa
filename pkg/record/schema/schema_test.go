package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCommunityMetadataRoundTrip(t *testing.T) {
	desc := "a place to talk"
	m := &CommunityMetadata{
		Name:          "rekindle-test",
		Description:   &desc,
		CreatedAt:     1700000000,
		OwnerKeyHex:   "deadbeef",
		LastRefreshed: 1700000100,
	}
	decoded, err := DecodeCommunityMetadata(m.Encode())
	require.NoError(t, err)
	require.Equal(t, m.Name, decoded.Name)
	require.Equal(t, *m.Description, *decoded.Description)
	require.Nil(t, decoded.IconHash)
	require.Equal(t, m.LastRefreshed, decoded.LastRefreshed)
}

func TestChannelsRoundTrip(t *testing.T) {
	channels := []ChannelEntry{
		{
			ID: "ch1", Name: "general", ChannelType: "text", SortOrder: 0,
			PermissionOverwrites: []PermissionOverwrite{
				{TargetType: OverwriteRole, TargetID: "0", Allow: PermSendMessages, Deny: 0},
			},
		},
	}
	decoded, err := DecodeChannels(EncodeChannels(channels))
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	require.Equal(t, "general", decoded[0].Name)
	require.Len(t, decoded[0].PermissionOverwrites, 1)
}

func TestMembersRoundTrip(t *testing.T) {
	until := uint64(1700001000)
	members := []MemberEntry{
		{PseudonymKeyHex: "abc123", RoleIDs: []uint32{0, 1}, JoinedAt: 1700000000, TimeoutUntil: &until},
	}
	decoded, err := DecodeMembers(EncodeMembers(members))
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	require.Equal(t, []uint32{0, 1}, decoded[0].RoleIDs)
	require.Equal(t, until, *decoded[0].TimeoutUntil)
}

func TestRolesRoundTrip(t *testing.T) {
	roles := []RoleDefinition{
		{ID: 0, Name: "@everyone", Permissions: EveryonePermissions(), Position: 0},
		{ID: 4, Name: "Owner", Permissions: OwnerPermissions(), Position: 10, Hoist: true},
	}
	decoded, err := DecodeRoles(EncodeRoles(roles))
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	require.Equal(t, OwnerPermissions(), decoded[1].Permissions)
	require.True(t, decoded[1].Hoist)
}

func TestMEKMetaRoundTrip(t *testing.T) {
	m := &MEKMeta{Generation: 3, RotatedAt: 1700000000}
	decoded, err := DecodeMEKMeta(m.Encode())
	require.NoError(t, err)
	require.Equal(t, m.Generation, decoded.Generation)
}

func TestCalculatePermissionsAdministratorBypass(t *testing.T) {
	roles := []RoleDefinition{
		{ID: 0, Permissions: EveryonePermissions()},
		{ID: 3, Permissions: PermAdministrator},
	}
	perms := CalculatePermissions([]uint32{0, 3}, roles, nil, "member-a", nil, time.Unix(1700000000, 0))
	require.Equal(t, AllPermissions(), perms)
}

func TestCalculatePermissionsChannelOverwrites(t *testing.T) {
	roles := []RoleDefinition{
		{ID: 0, Permissions: PermViewChannel | PermSendMessages},
	}
	overwrites := []PermissionOverwrite{
		{TargetType: OverwriteRole, TargetID: "0", Deny: PermSendMessages},
		{TargetType: OverwriteMember, TargetID: "member-a", Allow: PermSendMessages},
	}
	perms := CalculatePermissions([]uint32{0}, roles, overwrites, "member-a", nil, time.Unix(1700000000, 0))
	require.True(t, HasPermission(perms, PermSendMessages))
	require.True(t, HasPermission(perms, PermViewChannel))
}

func TestCalculatePermissionsTimeoutStripsWritePerms(t *testing.T) {
	roles := []RoleDefinition{
		{ID: 0, Permissions: PermViewChannel | PermSendMessages | PermAddReactions},
	}
	future := uint64(time.Unix(1700000000, 0).Add(time.Hour).Unix())
	perms := CalculatePermissions([]uint32{0}, roles, nil, "member-a", &future, time.Unix(1700000000, 0))
	require.False(t, HasPermission(perms, PermSendMessages))
	require.True(t, HasPermission(perms, PermViewChannel))
}

func TestCalculatePermissionsNoViewChannelZeroesEverything(t *testing.T) {
	roles := []RoleDefinition{
		{ID: 0, Permissions: PermSendMessages}, // no VIEW_CHANNEL
	}
	perms := CalculatePermissions([]uint32{0}, roles, nil, "member-a", nil, time.Unix(1700000000, 0))
	require.Equal(t, uint64(0), perms)
}

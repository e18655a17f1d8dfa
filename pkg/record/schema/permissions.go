package schema

import "time"

// Permission bit flags, Discord-aligned bit positions.
const (
	PermCreateInstantInvite uint64 = 1 << 0
	PermKickMembers         uint64 = 1 << 1
	PermBanMembers          uint64 = 1 << 2
	PermAdministrator       uint64 = 1 << 3
	PermManageChannels      uint64 = 1 << 4
	PermManageCommunity     uint64 = 1 << 5

	PermAddReactions       uint64 = 1 << 6
	PermViewAuditLog       uint64 = 1 << 7
	PermPrioritySpeaker    uint64 = 1 << 8
	PermStream             uint64 = 1 << 9
	PermViewChannel        uint64 = 1 << 10
	PermSendMessages       uint64 = 1 << 11
	PermManageMessages     uint64 = 1 << 13
	PermEmbedLinks         uint64 = 1 << 14
	PermAttachFiles        uint64 = 1 << 15
	PermReadMessageHistory uint64 = 1 << 16
	PermMentionEveryone    uint64 = 1 << 17
	PermUseExternalEmojis  uint64 = 1 << 18

	PermConnect      uint64 = 1 << 20
	PermSpeak        uint64 = 1 << 21
	PermMuteMembers  uint64 = 1 << 22
	PermDeafenMembers uint64 = 1 << 23
	PermMoveMembers  uint64 = 1 << 24
	PermUseVAD       uint64 = 1 << 25

	PermChangeNickname uint64 = 1 << 26
	PermManageNicknames uint64 = 1 << 27
	PermManageRoles    uint64 = 1 << 28

	PermManageThreads        uint64 = 1 << 34
	PermCreatePublicThreads  uint64 = 1 << 35
	PermCreatePrivateThreads uint64 = 1 << 36

	PermModerateMembers uint64 = 1 << 40
)

// HasPermission reports whether memberPermissions satisfies required,
// short-circuiting true if the member holds ADMINISTRATOR.
func HasPermission(memberPermissions, required uint64) bool {
	if memberPermissions&PermAdministrator != 0 {
		return true
	}
	return memberPermissions&required == required
}

// IsAdministrator reports whether perms includes ADMINISTRATOR.
func IsAdministrator(perms uint64) bool {
	return perms&PermAdministrator != 0
}

// EveryonePermissions is the default permission set for the @everyone
// role created alongside every new community.
func EveryonePermissions() uint64 {
	return PermViewChannel | PermReadMessageHistory | PermConnect | PermSendMessages |
		PermSpeak | PermAddReactions | PermEmbedLinks | PermAttachFiles |
		PermUseExternalEmojis | PermUseVAD | PermChangeNickname
}

// MemberPermissions is the default permission set for the Member role.
func MemberPermissions() uint64 {
	return EveryonePermissions() | PermCreateInstantInvite
}

// ModeratorPermissions is the default permission set for the Moderator role.
func ModeratorPermissions() uint64 {
	return MemberPermissions() | PermKickMembers | PermManageMessages |
		PermMuteMembers | PermDeafenMembers | PermModerateMembers
}

// AdminPermissions is the default permission set for the Admin role.
func AdminPermissions() uint64 {
	return ModeratorPermissions() | PermManageChannels | PermManageRoles |
		PermBanMembers | PermViewAuditLog | PermManageNicknames | PermManageCommunity
}

// AllPermissions is every defined permission bit OR'd together. Used in
// place of an all-ones mask to avoid sign/precision issues in any
// downstream JSON/SQLite encoding of the value.
func AllPermissions() uint64 {
	return PermCreateInstantInvite | PermKickMembers | PermBanMembers | PermAdministrator |
		PermManageChannels | PermManageCommunity | PermAddReactions | PermViewAuditLog |
		PermPrioritySpeaker | PermStream | PermViewChannel | PermSendMessages |
		PermManageMessages | PermEmbedLinks | PermAttachFiles | PermReadMessageHistory |
		PermMentionEveryone | PermUseExternalEmojis | PermConnect | PermSpeak |
		PermMuteMembers | PermDeafenMembers | PermMoveMembers | PermUseVAD |
		PermChangeNickname | PermManageNicknames | PermManageRoles | PermManageThreads |
		PermCreatePublicThreads | PermCreatePrivateThreads | PermModerateMembers
}

// OwnerPermissions is the default permission set for the Owner role:
// every defined permission bit.
func OwnerPermissions() uint64 {
	return AllPermissions()
}

// CalculatePermissions computes a member's effective permissions in a
// specific channel, following Discord's 8-step calculation:
//  1. Start from @everyone's base permissions.
//  2. OR in every other role the member holds.
//  3. ADMINISTRATOR short-circuits to all permissions.
//  4. Apply the channel's @everyone overwrite.
//  5. Accumulate then apply role-specific channel overwrites.
//  6. Apply the member-specific channel overwrite.
//  7. Strip write/voice permissions if timed out.
//  8. Zero everything if VIEW_CHANNEL is not set.
func CalculatePermissions(
	memberRoleIDs []uint32,
	allRoles []RoleDefinition,
	channelOverwrites []PermissionOverwrite,
	memberPseudonymHex string,
	timeoutUntil *uint64,
	now time.Time,
) uint64 {
	var everyonePerms uint64
	for _, r := range allRoles {
		if r.ID == RoleEveryoneID {
			everyonePerms = r.Permissions
			break
		}
	}

	basePermissions := everyonePerms
	for _, roleID := range memberRoleIDs {
		if roleID == RoleEveryoneID {
			continue
		}
		for _, r := range allRoles {
			if r.ID == roleID {
				basePermissions |= r.Permissions
				break
			}
		}
	}

	if IsAdministrator(basePermissions) {
		return AllPermissions()
	}

	permissions := basePermissions

	if len(channelOverwrites) > 0 {
		everyoneIDStr := "0"
		for _, ow := range channelOverwrites {
			if ow.TargetType == OverwriteRole && ow.TargetID == everyoneIDStr {
				permissions &^= ow.Deny
				permissions |= ow.Allow
			}
		}

		var roleAllow, roleDeny uint64
		for _, ow := range channelOverwrites {
			if ow.TargetType != OverwriteRole {
				continue
			}
			roleID, ok := parseRoleID(ow.TargetID)
			if !ok || roleID == RoleEveryoneID {
				continue
			}
			if containsRole(memberRoleIDs, roleID) {
				roleAllow |= ow.Allow
				roleDeny |= ow.Deny
			}
		}
		permissions &^= roleDeny
		permissions |= roleAllow

		for _, ow := range channelOverwrites {
			if ow.TargetType == OverwriteMember && ow.TargetID == memberPseudonymHex {
				permissions &^= ow.Deny
				permissions |= ow.Allow
			}
		}
	}

	if timeoutUntil != nil && now.Unix() < int64(*timeoutUntil) {
		permissions &^= PermSendMessages | PermAddReactions | PermSpeak | PermStream | PermCreateInstantInvite
	}

	if permissions&PermViewChannel == 0 {
		permissions = 0
	}

	return permissions
}

func containsRole(ids []uint32, id uint32) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func parseRoleID(s string) (uint32, bool) {
	var n uint64
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
	}
	return uint32(n), true
}

// Package permissions ranks chat members by the admin rights the guard cares about.
package permissions

import api "github.com/OvyFlash/telegram-bot-api"

// Role orders what a member may do through bot commands. A higher role includes
// every lower one.
type Role int

const (
	RoleMember Role = iota
	// RoleModerator may warn, mute, ban and schedule chat automation.
	RoleModerator
	// RoleManager may also change the chat's rules and antispam limits.
	RoleManager
)

func (r Role) String() string {
	switch r {
	case RoleModerator:
		return "moderator"
	case RoleManager:
		return "manager"
	}
	return "member"
}

func (r Role) Allows(required Role) bool {
	return r >= required
}

// RoleOf ranks member. The creator and admins who can manage the chat or promote
// members are managers. Admins who can restrict members are moderators.
func RoleOf(member *api.ChatMember) Role {
	if member == nil {
		return RoleMember
	}
	if member.IsCreator() {
		return RoleManager
	}
	if !member.IsAdministrator() {
		return RoleMember
	}
	if member.CanManageChat || member.CanPromoteMembers {
		return RoleManager
	}
	if member.CanRestrictMembers {
		return RoleModerator
	}
	return RoleMember
}

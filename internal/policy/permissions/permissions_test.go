package permissions

import (
	"testing"

	api "github.com/OvyFlash/telegram-bot-api"
)

func TestRoleOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		member *api.ChatMember
		want   Role
	}{
		{name: "nil", member: nil, want: RoleMember},
		{name: "member", member: &api.ChatMember{Status: "member"}, want: RoleMember},
		{name: "member with stale rights", member: &api.ChatMember{Status: "restricted", CanRestrictMembers: true}, want: RoleMember},
		{name: "creator", member: &api.ChatMember{Status: "creator"}, want: RoleManager},
		{name: "admin without rights", member: &api.ChatMember{Status: "administrator"}, want: RoleMember},
		{name: "restricting admin", member: &api.ChatMember{Status: "administrator", CanRestrictMembers: true}, want: RoleModerator},
		{name: "managing admin", member: &api.ChatMember{Status: "administrator", CanManageChat: true}, want: RoleManager},
		{name: "promoting admin", member: &api.ChatMember{Status: "administrator", CanPromoteMembers: true}, want: RoleManager},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := RoleOf(tt.member); got != tt.want {
				t.Fatalf("RoleOf = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRoleAllows(t *testing.T) {
	t.Parallel()

	if !RoleManager.Allows(RoleModerator) || !RoleModerator.Allows(RoleModerator) {
		t.Fatalf("higher roles must include lower ones")
	}
	if RoleModerator.Allows(RoleManager) || RoleMember.Allows(RoleModerator) {
		t.Fatalf("lower roles must not include higher ones")
	}
}

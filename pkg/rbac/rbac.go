// Package rbac maps room roles to the actions they may take.
package rbac

import "github.com/NicolasHaas/gojam/pkg/model"

// Permission is a room action that can be checked against a role.
type Permission int

const (
	PermChat Permission = iota
	PermControlMetronome
	PermScreenShare
	PermChangeRoles
	PermToggleSFU
)

// permissionMatrix maps roles to their allowed permissions.
var permissionMatrix = map[model.Role]map[Permission]bool{
	model.RoleHost: {
		PermChat:             true,
		PermControlMetronome: true,
		PermScreenShare:      true,
		PermChangeRoles:      true,
		PermToggleSFU:        true,
	},
	model.RolePerformer: {
		PermChat:             true,
		PermControlMetronome: true,
		PermScreenShare:      true,
	},
	model.RoleListener: {
		PermChat: true,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role model.Role, perm Permission) bool {
	perms, ok := permissionMatrix[role]
	if !ok {
		return false
	}
	return perms[perm]
}

// RequirePermission returns an error message if the role lacks the permission, or empty string if allowed.
func RequirePermission(role model.Role, perm Permission) string {
	if HasPermission(role, perm) {
		return ""
	}
	return "permission denied: " + perm.String() + " requires a higher role than " + role.String()
}

func (p Permission) String() string {
	switch p {
	case PermChat:
		return "chat"
	case PermControlMetronome:
		return "control_metronome"
	case PermScreenShare:
		return "screen_share"
	case PermChangeRoles:
		return "change_roles"
	case PermToggleSFU:
		return "toggle_sfu"
	default:
		return "unknown"
	}
}

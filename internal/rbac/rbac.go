package rbac

type Role string
type Action string

const (
	RoleGuest  Role = "guest"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

const (
	// ActionView covers joining a project room and receiving its events.
	ActionView Action = "view"
	// ActionEdit covers announcing edits (start/stop editing presence).
	ActionEdit Action = "edit"
	// ActionManage covers project-wide operations such as reading other users' sessions.
	ActionManage Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionView || action == ActionEdit
	case RoleGuest:
		return action == ActionView
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleGuest, RoleMember, RoleAdmin:
		return Role(role)
	default:
		return RoleGuest
	}
}

package rbac

type Role string
type Action string

const (
	RoleUser   Role = "user"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	// ActionRead and ActionWrite apply to books and projects the caller owns.
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	// ActionEditAny allows editing split files of books owned by other users.
	ActionEditAny Action = "edit_any"
	// ActionViewAll allows listing every book and project.
	ActionViewAll Action = "view_all"
	ActionAdmin   Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite || action == ActionEditAny
	case RoleUser:
		return action == ActionRead || action == ActionWrite
	default:
		return false
	}
}

// Normalize maps unknown or empty roles to RoleUser.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}

func Valid(role string) bool {
	switch Role(role) {
	case RoleUser, RoleEditor, RoleAdmin:
		return true
	default:
		return false
	}
}

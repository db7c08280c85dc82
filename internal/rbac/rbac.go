package rbac

type Role string
type Action string

const (
	RoleClient   Role = "client"
	RoleReviewer Role = "reviewer"
	RoleAdmin    Role = "admin"
	RoleNone     Role = "none"
)

const (
	ActionRead         Action = "read"
	ActionComment      Action = "comment"
	ActionCreate       Action = "create"
	ActionInternalNote Action = "internal_note"
	ActionTransition   Action = "transition"
	ActionAssign       Action = "assign"
	ActionReports      Action = "reports"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleReviewer:
		return action == ActionRead || action == ActionComment || action == ActionInternalNote || action == ActionTransition
	case RoleClient:
		return action == ActionRead || action == ActionComment || action == ActionCreate
	default:
		return false
	}
}

// Staff roles see internal messages; everyone else gets the restricted view.
func IsStaff(role Role) bool {
	return role == RoleAdmin || role == RoleReviewer
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleClient, RoleReviewer, RoleAdmin:
		return Role(role)
	default:
		return RoleNone
	}
}

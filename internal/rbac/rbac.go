package rbac

type Role string
type Action string

const (
	RoleAnnotator Role = "annotator"
	RoleAdmin     Role = "admin"
)

const (
	ActionAnnotate    Action = "annotate"
	ActionReview      Action = "review"
	ActionAssign      Action = "assign"
	ActionManageUsers Action = "manage-users"
	ActionIngest      Action = "ingest"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleAnnotator:
		return action == ActionAnnotate
	default:
		return false
	}
}

func ForSuperuser(superuser bool) Role {
	if superuser {
		return RoleAdmin
	}
	return RoleAnnotator
}

package rbac

type Role string
type Action string

// Roles stored in user_roles. Every authenticated account is implicitly RoleUser.
const (
	RoleUser        Role = "user"
	RolePremiumComp Role = "premium_comp"
	RoleAdmin       Role = "admin"
)

const (
	ActionRead          Action = "read"
	ActionWrite         Action = "write"
	ActionBypassBilling Action = "bypass_billing"
	ActionAdmin         Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RolePremiumComp:
		return action == ActionRead || action == ActionWrite || action == ActionBypassBilling
	case RoleUser:
		return action == ActionRead || action == ActionWrite
	default:
		return false
	}
}

// CanAny reports whether any of the given roles permits action.
func CanAny(roles []Role, action Action) bool {
	if Can(RoleUser, action) {
		return true
	}
	for _, role := range roles {
		if Can(role, action) {
			return true
		}
	}
	return false
}

// Elevated reports whether roles grant subscription access without billing.
func Elevated(roles []Role) bool {
	for _, role := range roles {
		if Can(role, ActionBypassBilling) {
			return true
		}
	}
	return false
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RolePremiumComp, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}

// Valid reports whether role is one that can be granted.
func Valid(role string) bool {
	switch Role(role) {
	case RolePremiumComp, RoleAdmin:
		return true
	default:
		return false
	}
}

func NormalizeAll(roles []string) []Role {
	out := make([]Role, 0, len(roles))
	for _, role := range roles {
		out = append(out, Normalize(role))
	}
	return out
}

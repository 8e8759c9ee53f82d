package rbac

import "sort"

// Role is an identity group name.
type Role string
type Action string

const (
	RoleMember    Role = "member"
	RoleCanvasser Role = "canvasser"
	RoleOrganizer Role = "organizer"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionCanvass  Action = "canvass"
	ActionOrganize Action = "organize"
	ActionAdmin    Action = "admin"
)

var rank = map[Role]int{
	RoleMember:    1,
	RoleCanvasser: 2,
	RoleOrganizer: 3,
	RoleAdmin:     4,
}

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleOrganizer:
		return action == ActionRead || action == ActionCanvass || action == ActionOrganize
	case RoleCanvasser:
		return action == ActionRead || action == ActionCanvass
	case RoleMember:
		return action == ActionRead
	default:
		return false
	}
}

// CanAny reports whether any of the groups grants action.
func CanAny(groups []string, action Action) bool {
	for _, g := range groups {
		if Can(Role(g), action) {
			return true
		}
	}
	return false
}

func Valid(group string) bool {
	_, ok := rank[Role(group)]
	return ok
}

// Highest returns the most privileged known group, or RoleMember.
func Highest(groups []string) Role {
	best := RoleMember
	for _, g := range groups {
		if rank[Role(g)] > rank[best] {
			best = Role(g)
		}
	}
	return best
}

// Known filters groups down to recognised roles, sorted by privilege.
func Known(groups []string) []string {
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		if Valid(g) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return rank[Role(out[i])] > rank[Role(out[j])] })
	return out
}

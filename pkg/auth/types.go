package auth

import "fmt"

// Role represents a tenant-level role granted to a federated user
type Role string

const (
	RoleAdmin  Role = "admin"  // Full access to the tenant
	RoleEditor Role = "editor" // Can modify tenant resources
	RoleViewer Role = "viewer" // Read-only access
)

// rolePrivilege orders roles by privilege; higher wins when several
// IdP groups map to different roles.
var rolePrivilege = map[Role]int{
	RoleViewer: 1,
	RoleEditor: 2,
	RoleAdmin:  3,
}

// ParseRole validates a role string
func ParseRole(s string) (Role, error) {
	role := Role(s)
	if _, ok := rolePrivilege[role]; !ok {
		return "", fmt.Errorf("unknown role: %q", s)
	}
	return role, nil
}

// IsValid reports whether the role is a known role
func (r Role) IsValid() bool {
	_, ok := rolePrivilege[r]
	return ok
}

// Outranks reports whether r carries strictly more privilege than other
func (r Role) Outranks(other Role) bool {
	return rolePrivilege[r] > rolePrivilege[other]
}

// HighestRole returns the most privileged role in the list, or "" when
// the list contains no valid role.
func HighestRole(roles []Role) Role {
	var best Role
	for _, r := range roles {
		if !r.IsValid() {
			continue
		}
		if best == "" || r.Outranks(best) {
			best = r
		}
	}
	return best
}

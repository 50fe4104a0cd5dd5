// Package policy maps authenticated roles to the operations they may perform.
// Authorization is deny-by-default: an unknown role or permission is denied.
package policy

import (
	"fmt"
	"sort"
)

// Role is an authenticated caller's role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
	RoleAgent    Role = "agent"
)

// Permission names one guarded operation.
type Permission string

const (
	PermTasksCreate Permission = "tasks.create"
	PermTasksClaim  Permission = "tasks.claim"
	PermTasksUpdate Permission = "tasks.update"
	PermTasksCancel Permission = "tasks.cancel"
	PermTasksRead   Permission = "tasks.read"

	PermEventsRead  Permission = "events.read"
	PermEventsWrite Permission = "events.write"

	PermAgentsRegister  Permission = "agents.register"
	PermAgentsHeartbeat Permission = "agents.heartbeat"
	PermAgentsRead      Permission = "agents.read"

	PermAuditRead   Permission = "audit.read"
	PermAuditVerify Permission = "audit.verify"
)

var allPermissions = []Permission{
	PermTasksCreate, PermTasksClaim, PermTasksUpdate, PermTasksCancel, PermTasksRead,
	PermEventsRead, PermEventsWrite,
	PermAgentsRegister, PermAgentsHeartbeat, PermAgentsRead,
	PermAuditRead, PermAuditVerify,
}

var rolePermissions = map[Role]map[Permission]struct{}{
	RoleAdmin: permSet(allPermissions...),
	RoleOperator: permSet(
		PermTasksCreate, PermTasksCancel, PermTasksRead,
		PermEventsRead, PermAgentsRead, PermAuditRead, PermAuditVerify,
	),
	RoleViewer: permSet(
		PermTasksRead, PermEventsRead, PermAgentsRead,
	),
	RoleAgent: permSet(
		PermTasksClaim, PermTasksUpdate, PermTasksRead,
		PermEventsRead, PermEventsWrite,
		PermAgentsRegister, PermAgentsHeartbeat, PermAgentsRead,
	),
}

func permSet(perms ...Permission) map[Permission]struct{} {
	set := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// ParseRole validates a role name from config or a token entry.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := rolePermissions[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Valid reports whether r is a recognized role.
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// Allowed reports whether role holds the permission.
func Allowed(role Role, perm Permission) bool {
	set, ok := rolePermissions[role]
	if !ok {
		return false
	}
	_, ok = set[perm]
	return ok
}

// Permissions returns the role's permissions in sorted order.
func Permissions(role Role) []Permission {
	set, ok := rolePermissions[role]
	if !ok {
		return nil
	}
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

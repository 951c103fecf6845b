package task

import "fmt"

// Role identifies which agent archetype is acting on a task.
type Role string

const (
	RoleRouter      Role = "router"
	RolePlanner     Role = "planner"
	RoleImplementer Role = "implementer"
	RoleReviewer    Role = "reviewer"
	RoleQaExecutor  Role = "qa_executor"
)

// roleLimits caps how many agents of each role may be scheduled concurrently,
// daemon-wide. Enforced before a scheduler request is enqueued.
var roleLimits = map[Role]int{
	RoleRouter:      1,
	RolePlanner:     1,
	RoleImplementer: 3,
	RoleReviewer:    2,
	RoleQaExecutor:  2,
}

// MaxConcurrency returns the daemon-wide concurrency cap for the role.
// Unknown roles get 0: they cannot be scheduled at all.
func (r Role) MaxConcurrency() int {
	return roleLimits[r]
}

// CanWrite reports whether the role may cause file-mutating tool calls.
func (r Role) CanWrite() bool {
	return r == RoleImplementer
}

// ParseRole converts a wire string into a Role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleRouter, RolePlanner, RoleImplementer, RoleReviewer, RoleQaExecutor:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown agent role %q", s)
}

// Roles lists every known role in a stable order.
func Roles() []Role {
	return []Role{RoleRouter, RolePlanner, RoleImplementer, RoleReviewer, RoleQaExecutor}
}

// WriteAllowed reports whether a file-mutating tool call is permitted for the
// given role on a task in the given status. Only implementers may write, and
// only while the task is claimed or actively being worked.
func WriteAllowed(status Status, role Role) bool {
	if !role.CanWrite() {
		return false
	}
	return status == StatusActive || status == StatusClaimed
}

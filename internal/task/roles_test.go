package task_test

import (
	"testing"

	"github.com/crewline/crewd/internal/task"
)

func TestRoleConcurrencyCaps(t *testing.T) {
	want := map[task.Role]int{
		task.RoleRouter:      1,
		task.RolePlanner:     1,
		task.RoleImplementer: 3,
		task.RoleReviewer:    2,
		task.RoleQaExecutor:  2,
	}
	for role, limit := range want {
		if got := role.MaxConcurrency(); got != limit {
			t.Errorf("%s.MaxConcurrency() = %d, want %d", role, got, limit)
		}
	}
	if got := task.Role("intern").MaxConcurrency(); got != 0 {
		t.Errorf("unknown role concurrency = %d, want 0", got)
	}
}

func TestOnlyImplementerWrites(t *testing.T) {
	for _, role := range task.Roles() {
		want := role == task.RoleImplementer
		if got := role.CanWrite(); got != want {
			t.Errorf("%s.CanWrite() = %v, want %v", role, got, want)
		}
	}
}

func TestWriteAllowed(t *testing.T) {
	cases := []struct {
		status task.Status
		role   task.Role
		want   bool
	}{
		{task.StatusActive, task.RoleImplementer, true},
		{task.StatusClaimed, task.RoleImplementer, true},
		{task.StatusBlocked, task.RoleImplementer, false},
		{task.StatusDone, task.RoleImplementer, false},
		{task.StatusActive, task.RoleReviewer, false},
		{task.StatusActive, task.RolePlanner, false},
		{task.StatusClaimed, task.RoleQaExecutor, false},
	}
	for _, tc := range cases {
		if got := task.WriteAllowed(tc.status, tc.role); got != tc.want {
			t.Errorf("WriteAllowed(%s, %s) = %v, want %v", tc.status, tc.role, got, tc.want)
		}
	}
}

func TestParseRole(t *testing.T) {
	role, err := task.ParseRole("implementer")
	if err != nil {
		t.Fatalf("ParseRole: %v", err)
	}
	if role != task.RoleImplementer {
		t.Fatalf("ParseRole = %s", role)
	}
	if _, err := task.ParseRole("wizard"); err == nil {
		t.Fatal("ParseRole(wizard) succeeded, want error")
	}
}

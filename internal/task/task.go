// Package task defines the task domain model: statuses, event kinds, agent
// roles, the transition table, and the fold that derives status from an
// event sequence. The event log is the source of truth; everything here is
// a pure function over it.
package task

import (
	"fmt"
	"time"
)

// Status is the derived lifecycle state of a task.
type Status string

const (
	StatusCreated       Status = "CREATED"
	StatusPlanned       Status = "PLANNED"
	StatusClaimed       Status = "CLAIMED"
	StatusActive        Status = "ACTIVE"
	StatusBlocked       Status = "BLOCKED"
	StatusNeedsApproval Status = "NEEDS_APPROVAL"
	StatusCodeReview    Status = "CODE_REVIEW"
	StatusQa            Status = "QA"
	StatusDone          Status = "DONE"
	StatusCanceled      Status = "CANCELED"
	StatusFailed        Status = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusCanceled, StatusFailed:
		return true
	}
	return false
}

// ParseStatus converts a wire string into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusCreated, StatusPlanned, StatusClaimed, StatusActive, StatusBlocked,
		StatusNeedsApproval, StatusCodeReview, StatusQa, StatusDone, StatusCanceled, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusCreated: {
		StatusPlanned:  {},
		StatusClaimed:  {}, // Router may skip planning for trivial tasks.
		StatusCanceled: {},
		StatusFailed:   {},
	},
	StatusPlanned: {
		StatusClaimed:  {},
		StatusCanceled: {},
		StatusFailed:   {},
	},
	StatusClaimed: {
		StatusActive:   {},
		StatusBlocked:  {},
		StatusCanceled: {},
		StatusFailed:   {},
	},
	StatusActive: {
		StatusBlocked:       {},
		StatusNeedsApproval: {},
		StatusCodeReview:    {},
		StatusQa:            {},
		StatusDone:          {},
		StatusCanceled:      {},
		StatusFailed:        {},
	},
	StatusBlocked: {
		StatusActive:   {},
		StatusCanceled: {},
		StatusFailed:   {},
	},
	StatusNeedsApproval: {
		StatusActive:   {},
		StatusBlocked:  {},
		StatusCanceled: {},
		StatusFailed:   {},
	},
	StatusCodeReview: {
		StatusActive:   {}, // Review requested changes.
		StatusQa:       {},
		StatusCanceled: {},
		StatusFailed:   {},
	},
	StatusQa: {
		StatusActive:     {}, // QA found regressions.
		StatusCodeReview: {},
		StatusDone:       {},
		StatusCanceled:   {},
		StatusFailed:     {},
	},
}

// CanTransition reports whether moving from one status to another is legal.
// Callers validate before appending the event; the log itself never rejects.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Kind tags a task event.
type Kind string

const (
	KindTaskCreated       Kind = "task.created"
	KindTaskPlanned       Kind = "task.planned"
	KindTaskClaimed       Kind = "task.claimed"
	KindTaskActive        Kind = "task.active"
	KindTaskBlocked       Kind = "task.blocked"
	KindTaskNeedsApproval Kind = "task.needs_approval"
	KindTaskCodeReview    Kind = "task.code_review"
	KindTaskQa            Kind = "task.qa"
	KindTaskDone          Kind = "task.done"
	KindTaskCanceled      Kind = "task.canceled"
	KindTaskFailed        Kind = "task.failed"
	KindToolCalled        Kind = "tool.called"
	KindToolResult        Kind = "tool.result"
	KindCheckpointCreated Kind = "checkpoint.created"
	KindApprovalRequested Kind = "approval.requested"
	KindApprovalGranted   Kind = "approval.granted"
	KindApprovalDenied    Kind = "approval.denied"
)

// statusFor maps status-bearing event kinds to the status they yield.
// Kinds absent here (tool calls, checkpoints, approvals) never change status.
var statusFor = map[Kind]Status{
	KindTaskCreated:       StatusCreated,
	KindTaskPlanned:       StatusPlanned,
	KindTaskClaimed:       StatusClaimed,
	KindTaskActive:        StatusActive,
	KindTaskBlocked:       StatusBlocked,
	KindTaskNeedsApproval: StatusNeedsApproval,
	KindTaskCodeReview:    StatusCodeReview,
	KindTaskQa:            StatusQa,
	KindTaskDone:          StatusDone,
	KindTaskCanceled:      StatusCanceled,
	KindTaskFailed:        StatusFailed,
}

// ValidKind reports whether k is a known event kind.
func ValidKind(k Kind) bool {
	if _, ok := statusFor[k]; ok {
		return true
	}
	switch k {
	case KindToolCalled, KindToolResult, KindCheckpointCreated,
		KindApprovalRequested, KindApprovalGranted, KindApprovalDenied:
		return true
	}
	return false
}

// StatusKind returns the event kind that moves a task into the given status.
func StatusKind(s Status) (Kind, bool) {
	for k, st := range statusFor {
		if st == s {
			return k, true
		}
	}
	return "", false
}

// KindStatus returns the status a status-bearing kind yields, if any.
func KindStatus(k Kind) (Status, bool) {
	s, ok := statusFor[k]
	return s, ok
}

// Event is one immutable record in a task's log.
type Event struct {
	TaskID        string    `json:"task_id"`
	Seq           int64     `json:"seq"`
	At            time.Time `json:"at"`
	Actor         string    `json:"actor"`
	CorrelationID string    `json:"correlation_id"`
	Kind          Kind      `json:"kind"`
	Payload       string    `json:"payload,omitempty"`
}

// Apply returns the status that results from applying one event kind to the
// current status. Total: non-status kinds and any event on a terminal task
// leave the status unchanged.
func Apply(current Status, kind Kind) Status {
	next, ok := statusFor[kind]
	if !ok {
		return current
	}
	if current.Terminal() {
		return current
	}
	return next
}

// Fold derives the current status from an ordered event sequence. Replaying
// the same sequence always yields the same status.
func Fold(events []Event) Status {
	var status Status
	for _, ev := range events {
		status = Apply(status, ev.Kind)
	}
	return status
}

// Snapshot is a derived view of a task at a point in its log.
type Snapshot struct {
	TaskID    string    `json:"task_id"`
	Status    Status    `json:"status"`
	Seq       int64     `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BlockedError reports that a task is blocked and when work may resume.
// Recoverable: callers wait RetryAfter and re-check rather than failing the task.
type BlockedError struct {
	TaskID     string
	Reason     string
	RetryAfter time.Duration
}

func (e *BlockedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("task %s blocked: %s (retry after %s)", e.TaskID, e.Reason, e.RetryAfter)
	}
	return fmt.Sprintf("task %s blocked: %s", e.TaskID, e.Reason)
}

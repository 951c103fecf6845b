// Package approval implements the human-in-the-loop gate for risky tool
// calls. A requesting agent blocks on a channel until an operator decides,
// the timeout auto-denies, or the task is abandoned. Every request and
// decision is durable and lands in the task's event log.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewline/crewd/internal/bus"
	"github.com/crewline/crewd/internal/eventlog"
	"github.com/crewline/crewd/internal/shared"
	"github.com/crewline/crewd/internal/task"
)

// DefaultTimeout is how long a request stays open before it is denied.
const DefaultTimeout = 60 * time.Second

// ErrApprovalDenied is returned to callers whose request was denied, timed
// out, or was abandoned with the task.
var ErrApprovalDenied = errors.New("approval denied")

// Request describes one tool call awaiting a decision.
type Request struct {
	TaskID  string
	AgentID string
	Tool    string
	Risk    string
	Reason  string
}

// Decision is the outcome of a request.
type Decision struct {
	ApprovalID string
	Approved   bool
	DecidedBy  string
	Reason     string
}

type pending struct {
	rec      eventlog.ApprovalRecord
	decision Decision
	done     chan struct{}
}

// Broker owns pending approvals. Requesters block; resolvers (operator RPC,
// timeout, task abandonment) close the requester's done channel.
type Broker struct {
	store   *eventlog.Store
	bus     *bus.Bus
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pending
}

func NewBroker(store *eventlog.Store, eventBus *bus.Bus, timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker{
		store:   store,
		bus:     eventBus,
		timeout: timeout,
		pending: make(map[string]*pending),
	}
}

// Ask records the request and blocks until it is decided. The calling
// agent's context carries the actor for the event log. Returns
// ErrApprovalDenied (wrapped with the reason) unless the request was
// granted.
func (b *Broker) Ask(ctx context.Context, req Request) (Decision, error) {
	if req.TaskID == "" || req.Tool == "" {
		return Decision{}, fmt.Errorf("approval ask: task_id and tool are required")
	}

	approvalID := uuid.NewString()
	expires := time.Now().UTC().Add(b.timeout)
	rec := eventlog.ApprovalRecord{
		ApprovalID: approvalID,
		TaskID:     req.TaskID,
		AgentID:    req.AgentID,
		Tool:       req.Tool,
		Risk:       req.Risk,
		Reason:     req.Reason,
		ExpiresAt:  &expires,
	}
	if err := b.store.InsertApproval(ctx, rec); err != nil {
		return Decision{}, err
	}

	payload := task.MarshalPayload(task.ApprovalPayload{
		ApprovalID: approvalID,
		Tool:       req.Tool,
		Risk:       req.Risk,
	})
	if _, err := b.store.Append(ctx, req.TaskID, task.KindApprovalRequested, payload); err != nil {
		return Decision{}, fmt.Errorf("record approval request: %w", err)
	}

	p := &pending{rec: rec, done: make(chan struct{})}
	b.mu.Lock()
	b.pending[approvalID] = p
	b.mu.Unlock()

	if b.bus != nil {
		b.bus.Publish(bus.TopicApprovalRequired, bus.ApprovalRequiredMsg{
			ApprovalID: approvalID,
			TaskID:     req.TaskID,
			AgentID:    req.AgentID,
			Tool:       req.Tool,
			Risk:       req.Risk,
			ExpiresAt:  expires,
		})
	}
	go b.timeoutDeny(approvalID)

	select {
	case <-p.done:
		b.mu.Lock()
		decision := p.decision
		delete(b.pending, approvalID)
		b.mu.Unlock()
		if !decision.Approved {
			return decision, fmt.Errorf("%w: %s", ErrApprovalDenied, decision.Reason)
		}
		return decision, nil
	case <-ctx.Done():
		// The timeout goroutine will deny the orphaned record.
		return Decision{ApprovalID: approvalID}, ctx.Err()
	}
}

// Resolve decides a pending request. decidedBy is the operator identity (or
// the daemon, for timeouts and abandonment). Double resolution returns
// eventlog.ErrApprovalResolved and the first decision stands.
func (b *Broker) Resolve(ctx context.Context, approvalID string, approve bool, decidedBy, reason string) error {
	if err := b.store.ResolveApproval(ctx, approvalID, approve, decidedBy, reason); err != nil {
		return err
	}

	rec, err := b.store.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}

	kind := task.KindApprovalDenied
	if approve {
		kind = task.KindApprovalGranted
	}
	payload := task.MarshalPayload(task.ApprovalPayload{
		ApprovalID: approvalID,
		Tool:       rec.Tool,
		Risk:       rec.Risk,
		DecidedBy:  decidedBy,
		Reason:     reason,
	})
	eventCtx := shared.WithActor(ctx, decidedBy)
	if _, err := b.store.Append(eventCtx, rec.TaskID, kind, payload); err != nil {
		slog.Warn("record approval decision failed", "approval_id", approvalID, "error", err)
	}

	b.mu.Lock()
	if p, ok := b.pending[approvalID]; ok {
		p.decision = Decision{ApprovalID: approvalID, Approved: approve, DecidedBy: decidedBy, Reason: reason}
		select {
		case <-p.done:
		default:
			close(p.done)
		}
	}
	b.mu.Unlock()

	if b.bus != nil {
		b.bus.Publish(bus.TopicApprovalResolved, bus.ApprovalResolvedMsg{
			ApprovalID: approvalID,
			TaskID:     rec.TaskID,
			Approved:   approve,
			DecidedBy:  decidedBy,
			Reason:     reason,
		})
	}
	return nil
}

// timeoutDeny denies the request when its window lapses. A request that was
// already decided is left alone.
func (b *Broker) timeoutDeny(approvalID string) {
	time.Sleep(b.timeout)
	err := b.Resolve(context.Background(), approvalID, false, shared.DaemonActor, "approval timed out")
	if err != nil && !errors.Is(err, eventlog.ErrApprovalResolved) {
		slog.Warn("approval timeout denial failed", "approval_id", approvalID, "error", err)
		return
	}
	if err == nil {
		slog.Info("approval auto-denied on timeout", "approval_id", approvalID)
	}
}

// AbandonTask denies every pending approval for a task. Called when the
// task leaves the running states (canceled, failed). Returns the number of
// approvals denied.
func (b *Broker) AbandonTask(ctx context.Context, taskID, reason string) int {
	b.mu.Lock()
	var ids []string
	for id, p := range b.pending {
		if p.rec.TaskID == taskID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	n := 0
	for _, id := range ids {
		err := b.Resolve(ctx, id, false, shared.DaemonActor, reason)
		if err != nil && !errors.Is(err, eventlog.ErrApprovalResolved) {
			slog.Warn("abandon approval failed", "approval_id", id, "error", err)
			continue
		}
		if err == nil {
			n++
		}
	}
	return n
}

// Pending lists undecided approvals from the store.
func (b *Broker) Pending(ctx context.Context) ([]eventlog.ApprovalRecord, error) {
	return b.store.ListApprovals(ctx, eventlog.ApprovalPending)
}

// PendingCount returns the number of requests currently blocking an agent.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

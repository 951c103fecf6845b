package shared

import (
	"context"

	"github.com/google/uuid"
)

type correlationKey struct{}
type actorKey struct{}
type taskIDKey struct{}
type agentIDKey struct{}

// DaemonActor is the actor recorded on events the daemon emits on its own
// behalf (sweeps, recovery, timeouts).
const DaemonActor = "daemon"

// WithCorrelationID attaches a correlation_id to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID extracts the correlation_id from context. Returns "-" if absent.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewCorrelationID generates a fresh correlation_id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// WithActor attaches the acting principal (agent id, "user", or "daemon").
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor extracts the acting principal from context. Returns DaemonActor if absent.
func Actor(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return DaemonActor
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts the task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithAgentID attaches an agent_id to the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// AgentID extracts the agent_id from context. Returns "" if absent.
func AgentID(ctx context.Context) string {
	if v, ok := ctx.Value(agentIDKey{}).(string); ok {
		return v
	}
	return ""
}

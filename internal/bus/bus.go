package bus

import (
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Topics. Subscribers match by prefix, so "task." catches every task topic.
const (
	TopicTaskEvent          = "task.event"
	TopicTaskStatusChanged  = "task.status_changed"
	TopicApprovalRequired   = "approval.required"
	TopicApprovalResolved   = "approval.resolved"
	TopicSchedulerDispatch  = "scheduler.dispatch"
	TopicSchedulerExhausted = "scheduler.exhausted"
	TopicPolicyViolation    = "policy.violation"
	TopicDeadLetterParked   = "deadletter.parked"
)

// TaskEventMsg is published for every event appended to a task's log.
type TaskEventMsg struct {
	TaskID string
	Seq    int64
	Kind   string
	Actor  string
	At     time.Time
}

// StatusChangedMsg is published when a fold over a task's log yields a new status.
type StatusChangedMsg struct {
	TaskID    string
	OldStatus string
	NewStatus string
}

// ApprovalRequiredMsg is published when a tool call is parked awaiting a human decision.
type ApprovalRequiredMsg struct {
	ApprovalID string
	TaskID     string
	AgentID    string
	Tool       string
	Risk       string
	ExpiresAt  time.Time
}

// ApprovalResolvedMsg is published when an approval is granted, rejected, or times out.
type ApprovalResolvedMsg struct {
	ApprovalID string
	TaskID     string
	Approved   bool
	DecidedBy  string
	Reason     string
}

// DispatchMsg is published when the scheduler hands a task to a provider account.
type DispatchMsg struct {
	TaskID    string
	AgentID   string
	AccountID string
	Provider  string
	Attempt   int
}

// ExhaustedMsg is published when no account has capacity for a request.
type ExhaustedMsg struct {
	TaskID   string
	Provider string
	RetryIn  time.Duration
}

// ViolationMsg is published when the policy engine blocks or fails a tool call.
type ViolationMsg struct {
	TaskID  string
	AgentID string
	Tool    string
	Kind    string
	Reason  string
}

// ParkedMsg is published when an undeliverable event lands in the dead letter table.
type ParkedMsg struct {
	ID       int64
	Topic    string
	Attempts int
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

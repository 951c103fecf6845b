// Package deadletter forwards task activity from the bus to an external
// delivery sink. A message that exhausts its retry budget is parked in the
// dead_letters table where an operator can inspect and replay it.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/crewline/crewd/internal/bus"
	"github.com/crewline/crewd/internal/eventlog"
	"github.com/crewline/crewd/internal/scheduler"
)

// Sink receives serialized bus events. Implementations deliver them to an
// external system: a webhook collaborator, a file, a broker.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, topic string, payload []byte) error
}

// Config tunes the delivery retry budget and which topics are forwarded.
type Config struct {
	Backoff     scheduler.Backoff
	MaxAttempts int
	TopicPrefix string
}

// Pump subscribes to the bus and pushes matching events through the sink.
type Pump struct {
	store *eventlog.Store
	bus   *bus.Bus
	sink  Sink
	cfg   Config
}

func New(store *eventlog.Store, eventBus *bus.Bus, sink Sink, cfg Config) *Pump {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "task."
	}
	cfg.Backoff = scheduler.NewBackoff(cfg.Backoff.Base, cfg.Backoff.Max)
	return &Pump{store: store, bus: eventBus, sink: sink, cfg: cfg}
}

// Start consumes bus events until the context is canceled. It blocks, so
// callers run it in its own goroutine.
func (p *Pump) Start(ctx context.Context) error {
	sub := p.bus.Subscribe(p.cfg.TopicPrefix)
	defer p.bus.Unsubscribe(sub)

	slog.Info("dead letter pump started", "sink", p.sink.Name(), "prefix", p.cfg.TopicPrefix)
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			p.forward(ctx, env)
		}
	}
}

// forward tries to deliver one event, sleeping out the backoff between
// attempts. On budget exhaustion the event parks; on shutdown mid-retry it
// parks too, so a sink outage across a restart loses nothing.
func (p *Pump) forward(ctx context.Context, env bus.Event) {
	if env.Topic == bus.TopicDeadLetterParked {
		return
	}
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		slog.Warn("dead letter pump marshal failed", "topic", env.Topic, "error", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				p.park(env.Topic, payload, attempt, lastErr)
				return
			case <-time.After(p.cfg.Backoff.Delay(env.Topic, attempt-1)):
			}
		}
		if lastErr = p.sink.Deliver(ctx, env.Topic, payload); lastErr == nil {
			return
		}
	}
	p.park(env.Topic, payload, p.cfg.MaxAttempts, lastErr)
}

func (p *Pump) park(topic string, payload []byte, attempts int, cause error) {
	reason := "delivery failed"
	if cause != nil {
		reason = cause.Error()
	}

	// The caller's context may already be dead; parking still has to land.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id, err := p.store.ParkDeadLetter(ctx, topic, string(payload), attempts, reason)
	if err != nil {
		slog.Error("dead letter park failed", "topic", topic, "error", err)
		return
	}
	p.bus.Publish(bus.TopicDeadLetterParked, bus.ParkedMsg{ID: id, Topic: topic, Attempts: attempts})
	slog.Warn("event parked as dead letter",
		"id", id, "topic", topic, "sink", p.sink.Name(), "attempts", attempts, "reason", reason)
}

// List returns parked messages that have not been replayed yet.
func (p *Pump) List(ctx context.Context) ([]eventlog.DeadLetter, error) {
	return p.store.ListDeadLetters(ctx, true)
}

// Retry re-delivers one parked message through the sink and stamps it
// replayed on success. A failed redelivery leaves the row untouched.
func (p *Pump) Retry(ctx context.Context, id int64) error {
	dl, err := p.store.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	if err := p.sink.Deliver(ctx, dl.Topic, []byte(dl.Payload)); err != nil {
		return fmt.Errorf("redeliver dead letter %d: %w", id, err)
	}
	if err := p.store.MarkDeadLetterRetried(ctx, id); err != nil {
		return err
	}
	slog.Info("dead letter replayed", "id", id, "topic", dl.Topic)
	return nil
}

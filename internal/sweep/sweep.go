// Package sweep runs the daemon's periodic maintenance: expired account
// blocks, orphaned approvals, checkpoint snapshots for open tasks, and
// retention cleanup. Sweeps are a low-frequency safety net behind the
// event-driven paths, never a replacement for them.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/crewline/crewd/internal/accounts"
	"github.com/crewline/crewd/internal/eventlog"
	"github.com/crewline/crewd/internal/shared"
	"github.com/crewline/crewd/internal/task"
)

// cronParser accepts standard 5-field expressions plus descriptors like
// @every 30s and @daily, which the default config uses.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Config holds the sweeper's dependencies and schedules.
type Config struct {
	Store *eventlog.Store
	Pool  *accounts.Pool

	UnblockSchedule    string
	CheckpointSchedule string
	RetentionSchedule  string

	RetentionTaskEventsDays int
	RetentionAuditLogDays   int
}

type job struct {
	name  string
	sched cronlib.Schedule
	fn    func(context.Context, time.Time)
}

// Sweeper owns one goroutine per schedule. Construct with New, then Start.
type Sweeper struct {
	store *eventlog.Store
	pool  *accounts.Pool
	cfg   Config

	jobs []job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New parses the configured schedules up front so a typo in the config
// fails at startup, not at the first tick.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("sweep: store is required")
	}
	s := &Sweeper{store: cfg.Store, pool: cfg.Pool, cfg: cfg}

	for _, spec := range []struct {
		name string
		expr string
		fn   func(context.Context, time.Time)
	}{
		{"unblock", cfg.UnblockSchedule, s.unblock},
		{"checkpoint", cfg.CheckpointSchedule, s.checkpoint},
		{"retention", cfg.RetentionSchedule, s.retention},
	} {
		if spec.expr == "" {
			continue
		}
		sched, err := cronParser.Parse(spec.expr)
		if err != nil {
			return nil, fmt.Errorf("sweep %s: parse schedule %q: %w", spec.name, spec.expr, err)
		}
		s.jobs = append(s.jobs, job{name: spec.name, sched: sched, fn: spec.fn})
	}
	return s, nil
}

// Start launches the sweep loops. They respect ctx for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.run(ctx, j)
	}
	slog.Info("sweeper started", "jobs", len(s.jobs))
}

// Stop cancels the loops and waits for them to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	slog.Info("sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context, j job) {
	defer s.wg.Done()
	for {
		next := j.sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case now := <-timer.C:
			j.fn(ctx, now)
		}
	}
}

// unblock lifts expired account blocks and auto-denies approvals whose
// requester is gone. Live approval requests time out in the broker; this
// catches rows orphaned by a crash.
func (s *Sweeper) unblock(ctx context.Context, now time.Time) {
	if s.pool != nil {
		if n := s.pool.UnblockExpired(ctx, now); n > 0 {
			slog.Info("accounts unblocked", "count", n)
		}
	}
	expired, err := s.store.ExpirePendingApprovals(ctx, now)
	if err != nil {
		slog.Error("approval expiry sweep failed", "error", err)
		return
	}
	for _, rec := range expired {
		slog.Warn("approval expired",
			"approval_id", rec.ApprovalID, "task_id", rec.TaskID, "tool", rec.Tool)
	}
}

// checkpoint appends a snapshot event to every open task that has advanced
// since its last checkpoint, keeping replays short after a restart.
func (s *Sweeper) checkpoint(ctx context.Context, now time.Time) {
	open, err := s.store.ListTasks(ctx)
	if err != nil {
		slog.Error("checkpoint sweep failed", "error", err)
		return
	}
	opCtx := shared.WithCorrelationID(shared.WithActor(ctx, shared.DaemonActor), shared.NewCorrelationID())
	var written int
	for _, snap := range open {
		if snap.Status.Terminal() {
			continue
		}
		tail, err := s.store.Events(ctx, snap.TaskID, snap.Seq-1)
		if err != nil {
			slog.Error("checkpoint sweep read failed", "task_id", snap.TaskID, "error", err)
			continue
		}
		if len(tail) > 0 && tail[len(tail)-1].Kind == task.KindCheckpointCreated {
			continue
		}
		if _, err := s.store.Checkpoint(opCtx, snap.TaskID); err != nil {
			slog.Error("checkpoint failed", "task_id", snap.TaskID, "error", err)
			continue
		}
		written++
	}
	if written > 0 {
		slog.Info("checkpoint sweep", "tasks", written)
	}
}

// retention purges old terminal-task events, audit rows, and resolved
// approvals per the configured windows.
func (s *Sweeper) retention(ctx context.Context, now time.Time) {
	res, err := s.store.RunRetention(ctx, s.cfg.RetentionTaskEventsDays, s.cfg.RetentionAuditLogDays)
	if err != nil {
		slog.Error("retention sweep failed", "error", err)
		return
	}
	if res.PurgedTaskEvents > 0 || res.PurgedAuditLogs > 0 || res.PurgedApprovals > 0 {
		slog.Info("retention sweep",
			"task_events", res.PurgedTaskEvents,
			"audit_logs", res.PurgedAuditLogs,
			"approvals", res.PurgedApprovals)
	}
}

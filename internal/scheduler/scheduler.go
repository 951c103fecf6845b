// Package scheduler admits provider turn requests, orders them by priority,
// and matches them against the rate-limited account pool. A single dispatch
// goroutine owns the queue; waiters block on a grant channel until dispatch,
// budget exhaustion, or cancellation. Role concurrency is enforced before a
// request is even admitted.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/crewline/crewd/internal/accounts"
	"github.com/crewline/crewd/internal/bus"
	"github.com/crewline/crewd/internal/config"
	"github.com/crewline/crewd/internal/provider"
	"github.com/crewline/crewd/internal/task"
)

// ErrQueueSaturated is returned when the queue is at depth: backpressure,
// try again later.
var ErrQueueSaturated = errors.New("scheduler queue saturated: backpressure applied")

// ErrSchedulerClosed is returned to waiters when the daemon shuts down.
var ErrSchedulerClosed = errors.New("scheduler closed")

// ErrTaskAbandoned is returned to waiters whose task was canceled or failed
// while their request was queued.
var ErrTaskAbandoned = errors.New("task abandoned")

// Config tunes dispatch behavior.
type Config struct {
	Backoff       Backoff
	Fallback      Fallback
	MaxAttempts   int
	MaxQueueDepth int
}

// ConfigFrom converts the daemon's scheduler settings.
func ConfigFrom(sc config.SchedulerConfig, fallbackProviders []string) (Config, error) {
	fb, err := ParseFallback(fallbackProviders)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Backoff:       NewBackoff(time.Duration(sc.BackoffBaseMS)*time.Millisecond, time.Duration(sc.BackoffMaxMS)*time.Millisecond),
		Fallback:      fb,
		MaxAttempts:   sc.MaxAttempts,
		MaxQueueDepth: sc.MaxQueueDepth,
	}, nil
}

// Status is the queue portion of the scheduler.status payload.
type Status struct {
	QueueLength  int   `json:"queue_length"`
	NextPriority int   `json:"queue_next_priority"`
	WaitingRetry int   `json:"waiting_retry"`
	Dispatched   int64 `json:"dispatched_total"`
	Exhausted    int64 `json:"exhausted_total"`
}

// Scheduler matches requests to accounts. Construct with New, then Start.
type Scheduler struct {
	pool *accounts.Pool
	bus  *bus.Bus
	cfg  Config

	queue *Queue
	gates map[task.Role]chan struct{}

	mu      sync.Mutex
	waiting map[string]*pending // parked for backoff, keyed by request id
	closed  bool

	wakeCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	dispatched atomic.Int64
	exhausted  atomic.Int64
}

func New(pool *accounts.Pool, eventBus *bus.Bus, cfg Config) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = 100
	}
	cfg.Backoff = NewBackoff(cfg.Backoff.Base, cfg.Backoff.Max)

	gates := make(map[task.Role]chan struct{})
	for _, r := range task.Roles() {
		gates[r] = make(chan struct{}, r.MaxConcurrency())
	}
	return &Scheduler{
		pool:    pool,
		bus:     eventBus,
		cfg:     cfg,
		queue:   NewQueue(),
		gates:   gates,
		waiting: make(map[string]*pending),
		wakeCh:  make(chan struct{}, 1),
	}
}

// Start launches the dispatch loop. Canceling ctx stops it and fails every
// outstanding waiter with ErrSchedulerClosed.
func (s *Scheduler) Start(ctx context.Context) {
	s.once.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(ctx)
		}()
	})
}

// Drain waits for the dispatch loop to exit after its context is canceled.
func (s *Scheduler) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("scheduler drained cleanly")
	case <-time.After(timeout):
		slog.Warn("scheduler drain timeout", "timeout", timeout)
	}
}

// Submit blocks until an account is granted, the dispatch budget is
// exhausted, or ctx ends. The returned Grant must be settled with Done.
func (s *Scheduler) Submit(ctx context.Context, req Request) (*Grant, error) {
	if req.TaskID == "" {
		return nil, errors.New("submit: task id required")
	}
	if _, ok := s.gates[req.Role]; !ok {
		return nil, fmt.Errorf("submit: unknown role %q", req.Role)
	}
	if !req.Provider.Known() {
		return nil, fmt.Errorf("submit: unknown provider %q", req.Provider)
	}
	if len(s.cfg.Fallback.Candidates(req.Provider, req.Avoid)) == 0 {
		return nil, fmt.Errorf("submit: no eligible provider for %s after excluding %s", req.Provider, req.Avoid)
	}
	if req.Priority < 0 {
		req.Priority = 0
	}
	if req.Priority > 255 {
		req.Priority = 255
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now().UTC()
	}

	if err := s.acquireRole(ctx, req.Role); err != nil {
		return nil, err
	}

	p := &pending{req: req, grant: make(chan grantResult, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.releaseRole(req.Role)
		return nil, ErrSchedulerClosed
	}
	if s.queue.Len()+len(s.waiting) >= s.cfg.MaxQueueDepth {
		s.mu.Unlock()
		s.releaseRole(req.Role)
		slog.Warn("queue backpressure applied",
			"task_id", req.TaskID, "max_depth", s.cfg.MaxQueueDepth)
		return nil, ErrQueueSaturated
	}
	s.queue.enqueue(p)
	s.mu.Unlock()
	s.wake()

	select {
	case res := <-p.grant:
		if res.err != nil {
			s.releaseRole(req.Role)
			return nil, res.err
		}
		return res.grant, nil
	case <-ctx.Done():
		if s.retract(p) {
			s.releaseRole(req.Role)
			return nil, ctx.Err()
		}
		// The dispatch loop holds this request; a resolution is imminent.
		res := <-p.grant
		if res.err == nil {
			res.grant.Done(context.Background(), 0, ctx.Err())
			return nil, ctx.Err()
		}
		s.releaseRole(req.Role)
		return nil, ctx.Err()
	}
}

// retract pulls a request back out of the queue or the retry park. When the
// request is in neither, the dispatch loop is processing it right now; the
// abandoned flag tells the loop to resolve it with an error instead of an
// account.
func (s *Scheduler) retract(p *pending) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.remove(p.req.ID) != nil {
		return true
	}
	if _, ok := s.waiting[p.req.ID]; ok {
		delete(s.waiting, p.req.ID)
		return true
	}
	p.abandoned = true
	return false
}

// AbandonTask drops every queued or parked request for a task and fails
// their waiters with ErrTaskAbandoned. Returns how many were dropped.
// In-flight turns are not interrupted; cancellation of the agent context
// covers those.
func (s *Scheduler) AbandonTask(taskID string) int {
	s.mu.Lock()
	dropped := s.queue.removeTask(taskID)
	for id, p := range s.waiting {
		if p.req.TaskID == taskID {
			dropped = append(dropped, p)
			delete(s.waiting, id)
		}
	}
	for _, p := range dropped {
		p.abandoned = true
	}
	s.mu.Unlock()

	for _, p := range dropped {
		p.grant <- grantResult{err: ErrTaskAbandoned}
	}
	if len(dropped) > 0 {
		slog.Info("scheduler requests abandoned", "task_id", taskID, "count", len(dropped))
	}
	return len(dropped)
}

// Status reports queue depth and dispatch counters.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	waiting := len(s.waiting)
	s.mu.Unlock()

	next := -1
	if pr, ok := s.queue.PeekPriority(); ok {
		next = pr
	}
	return Status{
		QueueLength:  s.queue.Len(),
		NextPriority: next,
		WaitingRetry: waiting,
		Dispatched:   s.dispatched.Load(),
		Exhausted:    s.exhausted.Load(),
	}
}

func (s *Scheduler) acquireRole(ctx context.Context, role task.Role) error {
	gate := s.gates[role]
	select {
	case gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) releaseRole(role task.Role) {
	if gate, ok := s.gates[role]; ok {
		select {
		case <-gate:
		default:
		}
	}
}

// RoleInFlight reports how many slots a role currently occupies.
func (s *Scheduler) RoleInFlight(role task.Role) int {
	if gate, ok := s.gates[role]; ok {
		return len(gate)
	}
	return 0
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		now := time.Now()
		s.promoteDue(now)
		s.dispatchReady(ctx, now)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.nextWake(time.Now()))

		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-s.wakeCh:
		case <-timer.C:
		}
	}
}

// promoteDue moves parked requests whose backoff elapsed back into the
// queue, keeping their original priority, timestamp, and arrival order.
func (s *Scheduler) promoteDue(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.waiting {
		if p.notBefore.After(now) {
			continue
		}
		delete(s.waiting, id)
		s.queue.requeue(p)
	}
}

func (s *Scheduler) nextWake(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	wait := time.Hour
	for _, p := range s.waiting {
		d := p.notBefore.Sub(now)
		if d < wait {
			wait = d
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// dispatchReady drains the queue. Every dequeued request is resolved exactly
// one way: granted an account, parked for backoff, failed on budget, or
// failed as abandoned.
func (s *Scheduler) dispatchReady(ctx context.Context, now time.Time) {
	for {
		p := s.queue.dequeue()
		if p == nil {
			return
		}
		s.dispatchOne(ctx, p, now)
	}
}

func (s *Scheduler) dispatchOne(ctx context.Context, p *pending, now time.Time) {
	var (
		acct    *accounts.Account
		chosen  provider.Provider
		lastErr error
		retryIn time.Duration
	)
	for _, prov := range s.cfg.Fallback.Candidates(p.req.Provider, p.req.Avoid) {
		a, err := s.pool.Select(now, prov)
		if err == nil {
			acct = a
			chosen = prov
			break
		}
		lastErr = err
		var nae *accounts.NoAccountError
		if errors.As(err, &nae) && nae.RetryIn > 0 && (retryIn == 0 || nae.RetryIn < retryIn) {
			retryIn = nae.RetryIn
		}
	}

	if acct != nil {
		s.mu.Lock()
		if p.abandoned {
			s.mu.Unlock()
			p.grant <- grantResult{err: ErrTaskAbandoned}
			return
		}
		s.mu.Unlock()

		if err := s.pool.RecordDispatch(ctx, acct.ID, now); err != nil {
			slog.Warn("record dispatch failed", "account_id", acct.ID, "error", err)
		}
		s.dispatched.Add(1)
		g := &Grant{
			Request:   p.req,
			Account:   acct,
			Attempt:   p.attempt,
			GrantedAt: now,
			s:         s,
		}
		if chosen != p.req.Provider {
			slog.Info("dispatch fell back",
				"task_id", p.req.TaskID, "requested", p.req.Provider, "granted", chosen)
		}
		s.bus.Publish(bus.TopicSchedulerDispatch, bus.DispatchMsg{
			TaskID:    p.req.TaskID,
			AgentID:   p.req.AgentID,
			AccountID: acct.ID,
			Provider:  string(chosen),
			Attempt:   p.attempt,
		})
		slog.Info("dispatch granted",
			"task_id", p.req.TaskID, "agent_id", p.req.AgentID,
			"account_id", acct.ID, "provider", chosen, "priority", p.req.Priority)
		p.grant <- grantResult{grant: g}
		return
	}

	p.attempt++
	if p.attempt >= s.cfg.MaxAttempts {
		s.exhausted.Add(1)
		s.bus.Publish(bus.TopicSchedulerExhausted, bus.ExhaustedMsg{
			TaskID:   p.req.TaskID,
			Provider: string(p.req.Provider),
			RetryIn:  retryIn,
		})
		slog.Warn("dispatch budget exhausted",
			"task_id", p.req.TaskID, "provider", p.req.Provider, "attempts", p.attempt)
		if lastErr == nil {
			lastErr = &accounts.NoAccountError{Provider: p.req.Provider}
		}
		p.grant <- grantResult{err: fmt.Errorf("dispatch budget exhausted after %d attempts: %w", p.attempt, lastErr)}
		return
	}

	delay := s.cfg.Backoff.DelayOrHint(p.req.ID, p.attempt-1, retryIn)
	s.mu.Lock()
	if p.abandoned {
		s.mu.Unlock()
		p.grant <- grantResult{err: ErrTaskAbandoned}
		return
	}
	p.notBefore = time.Now().Add(delay)
	s.waiting[p.req.ID] = p
	s.mu.Unlock()
	slog.Debug("dispatch deferred",
		"task_id", p.req.TaskID, "provider", p.req.Provider,
		"attempt", p.attempt, "delay", delay)
}

// shutdown fails every outstanding waiter.
func (s *Scheduler) shutdown() {
	s.mu.Lock()
	var all []*pending
	for {
		p := s.queue.dequeue()
		if p == nil {
			break
		}
		all = append(all, p)
	}
	for id, p := range s.waiting {
		all = append(all, p)
		delete(s.waiting, id)
	}
	s.closed = true
	s.mu.Unlock()

	for _, p := range all {
		p.grant <- grantResult{err: ErrSchedulerClosed}
	}
	if len(all) > 0 {
		slog.Info("scheduler shutdown failed outstanding requests", "count", len(all))
	}
}

// Grant is a dispatched account allocation. The holder runs its provider
// turn and must call Done exactly once with the turn's token usage and
// error; Done settles accounting, applies rate-limit blocks, and frees the
// role slot.
type Grant struct {
	Request   Request
	Account   *accounts.Account
	Attempt   int
	GrantedAt time.Time

	s    *Scheduler
	once sync.Once
}

// Done records token usage and classifies the turn error. Rate-limit errors
// take the account out of rotation until the provider's hint, or a backoff
// delay when the provider gave none. Safe to call more than once; only the
// first call counts.
func (g *Grant) Done(ctx context.Context, tokens int64, turnErr error) {
	g.once.Do(func() {
		now := time.Now()
		if err := g.s.pool.RecordResponse(ctx, g.Account.ID, now, tokens); err != nil {
			slog.Warn("record response failed", "account_id", g.Account.ID, "error", err)
		}

		if turnErr != nil && provider.Classify(turnErr) == provider.ClassRateLimited {
			hint := provider.RetryAfterHint(turnErr)
			var rle *provider.RateLimitedError
			if errors.As(turnErr, &rle) && rle.RetryAfter > 0 {
				hint = rle.RetryAfter
			}
			if hint <= 0 {
				hint = g.s.cfg.Backoff.Delay(g.Account.ID, g.Attempt)
			}
			until := now.Add(hint)
			if err := g.s.pool.Block(ctx, g.Account.ID, until); err != nil {
				slog.Warn("block account failed", "account_id", g.Account.ID, "error", err)
			}
			slog.Warn("account rate limited",
				"account_id", g.Account.ID, "provider", g.Account.Provider, "until", until)
		}

		g.s.releaseRole(g.Request.Role)
		g.s.wake()
	})
}

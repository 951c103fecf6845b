// Package core assembles the daemon from its parts and owns their
// lifecycle. Every handle locks independently; the struct exists so cmd
// and tests pass one value around instead of a package-global registry.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/crewline/crewd/internal/accounts"
	"github.com/crewline/crewd/internal/approval"
	"github.com/crewline/crewd/internal/bus"
	"github.com/crewline/crewd/internal/config"
	"github.com/crewline/crewd/internal/deadletter"
	"github.com/crewline/crewd/internal/eventlog"
	"github.com/crewline/crewd/internal/gateway"
	"github.com/crewline/crewd/internal/policy"
	"github.com/crewline/crewd/internal/scheduler"
	"github.com/crewline/crewd/internal/sweep"
	"github.com/crewline/crewd/internal/task"
)

// Core holds the daemon's services. Fields are set by New and stable for
// the life of the process.
type Core struct {
	Config config.Config

	Bus         *bus.Bus
	Store       *eventlog.Store
	Pool        *accounts.Pool
	Scheduler   *scheduler.Scheduler
	Policy      *policy.Engine
	Risk        *policy.LiveRiskTable
	Trust       *policy.TrustStore
	Approvals   *approval.Broker
	DeadLetters *deadletter.Pump // nil unless a webhook is configured
	Sweeper     *sweep.Sweeper
	Gateway     *gateway.Server

	httpSrv *http.Server
	watcher *config.Watcher
	addr    string

	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the service graph from config. Nothing runs until Start.
func New(cfg config.Config) (*Core, error) {
	if _, err := config.EnsureAuthToken(&cfg); err != nil {
		return nil, err
	}

	eventBus := bus.New()
	store, err := eventlog.Open(filepath.Join(cfg.HomeDir, "crewd.db"), eventBus)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	pool, err := accounts.NewPool(cfg.Accounts, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	schedCfg, err := scheduler.ConfigFrom(cfg.Scheduler, cfg.FallbackProviders)
	if err != nil {
		store.Close()
		return nil, err
	}
	sched := scheduler.New(pool, eventBus, schedCfg)

	broker := approval.NewBroker(store, eventBus,
		time.Duration(cfg.Policy.ApprovalTimeoutSeconds)*time.Second)

	riskTable, err := policy.LoadRiskTable(cfg.Policy.RiskPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load risk table: %w", err)
	}
	live := policy.NewLiveRiskTable(riskTable)
	engine, err := policy.NewEngine(store, broker, live, eventBus)
	if err != nil {
		store.Close()
		return nil, err
	}

	var pump *deadletter.Pump
	if cfg.DeadLetter.WebhookURL != "" {
		pump = deadletter.New(store, eventBus, deadletter.NewWebhookSink(cfg.DeadLetter.WebhookURL), deadletter.Config{
			Backoff:     schedCfg.Backoff,
			MaxAttempts: cfg.DeadLetter.MaxAttempts,
			TopicPrefix: cfg.DeadLetter.TopicPrefix,
		})
	}

	sweeper, err := sweep.New(sweep.Config{
		Store:                   store,
		Pool:                    pool,
		UnblockSchedule:         cfg.Sweeps.UnblockSchedule,
		CheckpointSchedule:      cfg.Sweeps.CheckpointSchedule,
		RetentionSchedule:       cfg.Sweeps.RetentionSchedule,
		RetentionTaskEventsDays: cfg.RetentionTaskEventsDays,
		RetentionAuditLogDays:   cfg.RetentionAuditLogDays,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	trust := policy.NewTrustStore(store)

	gw := gateway.New(gateway.Config{
		Store:             store,
		Pool:              pool,
		Scheduler:         sched,
		Policy:            engine,
		Trust:             trust,
		Approvals:         broker,
		DeadLetters:       pump,
		Bus:               eventBus,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		FixturesPath:      filepath.Join(cfg.Policy.FixturesDir, "policy_tests.yaml"),
	})

	return &Core{
		Config:      cfg,
		Bus:         eventBus,
		Store:       store,
		Pool:        pool,
		Scheduler:   sched,
		Policy:      engine,
		Risk:        live,
		Trust:       trust,
		Approvals:   broker,
		DeadLetters: pump,
		Sweeper:     sweeper,
		Gateway:     gw,
		watcher:     config.NewWatcher(cfg.HomeDir, slog.Default()),
	}, nil
}

// Start brings the daemon up: background loops first, the listener last so
// the first RPC finds everything running. Safe to call once.
func (c *Core) Start(ctx context.Context) error {
	var err error
	c.once.Do(func() { err = c.start(ctx) })
	return err
}

func (c *Core) start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.Scheduler.Start(ctx)
	c.Sweeper.Start(ctx)
	if c.DeadLetters != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.DeadLetters.Start(ctx); err != nil {
				slog.Error("dead letter pump stopped", "error", err)
			}
		}()
	}
	c.Gateway.Start(ctx)

	c.wg.Add(1)
	go c.watchTerminalTasks(ctx)

	if err := c.watcher.Start(ctx); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		c.wg.Add(1)
		go c.reloadLoop(ctx)
	}

	ln, err := net.Listen("tcp", c.Config.BindAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", c.Config.BindAddr, err)
	}
	c.addr = ln.Addr().String()
	c.httpSrv = &http.Server{
		Handler:           c.Gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if serveErr := c.httpSrv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			slog.Error("gateway serve failed", "error", serveErr)
		}
	}()

	slog.Info("crewd started",
		"addr", c.addr,
		"accounts", len(c.Config.Accounts),
		"config", c.Config.Fingerprint(),
		"risk_version", c.Risk.Version())
	return nil
}

// Addr returns the bound listen address, useful when config asked for
// port 0.
func (c *Core) Addr() string {
	return c.addr
}

// Drain shuts the daemon down: stop admitting (listener), cancel loops,
// let in-flight work settle, close the store last.
func (c *Core) Drain() {
	timeout := time.Duration(c.Config.DrainTimeoutSeconds) * time.Second
	if c.httpSrv != nil {
		shCtx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := c.httpSrv.Shutdown(shCtx); err != nil {
			slog.Warn("gateway shutdown", "error", err)
		}
		cancel()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.Sweeper.Stop()
	c.Scheduler.Drain(timeout)
	c.wg.Wait()
	if err := c.Store.Close(); err != nil {
		slog.Warn("close store", "error", err)
	}
	slog.Info("crewd drained")
}

// watchTerminalTasks releases resources held on behalf of a task the
// moment its fold turns terminal: queued scheduler work is abandoned and
// pending approvals are denied. In-flight turns are not interrupted; they
// settle their own accounting.
func (c *Core) watchTerminalTasks(ctx context.Context) {
	defer c.wg.Done()
	sub := c.Bus.Subscribe(bus.TopicTaskStatusChanged)
	defer c.Bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Ch():
			if !ok {
				return
			}
			msg, ok := env.Payload.(bus.StatusChangedMsg)
			if !ok {
				continue
			}
			if !task.Status(msg.NewStatus).Terminal() {
				continue
			}
			if n := c.Scheduler.AbandonTask(msg.TaskID); n > 0 {
				slog.Info("abandoned queued work for terminal task",
					"task_id", msg.TaskID, "status", msg.NewStatus, "dropped", n)
			}
			if n := c.Approvals.AbandonTask(ctx, msg.TaskID, "task reached "+msg.NewStatus); n > 0 {
				slog.Info("denied pending approvals for terminal task",
					"task_id", msg.TaskID, "denied", n)
			}
		}
	}
}

// reloadLoop applies hot-reloadable file changes. Only the risk table is
// live; everything else logs and waits for a restart.
func (c *Core) reloadLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.watcher.Events():
			if !ok {
				return
			}
			switch filepath.Base(ev.Path) {
			case "risk.yaml":
				if err := policy.ReloadRiskFromFile(c.Risk, ev.Path); err != nil {
					slog.Error("risk table reload rejected, previous table stays active", "error", err)
					continue
				}
				slog.Info("risk table reloaded", "version", c.Risk.Version())
			case "config.yaml":
				slog.Info("config.yaml changed; restart to apply")
			}
		}
	}
}

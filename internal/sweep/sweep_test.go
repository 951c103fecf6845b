package sweep_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/crewline/crewd/internal/accounts"
	"github.com/crewline/crewd/internal/bus"
	"github.com/crewline/crewd/internal/config"
	"github.com/crewline/crewd/internal/eventlog"
	"github.com/crewline/crewd/internal/shared"
	"github.com/crewline/crewd/internal/sweep"
	"github.com/crewline/crewd/internal/task"
)

// waitFor polls check until it returns true or the deadline elapses,
// avoiding fixed sleeps that flake under load.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *eventlog.Store {
	t.Helper()
	store, err := eventlog.Open(filepath.Join(t.TempDir(), "crewd.db"), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func startSweeper(t *testing.T, cfg sweep.Config) *sweep.Sweeper {
	t.Helper()
	s, err := sweep.New(cfg)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func seedTask(t *testing.T, store *eventlog.Store, taskID string, kinds ...task.Kind) {
	t.Helper()
	ctx := shared.WithCorrelationID(shared.WithActor(context.Background(), "operator"), shared.NewCorrelationID())
	for _, kind := range kinds {
		if _, err := store.Append(ctx, taskID, kind, ""); err != nil {
			t.Fatalf("seed %s: %v", kind, err)
		}
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	store := openTestStore(t)
	_, err := sweep.New(sweep.Config{Store: store, UnblockSchedule: "not a schedule"})
	if err == nil {
		t.Fatal("expected an error for a malformed schedule")
	}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := sweep.New(sweep.Config{}); err == nil {
		t.Fatal("expected an error without a store")
	}
}

func TestUnblockSweepLiftsExpiredBlocks(t *testing.T) {
	store := openTestStore(t)
	pool, err := accounts.NewPool([]config.AccountConfig{{
		AccountID: "ant-1",
		Provider:  "anthropic",
		VaultRef:  "vault://ant-1",
		RPMLimit:  60,
		TPMLimit:  100000,
	}}, store)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := pool.Block(context.Background(), "ant-1", time.Now().Add(30*time.Millisecond)); err != nil {
		t.Fatalf("block: %v", err)
	}

	startSweeper(t, sweep.Config{
		Store:           store,
		Pool:            pool,
		UnblockSchedule: "@every 10ms",
	})

	waitFor(t, 2*time.Second, func() bool {
		for _, st := range pool.Snapshot(time.Now()) {
			if st.AccountID == "ant-1" {
				return st.Available
			}
		}
		return false
	})
}

func TestSweepDeniesOrphanedApprovals(t *testing.T) {
	store := openTestStore(t)
	expired := time.Now().Add(-time.Minute)
	if err := store.InsertApproval(context.Background(), eventlog.ApprovalRecord{
		ApprovalID: "appr-orphan",
		TaskID:     "t-orphan",
		Tool:       "shell.exec",
		Risk:       "high",
		ExpiresAt:  &expired,
	}); err != nil {
		t.Fatalf("insert approval: %v", err)
	}

	startSweeper(t, sweep.Config{
		Store:           store,
		UnblockSchedule: "@every 10ms",
	})

	waitFor(t, 2*time.Second, func() bool {
		rec, err := store.GetApproval(context.Background(), "appr-orphan")
		if err != nil {
			return false
		}
		return rec.Status == eventlog.ApprovalDenied && rec.DecidedBy == shared.DaemonActor
	})
}

func TestCheckpointSweepSnapshotsOpenTasks(t *testing.T) {
	store := openTestStore(t)
	seedTask(t, store, "t-open", task.KindTaskCreated, task.KindTaskClaimed, task.KindTaskActive)
	seedTask(t, store, "t-closed", task.KindTaskCreated, task.KindTaskCanceled)

	startSweeper(t, sweep.Config{
		Store:              store,
		CheckpointSchedule: "@every 10ms",
	})

	countCheckpoints := func(taskID string) int {
		events, err := store.Events(context.Background(), taskID, 0)
		if err != nil {
			t.Fatalf("events %s: %v", taskID, err)
		}
		n := 0
		for _, ev := range events {
			if ev.Kind == task.KindCheckpointCreated {
				n++
			}
		}
		return n
	}

	waitFor(t, 2*time.Second, func() bool {
		return countCheckpoints("t-open") == 1
	})

	// An idle task is not checkpointed again; a terminal task never is.
	time.Sleep(50 * time.Millisecond)
	if n := countCheckpoints("t-open"); n != 1 {
		t.Fatalf("open task has %d checkpoints, want 1", n)
	}
	if n := countCheckpoints("t-closed"); n != 0 {
		t.Fatalf("terminal task has %d checkpoints, want 0", n)
	}

	// New activity makes the task eligible again.
	seedTask(t, store, "t-open", task.KindTaskBlocked)
	waitFor(t, 2*time.Second, func() bool {
		return countCheckpoints("t-open") == 2
	})
}

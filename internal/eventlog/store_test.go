package eventlog_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/crewline/crewd/internal/bus"
	"github.com/crewline/crewd/internal/eventlog"
	"github.com/crewline/crewd/internal/shared"
	"github.com/crewline/crewd/internal/task"
)

func openTestStore(t *testing.T) (*eventlog.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "crewd.db")
	store, err := eventlog.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func mustAppend(t *testing.T, store *eventlog.Store, taskID string, kind task.Kind) int64 {
	t.Helper()
	seq, err := store.Append(context.Background(), taskID, kind, "")
	if err != nil {
		t.Fatalf("append %s to %s: %v", kind, taskID, err)
	}
	return seq
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	requiredTables := []string{"schema_migrations", "task_events", "tasks", "accounts", "approvals", "dead_letters", "audit_log", "trusted_binaries"}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var version int
	var checksum string
	if err := db.QueryRow("SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;").Scan(&version, &checksum); err != nil {
		t.Fatalf("read schema_migrations: %v", err)
	}
	if version < 1 {
		t.Fatalf("expected schema version >= 1, got %d", version)
	}
	if checksum == "" {
		t.Fatal("expected non-empty schema checksum")
	}
}

func TestStore_ReopenValidatesChecksum(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec("UPDATE schema_migrations SET checksum = 'tampered';"); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = store.Close()

	_, err := eventlog.Open(dbPath, nil)
	if err == nil {
		t.Fatal("expected checksum mismatch error on reopen")
	}
}

func TestStore_AppendAssignsGapFreeSeq(t *testing.T) {
	store, _ := openTestStore(t)

	kinds := []task.Kind{
		task.KindTaskCreated,
		task.KindTaskPlanned,
		task.KindTaskClaimed,
		task.KindTaskActive,
		task.KindToolCalled,
		task.KindToolResult,
		task.KindTaskDone,
	}
	for i, kind := range kinds {
		seq := mustAppend(t, store, "t-1", kind)
		if seq != int64(i+1) {
			t.Fatalf("event %d: expected seq %d, got %d", i, i+1, seq)
		}
	}
	if err := store.VerifyLog(context.Background(), "t-1"); err != nil {
		t.Fatalf("verify log: %v", err)
	}
}

func TestStore_AppendRequiresCreatedFirst(t *testing.T) {
	store, _ := openTestStore(t)

	_, err := store.Append(context.Background(), "t-orphan", task.KindTaskActive, "")
	if err == nil {
		t.Fatal("expected error appending to a task that was never created")
	}

	mustAppend(t, store, "t-dup", task.KindTaskCreated)
	_, err = store.Append(context.Background(), "t-dup", task.KindTaskCreated, "")
	if err == nil {
		t.Fatal("expected error on duplicate task.created")
	}
}

func TestStore_AppendRejectsUnknownKind(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.Append(context.Background(), "t-1", task.Kind("task.vanished"), "")
	if err == nil {
		t.Fatal("expected unknown kind to be rejected")
	}
}

func TestStore_AppendRecordsActorAndCorrelation(t *testing.T) {
	store, _ := openTestStore(t)

	ctx := shared.WithActor(context.Background(), "agent-impl-1")
	ctx = shared.WithCorrelationID(ctx, "corr-123")
	if _, err := store.Append(ctx, "t-1", task.KindTaskCreated, ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := store.Events(context.Background(), "t-1", 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Actor != "agent-impl-1" {
		t.Fatalf("expected actor agent-impl-1, got %q", events[0].Actor)
	}
	if events[0].CorrelationID != "corr-123" {
		t.Fatalf("expected correlation corr-123, got %q", events[0].CorrelationID)
	}
}

func TestStore_SnapshotMatchesReplay(t *testing.T) {
	store, _ := openTestStore(t)

	mustAppend(t, store, "t-1", task.KindTaskCreated)
	mustAppend(t, store, "t-1", task.KindTaskClaimed)
	mustAppend(t, store, "t-1", task.KindTaskActive)
	mustAppend(t, store, "t-1", task.KindToolCalled)
	mustAppend(t, store, "t-1", task.KindTaskBlocked)

	cached, err := store.Status(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	replayed, err := store.Replay(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if cached != replayed {
		t.Fatalf("snapshot %s disagrees with replay %s", cached, replayed)
	}
	if cached != task.StatusBlocked {
		t.Fatalf("expected BLOCKED, got %s", cached)
	}
}

func TestStore_TerminalStatusAbsorbsLaterEvents(t *testing.T) {
	store, _ := openTestStore(t)

	mustAppend(t, store, "t-1", task.KindTaskCreated)
	mustAppend(t, store, "t-1", task.KindTaskClaimed)
	mustAppend(t, store, "t-1", task.KindTaskActive)
	mustAppend(t, store, "t-1", task.KindTaskDone)
	// Late-arriving events append fine but never move a terminal task.
	mustAppend(t, store, "t-1", task.KindTaskActive)
	mustAppend(t, store, "t-1", task.KindTaskFailed)

	status, err := store.Status(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != task.StatusDone {
		t.Fatalf("expected DONE to absorb later events, got %s", status)
	}
	replayed, err := store.Replay(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed != task.StatusDone {
		t.Fatalf("replay disagrees: %s", replayed)
	}
}

func TestStore_ConcurrentAppendsSameTaskStayGapFree(t *testing.T) {
	store, _ := openTestStore(t)
	mustAppend(t, store, "t-1", task.KindTaskCreated)

	const writers = 8
	const perWriter = 5
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if _, err := store.Append(context.Background(), "t-1", task.KindToolCalled, ""); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append: %v", err)
	}

	if err := store.VerifyLog(context.Background(), "t-1"); err != nil {
		t.Fatalf("verify log after concurrent appends: %v", err)
	}
	events, err := store.Events(context.Background(), "t-1", 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1+writers*perWriter {
		t.Fatalf("expected %d events, got %d", 1+writers*perWriter, len(events))
	}
}

func TestStore_ConcurrentAppendsAcrossTasks(t *testing.T) {
	store, _ := openTestStore(t)

	const tasks = 6
	var wg sync.WaitGroup
	errs := make(chan error, tasks*4)
	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("t-%d", n)
			for _, kind := range []task.Kind{task.KindTaskCreated, task.KindTaskClaimed, task.KindTaskActive} {
				if _, err := store.Append(context.Background(), id, kind, ""); err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append: %v", err)
	}

	for i := 0; i < tasks; i++ {
		id := fmt.Sprintf("t-%d", i)
		if err := store.VerifyLog(context.Background(), id); err != nil {
			t.Fatalf("verify %s: %v", id, err)
		}
		status, err := store.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("status %s: %v", id, err)
		}
		if status != task.StatusActive {
			t.Fatalf("%s: expected ACTIVE, got %s", id, status)
		}
	}
}

func TestStore_EventsFromSeqReturnsTail(t *testing.T) {
	store, _ := openTestStore(t)

	mustAppend(t, store, "t-1", task.KindTaskCreated)
	mustAppend(t, store, "t-1", task.KindTaskClaimed)
	mustAppend(t, store, "t-1", task.KindTaskActive)

	tail, err := store.Events(context.Background(), "t-1", 2)
	if err != nil {
		t.Fatalf("events from seq: %v", err)
	}
	if len(tail) != 1 {
		t.Fatalf("expected 1 tail event, got %d", len(tail))
	}
	if tail[0].Seq != 3 || tail[0].Kind != task.KindTaskActive {
		t.Fatalf("unexpected tail event: seq=%d kind=%s", tail[0].Seq, tail[0].Kind)
	}
}

func TestStore_CheckpointAndResume(t *testing.T) {
	store, _ := openTestStore(t)

	mustAppend(t, store, "t-1", task.KindTaskCreated)
	mustAppend(t, store, "t-1", task.KindTaskClaimed)
	mustAppend(t, store, "t-1", task.KindTaskActive)

	cpSeq, err := store.Checkpoint(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if cpSeq != 4 {
		t.Fatalf("expected checkpoint at seq 4, got %d", cpSeq)
	}

	mustAppend(t, store, "t-1", task.KindToolCalled)
	mustAppend(t, store, "t-1", task.KindTaskCodeReview)

	resumed, err := store.ResumeStatus(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	replayed, err := store.Replay(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if resumed != replayed {
		t.Fatalf("resume %s disagrees with full replay %s", resumed, replayed)
	}
	if resumed != task.StatusCodeReview {
		t.Fatalf("expected CODE_REVIEW, got %s", resumed)
	}
}

func TestStore_ResumeWithoutCheckpointFallsBackToReplay(t *testing.T) {
	store, _ := openTestStore(t)

	mustAppend(t, store, "t-1", task.KindTaskCreated)
	mustAppend(t, store, "t-1", task.KindTaskClaimed)

	resumed, err := store.ResumeStatus(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed != task.StatusClaimed {
		t.Fatalf("expected CLAIMED, got %s", resumed)
	}
}

func TestStore_VerifyLogDetectsGap(t *testing.T) {
	store, _ := openTestStore(t)
	mustAppend(t, store, "t-1", task.KindTaskCreated)

	// Force a hole in the log behind the store's back.
	if _, err := store.DB().Exec(`
		INSERT INTO task_events (task_id, seq, actor, kind) VALUES ('t-1', 5, 'daemon', 'tool.called');
	`); err != nil {
		t.Fatalf("inject gap: %v", err)
	}

	if err := store.VerifyLog(context.Background(), "t-1"); err == nil {
		t.Fatal("expected gap to be detected")
	}
}

func TestStore_StatusUnknownTask(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.Status(context.Background(), "ghost")
	if err != eventlog.ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestStore_ListTasksFiltersByStatus(t *testing.T) {
	store, _ := openTestStore(t)

	mustAppend(t, store, "t-a", task.KindTaskCreated)
	mustAppend(t, store, "t-b", task.KindTaskCreated)
	mustAppend(t, store, "t-b", task.KindTaskClaimed)
	mustAppend(t, store, "t-b", task.KindTaskActive)
	mustAppend(t, store, "t-b", task.KindTaskDone)

	all, err := store.ListTasks(context.Background())
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(all))
	}

	done, err := store.ListTasks(context.Background(), task.StatusDone)
	if err != nil {
		t.Fatalf("list done: %v", err)
	}
	if len(done) != 1 || done[0].TaskID != "t-b" {
		t.Fatalf("expected only t-b DONE, got %+v", done)
	}

	counts, err := store.StatusCounts(context.Background())
	if err != nil {
		t.Fatalf("status counts: %v", err)
	}
	if counts[task.StatusCreated] != 1 || counts[task.StatusDone] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestStore_AppendPublishesBusMessages(t *testing.T) {
	dir := t.TempDir()
	eventBus := bus.New()
	store, err := eventlog.Open(filepath.Join(dir, "crewd.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	eventsSub := eventBus.Subscribe(bus.TopicTaskEvent)
	defer eventBus.Unsubscribe(eventsSub)
	statusSub := eventBus.Subscribe(bus.TopicTaskStatusChanged)
	defer eventBus.Unsubscribe(statusSub)

	if _, err := store.Append(context.Background(), "t-1", task.KindTaskCreated, ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case env := <-eventsSub.Ch():
		msg, ok := env.Payload.(bus.TaskEventMsg)
		if !ok {
			t.Fatalf("expected TaskEventMsg, got %T", env.Payload)
		}
		if msg.TaskID != "t-1" || msg.Seq != 1 || msg.Kind != string(task.KindTaskCreated) {
			t.Fatalf("unexpected event msg: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no task event published")
	}

	select {
	case env := <-statusSub.Ch():
		msg, ok := env.Payload.(bus.StatusChangedMsg)
		if !ok {
			t.Fatalf("expected StatusChangedMsg, got %T", env.Payload)
		}
		if msg.NewStatus != string(task.StatusCreated) {
			t.Fatalf("unexpected status msg: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no status change published")
	}
}

func TestStore_NonStatusEventDoesNotPublishStatusChange(t *testing.T) {
	dir := t.TempDir()
	eventBus := bus.New()
	store, err := eventlog.Open(filepath.Join(dir, "crewd.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if _, err := store.Append(context.Background(), "t-1", task.KindTaskCreated, ""); err != nil {
		t.Fatalf("append created: %v", err)
	}

	statusSub := eventBus.Subscribe(bus.TopicTaskStatusChanged)
	defer eventBus.Unsubscribe(statusSub)

	if _, err := store.Append(context.Background(), "t-1", task.KindToolCalled, ""); err != nil {
		t.Fatalf("append tool.called: %v", err)
	}

	select {
	case env := <-statusSub.Ch():
		t.Fatalf("unexpected status change published: %+v", env.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStore_RetentionOnlyPrunesTerminalTasks(t *testing.T) {
	store, _ := openTestStore(t)

	mustAppend(t, store, "t-live", task.KindTaskCreated)
	mustAppend(t, store, "t-live", task.KindTaskClaimed)
	mustAppend(t, store, "t-done", task.KindTaskCreated)
	mustAppend(t, store, "t-done", task.KindTaskClaimed)
	mustAppend(t, store, "t-done", task.KindTaskActive)
	mustAppend(t, store, "t-done", task.KindTaskDone)

	// Age every event past the cutoff.
	if _, err := store.DB().Exec(`UPDATE task_events SET at = datetime('now', '-400 days');`); err != nil {
		t.Fatalf("age events: %v", err)
	}

	result, err := store.RunRetention(context.Background(), 90, 365)
	if err != nil {
		t.Fatalf("run retention: %v", err)
	}
	if result.PurgedTaskEvents != 4 {
		t.Fatalf("expected 4 purged events (terminal task only), got %d", result.PurgedTaskEvents)
	}

	liveEvents, err := store.Events(context.Background(), "t-live", 0)
	if err != nil {
		t.Fatalf("live events: %v", err)
	}
	if len(liveEvents) != 2 {
		t.Fatalf("live task log must be untouched, got %d events", len(liveEvents))
	}

	doneEvents, err := store.Events(context.Background(), "t-done", 0)
	if err != nil {
		t.Fatalf("done events: %v", err)
	}
	if len(doneEvents) != 0 {
		t.Fatalf("terminal task events should be purged, got %d", len(doneEvents))
	}
}

func TestStore_BackupCreatesCopyAndRefusesOverwrite(t *testing.T) {
	store, _ := openTestStore(t)
	mustAppend(t, store, "t-1", task.KindTaskCreated)

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(context.Background(), dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}

	if err := store.Backup(context.Background(), dest); err == nil {
		t.Fatal("expected refusal to overwrite existing backup")
	}

	// The copy must be an openable store with the same data.
	copyStore, err := eventlog.Open(dest, nil)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer copyStore.Close()
	status, err := copyStore.Status(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("status from backup: %v", err)
	}
	if status != task.StatusCreated {
		t.Fatalf("expected CREATED in backup, got %s", status)
	}
}

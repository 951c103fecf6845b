// Package eventlog is the durable source of truth: an append-only per-task
// event log in SQLite plus snapshot tables for accounts, approvals, and dead
// letters. Task status is always derivable by replaying the log; the tasks
// table is a cache of the fold, never an authority.
package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/crewline/crewd/internal/bus"
	"github.com/crewline/crewd/internal/shared"
	"github.com/crewline/crewd/internal/task"
)

const (
	schemaVersion  = 1
	schemaChecksum = "crewd-v1-2026-07-events"
)

// ErrTaskNotFound is returned when no event log exists for a task id.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskExists is returned when a task.created event targets an id that
// already has a log.
var ErrTaskExists = errors.New("task already created")

// ErrNotCreated is returned when the first event appended for a task is not
// task.created.
var ErrNotCreated = errors.New("first event for a task must be task.created")

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests

	// taskLocks serializes appends per task. Appends for different tasks
	// proceed concurrently; same-task appenders queue on their stripe.
	taskLocks [64]sync.Mutex
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".crewd", "crewd.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of
// the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existingChecksum, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS task_events (
			task_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			actor TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '-',
			kind TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (task_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_at ON task_events(at);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_kind ON task_events(task_id, kind);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL CHECK(status IN (
				'CREATED','PLANNED','CLAIMED','ACTIVE','BLOCKED','NEEDS_APPROVAL',
				'CODE_REVIEW','QA','DONE','CANCELED','FAILED')),
			seq INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE TABLE IF NOT EXISTS accounts (
			account_id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			vault_ref TEXT NOT NULL,
			is_available INTEGER NOT NULL DEFAULT 1,
			blocked_until DATETIME,
			rpm_used INTEGER NOT NULL DEFAULT 0,
			tpm_used INTEGER NOT NULL DEFAULT 0,
			total_requests INTEGER NOT NULL DEFAULT 0,
			last_used DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS approvals (
			approval_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			tool TEXT NOT NULL,
			risk TEXT NOT NULL CHECK(risk IN ('low','medium','high','critical')),
			status TEXT NOT NULL DEFAULT 'PENDING' CHECK(status IN ('PENDING','GRANTED','DENIED')),
			reason TEXT NOT NULL DEFAULT '',
			decided_by TEXT,
			expires_at DATETIME,
			resolved_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			topic TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			parked_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			retried_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS trusted_binaries (
			path TEXT PRIMARY KEY,
			sha256 TEXT NOT NULL,
			pinned_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			verified_at DATETIME
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

func (s *Store) taskLock(taskID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return &s.taskLocks[h.Sum32()%uint32(len(s.taskLocks))]
}

// Append assigns the next sequence number for the task and records the event
// atomically. Appends to the same task are serialized; the assigned seq is
// strictly increasing and gap-free. The log does not judge transition
// legality (callers do, before appending); it only refuses unknown kinds and
// events for tasks that were never created.
func (s *Store) Append(ctx context.Context, taskID string, kind task.Kind, payload string) (int64, error) {
	if taskID == "" {
		return 0, fmt.Errorf("append: empty task_id")
	}
	if !task.ValidKind(kind) {
		return 0, fmt.Errorf("append: unknown event kind %q", kind)
	}
	if payload == "" {
		payload = "{}"
	}
	actor := shared.Actor(ctx)
	correlationID := shared.CorrelationID(ctx)

	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	var (
		seq       int64
		oldStatus task.Status
		newStatus task.Status
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current string
		var lastSeq int64
		err = tx.QueryRowContext(ctx, `SELECT status, seq FROM tasks WHERE id = ?;`, taskID).Scan(&current, &lastSeq)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if kind != task.KindTaskCreated {
				return ErrNotCreated
			}
			oldStatus = ""
			lastSeq = 0
		case err != nil:
			return fmt.Errorf("select task for append: %w", err)
		default:
			if kind == task.KindTaskCreated {
				return fmt.Errorf("task %s: %w", taskID, ErrTaskExists)
			}
			oldStatus = task.Status(current)
		}

		seq = lastSeq + 1
		newStatus = task.Apply(oldStatus, kind)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_events (task_id, seq, at, actor, correlation_id, kind, payload)
			VALUES (?, ?, CURRENT_TIMESTAMP, ?, ?, ?, ?);
		`, taskID, seq, actor, correlationID, string(kind), payload); err != nil {
			return fmt.Errorf("insert task_event: %w", err)
		}

		if oldStatus == "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (id, status, seq, created_at, updated_at)
				VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
			`, taskID, string(newStatus), seq); err != nil {
				return fmt.Errorf("insert task snapshot: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, seq = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, string(newStatus), seq, taskID); err != nil {
				return fmt.Errorf("update task snapshot: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}

	// Publish after commit, best-effort.
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskEvent, bus.TaskEventMsg{
			TaskID: taskID,
			Seq:    seq,
			Kind:   string(kind),
			Actor:  actor,
			At:     time.Now().UTC(),
		})
		if newStatus != oldStatus {
			s.bus.Publish(bus.TopicTaskStatusChanged, bus.StatusChangedMsg{
				TaskID:    taskID,
				OldStatus: string(oldStatus),
				NewStatus: string(newStatus),
			})
		}
	}
	return seq, nil
}

// Events returns the task's events with seq greater than fromSeq, in seq
// order. fromSeq 0 returns the full log.
func (s *Store) Events(ctx context.Context, taskID string, fromSeq int64) ([]task.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, seq, at, actor, correlation_id, kind, payload
		FROM task_events
		WHERE task_id = ? AND seq > ?
		ORDER BY seq ASC;
	`, taskID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("query task_events: %w", err)
	}
	defer rows.Close()

	var out []task.Event
	for rows.Next() {
		var ev task.Event
		var kind string
		if err := rows.Scan(&ev.TaskID, &ev.Seq, &ev.At, &ev.Actor, &ev.CorrelationID, &kind, &ev.Payload); err != nil {
			return nil, fmt.Errorf("scan task_event: %w", err)
		}
		ev.Kind = task.Kind(kind)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task_events rows: %w", err)
	}
	return out, nil
}

// Status returns the cached fold result for the task.
func (s *Store) Status(ctx context.Context, taskID string) (task.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrTaskNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select task status: %w", err)
	}
	return task.Status(status), nil
}

// Snapshot returns the cached derived view of one task.
func (s *Store) Snapshot(ctx context.Context, taskID string) (task.Snapshot, error) {
	var snap task.Snapshot
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, seq, updated_at FROM tasks WHERE id = ?;
	`, taskID).Scan(&snap.TaskID, &status, &snap.Seq, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, ErrTaskNotFound
	}
	if err != nil {
		return snap, fmt.Errorf("select task snapshot: %w", err)
	}
	snap.Status = task.Status(status)
	return snap, nil
}

// Replay folds the full event log for the task, bypassing the snapshot
// cache. Used by recovery and the doctor to verify the cache.
func (s *Store) Replay(ctx context.Context, taskID string) (task.Status, error) {
	events, err := s.Events(ctx, taskID, 0)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", ErrTaskNotFound
	}
	return task.Fold(events), nil
}

// Checkpoint appends a checkpoint.created event carrying the current folded
// status and seq, so recovery can resume the fold from that point.
func (s *Store) Checkpoint(ctx context.Context, taskID string) (int64, error) {
	snap, err := s.Snapshot(ctx, taskID)
	if err != nil {
		return 0, err
	}
	payload := task.MarshalPayload(task.CheckpointPayload{Seq: snap.Seq, Status: snap.Status})
	return s.Append(ctx, taskID, task.KindCheckpointCreated, payload)
}

// ResumeStatus derives the task's status starting from its latest
// checkpoint, folding only the tail. Falls back to a full replay when the
// task has no checkpoint.
func (s *Store) ResumeStatus(ctx context.Context, taskID string) (task.Status, error) {
	var (
		cpSeq     int64
		cpPayload string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, payload FROM task_events
		WHERE task_id = ? AND kind = ?
		ORDER BY seq DESC LIMIT 1;
	`, taskID, string(task.KindCheckpointCreated)).Scan(&cpSeq, &cpPayload)
	if errors.Is(err, sql.ErrNoRows) {
		return s.Replay(ctx, taskID)
	}
	if err != nil {
		return "", fmt.Errorf("select latest checkpoint: %w", err)
	}

	var cp task.CheckpointPayload
	if err := task.UnmarshalPayload(cpPayload, &cp); err != nil {
		return "", fmt.Errorf("parse checkpoint payload: %w", err)
	}
	tail, err := s.Events(ctx, taskID, cpSeq)
	if err != nil {
		return "", err
	}
	status := cp.Status
	for _, ev := range tail {
		status = task.Apply(status, ev.Kind)
	}
	return status, nil
}

// VerifyLog checks the seq invariant for one task: strictly increasing by 1
// from 1, no gaps.
func (s *Store) VerifyLog(ctx context.Context, taskID string) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq FROM task_events WHERE task_id = ? ORDER BY seq ASC;
	`, taskID)
	if err != nil {
		return fmt.Errorf("query seqs: %w", err)
	}
	defer rows.Close()

	var want int64 = 1
	for rows.Next() {
		var got int64
		if err := rows.Scan(&got); err != nil {
			return fmt.Errorf("scan seq: %w", err)
		}
		if got != want {
			return fmt.Errorf("task %s: seq gap, want %d got %d", taskID, want, got)
		}
		want++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("seq rows: %w", err)
	}
	if want == 1 {
		return ErrTaskNotFound
	}
	return nil
}

// ListTasks returns task snapshots, optionally filtered to the given
// statuses, newest first.
func (s *Store) ListTasks(ctx context.Context, statuses ...task.Status) ([]task.Snapshot, error) {
	query := `SELECT id, status, seq, updated_at FROM tasks`
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY updated_at DESC, id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []task.Snapshot
	for rows.Next() {
		var snap task.Snapshot
		var status string
		if err := rows.Scan(&snap.TaskID, &status, &snap.Seq, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		snap.Status = task.Status(status)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tasks rows: %w", err)
	}
	return out, nil
}

// StatusCounts returns the number of tasks in each status.
func (s *Store) StatusCounts(ctx context.Context) (map[task.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()

	out := make(map[task.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[task.Status(status)] = n
	}
	return out, rows.Err()
}

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedTaskEvents int64 `json:"purged_task_events"`
	PurgedAuditLogs  int64 `json:"purged_audit_logs"`
	PurgedApprovals  int64 `json:"purged_approvals"`
}

// RunRetention purges old records. Task events are only pruned for terminal
// tasks: pruning a live task's log would corrupt the fold. Idempotent.
func (s *Store) RunRetention(ctx context.Context, taskEventDays, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult

	if taskEventDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -taskEventDays)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM task_events
			WHERE at < ?
			  AND task_id IN (SELECT id FROM tasks WHERE status IN ('DONE','CANCELED','FAILED'));
		`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge task_events: %w", err)
		}
		result.PurgedTaskEvents, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()

		res, err = s.db.ExecContext(ctx, `
			DELETE FROM approvals WHERE status != 'PENDING' AND created_at < ?;
		`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge approvals: %w", err)
		}
		result.PurgedApprovals, _ = res.RowsAffected()
	}

	return result, nil
}

// Backup writes a consistent copy of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath)
	if err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

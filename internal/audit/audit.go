// Package audit records every policy and approval decision to an append-only
// JSONL file and, when a database is attached, to the audit_log table. Rows
// are redacted before they leave the process.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crewline/crewd/internal/shared"
)

type entry struct {
	Timestamp     string `json:"timestamp"`
	CorrelationID string `json:"correlation_id"`
	Decision      string `json:"decision"`
	Action        string `json:"action"`
	Reason        string `json:"reason"`
	Subject       string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

// Init opens the audit file under <home>/logs. Idempotent until Close.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB attaches the database audit_log writes go to. Pass nil to detach.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record writes one decision. decision is "allow"/"deny"/"approved"/...,
// action names what was decided (tool name, transition, approval id), and
// subject names who asked (task:<id>, agent:<id>). Both sinks are
// best-effort; a decision is never blocked on audit I/O.
func Record(ctx context.Context, decision, action, reason, subject string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)
	correlationID := shared.CorrelationID(ctx)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
			CorrelationID: correlationID,
			Decision:      decision,
			Action:        action,
			Reason:        reason,
			Subject:       subject,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	// Background context: the decision may have been a cancelation, and the
	// audit row must land either way.
	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (correlation_id, subject, action, decision, reason)
			VALUES (?, ?, ?, ?, ?);
		`, correlationID, subject, action, decision, reason)
	}
}

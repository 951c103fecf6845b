package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrDeadLetterNotFound is returned when a dead letter id is unknown.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// DeadLetter is a message that exhausted delivery retries and was parked for
// operator inspection.
type DeadLetter struct {
	ID        int64      `json:"id"`
	Topic     string     `json:"topic"`
	Payload   string     `json:"payload"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error"`
	ParkedAt  time.Time  `json:"parked_at"`
	RetriedAt *time.Time `json:"retried_at,omitempty"`
}

// ParkDeadLetter stores a failed message and returns its id.
func (s *Store) ParkDeadLetter(ctx context.Context, topic, payload string, attempts int, lastError string) (int64, error) {
	if topic == "" {
		return 0, fmt.Errorf("park dead letter: empty topic")
	}
	if payload == "" {
		payload = "{}"
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO dead_letters (topic, payload, attempts, last_error)
			VALUES (?, ?, ?, ?);
		`, topic, payload, attempts, lastError)
		if err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// GetDeadLetter loads one parked message.
func (s *Store) GetDeadLetter(ctx context.Context, id int64) (DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, topic, payload, attempts, last_error, parked_at, retried_at
		FROM dead_letters WHERE id = ?;
	`, id)
	dl, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return dl, ErrDeadLetterNotFound
	}
	return dl, err
}

// ListDeadLetters returns parked messages, newest first. When unretriedOnly
// is set, messages that were already replayed are skipped.
func (s *Store) ListDeadLetters(ctx context.Context, unretriedOnly bool) ([]DeadLetter, error) {
	query := `
		SELECT id, topic, payload, attempts, last_error, parked_at, retried_at
		FROM dead_letters`
	if unretriedOnly {
		query += ` WHERE retried_at IS NULL`
	}
	query += ` ORDER BY parked_at DESC, id DESC;`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// MarkDeadLetterRetried stamps a parked message as replayed.
func (s *Store) MarkDeadLetterRetried(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE dead_letters SET retried_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, id)
		if err != nil {
			return fmt.Errorf("mark dead letter retried: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrDeadLetterNotFound
		}
		return nil
	})
}

func scanDeadLetter(row rowScanner) (DeadLetter, error) {
	var dl DeadLetter
	var retriedAt sql.NullTime
	err := row.Scan(&dl.ID, &dl.Topic, &dl.Payload, &dl.Attempts, &dl.LastError, &dl.ParkedAt, &retriedAt)
	if err != nil {
		return dl, err
	}
	if retriedAt.Valid {
		t := retriedAt.Time
		dl.RetriedAt = &t
	}
	return dl, nil
}

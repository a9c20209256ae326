// Package duckdb persists the event log, outbox, dead letters and
// breaker states in an embedded DuckDB file, so delivery state and the
// per-workflow event history survive broker restarts.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/quarrylabs/quarry/internal/core/domain"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb at %s: %w", path, err)
	}
	r := &Repository{db: db}
	if err := r.init(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		workflow_id TEXT,
		job_id TEXT,
		type TEXT NOT NULL,
		payload JSON,
		sequence BIGINT NOT NULL DEFAULT 0,
		source TEXT,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		aggregate_id TEXT,
		type TEXT NOT NULL,
		payload JSON,
		destination TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL,
		next_retry_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		last_error TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		outbox_id TEXT NOT NULL,
		aggregate_id TEXT,
		type TEXT NOT NULL,
		payload JSON,
		destination TEXT NOT NULL,
		reason TEXT,
		failed_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS breaker_states (
		destination TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		failure_count INTEGER NOT NULL,
		last_failure_time TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// AppendEvent writes the event and its outbox entry in one transaction.
// The per-workflow sequence number is read and assigned inside the same
// transaction, which is what keeps it gapless per workflow.
func (r *Repository) AppendEvent(ctx context.Context, ev *domain.Event, out *domain.OutboxEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if ev.WorkflowID != nil {
		row := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE workflow_id = ?`,
			string(*ev.WorkflowID))
		var max uint64
		if err := row.Scan(&max); err != nil {
			return fmt.Errorf("failed to read workflow sequence: %w", err)
		}
		ev.Sequence = max + 1
	}

	var workflowID, jobID *string
	if ev.WorkflowID != nil {
		s := string(*ev.WorkflowID)
		workflowID = &s
	}
	if ev.JobID != nil {
		s := string(*ev.JobID)
		jobID = &s
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, workflow_id, job_id, type, payload, sequence, source, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, workflowID, jobID, string(ev.Type), string(ev.Payload),
		ev.Sequence, ev.Source, string(ev.Status), ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	if out != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO outbox (id, aggregate_id, type, payload, destination, retry_count, max_retries, next_retry_at, status, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			out.ID, out.AggregateID, string(out.Type), string(out.Payload),
			out.Destination, out.RetryCount, out.MaxRetries, out.NextRetryAt,
			string(out.Status), out.LastError, out.CreatedAt, out.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert outbox entry: %w", err)
		}
	}

	return tx.Commit()
}

func (r *Repository) ListEvents(ctx context.Context, workflowID domain.WorkflowID) ([]domain.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, workflow_id, job_id, type, CAST(payload AS TEXT), sequence, source, status, created_at
		FROM events WHERE workflow_id = ? ORDER BY sequence ASC`,
		string(workflowID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		var wfID, jobID *string
		var payload, evType, status string
		if err := rows.Scan(&ev.ID, &wfID, &jobID, &evType, &payload, &ev.Sequence, &ev.Source, &status, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if wfID != nil {
			id := domain.WorkflowID(*wfID)
			ev.WorkflowID = &id
		}
		if jobID != nil {
			id := domain.JobID(*jobID)
			ev.JobID = &id
		}
		ev.Type = domain.EventType(evType)
		ev.Status = domain.EventStatus(status)
		ev.Payload = []byte(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *Repository) DuePublishes(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, aggregate_id, type, CAST(payload AS TEXT), destination, retry_count, max_retries, next_retry_at, status, last_error, created_at, updated_at
		FROM outbox WHERE status = ? AND next_retry_at <= ? ORDER BY created_at ASC LIMIT ?`,
		string(domain.OutboxStatusPending), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (r *Repository) MarkPublished(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.OutboxStatusPublished), time.Now(), id, string(domain.OutboxStatusPending))
	if err != nil {
		return err
	}
	return checkFound(res, domain.ErrOutboxEntryNotFound)
}

func (r *Repository) RescheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, lastError string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox SET retry_count = retry_count + 1, next_retry_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		nextRetryAt, lastError, time.Now(), id, string(domain.OutboxStatusPending))
	if err != nil {
		return err
	}
	return checkFound(res, domain.ErrOutboxEntryNotFound)
}

// MoveToDeadLetter flips the outbox entry to failed and records the
// dead letter in the same transaction.
func (r *Repository) MoveToDeadLetter(ctx context.Context, entry domain.OutboxEntry, reason string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE outbox SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(domain.OutboxStatusFailed), reason, now, entry.ID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, outbox_id, aggregate_id, type, payload, destination, reason, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET reason = excluded.reason, failed_at = excluded.failed_at`,
		entry.ID, entry.ID, entry.AggregateID, string(entry.Type), string(entry.Payload),
		entry.Destination, reason, now)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repository) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, outbox_id, aggregate_id, type, CAST(payload AS TEXT), destination, reason, failed_at
		FROM dead_letters ORDER BY failed_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []domain.DeadLetter
	for rows.Next() {
		var d domain.DeadLetter
		var dType, payload string
		if err := rows.Scan(&d.ID, &d.OutboxID, &d.AggregateID, &dType, &payload, &d.Destination, &d.Reason, &d.FailedAt); err != nil {
			return nil, err
		}
		d.Type = domain.EventType(dType)
		d.Payload = []byte(payload)
		letters = append(letters, d)
	}
	return letters, rows.Err()
}

// RequeueDeadLetter puts the letter back on the outbox with a fresh
// retry budget and removes it from the dead-letter table.
func (r *Repository) RequeueDeadLetter(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var outboxID string
	row := tx.QueryRowContext(ctx, `SELECT outbox_id FROM dead_letters WHERE id = ?`, id)
	if err := row.Scan(&outboxID); err != nil {
		if err == sql.ErrNoRows {
			return domain.ErrDeadLetterNotFound
		}
		return err
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE outbox SET status = ?, retry_count = 0, next_retry_at = ?, last_error = '', updated_at = ?
		WHERE id = ?`,
		string(domain.OutboxStatusPending), now, now, outboxID)
	if err != nil {
		return err
	}
	if err := checkFound(res, domain.ErrOutboxEntryNotFound); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repository) SaveBreakerState(ctx context.Context, rec domain.BreakerRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO breaker_states (destination, state, failure_count, last_failure_time, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (destination) DO UPDATE SET
			state = excluded.state,
			failure_count = excluded.failure_count,
			last_failure_time = excluded.last_failure_time,
			updated_at = excluded.updated_at`,
		rec.Destination, string(rec.State), rec.FailureCount, rec.LastFailureTime, rec.UpdatedAt)
	return err
}

func (r *Repository) LoadBreakerStates(ctx context.Context) ([]domain.BreakerRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT destination, state, failure_count, last_failure_time, updated_at FROM breaker_states`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.BreakerRecord
	for rows.Next() {
		var rec domain.BreakerRecord
		var state string
		if err := rows.Scan(&rec.Destination, &state, &rec.FailureCount, &rec.LastFailureTime, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.State = domain.CircuitState(state)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanOutboxEntry(rows *sql.Rows) (*domain.OutboxEntry, error) {
	var e domain.OutboxEntry
	var eType, payload, status string
	var lastError *string
	if err := rows.Scan(&e.ID, &e.AggregateID, &eType, &payload, &e.Destination,
		&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &status, &lastError,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Type = domain.EventType(eType)
	e.Status = domain.OutboxStatus(status)
	e.Payload = []byte(payload)
	if lastError != nil {
		e.LastError = *lastError
	}
	return &e, nil
}

func checkFound(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

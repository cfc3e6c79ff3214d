// Package ledger persists protective actions in SQLite and guarantees each
// (subject, action kind) pair is applied at most once. Callers route every
// side-effectful action through Apply; the ledger reserves the action
// atomically before the side effect runs, so concurrent attempts converge on
// a single applied record and every later attempt gets the original outcome.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	ospreyotel "github.com/osprey-io/osprey/internal/otel"
)

var tracer = ospreyotel.Tracer("github.com/osprey-io/osprey/internal/ledger")

// Action statuses. Pending and applied records block new reservations for the
// same (subject, action kind); a failed record releases the reservation so
// the action can be retried.
const (
	StatusPending = "pending"
	StatusApplied = "applied"
	StatusFailed  = "failed"
)

// ErrInProgress is returned when another attempt holds the reservation and
// does not reach a terminal status within the wait window.
var ErrInProgress = errors.New("action attempt in progress")

const schema = `
CREATE TABLE IF NOT EXISTS action_ledger (
    id TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL,
    action_kind TEXT NOT NULL,
    status TEXT NOT NULL,
    ticket TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL DEFAULT '',
    session_id TEXT NOT NULL DEFAULT '',
    source_event_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    applied_at TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_active
    ON action_ledger(subject_id, action_kind) WHERE status != 'failed';
CREATE INDEX IF NOT EXISTS idx_ledger_subject ON action_ledger(subject_id, created_at);
`

// Record is one ledger entry for a protective action attempt.
type Record struct {
	ID            string     `json:"id"`
	SubjectID     string     `json:"subject_id"`
	ActionKind    string     `json:"action_kind"`
	Status        string     `json:"status"`
	Ticket        string     `json:"ticket,omitempty"`
	Detail        string     `json:"detail,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
	SourceEventID string     `json:"source_event_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	AppliedAt     *time.Time `json:"applied_at,omitempty"`
}

// Outcome is the result of Apply. AlreadyApplied is true when the record was
// produced by an earlier attempt and no side effect ran for this call.
type Outcome struct {
	Record         Record
	AlreadyApplied bool
}

// Executor performs the actual side effect of an action and returns an
// external reference (ticket) on success. It runs exactly once per applied
// record: only the attempt holding the reservation invokes it.
type Executor func(ctx context.Context) (ticket string, err error)

// Store is the SQLite-backed action ledger.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens (creating if needed) a ledger at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// SetClock replaces the store's time source for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Apply runs the action identified by (subjectID, kind) at most once. The
// first attempt reserves a pending record, runs exec, and marks the record
// applied or failed. Concurrent attempts for the same pair do not run exec:
// they wait for the holder and return its outcome with AlreadyApplied set.
// A failed attempt releases the reservation, so a later Apply retries.
func (s *Store) Apply(ctx context.Context, subjectID, kind, sessionID, eventID string, exec Executor) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "ledger.apply",
		trace.WithAttributes(
			attribute.String("subject_id", subjectID),
			attribute.String("action_kind", kind),
		))
	defer span.End()

	// A failed holder releases the reservation mid-wait, so one retry loop
	// covers both the fresh-reserve and the reserve-after-failure paths.
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		rec, reserved, err := s.reserve(ctx, subjectID, kind, sessionID, eventID)
		if err != nil {
			span.RecordError(err)
			return Outcome{}, err
		}
		if reserved {
			out, err := s.execute(ctx, rec, exec)
			if err != nil {
				span.RecordError(err)
				return out, err
			}
			appliesTotal.Add(ctx, 1)
			span.SetAttributes(attribute.String("ledger.record_id", out.Record.ID))
			return out, nil
		}

		// Another attempt holds the reservation.
		existing, err := s.awaitTerminal(ctx, subjectID, kind)
		if err != nil {
			span.RecordError(err)
			return Outcome{}, err
		}
		if existing.Status == StatusApplied {
			duplicatesTotal.Add(ctx, 1)
			span.SetAttributes(attribute.Bool("ledger.already_applied", true))
			return Outcome{Record: existing, AlreadyApplied: true}, nil
		}
		// Holder failed; loop and try to reserve ourselves.
	}
	return Outcome{}, ErrInProgress
}

// reserve inserts a pending record. reserved is false when another non-failed
// record already holds the (subject, kind) slot.
func (s *Store) reserve(ctx context.Context, subjectID, kind, sessionID, eventID string) (Record, bool, error) {
	rec := Record{
		ID:            "act_" + uuid.New().String()[:12],
		SubjectID:     subjectID,
		ActionKind:    kind,
		Status:        StatusPending,
		SessionID:     sessionID,
		SourceEventID: eventID,
		CreatedAt:     s.now(),
	}
	err := s.execWithRetry(ctx,
		`INSERT INTO action_ledger (id, subject_id, action_kind, status, ticket, detail, session_id, source_event_id, created_at)
		 VALUES (?, ?, ?, ?, '', '', ?, ?, ?)`,
		rec.ID, rec.SubjectID, rec.ActionKind, rec.Status, rec.SessionID, rec.SourceEventID, rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("reserving action: %w", err)
	}
	return rec, true, nil
}

// execute runs the executor for a freshly reserved record and records the
// terminal status.
func (s *Store) execute(ctx context.Context, rec Record, exec Executor) (Outcome, error) {
	ticket, execErr := exec(ctx)
	if execErr != nil {
		failuresTotal.Add(ctx, 1)
		detail := execErr.Error()
		if err := s.execWithRetry(ctx,
			`UPDATE action_ledger SET status = ?, detail = ? WHERE id = ?`,
			StatusFailed, detail, rec.ID); err != nil {
			return Outcome{}, fmt.Errorf("recording failed action: %w", err)
		}
		rec.Status = StatusFailed
		rec.Detail = detail
		return Outcome{Record: rec}, fmt.Errorf("applying %s for %s: %w", rec.ActionKind, rec.SubjectID, execErr)
	}

	appliedAt := s.now()
	if err := s.execWithRetry(ctx,
		`UPDATE action_ledger SET status = ?, ticket = ?, applied_at = ? WHERE id = ?`,
		StatusApplied, ticket, appliedAt, rec.ID); err != nil {
		return Outcome{}, fmt.Errorf("recording applied action: %w", err)
	}
	rec.Status = StatusApplied
	rec.Ticket = ticket
	rec.AppliedAt = &appliedAt
	return Outcome{Record: rec}, nil
}

// awaitTerminal polls the active record for (subject, kind) until it reaches
// a terminal status or the context expires. Returns the last observed record;
// a failed record means the slot is free again.
func (s *Store) awaitTerminal(ctx context.Context, subjectID, kind string) (Record, error) {
	const (
		pollInterval = 25 * time.Millisecond
		maxWait      = 5 * time.Second
	)
	deadline := time.Now().Add(maxWait)
	for {
		rec, found, err := s.Active(ctx, subjectID, kind)
		if err != nil {
			return Record{}, err
		}
		if !found {
			// Holder failed and released; report as failed so the caller retries.
			return Record{Status: StatusFailed}, nil
		}
		if rec.Status != StatusPending {
			return rec, nil
		}
		if time.Now().After(deadline) {
			return rec, ErrInProgress
		}
		select {
		case <-ctx.Done():
			return Record{}, fmt.Errorf("waiting for action attempt: %w", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// Active returns the current non-failed record for (subject, kind), if any.
func (s *Store) Active(ctx context.Context, subjectID, kind string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, subject_id, action_kind, status, ticket, detail, session_id, source_event_id, created_at, applied_at
		 FROM action_ledger
		 WHERE subject_id = ? AND action_kind = ? AND status != ?`,
		subjectID, kind, StatusFailed)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("querying active action: %w", err)
	}
	return rec, true, nil
}

// IsApplied reports whether (subject, kind) has an applied record.
func (s *Store) IsApplied(ctx context.Context, subjectID, kind string) (bool, error) {
	rec, found, err := s.Active(ctx, subjectID, kind)
	if err != nil {
		return false, err
	}
	return found && rec.Status == StatusApplied, nil
}

// List returns a subject's ledger records, newest first. All attempts are
// returned including failed ones; the ledger is an audit trail, not just the
// active set.
func (s *Store) List(ctx context.Context, subjectID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id, action_kind, status, ticket, detail, session_id, source_event_id, created_at, applied_at
		 FROM action_ledger
		 WHERE subject_id = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing actions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var createdAt, appliedAt interface{}
	err := row.Scan(&rec.ID, &rec.SubjectID, &rec.ActionKind, &rec.Status,
		&rec.Ticket, &rec.Detail, &rec.SessionID, &rec.SourceEventID,
		&createdAt, &appliedAt)
	if err != nil {
		return Record{}, err
	}
	if t, ok := scanTime(createdAt); ok {
		rec.CreatedAt = t
	}
	if t, ok := scanTime(appliedAt); ok {
		rec.AppliedAt = &t
	}
	return rec, nil
}

// execWithRetry executes a write statement, retrying on SQLite busy/locked.
func (s *Store) execWithRetry(ctx context.Context, query string, args ...interface{}) error {
	const maxRetries = 15
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * 20 * time.Millisecond
			if backoff > 250*time.Millisecond {
				backoff = 250 * time.Millisecond
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}
		_, lastErr = s.db.ExecContext(ctx, query, args...)
		if lastErr == nil {
			return nil
		}
		if !isSQLiteLocked(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isSQLiteLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "locked")
}

// scanTime scans a column that may be time.Time or string depending on how
// the value was bound.
func scanTime(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case []byte:
		return parseSQLiteTime(string(val))
	case string:
		return parseSQLiteTime(val)
	}
	return time.Time{}, false
}

func parseSQLiteTime(s string) (time.Time, bool) {
	parsed, err := time.Parse("2006-01-02 15:04:05.999999999-07:00", s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, s)
	}
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

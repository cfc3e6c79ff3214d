// Package memory implements the two-tier memory store: a session-scoped
// short-term log written synchronously during evaluation, and a namespaced
// long-term fact store populated only by asynchronous extraction. Facts are
// immutable once written; newer facts supersede older ones by recency, never
// by in-place mutation.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	ospreyotel "github.com/osprey-io/osprey/internal/otel"
)

var tracer = ospreyotel.Tracer("github.com/osprey-io/osprey/internal/memory")

// Memory tiers. Short-term facts expire on a session TTL; long-term facts
// live on a longer TTL and are only written by the extractor.
const (
	TierShortTerm = "short_term"
	TierLongTerm  = "long_term"
)

// Fact kinds. Kinds with the "action." prefix describe protective actions
// and are what extraction promotes to the long-term tier.
const (
	KindPrefixAction = "action."
	KindPrefixVerdict = "verdict."
)

const schema = `
CREATE TABLE IF NOT EXISTS memory_facts (
    id TEXT PRIMARY KEY,
    namespace TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    tier TEXT NOT NULL,
    kind TEXT NOT NULL,
    fact_text TEXT NOT NULL,
    source_event_id TEXT NOT NULL DEFAULT '',
    session_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_facts_ns_subject ON memory_facts(namespace, subject_id);
CREATE INDEX IF NOT EXISTS idx_facts_tier ON memory_facts(namespace, tier);
CREATE INDEX IF NOT EXISTS idx_facts_kind ON memory_facts(namespace, subject_id, kind);
CREATE INDEX IF NOT EXISTS idx_facts_expiry ON memory_facts(expires_at);
`

// Fact is one memory record. Immutable once written.
type Fact struct {
	ID            string    `json:"id"`
	Namespace     string    `json:"namespace"`
	SubjectID     string    `json:"subject_id"`
	Tier          string    `json:"tier"`
	Kind          string    `json:"kind"`
	Text          string    `json:"fact_text"`
	SourceEventID string    `json:"source_event_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Store persists memory facts in SQLite, both tiers in one database with
// different expiry horizons.
type Store struct {
	db       *sql.DB
	shortTTL time.Duration
	longTTL  time.Duration
	now      func() time.Time
}

// NewStore opens (creating if needed) a memory store at dbPath with the given
// per-tier TTLs.
func NewStore(dbPath string, shortTTL, longTTL time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating memory schema: %w", err)
	}
	if shortTTL <= 0 {
		shortTTL = 24 * time.Hour
	}
	if longTTL <= 0 {
		longTTL = 30 * 24 * time.Hour
	}
	return &Store{db: db, shortTTL: shortTTL, longTTL: longTTL, now: func() time.Time { return time.Now().UTC() }}, nil
}

// SetClock replaces the store's time source. Tests use this to simulate TTL
// expiry and extraction delay without sleeping.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendShortTerm writes a session-tier fact synchronously. The fact is
// visible to the next Query in the same or a related session immediately.
func (s *Store) AppendShortTerm(ctx context.Context, fact *Fact) error {
	ctx, span := tracer.Start(ctx, "memory.append_short_term",
		trace.WithAttributes(
			attribute.String("namespace", fact.Namespace),
			attribute.String("subject_id", fact.SubjectID),
			attribute.String("kind", fact.Kind),
		))
	defer span.End()

	fact.Tier = TierShortTerm
	s.prepareFact(fact, s.shortTTL)
	if err := s.insertWithRetry(ctx, fact); err != nil {
		span.RecordError(err)
		return err
	}
	shortTermWrites.Add(ctx, 1)
	span.SetAttributes(attribute.String("memory.fact_id", fact.ID))
	return nil
}

// appendLongTerm writes a durable-tier fact. Only the extractor calls this;
// the aggregator and ledger never write long-term facts directly.
func (s *Store) appendLongTerm(ctx context.Context, fact *Fact) error {
	ctx, span := tracer.Start(ctx, "memory.append_long_term",
		trace.WithAttributes(
			attribute.String("namespace", fact.Namespace),
			attribute.String("subject_id", fact.SubjectID),
			attribute.String("kind", fact.Kind),
		))
	defer span.End()

	fact.Tier = TierLongTerm
	s.prepareFact(fact, s.longTTL)
	if err := s.insertWithRetry(ctx, fact); err != nil {
		span.RecordError(err)
		return err
	}
	longTermWrites.Add(ctx, 1)
	return nil
}

func (s *Store) prepareFact(fact *Fact, ttl time.Duration) {
	if fact.ID == "" {
		fact.ID = "fact_" + uuid.New().String()[:12]
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = s.now()
	}
	if fact.ExpiresAt.IsZero() {
		fact.ExpiresAt = fact.CreatedAt.Add(ttl)
	}
}

// Query returns unexpired facts for a subject ordered most-recent first.
// tier may be TierShortTerm, TierLongTerm, or "" to merge both tiers; in the
// merged view a short-term fact wins over a long-term fact of the same kind
// (short-term is always at least as fresh).
func (s *Store) Query(ctx context.Context, namespace, subjectID, tier string) ([]Fact, error) {
	ctx, span := tracer.Start(ctx, "memory.query",
		trace.WithAttributes(
			attribute.String("namespace", namespace),
			attribute.String("subject_id", subjectID),
			attribute.String("tier", tier),
		))
	defer span.End()

	query := `SELECT id, namespace, subject_id, tier, kind, fact_text, source_event_id, session_id, created_at, expires_at
	          FROM memory_facts
	          WHERE namespace = ? AND subject_id = ? AND expires_at > ?`
	args := []interface{}{namespace, subjectID, s.now()}
	if tier != "" {
		query += ` AND tier = ?`
		args = append(args, tier)
	}
	// Short-term sorts before long-term at equal recency.
	query += ` ORDER BY created_at DESC, CASE tier WHEN 'short_term' THEN 0 ELSE 1 END`

	facts, err := s.queryFacts(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if tier == "" {
		facts = preferShortTerm(facts)
	}
	readsTotal.Add(ctx, 1)
	span.SetAttributes(attribute.Int("memory.facts_returned", len(facts)))
	return facts, nil
}

// preferShortTerm drops long-term facts whose (subject, kind) also exists in
// the short-term tier. Input is recency-ordered; output preserves order.
func preferShortTerm(facts []Fact) []Fact {
	shortKinds := make(map[string]bool)
	for i := range facts {
		if facts[i].Tier == TierShortTerm {
			shortKinds[facts[i].SubjectID+"\x00"+facts[i].Kind] = true
		}
	}
	out := facts[:0]
	for i := range facts {
		if facts[i].Tier == TierLongTerm && shortKinds[facts[i].SubjectID+"\x00"+facts[i].Kind] {
			continue
		}
		out = append(out, facts[i])
	}
	return out
}

// HasFact reports whether an unexpired fact of the given kind exists for the
// subject in either tier. Used by read-before-decide: a "card blocked" fact
// from a prior session must be honored even with no short-term history.
func (s *Store) HasFact(ctx context.Context, namespace, subjectID, kind string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_facts
		 WHERE namespace = ? AND subject_id = ? AND kind = ? AND expires_at > ?`,
		namespace, subjectID, kind, s.now()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking fact %s: %w", kind, err)
	}
	return count > 0, nil
}

// Namespaces returns all namespaces with unexpired short-term facts. The
// extractor iterates these.
func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT namespace FROM memory_facts WHERE tier = ? AND expires_at > ?`,
		TierShortTerm, s.now())
	if err != nil {
		return nil, fmt.Errorf("querying namespaces: %w", err)
	}
	defer rows.Close()

	var namespaces []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			continue
		}
		namespaces = append(namespaces, ns)
	}
	return namespaces, rows.Err()
}

// PurgeExpired deletes facts past their expiry in both tiers. Returns the
// number of deleted facts.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "memory.purge_expired")
	defer span.End()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_facts WHERE expires_at <= ?`, s.now())
	if err != nil {
		return 0, fmt.Errorf("purging expired facts: %w", err)
	}
	affected, _ := result.RowsAffected()
	span.SetAttributes(attribute.Int64("memory.purged", affected))
	return affected, nil
}

// insertWithRetry inserts a fact, retrying on SQLite busy/locked.
func (s *Store) insertWithRetry(ctx context.Context, fact *Fact) error {
	const maxRetries = 15
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepRetry(ctx, attempt); err != nil {
				return err
			}
		}
		lastErr = s.insert(ctx, fact)
		if lastErr == nil {
			return nil
		}
		if !isSQLiteLocked(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (s *Store) insert(ctx context.Context, fact *Fact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_facts (id, namespace, subject_id, tier, kind, fact_text, source_event_id, session_id, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fact.ID, fact.Namespace, fact.SubjectID, fact.Tier, fact.Kind, fact.Text,
		fact.SourceEventID, fact.SessionID, fact.CreatedAt, fact.ExpiresAt)
	if err != nil {
		return fmt.Errorf("writing memory fact: %w", err)
	}
	return nil
}

func sleepRetry(ctx context.Context, attempt int) error {
	backoff := time.Duration(attempt*attempt) * 20 * time.Millisecond
	if backoff > 250*time.Millisecond {
		backoff = 250 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	case <-time.After(backoff):
		return nil
	}
}

// isSQLiteLocked reports whether the error is SQLite busy/locked (retryable).
func isSQLiteLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "locked")
}

func (s *Store) queryFacts(ctx context.Context, query string, args ...interface{}) ([]Fact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying memory facts: %w", err)
	}
	defer rows.Close()

	var results []Fact
	for rows.Next() {
		var f Fact
		var createdAt, expiresAt interface{}
		if err := rows.Scan(&f.ID, &f.Namespace, &f.SubjectID, &f.Tier, &f.Kind,
			&f.Text, &f.SourceEventID, &f.SessionID, &createdAt, &expiresAt); err != nil {
			continue
		}
		if t, ok := scanTime(createdAt); ok {
			f.CreatedAt = t
		}
		if t, ok := scanTime(expiresAt); ok {
			f.ExpiresAt = t
		}
		results = append(results, f)
	}
	return results, rows.Err()
}

// scanTime scans a column that may be time.Time or string (SQLite returns
// datetime as string depending on how the value was bound).
func scanTime(v interface{}) (t time.Time, ok bool) {
	if v == nil {
		return time.Time{}, false
	}
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

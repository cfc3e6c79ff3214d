package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Extractor promotes durable facts from the short-term tier to the long-term
// tier. It runs asynchronously (cron-scheduled) and is the only writer to the
// long-term tier. Extraction is best-effort: a failed pass leaves short-term
// facts in place for the next run.
type Extractor struct {
	store *Store
}

// NewExtractor returns an extractor over the given store.
func NewExtractor(store *Store) *Extractor {
	return &Extractor{store: store}
}

// ExtractionStats summarizes one extraction pass.
type ExtractionStats struct {
	Namespaces int
	Promoted   int
	Skipped    int
	Purged     int64
}

// RunOnce performs a single extraction pass across all namespaces with
// short-term activity: action-kind facts are promoted to the long-term tier,
// deduplicated per (namespace, subject, kind) so repeated short-term records
// of the same protective action yield one durable fact. Expired facts from
// both tiers are purged at the end of the pass.
func (e *Extractor) RunOnce(ctx context.Context) (ExtractionStats, error) {
	ctx, span := tracer.Start(ctx, "memory.extraction.run")
	defer span.End()

	extractionRuns.Add(ctx, 1)

	var stats ExtractionStats
	namespaces, err := e.store.Namespaces(ctx)
	if err != nil {
		span.RecordError(err)
		return stats, fmt.Errorf("listing extraction namespaces: %w", err)
	}
	stats.Namespaces = len(namespaces)

	for _, ns := range namespaces {
		promoted, skipped, err := e.extractNamespace(ctx, ns)
		if err != nil {
			// Keep going: one namespace failing must not starve the rest.
			log.Warn().Err(err).Str("namespace", ns).Msg("extraction_namespace_failed")
			continue
		}
		stats.Promoted += promoted
		stats.Skipped += skipped
	}

	purged, err := e.store.PurgeExpired(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("extraction_purge_failed")
	}
	stats.Purged = purged

	span.SetAttributes(
		attribute.Int("extraction.namespaces", stats.Namespaces),
		attribute.Int("extraction.promoted", stats.Promoted),
		attribute.Int("extraction.skipped", stats.Skipped),
	)
	log.Debug().
		Int("namespaces", stats.Namespaces).
		Int("promoted", stats.Promoted).
		Int("skipped", stats.Skipped).
		Int64("purged", stats.Purged).
		Msg("extraction_run_complete")
	return stats, nil
}

// extractNamespace promotes one namespace's action facts.
func (e *Extractor) extractNamespace(ctx context.Context, namespace string) (promoted, skipped int, err error) {
	candidates, err := e.candidates(ctx, namespace)
	if err != nil {
		return 0, 0, err
	}

	for i := range candidates {
		c := &candidates[i]
		exists, err := e.longTermExists(ctx, c.Namespace, c.SubjectID, c.Kind)
		if err != nil {
			return promoted, skipped, err
		}
		if exists {
			extractionDedup.Add(ctx, 1)
			skipped++
			continue
		}
		durable := Fact{
			Namespace:     c.Namespace,
			SubjectID:     c.SubjectID,
			Kind:          c.Kind,
			Text:          c.Text,
			SourceEventID: c.SourceEventID,
			SessionID:     c.SessionID,
		}
		if err := e.store.appendLongTerm(ctx, &durable); err != nil {
			return promoted, skipped, err
		}
		factsExtracted.Add(ctx, 1)
		promoted++
	}
	return promoted, skipped, nil
}

// candidates returns unexpired short-term action facts in the namespace,
// oldest first so the earliest record of an action becomes the durable one.
func (e *Extractor) candidates(ctx context.Context, namespace string) ([]Fact, error) {
	query := `SELECT id, namespace, subject_id, tier, kind, fact_text, source_event_id, session_id, created_at, expires_at
	          FROM memory_facts
	          WHERE namespace = ? AND tier = ? AND kind LIKE ? AND expires_at > ?
	          ORDER BY created_at ASC`
	return e.store.queryFacts(ctx, query, namespace, TierShortTerm, KindPrefixAction+"%", e.store.now())
}

func (e *Extractor) longTermExists(ctx context.Context, namespace, subjectID, kind string) (bool, error) {
	var count int
	err := e.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_facts
		 WHERE namespace = ? AND subject_id = ? AND kind = ? AND tier = ? AND expires_at > ?`,
		namespace, subjectID, kind, TierLongTerm, e.store.now()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking long-term fact %s: %w", kind, err)
	}
	return count > 0, nil
}

// ExpireShortTermBefore force-expires short-term facts created before the
// cutoff, so an actor's stale working log can be retired ahead of its TTL.
// The memory purge command exposes this through --actor and --before.
func (s *Store) ExpireShortTermBefore(ctx context.Context, namespace string, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE memory_facts SET expires_at = ? WHERE namespace = ? AND tier = ? AND created_at < ? AND expires_at > ?`,
		s.now(), namespace, TierShortTerm, cutoff, s.now())
	if err != nil {
		return 0, fmt.Errorf("expiring short-term facts: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

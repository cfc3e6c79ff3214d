// Package trigger owns the two entry points that start work: the webhook
// server that ingests transaction events, and the cron scheduler that runs
// long-term memory extraction.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/osprey-io/osprey/internal/memory"
)

// Scheduler runs memory extraction on a cron cadence.
type Scheduler struct {
	cron      *cron.Cron
	extractor *memory.Extractor
}

// NewScheduler creates a scheduler over the extractor.
// Cron expressions use the standard 5-field format: minute hour day-of-month
// month day-of-week (e.g. "*/1 * * * *" for every minute). Do not use
// WithSeconds() so docs and configs match.
func NewScheduler(extractor *memory.Extractor) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		extractor: extractor,
	}
}

// Register adds the extraction job under the given cron spec.
func (s *Scheduler) Register(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		stats, err := s.extractor.RunOnce(ctx)
		if err != nil {
			log.Error().Err(err).Msg("scheduled_extraction_failed")
			return
		}
		if stats.Promoted > 0 || stats.Purged > 0 {
			log.Info().
				Int("promoted", stats.Promoted).
				Int("skipped", stats.Skipped).
				Int64("purged", stats.Purged).
				Msg("scheduled_extraction_complete")
		}
	})
	if err != nil {
		return fmt.Errorf("registering extraction cron %q: %w", spec, err)
	}
	return nil
}

// Start begins executing registered cron jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries (for testing).
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

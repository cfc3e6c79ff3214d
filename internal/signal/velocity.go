package signal

import (
	"fmt"

	"github.com/osprey-io/osprey/internal/event"
)

// Velocity counts the subject's transactions inside the trailing window ending
// at the event's own timestamp (no wall clock) and scores the excess beyond
// the configured threshold. The current event itself counts toward the total.
func Velocity(cfg Config, ev *event.Event, history []event.Transaction) (Result, error) {
	cfg = cfg.withDefaults()

	cutoff := ev.Timestamp.Add(-cfg.VelocityWindow)
	count := 1 // the event being evaluated
	for i := range history {
		t := history[i].Timestamp
		if t.After(cutoff) && !t.After(ev.Timestamp) {
			count++
		}
	}

	evidence := map[string]string{
		"window":       cfg.VelocityWindow.String(),
		"transactions": fmt.Sprintf("%d", count),
		"threshold":    fmt.Sprintf("%d", cfg.VelocityThreshold),
	}

	if count <= cfg.VelocityThreshold {
		return Result{
			Name:      NameVelocity,
			Score:     clampScore(count * 30 / (cfg.VelocityThreshold + 1)),
			Rationale: fmt.Sprintf("%d transactions in %s, within threshold %d", count, cfg.VelocityWindow, cfg.VelocityThreshold),
			Evidence:  evidence,
		}, nil
	}

	// Each transaction past the threshold escalates the score.
	score := 50 + 15*(count-cfg.VelocityThreshold-1)
	return Result{
		Name:      NameVelocity,
		Score:     clampScore(score),
		Rationale: fmt.Sprintf("high velocity: %d transactions in %s exceeds threshold %d", count, cfg.VelocityWindow, cfg.VelocityThreshold),
		Evidence:  evidence,
	}, nil
}

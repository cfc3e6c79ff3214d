package signal

import (
	"fmt"

	"github.com/osprey-io/osprey/internal/event"
)

// Amount scores how far the event amount sits from the subject's typical
// spend range. Amounts inside the range score 0; above it the score climbs
// in bands with the ratio to the range's upper bound, saturating at the
// configured multiple; below it scores stay low (unusual, not risky).
func Amount(cfg Config, ev *event.Event, profile *event.Profile) (Result, error) {
	cfg = cfg.withDefaults()

	if profile == nil || profile.TypicalAmountHigh <= 0 {
		return Result{}, fmt.Errorf("%s: no spend baseline for subject: %w", NameAmount, ErrUnavailable)
	}

	low, high := profile.TypicalAmountLow, profile.TypicalAmountHigh
	evidence := map[string]string{
		"amount":        fmt.Sprintf("%.2f", ev.Amount),
		"typical_range": fmt.Sprintf("%.0f-%.0f", low, high),
	}

	if ev.Amount >= low && ev.Amount <= high {
		return Result{
			Name:      NameAmount,
			Score:     0,
			Rationale: "amount within typical range",
			Evidence:  evidence,
		}, nil
	}

	if ev.Amount < low {
		ratio := low / maxFloat(ev.Amount, 1)
		return Result{
			Name:      NameAmount,
			Score:     clampScore(min15(int(ratio * 5))),
			Rationale: fmt.Sprintf("amount below typical range (%.2f < %.0f)", ev.Amount, low),
			Evidence:  evidence,
		}, nil
	}

	ratio := ev.Amount / high
	evidence["ratio_to_typical"] = fmt.Sprintf("%.1f", ratio)

	var score int
	switch {
	case ratio >= cfg.AmountSaturation:
		score = 100
	case ratio > 5:
		score = 60
	case ratio > 3:
		score = 40
	case ratio > 1.5:
		score = 25
	default:
		score = 10
	}
	return Result{
		Name:      NameAmount,
		Score:     score,
		Rationale: fmt.Sprintf("amount %.1fx typical upper bound", ratio),
		Evidence:  evidence,
	}, nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func min15(n int) int {
	if n > 15 {
		return 15
	}
	return n
}

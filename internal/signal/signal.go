// Package signal implements the individual risk evaluators. Each evaluator is
// a pure function over (event, profile, history): no I/O, no clocks, no
// hidden state, so identical inputs always produce identical results.
package signal

import (
	"errors"
	"time"
)

// Signal names, as they appear in Verdict rationale and evidence.
const (
	NameTravel     = "travel_feasibility"
	NameVelocity   = "transaction_velocity"
	NameAmount     = "amount_anomaly"
	NameReputation = "counterparty_reputation"
)

// ErrUnavailable marks an evaluator that could not run for lack of data.
// The aggregator degrades that signal and continues; it never fails the
// whole evaluation for one missing signal.
var ErrUnavailable = errors.New("signal unavailable")

// Result is one evaluator's output. Produced fresh per evaluation, never
// persisted directly.
type Result struct {
	Name      string            `json:"signal_name"`
	Score     int               `json:"score"` // 0–100
	Rationale string            `json:"rationale"`
	Evidence  map[string]string `json:"evidence,omitempty"`
}

// Config tunes the evaluators. Zero values are replaced with the package
// defaults so a partially filled config stays usable in tests.
type Config struct {
	MaxFeasibleSpeedKMH float64       // travel ceiling, default 1000 km/h
	ConnectionBuffer    time.Duration // subtracted from elapsed time, default 45m
	VelocityWindow      time.Duration // default 10m
	VelocityThreshold   int           // default 3
	AmountSaturation    float64       // ratio that saturates the amount score, default 10
}

func (c Config) withDefaults() Config {
	if c.MaxFeasibleSpeedKMH <= 0 {
		c.MaxFeasibleSpeedKMH = 1000
	}
	if c.ConnectionBuffer <= 0 {
		c.ConnectionBuffer = 45 * time.Minute
	}
	if c.VelocityWindow <= 0 {
		c.VelocityWindow = 10 * time.Minute
	}
	if c.VelocityThreshold <= 0 {
		c.VelocityThreshold = 3
	}
	if c.AmountSaturation <= 1 {
		c.AmountSaturation = 10
	}
	return c
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

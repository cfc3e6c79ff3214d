package signal

import (
	"fmt"
	"strings"
)

// ReputationReport is the counterparty classification returned by the
// reputation capability (possibly from a remote service).
type ReputationReport struct {
	CounterpartyID string  `json:"counterparty_id"`
	RiskRating     string  `json:"risk_rating"` // LOW, MEDIUM, HIGH, UNKNOWN
	FraudReports   int     `json:"fraud_reports"`
	ChargebackRate float64 `json:"chargeback_rate"`
	Verified       bool    `json:"verified"`
}

// Reputation maps the counterparty's categorical risk tier to a score band.
// An unknown counterparty lands mid-band; an unverified one is nudged up.
func Reputation(report *ReputationReport) (Result, error) {
	if report == nil {
		return Result{}, fmt.Errorf("%s: no reputation data: %w", NameReputation, ErrUnavailable)
	}

	var score int
	rating := strings.ToUpper(report.RiskRating)
	switch rating {
	case "LOW":
		score = 5
	case "MEDIUM":
		score = 40
	case "HIGH":
		score = 85
	default:
		rating = "UNKNOWN"
		score = 50
	}
	if !report.Verified && rating != "UNKNOWN" {
		score += 10
	}

	return Result{
		Name:      NameReputation,
		Score:     clampScore(score),
		Rationale: fmt.Sprintf("counterparty risk rating %s (%d fraud reports)", rating, report.FraudReports),
		Evidence: map[string]string{
			"counterparty_id": report.CounterpartyID,
			"risk_rating":     rating,
			"fraud_reports":   fmt.Sprintf("%d", report.FraudReports),
			"verified":        fmt.Sprintf("%t", report.Verified),
		},
	}, nil
}

package datasource

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/osprey-io/osprey/internal/event"
)

// fixtureFile is the YAML shape for subject and counterparty fixtures.
type fixtureFile struct {
	Subjects       []subjectFixture `yaml:"subjects"`
	Counterparties []Reputation     `yaml:"counterparties"`
}

type subjectFixture struct {
	SubjectID         string               `yaml:"subject_id"`
	Name              string               `yaml:"name"`
	Home              string               `yaml:"home"`
	Status            string               `yaml:"status"`
	TypicalAmountLow  float64              `yaml:"typical_amount_low"`
	TypicalAmountHigh float64              `yaml:"typical_amount_high"`
	History           []transactionFixture `yaml:"history"`
}

type transactionFixture struct {
	Timestamp time.Time `yaml:"timestamp"`
	Amount    float64   `yaml:"amount"`
	Place     string    `yaml:"place"`
}

// LoadFile populates the store from a YAML fixture file. Place names must
// resolve through the event place table.
func LoadFile(s *Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading fixtures: %w", err)
	}

	var file fixtureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing fixtures: %w", err)
	}

	for _, sub := range file.Subjects {
		if sub.SubjectID == "" {
			return fmt.Errorf("fixture subject missing subject_id")
		}
		home, ok := event.ResolvePlace(sub.Home)
		if !ok {
			return fmt.Errorf("subject %s: unknown home place %q", sub.SubjectID, sub.Home)
		}
		status := event.SubjectStatus(sub.Status)
		if status == "" {
			status = event.StatusActive
		}
		s.PutProfile(event.Profile{
			SubjectID:         sub.SubjectID,
			Name:              sub.Name,
			HomeLocation:      home,
			Status:            status,
			TypicalAmountLow:  sub.TypicalAmountLow,
			TypicalAmountHigh: sub.TypicalAmountHigh,
		})
		for _, tx := range sub.History {
			loc, ok := event.ResolvePlace(tx.Place)
			if !ok {
				return fmt.Errorf("subject %s: unknown history place %q", sub.SubjectID, tx.Place)
			}
			s.RecordTransaction(event.Transaction{
				SubjectID: sub.SubjectID,
				Timestamp: tx.Timestamp,
				Amount:    tx.Amount,
				Location:  loc,
			})
		}
	}

	for _, cp := range file.Counterparties {
		if cp.CounterpartyID == "" {
			return fmt.Errorf("fixture counterparty missing counterparty_id")
		}
		s.PutReputation(cp)
	}
	return nil
}

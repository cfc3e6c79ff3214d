package datasource

import (
	"time"

	"github.com/osprey-io/osprey/internal/event"
)

// DefaultFixtures populates the store with the built-in demo subjects and
// counterparties. Histories are anchored relative to now so velocity and
// travel evaluations behave the same whenever the fixtures load.
func DefaultFixtures(s *Store, now time.Time) {
	london, _ := event.ResolvePlace("London")
	newYork, _ := event.ResolvePlace("New York")
	berlin, _ := event.ResolvePlace("Berlin")
	frankfurt, _ := event.ResolvePlace("Frankfurt")
	singapore, _ := event.ResolvePlace("Singapore")

	s.PutProfile(event.Profile{
		SubjectID:         "user_123",
		Name:              "John Doe",
		HomeLocation:      london,
		Status:            event.StatusActive,
		TypicalAmountLow:  10,
		TypicalAmountHigh: 200,
	})
	s.PutProfile(event.Profile{
		SubjectID:         "user_456",
		Name:              "Jane Smith",
		HomeLocation:      newYork,
		Status:            event.StatusActive,
		TypicalAmountLow:  20,
		TypicalAmountHigh: 500,
	})
	s.PutProfile(event.Profile{
		SubjectID:         "user_789",
		Name:              "Bob Wilson",
		HomeLocation:      berlin,
		Status:            event.StatusActive,
		TypicalAmountLow:  15,
		TypicalAmountHigh: 300,
	})
	s.PutProfile(event.Profile{
		SubjectID:         "user_321",
		Name:              "Alice Chen",
		HomeLocation:      singapore,
		Status:            event.StatusSuspended,
		TypicalAmountLow:  50,
		TypicalAmountHigh: 1000,
	})

	s.RecordTransaction(event.Transaction{
		SubjectID: "user_123",
		Timestamp: now.Add(-2 * time.Hour),
		Amount:    42.50,
		Location:  london,
	})
	s.RecordTransaction(event.Transaction{
		SubjectID: "user_456",
		Timestamp: now.Add(-26 * time.Hour),
		Amount:    180,
		Location:  newYork,
	})
	// Bob commutes: Berlin yesterday, Frankfurt this morning.
	s.RecordTransaction(event.Transaction{
		SubjectID: "user_789",
		Timestamp: now.Add(-20 * time.Hour),
		Amount:    60,
		Location:  berlin,
	})
	s.RecordTransaction(event.Transaction{
		SubjectID: "user_789",
		Timestamp: now.Add(-3 * time.Hour),
		Amount:    25,
		Location:  frankfurt,
	})
	s.RecordTransaction(event.Transaction{
		SubjectID: "user_321",
		Timestamp: now.Add(-8 * time.Hour),
		Amount:    420,
		Location:  singapore,
	})

	s.PutReputation(Reputation{
		CounterpartyID: "merchant_coffee_corner",
		RiskRating:     "LOW",
		FraudReports:   0,
		ChargebackRate: 0.002,
		Verified:       true,
	})
	s.PutReputation(Reputation{
		CounterpartyID: "merchant_luxe_resale",
		RiskRating:     "MEDIUM",
		FraudReports:   4,
		ChargebackRate: 0.031,
		Verified:       true,
	})
	s.PutReputation(Reputation{
		CounterpartyID: "merchant_quickcash_gift",
		RiskRating:     "HIGH",
		FraudReports:   27,
		ChargebackRate: 0.184,
		Verified:       false,
	})
	s.PutReputation(Reputation{
		CounterpartyID: "merchant_new_storefront",
		RiskRating:     "UNKNOWN",
		FraudReports:   0,
		ChargebackRate: 0,
		Verified:       false,
	})
}

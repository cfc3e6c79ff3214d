// Package datasource provides the external data the triage core consumes:
// subject profiles, transaction history, and counterparty reputation. The
// in-memory store is the fixture backend for local runs and tests; each
// lookup is also exposed as a capability so deployments can swap in remote
// sources through the tool router without touching the core.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/osprey-io/osprey/internal/event"
)

// ErrSubjectNotFound is returned for lookups on unknown subjects.
var ErrSubjectNotFound = errors.New("subject not found")

// Reputation is the counterparty record as reported by the reputation source.
type Reputation struct {
	CounterpartyID string  `json:"counterparty_id" yaml:"counterparty_id"`
	RiskRating     string  `json:"risk_rating" yaml:"risk_rating"`
	FraudReports   int     `json:"fraud_reports" yaml:"fraud_reports"`
	ChargebackRate float64 `json:"chargeback_rate" yaml:"chargeback_rate"`
	Verified       bool    `json:"verified" yaml:"verified"`
}

// Store holds profiles, per-subject transaction history, and counterparty
// reputation records. Thread-safe; the ingestion path records transactions
// while evaluations read.
type Store struct {
	mu             sync.RWMutex
	profiles       map[string]event.Profile
	history        map[string][]event.Transaction
	counterparties map[string]Reputation
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		profiles:       make(map[string]event.Profile),
		history:        make(map[string][]event.Transaction),
		counterparties: make(map[string]Reputation),
	}
}

// PutProfile adds or replaces a subject profile.
func (s *Store) PutProfile(p event.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.SubjectID] = p
}

// Profile returns the subject's profile.
func (s *Store) Profile(ctx context.Context, subjectID string) (event.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[subjectID]
	if !ok {
		return event.Profile{}, fmt.Errorf("%w: %s", ErrSubjectNotFound, subjectID)
	}
	return p, nil
}

// RecordTransaction appends a transaction to the subject's history. History
// is kept sorted by timestamp; out-of-order arrivals are inserted in place.
func (s *Store) RecordTransaction(tx event.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.history[tx.SubjectID], tx)
	sort.Slice(h, func(i, j int) bool { return h[i].Timestamp.Before(h[j].Timestamp) })
	s.history[tx.SubjectID] = h
}

// History returns a copy of the subject's transactions, oldest first. An
// unknown subject has empty history, not an error: new subjects exist the
// moment their first event arrives.
func (s *Store) History(ctx context.Context, subjectID string) ([]event.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[subjectID]
	out := make([]event.Transaction, len(h))
	copy(out, h)
	return out, nil
}

// LastBefore returns the subject's most recent transaction strictly before t,
// or nil when there is none.
func (s *Store) LastBefore(ctx context.Context, subjectID string, t time.Time) (*event.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[subjectID]
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Timestamp.Before(t) {
			tx := h[i]
			return &tx, nil
		}
	}
	return nil, nil
}

// PutReputation adds or replaces a counterparty reputation record.
func (s *Store) PutReputation(r Reputation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counterparties[r.CounterpartyID] = r
}

// Reputation returns the counterparty's record. Unknown counterparties return
// (nil, nil): absence of a record is a signal-availability question for the
// evaluator, not a data-source failure.
func (s *Store) Reputation(ctx context.Context, counterpartyID string) (*Reputation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.counterparties[counterpartyID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// Package event defines the transaction event schema and the read-only
// subject profile consumed by the triage core. Events are immutable once
// received; a malformed event is the only failure that is fatal to an
// evaluation.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Location is a point on the globe. Events may carry coordinates directly or
// a resolvable place name (see ResolvePlace).
type Location struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Place string  `json:"place,omitempty"`
}

// Event is one transaction alert for a subject.
type Event struct {
	ID             string            `json:"event_id"`
	SubjectID      string            `json:"subject_id"`
	Timestamp      time.Time         `json:"timestamp"`
	Amount         float64           `json:"amount"`
	Currency       string            `json:"currency"`
	Location       Location          `json:"location"`
	CounterpartyID string            `json:"counterparty_id"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// SubjectStatus is the account standing reported by the profile source.
type SubjectStatus string

const (
	StatusActive    SubjectStatus = "active"
	StatusSuspended SubjectStatus = "suspended"
)

// Profile is the subject's record as owned by the external data source.
// Read-only to the core.
type Profile struct {
	SubjectID    string        `json:"subject_id"`
	Name         string        `json:"name,omitempty"`
	HomeLocation Location      `json:"home_location"`
	Status       SubjectStatus `json:"status"`
	// TypicalAmountLow/High bound the subject's usual spend per transaction.
	TypicalAmountLow  float64 `json:"typical_amount_low"`
	TypicalAmountHigh float64 `json:"typical_amount_high"`
}

// Transaction is one historical transaction, as returned by the history source.
type Transaction struct {
	SubjectID string    `json:"subject_id"`
	Timestamp time.Time `json:"timestamp"`
	Amount    float64   `json:"amount"`
	Location  Location  `json:"location"`
}

// Parse decodes and validates an event from JSON, assigning an ID when the
// payload carries none.
func Parse(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.ID == "" {
		ev.ID = "evt_" + uuid.New().String()[:12]
	}
	return &ev, nil
}

// Validate checks the fields an evaluation cannot proceed without.
func (e *Event) Validate() error {
	if e.SubjectID == "" {
		return fmt.Errorf("event missing subject_id")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event missing timestamp")
	}
	if e.Amount < 0 {
		return fmt.Errorf("event amount must not be negative (got %v)", e.Amount)
	}
	if _, err := e.Location.Resolve(); err != nil {
		return fmt.Errorf("event location: %w", err)
	}
	return nil
}

// Resolve returns concrete coordinates for the location. A location with a
// place name but zero coordinates is looked up in the place table; a location
// with explicit coordinates is returned as-is.
func (l Location) Resolve() (Location, error) {
	if l.Lat != 0 || l.Lon != 0 {
		return l, nil
	}
	if l.Place == "" {
		return Location{}, fmt.Errorf("no coordinates and no place name")
	}
	resolved, ok := ResolvePlace(l.Place)
	if !ok {
		return Location{}, fmt.Errorf("unknown place %q", l.Place)
	}
	resolved.Place = l.Place
	return resolved, nil
}

// places maps normalized city names to coordinates. Covers the cities the
// demo scenarios and profile fixtures reference; a production deployment
// would resolve via a geocoding capability instead.
var places = map[string]Location{
	"london":    {Lat: 51.5074, Lon: -0.1278},
	"tokyo":     {Lat: 35.6762, Lon: 139.6503},
	"new york":  {Lat: 40.7128, Lon: -74.0060},
	"berlin":    {Lat: 52.5200, Lon: 13.4050},
	"frankfurt": {Lat: 50.1109, Lon: 8.6821},
	"singapore": {Lat: 1.3521, Lon: 103.8198},
	"paris":     {Lat: 48.8566, Lon: 2.3522},
	"sydney":    {Lat: -33.8688, Lon: 151.2093},
	"sao paulo": {Lat: -23.5505, Lon: -46.6333},
	"lagos":     {Lat: 6.5244, Lon: 3.3792},
}

// ResolvePlace looks up coordinates for a place name. Names are matched on
// the city component, case-insensitively ("London, UK" resolves as "london").
func ResolvePlace(name string) (Location, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if i := strings.IndexByte(key, ','); i >= 0 {
		key = strings.TrimSpace(key[:i])
	}
	loc, ok := places[key]
	return loc, ok
}

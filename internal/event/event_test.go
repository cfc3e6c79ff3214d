package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ValidEvent(t *testing.T) {
	payload := `{
		"subject_id": "user_123",
		"timestamp": "2026-03-10T09:00:00Z",
		"amount": 250.00,
		"currency": "GBP",
		"location": {"place": "London, UK"},
		"counterparty_id": "merchant_coffee_corner"
	}`

	ev, err := Parse([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "user_123", ev.SubjectID)
	assert.Equal(t, 250.00, ev.Amount)
	assert.True(t, len(ev.ID) > 4 && ev.ID[:4] == "evt_", "missing IDs are assigned")
}

func TestParse_KeepsProvidedID(t *testing.T) {
	payload := `{
		"event_id": "evt_upstream001",
		"subject_id": "user_123",
		"timestamp": "2026-03-10T09:00:00Z",
		"amount": 10,
		"location": {"lat": 51.5, "lon": -0.12}
	}`

	ev, err := Parse([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "evt_upstream001", ev.ID)
}

func TestParse_RejectsMalformedEvents(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"invalid json", `{"subject_id": `},
		{"missing subject", `{"timestamp": "2026-03-10T09:00:00Z", "amount": 5, "location": {"place": "London"}}`},
		{"missing timestamp", `{"subject_id": "u", "amount": 5, "location": {"place": "London"}}`},
		{"negative amount", `{"subject_id": "u", "timestamp": "2026-03-10T09:00:00Z", "amount": -5, "location": {"place": "London"}}`},
		{"unresolvable location", `{"subject_id": "u", "timestamp": "2026-03-10T09:00:00Z", "amount": 5, "location": {"place": "Atlantis"}}`},
		{"no location at all", `{"subject_id": "u", "timestamp": "2026-03-10T09:00:00Z", "amount": 5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.payload))
			assert.Error(t, err)
		})
	}
}

func TestResolvePlace(t *testing.T) {
	loc, ok := ResolvePlace("Tokyo")
	require.True(t, ok)
	assert.InDelta(t, 35.6762, loc.Lat, 0.01)

	// City component before the comma, case-insensitive.
	loc, ok = ResolvePlace("  london, UK ")
	require.True(t, ok)
	assert.InDelta(t, 51.5074, loc.Lat, 0.01)

	_, ok = ResolvePlace("Nowhereville")
	assert.False(t, ok)
}

func TestLocationResolve_ExplicitCoordinatesWin(t *testing.T) {
	loc := Location{Lat: 1.0, Lon: 2.0, Place: "Tokyo"}
	resolved, err := loc.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 1.0, resolved.Lat, "explicit coordinates are not overridden by the place name")
}

func TestValidate_ZeroAmountAllowed(t *testing.T) {
	ev := &Event{
		SubjectID: "user_123",
		Timestamp: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		Amount:    0,
		Location:  Location{Place: "Berlin"},
	}
	assert.NoError(t, ev.Validate(), "zero-amount events (auth checks) are valid")
}

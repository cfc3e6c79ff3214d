package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osprey-io/osprey/internal/event"
)

var (
	london = event.Location{Lat: 51.5074, Lon: -0.1278}
	tokyo  = event.Location{Lat: 35.6762, Lon: 139.6503}
	paris  = event.Location{Lat: 48.8566, Lon: 2.3522}
)

func txAt(loc event.Location, ts time.Time) *event.Transaction {
	return &event.Transaction{SubjectID: "user_123", Timestamp: ts, Amount: 50, Location: loc}
}

func evAt(loc event.Location, ts time.Time) *event.Event {
	return &event.Event{
		ID:        "evt_test",
		SubjectID: "user_123",
		Timestamp: ts,
		Amount:    50,
		Location:  loc,
	}
}

func TestTravel_ImpossibleSpeedScoresAtLeast95(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	prior := txAt(london, base)
	ev := evAt(tokyo, base.Add(15*time.Minute))

	res, err := Travel(Config{}, ev, prior)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Score, 95, "London to Tokyo in 15 minutes is impossible")
	assert.Equal(t, NameTravel, res.Name)
	assert.Contains(t, res.Rationale, "impossible travel")
}

func TestTravel_OutOfOrderEventsScoreMax(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	prior := txAt(london, base)
	ev := evAt(tokyo, base) // same timestamp

	res, err := Travel(Config{}, ev, prior)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Score)
	assert.Contains(t, res.Rationale, "out-of-order")
}

func TestTravel_LocalMovementScoresZero(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	prior := txAt(london, base)
	nearby := event.Location{Lat: 51.52, Lon: -0.10} // across town
	ev := evAt(nearby, base.Add(25*time.Minute))

	res, err := Travel(Config{}, ev, prior)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Score, "crossing town over lunch is not travel")
}

func TestTravel_ShortGapImpossibleSpeedScoresAtLeast95(t *testing.T) {
	// Two uses 40 km apart within seconds: the classic cloned-card pattern.
	// The connection buffer must not swallow the gap and mask the speed.
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	prior := txAt(london, base)
	outOfTown := event.Location{Lat: 51.5074, Lon: 0.45}
	ev := evAt(outOfTown, base.Add(30*time.Second))

	res, err := Travel(Config{}, ev, prior)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Score, 95, "40 km in 30 seconds is impossible")
	assert.Contains(t, res.Rationale, "impossible travel")
}

func TestTravel_FeasibleSpeedScoresLow(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	prior := txAt(london, base)
	ev := evAt(paris, base.Add(5*time.Hour))

	res, err := Travel(Config{}, ev, prior)
	require.NoError(t, err)
	assert.Less(t, res.Score, 20, "London to Paris in 5 hours is ordinary travel")
	assert.Contains(t, res.Rationale, "feasible")
}

func TestTravel_NoPriorTransactionUnavailable(t *testing.T) {
	ev := evAt(london, time.Now().UTC())

	_, err := Travel(Config{}, ev, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestVelocity_WithinThreshold(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ev := evAt(london, base)
	history := []event.Transaction{
		*txAt(london, base.Add(-5 * time.Minute)),
	}

	res, err := Velocity(Config{}, ev, history)
	require.NoError(t, err)
	assert.Equal(t, 15, res.Score, "2 transactions in the window, threshold 3")
}

func TestVelocity_ExceedsThreshold(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ev := evAt(london, base)
	var history []event.Transaction
	for i := 1; i <= 4; i++ {
		history = append(history, *txAt(london, base.Add(-time.Duration(i)*time.Minute)))
	}

	res, err := Velocity(Config{}, ev, history)
	require.NoError(t, err)
	assert.Equal(t, 65, res.Score, "5 transactions in the window, threshold 3")
	assert.Contains(t, res.Rationale, "high velocity")
}

func TestVelocity_IgnoresTransactionsOutsideWindow(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ev := evAt(london, base)
	history := []event.Transaction{
		*txAt(london, base.Add(-11 * time.Minute)), // outside 10m window
		*txAt(london, base.Add(time.Minute)),       // after the event
	}

	res, err := Velocity(Config{}, ev, history)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Score, "only the event itself counts")
}

func TestAmount_Bands(t *testing.T) {
	profile := &event.Profile{SubjectID: "user_123", TypicalAmountLow: 10, TypicalAmountHigh: 200}

	tests := []struct {
		name   string
		amount float64
		score  int
	}{
		{"within range", 150, 0},
		{"slightly above", 450, 25},
		{"several times typical", 700, 40},
		{"well above typical", 1500, 60},
		{"saturated", 2000, 100},
		{"below range", 5, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := evAt(london, time.Now().UTC())
			ev.Amount = tt.amount
			res, err := Amount(Config{}, ev, profile)
			require.NoError(t, err)
			assert.Equal(t, tt.score, res.Score)
		})
	}
}

func TestAmount_NoBaselineUnavailable(t *testing.T) {
	ev := evAt(london, time.Now().UTC())

	_, err := Amount(Config{}, ev, nil)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = Amount(Config{}, ev, &event.Profile{SubjectID: "user_123"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestReputation_RatingBands(t *testing.T) {
	tests := []struct {
		rating   string
		verified bool
		score    int
	}{
		{"LOW", true, 5},
		{"LOW", false, 15},
		{"MEDIUM", true, 40},
		{"HIGH", true, 85},
		{"HIGH", false, 95},
		{"UNKNOWN", false, 50},
		{"garbage", false, 50}, // unrecognized ratings land mid-band, no unverified bump
	}
	for _, tt := range tests {
		t.Run(tt.rating, func(t *testing.T) {
			res, err := Reputation(&ReputationReport{
				CounterpartyID: "merchant_x",
				RiskRating:     tt.rating,
				Verified:       tt.verified,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.score, res.Score)
		})
	}
}

func TestReputation_NilReportUnavailable(t *testing.T) {
	_, err := Reputation(nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

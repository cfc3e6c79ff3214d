package signal

import (
	"fmt"
	"math"

	"github.com/osprey-io/osprey/internal/event"
)

const earthRadiusKM = 6371.0

// Travel computes the travel-feasibility signal from the current event and
// the subject's prior known transaction. The implied speed between the two
// points is compared against the maximum feasible speed; exceeding it scores
// 95–100 regardless of direction of travel.
//
// Elapsed time ≤ 0 (clock skew, out-of-order delivery) is treated as maximal
// anomaly rather than dividing by zero or a negative.
func Travel(cfg Config, ev *event.Event, prior *event.Transaction) (Result, error) {
	cfg = cfg.withDefaults()

	if prior == nil {
		return Result{}, fmt.Errorf("%s: no prior transaction: %w", NameTravel, ErrUnavailable)
	}

	here, err := ev.Location.Resolve()
	if err != nil {
		return Result{}, fmt.Errorf("%s: current location: %w", NameTravel, ErrUnavailable)
	}
	there, err := prior.Location.Resolve()
	if err != nil {
		return Result{}, fmt.Errorf("%s: prior location: %w", NameTravel, ErrUnavailable)
	}

	distKM := haversineKM(there, here)
	elapsed := ev.Timestamp.Sub(prior.Timestamp)

	evidence := map[string]string{
		"distance_km": fmt.Sprintf("%.1f", distKM),
		"elapsed":     elapsed.String(),
	}

	if elapsed <= 0 {
		return Result{
			Name:      NameTravel,
			Score:     100,
			Rationale: "out-of-order events: prior transaction is not earlier than current",
			Evidence:  evidence,
		}, nil
	}

	// A real traveler loses time to the connection; crediting it makes the
	// implied speed strictly higher, so the check only gets stricter. Gaps
	// shorter than the buffer keep their raw elapsed time: a card used in
	// two places seconds apart has no connection to credit.
	effective := elapsed
	if elapsed > cfg.ConnectionBuffer {
		effective = elapsed - cfg.ConnectionBuffer
	}
	speedKMH := distKM / effective.Hours()
	evidence["implied_speed_kmh"] = fmt.Sprintf("%.0f", speedKMH)

	if speedKMH >= cfg.MaxFeasibleSpeedKMH {
		over := (speedKMH - cfg.MaxFeasibleSpeedKMH) / cfg.MaxFeasibleSpeedKMH
		score := 95 + int(math.Min(5, over*5))
		return Result{
			Name:      NameTravel,
			Score:     clampScore(score),
			Rationale: fmt.Sprintf("impossible travel: %.1f km in %s implies %.0f km/h", distKM, elapsed, speedKMH),
			Evidence:  evidence,
		}, nil
	}

	// Below the ceiling the score shrinks with the remaining margin.
	score := int(90 * speedKMH / cfg.MaxFeasibleSpeedKMH)
	return Result{
		Name:      NameTravel,
		Score:     clampScore(score),
		Rationale: fmt.Sprintf("feasible travel at %.0f km/h (ceiling %.0f km/h)", speedKMH, cfg.MaxFeasibleSpeedKMH),
		Evidence:  evidence,
	}, nil
}

// haversineKM returns the great-circle distance between two points.
func haversineKM(a, b event.Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(h))
}

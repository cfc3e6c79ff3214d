package triage

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/osprey-io/osprey/internal/triage")

var (
	verdictsTotal metric.Int64Counter
	signalSkips   metric.Int64Counter
)

func init() {
	var err error
	verdictsTotal, err = meter.Int64Counter("triage.verdicts.total",
		metric.WithDescription("Verdicts reached, by decision"))
	if err != nil {
		verdictsTotal, _ = meter.Int64Counter("triage.verdicts.total.fallback")
	}

	signalSkips, err = meter.Int64Counter("triage.signal_skips.total",
		metric.WithDescription("Signal evaluations skipped as unavailable"))
	if err != nil {
		signalSkips, _ = meter.Int64Counter("triage.signal_skips.total.fallback")
	}
}

func withDecision(decision string) metric.AddOption {
	return metric.WithAttributes(attribute.String("decision", decision))
}

func withSignal(name string) metric.AddOption {
	return metric.WithAttributes(attribute.String("signal", name))
}

package tools

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/osprey-io/osprey/internal/tools")

var (
	invocationsTotal  metric.Int64Counter
	circuitRejections metric.Int64Counter
)

func init() {
	var err error
	invocationsTotal, err = meter.Int64Counter("tools.invocations.total",
		metric.WithDescription("Capability invocations by outcome"))
	if err != nil {
		invocationsTotal, _ = meter.Int64Counter("tools.invocations.total.fallback")
	}

	circuitRejections, err = meter.Int64Counter("tools.circuit.rejections",
		metric.WithDescription("Invocations rejected by an open circuit"))
	if err != nil {
		circuitRejections, _ = meter.Int64Counter("tools.circuit.rejections.fallback")
	}
}

func withOutcome(capability, outcome string) metric.AddOption {
	return metric.WithAttributes(
		attribute.String("capability", capability),
		attribute.String("outcome", outcome),
	)
}

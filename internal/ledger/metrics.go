package ledger

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/osprey-io/osprey/internal/ledger")

var (
	appliesTotal    metric.Int64Counter
	duplicatesTotal metric.Int64Counter
	failuresTotal   metric.Int64Counter
)

func init() {
	var err error
	appliesTotal, err = meter.Int64Counter("ledger.applies.total",
		metric.WithDescription("Actions applied through the ledger"))
	if err != nil {
		appliesTotal, _ = meter.Int64Counter("ledger.applies.total.fallback")
	}

	duplicatesTotal, err = meter.Int64Counter("ledger.duplicates.total",
		metric.WithDescription("Apply calls short-circuited by an existing applied record"))
	if err != nil {
		duplicatesTotal, _ = meter.Int64Counter("ledger.duplicates.total.fallback")
	}

	failuresTotal, err = meter.Int64Counter("ledger.failures.total",
		metric.WithDescription("Action executions that failed"))
	if err != nil {
		failuresTotal, _ = meter.Int64Counter("ledger.failures.total.fallback")
	}
}

package memory

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/osprey-io/osprey/internal/memory")

var (
	shortTermWrites metric.Int64Counter
	longTermWrites  metric.Int64Counter
	readsTotal      metric.Int64Counter
	extractionRuns  metric.Int64Counter
	factsExtracted  metric.Int64Counter
	extractionDedup metric.Int64Counter
)

func init() {
	var err error
	shortTermWrites, err = meter.Int64Counter("memory.short_term.writes",
		metric.WithDescription("Short-term fact writes"))
	if err != nil {
		shortTermWrites, _ = meter.Int64Counter("memory.short_term.writes.fallback")
	}

	longTermWrites, err = meter.Int64Counter("memory.long_term.writes",
		metric.WithDescription("Long-term fact writes (extraction only)"))
	if err != nil {
		longTermWrites, _ = meter.Int64Counter("memory.long_term.writes.fallback")
	}

	readsTotal, err = meter.Int64Counter("memory.reads.total",
		metric.WithDescription("Memory query operations"))
	if err != nil {
		readsTotal, _ = meter.Int64Counter("memory.reads.total.fallback")
	}

	extractionRuns, err = meter.Int64Counter("memory.extraction.runs",
		metric.WithDescription("Extraction passes over short-term facts"))
	if err != nil {
		extractionRuns, _ = meter.Int64Counter("memory.extraction.runs.fallback")
	}

	factsExtracted, err = meter.Int64Counter("memory.extraction.facts",
		metric.WithDescription("Long-term facts derived by extraction"))
	if err != nil {
		factsExtracted, _ = meter.Int64Counter("memory.extraction.facts.fallback")
	}

	extractionDedup, err = meter.Int64Counter("memory.extraction.dedup_skips",
		metric.WithDescription("Extraction candidates skipped as duplicates"))
	if err != nil {
		extractionDedup, _ = meter.Int64Counter("memory.extraction.dedup_skips.fallback")
	}
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	ospreyotel "github.com/osprey-io/osprey/internal/otel"
)

// RouterConfig tunes the invocation envelope.
type RouterConfig struct {
	// Timeout caps every single attempt. Default 5s.
	Timeout time.Duration
	// MaxRetries bounds additional attempts after the first, transient
	// transport failures only. Default 2.
	MaxRetries int
	// RetryBackoff is the base backoff between attempts, doubled each retry.
	// Default 100ms.
	RetryBackoff time.Duration
}

func (c RouterConfig) withDefaults() RouterConfig {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	return c
}

// Router invokes capabilities from a registry with per-invocation timeout,
// bounded retry on transient transport failures, one-shot auth refresh, and
// per-capability circuit breaking. Local capabilities get the same envelope;
// their failures just never involve the transport classifications.
type Router struct {
	registry *Registry
	breaker  *CircuitBreaker
	cfg      RouterConfig
}

// NewRouter creates a router over the registry. breaker may be nil to disable
// circuit breaking.
func NewRouter(registry *Registry, breaker *CircuitBreaker, cfg RouterConfig) *Router {
	return &Router{registry: registry, breaker: breaker, cfg: cfg.withDefaults()}
}

// Registry returns the underlying registry, for dynamic registration.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Invoke dispatches one capability call. Transient transport failures retry
// with exponential backoff up to the configured budget; an auth rejection
// triggers exactly one refresh-and-retry, then surfaces ErrAuth; argument
// rejections and unknown capabilities fail immediately.
func (r *Router) Invoke(ctx context.Context, capability string, args json.RawMessage) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "tools.invoke",
		trace.WithAttributes(attribute.String("capability", capability)))
	defer span.End()

	start := time.Now()
	result, attempts, err := r.invoke(ctx, capability, args)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = classify(err)
		span.RecordError(err)
	}
	span.SetAttributes(
		attribute.String("tools.outcome", outcome),
		attribute.Int("tools.attempts", attempts),
		attribute.Int64("tools.duration_ms", elapsed.Milliseconds()),
	)
	invocationsTotal.Add(ctx, 1, withOutcome(capability, outcome))

	evt := log.Debug()
	if err != nil {
		evt = log.Warn().Err(err)
	}
	evt.Func(ospreyotel.LogTraceFields(ctx)).
		Str("capability", capability).
		Str("outcome", outcome).
		Int("attempts", attempts).
		Dur("duration", elapsed).
		Msg("capability_invoked")
	return result, err
}

func (r *Router) invoke(ctx context.Context, capability string, args json.RawMessage) (json.RawMessage, int, error) {
	cap, ok := r.registry.Get(capability)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, capability)
	}

	if r.breaker != nil && !r.breaker.Allow(capability) {
		circuitRejections.Add(ctx, 1)
		return nil, 0, fmt.Errorf("%w: %s", ErrCircuitOpen, capability)
	}

	var (
		lastErr     error
		authRetried bool
		attempts    int
	)
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := r.cfg.RetryBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, attempts, fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
			case <-time.After(backoff):
			}
		}
		attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		result, err := cap.Invoke(attemptCtx, args)
		cancel()

		if err == nil {
			if r.breaker != nil {
				r.breaker.RecordSuccess(capability)
			}
			return result, attempts, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, ErrAuth):
			// One fresh-credential retry; the capability already invalidated
			// its cached token.
			if authRetried {
				return nil, attempts, err
			}
			authRetried = true
			attempt-- // auth retry does not consume the transport budget
		case errors.Is(err, ErrTransport) || isTimeout(err):
			if r.breaker != nil {
				r.breaker.RecordFailure(capability)
			}
		default:
			// Argument rejection or a capability-level error. Not retryable.
			return nil, attempts, err
		}
	}
	return nil, attempts, lastErr
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func classify(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAuth):
		return "auth_rejected"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrInvalidArgs):
		return "invalid_args"
	case errors.Is(err, ErrTransport), isTimeout(err):
		return "transport_failure"
	default:
		return "error"
	}
}

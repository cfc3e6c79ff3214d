package tools

import "errors"

// Sentinel errors callers branch on. Invocation errors wrap one of these so
// errors.Is works through the router's own context.
var (
	// ErrNotFound means no capability with the requested name is registered.
	ErrNotFound = errors.New("capability not found")

	// ErrAuth means the remote rejected our credentials even after a refresh.
	// Not retryable.
	ErrAuth = errors.New("capability auth rejected")

	// ErrTransport means the remote was unreachable or returned a transient
	// server-side failure. Retryable up to the router's retry budget.
	ErrTransport = errors.New("capability transport failure")

	// ErrCircuitOpen means the capability's circuit breaker is open and the
	// invocation was not attempted.
	ErrCircuitOpen = errors.New("capability circuit open")

	// ErrInvalidArgs means the capability rejected the arguments. Not
	// retryable.
	ErrInvalidArgs = errors.New("capability rejected arguments")
)

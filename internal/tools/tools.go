// Package tools provides the capability registry and invocation router. A
// capability is a named operation the triage loop can call: local ones run
// in-process, remote ones dispatch over HTTP to a capability server. Callers
// go through the Router, which layers timeouts, retries, auth refresh, and
// per-capability circuit breaking over the raw capability.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	ospreyotel "github.com/osprey-io/osprey/internal/otel"
)

var tracer = ospreyotel.Tracer("github.com/osprey-io/osprey/internal/tools")

// Capability is the interface all invocable capabilities implement.
type Capability interface {
	Name() string
	Description() string
	Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// Func adapts a plain function into a local Capability.
type Func struct {
	CapName string
	Desc    string
	Fn      func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

func (f *Func) Name() string        { return f.CapName }
func (f *Func) Description() string { return f.Desc }

func (f *Func) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return f.Fn(ctx, args)
}

// Local returns a local in-process capability.
func Local(name, description string, fn func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)) Capability {
	return &Func{CapName: name, Desc: description, Fn: fn}
}

// Registry manages capabilities by name. Thread-safe for concurrent access;
// remote discovery registers capabilities at runtime.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{capabilities: make(map[string]Capability)}
}

// Register adds a capability, replacing any existing one with the same name.
func (r *Registry) Register(cap Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[cap.Name()] = cap
}

// Get returns a capability by name.
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, exists := r.capabilities[name]
	return cap, exists
}

// Names returns all registered capability names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// CapabilityServer is an httptest server speaking the remote capability wire
// protocol: POST /invoke/{name} with a bearer token, JSON in, JSON out. Tests
// script per-capability responses and failure sequences.
type CapabilityServer struct {
	Server *httptest.Server

	mu        sync.Mutex
	token     string
	responses map[string]json.RawMessage
	failures  map[string][]int // status codes to return before succeeding
	calls     map[string]int
}

// NewCapabilityServer starts a capability server accepting the given bearer
// token (empty accepts anything) and registers t.Cleanup to close it.
func NewCapabilityServer(t *testing.T, token string) *CapabilityServer {
	t.Helper()
	cs := &CapabilityServer{
		token:     token,
		responses: make(map[string]json.RawMessage),
		failures:  make(map[string][]int),
		calls:     make(map[string]int),
	}
	cs.Server = httptest.NewServer(http.HandlerFunc(cs.handle))
	t.Cleanup(cs.Server.Close)
	return cs
}

// URL returns the server's base URL.
func (cs *CapabilityServer) URL() string {
	return cs.Server.URL
}

// Respond sets the success response body for a capability.
func (cs *CapabilityServer) Respond(capability string, body interface{}) {
	data, _ := json.Marshal(body)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.responses[capability] = data
}

// FailWith queues status codes the capability returns, one per call, before
// falling through to the scripted response.
func (cs *CapabilityServer) FailWith(capability string, statuses ...int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.failures[capability] = append(cs.failures[capability], statuses...)
}

// Calls returns how many times the capability has been invoked.
func (cs *CapabilityServer) Calls(capability string) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.calls[capability]
}

func (cs *CapabilityServer) handle(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/invoke/")
	if name == r.URL.Path || name == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	cs.mu.Lock()
	cs.calls[name]++
	if cs.token != "" && r.Header.Get("Authorization") != "Bearer "+cs.token {
		cs.mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if queue := cs.failures[name]; len(queue) > 0 {
		status := queue[0]
		cs.failures[name] = queue[1:]
		cs.mu.Unlock()
		w.WriteHeader(status)
		return
	}
	body, ok := cs.responses[name]
	cs.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

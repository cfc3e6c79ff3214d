// Package session identifies the current invocation's actor, session, and
// memory namespace, and threads them through context.Context. A logical
// session may span multiple independent invocations separated by real time;
// callers pass the same session_id to continue one.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Context identifies one triage invocation.
type Context struct {
	SessionID string    `json:"session_id"`
	ActorID   string    `json:"actor_id"`
	Namespace string    `json:"namespace"`
	StartedAt time.Time `json:"started_at"`
}

// New creates a session context for the given actor. If sessionID is empty a
// fresh one is generated. The namespace is always derived from the actor so
// long-term facts written in one session are visible to every later session
// of the same actor.
func New(actorID, sessionID string, startedAt time.Time) *Context {
	if actorID == "" {
		actorID = "actor_" + uuid.New().String()[:12]
	}
	if sessionID == "" {
		sessionID = "sess_" + uuid.New().String()[:12]
	}
	return &Context{
		SessionID: sessionID,
		ActorID:   actorID,
		Namespace: NamespaceFor(actorID),
		StartedAt: startedAt,
	}
}

// NamespaceFor derives the memory isolation namespace for an actor.
// Deterministic: the same actor always maps to the same namespace, so
// facts survive across sessions; distinct actors never share one.
func NamespaceFor(actorID string) string {
	h := sha256.Sum256([]byte("osprey:ns:" + actorID))
	return "ns_" + hex.EncodeToString(h[:8])
}

type contextKey struct{}

var sessionKey = &contextKey{}

// Into stores the session context in ctx.
func Into(ctx context.Context, sc *Context) context.Context {
	return context.WithValue(ctx, sessionKey, sc)
}

// From returns the session context from ctx, or nil if not set.
func From(ctx context.Context) *Context {
	v, _ := ctx.Value(sessionKey).(*Context)
	return v
}

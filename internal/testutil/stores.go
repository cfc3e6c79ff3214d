// Package testutil provides shared fixtures for package tests: temp-dir
// SQLite stores, a controllable clock, and a mock remote capability server.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/osprey-io/osprey/internal/ledger"
	"github.com/osprey-io/osprey/internal/memory"
)

// NewTestMemoryStore creates a memory store in a temp dir with the given
// TTLs and registers t.Cleanup to close it. Zero TTLs use the store defaults.
func NewTestMemoryStore(t *testing.T, shortTTL, longTTL time.Duration) *memory.Store {
	t.Helper()
	store, err := memory.NewStore(filepath.Join(t.TempDir(), "memory.db"), shortTTL, longTTL)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// NewTestLedgerStore creates an action ledger in a temp dir and registers
// t.Cleanup to close it.
func NewTestLedgerStore(t *testing.T) *ledger.Store {
	t.Helper()
	store, err := ledger.NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

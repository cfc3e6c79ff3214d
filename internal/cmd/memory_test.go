package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetPurgeFlags(t *testing.T) {
	t.Helper()
	memoryPurgeCmd.SetContext(context.Background())
	t.Cleanup(func() {
		memPurgeActor = ""
		memPurgeBefore = ""
	})
}

func TestMemoryPurge_RejectsUnpairedFlags(t *testing.T) {
	resetPurgeFlags(t)
	memPurgeActor = "analyst_1"

	err := memoryPurge(memoryPurgeCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "given together")
}

func TestMemoryPurge_RejectsBadCutoff(t *testing.T) {
	resetPurgeFlags(t)
	memPurgeActor = "analyst_1"
	memPurgeBefore = "yesterday"

	err := memoryPurge(memoryPurgeCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing --before")
}

package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetRunFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		runEventFile = ""
		runSubject = ""
		runAmount = 0
		runPlace = ""
		runCounterpart = ""
		runTimestamp = ""
	})
}

func TestResolveEvent_FromFlags(t *testing.T) {
	resetRunFlags(t)
	runSubject = "user_123"
	runAmount = 99.50
	runPlace = "Tokyo"
	runCounterpart = "merchant_demo"
	runTimestamp = "2026-03-14T12:00:00Z"

	ev, err := resolveEvent()
	require.NoError(t, err)
	assert.Equal(t, "user_123", ev.SubjectID)
	assert.Equal(t, 99.50, ev.Amount)
	assert.Equal(t, "Tokyo", ev.Location.Place)
	assert.Equal(t, time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC), ev.Timestamp)
	assert.Contains(t, ev.ID, "evt_", "flag-assembled events get a fresh id")
}

func TestResolveEvent_FromFile(t *testing.T) {
	resetRunFlags(t)
	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"subject_id": "user_456",
		"timestamp": "2026-03-14T12:00:00Z",
		"amount": 180,
		"location": {"place": "New York"}
	}`), 0o644))
	runEventFile = path

	ev, err := resolveEvent()
	require.NoError(t, err)
	assert.Equal(t, "user_456", ev.SubjectID)
	assert.Equal(t, float64(180), ev.Amount)
}

func TestResolveEvent_RequiresSubjectOrFile(t *testing.T) {
	resetRunFlags(t)

	_, err := resolveEvent()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--event or --subject")
}

func TestResolveEvent_BadTimestamp(t *testing.T) {
	resetRunFlags(t)
	runSubject = "user_123"
	runPlace = "London"
	runTimestamp = "yesterday"

	_, err := resolveEvent()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--timestamp")
}

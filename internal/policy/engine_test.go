package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine(t *testing.T, pol *Policy) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), pol)
	require.NoError(t, err)
	return engine
}

func TestEngine_ThresholdDecisions(t *testing.T) {
	engine := testEngine(t, Default()) // block 80, escalate 50

	tests := []struct {
		name     string
		score    int
		decision string
	}{
		{"low score allows", 10, DecisionAllow},
		{"just below escalate", 49, DecisionAllow},
		{"at escalate threshold", 50, DecisionEscalate},
		{"between thresholds", 65, DecisionEscalate},
		{"just below block", 79, DecisionEscalate},
		{"at block threshold", 80, DecisionBlock},
		{"max score", 100, DecisionBlock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec, err := engine.Evaluate(context.Background(), Input{AggregateScore: tt.score})
			require.NoError(t, err)
			assert.Equal(t, tt.decision, dec.Decision)
		})
	}
}

func TestEngine_PriorBlockForcesBlock(t *testing.T) {
	engine := testEngine(t, Default())

	// Even a harmless score blocks when the subject's card is already blocked.
	dec, err := engine.Evaluate(context.Background(), Input{AggregateScore: 0, AlreadyBlocked: true})
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, dec.Decision)
	assert.NotEmpty(t, dec.Reasons)
}

func TestEngine_ReasonsNameTheThreshold(t *testing.T) {
	engine := testEngine(t, Default())

	dec, err := engine.Evaluate(context.Background(), Input{AggregateScore: 95})
	require.NoError(t, err)
	require.NotEmpty(t, dec.Reasons)
	assert.Equal(t, engine.Policy().VersionTag, dec.PolicyVersion)
}

func TestEngine_CustomThresholds(t *testing.T) {
	pol := Default()
	pol.Thresholds.Block = 90
	pol.Thresholds.Escalate = 30
	engine := testEngine(t, pol)

	dec, err := engine.Evaluate(context.Background(), Input{AggregateScore: 85})
	require.NoError(t, err)
	assert.Equal(t, DecisionEscalate, dec.Decision, "85 escalates when block is 90")
}

func TestLoad_MissingFileReturnsDefault(t *testing.T) {
	pol, err := Load(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "default", pol.Name)
	assert.Equal(t, 80, pol.Thresholds.Block)
	assert.Equal(t, "block_card", pol.Actions.OnBlock)
}

func TestLoad_FromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triage.policy.yaml")
	content := `name: strict
version: "2.1"
thresholds:
  block: 70
  escalate: 40
actions:
  on_block: block_card
mandatory_signals:
  - travel_feasibility
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	pol, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "strict", pol.Name)
	assert.Equal(t, 70, pol.Thresholds.Block)
	assert.Equal(t, []string{"travel_feasibility"}, pol.Mandatory)
	assert.NotEmpty(t, pol.Hash, "loaded policies carry a content hash")
}

func TestValidate_RejectsInvertedThresholds(t *testing.T) {
	pol := Default()
	pol.Thresholds.Escalate = 90 // above block
	assert.Error(t, pol.Validate())
}

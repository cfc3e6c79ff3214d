// Package policy holds the decision policy for triage verdicts: the score
// thresholds that separate allow, escalate, and block, and the protective
// action a block maps to. Thresholds are configuration, never hardcoded in
// the aggregator; the mapping from scores to a decision is evaluated by an
// embedded OPA module so the rules stay declarative and auditable.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Policy is a triage decision policy, loaded from a triage.policy.yaml file
// or built from defaults.
type Policy struct {
	Name       string            `yaml:"name" json:"name"`
	Version    string            `yaml:"version" json:"version"`
	Thresholds ThresholdsConfig  `yaml:"thresholds" json:"thresholds"`
	Actions    ActionsConfig     `yaml:"actions" json:"actions"`
	Mandatory  []string          `yaml:"mandatory_signals,omitempty" json:"mandatory_signals,omitempty"`
	Metadata   map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// Computed, not serialized from YAML.
	Hash       string `yaml:"-" json:"-"`
	VersionTag string `yaml:"-" json:"-"`
}

// ThresholdsConfig sets the decision boundaries on the aggregate score.
type ThresholdsConfig struct {
	Block    int `yaml:"block" json:"block"`       // score ≥ block ⇒ block
	Escalate int `yaml:"escalate" json:"escalate"` // score ≥ escalate ⇒ escalate
}

// ActionsConfig maps decisions to protective actions.
type ActionsConfig struct {
	// OnBlock is the action kind recorded in the ledger when a verdict blocks.
	OnBlock string `yaml:"on_block" json:"on_block"`
}

// Default returns the built-in policy used when no policy file exists.
func Default() *Policy {
	p := &Policy{
		Name:    "default",
		Version: "1.0",
		Thresholds: ThresholdsConfig{
			Block:    80,
			Escalate: 50,
		},
		Actions: ActionsConfig{OnBlock: "block_card"},
	}
	p.ComputeHash([]byte("builtin-default-1.0"))
	return p
}

// ComputeHash sets Hash and VersionTag from the raw policy bytes.
func (p *Policy) ComputeHash(content []byte) {
	h := sha256.Sum256(content)
	p.Hash = hex.EncodeToString(h[:])
	p.VersionTag = fmt.Sprintf("%s@%s", p.Version, p.Hash[:8])
}

// Validate checks threshold ordering and required fields.
func (p *Policy) Validate() error {
	if p.Thresholds.Block <= 0 || p.Thresholds.Block > 100 {
		return fmt.Errorf("thresholds.block must be in (0,100], got %d", p.Thresholds.Block)
	}
	if p.Thresholds.Escalate < 0 || p.Thresholds.Escalate > 100 {
		return fmt.Errorf("thresholds.escalate must be in [0,100], got %d", p.Thresholds.Escalate)
	}
	if p.Thresholds.Escalate >= p.Thresholds.Block {
		return fmt.Errorf("thresholds.escalate (%d) must be below thresholds.block (%d)",
			p.Thresholds.Escalate, p.Thresholds.Block)
	}
	if p.Actions.OnBlock == "" {
		return fmt.Errorf("actions.on_block must name an action kind")
	}
	return nil
}

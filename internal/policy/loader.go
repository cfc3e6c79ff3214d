package policy

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	ospreyotel "github.com/osprey-io/osprey/internal/otel"
)

var tracer = ospreyotel.Tracer("github.com/osprey-io/osprey/internal/policy")

// Load reads and validates a triage policy YAML file. A missing file is not
// an error: the built-in default policy is returned so `osprey run` works
// out of the box.
func Load(ctx context.Context, path string) (*Policy, error) {
	_, span := tracer.Start(ctx, "policy.load")
	defer span.End()
	span.SetAttributes(attribute.String("policy.path", path))

	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		span.SetAttributes(attribute.Bool("policy.default_used", true))
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", path, err)
	}

	var pol Policy
	if err := yaml.Unmarshal(content, &pol); err != nil {
		return nil, fmt.Errorf("parsing policy YAML: %w", err)
	}

	applyDefaults(&pol)
	pol.ComputeHash(content)

	if err := pol.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy %s: %w", path, err)
	}

	span.SetAttributes(
		attribute.String("policy.name", pol.Name),
		attribute.String("policy.version_tag", pol.VersionTag),
	)
	return &pol, nil
}

func applyDefaults(p *Policy) {
	if p.Name == "" {
		p.Name = "triage"
	}
	if p.Version == "" {
		p.Version = "1.0"
	}
	if p.Thresholds.Block == 0 {
		p.Thresholds.Block = 80
	}
	if p.Thresholds.Escalate == 0 {
		p.Thresholds.Escalate = 50
	}
	if p.Actions.OnBlock == "" {
		p.Actions.OnBlock = "block_card"
	}
}

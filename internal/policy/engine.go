package policy

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

const (
	decisionModule = "rego/decision.rego"
	decisionQuery  = "data.osprey.policy.decision.decision"
	reasonsQuery   = "data.osprey.policy.decision.reasons"
)

// Decision values in increasing severity.
const (
	DecisionAllow    = "allow"
	DecisionEscalate = "escalate"
	DecisionBlock    = "block"
)

// Decision is the result of evaluating the decision policy for one verdict.
type Decision struct {
	Decision      string   `json:"decision"` // "allow", "escalate", or "block"
	Reasons       []string `json:"reasons,omitempty"`
	PolicyVersion string   `json:"policy_version"`
}

// Input carries the evaluation facts the policy decides on.
type Input struct {
	AggregateScore int  `json:"aggregate_score"`
	AlreadyBlocked bool `json:"already_blocked"`
}

// Engine evaluates the decision policy using embedded OPA.
type Engine struct {
	policy   *Policy
	decision rego.PreparedEvalQuery
	reasons  rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the Rego module precompiled and the
// policy's thresholds loaded as OPA data.
func NewEngine(ctx context.Context, pol *Policy) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.new")
	defer span.End()

	policyData, err := policyToData(pol)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("converting policy to OPA data: %w", err)
	}

	content, err := embeddedPolicies.ReadFile(decisionModule)
	if err != nil {
		return nil, fmt.Errorf("reading embedded policy %s: %w", decisionModule, err)
	}

	prepare := func(query string) (rego.PreparedEvalQuery, error) {
		store := inmem.NewFromObject(map[string]interface{}{"policy": policyData})
		r := rego.New(
			rego.Query(query),
			rego.Module(decisionModule, string(content)),
			rego.Store(store),
		)
		return r.PrepareForEval(ctx)
	}

	decisionQ, err := prepare(decisionQuery)
	if err != nil {
		return nil, fmt.Errorf("preparing decision query: %w", err)
	}
	reasonsQ, err := prepare(reasonsQuery)
	if err != nil {
		return nil, fmt.Errorf("preparing reasons query: %w", err)
	}

	return &Engine{policy: pol, decision: decisionQ, reasons: reasonsQ}, nil
}

// Policy returns the policy this engine was built from.
func (e *Engine) Policy() *Policy {
	return e.policy
}

// Evaluate maps an aggregate score plus prior-action facts to a Decision.
// Deterministic: the same input against the same policy always yields the
// same decision and reason set.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "policy.evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.Int("policy.aggregate_score", in.AggregateScore),
		attribute.Bool("policy.already_blocked", in.AlreadyBlocked),
		attribute.String("policy.version", e.policy.VersionTag),
	)

	input := map[string]interface{}{
		"aggregate_score": in.AggregateScore,
		"already_blocked": in.AlreadyBlocked,
	}

	results, err := e.decision.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("evaluating decision policy: %w", err)
	}
	decision := "allow"
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		if s, ok := results[0].Expressions[0].Value.(string); ok {
			decision = s
		}
	}

	reasonResults, err := e.reasons.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("evaluating decision reasons: %w", err)
	}
	reasons := extractReasons(reasonResults)

	span.SetAttributes(
		attribute.String("policy.decision", decision),
		attribute.Int("policy.reason_count", len(reasons)),
	)
	return &Decision{
		Decision:      decision,
		Reasons:       reasons,
		PolicyVersion: e.policy.VersionTag,
	}, nil
}

// extractReasons pulls the reason strings out of an OPA result set. The
// result of querying a "contains" rule is []interface{} or, occasionally,
// map[string]interface{}.
func extractReasons(results rego.ResultSet) []string {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil
	}
	var reasons []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	case map[string]interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	}
	return reasons
}

// policyToData converts a Policy struct to map[string]interface{} for OPA.
// We marshal to JSON then unmarshal to get clean map types.
func policyToData(pol *Policy) (map[string]interface{}, error) {
	jsonBytes, err := json.Marshal(pol)
	if err != nil {
		return nil, fmt.Errorf("marshalling policy: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return nil, fmt.Errorf("unmarshalling policy data: %w", err)
	}
	return data, nil
}

// Package triage turns one transaction event into a deterministic verdict.
//
// An evaluation runs every signal evaluator it has inputs for, aggregates by
// maximum score, consults memory for prior protective actions before
// deciding, and routes any mandated action through the ledger so it applies
// at most once. Signal unavailability degrades the verdict, it never aborts
// it; the only fatal input is a malformed event.
package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/osprey-io/osprey/internal/event"
	"github.com/osprey-io/osprey/internal/ledger"
	"github.com/osprey-io/osprey/internal/memory"
	ospreyotel "github.com/osprey-io/osprey/internal/otel"
	"github.com/osprey-io/osprey/internal/policy"
	"github.com/osprey-io/osprey/internal/session"
	"github.com/osprey-io/osprey/internal/signal"
	"github.com/osprey-io/osprey/internal/tools"
)

var tracer = ospreyotel.Tracer("github.com/osprey-io/osprey/internal/triage")

// DefaultReputationCapability is the capability the reputation signal routes
// through unless Deps overrides it.
const DefaultReputationCapability = "check_counterparty_reputation"

// DataSource is the external read model an evaluation consumes. The fixture
// datasource satisfies it; deployments may substitute remote-backed
// implementations.
type DataSource interface {
	Profile(ctx context.Context, subjectID string) (event.Profile, error)
	History(ctx context.Context, subjectID string) ([]event.Transaction, error)
	LastBefore(ctx context.Context, subjectID string, t time.Time) (*event.Transaction, error)
	RecordTransaction(tx event.Transaction)
}

// SignalSkip records one evaluator that could not run and why. Skips are part
// of the verdict so a reviewer sees what the decision did NOT consider.
type SignalSkip struct {
	Name   string `json:"signal_name"`
	Reason string `json:"reason"`
}

// ActionOutcome summarizes the protective action attached to a blocking
// verdict. AlreadyApplied means a prior evaluation holds the applied record
// and no side effect ran for this one.
type ActionOutcome struct {
	Kind           string `json:"kind"`
	Status         string `json:"status"`
	Ticket         string `json:"ticket,omitempty"`
	RecordID       string `json:"record_id,omitempty"`
	AlreadyApplied bool   `json:"already_applied,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Verdict is the full outcome of one evaluation.
type Verdict struct {
	EventID        string          `json:"event_id"`
	SubjectID      string          `json:"subject_id"`
	SessionID      string          `json:"session_id"`
	AggregateScore int             `json:"aggregate_score"`
	Decision       string          `json:"decision"`
	Reasons        []string        `json:"reasons,omitempty"`
	PolicyVersion  string          `json:"policy_version"`
	Signals        []signal.Result `json:"signals"`
	Unavailable    []SignalSkip    `json:"unavailable,omitempty"`
	Action         *ActionOutcome  `json:"action,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Deps wires an Engine. Policy, Memory, Ledger, Data and Router are required.
type Deps struct {
	Signals signal.Config
	Data    DataSource
	Policy  *policy.Engine
	Memory  *memory.Store
	Ledger  *ledger.Store
	Router  *tools.Router
	// ReputationCapability overrides the capability name for counterparty
	// lookups. Empty means DefaultReputationCapability.
	ReputationCapability string
	// Now overrides the engine clock for tests.
	Now func() time.Time
}

// Engine evaluates events. Safe for concurrent use.
type Engine struct {
	signals signal.Config
	data    DataSource
	policy  *policy.Engine
	memory  *memory.Store
	ledger  *ledger.Store
	router  *tools.Router
	repCap  string
	now     func() time.Time
}

// New creates a triage engine from its dependencies.
func New(deps Deps) (*Engine, error) {
	if deps.Data == nil || deps.Policy == nil || deps.Memory == nil || deps.Ledger == nil || deps.Router == nil {
		return nil, fmt.Errorf("triage engine requires data, policy, memory, ledger and router")
	}
	repCap := deps.ReputationCapability
	if repCap == "" {
		repCap = DefaultReputationCapability
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		signals: deps.Signals,
		data:    deps.Data,
		policy:  deps.Policy,
		memory:  deps.Memory,
		ledger:  deps.Ledger,
		router:  deps.Router,
		repCap:  repCap,
		now:     now,
	}, nil
}

// Evaluate produces the verdict for one event and applies any mandated
// action through the ledger. Deterministic given the same event, memory
// state, and data source answers.
func (e *Engine) Evaluate(ctx context.Context, ev *event.Event) (*Verdict, error) {
	ctx, span := tracer.Start(ctx, "triage.evaluate",
		trace.WithAttributes(
			attribute.String("subject_id", ev.SubjectID),
			attribute.String("event_id", ev.ID),
		))
	defer span.End()

	if err := ev.Validate(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("rejecting event: %w", err)
	}

	sess := session.From(ctx)
	if sess == nil {
		sess = session.New(ev.SubjectID, "", e.now())
		ctx = session.Into(ctx, sess)
	}

	pol := e.policy.Policy()
	blockKind := pol.Actions.OnBlock

	// Read before decide: a protective action recorded in either memory tier
	// must be honored even when this session has no history of its own. An
	// unreachable store degrades the verdict rather than preventing one: we
	// proceed as if no prior action existed and surface the gap in reasons.
	var memoryGap string
	blockedFactKind := memory.KindPrefixAction + blockKind
	alreadyBlocked, err := e.memory.HasFact(ctx, sess.Namespace, ev.SubjectID, blockedFactKind)
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).
			Str("subject_id", ev.SubjectID).
			Msg("memory_read_failed")
		alreadyBlocked = false
		memoryGap = fmt.Sprintf("prior-action memory unavailable: %v", err)
	}

	verdict := &Verdict{
		EventID:   ev.ID,
		SubjectID: ev.SubjectID,
		SessionID: sess.SessionID,
		CreatedAt: e.now(),
	}

	e.runSignals(ctx, ev, verdict)

	for _, res := range verdict.Signals {
		if res.Score > verdict.AggregateScore {
			verdict.AggregateScore = res.Score
		}
	}

	decision, err := e.policy.Evaluate(ctx, policy.Input{
		AggregateScore: verdict.AggregateScore,
		AlreadyBlocked: alreadyBlocked,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("evaluating decision policy: %w", err)
	}
	verdict.Decision = decision.Decision
	verdict.Reasons = decision.Reasons
	verdict.PolicyVersion = decision.PolicyVersion

	// A mandatory signal that could not run caps how permissive the verdict
	// may be: allow is upgraded to escalate so a human looks at the gap.
	if verdict.Decision == policy.DecisionAllow {
		for _, name := range pol.Mandatory {
			if skip := findSkip(verdict.Unavailable, name); skip != nil {
				verdict.Decision = policy.DecisionEscalate
				verdict.Reasons = append(verdict.Reasons,
					fmt.Sprintf("mandatory signal %s unavailable: %s", skip.Name, skip.Reason))
				break
			}
		}
	}

	// Same cap when memory could not be consulted: the verdict may have been
	// reached blind to a prior protective action, so allow is not safe.
	if memoryGap != "" {
		verdict.Reasons = append(verdict.Reasons, memoryGap)
		if verdict.Decision == policy.DecisionAllow {
			verdict.Decision = policy.DecisionEscalate
		}
	}

	if verdict.Decision == policy.DecisionBlock && blockKind != "" {
		verdict.Action = e.applyAction(ctx, sess, ev, blockKind)
	}

	e.remember(ctx, sess, ev, verdict, blockedFactKind)

	loc, _ := ev.Location.Resolve()
	e.data.RecordTransaction(event.Transaction{
		SubjectID: ev.SubjectID,
		Timestamp: ev.Timestamp,
		Amount:    ev.Amount,
		Location:  loc,
	})

	span.SetAttributes(
		attribute.String("triage.decision", verdict.Decision),
		attribute.Int("triage.aggregate_score", verdict.AggregateScore),
		attribute.Bool("triage.already_blocked", alreadyBlocked),
	)
	verdictsTotal.Add(ctx, 1, withDecision(verdict.Decision))

	log.Info().
		Func(ospreyotel.LogTraceFields(ctx)).
		Str("event_id", ev.ID).
		Str("subject_id", ev.SubjectID).
		Str("session_id", sess.SessionID).
		Int("aggregate_score", verdict.AggregateScore).
		Str("decision", verdict.Decision).
		Int("signals", len(verdict.Signals)).
		Int("unavailable", len(verdict.Unavailable)).
		Msg("verdict_reached")
	return verdict, nil
}

// runSignals executes every evaluator, collecting results and skips in a
// fixed order so verdicts are reproducible.
func (e *Engine) runSignals(ctx context.Context, ev *event.Event, verdict *Verdict) {
	prior, err := e.data.LastBefore(ctx, ev.SubjectID, ev.Timestamp)
	if err != nil {
		e.skip(ctx, verdict, signal.NameTravel, fmt.Sprintf("history source: %v", err))
	} else {
		res, err := signal.Travel(e.signals, ev, prior)
		e.collect(ctx, verdict, signal.NameTravel, res, err)
	}

	history, err := e.data.History(ctx, ev.SubjectID)
	if err != nil {
		e.skip(ctx, verdict, signal.NameVelocity, fmt.Sprintf("history source: %v", err))
	} else {
		res, err := signal.Velocity(e.signals, ev, history)
		e.collect(ctx, verdict, signal.NameVelocity, res, err)
	}

	profile, err := e.data.Profile(ctx, ev.SubjectID)
	if err != nil {
		e.skip(ctx, verdict, signal.NameAmount, fmt.Sprintf("profile source: %v", err))
	} else {
		res, err := signal.Amount(e.signals, ev, &profile)
		e.collect(ctx, verdict, signal.NameAmount, res, err)
	}

	report, err := e.lookupReputation(ctx, ev.CounterpartyID)
	if err != nil {
		e.skip(ctx, verdict, signal.NameReputation, err.Error())
	} else {
		res, err := signal.Reputation(report)
		e.collect(ctx, verdict, signal.NameReputation, res, err)
	}
}

func (e *Engine) collect(ctx context.Context, verdict *Verdict, name string, res signal.Result, err error) {
	if err != nil {
		if !errors.Is(err, signal.ErrUnavailable) {
			// Evaluators only ever fail with unavailability; anything else is
			// still absorbed, just logged louder.
			log.Warn().Err(err).Str("signal", name).Msg("signal_error")
		}
		e.skip(ctx, verdict, name, err.Error())
		return
	}
	verdict.Signals = append(verdict.Signals, res)
}

func (e *Engine) skip(ctx context.Context, verdict *Verdict, name, reason string) {
	verdict.Unavailable = append(verdict.Unavailable, SignalSkip{Name: name, Reason: reason})
	signalSkips.Add(ctx, 1, withSignal(name))
	log.Debug().Str("signal", name).Str("reason", reason).Msg("signal_unavailable")
}

// lookupReputation fetches the counterparty report through the tool router.
// Every failure mode — no counterparty on the event, transport failure, open
// circuit, no record at the source — degrades to an unavailable signal.
func (e *Engine) lookupReputation(ctx context.Context, counterpartyID string) (*signal.ReputationReport, error) {
	if counterpartyID == "" {
		return nil, fmt.Errorf("event carries no counterparty")
	}

	args, _ := json.Marshal(map[string]string{"counterparty_id": counterpartyID})
	raw, err := e.router.Invoke(ctx, e.repCap, args)
	if err != nil {
		return nil, fmt.Errorf("reputation capability: %v", err)
	}

	var resp struct {
		Found          bool    `json:"found"`
		RiskRating     string  `json:"risk_rating"`
		FraudReports   int     `json:"fraud_reports"`
		ChargebackRate float64 `json:"chargeback_rate"`
		Verified       bool    `json:"verified"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("reputation capability returned malformed report: %v", err)
	}
	if !resp.Found {
		return nil, nil // unknown counterparty: evaluator maps this to its mid band
	}
	return &signal.ReputationReport{
		CounterpartyID: counterpartyID,
		RiskRating:     resp.RiskRating,
		FraudReports:   resp.FraudReports,
		ChargebackRate: resp.ChargebackRate,
		Verified:       resp.Verified,
	}, nil
}

// applyAction routes the blocking action through the ledger. The executor
// only runs when this evaluation wins the reservation; every other caller
// inherits the winner's outcome.
func (e *Engine) applyAction(ctx context.Context, sess *session.Context, ev *event.Event, kind string) *ActionOutcome {
	outcome, err := e.ledger.Apply(ctx, ev.SubjectID, kind, sess.SessionID, ev.ID,
		func(ctx context.Context) (string, error) {
			args, _ := json.Marshal(map[string]string{"subject_id": ev.SubjectID})
			raw, err := e.router.Invoke(ctx, kind, args)
			if err != nil {
				return "", err
			}
			var resp struct {
				Ticket string `json:"ticket"`
			}
			if err := json.Unmarshal(raw, &resp); err != nil {
				return "", fmt.Errorf("action capability returned malformed response: %w", err)
			}
			return resp.Ticket, nil
		})

	action := &ActionOutcome{
		Kind:           kind,
		Status:         outcome.Record.Status,
		Ticket:         outcome.Record.Ticket,
		RecordID:       outcome.Record.ID,
		AlreadyApplied: outcome.AlreadyApplied,
	}
	if err != nil {
		action.Error = err.Error()
		if action.Status == "" {
			action.Status = ledger.StatusFailed
		}
		log.Warn().Err(err).
			Str("subject_id", ev.SubjectID).
			Str("action_kind", kind).
			Msg("action_apply_failed")
		return action
	}
	if outcome.AlreadyApplied {
		log.Info().
			Str("subject_id", ev.SubjectID).
			Str("action_kind", kind).
			Str("ticket", action.Ticket).
			Msg("action_short_circuited")
	}
	return action
}

// remember writes this evaluation's short-term facts. Long-term memory is
// never written here; only the extractor promotes.
func (e *Engine) remember(ctx context.Context, sess *session.Context, ev *event.Event, verdict *Verdict, blockedFactKind string) {
	verdictFact := &memory.Fact{
		Namespace:     sess.Namespace,
		SubjectID:     ev.SubjectID,
		Kind:          memory.KindPrefixVerdict + verdict.Decision,
		Text:          fmt.Sprintf("event %s scored %d, decision %s", ev.ID, verdict.AggregateScore, verdict.Decision),
		SourceEventID: ev.ID,
		SessionID:     sess.SessionID,
	}
	if err := e.memory.AppendShortTerm(ctx, verdictFact); err != nil {
		log.Warn().Err(err).Str("event_id", ev.ID).Msg("verdict_fact_write_failed")
	}

	if verdict.Action != nil && verdict.Action.Status == ledger.StatusApplied && !verdict.Action.AlreadyApplied {
		actionFact := &memory.Fact{
			Namespace:     sess.Namespace,
			SubjectID:     ev.SubjectID,
			Kind:          blockedFactKind,
			Text:          fmt.Sprintf("%s applied for event %s, ticket %s", verdict.Action.Kind, ev.ID, verdict.Action.Ticket),
			SourceEventID: ev.ID,
			SessionID:     sess.SessionID,
		}
		if err := e.memory.AppendShortTerm(ctx, actionFact); err != nil {
			log.Warn().Err(err).Str("event_id", ev.ID).Msg("action_fact_write_failed")
		}
	}
}

func findSkip(skips []SignalSkip, name string) *SignalSkip {
	for i := range skips {
		if skips[i].Name == name {
			return &skips[i]
		}
	}
	return nil
}

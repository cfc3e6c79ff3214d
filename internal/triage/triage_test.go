package triage

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osprey-io/osprey/internal/datasource"
	"github.com/osprey-io/osprey/internal/event"
	"github.com/osprey-io/osprey/internal/memory"
	"github.com/osprey-io/osprey/internal/policy"
	"github.com/osprey-io/osprey/internal/session"
	"github.com/osprey-io/osprey/internal/signal"
	"github.com/osprey-io/osprey/internal/testutil"
	"github.com/osprey-io/osprey/internal/tools"
)

type harness struct {
	engine  *Engine
	data    *datasource.Store
	memory  *memory.Store
	network *datasource.CardNetwork
	clock   *testutil.Clock
	blocks  atomic.Int32 // block capability executions
}

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, pol *policy.Policy) *harness {
	t.Helper()
	ctx := context.Background()

	h := &harness{
		data:    datasource.NewStore(),
		network: datasource.NewCardNetwork(),
		clock:   testutil.NewClock(t0),
	}
	datasource.DefaultFixtures(h.data, t0)

	h.memory = testutil.NewTestMemoryStore(t, 24*time.Hour, 720*time.Hour)
	h.memory.SetClock(h.clock.Now)
	led := testutil.NewTestLedgerStore(t)
	led.SetClock(h.clock.Now)

	registry := tools.NewRegistry()
	datasource.RegisterCapabilities(registry, h.data, h.network)
	// Shadow the block capability with a counting wrapper so tests can
	// assert exactly how many times the side effect ran.
	registry.Register(tools.Local(datasource.CapBlockCard, "counting block_card",
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var req struct {
				SubjectID string `json:"subject_id"`
			}
			if err := json.Unmarshal(args, &req); err != nil {
				return nil, err
			}
			h.blocks.Add(1)
			ticket, err := h.network.BlockCard(ctx, req.SubjectID)
			if err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{"ticket": ticket})
		}))
	router := tools.NewRouter(registry, nil, tools.RouterConfig{
		Timeout:      time.Second,
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	})

	if pol == nil {
		pol = policy.Default()
	}
	polEngine, err := policy.NewEngine(ctx, pol)
	require.NoError(t, err)

	h.engine, err = New(Deps{
		Data:   h.data,
		Policy: polEngine,
		Memory: h.memory,
		Ledger: led,
		Router: router,
		Now:    h.clock.Now,
	})
	require.NoError(t, err)
	return h
}

func tokyoEvent(id string, at time.Time) *event.Event {
	return &event.Event{
		ID:             id,
		SubjectID:      "user_123",
		Timestamp:      at,
		Amount:         150,
		Currency:       "GBP",
		Location:       event.Location{Place: "Tokyo"},
		CounterpartyID: "merchant_coffee_corner",
	}
}

func londonEvent(id string, at time.Time, amount float64) *event.Event {
	return &event.Event{
		ID:             id,
		SubjectID:      "user_123",
		Timestamp:      at,
		Amount:         amount,
		Currency:       "GBP",
		Location:       event.Location{Place: "London"},
		CounterpartyID: "merchant_coffee_corner",
	}
}

func TestEvaluate_AllowsRoutineTransaction(t *testing.T) {
	h := newHarness(t, nil)

	// London transaction two hours after the fixture's London transaction,
	// amount inside the typical range, low-risk verified counterparty.
	verdict, err := h.engine.Evaluate(context.Background(), londonEvent("evt_routine", t0, 42.50))
	require.NoError(t, err)

	assert.Equal(t, policy.DecisionAllow, verdict.Decision)
	assert.Len(t, verdict.Signals, 4)
	assert.Empty(t, verdict.Unavailable)
	assert.Nil(t, verdict.Action)
	assert.NotEmpty(t, verdict.PolicyVersion)
	assert.NotEmpty(t, verdict.SessionID)

	// Aggregation is the maximum signal score, never a sum.
	max := 0
	for _, res := range verdict.Signals {
		if res.Score > max {
			max = res.Score
		}
	}
	assert.Equal(t, max, verdict.AggregateScore)
	assert.Less(t, verdict.AggregateScore, 50)

	// The verdict left a short-term trace.
	ns := session.NamespaceFor("user_123")
	facts, err := h.memory.Query(context.Background(), ns, "user_123", memory.TierShortTerm)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, memory.KindPrefixVerdict+policy.DecisionAllow, facts[0].Kind)
	assert.Equal(t, "evt_routine", facts[0].SourceEventID)
}

func TestEvaluate_BlocksImpossibleTravel(t *testing.T) {
	h := newHarness(t, nil)

	// Tokyo two hours after a London transaction: the implied speed is far
	// beyond any airliner.
	verdict, err := h.engine.Evaluate(context.Background(), tokyoEvent("evt_tokyo", t0))
	require.NoError(t, err)

	assert.Equal(t, policy.DecisionBlock, verdict.Decision)
	assert.GreaterOrEqual(t, verdict.AggregateScore, 95)

	require.NotNil(t, verdict.Action)
	assert.Equal(t, "block_card", verdict.Action.Kind)
	assert.Equal(t, "applied", verdict.Action.Status)
	assert.False(t, verdict.Action.AlreadyApplied)
	assert.NotEmpty(t, verdict.Action.Ticket)
	assert.Equal(t, int32(1), h.blocks.Load())
	assert.True(t, h.network.IsBlocked("user_123"))

	// Both the verdict fact and the action fact landed in short-term memory.
	ns := session.NamespaceFor("user_123")
	kinds := shortTermKinds(t, h, ns)
	assert.Contains(t, kinds, memory.KindPrefixVerdict+policy.DecisionBlock)
	assert.Contains(t, kinds, memory.KindPrefixAction+"block_card")
}

func TestEvaluate_RepeatBlockShortCircuits(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.engine.Evaluate(ctx, tokyoEvent("evt_first", t0))
	require.NoError(t, err)
	require.NotNil(t, first.Action)
	require.False(t, first.Action.AlreadyApplied)

	// Five minutes later the same subject triggers again. Memory reports the
	// prior block, the policy holds the decision, and the ledger returns the
	// original record without re-executing the action.
	h.clock.Advance(5 * time.Minute)
	second, err := h.engine.Evaluate(ctx, tokyoEvent("evt_second", t0.Add(5*time.Minute)))
	require.NoError(t, err)

	assert.Equal(t, policy.DecisionBlock, second.Decision)
	require.NotNil(t, second.Action)
	assert.True(t, second.Action.AlreadyApplied)
	assert.Equal(t, first.Action.Ticket, second.Action.Ticket)
	assert.Equal(t, first.Action.RecordID, second.Action.RecordID)
	assert.Equal(t, int32(1), h.blocks.Load(), "the side effect ran exactly once")

	// The action fact is written only by the evaluation that applied it.
	ns := session.NamespaceFor("user_123")
	actionFacts := 0
	for _, kind := range shortTermKinds(t, h, ns) {
		if kind == memory.KindPrefixAction+"block_card" {
			actionFacts++
		}
	}
	assert.Equal(t, 1, actionFacts)
}

func TestEvaluate_LongTermRecallOutlivesShortTermExpiry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.engine.Evaluate(ctx, tokyoEvent("evt_block", t0))
	require.NoError(t, err)
	require.Equal(t, int32(1), h.blocks.Load())

	// The extraction pass promotes the action fact to long-term memory.
	stats, err := memory.NewExtractor(h.memory).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Promoted)

	// A day later every short-term fact has expired; only the promoted
	// action fact remains visible.
	h.clock.Advance(25 * time.Hour)
	ns := session.NamespaceFor("user_123")
	short, err := h.memory.Query(ctx, ns, "user_123", memory.TierShortTerm)
	require.NoError(t, err)
	assert.Empty(t, short)

	// A routine transaction in a brand-new session still blocks: the
	// long-term fact alone carries the prior protective action.
	verdict, err := h.engine.Evaluate(ctx, londonEvent("evt_later", t0.Add(25*time.Hour), 42.50))
	require.NoError(t, err)

	assert.Equal(t, policy.DecisionBlock, verdict.Decision)
	require.NotNil(t, verdict.Action)
	assert.True(t, verdict.Action.AlreadyApplied)
	assert.Equal(t, int32(1), h.blocks.Load(), "recall never re-runs the action")
}

func TestEvaluate_HighVelocityEscalates(t *testing.T) {
	h := newHarness(t, nil)

	// Four extra transactions in the last few minutes push the velocity
	// count past the threshold; everything else stays unremarkable.
	for i := 1; i <= 4; i++ {
		h.data.RecordTransaction(event.Transaction{
			SubjectID: "user_123",
			Timestamp: t0.Add(-time.Duration(i) * time.Minute),
			Amount:    20,
			Location:  event.Location{Place: "London"},
		})
	}

	verdict, err := h.engine.Evaluate(context.Background(), londonEvent("evt_burst", t0, 42.50))
	require.NoError(t, err)

	assert.Equal(t, policy.DecisionEscalate, verdict.Decision)
	assert.Nil(t, verdict.Action, "escalation never applies a protective action")

	var velocity *signal.Result
	for i := range verdict.Signals {
		if verdict.Signals[i].Name == signal.NameVelocity {
			velocity = &verdict.Signals[i]
		}
	}
	require.NotNil(t, velocity)
	assert.Equal(t, velocity.Score, verdict.AggregateScore)
}

func TestEvaluate_UnknownSubjectDegrades(t *testing.T) {
	h := newHarness(t, nil)

	ev := &event.Event{
		ID:             "evt_stranger",
		SubjectID:      "user_999",
		Timestamp:      t0,
		Amount:         30,
		Location:       event.Location{Place: "London"},
		CounterpartyID: "merchant_coffee_corner",
	}
	verdict, err := h.engine.Evaluate(context.Background(), ev)
	require.NoError(t, err)

	// No profile and no history: travel and amount cannot run, velocity and
	// reputation still do, and the verdict records the gaps.
	skipped := make([]string, 0, len(verdict.Unavailable))
	for _, s := range verdict.Unavailable {
		skipped = append(skipped, s.Name)
	}
	assert.ElementsMatch(t, []string{signal.NameTravel, signal.NameAmount}, skipped)
	assert.Len(t, verdict.Signals, 2)
	assert.Equal(t, policy.DecisionAllow, verdict.Decision)
}

func TestEvaluate_UnknownCounterpartySkipsReputation(t *testing.T) {
	h := newHarness(t, nil)

	ev := londonEvent("evt_ghost", t0, 42.50)
	ev.CounterpartyID = "merchant_ghost"
	verdict, err := h.engine.Evaluate(context.Background(), ev)
	require.NoError(t, err)

	require.Len(t, verdict.Unavailable, 1)
	assert.Equal(t, signal.NameReputation, verdict.Unavailable[0].Name)
	assert.Equal(t, policy.DecisionAllow, verdict.Decision)
}

func TestEvaluate_MandatorySignalGapCapsAllow(t *testing.T) {
	pol := policy.Default()
	pol.Mandatory = []string{signal.NameReputation}
	h := newHarness(t, pol)

	// No counterparty on the event, so the mandatory reputation signal
	// cannot run; an otherwise-allow verdict is upgraded for human review.
	ev := londonEvent("evt_nocp", t0, 42.50)
	ev.CounterpartyID = ""
	verdict, err := h.engine.Evaluate(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, policy.DecisionEscalate, verdict.Decision)
	require.NotEmpty(t, verdict.Reasons)
	assert.Contains(t, verdict.Reasons[len(verdict.Reasons)-1], signal.NameReputation)
}

func TestEvaluate_RejectsMalformedEvent(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.Evaluate(context.Background(), &event.Event{
		Timestamp: t0,
		Amount:    10,
		Location:  event.Location{Place: "London"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subject_id")
}

func TestEvaluate_ReusesSessionFromContext(t *testing.T) {
	h := newHarness(t, nil)

	sess := session.New("analyst_7", "", t0)
	ctx := session.Into(context.Background(), sess)

	verdict, err := h.engine.Evaluate(ctx, londonEvent("evt_sess", t0, 42.50))
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, verdict.SessionID)

	// Facts land in the actor's namespace, not the subject's.
	facts, err := h.memory.Query(context.Background(), sess.Namespace, "user_123", memory.TierShortTerm)
	require.NoError(t, err)
	assert.Len(t, facts, 1)
}

func TestEvaluate_MemoryOutageDegradesToEscalate(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.memory.Close())

	// A routine transaction that would otherwise be allowed. With the store
	// unreachable the verdict must still come back, capped at escalate.
	verdict, err := h.engine.Evaluate(context.Background(), londonEvent("evt_outage", t0, 42.50))
	require.NoError(t, err, "an unreachable memory store must not prevent a verdict")
	assert.Equal(t, policy.DecisionEscalate, verdict.Decision)
	assert.Nil(t, verdict.Action)

	require.NotEmpty(t, verdict.Reasons)
	assert.Contains(t, verdict.Reasons[len(verdict.Reasons)-1], "prior-action memory unavailable")
}

func TestNew_RequiresCoreDependencies(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}

func shortTermKinds(t *testing.T, h *harness, namespace string) []string {
	t.Helper()
	facts, err := h.memory.Query(context.Background(), namespace, "user_123", memory.TierShortTerm)
	require.NoError(t, err)
	kinds := make([]string, 0, len(facts))
	for _, f := range facts {
		kinds = append(kinds, f.Kind)
	}
	return kinds
}

package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/osprey-io/osprey/internal/tools"
)

// Capability names. Deployments may re-register any of these with a remote
// implementation; the triage core only ever sees the router.
const (
	CapReputation = "check_counterparty_reputation"
	CapBlockCard  = "block_card"
)

// RegisterCapabilities exposes the store's lookups and the card network's
// block action through the registry.
func RegisterCapabilities(reg *tools.Registry, store *Store, network *CardNetwork) {
	reg.Register(tools.Local(CapReputation,
		"Look up a counterparty's risk rating, fraud reports and chargeback rate",
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var req struct {
				CounterpartyID string `json:"counterparty_id"`
			}
			if err := json.Unmarshal(args, &req); err != nil || req.CounterpartyID == "" {
				return nil, fmt.Errorf("%w: counterparty_id required", tools.ErrInvalidArgs)
			}
			rep, err := store.Reputation(ctx, req.CounterpartyID)
			if err != nil {
				return nil, err
			}
			if rep == nil {
				return json.Marshal(map[string]bool{"found": false})
			}
			return json.Marshal(struct {
				Found bool `json:"found"`
				Reputation
			}{Found: true, Reputation: *rep})
		}))

	reg.Register(tools.Local(CapBlockCard,
		"Block the subject's card at the card network, returning a case ticket",
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var req struct {
				SubjectID string `json:"subject_id"`
			}
			if err := json.Unmarshal(args, &req); err != nil || req.SubjectID == "" {
				return nil, fmt.Errorf("%w: subject_id required", tools.ErrInvalidArgs)
			}
			ticket, err := network.BlockCard(ctx, req.SubjectID)
			if err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{"ticket": ticket})
		}))
}

// CardNetwork is the fixture stand-in for the issuer's card network. BlockCard
// is idempotent at the network side too: blocking an already-blocked card
// returns the original ticket.
type CardNetwork struct {
	mu      sync.Mutex
	blocked map[string]string // subject_id -> ticket
}

// NewCardNetwork returns an empty card network fixture.
func NewCardNetwork() *CardNetwork {
	return &CardNetwork{blocked: make(map[string]string)}
}

// BlockCard blocks the subject's card and returns the case ticket.
func (n *CardNetwork) BlockCard(ctx context.Context, subjectID string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ticket, ok := n.blocked[subjectID]; ok {
		return ticket, nil
	}
	ticket := "tkt_" + uuid.New().String()[:12]
	n.blocked[subjectID] = ticket
	return ticket, nil
}

// IsBlocked reports whether the subject's card is blocked at the network.
func (n *CardNetwork) IsBlocked(subjectID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.blocked[subjectID]
	return ok
}

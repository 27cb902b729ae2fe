package enforcement

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/casetrail/settlement/pkg/canonical"
)

// ActionKind categorizes what an enforcement record is about.
type ActionKind string

const (
	KindBudget  ActionKind = "BUDGET"
	KindTier    ActionKind = "TIER"
	KindPricing ActionKind = "PRICING"
	KindLock    ActionKind = "LOCK"
)

// Action is one immutable enforcement audit record. Exactly one Action is
// written per evaluated mutation attempt, blocked or not, and entries are
// hash-chained per case so tampering is detectable.
type Action struct {
	ID         string         `json:"id"`
	CaseID     string         `json:"case_id"`
	OrgID      string         `json:"org_id"`
	ActorID    string         `json:"actor_id"`
	ActionType string         `json:"action_type"`
	Kind       ActionKind     `json:"kind"`
	WasBlocked bool           `json:"was_blocked"`
	Reason     string         `json:"reason,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	PrevHash   string         `json:"prev_hash"`
	Hash       string         `json:"hash"`
	CreatedAt  time.Time      `json:"created_at"`
}

// newAction builds a sealed Action linked to prevHash.
func newAction(orgID string, d Decision, req Request, prevHash string, now time.Time) (Action, error) {
	a := Action{
		ID:         uuid.New().String(),
		CaseID:     req.CaseID,
		OrgID:      orgID,
		ActorID:    req.ActorID,
		ActionType: req.ActionType,
		Kind:       KindBudget,
		WasBlocked: d.Outcome == Blocked,
		Reason:     d.Reason,
		Context: map[string]any{
			"delta_hours":  req.DeltaHours.String(),
			"delta_amount": req.DeltaAmount.String(),
			"outcome":      string(d.Outcome),
		},
		PrevHash: prevHash,
		// Microsecond precision survives a round trip through every backend's
		// timestamp column; sealing at nanosecond precision would not.
		CreatedAt: now.UTC().Truncate(time.Microsecond),
	}
	if req.ServiceInstanceID != nil {
		a.Context["service_instance_id"] = *req.ServiceInstanceID
	}
	hash, err := a.contentHash()
	if err != nil {
		return Action{}, err
	}
	a.Hash = hash
	return a, nil
}

// contentHash digests every field except Hash itself, canonically.
func (a Action) contentHash() (string, error) {
	return canonical.Hash(map[string]any{
		"id":          a.ID,
		"case_id":     a.CaseID,
		"org_id":      a.OrgID,
		"actor_id":    a.ActorID,
		"action_type": a.ActionType,
		"kind":        string(a.Kind),
		"was_blocked": a.WasBlocked,
		"reason":      a.Reason,
		"context":     a.Context,
		"prev_hash":   a.PrevHash,
		"created_at":  a.CreatedAt.Format(time.RFC3339Nano),
	})
}

// VerifyChain checks hash linkage and content integrity over actions in
// append order for a single case.
func VerifyChain(actions []Action) error {
	prev := ""
	for i, a := range actions {
		if a.PrevHash != prev {
			return fmt.Errorf("enforcement: chain broken at index %d: prev hash mismatch", i)
		}
		h, err := a.contentHash()
		if err != nil {
			return fmt.Errorf("enforcement: rehash at index %d: %w", i, err)
		}
		if h != a.Hash {
			return fmt.Errorf("enforcement: integrity failure at index %d", i)
		}
		prev = a.Hash
	}
	return nil
}

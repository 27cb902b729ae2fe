// Package billing drives the billing item lifecycle: Pending -> Approved ->
// Invoiced, or Pending -> Rejected. Approval is the last enforcement
// checkpoint before money is committed to an invoice, and it freezes the
// pricing snapshot that settlement later copies verbatim.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/casetrail/settlement/pkg/enforcement"
	"github.com/casetrail/settlement/pkg/ledger"
	"github.com/casetrail/settlement/pkg/rates"
)

// ErrHardCapExceeded is returned when the forward-looking approval check
// breaches a hard cap. The item remains Pending.
var ErrHardCapExceeded = errors.New("billing: budget hard cap exceeded")

// Store is the transactional state the lifecycle needs on top of the guard's.
type Store interface {
	enforcement.Store
	Entry(ctx context.Context, orgID, id string) (ledger.Entry, error)
	// ApproveEntry is a compare-and-set: Pending -> Approved with a
	// write-once snapshot.
	ApproveEntry(ctx context.Context, orgID, id string, snap ledger.PricingSnapshot) error
	// RejectEntry is a compare-and-set: Pending -> Rejected.
	RejectEntry(ctx context.Context, orgID, id, reason string) error
}

// Service implements the lifecycle transitions.
type Service struct {
	guard    *enforcement.Guard
	resolver *rates.Resolver
	clock    func() time.Time
}

// NewService creates a billing lifecycle service.
func NewService(guard *enforcement.Guard, resolver *rates.Resolver) *Service {
	return &Service{guard: guard, resolver: resolver, clock: time.Now}
}

// WithClock overrides the clock for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Approve re-runs the hard-cap check with a forecast that includes the item's
// own hours and amount, then freezes the pricing snapshot and transitions the
// item to Approved. On a breach it returns ErrHardCapExceeded and the item
// stays Pending; the guard's audit record must still be committed by the
// caller.
func (s *Service) Approve(ctx context.Context, st Store, orgID, itemID, approverID string) error {
	e, err := st.Entry(ctx, orgID, itemID)
	if err != nil {
		return err
	}
	if e.Status != ledger.StatusPending {
		return fmt.Errorf("%w: item %s is %s", ledger.ErrNotPending, itemID, e.Status)
	}

	now := s.clock().UTC()

	// Price first so the forecast carries the real amount even when the
	// entry was created without a rate.
	rate := e.Rate
	if rate.IsZero() {
		resolved, err := s.resolver.ResolveBillRate(ctx, orgID, e.ItemKind, e.AccountID, now)
		if err != nil {
			return fmt.Errorf("billing: price item %s: %w", itemID, err)
		}
		rate = resolved.Rate
	}
	qty := e.Quantity
	if qty.IsZero() && e.Hours.IsPositive() {
		qty = e.Hours
	}
	amount := qty.Mul(rate)

	d, err := s.guard.Evaluate(ctx, st, orgID, enforcement.Request{
		CaseID:            e.CaseID,
		ActorID:           approverID,
		ActionType:        "billing_item.approve",
		DeltaHours:        forecastHours(e),
		DeltaAmount:       amount,
		ServiceInstanceID: e.ServiceInstanceID,
	})
	if err != nil {
		return err
	}
	if d.Outcome == enforcement.Blocked {
		return fmt.Errorf("%w: %s", ErrHardCapExceeded, d.Reason)
	}

	snap := ledger.PricingSnapshot{
		Model:      e.ItemKind,
		Quantity:   qty,
		Rate:       rate,
		Amount:     amount,
		ApproverID: approverID,
		FrozenAt:   now,
	}
	return st.ApproveEntry(ctx, orgID, itemID, snap)
}

// Reject transitions a Pending item to Rejected with the given reason.
// Rejecting an already-rejected item fails with ledger.ErrAlreadyRejected
// rather than silently succeeding.
func (s *Service) Reject(ctx context.Context, st Store, orgID, itemID, rejectorID, reason string) error {
	e, err := st.Entry(ctx, orgID, itemID)
	if err != nil {
		return err
	}
	switch e.Status {
	case ledger.StatusRejected:
		return fmt.Errorf("%w: item %s", ledger.ErrAlreadyRejected, itemID)
	case ledger.StatusPending:
		// fall through to the CAS
	default:
		return fmt.Errorf("%w: item %s is %s", ledger.ErrNotPending, itemID, e.Status)
	}
	return st.RejectEntry(ctx, orgID, itemID, fmt.Sprintf("rejected by %s: %s", rejectorID, reason))
}

// forecastHours contributes the item's own hours to the approval forecast
// only for time-based items.
func forecastHours(e ledger.Entry) decimal.Decimal {
	if e.Type == ledger.TypeTime {
		return e.Hours
	}
	return decimal.Zero
}

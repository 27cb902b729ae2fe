package invoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/casetrail/settlement/pkg/ledger"
)

// Store is the transactional state settlement needs. The engine's store
// transaction satisfies it.
type Store interface {
	Invoice(ctx context.Context, orgID, id string) (Invoice, error)
	Entry(ctx context.Context, orgID, id string) (ledger.Entry, error)
	// ClaimForInvoice atomically sets the entry's invoice id and Invoiced
	// status, succeeding only if the entry is Approved and unclaimed. This is
	// the double-inclusion guard: it must be a conditional write, never a
	// check followed by a separate update.
	ClaimForInvoice(ctx context.Context, orgID, entryID, invoiceID string) (bool, error)
	InsertLineItem(ctx context.Context, li LineItem) error
	AddInvoiceTotal(ctx context.Context, orgID, invoiceID string, amount decimal.Decimal) error
}

// Settler converts batches of approved billing items into invoice line items.
type Settler struct {
	clock func() time.Time
}

// NewSettler creates a settler.
func NewSettler() *Settler {
	return &Settler{clock: time.Now}
}

// WithClock overrides the clock for tests.
func (s *Settler) WithClock(clock func() time.Time) *Settler {
	s.clock = clock
	return s
}

// Settle processes entryIDs against the draft invoice. For each id it either
// creates one line item from the entry's frozen snapshot or records why the
// id was skipped. The invoice total is updated exactly once, after the batch.
func (s *Settler) Settle(ctx context.Context, st Store, orgID, invoiceID string, entryIDs []string) (Summary, error) {
	inv, err := st.Invoice(ctx, orgID, invoiceID)
	if err != nil {
		return Summary{}, err
	}
	if inv.Status != StatusDraft {
		return Summary{}, fmt.Errorf("%w: invoice %s is %s", ErrNotDraft, invoiceID, inv.Status)
	}

	sum := Summary{
		Created:                []string{},
		SkippedNotApproved:     []string{},
		SkippedAlreadyInvoiced: []string{},
		TotalAmount:            decimal.Zero,
	}
	now := s.clock().UTC()

	for _, id := range entryIDs {
		e, err := st.Entry(ctx, orgID, id)
		if errors.Is(err, ledger.ErrNotFound) {
			sum.SkippedNotApproved = append(sum.SkippedNotApproved, id)
			continue
		}
		if err != nil {
			return Summary{}, err
		}
		if e.InvoiceID != nil {
			sum.SkippedAlreadyInvoiced = append(sum.SkippedAlreadyInvoiced, id)
			continue
		}
		if e.Status != ledger.StatusApproved {
			sum.SkippedNotApproved = append(sum.SkippedNotApproved, id)
			continue
		}
		if e.Snapshot == nil {
			// Approved entries always carry a snapshot; treat a missing one
			// as not settleable rather than recomputing a price.
			sum.SkippedNotApproved = append(sum.SkippedNotApproved, id)
			continue
		}

		claimed, err := st.ClaimForInvoice(ctx, orgID, id, invoiceID)
		if err != nil {
			return Summary{}, err
		}
		if !claimed {
			// Lost the race (concurrent batch, or the same id earlier in
			// this batch).
			sum.SkippedAlreadyInvoiced = append(sum.SkippedAlreadyInvoiced, id)
			continue
		}

		li := LineItem{
			ID:          uuid.New().String(),
			OrgID:       orgID,
			InvoiceID:   invoiceID,
			EntryID:     id,
			Description: e.ItemKind,
			Quantity:    e.Snapshot.Quantity,
			Rate:        e.Snapshot.Rate,
			Amount:      e.Snapshot.Amount,
			CreatedAt:   now,
		}
		if err := st.InsertLineItem(ctx, li); err != nil {
			return Summary{}, err
		}
		sum.Created = append(sum.Created, id)
		sum.TotalAmount = sum.TotalAmount.Add(e.Snapshot.Amount)
	}

	if len(sum.Created) > 0 {
		if err := st.AddInvoiceTotal(ctx, orgID, invoiceID, sum.TotalAmount); err != nil {
			return Summary{}, err
		}
	}
	return sum, nil
}

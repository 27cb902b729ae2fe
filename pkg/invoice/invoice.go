// Package invoice converts approved billing items into immutable invoice line
// items. Settlement copies frozen pricing snapshots verbatim, never
// recomputing, and claims each ledger entry at most once.
package invoice

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when the invoice does not exist in the
	// caller's org.
	ErrNotFound = errors.New("invoice: not found")

	// ErrNotDraft is returned when settlement or finalization targets an
	// invoice that is already finalized or exported.
	ErrNotDraft = errors.New("invoice: not in draft state")
)

// Status is the invoice lifecycle state. Settlement only ever mutates Draft
// invoices.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusFinalized Status = "FINALIZED"
	StatusExported  Status = "EXPORTED"
)

// Invoice accumulates settled line items for one account.
type Invoice struct {
	ID        string          `json:"id"`
	OrgID     string          `json:"org_id"`
	AccountID string          `json:"account_id"`
	Number    string          `json:"number"`
	Status    Status          `json:"status"`
	Total     decimal.Decimal `json:"total"`
	Currency  string          `json:"currency"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LineItem is one settled charge. Quantity, rate, and amount are copied
// bit-for-bit from the source entry's pricing snapshot.
type LineItem struct {
	ID          string          `json:"id"`
	OrgID       string          `json:"org_id"`
	InvoiceID   string          `json:"invoice_id"`
	EntryID     string          `json:"entry_id"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	Rate        decimal.Decimal `json:"rate"`
	Amount      decimal.Decimal `json:"amount"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Summary reports what one settlement batch did.
type Summary struct {
	Created                []string        `json:"created"`
	SkippedNotApproved     []string        `json:"skipped_not_approved"`
	SkippedAlreadyInvoiced []string        `json:"skipped_already_invoiced"`
	TotalAmount            decimal.Decimal `json:"total_amount"`
}

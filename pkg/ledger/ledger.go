// Package ledger defines the financial entry, the atomic unit of consumption
// on a case, and the consumption aggregation that every enforcement decision
// reads from. The ledger is the single source of truth: consumption is always
// summed from entries, never from denormalized counters.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when an entry does not exist in the caller's org.
	ErrNotFound = errors.New("ledger: entry not found")

	// ErrNotPending is returned by status transitions that require a Pending
	// entry.
	ErrNotPending = errors.New("ledger: entry is not pending")

	// ErrAlreadyRejected is returned when rejecting an entry that is already
	// rejected.
	ErrAlreadyRejected = errors.New("ledger: entry already rejected")

	// ErrAlreadyInvoiced is returned when an entry with a set invoice id is
	// claimed again. At-most-once invoicing is enforced by the store's atomic
	// claim; this sentinel names the condition for callers.
	ErrAlreadyInvoiced = errors.New("ledger: entry already invoiced")

	// ErrSnapshotFrozen is returned on any attempt to overwrite a pricing
	// snapshot. Snapshots are write-once.
	ErrSnapshotFrozen = errors.New("ledger: pricing snapshot is frozen")

	// ErrInvalidEntry is returned when an entry fails shape validation before
	// any state is touched.
	ErrInvalidEntry = errors.New("ledger: invalid entry")
)

// EntryType classifies what a ledger line represents.
type EntryType string

const (
	TypeTime        EntryType = "TIME"
	TypeExpense     EntryType = "EXPENSE"
	TypeBillingItem EntryType = "BILLING_ITEM"
)

// Valid reports whether the type is one of the known values.
func (t EntryType) Valid() bool {
	return t == TypeTime || t == TypeExpense || t == TypeBillingItem
}

// Status is the lifecycle state of an entry.
//
// Pending -> Approved -> Invoiced, or Pending -> Rejected (terminal).
// Transitions are compare-and-set on status; nothing leaves Invoiced or
// Rejected.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusInvoiced Status = "INVOICED"
)

// PricingSnapshot is the frozen pricing captured at approval time. Approved
// and invoiced amounts always equal the snapshot, never a live recomputation,
// so later rate changes cannot retroactively alter what a client is billed.
type PricingSnapshot struct {
	Model      string          `json:"model"`
	Quantity   decimal.Decimal `json:"quantity"`
	Rate       decimal.Decimal `json:"rate"`
	Amount     decimal.Decimal `json:"amount"`
	ApproverID string          `json:"approver_id"`
	FrozenAt   time.Time       `json:"frozen_at"`
}

// Entry is one financial ledger line.
type Entry struct {
	ID                string           `json:"id"`
	CaseID            string           `json:"case_id"`
	OrgID             string           `json:"org_id"`
	Type              EntryType        `json:"type"`
	ItemKind          string           `json:"item_kind"`
	AccountID         string           `json:"account_id"`
	Hours             decimal.Decimal  `json:"hours"`
	Quantity          decimal.Decimal  `json:"quantity"`
	Rate              decimal.Decimal  `json:"rate"`
	Amount            decimal.Decimal  `json:"amount"`
	Currency          string           `json:"currency"`
	Status            Status           `json:"status"`
	Snapshot          *PricingSnapshot `json:"pricing_snapshot,omitempty"`
	InvoiceID         *string          `json:"invoice_id,omitempty"`
	ServiceInstanceID *string          `json:"service_instance_id,omitempty"`
	Notes             string           `json:"notes,omitempty"`
	CreatedBy         string           `json:"created_by"`
	CreatedAt         time.Time        `json:"created_at"`
}

// Validate rejects malformed entries before any state is touched.
func (e Entry) Validate() error {
	if !e.Type.Valid() {
		return ErrInvalidEntry
	}
	if e.CaseID == "" || e.OrgID == "" {
		return ErrInvalidEntry
	}
	// A negative amount would subtract from consumption and quietly restore
	// headroom under a hard cap; corrections go through budget adjustments.
	if e.Hours.IsNegative() || e.Quantity.IsNegative() || e.Rate.IsNegative() || e.Amount.IsNegative() {
		return ErrInvalidEntry
	}
	return nil
}

// CountsTowardHours reports whether the entry contributes to hour consumption.
func (e Entry) CountsTowardHours() bool {
	return e.Type == TypeTime && e.Status != StatusRejected
}

// CountsTowardAmount reports whether the entry contributes to amount consumption.
func (e Entry) CountsTowardAmount() bool {
	return (e.Type == TypeTime || e.Type == TypeExpense) && e.Status != StatusRejected
}

// Consumption is the aggregate a case has already consumed. It is computed
// from ledger entries only, inside the same transaction as the mutation being
// evaluated, so it can never drift from the audit trail.
type Consumption struct {
	Hours  decimal.Decimal `json:"hours"`
	Amount decimal.Decimal `json:"amount"`
}

// Aggregate folds entries into their consumption totals. Every backend sums
// through this function rather than in the database, so the exclusion rules
// live in exactly one place.
func Aggregate(entries []Entry) Consumption {
	c := Consumption{Hours: decimal.Zero, Amount: decimal.Zero}
	for _, e := range entries {
		if e.CountsTowardHours() {
			c.Hours = c.Hours.Add(e.Hours)
		}
		if e.CountsTowardAmount() {
			c.Amount = c.Amount.Add(e.Amount)
		}
	}
	return c
}

// Package store persists the engine's table groups: budgets and adjustments,
// ledger entries, enforcement actions, rate tables, and the invoice tables
// settlement writes into. Three backends share one
// contract: an in-memory store for tests and embedding, Postgres for
// multi-writer deployments, and SQLite for single-node ones.
//
// Every query is scoped by org id at this layer; tenant isolation is an
// explicit filter, not an implicit row policy.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/casetrail/settlement/pkg/budget"
	"github.com/casetrail/settlement/pkg/enforcement"
	"github.com/casetrail/settlement/pkg/invoice"
	"github.com/casetrail/settlement/pkg/ledger"
	"github.com/casetrail/settlement/pkg/rates"
)

// ErrBusy is returned when a transaction cannot acquire the case's budget
// row within the configured wait. Callers may retry with backoff.
var ErrBusy = errors.New("store: busy, lock wait exceeded")

// Tx is one atomic unit of work. All reads observe writes made earlier in
// the same transaction.
type Tx interface {
	// Budgets. CaseBudget and ServiceLimit return nil when absent: an open
	// case has no budget row and no enforcement.
	CaseBudget(ctx context.Context, orgID, caseID string) (*budget.CaseBudget, error)
	PutCaseBudget(ctx context.Context, b budget.CaseBudget) error
	AppendAdjustment(ctx context.Context, adj budget.Adjustment) error
	Adjustments(ctx context.Context, orgID, caseID string) ([]budget.Adjustment, error)
	ServiceLimit(ctx context.Context, orgID, serviceInstanceID string) (*budget.ServiceLimit, error)
	PutServiceLimit(ctx context.Context, sl budget.ServiceLimit) error

	// Ledger.
	InsertEntry(ctx context.Context, e ledger.Entry) error
	Entry(ctx context.Context, orgID, id string) (ledger.Entry, error)
	Consumption(ctx context.Context, orgID, caseID string) (ledger.Consumption, error)
	ServiceConsumption(ctx context.Context, orgID, serviceInstanceID string) (ledger.Consumption, error)
	ApproveEntry(ctx context.Context, orgID, id string, snap ledger.PricingSnapshot) error
	RejectEntry(ctx context.Context, orgID, id, reason string) error
	ClaimForInvoice(ctx context.Context, orgID, entryID, invoiceID string) (bool, error)

	// Enforcement audit.
	AppendAction(ctx context.Context, a enforcement.Action) error
	LastActionHash(ctx context.Context, orgID, caseID string) (string, error)
	Actions(ctx context.Context, orgID, caseID string) ([]enforcement.Action, error)

	// Rate tables. InsertRate routes on Kind; the two lookups never read the
	// other table.
	InsertRate(ctx context.Context, e rates.Entry) error
	BillRates(ctx context.Context, orgID, itemKind, accountID string) ([]rates.Entry, error)
	PayRates(ctx context.Context, orgID, itemKind, userID string) ([]rates.Entry, error)

	// Invoices.
	CreateInvoice(ctx context.Context, inv invoice.Invoice) error
	Invoice(ctx context.Context, orgID, id string) (invoice.Invoice, error)
	SetInvoiceStatus(ctx context.Context, orgID, id string, from, to invoice.Status) error
	InsertLineItem(ctx context.Context, li invoice.LineItem) error
	LineItems(ctx context.Context, orgID, invoiceID string) ([]invoice.LineItem, error)
	AddInvoiceTotal(ctx context.Context, orgID, invoiceID string, amount decimal.Decimal) error
}

// Store opens transactions. WithCaseTx additionally serializes against every
// other writer touching the same case by holding the case's budget row (or
// an equivalent lock) for the duration of fn; the evaluate-then-write
// sequences of enforcement and approval require it. Both variants roll the
// whole transaction back when fn returns an error or ctx is cancelled.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	WithCaseTx(ctx context.Context, orgID, caseID string, fn func(tx Tx) error) error
	Close() error
}

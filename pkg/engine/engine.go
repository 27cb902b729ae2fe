// Package engine is the operations facade of the settlement core. Each
// operation authenticates nothing: it reads the already-verified principal
// from the context, scopes every query to the principal's org, and runs in
// exactly one store transaction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/casetrail/settlement/pkg/auth"
	"github.com/casetrail/settlement/pkg/budget"
	"github.com/casetrail/settlement/pkg/enforcement"
	"github.com/casetrail/settlement/pkg/invoice"
	"github.com/casetrail/settlement/pkg/ledger"
	"github.com/casetrail/settlement/pkg/rates"

	billingpkg "github.com/casetrail/settlement/pkg/billing"
	storepkg "github.com/casetrail/settlement/pkg/store"
)

const instrumentationName = "github.com/casetrail/settlement/pkg/engine"

// Engine exposes the settlement operations over a Store.
type Engine struct {
	store   storepkg.Store
	guard   *enforcement.Guard
	settler *invoice.Settler
	logger  *slog.Logger
	clock   func() time.Time

	tracer  trace.Tracer
	opCount metric.Int64Counter
	opMs    metric.Float64Histogram
}

// New creates an engine. dir may be nil when no case directory is attached;
// enforcement then treats every linked service instance as billable.
func New(st storepkg.Store, dir enforcement.Directory, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter(instrumentationName)
	opCount, _ := meter.Int64Counter("settlement.operations",
		metric.WithDescription("Engine operations by name and outcome"))
	opMs, _ := meter.Float64Histogram("settlement.operation.duration",
		metric.WithDescription("Engine operation latency"), metric.WithUnit("ms"))

	return &Engine{
		store:   st,
		guard:   enforcement.NewGuard(dir),
		settler: invoice.NewSettler(),
		logger:  logger.With("component", "engine"),
		clock:   time.Now,
		tracer:  otel.Tracer(instrumentationName),
		opCount: opCount,
		opMs:    opMs,
	}
}

// WithClock overrides the clock for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	e.guard.WithClock(clock)
	e.settler.WithClock(clock)
	return e
}

// op wraps one operation with a span, RED metrics and a structured log line.
func (e *Engine) op(ctx context.Context, name string, fn func(ctx context.Context, p auth.Principal) error) error {
	ctx, span := e.tracer.Start(ctx, "engine."+name)
	defer span.End()
	start := e.clock()

	p, err := auth.GetPrincipal(ctx)
	if err == nil {
		span.SetAttributes(attribute.String("org.id", p.GetOrgID()))
		err = fn(ctx, p)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.WarnContext(ctx, "operation failed", "op", name, "error", err)
	} else {
		e.logger.DebugContext(ctx, "operation completed", "op", name)
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", name),
		attribute.String("outcome", outcome),
	)
	e.opCount.Add(ctx, 1, attrs)
	e.opMs.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	return err
}

// txRates adapts a store transaction to the rate resolver's source.
type txRates struct{ tx storepkg.Tx }

func (s txRates) BillRates(ctx context.Context, orgID, itemKind, accountID string) ([]rates.Entry, error) {
	return s.tx.BillRates(ctx, orgID, itemKind, accountID)
}

func (s txRates) PayRates(ctx context.Context, orgID, itemKind, userID string) ([]rates.Entry, error) {
	return s.tx.PayRates(ctx, orgID, itemKind, userID)
}

// AdjustBudgetInput names the limit being moved and its new value.
type AdjustBudgetInput struct {
	CaseID   string
	Kind     budget.AdjustmentKind
	NewValue decimal.Decimal
	Reason   string
	HardCap  *bool // optional: flip the hard-cap flag in the same adjustment
	Note     string
}

// AdjustBudget appends an immutable adjustment and moves the live limit to
// its new value. Limits are never edited in place.
func (e *Engine) AdjustBudget(ctx context.Context, in AdjustBudgetInput) (string, error) {
	adjustmentID := uuid.New().String()
	err := e.op(ctx, "adjust_budget", func(ctx context.Context, p auth.Principal) error {
		return e.store.WithCaseTx(ctx, p.GetOrgID(), in.CaseID, func(tx storepkg.Tx) error {
			current, err := tx.CaseBudget(ctx, p.GetOrgID(), in.CaseID)
			if err != nil {
				return err
			}
			adj := budget.Adjustment{
				ID:        adjustmentID,
				OrgID:     p.GetOrgID(),
				CaseID:    in.CaseID,
				Kind:      in.Kind,
				NewValue:  in.NewValue,
				Reason:    in.Reason,
				ActorID:   p.GetID(),
				CreatedAt: e.clock().UTC(),
			}
			if current != nil {
				switch in.Kind {
				case budget.KindHours:
					adj.PreviousValue = current.HoursLimit
				case budget.KindDollars:
					adj.PreviousValue = current.AmountLimit
				}
			}
			if err := adj.Validate(); err != nil {
				return err
			}

			next := adj.Apply(current)
			if in.HardCap != nil {
				next.HardCap = *in.HardCap
			}
			if in.Note != "" {
				next.Note = in.Note
			}
			next.UpdatedAt = e.clock().UTC()

			if err := tx.PutCaseBudget(ctx, next); err != nil {
				return err
			}
			return tx.AppendAdjustment(ctx, adj)
		})
	})
	if err != nil {
		return "", err
	}
	return adjustmentID, nil
}

// SetServiceLimit installs or replaces the nested per-service limit.
func (e *Engine) SetServiceLimit(ctx context.Context, sl budget.ServiceLimit) error {
	return e.op(ctx, "set_service_limit", func(ctx context.Context, p auth.Principal) error {
		sl.OrgID = p.GetOrgID()
		if err := sl.Validate(); err != nil {
			return err
		}
		return e.store.WithTx(ctx, func(tx storepkg.Tx) error {
			return tx.PutServiceLimit(ctx, sl)
		})
	})
}

// CurrentLimits returns the live limits for a case; zero-value Limits when
// the case has no budget.
func (e *Engine) CurrentLimits(ctx context.Context, caseID string) (budget.Limits, error) {
	var out budget.Limits
	err := e.op(ctx, "current_limits", func(ctx context.Context, p auth.Principal) error {
		return e.store.WithTx(ctx, func(tx storepkg.Tx) error {
			b, err := tx.CaseBudget(ctx, p.GetOrgID(), caseID)
			if err != nil {
				return err
			}
			if b != nil {
				out = b.Limits()
			}
			return nil
		})
	})
	return out, err
}

// ListAdjustments returns the append-only adjustment trail for a case.
func (e *Engine) ListAdjustments(ctx context.Context, caseID string) ([]budget.Adjustment, error) {
	var out []budget.Adjustment
	err := e.op(ctx, "list_adjustments", func(ctx context.Context, p auth.Principal) error {
		return e.store.WithTx(ctx, func(tx storepkg.Tx) error {
			var err error
			out, err = tx.Adjustments(ctx, p.GetOrgID(), caseID)
			return err
		})
	})
	return out, err
}

// EvaluateInput describes an attempted action for a dry-run evaluation.
type EvaluateInput struct {
	CaseID            string
	DeltaHours        decimal.Decimal
	DeltaAmount       decimal.Decimal
	ActionType        string
	ServiceInstanceID *string
}

// EvaluateAction runs the enforcement check and records the audit action. It
// always returns a decision: a Blocked outcome is a result here, not an
// error, because no mutation was attempted.
func (e *Engine) EvaluateAction(ctx context.Context, in EvaluateInput) (enforcement.Decision, error) {
	var d enforcement.Decision
	err := e.op(ctx, "evaluate_action", func(ctx context.Context, p auth.Principal) error {
		return e.store.WithCaseTx(ctx, p.GetOrgID(), in.CaseID, func(tx storepkg.Tx) error {
			var err error
			d, err = e.guard.Evaluate(ctx, tx, p.GetOrgID(), enforcement.Request{
				CaseID:            in.CaseID,
				ActorID:           p.GetID(),
				ActionType:        in.ActionType,
				DeltaHours:        in.DeltaHours,
				DeltaAmount:       in.DeltaAmount,
				ServiceInstanceID: in.ServiceInstanceID,
			})
			return err
		})
	})
	return d, err
}

// CreateEntryInput describes a new financial entry. Rate is optional for
// billing items (priced at approval); time entries are priced from the
// actor's pay rate at creation.
type CreateEntryInput struct {
	CaseID            string
	Type              ledger.EntryType
	ItemKind          string
	AccountID         string
	Hours             decimal.Decimal
	Quantity          decimal.Decimal
	Rate              decimal.Decimal
	Amount            decimal.Decimal
	Currency          string
	ServiceInstanceID *string
	Notes             string
}

// CreateFinancialEntry evaluates the entry's spend against the case and
// service budgets, then records it as Pending. On a block the entry is not
// written but the audit action is.
func (e *Engine) CreateFinancialEntry(ctx context.Context, in CreateEntryInput) (string, error) {
	entryID := uuid.New().String()
	var blocked error
	err := e.op(ctx, "create_financial_entry", func(ctx context.Context, p auth.Principal) error {
		return e.store.WithCaseTx(ctx, p.GetOrgID(), in.CaseID, func(tx storepkg.Tx) error {
			now := e.clock().UTC()
			entry := ledger.Entry{
				ID:                entryID,
				CaseID:            in.CaseID,
				OrgID:             p.GetOrgID(),
				Type:              in.Type,
				ItemKind:          in.ItemKind,
				AccountID:         in.AccountID,
				Hours:             in.Hours,
				Quantity:          in.Quantity,
				Rate:              in.Rate,
				Amount:            in.Amount,
				Currency:          in.Currency,
				Status:            ledger.StatusPending,
				ServiceInstanceID: in.ServiceInstanceID,
				Notes:             in.Notes,
				CreatedBy:         p.GetID(),
				CreatedAt:         now,
			}

			// Time entries are priced at creation from the actor's pay rate.
			// A missing pay rate is a hard error, never a zero amount.
			if entry.Type == ledger.TypeTime && entry.Amount.IsZero() {
				resolver := rates.NewResolver(txRates{tx})
				r, err := resolver.ResolvePayRate(ctx, p.GetOrgID(), entry.ItemKind, p.GetID(), now)
				if err != nil {
					return fmt.Errorf("price time entry: %w", err)
				}
				entry.Rate = r.Rate
				entry.Amount = entry.Hours.Mul(r.Rate)
			}
			if err := entry.Validate(); err != nil {
				return err
			}

			deltaHours, deltaAmount := decimal.Zero, decimal.Zero
			if entry.CountsTowardHours() {
				deltaHours = entry.Hours
			}
			if entry.CountsTowardAmount() {
				deltaAmount = entry.Amount
			}
			d, err := e.guard.Evaluate(ctx, tx, p.GetOrgID(), enforcement.Request{
				CaseID:            in.CaseID,
				ActorID:           p.GetID(),
				ActionType:        "entry.create." + string(in.Type),
				DeltaHours:        deltaHours,
				DeltaAmount:       deltaAmount,
				ServiceInstanceID: in.ServiceInstanceID,
			})
			if err != nil {
				return err
			}
			if d.Outcome == enforcement.Blocked {
				// Commit the audit action, drop the entry. The error is
				// surfaced after the transaction commits.
				blocked = fmt.Errorf("%w: %s", enforcement.ErrBudgetExceeded, d.Reason)
				return nil
			}
			return tx.InsertEntry(ctx, entry)
		})
	})
	if err != nil {
		return "", err
	}
	if blocked != nil {
		return "", blocked
	}
	return entryID, nil
}

// ApproveBillingItem re-checks the budget with the item's own spend included,
// freezes the pricing snapshot and transitions Pending -> Approved. The actor
// on the context is the approver.
func (e *Engine) ApproveBillingItem(ctx context.Context, itemID string) error {
	var blocked error
	err := e.op(ctx, "approve_billing_item", func(ctx context.Context, p auth.Principal) error {
		caseID, err := e.entryCase(ctx, p.GetOrgID(), itemID)
		if err != nil {
			return err
		}
		return e.store.WithCaseTx(ctx, p.GetOrgID(), caseID, func(tx storepkg.Tx) error {
			svc := billingpkg.NewService(e.guard, rates.NewResolver(txRates{tx})).WithClock(e.clock)
			err := svc.Approve(ctx, tx, p.GetOrgID(), itemID, p.GetID())
			if errors.Is(err, billingpkg.ErrHardCapExceeded) {
				// The audit action for the block must survive the rollback
				// of the approval itself, so commit and surface after.
				blocked = err
				return nil
			}
			return err
		})
	})
	if err != nil {
		return err
	}
	return blocked
}

// RejectBillingItem transitions Pending -> Rejected with a reason note.
func (e *Engine) RejectBillingItem(ctx context.Context, itemID, reason string) error {
	return e.op(ctx, "reject_billing_item", func(ctx context.Context, p auth.Principal) error {
		return e.store.WithTx(ctx, func(tx storepkg.Tx) error {
			svc := billingpkg.NewService(e.guard, rates.NewResolver(txRates{tx})).WithClock(e.clock)
			return svc.Reject(ctx, tx, p.GetOrgID(), itemID, p.GetID(), reason)
		})
	})
}

// Entry returns one ledger entry.
func (e *Engine) Entry(ctx context.Context, entryID string) (ledger.Entry, error) {
	var out ledger.Entry
	err := e.op(ctx, "get_entry", func(ctx context.Context, p auth.Principal) error {
		return e.store.WithTx(ctx, func(tx storepkg.Tx) error {
			var err error
			out, err = tx.Entry(ctx, p.GetOrgID(), entryID)
			return err
		})
	})
	return out, err
}

// CaseConsumption aggregates the case's ledger into consumed hours/amount.
func (e *Engine) CaseConsumption(ctx context.Context, caseID string) (ledger.Consumption, error) {
	var out ledger.Consumption
	err := e.op(ctx, "case_consumption", func(ctx context.Context, p auth.Principal) error {
		return e.store.WithTx(ctx, func(tx storepkg.Tx) error {
			var err error
			out, err = tx.Consumption(ctx, p.GetOrgID(), caseID)
			return err
		})
	})
	return out, err
}

// CreateInvoice opens a draft invoice for an account.
func (e *Engine) CreateInvoice(ctx context.Context, accountID, number, currency string) (invoice.Invoice, error) {
	var out invoice.Invoice
	err := e.op(ctx, "create_invoice", func(ctx context.Context, p auth.Principal) error {
		now := e.clock().UTC()
		out = invoice.Invoice{
			ID:        uuid.New().String(),
			OrgID:     p.GetOrgID(),
			AccountID: accountID,
			Number:    number,
			Status:    invoice.StatusDraft,
			Total:     decimal.Zero,
			Currency:  currency,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return e.store.WithTx(ctx, func(tx storepkg.Tx) error {
			return tx.CreateInvoice(ctx, out)
		})
	})
	if err != nil {
		return invoice.Invoice{}, err
	}
	return out, nil
}

// SettleInvoice converts approved billing items into line items on a draft
// invoice. Skips are reported in the summary, not as errors.
func (e *Engine) SettleInvoice(ctx context.Context, invoiceID string, entryIDs []string) (invoice.Summary, error) {
	var out invoice.Summary
	err := e.op(ctx, "settle_invoice", func(ctx context.Context, p auth.Principal) error {
		return e.store.WithTx(ctx, func(tx storepkg.Tx) error {
			var err error
			out, err = e.settler.Settle(ctx, tx, p.GetOrgID(), invoiceID, entryIDs)
			return err
		})
	})
	return out, err
}

// FinalizeInvoice transitions Draft -> Finalized. No further settlement can
// target the invoice.
func (e *Engine) FinalizeInvoice(ctx context.Context, invoiceID string) error {
	return e.op(ctx, "finalize_invoice", func(ctx context.Context, p auth.Principal) error {
		return e.store.WithTx(ctx, func(tx storepkg.Tx) error {
			return tx.SetInvoiceStatus(ctx, p.GetOrgID(), invoiceID, invoice.StatusDraft, invoice.StatusFinalized)
		})
	})
}

// MarkInvoiceExported transitions Finalized -> Exported after the invoice has
// been handed to the downstream accounting system.
func (e *Engine) MarkInvoiceExported(ctx context.Context, invoiceID string) error {
	return e.op(ctx, "mark_invoice_exported", func(ctx context.Context, p auth.Principal) error {
		return e.store.WithTx(ctx, func(tx storepkg.Tx) error {
			return tx.SetInvoiceStatus(ctx, p.GetOrgID(), invoiceID, invoice.StatusFinalized, invoice.StatusExported)
		})
	})
}

// Invoice returns an invoice with its line items.
func (e *Engine) Invoice(ctx context.Context, invoiceID string) (invoice.Invoice, []invoice.LineItem, error) {
	var inv invoice.Invoice
	var items []invoice.LineItem
	err := e.op(ctx, "get_invoice", func(ctx context.Context, p auth.Principal) error {
		return e.store.WithTx(ctx, func(tx storepkg.Tx) error {
			var err error
			inv, err = tx.Invoice(ctx, p.GetOrgID(), invoiceID)
			if err != nil {
				return err
			}
			items, err = tx.LineItems(ctx, p.GetOrgID(), invoiceID)
			return err
		})
	})
	if err != nil {
		return invoice.Invoice{}, nil, err
	}
	return inv, items, nil
}

// PutRate installs a rate row in its table.
func (e *Engine) PutRate(ctx context.Context, r rates.Entry) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	err := e.op(ctx, "put_rate", func(ctx context.Context, p auth.Principal) error {
		r.OrgID = p.GetOrgID()
		return e.store.WithTx(ctx, func(tx storepkg.Tx) error {
			return tx.InsertRate(ctx, r)
		})
	})
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// ResolveRate resolves the rate of the given kind effective at asOf.
// SubjectID is the account for bill rates and the user for pay rates.
func (e *Engine) ResolveRate(ctx context.Context, kind rates.Kind, itemKind, subjectID string, asOf time.Time) (rates.Entry, error) {
	var out rates.Entry
	err := e.op(ctx, "resolve_rate", func(ctx context.Context, p auth.Principal) error {
		return e.store.WithTx(ctx, func(tx storepkg.Tx) error {
			resolver := rates.NewResolver(txRates{tx})
			var err error
			switch kind {
			case rates.KindPay:
				out, err = resolver.ResolvePayRate(ctx, p.GetOrgID(), itemKind, subjectID, asOf)
			default:
				out, err = resolver.ResolveBillRate(ctx, p.GetOrgID(), itemKind, subjectID, asOf)
			}
			return err
		})
	})
	return out, err
}

// EnforcementActions returns the audit trail for a case in chain order.
func (e *Engine) EnforcementActions(ctx context.Context, caseID string) ([]enforcement.Action, error) {
	var out []enforcement.Action
	err := e.op(ctx, "enforcement_actions", func(ctx context.Context, p auth.Principal) error {
		return e.store.WithTx(ctx, func(tx storepkg.Tx) error {
			var err error
			out, err = tx.Actions(ctx, p.GetOrgID(), caseID)
			return err
		})
	})
	return out, err
}

// VerifyAuditChain recomputes the case's enforcement hash chain.
func (e *Engine) VerifyAuditChain(ctx context.Context, caseID string) error {
	return e.op(ctx, "verify_audit_chain", func(ctx context.Context, p auth.Principal) error {
		return e.store.WithTx(ctx, func(tx storepkg.Tx) error {
			actions, err := tx.Actions(ctx, p.GetOrgID(), caseID)
			if err != nil {
				return err
			}
			return enforcement.VerifyChain(actions)
		})
	})
}

// entryCase resolves the case an entry belongs to, so the mutating
// transaction can take the case lock up front.
func (e *Engine) entryCase(ctx context.Context, orgID, entryID string) (string, error) {
	var caseID string
	err := e.store.WithTx(ctx, func(tx storepkg.Tx) error {
		entry, err := tx.Entry(ctx, orgID, entryID)
		if err != nil {
			return err
		}
		caseID = entry.CaseID
		return nil
	})
	return caseID, err
}

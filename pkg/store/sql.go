package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/casetrail/settlement/pkg/budget"
	"github.com/casetrail/settlement/pkg/enforcement"
	"github.com/casetrail/settlement/pkg/invoice"
	"github.com/casetrail/settlement/pkg/ledger"
	"github.com/casetrail/settlement/pkg/rates"
)

// Dialect abstracts the differences between Postgres and SQLite: schema
// types, the case-lock statement, and driver error translation.
type Dialect interface {
	Name() string
	Schema() string
	// LockCase serializes the transaction on the case's budget row. It is a
	// no-op when the case has no budget row (open case) and on engines whose
	// transaction model already serializes writers.
	LockCase(ctx context.Context, tx *sql.Tx, orgID, caseID string, wait time.Duration) error
	// RowLockSuffix is appended to SELECTs that need exclusive row access
	// for a read-modify-write (" FOR UPDATE" on Postgres, "" on SQLite).
	RowLockSuffix() string
	// TranslateError maps driver lock/busy failures to ErrBusy.
	TranslateError(err error) error
}

// SQLStore implements Store over database/sql for both supported dialects.
type SQLStore struct {
	db       *sql.DB
	dialect  Dialect
	lockWait time.Duration
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, lockWait: DefaultLockWait}
}

// WithLockWait overrides the bounded lock wait.
func (s *SQLStore) WithLockWait(d time.Duration) *SQLStore {
	s.lockWait = d
	return s
}

// Init applies the schema. Idempotent.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.Schema()); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for integration tests.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, "", "", fn)
}

func (s *SQLStore) WithCaseTx(ctx context.Context, orgID, caseID string, fn func(tx Tx) error) error {
	return s.run(ctx, orgID, caseID, fn)
}

func (s *SQLStore) run(ctx context.Context, orgID, caseID string, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op after commit

	if caseID != "" {
		if err := s.dialect.LockCase(ctx, tx, orgID, caseID, s.lockWait); err != nil {
			return s.dialect.TranslateError(err)
		}
	}
	if err := fn(&sqlTx{tx: tx, dialect: s.dialect}); err != nil {
		return s.dialect.TranslateError(err)
	}
	if err := tx.Commit(); err != nil {
		return s.dialect.TranslateError(fmt.Errorf("store: commit: %w", err))
	}
	return nil
}

// sqlTx implements Tx over one open transaction.
type sqlTx struct {
	tx      *sql.Tx
	dialect Dialect
}

var _ Tx = (*sqlTx)(nil)

func (t *sqlTx) CaseBudget(ctx context.Context, orgID, caseID string) (*budget.CaseBudget, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT org_id, case_id, hours_limit, amount_limit, hard_cap, note, updated_at
		FROM case_budgets WHERE org_id = $1 AND case_id = $2`, orgID, caseID)

	var b budget.CaseBudget
	var hours, amount decimal.NullDecimal
	err := row.Scan(&b.OrgID, &b.CaseID, &hours, &amount, &b.HardCap, &b.Note, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: case budget: %w", err)
	}
	b.HoursLimit = fromNull(hours)
	b.AmountLimit = fromNull(amount)
	return &b, nil
}

func (t *sqlTx) PutCaseBudget(ctx context.Context, b budget.CaseBudget) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO case_budgets (org_id, case_id, hours_limit, amount_limit, hard_cap, note, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (org_id, case_id) DO UPDATE SET
			hours_limit = EXCLUDED.hours_limit,
			amount_limit = EXCLUDED.amount_limit,
			hard_cap = EXCLUDED.hard_cap,
			note = EXCLUDED.note,
			updated_at = EXCLUDED.updated_at`,
		b.OrgID, b.CaseID, toNull(b.HoursLimit), toNull(b.AmountLimit), b.HardCap, b.Note, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: put case budget: %w", err)
	}
	return nil
}

func (t *sqlTx) AppendAdjustment(ctx context.Context, adj budget.Adjustment) error {
	if err := adj.Validate(); err != nil {
		return err
	}
	// Insert-only: the table has no update path anywhere in this package.
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO budget_adjustments (id, org_id, case_id, kind, previous_value, new_value, reason, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		adj.ID, adj.OrgID, adj.CaseID, string(adj.Kind), toNull(adj.PreviousValue), adj.NewValue,
		adj.Reason, adj.ActorID, adj.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: append adjustment: %w", err)
	}
	return nil
}

func (t *sqlTx) Adjustments(ctx context.Context, orgID, caseID string) ([]budget.Adjustment, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, org_id, case_id, kind, previous_value, new_value, reason, actor_id, created_at
		FROM budget_adjustments WHERE org_id = $1 AND case_id = $2 ORDER BY created_at ASC`, orgID, caseID)
	if err != nil {
		return nil, fmt.Errorf("store: adjustments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []budget.Adjustment
	for rows.Next() {
		var a budget.Adjustment
		var kind string
		var prev decimal.NullDecimal
		if err := rows.Scan(&a.ID, &a.OrgID, &a.CaseID, &kind, &prev, &a.NewValue, &a.Reason, &a.ActorID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan adjustment: %w", err)
		}
		a.Kind = budget.AdjustmentKind(kind)
		a.PreviousValue = fromNull(prev)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *sqlTx) ServiceLimit(ctx context.Context, orgID, serviceInstanceID string) (*budget.ServiceLimit, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT org_id, service_instance_id, case_id, max_hours, max_amount, warning_threshold_pct
		FROM service_limits WHERE org_id = $1 AND service_instance_id = $2`, orgID, serviceInstanceID)

	var sl budget.ServiceLimit
	var hours, amount decimal.NullDecimal
	err := row.Scan(&sl.OrgID, &sl.ServiceInstanceID, &sl.CaseID, &hours, &amount, &sl.WarningThresholdPct)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: service limit: %w", err)
	}
	sl.MaxHours = fromNull(hours)
	sl.MaxAmount = fromNull(amount)
	return &sl, nil
}

func (t *sqlTx) PutServiceLimit(ctx context.Context, sl budget.ServiceLimit) error {
	if err := sl.Validate(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO service_limits (org_id, service_instance_id, case_id, max_hours, max_amount, warning_threshold_pct)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (org_id, service_instance_id) DO UPDATE SET
			max_hours = EXCLUDED.max_hours,
			max_amount = EXCLUDED.max_amount,
			warning_threshold_pct = EXCLUDED.warning_threshold_pct`,
		sl.OrgID, sl.ServiceInstanceID, sl.CaseID, toNull(sl.MaxHours), toNull(sl.MaxAmount), sl.WarningThresholdPct)
	if err != nil {
		return fmt.Errorf("store: put service limit: %w", err)
	}
	return nil
}

const entryColumns = `id, org_id, case_id, type, item_kind, account_id, hours, quantity, rate, amount,
	currency, status, snapshot, invoice_id, service_instance_id, notes, created_by, created_at`

func (t *sqlTx) InsertEntry(ctx context.Context, e ledger.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	snap, err := marshalSnapshot(e.Snapshot)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		e.ID, e.OrgID, e.CaseID, string(e.Type), e.ItemKind, e.AccountID,
		e.Hours, e.Quantity, e.Rate, e.Amount, e.Currency, string(e.Status),
		snap, e.InvoiceID, e.ServiceInstanceID, e.Notes, e.CreatedBy, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert entry: %w", err)
	}
	return nil
}

func scanEntry(row interface{ Scan(...any) error }) (ledger.Entry, error) {
	var e ledger.Entry
	var typ, status string
	var snap, invoiceID, svcID sql.NullString
	err := row.Scan(&e.ID, &e.OrgID, &e.CaseID, &typ, &e.ItemKind, &e.AccountID,
		&e.Hours, &e.Quantity, &e.Rate, &e.Amount, &e.Currency, &status,
		&snap, &invoiceID, &svcID, &e.Notes, &e.CreatedBy, &e.CreatedAt)
	if err != nil {
		return ledger.Entry{}, err
	}
	e.Type = ledger.EntryType(typ)
	e.Status = ledger.Status(status)
	if invoiceID.Valid {
		e.InvoiceID = &invoiceID.String
	}
	if svcID.Valid {
		e.ServiceInstanceID = &svcID.String
	}
	if snap.Valid && snap.String != "" {
		var s ledger.PricingSnapshot
		if err := json.Unmarshal([]byte(snap.String), &s); err != nil {
			return ledger.Entry{}, fmt.Errorf("store: corrupt snapshot on entry %s: %w", e.ID, err)
		}
		e.Snapshot = &s
	}
	return e, nil
}

func (t *sqlTx) Entry(ctx context.Context, orgID, id string) (ledger.Entry, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE org_id = $1 AND id = $2`, orgID, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("store: entry: %w", err)
	}
	return e, nil
}

// Consumption loads the case's ledger lines and folds them with the shared
// aggregation so both SQL backends and the in-memory store agree exactly.
func (t *sqlTx) Consumption(ctx context.Context, orgID, caseID string) (ledger.Consumption, error) {
	return t.aggregate(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE org_id = $1 AND case_id = $2`, orgID, caseID)
}

func (t *sqlTx) ServiceConsumption(ctx context.Context, orgID, serviceInstanceID string) (ledger.Consumption, error) {
	return t.aggregate(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE org_id = $1 AND service_instance_id = $2`, orgID, serviceInstanceID)
}

func (t *sqlTx) aggregate(ctx context.Context, query string, args ...any) (ledger.Consumption, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return ledger.Consumption{}, fmt.Errorf("store: consumption: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return ledger.Consumption{}, fmt.Errorf("store: consumption scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return ledger.Consumption{}, err
	}
	return ledger.Aggregate(entries), nil
}

func (t *sqlTx) ApproveEntry(ctx context.Context, orgID, id string, snap ledger.PricingSnapshot) error {
	payload, err := marshalSnapshot(&snap)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE ledger_entries
		SET status = 'APPROVED', snapshot = $1, quantity = $2, rate = $3, amount = $4
		WHERE org_id = $5 AND id = $6 AND status = 'PENDING' AND snapshot IS NULL`,
		payload, snap.Quantity, snap.Rate, snap.Amount, orgID, id)
	if err != nil {
		return fmt.Errorf("store: approve entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return t.classifyEntryCASFailure(ctx, orgID, id)
}

func (t *sqlTx) RejectEntry(ctx context.Context, orgID, id, reason string) error {
	e, err := t.Entry(ctx, orgID, id)
	if err != nil {
		return err
	}
	notes := reason
	if e.Notes != "" {
		notes = e.Notes + "\n" + reason
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE ledger_entries SET status = 'REJECTED', notes = $1
		WHERE org_id = $2 AND id = $3 AND status = 'PENDING'`, notes, orgID, id)
	if err != nil {
		return fmt.Errorf("store: reject entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return t.classifyEntryCASFailure(ctx, orgID, id)
}

// classifyEntryCASFailure turns a zero-row compare-and-set into the precise
// state error.
func (t *sqlTx) classifyEntryCASFailure(ctx context.Context, orgID, id string) error {
	e, err := t.Entry(ctx, orgID, id)
	if err != nil {
		return err
	}
	switch {
	case e.Status == ledger.StatusRejected:
		return ledger.ErrAlreadyRejected
	case e.Snapshot != nil && e.Status == ledger.StatusPending:
		return ledger.ErrSnapshotFrozen
	default:
		return fmt.Errorf("%w: entry %s is %s", ledger.ErrNotPending, id, e.Status)
	}
}

func (t *sqlTx) ClaimForInvoice(ctx context.Context, orgID, entryID, invoiceID string) (bool, error) {
	// The at-most-once guard: a conditional update that only succeeds while
	// invoice_id is still null. Two concurrent settlements cannot both pass.
	res, err := t.tx.ExecContext(ctx, `
		UPDATE ledger_entries SET invoice_id = $1, status = 'INVOICED'
		WHERE org_id = $2 AND id = $3 AND invoice_id IS NULL AND status = 'APPROVED'`,
		invoiceID, orgID, entryID)
	if err != nil {
		return false, fmt.Errorf("store: claim entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: claim entry: %w", err)
	}
	return n == 1, nil
}

func (t *sqlTx) AppendAction(ctx context.Context, a enforcement.Action) error {
	ctxJSON, err := json.Marshal(a.Context)
	if err != nil {
		return fmt.Errorf("store: marshal action context: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO enforcement_actions (id, org_id, case_id, actor_id, action_type, kind, was_blocked, reason, context, prev_hash, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.OrgID, a.CaseID, a.ActorID, a.ActionType, string(a.Kind), a.WasBlocked,
		a.Reason, string(ctxJSON), a.PrevHash, a.Hash, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: append action: %w", err)
	}
	return nil
}

func (t *sqlTx) LastActionHash(ctx context.Context, orgID, caseID string) (string, error) {
	var hash string
	err := t.tx.QueryRowContext(ctx, `
		SELECT hash FROM enforcement_actions WHERE org_id = $1 AND case_id = $2
		ORDER BY created_at DESC, id DESC LIMIT 1`, orgID, caseID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: last action hash: %w", err)
	}
	return hash, nil
}

func (t *sqlTx) Actions(ctx context.Context, orgID, caseID string) ([]enforcement.Action, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, org_id, case_id, actor_id, action_type, kind, was_blocked, reason, context, prev_hash, hash, created_at
		FROM enforcement_actions WHERE org_id = $1 AND case_id = $2 ORDER BY created_at ASC, id ASC`, orgID, caseID)
	if err != nil {
		return nil, fmt.Errorf("store: actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []enforcement.Action
	for rows.Next() {
		var a enforcement.Action
		var kind, ctxJSON string
		if err := rows.Scan(&a.ID, &a.OrgID, &a.CaseID, &a.ActorID, &a.ActionType, &kind,
			&a.WasBlocked, &a.Reason, &ctxJSON, &a.PrevHash, &a.Hash, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan action: %w", err)
		}
		a.Kind = enforcement.ActionKind(kind)
		if ctxJSON != "" {
			if err := json.Unmarshal([]byte(ctxJSON), &a.Context); err != nil {
				return nil, fmt.Errorf("store: corrupt action context %s: %w", a.ID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *sqlTx) InsertRate(ctx context.Context, e rates.Entry) error {
	table := "bill_rates"
	subject := "account_id"
	if e.Kind == rates.KindPay {
		table = "pay_rates"
		subject = "user_id"
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO `+table+` (id, org_id, item_kind, `+subject+`, rate, currency, effective_from, effective_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.OrgID, e.ItemKind, e.SubjectID, e.Rate, e.Currency, e.EffectiveFrom, e.EffectiveTo)
	if err != nil {
		return fmt.Errorf("store: insert %s: %w", table, err)
	}
	return nil
}

func (t *sqlTx) BillRates(ctx context.Context, orgID, itemKind, accountID string) ([]rates.Entry, error) {
	return t.rateRows(ctx, rates.KindBill, `
		SELECT id, org_id, item_kind, account_id, rate, currency, effective_from, effective_to
		FROM bill_rates WHERE org_id = $1 AND item_kind = $2 AND account_id = $3`, orgID, itemKind, accountID)
}

func (t *sqlTx) PayRates(ctx context.Context, orgID, itemKind, userID string) ([]rates.Entry, error) {
	return t.rateRows(ctx, rates.KindPay, `
		SELECT id, org_id, item_kind, user_id, rate, currency, effective_from, effective_to
		FROM pay_rates WHERE org_id = $1 AND item_kind = $2 AND user_id = $3`, orgID, itemKind, userID)
}

func (t *sqlTx) rateRows(ctx context.Context, kind rates.Kind, query string, args ...any) ([]rates.Entry, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: rates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []rates.Entry
	for rows.Next() {
		var e rates.Entry
		var to sql.NullTime
		if err := rows.Scan(&e.ID, &e.OrgID, &e.ItemKind, &e.SubjectID, &e.Rate, &e.Currency, &e.EffectiveFrom, &to); err != nil {
			return nil, fmt.Errorf("store: scan rate: %w", err)
		}
		e.Kind = kind
		if to.Valid {
			e.EffectiveTo = &to.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *sqlTx) CreateInvoice(ctx context.Context, inv invoice.Invoice) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO invoices (id, org_id, account_id, number, status, total, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		inv.ID, inv.OrgID, inv.AccountID, inv.Number, string(inv.Status), inv.Total, inv.Currency,
		inv.CreatedAt, inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create invoice: %w", err)
	}
	return nil
}

func (t *sqlTx) Invoice(ctx context.Context, orgID, id string) (invoice.Invoice, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, org_id, account_id, number, status, total, currency, created_at, updated_at
		FROM invoices WHERE org_id = $1 AND id = $2`, orgID, id)

	var inv invoice.Invoice
	var status string
	err := row.Scan(&inv.ID, &inv.OrgID, &inv.AccountID, &inv.Number, &status, &inv.Total,
		&inv.Currency, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return invoice.Invoice{}, invoice.ErrNotFound
	}
	if err != nil {
		return invoice.Invoice{}, fmt.Errorf("store: invoice: %w", err)
	}
	inv.Status = invoice.Status(status)
	return inv, nil
}

func (t *sqlTx) SetInvoiceStatus(ctx context.Context, orgID, id string, from, to invoice.Status) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE invoices SET status = $1 WHERE org_id = $2 AND id = $3 AND status = $4`,
		string(to), orgID, id, string(from))
	if err != nil {
		return fmt.Errorf("store: set invoice status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	inv, err := t.Invoice(ctx, orgID, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: invoice %s is %s", invoice.ErrNotDraft, id, inv.Status)
}

func (t *sqlTx) InsertLineItem(ctx context.Context, li invoice.LineItem) error {
	// (org_id, entry_id) is unique in the schema as a second line of defense
	// behind the entry claim.
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO invoice_line_items (id, org_id, invoice_id, entry_id, description, quantity, rate, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		li.ID, li.OrgID, li.InvoiceID, li.EntryID, li.Description, li.Quantity, li.Rate, li.Amount, li.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert line item: %w", err)
	}
	return nil
}

func (t *sqlTx) LineItems(ctx context.Context, orgID, invoiceID string) ([]invoice.LineItem, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, org_id, invoice_id, entry_id, description, quantity, rate, amount, created_at
		FROM invoice_line_items WHERE org_id = $1 AND invoice_id = $2 ORDER BY created_at ASC`, orgID, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("store: line items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []invoice.LineItem
	for rows.Next() {
		var li invoice.LineItem
		if err := rows.Scan(&li.ID, &li.OrgID, &li.InvoiceID, &li.EntryID, &li.Description,
			&li.Quantity, &li.Rate, &li.Amount, &li.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan line item: %w", err)
		}
		out = append(out, li)
	}
	return out, rows.Err()
}

func (t *sqlTx) AddInvoiceTotal(ctx context.Context, orgID, invoiceID string, amount decimal.Decimal) error {
	// Exact decimal read-modify-write inside the transaction; the row lock
	// keeps concurrent batches from clobbering each other on Postgres.
	var total decimal.Decimal
	err := t.tx.QueryRowContext(ctx, `
		SELECT total FROM invoices WHERE org_id = $1 AND id = $2`+t.dialect.RowLockSuffix(), orgID, invoiceID).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return invoice.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: invoice total: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE invoices SET total = $1, updated_at = $2 WHERE org_id = $3 AND id = $4`,
		total.Add(amount), time.Now().UTC(), orgID, invoiceID)
	if err != nil {
		return fmt.Errorf("store: update invoice total: %w", err)
	}
	return nil
}

func marshalSnapshot(s *ledger.PricingSnapshot) (sql.NullString, error) {
	if s == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("store: marshal snapshot: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func toNull(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func fromNull(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

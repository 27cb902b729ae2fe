package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/casetrail/settlement/pkg/budget"
	"github.com/casetrail/settlement/pkg/enforcement"
	"github.com/casetrail/settlement/pkg/invoice"
	"github.com/casetrail/settlement/pkg/ledger"
	"github.com/casetrail/settlement/pkg/rates"
)

// DefaultLockWait bounds how long a transaction waits for the store before
// surfacing ErrBusy.
const DefaultLockWait = 3 * time.Second

// memState is the whole store content. Transactions operate on a deep copy
// and swap it in on commit, which gives rollback and read-your-own-writes
// for free.
type memState struct {
	budgets     map[string]budget.CaseBudget   // org/case
	adjustments []budget.Adjustment            // append-only
	svcLimits   map[string]budget.ServiceLimit // org/serviceInstance
	entries     map[string]ledger.Entry        // org/id
	actions     []enforcement.Action           // append-only
	rateRows    []rates.Entry
	invoices    map[string]invoice.Invoice // org/id
	lineItems   []invoice.LineItem
}

func newMemState() *memState {
	return &memState{
		budgets:   map[string]budget.CaseBudget{},
		svcLimits: map[string]budget.ServiceLimit{},
		entries:   map[string]ledger.Entry{},
		invoices:  map[string]invoice.Invoice{},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		budgets:     make(map[string]budget.CaseBudget, len(s.budgets)),
		adjustments: append([]budget.Adjustment(nil), s.adjustments...),
		svcLimits:   make(map[string]budget.ServiceLimit, len(s.svcLimits)),
		entries:     make(map[string]ledger.Entry, len(s.entries)),
		actions:     append([]enforcement.Action(nil), s.actions...),
		rateRows:    append([]rates.Entry(nil), s.rateRows...),
		invoices:    make(map[string]invoice.Invoice, len(s.invoices)),
		lineItems:   append([]invoice.LineItem(nil), s.lineItems...),
	}
	for k, v := range s.budgets {
		c.budgets[k] = v
	}
	for k, v := range s.svcLimits {
		c.svcLimits[k] = v
	}
	for k, v := range s.entries {
		c.entries[k] = cloneEntry(v)
	}
	for k, v := range s.invoices {
		c.invoices[k] = v
	}
	return c
}

func cloneEntry(e ledger.Entry) ledger.Entry {
	if e.Snapshot != nil {
		snap := *e.Snapshot
		e.Snapshot = &snap
	}
	if e.InvoiceID != nil {
		id := *e.InvoiceID
		e.InvoiceID = &id
	}
	if e.ServiceInstanceID != nil {
		id := *e.ServiceInstanceID
		e.ServiceInstanceID = &id
	}
	return e
}

// Memory is the in-process Store. A single transaction slot serializes all
// writers, which subsumes the per-case budget-row lock the SQL backends take.
type Memory struct {
	slot     chan struct{}
	lockWait time.Duration
	state    *memState
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	m := &Memory{
		slot:     make(chan struct{}, 1),
		lockWait: DefaultLockWait,
		state:    newMemState(),
	}
	m.slot <- struct{}{}
	return m
}

// WithLockWait overrides the bounded lock wait.
func (m *Memory) WithLockWait(d time.Duration) *Memory {
	m.lockWait = d
	return m
}

func (m *Memory) acquire(ctx context.Context) error {
	timer := time.NewTimer(m.lockWait)
	defer timer.Stop()
	select {
	case <-m.slot:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrBusy
	}
}

func (m *Memory) release() {
	m.slot <- struct{}{}
}

// WithTx runs fn against a copy of the state and commits it on success.
func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	staged := m.state.clone()
	if err := fn(&memTx{st: staged}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		// Caller abandoned the request: discard the staged state.
		return err
	}
	m.state = staged
	return nil
}

// WithCaseTx is WithTx; the single transaction slot already serializes
// concurrent writers on the same case.
func (m *Memory) WithCaseTx(ctx context.Context, _, _ string, fn func(tx Tx) error) error {
	return m.WithTx(ctx, fn)
}

// Close releases nothing for the in-memory store.
func (m *Memory) Close() error { return nil }

// memTx implements Tx over a staged state copy.
type memTx struct {
	st *memState
}

var _ Tx = (*memTx)(nil)

func key(orgID, id string) string { return orgID + "/" + id }

func (t *memTx) CaseBudget(_ context.Context, orgID, caseID string) (*budget.CaseBudget, error) {
	b, ok := t.st.budgets[key(orgID, caseID)]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (t *memTx) PutCaseBudget(_ context.Context, b budget.CaseBudget) error {
	t.st.budgets[key(b.OrgID, b.CaseID)] = b
	return nil
}

func (t *memTx) AppendAdjustment(_ context.Context, adj budget.Adjustment) error {
	if err := adj.Validate(); err != nil {
		return err
	}
	t.st.adjustments = append(t.st.adjustments, adj)
	return nil
}

func (t *memTx) Adjustments(_ context.Context, orgID, caseID string) ([]budget.Adjustment, error) {
	var out []budget.Adjustment
	for _, a := range t.st.adjustments {
		if a.OrgID == orgID && a.CaseID == caseID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) ServiceLimit(_ context.Context, orgID, serviceInstanceID string) (*budget.ServiceLimit, error) {
	sl, ok := t.st.svcLimits[key(orgID, serviceInstanceID)]
	if !ok {
		return nil, nil
	}
	return &sl, nil
}

func (t *memTx) PutServiceLimit(_ context.Context, sl budget.ServiceLimit) error {
	if err := sl.Validate(); err != nil {
		return err
	}
	t.st.svcLimits[key(sl.OrgID, sl.ServiceInstanceID)] = sl
	return nil
}

func (t *memTx) InsertEntry(_ context.Context, e ledger.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	k := key(e.OrgID, e.ID)
	if _, exists := t.st.entries[k]; exists {
		return fmt.Errorf("store: duplicate entry id %s", e.ID)
	}
	t.st.entries[k] = cloneEntry(e)
	return nil
}

func (t *memTx) Entry(_ context.Context, orgID, id string) (ledger.Entry, error) {
	e, ok := t.st.entries[key(orgID, id)]
	if !ok {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	return cloneEntry(e), nil
}

func (t *memTx) Consumption(_ context.Context, orgID, caseID string) (ledger.Consumption, error) {
	var rows []ledger.Entry
	for _, e := range t.st.entries {
		if e.OrgID == orgID && e.CaseID == caseID {
			rows = append(rows, e)
		}
	}
	return ledger.Aggregate(rows), nil
}

func (t *memTx) ServiceConsumption(_ context.Context, orgID, serviceInstanceID string) (ledger.Consumption, error) {
	var rows []ledger.Entry
	for _, e := range t.st.entries {
		if e.OrgID == orgID && e.ServiceInstanceID != nil && *e.ServiceInstanceID == serviceInstanceID {
			rows = append(rows, e)
		}
	}
	return ledger.Aggregate(rows), nil
}

func (t *memTx) ApproveEntry(_ context.Context, orgID, id string, snap ledger.PricingSnapshot) error {
	k := key(orgID, id)
	e, ok := t.st.entries[k]
	if !ok {
		return ledger.ErrNotFound
	}
	if e.Status != ledger.StatusPending {
		if e.Status == ledger.StatusRejected {
			return ledger.ErrAlreadyRejected
		}
		return fmt.Errorf("%w: entry %s is %s", ledger.ErrNotPending, id, e.Status)
	}
	if e.Snapshot != nil {
		return ledger.ErrSnapshotFrozen
	}
	e.Snapshot = &snap
	e.Status = ledger.StatusApproved
	e.Quantity = snap.Quantity
	e.Rate = snap.Rate
	e.Amount = snap.Amount
	t.st.entries[k] = e
	return nil
}

func (t *memTx) RejectEntry(_ context.Context, orgID, id, reason string) error {
	k := key(orgID, id)
	e, ok := t.st.entries[k]
	if !ok {
		return ledger.ErrNotFound
	}
	if e.Status == ledger.StatusRejected {
		return ledger.ErrAlreadyRejected
	}
	if e.Status != ledger.StatusPending {
		return ledger.ErrNotPending
	}
	e.Status = ledger.StatusRejected
	if e.Notes != "" {
		e.Notes += "\n"
	}
	e.Notes += reason
	t.st.entries[k] = e
	return nil
}

func (t *memTx) ClaimForInvoice(_ context.Context, orgID, entryID, invoiceID string) (bool, error) {
	k := key(orgID, entryID)
	e, ok := t.st.entries[k]
	if !ok {
		return false, nil
	}
	if e.InvoiceID != nil || e.Status != ledger.StatusApproved {
		return false, nil
	}
	id := invoiceID
	e.InvoiceID = &id
	e.Status = ledger.StatusInvoiced
	t.st.entries[k] = e
	return true, nil
}

func (t *memTx) AppendAction(_ context.Context, a enforcement.Action) error {
	t.st.actions = append(t.st.actions, a)
	return nil
}

func (t *memTx) LastActionHash(_ context.Context, orgID, caseID string) (string, error) {
	for i := len(t.st.actions) - 1; i >= 0; i-- {
		a := t.st.actions[i]
		if a.OrgID == orgID && a.CaseID == caseID {
			return a.Hash, nil
		}
	}
	return "", nil
}

func (t *memTx) Actions(_ context.Context, orgID, caseID string) ([]enforcement.Action, error) {
	var out []enforcement.Action
	for _, a := range t.st.actions {
		if a.OrgID == orgID && a.CaseID == caseID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (t *memTx) InsertRate(_ context.Context, e rates.Entry) error {
	t.st.rateRows = append(t.st.rateRows, e)
	return nil
}

func (t *memTx) BillRates(_ context.Context, orgID, itemKind, accountID string) ([]rates.Entry, error) {
	return t.filterRates(rates.KindBill, orgID, itemKind, accountID), nil
}

func (t *memTx) PayRates(_ context.Context, orgID, itemKind, userID string) ([]rates.Entry, error) {
	return t.filterRates(rates.KindPay, orgID, itemKind, userID), nil
}

func (t *memTx) filterRates(kind rates.Kind, orgID, itemKind, subjectID string) []rates.Entry {
	var out []rates.Entry
	for _, e := range t.st.rateRows {
		if e.Kind == kind && e.OrgID == orgID && e.ItemKind == itemKind && e.SubjectID == subjectID {
			out = append(out, e)
		}
	}
	return out
}

func (t *memTx) CreateInvoice(_ context.Context, inv invoice.Invoice) error {
	k := key(inv.OrgID, inv.ID)
	if _, exists := t.st.invoices[k]; exists {
		return fmt.Errorf("store: duplicate invoice id %s", inv.ID)
	}
	t.st.invoices[k] = inv
	return nil
}

func (t *memTx) Invoice(_ context.Context, orgID, id string) (invoice.Invoice, error) {
	inv, ok := t.st.invoices[key(orgID, id)]
	if !ok {
		return invoice.Invoice{}, invoice.ErrNotFound
	}
	return inv, nil
}

func (t *memTx) SetInvoiceStatus(_ context.Context, orgID, id string, from, to invoice.Status) error {
	k := key(orgID, id)
	inv, ok := t.st.invoices[k]
	if !ok {
		return invoice.ErrNotFound
	}
	if inv.Status != from {
		return fmt.Errorf("%w: invoice %s is %s", invoice.ErrNotDraft, id, inv.Status)
	}
	inv.Status = to
	t.st.invoices[k] = inv
	return nil
}

func (t *memTx) InsertLineItem(_ context.Context, li invoice.LineItem) error {
	for _, existing := range t.st.lineItems {
		if existing.OrgID == li.OrgID && existing.EntryID == li.EntryID {
			return ledger.ErrAlreadyInvoiced
		}
	}
	t.st.lineItems = append(t.st.lineItems, li)
	return nil
}

func (t *memTx) LineItems(_ context.Context, orgID, invoiceID string) ([]invoice.LineItem, error) {
	var out []invoice.LineItem
	for _, li := range t.st.lineItems {
		if li.OrgID == orgID && li.InvoiceID == invoiceID {
			out = append(out, li)
		}
	}
	return out, nil
}

func (t *memTx) AddInvoiceTotal(_ context.Context, orgID, invoiceID string, amount decimal.Decimal) error {
	k := key(orgID, invoiceID)
	inv, ok := t.st.invoices[k]
	if !ok {
		return invoice.ErrNotFound
	}
	inv.Total = inv.Total.Add(amount)
	inv.UpdatedAt = time.Now().UTC()
	t.st.invoices[k] = inv
	return nil
}

package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casetrail/settlement/pkg/billing"
	"github.com/casetrail/settlement/pkg/budget"
	"github.com/casetrail/settlement/pkg/enforcement"
	"github.com/casetrail/settlement/pkg/ledger"
	"github.com/casetrail/settlement/pkg/money"
	"github.com/casetrail/settlement/pkg/rates"
)

// fakeStore is an in-memory billing.Store for lifecycle tests.
type fakeStore struct {
	budget   *budget.CaseBudget
	caseCons ledger.Consumption
	entries  map[string]*ledger.Entry
	actions  []enforcement.Action
}

func newFakeStore(entries ...*ledger.Entry) *fakeStore {
	st := &fakeStore{entries: map[string]*ledger.Entry{}}
	for _, e := range entries {
		st.entries[e.ID] = e
	}
	return st
}

func (f *fakeStore) CaseBudget(context.Context, string, string) (*budget.CaseBudget, error) {
	return f.budget, nil
}

func (f *fakeStore) ServiceLimit(context.Context, string, string) (*budget.ServiceLimit, error) {
	return nil, nil
}

func (f *fakeStore) Consumption(context.Context, string, string) (ledger.Consumption, error) {
	return f.caseCons, nil
}

func (f *fakeStore) ServiceConsumption(context.Context, string, string) (ledger.Consumption, error) {
	return ledger.Consumption{Hours: money.Zero, Amount: money.Zero}, nil
}

func (f *fakeStore) LastActionHash(context.Context, string, string) (string, error) {
	if len(f.actions) == 0 {
		return "", nil
	}
	return f.actions[len(f.actions)-1].Hash, nil
}

func (f *fakeStore) AppendAction(_ context.Context, a enforcement.Action) error {
	f.actions = append(f.actions, a)
	return nil
}

func (f *fakeStore) Entry(_ context.Context, _, id string) (ledger.Entry, error) {
	e, ok := f.entries[id]
	if !ok {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	return *e, nil
}

func (f *fakeStore) ApproveEntry(_ context.Context, _, id string, snap ledger.PricingSnapshot) error {
	e := f.entries[id]
	if e.Status != ledger.StatusPending {
		return ledger.ErrNotPending
	}
	e.Status = ledger.StatusApproved
	e.Snapshot = &snap
	e.Rate = snap.Rate
	e.Amount = snap.Amount
	return nil
}

func (f *fakeStore) RejectEntry(_ context.Context, _, id, reason string) error {
	e := f.entries[id]
	if e.Status != ledger.StatusPending {
		return ledger.ErrNotPending
	}
	e.Status = ledger.StatusRejected
	e.Notes = reason
	return nil
}

// tableSource serves bill rates from a fixed slice and never a pay rate.
type tableSource struct {
	bill []rates.Entry
}

func (s *tableSource) BillRates(context.Context, string, string, string) ([]rates.Entry, error) {
	return s.bill, nil
}

func (s *tableSource) PayRates(context.Context, string, string, string) ([]rates.Entry, error) {
	return nil, nil
}

func pendingItem(id string) *ledger.Entry {
	svc := "svc-1"
	return &ledger.Entry{
		ID: id, CaseID: "case-1", OrgID: "org-1",
		Type: ledger.TypeBillingItem, ItemKind: "SURVEILLANCE_REPORT", AccountID: "acct-1",
		Quantity: money.MustParse("2"), Status: ledger.StatusPending,
		Hours: money.Zero, Rate: money.Zero, Amount: money.Zero,
		Currency: "USD", ServiceInstanceID: &svc,
	}
}

func billRate(rate string) rates.Entry {
	return rates.Entry{
		ID: "r1", OrgID: "org-1", Kind: rates.KindBill,
		ItemKind: "SURVEILLANCE_REPORT", SubjectID: "acct-1",
		Rate: money.MustParse(rate), EffectiveFrom: time.Now().UTC().Add(-time.Hour),
	}
}

func TestApprove_FreezesSnapshotFromBillRate(t *testing.T) {
	st := newFakeStore(pendingItem("item-1"))
	svc := billing.NewService(enforcement.NewGuard(nil), rates.NewResolver(&tableSource{bill: []rates.Entry{billRate("150")}}))

	require.NoError(t, svc.Approve(context.Background(), st, "org-1", "item-1", "mgr-1"))

	e := st.entries["item-1"]
	assert.Equal(t, ledger.StatusApproved, e.Status)
	require.NotNil(t, e.Snapshot)
	assert.True(t, e.Snapshot.Amount.Equal(money.MustParse("300")), "2 x 150, got %s", e.Snapshot.Amount)
	assert.Equal(t, "mgr-1", e.Snapshot.ApproverID)

	require.Len(t, st.actions, 1)
	assert.False(t, st.actions[0].WasBlocked)
}

// A missing bill rate is a hard pricing error: the item stays Pending and no
// snapshot is written.
func TestApprove_MissingBillRateIsHardError(t *testing.T) {
	st := newFakeStore(pendingItem("item-1"))
	svc := billing.NewService(enforcement.NewGuard(nil), rates.NewResolver(&tableSource{}))

	err := svc.Approve(context.Background(), st, "org-1", "item-1", "mgr-1")
	assert.ErrorIs(t, err, rates.ErrRateNotFound)

	e := st.entries["item-1"]
	assert.Equal(t, ledger.StatusPending, e.Status)
	assert.Nil(t, e.Snapshot)
	assert.Empty(t, st.actions, "pricing fails before the guard runs")
}

func TestApprove_HardCapBreachLeavesPending(t *testing.T) {
	st := newFakeStore(pendingItem("item-1"))
	st.budget = &budget.CaseBudget{
		CaseID: "case-1", OrgID: "org-1",
		AmountLimit: money.Ptr(money.MustParse("250")), HardCap: true,
	}
	svc := billing.NewService(enforcement.NewGuard(nil), rates.NewResolver(&tableSource{bill: []rates.Entry{billRate("150")}}))

	err := svc.Approve(context.Background(), st, "org-1", "item-1", "mgr-1")
	assert.ErrorIs(t, err, billing.ErrHardCapExceeded)

	e := st.entries["item-1"]
	assert.Equal(t, ledger.StatusPending, e.Status)
	assert.Nil(t, e.Snapshot)

	require.Len(t, st.actions, 1, "blocked approvals are audited")
	assert.True(t, st.actions[0].WasBlocked)
}

func TestApprove_NonPendingItem(t *testing.T) {
	approved := pendingItem("item-1")
	approved.Status = ledger.StatusApproved
	st := newFakeStore(approved)
	svc := billing.NewService(enforcement.NewGuard(nil), rates.NewResolver(&tableSource{}))

	err := svc.Approve(context.Background(), st, "org-1", "item-1", "mgr-1")
	assert.ErrorIs(t, err, ledger.ErrNotPending)
}

func TestReject_StateClassification(t *testing.T) {
	st := newFakeStore(pendingItem("item-1"))
	svc := billing.NewService(enforcement.NewGuard(nil), rates.NewResolver(&tableSource{}))

	require.NoError(t, svc.Reject(context.Background(), st, "org-1", "item-1", "mgr-1", "out of scope"))
	assert.Equal(t, ledger.StatusRejected, st.entries["item-1"].Status)
	assert.Contains(t, st.entries["item-1"].Notes, "out of scope")

	// Rejected is terminal, and repeat rejection names the condition.
	err := svc.Reject(context.Background(), st, "org-1", "item-1", "mgr-1", "again")
	assert.ErrorIs(t, err, ledger.ErrAlreadyRejected)

	invoiced := pendingItem("item-2")
	invoiced.Status = ledger.StatusInvoiced
	st.entries["item-2"] = invoiced
	err = svc.Reject(context.Background(), st, "org-1", "item-2", "mgr-1", "too late")
	assert.ErrorIs(t, err, ledger.ErrNotPending)

	err = svc.Reject(context.Background(), st, "org-1", "missing", "mgr-1", "")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

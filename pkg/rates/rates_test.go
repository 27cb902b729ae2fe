package rates_test

import (
	"context"
	"testing"
	"time"

	"github.com/casetrail/settlement/pkg/money"
	"github.com/casetrail/settlement/pkg/rates"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tableSource holds the two rate tables as separate slices, mirroring the
// disjoint-table rule.
type tableSource struct {
	bill []rates.Entry
	pay  []rates.Entry
}

func (s *tableSource) BillRates(_ context.Context, orgID, itemKind, accountID string) ([]rates.Entry, error) {
	return filter(s.bill, orgID, itemKind, accountID), nil
}

func (s *tableSource) PayRates(_ context.Context, orgID, itemKind, userID string) ([]rates.Entry, error) {
	return filter(s.pay, orgID, itemKind, userID), nil
}

func filter(rows []rates.Entry, orgID, itemKind, subjectID string) []rates.Entry {
	var out []rates.Entry
	for _, e := range rows {
		if e.OrgID == orgID && e.ItemKind == itemKind && e.SubjectID == subjectID {
			out = append(out, e)
		}
	}
	return out
}

func at(s string) time.Time {
	ts, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return ts
}

func TestResolveBillRate_WindowSelection(t *testing.T) {
	jun := at("2026-06-01")
	src := &tableSource{bill: []rates.Entry{
		{ID: "r1", OrgID: "org-1", Kind: rates.KindBill, ItemKind: "SURVEILLANCE_HOUR", SubjectID: "acct-1",
			Rate: money.MustParse("120"), EffectiveFrom: at("2026-01-01"), EffectiveTo: &jun},
		{ID: "r2", OrgID: "org-1", Kind: rates.KindBill, ItemKind: "SURVEILLANCE_HOUR", SubjectID: "acct-1",
			Rate: money.MustParse("150"), EffectiveFrom: at("2026-06-01")},
	}}
	r := rates.NewResolver(src)

	got, err := r.ResolveBillRate(context.Background(), "org-1", "SURVEILLANCE_HOUR", "acct-1", at("2026-03-15"))
	require.NoError(t, err)
	assert.Equal(t, "r1", got.ID)

	// Boundary: EffectiveTo is exclusive, EffectiveFrom inclusive.
	got, err = r.ResolveBillRate(context.Background(), "org-1", "SURVEILLANCE_HOUR", "acct-1", at("2026-06-01"))
	require.NoError(t, err)
	assert.Equal(t, "r2", got.ID)
}

func TestResolve_MostRecentlyEffectiveWins(t *testing.T) {
	src := &tableSource{bill: []rates.Entry{
		{ID: "old", OrgID: "org-1", ItemKind: "REPORT", SubjectID: "acct-1",
			Rate: money.MustParse("90"), EffectiveFrom: at("2025-01-01")},
		{ID: "new", OrgID: "org-1", ItemKind: "REPORT", SubjectID: "acct-1",
			Rate: money.MustParse("110"), EffectiveFrom: at("2026-01-01")},
	}}
	r := rates.NewResolver(src)

	got, err := r.ResolveBillRate(context.Background(), "org-1", "REPORT", "acct-1", at("2026-07-01"))
	require.NoError(t, err)
	assert.Equal(t, "new", got.ID)
}

// A matching bill-rate row must never satisfy a pay-rate lookup for the same
// item kind. Absence of a pay rate is ErrRateNotFound, not the bill rate and
// not zero.
func TestResolvePayRate_NoBillFallback(t *testing.T) {
	src := &tableSource{bill: []rates.Entry{
		{ID: "b1", OrgID: "org-1", Kind: rates.KindBill, ItemKind: "SURVEILLANCE_HOUR", SubjectID: "user-7",
			Rate: money.MustParse("150"), EffectiveFrom: at("2026-01-01")},
	}}
	r := rates.NewResolver(src)

	_, err := r.ResolvePayRate(context.Background(), "org-1", "SURVEILLANCE_HOUR", "user-7", at("2026-07-01"))
	assert.ErrorIs(t, err, rates.ErrRateNotFound)
}

func TestResolve_NoMatchIsHardError(t *testing.T) {
	r := rates.NewResolver(&tableSource{})

	_, err := r.ResolveBillRate(context.Background(), "org-1", "REPORT", "acct-1", at("2026-07-01"))
	assert.ErrorIs(t, err, rates.ErrRateNotFound)

	// Expired window.
	jun := at("2026-06-01")
	src := &tableSource{bill: []rates.Entry{
		{ID: "r1", OrgID: "org-1", ItemKind: "REPORT", SubjectID: "acct-1",
			Rate: money.MustParse("90"), EffectiveFrom: at("2026-01-01"), EffectiveTo: &jun},
	}}
	_, err = rates.NewResolver(src).ResolveBillRate(context.Background(), "org-1", "REPORT", "acct-1", at("2026-07-01"))
	assert.ErrorIs(t, err, rates.ErrRateNotFound)
}

// An unknown kind must fail validation rather than silently landing in the
// bill table.
func TestEntry_Validate(t *testing.T) {
	valid := rates.Entry{
		Kind: rates.KindPay, ItemKind: "SURVEILLANCE_HOUR", SubjectID: "user-7",
		Rate: money.MustParse("150"), EffectiveFrom: at("2026-01-01"),
	}
	require.NoError(t, valid.Validate())

	e := valid
	e.Kind = "RETAINER"
	assert.ErrorIs(t, e.Validate(), rates.ErrInvalidRate)

	e = valid
	e.Rate = money.MustParse("-5")
	assert.ErrorIs(t, e.Validate(), rates.ErrInvalidRate)

	e = valid
	e.SubjectID = ""
	assert.ErrorIs(t, e.Validate(), rates.ErrInvalidRate)

	e = valid
	jan := at("2026-01-01")
	e.EffectiveTo = &jan
	assert.ErrorIs(t, e.Validate(), rates.ErrInvalidRate, "empty effective window")
}

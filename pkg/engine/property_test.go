//go:build property
// +build property

// Property-based tests for the core settlement invariants: hard caps are
// never breachable through any sequence of entries, and settlement claims
// every item at most once regardless of batch composition.
package engine

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/casetrail/settlement/pkg/budget"
	"github.com/casetrail/settlement/pkg/ledger"
	"github.com/casetrail/settlement/pkg/money"
	"github.com/casetrail/settlement/pkg/rates"
)

// genHours produces hour quantities in increments of 0.25 between 0.25 and 8.
func genHours() gopter.Gen {
	return gen.IntRange(1, 32).Map(func(q int) decimal.Decimal {
		return decimal.New(int64(q*25), -2)
	})
}

func TestHardCapNeverExceeded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("consumption never passes a hard hours cap", prop.ForAll(
		func(limit int, hours []decimal.Decimal) bool {
			e, _ := newTestEngine(t)
			ctx := investigatorCtx()
			seedPayRate(t, e, "investigation", "user-1", "50")

			hoursCap := decimal.NewFromInt(int64(limit))
			hardCap := true
			if _, err := e.AdjustBudget(managerCtx(), AdjustBudgetInput{
				CaseID:   "case-p",
				Kind:     budget.KindHours,
				NewValue: hoursCap,
				Reason:   "generated cap",
				HardCap:  &hardCap,
			}); err != nil {
				return false
			}

			svc := "svc-1"
			for _, h := range hours {
				_, _ = e.CreateFinancialEntry(ctx, CreateEntryInput{
					CaseID:            "case-p",
					Type:              ledger.TypeTime,
					ItemKind:          "investigation",
					Hours:             h,
					Currency:          "USD",
					ServiceInstanceID: &svc,
				})
			}

			cons, err := e.CaseConsumption(ctx, "case-p")
			if err != nil {
				return false
			}
			// The tie counts as a breach, so consumption stays strictly
			// below the cap.
			return cons.Hours.LessThan(hoursCap)
		},
		gen.IntRange(1, 40),
		gen.SliceOfN(20, genHours()),
	))

	properties.TestingRun(t)
}

func TestSettlementClaimsAtMostOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("every approved item is settled at most once", prop.ForAll(
		func(picks []int) bool {
			e, _ := newTestEngine(t)
			seedBillRate(t, e, "surveillance", "acct-1", "100")

			ids := make([]string, 5)
			for i := range ids {
				id, err := e.CreateFinancialEntry(investigatorCtx(), CreateEntryInput{
					CaseID:    "case-p",
					Type:      ledger.TypeBillingItem,
					ItemKind:  "surveillance",
					AccountID: "acct-1",
					Quantity:  money.MustParse("1"),
					Currency:  "USD",
				})
				if err != nil {
					return false
				}
				if err := e.ApproveBillingItem(managerCtx(), id); err != nil {
					return false
				}
				ids[i] = id
			}

			invA, err := e.CreateInvoice(managerCtx(), "acct-1", "INV-A", "USD")
			if err != nil {
				return false
			}
			invB, err := e.CreateInvoice(managerCtx(), "acct-1", "INV-B", "USD")
			if err != nil {
				return false
			}

			// Two overlapping batches built from the generated picks.
			var batchA, batchB []string
			for i, p := range picks {
				id := ids[p%len(ids)]
				if i%2 == 0 {
					batchA = append(batchA, id)
				} else {
					batchB = append(batchB, id)
				}
			}
			sumA, err := e.SettleInvoice(managerCtx(), invA.ID, batchA)
			if err != nil {
				return false
			}
			sumB, err := e.SettleInvoice(managerCtx(), invB.ID, batchB)
			if err != nil {
				return false
			}

			settled := make(map[string]int)
			for _, id := range append(sumA.Created, sumB.Created...) {
				settled[id]++
			}
			for _, n := range settled {
				if n != 1 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(12, gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}

func TestRateWindowResolution(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	properties.Property("resolution picks a window containing asOf", prop.ForAll(
		func(offsetDays int) bool {
			e, _ := newTestEngine(t)
			cutover := base.AddDate(0, 0, 30)
			for _, r := range []rates.Entry{
				{Kind: rates.KindBill, ItemKind: "surveillance", SubjectID: "acct-1",
					Rate: money.MustParse("100"), Currency: "USD",
					EffectiveFrom: base, EffectiveTo: &cutover},
				{Kind: rates.KindBill, ItemKind: "surveillance", SubjectID: "acct-1",
					Rate: money.MustParse("120"), Currency: "USD",
					EffectiveFrom: cutover},
			} {
				if _, err := e.PutRate(managerCtx(), r); err != nil {
					return false
				}
			}

			asOf := base.AddDate(0, 0, offsetDays)
			got, err := e.ResolveRate(managerCtx(), rates.KindBill, "surveillance", "acct-1", asOf)
			if err != nil {
				return false
			}
			if asOf.Before(cutover) {
				return got.Rate.Equal(money.MustParse("100"))
			}
			return got.Rate.Equal(money.MustParse("120"))
		},
		gen.IntRange(0, 90),
	))

	properties.TestingRun(t)
}

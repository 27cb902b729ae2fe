package ledger_test

import (
	"testing"

	"github.com/casetrail/settlement/pkg/ledger"
	"github.com/casetrail/settlement/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(typ ledger.EntryType, status ledger.Status, hours, amount string) ledger.Entry {
	return ledger.Entry{
		ID: "e", CaseID: "case-1", OrgID: "org-1", Type: typ, Status: status,
		Hours: money.MustParse(hours), Amount: money.MustParse(amount),
	}
}

func TestAggregate_SumsFromLedgerOnly(t *testing.T) {
	entries := []ledger.Entry{
		entry(ledger.TypeTime, ledger.StatusApproved, "2.5", "375"),
		entry(ledger.TypeTime, ledger.StatusPending, "1", "150"),
		entry(ledger.TypeExpense, ledger.StatusApproved, "0", "42.10"),
		entry(ledger.TypeTime, ledger.StatusRejected, "8", "1200"),       // rejected: excluded
		entry(ledger.TypeBillingItem, ledger.StatusApproved, "0", "300"), // billing items: not consumption
	}

	c := ledger.Aggregate(entries)
	assert.True(t, c.Hours.Equal(money.MustParse("3.5")), "got %s", c.Hours)
	assert.True(t, c.Amount.Equal(money.MustParse("567.10")), "got %s", c.Amount)
}

func TestAggregate_InvoicedStillCounts(t *testing.T) {
	c := ledger.Aggregate([]ledger.Entry{
		entry(ledger.TypeTime, ledger.StatusInvoiced, "4", "600"),
	})
	assert.True(t, c.Hours.Equal(money.MustParse("4")))
	assert.True(t, c.Amount.Equal(money.MustParse("600")))
}

func TestEntry_Validate(t *testing.T) {
	e := entry(ledger.TypeTime, ledger.StatusPending, "1", "150")
	require.NoError(t, e.Validate())

	e.Type = "FAVOR"
	assert.ErrorIs(t, e.Validate(), ledger.ErrInvalidEntry)

	e = entry(ledger.TypeExpense, ledger.StatusPending, "0", "10")
	e.Rate = money.MustParse("-1")
	assert.ErrorIs(t, e.Validate(), ledger.ErrInvalidEntry)

	e = entry(ledger.TypeExpense, ledger.StatusPending, "0", "10")
	e.CaseID = ""
	assert.ErrorIs(t, e.Validate(), ledger.ErrInvalidEntry)
}

// A negative-amount expense would deflate consumption and win back headroom
// under a hard cap without an audited adjustment.
func TestEntry_Validate_RejectsNegativeAmount(t *testing.T) {
	e := entry(ledger.TypeExpense, ledger.StatusPending, "0", "10")
	e.Amount = money.MustParse("-99")
	assert.ErrorIs(t, e.Validate(), ledger.ErrInvalidEntry)
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casetrail/settlement/pkg/invoice"
	"github.com/casetrail/settlement/pkg/ledger"
	"github.com/casetrail/settlement/pkg/money"
)

var lockTimeoutErr = pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"}

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db, PostgresDialect{}).WithLockWait(time.Second), mock
}

func TestSQLCaseLockTakenBeforeWork(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM case_budgets WHERE org_id = \\$1 AND case_id = \\$2 FOR UPDATE").
		WithArgs("org-1", "case-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectCommit()

	err := s.WithCaseTx(ctx, "org-1", "case-1", func(tx Tx) error { return nil })
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLockTimeoutMapsToBusy(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("org-1", "case-1").
		WillReturnError(&lockTimeoutErr)
	mock.ExpectRollback()

	err := s.WithCaseTx(ctx, "org-1", "case-1", func(tx Tx) error { return nil })
	assert.ErrorIs(t, err, ErrBusy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLClaimForInvoiceConditionalUpdate(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ledger_entries SET invoice_id = \\$1, status = 'INVOICED'\\s+WHERE org_id = \\$2 AND id = \\$3 AND invoice_id IS NULL AND status = 'APPROVED'").
		WithArgs("inv-1", "org-1", "e-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE ledger_entries SET invoice_id").
		WithArgs("inv-2", "org-1", "e-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.WithTx(ctx, func(tx Tx) error {
		ok, err := tx.ClaimForInvoice(ctx, "org-1", "e-1", "inv-1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.ClaimForInvoice(ctx, "org-1", "e-1", "inv-2")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLApproveEntryClassifiesFailure(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	snap := ledger.PricingSnapshot{
		Model:      "hourly",
		Quantity:   money.MustParse("2"),
		Rate:       money.MustParse("150"),
		Amount:     money.MustParse("300"),
		ApproverID: "mgr-1",
		FrozenAt:   time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ledger_entries\\s+SET status = 'APPROVED'").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM ledger_entries WHERE org_id = \\$1 AND id = \\$2").
		WithArgs("org-1", "e-1").
		WillReturnRows(entryRows("e-1", "REJECTED", nil))
	mock.ExpectRollback()

	err := s.WithTx(ctx, func(tx Tx) error {
		return tx.ApproveEntry(ctx, "org-1", "e-1", snap)
	})
	assert.ErrorIs(t, err, ledger.ErrAlreadyRejected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLInvoiceStatusCAS(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE invoices SET status = \\$1 WHERE org_id = \\$2 AND id = \\$3 AND status = \\$4").
		WithArgs("FINALIZED", "org-1", "inv-1", "DRAFT").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM invoices WHERE org_id = \\$1 AND id = \\$2").
		WithArgs("org-1", "inv-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "org_id", "account_id", "number", "status", "total", "currency", "created_at", "updated_at",
		}).AddRow("inv-1", "org-1", "acct-1", "INV-001", "EXPORTED", "250", "USD", now, now))
	mock.ExpectRollback()

	err := s.WithTx(ctx, func(tx Tx) error {
		return tx.SetInvoiceStatus(ctx, "org-1", "inv-1", invoice.StatusDraft, invoice.StatusFinalized)
	})
	assert.ErrorIs(t, err, invoice.ErrNotDraft)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func entryRows(id, status string, invoiceID any) *sqlmock.Rows {
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "org_id", "case_id", "type", "item_kind", "account_id", "hours", "quantity",
		"rate", "amount", "currency", "status", "snapshot", "invoice_id", "service_instance_id",
		"notes", "created_by", "created_at",
	})
	rows.AddRow(id, "org-1", "case-1", "TIME", "surveillance", "acct-1", "2", "0",
		"0", "0", "USD", status, nil, invoiceID, nil, "", "user-1", now)
	return rows
}

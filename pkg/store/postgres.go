package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// OpenPostgres connects and returns a Postgres-backed store.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	return NewSQLStore(db, PostgresDialect{}), nil
}

// PostgresDialect serializes case-scoped transactions with a row lock on the
// case's budget row and a bounded lock_timeout.
type PostgresDialect struct{}

func (PostgresDialect) Name() string { return "postgres" }

func (PostgresDialect) RowLockSuffix() string { return " FOR UPDATE" }

func (PostgresDialect) LockCase(ctx context.Context, tx *sql.Tx, orgID, caseID string, wait time.Duration) error {
	// lock_timeout cannot be bound as a parameter.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", wait.Milliseconds())); err != nil {
		return fmt.Errorf("store: set lock_timeout: %w", err)
	}
	err := tx.QueryRowContext(ctx, `
		SELECT 1 FROM case_budgets WHERE org_id = $1 AND case_id = $2 FOR UPDATE`,
		orgID, caseID).Scan(new(int))
	if errors.Is(err, sql.ErrNoRows) {
		// No budget row means an open case: nothing to serialize on.
		return nil
	}
	if err != nil {
		return err
	}
	return nil
}

func (PostgresDialect) TranslateError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "55P03": // lock_not_available
			return fmt.Errorf("%w: %s", ErrBusy, pqErr.Message)
		case "40001", "40P01": // serialization failure, deadlock
			return fmt.Errorf("%w: %s", ErrBusy, pqErr.Message)
		}
	}
	return err
}

func (PostgresDialect) Schema() string {
	return `
CREATE TABLE IF NOT EXISTS case_budgets (
	org_id       TEXT NOT NULL,
	case_id      TEXT NOT NULL,
	hours_limit  NUMERIC,
	amount_limit NUMERIC,
	hard_cap     BOOLEAN NOT NULL DEFAULT FALSE,
	note         TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (org_id, case_id)
);

CREATE TABLE IF NOT EXISTS budget_adjustments (
	id             TEXT PRIMARY KEY,
	org_id         TEXT NOT NULL,
	case_id        TEXT NOT NULL,
	kind           TEXT NOT NULL,
	previous_value NUMERIC,
	new_value      NUMERIC NOT NULL,
	reason         TEXT NOT NULL,
	actor_id       TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_budget_adjustments_case ON budget_adjustments (org_id, case_id, created_at);

CREATE TABLE IF NOT EXISTS service_limits (
	org_id                TEXT NOT NULL,
	service_instance_id   TEXT NOT NULL,
	case_id               TEXT NOT NULL,
	max_hours             NUMERIC,
	max_amount            NUMERIC,
	warning_threshold_pct INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (org_id, service_instance_id)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id                  TEXT PRIMARY KEY,
	org_id              TEXT NOT NULL,
	case_id             TEXT NOT NULL,
	type                TEXT NOT NULL,
	item_kind           TEXT NOT NULL,
	account_id          TEXT NOT NULL DEFAULT '',
	hours               NUMERIC NOT NULL DEFAULT 0,
	quantity            NUMERIC NOT NULL DEFAULT 0,
	rate                NUMERIC NOT NULL DEFAULT 0,
	amount              NUMERIC NOT NULL DEFAULT 0,
	currency            TEXT NOT NULL DEFAULT 'USD',
	status              TEXT NOT NULL,
	snapshot            TEXT,
	invoice_id          TEXT,
	service_instance_id TEXT,
	notes               TEXT NOT NULL DEFAULT '',
	created_by          TEXT NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_case ON ledger_entries (org_id, case_id);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_service ON ledger_entries (org_id, service_instance_id);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_invoice ON ledger_entries (org_id, invoice_id);

CREATE TABLE IF NOT EXISTS enforcement_actions (
	id          TEXT PRIMARY KEY,
	org_id      TEXT NOT NULL,
	case_id     TEXT NOT NULL,
	actor_id    TEXT NOT NULL,
	action_type TEXT NOT NULL,
	kind        TEXT NOT NULL,
	was_blocked BOOLEAN NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	context     TEXT NOT NULL DEFAULT '{}',
	prev_hash   TEXT NOT NULL DEFAULT '',
	hash        TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_enforcement_actions_case ON enforcement_actions (org_id, case_id, created_at);

CREATE TABLE IF NOT EXISTS bill_rates (
	id             TEXT PRIMARY KEY,
	org_id         TEXT NOT NULL,
	item_kind      TEXT NOT NULL,
	account_id     TEXT NOT NULL,
	rate           NUMERIC NOT NULL,
	currency       TEXT NOT NULL DEFAULT 'USD',
	effective_from TIMESTAMPTZ NOT NULL,
	effective_to   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_bill_rates_lookup ON bill_rates (org_id, item_kind, account_id);

CREATE TABLE IF NOT EXISTS pay_rates (
	id             TEXT PRIMARY KEY,
	org_id         TEXT NOT NULL,
	item_kind      TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	rate           NUMERIC NOT NULL,
	currency       TEXT NOT NULL DEFAULT 'USD',
	effective_from TIMESTAMPTZ NOT NULL,
	effective_to   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_pay_rates_lookup ON pay_rates (org_id, item_kind, user_id);

CREATE TABLE IF NOT EXISTS invoices (
	id         TEXT PRIMARY KEY,
	org_id     TEXT NOT NULL,
	account_id TEXT NOT NULL,
	number     TEXT NOT NULL,
	status     TEXT NOT NULL,
	total      NUMERIC NOT NULL DEFAULT 0,
	currency   TEXT NOT NULL DEFAULT 'USD',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS invoice_line_items (
	id          TEXT PRIMARY KEY,
	org_id      TEXT NOT NULL,
	invoice_id  TEXT NOT NULL,
	entry_id    TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	quantity    NUMERIC NOT NULL,
	rate        NUMERIC NOT NULL,
	amount      NUMERIC NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (org_id, entry_id)
);
CREATE INDEX IF NOT EXISTS idx_invoice_line_items_invoice ON invoice_line_items (org_id, invoice_id);
`
}

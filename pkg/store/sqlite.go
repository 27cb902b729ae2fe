package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (or creates) a SQLite-backed store. Use ":memory:" for an
// ephemeral database in tests and demos.
func OpenSQLite(path string) (*SQLStore, error) {
	dsn := path
	if path == ":memory:" {
		// Shared cache keeps every connection in the pool on the same
		// in-memory database.
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// SQLite allows a single writer; funnel everything through one
	// connection so transactions never trip over each other mid-flight.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 3000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: sqlite pragmas: %w", err)
	}
	return NewSQLStore(db, SQLiteDialect{}), nil
}

// SQLiteDialect relies on the engine's single-writer transaction model, so
// the per-case lock is a no-op.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string { return "sqlite" }

func (SQLiteDialect) RowLockSuffix() string { return "" }

func (SQLiteDialect) LockCase(ctx context.Context, tx *sql.Tx, orgID, caseID string, wait time.Duration) error {
	return nil
}

func (SQLiteDialect) TranslateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %s", ErrBusy, msg)
	}
	return err
}

func (SQLiteDialect) Schema() string {
	return `
CREATE TABLE IF NOT EXISTS case_budgets (
	org_id       TEXT NOT NULL,
	case_id      TEXT NOT NULL,
	hours_limit  TEXT,
	amount_limit TEXT,
	hard_cap     BOOLEAN NOT NULL DEFAULT FALSE,
	note         TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (org_id, case_id)
);

CREATE TABLE IF NOT EXISTS budget_adjustments (
	id             TEXT PRIMARY KEY,
	org_id         TEXT NOT NULL,
	case_id        TEXT NOT NULL,
	kind           TEXT NOT NULL,
	previous_value TEXT,
	new_value      TEXT NOT NULL,
	reason         TEXT NOT NULL,
	actor_id       TEXT NOT NULL,
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_budget_adjustments_case ON budget_adjustments (org_id, case_id, created_at);

CREATE TABLE IF NOT EXISTS service_limits (
	org_id                TEXT NOT NULL,
	service_instance_id   TEXT NOT NULL,
	case_id               TEXT NOT NULL,
	max_hours             TEXT,
	max_amount            TEXT,
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
	hours               TEXT NOT NULL DEFAULT '0',
	quantity            TEXT NOT NULL DEFAULT '0',
	rate                TEXT NOT NULL DEFAULT '0',
	amount              TEXT NOT NULL DEFAULT '0',
	currency            TEXT NOT NULL DEFAULT 'USD',
	status              TEXT NOT NULL,
	snapshot            TEXT,
	invoice_id          TEXT,
	service_instance_id TEXT,
	notes               TEXT NOT NULL DEFAULT '',
	created_by          TEXT NOT NULL,
	created_at          TIMESTAMP NOT NULL
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
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_enforcement_actions_case ON enforcement_actions (org_id, case_id, created_at);

CREATE TABLE IF NOT EXISTS bill_rates (
	id             TEXT PRIMARY KEY,
	org_id         TEXT NOT NULL,
	item_kind      TEXT NOT NULL,
	account_id     TEXT NOT NULL,
	rate           TEXT NOT NULL,
	currency       TEXT NOT NULL DEFAULT 'USD',
	effective_from TIMESTAMP NOT NULL,
	effective_to   TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_bill_rates_lookup ON bill_rates (org_id, item_kind, account_id);

CREATE TABLE IF NOT EXISTS pay_rates (
	id             TEXT PRIMARY KEY,
	org_id         TEXT NOT NULL,
	item_kind      TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	rate           TEXT NOT NULL,
	currency       TEXT NOT NULL DEFAULT 'USD',
	effective_from TIMESTAMP NOT NULL,
	effective_to   TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_pay_rates_lookup ON pay_rates (org_id, item_kind, user_id);

CREATE TABLE IF NOT EXISTS invoices (
	id         TEXT PRIMARY KEY,
	org_id     TEXT NOT NULL,
	account_id TEXT NOT NULL,
	number     TEXT NOT NULL,
	status     TEXT NOT NULL,
	total      TEXT NOT NULL DEFAULT '0',
	currency   TEXT NOT NULL DEFAULT 'USD',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS invoice_line_items (
	id          TEXT PRIMARY KEY,
	org_id      TEXT NOT NULL,
	invoice_id  TEXT NOT NULL,
	entry_id    TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	quantity    TEXT NOT NULL,
	rate        TEXT NOT NULL,
	amount      TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	UNIQUE (org_id, entry_id)
);
CREATE INDEX IF NOT EXISTS idx_invoice_line_items_invoice ON invoice_line_items (org_id, invoice_id);
`
}

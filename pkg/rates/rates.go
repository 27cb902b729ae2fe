// Package rates resolves bill rates and pay rates from two disjoint tables.
//
// Rate isolation is a platform invariant: a bill rate is keyed by
// (finance item kind, account) and a pay rate by (finance item kind, user).
// Neither lookup ever reads the other table as a fallback, and a missing row
// is a hard ErrRateNotFound, never a silently substituted zero or default.
package rates

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrRateNotFound is returned when no rate row's effective window contains
	// the requested instant. Callers must treat this as a hard error at write
	// time for the ledger entry.
	ErrRateNotFound = errors.New("rates: no matching rate")

	// ErrInvalidRate is returned when a rate row fails shape validation before
	// any state is touched.
	ErrInvalidRate = errors.New("rates: invalid rate entry")
)

// Kind distinguishes the two disjoint rate tables.
type Kind string

const (
	KindBill Kind = "BILL"
	KindPay  Kind = "PAY"
)

// Entry is one row in a rate table. SubjectID is the account for bill rates
// and the user for pay rates.
type Entry struct {
	ID            string          `json:"id"`
	OrgID         string          `json:"org_id"`
	Kind          Kind            `json:"kind"`
	ItemKind      string          `json:"item_kind"`
	SubjectID     string          `json:"subject_id"`
	Rate          decimal.Decimal `json:"rate"`
	Currency      string          `json:"currency"`
	EffectiveFrom time.Time       `json:"effective_from"`
	EffectiveTo   *time.Time      `json:"effective_to,omitempty"` // nil = open-ended
}

// Validate rejects malformed rate rows before any state is touched. An
// unknown Kind must never reach the store, where it would silently land in
// the bill table.
func (e Entry) Validate() error {
	if e.Kind != KindBill && e.Kind != KindPay {
		return ErrInvalidRate
	}
	if e.ItemKind == "" || e.SubjectID == "" {
		return ErrInvalidRate
	}
	if e.Rate.IsNegative() {
		return ErrInvalidRate
	}
	if e.EffectiveFrom.IsZero() {
		return ErrInvalidRate
	}
	if e.EffectiveTo != nil && !e.EffectiveTo.After(e.EffectiveFrom) {
		return ErrInvalidRate
	}
	return nil
}

// Covers reports whether the entry's effective window contains asOf.
// Windows are [EffectiveFrom, EffectiveTo).
func (e Entry) Covers(asOf time.Time) bool {
	if asOf.Before(e.EffectiveFrom) {
		return false
	}
	return e.EffectiveTo == nil || asOf.Before(*e.EffectiveTo)
}

// Source supplies the candidate rows for one (kind, itemKind, subject) key.
// The two methods are deliberately separate so an implementation cannot
// accidentally serve one table from the other.
type Source interface {
	BillRates(ctx context.Context, orgID, itemKind, accountID string) ([]Entry, error)
	PayRates(ctx context.Context, orgID, itemKind, userID string) ([]Entry, error)
}

// Resolver selects the applicable rate from a Source.
type Resolver struct {
	src Source
}

// NewResolver creates a resolver over the given source.
func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// ResolveBillRate returns the bill rate for (itemKind, accountID) effective
// at asOf, or ErrRateNotFound.
func (r *Resolver) ResolveBillRate(ctx context.Context, orgID, itemKind, accountID string, asOf time.Time) (Entry, error) {
	rows, err := r.src.BillRates(ctx, orgID, itemKind, accountID)
	if err != nil {
		return Entry{}, err
	}
	return pick(rows, asOf)
}

// ResolvePayRate returns the pay rate for (itemKind, userID) effective at
// asOf, or ErrRateNotFound.
func (r *Resolver) ResolvePayRate(ctx context.Context, orgID, itemKind, userID string, asOf time.Time) (Entry, error) {
	rows, err := r.src.PayRates(ctx, orgID, itemKind, userID)
	if err != nil {
		return Entry{}, err
	}
	return pick(rows, asOf)
}

// pick selects the row whose window contains asOf, preferring the most
// recently effective match.
func pick(rows []Entry, asOf time.Time) (Entry, error) {
	var best *Entry
	for i := range rows {
		e := rows[i]
		if !e.Covers(asOf) {
			continue
		}
		if best == nil || e.EffectiveFrom.After(best.EffectiveFrom) {
			best = &rows[i]
		}
	}
	if best == nil {
		return Entry{}, ErrRateNotFound
	}
	return *best, nil
}

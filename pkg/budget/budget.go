// Package budget holds the per-case authorization model: hour and dollar
// limits, the hard-cap flag, and the append-only adjustment log that is the
// only mutation path for those limits.
package budget

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/casetrail/settlement/pkg/money"
)

var (
	// ErrInvalidAdjustment is returned when an adjustment carries a negative
	// limit value.
	ErrInvalidAdjustment = errors.New("budget: adjustment value must not be negative")

	// ErrInvalidServiceLimit is returned when a service-level limit sets
	// neither a max-hours nor a max-amount cap.
	ErrInvalidServiceLimit = errors.New("budget: service limit requires max hours or max amount")
)

// AdjustmentKind selects which limit an adjustment changes.
type AdjustmentKind string

const (
	KindHours   AdjustmentKind = "HOURS"
	KindDollars AdjustmentKind = "DOLLARS"
)

// Valid reports whether the kind is one of the known values.
func (k AdjustmentKind) Valid() bool {
	return k == KindHours || k == KindDollars
}

// CaseBudget is the live authorization state for one case. Absence of a
// CaseBudget means the case is open: no enforcement at the case level.
// Limit fields mirror the latest adjustment per kind; they are never edited
// in place.
type CaseBudget struct {
	CaseID      string           `json:"case_id"`
	OrgID       string           `json:"org_id"`
	HoursLimit  *decimal.Decimal `json:"hours_limit,omitempty"`
	AmountLimit *decimal.Decimal `json:"amount_limit,omitempty"`
	HardCap     bool             `json:"hard_cap"`
	Note        string           `json:"note,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Limits is the read contract the enforcement guard consumes.
type Limits struct {
	HoursLimit  *decimal.Decimal
	AmountLimit *decimal.Decimal
	HardCap     bool
}

// Limits projects the budget into its enforcement view.
func (b *CaseBudget) Limits() Limits {
	return Limits{HoursLimit: b.HoursLimit, AmountLimit: b.AmountLimit, HardCap: b.HardCap}
}

// Adjustment is one immutable record in the authorization audit trail.
// Once written it is never updated or deleted.
type Adjustment struct {
	ID            string           `json:"id"`
	CaseID        string           `json:"case_id"`
	OrgID         string           `json:"org_id"`
	Kind          AdjustmentKind   `json:"kind"`
	PreviousValue *decimal.Decimal `json:"previous_value,omitempty"`
	NewValue      decimal.Decimal  `json:"new_value"`
	Reason        string           `json:"reason"`
	ActorID       string           `json:"actor_id"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Validate rejects malformed adjustments before any state is touched.
func (a Adjustment) Validate() error {
	if !a.Kind.Valid() {
		return ErrInvalidAdjustment
	}
	if a.NewValue.IsNegative() {
		return ErrInvalidAdjustment
	}
	return nil
}

// Apply returns the budget state after this adjustment, leaving the receiver
// untouched. The returned budget's limit for a.Kind is a.NewValue.
func (a Adjustment) Apply(current *CaseBudget) CaseBudget {
	next := CaseBudget{CaseID: a.CaseID, OrgID: a.OrgID, UpdatedAt: a.CreatedAt}
	if current != nil {
		next = *current
		next.UpdatedAt = a.CreatedAt
	}
	switch a.Kind {
	case KindHours:
		next.HoursLimit = money.Ptr(a.NewValue)
	case KindDollars:
		next.AmountLimit = money.Ptr(a.NewValue)
	}
	return next
}

// ServiceLimit is an optional per-service-instance cap, narrower than and
// enforced independently of the case-level budget.
type ServiceLimit struct {
	ServiceInstanceID   string           `json:"service_instance_id"`
	CaseID              string           `json:"case_id"`
	OrgID               string           `json:"org_id"`
	MaxHours            *decimal.Decimal `json:"max_hours,omitempty"`
	MaxAmount           *decimal.Decimal `json:"max_amount,omitempty"`
	WarningThresholdPct int              `json:"warning_threshold_pct"`
}

// Validate enforces that at least one cap is set and nothing is negative.
func (s ServiceLimit) Validate() error {
	if s.MaxHours == nil && s.MaxAmount == nil {
		return ErrInvalidServiceLimit
	}
	if money.IsNegative(s.MaxHours) || money.IsNegative(s.MaxAmount) {
		return ErrInvalidServiceLimit
	}
	if s.WarningThresholdPct < 0 || s.WarningThresholdPct > 100 {
		return ErrInvalidServiceLimit
	}
	return nil
}

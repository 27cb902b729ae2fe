// Package enforcement intercepts attempted spend against a case and decides
// Allowed, Allowed-with-Warning, or Blocked, writing one immutable audit
// record per evaluation either way. It reads consumption from the ledger and
// limits from the budget model inside the caller's transaction, which holds
// the case's budget row for the whole evaluate-then-write sequence.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/casetrail/settlement/pkg/budget"
	"github.com/casetrail/settlement/pkg/ledger"
)

// ErrBudgetExceeded is surfaced by callers when an evaluation blocks their
// mutation. The message carries the human-readable reason for the specific
// limit that was breached.
var ErrBudgetExceeded = errors.New("enforcement: budget exceeded")

// Outcome is the decision for one evaluated action.
type Outcome string

const (
	Allowed Outcome = "ALLOWED"
	Warning Outcome = "WARNING"
	Blocked Outcome = "BLOCKED"
)

// Decision is the guard's verdict plus the reason shown to the caller.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Request describes the mutation being evaluated.
type Request struct {
	CaseID            string
	ActorID           string
	ActionType        string
	DeltaHours        decimal.Decimal
	DeltaAmount       decimal.Decimal
	ServiceInstanceID *string
}

// Store is the transactional state the guard reads and writes. The engine's
// store transaction satisfies it.
type Store interface {
	// CaseBudget returns nil when no budget exists for the case (open case).
	CaseBudget(ctx context.Context, orgID, caseID string) (*budget.CaseBudget, error)
	// ServiceLimit returns nil when the service instance has no limit.
	ServiceLimit(ctx context.Context, orgID, serviceInstanceID string) (*budget.ServiceLimit, error)
	Consumption(ctx context.Context, orgID, caseID string) (ledger.Consumption, error)
	ServiceConsumption(ctx context.Context, orgID, serviceInstanceID string) (ledger.Consumption, error)
	LastActionHash(ctx context.Context, orgID, caseID string) (string, error)
	AppendAction(ctx context.Context, a Action) error
}

// ServiceInstance is the display/audit view of a case service supplied by the
// case directory collaborator. It is never consulted for rates.
type ServiceInstance struct {
	ID       string
	Name     string
	Billable bool
}

// Directory resolves service instances. The engine trusts it for the
// billable flag only.
type Directory interface {
	ServiceInstance(ctx context.Context, orgID, id string) (ServiceInstance, error)
}

// Guard evaluates proposed mutations against case and service budgets.
type Guard struct {
	dir   Directory
	clock func() time.Time
}

// NewGuard creates a guard. dir may be nil, in which case every linked
// service instance is treated as billable.
func NewGuard(dir Directory) *Guard {
	return &Guard{dir: dir, clock: time.Now}
}

// WithClock overrides the clock for tests.
func (g *Guard) WithClock(clock func() time.Time) *Guard {
	g.clock = clock
	return g
}

// Evaluate runs the enforcement algorithm and appends exactly one Action
// before returning, whatever the outcome. The caller must not commit the
// triggering mutation when the decision is Blocked.
func (g *Guard) Evaluate(ctx context.Context, st Store, orgID string, req Request) (Decision, error) {
	d, err := g.decide(ctx, st, orgID, req)
	if err != nil {
		return Decision{}, err
	}

	prev, err := st.LastActionHash(ctx, orgID, req.CaseID)
	if err != nil {
		return Decision{}, fmt.Errorf("enforcement: load chain head: %w", err)
	}
	action, err := newAction(orgID, d, req, prev, g.clock())
	if err != nil {
		return Decision{}, err
	}
	// The audit write shares the caller's transaction: if it cannot be
	// written the whole attempt fails loudly. No unaudited blocks.
	if err := st.AppendAction(ctx, action); err != nil {
		return Decision{}, fmt.Errorf("enforcement: append action: %w", err)
	}
	return d, nil
}

func (g *Guard) decide(ctx context.Context, st Store, orgID string, req Request) (Decision, error) {
	// Internal, non-chargeable work is never capped: entries with no linked
	// service instance or a non-billable one skip enforcement entirely.
	if req.ServiceInstanceID == nil {
		return Decision{Outcome: Allowed, Reason: "no service instance; enforcement skipped"}, nil
	}
	if g.dir != nil {
		inst, err := g.dir.ServiceInstance(ctx, orgID, *req.ServiceInstanceID)
		if err != nil {
			return Decision{}, fmt.Errorf("enforcement: service directory: %w", err)
		}
		if !inst.Billable {
			return Decision{Outcome: Allowed, Reason: "service instance not billable; enforcement skipped"}, nil
		}
	}

	// Case-level layer: a missing budget or a soft cap is a no-op.
	b, err := st.CaseBudget(ctx, orgID, req.CaseID)
	if err != nil {
		return Decision{}, fmt.Errorf("enforcement: load budget: %w", err)
	}
	if b != nil && b.HardCap {
		cons, err := st.Consumption(ctx, orgID, req.CaseID)
		if err != nil {
			return Decision{}, fmt.Errorf("enforcement: consumption: %w", err)
		}
		if reason := breach("case", b.HoursLimit, b.AmountLimit, cons, req); reason != "" {
			return Decision{Outcome: Blocked, Reason: reason}, nil
		}
	}

	// Service-level layer: evaluated independently. A service breach blocks
	// even when the case has no hard cap.
	sl, err := st.ServiceLimit(ctx, orgID, *req.ServiceInstanceID)
	if err != nil {
		return Decision{}, fmt.Errorf("enforcement: load service limit: %w", err)
	}
	if sl != nil {
		cons, err := st.ServiceConsumption(ctx, orgID, *req.ServiceInstanceID)
		if err != nil {
			return Decision{}, fmt.Errorf("enforcement: service consumption: %w", err)
		}
		if reason := breach("service", sl.MaxHours, sl.MaxAmount, cons, req); reason != "" {
			return Decision{Outcome: Blocked, Reason: reason}, nil
		}
		if reason := nearThreshold(sl, cons, req); reason != "" {
			return Decision{Outcome: Warning, Reason: reason}, nil
		}
	}

	return Decision{Outcome: Allowed}, nil
}

// breach compares projected consumption against the set limits. Ties are
// breaches: consumption + delta >= limit blocks.
func breach(layer string, hoursLimit, amountLimit *decimal.Decimal, cons ledger.Consumption, req Request) string {
	if hoursLimit != nil && cons.Hours.Add(req.DeltaHours).GreaterThanOrEqual(*hoursLimit) {
		return fmt.Sprintf("%s hours budget exceeded: %s of %s hours used, requested %s more",
			layer, cons.Hours, hoursLimit, req.DeltaHours)
	}
	if amountLimit != nil && cons.Amount.Add(req.DeltaAmount).GreaterThanOrEqual(*amountLimit) {
		return fmt.Sprintf("%s amount budget exceeded: %s of %s used, requested %s more",
			layer, cons.Amount, amountLimit, req.DeltaAmount)
	}
	return ""
}

// nearThreshold reports a warning when projected consumption crosses the
// service limit's warning threshold without breaching the limit itself.
func nearThreshold(sl *budget.ServiceLimit, cons ledger.Consumption, req Request) string {
	if sl.WarningThresholdPct <= 0 {
		return ""
	}
	pct := decimal.NewFromInt(int64(sl.WarningThresholdPct)).Div(decimal.NewFromInt(100))
	if sl.MaxHours != nil && cons.Hours.Add(req.DeltaHours).GreaterThanOrEqual(sl.MaxHours.Mul(pct)) {
		return fmt.Sprintf("service hours at %d%% warning threshold: %s of %s hours used",
			sl.WarningThresholdPct, cons.Hours.Add(req.DeltaHours), sl.MaxHours)
	}
	if sl.MaxAmount != nil && cons.Amount.Add(req.DeltaAmount).GreaterThanOrEqual(sl.MaxAmount.Mul(pct)) {
		return fmt.Sprintf("service amount at %d%% warning threshold: %s of %s used",
			sl.WarningThresholdPct, cons.Amount.Add(req.DeltaAmount), sl.MaxAmount)
	}
	return ""
}

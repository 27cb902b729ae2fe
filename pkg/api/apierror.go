// Package api hosts the settlement engine over JSON HTTP. Error responses
// follow RFC 7807 (Problem Details for HTTP APIs).
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/casetrail/settlement/pkg/auth"
	"github.com/casetrail/settlement/pkg/billing"
	"github.com/casetrail/settlement/pkg/budget"
	"github.com/casetrail/settlement/pkg/enforcement"
	"github.com/casetrail/settlement/pkg/invoice"
	"github.com/casetrail/settlement/pkg/ledger"
	"github.com/casetrail/settlement/pkg/rates"
	"github.com/casetrail/settlement/pkg/store"
)

// ProblemDetail implements RFC 7807.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://casetrail.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	if r != nil {
		problem.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteUnauthorized writes a 401 response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteTooManyRequests writes a 429 response with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSec int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded")
}

// WriteDomainError maps engine errors onto the HTTP taxonomy: validation 400,
// missing 404, bad state transitions 409, policy refusals 422, lock
// contention 503 (retryable).
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrNoPrincipal):
		WriteUnauthorized(w, r, err.Error())
	case errors.Is(err, budget.ErrInvalidAdjustment),
		errors.Is(err, budget.ErrInvalidServiceLimit),
		errors.Is(err, ledger.ErrInvalidEntry),
		errors.Is(err, rates.ErrInvalidRate):
		WriteError(w, r, http.StatusBadRequest, "Invalid Input", err.Error())
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, invoice.ErrNotFound):
		WriteError(w, r, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ledger.ErrNotPending),
		errors.Is(err, ledger.ErrAlreadyRejected),
		errors.Is(err, ledger.ErrAlreadyInvoiced),
		errors.Is(err, ledger.ErrSnapshotFrozen),
		errors.Is(err, invoice.ErrNotDraft):
		WriteError(w, r, http.StatusConflict, "Invalid State Transition", err.Error())
	case errors.Is(err, enforcement.ErrBudgetExceeded),
		errors.Is(err, billing.ErrHardCapExceeded),
		errors.Is(err, rates.ErrRateNotFound):
		WriteError(w, r, http.StatusUnprocessableEntity, "Policy Refused", err.Error())
	case errors.Is(err, store.ErrBusy):
		w.Header().Set("Retry-After", "1")
		WriteError(w, r, http.StatusServiceUnavailable, "Busy", err.Error())
	default:
		WriteError(w, r, http.StatusInternalServerError, "Internal Error", err.Error())
	}
}

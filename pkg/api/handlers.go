package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/casetrail/settlement/pkg/budget"
	"github.com/casetrail/settlement/pkg/engine"
	"github.com/casetrail/settlement/pkg/invoice"
	"github.com/casetrail/settlement/pkg/ledger"
	"github.com/casetrail/settlement/pkg/rates"
)

// Server maps the engine operations onto JSON HTTP endpoints.
type Server struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewServer creates the API server.
func NewServer(e *engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: e, logger: logger.With("component", "api")}
}

// Routes registers all endpoints on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleHealth)

	mux.HandleFunc("POST /v1/cases/{case}/adjustments", s.handleAdjustBudget)
	mux.HandleFunc("GET /v1/cases/{case}/adjustments", s.handleListAdjustments)
	mux.HandleFunc("GET /v1/cases/{case}/limits", s.handleCurrentLimits)
	mux.HandleFunc("GET /v1/cases/{case}/consumption", s.handleConsumption)
	mux.HandleFunc("POST /v1/cases/{case}/evaluate", s.handleEvaluate)
	mux.HandleFunc("GET /v1/cases/{case}/actions", s.handleActions)
	mux.HandleFunc("POST /v1/cases/{case}/actions/verify", s.handleVerifyChain)

	mux.HandleFunc("POST /v1/service-limits", s.handleSetServiceLimit)

	mux.HandleFunc("POST /v1/entries", s.handleCreateEntry)
	mux.HandleFunc("GET /v1/entries/{id}", s.handleGetEntry)
	mux.HandleFunc("POST /v1/entries/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/entries/{id}/reject", s.handleReject)

	mux.HandleFunc("POST /v1/invoices", s.handleCreateInvoice)
	mux.HandleFunc("GET /v1/invoices/{id}", s.handleGetInvoice)
	mux.HandleFunc("POST /v1/invoices/{id}/settle", s.handleSettle)
	mux.HandleFunc("POST /v1/invoices/{id}/finalize", s.handleFinalize)
	mux.HandleFunc("POST /v1/invoices/{id}/export", s.handleExport)

	mux.HandleFunc("POST /v1/rates", s.handlePutRate)
	mux.HandleFunc("GET /v1/rates/resolve", s.handleResolveRate)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, r, http.StatusBadRequest, "Invalid Input", "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

type adjustBudgetRequest struct {
	Kind     budget.AdjustmentKind `json:"kind"`
	NewValue decimal.Decimal       `json:"new_value"`
	Reason   string                `json:"reason"`
	HardCap  *bool                 `json:"hard_cap,omitempty"`
	Note     string                `json:"note,omitempty"`
}

func (s *Server) handleAdjustBudget(w http.ResponseWriter, r *http.Request) {
	var req adjustBudgetRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.engine.AdjustBudget(r.Context(), engine.AdjustBudgetInput{
		CaseID:   r.PathValue("case"),
		Kind:     req.Kind,
		NewValue: req.NewValue,
		Reason:   req.Reason,
		HardCap:  req.HardCap,
		Note:     req.Note,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"adjustment_id": id})
}

func (s *Server) handleListAdjustments(w http.ResponseWriter, r *http.Request) {
	trail, err := s.engine.ListAdjustments(r.Context(), r.PathValue("case"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"adjustments": trail})
}

func (s *Server) handleCurrentLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := s.engine.CurrentLimits(r.Context(), r.PathValue("case"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

func (s *Server) handleConsumption(w http.ResponseWriter, r *http.Request) {
	cons, err := s.engine.CaseConsumption(r.Context(), r.PathValue("case"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cons)
}

type evaluateRequest struct {
	DeltaHours        decimal.Decimal `json:"delta_hours"`
	DeltaAmount       decimal.Decimal `json:"delta_amount"`
	ActionType        string          `json:"action_type"`
	ServiceInstanceID *string         `json:"service_instance_id,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := s.engine.EvaluateAction(r.Context(), engine.EvaluateInput{
		CaseID:            r.PathValue("case"),
		DeltaHours:        req.DeltaHours,
		DeltaAmount:       req.DeltaAmount,
		ActionType:        req.ActionType,
		ServiceInstanceID: req.ServiceInstanceID,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.engine.EnforcementActions(r.Context(), r.PathValue("case"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.VerifyAuditChain(r.Context(), r.PathValue("case")); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"chain": "valid"})
}

func (s *Server) handleSetServiceLimit(w http.ResponseWriter, r *http.Request) {
	var sl budget.ServiceLimit
	if !decode(w, r, &sl) {
		return
	}
	if err := s.engine.SetServiceLimit(r.Context(), sl); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sl)
}

type createEntryRequest struct {
	CaseID            string           `json:"case_id"`
	Type              ledger.EntryType `json:"type"`
	ItemKind          string           `json:"item_kind"`
	AccountID         string           `json:"account_id,omitempty"`
	Hours             decimal.Decimal  `json:"hours"`
	Quantity          decimal.Decimal  `json:"quantity"`
	Rate              decimal.Decimal  `json:"rate"`
	Amount            decimal.Decimal  `json:"amount"`
	Currency          string           `json:"currency"`
	ServiceInstanceID *string          `json:"service_instance_id,omitempty"`
	Notes             string           `json:"notes,omitempty"`
}

func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	var req createEntryRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.engine.CreateFinancialEntry(r.Context(), engine.CreateEntryInput{
		CaseID:            req.CaseID,
		Type:              req.Type,
		ItemKind:          req.ItemKind,
		AccountID:         req.AccountID,
		Hours:             req.Hours,
		Quantity:          req.Quantity,
		Rate:              req.Rate,
		Amount:            req.Amount,
		Currency:          req.Currency,
		ServiceInstanceID: req.ServiceInstanceID,
		Notes:             req.Notes,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"entry_id": id, "status": string(ledger.StatusPending)})
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.engine.Entry(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ApproveBillingItem(r.Context(), r.PathValue("id")); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(ledger.StatusApproved)})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.RejectBillingItem(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(ledger.StatusRejected)})
}

type createInvoiceRequest struct {
	AccountID string `json:"account_id"`
	Number    string `json:"number"`
	Currency  string `json:"currency"`
}

func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if !decode(w, r, &req) {
		return
	}
	inv, err := s.engine.CreateInvoice(r.Context(), req.AccountID, req.Number, req.Currency)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, items, err := s.engine.Invoice(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": inv, "line_items": items})
}

type settleRequest struct {
	EntryIDs []string `json:"entry_ids"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if !decode(w, r, &req) {
		return
	}
	sum, err := s.engine.SettleInvoice(r.Context(), r.PathValue("id"), req.EntryIDs)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.FinalizeInvoice(r.Context(), r.PathValue("id")); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(invoice.StatusFinalized)})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.MarkInvoiceExported(r.Context(), r.PathValue("id")); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(invoice.StatusExported)})
}

func (s *Server) handlePutRate(w http.ResponseWriter, r *http.Request) {
	var entry rates.Entry
	if !decode(w, r, &entry) {
		return
	}
	id, err := s.engine.PutRate(r.Context(), entry)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"rate_id": id})
}

func (s *Server) handleResolveRate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := rates.Kind(q.Get("kind"))
	if kind != rates.KindBill && kind != rates.KindPay {
		WriteError(w, r, http.StatusBadRequest, "Invalid Input", "kind must be BILL or PAY")
		return
	}
	asOf := time.Now().UTC()
	if v := q.Get("as_of"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteError(w, r, http.StatusBadRequest, "Invalid Input", "as_of must be RFC 3339")
			return
		}
		asOf = parsed
	}
	entry, err := s.engine.ResolveRate(r.Context(), kind, q.Get("item_kind"), q.Get("subject_id"), asOf)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

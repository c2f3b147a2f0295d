/*
handlers.go - HTTP API handlers for the credit-sale engine

PURPOSE:
  Exposes the credit-sale engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to credit.SaleService.

ENDPOINTS:
  Prevalidation:
    POST   /api/prevalidations            Classify a credit sale amount
    POST   /api/credit-validations        Pending requirements + reasons

  Sales:
    POST   /api/sales                     Create a sale (Draft)
    GET    /api/sales/{id}                Sale detail
    GET    /api/sales/{id}/installments   Installment schedule
    POST   /api/sales/{id}/authorize      Supervisor authorization
    POST   /api/sales/{id}/reject         Supervisor rejection
    POST   /api/sales/{id}/confirm        Consume quota, create installments
    POST   /api/sales/{id}/cancel         Void (restores quota when confirmed)
    POST   /api/sales/{id}/invoice        Close a confirmed sale

  Admin:
    PUT    /api/admin/clients/{id}        Mirror a client record
    PUT    /api/admin/accounts/{id}       Configure a credit account

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: ArgumentError, malformed body
  - 404: Sale / account / client not found
  - 409: Stale version (reload and retry), duplicate idempotency key
  - 422: OperationError (illegal transition, insufficient quota, not viable)
  - 500: Internal errors

SECURITY NOTE:
  No authentication; the user names in request bodies are trusted.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/credit-engine/credit"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// ClientWriter stores client records mirrored from the customer system.
type ClientWriter interface {
	PutClient(ctx context.Context, c *credit.Client) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Sales   *credit.SaleService
	Clients ClientWriter
	Logger  *zap.Logger

	validate *validator.Validate
}

// NewHandler creates a new handler. logger may be nil.
func NewHandler(sales *credit.SaleService, clients ClientWriter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Sales:    sales,
		Clients:  clients,
		Logger:   logger,
		validate: validator.New(),
	}
}

// =============================================================================
// PREVALIDATION HANDLERS
// =============================================================================

// Prevalidate classifies a credit sale amount for a client.
func (h *Handler) Prevalidate(w http.ResponseWriter, r *http.Request) {
	var req PrevalidationRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.Sales.Prevalidate(r.Context(), credit.ClientID(req.ClientID), req.Amount)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPrevalidationDTO(result))
}

// ValidateCreditSale reports pending requirements and authorization reasons.
func (h *Handler) ValidateCreditSale(w http.ResponseWriter, r *http.Request) {
	var req CreditValidationRequest
	if !h.decode(w, r, &req) {
		return
	}

	var accountID *credit.AccountID
	if req.CreditAccountID != nil && *req.CreditAccountID != "" {
		id := credit.AccountID(*req.CreditAccountID)
		accountID = &id
	}

	result, err := h.Sales.ValidateCreditSale(r.Context(), credit.ClientID(req.ClientID), req.Amount, accountID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditValidationDTO(result))
}

// =============================================================================
// SALE HANDLERS
// =============================================================================

// CreateSale creates a Draft sale. Validation of the draft happens in the service.
func (h *Handler) CreateSale(w http.ResponseWriter, r *http.Request) {
	var draft credit.SaleDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	sale, err := h.Sales.Create(r.Context(), draft)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSaleDTO(sale))
}

// GetSale returns a sale.
func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := h.Sales.Get(r.Context(), saleID(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(sale))
}

// GetInstallments returns the installment batch of a sale.
func (h *Handler) GetInstallments(w http.ResponseWriter, r *http.Request) {
	insts, err := h.Sales.Installments(r.Context(), saleID(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstallmentDTOs(insts))
}

// AuthorizeSale approves a sale pending authorization.
func (h *Handler) AuthorizeSale(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := saleID(r)
	ok, err := h.Sales.Authorize(r.Context(), id, req.User, req.Justification)
	h.writeTransition(w, r, id, ok, err)
}

// RejectSale denies a sale pending authorization.
func (h *Handler) RejectSale(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := saleID(r)
	ok, err := h.Sales.Reject(r.Context(), id, req.User, req.Reason)
	h.writeTransition(w, r, id, ok, err)
}

// ConfirmSale consumes quota and creates the installments.
func (h *Handler) ConfirmSale(w http.ResponseWriter, r *http.Request) {
	id := saleID(r)
	ok, err := h.Sales.Confirm(r.Context(), id)
	h.writeTransition(w, r, id, ok, err)
}

// CancelSale voids a sale. The body is optional.
func (h *Handler) CancelSale(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	id := saleID(r)
	ok, err := h.Sales.Cancel(r.Context(), id, req.Reason)
	h.writeTransition(w, r, id, ok, err)
}

// InvoiceSale closes a confirmed sale.
func (h *Handler) InvoiceSale(w http.ResponseWriter, r *http.Request) {
	id := saleID(r)
	ok, err := h.Sales.Invoice(r.Context(), id)
	h.writeTransition(w, r, id, ok, err)
}

func (h *Handler) writeTransition(w http.ResponseWriter, r *http.Request, id credit.SaleID, ok bool, err error) {
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Sale not found", fmt.Errorf("sale %s", id))
		return
	}
	sale, err := h.Sales.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	dto := toSaleDTO(sale)
	writeJSON(w, http.StatusOK, TransitionResponse{OK: true, Sale: &dto})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// PutClient mirrors a client record.
func (h *Handler) PutClient(w http.ResponseWriter, r *http.Request) {
	var req ClientRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.MonthlyIncome.IsNegative() {
		writeError(w, http.StatusBadRequest, "monthly_income must not be negative", nil)
		return
	}

	client := &credit.Client{
		ID:                credit.ClientID(chi.URLParam(r, "id")),
		Name:              req.Name,
		MonthlyIncome:     req.MonthlyIncome,
		EmploymentTenure:  req.EmploymentTenure,
		Documents:         req.Documents,
		ActiveCredits:     req.ActiveCredits,
		MaxDaysOverdue:    req.MaxDaysOverdue,
		RequiresGuarantor: req.RequiresGuarantor,
		HasGuarantor:      req.HasGuarantor,
		EvaluatedAt:       req.EvaluatedAt,
	}
	if err := h.Clients.PutClient(r.Context(), client); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": string(client.ID)})
}

// PutAccount creates or reconfigures a credit account. On update the amount
// already consumed is carried over: available = new limit - consumed.
func (h *Handler) PutAccount(w http.ResponseWriter, r *http.Request) {
	var req AccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	state := credit.AccountState(req.State)
	if !state.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid account state", fmt.Errorf("state %q", req.State))
		return
	}
	if req.ApprovedLimit.IsNegative() || req.MonthlyRate.IsNegative() {
		writeError(w, http.StatusBadRequest, "approved_limit and monthly_rate must not be negative", nil)
		return
	}

	id := credit.AccountID(chi.URLParam(r, "id"))
	var saved *credit.CreditAccount
	status := http.StatusOK

	err := h.Sales.Store.WithTx(r.Context(), func(tx credit.Store) error {
		now := time.Now().UTC()
		acc, err := tx.GetAccount(r.Context(), id)
		switch {
		case credit.IsNotFound(err):
			acc = &credit.CreditAccount{
				ID:               id,
				ClientID:         credit.ClientID(req.ClientID),
				AvailableBalance: req.ApprovedLimit,
				CreatedAt:        now,
			}
			if req.AvailableBalance != nil {
				acc.AvailableBalance = *req.AvailableBalance
			}
			status = http.StatusCreated
		case err != nil:
			return err
		case acc.ClientID != credit.ClientID(req.ClientID):
			return &credit.ArgumentError{Field: "client_id", Message: "la cuenta pertenece a otro cliente"}
		case req.AvailableBalance != nil:
			return &credit.ArgumentError{Field: "available_balance", Message: "el cupo disponible solo se fija al crear la cuenta"}
		default:
			consumed := acc.ApprovedLimit.Sub(acc.AvailableBalance)
			if req.ApprovedLimit.LessThan(consumed) {
				return &credit.ArgumentError{Field: "approved_limit", Message: fmt.Sprintf(
					"el límite (%s) es menor al cupo ya consumido (%s)",
					credit.FormatAmount(req.ApprovedLimit), credit.FormatAmount(consumed))}
			}
			acc.AvailableBalance = req.ApprovedLimit.Sub(consumed)
		}

		acc.ApprovedLimit = req.ApprovedLimit
		acc.State = state
		acc.MonthlyRate = req.MonthlyRate
		acc.UpdatedAt = now
		if acc.AvailableBalance.IsNegative() || acc.AvailableBalance.GreaterThan(acc.ApprovedLimit) {
			return &credit.ArgumentError{Field: "available_balance", Message: "el cupo disponible debe estar entre 0 y el límite aprobado"}
		}

		if status == http.StatusCreated {
			err = tx.InsertAccount(r.Context(), acc)
		} else {
			err = tx.UpdateAccount(r.Context(), acc)
		}
		saved = acc
		return err
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, status, toAccountDTO(saved))
}

// =============================================================================
// HELPERS
// =============================================================================

func saleID(r *http.Request) credit.SaleID {
	return credit.SaleID(chi.URLParam(r, "id"))
}

// decode reads and validates a JSON body. On failure it writes a 400 and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "Validation failed",
				Code:    "invalid_argument",
				Details: strings.Join(fields, ", "),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// writeServiceError maps credit errors to HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var opErr *credit.OperationError
	switch {
	case credit.IsRetryable(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "concurrent_modification"})
	case errors.Is(err, credit.ErrDuplicateIdempotencyKey):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "duplicate"})
	case credit.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, credit.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_argument"})
	case errors.As(err, &opErr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   err.Error(),
			Code:    "invalid_operation",
			Details: opErr.Reasons,
		})
	case errors.Is(err, credit.ErrInvalidOperation):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "invalid_operation"})
	default:
		h.Logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

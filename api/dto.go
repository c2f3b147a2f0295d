/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal credit model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Prevalidation:
    PrevalidationRequest, PrevalidationDTO, ReasonDTO
    CreditValidationRequest, CreditValidationDTO

  Sales:
    credit.SaleDraft (request body of POST /api/sales), SaleDTO,
    InstallmentDTO, AuthorizeRequest, RejectRequest, CancelRequest,
    TransitionResponse

  Admin:
    ClientRequest, AccountRequest, AccountDTO

MONEY:
  Amounts travel as decimal strings ("1500.50"); requests also accept
  JSON numbers.

VALIDATION:
  Request bodies carry go-playground/validator tags, checked in handlers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/credit"
)

const dateLayout = "2006-01-02"

// =============================================================================
// PREVALIDATION
// =============================================================================

type PrevalidationRequest struct {
	ClientID string          `json:"client_id" validate:"required"`
	Amount   decimal.Decimal `json:"amount"`
}

type ReasonDTO struct {
	Category    string `json:"category"`
	Title       string `json:"title"`
	Description string `json:"description"`
	IsBlocking  bool   `json:"is_blocking"`
}

type PrevalidationDTO struct {
	ClientID       string          `json:"client_id"`
	Verdict        string          `json:"verdict"`
	Reasons        []ReasonDTO     `json:"reasons"`
	Limit          decimal.Decimal `json:"limit"`
	Available      decimal.Decimal `json:"available"`
	Requested      decimal.Decimal `json:"requested"`
	HasArrears     bool            `json:"has_arrears"`
	MaxDaysOverdue int             `json:"max_days_overdue"`
	EvaluatedAt    time.Time       `json:"evaluated_at"`
}

type CreditValidationRequest struct {
	ClientID        string          `json:"client_id" validate:"required"`
	Amount          decimal.Decimal `json:"amount"`
	CreditAccountID *string         `json:"credit_account_id,omitempty"`
}

type CreditValidationDTO struct {
	CanProceed             bool                         `json:"can_proceed"`
	RequiresAuthorization  bool                         `json:"requires_authorization"`
	HasPendingRequirements bool                         `json:"has_pending_requirements"`
	PendingRequirements    []credit.PendingRequirement  `json:"pending_requirements"`
	AuthorizationReasons   []credit.AuthorizationReason `json:"authorization_reasons"`
	SuggestedState         string                       `json:"suggested_state"`
	Limit                  decimal.Decimal              `json:"limit"`
	Available              decimal.Decimal              `json:"available"`
	Requested              decimal.Decimal              `json:"requested"`
}

func toPrevalidationDTO(r *credit.PrevalidationResult) PrevalidationDTO {
	reasons := make([]ReasonDTO, len(r.Reasons))
	for i, reason := range r.Reasons {
		reasons[i] = ReasonDTO{
			Category:    string(reason.Category),
			Title:       reason.Title,
			Description: reason.Description,
			IsBlocking:  reason.IsBlocking,
		}
	}
	return PrevalidationDTO{
		ClientID:       string(r.ClientID),
		Verdict:        string(r.Verdict),
		Reasons:        reasons,
		Limit:          r.Limit,
		Available:      r.Available,
		Requested:      r.Requested,
		HasArrears:     r.HasArrears,
		MaxDaysOverdue: r.MaxDaysOverdue,
		EvaluatedAt:    r.EvaluatedAt,
	}
}

func toCreditValidationDTO(r *credit.ValidationResult) CreditValidationDTO {
	dto := CreditValidationDTO{
		CanProceed:             r.CanProceed,
		RequiresAuthorization:  r.RequiresAuthorization,
		HasPendingRequirements: r.HasPendingRequirements,
		PendingRequirements:    r.PendingRequirements,
		AuthorizationReasons:   r.AuthorizationReasons,
		SuggestedState:         string(r.SuggestedState),
		Limit:                  r.Limit,
		Available:              r.Available,
		Requested:              r.Requested,
	}
	if dto.PendingRequirements == nil {
		dto.PendingRequirements = []credit.PendingRequirement{}
	}
	if dto.AuthorizationReasons == nil {
		dto.AuthorizationReasons = []credit.AuthorizationReason{}
	}
	return dto
}

// =============================================================================
// SALES
// =============================================================================

type SaleDTO struct {
	ID                   string                       `json:"id"`
	ClientID             string                       `json:"client_id"`
	Items                []credit.LineItem            `json:"items"`
	Subtotal             decimal.Decimal              `json:"subtotal"`
	Tax                  decimal.Decimal              `json:"tax"`
	Total                decimal.Decimal              `json:"total"`
	PaymentMethod        string                       `json:"payment_method"`
	Status               string                       `json:"status"`
	AuthorizationState   string                       `json:"authorization_state"`
	CreditPlan           *credit.CreditPlan           `json:"credit_plan,omitempty"`
	AuthorizationReasons []credit.AuthorizationReason `json:"authorization_reasons,omitempty"`
	CreditAccountID      *string                      `json:"credit_account_id,omitempty"`
	RequestedBy          string                       `json:"requested_by"`
	RequestedAt          time.Time                    `json:"requested_at"`
	AuthorizedBy         string                       `json:"authorized_by,omitempty"`
	AuthorizedAt         *time.Time                   `json:"authorized_at,omitempty"`
	AuthorizationNote    string                       `json:"authorization_note,omitempty"`
	RejectedBy           string                       `json:"rejected_by,omitempty"`
	RejectedAt           *time.Time                   `json:"rejected_at,omitempty"`
	RejectionReason      string                       `json:"rejection_reason,omitempty"`
	ConfirmedAt          *time.Time                   `json:"confirmed_at,omitempty"`
	InvoicedAt           *time.Time                   `json:"invoiced_at,omitempty"`
	CancelledAt          *time.Time                   `json:"cancelled_at,omitempty"`
	CancellationReason   string                       `json:"cancellation_reason,omitempty"`
	Version              int64                        `json:"version"`
}

func toSaleDTO(s *credit.Sale) SaleDTO {
	dto := SaleDTO{
		ID:                   string(s.ID),
		ClientID:             string(s.ClientID),
		Items:                s.Items,
		Subtotal:             s.Subtotal,
		Tax:                  s.Tax,
		Total:                s.Total,
		PaymentMethod:        string(s.PaymentMethod),
		Status:               string(s.Status),
		AuthorizationState:   string(s.AuthorizationState),
		CreditPlan:           s.Plan,
		AuthorizationReasons: s.AuthorizationReasons,
		RequestedBy:          s.RequestedBy,
		RequestedAt:          s.RequestedAt,
		AuthorizedBy:         s.AuthorizedBy,
		AuthorizedAt:         s.AuthorizedAt,
		AuthorizationNote:    s.AuthorizationNote,
		RejectedBy:           s.RejectedBy,
		RejectedAt:           s.RejectedAt,
		RejectionReason:      s.RejectionReason,
		ConfirmedAt:          s.ConfirmedAt,
		InvoicedAt:           s.InvoicedAt,
		CancelledAt:          s.CancelledAt,
		CancellationReason:   s.CancellationReason,
		Version:              s.Version,
	}
	if dto.Items == nil {
		dto.Items = []credit.LineItem{}
	}
	if s.CreditAccountID != nil {
		id := string(*s.CreditAccountID)
		dto.CreditAccountID = &id
	}
	return dto
}

type InstallmentDTO struct {
	ID              string          `json:"id"`
	Number          int             `json:"number"`
	Amount          decimal.Decimal `json:"amount"`
	DueDate         string          `json:"due_date"`
	Paid            bool            `json:"paid"`
	CreditAccountID string          `json:"credit_account_id"`
}

func toInstallmentDTOs(insts []credit.SaleInstallment) []InstallmentDTO {
	dtos := make([]InstallmentDTO, len(insts))
	for i, inst := range insts {
		dtos[i] = InstallmentDTO{
			ID:              string(inst.ID),
			Number:          inst.Number,
			Amount:          inst.Amount,
			DueDate:         inst.DueDate.Format(dateLayout),
			Paid:            inst.Paid,
			CreditAccountID: string(inst.CreditAccountID),
		}
	}
	return dtos
}

type AuthorizeRequest struct {
	User          string `json:"user" validate:"required"`
	Justification string `json:"justification"`
}

type RejectRequest struct {
	User   string `json:"user" validate:"required"`
	Reason string `json:"reason"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

// TransitionResponse is returned by the authorize/reject/confirm/cancel/invoice endpoints.
type TransitionResponse struct {
	OK   bool     `json:"ok"`
	Sale *SaleDTO `json:"sale,omitempty"`
}

// =============================================================================
// ADMIN
// =============================================================================

// ClientRequest mirrors a client record owned by the customer system.
type ClientRequest struct {
	Name              string                `json:"name" validate:"required"`
	MonthlyIncome     decimal.Decimal       `json:"monthly_income"`
	EmploymentTenure  string                `json:"employment_tenure"`
	Documents         []credit.Document     `json:"documents" validate:"dive"`
	ActiveCredits     []credit.ActiveCredit `json:"active_credits"`
	MaxDaysOverdue    int                   `json:"max_days_overdue" validate:"gte=0"`
	RequiresGuarantor bool                  `json:"requires_guarantor"`
	HasGuarantor      bool                  `json:"has_guarantor"`
	EvaluatedAt       *time.Time            `json:"evaluated_at,omitempty"`
}

// AccountRequest configures a credit account. AvailableBalance may only be set
// on creation and defaults to ApprovedLimit; updates keep the consumed amount.
type AccountRequest struct {
	ClientID         string           `json:"client_id" validate:"required"`
	ApprovedLimit    decimal.Decimal  `json:"approved_limit"`
	AvailableBalance *decimal.Decimal `json:"available_balance,omitempty"`
	State            string           `json:"state" validate:"required"`
	MonthlyRate      decimal.Decimal  `json:"monthly_rate"`
}

type AccountDTO struct {
	ID               string          `json:"id"`
	ClientID         string          `json:"client_id"`
	ApprovedLimit    decimal.Decimal `json:"approved_limit"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	State            string          `json:"state"`
	MonthlyRate      decimal.Decimal `json:"monthly_rate"`
	Version          int64           `json:"version"`
}

func toAccountDTO(a *credit.CreditAccount) AccountDTO {
	return AccountDTO{
		ID:               string(a.ID),
		ClientID:         string(a.ClientID),
		ApprovedLimit:    a.ApprovedLimit,
		AvailableBalance: a.AvailableBalance,
		State:            string(a.State),
		MonthlyRate:      a.MonthlyRate,
		Version:          a.Version,
	}
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

/*
Package credit provides the credit-sale authorization engine.

PURPOSE:
  Decides whether a sale financed through a personal credit line may be
  created, whether it needs supervisor authorization, how much of the
  client's quota it consumes, and how the installment schedule is generated
  and reversed. Persistence, HTTP and client management live outside this
  package and are reached through the ports in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Client: read-only view of the buyer (income, tenure, documents, arrears)
  - CreditAccount: approved limit + available balance ("quota")
  - Sale: lifecycle status + authorization state + transient credit plan
  - SaleInstallment: one row of the schedule materialized at confirmation
  - QuotaMovement: append-only record of every quota consume/restore

DESIGN PRINCIPLES:
  1. Precision: money and rates are decimal.Decimal, never float64
  2. Closed variants: every status is a named type with a fixed constant set
  3. Optimistic concurrency: Sale and CreditAccount carry a Version counter
  4. No ghost credit: installments and quota only move at Confirm/Cancel

SEE ALSO:
  - sale.go: The state machine that owns these types
  - ledger.go: The only writer of CreditAccount.AvailableBalance
  - plan.go: The versioned credit plan payload
*/
package credit

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ClientID string
type SaleID string
type AccountID string
type InstallmentID string
type MovementID string

// =============================================================================
// CLIENT - Owned externally, read-only here
// =============================================================================

type Document struct {
	Kind      string     `json:"kind"`
	Verified  bool       `json:"verified"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Client is the aggregated view of a buyer the engine evaluates.
type Client struct {
	ID               ClientID
	Name             string
	MonthlyIncome    decimal.Decimal
	EmploymentTenure string // free text, e.g. "3 años", "8 meses"
	Documents        []Document

	// Approved or active credits the client is already paying.
	ActiveCredits []ActiveCredit

	// Aggregated arrears: worst overdue installment across all credits.
	MaxDaysOverdue int

	RequiresGuarantor bool
	HasGuarantor      bool

	// EvaluatedAt is nil when the client never went through credit evaluation.
	EvaluatedAt *time.Time
}

// =============================================================================
// CREDIT ACCOUNT
// =============================================================================

type AccountState string

const (
	AccountRequested  AccountState = "requested"
	AccountConfigured AccountState = "configured"
	AccountApproved   AccountState = "approved"
	AccountActive     AccountState = "active"
	AccountCancelled  AccountState = "cancelled"
)

func (s AccountState) Valid() bool {
	switch s {
	case AccountRequested, AccountConfigured, AccountApproved, AccountActive, AccountCancelled:
		return true
	}
	return false
}

// HasQuota reports whether accounts in this state can finance sales.
func (s AccountState) HasQuota() bool {
	return s == AccountApproved || s == AccountActive
}

// CreditAccount is a client's personal credit line.
// INVARIANT: 0 <= AvailableBalance <= ApprovedLimit. Only the QuotaLedger writes it.
type CreditAccount struct {
	ID               AccountID
	ClientID         ClientID
	ApprovedLimit    decimal.Decimal
	AvailableBalance decimal.Decimal
	State            AccountState
	MonthlyRate      decimal.Decimal // fraction, 0.025 = 2.5% per month
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// =============================================================================
// SALE
// =============================================================================

type PaymentMethod string

const (
	PaymentCash           PaymentMethod = "cash"
	PaymentCard           PaymentMethod = "card"
	PaymentTransfer       PaymentMethod = "transfer"
	PaymentPersonalCredit PaymentMethod = "personal_credit"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentTransfer, PaymentPersonalCredit:
		return true
	}
	return false
}

type SaleStatus string

const (
	StatusDraft     SaleStatus = "draft"
	StatusConfirmed SaleStatus = "confirmed"
	StatusInvoiced  SaleStatus = "invoiced"
	StatusCancelled SaleStatus = "cancelled"
)

func (s SaleStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusConfirmed, StatusInvoiced, StatusCancelled:
		return true
	}
	return false
}

type AuthorizationState string

const (
	AuthNotRequired AuthorizationState = "not_required"
	AuthPending     AuthorizationState = "pending_authorization"
	AuthAuthorized  AuthorizationState = "authorized"
	AuthRejected    AuthorizationState = "rejected"
)

func (s AuthorizationState) Valid() bool {
	switch s {
	case AuthNotRequired, AuthPending, AuthAuthorized, AuthRejected:
		return true
	}
	return false
}

type LineItem struct {
	ProductID   string          `json:"product_id" validate:"required"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// Sale is the aggregate the state machine drives.
type Sale struct {
	ID            SaleID
	ClientID      ClientID
	Items         []LineItem
	Subtotal      decimal.Decimal
	Tax           decimal.Decimal
	Total         decimal.Decimal
	PaymentMethod PaymentMethod

	Status             SaleStatus
	AuthorizationState AuthorizationState

	// Plan is the pending financing intent between Create and Confirm.
	// Cleared once consumed, rejected or cancelled.
	Plan *CreditPlan

	// AuthorizationReasons explain why the sale needed authorization.
	// Kept unchanged after Authorize for audit.
	AuthorizationReasons []AuthorizationReason

	// CreditAccountID is set only by Confirm, cleared by Cancel/Reject.
	CreditAccountID *AccountID

	// Audit
	RequestedBy        string
	RequestedAt        time.Time
	AuthorizedBy       string
	AuthorizedAt       *time.Time
	AuthorizationNote  string
	RejectedBy         string
	RejectedAt         *time.Time
	RejectionReason    string
	ConfirmedAt        *time.Time
	InvoicedAt         *time.Time
	CancelledAt        *time.Time
	CancellationReason string

	Version   int64
	UpdatedAt time.Time
}

// IsCredit reports whether the sale is financed through a personal credit line.
func (s *Sale) IsCredit() bool {
	return s.PaymentMethod == PaymentPersonalCredit
}

// =============================================================================
// INSTALLMENTS
// =============================================================================

type SaleInstallment struct {
	ID              InstallmentID
	SaleID          SaleID
	CreditAccountID AccountID
	Number          int
	Amount          decimal.Decimal
	DueDate         time.Time
	Paid            bool
}

// =============================================================================
// QUOTA MOVEMENTS - Append-only audit of ledger writes
// =============================================================================

type MovementType string

const (
	MovementConsume MovementType = "consume"
	MovementRestore MovementType = "restore"
)

type QuotaMovement struct {
	ID             MovementID
	AccountID      AccountID
	SaleID         SaleID
	Type           MovementType
	Amount         decimal.Decimal // always positive; Type gives the sign
	BalanceAfter   decimal.Decimal
	IdempotencyKey string
	CreatedAt      time.Time
}

/*
sale.go - Credit-sale state machine

PURPOSE:
  Owns creation, authorization, rejection, confirmation, cancellation and
  invoicing of sales. Quota is touched only by Confirm and Cancel, always
  through the QuotaLedger and always inside one WithTx.

STATE MACHINE:
  Lifecycle:      Draft ──▶ Confirmed ──▶ Invoiced
                    │           │
                    └──▶ Cancelled ◀──┘

  Authorization:  NotRequired
                  PendingAuthorization ──▶ Authorized
                                      └──▶ Rejected

CONFIRM (one atomic unit):
  1. consume plan amount from the account (check-then-decrement)
  2. insert `count` installments, due firstDue + k months
  3. set account reference, clear plan, status Confirmed

CANCEL OF A CONFIRMED SALE (one atomic unit):
  1. delete installments
  2. restore exactly what was consumed (movement log)
  3. clear account reference, status Cancelled

RETURN CONVENTION:
  Transitions return (false, nil) when the sale does not exist, (false, err)
  on failure and (true, nil) on success.

EXAMPLE:
  svc := NewSaleService(store, clients, DefaultPolicy(), logger, metrics)

  sale, err := svc.Create(ctx, SaleDraft{ClientID: "c-1", PaymentMethod: PaymentPersonalCredit, ...})
  ok, err := svc.Authorize(ctx, sale.ID, "supervisor", "cliente histórico")
  ok, err = svc.Confirm(ctx, sale.ID)

SEE ALSO:
  - prevalidation.go: Decides the initial authorization state
  - ledger.go: Consume / Restore
  - amortization.go: Installment amounts
*/
package credit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SaleDraft is the input of Create. Totals come from pricing, which runs before this engine.
type SaleDraft struct {
	ClientID      ClientID           `json:"client_id" validate:"required"`
	Items         []LineItem         `json:"items" validate:"dive"`
	Subtotal      decimal.Decimal    `json:"subtotal"`
	Tax           decimal.Decimal    `json:"tax"`
	Total         decimal.Decimal    `json:"total"`
	PaymentMethod PaymentMethod      `json:"payment_method" validate:"required"`
	CreditPlan    *CreditPlanRequest `json:"credit_plan,omitempty"`
	RequestedBy   string             `json:"requested_by" validate:"required"`
}

// =============================================================================
// SALE SERVICE
// =============================================================================

type SaleService struct {
	Store        TxStore
	Assessor     *EligibilityAssessor
	Prevalidator *Prevalidator
	Ledger       *QuotaLedger
	Policy       Policy
	Logger       *zap.Logger
	Recorder     Recorder
	Now          func() time.Time

	validate *validator.Validate
}

// NewSaleService wires the assessor, prevalidator and ledger over one store.
// logger and recorder may be nil.
func NewSaleService(store TxStore, clients ClientDirectory, policy Policy, logger *zap.Logger, recorder Recorder) *SaleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	assessor := NewEligibilityAssessor(clients, store, policy)
	prevalidator := NewPrevalidator(assessor, store)
	prevalidator.Recorder = recorder

	return &SaleService{
		Store:        store,
		Assessor:     assessor,
		Prevalidator: prevalidator,
		Ledger:       NewQuotaLedger(time.Now, recorder),
		Policy:       policy,
		Logger:       logger,
		Recorder:     recorder,
		Now:          time.Now,
		validate:     validator.New(),
	}
}

// SetClock replaces the clock of the service and every component it owns.
func (s *SaleService) SetClock(now func() time.Time) {
	s.Now = now
	s.Assessor.Now = now
	s.Ledger.Now = now
}

// Prevalidate previews the viability of a credit sale without writing anything.
func (s *SaleService) Prevalidate(ctx context.Context, clientID ClientID, amount decimal.Decimal) (*PrevalidationResult, error) {
	return s.Prevalidator.Prevalidate(ctx, clientID, amount)
}

// ValidateCreditSale reports pending requirements and authorization reasons for a credit sale.
func (s *SaleService) ValidateCreditSale(ctx context.Context, clientID ClientID, amount decimal.Decimal, existingCreditID *AccountID) (*ValidationResult, error) {
	return s.Prevalidator.ValidateCreditSale(ctx, clientID, amount, existingCreditID)
}

// =============================================================================
// CREATE
// =============================================================================

// Create persists a new Draft sale. For personal credit the prevalidation
// runs again here and decides whether the sale may be written at all.
func (s *SaleService) Create(ctx context.Context, draft SaleDraft) (sale *Sale, err error) {
	defer func() { s.record("create", err) }()

	if err := s.validateDraft(draft); err != nil {
		return nil, err
	}

	now := s.now()
	sale = &Sale{
		ID:                 SaleID(uuid.NewString()),
		ClientID:           draft.ClientID,
		Items:              append([]LineItem(nil), draft.Items...),
		Subtotal:           draft.Subtotal,
		Tax:                draft.Tax,
		Total:              draft.Total,
		PaymentMethod:      draft.PaymentMethod,
		Status:             StatusDraft,
		AuthorizationState: AuthNotRequired,
		RequestedBy:        draft.RequestedBy,
		RequestedAt:        now,
		UpdatedAt:          now,
	}

	if sale.IsCredit() {
		if err := s.prepareCredit(ctx, sale, draft.CreditPlan); err != nil {
			s.Logger.Warn("credit sale refused",
				zap.String("client_id", string(draft.ClientID)),
				zap.String("total", draft.Total.String()),
				zap.Error(err))
			return nil, err
		}
	}

	if err := s.Store.InsertSale(ctx, sale); err != nil {
		return nil, fmt.Errorf("failed to insert sale: %w", err)
	}

	s.Logger.Info("sale created",
		zap.String("sale_id", string(sale.ID)),
		zap.String("client_id", string(sale.ClientID)),
		zap.String("payment_method", string(sale.PaymentMethod)),
		zap.String("authorization_state", string(sale.AuthorizationState)),
		zap.Int("authorization_reasons", len(sale.AuthorizationReasons)))
	return sale, nil
}

func (s *SaleService) validateDraft(draft SaleDraft) error {
	if err := s.validate.Struct(draft); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate sale: %w", err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, validationMessage(fe))
		}
		return argumentError("sale", "%s", strings.Join(msgs, "; "))
	}
	if !draft.PaymentMethod.Valid() {
		return argumentError("payment_method", "medio de pago desconocido: %s", draft.PaymentMethod)
	}
	if !draft.Total.IsPositive() {
		return argumentError("total", "el total debe ser mayor a cero")
	}
	if draft.Subtotal.IsNegative() || draft.Tax.IsNegative() {
		return argumentError("subtotal", "subtotal e impuestos no pueden ser negativos")
	}
	if !draft.Subtotal.Add(draft.Tax).Equal(draft.Total) {
		return argumentError("total", "el total (%s) no coincide con subtotal + impuestos (%s)",
			draft.Total.StringFixed(2), draft.Subtotal.Add(draft.Tax).StringFixed(2))
	}
	if draft.CreditPlan != nil && draft.PaymentMethod != PaymentPersonalCredit {
		return argumentError("credit_plan", "solo las ventas a crédito personal llevan plan de financiamiento")
	}
	return nil
}

func validationMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s es obligatorio", field)
	case "gt":
		return fmt.Sprintf("%s debe ser mayor a %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s no es válido (%s)", field, fe.Tag())
	}
}

// prepareCredit validates the plan, runs prevalidation and sets the
// authorization state, reasons and plan on the sale.
func (s *SaleService) prepareCredit(ctx context.Context, sale *Sale, req *CreditPlanRequest) error {
	amount := sale.Total
	var pinned *CreditAccount
	if req != nil {
		if err := s.validate.Struct(req); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				return argumentError("credit_plan", "%s", validationMessage(verrs[0]))
			}
			return fmt.Errorf("failed to validate credit plan: %w", err)
		}
		switch {
		case !req.AmountToFinance.IsPositive():
			return argumentError("credit_plan.amount", "el monto a financiar debe ser mayor a cero")
		case req.AmountToFinance.GreaterThan(sale.Total):
			return argumentError("credit_plan.amount", "el monto a financiar (%s) supera el total de la venta (%s)",
				FormatAmount(req.AmountToFinance), FormatAmount(sale.Total))
		case req.MonthlyRate.IsNegative():
			return argumentError("credit_plan.monthly_rate", "la tasa no puede ser negativa")
		}

		acc, err := s.Store.GetAccount(ctx, req.AccountID)
		if err != nil {
			if IsNotFound(err) {
				return argumentError("credit_plan.account_id", "la cuenta de crédito %s no existe", req.AccountID)
			}
			return fmt.Errorf("failed to load credit account: %w", err)
		}
		if acc.ClientID != sale.ClientID {
			return argumentError("credit_plan.account_id", "la cuenta de crédito %s no pertenece al cliente", req.AccountID)
		}
		amount = req.AmountToFinance
		sale.Plan = req.toPlan()
		pinned = acc
	}

	result, err := s.Prevalidator.Prevalidate(ctx, sale.ClientID, amount)
	if err != nil {
		return err
	}

	switch result.Verdict {
	case PrevalidationNotViable:
		return operationError("create", result.BlockingMessages()...)
	case PrevalidationRequiresAuthorization:
		sale.AuthorizationState = AuthPending
		sale.AuthorizationReasons = result.AuthorizationReasons()
	case PrevalidationApprovable:
		sale.AuthorizationState = AuthNotRequired
	default:
		return fmt.Errorf("unknown prevalidation verdict %q", result.Verdict)
	}

	// The client-wide quota can cover an amount the pinned account cannot.
	if pinned != nil && amount.GreaterThan(pinned.AvailableBalance) && !hasReason(sale.AuthorizationReasons, ReasonExceedsQuota) {
		requested, available := amount, pinned.AvailableBalance
		sale.AuthorizationState = AuthPending
		sale.AuthorizationReasons = append(sale.AuthorizationReasons, AuthorizationReason{
			Kind: ReasonExceedsQuota,
			Description: fmt.Sprintf("El monto solicitado ($%s) supera el cupo disponible de la cuenta %s ($%s)",
				FormatAmount(requested), pinned.ID, FormatAmount(available)),
			RequestedValue: &requested,
			LimitValue:     &available,
		})
	}
	return nil
}

func hasReason(reasons []AuthorizationReason, kind AuthorizationReasonKind) bool {
	for _, r := range reasons {
		if r.Kind == kind {
			return true
		}
	}
	return false
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

// Authorize approves a sale pending authorization. Quota and installments
// are left alone; they belong to Confirm.
func (s *SaleService) Authorize(ctx context.Context, id SaleID, user, justification string) (bool, error) {
	note := strings.TrimSpace(justification)
	user = strings.TrimSpace(user)
	if note == "" {
		s.record("authorize", ErrInvalidArgument)
		return false, argumentError("justification", "el campo justificación es obligatorio")
	}
	if user == "" {
		s.record("authorize", ErrInvalidArgument)
		return false, argumentError("authorized_by", "el usuario que autoriza es obligatorio")
	}

	return s.transition(ctx, "authorize", id, func(_ Store, sale *Sale, now time.Time) error {
		if err := requireAuthorizationPending("authorize", sale); err != nil {
			return err
		}
		sale.AuthorizationState = AuthAuthorized
		sale.AuthorizedBy = user
		sale.AuthorizedAt = &now
		sale.AuthorizationNote = note
		return nil
	})
}

// Reject denies a sale pending authorization and drops its financing intent.
func (s *SaleService) Reject(ctx context.Context, id SaleID, user, reason string) (bool, error) {
	return s.transition(ctx, "reject", id, func(_ Store, sale *Sale, now time.Time) error {
		if err := requireAuthorizationPending("reject", sale); err != nil {
			return err
		}
		sale.AuthorizationState = AuthRejected
		sale.RejectedBy = strings.TrimSpace(user)
		sale.RejectedAt = &now
		sale.RejectionReason = strings.TrimSpace(reason)
		sale.Plan = nil
		sale.CreditAccountID = nil
		return nil
	})
}

func requireAuthorizationPending(op string, sale *Sale) error {
	if sale.Status != StatusDraft {
		return operationError(op, fmt.Sprintf("la venta debe estar en estado %s (actual: %s)", StatusDraft, sale.Status))
	}
	if sale.AuthorizationState != AuthPending {
		return operationError(op, fmt.Sprintf("la venta debe estar en estado %s (actual: %s)", AuthPending, sale.AuthorizationState))
	}
	return nil
}

// =============================================================================
// CONFIRM / CANCEL / INVOICE
// =============================================================================

// Confirm materializes the credit: consumes quota, creates the installment
// batch and links the account. All or nothing.
func (s *SaleService) Confirm(ctx context.Context, id SaleID) (bool, error) {
	return s.transition(ctx, "confirm", id, func(tx Store, sale *Sale, now time.Time) error {
		if sale.Status != StatusDraft {
			return operationError("confirm", fmt.Sprintf("la venta debe estar en estado %s (actual: %s)", StatusDraft, sale.Status))
		}
		switch sale.AuthorizationState {
		case AuthPending:
			return operationError("confirm", "la venta requiere autorización previa")
		case AuthRejected:
			return operationError("confirm", "la autorización de la venta fue rechazada")
		}

		if sale.Plan == nil {
			if sale.IsCredit() && !s.Policy.AllowCreditConfirmWithoutPlan {
				return operationError("confirm", "la venta a crédito no tiene plan de financiamiento")
			}
			sale.Status = StatusConfirmed
			sale.ConfirmedAt = &now
			return nil
		}

		installments, err := s.consumePlan(ctx, tx, sale)
		if err != nil {
			return err
		}
		accountID := sale.Plan.AccountID
		sale.CreditAccountID = &accountID
		sale.Plan = nil
		sale.Status = StatusConfirmed
		sale.ConfirmedAt = &now

		s.Logger.Info("credit consumed",
			zap.String("sale_id", string(sale.ID)),
			zap.String("account_id", string(accountID)),
			zap.Int("installments", len(installments)))
		return nil
	})
}

func (s *SaleService) consumePlan(ctx context.Context, tx Store, sale *Sale) ([]SaleInstallment, error) {
	plan := sale.Plan

	acc, err := tx.GetAccount(ctx, plan.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credit account: %w", err)
	}
	if acc.ClientID != sale.ClientID {
		return nil, operationError("confirm", fmt.Sprintf("la cuenta de crédito %s no pertenece al cliente", plan.AccountID))
	}

	amount, err := InstallmentAmount(plan.AmountToFinance, plan.MonthlyRate, plan.InstallmentCount)
	if err != nil {
		return nil, err
	}

	if _, err := s.Ledger.Consume(ctx, tx, plan.AccountID, sale.ID, plan.AmountToFinance); err != nil {
		return nil, err
	}

	installments := make([]SaleInstallment, plan.InstallmentCount)
	for k := range installments {
		installments[k] = SaleInstallment{
			ID:              InstallmentID(uuid.NewString()),
			SaleID:          sale.ID,
			CreditAccountID: plan.AccountID,
			Number:          k + 1,
			Amount:          amount,
			DueDate:         plan.FirstDueDate.AddDate(0, k, 0),
		}
	}
	if err := tx.InsertInstallments(ctx, installments); err != nil {
		return nil, fmt.Errorf("failed to insert installments: %w", err)
	}
	return installments, nil
}

// Cancel voids a sale. A confirmed credit sale gets its installments deleted
// and its consumed quota restored in the same unit.
func (s *SaleService) Cancel(ctx context.Context, id SaleID, reason string) (bool, error) {
	return s.transition(ctx, "cancel", id, func(tx Store, sale *Sale, now time.Time) error {
		switch sale.Status {
		case StatusCancelled:
			return operationError("cancel", "la venta ya está anulada")
		case StatusInvoiced:
			return operationError("cancel", "la venta ya fue facturada")
		case StatusConfirmed:
			if sale.CreditAccountID != nil {
				deleted, err := tx.DeleteInstallmentsBySale(ctx, sale.ID)
				if err != nil {
					return fmt.Errorf("failed to delete installments: %w", err)
				}
				restored, err := s.Ledger.Restore(ctx, tx, sale.ID)
				if err != nil {
					return err
				}
				s.Logger.Info("credit restored",
					zap.String("sale_id", string(sale.ID)),
					zap.String("account_id", string(*sale.CreditAccountID)),
					zap.String("amount", restored.String()),
					zap.Int("installments_deleted", deleted))
			}
		}

		sale.Status = StatusCancelled
		sale.Plan = nil
		sale.CreditAccountID = nil
		sale.CancelledAt = &now
		sale.CancellationReason = strings.TrimSpace(reason)
		return nil
	})
}

// Invoice closes a confirmed sale.
func (s *SaleService) Invoice(ctx context.Context, id SaleID) (bool, error) {
	return s.transition(ctx, "invoice", id, func(_ Store, sale *Sale, now time.Time) error {
		if sale.Status != StatusConfirmed {
			return operationError("invoice", fmt.Sprintf("la venta debe estar en estado %s (actual: %s)", StatusConfirmed, sale.Status))
		}
		sale.Status = StatusInvoiced
		sale.InvoicedAt = &now
		return nil
	})
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns the sale, or ErrSaleNotFound.
func (s *SaleService) Get(ctx context.Context, id SaleID) (*Sale, error) {
	return s.Store.GetSale(ctx, id)
}

// Installments returns the installment batch of a sale ordered by number.
func (s *SaleService) Installments(ctx context.Context, id SaleID) ([]SaleInstallment, error) {
	if _, err := s.Store.GetSale(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.InstallmentsBySale(ctx, id)
}

// =============================================================================
// HELPERS
// =============================================================================

// transition loads the sale inside a transaction, applies fn and writes the
// sale back with its version check. Any error rolls back every write fn made.
func (s *SaleService) transition(
	ctx context.Context,
	op string,
	id SaleID,
	fn func(tx Store, sale *Sale, now time.Time) error,
) (bool, error) {
	found := true
	var before *Sale
	var after *Sale

	err := s.Store.WithTx(ctx, func(tx Store) error {
		sale, err := tx.GetSale(ctx, id)
		if errors.Is(err, ErrSaleNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load sale: %w", err)
		}
		snapshot := *sale
		before = &snapshot

		now := s.now()
		if err := fn(tx, sale, now); err != nil {
			return err
		}
		sale.UpdatedAt = now
		if err := tx.UpdateSale(ctx, sale); err != nil {
			return err
		}
		after = sale
		return nil
	})

	if !found {
		s.record(op, ErrSaleNotFound)
		s.Logger.Debug("sale not found", zap.String("op", op), zap.String("sale_id", string(id)))
		return false, nil
	}
	s.record(op, err)
	if err != nil {
		s.Logger.Warn("sale transition failed",
			zap.String("op", op),
			zap.String("sale_id", string(id)),
			zap.Error(err))
		return false, err
	}

	s.Logger.Info("sale transition",
		zap.String("op", op),
		zap.String("sale_id", string(id)),
		zap.String("client_id", string(after.ClientID)),
		zap.String("status_from", string(before.Status)),
		zap.String("status_to", string(after.Status)),
		zap.String("authorization_from", string(before.AuthorizationState)),
		zap.String("authorization_to", string(after.AuthorizationState)))
	return true, nil
}

func (s *SaleService) record(op string, err error) {
	if s.Recorder == nil {
		return
	}
	s.Recorder.Transition(op, outcomeOf(err))
}

func (s *SaleService) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

/*
prevalidation.go - Read-only viability check of a credit sale

PURPOSE:
  Projects the eligibility verdict onto a specific requested amount before
  the sale is built, and again inside Create. Never writes, never locks.

CLASSIFICATION:
  NotViable             no limit, documents missing/expired, blocking
                        arrears, client never evaluated
  RequiresAuthorization amount above available quota, soft arrears
  Approvable            otherwise

  Blocking reasons appear only under NotViable, non-blocking reasons only
  under RequiresAuthorization, and Approvable carries none.

VALIDATE CREDIT SALE:
  ValidateCreditSale is the richer variant used by sale forms: it splits
  the outcome into pending requirements (must be fixed before selling) and
  authorization reasons (a supervisor may override), optionally against a
  specific credit account.

SEE ALSO:
  - eligibility.go: Source of every fact used here
  - sale.go: Create runs Prevalidate and persists its reasons
*/
package credit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PREVALIDATION RESULT
// =============================================================================

type PrevalidationVerdict string

const (
	PrevalidationApprovable            PrevalidationVerdict = "approvable"
	PrevalidationRequiresAuthorization PrevalidationVerdict = "requires_authorization"
	PrevalidationNotViable             PrevalidationVerdict = "not_viable"
)

type Reason struct {
	Category    FindingCategory
	Title       string
	Description string
	IsBlocking  bool
}

type PrevalidationResult struct {
	ClientID       ClientID
	Verdict        PrevalidationVerdict
	Reasons        []Reason
	Limit          decimal.Decimal
	Available      decimal.Decimal
	Requested      decimal.Decimal
	HasArrears     bool
	MaxDaysOverdue int
	EvaluatedAt    time.Time
}

// Titles shown to the cashier.
const (
	TitleNotEvaluated      = "Cliente sin evaluar"
	TitleNoLimit           = "Sin límite de crédito"
	TitleMissingDocuments  = "Documentación incompleta"
	TitleExpiredDocuments  = "Documentación vencida"
	TitleBlockingArrears   = "Mora bloqueante"
	TitleInsufficientQuota = "Cupo insuficiente"
	TitleActiveArrears     = "Mora activa"
)

// =============================================================================
// AUTHORIZATION REASONS / PENDING REQUIREMENTS
// =============================================================================

type AuthorizationReasonKind string

const (
	ReasonExceedsQuota   AuthorizationReasonKind = "exceeds_quota"
	ReasonActiveArrears  AuthorizationReasonKind = "active_arrears"
	ReasonHighDebtRatio  AuthorizationReasonKind = "high_debt_ratio"
	ReasonLowCreditScore AuthorizationReasonKind = "low_credit_score"
)

// AuthorizationReason is serialized onto the sale when it is created pending authorization.
type AuthorizationReason struct {
	Kind           AuthorizationReasonKind `json:"kind"`
	Description    string                  `json:"description"`
	RequestedValue *decimal.Decimal        `json:"requested_value,omitempty"`
	LimitValue     *decimal.Decimal        `json:"limit_value,omitempty"`
}

type PendingRequirementKind string

const (
	RequirementMissingDocumentation PendingRequirementKind = "missing_documentation"
	RequirementNoQuotaAssigned      PendingRequirementKind = "no_quota_assigned"
	RequirementNotEvaluated         PendingRequirementKind = "not_evaluated"
	RequirementNoApprovedCredit     PendingRequirementKind = "no_approved_credit"
	RequirementBlockingArrears      PendingRequirementKind = "blocking_arrears"
)

type PendingRequirement struct {
	Kind        PendingRequirementKind `json:"kind"`
	Description string                 `json:"description"`
}

type ValidationResult struct {
	CanProceed             bool
	RequiresAuthorization  bool
	HasPendingRequirements bool
	PendingRequirements    []PendingRequirement
	AuthorizationReasons   []AuthorizationReason
	SuggestedState         AuthorizationState
	Limit                  decimal.Decimal
	Available              decimal.Decimal
	Requested              decimal.Decimal
}

// =============================================================================
// PREVALIDATOR
// =============================================================================

type Prevalidator struct {
	Assessor *EligibilityAssessor
	Store    Store
	Recorder Recorder
}

func NewPrevalidator(assessor *EligibilityAssessor, store Store) *Prevalidator {
	return &Prevalidator{Assessor: assessor, Store: store, Recorder: NopRecorder{}}
}

// Prevalidate classifies a credit sale of amount for the client.
func (p *Prevalidator) Prevalidate(ctx context.Context, clientID ClientID, amount decimal.Decimal) (*PrevalidationResult, error) {
	start := time.Now()
	defer func() { p.recorder().PrevalidationDuration(time.Since(start)) }()

	if !amount.IsPositive() {
		return nil, argumentError("amount", "el monto solicitado debe ser mayor a cero")
	}

	a, err := p.Assessor.Evaluate(ctx, clientID)
	if err != nil {
		return nil, err
	}

	result := &PrevalidationResult{
		ClientID:       clientID,
		Limit:          a.Quota.Limit,
		Available:      a.Quota.Available,
		Requested:      amount,
		HasArrears:     a.Arrears.HasArrears,
		MaxDaysOverdue: a.Arrears.MaxDaysOverdue,
		EvaluatedAt:    a.AssessedAt,
	}

	if blocking := blockingReasons(a); len(blocking) > 0 {
		result.Verdict = PrevalidationNotViable
		result.Reasons = blocking
		return result, nil
	}

	var soft []Reason
	if amount.GreaterThan(a.Quota.Available) {
		soft = append(soft, Reason{
			Category: CategoryQuota,
			Title:    TitleInsufficientQuota,
			Description: fmt.Sprintf("El monto solicitado ($%s) supera el cupo disponible ($%s)",
				FormatAmount(amount), FormatAmount(a.Quota.Available)),
		})
	}
	if a.Arrears.RequiresAuthorization {
		soft = append(soft, Reason{
			Category: CategoryArrears,
			Title:    TitleActiveArrears,
			Description: fmt.Sprintf("El cliente registra %d días de mora; la venta requiere autorización",
				a.Arrears.MaxDaysOverdue),
		})
	}

	if len(soft) > 0 {
		result.Verdict = PrevalidationRequiresAuthorization
		result.Reasons = soft
		return result, nil
	}
	result.Verdict = PrevalidationApprovable
	return result, nil
}

func blockingReasons(a *EligibilityAssessment) []Reason {
	var out []Reason
	if !a.Quota.HasQuota {
		out = append(out, Reason{CategoryQuota, TitleNoLimit,
			"El cliente no tiene un límite de crédito asignado", true})
	}
	if len(a.Documentation.Missing) > 0 {
		out = append(out, Reason{CategoryDocumentation, TitleMissingDocuments,
			"Faltan documentos verificados: " + strings.Join(a.Documentation.Missing, ", "), true})
	}
	if len(a.Documentation.Expired) > 0 {
		out = append(out, Reason{CategoryDocumentation, TitleExpiredDocuments,
			"Documentos vencidos: " + strings.Join(a.Documentation.Expired, ", "), true})
	}
	if a.Arrears.IsBlocking {
		out = append(out, Reason{CategoryArrears, TitleBlockingArrears,
			fmt.Sprintf("El cliente registra %d días de mora", a.Arrears.MaxDaysOverdue), true})
	}
	if !a.Evaluated {
		out = append(out, Reason{CategoryEvaluation, TitleNotEvaluated,
			"El cliente no ha sido evaluado para crédito", true})
	}
	return out
}

// AuthorizationReasons converts the non-blocking reasons of a result into the
// reason list stored on the sale.
func (r *PrevalidationResult) AuthorizationReasons() []AuthorizationReason {
	var out []AuthorizationReason
	for _, reason := range r.Reasons {
		if reason.IsBlocking {
			continue
		}
		switch reason.Category {
		case CategoryQuota:
			requested, available := r.Requested, r.Available
			out = append(out, AuthorizationReason{
				Kind:           ReasonExceedsQuota,
				Description:    reason.Description,
				RequestedValue: &requested,
				LimitValue:     &available,
			})
		case CategoryArrears:
			days := decimal.NewFromInt(int64(r.MaxDaysOverdue))
			out = append(out, AuthorizationReason{
				Kind:           ReasonActiveArrears,
				Description:    reason.Description,
				RequestedValue: &days,
			})
		}
	}
	return out
}

// BlockingMessages returns the titles and descriptions of the blocking reasons.
func (r *PrevalidationResult) BlockingMessages() []string {
	var out []string
	for _, reason := range r.Reasons {
		if reason.IsBlocking {
			out = append(out, reason.Title+": "+reason.Description)
		}
	}
	return out
}

// ValidateCreditSale reports what stands between the client and a credit
// sale of amount. existingCreditID, when set, pins the quota check to one account.
func (p *Prevalidator) ValidateCreditSale(
	ctx context.Context,
	clientID ClientID,
	amount decimal.Decimal,
	existingCreditID *AccountID,
) (*ValidationResult, error) {
	if !amount.IsPositive() {
		return nil, argumentError("amount", "el monto solicitado debe ser mayor a cero")
	}

	a, err := p.Assessor.Evaluate(ctx, clientID)
	if err != nil {
		return nil, err
	}
	policy := p.Assessor.Policy

	result := &ValidationResult{
		Requested: amount,
		Limit:     a.Quota.Limit,
		Available: a.Quota.Available,
	}

	if !a.Evaluated {
		result.PendingRequirements = append(result.PendingRequirements, PendingRequirement{
			RequirementNotEvaluated, "El cliente no ha sido evaluado para crédito"})
	}
	if !a.Documentation.Complete {
		pending := append(append([]string{}, a.Documentation.Missing...), a.Documentation.Expired...)
		result.PendingRequirements = append(result.PendingRequirements, PendingRequirement{
			RequirementMissingDocumentation, "Documentación pendiente: " + strings.Join(pending, ", ")})
	}
	if a.Arrears.IsBlocking {
		result.PendingRequirements = append(result.PendingRequirements, PendingRequirement{
			RequirementBlockingArrears, fmt.Sprintf("El cliente registra %d días de mora", a.Arrears.MaxDaysOverdue)})
	}

	hasQuota := a.Quota.HasQuota
	if existingCreditID != nil {
		acc, err := p.Store.GetAccount(ctx, *existingCreditID)
		switch {
		case err != nil && !IsNotFound(err):
			return nil, fmt.Errorf("failed to load credit account: %w", err)
		case err != nil || acc.ClientID != clientID || !acc.State.HasQuota():
			hasQuota = false
			result.PendingRequirements = append(result.PendingRequirements, PendingRequirement{
				RequirementNoApprovedCredit, "El crédito indicado no existe o no está aprobado para el cliente"})
		default:
			result.Limit = acc.ApprovedLimit
			result.Available = acc.AvailableBalance
		}
	} else if !hasQuota {
		result.PendingRequirements = append(result.PendingRequirements, PendingRequirement{
			RequirementNoQuotaAssigned, "El cliente no tiene un límite de crédito asignado"})
	}

	if hasQuota && amount.GreaterThan(result.Available) {
		requested, available := amount, result.Available
		result.AuthorizationReasons = append(result.AuthorizationReasons, AuthorizationReason{
			Kind: ReasonExceedsQuota,
			Description: fmt.Sprintf("El monto solicitado ($%s) supera el cupo disponible ($%s)",
				FormatAmount(amount), FormatAmount(available)),
			RequestedValue: &requested,
			LimitValue:     &available,
		})
	}
	if a.Arrears.RequiresAuthorization {
		days := decimal.NewFromInt(int64(a.Arrears.MaxDaysOverdue))
		result.AuthorizationReasons = append(result.AuthorizationReasons, AuthorizationReason{
			Kind:           ReasonActiveArrears,
			Description:    fmt.Sprintf("El cliente registra %d días de mora", a.Arrears.MaxDaysOverdue),
			RequestedValue: &days,
		})
	}
	if a.Evaluation.DebtRatio.GreaterThan(policy.DebtRatioAlert) {
		ratio, limit := a.Evaluation.DebtRatio.Round(2), policy.DebtRatioAlert
		result.AuthorizationReasons = append(result.AuthorizationReasons, AuthorizationReason{
			Kind:           ReasonHighDebtRatio,
			Description:    fmt.Sprintf("Nivel de endeudamiento de %s%% supera el %s%%", ratio.StringFixed(2), limit.String()),
			RequestedValue: &ratio,
			LimitValue:     &limit,
		})
	}
	if a.Evaluation.Score < policy.AuthorizationScore {
		score, threshold := decimal.NewFromInt(int64(a.Evaluation.Score)), decimal.NewFromInt(int64(policy.AuthorizationScore))
		result.AuthorizationReasons = append(result.AuthorizationReasons, AuthorizationReason{
			Kind:           ReasonLowCreditScore,
			Description:    fmt.Sprintf("Score crediticio %d por debajo de %d", a.Evaluation.Score, policy.AuthorizationScore),
			RequestedValue: &score,
			LimitValue:     &threshold,
		})
	}

	result.HasPendingRequirements = len(result.PendingRequirements) > 0
	result.CanProceed = !result.HasPendingRequirements
	result.RequiresAuthorization = len(result.AuthorizationReasons) > 0
	result.SuggestedState = AuthNotRequired
	if result.RequiresAuthorization {
		result.SuggestedState = AuthPending
	}
	return result, nil
}

func (p *Prevalidator) recorder() Recorder {
	if p.Recorder == nil {
		return NopRecorder{}
	}
	return p.Recorder
}

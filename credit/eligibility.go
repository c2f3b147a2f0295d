/*
eligibility.go - Client eligibility assessment

PURPOSE:
  Aggregates documentation completeness, assigned quota and arrears into a
  single verdict, and runs the credit evaluation (score, debt ratio,
  payment capacity). Read-only: nothing here writes to the store.

VERDICT PRECEDENCE:
  NotEvaluated          client never evaluated
  NotEligible           missing/expired documents, no quota, blocking arrears
  RequiresAuthorization soft arrears, or the evaluation asks for authorization
  Eligible              otherwise

ALERT ORDER (observable, callers display it as is):
  1. missing documents
  2. high debt ratio (> DebtRatioAlert)
  3. required guarantor missing
  4. low score (< AuthorizationScore)
  5. zero payment capacity
  6. closing message (meets minimum / exception / not eligible)

SEE ALSO:
  - prevalidation.go: Projects the verdict onto a requested amount
  - scoring.go: CreditScore and DebtRatio
  - policy.go: Every threshold used here
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
// ASSESSMENT TYPES
// =============================================================================

type EligibilityVerdict string

const (
	VerdictNotEvaluated          EligibilityVerdict = "not_evaluated"
	VerdictEligible              EligibilityVerdict = "eligible"
	VerdictRequiresAuthorization EligibilityVerdict = "requires_authorization"
	VerdictNotEligible           EligibilityVerdict = "not_eligible"
)

type FindingCategory string

const (
	CategoryDocumentation FindingCategory = "Documentacion"
	CategoryQuota         FindingCategory = "Cupo"
	CategoryArrears       FindingCategory = "Mora"
	CategoryEvaluation    FindingCategory = "Evaluacion"
)

type Finding struct {
	Category    FindingCategory
	Description string
	IsBlocking  bool
}

type DocumentationDetail struct {
	Complete      bool
	Missing       []string
	Expired       []string
	VerifiedCount int
}

type QuotaDetail struct {
	HasQuota  bool
	Limit     decimal.Decimal
	Available decimal.Decimal
}

type ArrearsDetail struct {
	HasArrears            bool
	MaxDaysOverdue        int
	RequiresAuthorization bool
	IsBlocking            bool
}

// CreditEvaluation is the scoring and capacity analysis of a client.
type CreditEvaluation struct {
	Score                    int
	DebtRatio                decimal.Decimal // percent
	MonthlyCapacity          decimal.Decimal
	MaxAvailableAmount       decimal.Decimal
	RequiresAuthorization    bool
	MeetsMinimumRequirements bool
	ExceptionEligible        bool
	Alerts                   []string
}

// EligibilityAssessment is ephemeral; it is never persisted.
type EligibilityAssessment struct {
	ClientID      ClientID
	Verdict       EligibilityVerdict
	Documentation DocumentationDetail
	Quota         QuotaDetail
	Arrears       ArrearsDetail
	Evaluation    CreditEvaluation
	Findings      []Finding
	Evaluated     bool
	AssessedAt    time.Time
}

// =============================================================================
// ASSESSOR
// =============================================================================

type EligibilityAssessor struct {
	Clients ClientDirectory
	Store   Store
	Policy  Policy
	Now     func() time.Time
}

func NewEligibilityAssessor(clients ClientDirectory, store Store, policy Policy) *EligibilityAssessor {
	return &EligibilityAssessor{Clients: clients, Store: store, Policy: policy, Now: time.Now}
}

// Evaluate builds the eligibility assessment of a client.
func (a *EligibilityAssessor) Evaluate(ctx context.Context, clientID ClientID) (*EligibilityAssessment, error) {
	client, err := a.Clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load client %s: %w", clientID, err)
	}
	quota, err := a.quota(ctx, clientID)
	if err != nil {
		return nil, err
	}

	now := a.now()
	docs := a.Policy.Documentation(client.Documents, now)
	arrears := a.Policy.Arrears(client.MaxDaysOverdue)
	eval := a.Policy.EvaluateCredit(client, docs)

	assessment := &EligibilityAssessment{
		ClientID:      clientID,
		Documentation: docs,
		Quota:         quota,
		Arrears:       arrears,
		Evaluation:    eval,
		Evaluated:     client.EvaluatedAt != nil,
		AssessedAt:    now,
	}
	assessment.Findings = findings(assessment)
	assessment.Verdict = verdict(assessment)
	return assessment, nil
}

// GetAvailableQuota returns the unused quota across the client's
// approved and active accounts.
func (a *EligibilityAssessor) GetAvailableQuota(ctx context.Context, clientID ClientID) (decimal.Decimal, error) {
	q, err := a.quota(ctx, clientID)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Available, nil
}

func (a *EligibilityAssessor) quota(ctx context.Context, clientID ClientID) (QuotaDetail, error) {
	accounts, err := a.Store.AccountsByClient(ctx, clientID)
	if err != nil {
		return QuotaDetail{}, fmt.Errorf("failed to load credit accounts: %w", err)
	}
	q := QuotaDetail{Limit: decimal.Zero, Available: decimal.Zero}
	for _, acc := range accounts {
		if !acc.State.HasQuota() {
			continue
		}
		q.Limit = q.Limit.Add(acc.ApprovedLimit)
		q.Available = q.Available.Add(acc.AvailableBalance)
	}
	q.HasQuota = q.Limit.IsPositive()
	return q, nil
}

func (a *EligibilityAssessor) now() time.Time {
	if a.Now == nil {
		return time.Now()
	}
	return a.Now()
}

// =============================================================================
// POLICY RULES - Pure functions over client data
// =============================================================================

// Documentation checks the required document kinds against docs as of now.
func (p Policy) Documentation(docs []Document, now time.Time) DocumentationDetail {
	detail := DocumentationDetail{}
	valid := make(map[string]bool)
	expired := make(map[string]bool)
	for _, d := range docs {
		if !d.Verified {
			continue
		}
		if d.ExpiresAt != nil && d.ExpiresAt.Before(now) {
			expired[d.Kind] = true
			continue
		}
		valid[d.Kind] = true
		detail.VerifiedCount++
	}

	for _, kind := range p.RequiredDocuments {
		switch {
		case valid[kind]:
		case expired[kind]:
			detail.Expired = append(detail.Expired, kind)
		default:
			detail.Missing = append(detail.Missing, kind)
		}
	}
	detail.Complete = len(detail.Missing) == 0 && len(detail.Expired) == 0
	return detail
}

// Arrears classifies days overdue into the soft and blocking tiers.
func (p Policy) Arrears(maxDaysOverdue int) ArrearsDetail {
	d := ArrearsDetail{MaxDaysOverdue: maxDaysOverdue}
	d.HasArrears = maxDaysOverdue >= p.AuthorizationArrearsDays && maxDaysOverdue > 0
	d.IsBlocking = maxDaysOverdue >= p.BlockingArrearsDays
	d.RequiresAuthorization = d.HasArrears && !d.IsBlocking
	return d
}

// EvaluateCredit scores the client and derives the authorization predicates.
func (p Policy) EvaluateCredit(client *Client, docs DocumentationDetail) CreditEvaluation {
	income := client.MonthlyIncome
	capacity := decimal.Zero
	if income.IsPositive() {
		capacity = income.Mul(p.CapacityFraction)
	}

	eval := CreditEvaluation{
		Score: p.CreditScore(ScoreInput{
			VerifiedDocuments: docs.VerifiedCount,
			MonthlyIncome:     income,
			ActiveCredits:     client.ActiveCredits,
			EmploymentTenure:  client.EmploymentTenure,
		}),
		DebtRatio:          DebtRatio(income, client.ActiveCredits),
		MonthlyCapacity:    capacity,
		MaxAvailableAmount: capacity.Mul(decimal.NewFromInt(int64(p.CapacityHorizon))),
	}

	guarantorMissing := client.RequiresGuarantor && !client.HasGuarantor
	eval.RequiresAuthorization = eval.DebtRatio.GreaterThan(p.DebtRatioAlert) ||
		eval.Score < p.AuthorizationScore ||
		!docs.Complete
	eval.MeetsMinimumRequirements = docs.Complete &&
		eval.DebtRatio.LessThan(p.DebtRatioMinimum) &&
		eval.Score >= p.MinimumScore &&
		!guarantorMissing
	eval.ExceptionEligible = !eval.MeetsMinimumRequirements &&
		income.IsPositive() &&
		eval.DebtRatio.LessThan(p.DebtRatioException)

	if !docs.Complete {
		pending := append(append([]string{}, docs.Missing...), docs.Expired...)
		eval.Alerts = append(eval.Alerts, "Documentación incompleta: "+strings.Join(pending, ", "))
	}
	if eval.DebtRatio.GreaterThan(p.DebtRatioAlert) {
		eval.Alerts = append(eval.Alerts, fmt.Sprintf("Nivel de endeudamiento alto: %s%%", eval.DebtRatio.StringFixed(2)))
	}
	if guarantorMissing {
		eval.Alerts = append(eval.Alerts, "Se requiere garante y el cliente no tiene uno registrado")
	}
	if eval.Score < p.AuthorizationScore {
		eval.Alerts = append(eval.Alerts, fmt.Sprintf("Score crediticio bajo: %d", eval.Score))
	}
	if capacity.IsZero() {
		eval.Alerts = append(eval.Alerts, "Sin capacidad de pago: el cliente no registra ingresos")
	}
	switch {
	case eval.MeetsMinimumRequirements:
		eval.Alerts = append(eval.Alerts, "El cliente cumple los requisitos mínimos para crédito")
	case eval.ExceptionEligible:
		eval.Alerts = append(eval.Alerts, "El cliente no cumple los requisitos mínimos; puede aprobarse por excepción")
	default:
		eval.Alerts = append(eval.Alerts, "El cliente no cumple los requisitos mínimos para crédito")
	}
	return eval
}

func findings(a *EligibilityAssessment) []Finding {
	var out []Finding
	if !a.Evaluated {
		out = append(out, Finding{CategoryEvaluation, "El cliente no ha sido evaluado para crédito", true})
	}
	if len(a.Documentation.Missing) > 0 {
		out = append(out, Finding{CategoryDocumentation,
			"Faltan documentos: " + strings.Join(a.Documentation.Missing, ", "), true})
	}
	if len(a.Documentation.Expired) > 0 {
		out = append(out, Finding{CategoryDocumentation,
			"Documentos vencidos: " + strings.Join(a.Documentation.Expired, ", "), true})
	}
	if !a.Quota.HasQuota {
		out = append(out, Finding{CategoryQuota, "El cliente no tiene límite de crédito asignado", true})
	}
	if a.Arrears.IsBlocking {
		out = append(out, Finding{CategoryArrears,
			fmt.Sprintf("Mora de %d días: bloquea nuevos créditos", a.Arrears.MaxDaysOverdue), true})
	} else if a.Arrears.RequiresAuthorization {
		out = append(out, Finding{CategoryArrears,
			fmt.Sprintf("Mora de %d días: requiere autorización", a.Arrears.MaxDaysOverdue), false})
	}
	if a.Evaluation.RequiresAuthorization && a.Documentation.Complete {
		out = append(out, Finding{CategoryEvaluation,
			fmt.Sprintf("Evaluación requiere autorización (score %d, endeudamiento %s%%)",
				a.Evaluation.Score, a.Evaluation.DebtRatio.StringFixed(2)), false})
	}
	return out
}

func verdict(a *EligibilityAssessment) EligibilityVerdict {
	if !a.Evaluated {
		return VerdictNotEvaluated
	}
	for _, f := range a.Findings {
		if f.IsBlocking {
			return VerdictNotEligible
		}
	}
	if len(a.Findings) > 0 {
		return VerdictRequiresAuthorization
	}
	return VerdictEligible
}

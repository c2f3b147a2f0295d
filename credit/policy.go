package credit

import "github.com/shopspring/decimal"

// Policy holds every scoring and eligibility constant in one place so policy
// changes are auditable. Use DefaultPolicy and override fields as needed.
type Policy struct {
	// Scoring
	BaseScore           int
	ScorePerDocument    int
	MinScore            int
	MaxScore            int
	DebtPenaltyFactor   decimal.Decimal // points per percentage point above DebtRatioAlert
	SeniorityYearBonus  int
	SeniorityMonthBonus int

	// Capacity
	CapacityFraction decimal.Decimal // share of monthly income available for installments
	CapacityHorizon  int             // reference installment count for max available amount

	// Debt ratio thresholds, in percent
	DebtRatioAlert     decimal.Decimal // above this: alert, penalty, authorization
	DebtRatioMinimum   decimal.Decimal // must stay below this to meet minimum requirements
	DebtRatioException decimal.Decimal // must stay below this to be exception-eligible

	// Score thresholds
	AuthorizationScore int // below this: authorization required, low score alert
	MinimumScore       int // below this: minimum requirements not met

	// Arrears tiers, in days overdue
	AuthorizationArrearsDays int
	BlockingArrearsDays      int

	// Documents that must be present and verified.
	RequiredDocuments []string

	// AllowCreditConfirmWithoutPlan lets personal-credit sales confirm with no
	// plan attached, leaving them without account linkage or installments.
	AllowCreditConfirmWithoutPlan bool
}

const (
	DocumentIdentity     = "IDENTIFICACION"
	DocumentIncomeProof  = "COMPROBANTE_INGRESOS"
	DocumentAddressProof = "COMPROBANTE_DOMICILIO"
)

// DefaultPolicy returns the production scoring policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseScore:           500,
		ScorePerDocument:    50,
		MinScore:            300,
		MaxScore:            850,
		DebtPenaltyFactor:   decimal.NewFromInt(5),
		SeniorityYearBonus:  100,
		SeniorityMonthBonus: 50,

		CapacityFraction: decimal.RequireFromString("0.30"),
		CapacityHorizon:  12,

		DebtRatioAlert:     decimal.NewFromInt(40),
		DebtRatioMinimum:   decimal.NewFromInt(50),
		DebtRatioException: decimal.NewFromInt(60),

		AuthorizationScore: 500,
		MinimumScore:       400,

		AuthorizationArrearsDays: 1,
		BlockingArrearsDays:      90,

		RequiredDocuments: []string{DocumentIdentity, DocumentIncomeProof, DocumentAddressProof},
	}
}

/*
Package factory provides JSON to Go credit policy conversion.

PURPOSE:
  Converts JSON policy documents into credit.Policy values. Risk analysts
  can tune scoring weights and eligibility thresholds in a file, and the
  factory layers them over the production defaults.

JSON SCHEMA:
  {
    "scoring": {
      "base_score": 500,
      "score_per_document": 50,
      "min_score": 300,
      "max_score": 850,
      "debt_penalty_factor": "5",
      "seniority_year_bonus": 100,
      "seniority_month_bonus": 50
    },
    "capacity": {"fraction": "0.30", "horizon": 12},
    "debt_ratio": {"alert": "40", "minimum": "50", "exception": "60"},
    "score_thresholds": {"authorization": 500, "minimum": 400},
    "arrears": {"authorization_days": 1, "blocking_days": 90},
    "required_documents": ["IDENTIFICACION", "COMPROBANTE_INGRESOS"],
    "allow_credit_confirm_without_plan": false
  }

  Every field is optional. Missing fields keep credit.DefaultPolicy values.
  Decimals accept JSON strings or numbers.

KEY FEATURES:
  - Rejects unknown fields
  - Validates the merged policy, not just the overrides
  - ToJSON emits a fully populated document for a policy

USAGE:
  f := NewPolicyFactory()

  policy, err := f.ParsePolicy(jsonString)
  policy, err := f.LoadFile("/etc/credit/policy.json")

SEE ALSO:
  - credit/policy.go: Policy type and defaults
  - config/config.go: POLICY_FILE setting
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/credit"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a credit policy.
type PolicyJSON struct {
	Scoring                       *ScoringJSON    `json:"scoring,omitempty"`
	Capacity                      *CapacityJSON   `json:"capacity,omitempty"`
	DebtRatio                     *DebtRatioJSON  `json:"debt_ratio,omitempty"`
	ScoreThresholds               *ThresholdsJSON `json:"score_thresholds,omitempty"`
	Arrears                       *ArrearsJSON    `json:"arrears,omitempty"`
	RequiredDocuments             []string        `json:"required_documents,omitempty"`
	AllowCreditConfirmWithoutPlan *bool           `json:"allow_credit_confirm_without_plan,omitempty"`
}

// ScoringJSON represents the score model weights.
type ScoringJSON struct {
	BaseScore           *int             `json:"base_score,omitempty"`
	ScorePerDocument    *int             `json:"score_per_document,omitempty"`
	MinScore            *int             `json:"min_score,omitempty"`
	MaxScore            *int             `json:"max_score,omitempty"`
	DebtPenaltyFactor   *decimal.Decimal `json:"debt_penalty_factor,omitempty"`
	SeniorityYearBonus  *int             `json:"seniority_year_bonus,omitempty"`
	SeniorityMonthBonus *int             `json:"seniority_month_bonus,omitempty"`
}

// CapacityJSON represents the payment capacity model.
type CapacityJSON struct {
	Fraction *decimal.Decimal `json:"fraction,omitempty"`
	Horizon  *int             `json:"horizon,omitempty"`
}

// DebtRatioJSON holds debt ratio thresholds in percent.
type DebtRatioJSON struct {
	Alert     *decimal.Decimal `json:"alert,omitempty"`
	Minimum   *decimal.Decimal `json:"minimum,omitempty"`
	Exception *decimal.Decimal `json:"exception,omitempty"`
}

// ThresholdsJSON holds score thresholds.
type ThresholdsJSON struct {
	Authorization *int `json:"authorization,omitempty"`
	Minimum       *int `json:"minimum,omitempty"`
}

// ArrearsJSON holds the arrears tiers in days overdue.
type ArrearsJSON struct {
	AuthorizationDays *int `json:"authorization_days,omitempty"`
	BlockingDays      *int `json:"blocking_days,omitempty"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON policies to credit.Policy.
type PolicyFactory struct {
	base credit.Policy
}

// NewPolicyFactory creates a factory that layers documents over
// credit.DefaultPolicy.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{base: credit.DefaultPolicy()}
}

// ParsePolicy parses a JSON string into a validated Policy.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (credit.Policy, error) {
	dec := json.NewDecoder(strings.NewReader(jsonStr))
	dec.DisallowUnknownFields()

	var pj PolicyJSON
	if err := dec.Decode(&pj); err != nil {
		return credit.Policy{}, fmt.Errorf("failed to parse policy JSON: %w", err)
	}

	return f.FromJSON(pj)
}

// LoadFile reads and parses a policy document from disk.
func (f *PolicyFactory) LoadFile(path string) (credit.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return credit.Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	p, err := f.ParsePolicy(string(data))
	if err != nil {
		return credit.Policy{}, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

// FromJSON applies the document over the factory's base policy.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (credit.Policy, error) {
	p := f.base
	p.RequiredDocuments = append([]string(nil), f.base.RequiredDocuments...)

	if s := pj.Scoring; s != nil {
		setInt(&p.BaseScore, s.BaseScore)
		setInt(&p.ScorePerDocument, s.ScorePerDocument)
		setInt(&p.MinScore, s.MinScore)
		setInt(&p.MaxScore, s.MaxScore)
		setDecimal(&p.DebtPenaltyFactor, s.DebtPenaltyFactor)
		setInt(&p.SeniorityYearBonus, s.SeniorityYearBonus)
		setInt(&p.SeniorityMonthBonus, s.SeniorityMonthBonus)
	}

	if c := pj.Capacity; c != nil {
		setDecimal(&p.CapacityFraction, c.Fraction)
		setInt(&p.CapacityHorizon, c.Horizon)
	}

	if d := pj.DebtRatio; d != nil {
		setDecimal(&p.DebtRatioAlert, d.Alert)
		setDecimal(&p.DebtRatioMinimum, d.Minimum)
		setDecimal(&p.DebtRatioException, d.Exception)
	}

	if t := pj.ScoreThresholds; t != nil {
		setInt(&p.AuthorizationScore, t.Authorization)
		setInt(&p.MinimumScore, t.Minimum)
	}

	if a := pj.Arrears; a != nil {
		setInt(&p.AuthorizationArrearsDays, a.AuthorizationDays)
		setInt(&p.BlockingArrearsDays, a.BlockingDays)
	}

	if pj.RequiredDocuments != nil {
		docs, err := parseDocuments(pj.RequiredDocuments)
		if err != nil {
			return credit.Policy{}, err
		}
		p.RequiredDocuments = docs
	}

	if pj.AllowCreditConfirmWithoutPlan != nil {
		p.AllowCreditConfirmWithoutPlan = *pj.AllowCreditConfirmWithoutPlan
	}

	if err := Validate(p); err != nil {
		return credit.Policy{}, err
	}
	return p, nil
}

// ToJSON converts a Policy to a fully populated PolicyJSON.
func (f *PolicyFactory) ToJSON(p credit.Policy) PolicyJSON {
	return PolicyJSON{
		Scoring: &ScoringJSON{
			BaseScore:           ptr(p.BaseScore),
			ScorePerDocument:    ptr(p.ScorePerDocument),
			MinScore:            ptr(p.MinScore),
			MaxScore:            ptr(p.MaxScore),
			DebtPenaltyFactor:   ptr(p.DebtPenaltyFactor),
			SeniorityYearBonus:  ptr(p.SeniorityYearBonus),
			SeniorityMonthBonus: ptr(p.SeniorityMonthBonus),
		},
		Capacity: &CapacityJSON{
			Fraction: ptr(p.CapacityFraction),
			Horizon:  ptr(p.CapacityHorizon),
		},
		DebtRatio: &DebtRatioJSON{
			Alert:     ptr(p.DebtRatioAlert),
			Minimum:   ptr(p.DebtRatioMinimum),
			Exception: ptr(p.DebtRatioException),
		},
		ScoreThresholds: &ThresholdsJSON{
			Authorization: ptr(p.AuthorizationScore),
			Minimum:       ptr(p.MinimumScore),
		},
		Arrears: &ArrearsJSON{
			AuthorizationDays: ptr(p.AuthorizationArrearsDays),
			BlockingDays:      ptr(p.BlockingArrearsDays),
		},
		RequiredDocuments:             append([]string{}, p.RequiredDocuments...),
		AllowCreditConfirmWithoutPlan: ptr(p.AllowCreditConfirmWithoutPlan),
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

var hundred = decimal.NewFromInt(100)

// Validate checks that a policy is internally consistent.
func Validate(p credit.Policy) error {
	switch {
	case p.MinScore < 0 || p.MinScore >= p.MaxScore:
		return policyError("scoring.min_score", "must be non-negative and below max_score (%d)", p.MaxScore)
	case p.BaseScore < p.MinScore || p.BaseScore > p.MaxScore:
		return policyError("scoring.base_score", "must lie within [%d, %d]", p.MinScore, p.MaxScore)
	case p.ScorePerDocument < 0:
		return policyError("scoring.score_per_document", "must not be negative")
	case p.SeniorityYearBonus < 0 || p.SeniorityMonthBonus < 0:
		return policyError("scoring.seniority", "bonuses must not be negative")
	case p.DebtPenaltyFactor.IsNegative():
		return policyError("scoring.debt_penalty_factor", "must not be negative")
	}

	if !p.CapacityFraction.IsPositive() || p.CapacityFraction.GreaterThan(decimal.NewFromInt(1)) {
		return policyError("capacity.fraction", "must be in (0, 1], got %s", p.CapacityFraction)
	}
	if p.CapacityHorizon <= 0 {
		return policyError("capacity.horizon", "must be positive, got %d", p.CapacityHorizon)
	}

	if p.DebtRatioAlert.IsNegative() || p.DebtRatioException.GreaterThan(hundred) {
		return policyError("debt_ratio", "thresholds must lie within [0, 100]")
	}
	if p.DebtRatioAlert.GreaterThan(p.DebtRatioMinimum) || p.DebtRatioMinimum.GreaterThan(p.DebtRatioException) {
		return policyError("debt_ratio", "expected alert <= minimum <= exception, got %s, %s, %s",
			p.DebtRatioAlert, p.DebtRatioMinimum, p.DebtRatioException)
	}

	if p.MinimumScore > p.AuthorizationScore {
		return policyError("score_thresholds", "minimum (%d) must not exceed authorization (%d)",
			p.MinimumScore, p.AuthorizationScore)
	}

	if p.AuthorizationArrearsDays < 1 {
		return policyError("arrears.authorization_days", "must be at least 1, got %d", p.AuthorizationArrearsDays)
	}
	if p.BlockingArrearsDays <= p.AuthorizationArrearsDays {
		return policyError("arrears.blocking_days", "must exceed authorization_days (%d), got %d",
			p.AuthorizationArrearsDays, p.BlockingArrearsDays)
	}

	if len(p.RequiredDocuments) == 0 {
		return policyError("required_documents", "must not be empty")
	}
	return nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseDocuments(in []string) ([]string, error) {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, d := range in {
		d = strings.ToUpper(strings.TrimSpace(d))
		if d == "" {
			return nil, policyError("required_documents", "blank document type")
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out, nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDecimal(dst *decimal.Decimal, v *decimal.Decimal) {
	if v != nil {
		*dst = *v
	}
}

func ptr[T any](v T) *T {
	return &v
}

func policyError(field, format string, args ...any) error {
	return &credit.ArgumentError{Field: field, Message: fmt.Sprintf(format, args...)}
}

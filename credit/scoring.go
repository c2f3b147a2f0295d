package credit

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// ActiveCredit is an approved or active credit that weighs on the client's
// monthly payment capacity.
type ActiveCredit struct {
	Total            decimal.Decimal `json:"total"`
	InstallmentCount int             `json:"installment_count"`
}

// MonthlyInstallment approximates the credit's monthly payment as total / count.
func (c ActiveCredit) MonthlyInstallment() decimal.Decimal {
	if c.InstallmentCount <= 0 {
		return decimal.Zero
	}
	return c.Total.Div(decimal.NewFromInt(int64(c.InstallmentCount)))
}

// ScoreInput is everything the scoring evaluator looks at.
type ScoreInput struct {
	VerifiedDocuments int
	MonthlyIncome     decimal.Decimal
	ActiveCredits     []ActiveCredit
	EmploymentTenure  string
}

var (
	yearTokens  = []string{"año", "anio", "year"}
	monthTokens = []string{"mes", "month"}
)

// DebtRatio returns the share of monthly income committed to installments, in
// percent. Zero when income is not positive.
func DebtRatio(income decimal.Decimal, credits []ActiveCredit) decimal.Decimal {
	if !income.IsPositive() {
		return decimal.Zero
	}
	committed := decimal.Zero
	for _, c := range credits {
		committed = committed.Add(c.MonthlyInstallment())
	}
	return committed.Div(income).Mul(hundred)
}

// CreditScore computes the bounded credit score for in under policy p.
func (p Policy) CreditScore(in ScoreInput) int {
	score := p.BaseScore + p.ScorePerDocument*in.VerifiedDocuments

	if len(in.ActiveCredits) > 0 && in.MonthlyIncome.IsPositive() {
		ratio := DebtRatio(in.MonthlyIncome, in.ActiveCredits)
		if ratio.GreaterThan(p.DebtRatioAlert) {
			penalty := ratio.Sub(p.DebtRatioAlert).Mul(p.DebtPenaltyFactor).IntPart()
			score -= int(penalty)
		}
	}

	score += p.seniorityBonus(in.EmploymentTenure)

	if score < p.MinScore {
		return p.MinScore
	}
	if score > p.MaxScore {
		return p.MaxScore
	}
	return score
}

func (p Policy) seniorityBonus(tenure string) int {
	words := strings.FieldsFunc(strings.ToLower(tenure), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	switch {
	case hasWordPrefix(words, yearTokens):
		return p.SeniorityYearBonus
	case hasWordPrefix(words, monthTokens):
		return p.SeniorityMonthBonus
	}
	return 0
}

// hasWordPrefix reports whether any word starts with one of the tokens, so
// "meses" counts as months and "semestre" does not.
func hasWordPrefix(words, tokens []string) bool {
	for _, w := range words {
		for _, tok := range tokens {
			if strings.HasPrefix(w, tok) {
				return true
			}
		}
	}
	return false
}

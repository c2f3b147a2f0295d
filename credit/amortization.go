/*
amortization.go - French-system installment math

PURPOSE:
  Pure, deterministic calculations over decimal inputs. No I/O, no clock.

ROUNDING:
  Money results are rounded to 2 decimals, rates to 4, using
  decimal.Round (half away from zero). Interest is rounded every period so
  that a schedule replayed from the same inputs always yields the same
  cents. Integer powers are computed by repeated multiplication and are exact.

FORMULAS:
  installment = P * r(1+r)^n / ((1+r)^n - 1)     (r > 0)
  installment = P / n                            (r = 0)
  annual cost = ((1+r)^12 - 1) * 100

CLOSING INSTALLMENT:
  The last installment amortizes whatever balance remains, so the principal
  portions of a full schedule always sum to the financed principal.

SEE ALSO:
  - sale.go: Confirm materializes installments with InstallmentAmount
*/
package credit

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// InstallmentAmount returns the constant installment for a loan of principal
// at monthlyRate over count periods.
func InstallmentAmount(principal, monthlyRate decimal.Decimal, count int) (decimal.Decimal, error) {
	if err := validateLoan(principal, monthlyRate, count); err != nil {
		return decimal.Zero, err
	}

	n := decimal.NewFromInt(int64(count))
	if monthlyRate.IsZero() {
		return principal.Div(n).Round(2), nil
	}

	factor := pow(decimal.NewFromInt(1).Add(monthlyRate), count)
	numerator := principal.Mul(monthlyRate).Mul(factor)
	return numerator.Div(factor.Sub(decimal.NewFromInt(1))).Round(2), nil
}

// EffectiveAnnualCost converts a monthly rate into the effective annual cost in percent.
func EffectiveAnnualCost(monthlyRate decimal.Decimal) (decimal.Decimal, error) {
	if monthlyRate.IsNegative() {
		return decimal.Zero, argumentError("monthly_rate", "la tasa mensual no puede ser negativa")
	}
	annual := pow(decimal.NewFromInt(1).Add(monthlyRate), 12).Sub(decimal.NewFromInt(1))
	return annual.Mul(hundred).Round(4), nil
}

// OutstandingBalance returns the principal still owed after paidCount installments.
func OutstandingBalance(principal, monthlyRate decimal.Decimal, paidCount, totalCount int) (decimal.Decimal, error) {
	if err := validateLoan(principal, monthlyRate, totalCount); err != nil {
		return decimal.Zero, err
	}
	if paidCount < 0 || paidCount > totalCount {
		return decimal.Zero, argumentError("paid_count", "debe estar entre 0 y %d", totalCount)
	}

	installment, err := InstallmentAmount(principal, monthlyRate, totalCount)
	if err != nil {
		return decimal.Zero, err
	}

	balance := principal
	for k := 1; k <= paidCount; k++ {
		_, _, balance = amortize(balance, monthlyRate, installment, k == totalCount)
	}
	return balance, nil
}

// Split is the interest/principal breakdown of one installment.
type Split struct {
	Number      int
	Installment decimal.Decimal
	Interest    decimal.Decimal
	Principal   decimal.Decimal
	Balance     decimal.Decimal // remaining after this installment
}

// InstallmentSplit returns the breakdown of installment number (1-based).
func InstallmentSplit(principal, monthlyRate decimal.Decimal, number, totalCount int) (Split, error) {
	if err := validateLoan(principal, monthlyRate, totalCount); err != nil {
		return Split{}, err
	}
	if number < 1 || number > totalCount {
		return Split{}, argumentError("installment_number", "debe estar entre 1 y %d", totalCount)
	}

	installment, err := InstallmentAmount(principal, monthlyRate, totalCount)
	if err != nil {
		return Split{}, err
	}

	balance := principal
	var split Split
	for k := 1; k <= number; k++ {
		interest, part, next := amortize(balance, monthlyRate, installment, k == totalCount)
		split = Split{Number: k, Installment: installment, Interest: interest, Principal: part, Balance: next}
		balance = next
	}
	return split, nil
}

// ScheduleRow is one line of an amortization table.
type ScheduleRow struct {
	Split
	DueDate time.Time
}

// Schedule returns the full amortization table with due dates firstDue + k months.
func Schedule(principal, monthlyRate decimal.Decimal, count int, firstDue time.Time) ([]ScheduleRow, error) {
	installment, err := InstallmentAmount(principal, monthlyRate, count)
	if err != nil {
		return nil, err
	}

	rows := make([]ScheduleRow, 0, count)
	balance := principal
	for k := 1; k <= count; k++ {
		interest, part, next := amortize(balance, monthlyRate, installment, k == count)
		rows = append(rows, ScheduleRow{
			Split:   Split{Number: k, Installment: installment, Interest: interest, Principal: part, Balance: next},
			DueDate: firstDue.AddDate(0, k-1, 0),
		})
		balance = next
	}
	return rows, nil
}

// amortize applies one period. Never returns negative amounts.
func amortize(balance, rate, installment decimal.Decimal, closing bool) (interest, principal, next decimal.Decimal) {
	interest = balance.Mul(rate).Round(2)
	principal = installment.Sub(interest)
	if closing || principal.GreaterThan(balance) {
		principal = balance
	}
	if principal.IsNegative() {
		principal = decimal.Zero
	}
	next = balance.Sub(principal)
	if next.IsNegative() {
		next = decimal.Zero
	}
	return interest, principal, next
}

func validateLoan(principal, monthlyRate decimal.Decimal, count int) error {
	if count <= 0 {
		return argumentError("count", "la cantidad de cuotas debe ser mayor a cero")
	}
	if monthlyRate.IsNegative() {
		return argumentError("monthly_rate", "la tasa mensual no puede ser negativa")
	}
	if principal.IsNegative() {
		return argumentError("principal", "el monto a financiar no puede ser negativo")
	}
	return nil
}

func pow(base decimal.Decimal, n int) decimal.Decimal {
	result := decimal.NewFromInt(1)
	for i := 0; i < n; i++ {
		result = result.Mul(base)
	}
	return result
}

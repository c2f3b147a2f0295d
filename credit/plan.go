/*
plan.go - Transient payloads stored on the sale row

PURPOSE:
  A personal-credit sale carries its financing intent from Create to
  Confirm without a dedicated table. The intent is an explicit, versioned
  struct rather than a loose document; stores persist it with EncodePlan
  and read it back with DecodePlan, which refuses unknown versions.

  The authorization reason list is persisted the same way.

SCHEMA HISTORY:
  v1: account_id, amount, installments, monthly_rate, first_due_date
*/
package credit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const CreditPlanVersion = 1

// CreditPlan is what Confirm needs to consume quota and build installments.
type CreditPlan struct {
	Version          int             `json:"version"`
	AccountID        AccountID       `json:"account_id"`
	AmountToFinance  decimal.Decimal `json:"amount"`
	InstallmentCount int             `json:"installments"`
	MonthlyRate      decimal.Decimal `json:"monthly_rate"`
	FirstDueDate     time.Time       `json:"first_due_date"`
}

// CreditPlanRequest is the caller-facing shape of a plan on SaleDraft.
type CreditPlanRequest struct {
	AccountID        AccountID       `json:"account_id" validate:"required"`
	AmountToFinance  decimal.Decimal `json:"amount"`
	InstallmentCount int             `json:"installments" validate:"gt=0"`
	MonthlyRate      decimal.Decimal `json:"monthly_rate"`
	FirstDueDate     time.Time       `json:"first_due_date" validate:"required"`
}

func (r CreditPlanRequest) toPlan() *CreditPlan {
	return &CreditPlan{
		Version:          CreditPlanVersion,
		AccountID:        r.AccountID,
		AmountToFinance:  r.AmountToFinance,
		InstallmentCount: r.InstallmentCount,
		MonthlyRate:      r.MonthlyRate,
		FirstDueDate:     r.FirstDueDate,
	}
}

// EncodePlan serializes a plan for storage. A nil plan encodes to "".
func EncodePlan(p *CreditPlan) (string, error) {
	if p == nil {
		return "", nil
	}
	if p.Version == 0 {
		p.Version = CreditPlanVersion
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode credit plan: %w", err)
	}
	return string(b), nil
}

// DecodePlan parses a stored plan. An empty string decodes to nil.
func DecodePlan(raw string) (*CreditPlan, error) {
	if raw == "" {
		return nil, nil
	}
	var p CreditPlan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode credit plan: %w", err)
	}
	if p.Version != CreditPlanVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedPlanVersion, p.Version)
	}
	return &p, nil
}

type reasonsEnvelope struct {
	Version int                   `json:"version"`
	Reasons []AuthorizationReason `json:"reasons"`
}

// EncodeReasons serializes the authorization reasons for storage.
func EncodeReasons(reasons []AuthorizationReason) (string, error) {
	if len(reasons) == 0 {
		return "", nil
	}
	b, err := json.Marshal(reasonsEnvelope{Version: CreditPlanVersion, Reasons: reasons})
	if err != nil {
		return "", fmt.Errorf("encode authorization reasons: %w", err)
	}
	return string(b), nil
}

// DecodeReasons parses stored authorization reasons.
func DecodeReasons(raw string) ([]AuthorizationReason, error) {
	if raw == "" {
		return nil, nil
	}
	var env reasonsEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode authorization reasons: %w", err)
	}
	if env.Version != CreditPlanVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedPlanVersion, env.Version)
	}
	return env.Reasons, nil
}

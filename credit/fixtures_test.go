package credit_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/credit/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestService(t *testing.T) (*credit.SaleService, *store.TxMemory) {
	t.Helper()
	mem := store.NewTxMemory()
	svc := credit.NewSaleService(mem, mem, credit.DefaultPolicy(), nil, nil)
	svc.SetClock(func() time.Time { return testNow })
	return svc, mem
}

// eligibleClient is evaluated, fully documented, with no debt and enough
// income to score well above every authorization threshold.
func eligibleClient(id string) *credit.Client {
	evaluated := testNow.AddDate(0, -1, 0)
	return &credit.Client{
		ID:               credit.ClientID(id),
		Name:             "Cliente " + id,
		MonthlyIncome:    dec("1000000"),
		EmploymentTenure: "3 años",
		Documents: []credit.Document{
			{Kind: credit.DocumentIdentity, Verified: true},
			{Kind: credit.DocumentIncomeProof, Verified: true},
			{Kind: credit.DocumentAddressProof, Verified: true},
		},
		EvaluatedAt: &evaluated,
	}
}

func putClient(t *testing.T, mem *store.TxMemory, c *credit.Client) {
	t.Helper()
	require.NoError(t, mem.PutClient(context.Background(), c))
}

func putAccount(t *testing.T, mem *store.TxMemory, id, clientID, limit, available string) *credit.CreditAccount {
	t.Helper()
	acc := &credit.CreditAccount{
		ID:               credit.AccountID(id),
		ClientID:         credit.ClientID(clientID),
		ApprovedLimit:    dec(limit),
		AvailableBalance: dec(available),
		State:            credit.AccountApproved,
		MonthlyRate:      dec("0.025"),
		CreatedAt:        testNow,
		UpdatedAt:        testNow,
	}
	require.NoError(t, mem.InsertAccount(context.Background(), acc))
	return acc
}

func cashDraft(clientID string, total string) credit.SaleDraft {
	return credit.SaleDraft{
		ClientID:      credit.ClientID(clientID),
		Items:         []credit.LineItem{{ProductID: "p-1", Description: "Producto", Quantity: dec("1"), UnitPrice: dec(total)}},
		Subtotal:      dec(total),
		Tax:           decimal.Zero,
		Total:         dec(total),
		PaymentMethod: credit.PaymentCash,
		RequestedBy:   "cajero",
	}
}

func creditDraft(clientID, accountID, amount string, count int, rate string) credit.SaleDraft {
	d := cashDraft(clientID, amount)
	d.PaymentMethod = credit.PaymentPersonalCredit
	d.CreditPlan = &credit.CreditPlanRequest{
		AccountID:        credit.AccountID(accountID),
		AmountToFinance:  dec(amount),
		InstallmentCount: count,
		MonthlyRate:      dec(rate),
		FirstDueDate:     time.Date(2025, time.April, 10, 0, 0, 0, 0, time.UTC),
	}
	return d
}

func availableBalance(t *testing.T, mem *store.TxMemory, id string) decimal.Decimal {
	t.Helper()
	acc, err := mem.GetAccount(context.Background(), credit.AccountID(id))
	require.NoError(t, err)
	return acc.AvailableBalance
}

package credit_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/credit/store"
)

// creditSetup stores an eligible client c-1 owning acc-1.
func creditSetup(t *testing.T, limit, available string) (*credit.SaleService, *store.TxMemory) {
	t.Helper()
	svc, mem := newTestService(t)
	putClient(t, mem, eligibleClient("c-1"))
	putAccount(t, mem, "acc-1", "c-1", limit, available)
	return svc, mem
}

func mustCreate(t *testing.T, svc *credit.SaleService, draft credit.SaleDraft) *credit.Sale {
	t.Helper()
	sale, err := svc.Create(context.Background(), draft)
	require.NoError(t, err)
	return sale
}

// mustTransition asserts a transition result: mustTransition(t)(svc.Confirm(ctx, id)).
func mustTransition(t *testing.T) func(bool, error) {
	return func(ok bool, err error) {
		t.Helper()
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func getSale(t *testing.T, svc *credit.SaleService, id credit.SaleID) *credit.Sale {
	t.Helper()
	sale, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	return sale
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_CashSale(t *testing.T) {
	svc, mem := newTestService(t)
	putClient(t, mem, eligibleClient("c-1"))

	sale := mustCreate(t, svc, cashDraft("c-1", "1500"))

	assert.NotEmpty(t, sale.ID)
	assert.Equal(t, credit.StatusDraft, sale.Status)
	assert.Equal(t, credit.AuthNotRequired, sale.AuthorizationState)
	assert.Nil(t, sale.Plan)
	assert.Nil(t, sale.CreditAccountID)
	assert.Equal(t, "cajero", sale.RequestedBy)
	assert.Equal(t, testNow, sale.RequestedAt)

	stored := getSale(t, svc, sale.ID)
	assert.Equal(t, sale.Version, stored.Version)
	assert.True(t, dec("1500").Equal(stored.Total))
}

func TestCreate_InvalidDrafts(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *credit.SaleDraft)
		want   string
	}{
		{"missing client", func(d *credit.SaleDraft) { d.ClientID = "" }, "obligatorio"},
		{"missing requester", func(d *credit.SaleDraft) { d.RequestedBy = "" }, "obligatorio"},
		{"item without product", func(d *credit.SaleDraft) { d.Items[0].ProductID = "" }, "obligatorio"},
		{"unknown payment method", func(d *credit.SaleDraft) { d.PaymentMethod = "barter" }, "medio de pago"},
		{"zero total", func(d *credit.SaleDraft) { d.Total, d.Subtotal = dec("0"), dec("0") }, "mayor a cero"},
		{"total mismatch", func(d *credit.SaleDraft) { d.Tax = dec("10") }, "no coincide"},
		{"plan on a cash sale", func(d *credit.SaleDraft) {
			d.CreditPlan = &credit.CreditPlanRequest{
				AccountID: "acc-1", AmountToFinance: dec("100"), InstallmentCount: 1, FirstDueDate: testNow,
			}
		}, "crédito personal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, mem := newTestService(t)
			putClient(t, mem, eligibleClient("c-1"))
			draft := cashDraft("c-1", "1000")
			tt.mutate(&draft)

			_, err := svc.Create(context.Background(), draft)

			require.Error(t, err)
			assert.ErrorIs(t, err, credit.ErrInvalidArgument)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCreate_InvalidCreditPlans(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *credit.SaleDraft)
		field  string
	}{
		{"amount above total", func(d *credit.SaleDraft) { d.CreditPlan.AmountToFinance = dec("700") }, "credit_plan.amount"},
		{"zero amount", func(d *credit.SaleDraft) { d.CreditPlan.AmountToFinance = dec("0") }, "credit_plan.amount"},
		{"negative rate", func(d *credit.SaleDraft) { d.CreditPlan.MonthlyRate = dec("-0.01") }, "credit_plan.monthly_rate"},
		{"zero installments", func(d *credit.SaleDraft) { d.CreditPlan.InstallmentCount = 0 }, "sale"},
		{"unknown account", func(d *credit.SaleDraft) { d.CreditPlan.AccountID = "missing" }, "credit_plan.account_id"},
		{"account of another client", func(d *credit.SaleDraft) { d.CreditPlan.AccountID = "acc-2" }, "credit_plan.account_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, mem := creditSetup(t, "50000", "50000")
			putClient(t, mem, eligibleClient("c-2"))
			putAccount(t, mem, "acc-2", "c-2", "50000", "50000")
			draft := creditDraft("c-1", "acc-1", "600", 3, "0.05")
			tt.mutate(&draft)

			_, err := svc.Create(context.Background(), draft)

			var argErr *credit.ArgumentError
			require.ErrorAs(t, err, &argErr)
			assert.Equal(t, tt.field, argErr.Field)
		})
	}
}

func TestCreate_CreditSaleWithinQuota(t *testing.T) {
	// GIVEN: An eligible client with 50.000 available
	// WHEN: Creating a 600 credit sale
	// THEN: No authorization is needed and no quota moves yet

	svc, mem := creditSetup(t, "50000", "50000")

	sale := mustCreate(t, svc, creditDraft("c-1", "acc-1", "600", 3, "0.05"))

	assert.Equal(t, credit.StatusDraft, sale.Status)
	assert.Equal(t, credit.AuthNotRequired, sale.AuthorizationState)
	require.NotNil(t, sale.Plan)
	assert.Equal(t, credit.CreditPlanVersion, sale.Plan.Version)
	assert.Equal(t, credit.AccountID("acc-1"), sale.Plan.AccountID)
	assert.Nil(t, sale.CreditAccountID)
	assert.Empty(t, sale.AuthorizationReasons)

	assert.True(t, dec("50000").Equal(availableBalance(t, mem, "acc-1")))
	installments, err := svc.Installments(context.Background(), sale.ID)
	require.NoError(t, err)
	assert.Empty(t, installments)
}

func TestCreate_CreditSaleAboveQuotaIsPending(t *testing.T) {
	svc, _ := creditSetup(t, "100000", "100000")

	sale := mustCreate(t, svc, creditDraft("c-1", "acc-1", "150000", 12, "0.025"))

	assert.Equal(t, credit.AuthPending, sale.AuthorizationState)
	require.Len(t, sale.AuthorizationReasons, 1)
	assert.Equal(t, credit.ReasonExceedsQuota, sale.AuthorizationReasons[0].Kind)
	assert.Contains(t, sale.AuthorizationReasons[0].Description, "150.000")

	stored := getSale(t, svc, sale.ID)
	assert.Equal(t, sale.AuthorizationReasons, stored.AuthorizationReasons)
}

func TestCreate_PinnedAccountBelowAmountIsPending(t *testing.T) {
	// GIVEN: A client with a funded account and an exhausted one
	// WHEN: Selling on the exhausted account within the combined quota
	// THEN: The sale waits for authorization with a quota reason for that account

	svc, mem := creditSetup(t, "100000", "100000")
	putAccount(t, mem, "acc-2", "c-1", "50000", "0")

	sale := mustCreate(t, svc, creditDraft("c-1", "acc-2", "20000", 6, "0.025"))

	assert.Equal(t, credit.AuthPending, sale.AuthorizationState)
	require.Len(t, sale.AuthorizationReasons, 1)
	reason := sale.AuthorizationReasons[0]
	assert.Equal(t, credit.ReasonExceedsQuota, reason.Kind)
	assert.Contains(t, reason.Description, "acc-2")
	assert.Contains(t, reason.Description, "20.000")
	require.NotNil(t, reason.LimitValue)
	assert.True(t, reason.LimitValue.IsZero())

	funded := mustCreate(t, svc, creditDraft("c-1", "acc-1", "20000", 6, "0.025"))
	assert.Equal(t, credit.AuthNotRequired, funded.AuthorizationState)
}

func TestCreate_CreditSaleNotViable(t *testing.T) {
	svc, mem := creditSetup(t, "100000", "100000")
	c := eligibleClient("c-1")
	c.MaxDaysOverdue = 120
	putClient(t, mem, c)

	_, err := svc.Create(context.Background(), creditDraft("c-1", "acc-1", "1000", 3, "0.02"))

	require.Error(t, err)
	var opErr *credit.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "create", opErr.Op)
	require.Len(t, opErr.Reasons, 1)
	assert.True(t, strings.HasPrefix(opErr.Reasons[0], credit.TitleBlockingArrears))
}

// =============================================================================
// CONFIRM
// =============================================================================

func TestConfirm_MaterializesInstallments(t *testing.T) {
	// GIVEN: A 600 credit sale over 3 installments at 5% monthly
	// WHEN: The sale is confirmed
	// THEN: 3 installments of 220.33 due monthly from the first due date,
	//       quota consumed, plan replaced by the account reference

	svc, mem := creditSetup(t, "50000", "50000")
	sale := mustCreate(t, svc, creditDraft("c-1", "acc-1", "600", 3, "0.05"))
	firstDue := sale.Plan.FirstDueDate

	ok, err := svc.Confirm(context.Background(), sale.ID)
	mustTransition(t)(ok, err)

	confirmed := getSale(t, svc, sale.ID)
	assert.Equal(t, credit.StatusConfirmed, confirmed.Status)
	assert.Nil(t, confirmed.Plan)
	require.NotNil(t, confirmed.CreditAccountID)
	assert.Equal(t, credit.AccountID("acc-1"), *confirmed.CreditAccountID)
	require.NotNil(t, confirmed.ConfirmedAt)
	assert.Equal(t, testNow, *confirmed.ConfirmedAt)

	installments, err := svc.Installments(context.Background(), sale.ID)
	require.NoError(t, err)
	require.Len(t, installments, 3)
	for k, inst := range installments {
		assert.Equal(t, k+1, inst.Number)
		assert.True(t, dec("220.33").Equal(inst.Amount), "installment %d: %s", k+1, inst.Amount)
		assert.Equal(t, firstDue.AddDate(0, k, 0), inst.DueDate)
		assert.Equal(t, credit.AccountID("acc-1"), inst.CreditAccountID)
		assert.False(t, inst.Paid)
	}

	acc, err := mem.GetAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.True(t, dec("49400").Equal(acc.AvailableBalance))
	assert.Equal(t, credit.AccountActive, acc.State)
}

func TestConfirm_CashSale(t *testing.T) {
	svc, mem := newTestService(t)
	putClient(t, mem, eligibleClient("c-1"))
	sale := mustCreate(t, svc, cashDraft("c-1", "1500"))

	ok, err := svc.Confirm(context.Background(), sale.ID)
	mustTransition(t)(ok, err)

	confirmed := getSale(t, svc, sale.ID)
	assert.Equal(t, credit.StatusConfirmed, confirmed.Status)
	assert.Nil(t, confirmed.CreditAccountID)
}

func TestConfirm_OnlyFromDraft(t *testing.T) {
	svc, _ := creditSetup(t, "50000", "50000")
	sale := mustCreate(t, svc, creditDraft("c-1", "acc-1", "600", 3, "0.05"))
	ctx := context.Background()

	mustTransition(t)(svc.Confirm(ctx, sale.ID))

	ok, err := svc.Confirm(ctx, sale.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, err, credit.ErrInvalidOperation)

	installments, err := svc.Installments(ctx, sale.ID)
	require.NoError(t, err)
	assert.Len(t, installments, 3, "second confirm must not duplicate installments")
}

func TestConfirm_CreditSaleWithoutPlan(t *testing.T) {
	draft := cashDraft("c-1", "1000")
	draft.PaymentMethod = credit.PaymentPersonalCredit

	t.Run("refused by default", func(t *testing.T) {
		svc, _ := creditSetup(t, "50000", "50000")
		sale := mustCreate(t, svc, draft)

		ok, err := svc.Confirm(context.Background(), sale.ID)

		assert.False(t, ok)
		assert.ErrorIs(t, err, credit.ErrInvalidOperation)
		assert.Contains(t, err.Error(), "no tiene plan de financiamiento")
	})

	t.Run("allowed by policy", func(t *testing.T) {
		svc, mem := creditSetup(t, "50000", "50000")
		svc.Policy.AllowCreditConfirmWithoutPlan = true
		sale := mustCreate(t, svc, draft)

		mustTransition(t)(svc.Confirm(context.Background(), sale.ID))

		confirmed := getSale(t, svc, sale.ID)
		assert.Equal(t, credit.StatusConfirmed, confirmed.Status)
		assert.Nil(t, confirmed.CreditAccountID)
		assert.True(t, dec("50000").Equal(availableBalance(t, mem, "acc-1")))
	})
}

func TestConfirm_Overdraft(t *testing.T) {
	// GIVEN: A 150.000 sale on an account with 100.000, authorized by a supervisor
	// WHEN: Confirming
	// THEN: The ledger refuses, nothing is written, the sale stays a draft

	svc, mem := creditSetup(t, "100000", "100000")
	ctx := context.Background()
	sale := mustCreate(t, svc, creditDraft("c-1", "acc-1", "150000", 12, "0.025"))
	mustTransition(t)(svc.Authorize(ctx, sale.ID, "supervisor", "cliente histórico"))

	ok, err := svc.Confirm(ctx, sale.ID)

	assert.False(t, ok)
	assert.ErrorIs(t, err, credit.ErrInsufficientQuota)
	assert.Contains(t, err.Error(), "insuficiente")

	stored := getSale(t, svc, sale.ID)
	assert.Equal(t, credit.StatusDraft, stored.Status)
	assert.Equal(t, credit.AuthAuthorized, stored.AuthorizationState)
	assert.NotNil(t, stored.Plan)
	assert.Nil(t, stored.CreditAccountID)

	installments, err := svc.Installments(ctx, sale.ID)
	require.NoError(t, err)
	assert.Empty(t, installments)
	assert.True(t, dec("100000").Equal(availableBalance(t, mem, "acc-1")))

	movements, err := mem.MovementsBySale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Empty(t, movements)
}

func TestConfirm_RollsBackOnInstallmentFailure(t *testing.T) {
	// GIVEN: A stray installment already stored for the sale
	// WHEN: Confirming, so the installment insert fails after the consume
	// THEN: The consume is rolled back with everything else

	svc, mem := creditSetup(t, "50000", "50000")
	ctx := context.Background()
	sale := mustCreate(t, svc, creditDraft("c-1", "acc-1", "600", 3, "0.05"))
	require.NoError(t, mem.InsertInstallments(ctx, []credit.SaleInstallment{
		{ID: "stray", SaleID: sale.ID, CreditAccountID: "acc-1", Number: 1, Amount: dec("1")},
	}))

	ok, err := svc.Confirm(ctx, sale.ID)

	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, dec("50000").Equal(availableBalance(t, mem, "acc-1")))
	movements, err := mem.MovementsBySale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Empty(t, movements)
	assert.Equal(t, credit.StatusDraft, getSale(t, svc, sale.ID).Status)
}

func TestConfirm_ConcurrentConfirmsNeverOverdraw(t *testing.T) {
	// GIVEN: Five 20.000 sales created against one 50.000 account
	// WHEN: All are confirmed at the same time
	// THEN: Exactly two succeed and the balance never goes negative

	svc, mem := creditSetup(t, "50000", "50000")
	ctx := context.Background()

	var ids []credit.SaleID
	for i := 0; i < 5; i++ {
		ids = append(ids, mustCreate(t, svc, creditDraft("c-1", "acc-1", "20000", 4, "0.02")).ID)
	}

	var wg sync.WaitGroup
	var confirmed, refused atomic.Int32
	for _, id := range ids {
		wg.Add(1)
		go func(id credit.SaleID) {
			defer wg.Done()
			ok, err := svc.Confirm(ctx, id)
			switch {
			case ok && err == nil:
				confirmed.Add(1)
			case errors.Is(err, credit.ErrInsufficientQuota):
				refused.Add(1)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int32(2), confirmed.Load())
	assert.Equal(t, int32(3), refused.Load())
	assert.True(t, dec("10000").Equal(availableBalance(t, mem, "acc-1")))

	total := 0
	for _, id := range ids {
		installments, err := svc.Installments(ctx, id)
		require.NoError(t, err)
		total += len(installments)
	}
	assert.Equal(t, 8, total)
}

func TestConfirm_StaleSaleVersion(t *testing.T) {
	svc, mem := creditSetup(t, "50000", "50000")
	ctx := context.Background()
	sale := mustCreate(t, svc, creditDraft("c-1", "acc-1", "600", 3, "0.05"))

	stale, err := mem.GetSale(ctx, sale.ID)
	require.NoError(t, err)

	mustTransition(t)(svc.Confirm(ctx, sale.ID))

	stale.Status = credit.StatusCancelled
	err = mem.UpdateSale(ctx, stale)
	assert.ErrorIs(t, err, credit.ErrConcurrentModification)
	assert.Equal(t, credit.StatusConfirmed, getSale(t, svc, sale.ID).Status)
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

func TestAuthorize(t *testing.T) {
	svc, _ := creditSetup(t, "100000", "100000")
	ctx := context.Background()
	sale := mustCreate(t, svc, creditDraft("c-1", "acc-1", "150000", 12, "0.025"))

	ok, err := svc.Confirm(ctx, sale.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, err, credit.ErrInvalidOperation)
	assert.Contains(t, err.Error(), "requiere autorización previa")

	mustTransition(t)(svc.Authorize(ctx, sale.ID, "  supervisor ", "  cliente histórico  "))

	authorized := getSale(t, svc, sale.ID)
	assert.Equal(t, credit.AuthAuthorized, authorized.AuthorizationState)
	assert.Equal(t, "supervisor", authorized.AuthorizedBy)
	assert.Equal(t, "cliente histórico", authorized.AuthorizationNote)
	require.NotNil(t, authorized.AuthorizedAt)
	assert.Equal(t, credit.StatusDraft, authorized.Status)
	assert.Len(t, authorized.AuthorizationReasons, 1, "reasons are kept for audit")
}

func TestAuthorize_RequiresJustification(t *testing.T) {
	svc, _ := creditSetup(t, "100000", "100000")
	ctx := context.Background()
	sale := mustCreate(t, svc, creditDraft("c-1", "acc-1", "150000", 12, "0.025"))

	for _, justification := range []string{"", "   ", "\t\n"} {
		ok, err := svc.Authorize(ctx, sale.ID, "supervisor", justification)
		assert.False(t, ok)
		assert.ErrorIs(t, err, credit.ErrInvalidArgument)
		assert.Contains(t, err.Error(), "obligatorio")
	}

	ok, err := svc.Authorize(ctx, sale.ID, " ", "motivo")
	assert.False(t, ok)
	assert.ErrorIs(t, err, credit.ErrInvalidArgument)

	assert.Equal(t, credit.AuthPending, getSale(t, svc, sale.ID).AuthorizationState)
}

func TestAuthorize_OnlyWhenPending(t *testing.T) {
	// GIVEN: Sales whose authorization state is not pending
	// WHEN: Authorizing or rejecting them
	// THEN: Both are refused and the state is left as it was

	ctx := context.Background()

	tests := []struct {
		name  string
		state credit.AuthorizationState
		setup func(t *testing.T, svc *credit.SaleService) credit.SaleID
	}{
		{
			name:  "not required",
			state: credit.AuthNotRequired,
			setup: func(t *testing.T, svc *credit.SaleService) credit.SaleID {
				return mustCreate(t, svc, creditDraft("c-1", "acc-1", "600", 3, "0.05")).ID
			},
		},
		{
			name:  "already authorized",
			state: credit.AuthAuthorized,
			setup: func(t *testing.T, svc *credit.SaleService) credit.SaleID {
				sale := mustCreate(t, svc, creditDraft("c-1", "acc-1", "150000", 12, "0.025"))
				mustTransition(t)(svc.Authorize(ctx, sale.ID, "supervisor", "cliente histórico"))
				return sale.ID
			},
		},
		{
			name:  "rejected",
			state: credit.AuthRejected,
			setup: func(t *testing.T, svc *credit.SaleService) credit.SaleID {
				sale := mustCreate(t, svc, creditDraft("c-1", "acc-1", "150000", 12, "0.025"))
				mustTransition(t)(svc.Reject(ctx, sale.ID, "supervisor", "mora reciente"))
				return sale.ID
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := creditSetup(t, "100000", "100000")
			id := tt.setup(t, svc)
			require.Equal(t, tt.state, getSale(t, svc, id).AuthorizationState)

			ok, err := svc.Authorize(ctx, id, "supervisor", "motivo")
			assert.False(t, ok)
			assert.ErrorIs(t, err, credit.ErrInvalidOperation)

			ok, err = svc.Reject(ctx, id, "supervisor", "motivo")
			assert.False(t, ok)
			assert.ErrorIs(t, err, credit.ErrInvalidOperation)

			assert.Equal(t, tt.state, getSale(t, svc, id).AuthorizationState)
		})
	}
}

func TestReject(t *testing.T) {
	// GIVEN: A sale pending authorization
	// WHEN: The supervisor rejects it
	// THEN: The plan is dropped and the sale can no longer be confirmed

	svc, mem := creditSetup(t, "100000", "100000")
	ctx := context.Background()
	sale := mustCreate(t, svc, creditDraft("c-1", "acc-1", "150000", 12, "0.025"))

	mustTransition(t)(svc.Reject(ctx, sale.ID, "supervisor", " mora reciente "))

	rejected := getSale(t, svc, sale.ID)
	assert.Equal(t, credit.AuthRejected, rejected.AuthorizationState)
	assert.Equal(t, "supervisor", rejected.RejectedBy)
	assert.Equal(t, "mora reciente", rejected.RejectionReason)
	assert.Nil(t, rejected.Plan)
	assert.Nil(t, rejected.CreditAccountID)

	ok, err := svc.Confirm(ctx, sale.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, err, credit.ErrInvalidOperation)

	ok, err = svc.Authorize(ctx, sale.ID, "supervisor", "cambio de opinión")
	assert.False(t, ok)
	assert.ErrorIs(t, err, credit.ErrInvalidOperation)

	assert.True(t, dec("100000").Equal(availableBalance(t, mem, "acc-1")))
}

func TestReject_ReasonIsOptional(t *testing.T) {
	svc, _ := creditSetup(t, "100000", "100000")
	sale := mustCreate(t, svc, creditDraft("c-1", "acc-1", "150000", 12, "0.025"))

	mustTransition(t)(svc.Reject(context.Background(), sale.ID, "supervisor", ""))
}

// =============================================================================
// CANCEL AND INVOICE
// =============================================================================

func TestCancel_RestoresQuota(t *testing.T) {
	// GIVEN: Two confirmed credit sales of 10.000 and 15.000 on a 50.000 account
	// WHEN: Cancelling them one by one
	// THEN: Each cancel gives back exactly what its sale consumed

	svc, mem := creditSetup(t, "50000", "50000")
	ctx := context.Background()

	a := mustCreate(t, svc, creditDraft("c-1", "acc-1", "10000", 6, "0.02"))
	b := mustCreate(t, svc, creditDraft("c-1", "acc-1", "15000", 12, "0.02"))
	mustTransition(t)(svc.Confirm(ctx, a.ID))
	mustTransition(t)(svc.Confirm(ctx, b.ID))
	require.True(t, dec("25000").Equal(availableBalance(t, mem, "acc-1")))

	mustTransition(t)(svc.Cancel(ctx, a.ID, "devolución"))

	assert.True(t, dec("35000").Equal(availableBalance(t, mem, "acc-1")))
	cancelled := getSale(t, svc, a.ID)
	assert.Equal(t, credit.StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.CreditAccountID)
	assert.Equal(t, "devolución", cancelled.CancellationReason)
	installments, err := svc.Installments(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, installments)

	remaining, err := svc.Installments(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, remaining, 12)

	mustTransition(t)(svc.Cancel(ctx, b.ID, ""))
	assert.True(t, dec("50000").Equal(availableBalance(t, mem, "acc-1")))
}

func TestCancel_DraftCreditSaleTouchesNothing(t *testing.T) {
	svc, mem := creditSetup(t, "50000", "50000")
	ctx := context.Background()
	sale := mustCreate(t, svc, creditDraft("c-1", "acc-1", "600", 3, "0.05"))

	mustTransition(t)(svc.Cancel(ctx, sale.ID, "cliente desistió"))

	cancelled := getSale(t, svc, sale.ID)
	assert.Equal(t, credit.StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.Plan)
	assert.True(t, dec("50000").Equal(availableBalance(t, mem, "acc-1")))

	movements, err := mem.MovementsBySale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Empty(t, movements)
}

func TestCancel_TerminalStates(t *testing.T) {
	svc, mem := newTestService(t)
	putClient(t, mem, eligibleClient("c-1"))
	ctx := context.Background()

	cancelled := mustCreate(t, svc, cashDraft("c-1", "100"))
	mustTransition(t)(svc.Cancel(ctx, cancelled.ID, ""))

	ok, err := svc.Cancel(ctx, cancelled.ID, "")
	assert.False(t, ok)
	assert.ErrorIs(t, err, credit.ErrInvalidOperation)

	invoiced := mustCreate(t, svc, cashDraft("c-1", "100"))
	mustTransition(t)(svc.Confirm(ctx, invoiced.ID))
	mustTransition(t)(svc.Invoice(ctx, invoiced.ID))
	assert.Equal(t, credit.StatusInvoiced, getSale(t, svc, invoiced.ID).Status)

	ok, err = svc.Cancel(ctx, invoiced.ID, "")
	assert.False(t, ok)
	assert.ErrorIs(t, err, credit.ErrInvalidOperation)
}

func TestInvoice_OnlyConfirmed(t *testing.T) {
	svc, mem := newTestService(t)
	putClient(t, mem, eligibleClient("c-1"))
	sale := mustCreate(t, svc, cashDraft("c-1", "100"))

	ok, err := svc.Invoice(context.Background(), sale.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, err, credit.ErrInvalidOperation)
}

// =============================================================================
// NOT FOUND AND SIGNALS
// =============================================================================

func TestTransitions_UnknownSale(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := credit.SaleID("nope")

	transitions := map[string]func() (bool, error){
		"authorize": func() (bool, error) { return svc.Authorize(ctx, id, "supervisor", "motivo") },
		"reject":    func() (bool, error) { return svc.Reject(ctx, id, "supervisor", "motivo") },
		"confirm":   func() (bool, error) { return svc.Confirm(ctx, id) },
		"cancel":    func() (bool, error) { return svc.Cancel(ctx, id, "") },
		"invoice":   func() (bool, error) { return svc.Invoice(ctx, id) },
	}

	for name, fn := range transitions {
		ok, err := fn()
		assert.False(t, ok, name)
		assert.NoError(t, err, name)
	}

	_, err := svc.Get(ctx, id)
	assert.ErrorIs(t, err, credit.ErrSaleNotFound)
	_, err = svc.Installments(ctx, id)
	assert.ErrorIs(t, err, credit.ErrSaleNotFound)
}

func TestSaleService_RecordsOutcomes(t *testing.T) {
	mem := store.NewTxMemory()
	rec := newCountingRecorder()
	svc := credit.NewSaleService(mem, mem, credit.DefaultPolicy(), nil, rec)
	svc.SetClock(func() time.Time { return testNow })
	putClient(t, mem, eligibleClient("c-1"))
	putAccount(t, mem, "acc-1", "c-1", "50000", "50000")
	ctx := context.Background()

	sale := mustCreate(t, svc, creditDraft("c-1", "acc-1", "600", 3, "0.05"))
	mustTransition(t)(svc.Confirm(ctx, sale.ID))
	_, _ = svc.Confirm(ctx, sale.ID)
	_, _ = svc.Confirm(ctx, "nope")

	assert.Equal(t, 1, rec.transitions["create/ok"])
	assert.Equal(t, 1, rec.transitions["confirm/ok"])
	assert.Equal(t, 1, rec.transitions["confirm/rejected"])
	assert.Equal(t, 1, rec.transitions["confirm/not_found"])
	assert.Equal(t, 1, rec.movements[credit.MovementConsume])
	assert.Equal(t, 1, rec.durations)
}

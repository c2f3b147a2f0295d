package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var now = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedAccount(t *testing.T, store *sqlite.Store, id, clientID, limit, available string) *credit.CreditAccount {
	t.Helper()
	acc := &credit.CreditAccount{
		ID:               credit.AccountID(id),
		ClientID:         credit.ClientID(clientID),
		ApprovedLimit:    dec(limit),
		AvailableBalance: dec(available),
		State:            credit.AccountApproved,
		MonthlyRate:      dec("0.025"),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, store.InsertAccount(context.Background(), acc))
	return acc
}

func pendingSale(id string) *credit.Sale {
	requested := dec("150000")
	available := dec("100000")
	return &credit.Sale{
		ID:                 credit.SaleID(id),
		ClientID:           "c-1",
		Items:              []credit.LineItem{{ProductID: "p-1", Description: "Heladera", Quantity: dec("1"), UnitPrice: dec("150000")}},
		Subtotal:           dec("126050.42"),
		Tax:                dec("23949.58"),
		Total:              dec("150000"),
		PaymentMethod:      credit.PaymentPersonalCredit,
		Status:             credit.StatusDraft,
		AuthorizationState: credit.AuthPending,
		Plan: &credit.CreditPlan{
			Version:          credit.CreditPlanVersion,
			AccountID:        "acc-1",
			AmountToFinance:  dec("150000"),
			InstallmentCount: 24,
			MonthlyRate:      dec("0.025"),
			FirstDueDate:     time.Date(2025, time.April, 10, 0, 0, 0, 0, time.UTC),
		},
		AuthorizationReasons: []credit.AuthorizationReason{{
			Kind:           credit.ReasonExceedsQuota,
			Description:    "El monto solicitado ($150.000) supera el cupo disponible ($100.000)",
			RequestedValue: &requested,
			LimitValue:     &available,
		}},
		RequestedBy: "cajero",
		RequestedAt: now,
		UpdatedAt:   now,
	}
}

// =============================================================================
// CLIENTS
// =============================================================================

func TestClient_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	expires := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	in := &credit.Client{
		ID:               "c-1",
		Name:             "Ana Pérez",
		MonthlyIncome:    dec("850000.50"),
		EmploymentTenure: "3 años",
		Documents: []credit.Document{
			{Kind: credit.DocumentIdentity, Verified: true, ExpiresAt: &expires},
			{Kind: credit.DocumentIncomeProof, Verified: false},
		},
		ActiveCredits:     []credit.ActiveCredit{{Total: dec("120000"), InstallmentCount: 12}},
		MaxDaysOverdue:    15,
		RequiresGuarantor: true,
		EvaluatedAt:       &now,
	}
	require.NoError(t, store.PutClient(ctx, in))

	got, err := store.GetClient(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "Ana Pérez", got.Name)
	assert.True(t, in.MonthlyIncome.Equal(got.MonthlyIncome))
	require.Len(t, got.Documents, 2)
	assert.True(t, got.Documents[0].Verified)
	require.NotNil(t, got.Documents[0].ExpiresAt)
	assert.True(t, expires.Equal(*got.Documents[0].ExpiresAt))
	require.Len(t, got.ActiveCredits, 1)
	assert.True(t, dec("120000").Equal(got.ActiveCredits[0].Total))
	assert.Equal(t, 15, got.MaxDaysOverdue)
	assert.True(t, got.RequiresGuarantor)
	assert.False(t, got.HasGuarantor)
	require.NotNil(t, got.EvaluatedAt)
	assert.True(t, now.Equal(*got.EvaluatedAt))

	in.MaxDaysOverdue = 0
	in.EvaluatedAt = nil
	require.NoError(t, store.PutClient(ctx, in))

	got, err = store.GetClient(ctx, "c-1")
	require.NoError(t, err)
	assert.Zero(t, got.MaxDaysOverdue)
	assert.Nil(t, got.EvaluatedAt)

	_, err = store.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, credit.ErrClientNotFound)
}

// =============================================================================
// SALES
// =============================================================================

func TestSale_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "acc-1", "c-1", "100000", "100000")

	in := pendingSale("s-1")
	require.NoError(t, store.InsertSale(ctx, in))
	assert.Equal(t, int64(1), in.Version)

	got, err := store.GetSale(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, credit.AuthPending, got.AuthorizationState)
	assert.True(t, dec("23949.58").Equal(got.Tax))
	require.Len(t, got.Items, 1)
	assert.Equal(t, "Heladera", got.Items[0].Description)

	require.NotNil(t, got.Plan)
	assert.Equal(t, credit.CreditPlanVersion, got.Plan.Version)
	assert.Equal(t, 24, got.Plan.InstallmentCount)
	assert.True(t, dec("0.025").Equal(got.Plan.MonthlyRate))
	assert.True(t, in.Plan.FirstDueDate.Equal(got.Plan.FirstDueDate))

	require.Len(t, got.AuthorizationReasons, 1)
	reason := got.AuthorizationReasons[0]
	assert.Equal(t, credit.ReasonExceedsQuota, reason.Kind)
	assert.True(t, dec("150000").Equal(*reason.RequestedValue))
	assert.True(t, dec("100000").Equal(*reason.LimitValue))

	assert.Nil(t, got.CreditAccountID)
	assert.Nil(t, got.ConfirmedAt)
	assert.True(t, now.Equal(got.RequestedAt))
}

func TestSale_UpdateIsVersioned(t *testing.T) {
	// GIVEN: Two readers of the same sale
	// WHEN: Both try to write it back
	// THEN: The second write fails with a conflict and changes nothing

	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "acc-1", "c-1", "100000", "100000")
	require.NoError(t, store.InsertSale(ctx, pendingSale("s-1")))

	first, err := store.GetSale(ctx, "s-1")
	require.NoError(t, err)
	second, err := store.GetSale(ctx, "s-1")
	require.NoError(t, err)

	authorizedAt := now.Add(time.Hour)
	first.AuthorizationState = credit.AuthAuthorized
	first.AuthorizedBy = "supervisor"
	first.AuthorizedAt = &authorizedAt
	first.AuthorizationNote = "cliente histórico"
	require.NoError(t, store.UpdateSale(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.AuthorizationState = credit.AuthRejected
	err = store.UpdateSale(ctx, second)
	assert.ErrorIs(t, err, credit.ErrConcurrentModification)

	got, err := store.GetSale(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, credit.AuthAuthorized, got.AuthorizationState)
	assert.Equal(t, "cliente histórico", got.AuthorizationNote)
	require.NotNil(t, got.AuthorizedAt)
	assert.True(t, authorizedAt.Equal(*got.AuthorizedAt))
	assert.Equal(t, int64(2), got.Version)

	err = store.UpdateSale(ctx, pendingSale("missing"))
	assert.ErrorIs(t, err, credit.ErrSaleNotFound)
}

func TestSale_ClearsPlanAndSetsAccount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "acc-1", "c-1", "100000", "100000")
	sale := pendingSale("s-1")
	require.NoError(t, store.InsertSale(ctx, sale))

	accountID := credit.AccountID("acc-1")
	sale.Plan = nil
	sale.CreditAccountID = &accountID
	sale.Status = credit.StatusConfirmed
	require.NoError(t, store.UpdateSale(ctx, sale))

	got, err := store.GetSale(ctx, "s-1")
	require.NoError(t, err)
	assert.Nil(t, got.Plan)
	require.NotNil(t, got.CreditAccountID)
	assert.Equal(t, accountID, *got.CreditAccountID)
}

func TestSale_UnknownPlanVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "acc-1", "c-1", "100000", "100000")

	sale := pendingSale("s-1")
	sale.Plan.Version = 99
	require.NoError(t, store.InsertSale(ctx, sale))

	_, err := store.GetSale(ctx, "s-1")
	assert.ErrorIs(t, err, credit.ErrUnsupportedPlanVersion)
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestAccount_UpdateIsVersioned(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "acc-1", "c-1", "100000", "100000")

	stale, err := store.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	fresh, err := store.GetAccount(ctx, "acc-1")
	require.NoError(t, err)

	fresh.AvailableBalance = dec("40000")
	fresh.State = credit.AccountActive
	require.NoError(t, store.UpdateAccount(ctx, fresh))

	stale.AvailableBalance = dec("90000")
	err = store.UpdateAccount(ctx, stale)
	assert.ErrorIs(t, err, credit.ErrConcurrentModification)

	got, err := store.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, dec("40000").Equal(got.AvailableBalance))
	assert.Equal(t, credit.AccountActive, got.State)
	assert.Equal(t, int64(2), got.Version)

	_, err = store.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, credit.ErrAccountNotFound)
}

func TestAccount_ByClient(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "acc-1", "c-1", "100000", "100000")
	seedAccount(t, store, "acc-2", "c-1", "5000", "2500")
	seedAccount(t, store, "acc-3", "c-2", "1000", "1000")

	got, err := store.AccountsByClient(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, dec("2500").Equal(got[1].AvailableBalance))

	none, err := store.AccountsByClient(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// =============================================================================
// INSTALLMENTS AND MOVEMENTS
// =============================================================================

func TestInstallments_OneBatchPerSale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "acc-1", "c-1", "100000", "100000")
	require.NoError(t, store.InsertSale(ctx, pendingSale("s-1")))

	firstDue := time.Date(2025, time.April, 10, 0, 0, 0, 0, time.UTC)
	batch := make([]credit.SaleInstallment, 3)
	for k := range batch {
		batch[k] = credit.SaleInstallment{
			ID:              credit.InstallmentID("i-" + string(rune('1'+k))),
			SaleID:          "s-1",
			CreditAccountID: "acc-1",
			Number:          k + 1,
			Amount:          dec("220.33"),
			DueDate:         firstDue.AddDate(0, k, 0),
		}
	}
	require.NoError(t, store.InsertInstallments(ctx, batch))

	err := store.InsertInstallments(ctx, []credit.SaleInstallment{{
		ID: "dup", SaleID: "s-1", CreditAccountID: "acc-1", Number: 2, Amount: dec("1"), DueDate: firstDue,
	}})
	assert.Error(t, err)

	got, err := store.InstallmentsBySale(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for k, inst := range got {
		assert.Equal(t, k+1, inst.Number)
		assert.True(t, dec("220.33").Equal(inst.Amount))
		assert.True(t, firstDue.AddDate(0, k, 0).Equal(inst.DueDate))
	}

	deleted, err := store.DeleteInstallmentsBySale(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
}

func TestMovements_IdempotencyKeyIsUnique(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "acc-1", "c-1", "100000", "100000")

	mv := credit.QuotaMovement{
		ID:             "m-1",
		AccountID:      "acc-1",
		SaleID:         "s-1",
		Type:           credit.MovementConsume,
		Amount:         dec("600"),
		BalanceAfter:   dec("99400"),
		IdempotencyKey: "s-1-consume",
		CreatedAt:      now,
	}
	require.NoError(t, store.AppendMovement(ctx, mv))

	mv.ID = "m-2"
	err := store.AppendMovement(ctx, mv)
	assert.ErrorIs(t, err, credit.ErrDuplicateIdempotencyKey)

	restore := credit.QuotaMovement{
		ID:             "m-3",
		AccountID:      "acc-1",
		SaleID:         "s-1",
		Type:           credit.MovementRestore,
		Amount:         dec("600"),
		BalanceAfter:   dec("100000"),
		IdempotencyKey: "s-1-restore-acc-1",
		CreatedAt:      now,
	}
	require.NoError(t, store.AppendMovement(ctx, restore))

	got, err := store.MovementsBySale(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, credit.MovementConsume, got[0].Type)
	assert.Equal(t, credit.MovementRestore, got[1].Type)
	assert.True(t, dec("99400").Equal(got[0].BalanceAfter))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_Rollback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "acc-1", "c-1", "100000", "100000")
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx credit.Store) error {
		acc, err := tx.GetAccount(ctx, "acc-1")
		if err != nil {
			return err
		}
		acc.AvailableBalance = dec("0")
		if err := tx.UpdateAccount(ctx, acc); err != nil {
			return err
		}
		if err := tx.InsertSale(ctx, pendingSale("s-1")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	acc, err := store.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, dec("100000").Equal(acc.AvailableBalance))
	assert.Equal(t, int64(1), acc.Version)

	_, err = store.GetSale(ctx, "s-1")
	assert.ErrorIs(t, err, credit.ErrSaleNotFound)
}

func TestWithTx_Commit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "acc-1", "c-1", "100000", "100000")

	err := store.WithTx(ctx, func(tx credit.Store) error {
		if err := tx.InsertSale(ctx, pendingSale("s-1")); err != nil {
			return err
		}
		return tx.AppendMovement(ctx, credit.QuotaMovement{
			ID: "m-1", AccountID: "acc-1", SaleID: "s-1", Type: credit.MovementConsume,
			Amount: dec("1"), BalanceAfter: dec("99999"), IdempotencyKey: "s-1-consume", CreatedAt: now,
		})
	})
	require.NoError(t, err)

	_, err = store.GetSale(ctx, "s-1")
	assert.NoError(t, err)
	movements, err := store.MovementsBySale(ctx, "s-1")
	require.NoError(t, err)
	assert.Len(t, movements, 1)
}

// =============================================================================
// END TO END WITH THE SALE SERVICE
// =============================================================================

func TestSaleService_ConfirmAndCancel(t *testing.T) {
	// GIVEN: An eligible client with a 50.000 account stored in SQLite
	// WHEN: A 600 credit sale is created, confirmed and cancelled
	// THEN: Installments and quota follow each step and end where they began

	store := newTestStore(t)
	ctx := context.Background()
	evaluated := now.AddDate(0, -1, 0)
	require.NoError(t, store.PutClient(ctx, &credit.Client{
		ID:               "c-1",
		Name:             "Ana",
		MonthlyIncome:    dec("1000000"),
		EmploymentTenure: "3 años",
		Documents: []credit.Document{
			{Kind: credit.DocumentIdentity, Verified: true},
			{Kind: credit.DocumentIncomeProof, Verified: true},
			{Kind: credit.DocumentAddressProof, Verified: true},
		},
		EvaluatedAt: &evaluated,
	}))
	seedAccount(t, store, "acc-1", "c-1", "50000", "50000")

	svc := credit.NewSaleService(store, store, credit.DefaultPolicy(), nil, nil)
	svc.SetClock(func() time.Time { return now })

	sale, err := svc.Create(ctx, credit.SaleDraft{
		ClientID:      "c-1",
		Items:         []credit.LineItem{{ProductID: "p-1", Quantity: dec("1"), UnitPrice: dec("600")}},
		Subtotal:      dec("600"),
		Tax:           decimal.Zero,
		Total:         dec("600"),
		PaymentMethod: credit.PaymentPersonalCredit,
		RequestedBy:   "cajero",
		CreditPlan: &credit.CreditPlanRequest{
			AccountID:        "acc-1",
			AmountToFinance:  dec("600"),
			InstallmentCount: 3,
			MonthlyRate:      dec("0.05"),
			FirstDueDate:     time.Date(2025, time.April, 10, 0, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, credit.AuthNotRequired, sale.AuthorizationState)

	ok, err := svc.Confirm(ctx, sale.ID)
	require.NoError(t, err)
	require.True(t, ok)

	installments, err := svc.Installments(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, installments, 3)
	assert.True(t, dec("220.33").Equal(installments[2].Amount))

	acc, err := store.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, dec("49400").Equal(acc.AvailableBalance))
	assert.Equal(t, credit.AccountActive, acc.State)

	ok, err = svc.Cancel(ctx, sale.ID, "devolución")
	require.NoError(t, err)
	require.True(t, ok)

	acc, err = store.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, dec("50000").Equal(acc.AvailableBalance))

	installments, err = store.InstallmentsBySale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Empty(t, installments)

	got, err := svc.Get(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.StatusCancelled, got.Status)
	assert.Nil(t, got.CreditAccountID)
	assert.Equal(t, "devolución", got.CancellationReason)
}

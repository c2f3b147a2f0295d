/*
ledger.go - Credit quota ledger

PURPOSE:
  The only writer of CreditAccount.AvailableBalance. Every mutation is a
  read-modify-write of the account row plus an append-only QuotaMovement.

CRITICAL INVARIANTS:
  1. 0 <= AvailableBalance <= ApprovedLimit after every write
  2. Check and write happen against the Store handed to WithTx, so two
     confirmations on one account cannot both pass the balance check
  3. UpdateAccount compares Version; a stale read fails with
     ErrConcurrentModification instead of overwriting
  4. Restore gives back exactly what Consume took for the sale, read from
     the movement log, never recomputed from installments

IDEMPOTENCY:
  Consume uses "<sale>-consume" as idempotency key; a second consume for
  the same sale fails with ErrDuplicateIdempotencyKey.

SEE ALSO:
  - sale.go: Confirm calls Consume, Cancel calls Restore
  - store.go: UpdateAccount / AppendMovement contracts
*/
package credit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type QuotaLedger struct {
	Now      func() time.Time
	Recorder Recorder
}

func NewQuotaLedger(now func() time.Time, recorder Recorder) *QuotaLedger {
	if now == nil {
		now = time.Now
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &QuotaLedger{Now: now, Recorder: recorder}
}

// Consume decrements the account's available balance by amount on behalf of a sale.
// Must be called with the Store of an open WithTx.
func (l *QuotaLedger) Consume(ctx context.Context, s Store, accountID AccountID, saleID SaleID, amount decimal.Decimal) (*CreditAccount, error) {
	if !amount.IsPositive() {
		return nil, argumentError("amount", "el monto a consumir debe ser mayor a cero")
	}

	acc, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credit account %s: %w", accountID, err)
	}
	if !acc.State.HasQuota() {
		return nil, operationError("consume", fmt.Sprintf("la cuenta de crédito está en estado %s", acc.State))
	}
	if acc.AvailableBalance.LessThan(amount) {
		return nil, &InsufficientQuotaError{
			AccountID: accountID,
			Available: acc.AvailableBalance,
			Requested: amount,
			Shortfall: amount.Sub(acc.AvailableBalance),
		}
	}

	now := l.Now()
	acc.AvailableBalance = acc.AvailableBalance.Sub(amount)
	if acc.State == AccountApproved {
		acc.State = AccountActive
	}
	acc.UpdatedAt = now
	if err := s.UpdateAccount(ctx, acc); err != nil {
		return nil, err
	}

	if err := s.AppendMovement(ctx, QuotaMovement{
		ID:             MovementID(uuid.NewString()),
		AccountID:      accountID,
		SaleID:         saleID,
		Type:           MovementConsume,
		Amount:         amount,
		BalanceAfter:   acc.AvailableBalance,
		IdempotencyKey: fmt.Sprintf("%s-consume", saleID),
		CreatedAt:      now,
	}); err != nil {
		return nil, err
	}

	l.Recorder.QuotaMovement(MovementConsume)
	return acc, nil
}

// Restore gives back to each account everything the sale consumed and has
// not yet restored. Returns the total restored.
// Must be called with the Store of an open WithTx.
func (l *QuotaLedger) Restore(ctx context.Context, s Store, saleID SaleID) (decimal.Decimal, error) {
	movements, err := s.MovementsBySale(ctx, saleID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load quota movements: %w", err)
	}

	net := make(map[AccountID]decimal.Decimal)
	var order []AccountID
	for _, m := range movements {
		if _, seen := net[m.AccountID]; !seen {
			order = append(order, m.AccountID)
			net[m.AccountID] = decimal.Zero
		}
		switch m.Type {
		case MovementConsume:
			net[m.AccountID] = net[m.AccountID].Add(m.Amount)
		case MovementRestore:
			net[m.AccountID] = net[m.AccountID].Sub(m.Amount)
		default:
			return decimal.Zero, fmt.Errorf("unknown quota movement type %q", m.Type)
		}
	}

	total := decimal.Zero
	for _, accountID := range order {
		amount := net[accountID]
		if !amount.IsPositive() {
			continue
		}
		acc, err := s.GetAccount(ctx, accountID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to load credit account %s: %w", accountID, err)
		}

		restored := acc.AvailableBalance.Add(amount)
		if restored.GreaterThan(acc.ApprovedLimit) {
			return decimal.Zero, operationError("restore",
				fmt.Sprintf("la restitución de %s excede el límite aprobado de la cuenta %s",
					FormatAmount(amount), accountID))
		}

		now := l.Now()
		acc.AvailableBalance = restored
		acc.UpdatedAt = now
		if err := s.UpdateAccount(ctx, acc); err != nil {
			return decimal.Zero, err
		}
		if err := s.AppendMovement(ctx, QuotaMovement{
			ID:             MovementID(uuid.NewString()),
			AccountID:      accountID,
			SaleID:         saleID,
			Type:           MovementRestore,
			Amount:         amount,
			BalanceAfter:   restored,
			IdempotencyKey: fmt.Sprintf("%s-restore-%s", saleID, accountID),
			CreatedAt:      now,
		}); err != nil {
			return decimal.Zero, err
		}

		l.Recorder.QuotaMovement(MovementRestore)
		total = total.Add(amount)
	}
	return total, nil
}

/*
store.go - Persistence ports for the credit engine

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never sees SQL; implementations live in credit/store (memory) and
  store/sqlite.

KEY INTERFACES:
  Store:           Sales, accounts, installments, quota movements
  TxStore:         Store + WithTx for atomic multi-row units of work
  ClientDirectory: Read-only client lookup (owned by another system)

OPTIMISTIC CONCURRENCY:
  UpdateSale and UpdateAccount compare the Version they are given with the
  stored one in the same write. On mismatch they return
  ErrConcurrentModification and write nothing. On success they increment
  Version on the stored row and on the passed struct.

ATOMIC UNITS:
  Confirm (consume + installments + sale) and Cancel (delete installments +
  restore + sale) run inside WithTx. If fn returns an error every write made
  through the Store handed to fn is rolled back. WithTx also serializes
  writers, so a check-then-decrement on an account cannot interleave with
  another one.

SEE ALSO:
  - credit/store/memory.go: In-memory implementation
  - store/sqlite/sqlite.go: SQLite implementation
*/
package credit

import "context"

// Store handles persistence of the engine's aggregates.
type Store interface {
	// Sales
	InsertSale(ctx context.Context, sale *Sale) error
	GetSale(ctx context.Context, id SaleID) (*Sale, error) // ErrSaleNotFound when absent
	UpdateSale(ctx context.Context, sale *Sale) error

	// Credit accounts
	InsertAccount(ctx context.Context, account *CreditAccount) error
	GetAccount(ctx context.Context, id AccountID) (*CreditAccount, error) // ErrAccountNotFound when absent
	AccountsByClient(ctx context.Context, clientID ClientID) ([]CreditAccount, error)
	UpdateAccount(ctx context.Context, account *CreditAccount) error

	// Installments
	InsertInstallments(ctx context.Context, installments []SaleInstallment) error
	InstallmentsBySale(ctx context.Context, saleID SaleID) ([]SaleInstallment, error)
	DeleteInstallmentsBySale(ctx context.Context, saleID SaleID) (int, error)

	// Quota movements (append-only)
	AppendMovement(ctx context.Context, m QuotaMovement) error
	MovementsBySale(ctx context.Context, saleID SaleID) ([]QuotaMovement, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// ClientDirectory resolves clients. ErrClientNotFound when absent.
type ClientDirectory interface {
	GetClient(ctx context.Context, id ClientID) (*Client, error)
}

/*
Package sqlite provides a SQLite-backed implementation of the credit ports.

PURPOSE:
  Implements credit.Store, credit.TxStore and credit.ClientDirectory using
  SQLite. In production, the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  credit.Store:           Sales, accounts, installments, quota movements
  credit.TxStore:         WithTx over a database transaction
  credit.ClientDirectory: Client lookup (fed by PutClient)

KEY TABLES:
  clients:           Read model of the client owned by another system
  credit_accounts:   Approved limit, available balance, version
  sales:             Sale header, plan_json / reasons_json payloads, version
  sale_installments: One batch per confirmed credit sale
  quota_movements:   Append-only log of consume / restore

OPTIMISTIC CONCURRENCY:
  UPDATE ... SET version = version + 1 WHERE id = ? AND version = ?
  Zero rows affected on an existing row means ErrConcurrentModification.

CONSTRAINTS:
  - idx_installments_sale_number: no duplicate installment per sale
  - quota_movements.idempotency_key UNIQUE: a sale consumes once

CONCURRENCY:
  Uses sync.RWMutex for thread-safety; WithTx takes the write lock for the
  whole transaction. In production with PostgreSQL, database-level
  concurrency control handles this instead.

MONEY:
  Decimals are stored as TEXT (decimal.String) and parsed back with
  decimal.NewFromString, never through float64.

USAGE:
  store, err := sqlite.New("./data/credit.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := credit.NewSaleService(store, store, credit.DefaultPolicy(), logger, metrics)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - credit/store.go: Interface definitions
  - credit/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/credit-engine/credit"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Clients (owned externally, mirrored here for eligibility)
	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		monthly_income TEXT NOT NULL,
		employment_tenure TEXT NOT NULL DEFAULT '',
		documents_json TEXT NOT NULL DEFAULT '[]',
		active_credits_json TEXT NOT NULL DEFAULT '[]',
		max_days_overdue INTEGER NOT NULL DEFAULT 0,
		requires_guarantor INTEGER NOT NULL DEFAULT 0,
		has_guarantor INTEGER NOT NULL DEFAULT 0,
		evaluated_at TEXT
	);

	-- Credit accounts (quota)
	CREATE TABLE IF NOT EXISTS credit_accounts (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		approved_limit TEXT NOT NULL,
		available_balance TEXT NOT NULL,
		state TEXT NOT NULL,
		monthly_rate TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_client
		ON credit_accounts(client_id);

	-- Sales
	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		items_json TEXT NOT NULL DEFAULT '[]',
		subtotal TEXT NOT NULL,
		tax TEXT NOT NULL,
		total TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		status TEXT NOT NULL,
		authorization_state TEXT NOT NULL,
		plan_json TEXT,
		reasons_json TEXT,
		credit_account_id TEXT REFERENCES credit_accounts(id),
		requested_by TEXT NOT NULL,
		requested_at TEXT NOT NULL,
		authorized_by TEXT,
		authorized_at TEXT,
		authorization_note TEXT,
		rejected_by TEXT,
		rejected_at TEXT,
		rejection_reason TEXT,
		confirmed_at TEXT,
		invoiced_at TEXT,
		cancelled_at TEXT,
		cancellation_reason TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sales_client
		ON sales(client_id);

	-- Installments (one batch per confirmed credit sale)
	CREATE TABLE IF NOT EXISTS sale_installments (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		credit_account_id TEXT NOT NULL REFERENCES credit_accounts(id),
		number INTEGER NOT NULL,
		amount TEXT NOT NULL,
		due_date TEXT NOT NULL,
		paid INTEGER NOT NULL DEFAULT 0
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_installments_sale_number
		ON sale_installments(sale_id, number);

	-- Quota movements (append-only)
	CREATE TABLE IF NOT EXISTS quota_movements (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES credit_accounts(id),
		sale_id TEXT NOT NULL,
		movement_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_movements_sale
		ON quota_movements(sale_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// CLIENT DIRECTORY (credit.ClientDirectory interface)
// =============================================================================

// PutClient inserts or replaces a client.
func (s *Store) PutClient(ctx context.Context, c *credit.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := json.Marshal(c.Documents)
	if err != nil {
		return fmt.Errorf("failed to encode documents: %w", err)
	}
	credits, err := json.Marshal(c.ActiveCredits)
	if err != nil {
		return fmt.Errorf("failed to encode active credits: %w", err)
	}

	query := `
		INSERT INTO clients
		(id, name, monthly_income, employment_tenure, documents_json, active_credits_json,
		 max_days_overdue, requires_guarantor, has_guarantor, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			monthly_income = excluded.monthly_income,
			employment_tenure = excluded.employment_tenure,
			documents_json = excluded.documents_json,
			active_credits_json = excluded.active_credits_json,
			max_days_overdue = excluded.max_days_overdue,
			requires_guarantor = excluded.requires_guarantor,
			has_guarantor = excluded.has_guarantor,
			evaluated_at = excluded.evaluated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.Name, c.MonthlyIncome.String(), c.EmploymentTenure,
		string(docs), string(credits),
		c.MaxDaysOverdue, c.RequiresGuarantor, c.HasGuarantor,
		nullTime(c.EvaluatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, id credit.ClientID) (*credit.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		c           credit.Client
		income      string
		docs        string
		credits     string
		evaluatedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, monthly_income, employment_tenure, documents_json, active_credits_json,
		       max_days_overdue, requires_guarantor, has_guarantor, evaluated_at
		FROM clients WHERE id = ?
	`, id).Scan(&c.ID, &c.Name, &income, &c.EmploymentTenure, &docs, &credits,
		&c.MaxDaysOverdue, &c.RequiresGuarantor, &c.HasGuarantor, &evaluatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", credit.ErrClientNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	if c.MonthlyIncome, err = decimal.NewFromString(income); err != nil {
		return nil, fmt.Errorf("client %s: bad monthly income: %w", id, err)
	}
	if err := json.Unmarshal([]byte(docs), &c.Documents); err != nil {
		return nil, fmt.Errorf("client %s: bad documents: %w", id, err)
	}
	if err := json.Unmarshal([]byte(credits), &c.ActiveCredits); err != nil {
		return nil, fmt.Errorf("client %s: bad active credits: %w", id, err)
	}
	c.EvaluatedAt = parseNullTime(evaluatedAt)
	return &c, nil
}

// =============================================================================
// SALES (credit.Store interface)
// =============================================================================

func (s *Store) InsertSale(ctx context.Context, sale *credit.Sale) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertSale(ctx, s.db, sale)
}

func (s *Store) GetSale(ctx context.Context, id credit.SaleID) (*credit.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSale(ctx, s.db, id)
}

func (s *Store) UpdateSale(ctx context.Context, sale *credit.Sale) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateSale(ctx, s.db, sale)
}

const saleColumns = `
	id, client_id, items_json, subtotal, tax, total, payment_method, status,
	authorization_state, plan_json, reasons_json, credit_account_id,
	requested_by, requested_at, authorized_by, authorized_at, authorization_note,
	rejected_by, rejected_at, rejection_reason, confirmed_at, invoiced_at,
	cancelled_at, cancellation_reason, version, updated_at`

// saleRow holds the encoded payloads of a sale.
type saleRow struct {
	items   string
	plan    sql.NullString
	reasons sql.NullString
}

func encodeSale(sale *credit.Sale) (saleRow, error) {
	items, err := json.Marshal(sale.Items)
	if err != nil {
		return saleRow{}, fmt.Errorf("failed to encode items: %w", err)
	}
	plan, err := credit.EncodePlan(sale.Plan)
	if err != nil {
		return saleRow{}, err
	}
	reasons, err := credit.EncodeReasons(sale.AuthorizationReasons)
	if err != nil {
		return saleRow{}, err
	}
	return saleRow{items: string(items), plan: nullString(plan), reasons: nullString(reasons)}, nil
}

func insertSale(ctx context.Context, q querier, sale *credit.Sale) error {
	row, err := encodeSale(sale)
	if err != nil {
		return err
	}
	if sale.Version == 0 {
		sale.Version = 1
	}

	query := `INSERT INTO sales (` + saleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = q.ExecContext(ctx, query,
		sale.ID, sale.ClientID, row.items,
		sale.Subtotal.String(), sale.Tax.String(), sale.Total.String(),
		sale.PaymentMethod, sale.Status, sale.AuthorizationState,
		row.plan, row.reasons, nullAccountID(sale.CreditAccountID),
		sale.RequestedBy, formatTime(sale.RequestedAt),
		nullString(sale.AuthorizedBy), nullTime(sale.AuthorizedAt), nullString(sale.AuthorizationNote),
		nullString(sale.RejectedBy), nullTime(sale.RejectedAt), nullString(sale.RejectionReason),
		nullTime(sale.ConfirmedAt), nullTime(sale.InvoicedAt),
		nullTime(sale.CancelledAt), nullString(sale.CancellationReason),
		sale.Version, formatTime(sale.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("sale %s already exists", sale.ID)
		}
		return fmt.Errorf("failed to insert sale: %w", err)
	}
	return nil
}

func getSale(ctx context.Context, q querier, id credit.SaleID) (*credit.Sale, error) {
	var (
		sale                                        credit.Sale
		items, subtotal, tax, total, requestedAt    string
		plan, reasons, accountID                    sql.NullString
		authorizedBy, authorizedAt, note            sql.NullString
		rejectedBy, rejectedAt, rejectionReason     sql.NullString
		confirmedAt, invoicedAt, cancelledAt, cause sql.NullString
		updatedAt                                   string
	)
	err := q.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = ?`, id).Scan(
		&sale.ID, &sale.ClientID, &items, &subtotal, &tax, &total,
		&sale.PaymentMethod, &sale.Status, &sale.AuthorizationState,
		&plan, &reasons, &accountID,
		&sale.RequestedBy, &requestedAt, &authorizedBy, &authorizedAt, &note,
		&rejectedBy, &rejectedAt, &rejectionReason, &confirmedAt, &invoicedAt,
		&cancelledAt, &cause, &sale.Version, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", credit.ErrSaleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sale: %w", err)
	}

	if err := json.Unmarshal([]byte(items), &sale.Items); err != nil {
		return nil, fmt.Errorf("sale %s: bad items: %w", id, err)
	}
	if sale.Subtotal, err = decimal.NewFromString(subtotal); err != nil {
		return nil, fmt.Errorf("sale %s: bad subtotal: %w", id, err)
	}
	if sale.Tax, err = decimal.NewFromString(tax); err != nil {
		return nil, fmt.Errorf("sale %s: bad tax: %w", id, err)
	}
	if sale.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("sale %s: bad total: %w", id, err)
	}
	if sale.Plan, err = credit.DecodePlan(plan.String); err != nil {
		return nil, fmt.Errorf("sale %s: %w", id, err)
	}
	if sale.AuthorizationReasons, err = credit.DecodeReasons(reasons.String); err != nil {
		return nil, fmt.Errorf("sale %s: %w", id, err)
	}
	if accountID.Valid {
		acc := credit.AccountID(accountID.String)
		sale.CreditAccountID = &acc
	}

	sale.RequestedAt = parseTime(requestedAt)
	sale.AuthorizedBy = authorizedBy.String
	sale.AuthorizedAt = parseNullTime(authorizedAt)
	sale.AuthorizationNote = note.String
	sale.RejectedBy = rejectedBy.String
	sale.RejectedAt = parseNullTime(rejectedAt)
	sale.RejectionReason = rejectionReason.String
	sale.ConfirmedAt = parseNullTime(confirmedAt)
	sale.InvoicedAt = parseNullTime(invoicedAt)
	sale.CancelledAt = parseNullTime(cancelledAt)
	sale.CancellationReason = cause.String
	sale.UpdatedAt = parseTime(updatedAt)
	return &sale, nil
}

func updateSale(ctx context.Context, q querier, sale *credit.Sale) error {
	row, err := encodeSale(sale)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, `
		UPDATE sales SET
			items_json = ?, subtotal = ?, tax = ?, total = ?, payment_method = ?,
			status = ?, authorization_state = ?, plan_json = ?, reasons_json = ?,
			credit_account_id = ?, authorized_by = ?, authorized_at = ?,
			authorization_note = ?, rejected_by = ?, rejected_at = ?,
			rejection_reason = ?, confirmed_at = ?, invoiced_at = ?,
			cancelled_at = ?, cancellation_reason = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`,
		row.items, sale.Subtotal.String(), sale.Tax.String(), sale.Total.String(), sale.PaymentMethod,
		sale.Status, sale.AuthorizationState, row.plan, row.reasons,
		nullAccountID(sale.CreditAccountID), nullString(sale.AuthorizedBy), nullTime(sale.AuthorizedAt),
		nullString(sale.AuthorizationNote), nullString(sale.RejectedBy), nullTime(sale.RejectedAt),
		nullString(sale.RejectionReason), nullTime(sale.ConfirmedAt), nullTime(sale.InvoicedAt),
		nullTime(sale.CancelledAt), nullString(sale.CancellationReason), formatTime(sale.UpdatedAt),
		sale.ID, sale.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update sale: %w", err)
	}
	if err := checkVersioned(ctx, q, res, "sales", string(sale.ID), credit.ErrSaleNotFound); err != nil {
		return err
	}
	sale.Version++
	return nil
}

// checkVersioned turns a zero-row versioned update into not-found or a conflict.
func checkVersioned(ctx context.Context, q querier, res sql.Result, table, id string, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}
	var exists int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check %s row: %w", table, err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return fmt.Errorf("%w: %s %s", credit.ErrConcurrentModification, table, id)
}

// =============================================================================
// CREDIT ACCOUNTS
// =============================================================================

func (s *Store) InsertAccount(ctx context.Context, acc *credit.CreditAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertAccount(ctx, s.db, acc)
}

func (s *Store) GetAccount(ctx context.Context, id credit.AccountID) (*credit.CreditAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, id)
}

func (s *Store) AccountsByClient(ctx context.Context, clientID credit.ClientID) ([]credit.CreditAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return accountsByClient(ctx, s.db, clientID)
}

func (s *Store) UpdateAccount(ctx context.Context, acc *credit.CreditAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateAccount(ctx, s.db, acc)
}

const accountColumns = `id, client_id, approved_limit, available_balance, state, monthly_rate, version, created_at, updated_at`

func insertAccount(ctx context.Context, q querier, acc *credit.CreditAccount) error {
	if acc.Version == 0 {
		acc.Version = 1
	}
	_, err := q.ExecContext(ctx, `INSERT INTO credit_accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		acc.ID, acc.ClientID, acc.ApprovedLimit.String(), acc.AvailableBalance.String(),
		acc.State, acc.MonthlyRate.String(), acc.Version,
		formatTime(acc.CreatedAt), formatTime(acc.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("credit account %s already exists", acc.ID)
		}
		return fmt.Errorf("failed to insert credit account: %w", err)
	}
	return nil
}

func getAccount(ctx context.Context, q querier, id credit.AccountID) (*credit.CreditAccount, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get credit account: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", credit.ErrAccountNotFound, id)
	}
	return scanAccount(rows)
}

func accountsByClient(ctx context.Context, q querier, clientID credit.ClientID) ([]credit.CreditAccount, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE client_id = ? ORDER BY created_at ASC, id ASC`,
		clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit accounts: %w", err)
	}
	defer rows.Close()

	var accounts []credit.CreditAccount
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

func scanAccount(rows *sql.Rows) (*credit.CreditAccount, error) {
	var (
		acc                    credit.CreditAccount
		limit, available, rate string
		createdAt, updatedAt   string
	)
	if err := rows.Scan(&acc.ID, &acc.ClientID, &limit, &available, &acc.State, &rate,
		&acc.Version, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan credit account: %w", err)
	}

	var err error
	if acc.ApprovedLimit, err = decimal.NewFromString(limit); err != nil {
		return nil, fmt.Errorf("account %s: bad approved limit: %w", acc.ID, err)
	}
	if acc.AvailableBalance, err = decimal.NewFromString(available); err != nil {
		return nil, fmt.Errorf("account %s: bad available balance: %w", acc.ID, err)
	}
	if acc.MonthlyRate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("account %s: bad monthly rate: %w", acc.ID, err)
	}
	acc.CreatedAt = parseTime(createdAt)
	acc.UpdatedAt = parseTime(updatedAt)
	return &acc, nil
}

func updateAccount(ctx context.Context, q querier, acc *credit.CreditAccount) error {
	res, err := q.ExecContext(ctx, `
		UPDATE credit_accounts SET
			approved_limit = ?, available_balance = ?, state = ?, monthly_rate = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`,
		acc.ApprovedLimit.String(), acc.AvailableBalance.String(), acc.State, acc.MonthlyRate.String(),
		formatTime(acc.UpdatedAt), acc.ID, acc.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update credit account: %w", err)
	}
	if err := checkVersioned(ctx, q, res, "credit_accounts", string(acc.ID), credit.ErrAccountNotFound); err != nil {
		return err
	}
	acc.Version++
	return nil
}

// =============================================================================
// INSTALLMENTS
// =============================================================================

func (s *Store) InsertInstallments(ctx context.Context, installments []credit.SaleInstallment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := insertInstallments(ctx, sqlTx, installments); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) InstallmentsBySale(ctx context.Context, saleID credit.SaleID) ([]credit.SaleInstallment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return installmentsBySale(ctx, s.db, saleID)
}

func (s *Store) DeleteInstallmentsBySale(ctx context.Context, saleID credit.SaleID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteInstallments(ctx, s.db, saleID)
}

func insertInstallments(ctx context.Context, q querier, installments []credit.SaleInstallment) error {
	query := `
		INSERT INTO sale_installments (id, sale_id, credit_account_id, number, amount, due_date, paid)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	for _, inst := range installments {
		_, err := q.ExecContext(ctx, query,
			inst.ID, inst.SaleID, inst.CreditAccountID, inst.Number,
			inst.Amount.String(), formatTime(inst.DueDate), inst.Paid,
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("installment %d already exists for sale %s", inst.Number, inst.SaleID)
			}
			return fmt.Errorf("failed to insert installment: %w", err)
		}
	}
	return nil
}

func installmentsBySale(ctx context.Context, q querier, saleID credit.SaleID) ([]credit.SaleInstallment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, credit_account_id, number, amount, due_date, paid
		FROM sale_installments
		WHERE sale_id = ?
		ORDER BY number ASC
	`, saleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query installments: %w", err)
	}
	defer rows.Close()

	var out []credit.SaleInstallment
	for rows.Next() {
		var (
			inst    credit.SaleInstallment
			amount  string
			dueDate string
		)
		if err := rows.Scan(&inst.ID, &inst.SaleID, &inst.CreditAccountID, &inst.Number,
			&amount, &dueDate, &inst.Paid); err != nil {
			return nil, fmt.Errorf("failed to scan installment: %w", err)
		}
		if inst.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("installment %s: bad amount: %w", inst.ID, err)
		}
		inst.DueDate = parseTime(dueDate)
		out = append(out, inst)
	}
	return out, rows.Err()
}

func deleteInstallments(ctx context.Context, q querier, saleID credit.SaleID) (int, error) {
	res, err := q.ExecContext(ctx, "DELETE FROM sale_installments WHERE sale_id = ?", saleID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete installments: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

// =============================================================================
// QUOTA MOVEMENTS (append-only)
// =============================================================================

func (s *Store) AppendMovement(ctx context.Context, m credit.QuotaMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendMovement(ctx, s.db, m)
}

func (s *Store) MovementsBySale(ctx context.Context, saleID credit.SaleID) ([]credit.QuotaMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return movementsBySale(ctx, s.db, saleID)
}

func appendMovement(ctx context.Context, q querier, m credit.QuotaMovement) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO quota_movements
		(id, account_id, sale_id, movement_type, amount, balance_after, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.AccountID, m.SaleID, m.Type,
		m.Amount.String(), m.BalanceAfter.String(),
		nullString(m.IdempotencyKey), formatTime(m.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", credit.ErrDuplicateIdempotencyKey, m.IdempotencyKey)
		}
		return fmt.Errorf("failed to append quota movement: %w", err)
	}
	return nil
}

func movementsBySale(ctx context.Context, q querier, saleID credit.SaleID) ([]credit.QuotaMovement, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, account_id, sale_id, movement_type, amount, balance_after, idempotency_key, created_at
		FROM quota_movements
		WHERE sale_id = ?
		ORDER BY rowid ASC
	`, saleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query quota movements: %w", err)
	}
	defer rows.Close()

	var out []credit.QuotaMovement
	for rows.Next() {
		var (
			m                    credit.QuotaMovement
			amount, balanceAfter string
			idempotencyKey       sql.NullString
			createdAt            string
		)
		if err := rows.Scan(&m.ID, &m.AccountID, &m.SaleID, &m.Type,
			&amount, &balanceAfter, &idempotencyKey, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan quota movement: %w", err)
		}
		if m.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("movement %s: bad amount: %w", m.ID, err)
		}
		if m.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
			return nil, fmt.Errorf("movement %s: bad balance: %w", m.ID, err)
		}
		m.IdempotencyKey = idempotencyKey.String
		m.CreatedAt = parseTime(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (credit.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store credit.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every read and write on the open transaction.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) InsertSale(ctx context.Context, sale *credit.Sale) error {
	return insertSale(ctx, ts.tx, sale)
}

func (ts *txStore) GetSale(ctx context.Context, id credit.SaleID) (*credit.Sale, error) {
	return getSale(ctx, ts.tx, id)
}

func (ts *txStore) UpdateSale(ctx context.Context, sale *credit.Sale) error {
	return updateSale(ctx, ts.tx, sale)
}

func (ts *txStore) InsertAccount(ctx context.Context, acc *credit.CreditAccount) error {
	return insertAccount(ctx, ts.tx, acc)
}

func (ts *txStore) GetAccount(ctx context.Context, id credit.AccountID) (*credit.CreditAccount, error) {
	return getAccount(ctx, ts.tx, id)
}

func (ts *txStore) AccountsByClient(ctx context.Context, clientID credit.ClientID) ([]credit.CreditAccount, error) {
	return accountsByClient(ctx, ts.tx, clientID)
}

func (ts *txStore) UpdateAccount(ctx context.Context, acc *credit.CreditAccount) error {
	return updateAccount(ctx, ts.tx, acc)
}

func (ts *txStore) InsertInstallments(ctx context.Context, installments []credit.SaleInstallment) error {
	return insertInstallments(ctx, ts.tx, installments)
}

func (ts *txStore) InstallmentsBySale(ctx context.Context, saleID credit.SaleID) ([]credit.SaleInstallment, error) {
	return installmentsBySale(ctx, ts.tx, saleID)
}

func (ts *txStore) DeleteInstallmentsBySale(ctx context.Context, saleID credit.SaleID) (int, error) {
	return deleteInstallments(ctx, ts.tx, saleID)
}

func (ts *txStore) AppendMovement(ctx context.Context, m credit.QuotaMovement) error {
	return appendMovement(ctx, ts.tx, m)
}

func (ts *txStore) MovementsBySale(ctx context.Context, saleID credit.SaleID) ([]credit.QuotaMovement, error) {
	return movementsBySale(ctx, ts.tx, saleID)
}

var (
	_ credit.TxStore         = (*Store)(nil)
	_ credit.ClientDirectory = (*Store)(nil)
)

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullAccountID(id *credit.AccountID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

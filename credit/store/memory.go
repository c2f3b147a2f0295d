// Package store provides in-memory implementations of the credit ports.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/credit-engine/credit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements credit.Store and credit.ClientDirectory.
// Values are copied on the way in and out; callers never share state with the store.
type Memory struct {
	mu           sync.RWMutex
	clients      map[credit.ClientID]credit.Client
	sales        map[credit.SaleID]credit.Sale
	accounts     map[credit.AccountID]credit.CreditAccount
	installments map[credit.SaleID][]credit.SaleInstallment
	movements    []credit.QuotaMovement
	idempotency  map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		clients:      make(map[credit.ClientID]credit.Client),
		sales:        make(map[credit.SaleID]credit.Sale),
		accounts:     make(map[credit.AccountID]credit.CreditAccount),
		installments: make(map[credit.SaleID][]credit.SaleInstallment),
		idempotency:  make(map[string]bool),
	}
}

// PutClient inserts or replaces a client.
func (m *Memory) PutClient(_ context.Context, c *credit.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ID] = cloneClient(c)
	return nil
}

func (m *Memory) GetClient(_ context.Context, id credit.ClientID) (*credit.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", credit.ErrClientNotFound, id)
	}
	out := cloneClient(&c)
	return &out, nil
}

func (m *Memory) InsertSale(_ context.Context, sale *credit.Sale) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertSaleLocked(sale)
}

func (m *Memory) GetSale(_ context.Context, id credit.SaleID) (*credit.Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getSaleLocked(id)
}

func (m *Memory) UpdateSale(_ context.Context, sale *credit.Sale) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateSaleLocked(sale)
}

func (m *Memory) InsertAccount(_ context.Context, acc *credit.CreditAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertAccountLocked(acc)
}

func (m *Memory) GetAccount(_ context.Context, id credit.AccountID) (*credit.CreditAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAccountLocked(id)
}

func (m *Memory) AccountsByClient(_ context.Context, clientID credit.ClientID) ([]credit.CreditAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accountsByClientLocked(clientID), nil
}

func (m *Memory) UpdateAccount(_ context.Context, acc *credit.CreditAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateAccountLocked(acc)
}

func (m *Memory) InsertInstallments(_ context.Context, installments []credit.SaleInstallment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertInstallmentsLocked(installments)
}

func (m *Memory) InstallmentsBySale(_ context.Context, saleID credit.SaleID) ([]credit.SaleInstallment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]credit.SaleInstallment(nil), m.installments[saleID]...), nil
}

func (m *Memory) DeleteInstallmentsBySale(_ context.Context, saleID credit.SaleID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteInstallmentsLocked(saleID), nil
}

func (m *Memory) AppendMovement(_ context.Context, mv credit.QuotaMovement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendMovementLocked(mv)
}

func (m *Memory) MovementsBySale(_ context.Context, saleID credit.SaleID) ([]credit.QuotaMovement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.movementsBySaleLocked(saleID), nil
}

// =============================================================================
// LOCKED OPERATIONS - Shared by Memory and the transactional view
// =============================================================================

func (m *Memory) insertSaleLocked(sale *credit.Sale) error {
	if _, exists := m.sales[sale.ID]; exists {
		return fmt.Errorf("sale %s already exists", sale.ID)
	}
	if sale.Version == 0 {
		sale.Version = 1
	}
	m.sales[sale.ID] = cloneSale(sale)
	return nil
}

func (m *Memory) getSaleLocked(id credit.SaleID) (*credit.Sale, error) {
	s, ok := m.sales[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", credit.ErrSaleNotFound, id)
	}
	out := cloneSale(&s)
	return &out, nil
}

func (m *Memory) updateSaleLocked(sale *credit.Sale) error {
	stored, ok := m.sales[sale.ID]
	if !ok {
		return fmt.Errorf("%w: %s", credit.ErrSaleNotFound, sale.ID)
	}
	if stored.Version != sale.Version {
		return fmt.Errorf("%w: sale %s at version %d, have %d",
			credit.ErrConcurrentModification, sale.ID, stored.Version, sale.Version)
	}
	sale.Version++
	m.sales[sale.ID] = cloneSale(sale)
	return nil
}

func (m *Memory) insertAccountLocked(acc *credit.CreditAccount) error {
	if _, exists := m.accounts[acc.ID]; exists {
		return fmt.Errorf("credit account %s already exists", acc.ID)
	}
	if acc.Version == 0 {
		acc.Version = 1
	}
	m.accounts[acc.ID] = *acc
	return nil
}

func (m *Memory) getAccountLocked(id credit.AccountID) (*credit.CreditAccount, error) {
	acc, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", credit.ErrAccountNotFound, id)
	}
	return &acc, nil
}

func (m *Memory) accountsByClientLocked(clientID credit.ClientID) []credit.CreditAccount {
	var out []credit.CreditAccount
	for _, acc := range m.accounts {
		if acc.ClientID == clientID {
			out = append(out, acc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Memory) updateAccountLocked(acc *credit.CreditAccount) error {
	stored, ok := m.accounts[acc.ID]
	if !ok {
		return fmt.Errorf("%w: %s", credit.ErrAccountNotFound, acc.ID)
	}
	if stored.Version != acc.Version {
		return fmt.Errorf("%w: credit account %s at version %d, have %d",
			credit.ErrConcurrentModification, acc.ID, stored.Version, acc.Version)
	}
	acc.Version++
	m.accounts[acc.ID] = *acc
	return nil
}

func (m *Memory) insertInstallmentsLocked(installments []credit.SaleInstallment) error {
	batch := make(map[credit.SaleID][]credit.SaleInstallment)
	for _, inst := range installments {
		if len(m.installments[inst.SaleID]) > 0 {
			return fmt.Errorf("installments already exist for sale %s", inst.SaleID)
		}
		batch[inst.SaleID] = append(batch[inst.SaleID], inst)
	}
	for saleID, insts := range batch {
		seen := make(map[int]bool, len(insts))
		for _, inst := range insts {
			if seen[inst.Number] {
				return fmt.Errorf("duplicate installment number %d for sale %s", inst.Number, saleID)
			}
			seen[inst.Number] = true
		}
		sort.Slice(insts, func(i, j int) bool { return insts[i].Number < insts[j].Number })
		m.installments[saleID] = insts
	}
	return nil
}

func (m *Memory) deleteInstallmentsLocked(saleID credit.SaleID) int {
	n := len(m.installments[saleID])
	delete(m.installments, saleID)
	return n
}

func (m *Memory) appendMovementLocked(mv credit.QuotaMovement) error {
	if mv.IdempotencyKey != "" && m.idempotency[mv.IdempotencyKey] {
		return fmt.Errorf("%w: %s", credit.ErrDuplicateIdempotencyKey, mv.IdempotencyKey)
	}
	m.movements = append(m.movements, mv)
	if mv.IdempotencyKey != "" {
		m.idempotency[mv.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) movementsBySaleLocked(saleID credit.SaleID) []credit.QuotaMovement {
	var out []credit.QuotaMovement
	for _, mv := range m.movements {
		if mv.SaleID == saleID {
			out = append(out, mv)
		}
	}
	return out
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole call, so transactions are serialized.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(credit.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	sales        map[credit.SaleID]credit.Sale
	accounts     map[credit.AccountID]credit.CreditAccount
	installments map[credit.SaleID][]credit.SaleInstallment
	movements    []credit.QuotaMovement
	idempotency  map[string]bool
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		sales:        make(map[credit.SaleID]credit.Sale, len(tm.sales)),
		accounts:     make(map[credit.AccountID]credit.CreditAccount, len(tm.accounts)),
		installments: make(map[credit.SaleID][]credit.SaleInstallment, len(tm.installments)),
		movements:    append([]credit.QuotaMovement(nil), tm.movements...),
		idempotency:  make(map[string]bool, len(tm.idempotency)),
	}
	for k, v := range tm.sales {
		s.sales[k] = cloneSale(&v)
	}
	for k, v := range tm.accounts {
		s.accounts[k] = v
	}
	for k, v := range tm.installments {
		s.installments[k] = append([]credit.SaleInstallment(nil), v...)
	}
	for k, v := range tm.idempotency {
		s.idempotency[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.sales = s.sales
	tm.accounts = s.accounts
	tm.installments = s.installments
	tm.movements = s.movements
	tm.idempotency = s.idempotency
}

// txMemoryView is the Store handed to WithTx callbacks. The parent lock is
// already held, so it goes straight to the locked operations.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) InsertSale(_ context.Context, sale *credit.Sale) error {
	return tv.parent.insertSaleLocked(sale)
}

func (tv *txMemoryView) GetSale(_ context.Context, id credit.SaleID) (*credit.Sale, error) {
	return tv.parent.getSaleLocked(id)
}

func (tv *txMemoryView) UpdateSale(_ context.Context, sale *credit.Sale) error {
	return tv.parent.updateSaleLocked(sale)
}

func (tv *txMemoryView) InsertAccount(_ context.Context, acc *credit.CreditAccount) error {
	return tv.parent.insertAccountLocked(acc)
}

func (tv *txMemoryView) GetAccount(_ context.Context, id credit.AccountID) (*credit.CreditAccount, error) {
	return tv.parent.getAccountLocked(id)
}

func (tv *txMemoryView) AccountsByClient(_ context.Context, clientID credit.ClientID) ([]credit.CreditAccount, error) {
	return tv.parent.accountsByClientLocked(clientID), nil
}

func (tv *txMemoryView) UpdateAccount(_ context.Context, acc *credit.CreditAccount) error {
	return tv.parent.updateAccountLocked(acc)
}

func (tv *txMemoryView) InsertInstallments(_ context.Context, installments []credit.SaleInstallment) error {
	return tv.parent.insertInstallmentsLocked(installments)
}

func (tv *txMemoryView) InstallmentsBySale(_ context.Context, saleID credit.SaleID) ([]credit.SaleInstallment, error) {
	return append([]credit.SaleInstallment(nil), tv.parent.installments[saleID]...), nil
}

func (tv *txMemoryView) DeleteInstallmentsBySale(_ context.Context, saleID credit.SaleID) (int, error) {
	return tv.parent.deleteInstallmentsLocked(saleID), nil
}

func (tv *txMemoryView) AppendMovement(_ context.Context, mv credit.QuotaMovement) error {
	return tv.parent.appendMovementLocked(mv)
}

func (tv *txMemoryView) MovementsBySale(_ context.Context, saleID credit.SaleID) ([]credit.QuotaMovement, error) {
	return tv.parent.movementsBySaleLocked(saleID), nil
}

// =============================================================================
// COPY HELPERS
// =============================================================================

func cloneSale(s *credit.Sale) credit.Sale {
	out := *s
	out.Items = append([]credit.LineItem(nil), s.Items...)
	out.AuthorizationReasons = append([]credit.AuthorizationReason(nil), s.AuthorizationReasons...)
	if s.Plan != nil {
		plan := *s.Plan
		out.Plan = &plan
	}
	if s.CreditAccountID != nil {
		id := *s.CreditAccountID
		out.CreditAccountID = &id
	}
	return out
}

func cloneClient(c *credit.Client) credit.Client {
	out := *c
	out.Documents = append([]credit.Document(nil), c.Documents...)
	out.ActiveCredits = append([]credit.ActiveCredit(nil), c.ActiveCredits...)
	return out
}

var (
	_ credit.TxStore         = (*TxMemory)(nil)
	_ credit.ClientDirectory = (*Memory)(nil)
)

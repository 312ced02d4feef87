package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/spendguard/internal/domain"
)

// MemoryRepository keeps accounts and transactions in process memory.
// It is used by tests and by the "memory" driver for throwaway runs.
type MemoryRepository struct {
	mu           sync.RWMutex
	accounts     map[string]*domain.Account     // key: userID:accountID
	transactions map[string]*domain.Transaction // key: userID:txID
	byUser       map[string][]*domain.Transaction
	closed       bool
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:     make(map[string]*domain.Account),
		transactions: make(map[string]*domain.Transaction),
		byUser:       make(map[string][]*domain.Transaction),
	}
}

func memKey(userID, id string) string {
	return userID + ":" + id
}

// SaveAccount creates or replaces an account.
func (m *MemoryRepository) SaveAccount(ctx context.Context, userID string, account *domain.Account) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct := *account
	acct.UserID = userID
	m.accounts[memKey(userID, account.ID)] = &acct
	return nil
}

// GetAccount returns a copy of the stored account.
func (m *MemoryRepository) GetAccount(ctx context.Context, userID string, accountID string) (*domain.Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[memKey(userID, accountID)]
	if !ok {
		return nil, ErrNotFound
	}
	out := *acct
	return &out, nil
}

// CreateTransaction stores tx and updates the account balance under one lock.
func (m *MemoryRepository) CreateTransaction(ctx context.Context, userID string, tx *domain.Transaction) (*domain.Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[memKey(userID, tx.AccountID)]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", tx.AccountID, ErrNotFound)
	}
	if _, exists := m.transactions[memKey(userID, tx.ID)]; exists {
		return nil, fmt.Errorf("%w: duplicate transaction id %s", ErrInvalidInput, tx.ID)
	}

	tx.UserID = userID
	if tx.Currency == "" {
		tx.Currency = acct.Currency
	}

	stored := *tx
	m.transactions[memKey(userID, tx.ID)] = &stored
	m.byUser[userID] = append(m.byUser[userID], &stored)

	acct.Balance = acct.Balance.Add(tx.BalanceChange())
	out := *acct
	return &out, nil
}

// UpdateTransaction replaces a stored transaction and moves balances under
// one lock. The old change is reversed on its account and the new change
// applied to tx.AccountID.
func (m *MemoryRepository) UpdateTransaction(ctx context.Context, userID string, tx *domain.Transaction) (*domain.Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.transactions[memKey(userID, tx.ID)]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", tx.ID, ErrNotFound)
	}
	oldAcct, ok := m.accounts[memKey(userID, stored.AccountID)]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", stored.AccountID, ErrNotFound)
	}
	newAcct, ok := m.accounts[memKey(userID, tx.AccountID)]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", tx.AccountID, ErrNotFound)
	}

	tx.UserID = userID
	tx.CreatedAt = stored.CreatedAt
	if tx.Currency == "" {
		tx.Currency = newAcct.Currency
	}

	oldAcct.Balance = oldAcct.Balance.Sub(stored.BalanceChange())
	newAcct.Balance = newAcct.Balance.Add(tx.BalanceChange())

	// byUser shares the pointer, so both indexes see the new value.
	*stored = *tx
	out := *newAcct
	return &out, nil
}

// GetTransaction returns a copy of the stored transaction.
func (m *MemoryRepository) GetTransaction(ctx context.Context, userID string, txID string) (*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[memKey(userID, txID)]
	if !ok {
		return nil, ErrNotFound
	}
	out := *tx
	return &out, nil
}

// ListTransactions returns matching transactions, newest first.
func (m *MemoryRepository) ListTransactions(ctx context.Context, userID string, filter domain.TransactionFilter) ([]*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	return m.selectTx(userID, filter.Limit, func(tx *domain.Transaction) bool {
		return (filter.AccountID == "" || tx.AccountID == filter.AccountID) &&
			(filter.Type == "" || tx.Type == filter.Type) &&
			(filter.Category == "" || tx.Category == filter.Category) &&
			(filter.Since.IsZero() || !tx.Date.Before(filter.Since))
	}), nil
}

// RecentByCategory returns the user's latest expenses in a category.
func (m *MemoryRepository) RecentByCategory(ctx context.Context, q domain.HistoryQuery, limit int) ([]*domain.Transaction, error) {
	if err := m.checkHistory(ctx, q); err != nil {
		return nil, err
	}
	return m.selectTx(q.UserID, limit, func(tx *domain.Transaction) bool {
		return isPriorExpense(tx, q) && tx.Category == q.Category
	}), nil
}

// RecentByMerchant returns the user's latest expenses with an identical description.
func (m *MemoryRepository) RecentByMerchant(ctx context.Context, q domain.HistoryQuery, limit int) ([]*domain.Transaction, error) {
	if err := m.checkHistory(ctx, q); err != nil {
		return nil, err
	}
	return m.selectTx(q.UserID, limit, func(tx *domain.Transaction) bool {
		return isPriorExpense(tx, q) && tx.Description == q.Description
	}), nil
}

// RecentOverall returns the user's latest expenses across all categories.
func (m *MemoryRepository) RecentOverall(ctx context.Context, q domain.HistoryQuery, limit int) ([]*domain.Transaction, error) {
	if err := m.checkHistory(ctx, q); err != nil {
		return nil, err
	}
	return m.selectTx(q.UserID, limit, func(tx *domain.Transaction) bool {
		return isPriorExpense(tx, q)
	}), nil
}

// ExactDuplicatesInWindow returns expenses with the same description and
// amount dated within [start, end].
func (m *MemoryRepository) ExactDuplicatesInWindow(ctx context.Context, q domain.HistoryQuery, start, end time.Time) ([]*domain.Transaction, error) {
	if err := m.checkHistory(ctx, q); err != nil {
		return nil, err
	}
	return m.selectTx(q.UserID, 0, func(tx *domain.Transaction) bool {
		return isPriorExpense(tx, q) &&
			tx.Description == q.Description &&
			tx.Amount.Equal(q.Amount) &&
			!tx.Date.Before(start) && !tx.Date.After(end)
	}), nil
}

func (m *MemoryRepository) checkHistory(ctx context.Context, q domain.HistoryQuery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q.UserID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}
	return nil
}

func isPriorExpense(tx *domain.Transaction, q domain.HistoryQuery) bool {
	return tx.Type == domain.TypeExpense && tx.ID != q.ExcludeID
}

// selectTx filters a user's transactions and orders them by date then
// creation time, newest first. limit <= 0 means no limit.
func (m *MemoryRepository) selectTx(userID string, limit int, keep func(*domain.Transaction) bool) []*domain.Transaction {
	m.mu.RLock()
	var out []*domain.Transaction
	for _, tx := range m.byUser[userID] {
		if keep(tx) {
			cp := *tx
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Ping reports whether the repository is still open.
func (m *MemoryRepository) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("memory repository closed")
	}
	return nil
}

// Close marks the repository closed.
func (m *MemoryRepository) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/spendguard/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	// ErrCorruptRecord marks a stored row that cannot be decoded. Reading it
	// again returns the same bytes, so it is never retried.
	ErrCorruptRecord = errors.New("corrupt record")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
	retry  retryPolicy
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	if cfg.Driver == "memory" {
		return NewMemoryRepository(), nil
	}

	db, err := openDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
		retry:  newRetryPolicy(cfg.ReadAttempts, cfg.ReadRetryDelay),
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveAccount creates or replaces an account with user isolation.
func (r *SQLRepository) SaveAccount(ctx context.Context, userID string, account *domain.Account) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO accounts (id, user_id, name, currency, balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			currency = excluded.currency,
			balance = excluded.balance
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		account.ID, userID, account.Name, account.Currency,
		account.Balance.String(), account.CreatedAt.UTC(),
	)
	return err
}

// GetAccount retrieves an account by ID with user isolation.
func (r *SQLRepository) GetAccount(ctx context.Context, userID string, accountID string) (*domain.Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, user_id, name, currency, balance, created_at
		FROM accounts
		WHERE user_id = ? AND id = ?
	`

	var acct domain.Account
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID, accountID).Scan(
		&acct.ID, &acct.UserID, &acct.Name, &acct.Currency, &acct.Balance, &acct.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// CreateTransaction inserts tx and applies its balance change in one database transaction.
func (r *SQLRepository) CreateTransaction(ctx context.Context, userID string, tx *domain.Transaction) (*domain.Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback()

	acct, err := r.lockAccount(ctx, dbTx, userID, tx.AccountID)
	if err != nil {
		return nil, err
	}

	if tx.Currency == "" {
		tx.Currency = acct.Currency
	}

	insert := `
		INSERT INTO transactions (
			id, user_id, account_id, type, amount, currency, category, description,
			date, created_at, is_recurring, recurring_interval, next_recurring_date
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	recurring, interval, next := recurrenceArgs(tx)
	_, err = dbTx.ExecContext(ctx, r.rebind(insert),
		tx.ID, userID, tx.AccountID, string(tx.Type), tx.Amount.String(), tx.Currency,
		tx.Category, tx.Description, tx.Date.UTC(), tx.CreatedAt.UTC(),
		recurring, interval, next,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}

	acct.Balance = acct.Balance.Add(tx.BalanceChange())
	if err := r.saveBalance(ctx, dbTx, userID, acct); err != nil {
		return nil, err
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	tx.UserID = userID
	return acct, nil
}

// UpdateTransaction replaces a stored transaction and moves balances in one
// database transaction. The old change is reversed on its account and the new
// change applied to tx.AccountID, which may be a different account. ID and
// CreatedAt are kept. It returns the account tx now belongs to.
func (r *SQLRepository) UpdateTransaction(ctx context.Context, userID string, tx *domain.Transaction) (*domain.Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback()

	selectOld := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = ? AND id = ?`
	if r.driver == "postgres" {
		selectOld += " FOR UPDATE"
	}
	old, err := scanTransaction(dbTx.QueryRowContext(ctx, r.rebind(selectOld), userID, tx.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", tx.ID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	oldAcct, err := r.lockAccount(ctx, dbTx, userID, old.AccountID)
	if err != nil {
		return nil, err
	}
	newAcct := oldAcct
	if tx.AccountID != old.AccountID {
		if newAcct, err = r.lockAccount(ctx, dbTx, userID, tx.AccountID); err != nil {
			return nil, err
		}
	}

	if tx.Currency == "" {
		tx.Currency = newAcct.Currency
	}
	tx.UserID = userID
	tx.CreatedAt = old.CreatedAt

	update := `
		UPDATE transactions SET
			account_id = ?, type = ?, amount = ?, currency = ?, category = ?, description = ?,
			date = ?, is_recurring = ?, recurring_interval = ?, next_recurring_date = ?
		WHERE user_id = ? AND id = ?
	`
	recurring, interval, next := recurrenceArgs(tx)
	_, err = dbTx.ExecContext(ctx, r.rebind(update),
		tx.AccountID, string(tx.Type), tx.Amount.String(), tx.Currency, tx.Category, tx.Description,
		tx.Date.UTC(), recurring, interval, next,
		userID, tx.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update transaction: %w", err)
	}

	oldAcct.Balance = oldAcct.Balance.Sub(old.BalanceChange())
	newAcct.Balance = newAcct.Balance.Add(tx.BalanceChange())
	if err := r.saveBalance(ctx, dbTx, userID, oldAcct); err != nil {
		return nil, err
	}
	if newAcct != oldAcct {
		if err := r.saveBalance(ctx, dbTx, userID, newAcct); err != nil {
			return nil, err
		}
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return newAcct, nil
}

// lockAccount reads an account inside dbTx, row-locked on postgres.
func (r *SQLRepository) lockAccount(ctx context.Context, dbTx *sql.Tx, userID, accountID string) (*domain.Account, error) {
	query := `
		SELECT id, user_id, name, currency, balance, created_at
		FROM accounts
		WHERE user_id = ? AND id = ?
	`
	if r.driver == "postgres" {
		query += " FOR UPDATE"
	}

	var acct domain.Account
	err := dbTx.QueryRowContext(ctx, r.rebind(query), userID, accountID).Scan(
		&acct.ID, &acct.UserID, &acct.Name, &acct.Currency, &acct.Balance, &acct.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (r *SQLRepository) saveBalance(ctx context.Context, dbTx *sql.Tx, userID string, acct *domain.Account) error {
	update := `UPDATE accounts SET balance = ? WHERE user_id = ? AND id = ?`
	if _, err := dbTx.ExecContext(ctx, r.rebind(update), acct.Balance.String(), userID, acct.ID); err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func recurrenceArgs(tx *domain.Transaction) (recurring int, interval string, next any) {
	if tx.IsRecurring {
		recurring = 1
	}
	if tx.NextRecurringDate != nil {
		next = tx.NextRecurringDate.UTC()
	}
	return recurring, string(tx.RecurringInterval), next
}

const transactionColumns = `
	id, user_id, account_id, type, amount, currency, category, description,
	date, created_at, is_recurring, recurring_interval, next_recurring_date
`

// GetTransaction retrieves a transaction by ID with user isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, userID string, txID string) (*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = ? AND id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), userID, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// ListTransactions returns a user's transactions, newest first.
func (r *SQLRepository) ListTransactions(ctx context.Context, userID string, filter domain.TransactionFilter) ([]*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	var where []string
	args := []any{userID}
	where = append(where, "user_id = ?")

	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if !filter.Since.IsZero() {
		where = append(where, "date >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY date DESC, created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(filter.Limit)
	}

	return r.queryTransactions(ctx, query, args...)
}

// RecentByCategory returns the user's latest expenses in a category.
func (r *SQLRepository) RecentByCategory(ctx context.Context, q domain.HistoryQuery, limit int) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE user_id = ? AND type = ? AND category = ? AND id <> ?
		ORDER BY date DESC, created_at DESC
		LIMIT ?`

	return r.readHistory(ctx, "category", q, query,
		q.UserID, string(domain.TypeExpense), q.Category, q.ExcludeID, limit)
}

// RecentByMerchant returns the user's latest expenses with an identical description.
func (r *SQLRepository) RecentByMerchant(ctx context.Context, q domain.HistoryQuery, limit int) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE user_id = ? AND type = ? AND description = ? AND id <> ?
		ORDER BY date DESC, created_at DESC
		LIMIT ?`

	return r.readHistory(ctx, "merchant", q, query,
		q.UserID, string(domain.TypeExpense), q.Description, q.ExcludeID, limit)
}

// RecentOverall returns the user's latest expenses across all categories.
func (r *SQLRepository) RecentOverall(ctx context.Context, q domain.HistoryQuery, limit int) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE user_id = ? AND type = ? AND id <> ?
		ORDER BY date DESC, created_at DESC
		LIMIT ?`

	return r.readHistory(ctx, "overall", q, query,
		q.UserID, string(domain.TypeExpense), q.ExcludeID, limit)
}

// ExactDuplicatesInWindow returns expenses with the same description and amount
// dated within [start, end].
func (r *SQLRepository) ExactDuplicatesInWindow(ctx context.Context, q domain.HistoryQuery, start, end time.Time) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE user_id = ? AND type = ? AND description = ? AND amount = ?
		  AND date >= ? AND date <= ? AND id <> ?
		ORDER BY date DESC, created_at DESC`

	return r.readHistory(ctx, "duplicates", q, query,
		q.UserID, string(domain.TypeExpense), q.Description, q.Amount.String(),
		start.UTC(), end.UTC(), q.ExcludeID)
}

// readHistory runs a history query under the retry policy.
func (r *SQLRepository) readHistory(ctx context.Context, name string, q domain.HistoryQuery, query string, args ...any) ([]*domain.Transaction, error) {
	if q.UserID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	var txs []*domain.Transaction
	err := r.retry.do(ctx, name, func() error {
		var err error
		txs, err = r.queryTransactions(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s history: %w", name, err)
	}
	return txs, nil
}

func (r *SQLRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]*domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		tx        domain.Transaction
		txType    string
		amount    string
		recurring int
		interval  string
		next      sql.NullTime
	)

	if err := row.Scan(
		&tx.ID, &tx.UserID, &tx.AccountID, &txType, &amount, &tx.Currency,
		&tx.Category, &tx.Description, &tx.Date, &tx.CreatedAt,
		&recurring, &interval, &next,
	); err != nil {
		return nil, err
	}

	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q on transaction %s: %w", ErrCorruptRecord, amount, tx.ID, err)
	}

	tx.Type = domain.TransactionType(txType)
	tx.Amount = amt
	tx.IsRecurring = recurring == 1
	tx.RecurringInterval = domain.RecurringInterval(interval)
	if next.Valid {
		t := next.Time
		tx.NextRecurringDate = &t
	}

	return &tx, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, strconv.Itoa(n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

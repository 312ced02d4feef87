package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType distinguishes money leaving an account from money entering it.
type TransactionType string

const (
	TypeExpense TransactionType = "EXPENSE"
	TypeIncome  TransactionType = "INCOME"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	return t == TypeExpense || t == TypeIncome
}

// RecurringInterval is the cadence of a recurring transaction.
type RecurringInterval string

const (
	IntervalDaily   RecurringInterval = "DAILY"
	IntervalWeekly  RecurringInterval = "WEEKLY"
	IntervalMonthly RecurringInterval = "MONTHLY"
	IntervalYearly  RecurringInterval = "YEARLY"
)

// Transaction is a recorded ledger entry owned by a user.
type Transaction struct {
	// Core identifiers
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	AccountID string `json:"accountId"`

	Type     TransactionType `json:"type"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`

	Category    string `json:"category"`
	Description string `json:"description,omitempty"`

	// Temporal
	Date      time.Time `json:"date"`
	CreatedAt time.Time `json:"createdAt"`

	// Recurrence
	IsRecurring       bool              `json:"isRecurring"`
	RecurringInterval RecurringInterval `json:"recurringInterval,omitempty"`
	NextRecurringDate *time.Time        `json:"nextRecurringDate,omitempty"`
}

// TransactionRequest is the API request payload for recording a transaction.
type TransactionRequest struct {
	AccountID         string            `json:"accountId"`
	Type              TransactionType   `json:"type"`
	Amount            decimal.Decimal   `json:"amount"`
	Category          string            `json:"category"`
	Description       string            `json:"description,omitempty"`
	Date              *time.Time        `json:"date,omitempty"`
	IsRecurring       bool              `json:"isRecurring,omitempty"`
	RecurringInterval RecurringInterval `json:"recurringInterval,omitempty"`
}

// Validate checks the request fields that do not need the store.
func (r *TransactionRequest) Validate() error {
	if r.AccountID == "" {
		return fmt.Errorf("%w: accountId is required", ErrInvalidTransaction)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: type must be EXPENSE or INCOME", ErrInvalidTransaction)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidTransaction)
	}
	if r.Category == "" {
		return fmt.Errorf("%w: category is required", ErrInvalidTransaction)
	}
	if r.IsRecurring {
		switch r.RecurringInterval {
		case IntervalDaily, IntervalWeekly, IntervalMonthly, IntervalYearly:
		default:
			return fmt.Errorf("%w: recurring transactions need a valid recurringInterval", ErrInvalidTransaction)
		}
	}
	return nil
}

// ToTransaction converts a request to a Transaction domain object.
// ID and Currency are assigned by the caller.
func (r *TransactionRequest) ToTransaction(userID string) *Transaction {
	now := time.Now().UTC()
	date := now
	if r.Date != nil && !r.Date.IsZero() {
		date = r.Date.UTC()
	}

	tx := &Transaction{
		UserID:      userID,
		AccountID:   r.AccountID,
		Type:        r.Type,
		Amount:      r.Amount,
		Category:    r.Category,
		Description: r.Description,
		Date:        date,
		CreatedAt:   now,
		IsRecurring: r.IsRecurring,
	}

	if r.IsRecurring && r.RecurringInterval != "" {
		tx.RecurringInterval = r.RecurringInterval
		next := NextRecurringDate(date, r.RecurringInterval)
		tx.NextRecurringDate = &next
	}

	return tx
}

// BalanceChange is the signed effect of the transaction on its account.
func (t *Transaction) BalanceChange() decimal.Decimal {
	if t.Type == TypeExpense {
		return t.Amount.Neg()
	}
	return t.Amount
}

// NextRecurringDate returns the next occurrence after from for the given interval.
// Month and year steps follow time.AddDate normalization (Jan 31 + 1 month = Mar 3).
func NextRecurringDate(from time.Time, interval RecurringInterval) time.Time {
	switch interval {
	case IntervalDaily:
		return from.AddDate(0, 0, 1)
	case IntervalWeekly:
		return from.AddDate(0, 0, 7)
	case IntervalMonthly:
		return from.AddDate(0, 1, 0)
	case IntervalYearly:
		return from.AddDate(1, 0, 0)
	default:
		return from
	}
}

// Account holds a balance that transactions move.
type Account struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Name      string          `json:"name"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"createdAt"`
}

// TransactionFilter narrows ListTransactions results. A zero Since means no
// lower date bound.
type TransactionFilter struct {
	AccountID string
	Type      TransactionType
	Category  string
	Since     time.Time
	Limit     int
}

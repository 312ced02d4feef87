package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Candidate is the expense being scored. It is never persisted by the scorer.
type Candidate struct {
	// ID of the already-recorded transaction, if any. History reads exclude it.
	ID          string          `json:"id,omitempty"`
	UserID      string          `json:"userId"`
	Type        TransactionType `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
	Description string          `json:"description,omitempty"`
	Date        time.Time       `json:"date"`
}

// CandidateFromTransaction builds a scoring candidate for a recorded transaction.
func CandidateFromTransaction(tx *Transaction) *Candidate {
	return &Candidate{
		ID:          tx.ID,
		UserID:      tx.UserID,
		Type:        tx.Type,
		Amount:      tx.Amount,
		Category:    tx.Category,
		Description: tx.Description,
		Date:        tx.Date,
	}
}

// Trigger is a signal raised by a single detector.
type Trigger struct {
	Detector   string `json:"detector"`
	Confidence int    `json:"confidence"` // 0-99
	Reason     string `json:"reason"`
}

// Verdict is the single most suspicious signal found for a candidate.
// A nil *Verdict means no anomaly.
type Verdict struct {
	Confidence int    `json:"confidence"`
	Reason     string `json:"reason"`
}

// HistoryQuery selects a user's past expenses. ExcludeID keeps the candidate
// out of its own history once it has been recorded.
type HistoryQuery struct {
	UserID      string
	Category    string
	Description string
	Amount      decimal.Decimal
	ExcludeID   string
}

// HistoryProvider is the read-only view of a user's expense history the scorer
// depends on. Every method returns expenses only, newest first.
type HistoryProvider interface {
	// RecentByCategory returns up to limit expenses in q.Category.
	RecentByCategory(ctx context.Context, q HistoryQuery, limit int) ([]*Transaction, error)

	// RecentByMerchant returns up to limit expenses whose description equals q.Description.
	RecentByMerchant(ctx context.Context, q HistoryQuery, limit int) ([]*Transaction, error)

	// RecentOverall returns up to limit expenses across all categories.
	RecentOverall(ctx context.Context, q HistoryQuery, limit int) ([]*Transaction, error)

	// ExactDuplicatesInWindow returns expenses matching q.Description and q.Amount
	// exactly with start <= date <= end.
	ExactDuplicatesInWindow(ctx context.Context, q HistoryQuery, start, end time.Time) ([]*Transaction, error)
}

package domain

import "time"

// UnknownMerchant is shown in alerts for expenses recorded without a description.
const UnknownMerchant = "Unknown"

// AlertDateLayout formats the expense date in notifications.
const AlertDateLayout = "Jan 2, 2006 3:04 PM MST"

// AnomalyAlert is the notification payload published for a flagged expense.
type AnomalyAlert struct {
	TxID       string    `json:"txId"`
	UserID     string    `json:"userId"`
	Amount     string    `json:"amount"`
	Currency   string    `json:"currency"`
	Date       string    `json:"date"`
	Merchant   string    `json:"merchant"`
	Category   string    `json:"category"`
	Confidence int       `json:"confidence"`
	Reason     string    `json:"reason"`
	TraceID    string    `json:"traceId,omitempty"`
	DetectedAt time.Time `json:"detectedAt"`
}

// NewAnomalyAlert builds the alert payload for a recorded expense and its verdict.
func NewAnomalyAlert(tx *Transaction, v *Verdict) *AnomalyAlert {
	merchant := tx.Description
	if merchant == "" {
		merchant = UnknownMerchant
	}

	return &AnomalyAlert{
		TxID:       tx.ID,
		UserID:     tx.UserID,
		Amount:     tx.Amount.StringFixed(2),
		Currency:   tx.Currency,
		Date:       tx.Date.Format(AlertDateLayout),
		Merchant:   merchant,
		Category:   tx.Category,
		Confidence: v.Confidence,
		Reason:     v.Reason,
		DetectedAt: time.Now().UTC(),
	}
}

// ScoringFailure is published when the scorer could not decide for a recorded expense.
type ScoringFailure struct {
	TxID     string    `json:"txId"`
	UserID   string    `json:"userId"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}

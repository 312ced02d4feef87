package domain

import "errors"

var (
	// ErrHistoryUnavailable means the scorer could not read history and made no decision.
	ErrHistoryUnavailable = errors.New("anomaly history unavailable")

	// ErrInvalidCandidate means the candidate failed validation before any read.
	ErrInvalidCandidate = errors.New("invalid anomaly candidate")

	// ErrInvalidTransaction means a transaction request failed validation.
	ErrInvalidTransaction = errors.New("invalid transaction")
)

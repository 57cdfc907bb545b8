package billing

import "errors"

var (
	ErrUserNotFound    = errors.New("billing: user not found")
	ErrVideoNotFound   = errors.New("billing: video not found")
	ErrCreatorNotFound = errors.New("billing: creator not found")
	ErrCreatorRequired = errors.New("billing: creator id required for settlement")
	ErrNoActiveSession = errors.New("billing: no active session")
	ErrInvalidCost     = errors.New("billing: unit cost must be positive")
	// ErrLedgerUnavailable wraps Fast or Durable Ledger infrastructure failures.
	ErrLedgerUnavailable = errors.New("billing: ledger unavailable")
	// ErrSessionChanged aborts a session update when the stored session is not the one the caller expected.
	ErrSessionChanged = errors.New("billing: session changed")
	// ErrLeaseLost means a settlement marker was replaced or recovered by another settlement.
	ErrLeaseLost = errors.New("billing: settlement lease lost")
)

// Rejection reasons reported in AdmissionResult.Reason.
const (
	ReasonInsufficientBalance = "insufficient balance"
	ReasonUserNotFound        = "user not found"
	ReasonUnavailable         = "billing unavailable"
)

package domain

import (
	"errors"
	"fmt"
)

var (
	// Validation
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrSameAccount   = errors.New("sender and recipient are the same account")
	ErrInvalidSpeed  = errors.New("withdrawal speed must be standard or instant")
	ErrMissingKey    = errors.New("idempotency key is required")
	ErrInvalidKey    = errors.New("idempotency key must not contain ':'")

	// Ledger
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different parameters")
	ErrConflict            = errors.New("concurrent update conflict, retry with the same idempotency key")

	// Lookup
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrRequestNotFound     = errors.New("money request not found")

	// State machines
	ErrInvalidStateTransition = errors.New("invalid transaction state transition")
	ErrInvalidRequestState    = errors.New("money request is not pending")

	ErrForbidden    = errors.New("forbidden")
	ErrRiskBlocked  = errors.New("transfer blocked by risk policy")
	ErrBankRejected = errors.New("bank network rejected the instruction")
)

// RiskBlockedError is returned alongside a blocked Transaction.
type RiskBlockedError struct {
	Reason string
}

func (e *RiskBlockedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrRiskBlocked, e.Reason)
}

func (e *RiskBlockedError) Is(target error) bool {
	return target == ErrRiskBlocked
}

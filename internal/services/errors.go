package services

import "errors"

// Ledger precondition failures. Each one aborts the database transaction with
// zero side effects, so callers may retry after correcting the condition.
var (
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrCurrencyMismatch    = errors.New("currency mismatch")
	ErrAccountNotActive    = errors.New("account not active")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrSameAccountTransfer = errors.New("cannot transfer to the same account")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInvalidTransition   = errors.New("invalid account status transition")
	ErrAccountHasHistory   = errors.New("account has ledger history")
)

package domain

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrAlreadyExists          = errors.New("already exists")
	ErrNotActive              = errors.New("position not active")
	ErrAlreadyTerminal        = errors.New("position already terminal")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrLockHeld               = errors.New("lock already held")
	ErrLedgerInvariant        = errors.New("ledger outcome violates invariant")
	ErrLedgerRejected         = errors.New("ledger rejected operation")
	ErrInvalidAmount          = errors.New("invalid amount")
)

package main

import "errors"

// Every operation failure is reported to the caller as one of these
// sentinels (possibly wrapped with context). None of them is fatal;
// only a persistence write error aborts an operation, and then with
// state unchanged.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrLoanActive          = errors.New("loan already active")
	ErrLoanExceedsLimit    = errors.New("loan exceeds limit")
	ErrNoActiveLoan        = errors.New("no active loan")
	ErrUnknownItem         = errors.New("item not in catalog")
	ErrItemNotOwned        = errors.New("item not owned")
	ErrUnknownUser         = errors.New("unknown user")

	ErrNoOpenPool         = errors.New("no open wager pool")
	ErrPoolAlreadyOpen    = errors.New("wager pool already open")
	ErrInvalidPrediction  = errors.New("prediction must be win or lose")
	ErrInvalidOutcome     = errors.New("outcome must be win or lose")
	ErrDuplicatePlacement = errors.New("bet already placed on this pool")

	ErrInvalidMineCount = errors.New("mine count out of range")
	ErrInvalidCell      = errors.New("cell index out of range")
	ErrAlreadyRevealed  = errors.New("cell already revealed")
	ErrInvalidDoor      = errors.New("no such door")
	ErrSessionActive    = errors.New("session already active")
	ErrNoActiveSession  = errors.New("no active session")
	ErrChoiceTimeout    = errors.New("choice timed out")

	ErrInvalidChoice   = errors.New("choice not among the offered options")
	ErrNoPendingChoice = errors.New("no choice is being awaited")
)

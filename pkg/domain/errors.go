package domain

import (
	"errors"
	"fmt"
)

// Error kinds returned by ledger operations. Match with errors.Is.
var (
	ErrAlreadyExists    = errors.New("already exists")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidEventType = errors.New("invalid event type")
	ErrNotInitialized   = errors.New("unit not initialized")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// LedgerError annotates an error kind with the operation context.
type LedgerError struct {
	Op        string
	UnitID    string
	Principal Principal
	Err       error
}

func (e *LedgerError) Error() string {
	msg := e.Op
	if e.UnitID != "" {
		msg += " " + e.UnitID
	}
	msg += ": " + e.Err.Error()
	if !e.Principal.IsZero() {
		msg += fmt.Sprintf(" (principal %s)", e.Principal)
	}
	return msg
}

func (e *LedgerError) Unwrap() error { return e.Err }

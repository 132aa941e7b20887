package mission

import (
	"errors"
	"fmt"
)

var (
	ErrModalClosed     = errors.New("no alert is open")
	ErrActionInFlight  = errors.New("an action is already in flight")
	ErrAlertGone       = errors.New("alert is no longer active")
	ErrNoPatrolPending = errors.New("no patrol is awaiting confirmation")
)

// ValidationError is a local precondition failure. Nothing was sent to the
// backend.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field string, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

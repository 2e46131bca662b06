package session

import (
	"errors"
	"fmt"
)

var (
	ErrClosed        = errors.New("session is closed")
	ErrNotOffered    = errors.New("order is not in the offered list")
	ErrActiveExists  = errors.New("another order is already active")
	ErrNotActive     = errors.New("order is not the active order")
	ErrOfferNotReady = errors.New("offer is not pending")
)

// ValidationError reports a precondition failure detected before any network
// call. The session state is unchanged when one is returned.
type ValidationError struct {
	Op      string
	OrderID string
	Reason  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.OrderID, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Reason
}

// ConflictError reports a server-side accept conflict after the optimistic
// local accept was rolled back.
type ConflictError struct {
	OrderID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("order %s already taken", e.OrderID)
}

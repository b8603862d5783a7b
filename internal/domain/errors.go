package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedTransfer rejects a transfer before it is stored.
	ErrMalformedTransfer = errors.New("malformed transfer")

	// ErrStoreUnavailable means the history store could not be read or written.
	// Ingestion of the affected transfer fails as a whole.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrRuleCondition marks a rule whose condition failed to compile or evaluate.
	ErrRuleCondition = errors.New("rule condition error")

	// ErrNotDelivered means the event bus could not hand a message to a
	// subscriber.
	ErrNotDelivered = errors.New("message not delivered")

	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// UnevaluatedError reports a transfer that was stored but whose evaluation
// failed. Resubmitting it would store a second transfer.
type UnevaluatedError struct {
	TransferID string
	Err        error
}

func (e *UnevaluatedError) Error() string {
	return fmt.Sprintf("transfer %s stored but not evaluated: %v", e.TransferID, e.Err)
}

func (e *UnevaluatedError) Unwrap() error {
	return e.Err
}

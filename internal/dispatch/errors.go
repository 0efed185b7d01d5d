package dispatch

import "errors"

var (
	// ErrQueueFull is the reason a submission is rejected when the device context is not keeping up.
	ErrQueueFull = errors.New("dispatch queue is full")
	// ErrClosed is the reason a submission is rejected after the device context was torn down.
	ErrClosed = errors.New("dispatcher is closed")
)

// DispatchError reports that a task could not be handed to the device context.
type DispatchError struct {
	Reason error
}

func (e *DispatchError) Error() string {
	return "dispatch failed: " + e.Reason.Error()
}

func (e *DispatchError) Unwrap() error {
	return e.Reason
}

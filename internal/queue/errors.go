package queue

import (
	"errors"
	"fmt"
)

// ErrQueueEmpty matches both empty-store errors.
var ErrQueueEmpty = errors.New("queue empty")

// ErrQueueFull is matched by ErrPrimaryFull.
var ErrQueueFull = errors.New("queue full")

var (
	// ErrPrimaryEmpty means there is nothing to send.
	ErrPrimaryEmpty = fmt.Errorf("primary store: %w", ErrQueueEmpty)
	// ErrResendEmpty means there is nothing to resend.
	ErrResendEmpty = fmt.Errorf("resend ledger: %w", ErrQueueEmpty)

	// ErrPrimaryFull means the primary store is at capacity.
	ErrPrimaryFull = fmt.Errorf("primary store: %w", ErrQueueFull)

	// ErrCommandRejected is returned when the gate is closed and the call
	// could not proceed (non-blocking, or the timeout elapsed first).
	ErrCommandRejected = errors.New("command rejected: queue blocked")
)

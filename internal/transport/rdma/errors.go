package rdma

import (
	"errors"
	"fmt"
)

// Transport errors.
var (
	ErrDevice            = errors.New("RDMA device error")
	ErrNotConnected      = errors.New("queue pair is not ready to send")
	ErrInvalidTransition = errors.New("invalid queue pair state transition")
	ErrQueueFull         = errors.New("work queue full")
	ErrCompletion        = errors.New("work completion error")
	ErrResourceExhausted = errors.New("registered memory exhausted")
	ErrInvalidLayout     = errors.New("invalid allocation layout")
	ErrAllocatorBusy     = errors.New("allocator has live regions")
	ErrCancelled         = errors.New("operation cancelled")
	ErrDisconnected      = errors.New("connection closed")
	ErrTypeMismatch      = errors.New("object type mismatch")
	ErrTimedOut          = errors.New("operation timed out")
	ErrAccessDenied      = errors.New("insufficient memory region access rights")
	ErrOutOfBounds       = errors.New("range exceeds memory region")
	ErrMessageTooLarge   = errors.New("message too large")
	ErrProtocol          = errors.New("agent protocol error")
	ErrNotFound          = errors.New("memory region not found")
	ErrClosed            = errors.New("use of closed resource")
)

// CompletionError reports a work request whose completion carried a
// non-success status.
type CompletionError struct {
	Op     OpKind
	WRID   uint64
	Status WCStatus
	Addr   uint64
	Length uint64
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("%s request %d on [%#x,+%d): %s", e.Op, e.WRID, e.Addr, e.Length, e.Status)
}

// Unwrap lets errors.Is match ErrCompletion.
func (e *CompletionError) Unwrap() error {
	return ErrCompletion
}

// IsCompletionStatus reports whether err is a completion error with the given status.
func IsCompletionStatus(err error, status WCStatus) bool {
	var ce *CompletionError
	if errors.As(err, &ce) {
		return ce.Status == status
	}

	return false
}

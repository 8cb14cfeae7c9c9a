package delivery

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned by Send when the outbound queue is full. Nothing
	// was queued.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrDeliveryFailed is the sentinel matched by every *DeliveryFailedError.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrClosed is the cause attached to envelopes abandoned because the outbox
	// was closed.
	ErrClosed = errors.New("outbox closed")
)

// DeliveryFailedError reports an envelope the peer never acknowledged.
type DeliveryFailedError struct {
	// Seq is zero when the envelope was never transmitted
	Seq     uint64
	Retries int
	Cause   error
}

func (e *DeliveryFailedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("delivery of seq %d failed after %d retries: %v", e.Seq, e.Retries, e.Cause)
	}
	return fmt.Sprintf("delivery of seq %d failed after %d retries", e.Seq, e.Retries)
}

// Is makes errors.Is(err, ErrDeliveryFailed) hold.
func (e *DeliveryFailedError) Is(target error) bool {
	return target == ErrDeliveryFailed
}

func (e *DeliveryFailedError) Unwrap() error {
	return e.Cause
}

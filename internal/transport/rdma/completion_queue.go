package rdma

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// CompletionEntry is one drained work completion.
type CompletionEntry struct {
	WRID    uint64
	Status  WCStatus
	Opcode  WCOpcode
	ByteLen uint32
}

// Err returns nil for a successful completion.
func (e CompletionEntry) Err() error {
	if e.Status == WCSuccess {
		return nil
	}

	return &CompletionError{WRID: e.WRID, Status: e.Status}
}

// CompletionQueue is a device completion queue, optionally bound to a
// completion channel for event-driven waiting.
type CompletionQueue struct {
	dev      *DeviceContext
	cq       VerbsCQ
	channel  VerbsCompChannel
	capacity int
	closeMu  sync.Once
	closeErr error
}

// NewCompletionQueue creates a completion queue of capacity entries. With
// withChannel it also creates a completion channel and arms the first
// notification, so WaitEvent can be used right away.
func NewCompletionQueue(dev *DeviceContext, capacity int, withChannel bool) (*CompletionQueue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: completion queue capacity %d", ErrInvalidLayout, capacity)
	}

	backend := dev.backend
	q := &CompletionQueue{dev: dev.Retain(), capacity: capacity}

	if withChannel {
		ch, err := backend.CreateCompChannel(dev.ctx)
		if err != nil {
			_ = dev.Release()
			return nil, fmt.Errorf("%w: %v", ErrDevice, err)
		}

		q.channel = ch
	}

	cq, err := backend.CreateCQ(dev.ctx, capacity, q.channel)
	if err != nil {
		if q.channel != 0 {
			_ = backend.DestroyCompChannel(q.channel)
		}

		_ = dev.Release()

		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}

	q.cq = cq

	if withChannel {
		if err := q.RequestNotification(); err != nil {
			_ = q.Close()
			return nil, err
		}
	}

	return q, nil
}

// Capacity returns the number of entries the queue was created with.
func (q *CompletionQueue) Capacity() int { return q.capacity }

// Poll drains up to max ready entries without blocking.
func (q *CompletionQueue) Poll(max int) ([]CompletionEntry, error) {
	wcs, err := q.dev.backend.PollCQ(q.cq, max)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}

	entries := make([]CompletionEntry, len(wcs))
	for i, wc := range wcs {
		entries[i] = CompletionEntry{
			WRID:    wc.WRID,
			Status:  wc.Status,
			Opcode:  wc.Opcode,
			ByteLen: wc.ByteLen,
		}
	}

	return entries, nil
}

// RequestNotification arms delivery of the next completion event.
func (q *CompletionQueue) RequestNotification() error {
	if q.channel == 0 {
		return fmt.Errorf("%w: completion queue has no channel", ErrDevice)
	}

	if err := q.dev.backend.ReqNotifyCQ(q.cq); err != nil {
		return fmt.Errorf("%w: arm notification: %v", ErrDevice, err)
	}

	return nil
}

// WaitEvent blocks until the armed notification fires and acknowledges it.
// It returns ErrClosed once the queue's channel is destroyed and the
// context error when ctx ends first.
func (q *CompletionQueue) WaitEvent(ctx context.Context) error {
	if q.channel == 0 {
		return fmt.Errorf("%w: completion queue has no channel", ErrDevice)
	}

	cq, err := q.dev.backend.GetCQEvent(ctx, q.channel)
	if err != nil {
		if errors.Is(err, ErrChannelClosed) {
			return fmt.Errorf("completion queue: %w", ErrClosed)
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		return fmt.Errorf("%w: %v", ErrDevice, err)
	}

	q.dev.backend.AckCQEvents(cq, 1)

	return nil
}

// Close destroys the queue and then its channel. Stop any goroutine blocked
// in WaitEvent (by canceling its context) before calling Close.
func (q *CompletionQueue) Close() error {
	q.closeMu.Do(func() {
		var errs []error

		if q.cq != 0 {
			errs = append(errs, q.dev.backend.DestroyCQ(q.cq))
		}

		if q.channel != 0 {
			errs = append(errs, q.dev.backend.DestroyCompChannel(q.channel))
		}

		errs = append(errs, q.dev.Release())
		q.closeErr = errors.Join(errs...)
	})

	return q.closeErr
}

package rdma

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dolthub/swiss"
	"github.com/rs/zerolog"

	"github.com/piwi3910/asyncrdma/internal/metrics"
)

// Completion is the future of one posted work request. It is resolved exactly
// once: by the EventListener when the matching completion arrives, by Wait
// when its context ends first, or by the listener shutting down.
type Completion struct {
	err      error
	listener *EventListener
	done     chan struct{}
	posted   time.Time
	regions  []*LocalMemoryRegion
	timeout  time.Duration
	id       uint64
	byteLen  int
	op       OpKind
}

// ID returns the work request ID the completion is matched by.
func (c *Completion) ID() uint64 { return c.id }

// Op returns the operation kind.
func (c *Completion) Op() OpKind { return c.op }

// Done is closed once the completion is resolved.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Result returns the byte count and error. Only meaningful after Done is closed.
func (c *Completion) Result() (int, error) {
	return c.byteLen, c.err
}

// Wait blocks until the completion resolves or ctx ends. When ctx has no
// deadline the listener's operation timeout applies to every kind but
// receive, which legitimately waits for the peer. A request given up on
// is failed with ErrTimedOut (or ErrCancelled when ctx was canceled) and its
// completion, if it ever arrives, is dropped.
func (c *Completion) Wait(ctx context.Context) (int, error) {
	select {
	case <-c.done:
		return c.byteLen, c.err
	default:
	}

	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		if c.listener.abandon(c) {
			sentinel := ErrTimedOut
			if errors.Is(ctx.Err(), context.Canceled) {
				sentinel = ErrCancelled
			}

			c.resolve(0, fmt.Errorf("%w: %s request %d: %w", sentinel, c.op, c.id, ctx.Err()))
		}

		<-c.done
	}

	return c.byteLen, c.err
}

func (c *Completion) resolve(n int, err error) {
	c.byteLen, c.err = n, err
	close(c.done)
}

func (c *Completion) releaseRegions() {
	for _, r := range c.regions {
		r.Release()
	}

	c.regions = nil
}

// ListenerStats counts what the listener has dispatched.
type ListenerStats struct {
	Pending   int    `json:"pending"`
	Abandoned int    `json:"abandoned"`
	Resolved  uint64 `json:"resolved"`
	Unmatched uint64 `json:"unmatched"`
}

// EventListener owns a completion queue's event loop and the table of
// pending work requests. Request IDs come from a monotonic counter and are
// never reused.
type EventListener struct {
	cq        *CompletionQueue
	pending   *swiss.Map[uint64, *Completion]
	abandoned *swiss.Map[uint64, *Completion]
	cancel    context.CancelFunc
	done      chan struct{}
	logger    zerolog.Logger
	nextID    atomic.Uint64
	resolved  atomic.Uint64
	unmatched atomic.Uint64
	batch     int
	opTimeout time.Duration
	mu        sync.Mutex
	closed    bool
}

// NewEventListener starts the event loop for cq. The queue must have been
// created with a channel.
func NewEventListener(cq *CompletionQueue, batch int, opTimeout time.Duration, logger zerolog.Logger) *EventListener {
	ctx, cancel := context.WithCancel(context.Background())

	l := &EventListener{
		cq:        cq,
		pending:   swiss.NewMap[uint64, *Completion](uint32(cq.Capacity())), //nolint:gosec // G115: capacity is validated
		abandoned: swiss.NewMap[uint64, *Completion](16),
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    logger.With().Str("component", "listener").Logger(),
		batch:     max(batch, 1),
		opTimeout: opTimeout,
	}

	go l.run(ctx)

	return l
}

// Register creates a pending entry for an operation about to be posted. Each
// region is retained until the completion is dispatched.
func (l *EventListener) Register(op OpKind, regions ...*LocalMemoryRegion) (*Completion, error) {
	c := &Completion{
		listener: l,
		done:     make(chan struct{}),
		op:       op,
		posted:   time.Now(),
	}

	if op != OpReceive {
		c.timeout = l.opTimeout
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, fmt.Errorf("%s: %w", op, ErrDisconnected)
	}

	c.id = l.nextID.Add(1)

	for _, r := range regions {
		c.regions = append(c.regions, r.Retain())
	}

	l.pending.Put(c.id, c)
	metrics.AddPending(1)

	return c, nil
}

// Forget removes an entry whose work request was never posted.
func (l *EventListener) Forget(id uint64) {
	l.mu.Lock()
	c, ok := l.pending.Get(id)
	if ok {
		l.pending.Delete(id)
		metrics.AddPending(-1)
	}
	l.mu.Unlock()

	if ok {
		c.releaseRegions()
		c.resolve(0, fmt.Errorf("%s request %d: %w", c.op, id, ErrCancelled))
	}
}

// abandon moves c from pending to the abandoned set. It reports false when
// the listener got to c first.
func (l *EventListener) abandon(c *Completion) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.pending.Get(c.id); !ok {
		return false
	}

	l.pending.Delete(c.id)
	l.abandoned.Put(c.id, c)
	metrics.AddPending(-1)

	return true
}

func (l *EventListener) run(ctx context.Context) {
	defer close(l.done)

	for {
		err := l.cq.WaitEvent(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrClosed) {
				l.logger.Error().Err(err).Msg("Completion channel failed")
			}

			l.failAll(ErrDisconnected)

			return
		}

		if err := l.cq.RequestNotification(); err != nil {
			l.logger.Error().Err(err).Msg("Failed to re-arm completion notification")
			l.failAll(ErrDisconnected)

			return
		}

		if err := l.drain(); err != nil {
			l.logger.Error().Err(err).Msg("Failed to poll completion queue")
		}
	}
}

func (l *EventListener) drain() error {
	for {
		entries, err := l.cq.Poll(l.batch)
		if err != nil {
			return err
		}

		for _, e := range entries {
			l.dispatch(e)
		}

		if len(entries) < l.batch {
			return nil
		}
	}
}

func (l *EventListener) dispatch(e CompletionEntry) {
	metrics.RecordCompletion(statusLabel(e.Status))

	l.mu.Lock()
	c, live := l.pending.Get(e.WRID)

	var late *Completion

	if live {
		l.pending.Delete(e.WRID)
		metrics.AddPending(-1)
	} else if a, ok := l.abandoned.Get(e.WRID); ok {
		l.abandoned.Delete(e.WRID)
		late = a
	}
	l.mu.Unlock()

	switch {
	case live:
		l.complete(c, e)
	case late != nil:
		late.releaseRegions()
		l.unmatched.Add(1)
		metrics.RecordUnmatchedCompletion("abandoned")
		l.logger.Debug().
			Uint64("wr_id", e.WRID).
			Stringer("op", late.op).
			Stringer("status", e.Status).
			Msg("Dropped completion of abandoned request")
	default:
		l.unmatched.Add(1)
		metrics.RecordUnmatchedCompletion("unknown")
		l.logger.Warn().
			Uint64("wr_id", e.WRID).
			Stringer("status", e.Status).
			Msg("Completion has no pending request")
	}
}

func (l *EventListener) complete(c *Completion, e CompletionEntry) {
	var err error

	status := "success"

	if e.Status != WCSuccess {
		ce := &CompletionError{Op: c.op, WRID: e.WRID, Status: e.Status}
		if len(c.regions) > 0 {
			ce.Addr = c.regions[0].Addr()
			ce.Length = uint64(c.regions[0].Len())
		}

		err = ce
		status = "error"
	}

	c.releaseRegions()
	l.resolved.Add(1)
	metrics.RecordOperation(c.op.String(), status, time.Since(c.posted), int(e.ByteLen))
	c.resolve(int(e.ByteLen), err)
}

// failAll stops accepting work and resolves everything outstanding with err.
func (l *EventListener) failAll(err error) {
	l.mu.Lock()
	l.closed = true

	outstanding := make([]*Completion, 0, l.pending.Count())
	l.pending.Iter(func(_ uint64, c *Completion) bool {
		outstanding = append(outstanding, c)
		return false
	})

	abandoned := make([]*Completion, 0, l.abandoned.Count())
	l.abandoned.Iter(func(_ uint64, c *Completion) bool {
		abandoned = append(abandoned, c)
		return false
	})

	l.pending.Clear()
	l.abandoned.Clear()
	l.mu.Unlock()

	metrics.AddPending(-len(outstanding))

	for _, c := range outstanding {
		c.releaseRegions()
		metrics.RecordOperation(c.op.String(), "disconnected", time.Since(c.posted), 0)
		c.resolve(0, fmt.Errorf("%s request %d: %w", c.op, c.id, err))
	}

	for _, c := range abandoned {
		c.releaseRegions()
	}

	if len(outstanding) > 0 {
		l.logger.Debug().Int("count", len(outstanding)).Msg("Failed outstanding requests on shutdown")
	}
}

// Close stops the event loop and waits for it to exit. Every request still
// outstanding is resolved with ErrDisconnected.
func (l *EventListener) Close() {
	l.cancel()
	<-l.done
}

// Done is closed when the event loop has exited.
func (l *EventListener) Done() <-chan struct{} { return l.done }

// Pending returns the number of requests awaiting a completion.
func (l *EventListener) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.pending.Count()
}

// Stats returns dispatch counters.
func (l *EventListener) Stats() ListenerStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return ListenerStats{
		Pending:   l.pending.Count(),
		Abandoned: l.abandoned.Count(),
		Resolved:  l.resolved.Load(),
		Unmatched: l.unmatched.Load(),
	}
}

// statusLabel turns a status into a metric label.
func statusLabel(s WCStatus) string {
	if s == WCSuccess {
		return "success"
	}

	return strings.ReplaceAll(s.String(), " ", "_")
}

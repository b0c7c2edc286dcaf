package dataiter

import (
	"context"
	"errors"
	"sync"
)

// errQueueClosed is returned to the side of a swapQueue whose peer is gone.
var errQueueClosed = errors.New("dataiter: swap queue closed")

// swapQueue is a two-slot rendezvous between the foreground, which hands over
// full buffers, and one worker, which hands back empty ones. Each channel
// holds at most one buffer, so the foreground is never more than one batch
// ahead of the worker.
type swapQueue[T any] struct {
	full  chan T
	empty chan T
	done  chan struct{} // closed when the worker exits

	closeOnce sync.Once
	doneOnce  sync.Once
}

func newSwapQueue[T any]() *swapQueue[T] {
	return &swapQueue[T]{
		full:  make(chan T, 1),
		empty: make(chan T, 1),
		done:  make(chan struct{}),
	}
}

// swapFullForEmpty hands b to the worker and waits for an empty buffer.
func (q *swapQueue[T]) swapFullForEmpty(ctx context.Context, b T) (T, error) {
	var zero T
	select {
	case q.full <- b:
	case <-q.done:
		return zero, errQueueClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case e := <-q.empty:
		return e, nil
	case <-q.done:
		return zero, errQueueClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// swapEmptyForFull returns b to the foreground and waits for the next full
// buffer. It reports errQueueClosed once the foreground closed the queue and
// every handed-over buffer was taken.
func (q *swapQueue[T]) swapEmptyForFull(ctx context.Context, b T) (T, error) {
	var zero T
	select {
	case q.empty <- b:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case f, ok := <-q.full:
		if !ok {
			return zero, errQueueClosed
		}
		return f, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// close stops accepting buffers from the foreground. Safe to call twice.
func (q *swapQueue[T]) close() { q.closeOnce.Do(func() { close(q.full) }) }

// exited is called by the worker on its way out.
func (q *swapQueue[T]) exited() { q.doneOnce.Do(func() { close(q.done) }) }

// stopped reports whether the worker has exited.
func (q *swapQueue[T]) stopped() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

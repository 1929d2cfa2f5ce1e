// Package queue implements the Record Queue (spec.md §4.4): a bounded,
// single-producer/single-consumer FIFO between the Task Runtime and the
// flushing consumer. Backed by a mutex and two condition variables
// instead of the busy-wait "poll System.currentTimeMillis in a tight
// loop" pattern the design notes call out as needing replacement.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/block/spirit-cdc/pkg/record"
)

// Queue is a bounded FIFO of Records. Zero value is not usable; use New.
type Queue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	buf      []record.Record
	capacity int
	closed   bool
}

// Default capacities per spec.md §4.4.
const (
	DefaultTestCapacity    = 100
	DefaultTypicalCapacity = 2048
)

// New returns a Queue with the given capacity. A capacity <= 0 uses
// DefaultTypicalCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultTypicalCapacity
	}
	q := &Queue{capacity: capacity}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Put enqueues one record, blocking the caller while the queue is full.
// It unblocks early if ctx is cancelled, returning ctx.Err(). Insertion
// order is always preserved.
func (q *Queue) Put(ctx context.Context, r record.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	// sync.Cond has no context-aware wait, so a watcher goroutine wakes
	// the condition on cancellation; it exits as soon as Wait returns.
	done := make(chan struct{})
	if ctx != nil {
		stop := context.AfterFunc(ctx, func() {
			q.mu.Lock()
			q.notFull.Broadcast()
			q.mu.Unlock()
		})
		defer func() {
			stop()
			close(done)
		}()
	}

	for len(q.buf) >= q.capacity && !q.closed {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		q.notFull.Wait()
	}
	if q.closed {
		return context.Canceled
	}
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	q.buf = append(q.buf, r)
	q.notEmpty.Signal()
	return nil
}

// Take returns one record, waiting up to timeout for one to become
// available. ok is false on timeout or on a closed, empty queue.
func (q *Queue) Take(timeout time.Duration) (r record.Record, ok bool) {
	deadline := time.Now().Add(timeout)
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.buf) == 0 && !q.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return record.Record{}, false
		}
		waited := waitWithTimeout(q.notEmpty, remaining)
		if !waited && len(q.buf) == 0 {
			return record.Record{}, false
		}
	}
	if len(q.buf) == 0 {
		return record.Record{}, false
	}
	r = q.buf[0]
	q.buf = q.buf[1:]
	q.notFull.Signal()
	return r, true
}

// Drain returns up to max currently-available records without waiting.
func (q *Queue) Drain(max int) []record.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.buf)
	if max > 0 && max < n {
		n = max
	}
	out := append([]record.Record(nil), q.buf[:n]...)
	q.buf = q.buf[n:]
	if n > 0 {
		q.notFull.Broadcast()
	}
	return out
}

// Len reports the current number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Close unblocks any waiting Put/Take; further Puts fail.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// waitWithTimeout waits on cond for up to d, returning false if it
// timed out rather than being signalled. The caller must hold cond.L.
func waitWithTimeout(cond *sync.Cond, d time.Duration) bool {
	woke := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()
	go func() {
		<-woke
	}()
	before := time.Now()
	cond.Wait()
	close(woke)
	return time.Since(before) < d
}

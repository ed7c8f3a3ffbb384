// Package queue provides a small generic thread-safe FIFO, the Go
// equivalent of the teacher's messaging.ChannelQueue generalized from a
// channel-of-bytes Producer/Consumer pair into a typed, peekable queue.
// ipc.Client uses one FIFO for its get-buffer and one for its
// send-buffer; a plain channel cannot serve that role because the spec's
// gbuff_min/sbuff_max watermark checks need Len(), which a channel only
// approximates via cap()/len() on a bounded channel and can't combine
// with a condition-variable style blocking Pop.
package queue

import "sync"

// FIFO is an unbounded FIFO queue of T. Pop never blocks: on an empty
// queue it returns ok=false at once.
type FIFO[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []T
	closed bool
}

// NewFIFO creates an empty FIFO.
func NewFIFO[T any]() *FIFO[T] {
	f := &FIFO[T]{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Push appends an item and signals the FIFO's condition variable (Pop
// does not wait on it).
func (f *FIFO[T]) Push(v T) {
	f.mu.Lock()
	f.items = append(f.items, v)
	f.mu.Unlock()
	f.cond.Signal()
}

// Pop removes and returns the oldest item. ok is false if the queue was
// empty.
func (f *FIFO[T]) Pop() (v T, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return v, false
	}
	v = f.items[0]
	f.items = f.items[1:]
	return v, true
}

// Len returns the current number of buffered items.
func (f *FIFO[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Close marks the FIFO closed and broadcasts on its condition variable.
// Push and Pop ignore the flag, so items already queued can still be
// popped after Close.
func (f *FIFO[T]) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.cond.Broadcast()
}

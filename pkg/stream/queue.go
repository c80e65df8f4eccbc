// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by blocking operations on a closed queue.
var ErrClosed = errors.New("stream queue closed")

// Notification is the interface for receiving notification from a queue.
type Notification interface {
	// WriteNotify will be called when a write happens to the queue.
	WriteNotify()
}

// NotificationHandle is an opaque handle to the registered notification target.
// It can be used to unregister the notification when no longer interested.
type NotificationHandle struct {
	n Notification
}

// Queue is a fixed-capacity FIFO implementing the ready/valid handshake: a
// transfer happens only when the producer has data and the queue has space.
// It never buffers beyond its capacity.
type Queue[T any] struct {
	// c holds queued items.
	c chan T

	// done is closed by Close.
	done      chan struct{}
	closeOnce sync.Once

	// mu protects fields below.
	mu     sync.RWMutex
	notify []*NotificationHandle
}

// NewQueue returns a queue holding at most size items.
func NewQueue[T any](size int) *Queue[T] {
	if size <= 0 {
		size = 1
	}
	return &Queue[T]{
		c:    make(chan T, size),
		done: make(chan struct{}),
	}
}

// Close marks the queue closed. Blocked and subsequent writers fail; readers
// drain the remaining items and then fail.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.notifyAll()
	})
}

// Closed returns a channel closed by Close.
func (q *Queue[T]) Closed() <-chan struct{} {
	return q.done
}

// Read does a non-blocking read of one item. It returns false when the queue
// is empty ("not valid").
func (q *Queue[T]) Read() (T, bool) {
	select {
	case v := <-q.c:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// ReadContext does a blocking read of one item. It returns an error when ctx
// is cancelled or the queue is closed and drained.
func (q *Queue[T]) ReadContext(ctx context.Context) (T, error) {
	select {
	case v := <-q.c:
		return v, nil
	default:
	}
	select {
	case v := <-q.c:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-q.done:
		// Drain anything that raced with Close.
		if v, ok := q.Read(); ok {
			return v, nil
		}
		var zero T
		return zero, ErrClosed
	}
}

// Write does a non-blocking write. It returns false when the queue is full
// ("not ready") or closed.
func (q *Queue[T]) Write(v T) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.c <- v:
	default:
		return false
	}
	q.notifyAll()
	return true
}

// WriteContext blocks until v is accepted, ctx is cancelled or the queue is
// closed.
func (q *Queue[T]) WriteContext(ctx context.Context, v T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.c <- v:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	}
	q.notifyAll()
	return nil
}

// Num returns the number of queued items.
func (q *Queue[T]) Num() int {
	return len(q.c)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.c)
}

func (q *Queue[T]) notifyAll() {
	q.mu.RLock()
	notify := q.notify
	q.mu.RUnlock()

	// Send notification outside of lock.
	for _, h := range notify {
		h.n.WriteNotify()
	}
}

// AddNotify registers notify to be called after every successful write and on
// Close.
func (q *Queue[T]) AddNotify(notify Notification) *NotificationHandle {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := &NotificationHandle{n: notify}
	q.notify = append(q.notify, h)
	return h
}

// RemoveNotify unregisters a notification.
func (q *Queue[T]) RemoveNotify(handle *NotificationHandle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	// Make a copy, since we read the array outside of lock when notifying.
	notify := make([]*NotificationHandle, 0, len(q.notify))
	for _, h := range q.notify {
		if h != handle {
			notify = append(notify, h)
		}
	}
	q.notify = notify
}

// Waker is a Notification that coalesces writes into a single pending wakeup.
// Arbiters waiting on many queues register one Waker with each of them.
type Waker struct {
	c chan struct{}
}

// NewWaker returns a Waker with no pending wakeup.
func NewWaker() *Waker {
	return &Waker{c: make(chan struct{}, 1)}
}

// WriteNotify implements Notification.WriteNotify.
func (w *Waker) WriteNotify() {
	select {
	case w.c <- struct{}{}:
	default:
	}
}

// C returns the channel that receives a value when a wakeup is pending.
func (w *Waker) C() <-chan struct{} {
	return w.c
}

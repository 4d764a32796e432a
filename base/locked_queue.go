// The MIT License (MIT)
//
// Copyright (c) 2019 the dclang authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package base

import "sync"

// QueueObserver is notified on every push, pop and close. The closed argument
// reports whether the queue was closed at the time of the event. Removing an
// observer from inside Observe is not supported.
type QueueObserver interface {
	Observe(closed bool)
}

// LockedQueue is a bounded FIFO queue shared between producers and consumers.
// Push blocks while the queue is full, Pop blocks while it is empty; Close
// wakes everyone, fails further pushes and lets pops drain what remains.
type LockedQueue[T any] struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	items    []T
	capacity int
	closed   bool
	observer QueueObserver
}

func NewLockedQueue[T any](capacity int) *LockedQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &LockedQueue[T]{capacity: capacity}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *LockedQueue[T]) SetObserver(o QueueObserver) {
	q.mu.Lock()
	q.observer = o
	q.mu.Unlock()
}

func (q *LockedQueue[T]) notify() {
	if q.observer != nil {
		q.observer.Observe(q.closed)
	}
}

// Push enqueues item, blocking while the queue is full. It returns false if
// the queue is closed, including when closed while blocked.
func (q *LockedQueue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) >= q.capacity && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	q.notify()
	q.notEmpty.Signal()
	return true
}

// TryPush enqueues item only if the queue has room right now.
func (q *LockedQueue[T]) TryPush(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, item)
	q.notify()
	q.notEmpty.Signal()
	return true
}

// Pop dequeues the oldest item, blocking while the queue is empty. After
// Close, remaining items are drained in order; once empty every Pop returns
// false.
func (q *LockedQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.notify()
	q.notFull.Signal()
	return item, true
}

// Len reports the number of queued items.
func (q *LockedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes all blocked producers and consumers. Idempotent.
func (q *LockedQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notify()
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// Closed reports whether Close has been called.
func (q *LockedQueue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

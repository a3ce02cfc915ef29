// Copyright 2024 The Chainindex Authors
// This file is part of Chainindex.
//
// Chainindex is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Chainindex is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Chainindex. If not, see <http://www.gnu.org/licenses/>.

// Package queue implements a bounded FIFO holding pending block heights
// between the upstream loader and the fetch stage of the dispatch pipeline.
package queue

import (
	"fmt"
	"sync"
)

// Heights is a fixed-capacity FIFO of block heights. It is safe for
// concurrent use: the fetch loop drains it from one goroutine while
// FlushQueue (invoked from a shutdown or reorg path) may clear it from
// another.
type Heights struct {
	mu       sync.Mutex
	buf      []uint64
	head     int // index of the first valid element
	n        int // number of valid elements
	capacity int
}

// New returns a Heights queue with the given fixed capacity. capacity must
// be positive.
func New(capacity int) *Heights {
	if capacity <= 0 {
		panic(fmt.Sprintf("queue: capacity must be positive, got %d", capacity))
	}
	return &Heights{
		buf:      make([]uint64, capacity),
		capacity: capacity,
	}
}

// Size returns the number of items currently queued.
func (q *Heights) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// FreeSpace returns how many more items can be admitted before Put/PutMany
// would exceed capacity.
func (q *Heights) FreeSpace() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity - q.n
}

// Put appends a single height. It panics if the queue has no free space;
// callers are expected to check FreeSpace first (see spec: "admitting more
// is a programmer error").
func (q *Heights) Put(h uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.putLocked(h)
}

// PutMany appends every height in hs, in order. It panics if hs does not
// fit in the remaining capacity; none of hs is admitted in that case.
func (q *Heights) PutMany(hs []uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(hs) > q.capacity-q.n {
		panic(fmt.Sprintf("queue: PutMany(%d items) exceeds free space %d", len(hs), q.capacity-q.n))
	}
	for _, h := range hs {
		q.putLocked(h)
	}
}

func (q *Heights) putLocked(h uint64) {
	if q.n == q.capacity {
		panic("queue: Put on a full queue")
	}
	idx := (q.head + q.n) % q.capacity
	q.buf[idx] = h
	q.n++
}

// Take removes and returns the head of the queue. ok is false if the queue
// is empty.
func (q *Heights) Take() (h uint64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return 0, false
	}
	h = q.buf[q.head]
	q.head = (q.head + 1) % q.capacity
	q.n--
	return h, true
}

// TakeMany removes and returns up to min(n, Size()) items from the head,
// without waiting for more to arrive.
func (q *Heights) TakeMany(n int) []uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > q.n {
		n = q.n
	}
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = q.buf[(q.head+i)%q.capacity]
	}
	q.head = (q.head + n) % q.capacity
	q.n -= n
	return out
}

// Peek returns the head of the queue without removing it. ok is false if
// the queue is empty.
func (q *Heights) Peek() (h uint64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return 0, false
	}
	return q.buf[q.head], true
}

// Flush empties the queue without notifying any waiter; there is no
// blocking reader to notify in this design (TakeMany never waits).
func (q *Heights) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.head = 0
	q.n = 0
}

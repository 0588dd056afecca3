/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package queue implements the bounded single-producer/single-consumer ring
// used to hand control events to the audio thread without locks.
package queue

import "sync/atomic"

const cacheLine = 64

// Queue is a lock-free SPSC ring buffer. Exactly one goroutine may Push and
// exactly one goroutine may Pop. Push never blocks: when the ring is full
// the value is dropped and counted.
type Queue[T any] struct {
	buf  []T
	mask uint64

	_    [cacheLine]byte
	head atomic.Uint64 // next slot to read, owned by the consumer
	_    [cacheLine - 8]byte
	tail atomic.Uint64 // next slot to write, owned by the producer
	_    [cacheLine - 8]byte

	dropped atomic.Uint64
}

// New returns a queue holding at least capacity elements. Capacity is rounded
// up to the next power of two.
func New[T any](capacity int) *Queue[T] {
	size := uint64(1)
	for size < uint64(max(capacity, 1)) {
		size <<= 1
	}
	return &Queue[T]{
		buf:  make([]T, size),
		mask: size - 1,
	}
}

// Push appends v. It returns false and records a drop when the queue is full.
func (q *Queue[T]) Push(v T) bool {
	tail := q.tail.Load()
	if tail-q.head.Load() >= uint64(len(q.buf)) {
		q.dropped.Add(1)
		return false
	}
	q.buf[tail&q.mask] = v
	q.tail.Store(tail + 1)
	return true
}

// Pop removes the oldest element.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	head := q.head.Load()
	if head == q.tail.Load() {
		return zero, false
	}
	v := q.buf[head&q.mask]
	q.buf[head&q.mask] = zero
	q.head.Store(head + 1)
	return v, true
}

// Len is a snapshot of the number of queued elements.
func (q *Queue[T]) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

func (q *Queue[T]) Cap() int { return len(q.buf) }

// Dropped returns how many pushes were rejected because the queue was full.
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }

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

package model

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNotFound        = errors.New("element not found")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrDuplicateID     = errors.New("duplicate element id")
)

// readerPoll is how often Remove checks for readers still inside a section.
const readerPoll = time.Millisecond

// Element is what a Collection stores. T is expected to be a pointer type so
// that Mutate can edit the clone in place.
type Element[T any] interface {
	ID() uint32
	Clone() T
}

// Releaser is implemented by elements holding resources their replacement
// may no longer reference. Mutate and Swap close what Released returns once
// no reader can reach the replaced element.
type Releaser[T any] interface {
	Released(next T) []io.Closer
}

type snapshot[T any] struct {
	version uint64
	items   []T
}

// Collection is a copy-and-swap list shared between one writer side (the
// control thread, serialized by mu) and any number of readers (the audio
// thread). Published snapshots are never modified: writers build a new
// slice and publish it with a single atomic store.
type Collection[T Element[T]] struct {
	mu      sync.Mutex
	current atomic.Pointer[snapshot[T]]
	readers atomic.Int32
}

func NewCollection[T Element[T]]() *Collection[T] {
	c := &Collection[T]{}
	c.current.Store(&snapshot[T]{})
	return c
}

// Read opens a read section over the current snapshot. The section sees the
// same elements until Close, whatever the writer publishes meanwhile. It
// does not allocate and never waits.
func (c *Collection[T]) Read() Reader[T] {
	c.readers.Add(1)
	return Reader[T]{c: c, snap: c.current.Load()}
}

// Readers returns the number of open read sections.
func (c *Collection[T]) Readers() int { return int(c.readers.Load()) }

func (c *Collection[T]) Version() uint64 { return c.current.Load().version }

func (c *Collection[T]) Len() int { return len(c.current.Load().items) }

// Add appends elem.
func (c *Collection[T]) Add(elem T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current.Load()
	if indexOf(cur.items, elem.ID()) >= 0 {
		return fmt.Errorf("add %d: %w", elem.ID(), ErrDuplicateID)
	}
	items := make([]T, len(cur.items), len(cur.items)+1)
	copy(items, cur.items)
	c.publish(cur, append(items, elem))
	return nil
}

// Remove unpublishes the element with the given id. Once no reader can still
// hold it, the element is closed if it implements io.Closer.
func (c *Collection[T]) Remove(id uint32) error {
	c.mu.Lock()
	cur := c.current.Load()
	i := indexOf(cur.items, id)
	if i < 0 {
		c.mu.Unlock()
		return fmt.Errorf("remove %d: %w", id, ErrNotFound)
	}
	removed := cur.items[i]
	items := make([]T, 0, len(cur.items)-1)
	items = append(items, cur.items[:i]...)
	items = append(items, cur.items[i+1:]...)
	c.publish(cur, items)
	c.mu.Unlock()

	if closer, ok := any(removed).(io.Closer); ok {
		c.waitReaders()
		return closer.Close()
	}
	return nil
}

// Get runs fn against the published element. fn must not modify anything
// but atomic runtime state, since readers may be looking at the same element.
func (c *Collection[T]) Get(id uint32, fn func(T)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current.Load()
	i := indexOf(cur.items, id)
	if i < 0 {
		return fmt.Errorf("get %d: %w", id, ErrNotFound)
	}
	fn(cur.items[i])
	return nil
}

// Mutate clones the element, applies fn to the clone and publishes it in
// place of the original.
func (c *Collection[T]) Mutate(id uint32, fn func(T)) error {
	c.mu.Lock()
	cur := c.current.Load()
	i := indexOf(cur.items, id)
	if i < 0 {
		c.mu.Unlock()
		return fmt.Errorf("mutate %d: %w", id, ErrNotFound)
	}
	old := cur.items[i]
	clone := old.Clone()
	fn(clone)
	c.swapLocked(cur, clone, i)
	c.mu.Unlock()

	return c.release(old, clone)
}

// Index returns the position of id in the current snapshot.
func (c *Collection[T]) Index(id uint32) (int, error) {
	i := indexOf(c.current.Load().items, id)
	if i < 0 {
		return -1, fmt.Errorf("index %d: %w", id, ErrNotFound)
	}
	return i, nil
}

// Clone returns a private copy of the element at index, ready to be edited
// and handed back to Swap.
func (c *Collection[T]) Clone(index int) (T, error) {
	var zero T
	items := c.current.Load().items
	if index < 0 || index >= len(items) {
		return zero, fmt.Errorf("clone %d: %w", index, ErrIndexOutOfRange)
	}
	return items[index].Clone(), nil
}

// Swap replaces the element at index wholesale.
func (c *Collection[T]) Swap(elem T, index int) error {
	c.mu.Lock()
	cur := c.current.Load()
	if index < 0 || index >= len(cur.items) {
		c.mu.Unlock()
		return fmt.Errorf("swap %d: %w", index, ErrIndexOutOfRange)
	}
	old := cur.items[index]
	c.swapLocked(cur, elem, index)
	c.mu.Unlock()

	return c.release(old, elem)
}

// Clear unpublishes every element.
func (c *Collection[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publish(c.current.Load(), nil)
}

func (c *Collection[T]) swapLocked(cur *snapshot[T], elem T, index int) {
	items := make([]T, len(cur.items))
	copy(items, cur.items)
	items[index] = elem
	c.publish(cur, items)
}

func (c *Collection[T]) publish(cur *snapshot[T], items []T) {
	c.current.Store(&snapshot[T]{version: cur.version + 1, items: items})
}

// release closes what old holds and next dropped, after the readers that
// could still see old are gone.
func (c *Collection[T]) release(old, next T) error {
	r, ok := any(old).(Releaser[T])
	if !ok {
		return nil
	}
	closers := r.Released(next)
	if len(closers) == 0 {
		return nil
	}
	c.waitReaders()
	errs := make([]error, 0, len(closers))
	for _, cl := range closers {
		errs = append(errs, cl.Close())
	}
	return errors.Join(errs...)
}

// waitReaders blocks the writer until every read section opened before the
// last publish is closed. Sections are short, so this is a bounded wait.
func (c *Collection[T]) waitReaders() {
	for c.readers.Load() > 0 {
		time.Sleep(readerPoll)
	}
}

func indexOf[T Element[T]](items []T, id uint32) int {
	for i, it := range items {
		if it.ID() == id {
			return i
		}
	}
	return -1
}

// Reader is an open read section. It must be closed exactly once.
type Reader[T Element[T]] struct {
	c    *Collection[T]
	snap *snapshot[T]
}

func (r Reader[T]) Close() {
	if r.c != nil {
		r.c.readers.Add(-1)
	}
}

func (r Reader[T]) Version() uint64 { return r.snap.version }
func (r Reader[T]) Len() int        { return len(r.snap.items) }
func (r Reader[T]) At(i int) T      { return r.snap.items[i] }

// All returns the snapshot's elements. The slice must not be modified.
func (r Reader[T]) All() []T { return r.snap.items }

// Get looks up id in the snapshot.
func (r Reader[T]) Get(id uint32) (T, bool) {
	if i := indexOf(r.snap.items, id); i >= 0 {
		return r.snap.items[i], true
	}
	var zero T
	return zero, false
}

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
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-looper/internal/buffer"
	"github.com/loqalabs/loqa-looper/internal/channel"
	"github.com/loqalabs/loqa-looper/internal/wave"
)

type item struct {
	id    uint32
	value int
}

func (i *item) ID() uint32 { return i.id }

func (i *item) Clone() *item {
	c := *i
	return &c
}

type closableItem struct {
	item
	onClose func()
}

func (c *closableItem) Clone() *closableItem {
	clone := *c
	return &clone
}

func (c *closableItem) Close() error {
	c.onClose()
	return nil
}

type resource struct{ closed int }

func (r *resource) Close() error {
	r.closed++
	return nil
}

// pluggedItem holds a resource its clones share until an edit replaces it.
type pluggedItem struct {
	item
	res *resource
}

func (p *pluggedItem) Clone() *pluggedItem {
	clone := *p
	return &clone
}

func (p *pluggedItem) Released(next *pluggedItem) []io.Closer {
	if p.res == nil || p.res == next.res {
		return nil
	}
	return []io.Closer{p.res}
}

func TestCollectionBasics(t *testing.T) {
	c := NewCollection[*item]()
	require.NoError(t, c.Add(&item{id: 1}))
	require.NoError(t, c.Add(&item{id: 2}))
	assert.ErrorIs(t, c.Add(&item{id: 1}), ErrDuplicateID)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, uint64(2), c.Version())

	t.Run("index", func(t *testing.T) {
		i, err := c.Index(2)
		require.NoError(t, err)
		assert.Equal(t, 1, i)
		_, err = c.Index(42)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("clone_and_swap", func(t *testing.T) {
		clone, err := c.Clone(0)
		require.NoError(t, err)
		clone.value = 7
		require.NoError(t, c.Swap(clone, 0))

		r := c.Read()
		defer r.Close()
		got, ok := r.Get(1)
		require.True(t, ok)
		assert.Equal(t, 7, got.value)

		_, err = c.Clone(5)
		assert.ErrorIs(t, err, ErrIndexOutOfRange)
		assert.ErrorIs(t, c.Swap(clone, -1), ErrIndexOutOfRange)
	})

	t.Run("not_found", func(t *testing.T) {
		assert.ErrorIs(t, c.Mutate(99, func(*item) {}), ErrNotFound)
		assert.ErrorIs(t, c.Get(99, func(*item) {}), ErrNotFound)
		assert.ErrorIs(t, c.Remove(99), ErrNotFound)
	})

	t.Run("remove_and_clear", func(t *testing.T) {
		require.NoError(t, c.Remove(1))
		assert.Equal(t, 1, c.Len())
		c.Clear()
		assert.Equal(t, 0, c.Len())
	})
}

func TestSnapshotIsolation(t *testing.T) {
	c := NewCollection[*item]()
	require.NoError(t, c.Add(&item{id: 1, value: 1}))

	before := c.Read()
	require.NoError(t, c.Mutate(1, func(it *item) { it.value = 2 }))

	old, ok := before.Get(1)
	require.True(t, ok)
	assert.Equal(t, 1, old.value, "an open section keeps its snapshot")
	before.Close()

	after := c.Read()
	defer after.Close()
	cur, ok := after.Get(1)
	require.True(t, ok)
	assert.Equal(t, 2, cur.value, "a new section sees the published clone")
	assert.NotSame(t, old, cur)
	assert.Greater(t, after.Version(), before.Version())
}

func TestReaderCounting(t *testing.T) {
	c := NewCollection[*item]()
	r1 := c.Read()
	r2 := c.Read()
	assert.Equal(t, 2, c.Readers())
	r1.Close()
	r2.Close()
	assert.Equal(t, 0, c.Readers())
}

func TestRemoveClosesAfterReaders(t *testing.T) {
	c := NewCollection[*closableItem]()
	var closed sync.WaitGroup
	closed.Add(1)
	require.NoError(t, c.Add(&closableItem{item: item{id: 1}, onClose: closed.Done}))

	r := c.Read()
	done := make(chan error, 1)
	go func() { done <- c.Remove(1) }()

	select {
	case <-done:
		t.Fatal("remove returned while a reader was still open")
	case <-time.After(20 * time.Millisecond):
	}

	r.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("remove never returned")
	}
	closed.Wait()
}

func TestEditsCloseDroppedResources(t *testing.T) {
	t.Run("mutate_keeping_resource", func(t *testing.T) {
		c := NewCollection[*pluggedItem]()
		a := &resource{}
		require.NoError(t, c.Add(&pluggedItem{item: item{id: 1}, res: a}))
		require.NoError(t, c.Mutate(1, func(p *pluggedItem) { p.value = 3 }))
		assert.Equal(t, 0, a.closed)
	})

	t.Run("mutate_waits_for_readers", func(t *testing.T) {
		c := NewCollection[*pluggedItem]()
		a, b := &resource{}, &resource{}
		require.NoError(t, c.Add(&pluggedItem{item: item{id: 1}, res: a}))

		r := c.Read()
		done := make(chan error, 1)
		go func() { done <- c.Mutate(1, func(p *pluggedItem) { p.res = b }) }()

		select {
		case <-done:
			t.Fatal("mutate returned while a reader could still use the old resource")
		case <-time.After(20 * time.Millisecond):
		}

		r.Close()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("mutate never returned")
		}
		assert.Equal(t, 1, a.closed)
		assert.Equal(t, 0, b.closed)
	})

	t.Run("swap", func(t *testing.T) {
		c := NewCollection[*pluggedItem]()
		a := &resource{}
		require.NoError(t, c.Add(&pluggedItem{item: item{id: 1}, res: a}))
		require.NoError(t, c.Swap(&pluggedItem{item: item{id: 1, value: 2}, res: a}, 0))
		assert.Equal(t, 0, a.closed, "the replacement still holds the resource")

		require.NoError(t, c.Swap(&pluggedItem{item: item{id: 1}, res: &resource{}}, 0))
		assert.Equal(t, 1, a.closed)
	})
}

func TestConcurrentMutateAndRead(t *testing.T) {
	c := NewCollection[*item]()
	require.NoError(t, c.Add(&item{id: 1}))

	const writes = 500
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= writes; i++ {
			assert.NoError(t, c.Mutate(1, func(it *item) { it.value = i }))
		}
	}()
	go func() {
		defer wg.Done()
		last := 0
		for last < writes {
			r := c.Read()
			it, ok := r.Get(1)
			r.Close()
			if !ok {
				continue
			}
			assert.GreaterOrEqual(t, it.value, last, "snapshots never go backwards")
			last = it.value
		}
	}()
	wg.Wait()
}

func TestValue(t *testing.T) {
	v := NewValue(DefaultMixerState())
	snap := v.Load()
	v.Mutate(func(s *MixerState) { s.OutGain = 0.5 })

	assert.Equal(t, float32(1), snap.OutGain, "loaded copies are private")
	assert.Equal(t, float32(0.5), v.Load().OutGain)
	assert.Equal(t, uint64(1), v.Version())
}

func TestModel(t *testing.T) {
	m, err := New(64, DefaultMixerState())
	require.NoError(t, err)
	assert.Equal(t, 3, m.Channels.Len(), "masters and preview are created")

	id := m.NextID()
	assert.Equal(t, channel.FirstUserID, id)
	assert.Equal(t, channel.FirstUserID+1, m.NextID())

	ch, err := channel.New(id, channel.Sample, "drums", 64)
	require.NoError(t, err)
	require.NoError(t, m.Channels.Add(ch))

	t.Run("solo_tracking", func(t *testing.T) {
		require.NoError(t, m.Channels.Get(id, func(c *channel.Channel) { c.SetSolo(true) }))
		assert.True(t, m.RecomputeSolos())
		assert.True(t, m.Mixer.Load().HasSolos)

		require.NoError(t, m.Channels.Get(id, func(c *channel.Channel) { c.SetSolo(false) }))
		assert.False(t, m.RecomputeSolos())
		assert.False(t, m.Mixer.Load().HasSolos)
	})

	t.Run("channel_round_trip", func(t *testing.T) {
		before := m.Channels.Read()
		require.NoError(t, m.Channels.Mutate(id, func(c *channel.Channel) {
			c.Name = "bass"
			c.Volume = 0.25
		}))

		old, _ := before.Get(id)
		assert.Equal(t, "drums", old.Name)
		before.Close()

		r := m.Channels.Read()
		defer r.Close()
		got, ok := r.Get(id)
		require.True(t, ok)
		assert.Equal(t, "bass", got.Name)
		assert.Equal(t, float32(0.25), got.Volume)
		assert.Same(t, old.State(), got.State())
	})

	t.Run("waves", func(t *testing.T) {
		buf, err := buffer.New(8, 1)
		require.NoError(t, err)
		w, err := wave.New(m.NextID(), "kick", 44100, buf)
		require.NoError(t, err)
		require.NoError(t, m.Waves.Add(w))
		assert.Equal(t, 1, m.Waves.Len())
	})

	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.Channels.Len())
	assert.Equal(t, 0, m.Waves.Len())
}

func TestConcurrentSoloRecompute(t *testing.T) {
	m, err := New(64, DefaultMixerState())
	require.NoError(t, err)

	const workers = 8
	ids := make([]uint32, workers)
	for i := range ids {
		ch, err := channel.New(m.NextID(), channel.Sample, fmt.Sprintf("ch%d", i), 64)
		require.NoError(t, err)
		require.NoError(t, m.Channels.Add(ch))
		ids[i] = ch.ID()
	}

	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		for i, id := range ids {
			wg.Add(1)
			go func() {
				defer wg.Done()
				solo := (round+i)%2 == 0
				assert.NoError(t, m.Channels.Get(id, func(c *channel.Channel) { c.SetSolo(solo) }))
				m.RecomputeSolos()
			}()
		}
		wg.Wait()
		// half the channels end each round soloed
		require.True(t, m.Mixer.Load().HasSolos, "round %d", round)
	}

	for _, id := range ids {
		require.NoError(t, m.Channels.Get(id, func(c *channel.Channel) { c.SetSolo(false) }))
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecomputeSolos()
		}()
	}
	wg.Wait()
	assert.False(t, m.Mixer.Load().HasSolos)
}

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

// Package model holds the state shared between the control goroutines and
// the audio thread. Nothing published here is modified in place: writers
// clone, edit and publish, readers work on whatever snapshot they loaded.
package model

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-looper/internal/channel"
	"github.com/loqalabs/loqa-looper/internal/wave"
)

// Value is a single copy-and-swap element. Load is allocation-free and
// returns a private copy of the current value.
type Value[T any] struct {
	mu      sync.Mutex
	current atomic.Pointer[T]
	version atomic.Uint64
}

func NewValue[T any](initial T) *Value[T] {
	v := &Value[T]{}
	v.current.Store(&initial)
	return v
}

func (v *Value[T]) Load() T { return *v.current.Load() }

func (v *Value[T]) Version() uint64 { return v.version.Load() }

// Mutate applies fn to a copy of the current value and publishes it.
func (v *Value[T]) Mutate(fn func(*T)) {
	v.mu.Lock()
	defer v.mu.Unlock()

	next := *v.current.Load()
	fn(&next)
	v.current.Store(&next)
	v.version.Add(1)
}

// MixerState is the live configuration read by the audio thread.
type MixerState struct {
	HasSolos        bool
	InGain          float32
	OutGain         float32
	InToOut         bool
	LimitOutput     bool
	RecTriggerLevel float64 // dB
}

func DefaultMixerState() MixerState {
	return MixerState{
		InGain:          1,
		OutGain:         1,
		LimitOutput:     true,
		RecTriggerLevel: -10,
	}
}

// Model bundles the shared collections.
type Model struct {
	Channels *Collection[*channel.Channel]
	Waves    *Collection[*wave.Wave]
	Mixer    *Value[MixerState]

	nextID  atomic.Uint32
	solosMu sync.Mutex // orders RecomputeSolos scans with their publish
}

// New creates an empty model with the reserved master and preview channels.
func New(bufferFrames int, mixer MixerState) (*Model, error) {
	m := &Model{
		Channels: NewCollection[*channel.Channel](),
		Waves:    NewCollection[*wave.Wave](),
		Mixer:    NewValue(mixer),
	}
	m.nextID.Store(channel.FirstUserID - 1)

	reserved := []struct {
		id   uint32
		kind channel.Kind
	}{
		{channel.MasterOutID, channel.MasterOut},
		{channel.MasterInID, channel.MasterIn},
		{channel.PreviewID, channel.Preview},
	}
	for _, r := range reserved {
		ch, err := channel.New(r.id, r.kind, r.kind.String(), bufferFrames)
		if err != nil {
			return nil, fmt.Errorf("create %s channel: %w", r.kind, err)
		}
		if err := m.Channels.Add(ch); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NextID returns a fresh id for a user channel or wave. Channels and waves
// draw from the same sequence, so an id is never reused across the two.
func (m *Model) NextID() uint32 { return m.nextID.Add(1) }

// RecomputeSolos refreshes MixerState.HasSolos from the channel list.
func (m *Model) RecomputeSolos() bool {
	m.solosMu.Lock()
	defer m.solosMu.Unlock()

	r := m.Channels.Read()
	defer r.Close()

	solos := false
	for _, ch := range r.All() {
		if !ch.IsMaster() && ch.IsSoloed() {
			solos = true
			break
		}
	}
	if m.Mixer.Load().HasSolos != solos {
		m.Mixer.Mutate(func(s *MixerState) { s.HasSolos = solos })
	}
	return solos
}

// Close removes every channel and wave, releasing their resources.
func (m *Model) Close() error {
	var firstErr error
	r := m.Channels.Read()
	ids := make([]uint32, 0, r.Len())
	for _, ch := range r.All() {
		ids = append(ids, ch.ID())
	}
	r.Close()
	for _, id := range ids {
		if err := m.Channels.Remove(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.Waves.Clear()
	return firstErr
}

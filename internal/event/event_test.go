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

package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventTargets(t *testing.T) {
	assert.True(t, Event{ChannelID: Broadcast}.Targets(42))
	assert.True(t, Event{ChannelID: 42}.Targets(42))
	assert.False(t, Event{ChannelID: 7}.Targets(42))
}

func TestMidiPacking(t *testing.T) {
	e := NewMidi(5, 0x93, 60, 100, 12)
	assert.Equal(t, Midi, e.Type)
	assert.Equal(t, 12, e.Delta)

	status, d1, d2 := UnpackMidi(e.Value)
	assert.Equal(t, uint8(0x93), status)
	assert.Equal(t, uint8(60), d1)
	assert.Equal(t, uint8(100), d2)
	assert.Equal(t, uint8(3), MidiChannel(e.Value))
}

func TestBufferNeverGrows(t *testing.T) {
	b := NewBuffer(2)
	assert.True(t, b.Push(Event{Type: KeyPress}))
	assert.True(t, b.Push(Event{Type: KeyKill}))
	assert.False(t, b.Push(Event{Type: KeyRelease}))
	assert.Equal(t, 2, b.Len())
	assert.True(t, b.Full())
	assert.Equal(t, uint64(1), b.Dropped())
	assert.Equal(t, 2, cap(b.Events()))

	b.Clear()
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Full())
	assert.True(t, b.Push(Event{Type: KeyRelease}))
	assert.Equal(t, KeyRelease, b.Events()[0].Type)
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "sequencer-first-beat", SequencerFirstBeat.String())
	assert.Equal(t, "unknown", Type(0).String())
}

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

// Package event defines the control events delivered to channels once per
// audio callback.
package event

// Type identifies what an Event asks a channel to do.
type Type uint8

const (
	KeyPress Type = iota + 1
	KeyRelease
	KeyKill
	SequencerStart
	SequencerStop
	SequencerRewind
	SequencerFirstBeat
	Midi
)

func (t Type) String() string {
	switch t {
	case KeyPress:
		return "key-press"
	case KeyRelease:
		return "key-release"
	case KeyKill:
		return "key-kill"
	case SequencerStart:
		return "sequencer-start"
	case SequencerStop:
		return "sequencer-stop"
	case SequencerRewind:
		return "sequencer-rewind"
	case SequencerFirstBeat:
		return "sequencer-first-beat"
	case Midi:
		return "midi"
	default:
		return "unknown"
	}
}

// Broadcast as ChannelID addresses every channel.
const Broadcast uint32 = 0

// Event is a single control message. Delta is the frame offset inside the
// current callback at which the event takes effect.
type Event struct {
	Type      Type
	ChannelID uint32
	Value     uint32
	Delta     int
}

// Targets reports whether the event is meant for channel id.
func (e Event) Targets(id uint32) bool {
	return e.ChannelID == Broadcast || e.ChannelID == id
}

// NewMidi builds a Midi event carrying a short MIDI message.
func NewMidi(channelID uint32, status, data1, data2 uint8, delta int) Event {
	return Event{
		Type:      Midi,
		ChannelID: channelID,
		Value:     PackMidi(status, data1, data2),
		Delta:     delta,
	}
}

// PackMidi packs a short MIDI message as 0x00SSD1D2.
func PackMidi(status, data1, data2 uint8) uint32 {
	return uint32(status)<<16 | uint32(data1)<<8 | uint32(data2)
}

// UnpackMidi is the inverse of PackMidi.
func UnpackMidi(v uint32) (status, data1, data2 uint8) {
	return uint8(v >> 16), uint8(v >> 8), uint8(v)
}

// MidiChannel returns the 0-15 channel nibble of a packed message.
func MidiChannel(v uint32) uint8 {
	return uint8(v>>16) & 0x0F
}

// Buffer is the per-callback working list of events. It is allocated once
// with a fixed capacity and never grows, so pushing on the audio thread does
// not allocate.
type Buffer struct {
	events  []Event
	dropped uint64
}

func NewBuffer(capacity int) *Buffer {
	return &Buffer{events: make([]Event, 0, capacity)}
}

// Push appends e, or drops it when the buffer is at capacity.
func (b *Buffer) Push(e Event) bool {
	if len(b.events) == cap(b.events) {
		b.dropped++
		return false
	}
	b.events = append(b.events, e)
	return true
}

func (b *Buffer) Clear()          { b.events = b.events[:0] }
func (b *Buffer) Len() int        { return len(b.events) }
func (b *Buffer) Full() bool      { return len(b.events) == cap(b.events) }
func (b *Buffer) Events() []Event { return b.events }
func (b *Buffer) Dropped() uint64 { return b.dropped }

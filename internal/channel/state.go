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

package channel

import (
	"sync/atomic"

	"github.com/loqalabs/loqa-looper/internal/buffer"
	"github.com/loqalabs/loqa-looper/internal/event"
)

// PlayStatus is the playback state of sample-based channels.
type PlayStatus int32

const (
	Off PlayStatus = iota
	Wait
	Play
	Ending
)

func (s PlayStatus) String() string {
	switch s {
	case Off:
		return "off"
	case Wait:
		return "wait"
	case Play:
		return "play"
	case Ending:
		return "ending"
	default:
		return "unknown"
	}
}

const maxPendingMidi = 128

// State is the runtime side of a channel. The atomics may be read from any
// goroutine; the remaining fields belong to the audio thread.
type State struct {
	mute    atomic.Bool
	solo    atomic.Bool
	status  atomic.Int32
	tracker atomic.Int64

	buffer *buffer.Buffer
	midi   []event.Event

	// Offsets inside the current callback, -1 when unset.
	playFrom int
	stopAt   int
	rewindAt int
}

func newState(bufferFrames int) (*State, error) {
	buf, err := buffer.New(bufferFrames, buffer.MaxChannels)
	if err != nil {
		return nil, err
	}
	return &State{
		buffer:   buf,
		midi:     make([]event.Event, 0, maxPendingMidi),
		stopAt:   -1,
		rewindAt: -1,
	}, nil
}

// Buffer is the channel's working buffer, valid after Advance for the rest
// of the callback.
func (s *State) Buffer() *buffer.Buffer { return s.buffer }

func (s *State) setStatus(st PlayStatus) { s.status.Store(int32(st)) }

func (s *State) resetOffsets() {
	s.playFrom = 0
	s.stopAt = -1
	s.rewindAt = -1
}

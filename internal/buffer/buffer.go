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

package buffer

import (
	"errors"
	"fmt"
)

// MaxChannels is the hard limit of channels a Buffer can carry.
const MaxChannels = 2

var (
	ErrTooManyChannels = errors.New("too many channels")
	ErrInvalidSize     = errors.New("invalid buffer size")
)

// Buffer is a planar container of float samples. It either owns its memory
// (Alloc) or is a view over memory supplied by someone else (SetData). A view
// with zero frames is the unbound state.
type Buffer struct {
	data     [][]float32
	frames   int
	channels int
	view     bool
}

// New allocates an owned buffer.
func New(frames, channels int) (*Buffer, error) {
	b := &Buffer{}
	if err := b.Alloc(frames, channels); err != nil {
		return nil, err
	}
	return b, nil
}

// Alloc (re)allocates owned, zeroed storage. Any previous view is dropped.
func (b *Buffer) Alloc(frames, channels int) error {
	if channels > MaxChannels {
		return fmt.Errorf("alloc %d channels: %w", channels, ErrTooManyChannels)
	}
	if frames < 0 || channels <= 0 {
		return fmt.Errorf("alloc %d frames x %d channels: %w", frames, channels, ErrInvalidSize)
	}
	data := make([][]float32, channels)
	for i := range data {
		data[i] = make([]float32, frames)
	}
	b.data = data
	b.frames = frames
	b.channels = channels
	b.view = false
	return nil
}

// Free releases owned storage or unbinds a view.
func (b *Buffer) Free() {
	b.data = nil
	b.frames = 0
	b.channels = 0
	b.view = false
}

// SetData binds the buffer to externally owned planar memory without copying.
// Channels beyond MaxChannels are ignored and frames is clamped to the
// shortest supplied channel. Passing nil or zero frames unbinds.
func (b *Buffer) SetData(chans [][]float32, frames int) {
	if len(chans) == 0 || frames <= 0 {
		b.Unbind()
		return
	}
	if len(chans) > MaxChannels {
		chans = chans[:MaxChannels]
	}
	for _, c := range chans {
		if len(c) < frames {
			frames = len(c)
		}
	}
	b.data = chans
	b.frames = frames
	b.channels = len(chans)
	b.view = true
}

// Unbind turns the buffer into an unbound view. Borrowed memory is never
// referenced after this call.
func (b *Buffer) Unbind() {
	b.data = nil
	b.frames = 0
	b.channels = 0
	b.view = true
}

func (b *Buffer) Frames() int   { return b.frames }
func (b *Buffer) Channels() int { return b.channels }
func (b *Buffer) IsView() bool  { return b.view }

// IsAllocd reports whether the buffer has storage (owned or bound).
func (b *Buffer) IsAllocd() bool { return b.frames > 0 && b.channels > 0 }

// Channel returns the samples of channel i limited to Frames, or nil.
func (b *Buffer) Channel(i int) []float32 {
	if i < 0 || i >= b.channels {
		return nil
	}
	return b.data[i][:b.frames]
}

// At returns the sample at frame/channel, or 0 when out of range.
func (b *Buffer) At(frame, ch int) float32 {
	if frame < 0 || frame >= b.frames || ch < 0 || ch >= b.channels {
		return 0
	}
	return b.data[ch][frame]
}

// Set writes the sample at frame/channel. Out of range writes are ignored.
func (b *Buffer) Set(frame, ch int, v float32) {
	if frame < 0 || frame >= b.frames || ch < 0 || ch >= b.channels {
		return
	}
	b.data[ch][frame] = v
}

func (b *Buffer) Clear() {
	for c := 0; c < b.channels; c++ {
		clear(b.data[c][:b.frames])
	}
}

// ClearRange zeroes frames [from, to).
func (b *Buffer) ClearRange(from, to int) {
	from = max(from, 0)
	to = min(to, b.frames)
	if from >= to {
		return
	}
	for c := 0; c < b.channels; c++ {
		clear(b.data[c][from:to])
	}
}

func (b *Buffer) ApplyGain(gain float32) {
	if gain == 1 {
		return
	}
	for c := 0; c < b.channels; c++ {
		s := b.data[c][:b.frames]
		for i := range s {
			s[i] *= gain
		}
	}
}

// AddData mixes src into b scaled by gain over the common frame range.
func (b *Buffer) AddData(src *Buffer, gain float32) {
	b.AddFrames(src, 0, 0, min(b.frames, src.frames), gain)
}

// CopyData overwrites b with src scaled by gain over the common frame range.
func (b *Buffer) CopyData(src *Buffer, gain float32) {
	n := min(b.frames, src.frames)
	if src.channels == 0 {
		return
	}
	for c := 0; c < b.channels; c++ {
		dst := b.data[c][:n]
		from := src.data[min(c, src.channels-1)][:n]
		for i := range dst {
			dst[i] = from[i] * gain
		}
	}
}

// AddFrames mixes n frames of src starting at srcOff into b starting at
// dstOff. The range is clipped to both buffers. A mono source is spread to
// every destination channel.
func (b *Buffer) AddFrames(src *Buffer, srcOff, dstOff, n int, gain float32) {
	if src == nil || src.channels == 0 || srcOff < 0 || dstOff < 0 {
		return
	}
	n = min(n, src.frames-srcOff, b.frames-dstOff)
	if n <= 0 {
		return
	}
	for c := 0; c < b.channels; c++ {
		dst := b.data[c][dstOff : dstOff+n]
		from := src.data[min(c, src.channels-1)][srcOff : srcOff+n]
		for i := range dst {
			dst[i] += from[i] * gain
		}
	}
}

// Peak returns the maximum absolute sample value.
func (b *Buffer) Peak() float32 {
	var peak float32
	for c := 0; c < b.channels; c++ {
		for _, v := range b.data[c][:b.frames] {
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
	}
	return peak
}

// Clamp hard-clips every sample to [lo, hi].
func (b *Buffer) Clamp(lo, hi float32) {
	for c := 0; c < b.channels; c++ {
		s := b.data[c][:b.frames]
		for i, v := range s {
			if v < lo {
				s[i] = lo
			} else if v > hi {
				s[i] = hi
			}
		}
	}
}

// Interleave writes the buffer into dst as frame-major samples and returns
// the number of frames written.
func (b *Buffer) Interleave(dst []float32) int {
	if b.channels == 0 {
		return 0
	}
	n := min(b.frames, len(dst)/b.channels)
	for i := 0; i < n; i++ {
		for c := 0; c < b.channels; c++ {
			dst[i*b.channels+c] = b.data[c][i]
		}
	}
	return n
}

// Deinterleave reads frame-major samples from src with srcChannels per frame
// into the buffer and returns the number of frames read.
func (b *Buffer) Deinterleave(src []float32, srcChannels int) int {
	if srcChannels <= 0 || b.channels == 0 {
		return 0
	}
	n := min(b.frames, len(src)/srcChannels)
	for i := 0; i < n; i++ {
		for c := 0; c < b.channels; c++ {
			b.data[c][i] = src[i*srcChannels+min(c, srcChannels-1)]
		}
	}
	return n
}

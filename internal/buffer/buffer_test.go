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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filled(t *testing.T, frames, channels int, v float32) *Buffer {
	t.Helper()
	b, err := New(frames, channels)
	require.NoError(t, err)
	for c := 0; c < channels; c++ {
		for i := 0; i < frames; i++ {
			b.Set(i, c, v)
		}
	}
	return b
}

func TestBufferAlloc(t *testing.T) {
	t.Run("owned_buffer", func(t *testing.T) {
		b, err := New(64, 2)
		require.NoError(t, err)
		assert.Equal(t, 64, b.Frames())
		assert.Equal(t, 2, b.Channels())
		assert.False(t, b.IsView())
		assert.True(t, b.IsAllocd())
	})

	t.Run("too_many_channels", func(t *testing.T) {
		_, err := New(64, MaxChannels+1)
		assert.ErrorIs(t, err, ErrTooManyChannels)
	})

	t.Run("invalid_size", func(t *testing.T) {
		_, err := New(-1, 2)
		assert.ErrorIs(t, err, ErrInvalidSize)
	})

	t.Run("free", func(t *testing.T) {
		b := filled(t, 8, 2, 1)
		b.Free()
		assert.False(t, b.IsAllocd())
		assert.Nil(t, b.Channel(0))
	})
}

func TestBufferView(t *testing.T) {
	hw := [][]float32{make([]float32, 32), make([]float32, 32)}

	var b Buffer
	b.SetData(hw, 32)
	require.True(t, b.IsView())
	assert.Equal(t, 32, b.Frames())

	b.Set(3, 1, 0.25)
	assert.Equal(t, float32(0.25), hw[1][3], "view writes go to the borrowed memory")

	b.Unbind()
	assert.Equal(t, 0, b.Frames())
	assert.True(t, b.IsView(), "unbound view stays a view")
	assert.False(t, b.IsAllocd())

	t.Run("clamps_to_shortest_channel", func(t *testing.T) {
		var v Buffer
		v.SetData([][]float32{make([]float32, 16), make([]float32, 10)}, 16)
		assert.Equal(t, 10, v.Frames())
	})

	t.Run("extra_channels_ignored", func(t *testing.T) {
		var v Buffer
		v.SetData([][]float32{make([]float32, 4), make([]float32, 4), make([]float32, 4)}, 4)
		assert.Equal(t, MaxChannels, v.Channels())
	})
}

func TestBufferBoundsChecks(t *testing.T) {
	b := filled(t, 4, 2, 0.5)
	assert.Equal(t, float32(0), b.At(4, 0))
	assert.Equal(t, float32(0), b.At(0, 2))
	assert.Equal(t, float32(0), b.At(-1, 0))
	b.Set(10, 0, 1)
	b.Set(0, 5, 1)
	assert.Equal(t, float32(0.5), b.Peak())
	assert.Nil(t, b.Channel(7))
}

func TestBufferMixing(t *testing.T) {
	t.Run("add_data", func(t *testing.T) {
		dst := filled(t, 8, 2, 0.25)
		src := filled(t, 8, 2, 0.5)
		dst.AddData(src, 0.5)
		assert.InDelta(t, 0.5, dst.At(7, 1), 1e-6)
	})

	t.Run("mono_source_spreads", func(t *testing.T) {
		dst := filled(t, 4, 2, 0)
		src := filled(t, 4, 1, 1)
		dst.AddData(src, 1)
		assert.Equal(t, float32(1), dst.At(2, 0))
		assert.Equal(t, float32(1), dst.At(2, 1))
	})

	t.Run("copy_data", func(t *testing.T) {
		dst := filled(t, 4, 2, 0.9)
		src := filled(t, 4, 2, 0.5)
		dst.CopyData(src, 2)
		assert.Equal(t, float32(1), dst.At(0, 0))
	})

	t.Run("add_frames_clipped", func(t *testing.T) {
		dst := filled(t, 8, 1, 0)
		src := filled(t, 8, 1, 1)
		dst.AddFrames(src, 6, 0, 5, 1)
		assert.Equal(t, float32(1), dst.At(1, 0))
		assert.Equal(t, float32(0), dst.At(2, 0), "only two source frames remain after offset 6")
	})

	t.Run("gain_and_clear", func(t *testing.T) {
		b := filled(t, 4, 2, 0.5)
		b.ApplyGain(0.5)
		assert.Equal(t, float32(0.25), b.At(1, 1))
		b.ClearRange(1, 3)
		assert.Equal(t, float32(0.25), b.At(0, 0))
		assert.Equal(t, float32(0), b.At(1, 0))
		assert.Equal(t, float32(0.25), b.At(3, 0))
		b.Clear()
		assert.Equal(t, float32(0), b.Peak())
	})
}

func TestBufferPeakAndClamp(t *testing.T) {
	b := filled(t, 4, 2, 0)
	b.Set(1, 0, -1.5)
	b.Set(2, 1, 1.2)
	assert.Equal(t, float32(1.5), b.Peak())

	b.Clamp(-1, 1)
	assert.Equal(t, float32(-1), b.At(1, 0))
	assert.Equal(t, float32(1), b.At(2, 1))
	assert.Equal(t, float32(1), b.Peak())
}

func TestBufferInterleave(t *testing.T) {
	b := filled(t, 3, 2, 0)
	for i := 0; i < 3; i++ {
		b.Set(i, 0, float32(i))
		b.Set(i, 1, float32(-i))
	}

	out := make([]float32, 6)
	assert.Equal(t, 3, b.Interleave(out))
	assert.Equal(t, []float32{0, 0, 1, -1, 2, -2}, out)

	back := filled(t, 3, 2, 9)
	assert.Equal(t, 3, back.Deinterleave(out, 2))
	assert.Equal(t, b.Channel(0), back.Channel(0))
	assert.Equal(t, b.Channel(1), back.Channel(1))

	t.Run("mono_source", func(t *testing.T) {
		stereo := filled(t, 2, 2, 0)
		stereo.Deinterleave([]float32{0.1, 0.2}, 1)
		assert.Equal(t, float32(0.2), stereo.At(1, 1))
	})
}

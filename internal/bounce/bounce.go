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

// Package bounce moves audio between mixer buffers and audio files.
package bounce

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
	"github.com/hajimehoshi/go-mp3"

	"github.com/loqalabs/loqa-looper/internal/buffer"
)

// DefaultPrecision writes 16-bit PCM.
const DefaultPrecision = 2

const chunkFrames = 512

var ErrEmpty = errors.New("no audio to bounce")

// Streamer plays a buffer once as a beep stream. Mono buffers play on both
// sides.
type Streamer struct {
	buf *buffer.Buffer
	pos int
}

func NewStreamer(buf *buffer.Buffer) *Streamer { return &Streamer{buf: buf} }

func (s *Streamer) Stream(samples [][2]float64) (n int, ok bool) {
	left := s.buf.Frames() - s.pos
	if left <= 0 {
		return 0, false
	}
	n = min(len(samples), left)
	l := s.buf.Channel(0)
	r := s.buf.Channel(min(1, s.buf.Channels()-1))
	for i := 0; i < n; i++ {
		samples[i][0] = float64(l[s.pos+i])
		samples[i][1] = float64(r[s.pos+i])
	}
	s.pos += n
	return n, true
}

func (s *Streamer) Err() error { return nil }

// Encode writes buf as a WAV stream.
func Encode(w io.WriteSeeker, buf *buffer.Buffer, sampleRate, precision int) error {
	if buf == nil || !buf.IsAllocd() {
		return ErrEmpty
	}
	if precision <= 0 {
		precision = DefaultPrecision
	}
	format := beep.Format{
		SampleRate:  beep.SampleRate(sampleRate),
		NumChannels: buf.Channels(),
		Precision:   precision,
	}
	if err := wav.Encode(w, NewStreamer(buf), format); err != nil {
		return fmt.Errorf("failed to encode wav: %w", err)
	}
	return nil
}

// WriteFile bounces buf to a WAV file at path.
func WriteFile(path string, buf *buffer.Buffer, sampleRate int) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return Encode(f, buf, sampleRate, DefaultPrecision)
}

// Decode reads a whole WAV stream into a new buffer and returns it with the
// stream's sample rate. Files with more channels than the mixer keep the
// first two.
func Decode(r io.Reader) (*buffer.Buffer, int, error) {
	s, format, err := wav.Decode(r)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode wav: %w", err)
	}
	defer s.Close()

	frames := s.Len()
	if frames <= 0 {
		return nil, 0, ErrEmpty
	}
	channels := min(max(format.NumChannels, 1), buffer.MaxChannels)
	buf, err := buffer.New(frames, channels)
	if err != nil {
		return nil, 0, err
	}

	scale := pcmScale(format.Precision)
	chunk := make([][2]float64, chunkFrames)
	pos := 0
	for pos < frames {
		n, ok := s.Stream(chunk[:min(chunkFrames, frames-pos)])
		for i := 0; i < n; i++ {
			for c := 0; c < channels; c++ {
				buf.Set(pos+i, c, float32(chunk[i][c]*scale))
			}
		}
		pos += n
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to decode wav: %w", err)
	}
	return buf, int(format.SampleRate), nil
}

// pcmScale undoes the wav decoder dividing 16- and 24-bit samples by the
// full unsigned range instead of the signed one.
func pcmScale(precision int) float64 {
	switch precision {
	case 2, 3:
		bits := float64(8 * precision)
		return (math.Exp2(bits) - 1) / math.Exp2(bits-1)
	}
	return 1
}

// DecodeMP3 reads a whole MP3 stream into a new stereo buffer and returns it
// with the stream's sample rate.
func DecodeMP3(r io.Reader) (*buffer.Buffer, int, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode mp3: %w", err)
	}
	pcm, err := io.ReadAll(d)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode mp3: %w", err)
	}

	// 16-bit little-endian stereo
	frames := len(pcm) / 4
	if frames == 0 {
		return nil, 0, ErrEmpty
	}
	buf, err := buffer.New(frames, 2)
	if err != nil {
		return nil, 0, err
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < 2; c++ {
			o := i*4 + c*2
			v := int16(uint16(pcm[o]) | uint16(pcm[o+1])<<8) //nolint:gosec // G115: reinterpreting PCM bits
			buf.Set(i, c, float32(v)/32768)
		}
	}
	return buf, d.SampleRate(), nil
}

// ReadFile loads a WAV or MP3 file, chosen by extension.
func ReadFile(path string) (*buffer.Buffer, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	if strings.EqualFold(filepath.Ext(path), ".mp3") {
		return DecodeMP3(f)
	}
	return Decode(f)
}

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

// Package clock provides the transport the mixer consumes: whether it is
// running, where the loop is, and which sequencer events fall inside each
// callback.
package clock

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/loqalabs/loqa-looper/internal/buffer"
	"github.com/loqalabs/loqa-looper/internal/event"
)

const (
	MinBPM       = 20.0
	MaxBPM       = 999.0
	MaxBeats     = 32
	DefaultBPM   = 120.0
	DefaultBeats = 4

	clickLevel   = 0.3
	clickSeconds = 0.01
)

var ErrInvalidTempo = errors.New("invalid tempo")

// Clock is the read side of the transport.
type Clock interface {
	IsActive() bool
	IsRunning() bool
	CurrentFrame() int
	FramesInLoop() int
}

// Sequencer is driven by the audio thread once per callback. Parse appends
// the transport events falling inside the next frames to dst; Advance moves
// the position past the rendered output.
type Sequencer interface {
	Parse(frames int, dst *event.Buffer)
	Advance(out *buffer.Buffer)
}

// Syncer is implemented by transports that follow an external timeline.
// RecvSync runs on the audio thread at the start of each callback.
type Syncer interface {
	RecvSync()
}

// Status is the transport state.
type Status int32

const (
	Stopped Status = iota
	Waiting
	Running
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

var (
	_ Clock     = (*Transport)(nil)
	_ Sequencer = (*Transport)(nil)
	_ Syncer    = (*Transport)(nil)
)

// Transport is the built-in clock. Control goroutines change tempo and
// status; the audio thread calls RecvSync, Parse and Advance.
type Transport struct {
	rate int

	status       atomic.Int32
	bpm          atomic.Uint64 // math.Float64bits
	beats        atomic.Int32
	framesInBeat atomic.Int64
	framesInLoop atomic.Int64
	current      atomic.Int64
	locate       atomic.Int64 // pending relocation, -1 when none
	metronome    atomic.Bool

	clickLeft int
	clickLen  int
}

// NewTransport creates a stopped transport at the given tempo.
func NewTransport(sampleRate int, bpm float64, beats int) (*Transport, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate %d: %w", sampleRate, ErrInvalidTempo)
	}
	t := &Transport{
		rate:     sampleRate,
		clickLen: max(1, int(float64(sampleRate)*clickSeconds)),
	}
	t.locate.Store(-1)
	if err := t.SetTempo(bpm, beats); err != nil {
		return nil, err
	}
	return t, nil
}

// SetTempo changes bpm and beats per loop, recomputing the loop length.
func (t *Transport) SetTempo(bpm float64, beats int) error {
	if bpm < MinBPM || bpm > MaxBPM {
		return fmt.Errorf("bpm %.2f outside [%.0f, %.0f]: %w", bpm, MinBPM, MaxBPM, ErrInvalidTempo)
	}
	if beats < 1 || beats > MaxBeats {
		return fmt.Errorf("beats %d outside [1, %d]: %w", beats, MaxBeats, ErrInvalidTempo)
	}
	beat := int64(math.Round(float64(t.rate) * 60 / bpm))
	t.bpm.Store(math.Float64bits(bpm))
	t.beats.Store(int32(beats))
	t.framesInBeat.Store(beat)
	t.framesInLoop.Store(beat * int64(beats))
	return nil
}

func (t *Transport) BPM() float64    { return math.Float64frombits(t.bpm.Load()) }
func (t *Transport) Beats() int      { return int(t.beats.Load()) }
func (t *Transport) Status() Status  { return Status(t.status.Load()) }
func (t *Transport) SampleRate() int { return t.rate }

func (t *Transport) IsRunning() bool { return t.Status() == Running }

// IsActive reports whether the transport is running or armed.
func (t *Transport) IsActive() bool { return t.Status() != Stopped }

func (t *Transport) CurrentFrame() int { return int(t.current.Load()) }
func (t *Transport) FramesInLoop() int { return int(t.framesInLoop.Load()) }

func (t *Transport) Start() { t.status.Store(int32(Running)) }
func (t *Transport) Stop()  { t.status.Store(int32(Stopped)) }

// Arm puts a stopped transport in the waiting state, used when recording
// starts on input signal.
func (t *Transport) Arm() {
	t.status.CompareAndSwap(int32(Stopped), int32(Waiting))
}

// Disarm returns a waiting transport to stopped.
func (t *Transport) Disarm() {
	t.status.CompareAndSwap(int32(Waiting), int32(Stopped))
}

// Rewind moves the position back to the first frame on the next callback.
func (t *Transport) Rewind() { t.Locate(0) }

// Locate schedules a jump to frame, applied by RecvSync on the audio thread.
func (t *Transport) Locate(frame int) {
	if loop := t.FramesInLoop(); loop > 0 {
		frame = ((frame % loop) + loop) % loop
	}
	t.locate.Store(int64(frame))
}

func (t *Transport) SetMetronome(on bool) { t.metronome.Store(on) }
func (t *Transport) Metronome() bool      { return t.metronome.Load() }

func (t *Transport) RecvSync() {
	if f := t.locate.Swap(-1); f >= 0 {
		t.current.Store(f)
		t.clickLeft = 0
	}
}

// Parse emits a SequencerFirstBeat event for every loop start inside the
// next frames.
func (t *Transport) Parse(frames int, dst *event.Buffer) {
	if !t.IsRunning() {
		return
	}
	loop := t.framesInLoop.Load()
	if loop <= 0 {
		return
	}
	cur := t.current.Load() % loop
	first := int64(0)
	if cur != 0 {
		first = loop - cur
	}
	for d := first; d < int64(frames); d += loop {
		dst.Push(event.Event{
			Type:      event.SequencerFirstBeat,
			ChannelID: event.Broadcast,
			Delta:     int(d),
		})
	}
}

// Advance moves the position by the callback's frame count and mixes the
// metronome click into out on every beat.
func (t *Transport) Advance(out *buffer.Buffer) {
	if !t.IsRunning() {
		return
	}
	loop := t.framesInLoop.Load()
	beat := t.framesInBeat.Load()
	if loop <= 0 || beat <= 0 {
		return
	}
	cur := t.current.Load() % loop
	frames := out.Frames()

	if t.metronome.Load() {
		for i := 0; i < frames; i++ {
			pos := (cur + int64(i)) % loop
			if pos%beat == 0 {
				t.clickLeft = t.clickLen
			}
			if t.clickLeft > 0 {
				level := float32(clickLevel)
				if pos < beat {
					level *= 2 // accent the first beat
				}
				v := level * float32(t.clickLeft) / float32(t.clickLen)
				for c := 0; c < out.Channels(); c++ {
					out.Set(i, c, out.At(i, c)+v)
				}
				t.clickLeft--
			}
		}
	}
	t.current.Store((cur + int64(frames)) % loop)
}

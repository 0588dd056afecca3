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

// Package midi connects PortMidi devices to the mixer. Input feeds the
// engine's MIDI event queue and note bindings; Output plays what MIDI
// channels produce.
package midi

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/rakyll/portmidi"

	"github.com/loqalabs/loqa-looper/internal/event"
)

const (
	bufferSize    = 1024
	readBatch     = 64
	pollInterval  = 2 * time.Millisecond
	flushInterval = time.Millisecond

	statusNoteOff = 0x80
	statusNoteOn  = 0x90
)

// Reader is the input side of a PortMidi stream.
type Reader interface {
	Poll() (bool, error)
	Read(max int) ([]portmidi.Event, error)
	Close() error
}

// Writer is the output side of a PortMidi stream.
type Writer interface {
	WriteShort(status, data1, data2 int64) error
	Close() error
}

// Sink receives what the input reads.
type Sink interface {
	PushMidi(event.Event) bool
	KeyPress(id uint32) bool
	KeyRelease(id uint32) bool
}

// Source hands out the MIDI events channels produced.
type Source interface {
	DrainMidiOut(fn func(event.Event)) int
}

// Binding maps a note to a channel key. Note-on presses the key, note-off
// releases it.
type Binding struct {
	Note      uint8
	ChannelID uint32
}

// Device describes a PortMidi device.
type Device struct {
	ID     int
	Name   string
	Input  bool
	Output bool
}

// Initialize starts PortMidi. Call Terminate once every stream is closed.
func Initialize() error {
	if err := portmidi.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortMidi: %w", err)
	}
	return nil
}

func Terminate() error { return portmidi.Terminate() }

// Devices lists the available devices.
func Devices() []Device {
	n := portmidi.CountDevices()
	out := make([]Device, 0, n)
	for i := 0; i < n; i++ {
		info := portmidi.Info(portmidi.DeviceID(i))
		if info == nil {
			continue
		}
		out = append(out, Device{
			ID:     i,
			Name:   info.Name,
			Input:  info.IsInputAvailable,
			Output: info.IsOutputAvailable,
		})
	}
	return out
}

// DefaultInput and DefaultOutput return the system default device ids, or
// -1 when there is none.
func DefaultInput() int  { return int(portmidi.DefaultInputDeviceID()) }
func DefaultOutput() int { return int(portmidi.DefaultOutputDeviceID()) }

// Input reads a MIDI device and forwards its messages to a Sink.
type Input struct {
	r        Reader
	sink     Sink
	bindings map[uint8]uint32
	received atomic.Uint64
	dropped  atomic.Uint64
}

// OpenInput opens device id for reading.
func OpenInput(id int, sink Sink, bindings []Binding) (*Input, error) {
	stream, err := portmidi.NewInputStream(portmidi.DeviceID(id), bufferSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open MIDI input %d: %w", id, err)
	}
	log.Printf("🎹 MIDI input opened: device %d", id)
	return NewInput(stream, sink, bindings), nil
}

// NewInput wraps an existing stream.
func NewInput(r Reader, sink Sink, bindings []Binding) *Input {
	in := &Input{r: r, sink: sink, bindings: make(map[uint8]uint32, len(bindings))}
	for _, b := range bindings {
		in.bindings[b.Note&0x7F] = b.ChannelID
	}
	return in
}

// Run reads until ctx is done or the stream fails.
func (in *Input) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ok, err := in.r.Poll()
		if err != nil {
			return fmt.Errorf("poll MIDI input: %w", err)
		}
		if ok {
			events, err := in.r.Read(readBatch)
			if err != nil {
				return fmt.Errorf("read MIDI input: %w", err)
			}
			for _, ev := range events {
				in.Dispatch(ev)
			}
			if len(events) == readBatch {
				continue
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Dispatch routes one message. Bound notes become key presses and releases;
// everything else goes to the MIDI queue addressed to every channel.
func (in *Input) Dispatch(ev portmidi.Event) {
	in.received.Add(1)
	status := uint8(ev.Status)
	d1, d2 := uint8(ev.Data1)&0x7F, uint8(ev.Data2)&0x7F

	var ok bool
	id, bound := in.bindings[d1]
	switch kind := status & 0xF0; {
	case bound && kind == statusNoteOn && d2 > 0:
		ok = in.sink.KeyPress(id)
	case bound && (kind == statusNoteOff || kind == statusNoteOn):
		ok = in.sink.KeyRelease(id)
	default:
		ok = in.sink.PushMidi(event.NewMidi(event.Broadcast, status, d1, d2, 0))
	}
	if !ok {
		in.dropped.Add(1)
	}
}

func (in *Input) Received() uint64 { return in.received.Load() }
func (in *Input) Dropped() uint64  { return in.dropped.Load() }

func (in *Input) Close() error { return in.r.Close() }

// Output sends the MIDI produced by channels to a device.
type Output struct {
	w    Writer
	src  Source
	sent atomic.Uint64
	err  error
}

// OpenOutput opens device id for writing.
func OpenOutput(id int, src Source) (*Output, error) {
	stream, err := portmidi.NewOutputStream(portmidi.DeviceID(id), bufferSize, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open MIDI output %d: %w", id, err)
	}
	log.Printf("🎹 MIDI output opened: device %d", id)
	return NewOutput(stream, src), nil
}

func NewOutput(w Writer, src Source) *Output {
	return &Output{w: w, src: src}
}

// Flush writes every pending event and returns how many were written. The
// queue is always drained; the first write error is returned.
func (o *Output) Flush() (int, error) {
	o.err = nil
	n := 0
	o.src.DrainMidiOut(func(ev event.Event) {
		if o.err != nil {
			return
		}
		status, d1, d2 := event.UnpackMidi(ev.Value)
		if err := o.w.WriteShort(int64(status), int64(d1), int64(d2)); err != nil {
			o.err = fmt.Errorf("write MIDI output: %w", err)
			return
		}
		n++
	})
	o.sent.Add(uint64(n))
	return n, o.err
}

// Run flushes periodically until ctx is done.
func (o *Output) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := o.Flush(); err != nil {
				return err
			}
		}
	}
}

func (o *Output) Sent() uint64 { return o.sent.Load() }

func (o *Output) Close() error { return o.w.Close() }

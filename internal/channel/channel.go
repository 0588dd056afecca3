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

// Package channel implements the mixer's channel kinds as one closed variant.
// Render, Parse and Advance dispatch on Kind with a switch, keeping the hot
// path free of interface calls.
package channel

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/loqalabs/loqa-looper/internal/buffer"
	"github.com/loqalabs/loqa-looper/internal/event"
	"github.com/loqalabs/loqa-looper/internal/wave"
)

// Kind is the closed set of channel variants.
type Kind uint8

const (
	Sample Kind = iota + 1
	Midi
	MasterIn
	MasterOut
	Preview
)

func (k Kind) String() string {
	switch k {
	case Sample:
		return "sample"
	case Midi:
		return "midi"
	case MasterIn:
		return "master-in"
	case MasterOut:
		return "master-out"
	case Preview:
		return "preview"
	default:
		return "unknown"
	}
}

// Reserved channel ids.
const (
	MasterOutID uint32 = 1
	MasterInID  uint32 = 2
	PreviewID   uint32 = 3
	FirstUserID uint32 = 4
)

// Mode is the playback behavior of sample channels.
type Mode uint8

const (
	OneShotBasic Mode = iota // press plays to the end, press again retriggers
	OneShotPress             // plays while the key is held
	LoopBasic                // loops, synced to the sequencer's first beat
)

type SampleConfig struct {
	WaveID uint32
	Mode   Mode
	Begin  int
	End    int // 0 means the end of the wave
}

type MidiConfig struct {
	OutputEnabled bool
	OutputChannel uint8
	InputFilter   int // -1 accepts every MIDI channel
}

// MidiSink receives MIDI events produced on the audio thread.
type MidiSink interface {
	Push(event.Event) bool
}

// Context carries per-callback collaborators. The engine fills it once per
// callback; nothing in it is retained by channels.
type Context struct {
	Waves   []*wave.Wave
	MidiOut MidiSink
	Running bool
}

// Channel is one strip of the mixer. Exported fields are configuration and
// are only edited on clones through the model. Runtime state lives in a
// State shared by every clone of the same channel.
type Channel struct {
	id   uint32
	kind Kind

	Name         string
	Volume       float32
	InputMonitor bool
	Plugins      []Processor
	Sample       SampleConfig
	Midi         MidiConfig

	state *State
}

// New creates a channel whose working buffer holds bufferFrames frames.
func New(id uint32, kind Kind, name string, bufferFrames int) (*Channel, error) {
	if kind < Sample || kind > Preview {
		return nil, fmt.Errorf("channel %d: unknown kind %d", id, kind)
	}
	st, err := newState(bufferFrames)
	if err != nil {
		return nil, fmt.Errorf("channel %d: %w", id, err)
	}
	return &Channel{
		id:     id,
		kind:   kind,
		Name:   name,
		Volume: 1,
		Midi:   MidiConfig{InputFilter: -1},
		state:  st,
	}, nil
}

func (c *Channel) ID() uint32    { return c.id }
func (c *Channel) Kind() Kind    { return c.kind }
func (c *Channel) State() *State { return c.state }

// IsMaster reports whether the channel is one of the two master buses.
func (c *Channel) IsMaster() bool {
	return c.kind == MasterIn || c.kind == MasterOut
}

// Clone copies configuration; the clone shares runtime state with c.
func (c *Channel) Clone() *Channel {
	clone := *c
	clone.Plugins = append([]Processor(nil), c.Plugins...)
	return &clone
}

// Close releases plugins that hold resources. It is called once the channel
// has been removed from the model and no reader can reach it.
func (c *Channel) Close() error {
	var errs []error
	for _, p := range c.Plugins {
		if closer, ok := p.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}

// Released returns the plugins holding resources that c has and next does
// not, so the model can close them when an edit drops them.
func (c *Channel) Released(next *Channel) []io.Closer {
	var out []io.Closer
	for _, p := range c.Plugins {
		closer, ok := p.(io.Closer)
		if !ok || slices.Contains(next.Plugins, p) || slices.Contains(out, closer) {
			continue
		}
		out = append(out, closer)
	}
	return out
}

func (c *Channel) SetMute(v bool)     { c.state.mute.Store(v) }
func (c *Channel) SetSolo(v bool)     { c.state.solo.Store(v) }
func (c *Channel) IsMuted() bool      { return c.state.mute.Load() }
func (c *Channel) IsSoloed() bool     { return c.state.solo.Load() }
func (c *Channel) Status() PlayStatus { return PlayStatus(c.state.status.Load()) }
func (c *Channel) Tracker() int       { return int(c.state.tracker.Load()) }

// Audible resolves whether c contributes to the mix. Masters and preview are
// always audible; everything else needs to be unmuted and, when any channel
// is soloed, soloed itself.
func Audible(c *Channel, hasSolos bool) bool {
	switch c.kind {
	case MasterIn, MasterOut, Preview:
		return true
	}
	if c.IsMuted() {
		return false
	}
	return !hasSolos || c.IsSoloed()
}

// Parse applies this callback's events to the channel.
func (c *Channel) Parse(events []event.Event, audible bool, ctx *Context) {
	for _, e := range events {
		if !e.Targets(c.id) {
			continue
		}
		switch c.kind {
		case Sample, Preview:
			c.parseSample(e, ctx)
		case Midi:
			c.parseMidi(e, audible, ctx)
		}
	}
}

// Advance moves playback forward by frames, rendering the channel's own
// signal into its working buffer.
func (c *Channel) Advance(frames int, ctx *Context) {
	switch c.kind {
	case Sample, Preview:
		c.advanceSample(frames, ctx)
	case Midi:
		c.state.buffer.Clear()
	}
}

// Render runs the plugin chain and mixes the channel into out when audible.
// Plugin failures are recovered and returned; they never stop the callback.
func (c *Channel) Render(out, in *buffer.Buffer, audible bool, ctx *Context) error {
	switch c.kind {
	case MasterIn:
		return c.process(in)
	case MasterOut:
		return c.process(out)
	case Sample, Preview:
		if c.InputMonitor && in != nil {
			c.state.buffer.AddData(in, 1)
		}
		err := c.process(c.state.buffer)
		if audible && out != nil {
			out.AddData(c.state.buffer, c.Volume)
		}
		return err
	case Midi:
		err := c.process(c.state.buffer)
		if audible && out != nil {
			out.AddData(c.state.buffer, c.Volume)
		}
		c.state.midi = c.state.midi[:0]
		return err
	}
	return nil
}

func (c *Channel) process(buf *buffer.Buffer) (err error) {
	if len(c.Plugins) == 0 || buf == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel %d: plugin panic: %v", c.id, r)
		}
	}()
	for _, p := range c.Plugins {
		if perr := p.Process(buf, c.state.midi); perr != nil {
			return fmt.Errorf("channel %d: %s: %w", c.id, p.Name(), perr)
		}
	}
	return nil
}

func findWave(waves []*wave.Wave, id uint32) *wave.Wave {
	for _, w := range waves {
		if w.ID() == id {
			return w
		}
	}
	return nil
}

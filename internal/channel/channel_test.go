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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-looper/internal/buffer"
	"github.com/loqalabs/loqa-looper/internal/event"
	"github.com/loqalabs/loqa-looper/internal/queue"
	"github.com/loqalabs/loqa-looper/internal/wave"
)

const testFrames = 16

func newChannel(t *testing.T, id uint32, kind Kind) *Channel {
	t.Helper()
	c, err := New(id, kind, kind.String(), testFrames)
	require.NoError(t, err)
	return c
}

// rampWave holds frame i = i+1 so positions are easy to assert.
func rampWave(t *testing.T, id uint32, frames int) *wave.Wave {
	t.Helper()
	buf, err := buffer.New(frames, 1)
	require.NoError(t, err)
	for i := 0; i < frames; i++ {
		buf.Set(i, 0, float32(i+1))
	}
	w, err := wave.New(id, "ramp", 44100, buf)
	require.NoError(t, err)
	return w
}

func TestAudible(t *testing.T) {
	tests := []struct {
		name     string
		kind     Kind
		mute     bool
		solo     bool
		hasSolos bool
		want     bool
	}{
		{"plain_channel", Sample, false, false, false, true},
		{"muted_no_solos", Sample, true, false, false, false},
		{"soloed_while_others_muted", Sample, false, true, true, true},
		{"muted_unsoloed_with_solos", Sample, true, false, true, false},
		{"unmuted_unsoloed_with_solos", Midi, false, false, true, false},
		{"muted_and_soloed", Sample, true, true, true, false},
		{"master_out_always", MasterOut, true, false, true, true},
		{"master_in_always", MasterIn, true, false, true, true},
		{"preview_always", Preview, true, false, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newChannel(t, FirstUserID, tt.kind)
			c.SetMute(tt.mute)
			c.SetSolo(tt.solo)
			assert.Equal(t, tt.want, Audible(c, tt.hasSolos))
		})
	}
}

func TestNewChannel(t *testing.T) {
	_, err := New(9, Kind(99), "bogus", testFrames)
	assert.Error(t, err)

	c := newChannel(t, 9, Sample)
	assert.Equal(t, float32(1), c.Volume)
	assert.Equal(t, -1, c.Midi.InputFilter)
	assert.False(t, c.IsMaster())
	assert.True(t, newChannel(t, MasterOutID, MasterOut).IsMaster())
}

func TestCloneSharesRuntimeState(t *testing.T) {
	c := newChannel(t, 5, Sample)
	c.Plugins = []Processor{&Gain{Level: 0.5}}

	clone := c.Clone()
	clone.Name = "renamed"
	clone.Plugins = append(clone.Plugins, &Gain{Level: 2})
	clone.SetMute(true)

	assert.Equal(t, "sample", c.Name, "configuration is copied")
	assert.Len(t, c.Plugins, 1, "plugin chain is copied")
	assert.True(t, c.IsMuted(), "runtime state is shared")
	assert.Same(t, c.State(), clone.State())
}

func TestSampleOneShot(t *testing.T) {
	w := rampWave(t, 100, 20)
	ctx := &Context{Waves: []*wave.Wave{w}}
	c := newChannel(t, 5, Sample)
	c.Sample = SampleConfig{WaveID: w.ID(), Mode: OneShotBasic}

	c.Parse([]event.Event{{Type: event.KeyPress, ChannelID: 5, Delta: 4}}, true, ctx)
	c.Advance(testFrames, ctx)
	require.Equal(t, Play, c.Status())

	buf := c.State().Buffer()
	assert.Equal(t, float32(0), buf.At(3, 0), "silent before the event delta")
	assert.Equal(t, float32(1), buf.At(4, 0), "first wave frame lands on the delta")
	assert.Equal(t, float32(12), buf.At(15, 1))
	assert.Equal(t, 12, c.Tracker())

	c.Parse(nil, true, ctx)
	c.Advance(testFrames, ctx)
	assert.Equal(t, float32(20), buf.At(7, 0), "last wave frame")
	assert.Equal(t, float32(0), buf.At(8, 0), "one-shot ends at the wave end")
	assert.Equal(t, Off, c.Status())
}

func TestSampleLoopWaitsForFirstBeat(t *testing.T) {
	w := rampWave(t, 100, 10)
	ctx := &Context{Waves: []*wave.Wave{w}, Running: true}
	c := newChannel(t, 6, Sample)
	c.Sample = SampleConfig{WaveID: w.ID(), Mode: LoopBasic}

	c.Parse([]event.Event{{Type: event.KeyPress, ChannelID: 6}}, true, ctx)
	c.Advance(testFrames, ctx)
	assert.Equal(t, Wait, c.Status())
	assert.Equal(t, float32(0), c.State().Buffer().Peak())

	c.Parse([]event.Event{{Type: event.SequencerFirstBeat, ChannelID: event.Broadcast, Delta: 2}}, true, ctx)
	c.Advance(testFrames, ctx)
	buf := c.State().Buffer()
	assert.Equal(t, Play, c.Status())
	assert.Equal(t, float32(1), buf.At(2, 0))
	assert.Equal(t, float32(10), buf.At(11, 0))
	assert.Equal(t, float32(1), buf.At(12, 0), "loop wraps to the beginning")

	c.Parse([]event.Event{{Type: event.KeyPress, ChannelID: 6}}, true, ctx)
	assert.Equal(t, Ending, c.Status())
	c.Parse([]event.Event{{Type: event.SequencerFirstBeat, Delta: 3}}, true, ctx)
	c.Advance(testFrames, ctx)
	assert.Equal(t, Off, c.Status())
	assert.NotEqual(t, float32(0), buf.At(2, 0))
	assert.Equal(t, float32(0), buf.At(3, 0), "stops exactly at the first beat")
}

func TestSampleKillAndRelease(t *testing.T) {
	w := rampWave(t, 100, 64)
	ctx := &Context{Waves: []*wave.Wave{w}}

	t.Run("kill_stops_at_delta", func(t *testing.T) {
		c := newChannel(t, 7, Sample)
		c.Sample = SampleConfig{WaveID: w.ID()}
		c.Parse([]event.Event{
			{Type: event.KeyPress, ChannelID: 7},
			{Type: event.KeyKill, ChannelID: 7, Delta: 5},
		}, true, ctx)
		c.Advance(testFrames, ctx)
		assert.Equal(t, float32(5), c.State().Buffer().At(4, 0))
		assert.Equal(t, float32(0), c.State().Buffer().At(5, 0))
		assert.Equal(t, Off, c.Status())
	})

	t.Run("press_mode_stops_on_release", func(t *testing.T) {
		c := newChannel(t, 8, Sample)
		c.Sample = SampleConfig{WaveID: w.ID(), Mode: OneShotPress}
		c.Parse([]event.Event{{Type: event.KeyPress, ChannelID: 8}}, true, ctx)
		c.Advance(testFrames, ctx)
		c.Parse([]event.Event{{Type: event.KeyRelease, ChannelID: 8, Delta: 1}}, true, ctx)
		c.Advance(testFrames, ctx)
		assert.Equal(t, Off, c.Status())
		assert.Equal(t, float32(0), c.State().Buffer().At(1, 0))
	})

	t.Run("key_press_is_never_broadcast", func(t *testing.T) {
		c := newChannel(t, 9, Sample)
		c.Sample = SampleConfig{WaveID: w.ID()}
		c.Parse([]event.Event{{Type: event.KeyPress, ChannelID: event.Broadcast}}, true, ctx)
		assert.Equal(t, Off, c.Status())
	})
}

func TestSampleMissingWaveStops(t *testing.T) {
	ctx := &Context{}
	c := newChannel(t, 7, Sample)
	c.Sample = SampleConfig{WaveID: 1234}
	c.Parse([]event.Event{{Type: event.KeyPress, ChannelID: 7}}, true, ctx)
	c.Advance(testFrames, ctx)
	assert.Equal(t, Off, c.Status())
}

func TestRenderMixesOnlyWhenAudible(t *testing.T) {
	w := rampWave(t, 100, 64)
	ctx := &Context{Waves: []*wave.Wave{w}}
	c := newChannel(t, 7, Sample)
	c.Sample = SampleConfig{WaveID: w.ID()}
	c.Volume = 0.5

	out, err := buffer.New(testFrames, 2)
	require.NoError(t, err)

	c.Parse([]event.Event{{Type: event.KeyPress, ChannelID: 7}}, false, ctx)
	c.Advance(testFrames, ctx)
	require.NoError(t, c.Render(out, nil, false, ctx))
	assert.Equal(t, float32(0), out.Peak(), "inaudible channel is silent")
	assert.Equal(t, testFrames, c.Tracker(), "but keeps advancing")

	c.Advance(testFrames, ctx)
	require.NoError(t, c.Render(out, nil, true, ctx))
	assert.InDelta(t, 0.5*17, out.At(0, 0), 1e-6)
}

func TestRenderInputMonitor(t *testing.T) {
	ctx := &Context{}
	c := newChannel(t, 7, Sample)
	c.InputMonitor = true

	in, _ := buffer.New(testFrames, 2)
	in.Set(0, 0, 0.3)
	out, _ := buffer.New(testFrames, 2)

	c.Advance(testFrames, ctx)
	require.NoError(t, c.Render(out, in, true, ctx))
	assert.InDelta(t, 0.3, out.At(0, 0), 1e-6)
}

type failingPlugin struct {
	err   error
	panic bool
}

func (f *failingPlugin) Name() string { return "failing" }

func (f *failingPlugin) Process(*buffer.Buffer, []event.Event) error {
	if f.panic {
		panic("boom")
	}
	return f.err
}

func TestPluginFailuresAreContained(t *testing.T) {
	ctx := &Context{}
	out, _ := buffer.New(testFrames, 2)

	t.Run("error", func(t *testing.T) {
		sentinel := errors.New("dsp exploded")
		c := newChannel(t, 7, Sample)
		c.Plugins = []Processor{&failingPlugin{err: sentinel}}
		err := c.Render(out, nil, true, ctx)
		assert.ErrorIs(t, err, sentinel)
	})

	t.Run("panic", func(t *testing.T) {
		c := newChannel(t, MasterOutID, MasterOut)
		c.Plugins = []Processor{&failingPlugin{panic: true}}
		var err error
		assert.NotPanics(t, func() { err = c.Render(out, nil, true, ctx) })
		assert.ErrorContains(t, err, "plugin panic")
	})
}

func TestMasterChannelsProcessBuses(t *testing.T) {
	ctx := &Context{}
	in, _ := buffer.New(testFrames, 2)
	out, _ := buffer.New(testFrames, 2)
	in.Set(0, 0, 1)
	out.Set(0, 0, 1)

	masterIn := newChannel(t, MasterInID, MasterIn)
	masterIn.Plugins = []Processor{&Gain{Level: 0.5}}
	require.NoError(t, masterIn.Render(nil, in, true, ctx))
	assert.Equal(t, float32(0.5), in.At(0, 0))

	masterOut := newChannel(t, MasterOutID, MasterOut)
	masterOut.Plugins = []Processor{&Gain{Level: 0.25}}
	require.NoError(t, masterOut.Render(out, nil, true, ctx))
	assert.Equal(t, float32(0.25), out.At(0, 0))
}

type recordingPlugin struct {
	seen int
}

func (r *recordingPlugin) Name() string { return "recorder" }

func (r *recordingPlugin) Process(_ *buffer.Buffer, events []event.Event) error {
	r.seen += len(events)
	return nil
}

func TestMidiChannel(t *testing.T) {
	sink := queue.New[event.Event](8)
	ctx := &Context{MidiOut: sink}
	plugin := &recordingPlugin{}

	c := newChannel(t, 11, Midi)
	c.Midi = MidiConfig{OutputEnabled: true, OutputChannel: 9, InputFilter: 2}
	c.Plugins = []Processor{plugin}

	events := []event.Event{
		event.NewMidi(event.Broadcast, 0x92, 60, 100, 3),
		event.NewMidi(event.Broadcast, 0x95, 61, 100, 4), // filtered out
	}
	c.Parse(events, true, ctx)
	c.Advance(testFrames, ctx)
	require.NoError(t, c.Render(nil, nil, true, ctx))
	assert.Equal(t, 1, plugin.seen, "plugins receive the accepted MIDI events")

	sent, ok := sink.Pop()
	require.True(t, ok)
	status, d1, _ := event.UnpackMidi(sent.Value)
	assert.Equal(t, uint8(0x99), status, "rewritten to the output channel")
	assert.Equal(t, uint8(60), d1)
	assert.Equal(t, 3, sent.Delta)

	t.Run("muted_channel_sends_nothing", func(t *testing.T) {
		c.Parse(events[:1], false, ctx)
		assert.Equal(t, 0, sink.Len())
	})

	t.Run("kill_sends_all_notes_off", func(t *testing.T) {
		c.Parse([]event.Event{{Type: event.KeyKill, ChannelID: 11}}, true, ctx)
		sent, ok := sink.Pop()
		require.True(t, ok)
		status, d1, _ := event.UnpackMidi(sent.Value)
		assert.Equal(t, uint8(0xB9), status)
		assert.Equal(t, uint8(midiAllNotesOff), d1)
	})
}

type closingPlugin struct{ closed bool }

func (c *closingPlugin) Name() string                                { return "closer" }
func (c *closingPlugin) Process(*buffer.Buffer, []event.Event) error { return nil }
func (c *closingPlugin) Close() error                                { c.closed = true; return nil }

func TestCloseReleasesPlugins(t *testing.T) {
	p := &closingPlugin{}
	c := newChannel(t, 12, Sample)
	c.Plugins = []Processor{&Gain{Level: 1}, p}
	require.NoError(t, c.Close())
	assert.True(t, p.closed)
}

func TestReleasedPlugins(t *testing.T) {
	kept, dropped := &closingPlugin{}, &closingPlugin{}
	c := newChannel(t, 12, Sample)
	c.Plugins = []Processor{&Gain{Level: 1}, kept, dropped, dropped}

	next := c.Clone()
	next.Plugins = []Processor{kept, &Gain{Level: 0.5}}

	released := c.Released(next)
	require.Len(t, released, 1, "gain holds nothing and kept is still in use")
	assert.Same(t, dropped, released[0])
	assert.Empty(t, next.Released(next))
}

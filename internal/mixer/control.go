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

package mixer

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-looper/internal/buffer"
	"github.com/loqalabs/loqa-looper/internal/channel"
	"github.com/loqalabs/loqa-looper/internal/event"
	"github.com/loqalabs/loqa-looper/internal/model"
	"github.com/loqalabs/loqa-looper/internal/wave"
)

// PushEvent queues a control event for the next callback. It is safe for
// concurrent use and reports false when the queue is full.
func (e *Engine) PushEvent(ev event.Event) bool {
	e.uiMu.Lock()
	defer e.uiMu.Unlock()
	return e.uiEvents.Push(ev)
}

// PushMidi queues an event from the MIDI input. There must be a single
// producer: the MIDI reader goroutine.
func (e *Engine) PushMidi(ev event.Event) bool { return e.midiEvents.Push(ev) }

func (e *Engine) KeyPress(id uint32) bool {
	return e.PushEvent(event.Event{Type: event.KeyPress, ChannelID: id})
}

func (e *Engine) KeyRelease(id uint32) bool {
	return e.PushEvent(event.Event{Type: event.KeyRelease, ChannelID: id})
}

func (e *Engine) KeyKill(id uint32) bool {
	return e.PushEvent(event.Event{Type: event.KeyKill, ChannelID: id})
}

// DroppedEvents returns how many events were lost to full queues.
func (e *Engine) DroppedEvents() uint64 {
	return e.uiEvents.Dropped() + e.midiEvents.Dropped() + e.midiOut.Dropped()
}

// DrainFaults hands every pending fault to fn and returns how many there were.
func (e *Engine) DrainFaults(fn func(Fault)) int {
	n := 0
	for {
		f, ok := e.faults.Pop()
		if !ok {
			return n
		}
		fn(f)
		n++
	}
}

// DrainMidiOut hands every MIDI event produced by channels to fn.
func (e *Engine) DrainMidiOut(fn func(event.Event)) int {
	n := 0
	for {
		ev, ok := e.midiOut.Pop()
		if !ok {
			return n
		}
		fn(ev)
		n++
	}
}

// AddChannel creates a user channel and returns its id.
func (e *Engine) AddChannel(kind channel.Kind, name string) (uint32, error) {
	switch kind {
	case channel.Sample, channel.Midi:
	default:
		return 0, fmt.Errorf("add channel: kind %s is reserved", kind)
	}
	id := e.model.NextID()
	ch, err := channel.New(id, kind, name, e.cfg.BufferFrames)
	if err != nil {
		return 0, err
	}
	if err := e.model.Channels.Add(ch); err != nil {
		return 0, err
	}
	return id, nil
}

// DeleteChannel removes a user channel. It blocks until the audio thread has
// let go of it.
func (e *Engine) DeleteChannel(id uint32) error {
	if id < channel.FirstUserID {
		return fmt.Errorf("delete channel %d: reserved channel", id)
	}
	if err := e.model.Channels.Remove(id); err != nil {
		return err
	}
	e.model.RecomputeSolos()
	return nil
}

// ConfigureChannel edits a channel's configuration through copy-and-swap.
func (e *Engine) ConfigureChannel(id uint32, fn func(*channel.Channel)) error {
	return e.model.Channels.Mutate(id, fn)
}

func (e *Engine) SetMute(id uint32, mute bool) error {
	if err := e.model.Channels.Get(id, func(c *channel.Channel) { c.SetMute(mute) }); err != nil {
		return err
	}
	e.model.RecomputeSolos()
	return nil
}

func (e *Engine) SetSolo(id uint32, solo bool) error {
	if err := e.model.Channels.Get(id, func(c *channel.Channel) { c.SetSolo(solo) }); err != nil {
		return err
	}
	e.model.RecomputeSolos()
	return nil
}

func (e *Engine) SetVolume(id uint32, volume float32) error {
	return e.model.Channels.Mutate(id, func(c *channel.Channel) { c.Volume = volume })
}

func (e *Engine) SetInputGain(g float32) {
	e.model.Mixer.Mutate(func(s *model.MixerState) { s.InGain = g })
}

func (e *Engine) SetOutputGain(g float32) {
	e.model.Mixer.Mutate(func(s *model.MixerState) { s.OutGain = g })
}

func (e *Engine) SetInToOut(v bool) {
	e.model.Mixer.Mutate(func(s *model.MixerState) { s.InToOut = v })
}

func (e *Engine) SetLimitOutput(v bool) {
	e.model.Mixer.Mutate(func(s *model.MixerState) { s.LimitOutput = v })
}

func (e *Engine) SetRecTriggerLevel(db float64) {
	e.model.Mixer.Mutate(func(s *model.MixerState) { s.RecTriggerLevel = db })
}

// SetSignalCallback arms fn to run once, on the audio thread, the next time
// the input level crosses the record trigger level. fn must not block. A nil
// fn disarms.
func (e *Engine) SetSignalCallback(fn func()) {
	if fn == nil {
		e.signalCb.Store(nil)
		return
	}
	e.signalCb.Store(&fn)
}

func (e *Engine) IsSignalArmed() bool { return e.signalCb.Load() != nil }

func (e *Engine) StartSequencer() {
	e.transport.Start()
	e.PushEvent(event.Event{Type: event.SequencerStart, ChannelID: event.Broadcast})
}

func (e *Engine) StopSequencer() {
	e.transport.Stop()
	e.PushEvent(event.Event{Type: event.SequencerStop, ChannelID: event.Broadcast})
}

func (e *Engine) RewindSequencer() {
	e.transport.Rewind()
	e.PushEvent(event.Event{Type: event.SequencerRewind, ChannelID: event.Broadcast})
}

// SetTempo changes the loop length. It is refused while recording, and an
// existing record buffer is resized to the new loop.
func (e *Engine) SetTempo(bpm float64, beats int) error {
	if e.recording.Load() {
		return ErrRecording
	}
	if err := e.transport.SetTempo(bpm, beats); err != nil {
		return err
	}
	if e.recBuffer.Load() == nil {
		return nil
	}
	_, err := e.SyncLoopLength()
	return err
}

func (e *Engine) SetMetronome(on bool) { e.transport.SetMetronome(on) }

// AllocRecBuffer replaces the record buffer with a zeroed one of the given
// length.
func (e *Engine) AllocRecBuffer(frames int) error {
	buf, err := buffer.New(frames, buffer.MaxChannels)
	if err != nil {
		return fmt.Errorf("alloc record buffer: %w", err)
	}
	e.recBuffer.Store(buf)
	return nil
}

// ClearRecBuffer discards what has been recorded.
func (e *Engine) ClearRecBuffer() error {
	rec := e.recBuffer.Load()
	if rec == nil {
		return nil
	}
	return e.AllocRecBuffer(rec.Frames())
}

// SyncLoopLength reallocates the record buffer when the loop length changed.
// It reports whether a new buffer was allocated.
func (e *Engine) SyncLoopLength() (bool, error) {
	loop := e.transport.FramesInLoop()
	if rec := e.recBuffer.Load(); rec != nil && rec.Frames() == loop {
		return false, nil
	}
	if err := e.AllocRecBuffer(loop); err != nil {
		return false, err
	}
	return true, nil
}

// StartInputRecording starts overdubbing at the transport's current frame.
func (e *Engine) StartInputRecording() error {
	if _, err := e.SyncLoopLength(); err != nil {
		return err
	}
	e.inputTracker.Store(int64(e.transport.CurrentFrame()))
	e.recording.Store(true)
	return nil
}

func (e *Engine) StopInputRecording() {
	e.recording.Store(false)
	e.inputTracker.Store(0)
}

func (e *Engine) IsRecording() bool { return e.recording.Load() }

// RecordedBuffer returns a copy of the record buffer. Recording must be
// stopped.
func (e *Engine) RecordedBuffer() (*buffer.Buffer, error) {
	if e.recording.Load() {
		return nil, ErrRecording
	}
	rec := e.recBuffer.Load()
	if rec == nil {
		return nil, ErrNoRecording
	}
	e.waitCallbackBoundary()
	out, err := buffer.New(rec.Frames(), rec.Channels())
	if err != nil {
		return nil, err
	}
	out.CopyData(rec, 1)
	return out, nil
}

// takeRecording swaps in an empty record buffer and returns the old one once
// no callback can still write to it.
func (e *Engine) takeRecording() (*buffer.Buffer, error) {
	rec := e.recBuffer.Load()
	if rec == nil {
		return nil, ErrNoRecording
	}
	fresh, err := buffer.New(rec.Frames(), rec.Channels())
	if err != nil {
		return nil, err
	}
	if !e.recBuffer.CompareAndSwap(rec, fresh) {
		return nil, fmt.Errorf("record buffer changed while finalizing")
	}
	e.waitCallbackBoundary()
	return rec, nil
}

// waitCallbackBoundary returns once any callback that might have loaded the
// previous record buffer has finished.
func (e *Engine) waitCallbackBoundary() {
	seen := e.callbacks.Load()
	for e.processing.Load() && e.callbacks.Load() == seen {
		time.Sleep(disablePoll)
	}
}

// FinalizeInputRecording stops recording and turns the record buffer into a
// new wave, assigned to the sample channel id as a loop. It returns the wave
// id.
func (e *Engine) FinalizeInputRecording(id uint32, name string) (uint32, error) {
	var kind channel.Kind
	if err := e.model.Channels.Get(id, func(c *channel.Channel) { kind = c.Kind() }); err != nil {
		return 0, err
	}
	if kind != channel.Sample {
		return 0, fmt.Errorf("finalize recording: channel %d is %s, not sample", id, kind)
	}

	e.StopInputRecording()
	rec, err := e.takeRecording()
	if err != nil {
		return 0, err
	}
	waveID, err := e.addWave(name, rec, true)
	if err != nil {
		return 0, err
	}
	err = e.AssignWave(id, waveID, channel.LoopBasic)
	return waveID, err
}

// AddWave publishes buf as a new wave and returns its id.
func (e *Engine) AddWave(name string, buf *buffer.Buffer) (uint32, error) {
	return e.addWave(name, buf, false)
}

func (e *Engine) addWave(name string, buf *buffer.Buffer, logical bool) (uint32, error) {
	w, err := wave.New(e.model.NextID(), name, e.cfg.SampleRate, buf)
	if err != nil {
		return 0, err
	}
	w.Logical = logical
	if err := e.model.Waves.Add(w); err != nil {
		return 0, err
	}
	return w.ID(), nil
}

// AssignWave points a sample channel at a wave.
func (e *Engine) AssignWave(channelID, waveID uint32, mode channel.Mode) error {
	r := e.model.Waves.Read()
	_, ok := r.Get(waveID)
	r.Close()
	if !ok {
		return fmt.Errorf("assign wave %d: %w", waveID, model.ErrNotFound)
	}
	return e.model.Channels.Mutate(channelID, func(c *channel.Channel) {
		c.Sample = channel.SampleConfig{WaveID: waveID, Mode: mode}
	})
}

// Close disables the engine, stops the transport and releases the model.
func (e *Engine) Close() error {
	e.Disable()
	e.transport.Stop()
	e.recBuffer.Store(nil)
	return e.model.Close()
}

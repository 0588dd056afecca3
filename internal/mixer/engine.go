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

// Package mixer runs the per-callback render pipeline and exposes the
// control API the rest of the daemon drives it with.
package mixer

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-looper/internal/audio"
	"github.com/loqalabs/loqa-looper/internal/buffer"
	"github.com/loqalabs/loqa-looper/internal/channel"
	"github.com/loqalabs/loqa-looper/internal/clock"
	"github.com/loqalabs/loqa-looper/internal/event"
	"github.com/loqalabs/loqa-looper/internal/model"
	"github.com/loqalabs/loqa-looper/internal/queue"
)

const (
	DefaultQueueSize    = 256
	DefaultBufferFrames = 1024

	faultQueueSize = 64

	// disablePoll is how often Disable checks for a callback in flight.
	disablePoll = time.Millisecond
)

var (
	ErrInvalidConfig = errors.New("invalid mixer config")
	ErrRecording     = errors.New("input recording in progress")
	ErrNoRecording   = errors.New("nothing recorded")
)

// Transport is the clock the engine follows and controls.
type Transport interface {
	clock.Clock
	clock.Sequencer
	Start()
	Stop()
	Rewind()
	SetTempo(bpm float64, beats int) error
	SetMetronome(on bool)
}

// Config sizes the engine. BufferFrames is the largest period rendered in one
// pass; longer callbacks are split.
type Config struct {
	SampleRate   int
	BufferFrames int
	QueueSize    int
	InputEnabled bool
}

// Fault is a failure absorbed on the audio thread.
type Fault struct {
	ChannelID uint32
	Err       error
}

func (f Fault) Error() string { return fmt.Sprintf("channel %d: %v", f.ChannelID, f.Err) }

// Engine owns the audio-thread state. Process is the only method meant for
// the audio thread; everything else runs on control goroutines.
type Engine struct {
	cfg       Config
	model     *model.Model
	transport Transport
	syncer    clock.Syncer

	uiMu       sync.Mutex // serializes producers of uiEvents
	uiEvents   *queue.Queue[event.Event]
	midiEvents *queue.Queue[event.Event]
	midiOut    *queue.Queue[event.Event]
	faults     *queue.Queue[Fault]

	active       atomic.Bool
	processing   atomic.Bool
	callbacks    atomic.Uint64
	recording    atomic.Bool
	inputTracker atomic.Int64
	recBuffer    atomic.Pointer[buffer.Buffer]
	signalCb     atomic.Pointer[func()]
	peakIn       atomic.Uint32 // math.Float32bits
	peakOut      atomic.Uint32

	// Audio thread only.
	inView  buffer.Buffer
	outView buffer.Buffer
	inWork  buffer.Buffer
	inStore *buffer.Buffer
	inSeg   [buffer.MaxChannels][]float32
	outSeg  [buffer.MaxChannels][]float32
	inChans [buffer.MaxChannels][]float32
	events  *event.Buffer
	ctx     channel.Context
}

// New creates a disabled engine over m, following t.
func New(cfg Config, m *model.Model, t Transport) (*Engine, error) {
	if cfg.SampleRate <= 0 || cfg.BufferFrames <= 0 {
		return nil, fmt.Errorf("rate %d, buffer %d: %w", cfg.SampleRate, cfg.BufferFrames, ErrInvalidConfig)
	}
	if m == nil || t == nil {
		return nil, fmt.Errorf("model and transport are required: %w", ErrInvalidConfig)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	inStore, err := buffer.New(cfg.BufferFrames, buffer.MaxChannels)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:        cfg,
		model:      m,
		transport:  t,
		uiEvents:   queue.New[event.Event](cfg.QueueSize),
		midiEvents: queue.New[event.Event](cfg.QueueSize),
		midiOut:    queue.New[event.Event](cfg.QueueSize),
		faults:     queue.New[Fault](faultQueueSize),
		inStore:    inStore,
		// room for both queues plus the sequencer's events
		events: event.NewBuffer(2*cfg.QueueSize + 16),
	}
	if s, ok := t.(clock.Syncer); ok {
		e.syncer = s
	}
	for i := range e.inChans {
		e.inChans[i] = inStore.Channel(i)
	}
	e.ctx.MidiOut = e.midiOut
	e.inView.Unbind()
	e.outView.Unbind()
	e.inWork.Unbind()
	return e, nil
}

func (e *Engine) Model() *model.Model { return e.model }
func (e *Engine) Config() Config      { return e.cfg }

// Enable lets the next callbacks render.
func (e *Engine) Enable() { e.active.Store(true) }

// Disable stops rendering and blocks until no callback is in flight. After
// it returns the audio thread no longer touches engine state.
func (e *Engine) Disable() {
	e.active.Store(false)
	for e.processing.Load() {
		time.Sleep(disablePoll)
	}
}

func (e *Engine) IsEnabled() bool    { return e.active.Load() }
func (e *Engine) IsProcessing() bool { return e.processing.Load() }

// Callbacks returns the number of callbacks rendered since creation.
func (e *Engine) Callbacks() uint64 { return e.callbacks.Load() }

func (e *Engine) PeakIn() float32  { return math.Float32frombits(e.peakIn.Load()) }
func (e *Engine) PeakOut() float32 { return math.Float32frombits(e.peakOut.Load()) }

// Process is the audio callback. It renders the output for one hardware
// period and never blocks, allocates or logs.
func (e *Engine) Process(in, out [][]float32, info audio.StreamInfo) int {
	e.processing.Store(true)
	defer e.processing.Store(false)

	frames := info.Frames
	if len(out) > 0 && (frames <= 0 || frames > len(out[0])) {
		frames = len(out[0])
	}
	for _, ch := range out {
		clear(ch[:min(frames, len(ch))])
	}
	if !e.active.Load() || frames <= 0 {
		return 0
	}
	e.callbacks.Add(1)

	if e.syncer != nil {
		e.syncer.RecvSync()
	}

	channels := e.model.Channels.Read()
	defer channels.Close()
	waves := e.model.Waves.Read()
	defer waves.Close()
	mix := e.model.Mixer.Load()

	e.ctx.Waves = waves.All()
	e.ctx.Running = e.transport.IsRunning()

	nIn := min(len(in), buffer.MaxChannels)
	nOut := min(len(out), buffer.MaxChannels)
	var peakIn, peakOut float32
	for off := 0; off < frames; off += e.cfg.BufferFrames {
		n := min(e.cfg.BufferFrames, frames-off)
		for c := 0; c < nIn; c++ {
			// a short input channel leaves the rest of the period silent
			e.inSeg[c] = in[c][min(off, len(in[c])):min(off+n, len(in[c]))]
		}
		for c := 0; c < nOut; c++ {
			e.outSeg[c] = out[c][off : off+n]
		}
		pi, po := e.render(e.inSeg[:nIn], e.outSeg[:nOut], n, channels.All(), &mix)
		peakIn = max(peakIn, pi)
		peakOut = max(peakOut, po)
	}
	clear(e.inSeg[:])
	clear(e.outSeg[:])
	e.ctx.Waves = nil

	e.peakIn.Store(math.Float32bits(peakIn))
	e.peakOut.Store(math.Float32bits(peakOut))
	return 0
}

// render runs the pipeline over one period of at most BufferFrames frames.
func (e *Engine) render(in, out [][]float32, n int, chans []*channel.Channel, mix *model.MixerState) (peakIn, peakOut float32) {
	e.inView.SetData(in, n)
	e.outView.SetData(out, n)
	e.inWork.SetData(e.inChans[:], n)
	defer func() {
		e.inView.Unbind()
		e.outView.Unbind()
		e.inWork.Unbind()
	}()

	e.outView.Clear()
	e.inWork.Clear()
	e.events.Clear()

	peakIn = e.processLineIn(mix)

	if ch := findChannel(chans, channel.MasterInID); ch != nil {
		e.fault(ch, ch.Render(nil, &e.inWork, true, &e.ctx))
	}

	if e.transport.IsActive() {
		if e.transport.IsRunning() {
			e.transport.Parse(n, e.events)
		}
		e.lineInRec(mix)
	}

	e.drainQueues()
	events := e.events.Events()
	for _, ch := range chans {
		audible := channel.Audible(ch, mix.HasSolos)
		ch.Parse(events, audible, &e.ctx)
		ch.Advance(n, &e.ctx)
	}

	for _, ch := range chans {
		if ch.IsMaster() {
			continue
		}
		e.fault(ch, ch.Render(&e.outView, &e.inWork, channel.Audible(ch, mix.HasSolos), &e.ctx))
	}

	if ch := findChannel(chans, channel.MasterOutID); ch != nil {
		e.fault(ch, ch.Render(&e.outView, nil, true, &e.ctx))
	}

	if e.transport.IsActive() {
		e.transport.Advance(&e.outView)
	}

	return peakIn, e.finalizeOutput(mix)
}

// processLineIn meters the hardware input, fires the signal callback and
// copies the input into the working buffer scaled by the input gain.
func (e *Engine) processLineIn(mix *model.MixerState) float32 {
	if !e.cfg.InputEnabled || !e.inView.IsAllocd() {
		return 0
	}
	peak := e.inView.Peak()
	if e.signalCb.Load() != nil && linearToDB(peak) > mix.RecTriggerLevel {
		if cb := e.signalCb.Swap(nil); cb != nil {
			(*cb)()
		}
	}
	e.inWork.CopyData(&e.inView, mix.InGain)
	return peak
}

// lineInRec overdubs the working input into the record buffer at the input
// tracker, scaled by the input gain and wrapping at the loop length.
func (e *Engine) lineInRec(mix *model.MixerState) {
	if !e.recording.Load() || !e.cfg.InputEnabled {
		return
	}
	rec := e.recBuffer.Load()
	loop := e.transport.FramesInLoop()
	if rec == nil || loop <= 0 {
		return
	}
	n := e.inWork.Frames()
	tracker := e.inputTracker.Load()
	for c := 0; c < rec.Channels(); c++ {
		dst := rec.Channel(c)
		src := e.inWork.Channel(min(c, e.inWork.Channels()-1))
		for i := 0; i < n; i++ {
			pos := int((tracker + int64(i)) % int64(loop))
			if pos < len(dst) {
				dst[pos] += src[i] * mix.InGain
			}
		}
	}
	e.inputTracker.Store(tracker + int64(n))
}

// drainQueues moves UI events, then MIDI events, into the working list. What
// does not fit stays queued for the next period.
func (e *Engine) drainQueues() {
	for !e.events.Full() {
		ev, ok := e.uiEvents.Pop()
		if !ok {
			break
		}
		e.events.Push(ev)
	}
	for !e.events.Full() {
		ev, ok := e.midiEvents.Pop()
		if !ok {
			break
		}
		e.events.Push(ev)
	}
}

func (e *Engine) finalizeOutput(mix *model.MixerState) float32 {
	if mix.InToOut {
		e.outView.AddData(&e.inWork, mix.OutGain)
	} else {
		e.outView.ApplyGain(mix.OutGain)
	}
	if mix.LimitOutput {
		e.outView.Clamp(-1, 1)
	}
	return e.outView.Peak()
}

func (e *Engine) fault(ch *channel.Channel, err error) {
	if err != nil {
		e.faults.Push(Fault{ChannelID: ch.ID(), Err: err})
	}
}

func findChannel(chans []*channel.Channel, id uint32) *channel.Channel {
	for _, ch := range chans {
		if ch.ID() == id {
			return ch
		}
	}
	return nil
}

func linearToDB(v float32) float64 {
	if v <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(float64(v))
}

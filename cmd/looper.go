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

package main

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-looper/internal/audio"
	"github.com/loqalabs/loqa-looper/internal/bounce"
	"github.com/loqalabs/loqa-looper/internal/channel"
	"github.com/loqalabs/loqa-looper/internal/clock"
	"github.com/loqalabs/loqa-looper/internal/config"
	"github.com/loqalabs/loqa-looper/internal/midi"
	"github.com/loqalabs/loqa-looper/internal/mixer"
	"github.com/loqalabs/loqa-looper/internal/model"
	loqanats "github.com/loqalabs/loqa-looper/internal/nats"
	"github.com/loqalabs/loqa-looper/internal/transport"
)

const faultPollInterval = 100 * time.Millisecond

// looper wires a configured engine to its audio stream and control surfaces.
type looper struct {
	cfg       *config.Config
	model     *model.Model
	transport *clock.Transport
	engine    *mixer.Engine

	// channels maps sample names from the config to channel ids.
	channels map[string]uint32
}

func newLooper(cfg *config.Config) (*looper, error) {
	m, err := model.New(cfg.Audio.BufferFrames, model.MixerState{
		InGain:          cfg.Mixer.InputGain,
		OutGain:         cfg.Mixer.OutputGain,
		InToOut:         cfg.Mixer.InToOut,
		LimitOutput:     cfg.Mixer.LimitOutput,
		RecTriggerLevel: cfg.Mixer.RecTriggerLevel,
	})
	if err != nil {
		return nil, err
	}
	tr, err := clock.NewTransport(cfg.Audio.SampleRate, cfg.Transport.BPM, cfg.Transport.Beats)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	tr.SetMetronome(cfg.Transport.Metronome)

	eng, err := mixer.New(mixer.Config{
		SampleRate:   cfg.Audio.SampleRate,
		BufferFrames: cfg.Audio.BufferFrames,
		QueueSize:    cfg.Mixer.QueueSize,
		InputEnabled: cfg.Audio.InputEnabled && cfg.Audio.InputChannels > 0,
	}, m, tr)
	if err != nil {
		_ = m.Close()
		return nil, err
	}

	if v := cfg.Mixer.MasterVolume; v > 0 && v != 1 {
		err := eng.ConfigureChannel(channel.MasterOutID, func(c *channel.Channel) {
			c.Plugins = append(c.Plugins, &channel.Gain{Level: v})
		})
		if err != nil {
			_ = eng.Close()
			return nil, err
		}
	}

	l := &looper{
		cfg:       cfg,
		model:     m,
		transport: tr,
		engine:    eng,
		channels:  make(map[string]uint32, len(cfg.Samples)),
	}
	if err := l.loadSamples(); err != nil {
		_ = eng.Close()
		return nil, err
	}
	return l, nil
}

// loadSamples gives every configured sample its own channel.
func (l *looper) loadSamples() error {
	for _, s := range l.cfg.Samples {
		buf, rate, err := bounce.ReadFile(s.File)
		if err != nil {
			return fmt.Errorf("sample %s: %w", s.Name, err)
		}
		if rate != l.cfg.Audio.SampleRate {
			log.Printf("⚠️  Sample %s is %d Hz but the mixer runs at %d Hz; it will play at the wrong pitch",
				s.Name, rate, l.cfg.Audio.SampleRate)
		}
		mode, err := config.ParseMode(s.Mode)
		if err != nil {
			return fmt.Errorf("sample %s: %w", s.Name, err)
		}

		id, err := l.engine.AddChannel(channel.Sample, s.Name)
		if err != nil {
			return fmt.Errorf("sample %s: %w", s.Name, err)
		}
		waveID, err := l.engine.AddWave(s.Name, buf)
		if err != nil {
			return fmt.Errorf("sample %s: %w", s.Name, err)
		}
		if err := l.engine.AssignWave(id, waveID, mode); err != nil {
			return fmt.Errorf("sample %s: %w", s.Name, err)
		}
		if s.Volume > 0 {
			if err := l.engine.SetVolume(id, s.Volume); err != nil {
				return fmt.Errorf("sample %s: %w", s.Name, err)
			}
		}
		l.channels[s.Name] = id
		log.Printf("🎵 Loaded %s: %d frames on channel %d", s.Name, buf.Frames(), id)
	}
	return nil
}

// bindings resolves the configured note bindings to channel ids.
func (l *looper) bindings() []midi.Binding {
	out := make([]midi.Binding, 0, len(l.cfg.MIDI.Bindings))
	for _, b := range l.cfg.MIDI.Bindings {
		id, ok := l.channels[b.Channel]
		if !ok {
			continue
		}
		out = append(out, midi.Binding{Note: uint8(b.Note), ChannelID: id}) //nolint:gosec // G115: validated 0-127
	}
	return out
}

// meter takes a reading for remote surfaces.
func (l *looper) meter() transport.Meter {
	return transport.Meter{
		PeakIn:       l.engine.PeakIn(),
		PeakOut:      l.engine.PeakOut(),
		Callbacks:    l.engine.Callbacks(),
		Dropped:      l.engine.DroppedEvents(),
		Recording:    l.engine.IsRecording(),
		Status:       uint8(l.transport.Status()),        //nolint:gosec // G115: small enum
		CurrentFrame: uint32(l.transport.CurrentFrame()), //nolint:gosec // G115: bounded by the loop length
		FramesInLoop: uint32(l.transport.FramesInLoop()), //nolint:gosec // G115: bounded by the loop length
	}
}

func newBackend(name string) (audio.Backend, error) {
	switch name {
	case config.BackendPortAudio:
		return audio.NewPortAudioBackend(), nil
	case config.BackendOto:
		return audio.NewOtoBackend(), nil
	case config.BackendMock:
		m := audio.NewMockBackend()
		m.SetSimulateRealTiming(true)
		return m, nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q", name)
	}
}

// run streams audio through the engine until ctx is done, then bounces the
// record buffer if configured and releases everything.
func (l *looper) run(ctx context.Context, backend audio.Backend) (err error) {
	if err := backend.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize %s: %w", backend.Name(), err)
	}
	defer func() {
		if terr := backend.Terminate(); terr != nil && err == nil {
			err = terr
		}
	}()

	inputs := 0
	if l.engine.Config().InputEnabled {
		inputs = l.cfg.Audio.InputChannels
	}
	stream, err := backend.OpenStream(audio.StreamParams{
		SampleRate:     float64(l.cfg.Audio.SampleRate),
		InputChannels:  inputs,
		OutputChannels: l.cfg.Audio.OutputChannels,
		BufferSize:     l.cfg.Audio.BufferFrames,
		Callback:       l.engine.Process,
	})
	if err != nil {
		_ = l.engine.Close()
		return fmt.Errorf("failed to open audio stream: %w", err)
	}

	l.engine.Enable()
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = l.engine.Close()
		return fmt.Errorf("failed to start audio stream: %w", err)
	}
	log.Printf("🔊 Audio stream started on %s", backend.Name())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.watchFaults(gctx) })
	if l.cfg.Mixer.RecOnSignal {
		g.Go(func() error { return l.recordOnSignal(gctx) })
	}
	if l.cfg.MIDI.Input >= 0 || l.cfg.MIDI.Output >= 0 {
		g.Go(func() error { return l.runMIDI(gctx) })
	}
	if l.cfg.NATS.URL != "" {
		g.Go(func() error { return l.runNATS(gctx) })
	}
	runErr := g.Wait()

	log.Println("🛑 Shutting down looper...")
	if err := stream.Stop(); err != nil {
		log.Printf("⚠️  Failed to stop audio stream: %v", err)
	}
	l.engine.Disable()
	l.engine.StopInputRecording()
	if l.cfg.Bounce != "" {
		if err := l.bounceTo(l.cfg.Bounce); err != nil {
			log.Printf("⚠️  Failed to bounce recording: %v", err)
		}
	}
	if err := stream.Close(); err != nil {
		log.Printf("⚠️  Failed to close audio stream: %v", err)
	}
	if err := l.engine.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// watchFaults logs failures the audio thread absorbed, and queue overflows.
func (l *looper) watchFaults(ctx context.Context) error {
	ticker := time.NewTicker(faultPollInterval)
	defer ticker.Stop()

	var dropped uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.engine.DrainFaults(func(f mixer.Fault) {
				log.Printf("⚠️  Audio thread: %v", f)
			})
			if n := l.engine.DroppedEvents(); n != dropped {
				log.Printf("⚠️  %d control events dropped, queue full", n-dropped)
				dropped = n
			}
		}
	}
}

// recordOnSignal arms the transport and the signal callback, and starts
// recording, along with the sequencer, the first time the input crosses the
// trigger level.
func (l *looper) recordOnSignal(ctx context.Context) error {
	l.transport.Arm()
	signal := make(chan struct{}, 1)
	l.engine.SetSignalCallback(func() {
		select {
		case signal <- struct{}{}:
		default:
		}
	})
	log.Printf("⏺️  Waiting for input above %.1f dB", l.cfg.Mixer.RecTriggerLevel)

	select {
	case <-ctx.Done():
		l.engine.SetSignalCallback(nil)
		l.transport.Disarm()
		return nil
	case <-signal:
	}
	if !l.transport.IsRunning() {
		l.engine.StartSequencer()
	}
	if err := l.engine.StartInputRecording(); err != nil {
		return fmt.Errorf("failed to start recording on signal: %w", err)
	}
	log.Println("🎙️  Input signal detected, recording")
	return nil
}

// runMIDI opens the configured PortMidi devices and pumps them until ctx is
// done.
func (l *looper) runMIDI(ctx context.Context) error {
	if err := midi.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize MIDI: %w", err)
	}
	defer func() { _ = midi.Terminate() }()

	g, gctx := errgroup.WithContext(ctx)
	if id := l.cfg.MIDI.Input; id >= 0 {
		in, err := midi.OpenInput(id, l.engine, l.bindings())
		if err != nil {
			return err
		}
		defer in.Close()
		log.Printf("🎹 MIDI input on device %d, %d note binding(s)", id, len(l.cfg.MIDI.Bindings))
		g.Go(func() error { return in.Run(gctx) })
	}
	if id := l.cfg.MIDI.Output; id >= 0 {
		out, err := midi.OpenOutput(id, l.engine)
		if err != nil {
			return err
		}
		defer out.Close()
		log.Printf("🎹 MIDI output on device %d", id)
		g.Go(func() error { return out.Run(gctx) })
	}
	return g.Wait()
}

// runNATS serves remote control and meters. A hub that cannot be reached
// leaves the looper running locally.
func (l *looper) runNATS(ctx context.Context) error {
	id := l.cfg.NATS.MixerID
	conn, err := loqanats.Connect(l.cfg.NATS.URL, id)
	if err != nil {
		log.Printf("⚠️  Remote control disabled: %v", err)
		return nil
	}

	sub := loqanats.NewControlSubscriber(conn, id, l.engine)
	defer sub.Close()
	if err := sub.Start(); err != nil {
		return err
	}
	log.Printf("📡 Listening for control frames on %s", loqanats.ControlSubject(id))

	pub := loqanats.NewMeterPublisher(conn, id, crc32.ChecksumIEEE([]byte(id)), l.meter, l.cfg.NATS.MeterInterval)
	return pub.Run(ctx)
}

// bounceTo writes the record buffer to a WAV file.
func (l *looper) bounceTo(path string) error {
	buf, err := l.engine.RecordedBuffer()
	if errors.Is(err, mixer.ErrNoRecording) {
		log.Println("💾 Nothing recorded, skipping bounce")
		return nil
	}
	if err != nil {
		return err
	}
	if err := bounce.WriteFile(path, buf, l.cfg.Audio.SampleRate); err != nil {
		return err
	}
	log.Printf("💾 Bounced %d frames to %s", buf.Frames(), path)
	return nil
}

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

// Package config loads the looper's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-looper/internal/channel"
)

var ErrInvalid = errors.New("invalid configuration")

// Backends that can drive the mixer.
const (
	BackendPortAudio = "portaudio"
	BackendOto       = "oto"
	BackendMock      = "mock"
)

type Config struct {
	Audio     AudioConfig     `yaml:"audio"`
	Mixer     MixerConfig     `yaml:"mixer"`
	Transport TransportConfig `yaml:"transport"`
	MIDI      MIDIConfig      `yaml:"midi"`
	NATS      NATSConfig      `yaml:"nats"`
	Samples   []SampleConfig  `yaml:"samples"`

	// Bounce is where the record buffer is written as WAV on shutdown.
	// Empty disables it.
	Bounce string `yaml:"bounce"`
}

type AudioConfig struct {
	Backend        string `yaml:"backend"`
	SampleRate     int    `yaml:"sample_rate"`
	BufferFrames   int    `yaml:"buffer_frames"`
	InputEnabled   bool   `yaml:"input_enabled"`
	InputChannels  int    `yaml:"input_channels"`
	OutputChannels int    `yaml:"output_channels"`
}

type MixerConfig struct {
	InputGain       float32 `yaml:"input_gain"`
	OutputGain      float32 `yaml:"output_gain"`
	InToOut         bool    `yaml:"in_to_out"`
	LimitOutput     bool    `yaml:"limit_output"`
	RecTriggerLevel float64 `yaml:"rec_trigger_db"`
	QueueSize       int     `yaml:"queue_size"`

	// MasterVolume scales the master output bus. 0 leaves it at unity.
	MasterVolume float32 `yaml:"master_volume"`

	// RecOnSignal starts input recording the first time the input crosses
	// RecTriggerLevel.
	RecOnSignal bool `yaml:"rec_on_signal"`
}

type TransportConfig struct {
	BPM       float64 `yaml:"bpm"`
	Beats     int     `yaml:"beats"`
	Metronome bool    `yaml:"metronome"`
}

// MIDIConfig selects PortMidi devices by id; -1 disables a side.
type MIDIConfig struct {
	Input    int           `yaml:"input"`
	Output   int           `yaml:"output"`
	Bindings []NoteBinding `yaml:"bindings"`
}

// NoteBinding plays the named sample channel from a note.
type NoteBinding struct {
	Note    int    `yaml:"note"`
	Channel string `yaml:"channel"`
}

// NATSConfig configures the remote control surface. An empty URL disables it.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	MixerID       string        `yaml:"mixer_id"`
	MeterInterval time.Duration `yaml:"meter_interval"`
}

// SampleConfig preloads a WAV or MP3 file into a new sample channel.
type SampleConfig struct {
	Name   string  `yaml:"name"`
	File   string  `yaml:"file"`
	Mode   string  `yaml:"mode"`
	Volume float32 `yaml:"volume"` // 0 plays at unity
}

// Default returns a configuration that runs a stereo looper on the default
// PortAudio devices.
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			Backend:        BackendPortAudio,
			SampleRate:     44100,
			BufferFrames:   1024,
			InputEnabled:   true,
			InputChannels:  2,
			OutputChannels: 2,
		},
		Mixer: MixerConfig{
			InputGain:       1,
			OutputGain:      1,
			LimitOutput:     true,
			RecTriggerLevel: -10,
			QueueSize:       256,
		},
		Transport: TransportConfig{BPM: 120, Beats: 4},
		MIDI:      MIDIConfig{Input: -1, Output: -1},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MixerID:       NewMixerID(),
			MeterInterval: 100 * time.Millisecond,
		},
	}
}

// NewMixerID returns a random mixer id.
func NewMixerID() string { return "looper-" + uuid.NewString() }

// Load reads path on top of the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is Load for in-memory YAML.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks ranges and references.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Audio.Backend {
	case BackendPortAudio, BackendOto, BackendMock:
	default:
		fail("audio.backend %q (want %s, %s or %s)", c.Audio.Backend, BackendPortAudio, BackendOto, BackendMock)
	}
	if c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 192000 {
		fail("audio.sample_rate %d", c.Audio.SampleRate)
	}
	if c.Audio.BufferFrames < 16 || c.Audio.BufferFrames > 8192 {
		fail("audio.buffer_frames %d", c.Audio.BufferFrames)
	}
	if c.Audio.InputChannels < 0 || c.Audio.InputChannels > 2 {
		fail("audio.input_channels %d", c.Audio.InputChannels)
	}
	if c.Audio.OutputChannels < 1 || c.Audio.OutputChannels > 2 {
		fail("audio.output_channels %d", c.Audio.OutputChannels)
	}
	if c.Mixer.InputGain < 0 || c.Mixer.OutputGain < 0 || c.Mixer.MasterVolume < 0 {
		fail("mixer gains must not be negative")
	}
	if c.Mixer.QueueSize < 1 {
		fail("mixer.queue_size %d", c.Mixer.QueueSize)
	}
	if c.Transport.BPM < 20 || c.Transport.BPM > 999 {
		fail("transport.bpm %.2f", c.Transport.BPM)
	}
	if c.Transport.Beats < 1 || c.Transport.Beats > 32 {
		fail("transport.beats %d", c.Transport.Beats)
	}
	if c.NATS.URL != "" && strings.TrimSpace(c.NATS.MixerID) == "" {
		fail("nats.mixer_id is required when nats.url is set")
	}

	names := make(map[string]bool, len(c.Samples))
	for i, s := range c.Samples {
		if s.Name == "" || s.File == "" {
			fail("samples[%d] needs a name and a file", i)
		}
		if names[s.Name] {
			fail("samples[%d] duplicate name %q", i, s.Name)
		}
		names[s.Name] = true
		if s.Volume < 0 {
			fail("samples[%d] volume %.2f", i, s.Volume)
		}
		if _, err := ParseMode(s.Mode); err != nil {
			fail("samples[%d]: %v", i, err)
		}
	}
	for i, b := range c.MIDI.Bindings {
		if b.Note < 0 || b.Note > 127 {
			fail("midi.bindings[%d] note %d", i, b.Note)
		}
		if !names[b.Channel] {
			fail("midi.bindings[%d] unknown channel %q", i, b.Channel)
		}
	}
	return errors.Join(errs...)
}

// ParseMode maps a sample mode name to a channel mode. Empty means one-shot.
func ParseMode(s string) (channel.Mode, error) {
	switch strings.ToLower(s) {
	case "", "oneshot", "one-shot":
		return channel.OneShotBasic, nil
	case "press":
		return channel.OneShotPress, nil
	case "loop":
		return channel.LoopBasic, nil
	default:
		return 0, fmt.Errorf("unknown sample mode %q", s)
	}
}

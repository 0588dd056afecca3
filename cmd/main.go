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
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loqalabs/loqa-looper/internal/config"
	"github.com/loqalabs/loqa-looper/internal/midi"
)

// options holds the command line. Flags the user set override the config
// file; the rest leave it alone.
type options struct {
	configPath string
	mixerID    string
	natsURL    string
	backend    string
	bounce     string
	midiIn     int
	midiOut    int
	midiList   bool

	set map[string]bool
}

func parseFlags(args []string, output io.Writer) (*options, error) {
	opts := &options{set: make(map[string]bool)}
	fs := flag.NewFlagSet("loqa-looper", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configPath, "config", "", "YAML config file")
	fs.StringVar(&opts.mixerID, "id", "", "Mixer identifier (default: random)")
	fs.StringVar(&opts.natsURL, "nats", "", "NATS server URL; empty string disables remote control")
	fs.StringVar(&opts.backend, "backend", "", "Audio backend: portaudio, oto or mock")
	fs.StringVar(&opts.bounce, "bounce", "", "Write the record buffer to this WAV file on exit")
	fs.IntVar(&opts.midiIn, "midi-in", -1, "PortMidi input device id (-1 disables)")
	fs.IntVar(&opts.midiOut, "midi-out", -1, "PortMidi output device id (-1 disables)")
	fs.BoolVar(&opts.midiList, "midi-list", false, "List PortMidi devices and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	return opts, nil
}

func (o *options) apply(cfg *config.Config) {
	if o.set["id"] {
		cfg.NATS.MixerID = o.mixerID
	}
	if o.set["nats"] {
		cfg.NATS.URL = o.natsURL
	}
	if o.set["backend"] {
		cfg.Audio.Backend = o.backend
	}
	if o.set["bounce"] {
		cfg.Bounce = o.bounce
	}
	if o.set["midi-in"] {
		cfg.MIDI.Input = o.midiIn
	}
	if o.set["midi-out"] {
		cfg.MIDI.Output = o.midiOut
	}
}

// loadConfig reads the config file and applies the command line on top.
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	if opts.midiList {
		if err := listMIDI(os.Stdout); err != nil {
			log.Fatalf("❌ %v", err)
		}
		return
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	log.Printf("🚀 Starting Loqa Looper")
	log.Printf("📋 Mixer ID: %s", cfg.NATS.MixerID)
	log.Printf("🎚️  Audio: %s, %d Hz, %d frames", cfg.Audio.Backend, cfg.Audio.SampleRate, cfg.Audio.BufferFrames)
	log.Printf("🥁 Tempo: %.1f bpm, %d beats", cfg.Transport.BPM, cfg.Transport.Beats)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l, err := newLooper(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize mixer: %v", err)
	}
	backend, err := newBackend(cfg.Audio.Backend)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	printBanner(cfg, l)

	if err := l.run(ctx, backend); err != nil {
		log.Fatalf("❌ Looper stopped: %v", err)
	}
	log.Println("👋 Loqa Looper stopped")
}

func printBanner(cfg *config.Config, l *looper) {
	fmt.Println()
	fmt.Println("🔁 Loqa Looper - Mixer Active!")
	fmt.Println("==============================")
	fmt.Println()
	if cfg.Audio.InputEnabled {
		fmt.Printf("🎙️  Input: %d channel(s), trigger %.1f dB\n", cfg.Audio.InputChannels, cfg.Mixer.RecTriggerLevel)
	}
	fmt.Printf("🔊 Output: %d channel(s), limiter %t\n", cfg.Audio.OutputChannels, cfg.Mixer.LimitOutput)
	for _, s := range cfg.Samples {
		fmt.Printf("🎵 Channel %d: %s (%s)\n", l.channels[s.Name], s.Name, s.File)
	}
	if cfg.NATS.URL != "" {
		fmt.Printf("📡 Control: %s\n", cfg.NATS.URL)
	}
	if cfg.Mixer.RecOnSignal {
		fmt.Println("⏺️  Recording starts on input signal")
	}
	fmt.Println()
	fmt.Println("⏹️  Press Ctrl+C to stop")
	fmt.Println()
}

// listMIDI prints the PortMidi devices, marking the system defaults.
func listMIDI(w io.Writer) error {
	if err := midi.Initialize(); err != nil {
		return err
	}
	defer func() { _ = midi.Terminate() }()
	writeMIDIDevices(w, midi.Devices(), midi.DefaultInput(), midi.DefaultOutput())
	return nil
}

func writeMIDIDevices(w io.Writer, devices []midi.Device, defaultIn, defaultOut int) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "🎹 No MIDI devices found")
		return
	}
	fmt.Fprintln(w, "🎹 MIDI devices:")
	for _, d := range devices {
		var dirs []string
		if d.Input {
			dirs = append(dirs, direction("in", d.ID == defaultIn))
		}
		if d.Output {
			dirs = append(dirs, direction("out", d.ID == defaultOut))
		}
		fmt.Fprintf(w, "  %2d  %-32s %s\n", d.ID, d.Name, strings.Join(dirs, ", "))
	}
}

func direction(name string, isDefault bool) string {
	if isDefault {
		return name + " (default)"
	}
	return name
}

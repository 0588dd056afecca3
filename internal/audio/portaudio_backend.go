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

package audio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioBackend implements Backend using the real PortAudio library.
type PortAudioBackend struct {
	mu          sync.Mutex
	initialized bool
	streams     []*PortAudioStream
}

// NewPortAudioBackend creates a new PortAudio backend
func NewPortAudioBackend() *PortAudioBackend {
	return &PortAudioBackend{}
}

func (p *PortAudioBackend) Name() string { return "portaudio" }

// Initialize initializes the PortAudio subsystem
func (p *PortAudioBackend) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	p.initialized = true
	return nil
}

// Terminate closes every open stream and terminates PortAudio.
func (p *PortAudioBackend) Terminate() error {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return nil
	}
	streams := p.streams
	p.streams = nil
	p.initialized = false
	p.mu.Unlock()

	for _, s := range streams {
		_ = s.Close() // Ignore errors during cleanup
	}
	return portaudio.Terminate()
}

// OpenStream opens a full-duplex, non-interleaved default stream.
func (p *PortAudioBackend) OpenStream(params StreamParams) (Stream, error) {
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return nil, ErrNotInitialized
	}

	s := &PortAudioStream{
		params: params,
		stopCh: make(chan struct{}, 1),
	}
	stream, err := portaudio.OpenDefaultStream(
		params.InputChannels,
		params.OutputChannels,
		params.SampleRate,
		params.BufferSize,
		s.process,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	s.stream = stream
	p.streams = append(p.streams, s)
	return s, nil
}

// PortAudioStream implements Stream on top of a PortAudio callback stream.
type PortAudioStream struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	params StreamParams
	active bool
	closed bool
	stopCh chan struct{}
	done   chan struct{}
}

func (p *PortAudioStream) process(in, out [][]float32, ti portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
	info := StreamInfo{
		Time:      ti.OutputBufferDacTime,
		Underflow: flags&(portaudio.InputUnderflow|portaudio.OutputUnderflow) != 0,
		Overflow:  flags&(portaudio.InputOverflow|portaudio.OutputOverflow) != 0,
	}
	if len(out) > 0 {
		info.Frames = len(out[0])
	}
	if p.params.Callback(in, out, info) != 0 {
		select {
		case p.stopCh <- struct{}{}:
		default:
		}
	}
}

// Start starts the audio stream
func (p *PortAudioStream) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrStreamClosed
	}
	if p.active {
		return nil
	}
	if err := p.stream.Start(); err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}
	p.active = true
	p.done = make(chan struct{})
	go p.watchStop(p.done)
	return nil
}

// watchStop stops the stream when the callback asks for it. The callback
// itself cannot call into PortAudio.
func (p *PortAudioStream) watchStop(done chan struct{}) {
	select {
	case <-p.stopCh:
		_ = p.Stop()
	case <-done:
	}
}

// Stop stops the audio stream
func (p *PortAudioStream) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return nil
	}
	p.active = false
	close(p.done)
	return p.stream.Stop()
}

// Close stops and closes the audio stream
func (p *PortAudioStream) Close() error {
	if err := p.Stop(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.stream.Close()
}

func (p *PortAudioStream) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *PortAudioStream) Params() StreamParams { return p.params }

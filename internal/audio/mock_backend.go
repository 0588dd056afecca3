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
	"time"
)

// MockBackend implements Backend for testing without hardware dependencies.
// Streams are driven either by Tick or, with real timing enabled, by a
// goroutine firing once per period.
type MockBackend struct {
	mu                 sync.Mutex
	initialized        bool
	streams            map[string]*MockStream
	streamCounter      int
	initError          error
	terminateError     error
	openStreamError    error
	simulateRealTiming bool
}

// NewMockBackend creates a new mock audio backend
func NewMockBackend() *MockBackend {
	return &MockBackend{
		streams: make(map[string]*MockStream),
	}
}

func (m *MockBackend) Name() string { return "mock" }

// SetInitError configures the backend to return an error on Initialize()
func (m *MockBackend) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initError = err
}

// SetTerminateError configures the backend to return an error on Terminate()
func (m *MockBackend) SetTerminateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateError = err
}

// SetOpenStreamError configures the backend to return an error on stream creation
func (m *MockBackend) SetOpenStreamError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openStreamError = err
}

// SetSimulateRealTiming makes streams opened afterwards run their callback
// from a ticker once started.
func (m *MockBackend) SetSimulateRealTiming(simulate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simulateRealTiming = simulate
}

// Streams returns the streams still open.
func (m *MockBackend) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MockStream, 0, len(m.streams))
	for _, s := range m.streams {
		out = append(out, s)
	}
	return out
}

// Initialize initializes the mock audio subsystem
func (m *MockBackend) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initError != nil {
		return m.initError
	}

	m.initialized = true
	return nil
}

// Terminate closes every stream and terminates the mock audio subsystem
func (m *MockBackend) Terminate() error {
	m.mu.Lock()
	if m.terminateError != nil {
		m.mu.Unlock()
		return m.terminateError
	}
	streams := make([]*MockStream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	// Close outside the backend lock, streams remove themselves from it
	for _, s := range streams {
		_ = s.Close() // Ignore errors during cleanup
	}

	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
	return nil
}

// OpenStream creates a mock stream
func (m *MockBackend) OpenStream(params StreamParams) (Stream, error) {
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, ErrNotInitialized
	}
	if m.openStreamError != nil {
		return nil, m.openStreamError
	}

	id := fmt.Sprintf("stream_%d", m.streamCounter)
	m.streamCounter++

	in := make([][]float32, params.InputChannels)
	for i := range in {
		in[i] = make([]float32, params.BufferSize)
	}
	out := make([][]float32, params.OutputChannels)
	for i := range out {
		out[i] = make([]float32, params.BufferSize)
	}
	s := &MockStream{
		id:                 id,
		backend:            m,
		params:             params,
		in:                 in,
		out:                out,
		recorded:           make([][]float32, params.OutputChannels),
		simulateRealTiming: m.simulateRealTiming,
	}
	m.streams[id] = s
	return s, nil
}

// MockStream implements Stream for testing
type MockStream struct {
	mu                 sync.Mutex
	id                 string
	backend            *MockBackend
	params             StreamParams
	in                 [][]float32
	out                [][]float32
	recorded           [][]float32
	frames             int64
	closed             bool
	isActive           bool
	simulateRealTiming bool
	stopCh             chan struct{}
	startError         error
	stopError          error
	closeError         error
	generator          func(channel, frame int) float32
}

// SetStartError configures the stream to return an error on Start()
func (m *MockStream) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startError = err
}

// SetStopError configures the stream to return an error on Stop()
func (m *MockStream) SetStopError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopError = err
}

// SetCloseError configures the stream to return an error on Close()
func (m *MockStream) SetCloseError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeError = err
}

// SetInputGenerator sets the function producing input samples. frame is the
// absolute frame index since the stream was opened. Input is silent when no
// generator is set.
func (m *MockStream) SetInputGenerator(gen func(channel, frame int) float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generator = gen
}

// Start starts the mock stream
func (m *MockStream) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startError != nil {
		return m.startError
	}
	if m.closed {
		return ErrStreamClosed
	}
	if m.isActive {
		return fmt.Errorf("stream already active")
	}

	m.isActive = true

	if m.simulateRealTiming {
		m.stopCh = make(chan struct{})
		go m.run(m.stopCh)
	}
	return nil
}

// Stop stops the mock stream
func (m *MockStream) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopError != nil {
		return m.stopError
	}
	m.stopLocked()
	return nil
}

func (m *MockStream) stopLocked() {
	if !m.isActive {
		return
	}
	m.isActive = false
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
}

// Close closes the mock stream and removes it from the backend
func (m *MockStream) Close() error {
	m.mu.Lock()
	if m.closeError != nil {
		m.mu.Unlock()
		return m.closeError
	}
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.stopLocked()
	m.closed = true
	m.mu.Unlock()

	m.backend.mu.Lock()
	delete(m.backend.streams, m.id)
	m.backend.mu.Unlock()
	return nil
}

// IsActive returns true if the mock stream is active
func (m *MockStream) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isActive
}

func (m *MockStream) Params() StreamParams { return m.params }

// Tick runs n callback periods synchronously and returns the callback's
// last status. The stream must be started.
func (m *MockStream) Tick(n int) (int, error) {
	status := 0
	for i := 0; i < n; i++ {
		var err error
		if status, err = m.tick(); err != nil {
			return status, err
		}
		if status != 0 {
			break
		}
	}
	return status, nil
}

func (m *MockStream) tick() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isActive {
		return 0, fmt.Errorf("stream %s not active", m.id)
	}

	frames := m.params.BufferSize
	for c, ch := range m.in {
		for f := range ch {
			if m.generator != nil {
				ch[f] = m.generator(c, int(m.frames)+f)
			} else {
				ch[f] = 0
			}
		}
	}
	for _, ch := range m.out {
		clear(ch)
	}

	info := StreamInfo{
		Frames: frames,
		Time:   framesToDuration(m.frames, m.params.SampleRate),
	}
	status := m.params.Callback(m.in, m.out, info)
	m.frames += int64(frames)

	for c, ch := range m.out {
		m.recorded[c] = append(m.recorded[c], ch...)
	}
	if status != 0 {
		m.stopLocked()
	}
	return status, nil
}

// run simulates the hardware clock, firing the callback once per period
func (m *MockStream) run(stop chan struct{}) {
	ticker := time.NewTicker(m.params.Period())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := m.tick(); err != nil {
				return
			}
		}
	}
}

// Output returns a copy of everything the callback rendered, per channel.
func (m *MockStream) Output() [][]float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]float32, len(m.recorded))
	for i, ch := range m.recorded {
		out[i] = append([]float32(nil), ch...)
	}
	return out
}

// ResetOutput drops the recorded output.
func (m *MockStream) ResetOutput() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.recorded {
		m.recorded[i] = m.recorded[i][:0]
	}
}

// FramesProcessed returns the number of frames rendered so far.
func (m *MockStream) FramesProcessed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

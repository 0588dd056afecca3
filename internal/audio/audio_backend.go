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
	"errors"
	"time"
)

var (
	ErrNotInitialized = errors.New("audio backend not initialized")
	ErrStreamClosed   = errors.New("stream closed")
	ErrNoCallback     = errors.New("stream callback not set")
)

// Backend is a host audio API. Backends are injected into the daemon so the
// engine can run against real hardware or a mock in tests.
type Backend interface {
	Name() string

	// Initialize brings the host API up. Calling it twice is safe.
	Initialize() error

	// Terminate releases the host API and every stream still open.
	Terminate() error

	// OpenStream opens a callback-driven stream. The callback runs on the
	// backend's real-time thread.
	OpenStream(params StreamParams) (Stream, error)
}

// Stream is an open callback-driven stream.
type Stream interface {
	Start() error
	Stop() error
	Close() error
	IsActive() bool
	Params() StreamParams
}

// StreamInfo describes one callback period.
type StreamInfo struct {
	Frames    int
	Time      time.Duration // stream time of the first output frame
	Underflow bool
	Overflow  bool
}

// Callback renders one period. in holds one slice per input channel and is
// empty when the stream has no input; out holds one slice per output channel.
// Neither may be retained after the call. A non-zero return asks the backend
// to stop the stream.
type Callback func(in, out [][]float32, info StreamInfo) int

// StreamParams holds parameters for stream creation.
type StreamParams struct {
	SampleRate     float64
	InputChannels  int
	OutputChannels int
	BufferSize     int
	Callback       Callback
}

func (p StreamParams) validate() error {
	switch {
	case p.Callback == nil:
		return ErrNoCallback
	case p.SampleRate <= 0:
		return errors.New("sample rate must be positive")
	case p.BufferSize <= 0:
		return errors.New("buffer size must be positive")
	case p.OutputChannels <= 0:
		return errors.New("stream needs at least one output channel")
	case p.InputChannels < 0:
		return errors.New("negative input channel count")
	}
	return nil
}

// Period is the duration of one callback.
func (p StreamParams) Period() time.Duration {
	return framesToDuration(int64(p.BufferSize), p.SampleRate)
}

func framesToDuration(frames int64, rate float64) time.Duration {
	return time.Duration(float64(frames) * float64(time.Second) / rate)
}

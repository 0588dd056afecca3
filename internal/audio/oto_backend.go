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
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/ebitengine/oto/v3"

	"github.com/loqalabs/loqa-looper/internal/buffer"
)

// OtoBackend is an output-only backend on top of oto. Oto pulls audio from
// an io.Reader, so each Read is cut into BufferSize periods and every period
// is rendered through the stream callback.
type OtoBackend struct {
	mu          sync.Mutex
	initialized bool
	ctx         *oto.Context
	rate        float64
	channels    int
}

func NewOtoBackend() *OtoBackend {
	return &OtoBackend{}
}

func (o *OtoBackend) Name() string { return "oto" }

// Initialize is deferred to OpenStream: an oto context is bound to a sample
// rate and channel count and can only be created once per process.
func (o *OtoBackend) Initialize() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.initialized = true
	return nil
}

func (o *OtoBackend) Terminate() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.initialized = false
	if o.ctx != nil {
		return o.ctx.Suspend()
	}
	return nil
}

// OpenStream opens an output stream. Input channels are not supported and
// the callback always receives an empty input.
func (o *OtoBackend) OpenStream(params StreamParams) (Stream, error) {
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if params.OutputChannels > buffer.MaxChannels {
		return nil, fmt.Errorf("open stream: %d output channels, at most %d", params.OutputChannels, buffer.MaxChannels)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.initialized {
		return nil, ErrNotInitialized
	}

	if o.ctx == nil {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   int(params.SampleRate),
			ChannelCount: params.OutputChannels,
			Format:       oto.FormatFloat32LE,
			BufferSize:   params.Period() * 2,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create oto context: %w", err)
		}
		<-ready
		o.ctx = ctx
		o.rate = params.SampleRate
		o.channels = params.OutputChannels
	} else {
		if err := o.ctx.Resume(); err != nil {
			return nil, fmt.Errorf("failed to resume oto context: %w", err)
		}
		if params.SampleRate != o.rate || params.OutputChannels != o.channels {
			return nil, fmt.Errorf("oto context already open at %.0f Hz, %d channels", o.rate, o.channels)
		}
	}

	params.InputChannels = 0
	r := newPullReader(params)
	return &OtoStream{
		params: params,
		reader: r,
		player: o.ctx.NewPlayer(r),
	}, nil
}

// OtoStream implements Stream over an oto player.
type OtoStream struct {
	mu     sync.Mutex
	params StreamParams
	reader *pullReader
	player *oto.Player
	closed bool
}

func (s *OtoStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.player.Play()
	return nil
}

func (s *OtoStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.player.Pause()
	}
	return nil
}

func (s *OtoStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.player.Close()
}

func (s *OtoStream) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.player.IsPlaying() && !s.reader.stopped.Load()
}

func (s *OtoStream) Params() StreamParams { return s.params }

// pullReader renders periods on demand and encodes them as little-endian
// float32 frames.
type pullReader struct {
	params      StreamParams
	out         [][]float32
	view        buffer.Buffer
	interleaved []float32
	pending     []byte
	scratch     []byte
	elapsed     int64
	stopped     atomic.Bool
}

func newPullReader(params StreamParams) *pullReader {
	out := make([][]float32, params.OutputChannels)
	for i := range out {
		out[i] = make([]float32, params.BufferSize)
	}
	return &pullReader{
		params:      params,
		out:         out,
		interleaved: make([]float32, params.BufferSize*params.OutputChannels),
		scratch:     make([]byte, params.BufferSize*params.OutputChannels*4),
	}
}

func (r *pullReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(r.pending) == 0 {
			r.render()
		}
		c := copy(p[n:], r.pending)
		r.pending = r.pending[c:]
		n += c
	}
	return n, nil
}

func (r *pullReader) render() {
	frames := r.params.BufferSize
	if r.stopped.Load() {
		for _, ch := range r.out {
			clear(ch)
		}
	} else {
		info := StreamInfo{
			Frames: frames,
			Time:   framesToDuration(r.elapsed, r.params.SampleRate),
		}
		if r.params.Callback(nil, r.out, info) != 0 {
			r.stopped.Store(true)
		}
	}
	r.elapsed += int64(frames)

	r.view.SetData(r.out, frames)
	r.view.Interleave(r.interleaved)
	r.view.Unbind()
	for i, v := range r.interleaved {
		binary.LittleEndian.PutUint32(r.scratch[i*4:], math.Float32bits(v))
	}
	r.pending = r.scratch
}

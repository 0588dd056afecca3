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
	"github.com/loqalabs/loqa-looper/internal/event"
	"github.com/loqalabs/loqa-looper/internal/wave"
)

func (c *Channel) parseSample(e event.Event, ctx *Context) {
	s := c.state
	status := c.Status()
	loop := c.Sample.Mode == LoopBasic

	switch e.Type {
	case event.KeyPress:
		if e.ChannelID == event.Broadcast {
			return
		}
		switch status {
		case Off:
			if loop && ctx.Running {
				s.setStatus(Wait)
			} else {
				c.start(e.Delta)
			}
		case Wait:
			s.setStatus(Off)
		case Play:
			switch {
			case loop && ctx.Running:
				s.setStatus(Ending)
			case loop:
				c.stop(e.Delta)
			case c.Sample.Mode == OneShotBasic:
				s.rewindAt = e.Delta
			}
		case Ending:
			s.setStatus(Play)
		}

	case event.KeyRelease:
		if c.Sample.Mode == OneShotPress && status == Play {
			c.stop(e.Delta)
		}

	case event.KeyKill:
		c.stop(e.Delta)

	case event.SequencerFirstBeat:
		switch {
		case status == Wait:
			c.start(e.Delta)
		case status == Ending:
			c.stop(e.Delta)
		case status == Play && loop:
			s.rewindAt = e.Delta
		}

	case event.SequencerStop:
		if loop {
			c.stop(e.Delta)
		}

	case event.SequencerRewind:
		if loop && status == Play {
			s.rewindAt = e.Delta
		}
	}
}

func (c *Channel) start(delta int) {
	s := c.state
	s.tracker.Store(int64(c.Sample.Begin))
	s.playFrom = delta
	s.stopAt = -1
	s.rewindAt = -1
	s.setStatus(Play)
}

func (c *Channel) stop(delta int) {
	s := c.state
	switch c.Status() {
	case Wait:
		s.setStatus(Off)
	case Play, Ending:
		s.stopAt = delta
	}
}

func (c *Channel) advanceSample(frames int, ctx *Context) {
	s := c.state
	s.buffer.Clear()
	defer s.resetOffsets()

	status := c.Status()
	if status != Play && status != Ending {
		return
	}
	w := findWave(ctx.Waves, c.Sample.WaveID)
	if w == nil {
		s.setStatus(Off)
		return
	}

	n := min(frames, s.buffer.Frames())
	from := min(max(s.playFrom, 0), n)
	to := n
	if s.stopAt >= 0 {
		to = min(s.stopAt, n)
	}

	if r := s.rewindAt; r > from && r < to {
		c.fill(w, from, r)
		s.tracker.Store(int64(c.Sample.Begin))
		c.fill(w, r, to)
	} else {
		if r == from {
			s.tracker.Store(int64(c.Sample.Begin))
		}
		c.fill(w, from, to)
	}

	if s.stopAt >= 0 {
		s.setStatus(Off)
		s.tracker.Store(int64(c.Sample.Begin))
	}
}

// fill copies wave frames into the working buffer range [from, to), starting
// at the tracker. Loops wrap at the end point; one-shots stop there.
func (c *Channel) fill(w *wave.Wave, from, to int) {
	s := c.state
	begin := max(c.Sample.Begin, 0)
	end := w.Frames()
	if c.Sample.End > 0 && c.Sample.End < end {
		end = c.Sample.End
	}
	if begin >= end {
		s.setStatus(Off)
		return
	}

	t := int(s.tracker.Load())
	pos := from
	for pos < to {
		if t >= end || t < begin {
			if c.Sample.Mode != LoopBasic && t >= end {
				s.setStatus(Off)
				t = begin
				break
			}
			t = begin
		}
		chunk := min(to-pos, end-t)
		s.buffer.AddFrames(w.Buffer, t, pos, chunk, 1)
		t += chunk
		pos += chunk
	}
	s.tracker.Store(int64(t))
}

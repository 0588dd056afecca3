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

import "github.com/loqalabs/loqa-looper/internal/event"

const (
	midiControlChange = 0xB0
	midiAllNotesOff   = 0x7B
)

func (c *Channel) parseMidi(e event.Event, audible bool, ctx *Context) {
	s := c.state
	switch e.Type {
	case event.Midi:
		if f := c.Midi.InputFilter; f >= 0 && int(event.MidiChannel(e.Value)) != f {
			return
		}
		if len(s.midi) < cap(s.midi) {
			s.midi = append(s.midi, e)
		}
		if audible {
			c.sendMidi(e, ctx)
		}

	case event.KeyKill, event.SequencerStop:
		if audible {
			c.sendMidi(event.NewMidi(c.id, midiControlChange, midiAllNotesOff, 0, e.Delta), ctx)
		}
	}
}

// sendMidi forwards e to the MIDI output, rewritten to the configured
// output channel. A full sink drops the message.
func (c *Channel) sendMidi(e event.Event, ctx *Context) {
	if !c.Midi.OutputEnabled || ctx.MidiOut == nil {
		return
	}
	status, d1, d2 := event.UnpackMidi(e.Value)
	status = status&0xF0 | c.Midi.OutputChannel&0x0F
	ctx.MidiOut.Push(event.NewMidi(c.id, status, d1, d2, e.Delta))
}

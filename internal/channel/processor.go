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
	"github.com/loqalabs/loqa-looper/internal/buffer"
	"github.com/loqalabs/loqa-looper/internal/event"
)

// Processor is one link of a channel's plugin chain. Process runs on the
// audio thread: it must not block, allocate or perform I/O. events holds the
// MIDI messages the channel received this callback.
type Processor interface {
	Name() string
	Process(buf *buffer.Buffer, events []event.Event) error
}

// Gain scales the signal by Level.
type Gain struct {
	Level float32
}

func (g *Gain) Name() string { return "gain" }

func (g *Gain) Process(buf *buffer.Buffer, _ []event.Event) error {
	buf.ApplyGain(g.Level)
	return nil
}

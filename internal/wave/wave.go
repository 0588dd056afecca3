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

package wave

import (
	"fmt"

	"github.com/loqalabs/loqa-looper/internal/buffer"
)

// Wave is a piece of sample data owned by the model's wave collection.
// Channels refer to it by id only.
type Wave struct {
	id     uint32
	Name   string
	Rate   int
	Buffer *buffer.Buffer

	// Logical waves exist only in memory (e.g. taken from input recording).
	Logical bool
}

// New wraps an owned buffer into a wave.
func New(id uint32, name string, rate int, buf *buffer.Buffer) (*Wave, error) {
	if buf == nil || !buf.IsAllocd() {
		return nil, fmt.Errorf("wave %q: empty buffer", name)
	}
	if buf.IsView() {
		return nil, fmt.Errorf("wave %q: buffer must own its memory", name)
	}
	return &Wave{id: id, Name: name, Rate: rate, Buffer: buf}, nil
}

func (w *Wave) ID() uint32 { return w.id }

func (w *Wave) Frames() int {
	if w.Buffer == nil {
		return 0
	}
	return w.Buffer.Frames()
}

// Clone returns a deep copy, sample data included, so the copy can be edited
// while readers still hold the original.
func (w *Wave) Clone() *Wave {
	c := *w
	if w.Buffer != nil && w.Buffer.IsAllocd() {
		buf, err := buffer.New(w.Buffer.Frames(), w.Buffer.Channels())
		if err == nil {
			buf.CopyData(w.Buffer, 1)
			c.Buffer = buf
		}
	}
	return &c
}

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

package mixer

import (
	"fmt"
	"testing"

	"github.com/loqalabs/loqa-looper/internal/audio"
)

// BenchmarkProcess renders one hardware period with a growing number of
// playing channels and the input overdubbing into the loop.
func BenchmarkProcess(b *testing.B) {
	for _, channels := range []int{1, 8, 32} {
		b.Run(fmt.Sprintf("%d_channels", channels), func(b *testing.B) {
			e, _ := newTestEngine(b)
			for i := 0; i < channels; i++ {
				playingChannel(b, e, 0.01)
			}
			e.StartSequencer()
			if err := e.StartInputRecording(); err != nil {
				b.Fatal(err)
			}

			in := planar(2, testFrames, 0.1)
			out := planar(2, testFrames, 0)
			info := audio.StreamInfo{Frames: testFrames}

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				e.Process(in, out, info)
			}
			b.SetBytes(int64(testFrames * 2 * 4))
		})
	}
}

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

package nats

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/loqalabs/loqa-looper/internal/transport"
)

// DefaultMeterInterval is how often meters go out when none is configured.
const DefaultMeterInterval = 100 * time.Millisecond

// MeterSource takes a meter reading.
type MeterSource func() transport.Meter

// MeterPublisher periodically publishes meter frames for one mixer.
type MeterPublisher struct {
	conn     Connection
	subject  string
	senderID uint32
	source   MeterSource
	interval time.Duration
	sequence uint32
}

func NewMeterPublisher(conn Connection, mixerID string, senderID uint32, source MeterSource, interval time.Duration) *MeterPublisher {
	if interval <= 0 {
		interval = DefaultMeterInterval
	}
	return &MeterPublisher{
		conn:     conn,
		subject:  MeterSubject(mixerID),
		senderID: senderID,
		source:   source,
		interval: interval,
	}
}

// Publish sends one reading.
func (mp *MeterPublisher) Publish() error {
	mp.sequence++
	m := mp.source()
	frame := transport.NewFrame(transport.FrameTypeMeter, mp.senderID, mp.sequence,
		uint64(time.Now().UnixMicro()), m.Encode()) //nolint:gosec // G115: wall clock is positive
	data, err := frame.Serialize()
	if err != nil {
		return err
	}
	if err := mp.conn.Publish(mp.subject, data); err != nil {
		return fmt.Errorf("failed to publish meters to %s: %w", mp.subject, err)
	}
	return nil
}

// Run publishes until ctx is done. Publish failures are logged once per
// outage rather than every tick.
func (mp *MeterPublisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(mp.interval)
	defer ticker.Stop()

	failing := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := mp.Publish()
			switch {
			case err != nil && !failing:
				log.Printf("⚠️  %v", err)
				failing = true
			case err == nil && failing:
				log.Printf("✅ Meter publishing resumed on %s", mp.subject)
				failing = false
			}
		}
	}
}

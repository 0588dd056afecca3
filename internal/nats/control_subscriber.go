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
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-looper/internal/transport"
)

const (
	connectAttempts = 5
	connectBackoff  = 2 * time.Second
)

var (
	ErrQueueFull   = errors.New("control queue full")
	ErrUnsupported = errors.New("unsupported control op")
)

// ControlSubject is where control frames for one mixer arrive.
func ControlSubject(mixerID string) string { return fmt.Sprintf("mixer.%s.control", mixerID) }

// BroadcastSubject addresses every mixer at once.
const BroadcastSubject = "mixer.broadcast.control"

// MeterSubject is where a mixer publishes its meters.
func MeterSubject(mixerID string) string { return fmt.Sprintf("mixer.%s.meters", mixerID) }

// Connection interface for dependency injection
type Connection interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, data []byte) error
	Close()
}

// ConnectionAdapter adapts *nats.Conn to the Connection interface
type ConnectionAdapter struct {
	conn *nats.Conn
}

func NewConnectionAdapter(conn *nats.Conn) *ConnectionAdapter {
	return &ConnectionAdapter{conn: conn}
}

func (a *ConnectionAdapter) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return a.conn.Subscribe(subject, cb)
}

func (a *ConnectionAdapter) Publish(subject string, data []byte) error {
	return a.conn.Publish(subject, data)
}

func (a *ConnectionAdapter) Close() {
	a.conn.Close()
}

// Connect dials NATS, retrying a few times before giving up. The returned
// connection reconnects on its own afterwards.
func Connect(natsURL, mixerID string) (*ConnectionAdapter, error) {
	opts := []nats.Option{
		nats.Name("loqa-looper " + mixerID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(connectBackoff),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("⚠️  NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("🔗 NATS reconnected to %s", nc.ConnectedUrl())
		}),
	}

	var nc *nats.Conn
	var err error
	for i := 0; i < connectAttempts; i++ {
		nc, err = nats.Connect(natsURL, opts...)
		if err == nil {
			break
		}
		log.Printf("⚠️  Failed to connect to NATS (attempt %d/%d): %v", i+1, connectAttempts, err)
		time.Sleep(connectBackoff)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", connectAttempts, err)
	}

	log.Printf("✅ Connected to NATS at %s", natsURL)
	return NewConnectionAdapter(nc), nil
}

// Controller is the part of the mixer a remote surface can drive.
type Controller interface {
	KeyPress(id uint32) bool
	KeyRelease(id uint32) bool
	KeyKill(id uint32) bool
	SetMute(id uint32, mute bool) error
	SetSolo(id uint32, solo bool) error
	SetVolume(id uint32, volume float32) error
	SetInputGain(g float32)
	SetOutputGain(g float32)
	SetInToOut(v bool)
	SetLimitOutput(v bool)
	SetRecTriggerLevel(db float64)
	StartSequencer()
	StopSequencer()
	RewindSequencer()
	SetTempo(bpm float64, beats int) error
	SetMetronome(on bool)
	StartInputRecording() error
	StopInputRecording()
	FinalizeInputRecording(id uint32, name string) (uint32, error)
	ClearRecBuffer() error
}

// ControlSubscriber applies control frames received over NATS to a mixer.
type ControlSubscriber struct {
	conn    Connection
	mixerID string
	ctrl    Controller

	mu       sync.Mutex // serializes Apply across subscriptions
	takes    int
	sequence atomic.Uint32
	handled  atomic.Uint64
	rejected atomic.Uint64
}

// NewControlSubscriber creates a subscriber over an existing connection.
func NewControlSubscriber(conn Connection, mixerID string, ctrl Controller) *ControlSubscriber {
	return &ControlSubscriber{conn: conn, mixerID: mixerID, ctrl: ctrl}
}

// Start begins listening for control frames
func (cs *ControlSubscriber) Start() error {
	subject := ControlSubject(cs.mixerID)
	if _, err := cs.conn.Subscribe(subject, cs.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	if _, err := cs.conn.Subscribe(BroadcastSubject, cs.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", BroadcastSubject, err)
	}

	log.Printf("🎛️  Subscribed to control topics: %s, %s", subject, BroadcastSubject)
	return nil
}

// handleMessage decodes one frame and applies it. Requests that carry a
// reply subject get an error frame back on failure, or an empty frame of the
// same type on success.
func (cs *ControlSubscriber) handleMessage(msg *nats.Msg) {
	frame, err := transport.DeserializeFrame(msg.Data)
	if err != nil {
		cs.rejected.Add(1)
		log.Printf("❌ Failed to decode control frame on %s: %v", msg.Subject, err)
		cs.reply(msg, transport.FrameTypeError, []byte(err.Error()))
		return
	}

	switch frame.Type {
	case transport.FrameTypeHeartbeat:
		cs.reply(msg, transport.FrameTypeHeartbeat, nil)
		return
	case transport.FrameTypeControl:
	default:
		cs.rejected.Add(1)
		log.Printf("⚠️  Ignoring %s frame on %s", frame.Type, msg.Subject)
		return
	}

	c, err := frame.Control()
	if err == nil {
		err = cs.Apply(c)
	}
	if err != nil {
		cs.rejected.Add(1)
		log.Printf("❌ Control %s from sender %d failed: %v", c.Op, frame.SenderID, err)
		cs.reply(msg, transport.FrameTypeError, []byte(err.Error()))
		return
	}
	cs.handled.Add(1)
	cs.reply(msg, transport.FrameTypeControl, nil)
}

func (cs *ControlSubscriber) reply(msg *nats.Msg, ft transport.FrameType, data []byte) {
	if msg.Reply == "" {
		return
	}
	if len(data) > transport.MaxDataSize {
		data = data[:transport.MaxDataSize]
	}
	frame := transport.NewFrame(ft, 0, cs.sequence.Add(1), uint64(time.Now().UnixMicro()), data) //nolint:gosec // G115: wall clock is positive
	out, err := frame.Serialize()
	if err == nil {
		err = cs.conn.Publish(msg.Reply, out)
	}
	if err != nil {
		log.Printf("⚠️  Failed to reply on %s: %v", msg.Reply, err)
	}
}

// Apply runs one control operation against the mixer.
func (cs *ControlSubscriber) Apply(c transport.Control) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	queued := true
	switch c.Op {
	case transport.OpKeyPress:
		queued = cs.ctrl.KeyPress(c.ChannelID)
	case transport.OpKeyRelease:
		queued = cs.ctrl.KeyRelease(c.ChannelID)
	case transport.OpKeyKill:
		queued = cs.ctrl.KeyKill(c.ChannelID)
	case transport.OpMute:
		return cs.ctrl.SetMute(c.ChannelID, c.Flag)
	case transport.OpSolo:
		return cs.ctrl.SetSolo(c.ChannelID, c.Flag)
	case transport.OpVolume:
		return cs.ctrl.SetVolume(c.ChannelID, c.Value)
	case transport.OpInputGain:
		cs.ctrl.SetInputGain(c.Value)
	case transport.OpOutputGain:
		cs.ctrl.SetOutputGain(c.Value)
	case transport.OpInToOut:
		cs.ctrl.SetInToOut(c.Flag)
	case transport.OpLimiter:
		cs.ctrl.SetLimitOutput(c.Flag)
	case transport.OpRecTrigger:
		cs.ctrl.SetRecTriggerLevel(float64(c.Value))
	case transport.OpSequencerStart:
		cs.ctrl.StartSequencer()
	case transport.OpSequencerStop:
		cs.ctrl.StopSequencer()
	case transport.OpSequencerRewind:
		cs.ctrl.RewindSequencer()
	case transport.OpTempo:
		return cs.ctrl.SetTempo(float64(c.Value), int(c.Arg))
	case transport.OpMetronome:
		cs.ctrl.SetMetronome(c.Flag)
	case transport.OpRecordStart:
		return cs.ctrl.StartInputRecording()
	case transport.OpRecordStop:
		cs.ctrl.StopInputRecording()
	case transport.OpRecordFinalize:
		cs.takes++
		name := fmt.Sprintf("take-%d", cs.takes)
		waveID, err := cs.ctrl.FinalizeInputRecording(c.ChannelID, name)
		if err != nil {
			return err
		}
		log.Printf("💾 Recorded %s as wave %d on channel %d", name, waveID, c.ChannelID)
	case transport.OpRecordClear:
		return cs.ctrl.ClearRecBuffer()
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, c.Op)
	}
	if !queued {
		return fmt.Errorf("%s channel %d: %w", c.Op, c.ChannelID, ErrQueueFull)
	}
	return nil
}

// Handled and Rejected count frames applied and refused.
func (cs *ControlSubscriber) Handled() uint64  { return cs.handled.Load() }
func (cs *ControlSubscriber) Rejected() uint64 { return cs.rejected.Load() }

// Close closes the NATS connection
func (cs *ControlSubscriber) Close() {
	if cs.conn != nil {
		cs.conn.Close()
		log.Println("🔌 NATS connection closed")
	}
}

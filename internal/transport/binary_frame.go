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

package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Binary frame protocol for the remote control surface. Frames travel as
// whole NATS messages; the fixed header keeps them parseable by small
// controllers.

// FrameType represents the type of frame being transmitted
type FrameType uint8

const (
	// Control frame types
	FrameTypeControl FrameType = 0x01
	FrameTypeMeter   FrameType = 0x02

	// Housekeeping frame types
	FrameTypeHeartbeat FrameType = 0x10
	FrameTypeError     FrameType = 0x12
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeControl:
		return "control"
	case FrameTypeMeter:
		return "meter"
	case FrameTypeHeartbeat:
		return "heartbeat"
	case FrameTypeError:
		return "error"
	default:
		return fmt.Sprintf("type(0x%02X)", uint8(t))
	}
}

var (
	ErrFrameTooLarge = errors.New("frame data too large")
	ErrInvalidMagic  = errors.New("invalid frame magic")
	ErrShortFrame    = errors.New("frame too small")
	ErrWrongType     = errors.New("unexpected frame type")
)

// Frame represents a binary frame in the protocol
type Frame struct {
	Type      FrameType
	SenderID  uint32
	Sequence  uint32
	Timestamp uint64
	Data      []byte
}

// FrameHeader represents the fixed-size frame header (24 bytes)
type FrameHeader struct {
	Magic     uint32    // 0x4C4F4F50 ("LOOP")
	Type      FrameType // Frame type (1 byte)
	Reserved  uint8     // Reserved for future use (1 byte)
	Length    uint16    // Data payload length (2 bytes)
	SenderID  uint32    // Sender identifier (4 bytes)
	Sequence  uint32    // Sequence number (4 bytes)
	Timestamp uint64    // Unix timestamp microseconds (8 bytes)
}

const (
	FrameMagic = 0x4C4F4F50 // "LOOP" in big-endian

	MaxFrameSize = 1536
	HeaderSize   = 24
	MaxDataSize  = MaxFrameSize - HeaderSize
)

// Serialize converts a frame to binary format
func (f *Frame) Serialize() ([]byte, error) {
	if len(f.Data) > MaxDataSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(f.Data), MaxDataSize)
	}

	header := FrameHeader{
		Magic:     FrameMagic,
		Type:      f.Type,
		Length:    uint16(len(f.Data)), //nolint:gosec // G115: bounded by MaxDataSize above
		SenderID:  f.SenderID,
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
	}

	buf := bytes.NewBuffer(make([]byte, 0, f.Size()))
	if err := binary.Write(buf, binary.BigEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write frame header: %w", err)
	}
	buf.Write(f.Data)
	return buf.Bytes(), nil
}

// DeserializeFrame converts binary data to a frame
func DeserializeFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (min %d)", ErrShortFrame, len(data), HeaderSize)
	}
	header, err := parseFrameHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}

	expectedSize := HeaderSize + int(header.Length)
	if len(data) != expectedSize {
		return nil, fmt.Errorf("frame size mismatch: got %d bytes, expected %d", len(data), expectedSize)
	}

	frame := &Frame{
		Type:      header.Type,
		SenderID:  header.SenderID,
		Sequence:  header.Sequence,
		Timestamp: header.Timestamp,
	}
	if header.Length > 0 {
		frame.Data = append([]byte(nil), data[HeaderSize:]...)
	}
	return frame, nil
}

// ReadFrame reads one frame from a byte stream, header first.
func ReadFrame(r io.Reader) (*Frame, error) {
	headerData := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerData); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}
	header, err := parseFrameHeader(headerData)
	if err != nil {
		return nil, err
	}

	frame := &Frame{
		Type:      header.Type,
		SenderID:  header.SenderID,
		Sequence:  header.Sequence,
		Timestamp: header.Timestamp,
	}
	if header.Length > 0 {
		frame.Data = make([]byte, header.Length)
		if _, err := io.ReadFull(r, frame.Data); err != nil {
			return nil, fmt.Errorf("failed to read frame data: %w", err)
		}
	}
	return frame, nil
}

// parseFrameHeader parses just the header portion of frame data
func parseFrameHeader(headerData []byte) (*FrameHeader, error) {
	if len(headerData) != HeaderSize {
		return nil, fmt.Errorf("invalid header size: %d bytes (expected %d)", len(headerData), HeaderSize)
	}

	var header FrameHeader
	if err := binary.Read(bytes.NewReader(headerData), binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}
	if header.Magic != FrameMagic {
		return nil, fmt.Errorf("%w: 0x%08X (expected 0x%08X)", ErrInvalidMagic, header.Magic, FrameMagic)
	}
	if header.Length > MaxDataSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, header.Length, MaxDataSize)
	}
	return &header, nil
}

// NewFrame creates a new frame with the specified parameters
func NewFrame(frameType FrameType, senderID, sequence uint32, timestamp uint64, data []byte) *Frame {
	return &Frame{
		Type:      frameType,
		SenderID:  senderID,
		Sequence:  sequence,
		Timestamp: timestamp,
		Data:      data,
	}
}

// IsValid checks if the frame is structurally valid
func (f *Frame) IsValid() bool {
	return len(f.Data) <= MaxDataSize
}

// Size returns the total serialized size of the frame
func (f *Frame) Size() int {
	return HeaderSize + len(f.Data)
}

// Op is a control operation carried by a control frame.
type Op uint8

const (
	OpKeyPress Op = iota + 1
	OpKeyRelease
	OpKeyKill
	OpMute
	OpSolo
	OpVolume
	OpInputGain
	OpOutputGain
	OpInToOut
	OpLimiter
	OpRecTrigger
	OpSequencerStart
	OpSequencerStop
	OpSequencerRewind
	OpTempo
	OpMetronome
	OpRecordStart
	OpRecordStop
	OpRecordFinalize
	OpRecordClear
)

var opNames = map[Op]string{
	OpKeyPress:        "key-press",
	OpKeyRelease:      "key-release",
	OpKeyKill:         "key-kill",
	OpMute:            "mute",
	OpSolo:            "solo",
	OpVolume:          "volume",
	OpInputGain:       "input-gain",
	OpOutputGain:      "output-gain",
	OpInToOut:         "in-to-out",
	OpLimiter:         "limiter",
	OpRecTrigger:      "rec-trigger",
	OpSequencerStart:  "sequencer-start",
	OpSequencerStop:   "sequencer-stop",
	OpSequencerRewind: "sequencer-rewind",
	OpTempo:           "tempo",
	OpMetronome:       "metronome",
	OpRecordStart:     "record-start",
	OpRecordStop:      "record-stop",
	OpRecordFinalize:  "record-finalize",
	OpRecordClear:     "record-clear",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Control is the payload of a control frame. Flag carries booleans, Value
// gains, levels and tempo, Arg integers such as the beat count.
type Control struct {
	Op        Op
	Flag      bool
	ChannelID uint32
	Arg       uint32
	Value     float32
}

// ControlSize is the encoded size of a Control payload.
const ControlSize = 16

// Encode returns the big-endian wire form.
func (c Control) Encode() []byte {
	b := make([]byte, ControlSize)
	b[0] = uint8(c.Op)
	if c.Flag {
		b[1] = 1
	}
	binary.BigEndian.PutUint32(b[4:], c.ChannelID)
	binary.BigEndian.PutUint32(b[8:], c.Arg)
	binary.BigEndian.PutUint32(b[12:], math.Float32bits(c.Value))
	return b
}

// DecodeControl parses a control payload.
func DecodeControl(data []byte) (Control, error) {
	if len(data) != ControlSize {
		return Control{}, fmt.Errorf("control payload: %w: %d bytes (want %d)", ErrShortFrame, len(data), ControlSize)
	}
	c := Control{
		Op:        Op(data[0]),
		Flag:      data[1] != 0,
		ChannelID: binary.BigEndian.Uint32(data[4:]),
		Arg:       binary.BigEndian.Uint32(data[8:]),
		Value:     math.Float32frombits(binary.BigEndian.Uint32(data[12:])),
	}
	if _, ok := opNames[c.Op]; !ok {
		return Control{}, fmt.Errorf("control payload: unknown %s", c.Op)
	}
	return c, nil
}

// Meter is the payload of a meter frame.
type Meter struct {
	PeakIn       float32
	PeakOut      float32
	Callbacks    uint64
	Dropped      uint64
	Status       uint8
	Recording    bool
	CurrentFrame uint32
	FramesInLoop uint32
}

// MeterSize is the encoded size of a Meter payload.
const MeterSize = 36

func (m Meter) Encode() []byte {
	b := make([]byte, MeterSize)
	binary.BigEndian.PutUint32(b[0:], math.Float32bits(m.PeakIn))
	binary.BigEndian.PutUint32(b[4:], math.Float32bits(m.PeakOut))
	binary.BigEndian.PutUint64(b[8:], m.Callbacks)
	binary.BigEndian.PutUint64(b[16:], m.Dropped)
	b[24] = m.Status
	if m.Recording {
		b[25] = 1
	}
	binary.BigEndian.PutUint32(b[28:], m.CurrentFrame)
	binary.BigEndian.PutUint32(b[32:], m.FramesInLoop)
	return b
}

func DecodeMeter(data []byte) (Meter, error) {
	if len(data) != MeterSize {
		return Meter{}, fmt.Errorf("meter payload: %w: %d bytes (want %d)", ErrShortFrame, len(data), MeterSize)
	}
	return Meter{
		PeakIn:       math.Float32frombits(binary.BigEndian.Uint32(data[0:])),
		PeakOut:      math.Float32frombits(binary.BigEndian.Uint32(data[4:])),
		Callbacks:    binary.BigEndian.Uint64(data[8:]),
		Dropped:      binary.BigEndian.Uint64(data[16:]),
		Status:       data[24],
		Recording:    data[25] != 0,
		CurrentFrame: binary.BigEndian.Uint32(data[28:]),
		FramesInLoop: binary.BigEndian.Uint32(data[32:]),
	}, nil
}

// Control decodes the frame's payload as a Control.
func (f *Frame) Control() (Control, error) {
	if f.Type != FrameTypeControl {
		return Control{}, fmt.Errorf("%w: %s", ErrWrongType, f.Type)
	}
	return DecodeControl(f.Data)
}

// Meter decodes the frame's payload as a Meter.
func (f *Frame) Meter() (Meter, error) {
	if f.Type != FrameTypeMeter {
		return Meter{}, fmt.Errorf("%w: %s", ErrWrongType, f.Type)
	}
	return DecodeMeter(f.Data)
}

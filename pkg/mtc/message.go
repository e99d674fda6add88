package mtc

import (
	"errors"
	"fmt"

	"gitlab.com/gomidi/midi/v2"

	"mtcsync/pkg/timecode"
)

// Wire constants
const (
	StatusQuarterFrame = 0xF1
	StatusSysExStart   = 0xF0
	StatusSysExEnd     = 0xF7
	StatusActiveSense  = 0xFE

	universalRealTime = 0x7F
	deviceAllCall     = 0x7F
	subIDTimecode     = 0x01
	subIDFullFrame    = 0x01

	quarterFrameLen = 2
	fullFrameLen    = 10
)

var (
	ErrNotMTC           = errors.New("not an MTC message")
	ErrTruncated        = errors.New("truncated MTC message")
	ErrInvalidComponent = errors.New("MTC component out of range")
	ErrSequence         = errors.New("quarter-frame out of sequence")
)

// MessageType identifies which MTC message produced a decoder update.
type MessageType int

const (
	MessageQuarterFrame MessageType = iota + 1
	MessageFullFrame
)

func (t MessageType) String() string {
	switch t {
	case MessageQuarterFrame:
		return "quarter-frame"
	case MessageFullFrame:
		return "full-frame"
	default:
		return "unknown"
	}
}

// KeepAlive is emitted in place of a message that could not be built so the
// stream never goes silent.
func KeepAlive() midi.Message {
	return midi.Message{StatusActiveSense}
}

// FullFrame is the content of a full-frame SysEx message. Components are raw
// MTC frames at Rate.
type FullFrame struct {
	Components timecode.Components
	Rate       FrameRate
}

// EncodeQuarterFrame builds F1 <index:4><value:4>.
func EncodeQuarterFrame(index, value uint8) (midi.Message, error) {
	if index > 7 || value > 0x0F {
		return nil, fmt.Errorf("%w: quarter-frame index %d value %d", ErrInvalidComponent, index, value)
	}
	return midi.Message{StatusQuarterFrame, index<<4 | value}, nil
}

// DecodeQuarterFrame splits a quarter-frame message into index and payload.
func DecodeQuarterFrame(msg midi.Message) (index, value uint8, err error) {
	if len(msg) == 0 || msg[0] != StatusQuarterFrame {
		return 0, 0, ErrNotMTC
	}
	if len(msg) < quarterFrameLen {
		return 0, 0, ErrTruncated
	}
	data := msg[1]
	if data&0x80 != 0 {
		return 0, 0, fmt.Errorf("%w: data byte 0x%02X", ErrInvalidComponent, data)
	}
	return data >> 4 & 0x07, data & 0x0F, nil
}

// EncodeFullFrame builds F0 7F 7F 01 01 hh mm ss ff F7 where hh is 0rrhhhhh.
func EncodeFullFrame(c timecode.Components, rate FrameRate) (midi.Message, error) {
	if err := validateRaw(c, rate); err != nil {
		return nil, err
	}
	return midi.Message{
		StatusSysExStart, universalRealTime, deviceAllCall, subIDTimecode, subIDFullFrame,
		byte(rate)<<5 | byte(c.Hours),
		byte(c.Minutes),
		byte(c.Seconds),
		byte(c.Frames),
		StatusSysExEnd,
	}, nil
}

// DecodeFullFrame parses a full-frame message. Any device ID is accepted.
func DecodeFullFrame(msg midi.Message) (FullFrame, error) {
	if len(msg) == 0 || msg[0] != StatusSysExStart {
		return FullFrame{}, ErrNotMTC
	}
	if len(msg) < fullFrameLen {
		return FullFrame{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(msg))
	}
	if msg[1] != universalRealTime || msg[3] != subIDTimecode || msg[4] != subIDFullFrame {
		return FullFrame{}, ErrNotMTC
	}
	if msg[9] != StatusSysExEnd {
		return FullFrame{}, fmt.Errorf("%w: missing end of exclusive", ErrTruncated)
	}
	for _, b := range msg[5:9] {
		if b&0x80 != 0 {
			return FullFrame{}, fmt.Errorf("%w: data byte 0x%02X", ErrInvalidComponent, b)
		}
	}

	ff := FullFrame{
		Components: timecode.Components{
			Hours:   int(msg[5] & 0x1F),
			Minutes: int(msg[6]),
			Seconds: int(msg[7]),
			Frames:  int(msg[8]),
		},
		Rate: FrameRate(msg[5] >> 5 & 0x03),
	}
	if err := validateRaw(ff.Components, ff.Rate); err != nil {
		return FullFrame{}, err
	}
	return ff, nil
}

// quarterFramePiece returns the 4-bit payload for one of the eight pieces:
// frame LSN, frame MSN, second LSN, second MSN, minute LSN, minute MSN,
// hour LSN, rate and hour MSB.
func quarterFramePiece(c timecode.Components, rate FrameRate, index int) (uint8, error) {
	if err := validateRaw(c, rate); err != nil {
		return 0, err
	}
	switch index {
	case 0:
		return uint8(c.Frames & 0x0F), nil
	case 1:
		return uint8(c.Frames >> 4 & 0x01), nil
	case 2:
		return uint8(c.Seconds & 0x0F), nil
	case 3:
		return uint8(c.Seconds >> 4 & 0x03), nil
	case 4:
		return uint8(c.Minutes & 0x0F), nil
	case 5:
		return uint8(c.Minutes >> 4 & 0x03), nil
	case 6:
		return uint8(c.Hours & 0x0F), nil
	case 7:
		return uint8(rate)<<1 | uint8(c.Hours>>4&0x01), nil
	default:
		return 0, fmt.Errorf("%w: quarter-frame index %d", ErrInvalidComponent, index)
	}
}

// assemblePieces rebuilds components and rate from a full set of eight pieces.
func assemblePieces(p [8]uint8) (timecode.Components, FrameRate, error) {
	c := timecode.Components{
		Frames:  int(p[0]&0x0F) | int(p[1]&0x01)<<4,
		Seconds: int(p[2]&0x0F) | int(p[3]&0x03)<<4,
		Minutes: int(p[4]&0x0F) | int(p[5]&0x03)<<4,
		Hours:   int(p[6]&0x0F) | int(p[7]&0x01)<<4,
	}
	rate := FrameRate(p[7] >> 1 & 0x03)
	if err := validateRaw(c, rate); err != nil {
		return timecode.Components{}, 0, err
	}
	return c, rate, nil
}

func validateRaw(c timecode.Components, rate FrameRate) error {
	if !rate.IsValid() {
		return fmt.Errorf("%w: rate field %d", ErrInvalidComponent, uint8(rate))
	}
	c.Subframes = 0
	if _, err := timecode.New(c, rate.TimecodeRate()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidComponent, err)
	}
	return nil
}

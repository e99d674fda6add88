package models

import "time"

// WireKind classifies a MIDI message emitted by a generator
type WireKind string

const (
	WireKindQuarterFrame WireKind = "quarter_frame"
	WireKindFullFrame    WireKind = "full_frame"
	WireKindKeepAlive    WireKind = "keep_alive"
	WireKindOther        WireKind = "other"
)

// WireMessage is a single MIDI message as it left a session
type WireMessage struct {
	SessionID string    // Session that produced the message
	Timestamp time.Time // When it was handed to the output
	Data      []byte    // Raw MIDI bytes
}

// Kind classifies the message by its status byte
func (m *WireMessage) Kind() WireKind {
	if len(m.Data) == 0 {
		return WireKindOther
	}
	switch m.Data[0] {
	case 0xF1:
		return WireKindQuarterFrame
	case 0xF0:
		return WireKindFullFrame
	case 0xFE:
		return WireKindKeepAlive
	default:
		return WireKindOther
	}
}

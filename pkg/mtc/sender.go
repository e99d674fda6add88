package mtc

import (
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// Sender receives every message an encoder produces. Implementations run on
// the generator's lane and must not block.
type Sender interface {
	Send(msg midi.Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(msg midi.Message) error

// Send calls f(msg).
func (f SenderFunc) Send(msg midi.Message) error {
	return f(msg)
}

// PortSender writes messages to a MIDI output port, opening it on first use.
type PortSender struct {
	out drivers.Out
}

// NewPortSender wraps an output port.
func NewPortSender(out drivers.Out) *PortSender {
	return &PortSender{out: out}
}

// Send writes msg to the port.
func (p *PortSender) Send(msg midi.Message) error {
	if !p.out.IsOpen() {
		if err := p.out.Open(); err != nil {
			return err
		}
	}
	return p.out.Send(msg.Bytes())
}

// Port returns the wrapped output port.
func (p *PortSender) Port() drivers.Out {
	return p.out
}

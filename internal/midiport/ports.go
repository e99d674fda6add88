// Package midiport connects generator sessions and the timecode monitor to
// the host's MIDI ports through the gomidi driver layer.
package midiport

import (
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"mtcsync/pkg/mtc"
)

// Ports opens MIDI outputs by name. An output shared by several sessions is
// opened once and its sends are serialised.
type Ports struct {
	outs map[string]*sharedOut
	mu   sync.Mutex
}

type sharedOut struct {
	sender *mtc.PortSender
	mu     sync.Mutex
}

func (s *sharedOut) Send(msg midi.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sender.Send(msg)
}

// NewPorts creates an empty port registry
func NewPorts() *Ports {
	return &Ports{
		outs: make(map[string]*sharedOut),
	}
}

// OpenOut returns a sender for the named output port
func (p *Ports) OpenOut(name string) (mtc.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if out, ok := p.outs[name]; ok {
		return out, nil
	}

	port, err := midi.FindOutPort(name)
	if err != nil {
		return nil, errors.Wrapf(err, "finding MIDI output %q", name)
	}
	if err := port.Open(); err != nil {
		return nil, errors.Wrapf(err, "opening MIDI output %q", name)
	}

	out := &sharedOut{sender: mtc.NewPortSender(port)}
	p.outs[name] = out

	slog.Info("midiport: opened output", "port", port.String())
	return out, nil
}

// OutputNames lists the outputs the driver can see
func (p *Ports) OutputNames() ([]string, error) {
	outs, err := drivers.Outs()
	if err != nil {
		return nil, errors.Wrap(err, "listing MIDI outputs")
	}

	names := make([]string, 0, len(outs))
	for _, out := range outs {
		names = append(names, out.String())
	}
	return names, nil
}

// InputNames lists the inputs the driver can see
func (p *Ports) InputNames() ([]string, error) {
	ins, err := drivers.Ins()
	if err != nil {
		return nil, errors.Wrap(err, "listing MIDI inputs")
	}

	names := make([]string, 0, len(ins))
	for _, in := range ins {
		names = append(names, in.String())
	}
	return names, nil
}

// Close closes every opened output
func (p *Ports) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for name, out := range p.outs {
		if err := out.sender.Port().Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "closing MIDI output %q", name)
		}
		delete(p.outs, name)
	}
	return firstErr
}

package mtc

import (
	"fmt"
	"log/slog"

	"gitlab.com/gomidi/midi/v2"

	"mtcsync/pkg/timecode"
)

// Direction is the inferred playback direction of a quarter-frame stream.
type Direction int

const (
	DirectionAmbiguous Direction = iota
	DirectionForwards
	DirectionBackwards
)

func (d Direction) String() string {
	switch d {
	case DirectionForwards:
		return "forwards"
	case DirectionBackwards:
		return "backwards"
	default:
		return "ambiguous"
	}
}

// quarterFrameOffset is the position of piece index inside its window, in
// quarter-frames. A forwards stream reaching the last piece has spent two
// frames transmitting the window, so it reports window + 2 frames.
func quarterFrameOffset(index int, dir Direction) int {
	if index == 7 && dir == DirectionForwards {
		return 8
	}
	return index
}

// DecoderState describes how much the decoder knows about the stream.
type DecoderState int

const (
	// DecoderIdle has no reference position.
	DecoderIdle DecoderState = iota
	// DecoderAnchored has a position from a full-frame, no quarter-frames yet.
	DecoderAnchored
	// DecoderStreaming is following an in-sequence quarter-frame stream.
	DecoderStreaming
)

func (s DecoderState) String() string {
	switch s {
	case DecoderAnchored:
		return "anchored"
	case DecoderStreaming:
		return "streaming"
	default:
		return "idle"
	}
}

// Update is delivered to the OnUpdate handler for every decoded position.
type Update struct {
	Timecode     timecode.Timecode
	Type         MessageType
	Direction    Direction
	FrameChanged bool
}

// Decoder reassembles timecode from incoming MTC messages. Handlers run
// synchronously inside Receive. It is not safe for concurrent use.
type Decoder struct {
	localRate timecode.FrameRate

	mtcRate   FrameRate
	rateKnown bool

	state     DecoderState
	anchor    timecode.Timecode
	hasAnchor bool
	window    timecode.Timecode
	hasWindow bool
	lastIndex int
	direction Direction
	pieces    [8]uint8
	received  uint8

	last    timecode.Timecode
	hasLast bool

	onUpdate      func(Update)
	onRateChanged func(FrameRate)
}

// NewDecoder creates a decoder reporting at localRate. A zero localRate
// follows the base rate of the incoming stream.
func NewDecoder(localRate timecode.FrameRate) *Decoder {
	return &Decoder{
		localRate: localRate,
		lastIndex: -1,
	}
}

// OnUpdate registers the position handler.
func (d *Decoder) OnUpdate(fn func(Update)) {
	d.onUpdate = fn
}

// OnRateChanged registers the handler called when the incoming MTC base
// rate is first seen or changes.
func (d *Decoder) OnRateChanged(fn func(FrameRate)) {
	d.onRateChanged = fn
}

// SetLocalFrameRate changes the rate positions are reported at.
func (d *Decoder) SetLocalFrameRate(rate timecode.FrameRate) {
	d.localRate = rate
}

// LocalFrameRate returns the configured local rate (zero when following).
func (d *Decoder) LocalFrameRate() timecode.FrameRate {
	return d.localRate
}

// MTCFrameRate returns the last base rate seen on the wire.
func (d *Decoder) MTCFrameRate() (FrameRate, bool) {
	return d.mtcRate, d.rateKnown
}

// State returns the decoder's synchronisation state.
func (d *Decoder) State() DecoderState {
	return d.state
}

// Direction returns the last inferred direction.
func (d *Decoder) Direction() Direction {
	return d.direction
}

// Timecode returns the last reported position.
func (d *Decoder) Timecode() (timecode.Timecode, bool) {
	return d.last, d.hasLast
}

// Listener adapts the decoder to midi.ListenTo. Rejected input is logged at
// debug level.
func (d *Decoder) Listener() func(msg midi.Message, timestampms int32) {
	return func(msg midi.Message, _ int32) {
		if err := d.Receive(msg); err != nil && err != ErrNotMTC {
			slog.Debug("mtc: decoder ignored message", "message", fmt.Sprintf("% X", []byte(msg)), "error", err)
		}
	}
}

// Receive consumes one MIDI message. Messages that are not MTC return
// ErrNotMTC; malformed or out-of-sequence MTC returns a descriptive error
// and the decoder resynchronises on later input.
func (d *Decoder) Receive(msg midi.Message) error {
	if len(msg) == 0 {
		return ErrNotMTC
	}
	switch msg[0] {
	case StatusQuarterFrame:
		return d.receiveQuarterFrame(msg)
	case StatusSysExStart:
		return d.receiveFullFrame(msg)
	default:
		return ErrNotMTC
	}
}

func (d *Decoder) receiveFullFrame(msg midi.Message) error {
	ff, err := DecodeFullFrame(msg)
	if err != nil {
		return err
	}
	d.checkRate(ff.Rate)

	d.anchor = timecode.Timecode{Components: ff.Components, FrameRate: ff.Rate.TimecodeRate()}
	d.hasAnchor = true
	d.hasWindow = false
	d.lastIndex = -1
	d.received = 0
	d.direction = DirectionAmbiguous
	d.state = DecoderAnchored

	d.report(MessageFullFrame, d.anchor, 0, DirectionAmbiguous)
	return nil
}

func (d *Decoder) receiveQuarterFrame(msg midi.Message) error {
	idx, value, err := DecodeQuarterFrame(msg)
	if err != nil {
		return err
	}
	index := int(idx)
	prev := d.lastIndex
	d.lastIndex = index

	inSequence := false
	switch delta := (index - prev + 8) % 8; {
	case prev < 0:
		d.received = 0
		if d.hasAnchor {
			// The anchor is the raw frame addressed by this piece; the
			// second half of a window sits one frame after its start.
			d.window = d.anchor
			if index >= 4 {
				d.window = d.anchor.Subtract(1)
			}
			d.hasWindow = true
			d.hasAnchor = false
		}
	case delta == 1:
		inSequence = true
		d.direction = DirectionForwards
		if index == 0 {
			d.received = 0
			if d.hasWindow {
				d.window = d.window.Add(2)
			}
		}
	case delta == 7:
		inSequence = true
		d.direction = DirectionBackwards
		if index == 7 {
			d.received = 0
			if d.hasWindow {
				d.window = d.window.Subtract(2)
			}
		}
	default:
		d.resync()
		d.store(index, value)
		return fmt.Errorf("%w: index %d after %d", ErrSequence, index, prev)
	}

	d.store(index, value)
	if index == 7 {
		d.checkRate(FrameRate(value >> 1 & 0x03))
	}

	complete := inSequence && d.received == 0xFF &&
		(d.direction == DirectionForwards && index == 7 || d.direction == DirectionBackwards && index == 0)
	if complete {
		c, rate, err := assemblePieces(d.pieces)
		if err != nil {
			d.resync()
			return err
		}
		d.window = timecode.Timecode{Components: c, FrameRate: rate.TimecodeRate()}
		d.hasWindow = true
	}

	if !d.hasWindow {
		return nil
	}
	d.state = DecoderStreaming

	dir := DirectionAmbiguous
	if inSequence {
		dir = d.direction
	}
	d.report(MessageQuarterFrame, d.window, quarterFrameOffset(index, dir), dir)
	return nil
}

func (d *Decoder) store(index int, value uint8) {
	d.pieces[index] = value
	d.received |= 1 << index
}

// resync drops everything learned from the quarter-frame stream. Reporting
// resumes after the next full-frame or the next complete cycle.
func (d *Decoder) resync() {
	d.pieces = [8]uint8{}
	d.received = 0
	d.hasWindow = false
	d.hasAnchor = false
	d.direction = DirectionAmbiguous
	d.state = DecoderIdle
}

func (d *Decoder) checkRate(rate FrameRate) {
	if d.rateKnown && rate == d.mtcRate {
		return
	}
	d.mtcRate = rate
	d.rateKnown = true
	if d.onRateChanged != nil {
		d.onRateChanged(rate)
	}
}

func (d *Decoder) effectiveLocalRate() timecode.FrameRate {
	if d.localRate != 0 {
		return d.localRate
	}
	return d.mtcRate.DefaultLocalRate()
}

// report notifies the position at offset quarter-frames into window. dir is
// the direction of this message alone; ambiguous until two pieces in sequence.
func (d *Decoder) report(kind MessageType, window timecode.Timecode, offset int, dir Direction) {
	base := FrameRate(0)
	if rate, ok := baseForNumbering(window.FrameRate); ok {
		base = rate
	}

	tc, ok := localPosition(window, base, offset, d.effectiveLocalRate())
	if !ok {
		if !d.hasLast {
			return
		}
		// Local rate cannot represent this stream; hold the last good position.
		tc = d.last
	}

	changed := !d.hasLast || !timecode.SameFrame(tc, d.last)
	d.last = tc
	d.hasLast = true

	if d.onUpdate != nil {
		d.onUpdate(Update{
			Timecode:     tc,
			Type:         kind,
			Direction:    dir,
			FrameChanged: changed,
		})
	}
}

// baseForNumbering recovers the MTC base rate from a raw frame numbering.
func baseForNumbering(rate timecode.FrameRate) (FrameRate, bool) {
	for _, r := range []FrameRate{Rate24, Rate25, Rate2997DF, Rate30} {
		if r.TimecodeRate() == rate {
			return r, true
		}
	}
	return 0, false
}

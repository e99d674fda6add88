package mtc

import (
	"fmt"
	"log/slog"

	"gitlab.com/gomidi/midi/v2"

	"mtcsync/pkg/timecode"
)

// FullFramePolicy controls whether Locate transmits a full-frame message.
type FullFramePolicy int

const (
	// FullFrameIfDifferent transmits unless the same position and rate were
	// the last full-frame sent with no quarter-frames in between.
	FullFrameIfDifferent FullFramePolicy = iota
	FullFrameAlways
	FullFrameNever
)

func (p FullFramePolicy) String() string {
	switch p {
	case FullFrameAlways:
		return "always"
	case FullFrameNever:
		return "never"
	default:
		return "ifDifferent"
	}
}

// ParseFullFramePolicy accepts "always", "ifDifferent" and "never".
// An empty string selects FullFrameIfDifferent.
func ParseFullFramePolicy(s string) (FullFramePolicy, error) {
	switch s {
	case "", "ifDifferent", "if-different", "ifdifferent":
		return FullFrameIfDifferent, nil
	case "always":
		return FullFrameAlways, nil
	case "never":
		return FullFrameNever, nil
	default:
		return 0, fmt.Errorf("unknown full-frame policy %q", s)
	}
}

type fullFrameKey struct {
	components timecode.Components
	rate       FrameRate
}

// Encoder turns locate/increment/decrement calls into MTC wire messages.
// It is not safe for concurrent use; Generator confines one to a goroutine.
type Encoder struct {
	out Sender

	localRate timecode.FrameRate
	mtcRate   FrameRate

	// window is the raw position carried by the current 8-piece cycle,
	// numbered at mtcRate. quarterFrame is the piece last emitted (or about
	// to be emitted, before the stream starts).
	window       timecode.Timecode
	quarterFrame int
	located      timecode.Timecode
	direction    Direction

	streamStarted bool
	lastFullFrame *fullFrameKey
}

// NewEncoder creates an encoder at 00:00:00:00, 30 fps, sending to out.
func NewEncoder(out Sender) *Encoder {
	e := &Encoder{out: out}
	e.setLocalFrameRate(timecode.FPS30)
	e.window = timecode.Timecode{FrameRate: e.mtcRate.TimecodeRate()}
	e.located = timecode.Timecode{FrameRate: timecode.FPS30}
	return e
}

// LocalFrameRate returns the rate of the last located timecode.
func (e *Encoder) LocalFrameRate() timecode.FrameRate {
	return e.localRate
}

// MTCFrameRate returns the base rate currently carried on the wire.
func (e *Encoder) MTCFrameRate() FrameRate {
	return e.mtcRate
}

// QuarterFrame returns the current piece index (0-7).
func (e *Encoder) QuarterFrame() int {
	return e.quarterFrame
}

// Direction returns the direction of the last advancing call.
func (e *Encoder) Direction() Direction {
	return e.direction
}

func (e *Encoder) setLocalFrameRate(rate timecode.FrameRate) {
	base, _, _ := BaseRate(rate)
	e.localRate = rate
	e.mtcRate = base
}

// Locate jumps to tc. Subframes are dropped. The quarter-frame stream
// restarts so the next Increment or Decrement re-emits the piece addressing
// tc exactly.
func (e *Encoder) Locate(tc timecode.Timecode, policy FullFramePolicy) error {
	if err := tc.Validate(); err != nil {
		return fmt.Errorf("mtc: locate: %w", err)
	}
	e.setLocalFrameRate(tc.FrameRate)

	window, quarterFrame := ScaledFrames(tc.Frames, tc.FrameRate)
	e.window = timecode.Timecode{
		Components: timecode.Components{
			Hours:   tc.Hours,
			Minutes: tc.Minutes,
			Seconds: tc.Seconds,
			Frames:  window,
		},
		FrameRate: e.mtcRate.TimecodeRate(),
	}
	e.quarterFrame = quarterFrame
	e.located = tc.WholeFrame()
	e.direction = DirectionAmbiguous
	e.streamStarted = false

	key := fullFrameKey{components: e.fullFrameComponents(), rate: e.mtcRate}
	switch policy {
	case FullFrameAlways:
		e.transmitFullFrame(key)
	case FullFrameIfDifferent:
		if e.lastFullFrame == nil || *e.lastFullFrame != key {
			e.transmitFullFrame(key)
		}
	case FullFrameNever:
	}
	return nil
}

// LocateComponents is Locate for bare components. A zero rate keeps the
// current local frame rate.
func (e *Encoder) LocateComponents(c timecode.Components, rate timecode.FrameRate, policy FullFramePolicy) error {
	if rate == 0 {
		rate = e.localRate
	}
	return e.Locate(timecode.Timecode{Components: c, FrameRate: rate}, policy)
}

// Increment emits the next quarter-frame for forward playback.
func (e *Encoder) Increment() {
	if e.streamStarted {
		if e.quarterFrame == 7 {
			e.quarterFrame = 0
			e.window = e.window.Add(2)
		} else {
			e.quarterFrame++
		}
		e.direction = DirectionForwards
	} else {
		e.streamStarted = true
	}

	e.send(e.GenerateQuarterFrameMIDIMessage())
	e.lastFullFrame = nil
}

// Decrement emits the next quarter-frame for reverse playback.
func (e *Encoder) Decrement() {
	if e.streamStarted {
		if e.quarterFrame == 0 {
			e.quarterFrame = 7
			e.window = e.window.Subtract(2)
		} else {
			e.quarterFrame--
		}
		e.direction = DirectionBackwards
	} else {
		e.streamStarted = true
	}

	e.send(e.GenerateQuarterFrameMIDIMessage())
	e.lastFullFrame = nil
}

// Timecode returns the position a receiver decodes from the stream so far,
// at the local frame rate.
func (e *Encoder) Timecode() timecode.Timecode {
	if !e.streamStarted {
		return e.located
	}
	tc, ok := localPosition(e.window, e.mtcRate, quarterFrameOffset(e.quarterFrame, e.direction), e.localRate)
	if !ok {
		return e.located
	}
	return tc
}

// GenerateFullFrameMIDIMessage builds the full-frame message for the current
// position. It never fails; invalid state yields a keep-alive.
func (e *Encoder) GenerateFullFrameMIDIMessage() midi.Message {
	msg, err := EncodeFullFrame(e.fullFrameComponents(), e.mtcRate)
	if err != nil {
		slog.Warn("mtc: full-frame message could not be built, sending keep-alive", "error", err)
		return KeepAlive()
	}
	return msg
}

// GenerateQuarterFrameMIDIMessage builds the quarter-frame message for the
// current piece.
func (e *Encoder) GenerateQuarterFrameMIDIMessage() midi.Message {
	piece, err := quarterFramePiece(e.window.Components, e.mtcRate, e.quarterFrame)
	if err == nil {
		var msg midi.Message
		if msg, err = EncodeQuarterFrame(uint8(e.quarterFrame), piece); err == nil {
			return msg
		}
	}
	slog.Warn("mtc: quarter-frame message could not be built, sending keep-alive",
		"quarterFrame", e.quarterFrame,
		"error", err,
	)
	return KeepAlive()
}

// fullFrameComponents is the raw frame addressed by the current piece.
func (e *Encoder) fullFrameComponents() timecode.Components {
	c := e.window.Add(e.quarterFrame / 4).Components
	c.Subframes = 0
	return c
}

func (e *Encoder) transmitFullFrame(key fullFrameKey) {
	e.lastFullFrame = &key
	e.send(e.GenerateFullFrameMIDIMessage())
}

func (e *Encoder) send(msg midi.Message) {
	if e.out == nil {
		return
	}
	if err := e.out.Send(msg); err != nil {
		slog.Debug("mtc: sender rejected message", "message", fmt.Sprintf("% X", []byte(msg)), "error", err)
	}
}

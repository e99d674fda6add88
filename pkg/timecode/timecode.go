// Package timecode provides the SMPTE timecode value type used by the MTC
// codecs: component decomposition, drop-frame aware frame counting and
// wrap-safe arithmetic over a 24 hour day.
package timecode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidFrameRate  = errors.New("invalid frame rate")
	ErrInvalidComponents = errors.New("invalid timecode components")
	ErrInvalidFormat     = errors.New("invalid timecode string")
)

// SubframeDivisor is the number of subframes in one frame.
const SubframeDivisor = 100

// Components is a timecode split into its fields.
type Components struct {
	Hours     int
	Minutes   int
	Seconds   int
	Frames    int
	Subframes int
}

// Timecode is a position within a 24 hour day at a given frame rate.
type Timecode struct {
	Components
	FrameRate FrameRate
}

// New validates c against rate and returns the timecode.
func New(c Components, rate FrameRate) (Timecode, error) {
	tc := Timecode{Components: c, FrameRate: rate}
	if err := tc.Validate(); err != nil {
		return Timecode{}, err
	}
	return tc, nil
}

// Must is like New but panics on invalid input. Intended for constants and tests.
func Must(c Components, rate FrameRate) Timecode {
	tc, err := New(c, rate)
	if err != nil {
		panic(err)
	}
	return tc
}

// Validate checks every component is in range for the frame rate,
// including frame numbers skipped by drop-frame counting.
func (tc Timecode) Validate() error {
	if !tc.FrameRate.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidFrameRate, int(tc.FrameRate))
	}
	c := tc.Components
	switch {
	case c.Hours < 0 || c.Hours > 23:
		return fmt.Errorf("%w: hours %d", ErrInvalidComponents, c.Hours)
	case c.Minutes < 0 || c.Minutes > 59:
		return fmt.Errorf("%w: minutes %d", ErrInvalidComponents, c.Minutes)
	case c.Seconds < 0 || c.Seconds > 59:
		return fmt.Errorf("%w: seconds %d", ErrInvalidComponents, c.Seconds)
	case c.Frames < 0 || c.Frames >= tc.FrameRate.MaxFrames():
		return fmt.Errorf("%w: frames %d at %s", ErrInvalidComponents, c.Frames, tc.FrameRate)
	case c.Subframes < 0 || c.Subframes >= SubframeDivisor:
		return fmt.Errorf("%w: subframes %d", ErrInvalidComponents, c.Subframes)
	}
	if tc.FrameRate.IsDrop() && c.Seconds == 0 && c.Minutes%10 != 0 && c.Frames < tc.FrameRate.DroppedFrames() {
		return fmt.Errorf("%w: frame %d does not exist at %s", ErrInvalidComponents, c.Frames, tc.FrameRate)
	}
	return nil
}

// FramesPerDay returns the number of frames in 24 hours at rate.
func FramesPerDay(rate FrameRate) int {
	fps := rate.MaxFrames()
	if !rate.IsDrop() {
		return fps * 60 * 60 * 24
	}
	return framesPerTenMinutes(rate) * 6 * 24
}

func framesPerTenMinutes(rate FrameRate) int {
	return rate.MaxFrames()*600 - 9*rate.DroppedFrames()
}

// FrameCount returns the number of whole frames elapsed since 00:00:00:00.
// Subframes are ignored.
func (tc Timecode) FrameCount() int {
	fps := tc.FrameRate.MaxFrames()
	c := tc.Components
	n := (c.Hours*3600+c.Minutes*60+c.Seconds)*fps + c.Frames
	if tc.FrameRate.IsDrop() {
		totalMinutes := c.Hours*60 + c.Minutes
		n -= tc.FrameRate.DroppedFrames() * (totalMinutes - totalMinutes/10)
	}
	return n
}

// FromFrameCount builds the timecode n frames after midnight, wrapping
// around 24 hours in either direction.
func FromFrameCount(n int, rate FrameRate) (Timecode, error) {
	if !rate.IsValid() {
		return Timecode{}, fmt.Errorf("%w: %d", ErrInvalidFrameRate, int(rate))
	}
	perDay := FramesPerDay(rate)
	n %= perDay
	if n < 0 {
		n += perDay
	}

	fps := rate.MaxFrames()
	if rate.IsDrop() {
		drop := rate.DroppedFrames()
		perTen := framesPerTenMinutes(rate)
		perMinute := fps*60 - drop
		tens, rem := n/perTen, n%perTen
		if rem > drop {
			n += 9*drop*tens + drop*((rem-drop)/perMinute)
		} else {
			n += 9 * drop * tens
		}
	}

	return Timecode{
		Components: Components{
			Hours:   n / (fps * 3600),
			Minutes: n / (fps * 60) % 60,
			Seconds: n / fps % 60,
			Frames:  n % fps,
		},
		FrameRate: rate,
	}, nil
}

// Add returns tc advanced by frames, wrapping past 23:59:59. Subframes are kept.
func (tc Timecode) Add(frames int) Timecode {
	out, err := FromFrameCount(tc.FrameCount()+frames, tc.FrameRate)
	if err != nil {
		return tc
	}
	out.Subframes = tc.Subframes
	return out
}

// Subtract returns tc moved back by frames, wrapping before midnight.
func (tc Timecode) Subtract(frames int) Timecode {
	return tc.Add(-frames)
}

// WholeFrame returns tc with subframes cleared.
func (tc Timecode) WholeFrame() Timecode {
	tc.Subframes = 0
	return tc
}

// SameFrame reports whether a and b address the same frame, ignoring subframes.
func SameFrame(a, b Timecode) bool {
	return a.WholeFrame() == b.WholeFrame()
}

// String formats the timecode as HH:MM:SS:FF, using ';' before the frames
// for drop-frame rates and appending .SS when subframes are non-zero.
func (tc Timecode) String() string {
	sep := ":"
	if tc.FrameRate.IsDrop() {
		sep = ";"
	}
	s := fmt.Sprintf("%02d:%02d:%02d%s%02d", tc.Hours, tc.Minutes, tc.Seconds, sep, tc.Frames)
	if tc.Subframes != 0 {
		s += fmt.Sprintf(".%02d", tc.Subframes)
	}
	return s
}

// Parse reads "HH:MM:SS:FF" (or "HH:MM:SS;FF") with an optional ".SS"
// subframe suffix and validates it at rate.
func Parse(s string, rate FrameRate) (Timecode, error) {
	fields := strings.FieldsFunc(strings.TrimSpace(s), func(r rune) bool {
		return r == ':' || r == ';' || r == '.'
	})
	if len(fields) != 4 && len(fields) != 5 {
		return Timecode{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}

	values := make([]int, 5)
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return Timecode{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
		}
		values[i] = v
	}

	return New(Components{
		Hours:     values[0],
		Minutes:   values[1],
		Seconds:   values[2],
		Frames:    values[3],
		Subframes: values[4],
	}, rate)
}

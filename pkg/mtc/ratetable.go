package mtc

import (
	"fmt"
	"time"

	"mtcsync/pkg/timecode"
)

// FrameRate is one of the four base rates MTC can carry.
// Its value is the 2-bit rate field of the wire format.
type FrameRate uint8

const (
	Rate24     FrameRate = 0b00
	Rate25     FrameRate = 0b01
	Rate2997DF FrameRate = 0b10
	Rate30     FrameRate = 0b11
)

func (r FrameRate) String() string {
	switch r {
	case Rate24:
		return "24"
	case Rate25:
		return "25"
	case Rate2997DF:
		return "29.97d"
	case Rate30:
		return "30"
	default:
		return fmt.Sprintf("mtc.FrameRate(%d)", uint8(r))
	}
}

// IsValid reports whether r fits in the 2-bit rate field.
func (r FrameRate) IsValid() bool {
	return r <= Rate30
}

// TimecodeRate returns the numbering used for raw MTC frames at r.
func (r FrameRate) TimecodeRate() timecode.FrameRate {
	switch r {
	case Rate24:
		return timecode.FPS24
	case Rate25:
		return timecode.FPS25
	case Rate2997DF:
		return timecode.FPS29_97DF
	default:
		return timecode.FPS30
	}
}

// DefaultLocalRate is the local rate a decoder follows when none is configured.
func (r FrameRate) DefaultLocalRate() timecode.FrameRate {
	return r.TimecodeRate()
}

// MaxFrames returns the number of raw frame numbers per second.
func (r FrameRate) MaxFrames() int {
	return r.TimecodeRate().MaxFrames()
}

type rateMapping struct {
	base     FrameRate
	scale    int
	interval time.Duration // one quarter-frame
}

// Quarter-frame durations, shared by every local rate of a family.
const (
	interval24    = time.Second / 96
	interval23976 = time.Second * 1001 / 96000
	interval25    = time.Second / 100
	interval2498  = time.Second * 1001 / 100000
	interval30    = time.Second / 120
	interval2997  = time.Second * 1001 / 120000
)

var rateTable = map[timecode.FrameRate]rateMapping{
	timecode.FPS23_976:   {base: Rate24, scale: 1, interval: interval23976},
	timecode.FPS24:       {base: Rate24, scale: 1, interval: interval24},
	timecode.FPS24_98:    {base: Rate25, scale: 1, interval: interval2498},
	timecode.FPS25:       {base: Rate25, scale: 1, interval: interval25},
	timecode.FPS29_97:    {base: Rate30, scale: 1, interval: interval2997},
	timecode.FPS29_97DF:  {base: Rate2997DF, scale: 1, interval: interval2997},
	timecode.FPS30:       {base: Rate30, scale: 1, interval: interval30},
	timecode.FPS30DF:     {base: Rate2997DF, scale: 1, interval: interval30},
	timecode.FPS47_952:   {base: Rate24, scale: 2, interval: interval23976},
	timecode.FPS48:       {base: Rate24, scale: 2, interval: interval24},
	timecode.FPS50:       {base: Rate25, scale: 2, interval: interval25},
	timecode.FPS59_94:    {base: Rate30, scale: 2, interval: interval2997},
	timecode.FPS59_94DF:  {base: Rate2997DF, scale: 2, interval: interval2997},
	timecode.FPS60:       {base: Rate30, scale: 2, interval: interval30},
	timecode.FPS60DF:     {base: Rate2997DF, scale: 2, interval: interval30},
	timecode.FPS72:       {base: Rate24, scale: 3, interval: interval24},
	timecode.FPS75:       {base: Rate25, scale: 3, interval: interval25},
	timecode.FPS90:       {base: Rate30, scale: 3, interval: interval30},
	timecode.FPS95_904:   {base: Rate24, scale: 4, interval: interval23976},
	timecode.FPS96:       {base: Rate24, scale: 4, interval: interval24},
	timecode.FPS100:      {base: Rate25, scale: 4, interval: interval25},
	timecode.FPS119_88:   {base: Rate30, scale: 4, interval: interval2997},
	timecode.FPS119_88DF: {base: Rate2997DF, scale: 4, interval: interval2997},
	timecode.FPS120:      {base: Rate30, scale: 4, interval: interval30},
	timecode.FPS120DF:    {base: Rate2997DF, scale: 4, interval: interval30},
}

// BaseRate maps a local frame rate to the MTC base rate that carries it and
// the number of local frames per raw MTC frame.
func BaseRate(local timecode.FrameRate) (FrameRate, int, bool) {
	m, ok := rateTable[local]
	if !ok {
		return 0, 0, false
	}
	return m.base, m.scale, true
}

// QuarterFrameInterval returns the real-time spacing of quarter-frame
// messages for a local rate, or 0 for an unknown rate.
func QuarterFrameInterval(local timecode.FrameRate) time.Duration {
	return rateTable[local].interval
}

// ScaledFrames converts a local frame number to the raw MTC quarter-frame
// window that addresses it. The window is the raw frame rounded down to an
// even number; quarterFrame (0-7) is the position inside the two-frame
// window. Partial raw quarters round up so the inverse conversion lands
// back on the same local frame.
func ScaledFrames(localFrame int, local timecode.FrameRate) (window, quarterFrame int) {
	m, ok := rateTable[local]
	if !ok || localFrame < 0 {
		return 0, 0
	}
	quarters := (localFrame*4 + m.scale - 1) / m.scale
	raw := quarters / 4
	window = raw - raw%2
	return window, quarters - window*4
}

// LocalFrames converts a raw MTC frame plus 0-3 quarter-frames into a local
// frame number and subframes. ok is false when the local rate is not carried
// by base, or quarters is out of range.
func LocalFrames(base FrameRate, rawFrame, quarters int, local timecode.FrameRate) (frames, subframes int, ok bool) {
	m, found := rateTable[local]
	if !found || m.base != base || quarters < 0 || quarters > 3 || rawFrame < 0 {
		return 0, 0, false
	}
	localQuarters := (rawFrame*4 + quarters) * m.scale
	frames = localQuarters / 4
	subframes = localQuarters % 4 * (timecode.SubframeDivisor / 4)
	if frames >= local.MaxFrames() {
		return 0, 0, false
	}
	return frames, subframes, true
}

// localPosition resolves a raw window plus a quarter-frame offset (0-8)
// into a timecode at the local rate.
func localPosition(window timecode.Timecode, base FrameRate, offset int, local timecode.FrameRate) (timecode.Timecode, bool) {
	raw := window.Add(offset / 4)
	frames, subframes, ok := LocalFrames(base, raw.Frames, offset%4, local)
	if !ok {
		return timecode.Timecode{}, false
	}
	return timecode.Timecode{
		Components: timecode.Components{
			Hours:     raw.Hours,
			Minutes:   raw.Minutes,
			Seconds:   raw.Seconds,
			Frames:    frames,
			Subframes: subframes,
		},
		FrameRate: local,
	}, true
}

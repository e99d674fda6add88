package timecode

import (
	"fmt"
	"strings"
	"time"
)

// FrameRate is a local (display) timecode frame rate.
// The zero value is not a valid rate.
type FrameRate int

const (
	FPS23_976 FrameRate = iota + 1
	FPS24
	FPS24_98
	FPS25
	FPS29_97
	FPS29_97DF
	FPS30
	FPS30DF
	FPS47_952
	FPS48
	FPS50
	FPS59_94
	FPS59_94DF
	FPS60
	FPS60DF
	FPS72
	FPS75
	FPS90
	FPS95_904
	FPS96
	FPS100
	FPS119_88
	FPS119_88DF
	FPS120
	FPS120DF
)

// rateInfo describes frame numbering and the real-time rate num/den fps
type rateInfo struct {
	name    string
	frames  int   // frame numbers per second (max frames)
	num     int64 // real frames per second, numerator
	den     int64 // real frames per second, denominator
	dropped int   // frame numbers dropped per minute (drop-frame only)
}

var rates = map[FrameRate]rateInfo{
	FPS23_976:   {name: "23.976", frames: 24, num: 24000, den: 1001},
	FPS24:       {name: "24", frames: 24, num: 24, den: 1},
	FPS24_98:    {name: "24.98", frames: 25, num: 25000, den: 1001},
	FPS25:       {name: "25", frames: 25, num: 25, den: 1},
	FPS29_97:    {name: "29.97", frames: 30, num: 30000, den: 1001},
	FPS29_97DF:  {name: "29.97d", frames: 30, num: 30000, den: 1001, dropped: 2},
	FPS30:       {name: "30", frames: 30, num: 30, den: 1},
	FPS30DF:     {name: "30d", frames: 30, num: 30, den: 1, dropped: 2},
	FPS47_952:   {name: "47.952", frames: 48, num: 48000, den: 1001},
	FPS48:       {name: "48", frames: 48, num: 48, den: 1},
	FPS50:       {name: "50", frames: 50, num: 50, den: 1},
	FPS59_94:    {name: "59.94", frames: 60, num: 60000, den: 1001},
	FPS59_94DF:  {name: "59.94d", frames: 60, num: 60000, den: 1001, dropped: 4},
	FPS60:       {name: "60", frames: 60, num: 60, den: 1},
	FPS60DF:     {name: "60d", frames: 60, num: 60, den: 1, dropped: 4},
	FPS72:       {name: "72", frames: 72, num: 72, den: 1},
	FPS75:       {name: "75", frames: 75, num: 75, den: 1},
	FPS90:       {name: "90", frames: 90, num: 90, den: 1},
	FPS95_904:   {name: "95.904", frames: 96, num: 96000, den: 1001},
	FPS96:       {name: "96", frames: 96, num: 96, den: 1},
	FPS100:      {name: "100", frames: 100, num: 100, den: 1},
	FPS119_88:   {name: "119.88", frames: 120, num: 120000, den: 1001},
	FPS119_88DF: {name: "119.88d", frames: 120, num: 120000, den: 1001, dropped: 8},
	FPS120:      {name: "120", frames: 120, num: 120, den: 1},
	FPS120DF:    {name: "120d", frames: 120, num: 120, den: 1, dropped: 8},
}

// AllFrameRates returns every supported rate in ascending order.
func AllFrameRates() []FrameRate {
	all := make([]FrameRate, 0, len(rates))
	for r := FPS23_976; r <= FPS120DF; r++ {
		all = append(all, r)
	}
	return all
}

// IsValid reports whether r is a known frame rate.
func (r FrameRate) IsValid() bool {
	_, ok := rates[r]
	return ok
}

// MaxFrames returns the number of frame numbers in one second.
func (r FrameRate) MaxFrames() int {
	return rates[r].frames
}

// IsDrop reports whether r uses drop-frame numbering.
func (r FrameRate) IsDrop() bool {
	return rates[r].dropped > 0
}

// DroppedFrames returns how many frame numbers are skipped at the start of
// each minute not divisible by ten.
func (r FrameRate) DroppedFrames() int {
	return rates[r].dropped
}

// FrameDuration returns the real-time duration of one frame.
func (r FrameRate) FrameDuration() time.Duration {
	info, ok := rates[r]
	if !ok {
		return 0
	}
	return time.Duration(info.den * int64(time.Second) / info.num)
}

// String returns the rate's short name, e.g. "29.97d".
func (r FrameRate) String() string {
	if info, ok := rates[r]; ok {
		return info.name
	}
	return fmt.Sprintf("FrameRate(%d)", int(r))
}

// ParseFrameRate parses a rate name as produced by String.
// "df" and "drop" suffixes are accepted for drop-frame rates.
func ParseFrameRate(s string) (FrameRate, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.TrimSuffix(name, "fps")
	switch {
	case strings.HasSuffix(name, "drop"):
		name = strings.TrimSuffix(name, "drop") + "d"
	case strings.HasSuffix(name, "df"):
		name = strings.TrimSuffix(name, "df") + "d"
	}

	for r, info := range rates {
		if info.name == name {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidFrameRate, s)
}

// MarshalText implements encoding.TextMarshaler.
func (r FrameRate) MarshalText() ([]byte, error) {
	if !r.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFrameRate, int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *FrameRate) UnmarshalText(text []byte) error {
	parsed, err := ParseFrameRate(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

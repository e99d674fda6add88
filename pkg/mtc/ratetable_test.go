package mtc

import (
	"testing"
	"time"

	"mtcsync/pkg/timecode"
)

// TestEveryLocalRateHasBase verifies the rate table covers every local rate.
func TestEveryLocalRateHasBase(t *testing.T) {
	for _, rate := range timecode.AllFrameRates() {
		base, scale, ok := BaseRate(rate)
		if !ok {
			t.Errorf("%s: no MTC base rate", rate)
			continue
		}
		if scale < 1 || scale > 4 {
			t.Errorf("%s: unexpected scale %d", rate, scale)
		}
		if got := base.MaxFrames() * scale; got != rate.MaxFrames() {
			t.Errorf("%s: base %s x%d gives %d frames, expected %d", rate, base, scale, got, rate.MaxFrames())
		}
		if base == Rate2997DF && !rate.IsDrop() || base != Rate2997DF && rate.IsDrop() {
			t.Errorf("%s: drop-frame mismatch with base %s", rate, base)
		}
		if QuarterFrameInterval(rate) <= 0 {
			t.Errorf("%s: no quarter-frame interval", rate)
		}
	}

	if _, _, ok := BaseRate(timecode.FrameRate(0)); ok {
		t.Error("Expected zero rate to have no base")
	}
}

// TestScaledFramesRoundTrip converts every local frame number to a raw
// position and back.
func TestScaledFramesRoundTrip(t *testing.T) {
	for _, rate := range timecode.AllFrameRates() {
		base, _, _ := BaseRate(rate)
		for frame := 0; frame < rate.MaxFrames(); frame++ {
			window, qf := ScaledFrames(frame, rate)
			if window%2 != 0 {
				t.Fatalf("%s frame %d: odd window %d", rate, frame, window)
			}
			if qf < 0 || qf > 7 {
				t.Fatalf("%s frame %d: quarter-frame %d out of range", rate, frame, qf)
			}
			raw := window + qf/4
			if raw >= base.MaxFrames() {
				t.Fatalf("%s frame %d: raw frame %d out of range", rate, frame, raw)
			}

			got, _, ok := LocalFrames(base, raw, qf%4, rate)
			if !ok {
				t.Fatalf("%s frame %d: LocalFrames rejected raw %d+%d", rate, frame, raw, qf%4)
			}
			if got != frame {
				t.Errorf("%s frame %d: round trip gave %d", rate, frame, got)
			}
		}
	}
}

// TestScaledFramesAt48 checks the documented 48 fps positions.
func TestScaledFramesAt48(t *testing.T) {
	cases := []struct {
		frame, window, qf int
	}{
		{8, 4, 0},
		{9, 4, 2},
		{10, 4, 4},
		{11, 4, 6},
		{12, 6, 0},
	}
	for _, c := range cases {
		window, qf := ScaledFrames(c.frame, timecode.FPS48)
		if window != c.window || qf != c.qf {
			t.Errorf("frame %d: expected window %d qf %d, got %d %d", c.frame, c.window, c.qf, window, qf)
		}
	}
}

// TestLocalFramesSubframes verifies quarter-frames become subframes at base rate.
func TestLocalFramesSubframes(t *testing.T) {
	frames, sub, ok := LocalFrames(Rate24, 5, 3, timecode.FPS24)
	if !ok || frames != 5 || sub != 75 {
		t.Errorf("Expected 5.75, got %d.%d ok=%v", frames, sub, ok)
	}

	frames, sub, ok = LocalFrames(Rate24, 5, 1, timecode.FPS48)
	if !ok || frames != 10 || sub != 50 {
		t.Errorf("Expected 10.50, got %d.%d ok=%v", frames, sub, ok)
	}

	if _, _, ok := LocalFrames(Rate25, 5, 0, timecode.FPS24); ok {
		t.Error("Expected base mismatch to be rejected")
	}
	if _, _, ok := LocalFrames(Rate24, 5, 4, timecode.FPS24); ok {
		t.Error("Expected quarters out of range to be rejected")
	}
}

// TestQuarterFrameInterval checks tick periods for a few families.
func TestQuarterFrameInterval(t *testing.T) {
	if got := QuarterFrameInterval(timecode.FPS25); got != 10*time.Millisecond {
		t.Errorf("Expected 10ms at 25, got %v", got)
	}
	if got, want := QuarterFrameInterval(timecode.FPS50), QuarterFrameInterval(timecode.FPS25); got != want {
		t.Errorf("Expected 50 to share 25's interval %v, got %v", want, got)
	}
	if got := QuarterFrameInterval(timecode.FrameRate(0)); got != 0 {
		t.Errorf("Expected 0 for unknown rate, got %v", got)
	}
}

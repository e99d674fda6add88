package mtc

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"mtcsync/pkg/timecode"
)

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// TestGeneratorRuns verifies quarter-frames flow until Stop.
func TestGeneratorRuns(t *testing.T) {
	rec := &recorder{}
	gen := NewGenerator(rec)
	defer gen.Close()

	if err := gen.Start(mustParse(t, "00:00:00:00", timecode.FPS24)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if rec.Len() == 0 {
		t.Fatal("Expected the first quarter-frame to be sent immediately")
	}
	if gen.State() != GeneratorGenerating {
		t.Errorf("Expected generating, got %s", gen.State())
	}

	if !waitFor(t, 2*time.Second, func() bool { return rec.Len() >= 10 }) {
		t.Fatalf("Expected at least 10 quarter-frames, got %d", rec.Len())
	}

	if err := gen.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if gen.State() != GeneratorIdle {
		t.Errorf("Expected idle, got %s", gen.State())
	}

	count := rec.Len()
	time.Sleep(50 * time.Millisecond)
	if rec.Len() != count {
		t.Errorf("Expected no messages after Stop, got %d more", rec.Len()-count)
	}

	for i, msg := range rec.Messages() {
		if !isQuarterFrame(msg) {
			t.Fatalf("message %d is not a quarter-frame: % X", i, []byte(msg))
		}
		if index := int(msg[1] >> 4); index != i%8 {
			t.Fatalf("message %d: expected index %d, got %d", i, i%8, index)
		}
	}

	tc, err := gen.Timecode()
	if err != nil {
		t.Fatalf("Timecode failed: %v", err)
	}
	if tc.FrameCount() < 2 {
		t.Errorf("Expected position to advance, got %s", tc)
	}
}

// TestGeneratorAlignedStart verifies a mid-frame start waits for the next frame.
func TestGeneratorAlignedStart(t *testing.T) {
	rec := &recorder{}
	gen := NewGenerator(rec)
	defer gen.Close()

	now := mustParse(t, "00:00:00:00.50", timecode.FPS24)
	if err := gen.Start(now); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return rec.Len() > 0 }) {
		t.Fatal("Expected generation to begin after the frame boundary")
	}
	gen.Stop()

	first := rec.Messages()[0]
	if !bytes.Equal(first, []byte{0xF1, 0x40}) {
		t.Errorf("Expected first message F1 40 (piece 4 of frame 1), got % X", []byte(first))
	}
}

// TestGeneratorStopBeforeAlignedStart verifies a pending start is cancelled.
func TestGeneratorStopBeforeAlignedStart(t *testing.T) {
	rec := &recorder{}
	gen := NewGenerator(rec)
	defer gen.Close()

	if err := gen.Start(mustParse(t, "00:00:00:00.01", timecode.FPS24)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := gen.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if rec.Len() != 0 {
		t.Errorf("Expected no messages after cancelled start, got %d", rec.Len())
	}
	if gen.State() != GeneratorIdle {
		t.Errorf("Expected idle, got %s", gen.State())
	}
}

// TestGeneratorRestartCancelsAlignedStart verifies a second Start supersedes
// one still waiting for its frame boundary.
func TestGeneratorRestartCancelsAlignedStart(t *testing.T) {
	rec := &recorder{}
	gen := NewGenerator(rec)
	defer gen.Close()

	if err := gen.Start(mustParse(t, "00:00:00:00.01", timecode.FPS24)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := gen.Start(mustParse(t, "00:00:05:00", timecode.FPS24)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Well past the boundary the first start was waiting for
	if !waitFor(t, 2*time.Second, func() bool { return rec.Len() >= 16 }) {
		t.Fatalf("Expected at least 16 quarter-frames, got %d", rec.Len())
	}
	gen.Stop()

	tc, err := gen.Timecode()
	if err != nil {
		t.Fatalf("Timecode failed: %v", err)
	}
	start := mustParse(t, "00:00:05:00", timecode.FPS24)
	if tc.FrameCount() < start.FrameCount() {
		t.Errorf("Expected position at or after %s, got %s", start, tc)
	}

	dec := NewDecoder(timecode.FPS24)
	updates := 0
	dec.OnUpdate(func(u Update) {
		updates++
		if u.Timecode.FrameCount() < start.FrameCount() {
			t.Errorf("Expected no position before %s, got %s", start, u.Timecode)
		}
	})
	for _, msg := range rec.Messages() {
		if err := dec.Receive(msg); err != nil {
			t.Fatalf("Receive(% X) failed: %v", []byte(msg), err)
		}
	}
	if updates == 0 {
		t.Errorf("Expected the stream from %s to decode, got %d messages and no updates", start, rec.Len())
	}
}

// TestGeneratorLocateRetunes verifies the tick interval follows the located rate.
func TestGeneratorLocateRetunes(t *testing.T) {
	rec := &recorder{}
	gen := NewGenerator(rec)
	defer gen.Close()

	if err := gen.Locate(mustParse(t, "00:00:01:00", timecode.FPS25), FullFrameAlways); err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	interval, err := gen.Interval()
	if err != nil {
		t.Fatalf("Interval failed: %v", err)
	}
	if interval != 10*time.Millisecond {
		t.Errorf("Expected 10ms at 25, got %v", interval)
	}
	if countFullFrames(rec.Messages()) != 1 {
		t.Errorf("Expected one full-frame, got %d", countFullFrames(rec.Messages()))
	}

	if err := gen.LocateComponents(timecode.Components{Seconds: 2}, 0, FullFrameNever); err != nil {
		t.Fatalf("LocateComponents failed: %v", err)
	}
	rate, _ := gen.LocalFrameRate()
	if rate != timecode.FPS25 {
		t.Errorf("Expected zero rate to keep 25, got %s", rate)
	}

	if err := gen.Locate(timecode.Timecode{}, FullFrameNever); err == nil {
		t.Error("Expected error for invalid timecode")
	}
}

// TestGeneratorClose verifies calls after Close fail and Close is idempotent.
func TestGeneratorClose(t *testing.T) {
	gen := NewGenerator(&recorder{})
	if err := gen.Start(mustParse(t, "00:00:00:00", timecode.FPS30)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := gen.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := gen.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if gen.State() != GeneratorIdle {
		t.Errorf("Expected idle after Close, got %s", gen.State())
	}

	if err := gen.Locate(mustParse(t, "00:00:00:00", timecode.FPS30), FullFrameNever); !errors.Is(err, ErrGeneratorClosed) {
		t.Errorf("Expected ErrGeneratorClosed, got %v", err)
	}
	if _, err := gen.Timecode(); !errors.Is(err, ErrGeneratorClosed) {
		t.Errorf("Expected ErrGeneratorClosed, got %v", err)
	}
}

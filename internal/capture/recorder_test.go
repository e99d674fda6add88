package capture

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"mtcsync/internal/metrics"
	"mtcsync/internal/session"
	"mtcsync/internal/storage"
	"mtcsync/pkg/mtc"
	"mtcsync/pkg/timecode"
)

type fixture struct {
	store    *storage.LocalStorage
	sessions *session.Manager
	recorder *Recorder
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, maxSegments int) *fixture {
	t.Helper()

	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}
	m := metrics.New(prometheus.NewRegistry())
	sessions := session.New(session.Options{Metrics: m})
	recorder := New(store, sessions, Options{
		SegmentDuration: time.Hour, // segments are cut by StopCapture only
		MaxSegments:     maxSegments,
		Metrics:         m,
	})
	t.Cleanup(func() {
		recorder.Close()
		sessions.Close()
	})

	return &fixture{store: store, sessions: sessions, recorder: recorder, metrics: m}
}

// TestCaptureAndDecode records a full-frame plus a running stream and replays it.
func TestCaptureAndDecode(t *testing.T) {
	f := newFixture(t, 10)

	s, err := f.sessions.CreateSession("stage", timecode.FPS25, "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := f.recorder.StartCapture(s.ID); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	if !f.recorder.IsCapturing(s.ID) {
		t.Error("Expected session to be capturing")
	}
	if err := f.recorder.StartCapture(s.ID); !errors.Is(err, ErrAlreadyCapturing) {
		t.Errorf("Expected ErrAlreadyCapturing, got %v", err)
	}

	start := timecode.Must(timecode.Components{Hours: 1}, timecode.FPS25)
	if err := f.sessions.Locate(s.ID, start, mtc.FullFrameAlways); err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if err := f.sessions.Start(s.ID, start); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if err := f.sessions.Stop(s.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	f.recorder.StopCapture(s.ID)
	if f.recorder.IsCapturing(s.ID) {
		t.Error("Expected capture to be stopped")
	}

	segments, err := f.recorder.ListSegments(s.ID)
	if err != nil {
		t.Fatalf("ListSegments failed: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(segments))
	}
	seg := segments[0]
	if seg.SequenceNum != 0 || seg.FrameRate != "25" || seg.MessageCount < 2 {
		t.Errorf("Unexpected segment metadata %+v", seg)
	}

	rs, meta, err := f.recorder.OpenSegment(s.ID, 0)
	if err != nil {
		t.Fatalf("OpenSegment failed: %v", err)
	}
	raw, _ := io.ReadAll(rs)
	if c, ok := rs.(io.Closer); ok {
		c.Close()
	}
	if int64(len(raw)) != meta.FileSize {
		t.Errorf("Expected %d bytes, got %d", meta.FileSize, len(raw))
	}

	decoded, err := f.recorder.DecodeSegment(s.ID, 0, 0)
	if err != nil {
		t.Fatalf("DecodeSegment failed: %v", err)
	}
	if decoded.Errors != 0 {
		t.Errorf("Expected a clean replay, got %d errors", decoded.Errors)
	}
	if decoded.Messages != seg.MessageCount || decoded.FrameRate != "25" {
		t.Errorf("Unexpected replay summary %+v", decoded)
	}
	if len(decoded.Updates) == 0 {
		t.Fatal("Expected decoded updates")
	}
	first := decoded.Updates[0]
	if first.Type != "full-frame" || first.Timecode != "01:00:00:00" {
		t.Errorf("Expected a full-frame at 01:00:00:00, got %+v", first)
	}
	for _, u := range decoded.Updates[1:] {
		if u.Timecode < "01:00:00:00" || u.Timecode > "01:00:01:00" {
			t.Errorf("Decoded position %s outside the generated range", u.Timecode)
		}
	}
}

// TestCaptureSlidingWindow verifies sequence continuation and expiry of old segments.
func TestCaptureSlidingWindow(t *testing.T) {
	f := newFixture(t, 2)

	s, err := f.sessions.CreateSession("stage", timecode.FPS30, "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	tc := timecode.Must(timecode.Components{Minutes: 5}, timecode.FPS30)

	for range 3 {
		if err := f.recorder.StartCapture(s.ID); err != nil {
			t.Fatalf("StartCapture failed: %v", err)
		}
		if err := f.sessions.Locate(s.ID, tc, mtc.FullFrameAlways); err != nil {
			t.Fatalf("Locate failed: %v", err)
		}
		f.recorder.StopCapture(s.ID)
	}

	idx, err := f.recorder.Index(s.ID)
	if err != nil {
		t.Fatalf("Index failed: %v", err)
	}
	if len(idx.Segments) != 2 || idx.FirstSequence != 1 || idx.Segments[1].SequenceNum != 2 {
		t.Errorf("Expected segments 1 and 2, got first=%d %v", idx.FirstSequence, idx.Segments)
	}

	if ok, _ := f.store.Exists(segmentPath(s.ID, 0)); ok {
		t.Error("Expected segment 0 to be deleted")
	}
	if _, err := f.recorder.GetSegment(s.ID, 0); !errors.Is(err, ErrSegmentNotFound) {
		t.Errorf("Expected ErrSegmentNotFound, got %v", err)
	}
	if data, err := f.recorder.GetSegment(s.ID, 2); err != nil || len(data) == 0 {
		t.Errorf("Expected segment 2 data, got %v", err)
	}

	if got := testutil.ToFloat64(f.metrics.SegmentsCreated); got != 3 {
		t.Errorf("Expected 3 segments created, got %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.SegmentsStored); got != 2 {
		t.Errorf("Expected 2 segments stored, got %v", got)
	}
}

// TestCaptureErrors verifies lookups on unknown sessions and unsigned storage.
func TestCaptureErrors(t *testing.T) {
	f := newFixture(t, 2)

	if err := f.recorder.StartCapture("nope"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	if _, err := f.recorder.ListSegments("nope"); !errors.Is(err, ErrSegmentNotFound) {
		t.Errorf("Expected ErrSegmentNotFound, got %v", err)
	}
	if _, err := f.recorder.SignedURL("nope", 0); !errors.Is(err, ErrSigningDisabled) {
		t.Errorf("Expected ErrSigningDisabled for local storage, got %v", err)
	}

	// An empty capture writes nothing
	s, _ := f.sessions.CreateSession("quiet", timecode.FPS24, "")
	f.recorder.StartCapture(s.ID)
	f.recorder.StopCapture(s.ID)
	if _, err := f.recorder.ListSegments(s.ID); !errors.Is(err, ErrSegmentNotFound) {
		t.Errorf("Expected no index for an empty capture, got %v", err)
	}
}

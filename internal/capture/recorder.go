// Package capture records the wire output of generator sessions into
// fixed-duration segments on a storage backend and replays them through
// an MTC decoder.
package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"mtcsync/internal/metrics"
	"mtcsync/internal/session"
	"mtcsync/internal/storage"
	"mtcsync/pkg/models"
	"mtcsync/pkg/mtc"
	"mtcsync/pkg/timecode"
)

var (
	ErrAlreadyCapturing = errors.New("capture already running")
	ErrSegmentNotFound  = errors.New("capture segment not found")
	ErrSigningDisabled  = errors.New("signed URLs not available")
)

// Options configures a Recorder
type Options struct {
	SegmentDuration     time.Duration
	MaxSegments         int
	BufferSize          int
	SignedURLExpiration time.Duration
	Metrics             *metrics.Metrics
}

// Recorder captures session wire streams to storage
type Recorder struct {
	storage    storage.Storage
	sessions   *session.Manager
	metrics    *metrics.Metrics
	recordings map[string]*recording
	mu         sync.RWMutex

	// Config
	segmentDuration     time.Duration
	maxSegments         int
	bufferSize          int
	signedURLExpiration time.Duration
}

// New creates a new recorder
func New(store storage.Storage, sessions *session.Manager, opts Options) *Recorder {
	r := &Recorder{
		storage:             store,
		sessions:            sessions,
		metrics:             opts.Metrics,
		recordings:          make(map[string]*recording),
		segmentDuration:     opts.SegmentDuration,
		maxSegments:         opts.MaxSegments,
		bufferSize:          opts.BufferSize,
		signedURLExpiration: opts.SignedURLExpiration,
	}
	if r.segmentDuration <= 0 {
		r.segmentDuration = 10 * time.Second
	}
	if r.maxSegments <= 0 {
		r.maxSegments = 30
	}
	if r.bufferSize <= 0 {
		r.bufferSize = 1024
	}
	return r
}

func segmentPath(sessionID string, seq uint64) string {
	return fmt.Sprintf("captures/%s/segment_%d.mtc", sessionID, seq)
}

func indexPath(sessionID string) string {
	return fmt.Sprintf("captures/%s/index.json", sessionID)
}

// recording manages the segments of one session
type recording struct {
	sessionID string
	recorder  *Recorder
	session   *models.Session
	index     *models.CaptureIndex
	nextSeq   uint64
	current   []models.CaptureRecord
	startTime time.Time
	cleanup   func()
	done      chan struct{}
	mu        sync.RWMutex
}

// StartCapture subscribes to a session and starts writing segments.
// Sequence numbers continue from an index left by an earlier capture.
func (r *Recorder) StartCapture(sessionID string) error {
	s, ok := r.sessions.GetSession(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, exists := r.recordings[sessionID]; exists && !rec.finished() {
		return fmt.Errorf("%w: %s", ErrAlreadyCapturing, sessionID)
	}

	idx, err := r.loadIndex(sessionID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if idx == nil {
		idx = &models.CaptureIndex{SessionID: sessionID}
	}
	idx.MaxSegments = r.maxSegments

	var nextSeq uint64
	if n := len(idx.Segments); n > 0 {
		nextSeq = idx.Segments[n-1].SequenceNum + 1
	}

	ch, cleanup, err := r.sessions.Subscribe(sessionID, r.bufferSize)
	if err != nil {
		return err
	}

	rec := &recording{
		sessionID: sessionID,
		recorder:  r,
		session:   s,
		index:     idx,
		nextSeq:   nextSeq,
		startTime: time.Now(),
		cleanup:   cleanup,
		done:      make(chan struct{}),
	}
	r.recordings[sessionID] = rec

	go rec.processMessages(ch)

	slog.Info("capture: started", "session", sessionID, "nextSequence", nextSeq)
	return nil
}

// StopCapture flushes the current segment and stops recording a session
func (r *Recorder) StopCapture(sessionID string) {
	r.mu.Lock()
	rec, exists := r.recordings[sessionID]
	delete(r.recordings, sessionID)
	r.mu.Unlock()

	if !exists {
		return
	}

	// Unsubscribing closes the channel; the loop flushes and exits
	rec.cleanup()
	<-rec.done

	slog.Info("capture: stopped", "session", sessionID)
}

// Close stops every capture
func (r *Recorder) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.recordings))
	for id := range r.recordings {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.StopCapture(id)
	}
}

// IsCapturing reports whether a session is being recorded
func (r *Recorder) IsCapturing(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.recordings[sessionID]
	return exists && !rec.finished()
}

// ListSegments returns the retained segments of a session, from memory while
// capturing and from the stored index otherwise.
func (r *Recorder) ListSegments(sessionID string) ([]*models.CaptureSegment, error) {
	idx, err := r.Index(sessionID)
	if err != nil {
		return nil, err
	}
	return idx.Segments, nil
}

// Index returns a copy of a session's capture index
func (r *Recorder) Index(sessionID string) (*models.CaptureIndex, error) {
	r.mu.RLock()
	rec, exists := r.recordings[sessionID]
	r.mu.RUnlock()

	if exists {
		rec.mu.RLock()
		defer rec.mu.RUnlock()
		idx := *rec.index
		idx.Segments = append([]*models.CaptureSegment(nil), rec.index.Segments...)
		return &idx, nil
	}

	idx, err := r.loadIndex(sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: no captures for %s", ErrSegmentNotFound, sessionID)
		}
		return nil, err
	}
	return idx, nil
}

func (r *Recorder) loadIndex(sessionID string) (*models.CaptureIndex, error) {
	data, err := r.storage.Read(indexPath(sessionID))
	if err != nil {
		return nil, err
	}

	var idx models.CaptureIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse capture index for %s: %w", sessionID, err)
	}
	return &idx, nil
}

// segment looks up a retained segment's metadata
func (r *Recorder) segment(sessionID string, seq uint64) (*models.CaptureSegment, error) {
	idx, err := r.Index(sessionID)
	if err != nil {
		return nil, err
	}
	seg, ok := idx.Find(seq)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d", ErrSegmentNotFound, sessionID, seq)
	}
	return seg, nil
}

// GetSegment returns a segment's raw data
func (r *Recorder) GetSegment(sessionID string, seq uint64) ([]byte, error) {
	seg, err := r.segment(sessionID, seq)
	if err != nil {
		return nil, err
	}
	return r.storage.Read(seg.FilePath)
}

// OpenSegment returns a segment for streaming along with its metadata
func (r *Recorder) OpenSegment(sessionID string, seq uint64) (io.ReadSeeker, *models.CaptureSegment, error) {
	seg, err := r.segment(sessionID, seq)
	if err != nil {
		return nil, nil, err
	}
	rs, err := r.storage.ReadSeeker(seg.FilePath)
	if err != nil {
		return nil, nil, err
	}
	return rs, seg, nil
}

// SignedURL returns a direct download link for a segment when the backend
// supports signing and an expiration is configured.
func (r *Recorder) SignedURL(sessionID string, seq uint64) (string, error) {
	signer, ok := r.storage.(storage.URLSigner)
	if !ok || r.signedURLExpiration <= 0 {
		return "", ErrSigningDisabled
	}
	seg, err := r.segment(sessionID, seq)
	if err != nil {
		return "", err
	}
	return signer.SignedURL(seg.FilePath, r.signedURLExpiration)
}

// DecodeSegment replays a segment through a decoder. A zero rate decodes at
// the rate the segment was recorded at.
func (r *Recorder) DecodeSegment(sessionID string, seq uint64, rate timecode.FrameRate) (*models.DecodedSegmentResponse, error) {
	seg, err := r.segment(sessionID, seq)
	if err != nil {
		return nil, err
	}
	data, err := r.storage.Read(seg.FilePath)
	if err != nil {
		return nil, err
	}
	records, err := ParseSegment(data)
	if err != nil {
		return nil, err
	}

	if rate == 0 && seg.FrameRate != "" {
		if rate, err = timecode.ParseFrameRate(seg.FrameRate); err != nil {
			return nil, err
		}
	}

	resp := &models.DecodedSegmentResponse{
		SessionID: sessionID,
		Sequence:  seq,
		Messages:  len(records),
		Updates:   make([]models.DecodedUpdate, 0, len(records)),
	}

	var offset time.Duration
	dec := mtc.NewDecoder(rate)
	dec.OnUpdate(func(u mtc.Update) {
		resp.Updates = append(resp.Updates, models.DecodedUpdate{
			OffsetMs:  offset.Milliseconds(),
			Timecode:  u.Timecode.String(),
			Type:      u.Type.String(),
			Direction: u.Direction.String(),
		})
		if resp.FrameRate == "" {
			resp.FrameRate = u.Timecode.FrameRate.String()
		}
	})

	for _, rec := range records {
		offset = rec.Offset
		if err := dec.Receive(rec.Data); err != nil && !errors.Is(err, mtc.ErrNotMTC) {
			resp.Errors++
			if r.metrics != nil {
				r.metrics.RecordDecoderError(err)
			}
		}
	}

	return resp, nil
}

func (rec *recording) finished() bool {
	select {
	case <-rec.done:
		return true
	default:
		return false
	}
}

// processMessages collects wire messages and cuts a segment on every tick
func (rec *recording) processMessages(ch <-chan *models.WireMessage) {
	defer close(rec.done)

	ticker := time.NewTicker(rec.recorder.segmentDuration)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				// Channel closed, finalize current segment
				rec.finalizeSegment(time.Now())
				return
			}
			rec.addMessage(msg)

		case now := <-ticker.C:
			rec.finalizeSegment(now)
		}
	}
}

func (rec *recording) addMessage(msg *models.WireMessage) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	offset := msg.Timestamp.Sub(rec.startTime)
	if offset < 0 {
		offset = 0
	}
	rec.current = append(rec.current, models.CaptureRecord{Offset: offset, Data: msg.Data})
}

// finalizeSegment writes the buffered messages as the next segment,
// maintains the sliding window and rewrites the index.
func (rec *recording) finalizeSegment(now time.Time) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	records := rec.current
	start := rec.startTime
	rec.current = nil
	rec.startTime = now

	// Don't create segment if no messages
	if len(records) == 0 {
		return
	}

	r := rec.recorder
	data, err := EncodeRecords(records)
	if err != nil {
		slog.Error("capture: failed to encode segment", "session", rec.sessionID, "error", err)
		return
	}

	seq := rec.nextSeq
	rec.nextSeq++

	path := segmentPath(rec.sessionID, seq)
	if err := r.storage.Write(path, data); err != nil {
		slog.Error("capture: failed to write segment", "session", rec.sessionID, "sequence", seq, "error", err)
		return
	}

	seg := &models.CaptureSegment{
		SessionID:    rec.sessionID,
		SequenceNum:  seq,
		MessageCount: len(records),
		FrameRate:    rec.session.GetFrameRate().String(),
		Duration:     now.Sub(start).Seconds(),
		FilePath:     path,
		FileSize:     int64(len(data)),
		CreatedAt:    now,
	}
	if r.metrics != nil {
		r.metrics.RecordSegment(seg.FileSize)
	}

	rec.index.FrameRate = seg.FrameRate
	if old := rec.index.AddSegment(seg); old != nil {
		if err := r.storage.Delete(old.FilePath); err != nil {
			slog.Warn("capture: failed to delete expired segment", "path", old.FilePath, "error", err)
		} else if r.metrics != nil {
			r.metrics.RecordSegmentDeleted()
		}
	}

	if err := rec.writeIndex(); err != nil {
		slog.Error("capture: failed to write index", "session", rec.sessionID, "error", err)
	}

	slog.Debug("capture: created segment",
		"session", rec.sessionID,
		"sequence", seq,
		"messages", len(records),
		"bytes", len(data),
	)
}

func (rec *recording) writeIndex() error {
	data, err := json.MarshalIndent(rec.index, "", "  ")
	if err != nil {
		return err
	}
	return rec.recorder.storage.Write(indexPath(rec.sessionID), data)
}

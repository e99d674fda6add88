package models

import "time"

// CaptureSegment is one stored slice of a session's wire stream
type CaptureSegment struct {
	SessionID    string    `json:"sessionId"`
	SequenceNum  uint64    `json:"sequence"`
	MessageCount int       `json:"messages"`
	FrameRate    string    `json:"frameRate"` // Local rate of the session while recording
	Duration     float64   `json:"duration"` // seconds
	FilePath     string    `json:"path"`
	FileSize     int64     `json:"size"`
	CreatedAt    time.Time `json:"createdAt"`
}

// CaptureIndex lists the segments currently retained for a session
type CaptureIndex struct {
	SessionID     string            `json:"sessionId"`
	FrameRate     string            `json:"frameRate"`
	FirstSequence uint64            `json:"firstSequence"`
	MaxSegments   int               `json:"maxSegments"`
	Segments      []*CaptureSegment `json:"segments"`
	LastUpdated   time.Time         `json:"lastUpdated"`
}

// AddSegment appends a segment and maintains the sliding window.
// It returns the segment that fell out of the window, if any.
func (idx *CaptureIndex) AddSegment(seg *CaptureSegment) *CaptureSegment {
	idx.Segments = append(idx.Segments, seg)
	idx.LastUpdated = time.Now()

	var old *CaptureSegment
	if idx.MaxSegments > 0 && len(idx.Segments) > idx.MaxSegments {
		old = idx.Segments[0]
		idx.Segments = idx.Segments[1:]
	}
	idx.FirstSequence = idx.Segments[0].SequenceNum
	return old
}

// Find returns the segment with the given sequence number
func (idx *CaptureIndex) Find(seq uint64) (*CaptureSegment, bool) {
	for _, seg := range idx.Segments {
		if seg.SequenceNum == seq {
			return seg, true
		}
	}
	return nil, false
}

// CaptureRecord is one message inside a capture segment
type CaptureRecord struct {
	Offset time.Duration // Since the start of the segment
	Data   []byte
}

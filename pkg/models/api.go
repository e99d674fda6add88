package models

import "time"

// CreateSessionRequest represents a request to create a generator session
type CreateSessionRequest struct {
	Name      string `json:"name" binding:"required"`
	FrameRate string `json:"frameRate"` // e.g. "29.97d"; defaults to the configured rate
	OutPort   string `json:"outPort"`   // MIDI output port; empty for none
	Capture   bool   `json:"capture"`   // Record the wire stream to storage
}

// LocateRequest moves a session to a new position
type LocateRequest struct {
	Timecode          string `json:"timecode" binding:"required"`
	FrameRate         string `json:"frameRate"`         // Optional rate change
	TransmitFullFrame string `json:"transmitFullFrame"` // always, ifDifferent, never
}

// StartRequest starts generation; an empty timecode resumes from the current position
type StartRequest struct {
	Timecode string `json:"timecode"`
}

// SessionInfo represents session metadata returned by the API
type SessionInfo struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	State             string `json:"state"`
	FrameRate         string `json:"frameRate"`
	MTCFrameRate      string `json:"mtcFrameRate"`
	Timecode          string `json:"timecode,omitempty"`
	OutPort           string `json:"outPort,omitempty"`
	Capturing         bool   `json:"capturing"`
	CreatedAt         string `json:"createdAt"`
	StartedAt         string `json:"startedAt,omitempty"`
	Uptime            int    `json:"uptime,omitempty"` // seconds generating
	MessagesSent      uint64 `json:"messagesSent"`
	QuarterFrames     uint64 `json:"quarterFrames"`
	FullFrames        uint64 `json:"fullFrames"`
	SendErrors        uint64 `json:"sendErrors"`
	DroppedDeliveries uint64 `json:"droppedDeliveries"`

	// Only set in the response that created the session
	ControlToken   string `json:"controlToken,omitempty"`
	TokenExpiresAt string `json:"tokenExpiresAt,omitempty"`
}

// SessionListResponse represents a list of sessions
type SessionListResponse struct {
	Sessions []SessionInfo `json:"sessions"`
	Total    int           `json:"total"`
}

// CaptureListResponse lists the retained capture segments of a session
type CaptureListResponse struct {
	SessionID string            `json:"sessionId"`
	Capturing bool              `json:"capturing"`
	Segments  []*CaptureSegment `json:"segments"`
	Total     int               `json:"total"`
}

// DecodedUpdate is one position recovered by replaying a capture through a decoder
type DecodedUpdate struct {
	OffsetMs  int64  `json:"offsetMs"`
	Timecode  string `json:"timecode"`
	Type      string `json:"type"`
	Direction string `json:"direction"`
}

// DecodedSegmentResponse is the replay of one capture segment
type DecodedSegmentResponse struct {
	SessionID string          `json:"sessionId"`
	Sequence  uint64          `json:"sequence"`
	FrameRate string          `json:"frameRate"`
	Messages  int             `json:"messages"`
	Errors    int             `json:"errors"`
	Updates   []DecodedUpdate `json:"updates"`
}

// MonitorStatus describes the decoder attached to the MIDI input port
type MonitorStatus struct {
	Port         string `json:"port"`
	Connected    bool   `json:"connected"`
	State        string `json:"state"`
	Timecode     string `json:"timecode,omitempty"`
	FrameRate    string `json:"frameRate,omitempty"`
	MTCFrameRate string `json:"mtcFrameRate,omitempty"`
	Direction    string `json:"direction"`
	Messages     uint64 `json:"messages"`
	Errors       uint64 `json:"errors"`
	LastUpdate   string `json:"lastUpdate,omitempty"`
}

// ControlToken grants control of one session
type ControlToken struct {
	Token     string    `json:"token"`
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	ClientIP  string    `json:"clientIp"`
}

// IsValid reports whether the token has not expired at now
func (t *ControlToken) IsValid(now time.Time) bool {
	return now.Before(t.ExpiresAt)
}

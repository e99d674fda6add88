package models

import (
	"sync"
	"time"

	"mtcsync/pkg/timecode"
)

// SessionState represents the current state of a generator session
type SessionState string

const (
	SessionStateIdle       SessionState = "idle"
	SessionStateGenerating SessionState = "generating"
	SessionStateClosed     SessionState = "closed"
)

// Session represents a named MTC generator
type Session struct {
	ID        string             // UUID
	Name      string             // Unique human-readable name
	FrameRate timecode.FrameRate // Local frame rate of the generator
	OutPort   string             // MIDI output port name, empty for none
	State     SessionState       // Current state
	CreatedAt time.Time          // When the session was created
	StartedAt time.Time          // When generation last started
	ClosedAt  *time.Time         // When the session was closed (if closed)

	// Stats
	Stats SessionStats

	mu sync.RWMutex // Protects concurrent access
}

// SessionStats tracks wire statistics
type SessionStats struct {
	MessagesSent      uint64    // Every message handed to the output
	QuarterFrames     uint64    // F1 messages
	FullFrames        uint64    // Full-frame SysEx messages
	KeepAlives        uint64    // Active sensing sent in place of a bad message
	SendErrors        uint64    // Output port rejections
	DroppedDeliveries uint64    // Subscriber deliveries dropped due to backpressure
	LastMessageTime   time.Time // Time of the last message
}

// UpdateStats counts a message emitted by the generator
func (s *Session) UpdateStats(msg *WireMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Stats.MessagesSent++
	s.Stats.LastMessageTime = msg.Timestamp

	switch msg.Kind() {
	case WireKindQuarterFrame:
		s.Stats.QuarterFrames++
	case WireKindFullFrame:
		s.Stats.FullFrames++
	case WireKindKeepAlive:
		s.Stats.KeepAlives++
	}
}

// IncrementSendErrors counts an output port failure
func (s *Session) IncrementSendErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stats.SendErrors++
}

// IncrementDroppedDeliveries counts a subscriber delivery dropped on a full channel
func (s *Session) IncrementDroppedDeliveries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stats.DroppedDeliveries++
}

// GetStats returns a copy of the statistics
func (s *Session) GetStats() SessionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Stats
}

// SetState safely updates the session state
func (s *Session) SetState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state

	switch state {
	case SessionStateGenerating:
		s.StartedAt = time.Now()
	case SessionStateClosed:
		now := time.Now()
		s.ClosedAt = &now
	}
}

// SetStateIf changes the state to next only when it is currently from
func (s *Session) SetStateIf(from, next SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != from {
		return false
	}
	s.State = next
	return true
}

// GetState safely returns the current session state
func (s *Session) GetState() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// SetFrameRate records a change of local frame rate
func (s *Session) SetFrameRate(rate timecode.FrameRate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FrameRate = rate
}

// GetFrameRate safely returns the local frame rate
func (s *Session) GetFrameRate() timecode.FrameRate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.FrameRate
}

// GetStartedAt safely returns when generation last started
func (s *Session) GetStartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.StartedAt
}

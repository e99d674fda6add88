package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gitlab.com/gomidi/midi/v2"

	"mtcsync/internal/metrics"
	"mtcsync/pkg/models"
	"mtcsync/pkg/mtc"
	"mtcsync/pkg/timecode"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session name already in use")
	ErrTooManySessions = errors.New("session limit reached")
	ErrNoDriver        = errors.New("no MIDI driver")
)

// PortOpener resolves a MIDI output port by name
type PortOpener interface {
	OpenOut(name string) (mtc.Sender, error)
}

// Options configures a Manager
type Options struct {
	MaxSessions int
	Ports       PortOpener // nil disables MIDI output
	Metrics     *metrics.Metrics
}

// entry ties a session's metadata to its generator
type entry struct {
	session   *models.Session
	generator *mtc.Generator
}

// Manager handles session lifecycle and maintains in-memory registry
type Manager struct {
	sessions map[string]*entry // id -> entry
	mu       sync.RWMutex

	// Channels for pub/sub
	subscribers map[string][]chan *models.WireMessage // id -> list of subscriber channels
	subMu       sync.RWMutex

	maxSessions int
	ports       PortOpener
	metrics     *metrics.Metrics
}

// New creates a new session manager
func New(opts Options) *Manager {
	return &Manager{
		sessions:    make(map[string]*entry),
		subscribers: make(map[string][]chan *models.WireMessage),
		maxSessions: opts.MaxSessions,
		ports:       opts.Ports,
		metrics:     opts.Metrics,
	}
}

// CreateSession creates an idle generator session at rate, emitting to the
// named MIDI output when outPort is set.
func (m *Manager) CreateSession(name string, rate timecode.FrameRate, outPort string) (*models.Session, error) {
	if !rate.IsValid() {
		return nil, fmt.Errorf("%w: %d", timecode.ErrInvalidFrameRate, int(rate))
	}

	var port mtc.Sender
	if outPort != "" {
		if m.ports == nil {
			return nil, fmt.Errorf("%w: cannot open output %q", ErrNoDriver, outPort)
		}
		p, err := m.ports.OpenOut(outPort)
		if err != nil {
			return nil, err
		}
		port = p
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.sessions {
		if e.session.Name == name {
			return nil, fmt.Errorf("%w: %s", ErrSessionExists, name)
		}
	}
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return nil, ErrTooManySessions
	}

	session := &models.Session{
		ID:        uuid.NewString(),
		Name:      name,
		FrameRate: rate,
		OutPort:   outPort,
		State:     models.SessionStateIdle,
		CreatedAt: time.Now(),
	}

	gen := mtc.NewGenerator(m.sender(session, port))
	if err := gen.Locate(timecode.Timecode{FrameRate: rate}, mtc.FullFrameNever); err != nil {
		gen.Close()
		return nil, err
	}

	m.sessions[session.ID] = &entry{session: session, generator: gen}
	if m.metrics != nil {
		m.metrics.RecordSessionCreated()
	}

	slog.Info("session: created", "id", session.ID, "name", name, "frameRate", rate.String(), "outPort", outPort)
	return session, nil
}

// sender builds the generator output: the MIDI port (if any) followed by
// stats and fan-out to subscribers. It runs on the generator's goroutine.
func (m *Manager) sender(session *models.Session, port mtc.Sender) mtc.Sender {
	if m.metrics != nil {
		port = m.metrics.InstrumentSender(session.OutPort, port)
	}

	return mtc.SenderFunc(func(msg midi.Message) error {
		var err error
		if port != nil {
			if err = port.Send(msg); err != nil {
				session.IncrementSendErrors()
			}
		}

		wire := &models.WireMessage{
			SessionID: session.ID,
			Timestamp: time.Now(),
			Data:      append([]byte(nil), msg...),
		}
		session.UpdateStats(wire)
		for range m.Publish(wire) {
			session.IncrementDroppedDeliveries()
		}
		return err
	})
}

// GetSession retrieves a session by id
func (m *Manager) GetSession(id string) (*models.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.sessions[id]
	if !exists {
		return nil, false
	}
	return e.session, true
}

// FindByName retrieves a session by name
func (m *Manager) FindByName(name string) (*models.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.sessions {
		if e.session.Name == name {
			return e.session, true
		}
	}
	return nil, false
}

// GetAllSessions returns all sessions
func (m *Manager) GetAllSessions() []*models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*models.Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		sessions = append(sessions, e.session)
	}

	return sessions
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.sessions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e, nil
}

// Locate moves a session to tc. A rate different from the session's
// becomes the session's new rate.
func (m *Manager) Locate(id string, tc timecode.Timecode, policy mtc.FullFramePolicy) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	if err := e.generator.Locate(tc, policy); err != nil {
		return err
	}
	e.session.SetFrameRate(tc.FrameRate)

	slog.Debug("session: located", "id", id, "timecode", tc.String(), "policy", policy.String())
	return nil
}

// Start begins generation from tc
func (m *Manager) Start(id string, tc timecode.Timecode) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	if e.generator.State() != mtc.GeneratorGenerating {
		m.markIdle(e)
	}
	wasGenerating := e.session.GetState() == models.SessionStateGenerating
	if err := e.generator.Start(tc); err != nil {
		return err
	}
	e.session.SetFrameRate(tc.FrameRate)
	e.session.SetState(models.SessionStateGenerating)

	if m.metrics != nil && !wasGenerating {
		m.metrics.RecordGeneratorStart()
	}

	slog.Info("session: started", "id", id, "timecode", tc.String())
	return nil
}

// Resume starts generation from the session's current position. Receivers
// are re-anchored with a full-frame first: the restarted stream repeats the
// last piece they saw, which they would otherwise treat as a sequence break.
func (m *Manager) Resume(id string) error {
	tc, err := m.Position(id)
	if err != nil {
		return err
	}
	tc = tc.WholeFrame()
	if err := m.Locate(id, tc, mtc.FullFrameAlways); err != nil {
		return err
	}
	return m.Start(id, tc)
}

// Stop halts generation; the session stays open
func (m *Manager) Stop(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	return m.stop(e)
}

func (m *Manager) stop(e *entry) error {
	if err := e.generator.Stop(); err != nil && !errors.Is(err, mtc.ErrGeneratorClosed) {
		return err
	}

	if m.markIdle(e) {
		slog.Info("session: stopped", "id", e.session.ID)
	}
	return nil
}

// markIdle moves a generating session to idle; false if it was not generating
func (m *Manager) markIdle(e *entry) bool {
	if !e.session.SetStateIf(models.SessionStateGenerating, models.SessionStateIdle) {
		return false
	}
	if m.metrics != nil {
		m.metrics.RecordGeneratorStop(time.Since(e.session.GetStartedAt()))
	}
	return true
}

// State returns the session's state as its generator sees it. A generator
// that fell back to idle by itself, such as a delayed start that could not
// locate, leaves the session idle.
func (m *Manager) State(id string) (models.SessionState, error) {
	e, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	if e.generator.State() != mtc.GeneratorGenerating && m.markIdle(e) {
		slog.Warn("session: generator stopped on its own", "id", id)
	}
	return e.session.GetState(), nil
}

// Position returns the session's current timecode
func (m *Manager) Position(id string) (timecode.Timecode, error) {
	e, err := m.lookup(id)
	if err != nil {
		return timecode.Timecode{}, err
	}
	return e.generator.Timecode()
}

// CloseSession stops a session, closes its subscribers and removes it
func (m *Manager) CloseSession(id string) error {
	m.mu.Lock()
	e, exists := m.sessions[id]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	m.stop(e)
	e.generator.Close()
	e.session.SetState(models.SessionStateClosed)

	// Close all subscriber channels
	m.closeSubscribers(id)

	if m.metrics != nil {
		m.metrics.RecordSessionClosed()
	}
	slog.Info("session: closed", "id", id, "name", e.session.Name)
	return nil
}

// Close closes every session
func (m *Manager) Close() {
	for _, s := range m.GetAllSessions() {
		m.CloseSession(s.ID)
	}
}

// Publish delivers a wire message to all subscribers of its session and
// returns how many subscribers missed it.
func (m *Manager) Publish(msg *models.WireMessage) int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	dropped := 0

	// Send to all subscribers (non-blocking)
	for _, ch := range m.subscribers[msg.SessionID] {
		select {
		case ch <- msg:
		default:
			// Channel is full, drop message
			dropped++
			if m.metrics != nil {
				m.metrics.RecordDeliveryDropped(msg.SessionID)
			}
		}
	}
	return dropped
}

// Subscribe creates a subscription to a session's wire messages.
// Returns a channel that will receive messages and a cleanup function.
func (m *Manager) Subscribe(id string, bufferSize int) (<-chan *models.WireMessage, func(), error) {
	if _, exists := m.GetSession(id); !exists {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()

	ch := make(chan *models.WireMessage, bufferSize)
	m.subscribers[id] = append(m.subscribers[id], ch)

	var once sync.Once
	cleanup := func() {
		once.Do(func() { m.unsubscribe(id, ch) })
	}

	return ch, cleanup, nil
}

// unsubscribe removes a subscriber channel
func (m *Manager) unsubscribe(id string, ch chan *models.WireMessage) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	subscribers, exists := m.subscribers[id]
	if !exists {
		return
	}

	for i, subCh := range subscribers {
		if subCh == ch {
			m.subscribers[id] = append(subscribers[:i], subscribers[i+1:]...)
			close(ch)
			break
		}
	}

	if len(m.subscribers[id]) == 0 {
		delete(m.subscribers, id)
	}
}

// closeSubscribers closes all subscriber channels for a session
func (m *Manager) closeSubscribers(id string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for _, ch := range m.subscribers[id] {
		close(ch)
	}
	delete(m.subscribers, id)
}

// SessionCount returns the total number of sessions
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GeneratingCount returns the number of sessions currently generating
func (m *Manager) GeneratingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, e := range m.sessions {
		if e.generator.State() == mtc.GeneratorGenerating {
			count++
		}
	}
	return count
}

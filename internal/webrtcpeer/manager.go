package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/meetflow/internal/mediastream"
)

const eventBuffer = 128

// Manager owns at most one Connection at a time. Creating a new connection
// closes the previous one, and events from superseded connections are never
// delivered.
type Manager struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	logger     *slog.Logger
	events     chan Event

	mu  sync.Mutex
	gen uint64
	cur *Connection
	// Candidates received while no connection exists.
	pending []webrtc.ICECandidateInit
}

func NewManager(api *webrtc.API, iceServers []webrtc.ICEServer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		api:        api,
		iceServers: iceServers,
		logger:     logger,
		events:     make(chan Event, eventBuffer),
	}
}

// Events delivers notifications for the current connection. The channel is
// never closed.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// CreateConnection replaces any existing connection with a new one that
// carries every track of local.
func (m *Manager) CreateConnection(role Role, local *mediastream.Stream) (*Connection, error) {
	m.mu.Lock()
	old := m.cur
	m.cur = nil
	m.gen++
	gen := m.gen
	queued := m.pending
	m.pending = nil
	m.mu.Unlock()

	if old != nil {
		m.logger.Debug("replacing peer connection", "old_conn_id", old.ID())
		if err := old.Close(); err != nil {
			m.logger.Debug("close replaced peer connection", "err", err)
		}
	}

	var conn *Connection
	emit := func(ev Event) { m.emit(gen, conn, ev) }
	conn, err := newConnection(m.api, m.iceServers, gen, role, local, m.logger, emit)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = conn.Close()
		return nil, fmt.Errorf("connection superseded during creation: %w", ErrInvalidNegotiationState)
	}
	m.cur = conn
	m.mu.Unlock()

	for _, cand := range queued {
		_ = conn.AddRemoteCandidate(cand)
	}
	return conn, nil
}

func (m *Manager) emit(gen uint64, conn *Connection, ev Event) {
	m.mu.Lock()
	current := m.gen == gen
	m.mu.Unlock()
	if !current {
		return
	}
	var closed <-chan struct{}
	if conn != nil {
		closed = conn.closed
	}
	select {
	case m.events <- ev:
	case <-closed:
	}
}

// Connection returns the current connection, or nil.
func (m *Manager) Connection() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

func (m *Manager) current() (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidNegotiationState, ErrNoConnection)
	}
	return m.cur, nil
}

func (m *Manager) CreateOffer(ctx context.Context, to string) (webrtc.SessionDescription, error) {
	c, err := m.current()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return c.CreateOffer(ctx, to)
}

func (m *Manager) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription, from string) (webrtc.SessionDescription, error) {
	c, err := m.current()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return c.AcceptOffer(ctx, offer, from)
}

func (m *Manager) AcceptAnswer(answer webrtc.SessionDescription) error {
	c, err := m.current()
	if err != nil {
		return err
	}
	return c.AcceptAnswer(answer)
}

// AddRemoteCandidate routes a candidate to the current connection. Candidates
// that arrive before any connection exists are held for the next one.
func (m *Manager) AddRemoteCandidate(cand webrtc.ICECandidateInit) error {
	if cand.Candidate == "" {
		return nil
	}
	m.mu.Lock()
	c := m.cur
	if c == nil {
		m.pending = append(m.pending, cand)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return c.AddRemoteCandidate(cand)
}

// RemoteStream returns the current connection's inbound stream, if any.
func (m *Manager) RemoteStream() *mediastream.Stream {
	c := m.Connection()
	if c == nil {
		return nil
	}
	return c.RemoteStream()
}

// State reports the current connection's state, or StateClosed without one.
func (m *Manager) State() State {
	c := m.Connection()
	if c == nil {
		return StateClosed
	}
	return c.State()
}

// Close closes the current connection and discards held candidates.
func (m *Manager) Close() error {
	m.mu.Lock()
	c := m.cur
	m.cur = nil
	m.gen++
	m.pending = nil
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

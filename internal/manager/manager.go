// Package manager implements the session and connection registries:
// integer-id lifecycle tracking, status snapshots, idle eviction by a
// background sweeper, and graceful close.
package manager

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// Sentinel errors for registry operations.
var (
	// ErrSessionNotFound indicates no session exists for the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConnectionNotFound indicates no connection exists for the id.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrIDSpaceExhausted indicates id allocation kept colliding.
	ErrIDSpaceExhausted = errors.New("id space exhausted")
)

// -------------------------------------------------------------------------
// Session Model
// -------------------------------------------------------------------------

// Role distinguishes the handshake initiator from the responder.
type Role uint8

const (
	// RoleClient initiated the session.
	RoleClient Role = iota + 1

	// RoleServer accepted the session.
	RoleServer
)

// String returns the human-readable role name.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "Client"
	case RoleServer:
		return "Server"
	default:
		return "Unknown"
	}
}

// SessionState is the handshake-level session state.
type SessionState uint8

const (
	// SessionInitial: created, handshake not started.
	SessionInitial SessionState = iota

	// SessionHandshakingS1..S3: the three handshake stages.
	SessionHandshakingS1
	SessionHandshakingS2
	SessionHandshakingS3

	// SessionEstablished: traffic keys installed.
	SessionEstablished

	// SessionClosing: close initiated, draining.
	SessionClosing

	// SessionClosed: terminal.
	SessionClosed
)

// sessionStateNames maps session states to human-readable strings.
var sessionStateNames = [7]string{
	"Initial",
	"HandshakingS1",
	"HandshakingS2",
	"HandshakingS3",
	"Established",
	"Closing",
	"Closed",
}

// String returns the human-readable state name.
func (s SessionState) String() string {
	if int(s) < len(sessionStateNames) {
		return sessionStateNames[s]
	}
	return "Unknown"
}

// SessionStatus is the read-only session view returned to callers.
type SessionStatus struct {
	ID           uint32
	Role         Role
	State        SessionState
	CreatedAt    time.Time
	LastActivity time.Time
	PacketsSent  uint64
	PacketsRecv  uint64
}

// session is the registry's internal record.
type session struct {
	status SessionStatus
}

// -------------------------------------------------------------------------
// Connection Model
// -------------------------------------------------------------------------

// CongestionSnapshot mirrors the flow controller's view for status
// queries.
type CongestionSnapshot struct {
	Cwnd      int
	SRTT      time.Duration
	MinRTT    time.Duration
	MaxRTT    time.Duration
	BtlBwMbps float64
}

// ConnectionStatus is the read-only connection view.
type ConnectionStatus struct {
	ID           uint32
	CreatedAt    time.Time
	LastActivity time.Time
	Congestion   CongestionSnapshot
	TxBytes      uint64
	RxBytes      uint64
	TxPackets    uint64
	RxPackets    uint64
	RetransQueue int
	StreamCount  int
	PathCount    int
}

// connection is the registry's internal record.
type connection struct {
	status ConnectionStatus
	cancel context.CancelFunc
}

// -------------------------------------------------------------------------
// Manager
// -------------------------------------------------------------------------

const (
	// DefaultIdleTTL evicts sessions idle longer than this.
	DefaultIdleTTL = 5 * time.Minute

	// DefaultSweepInterval is the eviction sweeper cadence.
	DefaultSweepInterval = 30 * time.Second

	// allocRetries bounds random id allocation attempts.
	allocRetries = 64
)

// MetricsReporter is the slice of the metrics surface the manager
// feeds: lifecycle gauges. A no-op implementation is the default.
type MetricsReporter interface {
	SessionOpened()
	SessionClosed()
	ConnectionOpened()
	ConnectionClosed()
}

// noopMetrics discards all reports.
type noopMetrics struct{}

func (noopMetrics) SessionOpened()    {}
func (noopMetrics) SessionClosed()    {}
func (noopMetrics) ConnectionOpened() {}
func (noopMetrics) ConnectionClosed() {}

// Config parameterizes the manager.
type Config struct {
	// IdleTTL evicts sessions whose last activity is older.
	IdleTTL time.Duration

	// SweepInterval is the sweeper cadence.
	SweepInterval time.Duration
}

// DefaultManagerConfig returns the production eviction policy.
func DefaultManagerConfig() Config {
	return Config{
		IdleTTL:       DefaultIdleTTL,
		SweepInterval: DefaultSweepInterval,
	}
}

// Manager owns all sessions and connections by integer id.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.RWMutex
	sessions    map[uint32]*session
	connections map[uint32]*connection

	metrics MetricsReporter
	evicted uint64

	// now is the clock source, replaceable for tests.
	now func() time.Time
}

// Option configures optional Manager parameters.
type Option func(*Manager)

// WithMetrics attaches a MetricsReporter. If mr is nil, the default
// no-op reporter is kept.
func WithMetrics(mr MetricsReporter) Option {
	return func(m *Manager) {
		if mr != nil {
			m.metrics = mr
		}
	}
}

// New creates a manager. RunSweeper must be started for idle eviction.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	m := &Manager{
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "manager")),
		sessions:    make(map[uint32]*session),
		connections: make(map[uint32]*connection),
		metrics:     noopMetrics{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// setClock replaces the clock source. Test hook.
func (m *Manager) setClock(now func() time.Time) { m.now = now }

// allocID draws a random nonzero id not present in used.
func allocID[T any](used map[uint32]T) (uint32, error) {
	var buf [4]byte
	for range allocRetries {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("allocate id: %w", err)
		}
		id := binary.BigEndian.Uint32(buf[:])
		if id == 0 {
			continue
		}
		if _, taken := used[id]; !taken {
			return id, nil
		}
	}
	return 0, ErrIDSpaceExhausted
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// CreateClientSession registers a new client-role session and returns
// its id.
func (m *Manager) CreateClientSession() (uint32, error) {
	return m.createSession(RoleClient)
}

// CreateServerSession registers a new server-role session and returns
// its id.
func (m *Manager) CreateServerSession() (uint32, error) {
	return m.createSession(RoleServer)
}

func (m *Manager) createSession(role Role) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := allocID(m.sessions)
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}

	now := m.now()
	m.sessions[id] = &session{status: SessionStatus{
		ID:           id,
		Role:         role,
		State:        SessionInitial,
		CreatedAt:    now,
		LastActivity: now,
	}}

	m.metrics.SessionOpened()
	m.logger.Info("session created",
		slog.Uint64("session_id", uint64(id)),
		slog.String("role", role.String()),
	)
	return id, nil
}

// GetSessionStatus returns a snapshot for id, or ok false.
func (m *Manager) GetSessionStatus(id uint32) (SessionStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return SessionStatus{}, false
	}
	return s.status, true
}

// TouchSession refreshes a session's activity and optionally advances
// its state.
func (m *Manager) TouchSession(id uint32, state SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("touch session %d: %w", id, ErrSessionNotFound)
	}
	s.status.LastActivity = m.now()
	if state > s.status.State {
		s.status.State = state
	}
	return nil
}

// RecordSessionTraffic bumps a session's packet counters.
func (m *Manager) RecordSessionTraffic(id uint32, sent, recv uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("record traffic for session %d: %w", id, ErrSessionNotFound)
	}
	s.status.PacketsSent += sent
	s.status.PacketsRecv += recv
	s.status.LastActivity = m.now()
	return nil
}

// CloseSession transitions the session to Closed and removes it.
func (m *Manager) CloseSession(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("close session %d: %w", id, ErrSessionNotFound)
	}
	delete(m.sessions, id)
	m.metrics.SessionClosed()
	m.logger.Info("session closed", slog.Uint64("session_id", uint64(id)))
	return nil
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// -------------------------------------------------------------------------
// Connection Lifecycle
// -------------------------------------------------------------------------

// CreateConnection registers a new connection and returns its id. The
// cancel function, when non-nil, is invoked on CloseConnection to stop
// the connection's endpoint task.
func (m *Manager) CreateConnection(cancel context.CancelFunc) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := allocID(m.connections)
	if err != nil {
		return 0, fmt.Errorf("create connection: %w", err)
	}

	now := m.now()
	m.connections[id] = &connection{
		status: ConnectionStatus{
			ID:           id,
			CreatedAt:    now,
			LastActivity: now,
		},
		cancel: cancel,
	}

	m.metrics.ConnectionOpened()
	m.logger.Info("connection created", slog.Uint64("conn_id", uint64(id)))
	return id, nil
}

// GetConnectionStatus returns a snapshot for id, or ok false.
func (m *Manager) GetConnectionStatus(id uint32) (ConnectionStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[id]
	if !ok {
		return ConnectionStatus{}, false
	}
	return c.status, true
}

// UpdateConnection applies a mutation to the connection's status under
// the registry lock.
func (m *Manager) UpdateConnection(id uint32, update func(*ConnectionStatus)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return fmt.Errorf("update connection %d: %w", id, ErrConnectionNotFound)
	}
	update(&c.status)
	c.status.LastActivity = m.now()
	return nil
}

// CloseConnection cancels the connection's task and removes it.
func (m *Manager) CloseConnection(id uint32) error {
	m.mu.Lock()
	c, ok := m.connections[id]
	if ok {
		delete(m.connections, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("close connection %d: %w", id, ErrConnectionNotFound)
	}
	if c.cancel != nil {
		c.cancel()
	}
	m.metrics.ConnectionClosed()
	m.logger.Info("connection closed", slog.Uint64("conn_id", uint64(id)))
	return nil
}

// ListConnections returns all live connection ids.
func (m *Manager) ListConnections() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint32, 0, len(m.connections))
	for id := range m.connections {
		out = append(out, id)
	}
	return out
}

// -------------------------------------------------------------------------
// Eviction Sweeper
// -------------------------------------------------------------------------

// RunSweeper evicts idle sessions periodically until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepIdle()
		}
	}
}

// SweepIdle evicts every session whose last activity is older than the
// idle TTL. Returns the number evicted. Exposed for deterministic
// tests; the sweeper calls it on its tick.
func (m *Manager) SweepIdle() int {
	cutoff := m.now().Add(-m.cfg.IdleTTL)

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, s := range m.sessions {
		if s.status.LastActivity.Before(cutoff) {
			delete(m.sessions, id)
			m.metrics.SessionClosed()
			evicted++
			m.logger.Info("session evicted: idle",
				slog.Uint64("session_id", uint64(id)),
				slog.Time("last_activity", s.status.LastActivity),
			)
		}
	}
	m.evicted += uint64(evicted)
	return evicted
}

// EvictedTotal returns the cumulative eviction count.
func (m *Manager) EvictedTotal() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.evicted
}

// Close cancels every connection task and clears the registries.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.sessions = make(map[uint32]*session)
	m.connections = make(map[uint32]*connection)
	m.mu.Unlock()

	for _, c := range conns {
		if c.cancel != nil {
			c.cancel()
		}
	}
	m.logger.Info("manager closed")
}

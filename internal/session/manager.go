package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/nbkernel/kernelbridge/internal/infrastructure/logging"
	"github.com/nbkernel/kernelbridge/internal/infrastructure/monitoring"
)

// ErrUnknownSession is returned when a session id is not registered.
var ErrUnknownSession = errors.New("unknown session")

// Manager tracks live sessions by id.
type Manager struct {
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu       sync.Mutex
	sessions map[string]Session
}

// NewManager builds an empty session registry. metrics may be nil.
func NewManager(logger *logging.Logger, metrics *monitoring.Metrics) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		logger:   logger.Named("session-manager"),
		metrics:  metrics,
		sessions: make(map[string]Session),
	}
}

// Add registers a session. Re-adding the same id is a no-op.
func (m *Manager) Add(s Session) {
	m.mu.Lock()
	if _, ok := m.sessions[s.ID()]; ok {
		m.mu.Unlock()
		return
	}
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SessionsActive.Inc()
	}
	m.logger.Info("Session registered",
		zap.String("session", s.ID()),
		zap.String("kernel", s.Metadata().ID))
}

// Get returns a session by id.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// List returns all registered sessions.
func (m *Manager) List() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Remove shuts a session down and drops it from the registry.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	if m.metrics != nil {
		m.metrics.SessionsActive.Dec()
	}

	err := s.Shutdown(ctx)
	m.logger.Info("Session removed", zap.String("session", id))
	return err
}

// Shutdown stops every session. Used on server drain.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]Session)
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.Shutdown(ctx); err != nil {
			m.logger.Warn("Session shutdown failed",
				zap.String("session", s.ID()),
				zap.Error(err))
		}
		if m.metrics != nil {
			m.metrics.SessionsActive.Dec()
		}
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

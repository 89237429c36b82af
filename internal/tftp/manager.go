package tftp

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrAlreadyActive indicates a live session already exists for the
	// client endpoint. Duplicate RRQ retransmissions must not spawn a
	// parallel transfer or disturb the in-flight one.
	ErrAlreadyActive = errors.New("transfer already in use for endpoint")
	// ErrCapacity indicates the concurrent session ceiling was reached.
	ErrCapacity = errors.New("session ceiling reached")
)

// Manager owns the set of live sessions keyed by client endpoint and is the
// only structure shared across concurrent transfer goroutines. Each Session
// itself is mutated exclusively by the goroutine driving it.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session // keyed by client "ip:port"
	max      int
}

// NewManager creates a session manager with the given concurrency ceiling.
func NewManager(max int) *Manager {
	if max < 1 {
		max = 1
	}
	return &Manager{
		sessions: make(map[string]*Session),
		max:      max,
	}
}

// CreateIfAbsent registers a session under its client endpoint. Fails with
// ErrAlreadyActive if the endpoint already has a live session and with
// ErrCapacity at the ceiling.
func (m *Manager) CreateIfAbsent(sess *Session) error {
	key := sess.Client.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[key]; exists {
		return ErrAlreadyActive
	}
	if len(m.sessions) >= m.max {
		return ErrCapacity
	}
	m.sessions[key] = sess
	return nil
}

// Lookup returns the live session for a client endpoint, if any.
func (m *Manager) Lookup(endpoint string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[endpoint]
	return sess, ok
}

// Remove drops the session registered for a client endpoint. Only the
// session that registered the endpoint is removed; a stale remove after a
// replacement is a no-op.
func (m *Manager) Remove(sess *Session) {
	key := sess.Client.String()

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.sessions[key]; ok && current == sess {
		delete(m.sessions, key)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SweepIdle removes sessions whose last activity is older than bound and
// returns them so the caller can cancel and log each one. Covers clients
// that stopped ACKing without sending an ERROR.
func (m *Manager) SweepIdle(now time.Time, bound time.Duration) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted []*Session
	for key, sess := range m.sessions {
		if now.Sub(sess.LastActivity()) > bound {
			evicted = append(evicted, sess)
			delete(m.sessions, key)
		}
	}
	return evicted
}

// Drain removes and returns all live sessions. Used at shutdown after the
// grace period expires.
func (m *Manager) Drain() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	drained := make([]*Session, 0, len(m.sessions))
	for key, sess := range m.sessions {
		drained = append(drained, sess)
		delete(m.sessions, key)
	}
	return drained
}

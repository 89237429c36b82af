package tftp

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of one read transfer.
type State int

const (
	StateNegotiating State = iota
	StateTransferring
	StateCompleted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateTransferring:
		return "transferring"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Session represents one in-flight read transfer. The transfer goroutine is
// the single writer of block/retry progress; the sweeper and the supervisor
// only read activity timestamps and request cancellation.
type Session struct {
	ID       string       // random ID for log and event correlation
	Client   *net.UDPAddr // client transport endpoint the transfer is bound to
	Filename string       // logical artifact path from the RRQ

	// Negotiated transfer parameters, fixed once the transfer starts.
	BlockSize int
	Timeout   time.Duration
	Size      int64 // artifact size captured at accept time

	mu           sync.Mutex
	state        State
	lastActivity time.Time

	done     chan struct{}
	doneOnce sync.Once
	abort    func() // unblocks the transfer goroutine promptly on cancel
}

// newSession creates a session bound to a client endpoint.
func newSession(client *net.UDPAddr, filename string) *Session {
	return &Session{
		ID:           uuid.NewString(),
		Client:       client,
		Filename:     filename,
		state:        StateNegotiating,
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Touch records activity, deferring idle eviction.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent client activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// setAbort installs the hook that unblocks the transfer goroutine's pending
// socket read when the session is canceled.
func (s *Session) setAbort(fn func()) {
	s.mu.Lock()
	s.abort = fn
	s.mu.Unlock()
}

// Cancel requests termination of the transfer. Safe to call from any
// goroutine and idempotent.
func (s *Session) Cancel() {
	s.doneOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		abort := s.abort
		s.mu.Unlock()
		if abort != nil {
			abort()
		}
	})
}

// Canceled reports whether Cancel has been called.
func (s *Session) Canceled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

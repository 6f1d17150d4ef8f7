// Package session tracks bridge sessions: one SSE client paired with one
// child process, each with an ordered outbound queue.
package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"mcpbridge/internal/envelope"
	"mcpbridge/internal/errors"
)

// DefaultQueueSize is the outbound queue capacity per session.
const DefaultQueueSize = 256

// State is a session lifecycle state.
type State int32

const (
	Created State = iota
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session is one client/child pairing.
type Session struct {
	ID        string
	CreatedAt time.Time

	state    atomic.Int32
	outbound chan envelope.Envelope
	done     chan struct{}

	closeOnce sync.Once
	reason    atomic.Value
}

// Info is a JSON snapshot of a session.
type Info struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	State     string    `json:"state"`
	Queued    int       `json:"queued"`
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Activate moves a created session to active.
func (s *Session) Activate() bool {
	return s.state.CompareAndSwap(int32(Created), int32(Active))
}

// BeginClosing moves the session to closing and records why. It reports
// whether this call performed the transition.
func (s *Session) BeginClosing(reason string) bool {
	for {
		cur := s.state.Load()
		if cur >= int32(Closing) {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(Closing)) {
			s.reason.Store(reason)
			return true
		}
	}
}

// CloseReason returns the reason given to BeginClosing.
func (s *Session) CloseReason() string {
	r, _ := s.reason.Load().(string)
	return r
}

// Accepting reports whether submissions may still be routed to the session.
func (s *Session) Accepting() bool {
	return s.State() == Active
}

// Enqueue appends env to the outbound queue, blocking while it is full.
func (s *Session) Enqueue(ctx context.Context, env envelope.Envelope) error {
	select {
	case <-s.done:
		return errors.ErrSessionClosed
	default:
	}
	select {
	case s.outbound <- env:
		return nil
	case <-s.done:
		return errors.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outbound is drained by the SSE stream in arrival order.
func (s *Session) Outbound() <-chan envelope.Envelope {
	return s.outbound
}

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// markClosed moves the session to Closed and discards undelivered messages.
func (s *Session) markClosed() int {
	discarded := 0
	s.closeOnce.Do(func() {
		s.state.Store(int32(Closed))
		close(s.done)
		for {
			select {
			case <-s.outbound:
				discarded++
			default:
				return
			}
		}
	})
	return discarded
}

// Info returns a snapshot.
func (s *Session) Info() Info {
	return Info{ID: s.ID, CreatedAt: s.CreatedAt, State: s.State().String(), Queued: len(s.outbound)}
}

// Registry maps session ids to sessions.
type Registry struct {
	log       zerolog.Logger
	queueSize int

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry. queueSize <= 0 selects
// DefaultQueueSize.
func NewRegistry(log zerolog.Logger, queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Registry{log: log, queueSize: queueSize, sessions: map[string]*Session{}}
}

// NewID returns an unguessable session id.
func NewID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// Create registers a new session in the Created state.
func (r *Registry) Create() *Session {
	s := &Session{
		ID:        NewID(),
		CreatedAt: time.Now().UTC(),
		outbound:  make(chan envelope.Envelope, r.queueSize),
		done:      make(chan struct{}),
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	r.log.Debug().Str("session", s.ID).Msg("session created")
	return s
}

// Get returns the session with id. Unknown ids and sessions that no longer
// accept submissions yield SessionNotFoundError.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || !s.Accepting() {
		return nil, &errors.SessionNotFoundError{ID: id}
	}
	return s, nil
}

// Lookup returns the session with id regardless of its state.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove marks the session closed, discards its queue and forgets it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.BeginClosing("removed")
	if n := s.markClosed(); n > 0 {
		r.log.Debug().Str("session", id).Int("discarded", n).Msg("undelivered messages discarded")
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns session snapshots ordered by creation time.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// All returns the registered sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

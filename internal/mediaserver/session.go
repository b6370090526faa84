package mediaserver

import (
	"slices"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"castkeeper/internal/observability"
)

type SessionState string

const (
	SessionOpening SessionState = "opening"
	SessionServing SessionState = "serving"
	SessionClosed  SessionState = "closed"
	SessionErrored SessionState = "errored"
)

// Session records one live HTTP delivery of a published file.
type Session struct {
	ID          uuid.UUID
	Token       string
	Path        string
	ClientIP    string
	State       SessionState
	BytesServed int64
	OpenedAt    time.Time
	FirstByteAt time.Time
	LastByteAt  time.Time
}

// SessionRegistry tracks sessions for the lifetime of the server; closed
// sessions are kept until pruned so operators can inspect recent activity.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[uuid.UUID]*Session)}
}

func (r *SessionRegistry) Open(token, path, clientIP string) *Session {
	id, err := uuid.NewV7()
	if err != nil {
		// v7 generation only fails when the entropy source does
		id = uuid.Must(uuid.NewV4())
	}

	s := &Session{
		ID:       id,
		Token:    token,
		Path:     path,
		ClientIP: clientIP,
		State:    SessionOpening,
		OpenedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	observability.ActiveSessions.Inc()
	return s
}

// Record accounts n freshly transmitted body bytes to the session.
func (r *SessionRegistry) Record(s *Session, n int) {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if s.State == SessionOpening {
		s.State = SessionServing
		s.FirstByteAt = now
	}
	s.BytesServed += int64(n)
	s.LastByteAt = now
}

func (r *SessionRegistry) Close(s *Session, state SessionState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.State == SessionClosed || s.State == SessionErrored {
		return
	}
	s.State = state
	observability.ActiveSessions.Dec()
}

// CloseOpen force-closes every session still transmitting; used when the
// drain timeout expires and remaining connections are severed.
func (r *SessionRegistry) CloseOpen(state SessionState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.State == SessionOpening || s.State == SessionServing {
			s.State = state
			observability.ActiveSessions.Dec()
		}
	}
}

// List returns session snapshots, newest first.
func (r *SessionRegistry) List() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b Session) int {
		return b.OpenedAt.Compare(a.OpenedAt)
	})
	return out
}

// Prune drops closed sessions older than keep.
func (r *SessionRegistry) Prune(keep time.Duration) {
	cutoff := time.Now().UTC().Add(-keep)

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		if (s.State == SessionClosed || s.State == SessionErrored) && s.OpenedAt.Before(cutoff) {
			delete(r.sessions, id)
		}
	}
}

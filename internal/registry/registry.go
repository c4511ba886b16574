// Package registry tracks live authenticated connections. It is the fast
// path for local fan-out: user identity -> open sessions.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Evian1k/sparkmatch/internal/domain"
)

type SessionID string

// Sender is the transport endpoint of one session. Owned by the adapter; the
// adapter must Close() it.
type Sender interface {
	TrySend(data []byte) error
	Close()
}

// Session is one authenticated live connection. A user may hold several at
// once (multi-device).
type Session struct {
	ID            SessionID
	User          domain.UserID
	Conn          Sender
	EstablishedAt time.Time

	lastActivity atomic.Int64
	cancel       context.CancelFunc
}

func (s *Session) Touch(t time.Time) {
	s.lastActivity.Store(t.UnixNano())
}

func (s *Session) LastActivityAt() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Cancel stops the session's pump goroutines.
func (s *Session) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Registry is internally serialized; only the lifecycle handler and the event
// router mutate it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[SessionID]*Session
	byUser   map[domain.UserID]map[SessionID]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[SessionID]*Session),
		byUser:   make(map[domain.UserID]map[SessionID]*Session),
	}
}

func (r *Registry) Register(uid domain.UserID, conn Sender, cancel context.CancelFunc) *Session {
	now := time.Now()
	s := &Session{
		ID:            SessionID(uuid.NewString()),
		User:          uid,
		Conn:          conn,
		EstablishedAt: now,
		cancel:        cancel,
	}
	s.Touch(now)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	if r.byUser[uid] == nil {
		r.byUser[uid] = make(map[SessionID]*Session)
	}
	r.byUser[uid][s.ID] = s
	log.Info().Str("module", "registry").Str("sid", string(s.ID)).Str("user", string(uid)).Msg("session registered")
	return s
}

// Unregister removes the session and reports how many sessions the user
// still holds. ok is false if the session was already gone.
func (r *Registry) Unregister(sid SessionID) (sess *Session, remaining int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok = r.sessions[sid]
	if !ok {
		return nil, 0, false
	}
	delete(r.sessions, sid)
	if set := r.byUser[sess.User]; set != nil {
		delete(set, sid)
		remaining = len(set)
		if remaining == 0 {
			delete(r.byUser, sess.User)
		}
	}
	log.Info().Str("module", "registry").Str("sid", string(sid)).Str("user", string(sess.User)).Int("remaining", remaining).Msg("session unregistered")
	return sess, remaining, true
}

func (r *Registry) Get(sid SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sid]
	return s, ok
}

func (r *Registry) SessionsOf(uid domain.UserID) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[uid]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

func (r *Registry) IsConnected(uid domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[uid]) > 0
}

// SendToUser delivers data to every session of uid and returns how many
// accepted it. Backpressured sessions drop the frame.
func (r *Registry) SendToUser(uid domain.UserID, data []byte) int {
	sent := 0
	for _, s := range r.SessionsOf(uid) {
		if err := s.Conn.TrySend(data); err != nil {
			log.Warn().Str("module", "registry").Str("sid", string(s.ID)).Str("user", string(uid)).Err(err).Msg("send dropped")
			continue
		}
		sent++
	}
	return sent
}

// Stale returns sessions whose last activity is before cutoff. The lifecycle
// sweep treats them as abandoned disconnects.
func (r *Registry) Stale(cutoff time.Time) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.LastActivityAt().Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// CloseAll cancels and closes every live session, used during shutdown so
// the server does not wait out its drain timeout on idle sockets.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		s.Cancel()
		s.Conn.Close()
	}
	log.Info().Str("module", "registry").Int("count", len(all)).Msg("all sessions closed")
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Package call drives voice/video call sessions through the
// ringing -> connected -> terminal state machine, including the ring timeout.
//
// Every transition runs under the manager lock with a current-state check, so
// the ring timer firing concurrently with answer/decline/end resolves to
// exactly one winner.
package call

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Evian1k/sparkmatch/internal/domain"
)

var (
	ErrAlreadyInCall = errors.New("party already in an active call")
	ErrNotFound      = errors.New("call not found")
	ErrNotAuthorized = errors.New("not permitted for this call")
	ErrBadState      = errors.New("call is not in a state that allows this")
)

const EndReasonTimeout = "timeout"

// TimeoutFunc is invoked (outside the manager lock) when a ringing call
// expires to missed.
type TimeoutFunc func(domain.CallSession)

type entry struct {
	sess  domain.CallSession
	timer *time.Timer
}

type Manager struct {
	mu     sync.Mutex
	calls  map[domain.CallID]*entry
	active map[domain.UserID]domain.CallID

	ringTimeout time.Duration
	onTimeout   TimeoutFunc
	now         func() time.Time
}

func NewManager(ringTimeout time.Duration, onTimeout TimeoutFunc) *Manager {
	return &Manager{
		calls:       make(map[domain.CallID]*entry),
		active:      make(map[domain.UserID]domain.CallID),
		ringTimeout: ringTimeout,
		onTimeout:   onTimeout,
		now:         time.Now,
	}
}

// SetTimeoutHandler wires the ring-expiry callback. Call during startup,
// before any call is initiated.
func (m *Manager) SetTimeoutHandler(fn TimeoutFunc) {
	m.mu.Lock()
	m.onTimeout = fn
	m.mu.Unlock()
}

// Initiate creates a ringing session and arms the ring timer. Rejected if
// either party already has an active (ringing|connected) call.
func (m *Manager) Initiate(caller, recipient domain.UserID, kind domain.CallKind) (domain.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.active[caller]; busy {
		return domain.CallSession{}, ErrAlreadyInCall
	}
	if _, busy := m.active[recipient]; busy {
		return domain.CallSession{}, ErrAlreadyInCall
	}

	id := domain.CallID(uuid.NewString())
	e := &entry{
		sess: domain.CallSession{
			ID:        id,
			Caller:    caller,
			Recipient: recipient,
			Kind:      kind,
			State:     domain.CallRinging,
			CreatedAt: m.now(),
		},
	}
	e.timer = time.AfterFunc(m.ringTimeout, func() { m.expire(id) })
	m.calls[id] = e
	m.active[caller] = id
	m.active[recipient] = id

	log.Info().Str("module", "call").Str("call", string(id)).Str("caller", string(caller)).Str("recipient", string(recipient)).Str("kind", string(kind)).Msg("call ringing")
	return e.sess, nil
}

// expire is the ring timer callback. The state check under the lock is the
// race guard: if answer/decline/end already won, the timer is a no-op.
func (m *Manager) expire(id domain.CallID) {
	m.mu.Lock()
	e, ok := m.calls[id]
	if !ok || e.sess.State != domain.CallRinging {
		m.mu.Unlock()
		return
	}
	e.sess.State = domain.CallMissed
	e.sess.EndedAt = m.now()
	e.sess.EndReason = EndReasonTimeout
	snap := e.sess
	m.removeLocked(id, e)
	fn := m.onTimeout
	m.mu.Unlock()

	log.Info().Str("module", "call").Str("call", string(id)).Msg("call missed (ring timeout)")
	if fn != nil {
		fn(snap)
	}
}

// Answer transitions ringing -> connected. Only the declared recipient may
// answer.
func (m *Manager) Answer(id domain.CallID, by domain.UserID) (domain.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.calls[id]
	if !ok {
		return domain.CallSession{}, ErrNotFound
	}
	if by != e.sess.Recipient {
		return domain.CallSession{}, ErrNotAuthorized
	}
	if e.sess.State != domain.CallRinging {
		return domain.CallSession{}, ErrBadState
	}
	e.timer.Stop()
	e.sess.State = domain.CallConnected
	e.sess.AnsweredAt = m.now()
	log.Info().Str("module", "call").Str("call", string(id)).Msg("call connected")
	return e.sess, nil
}

// Decline transitions ringing -> declined. Recipient only.
func (m *Manager) Decline(id domain.CallID, by domain.UserID) (domain.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.calls[id]
	if !ok {
		return domain.CallSession{}, ErrNotFound
	}
	if by != e.sess.Recipient {
		return domain.CallSession{}, ErrNotAuthorized
	}
	if e.sess.State != domain.CallRinging {
		return domain.CallSession{}, ErrBadState
	}
	e.timer.Stop()
	e.sess.State = domain.CallDeclined
	e.sess.EndedAt = m.now()
	snap := e.sess
	m.removeLocked(id, e)
	log.Info().Str("module", "call").Str("call", string(id)).Msg("call declined")
	return snap, nil
}

// End transitions ringing|connected -> ended. Callable by either party and
// idempotent: ending a call that is already gone reports ended=false.
func (m *Manager) End(id domain.CallID, by domain.UserID, reason string) (snap domain.CallSession, ended bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.calls[id]
	if !ok {
		return domain.CallSession{}, false, nil
	}
	if e.sess.Counterpart(by) == "" {
		return domain.CallSession{}, false, ErrNotAuthorized
	}
	e.timer.Stop()
	e.sess.State = domain.CallEnded
	e.sess.EndedAt = m.now()
	e.sess.EndReason = reason
	snap = e.sess
	m.removeLocked(id, e)
	log.Info().Str("module", "call").Str("call", string(id)).Str("reason", reason).Int("duration", snap.Duration()).Msg("call ended")
	return snap, true, nil
}

// EndAllFor tears down every active call uid participates in, used by the
// disconnect path. A ringing call the recipient abandons counts as missed;
// everything else ends.
func (m *Manager) EndAllFor(uid domain.UserID, reason string) []domain.CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.active[uid]
	if !ok {
		return nil
	}
	e := m.calls[id]
	e.timer.Stop()
	if e.sess.State == domain.CallRinging && uid == e.sess.Recipient {
		e.sess.State = domain.CallMissed
	} else {
		e.sess.State = domain.CallEnded
	}
	e.sess.EndedAt = m.now()
	e.sess.EndReason = reason
	snap := e.sess
	m.removeLocked(id, e)
	log.Info().Str("module", "call").Str("call", string(id)).Str("user", string(uid)).Str("reason", reason).Msg("call torn down")
	return []domain.CallSession{snap}
}

// Get returns a snapshot of an active call.
func (m *Manager) Get(id domain.CallID) (domain.CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.calls[id]
	if !ok {
		return domain.CallSession{}, false
	}
	return e.sess, true
}

// ActiveCallOf returns the call currently occupying uid, if any.
func (m *Manager) ActiveCallOf(uid domain.UserID) (domain.CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.active[uid]
	if !ok {
		return domain.CallSession{}, false
	}
	return m.calls[id].sess, true
}

func (m *Manager) removeLocked(id domain.CallID, e *entry) {
	delete(m.calls, id)
	if m.active[e.sess.Caller] == id {
		delete(m.active, e.sess.Caller)
	}
	if m.active[e.sess.Recipient] == id {
		delete(m.active, e.sess.Recipient)
	}
}

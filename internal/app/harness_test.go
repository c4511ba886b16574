package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	authpkg "github.com/Evian1k/sparkmatch/internal/auth"
	"github.com/Evian1k/sparkmatch/internal/call"
	"github.com/Evian1k/sparkmatch/internal/domain"
	"github.com/Evian1k/sparkmatch/internal/presence"
	"github.com/Evian1k/sparkmatch/internal/registry"
	"github.com/Evian1k/sparkmatch/internal/rooms"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeConn) TrySend(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) events(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.frames))
	for _, frame := range f.frames {
		var m map[string]any
		if err := json.Unmarshal(frame, &m); err != nil {
			t.Fatalf("bad frame %q: %v", frame, err)
		}
		out = append(out, m)
	}
	return out
}

func (f *fakeConn) ofType(t *testing.T, typ string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, e := range f.events(t) {
		if e["type"] == typ {
			out = append(out, e)
		}
	}
	return out
}

// waitFor polls for an event of the given type; timers deliver out of band.
func (f *fakeConn) waitFor(t *testing.T, typ string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := f.ofType(t, typ); len(got) > 0 {
			return got[0]
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no %q event within %v; saw %v", typ, timeout, f.events(t))
	return nil
}

type fakeAuthorizer struct {
	mu      sync.Mutex
	allowed map[domain.RoomID][]domain.UserID
}

func (f *fakeAuthorizer) allow(roomID domain.RoomID, users ...domain.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowed[roomID] = append(f.allowed[roomID], users...)
}

func (f *fakeAuthorizer) IsMember(_ context.Context, roomID domain.RoomID, uid domain.UserID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.allowed[roomID] {
		if u == uid {
			return true, nil
		}
	}
	return false, nil
}

type fakeMessages struct {
	mu   sync.Mutex
	rows []domain.Message
	err  error
}

func (f *fakeMessages) Append(_ context.Context, msg domain.Message) (domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Message{}, f.err
	}
	f.rows = append(f.rows, msg)
	return msg, nil
}

func (f *fakeMessages) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeMatches struct {
	mutuals map[domain.UserID][]domain.UserID
}

func (f *fakeMatches) MutualsOf(_ context.Context, uid domain.UserID) ([]domain.UserID, error) {
	return f.mutuals[uid], nil
}

// memPresence implements presence.Store and presence.Relay in memory. A
// Publish is delivered synchronously to the subscribed instance's handler.
type memPresence struct {
	mu       sync.Mutex
	recs     map[domain.UserID]presence.Record
	routes   map[domain.CallID]string
	handlers map[string]func([]byte)
}

func newMemPresence() *memPresence {
	return &memPresence{
		recs:     make(map[domain.UserID]presence.Record),
		routes:   make(map[domain.CallID]string),
		handlers: make(map[string]func([]byte)),
	}
}

func (p *memPresence) Heartbeat(_ context.Context, rec presence.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recs[rec.UserID] = rec
	return nil
}

func (p *memPresence) Remove(_ context.Context, uid domain.UserID, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.recs[uid]; ok && rec.SessionID == sessionID {
		delete(p.recs, uid)
	}
	return nil
}

func (p *memPresence) Lookup(_ context.Context, uid domain.UserID) (presence.Record, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.recs[uid]
	return rec, ok, nil
}

func (p *memPresence) RecordCall(_ context.Context, id domain.CallID, instance string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[id] = instance
	return nil
}

func (p *memPresence) LookupCall(_ context.Context, id domain.CallID) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	instance, ok := p.routes[id]
	return instance, ok, nil
}

func (p *memPresence) RemoveCall(_ context.Context, id domain.CallID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.routes, id)
	return nil
}

func (p *memPresence) hasRoute(id domain.CallID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.routes[id]
	return ok
}

func (p *memPresence) Publish(_ context.Context, instance string, data []byte) error {
	p.mu.Lock()
	handler := p.handlers[instance]
	p.mu.Unlock()
	if handler != nil {
		handler(data)
	}
	return nil
}

func (p *memPresence) Subscribe(ctx context.Context, instance string, handler func([]byte)) error {
	p.mu.Lock()
	p.handlers[instance] = handler
	p.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (p *memPresence) has(uid domain.UserID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.recs[uid]
	return ok
}

// fakeVerifier treats the token as the user id; "bad" is rejected.
type fakeVerifier struct{}

func (fakeVerifier) Verify(token string) (domain.UserID, error) {
	if token == "" || token == "bad" {
		return "", authpkg.ErrInvalidToken
	}
	return domain.UserID(token), nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	t *testing.T

	reg       *registry.Registry
	rooms     *rooms.Manager
	calls     *call.Manager
	router    *Router
	lifecycle *Lifecycle

	pres    *memPresence
	msgs    *fakeMessages
	auth    *fakeAuthorizer
	matches *fakeMatches
}

func newHarness(t *testing.T, instance string, pres *memPresence, ringTimeout time.Duration) *harness {
	t.Helper()
	if pres == nil {
		pres = newMemPresence()
	}

	h := &harness{
		t:       t,
		reg:     registry.NewRegistry(),
		pres:    pres,
		msgs:    &fakeMessages{},
		auth:    &fakeAuthorizer{allowed: make(map[domain.RoomID][]domain.UserID)},
		matches: &fakeMatches{mutuals: make(map[domain.UserID][]domain.UserID)},
	}
	h.rooms = rooms.NewManager(h.auth)
	h.calls = call.NewManager(ringTimeout, nil)
	h.router = NewRouter(h.reg, h.rooms, h.calls, pres, pres, h.msgs, nil, instance)
	h.calls.SetTimeoutHandler(h.router.OnCallTimeout)
	h.lifecycle = NewLifecycle(fakeVerifier{}, h.reg, h.rooms, h.calls, pres, h.matches, h.router, instance, time.Hour)
	return h
}

func (h *harness) connect(user string) (*registry.Session, *fakeConn) {
	h.t.Helper()
	conn := &fakeConn{}
	sess, err := h.lifecycle.OnConnect(context.Background(), conn, user, func() {})
	if err != nil {
		h.t.Fatalf("connect %s: %v", user, err)
	}
	return sess, conn
}

func (h *harness) dispatch(sess *registry.Session, v any) {
	h.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		h.t.Fatalf("marshal: %v", err)
	}
	h.router.Dispatch(context.Background(), sess, data)
}

func (h *harness) join(sess *registry.Session, roomID domain.RoomID) {
	h.t.Helper()
	h.dispatch(sess, map[string]any{"type": "join_room", "room_id": roomID})
	if !h.rooms.Contains(roomID, sess.User) {
		h.t.Fatalf("%s failed to join %s", sess.User, roomID)
	}
}

// Package rooms tracks which users are subscribed to which fan-out channel.
// Mutations on one room are serialized by a per-room lock; different rooms
// proceed in parallel.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Evian1k/sparkmatch/internal/domain"
)

var ErrNotAuthorized = errors.New("not authorized for room")

// Authorizer is the conversation-ownership collaborator. Join consults it
// before any state mutation.
type Authorizer interface {
	IsMember(ctx context.Context, roomID domain.RoomID, uid domain.UserID) (bool, error)
}

type room struct {
	mu      sync.Mutex
	members map[domain.UserID]struct{}
	// dead marks a room that emptied and is being removed from the map; a
	// concurrent Join that observes it retries against a fresh entry.
	dead bool
}

type Manager struct {
	auth  Authorizer
	mu    sync.RWMutex
	rooms map[domain.RoomID]*room
}

func NewManager(auth Authorizer) *Manager {
	return &Manager{
		auth:  auth,
		rooms: make(map[domain.RoomID]*room),
	}
}

// Join subscribes uid to roomID. Idempotent; rejects non-members before
// touching any state.
func (m *Manager) Join(ctx context.Context, roomID domain.RoomID, uid domain.UserID) error {
	ok, err := m.auth.IsMember(ctx, roomID, uid)
	if err != nil {
		return fmt.Errorf("membership lookup: %w", err)
	}
	if !ok {
		return ErrNotAuthorized
	}

	for {
		rm := m.getOrCreate(roomID)
		rm.mu.Lock()
		if rm.dead {
			rm.mu.Unlock()
			continue
		}
		rm.members[uid] = struct{}{}
		rm.mu.Unlock()
		log.Debug().Str("module", "rooms").Str("room", string(roomID)).Str("user", string(uid)).Msg("joined")
		return nil
	}
}

// Leave is safe when uid was never a member. An emptied room is garbage
// collected.
func (m *Manager) Leave(roomID domain.RoomID, uid domain.UserID) {
	m.mu.RLock()
	rm := m.rooms[roomID]
	m.mu.RUnlock()
	if rm == nil {
		return
	}

	rm.mu.Lock()
	delete(rm.members, uid)
	empty := len(rm.members) == 0
	if empty {
		rm.dead = true
	}
	rm.mu.Unlock()

	if empty {
		m.drop(roomID, rm)
	}
}

// LeaveAll removes uid from every room it belongs to and returns, per room
// left, the members that remain (the set to notify).
func (m *Manager) LeaveAll(uid domain.UserID) map[domain.RoomID][]domain.UserID {
	m.mu.RLock()
	candidates := make(map[domain.RoomID]*room, len(m.rooms))
	for id, rm := range m.rooms {
		candidates[id] = rm
	}
	m.mu.RUnlock()

	out := make(map[domain.RoomID][]domain.UserID)
	for id, rm := range candidates {
		rm.mu.Lock()
		if _, in := rm.members[uid]; !in {
			rm.mu.Unlock()
			continue
		}
		delete(rm.members, uid)
		rest := membersLocked(rm)
		empty := len(rm.members) == 0
		if empty {
			rm.dead = true
		}
		rm.mu.Unlock()

		out[id] = rest
		if empty {
			m.drop(id, rm)
		}
	}
	return out
}

// MembersOf returns a consistent snapshot of the membership set.
func (m *Manager) MembersOf(roomID domain.RoomID) []domain.UserID {
	m.mu.RLock()
	rm := m.rooms[roomID]
	m.mu.RUnlock()
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return membersLocked(rm)
}

func (m *Manager) Contains(roomID domain.RoomID, uid domain.UserID) bool {
	m.mu.RLock()
	rm := m.rooms[roomID]
	m.mu.RUnlock()
	if rm == nil {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, in := rm.members[uid]
	return in
}

func (m *Manager) getOrCreate(roomID domain.RoomID) *room {
	m.mu.RLock()
	rm, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if ok {
		return rm
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rm, ok = m.rooms[roomID]; ok {
		return rm
	}
	rm = &room{members: make(map[domain.UserID]struct{})}
	m.rooms[roomID] = rm
	return rm
}

func (m *Manager) drop(roomID domain.RoomID, rm *room) {
	m.mu.Lock()
	if cur := m.rooms[roomID]; cur == rm {
		delete(m.rooms, roomID)
	}
	m.mu.Unlock()
	log.Debug().Str("module", "rooms").Str("room", string(roomID)).Msg("room gc")
}

func membersLocked(rm *room) []domain.UserID {
	out := make([]domain.UserID, 0, len(rm.members))
	for u := range rm.members {
		out = append(out, u)
	}
	return out
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Evian1k/sparkmatch/internal/domain"
	"github.com/Evian1k/sparkmatch/internal/event"
	"github.com/Evian1k/sparkmatch/internal/registry"
	"github.com/Evian1k/sparkmatch/internal/rooms"
)

func (r *Router) handleJoinRoom(ctx context.Context, sess *registry.Session, data []byte) {
	var p event.JoinRoom
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		r.sendError(sess, event.NewError(event.CodeBadPayload, "bad join payload"))
		return
	}

	if err := r.rooms.Join(ctx, p.RoomID, sess.User); err != nil {
		if errors.Is(err, rooms.ErrNotAuthorized) {
			r.sendError(sess, event.NewError(event.CodeNotAuthorized, "not a member of this conversation"))
			return
		}
		log.Error().Str("module", "router").Str("room", string(p.RoomID)).Err(err).Msg("join failed")
		r.sendError(sess, event.NewRetryableError(event.CodePersistFailed, "membership lookup unavailable"))
		return
	}

	log.Info().Str("module", "router").Str("room", string(p.RoomID)).Str("user", string(sess.User)).Msg("join room")
	r.sendJSON(sess, event.JoinedRoom{
		Type:    event.TypeJoinedRoom,
		RoomID:  p.RoomID,
		Members: r.rooms.MembersOf(p.RoomID),
	})
}

func (r *Router) handleLeaveRoom(ctx context.Context, sess *registry.Session, data []byte) {
	var p event.LeaveRoom
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		r.sendError(sess, event.NewError(event.CodeBadPayload, "bad leave payload"))
		return
	}

	r.rooms.Leave(p.RoomID, sess.User)
	log.Info().Str("module", "router").Str("room", string(p.RoomID)).Str("user", string(sess.User)).Msg("leave room")

	note := event.LeftRoom{Type: event.TypeLeftRoom, RoomID: p.RoomID, UserID: sess.User}
	r.fanOutRoom(ctx, p.RoomID, sess.User, note)
	r.sendJSON(sess, note)
}

func (r *Router) handleSendMessage(ctx context.Context, sess *registry.Session, data []byte) {
	var p event.SendMessage
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		r.sendError(sess, event.NewError(event.CodeBadPayload, "bad message payload"))
		return
	}
	if p.Content == "" || len(p.Content) > domain.MaxMessageLen || !p.MessageType.Valid() {
		r.sendError(sess, event.NewError(event.CodeBadPayload, "invalid message content"))
		return
	}
	if !r.rooms.Contains(p.RoomID, sess.User) {
		r.sendError(sess, event.NewError(event.CodeNotAuthorized, "not in this room"))
		return
	}

	msg := domain.Message{
		ID:      uuid.NewString(),
		RoomID:  p.RoomID,
		Sender:  sess.User,
		Content: p.Content,
		Type:    p.MessageType,
		SentAt:  time.Now(),
	}

	// Persist first; a failure here must block fan-out entirely.
	stored, err := r.messages.Append(ctx, msg)
	if err != nil {
		log.Error().Str("module", "router").Str("room", string(p.RoomID)).Err(err).Msg("message persist failed")
		r.sendError(sess, event.NewRetryableError(event.CodePersistFailed, "message not saved, retry"))
		return
	}

	r.fanOutRoom(ctx, p.RoomID, sess.User, event.NewMessage{Type: event.TypeNewMessage, Message: stored})
}

func (r *Router) handleTyping(ctx context.Context, sess *registry.Session, data []byte) {
	var p event.Typing
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		r.sendError(sess, event.NewError(event.CodeBadPayload, "bad typing payload"))
		return
	}
	if !r.rooms.Contains(p.RoomID, sess.User) {
		r.sendError(sess, event.NewError(event.CodeNotAuthorized, "not in this room"))
		return
	}

	r.fanOutRoom(ctx, p.RoomID, sess.User, event.UserTyping{
		Type:     event.TypeUserTyping,
		RoomID:   p.RoomID,
		UserID:   sess.User,
		IsTyping: p.IsTyping,
	})
}

func (r *Router) handleReact(ctx context.Context, sess *registry.Session, data []byte) {
	var p event.React
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" || p.MessageID == "" {
		r.sendError(sess, event.NewError(event.CodeBadPayload, "bad reaction payload"))
		return
	}
	if !r.rooms.Contains(p.RoomID, sess.User) {
		r.sendError(sess, event.NewError(event.CodeNotAuthorized, "not in this room"))
		return
	}

	r.fanOutRoom(ctx, p.RoomID, sess.User, event.MessageReaction{
		Type:      event.TypeMessageReaction,
		RoomID:    p.RoomID,
		MessageID: p.MessageID,
		UserID:    sess.User,
		Reaction:  p.Reaction,
	})
}

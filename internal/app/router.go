package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Evian1k/sparkmatch/internal/call"
	"github.com/Evian1k/sparkmatch/internal/domain"
	"github.com/Evian1k/sparkmatch/internal/event"
	"github.com/Evian1k/sparkmatch/internal/presence"
	"github.com/Evian1k/sparkmatch/internal/registry"
	"github.com/Evian1k/sparkmatch/internal/rooms"
)

// Router validates inbound events against room membership and call state,
// then fans the result out. Delivery is best effort: recipients that are
// neither locally connected nor present anywhere are dropped silently.
type Router struct {
	registry *registry.Registry
	rooms    *rooms.Manager
	calls    *call.Manager
	presence presence.Store
	relay    presence.Relay
	messages MessageStore
	limiter  *RateLimiter
	instance string
}

func NewRouter(
	reg *registry.Registry,
	rms *rooms.Manager,
	calls *call.Manager,
	store presence.Store,
	relay presence.Relay,
	messages MessageStore,
	limiter *RateLimiter,
	instance string,
) *Router {
	return &Router{
		registry: reg,
		rooms:    rms,
		calls:    calls,
		presence: store,
		relay:    relay,
		messages: messages,
		limiter:  limiter,
		instance: instance,
	}
}

// replyFunc returns one event to whichever path the triggering frame came in
// on: the local session for connected clients, the relay for frames forwarded
// from another instance.
type replyFunc func(v any)

// Dispatch handles one frame from a connection. Events from a single sender
// are dispatched on the sender's read loop, so per-recipient delivery order
// follows send order.
func (r *Router) Dispatch(ctx context.Context, sess *registry.Session, data []byte) {
	sess.Touch(time.Now())

	t, err := event.Peek(data)
	if err != nil {
		r.sendError(sess, event.NewError(event.CodeBadPayload, "malformed event"))
		return
	}

	if r.limiter != nil && !r.limiter.Allow(sess.User) {
		r.sendError(sess, event.NewRetryableError(event.CodeRateLimited, "too many events"))
		return
	}

	reply := func(v any) { r.sendJSON(sess, v) }

	switch t {
	case event.TypeJoinRoom:
		r.handleJoinRoom(ctx, sess, data)
	case event.TypeLeaveRoom:
		r.handleLeaveRoom(ctx, sess, data)
	case event.TypeSendMessage:
		r.handleSendMessage(ctx, sess, data)
	case event.TypeTyping:
		r.handleTyping(ctx, sess, data)
	case event.TypeReact:
		r.handleReact(ctx, sess, data)
	case event.TypeCallInitiate:
		r.handleCallInitiate(ctx, sess.User, reply, data)
	case event.TypeCallAnswer:
		r.handleCallAnswer(ctx, sess.User, reply, data)
	case event.TypeCallDecline:
		r.handleCallDecline(ctx, sess.User, reply, data)
	case event.TypeCallEnd:
		r.handleCallEnd(ctx, sess.User, reply, data)
	case event.TypeCallOffer, event.TypeCallAnswerSDP, event.TypeCallCandidate:
		r.handleCallSignal(ctx, sess.User, reply, t, data)
	case event.TypePing:
		r.handlePing(ctx, sess)
	default:
		log.Warn().Str("module", "router").Str("type", string(t)).Msg("unknown event type")
		r.sendError(sess, event.NewError(event.CodeBadPayload, "unknown event type"))
	}
}

// DeliverToUser routes one outbound event to uid: local sessions first, then
// the presence store to find the owning instance, otherwise dropped. Also the
// broadcast hook for out-of-band producers (e.g. the matching service).
func (r *Router) DeliverToUser(ctx context.Context, uid domain.UserID, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Str("module", "router").Err(err).Msg("marshal outbound event")
		return
	}
	r.deliverRaw(ctx, uid, data)
}

func (r *Router) deliverRaw(ctx context.Context, uid domain.UserID, data []byte) {
	if r.registry.SendToUser(uid, data) > 0 {
		return
	}

	rec, found, err := r.presence.Lookup(ctx, uid)
	if err != nil {
		// Presence store unreachable: assume unreachable, never block.
		log.Warn().Str("module", "router").Str("user", string(uid)).Err(err).Msg("presence lookup failed, dropping event")
		return
	}
	if !found || rec.Instance == r.instance {
		log.Debug().Str("module", "router").Str("user", string(uid)).Msg("recipient unreachable, dropping event")
		return
	}

	env := relayEnvelope{Target: uid, Data: data}
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := r.relay.Publish(ctx, rec.Instance, payload); err != nil {
		log.Warn().Str("module", "router").Str("user", string(uid)).Str("instance", rec.Instance).Err(err).Msg("relay publish failed")
	}
}

// fanOutRoom delivers v to every member of roomID except sender.
func (r *Router) fanOutRoom(ctx context.Context, roomID domain.RoomID, sender domain.UserID, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Str("module", "router").Err(err).Msg("marshal fan-out event")
		return
	}
	for _, member := range r.rooms.MembersOf(roomID) {
		if member == sender {
			continue
		}
		r.deliverRaw(ctx, member, data)
	}
}

func (r *Router) sendJSON(sess *registry.Session, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Str("module", "router").Err(err).Msg("marshal reply")
		return
	}
	_ = sess.Conn.TrySend(data)
}

func (r *Router) sendError(sess *registry.Session, e event.Error) {
	r.sendJSON(sess, e)
}

func (r *Router) handlePing(ctx context.Context, sess *registry.Session) {
	// The keep-alive doubles as the presence TTL refresh.
	rec := presence.Record{
		UserID:     sess.User,
		SessionID:  string(sess.ID),
		Instance:   r.instance,
		LastSeenAt: time.Now(),
	}
	if err := r.presence.Heartbeat(ctx, rec); err != nil {
		log.Warn().Str("module", "router").Str("user", string(sess.User)).Err(err).Msg("presence heartbeat failed")
	}
	r.sendJSON(sess, event.Pong{Type: event.TypePong})
}

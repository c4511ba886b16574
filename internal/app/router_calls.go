package app

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/Evian1k/sparkmatch/internal/call"
	"github.com/Evian1k/sparkmatch/internal/domain"
	"github.com/Evian1k/sparkmatch/internal/event"
)

func (r *Router) handleCallInitiate(ctx context.Context, from domain.UserID, reply replyFunc, data []byte) {
	var p event.CallInitiate
	if err := json.Unmarshal(data, &p); err != nil {
		reply(event.NewError(event.CodeBadPayload, "bad call payload"))
		return
	}
	if p.Recipient.Validate() != nil || p.Recipient == from || !p.Kind.Valid() {
		reply(event.NewError(event.CodeBadPayload, "invalid call target"))
		return
	}

	cs, err := r.calls.Initiate(from, p.Recipient, p.Kind)
	if err != nil {
		if errors.Is(err, call.ErrAlreadyInCall) {
			reply(event.NewError(event.CodeAlreadyInCall, "a party is already in a call"))
			return
		}
		reply(event.NewError(event.CodeBadPayload, "call rejected"))
		return
	}

	// Publish ownership so control events landing on another instance find
	// their way here. A write failure degrades to single-instance behavior.
	if err := r.presence.RecordCall(ctx, cs.ID, r.instance); err != nil {
		log.Warn().Str("module", "router").Str("call", string(cs.ID)).Err(err).Msg("call route write failed")
	}

	reply(event.CallInitiated{
		Type:      event.TypeCallInitiated,
		CallID:    cs.ID,
		Recipient: cs.Recipient,
		Kind:      cs.Kind,
	})
	r.DeliverToUser(ctx, cs.Recipient, event.IncomingCall{
		Type:   event.TypeIncomingCall,
		CallID: cs.ID,
		Caller: cs.Caller,
		Kind:   cs.Kind,
	})
}

func (r *Router) handleCallAnswer(ctx context.Context, from domain.UserID, reply replyFunc, data []byte) {
	var p event.CallControl
	if err := json.Unmarshal(data, &p); err != nil || p.CallID == "" {
		reply(event.NewError(event.CodeBadPayload, "bad call payload"))
		return
	}

	cs, err := r.calls.Answer(p.CallID, from)
	if err != nil {
		if errors.Is(err, call.ErrNotFound) && r.forwardCallEvent(ctx, from, p.CallID, data) {
			return
		}
		r.sendCallError(reply, err)
		return
	}

	note := event.CallAnswered{Type: event.TypeCallAnswered, CallID: cs.ID}
	r.DeliverToUser(ctx, cs.Caller, note)
	reply(note)
}

func (r *Router) handleCallDecline(ctx context.Context, from domain.UserID, reply replyFunc, data []byte) {
	var p event.CallControl
	if err := json.Unmarshal(data, &p); err != nil || p.CallID == "" {
		reply(event.NewError(event.CodeBadPayload, "bad call payload"))
		return
	}

	cs, err := r.calls.Decline(p.CallID, from)
	if err != nil {
		if errors.Is(err, call.ErrNotFound) && r.forwardCallEvent(ctx, from, p.CallID, data) {
			return
		}
		r.sendCallError(reply, err)
		return
	}

	r.dropCallRoute(ctx, cs.ID)
	r.DeliverToUser(ctx, cs.Caller, event.CallDeclined{Type: event.TypeCallDeclined, CallID: cs.ID})
}

func (r *Router) handleCallEnd(ctx context.Context, from domain.UserID, reply replyFunc, data []byte) {
	var p event.CallControl
	if err := json.Unmarshal(data, &p); err != nil || p.CallID == "" {
		reply(event.NewError(event.CodeBadPayload, "bad call payload"))
		return
	}

	cs, ended, err := r.calls.End(p.CallID, from, domain.EndReasonHangup)
	if err != nil {
		r.sendCallError(reply, err)
		return
	}
	if !ended {
		// Not owned here, or already terminal. If another instance holds
		// the live state, let it decide; otherwise idempotent no-op.
		r.forwardCallEvent(ctx, from, p.CallID, data)
		return
	}

	r.dropCallRoute(ctx, cs.ID)
	note := event.CallEnded{
		Type:     event.TypeCallEnded,
		CallID:   cs.ID,
		Reason:   cs.EndReason,
		Duration: cs.Duration(),
	}
	r.DeliverToUser(ctx, cs.Counterpart(from), note)
	reply(note)
}

// handleCallSignal relays opaque SDP/ICE payloads between the two parties.
// The payload is never inspected.
func (r *Router) handleCallSignal(ctx context.Context, from domain.UserID, reply replyFunc, t event.Type, data []byte) {
	var p event.CallSignal
	if err := json.Unmarshal(data, &p); err != nil || p.CallID == "" {
		reply(event.NewError(event.CodeBadPayload, "bad signal payload"))
		return
	}

	cs, ok := r.calls.Get(p.CallID)
	if !ok {
		if r.forwardCallEvent(ctx, from, p.CallID, data) {
			return
		}
		reply(event.NewError(event.CodeNotFound, "no such call"))
		return
	}
	other := cs.Counterpart(from)
	if other == "" {
		reply(event.NewError(event.CodeNotAuthorized, "not a party of this call"))
		return
	}

	// Offers are valid through the ringing->connected handshake; answers and
	// candidates only once connected.
	if t == event.TypeCallOffer {
		if !cs.State.Active() {
			reply(event.NewError(event.CodeNotFound, "call not available for signaling"))
			return
		}
	} else if cs.State != domain.CallConnected {
		reply(event.NewError(event.CodeNotFound, "call not available for signaling"))
		return
	}

	out := event.WebRTCSignal{
		CallID:  cs.ID,
		From:    from,
		Payload: p.Payload,
	}
	switch t {
	case event.TypeCallOffer:
		out.Type = event.TypeWebRTCOffer
	case event.TypeCallAnswerSDP:
		out.Type = event.TypeWebRTCAnswer
	case event.TypeCallCandidate:
		out.Type = event.TypeWebRTCCandidate
	}
	r.DeliverToUser(ctx, other, out)
}

// forwardCallEvent hands an inbound control frame to the instance that owns
// the call's state. Reports whether a forward actually happened.
func (r *Router) forwardCallEvent(ctx context.Context, from domain.UserID, id domain.CallID, data []byte) bool {
	instance, ok, err := r.presence.LookupCall(ctx, id)
	if err != nil {
		log.Warn().Str("module", "router").Str("call", string(id)).Err(err).Msg("call route lookup failed")
		return false
	}
	if !ok || instance == r.instance {
		return false
	}

	payload, err := json.Marshal(relayEnvelope{From: from, Data: data})
	if err != nil {
		return false
	}
	if err := r.relay.Publish(ctx, instance, payload); err != nil {
		log.Warn().Str("module", "router").Str("call", string(id)).Str("instance", instance).Err(err).Msg("call forward failed")
		return false
	}
	return true
}

func (r *Router) dropCallRoute(ctx context.Context, id domain.CallID) {
	if err := r.presence.RemoveCall(ctx, id); err != nil {
		log.Warn().Str("module", "router").Str("call", string(id)).Err(err).Msg("call route remove failed")
	}
}

// OnCallTimeout is wired as the call manager's ring-expiry callback; both
// parties hear about the missed call.
func (r *Router) OnCallTimeout(cs domain.CallSession) {
	ctx := context.Background()
	r.dropCallRoute(ctx, cs.ID)
	note := event.CallTimeout{Type: event.TypeCallTimeout, CallID: cs.ID}
	r.DeliverToUser(ctx, cs.Caller, note)
	r.DeliverToUser(ctx, cs.Recipient, note)
	log.Info().Str("module", "router").Str("call", string(cs.ID)).Msg("call timeout fanned out")
}

func (r *Router) sendCallError(reply replyFunc, err error) {
	switch {
	case errors.Is(err, call.ErrNotFound), errors.Is(err, call.ErrBadState):
		reply(event.NewError(event.CodeNotFound, "no such call"))
	case errors.Is(err, call.ErrNotAuthorized):
		reply(event.NewError(event.CodeNotAuthorized, "not permitted for this call"))
	default:
		reply(event.NewError(event.CodeBadPayload, "call rejected"))
	}
}

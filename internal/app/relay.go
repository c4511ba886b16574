package app

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/Evian1k/sparkmatch/internal/domain"
	"github.com/Evian1k/sparkmatch/internal/event"
)

// relayEnvelope is the inter-instance frame. Two shapes share it: an
// outbound delivery addressed to Target, and an inbound call-control event
// forwarded on behalf of From to the instance owning the call's state.
type relayEnvelope struct {
	Target domain.UserID   `json:"target,omitempty"`
	From   domain.UserID   `json:"from,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// RunRelay subscribes to this instance's relay channel, delivering forwarded
// events to local sessions and applying forwarded call control against the
// local call state. Blocks until ctx is done.
func (r *Router) RunRelay(ctx context.Context) error {
	return r.relay.Subscribe(ctx, r.instance, func(payload []byte) {
		var env relayEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			log.Warn().Str("module", "router").Err(err).Msg("bad relay envelope")
			return
		}
		if env.From != "" {
			r.dispatchForwarded(ctx, env.From, env.Data)
			return
		}
		if r.registry.SendToUser(env.Target, env.Data) == 0 {
			// The presence record pointed here but the session is gone;
			// the record will expire on its own.
			log.Debug().Str("module", "router").Str("user", string(env.Target)).Msg("relay target not connected")
		}
	})
}

// dispatchForwarded applies a call-control frame another instance forwarded
// here because this instance owns the call. Replies travel back through the
// normal delivery path.
func (r *Router) dispatchForwarded(ctx context.Context, from domain.UserID, data []byte) {
	t, err := event.Peek(data)
	if err != nil {
		log.Warn().Str("module", "router").Err(err).Msg("bad forwarded frame")
		return
	}

	reply := func(v any) { r.DeliverToUser(ctx, from, v) }

	switch t {
	case event.TypeCallAnswer:
		r.handleCallAnswer(ctx, from, reply, data)
	case event.TypeCallDecline:
		r.handleCallDecline(ctx, from, reply, data)
	case event.TypeCallEnd:
		r.handleCallEnd(ctx, from, reply, data)
	case event.TypeCallOffer, event.TypeCallAnswerSDP, event.TypeCallCandidate:
		r.handleCallSignal(ctx, from, reply, t, data)
	default:
		log.Warn().Str("module", "router").Str("type", string(t)).Msg("unexpected forwarded event type")
	}
}

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Evian1k/sparkmatch/internal/auth"
	"github.com/Evian1k/sparkmatch/internal/domain"
	"github.com/Evian1k/sparkmatch/internal/event"
	"github.com/Evian1k/sparkmatch/internal/presence"
	"github.com/Evian1k/sparkmatch/internal/registry"
	"github.com/Evian1k/sparkmatch/internal/rooms"
)

// Lifecycle walks a connection from credential check to full cleanup, and
// runs the staleness sweep that treats silent sessions as abandoned.
type Lifecycle struct {
	verifier auth.Verifier
	registry *registry.Registry
	rooms    *rooms.Manager
	calls    CallCleaner
	presence presence.Store
	matches  MatchDirectory
	router   *Router

	instance   string
	staleAfter time.Duration
}

// CallCleaner is the slice of the call manager the disconnect path needs.
type CallCleaner interface {
	EndAllFor(uid domain.UserID, reason string) []domain.CallSession
}

func NewLifecycle(
	verifier auth.Verifier,
	reg *registry.Registry,
	rms *rooms.Manager,
	calls CallCleaner,
	store presence.Store,
	matches MatchDirectory,
	router *Router,
	instance string,
	staleAfter time.Duration,
) *Lifecycle {
	return &Lifecycle{
		verifier:   verifier,
		registry:   reg,
		rooms:      rms,
		calls:      calls,
		presence:   store,
		matches:    matches,
		router:     router,
		instance:   instance,
		staleAfter: staleAfter,
	}
}

// OnConnect authenticates the credential, registers the session, writes the
// presence record and tells the user's mutual matches they came online. The
// caller must refuse the connection on error.
func (l *Lifecycle) OnConnect(ctx context.Context, conn registry.Sender, token string, cancel context.CancelFunc) (*registry.Session, error) {
	uid, err := l.verifier.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("verify credential: %w", err)
	}

	sess := l.registry.Register(uid, conn, cancel)

	rec := presence.Record{
		UserID:     uid,
		SessionID:  string(sess.ID),
		Instance:   l.instance,
		LastSeenAt: time.Now(),
	}
	if err := l.presence.Heartbeat(ctx, rec); err != nil {
		log.Warn().Str("module", "lifecycle").Str("user", string(uid)).Err(err).Msg("presence write failed on connect")
	}

	// One directory query per connect, then fan out.
	mutuals, err := l.matches.MutualsOf(ctx, uid)
	if err != nil {
		log.Warn().Str("module", "lifecycle").Str("user", string(uid)).Err(err).Msg("mutual match lookup failed")
	}
	online := event.UserPresence{Type: event.TypeUserOnline, UserID: uid}
	for _, m := range mutuals {
		l.router.DeliverToUser(ctx, m, online)
	}

	return sess, nil
}

// OnDisconnect tears the session down. Room membership, active calls and the
// presence record are owned per user, so they are only cleaned up when the
// last session of that user goes away.
func (l *Lifecycle) OnDisconnect(ctx context.Context, sid registry.SessionID, reason string) {
	sess, remaining, ok := l.registry.Unregister(sid)
	if !ok {
		return
	}
	log.Info().Str("module", "lifecycle").Str("sid", string(sid)).Str("user", string(sess.User)).Str("reason", reason).Msg("disconnect")

	sess.Cancel()
	if remaining > 0 {
		return
	}
	uid := sess.User

	for roomID, rest := range l.rooms.LeaveAll(uid) {
		note := event.LeftRoom{Type: event.TypeLeftRoom, RoomID: roomID, UserID: uid}
		for _, member := range rest {
			l.router.DeliverToUser(ctx, member, note)
		}
	}

	if l.router.limiter != nil {
		l.router.limiter.Forget(uid)
	}

	for _, cs := range l.calls.EndAllFor(uid, domain.EndReasonPeerDisconnected) {
		l.router.dropCallRoute(ctx, cs.ID)
		l.router.DeliverToUser(ctx, cs.Counterpart(uid), event.CallEnded{
			Type:     event.TypeCallEnded,
			CallID:   cs.ID,
			Reason:   cs.EndReason,
			Duration: cs.Duration(),
		})
	}

	// Immediate removal, no grace window: deterministic and failure-safe. A
	// transient drop shows as a brief offline/online flap.
	if err := l.presence.Remove(ctx, uid, string(sid)); err != nil {
		log.Warn().Str("module", "lifecycle").Str("user", string(uid)).Err(err).Msg("presence remove failed; record will expire by TTL")
	}

	mutuals, err := l.matches.MutualsOf(ctx, uid)
	if err != nil {
		log.Warn().Str("module", "lifecycle").Str("user", string(uid)).Err(err).Msg("mutual match lookup failed")
		return
	}
	offline := event.UserPresence{Type: event.TypeUserOffline, UserID: uid}
	for _, m := range mutuals {
		l.router.DeliverToUser(ctx, m, offline)
	}
}

// RunSweep periodically evicts sessions whose last activity is older than the
// staleness threshold, treating them as abandoned disconnects. Blocks until
// ctx is done.
func (l *Lifecycle) RunSweep(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().Add(-l.staleAfter)
			for _, s := range l.registry.Stale(cutoff) {
				log.Warn().Str("module", "lifecycle").Str("sid", string(s.ID)).Str("user", string(s.User)).Msg("evicting stale session")
				l.OnDisconnect(ctx, s.ID, "stale")
				s.Conn.Close()
			}
		}
	}
}

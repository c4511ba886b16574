package app

import (
	"context"
	"testing"
	"time"

	"github.com/Evian1k/sparkmatch/internal/domain"
)

// runRelays starts both instances' relay loops and waits for the
// subscriptions to land.
func runRelays(t *testing.T, pres *memPresence, hs ...*harness) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, h := range hs {
		h := h
		go func() { _ = h.router.RunRelay(ctx) }()
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		pres.mu.Lock()
		n := len(pres.handlers)
		pres.mu.Unlock()
		if n == len(hs) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("relay subscriptions did not come up")
}

// A call initiated on one instance must be fully controllable from the
// other: ring, answer, signal and hang up with the parties on different
// coordinator processes sharing only the presence store.
func TestCrossInstanceCallLifecycle(t *testing.T) {
	pres := newMemPresence()
	ha := newHarness(t, "inst-a", pres, time.Minute)
	hb := newHarness(t, "inst-b", pres, time.Minute)
	runRelays(t, pres, ha, hb)

	aliceSess, aliceConn := ha.connect("alice")
	bobSess, bobConn := hb.connect("bob")

	ha.dispatch(aliceSess, map[string]any{
		"type": "call_initiate", "recipient_id": "bob", "kind": "video",
	})
	ring := bobConn.waitFor(t, "incoming_call", time.Second)
	if ring["caller_id"] != "alice" {
		t.Fatalf("incoming_call = %v", ring)
	}
	callID := ring["call_id"].(string)

	// The answer arrives on inst-b, which owns no state for this call; it
	// must be applied on inst-a and both parties notified.
	hb.dispatch(bobSess, map[string]any{"type": "call_answer", "call_id": callID})
	if got := aliceConn.waitFor(t, "call_answered", time.Second); got["call_id"] != callID {
		t.Fatalf("caller call_answered = %v", got)
	}
	if got := bobConn.waitFor(t, "call_answered", time.Second); got["call_id"] != callID {
		t.Fatalf("recipient ack = %v", got)
	}
	if errs := bobConn.ofType(t, "error"); len(errs) != 0 {
		t.Fatalf("recipient saw errors: %v", errs)
	}

	// Signaling crosses the same way.
	hb.dispatch(bobSess, map[string]any{
		"type": "call_ice_candidate", "call_id": callID,
		"payload": map[string]any{"candidate": "c0"},
	})
	if got := aliceConn.waitFor(t, "webrtc_ice_candidate", time.Second); got["from"] != "bob" {
		t.Fatalf("relayed candidate = %v", got)
	}

	hb.dispatch(bobSess, map[string]any{"type": "call_end", "call_id": callID})
	if got := aliceConn.waitFor(t, "call_ended", time.Second); got["call_id"] != callID {
		t.Fatalf("caller call_ended = %v", got)
	}
	bobConn.waitFor(t, "call_ended", time.Second)

	if pres.hasRoute(domain.CallID(callID)) {
		t.Fatal("call route survived a terminal transition")
	}
}

func TestCrossInstanceDecline(t *testing.T) {
	pres := newMemPresence()
	ha := newHarness(t, "inst-a", pres, time.Minute)
	hb := newHarness(t, "inst-b", pres, time.Minute)
	runRelays(t, pres, ha, hb)

	aliceSess, aliceConn := ha.connect("alice")
	bobSess, bobConn := hb.connect("bob")

	ha.dispatch(aliceSess, map[string]any{
		"type": "call_initiate", "recipient_id": "bob", "kind": "voice",
	})
	callID := bobConn.waitFor(t, "incoming_call", time.Second)["call_id"].(string)

	hb.dispatch(bobSess, map[string]any{"type": "call_decline", "call_id": callID})
	if got := aliceConn.waitFor(t, "call_declined", time.Second); got["call_id"] != callID {
		t.Fatalf("call_declined = %v", got)
	}
}

func TestCrossInstanceDelivery(t *testing.T) {
	pres := newMemPresence()
	ha := newHarness(t, "inst-a", pres, time.Minute)
	hb := newHarness(t, "inst-b", pres, time.Minute)
	runRelays(t, pres, ha, hb)

	_, aliceConn := ha.connect("alice")
	_, bobConn := hb.connect("bob")

	// An event injected on instance a reaches bob over the relay.
	ha.router.DeliverToUser(context.Background(), "bob", map[string]any{"type": "match_found"})
	bobConn.waitFor(t, "match_found", time.Second)

	// An identity with no presence record anywhere is dropped silently.
	ha.router.DeliverToUser(context.Background(), "ghost", map[string]any{"type": "match_found"})
	if echoes := aliceConn.ofType(t, "match_found"); len(echoes) != 0 {
		t.Fatalf("unexpected delivery: %v", echoes)
	}
}

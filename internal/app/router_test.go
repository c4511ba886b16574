package app

import (
	"errors"
	"testing"
	"time"
)

func TestSendMessageFanOut(t *testing.T) {
	h := newHarness(t, "inst-1", nil, time.Minute)
	h.auth.allow("conv-42", "alice", "bob")

	aliceSess, aliceConn := h.connect("alice")
	bobSess, bobConn := h.connect("bob")
	_, carolConn := h.connect("carol")

	h.join(aliceSess, "conv-42")
	h.join(bobSess, "conv-42")

	h.dispatch(aliceSess, map[string]any{
		"type": "send_message", "room_id": "conv-42",
		"content": "hi", "message_type": "text",
	})

	got := bobConn.waitFor(t, "new_message", time.Second)
	msg := got["message"].(map[string]any)
	if msg["content"] != "hi" || msg["sender"] != "alice" {
		t.Fatalf("message = %v", msg)
	}

	if echoes := aliceConn.ofType(t, "new_message"); len(echoes) != 0 {
		t.Fatalf("sender received its own message: %v", echoes)
	}
	if leaked := carolConn.ofType(t, "new_message"); len(leaked) != 0 {
		t.Fatalf("non-member received message: %v", leaked)
	}
	if h.msgs.count() != 1 {
		t.Fatalf("persisted %d messages, want 1", h.msgs.count())
	}
}

func TestSendMessageRequiresMembership(t *testing.T) {
	h := newHarness(t, "inst-1", nil, time.Minute)
	h.auth.allow("conv-42", "alice")

	malSess, malConn := h.connect("mallory")
	h.dispatch(malSess, map[string]any{
		"type": "send_message", "room_id": "conv-42",
		"content": "hi", "message_type": "text",
	})

	e := malConn.waitFor(t, "error", time.Second)
	if e["code"] != "not_authorized" {
		t.Fatalf("code = %v, want not_authorized", e["code"])
	}
	if h.msgs.count() != 0 {
		t.Fatal("unauthorized message was persisted")
	}
}

func TestPersistFailureBlocksFanOut(t *testing.T) {
	h := newHarness(t, "inst-1", nil, time.Minute)
	h.auth.allow("conv-42", "alice", "bob")

	aliceSess, aliceConn := h.connect("alice")
	bobSess, bobConn := h.connect("bob")
	h.join(aliceSess, "conv-42")
	h.join(bobSess, "conv-42")

	h.msgs.err = errors.New("db down")
	h.dispatch(aliceSess, map[string]any{
		"type": "send_message", "room_id": "conv-42",
		"content": "hi", "message_type": "text",
	})

	e := aliceConn.waitFor(t, "error", time.Second)
	if e["code"] != "persist_failed" || e["retryable"] != true {
		t.Fatalf("error = %v, want retryable persist_failed", e)
	}
	if got := bobConn.ofType(t, "new_message"); len(got) != 0 {
		t.Fatalf("fan-out happened despite persist failure: %v", got)
	}
}

func TestJoinRoomRejectsNonMember(t *testing.T) {
	h := newHarness(t, "inst-1", nil, time.Minute)
	h.auth.allow("conv-42", "alice")

	malSess, malConn := h.connect("mallory")
	h.dispatch(malSess, map[string]any{"type": "join_room", "room_id": "conv-42"})

	e := malConn.waitFor(t, "error", time.Second)
	if e["code"] != "not_authorized" {
		t.Fatalf("code = %v, want not_authorized", e["code"])
	}
	if h.rooms.Contains("conv-42", "mallory") {
		t.Fatal("rejected join mutated membership")
	}
}

func TestLeaveRoomNotifiesRemaining(t *testing.T) {
	h := newHarness(t, "inst-1", nil, time.Minute)
	h.auth.allow("conv-42", "alice", "bob")

	aliceSess, _ := h.connect("alice")
	bobSess, bobConn := h.connect("bob")
	h.join(aliceSess, "conv-42")
	h.join(bobSess, "conv-42")

	h.dispatch(aliceSess, map[string]any{"type": "leave_room", "room_id": "conv-42"})

	got := bobConn.waitFor(t, "left_room", time.Second)
	if got["user_id"] != "alice" || got["room_id"] != "conv-42" {
		t.Fatalf("left_room = %v", got)
	}
	if h.rooms.Contains("conv-42", "alice") {
		t.Fatal("alice still a member after leave")
	}
}

func TestTypingFanOut(t *testing.T) {
	h := newHarness(t, "inst-1", nil, time.Minute)
	h.auth.allow("conv-42", "alice", "bob")

	aliceSess, aliceConn := h.connect("alice")
	bobSess, bobConn := h.connect("bob")
	h.join(aliceSess, "conv-42")
	h.join(bobSess, "conv-42")

	h.dispatch(aliceSess, map[string]any{"type": "typing", "room_id": "conv-42", "is_typing": true})

	got := bobConn.waitFor(t, "user_typing", time.Second)
	if got["user_id"] != "alice" || got["is_typing"] != true {
		t.Fatalf("user_typing = %v", got)
	}
	if echo := aliceConn.ofType(t, "user_typing"); len(echo) != 0 {
		t.Fatal("typing echoed back to sender")
	}
}

func TestReactFanOut(t *testing.T) {
	h := newHarness(t, "inst-1", nil, time.Minute)
	h.auth.allow("conv-42", "alice", "bob")

	aliceSess, _ := h.connect("alice")
	bobSess, bobConn := h.connect("bob")
	h.join(aliceSess, "conv-42")
	h.join(bobSess, "conv-42")

	h.dispatch(aliceSess, map[string]any{
		"type": "react", "room_id": "conv-42",
		"message_id": "m-1", "reaction": "❤️",
	})

	got := bobConn.waitFor(t, "message_reaction", time.Second)
	if got["message_id"] != "m-1" || got["user_id"] != "alice" || got["reaction"] != "❤️" {
		t.Fatalf("message_reaction = %v", got)
	}
}

func TestMalformedFrame(t *testing.T) {
	h := newHarness(t, "inst-1", nil, time.Minute)
	aliceSess, aliceConn := h.connect("alice")

	h.router.Dispatch(t.Context(), aliceSess, []byte("{not json"))

	e := aliceConn.waitFor(t, "error", time.Second)
	if e["code"] != "bad_payload" {
		t.Fatalf("code = %v, want bad_payload", e["code"])
	}
}

func TestPingRefreshesPresence(t *testing.T) {
	h := newHarness(t, "inst-1", nil, time.Minute)
	aliceSess, aliceConn := h.connect("alice")

	before, _, _ := h.pres.Lookup(t.Context(), "alice")
	time.Sleep(5 * time.Millisecond)
	h.dispatch(aliceSess, map[string]any{"type": "ping"})

	aliceConn.waitFor(t, "pong", time.Second)
	after, ok, _ := h.pres.Lookup(t.Context(), "alice")
	if !ok || !after.LastSeenAt.After(before.LastSeenAt) {
		t.Fatalf("presence not refreshed: before=%v after=%v", before.LastSeenAt, after.LastSeenAt)
	}
}

func TestBroadcastToUserHook(t *testing.T) {
	h := newHarness(t, "inst-1", nil, time.Minute)
	_, bobConn := h.connect("bob")

	// Out-of-band producer, e.g. the matching service announcing a match.
	h.router.DeliverToUser(t.Context(), "bob", map[string]any{"type": "new_match", "user_id": "alice"})

	got := bobConn.waitFor(t, "new_match", time.Second)
	if got["user_id"] != "alice" {
		t.Fatalf("new_match = %v", got)
	}
}

func TestUnknownEventTypeReportsError(t *testing.T) {
	h := newHarness(t, "inst-1", nil, time.Minute)
	aliceSess, aliceConn := h.connect("alice")

	h.dispatch(aliceSess, map[string]any{"type": "warp_drive"})

	got := aliceConn.waitFor(t, "error", time.Second)
	if got["code"] != "bad_payload" {
		t.Fatalf("error = %v", got)
	}
}

func TestDispatchRateLimited(t *testing.T) {
	h := newHarness(t, "inst-1", nil, time.Minute)
	h.router.limiter = NewRateLimiter(3, time.Minute)
	h.auth.allow("conv-1", "alice", "bob")

	aliceSess, aliceConn := h.connect("alice")
	bobSess, bobConn := h.connect("bob")
	h.join(aliceSess, "conv-1")
	h.join(bobSess, "conv-1")

	// The join used one slot; two typing events fit, the third is rejected.
	for range 3 {
		h.dispatch(aliceSess, map[string]any{
			"type": "typing", "room_id": "conv-1", "is_typing": true,
		})
	}

	got := aliceConn.waitFor(t, "error", time.Second)
	if got["code"] != "rate_limited" || got["retryable"] != true {
		t.Fatalf("error = %v", got)
	}
	if n := len(bobConn.ofType(t, "user_typing")); n != 2 {
		t.Fatalf("fan-out count = %d, want 2", n)
	}

	// Bob's budget is his own.
	h.dispatch(bobSess, map[string]any{
		"type": "typing", "room_id": "conv-1", "is_typing": true,
	})
	aliceConn.waitFor(t, "user_typing", time.Second)
}

// Package event defines the JSON wire format spoken over the client
// connection. Every frame is a flat object with a "type" discriminator.
package event

import (
	"encoding/json"

	"github.com/Evian1k/sparkmatch/internal/domain"
)

type Type string

// Inbound (client -> coordinator).
const (
	TypeJoinRoom      Type = "join_room"
	TypeLeaveRoom     Type = "leave_room"
	TypeSendMessage   Type = "send_message"
	TypeTyping        Type = "typing"
	TypeReact         Type = "react"
	TypeCallInitiate  Type = "call_initiate"
	TypeCallAnswer    Type = "call_answer"
	TypeCallDecline   Type = "call_decline"
	TypeCallEnd       Type = "call_end"
	TypeCallOffer     Type = "call_offer"
	TypeCallAnswerSDP Type = "call_answer_sdp"
	TypeCallCandidate Type = "call_ice_candidate"
	TypePing          Type = "ping"
)

// Outbound (coordinator -> client).
const (
	TypeUserOnline      Type = "user_online"
	TypeUserOffline     Type = "user_offline"
	TypeJoinedRoom      Type = "joined_room"
	TypeLeftRoom        Type = "left_room"
	TypeNewMessage      Type = "new_message"
	TypeUserTyping      Type = "user_typing"
	TypeMessageReaction Type = "message_reaction"
	TypeIncomingCall    Type = "incoming_call"
	TypeCallInitiated   Type = "call_initiated"
	TypeCallAnswered    Type = "call_answered"
	TypeCallDeclined    Type = "call_declined"
	TypeCallEnded       Type = "call_ended"
	TypeCallTimeout     Type = "call_timeout"
	TypeWebRTCOffer     Type = "webrtc_offer"
	TypeWebRTCAnswer    Type = "webrtc_answer"
	TypeWebRTCCandidate Type = "webrtc_ice_candidate"
	TypeError           Type = "error"
	TypePong            Type = "pong"
)

// Peek extracts the discriminator so the router can pick a handler before
// unmarshaling the full payload.
func Peek(data []byte) (Type, error) {
	var env struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

// --- inbound payloads ---

type JoinRoom struct {
	Type   Type          `json:"type"`
	RoomID domain.RoomID `json:"room_id"`
}

type LeaveRoom struct {
	Type   Type          `json:"type"`
	RoomID domain.RoomID `json:"room_id"`
}

type SendMessage struct {
	Type        Type               `json:"type"`
	RoomID      domain.RoomID      `json:"room_id"`
	Content     string             `json:"content"`
	MessageType domain.MessageType `json:"message_type"`
}

type Typing struct {
	Type     Type          `json:"type"`
	RoomID   domain.RoomID `json:"room_id"`
	IsTyping bool          `json:"is_typing"`
}

type React struct {
	Type      Type          `json:"type"`
	RoomID    domain.RoomID `json:"room_id"`
	MessageID string        `json:"message_id"`
	Reaction  string        `json:"reaction"`
}

type CallInitiate struct {
	Type      Type            `json:"type"`
	Recipient domain.UserID   `json:"recipient_id"`
	Kind      domain.CallKind `json:"kind"`
}

type CallControl struct {
	Type   Type          `json:"type"`
	CallID domain.CallID `json:"call_id"`
}

// CallSignal carries an opaque SDP or ICE payload. The coordinator relays it
// verbatim and never looks inside.
type CallSignal struct {
	Type    Type            `json:"type"`
	CallID  domain.CallID   `json:"call_id"`
	Payload json.RawMessage `json:"payload"`
}

// --- outbound payloads ---

type UserPresence struct {
	Type   Type          `json:"type"`
	UserID domain.UserID `json:"user_id"`
}

type JoinedRoom struct {
	Type    Type            `json:"type"`
	RoomID  domain.RoomID   `json:"room_id"`
	Members []domain.UserID `json:"members"`
}

type LeftRoom struct {
	Type   Type          `json:"type"`
	RoomID domain.RoomID `json:"room_id"`
	UserID domain.UserID `json:"user_id"`
}

type NewMessage struct {
	Type    Type           `json:"type"`
	Message domain.Message `json:"message"`
}

type UserTyping struct {
	Type     Type          `json:"type"`
	RoomID   domain.RoomID `json:"room_id"`
	UserID   domain.UserID `json:"user_id"`
	IsTyping bool          `json:"is_typing"`
}

type MessageReaction struct {
	Type      Type          `json:"type"`
	RoomID    domain.RoomID `json:"room_id"`
	MessageID string        `json:"message_id"`
	UserID    domain.UserID `json:"user_id"`
	Reaction  string        `json:"reaction"`
}

type IncomingCall struct {
	Type   Type            `json:"type"`
	CallID domain.CallID   `json:"call_id"`
	Caller domain.UserID   `json:"caller_id"`
	Kind   domain.CallKind `json:"kind"`
}

// CallInitiated acknowledges an initiate back to the caller, handing it the
// call id every later control event references.
type CallInitiated struct {
	Type      Type            `json:"type"`
	CallID    domain.CallID   `json:"call_id"`
	Recipient domain.UserID   `json:"recipient_id"`
	Kind      domain.CallKind `json:"kind"`
}

type CallAnswered struct {
	Type   Type          `json:"type"`
	CallID domain.CallID `json:"call_id"`
}

type CallDeclined struct {
	Type   Type          `json:"type"`
	CallID domain.CallID `json:"call_id"`
}

type CallEnded struct {
	Type     Type          `json:"type"`
	CallID   domain.CallID `json:"call_id"`
	Reason   string        `json:"reason"`
	Duration int           `json:"duration,omitempty"`
}

type CallTimeout struct {
	Type   Type          `json:"type"`
	CallID domain.CallID `json:"call_id"`
}

type WebRTCSignal struct {
	Type    Type            `json:"type"`
	CallID  domain.CallID   `json:"call_id"`
	From    domain.UserID   `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

type Pong struct {
	Type Type `json:"type"`
}

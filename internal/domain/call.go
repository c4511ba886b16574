package domain

import "time"

type (
	CallID    string
	CallKind  string
	CallState string
)

const (
	CallVoice CallKind = "voice"
	CallVideo CallKind = "video"
)

func (k CallKind) Valid() bool { return k == CallVoice || k == CallVideo }

const (
	CallRinging   CallState = "ringing"
	CallConnected CallState = "connected"
	CallEnded     CallState = "ended"
	CallDeclined  CallState = "declined"
	CallMissed    CallState = "missed"
	CallFailed    CallState = "failed"
)

// Active reports whether the state still occupies both parties.
func (s CallState) Active() bool { return s == CallRinging || s == CallConnected }

// Terminal reports whether no further transition is possible.
func (s CallState) Terminal() bool { return !s.Active() }

// End reasons carried on call_ended events.
const (
	EndReasonHangup           = "hangup"
	EndReasonPeerDisconnected = "peer_disconnected"
)

// CallSession is an immutable snapshot of one call negotiation. The call
// manager owns the mutable record; everything it hands out is a copy.
type CallSession struct {
	ID         CallID    `json:"id"`
	Caller     UserID    `json:"caller"`
	Recipient  UserID    `json:"recipient"`
	Kind       CallKind  `json:"kind"`
	State      CallState `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	AnsweredAt time.Time `json:"answered_at,omitzero"`
	EndedAt    time.Time `json:"ended_at,omitzero"`
	EndReason  string    `json:"end_reason,omitempty"`
}

// Counterpart returns the other party, or "" if u is not a party at all.
func (c CallSession) Counterpart(u UserID) UserID {
	switch u {
	case c.Caller:
		return c.Recipient
	case c.Recipient:
		return c.Caller
	}
	return ""
}

// Duration is the connected time in seconds, zero if never answered.
func (c CallSession) Duration() int {
	if c.AnsweredAt.IsZero() || c.EndedAt.IsZero() {
		return 0
	}
	return int(c.EndedAt.Sub(c.AnsweredAt) / time.Second)
}

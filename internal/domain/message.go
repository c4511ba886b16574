package domain

import "time"

const MaxMessageLen = 4096

// MessageType mirrors what the mobile clients send; the coordinator treats
// content as opaque and only checks bounds.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageAudio MessageType = "audio"
	MessageGift  MessageType = "gift"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageAudio, MessageGift:
		return true
	}
	return false
}

type Message struct {
	ID       string      `json:"id"`
	RoomID   RoomID      `json:"room_id"`
	Sender   UserID      `json:"sender"`
	Content  string      `json:"content"`
	Type     MessageType `json:"type"`
	SentAt   time.Time   `json:"sent_at"`
}

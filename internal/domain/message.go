package domain

import "time"

// Message is one persisted chat line. Never mutated after creation.
type Message struct {
	RoomID   RoomID    `json:"room_id"`
	SenderID UserID    `json:"sender_id"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sent_at"`
}

package models

import "time"

// Message is a persisted chat message. IDs are store-assigned and
// monotonically increasing, which makes (CreatedAt, ID) a total order
// within a conversation.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`

	// Sender display fields, denormalized for history reads and
	// real-time delivery.
	Username    string `json:"username,omitempty"`
	AvatarColor string `json:"avatar_color,omitempty"`
}

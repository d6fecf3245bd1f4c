package models

import "time"

// Conversation kinds.
const (
	KindDM    = "dm"
	KindGroup = "group"
)

// Conversation is a chat thread: either a two-member DM or a named group.
type Conversation struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name,omitempty"`
	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationSummary is a conversation as it appears in the caller's
// conversation list: members plus a preview of the latest message.
type ConversationSummary struct {
	Conversation

	Members []User `json:"members"`

	// DMUser is the peer account for DM conversations, relative to the
	// user the list was built for.
	DMUser *User `json:"dm_user,omitempty"`

	LastMessage   *string    `json:"last_message,omitempty"`
	LastSender    *string    `json:"last_sender,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

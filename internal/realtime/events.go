package realtime

import "encoding/json"

// Inbound event types.
const (
	EventSendMessage      = "send_message"
	EventJoinConversation = "join_conversation"
	EventTyping           = "typing"
)

// Outbound event types.
const (
	EventNewMessage  = "new_message"
	EventOnlineUsers = "online_users"
	EventUserTyping  = "user_typing"
	EventError       = "error"
)

// Event is the wire envelope for both directions of the websocket.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SendMessagePayload is the client request to post a message.
type SendMessagePayload struct {
	ConversationID int64  `json:"conversation_id"`
	Content        string `json:"content"`
}

// JoinConversationPayload subscribes the connection to one additional
// room, e.g. after a DM is created mid-session.
type JoinConversationPayload struct {
	ConversationID int64 `json:"conversation_id"`
}

// TypingPayload is the client's keystroke signal.
type TypingPayload struct {
	ConversationID int64 `json:"conversation_id"`
}

// UserTypingPayload notifies a room that a member is typing.
type UserTypingPayload struct {
	ConversationID int64  `json:"conversation_id"`
	UserID         int64  `json:"user_id"`
	Username       string `json:"username"`
}

// ErrorPayload reports a rejected operation to the offending client.
type ErrorPayload struct {
	Message string `json:"message"`
}

func encodeEvent(eventType string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Type: eventType, Data: raw})
}

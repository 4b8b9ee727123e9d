package chat

import (
	"fmt"
	"time"
)

// Message is the wire-format projection of a persisted chat message. Every
// message that goes out over a topic was durably committed first; the fan-out
// path never sees uncommitted writes.
type Message struct {
	ID             int       `json:"id"`
	ConversationID int       `json:"conversation_id"`
	SenderID       int       `json:"sender_id"`
	SenderName     string    `json:"sender_name"` // denormalized for the UI
	Content        string    `json:"content"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

type Conversation struct {
	ID        int       `json:"id"`
	Type      string    `json:"type"` // 'private' or 'group'
	CreatedAt time.Time `json:"created_at"`
}

type Participant struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
}

// NewChatMessage is the domain event handed to the dispatcher when a
// participant sends a message. Persistence happens inside dispatch, strictly
// before any publish.
type NewChatMessage struct {
	ConversationID int
	SenderID       int
	SenderName     string
	Content        string
}

// Topic names. Conversation-scoped topics exist only while someone is
// subscribed; the bus recreates them on first subscribe.

// RoomTopic carries in-thread delivery for one conversation.
func RoomTopic(conversationID int) string {
	return fmt.Sprintf("chat.%d", conversationID)
}

// ActiveTopic is the presence-scoped channel for one (conversation, user)
// pair: an actively-viewing client listens here for mark-read hints.
func ActiveTopic(conversationID, userID int) string {
	return fmt.Sprintf("chat.%d.active.%d", conversationID, userID)
}

// clientFrame is the superset of everything a conversation socket may send.
// Unknown or unparseable frames are dropped without closing the session.
type clientFrame struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	IsTyping bool   `json:"is_typing"`
}

// Server -> client frames.

type MessageFrame struct {
	Type     string   `json:"type"` // "chat_message"
	Message  *Message `json:"message"`
	SenderID int      `json:"sender_id"`
}

type TypingFrame struct {
	Type     string `json:"type"` // "typing"
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

type MessagesReadFrame struct {
	Type   string `json:"type"` // "messages_read"
	UserID int    `json:"user_id"`
}

package notify

import (
	"fmt"
	"time"
)

// Kind classifies a notification. Chat messages and scheduled events have
// their own delivery paths; the generic dispatcher refuses them so nothing is
// delivered twice.
type Kind string

const (
	KindGeneral Kind = "general"
	KindTask    Kind = "task"
	KindMention Kind = "mention"

	// Delivered through the chat-specific and event-specific paths.
	KindMessage Kind = "message"
	KindEvent   Kind = "event"
)

// Excluded reports whether the kind bypasses the generic dispatch path.
func (k Kind) Excluded() bool {
	return k == KindMessage || k == KindEvent
}

// Notification is the wire-format projection of a persisted notification.
type Notification struct {
	ID          int       `json:"id"`
	RecipientID int       `json:"recipient_id"`
	Kind        Kind      `json:"kind"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	IsRead      bool      `json:"is_read"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewNotification is the domain event the persistence write path hands to the
// dispatcher after commit.
type NewNotification struct {
	RecipientID int    `json:"recipient_id"`
	Kind        Kind   `json:"kind"`
	Title       string `json:"title"`
	Body        string `json:"body"`
}

// NotificationsTopic carries notification payloads and unread counts for one
// user, across all of their open notification sockets.
func NotificationsTopic(userID int) string {
	return fmt.Sprintf("notifications.%d", userID)
}

// PopupTopic carries cross-conversation "new message" alerts for one user.
// Delivery here is never suppressed server-side; the client reconciles with
// its own active-viewing state.
func PopupTopic(userID int) string {
	return fmt.Sprintf("popup.%d", userID)
}

type clientFrame struct {
	Type           string `json:"type"`
	NotificationID int    `json:"notification_id"`
}

// Server -> client frames.

type NotificationFrame struct {
	Type         string        `json:"type"` // "notification"
	Notification *Notification `json:"notification"`
	UnreadCount  int           `json:"unread_count"`
}

type ConnectionEstablishedFrame struct {
	Type        string `json:"type"` // "connection_established"
	UnreadCount int    `json:"unread_count"`
}

type UnreadCountFrame struct {
	Type        string `json:"type"` // "unread_count_updated"
	UnreadCount int    `json:"unread_count"`
}

type NotificationUpdatedFrame struct {
	Type           string `json:"type"` // "notification_updated"
	NotificationID int    `json:"notification_id"`
	IsRead         bool   `json:"is_read"`
}

// Package dispatch turns domain events — a chat message sent, a system
// notification created — into topic publications. Persistence happens first;
// fan-out happens strictly after the commit and is fire-and-forget: a failed
// publish is logged and dropped, never retried, because a retry would have to
// re-derive the unread count and could ship a stale one.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crm-realtime/internal/chat"
	"crm-realtime/internal/notify"
)

type Router interface {
	Publish(topic string, payload []byte) error
	TopicExists(topic string) bool
}

type Presence interface {
	IsActive(userID, conversationID int) bool
}

type MessageStore interface {
	SaveMessage(ctx context.Context, conversationID, senderID int, content string) (*chat.Message, error)
	Participants(ctx context.Context, conversationID int) ([]chat.Participant, error)
}

type NotificationStore interface {
	Create(ctx context.Context, n *notify.Notification) error
	UnreadCount(ctx context.Context, recipientID int) (int, error)
}

// PopupFrame is the cross-conversation "you have a new message" alert,
// published to the recipient's popup topic regardless of presence. The
// client decides whether to show it; the server guarantees at-least-delivery.
type PopupFrame struct {
	Type       string        `json:"type"` // "new_message"
	Message    *chat.Message `json:"message"`
	ChatRoomID int           `json:"chat_room_id"`
}

// ReadHintFrame goes to the presence-scoped topic of a participant who is
// actively viewing the conversation, so their client marks the message read
// without raising a popup.
type ReadHintFrame struct {
	Type           string `json:"type"` // "mark_read"
	MessageID      int    `json:"message_id"`
	ConversationID int    `json:"conversation_id"`
}

type Dispatcher struct {
	router        Router
	presence      Presence
	messages      MessageStore
	notifications NotificationStore
	log           zerolog.Logger
}

func New(router Router, tracker Presence, messages MessageStore, notifications NotificationStore) *Dispatcher {
	return &Dispatcher{
		router:        router,
		presence:      tracker,
		messages:      messages,
		notifications: notifications,
		log:           log.With().Str("component", "dispatch").Logger(),
	}
}

// DispatchChatMessage persists the message, echoes it into the conversation
// topic, and alerts every other participant on their popup topic. The sender
// only ever sees the echo — never an unsolicited popup for their own send.
//
// The popup and the read hint are independent publishes with no ordering
// between them; the receiving client reconciles using its own viewing state.
func (d *Dispatcher) DispatchChatMessage(ctx context.Context, ev chat.NewChatMessage) error {
	msg, err := d.messages.SaveMessage(ctx, ev.ConversationID, ev.SenderID, ev.Content)
	if err != nil {
		return err
	}

	d.publish(chat.RoomTopic(ev.ConversationID), chat.MessageFrame{
		Type:     "chat_message",
		Message:  msg,
		SenderID: ev.SenderID,
	})

	participants, err := d.messages.Participants(ctx, ev.ConversationID)
	if err != nil {
		// The echo above already went out; the popups are lost but the
		// message itself committed.
		d.log.Error().Err(err).Int("conversation_id", ev.ConversationID).
			Msg("participant lookup failed, popups dropped")
		return nil
	}

	for _, p := range participants {
		if p.ID == ev.SenderID {
			continue
		}

		d.publish(notify.PopupTopic(p.ID), PopupFrame{
			Type:       "new_message",
			Message:    msg,
			ChatRoomID: ev.ConversationID,
		})

		// A stale active read only costs an extra hint to a topic
		// nobody listens on; the popup above was sent regardless. The
		// topic probe backstops a presence entry that lags the
		// subscription by a beat.
		if d.presence.IsActive(p.ID, ev.ConversationID) ||
			d.router.TopicExists(chat.ActiveTopic(ev.ConversationID, p.ID)) {
			d.publish(chat.ActiveTopic(ev.ConversationID, p.ID), ReadHintFrame{
				Type:           "mark_read",
				MessageID:      msg.ID,
				ConversationID: ev.ConversationID,
			})
		}
	}

	return nil
}

// DispatchNotification persists a generic notification, reads the recipient's
// unread count back from the store, and publishes both to the recipient's
// notification topic. Message-kind and event-kind notifications no-op here:
// they are delivered by their own paths and must not arrive twice.
func (d *Dispatcher) DispatchNotification(ctx context.Context, ev notify.NewNotification) error {
	if ev.Kind.Excluded() {
		d.log.Debug().Str("kind", string(ev.Kind)).Msg("kind excluded from generic dispatch")
		return nil
	}

	n := &notify.Notification{
		RecipientID: ev.RecipientID,
		Kind:        ev.Kind,
		Title:       ev.Title,
		Body:        ev.Body,
	}
	if err := d.notifications.Create(ctx, n); err != nil {
		return err
	}

	count, err := d.notifications.UnreadCount(ctx, ev.RecipientID)
	if err != nil {
		// Without an authoritative count the frame cannot be built. The
		// write committed, so this is lost-but-not-fatal.
		d.log.Error().Err(err).Int("recipient_id", ev.RecipientID).
			Msg("unread count failed, notification frame dropped")
		return nil
	}

	d.publish(notify.NotificationsTopic(ev.RecipientID), notify.NotificationFrame{
		Type:         "notification",
		Notification: n,
		UnreadCount:  count,
	})

	return nil
}

// publish marshals and fans out, swallowing failures: by the time anything is
// published the triggering write has committed, so a lost frame costs a
// refresh, not data.
func (d *Dispatcher) publish(topic string, frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		d.log.Error().Err(err).Str("topic", topic).Msg("frame marshal failed")
		return
	}
	if err := d.router.Publish(topic, payload); err != nil {
		d.log.Warn().Err(err).Str("topic", topic).Msg("publish failed, event dropped")
	}
}

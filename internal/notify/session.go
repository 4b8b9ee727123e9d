package notify

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Publisher interface {
	Publish(topic string, payload []byte) error
}

// ReadStore is the read-state reconciler surface the session needs.
type ReadStore interface {
	MarkRead(ctx context.Context, notificationID, recipientID int) error
	MarkAllRead(ctx context.Context, recipientID int) (int, error)
	UnreadCount(ctx context.Context, recipientID int) (int, error)
}

// Session handles the inbound frames of one notification-scoped connection.
// Updated counts go out over the user's notifications topic rather than just
// this socket, so every open tab converges on the same badge.
type Session struct {
	userID int
	router Publisher
	reads  ReadStore
	log    zerolog.Logger
}

func NewSession(userID int, router Publisher, reads ReadStore) *Session {
	return &Session{
		userID: userID,
		router: router,
		reads:  reads,
		log:    log.With().Int("user_id", userID).Logger(),
	}
}

func (s *Session) HandleFrame(ctx context.Context, data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.log.Debug().Err(err).Msg("dropping malformed frame")
		return
	}

	switch frame.Type {
	case "mark_read":
		s.handleMarkRead(ctx, frame.NotificationID)
	case "mark_all_read":
		s.handleMarkAllRead(ctx)
	default:
		s.log.Debug().Str("type", frame.Type).Msg("dropping unknown frame")
	}
}

func (s *Session) handleMarkRead(ctx context.Context, notificationID int) {
	if notificationID == 0 {
		return
	}
	if err := s.reads.MarkRead(ctx, notificationID, s.userID); err != nil {
		s.log.Error().Err(err).Int("notification_id", notificationID).Msg("mark read failed")
		return
	}

	s.publish(NotificationUpdatedFrame{
		Type:           "notification_updated",
		NotificationID: notificationID,
		IsRead:         true,
	})

	count, err := s.reads.UnreadCount(ctx, s.userID)
	if err != nil {
		s.log.Error().Err(err).Msg("unread count failed")
		return
	}
	s.publish(UnreadCountFrame{Type: "unread_count_updated", UnreadCount: count})
}

func (s *Session) handleMarkAllRead(ctx context.Context) {
	// The count comes back from inside the bulk update's transaction, so
	// it is always the post-update value (zero).
	count, err := s.reads.MarkAllRead(ctx, s.userID)
	if err != nil {
		s.log.Error().Err(err).Msg("mark all read failed")
		return
	}
	s.publish(UnreadCountFrame{Type: "unread_count_updated", UnreadCount: count})
}

func (s *Session) publish(frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := s.router.Publish(NotificationsTopic(s.userID), payload); err != nil {
		// The store write already committed; a lost frame is not fatal
		// and is never retried.
		s.log.Warn().Err(err).Msg("notification publish failed")
	}
}

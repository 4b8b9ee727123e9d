package chat

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Small consumer-side interfaces so the session stays decoupled from the
// concrete bus, dispatcher and repository.

type Publisher interface {
	Publish(topic string, payload []byte) error
}

type Dispatcher interface {
	DispatchChatMessage(ctx context.Context, ev NewChatMessage) error
}

type ReadMarker interface {
	MarkConversationRead(ctx context.Context, conversationID, readerID int) error
}

// Session handles the inbound frames of one conversation-scoped connection.
// Each frame is processed independently; a failure in one never takes the
// session down, and malformed input is dropped silently.
type Session struct {
	conversationID int
	userID         int
	username       string

	router     Publisher
	dispatcher Dispatcher
	reads      ReadMarker

	log zerolog.Logger
}

func NewSession(conversationID, userID int, username string, router Publisher, dispatcher Dispatcher, reads ReadMarker) *Session {
	return &Session{
		conversationID: conversationID,
		userID:         userID,
		username:       username,
		router:         router,
		dispatcher:     dispatcher,
		reads:          reads,
		log: log.With().
			Int("conversation_id", conversationID).
			Int("user_id", userID).
			Logger(),
	}
}

func (s *Session) HandleFrame(ctx context.Context, data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.log.Debug().Err(err).Msg("dropping malformed frame")
		return
	}

	switch frame.Type {
	case "chat_message":
		s.handleChatMessage(ctx, frame.Content)
	case "typing":
		s.handleTyping(frame.IsTyping)
	case "mark_read":
		s.handleMarkRead(ctx)
	default:
		s.log.Debug().Str("type", frame.Type).Msg("dropping unknown frame")
	}
}

func (s *Session) handleChatMessage(ctx context.Context, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	err := s.dispatcher.DispatchChatMessage(ctx, NewChatMessage{
		ConversationID: s.conversationID,
		SenderID:       s.userID,
		SenderName:     s.username,
		Content:        content,
	})
	if err != nil {
		// The write never committed, so nothing was fanned out. The
		// session stays up; the client may resend.
		s.log.Error().Err(err).Msg("chat message dispatch failed")
	}
}

func (s *Session) handleTyping(isTyping bool) {
	payload, err := json.Marshal(TypingFrame{
		Type:     "typing",
		UserID:   s.userID,
		Username: s.username,
		IsTyping: isTyping,
	})
	if err != nil {
		return
	}
	if err := s.router.Publish(RoomTopic(s.conversationID), payload); err != nil {
		s.log.Warn().Err(err).Msg("typing publish failed")
	}
}

func (s *Session) handleMarkRead(ctx context.Context) {
	if err := s.reads.MarkConversationRead(ctx, s.conversationID, s.userID); err != nil {
		s.log.Error().Err(err).Msg("mark read failed")
		return
	}

	payload, err := json.Marshal(MessagesReadFrame{Type: "messages_read", UserID: s.userID})
	if err != nil {
		return
	}
	// Read receipt for the other side. The write committed above, so a
	// publish failure here is lost-but-not-fatal.
	if err := s.router.Publish(RoomTopic(s.conversationID), payload); err != nil {
		s.log.Warn().Err(err).Msg("read receipt publish failed")
	}
}

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	published map[string][][]byte
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(map[string][][]byte)}
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	f.published[topic] = append(f.published[topic], payload)
	return nil
}

type fakeDispatcher struct {
	events []NewChatMessage
	err    error
}

func (f *fakeDispatcher) DispatchChatMessage(ctx context.Context, ev NewChatMessage) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

type fakeReadMarker struct {
	calls int
	err   error
}

func (f *fakeReadMarker) MarkConversationRead(ctx context.Context, conversationID, readerID int) error {
	f.calls++
	return f.err
}

func newTestSession() (*Session, *fakePublisher, *fakeDispatcher, *fakeReadMarker) {
	router := newFakePublisher()
	dispatcher := &fakeDispatcher{}
	reads := &fakeReadMarker{}
	return NewSession(7, 1, "alice", router, dispatcher, reads), router, dispatcher, reads
}

func TestSession_ChatMessage(t *testing.T) {
	t.Run("dispatches the domain event", func(t *testing.T) {
		s, _, dispatcher, _ := newTestSession()

		s.HandleFrame(context.Background(), []byte(`{"type":"chat_message","content":"hi"}`))

		require.Len(t, dispatcher.events, 1)
		assert.Equal(t, NewChatMessage{
			ConversationID: 7, SenderID: 1, SenderName: "alice", Content: "hi",
		}, dispatcher.events[0])
	})

	t.Run("drops empty content", func(t *testing.T) {
		s, _, dispatcher, _ := newTestSession()
		s.HandleFrame(context.Background(), []byte(`{"type":"chat_message","content":"   "}`))
		assert.Empty(t, dispatcher.events)
	})

	t.Run("dispatch failure does not kill the session", func(t *testing.T) {
		s, _, dispatcher, _ := newTestSession()
		dispatcher.err = errors.New("db down")
		s.HandleFrame(context.Background(), []byte(`{"type":"chat_message","content":"hi"}`))

		dispatcher.err = nil
		s.HandleFrame(context.Background(), []byte(`{"type":"chat_message","content":"retry"}`))
		require.Len(t, dispatcher.events, 1)
		assert.Equal(t, "retry", dispatcher.events[0].Content)
	})
}

func TestSession_Typing(t *testing.T) {
	s, router, _, _ := newTestSession()

	s.HandleFrame(context.Background(), []byte(`{"type":"typing","is_typing":true}`))

	frames := router.published[RoomTopic(7)]
	require.Len(t, frames, 1)

	var f TypingFrame
	require.NoError(t, json.Unmarshal(frames[0], &f))
	assert.Equal(t, "typing", f.Type)
	assert.Equal(t, 1, f.UserID)
	assert.Equal(t, "alice", f.Username)
	assert.True(t, f.IsTyping)
}

func TestSession_MarkRead(t *testing.T) {
	t.Run("marks read and broadcasts the receipt", func(t *testing.T) {
		s, router, _, reads := newTestSession()

		s.HandleFrame(context.Background(), []byte(`{"type":"mark_read"}`))

		assert.Equal(t, 1, reads.calls)
		frames := router.published[RoomTopic(7)]
		require.Len(t, frames, 1)

		var f MessagesReadFrame
		require.NoError(t, json.Unmarshal(frames[0], &f))
		assert.Equal(t, "messages_read", f.Type)
		assert.Equal(t, 1, f.UserID)
	})

	t.Run("no receipt when the store write failed", func(t *testing.T) {
		s, router, _, reads := newTestSession()
		reads.err = errors.New("db down")

		s.HandleFrame(context.Background(), []byte(`{"type":"mark_read"}`))
		assert.Empty(t, router.published)
	})
}

func TestSession_MalformedInput(t *testing.T) {
	// A frame that fails to parse is dropped without closing the session;
	// subsequent valid frames still go through.
	s, _, dispatcher, _ := newTestSession()

	assert.NotPanics(t, func() {
		s.HandleFrame(context.Background(), []byte(`{not json`))
		s.HandleFrame(context.Background(), []byte(`{"type":"no_such_frame"}`))
	})

	s.HandleFrame(context.Background(), []byte(`{"type":"chat_message","content":"still alive"}`))
	require.Len(t, dispatcher.events, 1)
	assert.Equal(t, "still alive", dispatcher.events[0].Content)
}

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-realtime/internal/chat"
	"crm-realtime/internal/notify"
)

type fakeRouter struct {
	mu        sync.Mutex
	published map[string][][]byte
	failAll   bool
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{published: make(map[string][][]byte)}
}

func (f *fakeRouter) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("bus unreachable")
	}
	f.published[topic] = append(f.published[topic], payload)
	return nil
}

func (f *fakeRouter) TopicExists(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[topic]) > 0
}

func (f *fakeRouter) frames(topic string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, p := range f.published[topic] {
		var m map[string]any
		json.Unmarshal(p, &m)
		out = append(out, m)
	}
	return out
}

type fakePresence struct {
	active map[[2]int]bool
}

func (f *fakePresence) IsActive(userID, conversationID int) bool {
	return f.active[[2]int{userID, conversationID}]
}

type fakeMessageStore struct {
	saved        []*chat.Message
	participants []chat.Participant
	saveErr      error
	nextID       int
}

func (f *fakeMessageStore) SaveMessage(ctx context.Context, conversationID, senderID int, content string) (*chat.Message, error) {
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	f.nextID++
	msg := &chat.Message{
		ID:             f.nextID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
	}
	f.saved = append(f.saved, msg)
	return msg, nil
}

func (f *fakeMessageStore) Participants(ctx context.Context, conversationID int) ([]chat.Participant, error) {
	return f.participants, nil
}

type fakeNotificationStore struct {
	created   []*notify.Notification
	unread    int
	createErr error
	countErr  error
}

func (f *fakeNotificationStore) Create(ctx context.Context, n *notify.Notification) error {
	if f.createErr != nil {
		return f.createErr
	}
	n.ID = len(f.created) + 1
	f.created = append(f.created, n)
	f.unread++
	return nil
}

func (f *fakeNotificationStore) UnreadCount(ctx context.Context, recipientID int) (int, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.unread, nil
}

func TestDispatcher_DispatchChatMessage(t *testing.T) {
	alice := chat.Participant{ID: 1, Username: "alice"}
	bob := chat.Participant{ID: 2, Username: "bob"}

	t.Run("echoes into the room and alerts the other participant", func(t *testing.T) {
		router := newFakeRouter()
		messages := &fakeMessageStore{participants: []chat.Participant{alice, bob}}
		d := New(router, &fakePresence{}, messages, &fakeNotificationStore{})

		err := d.DispatchChatMessage(context.Background(), chat.NewChatMessage{
			ConversationID: 7, SenderID: alice.ID, SenderName: "alice", Content: "hi",
		})
		require.NoError(t, err)

		echoes := router.frames(chat.RoomTopic(7))
		require.Len(t, echoes, 1)
		assert.Equal(t, "chat_message", echoes[0]["type"])
		assert.Equal(t, float64(alice.ID), echoes[0]["sender_id"])

		popups := router.frames(notify.PopupTopic(bob.ID))
		require.Len(t, popups, 1)
		assert.Equal(t, "new_message", popups[0]["type"])
		assert.Equal(t, float64(7), popups[0]["chat_room_id"])

		// The sender never gets an unsolicited popup for their own send.
		assert.Empty(t, router.frames(notify.PopupTopic(alice.ID)))
	})

	t.Run("persists before publishing", func(t *testing.T) {
		router := newFakeRouter()
		messages := &fakeMessageStore{
			participants: []chat.Participant{alice, bob},
			saveErr:      errors.New("db down"),
		}
		d := New(router, &fakePresence{}, messages, &fakeNotificationStore{})

		err := d.DispatchChatMessage(context.Background(), chat.NewChatMessage{
			ConversationID: 7, SenderID: alice.ID, Content: "hi",
		})
		require.Error(t, err)
		assert.Empty(t, router.published, "nothing fans out when the commit failed")
	})

	t.Run("sends a read hint only to an actively viewing participant", func(t *testing.T) {
		router := newFakeRouter()
		messages := &fakeMessageStore{participants: []chat.Participant{alice, bob}}
		pres := &fakePresence{active: map[[2]int]bool{{bob.ID, 7}: true}}
		d := New(router, pres, messages, &fakeNotificationStore{})

		require.NoError(t, d.DispatchChatMessage(context.Background(), chat.NewChatMessage{
			ConversationID: 7, SenderID: alice.ID, Content: "hi",
		}))

		hints := router.frames(chat.ActiveTopic(7, bob.ID))
		require.Len(t, hints, 1)
		assert.Equal(t, "mark_read", hints[0]["type"])

		// The popup still goes out: suppression is the client's call.
		assert.Len(t, router.frames(notify.PopupTopic(bob.ID)), 1)
	})

	t.Run("publish failure is swallowed once the write committed", func(t *testing.T) {
		router := newFakeRouter()
		router.failAll = true
		messages := &fakeMessageStore{participants: []chat.Participant{alice, bob}}
		d := New(router, &fakePresence{}, messages, &fakeNotificationStore{})

		err := d.DispatchChatMessage(context.Background(), chat.NewChatMessage{
			ConversationID: 7, SenderID: alice.ID, Content: "hi",
		})
		assert.NoError(t, err)
		assert.Len(t, messages.saved, 1)
	})
}

func TestDispatcher_DispatchNotification(t *testing.T) {
	t.Run("publishes the payload with the fresh unread count", func(t *testing.T) {
		router := newFakeRouter()
		notifications := &fakeNotificationStore{}
		d := New(router, &fakePresence{}, &fakeMessageStore{}, notifications)

		err := d.DispatchNotification(context.Background(), notify.NewNotification{
			RecipientID: 5, Kind: notify.KindGeneral, Title: "welcome",
		})
		require.NoError(t, err)

		frames := router.frames(notify.NotificationsTopic(5))
		require.Len(t, frames, 1)
		assert.Equal(t, "notification", frames[0]["type"])
		// No prior unread items: the count after the triggering write is 1.
		assert.Equal(t, float64(1), frames[0]["unread_count"])
	})

	t.Run("message and event kinds are excluded", func(t *testing.T) {
		for _, kind := range []notify.Kind{notify.KindMessage, notify.KindEvent} {
			router := newFakeRouter()
			notifications := &fakeNotificationStore{}
			d := New(router, &fakePresence{}, &fakeMessageStore{}, notifications)

			err := d.DispatchNotification(context.Background(), notify.NewNotification{
				RecipientID: 5, Kind: kind, Title: "dup risk",
			})
			require.NoError(t, err)
			assert.Empty(t, notifications.created, "%s must not persist via the generic path", kind)
			assert.Empty(t, router.published, "%s must not publish via the generic path", kind)
		}
	})

	t.Run("count failure drops the frame but keeps the write", func(t *testing.T) {
		router := newFakeRouter()
		notifications := &fakeNotificationStore{countErr: errors.New("db down")}
		d := New(router, &fakePresence{}, &fakeMessageStore{}, notifications)

		err := d.DispatchNotification(context.Background(), notify.NewNotification{
			RecipientID: 5, Kind: notify.KindTask, Title: "t",
		})
		assert.NoError(t, err)
		assert.Len(t, notifications.created, 1)
		assert.Empty(t, router.published)
	})

	t.Run("persist failure propagates", func(t *testing.T) {
		router := newFakeRouter()
		notifications := &fakeNotificationStore{createErr: errors.New("db down")}
		d := New(router, &fakePresence{}, &fakeMessageStore{}, notifications)

		err := d.DispatchNotification(context.Background(), notify.NewNotification{
			RecipientID: 5, Kind: notify.KindTask, Title: "t",
		})
		assert.Error(t, err)
		assert.Empty(t, router.published)
	})
}

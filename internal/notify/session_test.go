package notify

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

// fakeReadStore models the reconciler contract: MarkAllRead returns the
// post-update count from inside the same transaction.
type fakeReadStore struct {
	read       map[int]bool
	unread     int
	markErr    error
	markAllErr error
}

func newFakeReadStore(unread int) *fakeReadStore {
	return &fakeReadStore{read: make(map[int]bool), unread: unread}
}

func (f *fakeReadStore) MarkRead(ctx context.Context, notificationID, recipientID int) error {
	if f.markErr != nil {
		return f.markErr
	}
	if !f.read[notificationID] {
		f.read[notificationID] = true
		f.unread--
	}
	return nil
}

func (f *fakeReadStore) MarkAllRead(ctx context.Context, recipientID int) (int, error) {
	if f.markAllErr != nil {
		return 0, f.markAllErr
	}
	f.unread = 0
	return 0, nil
}

func (f *fakeReadStore) UnreadCount(ctx context.Context, recipientID int) (int, error) {
	return f.unread, nil
}

func frames(t *testing.T, router *fakePublisher, topic string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, p := range router.published[topic] {
		var m map[string]any
		require.NoError(t, json.Unmarshal(p, &m))
		out = append(out, m)
	}
	return out
}

func TestSession_MarkRead(t *testing.T) {
	t.Run("publishes the update and the recomputed count", func(t *testing.T) {
		router := newFakePublisher()
		reads := newFakeReadStore(3)
		s := NewSession(5, router, reads)

		s.HandleFrame(context.Background(), []byte(`{"type":"mark_read","notification_id":42}`))

		got := frames(t, router, NotificationsTopic(5))
		require.Len(t, got, 2)
		assert.Equal(t, "notification_updated", got[0]["type"])
		assert.Equal(t, float64(42), got[0]["notification_id"])
		assert.Equal(t, true, got[0]["is_read"])
		assert.Equal(t, "unread_count_updated", got[1]["type"])
		assert.Equal(t, float64(2), got[1]["unread_count"])
	})

	t.Run("re-marking an already read item is a no-op, not an error", func(t *testing.T) {
		router := newFakePublisher()
		reads := newFakeReadStore(1)
		s := NewSession(5, router, reads)

		s.HandleFrame(context.Background(), []byte(`{"type":"mark_read","notification_id":42}`))
		s.HandleFrame(context.Background(), []byte(`{"type":"mark_read","notification_id":42}`))

		assert.Equal(t, 0, reads.unread)
	})

	t.Run("missing id is dropped", func(t *testing.T) {
		router := newFakePublisher()
		s := NewSession(5, router, newFakeReadStore(1))

		s.HandleFrame(context.Background(), []byte(`{"type":"mark_read"}`))
		assert.Empty(t, router.published)
	})

	t.Run("store failure publishes nothing", func(t *testing.T) {
		router := newFakePublisher()
		reads := newFakeReadStore(1)
		reads.markErr = errors.New("db down")
		s := NewSession(5, router, reads)

		s.HandleFrame(context.Background(), []byte(`{"type":"mark_read","notification_id":1}`))
		assert.Empty(t, router.published)
	})
}

func TestSession_MarkAllRead(t *testing.T) {
	router := newFakePublisher()
	reads := newFakeReadStore(7)
	s := NewSession(5, router, reads)

	s.HandleFrame(context.Background(), []byte(`{"type":"mark_all_read"}`))

	got := frames(t, router, NotificationsTopic(5))
	require.Len(t, got, 1)
	assert.Equal(t, "unread_count_updated", got[0]["type"])
	// The count after markAllRead is always zero for the scope.
	assert.Equal(t, float64(0), got[0]["unread_count"])
}

func TestSession_MalformedInput(t *testing.T) {
	router := newFakePublisher()
	reads := newFakeReadStore(2)
	s := NewSession(5, router, reads)

	assert.NotPanics(t, func() {
		s.HandleFrame(context.Background(), []byte(`not even json`))
		s.HandleFrame(context.Background(), []byte(`{"type":"bogus"}`))
	})
	assert.Empty(t, router.published)

	// Still processing after the garbage.
	s.HandleFrame(context.Background(), []byte(`{"type":"mark_all_read"}`))
	assert.Len(t, router.published[NotificationsTopic(5)], 1)
}

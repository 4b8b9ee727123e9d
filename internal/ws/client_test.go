package ws

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_StateMachine(t *testing.T) {
	t.Run("walks connecting to joined", func(t *testing.T) {
		c := NewClient(nil, 1, "alice")
		assert.Equal(t, StateConnecting, c.State())

		c.MarkAuthenticated()
		assert.Equal(t, StateAuthenticated, c.State())

		c.MarkJoined()
		assert.Equal(t, StateJoined, c.State())

		c.Close()
		assert.Equal(t, StateClosed, c.State())
	})

	t.Run("rejected is terminal", func(t *testing.T) {
		c := NewClient(nil, 1, "alice")
		c.MarkAuthenticated()
		c.Reject()
		assert.Equal(t, StateRejected, c.State())

		// No transition climbs out of a terminal state.
		c.MarkJoined()
		assert.Equal(t, StateRejected, c.State())
		c.Close()
		assert.Equal(t, StateRejected, c.State())
	})

	t.Run("connection identities are unique", func(t *testing.T) {
		a := NewClient(nil, 1, "alice")
		b := NewClient(nil, 1, "alice")
		assert.NotEqual(t, a.ID(), b.ID())
	})
}

func TestClient_CleanupRunsExactlyOnce(t *testing.T) {
	t.Run("racing close triggers", func(t *testing.T) {
		c := NewClient(nil, 1, "alice")
		var calls int32
		var mu sync.Mutex
		c.SetCleanup(func() {
			mu.Lock()
			calls++
			mu.Unlock()
		})
		c.MarkAuthenticated()
		c.MarkJoined()

		// Transport error and explicit close racing from several signals.
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.Close()
			}()
		}
		wg.Wait()

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, int32(1), calls)
	})

	t.Run("reject also runs cleanup", func(t *testing.T) {
		c := NewClient(nil, 1, "alice")
		ran := false
		c.SetCleanup(func() { ran = true })
		c.Reject()
		assert.True(t, ran)

		c.Close()
		assert.True(t, ran)
	})
}

func TestClient_TrySend(t *testing.T) {
	t.Run("enqueues while the buffer has room", func(t *testing.T) {
		c := NewClient(nil, 1, "alice")
		require.NoError(t, c.TrySend([]byte("hello")))
		assert.Equal(t, []byte("hello"), <-c.send)
	})

	t.Run("backlog schedules removal instead of blocking", func(t *testing.T) {
		c := NewClient(nil, 1, "alice")
		closed := make(chan struct{})
		c.SetCleanup(func() { close(closed) })

		// Nobody drains the buffer: fill it, then one more.
		for i := 0; i < sendBuffer; i++ {
			require.NoError(t, c.TrySend([]byte(fmt.Sprintf("m%d", i))))
		}
		err := c.TrySend([]byte("overflow"))
		assert.ErrorIs(t, err, ErrSendBacklog)

		select {
		case <-closed:
		case <-time.After(time.Second):
			t.Fatal("backlogged client never scheduled its own removal")
		}
	})

	t.Run("rejects sends after close", func(t *testing.T) {
		c := NewClient(nil, 1, "alice")
		c.Close()
		assert.Error(t, c.TrySend([]byte("too late")))
	})
}

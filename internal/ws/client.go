package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 4096                // Maximum frame size allowed from the peer.

	sendBuffer = 256
)

// ErrSendBacklog means the outbound buffer for a connection is full. The
// connection is scheduled for removal; the publish that hit it carries on to
// the other subscribers.
var ErrSendBacklog = errors.New("ws: send buffer full")

// FrameHandler processes one inbound client frame. Implementations drop
// malformed input silently; a bad frame is never fatal to the session.
type FrameHandler interface {
	HandleFrame(ctx context.Context, data []byte)
}

// Client owns one live socket: identity, outbound buffer, state machine and
// the read/write pumps. It is the only writer to its websocket connection.
type Client struct {
	connID    string
	userID    int
	username  string
	createdAt time.Time

	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	frames FrameHandler

	// cleanup deregisters the connection from the bus and the presence
	// tracker. It runs exactly once, no matter how many close triggers
	// race (transport error, explicit close, server shutdown).
	cleanup   func()
	closeOnce sync.Once

	mu    sync.Mutex
	state State

	log zerolog.Logger
}

func NewClient(conn *websocket.Conn, userID int, username string) *Client {
	connID := uuid.NewString()
	return &Client{
		connID:    connID,
		userID:    userID,
		username:  username,
		createdAt: time.Now(),
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		state:     StateConnecting,
		log:       log.With().Str("conn_id", connID).Int("user_id", userID).Logger(),
	}
}

func (c *Client) ID() string       { return c.connID }
func (c *Client) UserID() int      { return c.userID }
func (c *Client) Username() string { return c.username }

func (c *Client) SetFrameHandler(h FrameHandler) { c.frames = h }

// SetCleanup installs the close-path callback. It must run before the client
// is handed to the bus; once registered, any goroutine may trigger Close.
func (c *Client) SetCleanup(fn func()) {
	c.mu.Lock()
	c.cleanup = fn
	c.mu.Unlock()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) advance(to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.terminal() {
		return
	}
	c.log.Debug().Stringer("from", c.state).Stringer("to", to).Msg("connection state")
	c.state = to
}

// MarkAuthenticated records the Connecting -> Authenticated transition after
// the handshake credential checked out.
func (c *Client) MarkAuthenticated() { c.advance(StateAuthenticated) }

// MarkJoined records the Authenticated -> Joined transition after the
// connection is registered and subscribed.
func (c *Client) MarkJoined() { c.advance(StateJoined) }

// Reject terminates the connection from Connecting or Authenticated. The
// socket closes without an error frame and no partial state is left behind.
func (c *Client) Reject() { c.shutdown(StateRejected) }

// Close runs the Joined -> Closed path: cleanup exactly once, then the
// transport goes down. Safe to call from multiple goroutines and multiple
// times.
func (c *Client) Close() { c.shutdown(StateClosed) }

func (c *Client) shutdown(to State) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = to
		cleanup := c.cleanup
		c.mu.Unlock()

		if cleanup != nil {
			cleanup()
		}
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// TrySend enqueues an outbound payload without blocking. On backlog the
// connection schedules its own removal; the caller treats the error as
// "subscriber gone", not as a delivery failure of the publish.
func (c *Client) TrySend(payload []byte) error {
	select {
	case <-c.done:
		return ErrSendBacklog
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		go c.Close()
		return ErrSendBacklog
	}
}

// ReadPump pumps frames from the socket to the frame handler. It runs in the
// connection's own goroutine and triggers Close on the way out, so transport
// close from either side deterministically runs the cleanup path.
func (c *Client) ReadPump(ctx context.Context) {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			// A normal goodbye is not worth a log line.
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("read pump terminated")
			}
			return
		}
		if c.frames != nil {
			c.frames.HandleFrame(ctx, data)
		}
	}
}

// WritePump drains the send buffer to the socket and keeps the connection
// alive with pings. One writer per connection; gorilla allows no more.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.Close()
				return
			}
			w.Write(payload)
			if err := w.Close(); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

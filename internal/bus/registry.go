package bus

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	// ErrDuplicateConnection means Register was called twice with the same
	// connection identity. That is a programming error in the caller, not a
	// recoverable condition.
	ErrDuplicateConnection = errors.New("bus: connection already registered")

	// ErrUnknownConnection means Subscribe was called for a connection that
	// was never registered (or already deregistered).
	ErrUnknownConnection = errors.New("bus: connection not registered")
)

// Subscriber is what the bus needs from a live connection.
// Implementations must not block in TrySend; a returned error means the
// subscriber is wedged or closed and will take itself out of the registry.
type Subscriber interface {
	ID() string
	TrySend(payload []byte) error
}

// session is the registry entry for one live connection.
type session struct {
	sub    Subscriber
	userID int
	topics map[string]struct{}
}

// topic is a named broadcast channel. It exists only while it has
// subscribers; the Bus garbage-collects it when the set drains.
//
// Each topic carries its own mutex so publishes to unrelated topics never
// serialize against each other. The per-topic lock is held across the whole
// fan-out loop, which is what gives FIFO ordering per topic.
type topic struct {
	mu   sync.Mutex
	subs map[string]Subscriber
}

// Bus is the shared mutable state between all connection tasks: the session
// registry (connection -> topics) and the topic router (topic -> connections).
// Everything here is in-memory and disposable; durable state lives in the
// store, and clients rebuild their subscriptions by reconnecting.
type Bus struct {
	mu     sync.RWMutex
	conns  map[string]*session
	topics map[string]*topic

	bridge *redisBridge // nil in single-instance mode
}

func New() *Bus {
	return &Bus{
		conns:  make(map[string]*session),
		topics: make(map[string]*topic),
	}
}

// Register creates the registry entry for a new connection.
func (b *Bus) Register(connID string, userID int, sub Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.conns[connID]; exists {
		return ErrDuplicateConnection
	}
	b.conns[connID] = &session{
		sub:    sub,
		userID: userID,
		topics: make(map[string]struct{}),
	}
	log.Debug().Str("conn_id", connID).Int("user_id", userID).Msg("connection registered")
	return nil
}

// Subscribe joins the connection to a topic, creating the topic on first use.
// Subscribing twice to the same topic is a no-op.
func (b *Bus) Subscribe(connID, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, ok := b.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if _, already := sess.topics[name]; already {
		return nil
	}
	sess.topics[name] = struct{}{}

	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[string]Subscriber)}
		b.topics[name] = t
	}
	t.mu.Lock()
	t.subs[connID] = sess.sub
	t.mu.Unlock()
	return nil
}

// Unsubscribe removes the connection from a topic. Leaving a topic never
// joined is a no-op. Returns true when the topic became empty and was
// collected.
func (b *Bus) Unsubscribe(connID, name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, ok := b.conns[connID]
	if !ok {
		return false
	}
	if _, joined := sess.topics[name]; !joined {
		return false
	}
	delete(sess.topics, name)
	return b.dropFromTopic(connID, name)
}

// Deregister removes the connection and every subscription it held, returning
// the topics that drained as a result. Calling it again for the same
// connection is a no-op returning nil.
func (b *Bus) Deregister(connID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, ok := b.conns[connID]
	if !ok {
		return nil
	}
	delete(b.conns, connID)

	var emptied []string
	for name := range sess.topics {
		if b.dropFromTopic(connID, name) {
			emptied = append(emptied, name)
		}
	}
	log.Debug().Str("conn_id", connID).Int("emptied_topics", len(emptied)).Msg("connection deregistered")
	return emptied
}

// dropFromTopic removes a subscriber and collects the topic when empty.
// Caller holds b.mu.
func (b *Bus) dropFromTopic(connID, name string) bool {
	t, ok := b.topics[name]
	if !ok {
		return false
	}
	t.mu.Lock()
	delete(t.subs, connID)
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty {
		delete(b.topics, name)
	}
	return empty
}

package bus

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// envelope is the wire form a publish takes through Redis so that every
// instance can route it to its own local subscribers.
type envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

type redisBridge struct {
	rdb     *redis.Client
	channel string
}

// Publish delivers payload to every connection currently subscribed to the
// topic. Ordering is FIFO per topic: two publishes to the same topic reach
// every common subscriber in publish order. Fan-out across subscribers is
// unordered and fire-and-forget; a subscriber that cannot accept the payload
// closes itself and falls out of the registry without affecting the others.
//
// Publishing to a topic nobody subscribes to is a legal no-op. The bus has no
// durable queue; durability of the underlying event is the store's job.
func (b *Bus) Publish(name string, payload []byte) error {
	if b.bridge != nil {
		// Route through Redis so sibling instances see it too. Redis
		// pub/sub preserves per-channel order, and the single listener
		// goroutine preserves it into the local fan-out.
		data, err := json.Marshal(envelope{Topic: name, Payload: payload})
		if err != nil {
			return err
		}
		return b.bridge.rdb.Publish(context.Background(), b.bridge.channel, data).Err()
	}
	b.dispatchLocal(name, payload)
	return nil
}

// TopicExists reports whether anyone is currently listening on the topic.
func (b *Bus) TopicExists(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.topics[name]
	return ok
}

// AttachRedis switches the bus into multi-instance mode: publishes go through
// the given Redis channel and a listener goroutine fans incoming envelopes out
// to local subscribers. Must be called before the bus starts serving.
func (b *Bus) AttachRedis(ctx context.Context, rdb *redis.Client, channel string) {
	b.bridge = &redisBridge{rdb: rdb, channel: channel}
	go b.listenRedis(ctx)
}

func (b *Bus) listenRedis(ctx context.Context) {
	pubsub := b.bridge.rdb.Subscribe(ctx, b.bridge.channel)
	defer pubsub.Close()

	log.Info().Str("channel", b.bridge.channel).Msg("bus subscribed to redis bridge")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Error().Err(err).Msg("bus: bad envelope from redis bridge")
				continue
			}
			b.dispatchLocal(env.Topic, env.Payload)
		}
	}
}

// dispatchLocal performs the in-process fan-out. The per-topic lock is held
// for the whole loop: publishes to the same topic enqueue in order, publishes
// to different topics run in parallel.
func (b *Bus) dispatchLocal(name string, payload []byte) {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for connID, sub := range t.subs {
		if err := sub.TrySend(payload); err != nil {
			// The subscriber schedules its own removal; never let one
			// wedged socket stall the rest of the fan-out.
			log.Warn().Err(err).Str("conn_id", connID).Str("topic", name).
				Msg("dropping payload for slow subscriber")
		}
	}
}

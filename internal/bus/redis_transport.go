package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/model"
)

// envelope wraps an event on the wire. Origin lets a process drop its own
// publications, since redis pub/sub echoes to every subscriber including the
// publisher.
type envelope struct {
	Origin string      `json:"origin"`
	Event  model.Event `json:"event"`
}

// RedisTransport fans events out over redis pub/sub channels named
// "<prefix>.<topic>".
type RedisTransport struct {
	client redis.UniversalClient
	prefix string
	origin string

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

func NewRedisTransport(client redis.UniversalClient, prefix string) *RedisTransport {
	return &RedisTransport{
		client: client,
		prefix: prefix,
		origin: uuid.NewString(),
		subs:   make(map[string]*redis.PubSub),
	}
}

func (t *RedisTransport) channel(topic string) string {
	return t.prefix + "." + topic
}

func (t *RedisTransport) Publish(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(envelope{Origin: t.origin, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := t.client.Publish(ctx, t.channel(ev.Type), payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, topic string, deliver func(model.Event)) error {
	t.mu.Lock()
	if _, exists := t.subs[topic]; exists {
		t.mu.Unlock()
		return nil
	}
	pubsub := t.client.Subscribe(ctx, t.channel(topic))
	t.subs[topic] = pubsub
	t.mu.Unlock()

	// Confirm the subscription before returning so no event published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		t.mu.Lock()
		delete(t.subs, topic)
		t.mu.Unlock()
		_ = pubsub.Close()
		return fmt.Errorf("%w: subscribe %s: %v", ErrTransportUnavailable, topic, err)
	}

	go func() {
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
					logging.Warn(context.Background(), "bad event envelope",
						zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				if env.Origin == t.origin {
					continue
				}
				deliver(env.Event)
			}
		}
	}()
	return nil
}

func (t *RedisTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for topic, pubsub := range t.subs {
		if err := pubsub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.subs, topic)
	}
	return firstErr
}

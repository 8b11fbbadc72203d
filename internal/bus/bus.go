// Package bus is the publish/subscribe fabric. Local subscribers are invoked
// synchronously in registration order; a pluggable Transport fans events out
// to subscribers in other processes, best-effort. Delivery is at-most-once:
// a transport failure is logged, never surfaced to the emitter.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/consts"
	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/model"
)

// ErrTransportUnavailable wraps transport publish/subscribe failures. It is
// non-fatal: the bus logs it and local delivery continues.
var ErrTransportUnavailable = errors.New("event transport unavailable")

// Handler consumes one event. Errors are logged and isolated; one failing
// handler never blocks delivery to the rest.
type Handler func(ctx context.Context, ev model.Event) error

// Transport moves events between processes. Publish is best-effort;
// Subscribe opens a topic feed whose deliveries re-enter the local bus.
type Transport interface {
	Publish(ctx context.Context, ev model.Event) error
	Subscribe(ctx context.Context, topic string, deliver func(model.Event)) error
	Close() error
}

// Subscription identifies one registered handler for Unsubscribe.
type Subscription struct {
	topic   string
	id      uint64
	handler Handler
}

func (s *Subscription) Topic() string { return s.topic }

type Bus struct {
	*core.BaseComponent

	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]*Subscription
	opened map[string]bool

	transport   Transport
	transportFn func() Transport
	metrics     *metrics.Metrics

	loopCtx context.Context
	cancel  context.CancelFunc
}

type Option func(*Bus)

// WithTransport attaches a distributed transport. Without one the bus is
// local-only, which is a fully supported mode.
func WithTransport(t Transport) Option {
	return func(b *Bus) { b.transport = t }
}

// WithTransportFactory defers transport construction to Start, for
// transports built on connections another component opens first.
func WithTransportFactory(fn func() Transport) Option {
	return func(b *Bus) { b.transportFn = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

func New(opts ...Option) *Bus {
	b := &Bus{
		BaseComponent: core.NewBaseComponent(consts.COMPONENT_BUS, consts.COMPONENT_LOGGING),
		subs:          make(map[string][]*Subscription),
		opened:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Start(ctx context.Context) error {
	if err := b.BaseComponent.Start(ctx); err != nil {
		return err
	}
	// Transport subscriptions outlive the Start context.
	b.loopCtx, b.cancel = context.WithCancel(context.Background())

	if b.transport == nil && b.transportFn != nil {
		b.transport = b.transportFn()
	}

	b.mu.Lock()
	topics := make([]string, 0, len(b.subs))
	for topic := range b.subs {
		topics = append(topics, topic)
	}
	b.mu.Unlock()

	for _, topic := range topics {
		b.openTransportTopic(topic)
	}
	return nil
}

func (b *Bus) Stop(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.transport != nil {
		if err := b.transport.Close(); err != nil {
			logging.Warn(ctx, "bus transport close failed", zap.Error(err))
		}
	}
	return b.BaseComponent.Stop(ctx)
}

// Emit delivers ev to every local handler for ev.Type in registration order,
// then publishes on the transport. It never returns an error: handler and
// transport failures are logged, and emitting to a topic with no subscribers
// is a no-op.
func (b *Bus) Emit(ctx context.Context, ev model.Event) {
	if b.metrics != nil {
		b.metrics.EventsEmitted.Inc()
	}
	b.dispatchLocal(ctx, ev)

	if b.transport == nil {
		return
	}
	if err := b.transport.Publish(ctx, ev); err != nil {
		if b.metrics != nil {
			b.metrics.EventsDropped.Inc()
		}
		logging.Warn(ctx, "event transport publish failed",
			zap.String("type", ev.Type), zap.Error(err))
	}
}

func (b *Bus) dispatchLocal(ctx context.Context, ev model.Event) {
	b.mu.RLock()
	handlers := make([]*Subscription, len(b.subs[ev.Type]))
	copy(handlers, b.subs[ev.Type])
	b.mu.RUnlock()

	for _, sub := range handlers {
		b.invoke(ctx, sub, ev)
	}
}

func (b *Bus) invoke(ctx context.Context, sub *Subscription, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.metrics != nil {
				b.metrics.EventsDropped.Inc()
			}
			logging.Error(ctx, "event handler panic",
				zap.String("type", ev.Type), zap.Any("panic", r))
		}
	}()
	if err := sub.handler(ctx, ev); err != nil {
		if b.metrics != nil {
			b.metrics.EventsDropped.Inc()
		}
		logging.Warn(ctx, "event handler failed",
			zap.String("type", ev.Type), zap.Error(err))
		return
	}
	if b.metrics != nil {
		b.metrics.EventsDelivered.Inc()
	}
}

// Subscribe registers handler for the topic and idempotently opens the
// matching transport subscription.
func (b *Bus) Subscribe(topic string, handler Handler) *Subscription {
	b.mu.Lock()
	b.nextID++
	sub := &Subscription{topic: topic, id: b.nextID, handler: handler}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	if b.IsActive() {
		b.openTransportTopic(topic)
	}
	return sub
}

// Unsubscribe removes a previously registered handler. Unknown subscriptions
// are ignored.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := b.subs[sub.topic]
	for i, s := range handlers {
		if s.id == sub.id {
			b.subs[sub.topic] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
}

func (b *Bus) openTransportTopic(topic string) {
	if b.transport == nil {
		return
	}
	b.mu.Lock()
	if b.opened[topic] {
		b.mu.Unlock()
		return
	}
	b.opened[topic] = true
	b.mu.Unlock()

	// Remote deliveries re-enter only the local dispatch path: publishing
	// again would loop the event between processes.
	err := b.transport.Subscribe(b.loopCtx, topic, func(ev model.Event) {
		b.dispatchLocal(b.loopCtx, ev)
	})
	if err != nil {
		b.mu.Lock()
		delete(b.opened, topic)
		b.mu.Unlock()
		logging.Warn(context.Background(), "event transport subscribe failed",
			zap.String("topic", topic), zap.Error(err))
	}
}

// SubscriberCount reports the number of local handlers for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Bus) HealthCheck() error {
	if err := b.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	if b.loopCtx == nil {
		return fmt.Errorf("bus not started")
	}
	return nil
}

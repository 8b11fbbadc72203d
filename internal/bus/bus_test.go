package bus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/loomworks/loom/internal/model"
)

type fakeTransport struct {
	mu        sync.Mutex
	published []model.Event
	delivers  map[string]func(model.Event)
	pubErr    error
	subErr    error
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{delivers: make(map[string]func(model.Event))}
}

func (t *fakeTransport) Publish(ctx context.Context, ev model.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubErr != nil {
		return t.pubErr
	}
	t.published = append(t.published, ev)
	return nil
}

func (t *fakeTransport) Subscribe(ctx context.Context, topic string, deliver func(model.Event)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subErr != nil {
		return t.subErr
	}
	t.delivers[topic] = deliver
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) publishedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.published)
}

func startedBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	b := New(opts...)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(func() { b.Stop(context.Background()) })
	return b
}

func TestEmitDeliversInRegistrationOrder(t *testing.T) {
	b := startedBus(t)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		b.Subscribe("tick", func(ctx context.Context, ev model.Event) error {
			got = append(got, i)
			return nil
		})
	}

	b.Emit(context.Background(), model.NewEvent("tick", nil))

	if len(got) != 5 {
		t.Fatalf("expected 5 deliveries, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("delivery order broken: %v", got)
		}
	}
}

func TestFailingHandlerDoesNotBlockOthers(t *testing.T) {
	b := startedBus(t)

	var delivered []string
	b.Subscribe("tick", func(ctx context.Context, ev model.Event) error {
		return errors.New("handler error")
	})
	b.Subscribe("tick", func(ctx context.Context, ev model.Event) error {
		panic("handler panic")
	})
	b.Subscribe("tick", func(ctx context.Context, ev model.Event) error {
		delivered = append(delivered, "survivor")
		return nil
	})

	b.Emit(context.Background(), model.NewEvent("tick", nil))

	if len(delivered) != 1 || delivered[0] != "survivor" {
		t.Fatalf("later handler did not run: %v", delivered)
	}
}

func TestEmitWithNoSubscribersIsNoop(t *testing.T) {
	b := startedBus(t)
	b.Emit(context.Background(), model.NewEvent("nobody_home", nil))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := startedBus(t)

	var count int
	sub := b.Subscribe("tick", func(ctx context.Context, ev model.Event) error {
		count++
		return nil
	})

	b.Emit(context.Background(), model.NewEvent("tick", nil))
	b.Unsubscribe(sub)
	b.Emit(context.Background(), model.NewEvent("tick", nil))

	if count != 1 {
		t.Fatalf("expected 1 delivery, got %d", count)
	}
	if b.SubscriberCount("tick") != 0 {
		t.Fatalf("subscriber count not zero after unsubscribe")
	}
}

func TestEmitPublishesOnTransport(t *testing.T) {
	tr := newFakeTransport()
	b := startedBus(t, WithTransport(tr))

	b.Emit(context.Background(), model.NewEvent("tick", map[string]int{"n": 1}))

	if tr.publishedCount() != 1 {
		t.Fatalf("expected 1 transport publish, got %d", tr.publishedCount())
	}
}

func TestTransportPublishFailureDoesNotReachEmitter(t *testing.T) {
	tr := newFakeTransport()
	tr.pubErr = errors.New("transport down")
	b := startedBus(t, WithTransport(tr))

	var localDelivered bool
	b.Subscribe("tick", func(ctx context.Context, ev model.Event) error {
		localDelivered = true
		return nil
	})

	// Must not panic or surface the transport error.
	b.Emit(context.Background(), model.NewEvent("tick", nil))

	if !localDelivered {
		t.Fatal("local delivery must survive transport failure")
	}
}

func TestSubscribeOpensTransportTopicOnce(t *testing.T) {
	tr := newFakeTransport()
	b := startedBus(t, WithTransport(tr))

	b.Subscribe("tick", func(ctx context.Context, ev model.Event) error { return nil })
	b.Subscribe("tick", func(ctx context.Context, ev model.Event) error { return nil })

	tr.mu.Lock()
	opened := len(tr.delivers)
	tr.mu.Unlock()
	if opened != 1 {
		t.Fatalf("expected a single transport subscription, got %d", opened)
	}
}

func TestRemoteDeliveryReachesLocalHandlers(t *testing.T) {
	tr := newFakeTransport()
	b := startedBus(t, WithTransport(tr))

	var got []string
	b.Subscribe("tick", func(ctx context.Context, ev model.Event) error {
		got = append(got, string(ev.Payload))
		return nil
	})

	tr.mu.Lock()
	deliver := tr.delivers["tick"]
	tr.mu.Unlock()
	if deliver == nil {
		t.Fatal("transport subscription not opened")
	}
	deliver(model.NewEvent("tick", "remote"))

	if len(got) != 1 || got[0] != `"remote"` {
		t.Fatalf("remote event not delivered locally: %v", got)
	}
}

func TestPreStartSubscriptionsOpenOnStart(t *testing.T) {
	tr := newFakeTransport()
	b := New(WithTransport(tr))
	b.Subscribe("early", func(ctx context.Context, ev model.Event) error { return nil })

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop(context.Background())

	tr.mu.Lock()
	_, opened := tr.delivers["early"]
	tr.mu.Unlock()
	if !opened {
		t.Fatal("pre-start subscription was not opened on the transport")
	}
}

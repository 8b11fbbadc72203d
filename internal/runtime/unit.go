package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/model"
)

// unitMsg is one item of work for a unit's event loop.
type unitMsg interface{ isUnitMsg() }

type callMsg struct {
	method string
	args   json.RawMessage
	reply  chan callResult
}

type eventMsg struct {
	topic string
	event model.Event
}

func (callMsg) isUnitMsg()  {}
func (eventMsg) isUnitMsg() {}

type callResult struct {
	result json.RawMessage
	err    error
}

// unit is one goroutine-confined execution environment. All service code
// (Init aside) runs on the loop goroutine, so calls to the same unit never
// interleave.
type unit struct {
	id       string
	endpoint string
	svc      Service
	methods  map[string]MethodFunc
	handlers map[string]EventHandler
	mailbox  chan unitMsg
	cancel   context.CancelFunc
	done     chan struct{}
}

func newUnit(id, endpoint string, svc Service, mailboxSize int) *unit {
	// The tables are snapshotted here; later mutations by the service are
	// invisible to dispatch.
	methods := make(map[string]MethodFunc, len(svc.Methods()))
	for name, fn := range svc.Methods() {
		methods[name] = fn
	}
	handlers := make(map[string]EventHandler, len(svc.Subscriptions()))
	for topic, fn := range svc.Subscriptions() {
		handlers[topic] = fn
	}
	return &unit{
		id:       id,
		endpoint: endpoint,
		svc:      svc,
		methods:  methods,
		handlers: handlers,
		mailbox:  make(chan unitMsg, mailboxSize),
		done:     make(chan struct{}),
	}
}

func (u *unit) start() {
	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	go u.loop(ctx)
}

func (u *unit) stop() {
	if u.cancel == nil {
		return
	}
	u.cancel()
	<-u.done
}

func (u *unit) loop(ctx context.Context) {
	defer close(u.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-u.mailbox:
			switch m := msg.(type) {
			case callMsg:
				m.reply <- u.handleCall(ctx, m)
			case eventMsg:
				u.handleEvent(ctx, m)
			}
		}
	}
}

func (u *unit) handleCall(ctx context.Context, m callMsg) callResult {
	fn, ok := u.methods[m.method]
	if !ok {
		return callResult{err: fmt.Errorf("%w: %s.%s", ErrMethodNotFound, u.id, m.method)}
	}
	out, err := invokeMethod(ctx, fn, m.args)
	if err != nil {
		return callResult{err: err}
	}
	// Copy-out boundary: the result leaves the unit as its JSON form.
	encoded, err := json.Marshal(out)
	if err != nil {
		return callResult{err: fmt.Errorf("encode result of %s.%s: %w", u.id, m.method, err)}
	}
	return callResult{result: encoded}
}

func (u *unit) handleEvent(ctx context.Context, m eventMsg) {
	fn, ok := u.handlers[m.topic]
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Error(ctx, "event handler panic in unit",
				zap.String("service_id", u.id),
				zap.String("topic", m.topic),
				zap.Any("panic", r))
		}
	}()
	fn(ctx, m.event)
}

func invokeMethod(ctx context.Context, fn MethodFunc, args json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("method panic: %v", r)
		}
	}()
	return fn(ctx, args)
}

// deliverEvent hands a bus event to the unit without blocking the emitter.
// A full mailbox drops the event, which is within the at-most-once
// guarantee.
func (u *unit) deliverEvent(topic string, ev model.Event) bool {
	payload := make(json.RawMessage, len(ev.Payload))
	copy(payload, ev.Payload)
	select {
	case u.mailbox <- eventMsg{topic: topic, event: model.Event{Type: ev.Type, Payload: payload}}:
		return true
	default:
		return false
	}
}

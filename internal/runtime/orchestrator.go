package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/bus"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/consts"
	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/model"
)

// instance is one registered service with its current unit and handle.
type instance struct {
	desc   Descriptor
	handle RuntimeHandle
	unit   *unit
	subs   []*bus.Subscription
}

// Orchestrator owns every RuntimeHandle. Registration happens before Start;
// Start brings units up with partial-failure tolerance, Stop tears them down
// in reverse start order.
type Orchestrator struct {
	*core.BaseComponent

	cfg     config.RuntimeConfig
	bus     *bus.Bus
	metrics *metrics.Metrics

	mu        sync.RWMutex
	instances map[string]*instance
	order     []string // start order, sorted service ids
}

func NewOrchestrator(cfg config.RuntimeConfig, b *bus.Bus, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		BaseComponent: core.NewBaseComponent(consts.COMPONENT_ORCHESTRATOR,
			consts.COMPONENT_BUS, consts.COMPONENT_LOGGING),
		cfg:       cfg,
		bus:       b,
		metrics:   m,
		instances: make(map[string]*instance),
	}
}

// Register records a service for the next Start. Duplicate ids are refused.
func (o *Orchestrator) Register(desc Descriptor) error {
	if desc.ID == "" || desc.New == nil {
		return fmt.Errorf("descriptor needs an id and a factory")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.instances[desc.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateService, desc.ID)
	}
	o.instances[desc.ID] = &instance{
		desc: desc,
		handle: RuntimeHandle{
			ServiceID: desc.ID,
			Name:      desc.Name,
			State:     StateUninitialized,
		},
	}
	o.order = append(o.order, desc.ID)
	sort.Strings(o.order)
	return nil
}

// Start brings every registered service up. A service that fails to reach
// ready within the init timeout is reported and left terminated; the others
// start regardless.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.IsActive() {
		return nil
	}
	if err := o.BaseComponent.Start(ctx); err != nil {
		return err
	}

	o.mu.RLock()
	order := append([]string(nil), o.order...)
	o.mu.RUnlock()

	for _, id := range order {
		if err := o.startInstance(ctx, id); err != nil {
			logging.Error(ctx, "service failed to start",
				zap.String("service_id", id), zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) startInstance(ctx context.Context, id string) error {
	o.mu.Lock()
	ins, exists := o.instances[id]
	if !exists {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceUnavailable, id)
	}
	if ins.handle.State == StateReady || ins.handle.State == StateInitializing {
		o.mu.Unlock()
		return nil
	}
	ins.handle.State = StateInitializing
	ins.handle.LastError = ""
	o.mu.Unlock()

	fail := func(err error) error {
		o.mu.Lock()
		ins.handle.State = StateTerminated
		ins.handle.LastError = err.Error()
		o.mu.Unlock()
		return err
	}

	svc := ins.desc.New()
	endpoint := fmt.Sprintf("unit://%s/%s", id, uuid.NewString())
	u := newUnit(id, endpoint, svc, o.cfg.MailboxSize)

	// Topic subscriptions go in before ready so nothing emitted after the
	// flip can be missed.
	topics := make([]string, 0, len(u.handlers))
	subs := make([]*bus.Subscription, 0, len(u.handlers))
	for topic := range u.handlers {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		topic := topic
		subs = append(subs, o.bus.Subscribe(topic, func(ctx context.Context, ev model.Event) error {
			if !u.deliverEvent(topic, ev) {
				if o.metrics != nil {
					o.metrics.EventsDropped.Inc()
				}
				return fmt.Errorf("mailbox full for %s on %s", id, topic)
			}
			return nil
		}))
	}

	initCtx, cancel := context.WithTimeout(ctx, o.cfg.InitTimeout.Std())
	err := svc.Init(initCtx)
	cancel()
	if err != nil {
		for _, sub := range subs {
			o.bus.Unsubscribe(sub)
		}
		return fail(fmt.Errorf("init %s: %w", id, err))
	}

	u.start()

	o.mu.Lock()
	ins.unit = u
	ins.subs = subs
	ins.handle.Endpoint = endpoint
	ins.handle.Topics = topics
	ins.handle.State = StateReady
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ReadyUnits.Inc()
	}
	o.bus.Emit(ctx, model.NewEvent(model.TopicServiceReady, map[string]string{"service_id": id}))
	logging.Info(ctx, "service ready",
		zap.String("service_id", id), zap.String("endpoint", endpoint))
	return nil
}

// Call routes one request into the named service's mailbox and suspends the
// caller until the unit responds or the call timeout elapses. Args and
// result are JSON copies on both sides of the boundary.
func (o *Orchestrator) Call(ctx context.Context, serviceID, method string, args any) (json.RawMessage, error) {
	if o.metrics != nil {
		o.metrics.CallsTotal.WithLabelValues(serviceID).Inc()
	}
	result, err := o.call(ctx, serviceID, method, args)
	if err != nil && o.metrics != nil {
		o.metrics.CallErrors.WithLabelValues(serviceID).Inc()
	}
	return result, err
}

func (o *Orchestrator) call(ctx context.Context, serviceID, method string, args any) (json.RawMessage, error) {
	o.mu.RLock()
	ins, exists := o.instances[serviceID]
	var u *unit
	if exists && ins.handle.State == StateReady {
		u = ins.unit
	}
	o.mu.RUnlock()
	if u == nil {
		return nil, fmt.Errorf("%w: %s", ErrServiceUnavailable, serviceID)
	}
	if _, ok := u.methods[method]; !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrMethodNotFound, serviceID, method)
	}

	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args for %s.%s: %w", serviceID, method, err)
	}

	started := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.CallLatency.Observe(time.Since(started).Seconds())
		}
	}()

	timer := time.NewTimer(o.cfg.CallTimeout.Std())
	defer timer.Stop()

	req := callMsg{method: method, args: encoded, reply: make(chan callResult, 1)}
	select {
	case u.mailbox <- req:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s.%s: %v", ErrCallTimeout, serviceID, method, ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s.%s", ErrCallTimeout, serviceID, method)
	}

	select {
	case res := <-req.reply:
		return res.result, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s.%s: %v", ErrCallTimeout, serviceID, method, ctx.Err())
	case <-timer.C:
		// The unit may still finish the work; the caller just stops waiting.
		return nil, fmt.Errorf("%w: %s.%s", ErrCallTimeout, serviceID, method)
	}
}

// Stop shuts every ready unit down in reverse start order. Shutdown hooks
// get the shutdown timeout each; a hook that overruns is abandoned and the
// unit torn down anyway.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.IsActive() {
		return nil
	}

	o.mu.RLock()
	order := append([]string(nil), o.order...)
	o.mu.RUnlock()

	for i := len(order) - 1; i >= 0; i-- {
		o.stopInstance(ctx, order[i])
	}
	return o.BaseComponent.Stop(ctx)
}

func (o *Orchestrator) stopInstance(ctx context.Context, id string) {
	o.mu.Lock()
	ins, exists := o.instances[id]
	if !exists || ins.handle.State != StateReady {
		o.mu.Unlock()
		return
	}
	ins.handle.State = StateShuttingDown
	u := ins.unit
	subs := ins.subs
	o.mu.Unlock()

	for _, sub := range subs {
		o.bus.Unsubscribe(sub)
	}

	done := make(chan error, 1)
	shutCtx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownTimeout.Std())
	go func() {
		done <- u.svc.Shutdown(shutCtx)
	}()
	select {
	case err := <-done:
		if err != nil {
			logging.Warn(ctx, "service shutdown returned error",
				zap.String("service_id", id), zap.Error(err))
		}
	case <-shutCtx.Done():
		logging.Warn(ctx, "service shutdown timed out, terminating",
			zap.String("service_id", id))
	}
	cancel()

	u.stop()

	o.mu.Lock()
	ins.unit = nil
	ins.subs = nil
	ins.handle.State = StateTerminated
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ReadyUnits.Dec()
	}
	o.bus.Emit(ctx, model.NewEvent(model.TopicServiceStopped, map[string]string{"service_id": id}))
	logging.Info(ctx, "service stopped", zap.String("service_id", id))
}

// Restart brings a single terminated service back up.
func (o *Orchestrator) Restart(ctx context.Context, id string) error {
	o.stopInstance(ctx, id)
	return o.startInstance(ctx, id)
}

// Handles returns a copy of every runtime handle, ordered by service id.
func (o *Orchestrator) Handles() []RuntimeHandle {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]RuntimeHandle, 0, len(o.order))
	for _, id := range o.order {
		h := o.instances[id].handle
		h.Topics = append([]string(nil), h.Topics...)
		out = append(out, h)
	}
	return out
}

func (o *Orchestrator) HealthCheck() error {
	if err := o.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for id, ins := range o.instances {
		if ins.handle.State == StateTerminated && ins.handle.LastError != "" {
			return fmt.Errorf("service %s terminated: %s", id, ins.handle.LastError)
		}
	}
	return nil
}

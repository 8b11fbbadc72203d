// Package jobs is the persistent, priority-ordered, retrying work queue.
// Named handlers execute with bounded per-handler concurrency; failed
// attempts reschedule with exponential backoff until maxAttempts, and every
// status transition notifies bus subscribers with the handler's refreshed
// job list.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
	"github.com/loomworks/loom/internal/storage"
)

var (
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrUnknownHandler   = errors.New("no handler registered under that name")
	ErrJobNotCancelable = errors.New("job is not cancelable")
)

// HandlerFunc performs the work of one job attempt. Handlers own their
// idempotence on retry; the engine only guarantees that a job never has two
// concurrent executions.
type HandlerFunc func(ctx context.Context, job model.JobRecord) error

// HandlerOptions tune one registered handler.
type HandlerOptions struct {
	// Concurrency bounds simultaneous executions for this handler. The
	// default of 1 serializes the handler's side effects.
	Concurrency int
	// MaxAttemptsDefault applies when an enqueue does not set its own limit.
	MaxAttemptsDefault int
}

func (o *HandlerOptions) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxAttemptsDefault <= 0 {
		o.MaxAttemptsDefault = 3
	}
}

// EnqueueOptions tune one job.
type EnqueueOptions struct {
	Priority    int
	MaxAttempts int // 0 means the handler default
}

type handlerEntry struct {
	name string
	fn   HandlerFunc
	opts HandlerOptions
	wake chan struct{}
}

// JobListUpdate is the payload of every job_updated event.
type JobListUpdate struct {
	Handler string             `json:"handler"`
	Jobs    []*model.JobRecord `json:"jobs"`
}

type Engine struct {
	*core.BaseComponent

	cfg     config.JobsConfig
	store   storage.JobStore
	bus     *bus.Bus
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	handlers map[string]*handlerEntry

	loopCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewEngine(cfg config.JobsConfig, store storage.JobStore, b *bus.Bus, m *metrics.Metrics) *Engine {
	return &Engine{
		BaseComponent: core.NewBaseComponent(consts.COMPONENT_JOB_ENGINE, consts.COMPONENT_BUS, consts.COMPONENT_LOGGING),
		cfg:           cfg,
		store:         store,
		bus:           b,
		metrics:       m,
		now:           time.Now,
		handlers:      make(map[string]*handlerEntry),
	}
}

// RegisterHandler adds a named handler. Registering the same name twice is
// an error. Handlers registered after Start get their dispatch loop
// immediately.
func (e *Engine) RegisterHandler(name string, fn HandlerFunc, opts HandlerOptions) error {
	opts.applyDefaults()

	e.mu.Lock()
	if _, exists := e.handlers[name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}
	entry := &handlerEntry{name: name, fn: fn, opts: opts, wake: make(chan struct{}, 1)}
	e.handlers[name] = entry
	active := e.IsActive()
	e.mu.Unlock()

	if active {
		e.wg.Add(1)
		go e.dispatchLoop(e.loopCtx, entry)
	}
	return nil
}

func (e *Engine) Start(ctx context.Context) error {
	if e.IsActive() {
		return nil
	}
	if err := e.BaseComponent.Start(ctx); err != nil {
		return err
	}
	// Dispatch loops outlive the Start context.
	e.loopCtx, e.cancel = context.WithCancel(context.Background())

	if e.cfg.RecoverStuck {
		if err := e.recoverStuckJobs(ctx); err != nil {
			logging.Warn(ctx, "stuck job recovery failed", zap.Error(err))
		}
	}

	e.mu.Lock()
	entries := make([]*handlerEntry, 0, len(e.handlers))
	for _, entry := range e.handlers {
		entries = append(entries, entry)
	}
	e.mu.Unlock()

	for _, entry := range entries {
		e.wg.Add(1)
		go e.dispatchLoop(e.loopCtx, entry)
	}
	return nil
}

func (e *Engine) Stop(ctx context.Context) error {
	if !e.IsActive() {
		return nil
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	return e.BaseComponent.Stop(ctx)
}

// recoverStuckJobs returns records left in running state by a crash to the
// queue without consuming an attempt. Handlers therefore see at-least-once
// execution across process restarts.
func (e *Engine) recoverStuckJobs(ctx context.Context) error {
	stuck, err := e.store.List(ctx, storage.JobFilter{Statuses: []model.JobStatus{model.JobRunning}})
	if err != nil {
		return err
	}
	for _, rec := range stuck {
		if rec.AttemptsMade >= rec.MaxAttempts {
			// The crash consumed the final attempt; requeueing would run
			// the handler past maxAttempts.
			ok, err := e.store.Transition(ctx, rec.ID, model.JobRunning, model.JobFailed,
				map[string]any{"error": "crashed during final attempt"})
			if err != nil {
				return err
			}
			if ok {
				logging.Warn(ctx, "failed stuck job out of attempts",
					zap.String("job_id", rec.ID), zap.String("handler", rec.HandlerName))
			}
			continue
		}
		ok, err := e.store.Transition(ctx, rec.ID, model.JobRunning, model.JobQueued,
			map[string]any{"run_at": e.now(), "error": "requeued after restart"})
		if err != nil {
			return err
		}
		if ok {
			logging.Warn(ctx, "requeued stuck job",
				zap.String("job_id", rec.ID), zap.String("handler", rec.HandlerName))
		}
	}
	return nil
}

// Enqueue persists a new queued job and returns it immediately; execution is
// asynchronous. Fails with ErrUnknownHandler when no handler is registered
// under handlerName.
func (e *Engine) Enqueue(ctx context.Context, handlerName string, args, jobContext any, opts EnqueueOptions) (*model.JobRecord, error) {
	e.mu.Lock()
	entry, exists := e.handlers[handlerName]
	e.mu.Unlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, handlerName)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = entry.opts.MaxAttemptsDefault
	}

	argsJSON, err := marshalOpaque(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	ctxJSON, err := marshalOpaque(jobContext)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}

	now := e.now()
	rec := &model.JobRecord{
		ID:          uuid.NewString(),
		HandlerName: handlerName,
		Status:      model.JobQueued,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		Args:        argsJSON,
		Context:     ctxJSON,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	if e.metrics != nil {
		e.metrics.JobsEnqueued.Inc()
		e.metrics.JobsQueued.Inc()
	}
	e.notifyUpdated(ctx, handlerName)
	wake(entry)

	cp := *rec
	return &cp, nil
}

// ListJobs returns records matching the filter, oldest first.
func (e *Engine) ListJobs(ctx context.Context, f storage.JobFilter) ([]*model.JobRecord, error) {
	return e.store.List(ctx, f)
}

// Cancel removes a job that has not started. Running and terminal jobs fail
// with ErrJobNotCancelable.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	// Claim the record out of queued first so a concurrent dispatch loop
	// cannot start it mid-cancel; the claimed record is then deleted.
	ok, err := e.store.Transition(ctx, id, model.JobQueued, model.JobRunning, nil)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotCancelable, id)
		}
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotCancelable, id)
	}
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		e.releaseCancelClaim(ctx, id)
		return err
	}
	if err := e.store.Delete(ctx, id); err != nil {
		e.releaseCancelClaim(ctx, id)
		return err
	}
	if e.metrics != nil {
		e.metrics.JobsQueued.Dec()
	}
	e.notifyUpdated(ctx, rec.HandlerName)
	return nil
}

// releaseCancelClaim returns a record claimed by Cancel to the queue when the
// removal could not finish, so the job stays runnable and cancelable.
func (e *Engine) releaseCancelClaim(ctx context.Context, id string) {
	if _, err := e.store.Transition(ctx, id, model.JobRunning, model.JobQueued,
		map[string]any{"run_at": e.now()}); err != nil {
		logging.Error(ctx, "cancel claim release failed",
			zap.String("job_id", id), zap.Error(err))
	}
}

// Cleanup evicts the oldest terminal records beyond retentionCount. Calling
// it again with the same count is a no-op.
func (e *Engine) Cleanup(ctx context.Context, retentionCount int) error {
	terminal, err := e.store.List(ctx, storage.JobFilter{
		Statuses: []model.JobStatus{model.JobCompleted, model.JobFailed},
	})
	if err != nil {
		return err
	}
	if len(terminal) <= retentionCount {
		return nil
	}
	for _, rec := range terminal[:len(terminal)-retentionCount] {
		if err := e.store.Delete(ctx, rec.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (e *Engine) dispatchLoop(ctx context.Context, entry *handlerEntry) {
	defer e.wg.Done()

	sem := make(chan struct{}, entry.opts.Concurrency)
	ticker := time.NewTicker(e.cfg.PollInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-entry.wake:
		}
		e.claimReady(ctx, entry, sem)
	}
}

// claimReady starts as many due jobs as the handler's concurrency allows.
func (e *Engine) claimReady(ctx context.Context, entry *handlerEntry, sem chan struct{}) {
	for {
		select {
		case sem <- struct{}{}:
		default:
			return // concurrency limit reached
		}

		rec, err := e.store.NextQueued(ctx, entry.name, e.now())
		if err != nil {
			logging.Warn(ctx, "job dequeue failed",
				zap.String("handler", entry.name), zap.Error(err))
			<-sem
			return
		}
		if rec == nil {
			<-sem
			return
		}

		attempts := rec.AttemptsMade + 1
		claimed, err := e.store.Transition(ctx, rec.ID, model.JobQueued, model.JobRunning,
			map[string]any{"attempts_made": attempts})
		if err != nil || !claimed {
			// Lost the claim to a concurrent dispatcher or canceler.
			<-sem
			continue
		}
		rec.Status = model.JobRunning
		rec.AttemptsMade = attempts

		if e.metrics != nil {
			e.metrics.JobsQueued.Dec()
			e.metrics.JobsRunning.Inc()
		}
		e.notifyUpdated(ctx, entry.name)

		e.wg.Add(1)
		go func(rec *model.JobRecord) {
			defer e.wg.Done()
			defer func() { <-sem }()
			e.execute(ctx, entry, rec)
			wake(entry)
		}(rec)
	}
}

func (e *Engine) execute(ctx context.Context, entry *handlerEntry, rec *model.JobRecord) {
	started := e.now()
	err := runHandler(ctx, entry.fn, *rec)
	// The status writes below must land even when Stop has already canceled
	// the dispatch context; otherwise a job finishing during shutdown stays
	// in running forever.
	ctx = context.WithoutCancel(ctx)
	if e.metrics != nil {
		e.metrics.JobDuration.Observe(e.now().Sub(started).Seconds())
		e.metrics.JobsRunning.Dec()
	}

	if err == nil {
		if _, terr := e.store.Transition(ctx, rec.ID, model.JobRunning, model.JobCompleted,
			map[string]any{"error": ""}); terr != nil {
			logging.Error(ctx, "job completion update failed",
				zap.String("job_id", rec.ID), zap.Error(terr))
		}
		if e.metrics != nil {
			e.metrics.JobsCompleted.Inc()
		}
		e.notifyUpdated(ctx, entry.name)
		return
	}

	if rec.AttemptsMade >= rec.MaxAttempts {
		if _, terr := e.store.Transition(ctx, rec.ID, model.JobRunning, model.JobFailed,
			map[string]any{"error": err.Error()}); terr != nil {
			logging.Error(ctx, "job failure update failed",
				zap.String("job_id", rec.ID), zap.Error(terr))
		}
		if e.metrics != nil {
			e.metrics.JobsFailed.Inc()
		}
		logging.Warn(ctx, "job failed permanently",
			zap.String("job_id", rec.ID),
			zap.String("handler", entry.name),
			zap.Int("attempts", rec.AttemptsMade),
			zap.Error(err))
		e.notifyUpdated(ctx, entry.name)
		return
	}

	// Reschedule with exponential backoff.
	delay := e.backoff(rec.AttemptsMade)
	if _, terr := e.store.Transition(ctx, rec.ID, model.JobRunning, model.JobQueued,
		map[string]any{"error": err.Error(), "run_at": e.now().Add(delay)}); terr != nil {
		logging.Error(ctx, "job retry update failed",
			zap.String("job_id", rec.ID), zap.Error(terr))
	}
	if e.metrics != nil {
		e.metrics.JobsRetried.Inc()
		e.metrics.JobsQueued.Inc()
	}
	logging.Info(ctx, "job attempt failed, retrying",
		zap.String("job_id", rec.ID),
		zap.String("handler", entry.name),
		zap.Int("attempt", rec.AttemptsMade),
		zap.Duration("backoff", delay),
		zap.Error(err))
	e.notifyUpdated(ctx, entry.name)
}

// backoff doubles per completed attempt, capped at the configured maximum.
func (e *Engine) backoff(attemptsMade int) time.Duration {
	delay := e.cfg.BackoffBase.Std()
	for i := 1; i < attemptsMade; i++ {
		delay *= 2
		if delay >= e.cfg.BackoffMax.Std() {
			return e.cfg.BackoffMax.Std()
		}
	}
	if delay > e.cfg.BackoffMax.Std() {
		return e.cfg.BackoffMax.Std()
	}
	return delay
}

// runHandler isolates handler panics as attempt errors.
func runHandler(ctx context.Context, fn HandlerFunc, rec model.JobRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, rec)
}

// notifyUpdated emits job_updated with the handler's full current job list
// so consumers resynchronize instead of patching deltas.
func (e *Engine) notifyUpdated(ctx context.Context, handlerName string) {
	if e.bus == nil {
		return
	}
	list, err := e.store.List(ctx, storage.JobFilter{HandlerName: handlerName})
	if err != nil {
		logging.Warn(ctx, "job list load for notification failed",
			zap.String("handler", handlerName), zap.Error(err))
		return
	}
	e.bus.Emit(ctx, model.NewEvent(model.TopicJobUpdated, JobListUpdate{
		Handler: handlerName,
		Jobs:    list,
	}))
}

func wake(entry *handlerEntry) {
	select {
	case entry.wake <- struct{}{}:
	default:
	}
}

func marshalOpaque(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	if s, ok := v.(string); ok && json.Valid([]byte(s)) {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/bus"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/model"
)

type echoService struct {
	initErr   error
	workDelay time.Duration

	mu        sync.Mutex
	seen      []model.Event
	inFlight  int
	maxID     int
	shutdowns int
}

func (s *echoService) Init(ctx context.Context) error { return s.initErr }

func (s *echoService) Methods() map[string]MethodFunc {
	return map[string]MethodFunc{
		"echo": func(ctx context.Context, args json.RawMessage) (any, error) {
			s.mu.Lock()
			s.inFlight++
			if s.inFlight > s.maxID {
				s.maxID = s.inFlight
			}
			s.mu.Unlock()
			if s.workDelay > 0 {
				time.Sleep(s.workDelay)
			}
			s.mu.Lock()
			s.inFlight--
			s.mu.Unlock()
			var v any
			if err := json.Unmarshal(args, &v); err != nil {
				return nil, err
			}
			return map[string]any{"echo": v}, nil
		},
		"boom": func(ctx context.Context, args json.RawMessage) (any, error) {
			return nil, errors.New("service said no")
		},
	}
}

func (s *echoService) Subscriptions() map[string]EventHandler {
	return map[string]EventHandler{
		"greeting": func(ctx context.Context, ev model.Event) {
			s.mu.Lock()
			s.seen = append(s.seen, ev)
			s.mu.Unlock()
		},
	}
}

func (s *echoService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdowns++
	s.mu.Unlock()
	return nil
}

func (s *echoService) seenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func testRuntimeConfig() config.RuntimeConfig {
	return config.RuntimeConfig{
		InitTimeout:     config.Duration(time.Second),
		ShutdownTimeout: config.Duration(200 * time.Millisecond),
		CallTimeout:     config.Duration(100 * time.Millisecond),
		MailboxSize:     16,
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *bus.Bus) {
	t.Helper()
	b := bus.New()
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { b.Stop(context.Background()) })
	return NewOrchestrator(testRuntimeConfig(), b, nil), b
}

func handleFor(t *testing.T, o *Orchestrator, id string) RuntimeHandle {
	t.Helper()
	for _, h := range o.Handles() {
		if h.ServiceID == id {
			return h
		}
	}
	t.Fatalf("no handle for %s", id)
	return RuntimeHandle{}
}

func TestRegisterDuplicateServiceID(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	desc := Descriptor{ID: "echo", Name: "Echo", New: func() Service { return &echoService{} }}

	require.NoError(t, o.Register(desc))
	require.ErrorIs(t, o.Register(desc), ErrDuplicateService)
}

func TestCallRoundTrip(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	require.NoError(t, o.Register(Descriptor{
		ID: "echo", Name: "Echo", New: func() Service { return &echoService{} },
	}))
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop(context.Background())

	h := handleFor(t, o, "echo")
	require.Equal(t, StateReady, h.State)
	require.NotEmpty(t, h.Endpoint)
	require.Equal(t, []string{"greeting"}, h.Topics)

	res, err := o.Call(context.Background(), "echo", "echo", map[string]string{"hi": "there"})
	require.NoError(t, err)
	require.JSONEq(t, `{"echo":{"hi":"there"}}`, string(res))
}

func TestCallErrorPaths(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	require.NoError(t, o.Register(Descriptor{
		ID: "echo", Name: "Echo", New: func() Service { return &echoService{} },
	}))
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop(context.Background())

	_, err := o.Call(context.Background(), "nobody", "echo", nil)
	require.ErrorIs(t, err, ErrServiceUnavailable)

	_, err = o.Call(context.Background(), "echo", "no_such_method", nil)
	require.ErrorIs(t, err, ErrMethodNotFound)

	// The service's own error comes back as-is, not wrapped in a sentinel.
	_, err = o.Call(context.Background(), "echo", "boom", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "service said no")
	require.NotErrorIs(t, err, ErrServiceUnavailable)
	require.NotErrorIs(t, err, ErrCallTimeout)
}

func TestCallTimeout(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	require.NoError(t, o.Register(Descriptor{
		ID: "slow", Name: "Slow",
		New: func() Service { return &echoService{workDelay: time.Second} },
	}))
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop(context.Background())

	_, err := o.Call(context.Background(), "slow", "echo", nil)
	require.ErrorIs(t, err, ErrCallTimeout)
}

func TestPartialInitFailureLeavesOthersCallable(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	require.NoError(t, o.Register(Descriptor{
		ID: "bad", Name: "Bad",
		New: func() Service { return &echoService{initErr: errors.New("no config")} },
	}))
	require.NoError(t, o.Register(Descriptor{
		ID: "good", Name: "Good", New: func() Service { return &echoService{} },
	}))

	require.NoError(t, o.Start(context.Background()), "orchestrator start tolerates unit failures")
	defer o.Stop(context.Background())

	bad := handleFor(t, o, "bad")
	require.Equal(t, StateTerminated, bad.State)
	require.Contains(t, bad.LastError, "no config")

	require.Equal(t, StateReady, handleFor(t, o, "good").State)
	_, err := o.Call(context.Background(), "good", "echo", "ping")
	require.NoError(t, err)

	_, err = o.Call(context.Background(), "bad", "echo", "ping")
	require.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestSubscribedTopicsDeliverIntoUnit(t *testing.T) {
	o, b := newTestOrchestrator(t)
	svc := &echoService{}
	require.NoError(t, o.Register(Descriptor{
		ID: "echo", Name: "Echo", New: func() Service { return svc },
	}))
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop(context.Background())

	b.Emit(context.Background(), model.NewEvent("greeting", map[string]string{"msg": "hello"}))

	require.Eventually(t, func() bool { return svc.seenCount() == 1 },
		time.Second, 2*time.Millisecond, "subscribed event never reached the unit")

	// Topics the service never declared do not reach it.
	b.Emit(context.Background(), model.NewEvent("unrelated", nil))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, svc.seenCount())
}

func TestCallsToOneUnitDoNotInterleave(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	svc := &echoService{workDelay: 10 * time.Millisecond}
	require.NoError(t, o.Register(Descriptor{
		ID: "echo", Name: "Echo", New: func() Service { return svc },
	}))
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop(context.Background())

	errCh := make(chan error, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Call(context.Background(), "echo", "echo", "x")
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Equal(t, 1, svc.maxID, "unit event loop must process calls one at a time")
}

func TestStopAllTerminatesAndBlocksCalls(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	svc := &echoService{}
	require.NoError(t, o.Register(Descriptor{
		ID: "echo", Name: "Echo", New: func() Service { return svc },
	}))
	require.NoError(t, o.Start(context.Background()))

	require.NoError(t, o.Stop(context.Background()))

	require.Equal(t, StateTerminated, handleFor(t, o, "echo").State)
	svc.mu.Lock()
	shutdowns := svc.shutdowns
	svc.mu.Unlock()
	require.Equal(t, 1, shutdowns)

	_, err := o.Call(context.Background(), "echo", "echo", nil)
	require.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestRestartRecoversFailedService(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	var failInit bool
	o.Register(Descriptor{
		ID: "flappy", Name: "Flappy",
		New: func() Service {
			s := &echoService{}
			if failInit {
				s.initErr = errors.New("flap")
			}
			return s
		},
	})

	failInit = true
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop(context.Background())
	require.Equal(t, StateTerminated, handleFor(t, o, "flappy").State)

	failInit = false
	require.NoError(t, o.Restart(context.Background(), "flappy"))
	require.Equal(t, StateReady, handleFor(t, o, "flappy").State)

	_, err := o.Call(context.Background(), "flappy", "echo", "back")
	require.NoError(t, err)
}

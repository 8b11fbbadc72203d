package core

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeComponent struct {
	*BaseComponent
	startErr error
	started  *[]string
	stopped  *[]string
}

func newFake(name string, order *[]string, stops *[]string, deps ...string) *fakeComponent {
	return &fakeComponent{BaseComponent: NewBaseComponent(name, deps...), started: order, stopped: stops}
}

func (f *fakeComponent) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	if f.started != nil {
		*f.started = append(*f.started, f.Name())
	}
	return f.BaseComponent.Start(ctx)
}

func (f *fakeComponent) Stop(ctx context.Context) error {
	if f.stopped != nil {
		*f.stopped = append(*f.stopped, f.Name())
	}
	return f.BaseComponent.Stop(ctx)
}

func TestContainerDuplicateRegistration(t *testing.T) {
	c := NewContainer()
	if err := c.Register("a", newFake("a", nil, nil)); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := c.Register("a", newFake("a", nil, nil)); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestSortByDependenciesOrder(t *testing.T) {
	c := NewContainer()
	c.Register("c", newFake("c", nil, nil, "b"))
	c.Register("a", newFake("a", nil, nil))
	c.Register("b", newFake("b", nil, nil, "a"))

	sorted, err := c.SortByDependencies()
	if err != nil {
		t.Fatalf("sort: %v", err)
	}
	pos := map[string]int{}
	for i, comp := range sorted {
		pos[comp.Name()] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Fatalf("bad order: a=%d b=%d c=%d", pos["a"], pos["b"], pos["c"])
	}
}

func TestSortByDependenciesCycle(t *testing.T) {
	c := NewContainer()
	c.Register("a", newFake("a", nil, nil, "b"))
	c.Register("b", newFake("b", nil, nil, "a"))

	if _, err := c.SortByDependencies(); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestValidateDependenciesMissing(t *testing.T) {
	c := NewContainer()
	c.Register("a", newFake("a", nil, nil, "ghost"))

	_, err := c.ValidateDependencies()
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("expected missing dependency error naming ghost, got %v", err)
	}
}

func TestReplaceRefusesActive(t *testing.T) {
	c := NewContainer()
	comp := newFake("a", nil, nil)
	c.Register("a", comp)
	comp.Start(context.Background())

	if err := c.Replace("a", newFake("a", nil, nil)); err == nil {
		t.Fatal("expected replace of active component to fail")
	}
}

func TestLifecycleStartRollback(t *testing.T) {
	var started, stopped []string
	c := NewContainer()
	c.Register("a", newFake("a", &started, &stopped))
	c.Register("b", newFake("b", &started, &stopped, "a"))
	bad := newFake("c", &started, &stopped, "b")
	bad.startErr = errors.New("boom")
	c.Register("c", bad)

	lm := NewLifecycleManager(c)
	if err := lm.StartAll(context.Background()); err == nil {
		t.Fatal("expected StartAll to fail")
	}
	if len(started) != 2 {
		t.Fatalf("expected a and b started, got %v", started)
	}
	// Rollback stops in reverse order.
	if len(stopped) != 2 || stopped[0] != "b" || stopped[1] != "a" {
		t.Fatalf("expected rollback [b a], got %v", stopped)
	}
}

func TestLifecycleStopAllReverseOrder(t *testing.T) {
	var started, stopped []string
	c := NewContainer()
	c.Register("a", newFake("a", &started, &stopped))
	c.Register("b", newFake("b", &started, &stopped, "a"))

	lm := NewLifecycleManager(c)
	if err := lm.StartAll(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	lm.StopAll(context.Background())
	if len(stopped) != 2 || stopped[0] != "b" || stopped[1] != "a" {
		t.Fatalf("expected stop order [b a], got %v", stopped)
	}
	// Second StopAll is a no-op.
	lm.StopAll(context.Background())
	if len(stopped) != 2 {
		t.Fatalf("StopAll ran twice: %v", stopped)
	}
}

func TestBaseComponentActiveConcurrentAccess(t *testing.T) {
	c := NewBaseComponent("flapping")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			c.Start(context.Background())
			c.Stop(context.Background())
		}
	}()
	// IsActive and HealthCheck run from other goroutines in production;
	// the race detector holds this honest.
	for i := 0; i < 200; i++ {
		_ = c.IsActive()
		_ = c.HealthCheck()
	}
	<-done
	if c.IsActive() {
		t.Fatal("component left active after final Stop")
	}
}

package core

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// LifecycleManager starts and stops the components of a Container in
// dependency order. Start failures roll back components already started;
// stop runs in reverse order and tolerates individual failures.
type LifecycleManager struct {
	container      *Container
	shutdownChan   chan os.Signal
	stopEvent      chan struct{}
	mu             sync.Mutex
	shutdownCalled bool
	timeout        time.Duration
}

func NewLifecycleManager(container *Container) *LifecycleManager {
	return &LifecycleManager{
		container:    container,
		shutdownChan: make(chan os.Signal, 1),
		stopEvent:    make(chan struct{}),
		timeout:      30 * time.Second,
	}
}

// SetTimeout bounds each individual component Start/Stop call.
func (lm *LifecycleManager) SetTimeout(timeout time.Duration) {
	lm.timeout = timeout
}

func (lm *LifecycleManager) StartAll(ctx context.Context) error {
	components, err := lm.container.SortByDependencies()
	if err != nil {
		return fmt.Errorf("failed to sort components: %w", err)
	}

	for _, comp := range components {
		startCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := comp.Start(startCtx)
		cancel()

		if err != nil {
			log.Printf("failed to start component %s: %v", comp.Name(), err)
			lm.stopStarted(context.Background(), components, comp.Name())
			return fmt.Errorf("failed to start component %s: %w", comp.Name(), err)
		}
		log.Printf("component %s started", comp.Name())
	}
	return nil
}

func (lm *LifecycleManager) StopAll(ctx context.Context) {
	lm.mu.Lock()
	if lm.shutdownCalled {
		lm.mu.Unlock()
		return
	}
	lm.shutdownCalled = true
	lm.mu.Unlock()

	components, err := lm.container.SortByDependencies()
	if err != nil {
		log.Printf("failed to sort components for shutdown: %v", err)
		registered := lm.container.ListRegistered()
		components = make([]Component, 0, len(registered))
		for _, comp := range registered {
			components = append(components, comp)
		}
	}

	for i := len(components) - 1; i >= 0; i-- {
		comp := components[i]
		if !comp.IsActive() {
			continue
		}
		stopCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		if err := comp.Stop(stopCtx); err != nil {
			log.Printf("error stopping component %s: %v", comp.Name(), err)
		}
		cancel()
	}
}

func (lm *LifecycleManager) stopStarted(ctx context.Context, components []Component, failedName string) {
	last := -1
	for i, comp := range components {
		if comp.Name() == failedName {
			last = i - 1
			break
		}
	}
	for i := last; i >= 0; i-- {
		comp := components[i]
		if !comp.IsActive() {
			continue
		}
		stopCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		if err := comp.Stop(stopCtx); err != nil {
			log.Printf("error stopping component %s during rollback: %v", comp.Name(), err)
		}
		cancel()
	}
}

// WaitForShutdown blocks until SIGINT/SIGTERM or context cancellation, then
// runs StopAll with the configured timeout.
func (lm *LifecycleManager) WaitForShutdown(ctx context.Context) {
	signal.Notify(lm.shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-lm.shutdownChan
		log.Printf("received signal %v, shutting down", sig)
		close(lm.stopEvent)
	}()

	select {
	case <-lm.stopEvent:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), lm.timeout)
	defer cancel()
	lm.StopAll(shutdownCtx)
}

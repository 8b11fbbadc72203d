package core

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Component is the unit of lifecycle management. Every long-lived part of
// the runtime (logger, stores, bus, engines, servers) implements it and is
// registered in a Container.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HealthCheck() error
	Dependencies() []string
	IsActive() bool
}

// BaseComponent carries the name/active/deps bookkeeping so components only
// implement the behavior they care about.
type BaseComponent struct {
	name string
	// active is read by health checks and API handlers on goroutines other
	// than the lifecycle one.
	active atomic.Bool
	deps   []string
}

func NewBaseComponent(name string, deps ...string) *BaseComponent {
	return &BaseComponent{name: name, deps: deps}
}

func (c *BaseComponent) Name() string           { return c.name }
func (c *BaseComponent) Dependencies() []string { return c.deps }
func (c *BaseComponent) IsActive() bool         { return c.active.Load() }

func (c *BaseComponent) Start(ctx context.Context) error {
	c.active.Store(true)
	return nil
}

func (c *BaseComponent) Stop(ctx context.Context) error {
	c.active.Store(false)
	return nil
}

func (c *BaseComponent) HealthCheck() error {
	if !c.active.Load() {
		return fmt.Errorf("component %s is not active", c.name)
	}
	return nil
}

// AddDependencies extends the start-order constraints of a component before
// the lifecycle manager runs StartAll. Must not be called after startup.
func (c *BaseComponent) AddDependencies(deps ...string) {
	if len(deps) == 0 {
		return
	}
	c.deps = append(c.deps, deps...)
}

package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Container is the explicit component registry. It is constructed once at
// process start and handed to everything that needs to resolve a dependency;
// there are no module-level registries.
type Container struct {
	mu         sync.RWMutex
	components map[string]Component
}

func NewContainer() *Container {
	return &Container{components: make(map[string]Component)}
}

// Register adds a component under its name. Registering the same name twice
// is an error.
func (c *Container) Register(name string, component Component) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.components[name]; exists {
		return fmt.Errorf("component %s already registered", name)
	}
	c.components[name] = component
	return nil
}

func (c *Container) Resolve(name string) (Component, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	component, exists := c.components[name]
	if !exists {
		return nil, fmt.Errorf("component %s not found", name)
	}
	return component, nil
}

func (c *Container) ListRegistered() map[string]Component {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]Component, len(c.components))
	for name, comp := range c.components {
		result[name] = comp
	}
	return result
}

// Replace swaps a registered but not yet started component. Intended for
// tests that substitute fakes after wiring.
func (c *Container) Replace(name string, component Component) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, exists := c.components[name]
	if !exists {
		return fmt.Errorf("component %s not registered", name)
	}
	if existing.IsActive() {
		return fmt.Errorf("component %s is active; cannot replace", name)
	}
	c.components[name] = component
	return nil
}

// SortByDependencies returns components in start order: every component
// appears after all of its declared dependencies. Names are visited in
// sorted order so the result is deterministic.
func (c *Container) SortByDependencies() ([]Component, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	visited := make(map[string]bool)
	visiting := make(map[string]bool)
	result := make([]Component, 0, len(c.components))

	var visit func(string) error
	visit = func(name string) error {
		if visiting[name] {
			return fmt.Errorf("circular dependency involving component %s", name)
		}
		if visited[name] {
			return nil
		}
		component, exists := c.components[name]
		if !exists {
			return fmt.Errorf("component %s not found", name)
		}
		visiting[name] = true
		for _, dep := range component.Dependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visiting[name] = false
		visited[name] = true
		result = append(result, component)
		return nil
	}

	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// ValidateDependencies checks that every declared dependency is registered
// and that the graph is acyclic; returns the start order without starting.
func (c *Container) ValidateDependencies() ([]Component, error) {
	c.mu.RLock()
	missing := make(map[string][]string)
	for name, comp := range c.components {
		for _, dep := range comp.Dependencies() {
			if _, ok := c.components[dep]; !ok {
				missing[name] = append(missing[name], dep)
			}
		}
	}
	c.mu.RUnlock()

	if len(missing) > 0 {
		var parts []string
		for k, v := range missing {
			parts = append(parts, fmt.Sprintf("%s -> [%s]", k, strings.Join(v, ",")))
		}
		sort.Strings(parts)
		return nil, fmt.Errorf("missing component dependencies: %s", strings.Join(parts, "; "))
	}
	return c.SortByDependencies()
}

// HealthCheckAll reports the first failing component, if any.
func (c *Container) HealthCheckAll() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.components[name].HealthCheck(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Package runtime hosts long-running service instances. Each registered
// service runs inside one goroutine-confined execution unit with a mailbox
// call endpoint; everything crossing a unit boundary is JSON-copied, so
// units never share mutable memory.
package runtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/loomworks/loom/internal/model"
)

var (
	ErrDuplicateService   = errors.New("service id already registered")
	ErrServiceUnavailable = errors.New("service has no ready instance")
	ErrMethodNotFound     = errors.New("service does not expose that method")
	ErrCallTimeout        = errors.New("call timed out")
)

// MethodFunc handles one call. Args arrive as the caller's JSON copy and the
// result is JSON-copied back, both inside the unit's event loop.
type MethodFunc func(ctx context.Context, args json.RawMessage) (any, error)

// EventHandler receives a bus event inside the unit's event loop.
type EventHandler func(ctx context.Context, ev model.Event)

// Service is what a hosted instance implements. Methods and Subscriptions
// are read exactly once when the execution unit is built; mutating the
// returned maps afterwards has no effect.
type Service interface {
	// Init prepares the instance. The unit only becomes callable after Init
	// returns nil within the configured init timeout.
	Init(ctx context.Context) error
	// Methods is the fixed call table of the service.
	Methods() map[string]MethodFunc
	// Subscriptions maps event topics to handlers. Subscriptions are in
	// place before the unit turns ready, so no post-ready event is missed.
	Subscriptions() map[string]EventHandler
	// Shutdown flushes pending work. It is bounded by the shutdown timeout,
	// after which the unit is torn down regardless.
	Shutdown(ctx context.Context) error
}

// Descriptor identifies a registerable service. Immutable after Register.
type Descriptor struct {
	ID   string
	Name string
	New  func() Service
}

// HandleState is the lifecycle position of one execution unit.
type HandleState string

const (
	StateUninitialized HandleState = "uninitialized"
	StateInitializing  HandleState = "initializing"
	StateReady         HandleState = "ready"
	StateShuttingDown  HandleState = "shutting_down"
	StateTerminated    HandleState = "terminated"
)

// RuntimeHandle is the orchestrator's view of one unit. Snapshots returned
// by Handles are copies.
type RuntimeHandle struct {
	ServiceID string      `json:"service_id"`
	Name      string      `json:"name"`
	Endpoint  string      `json:"endpoint"`
	State     HandleState `json:"state"`
	Topics    []string    `json:"topics"`
	LastError string      `json:"last_error,omitempty"`
}

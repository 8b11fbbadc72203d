// Package storage persists JobRecords and ScheduledTasks. Both store
// implementations apply every mutation as a single atomic per-record update
// keyed by id; callers never read-modify-write full snapshots. Guarded
// transitions report whether the guard matched so the engine can enforce
// single execution per job.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/loomworks/loom/internal/model"
)

var ErrNotFound = errors.New("record not found")

// JobFilter narrows List results. Zero values mean "any".
type JobFilter struct {
	ID          string
	HandlerName string
	Statuses    []model.JobStatus
	Limit       int
}

func (f JobFilter) matchesStatus(s model.JobStatus) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, want := range f.Statuses {
		if s == want {
			return true
		}
	}
	return false
}

// JobStore persists job records.
//
// List returns records ordered by creation time ascending. NextQueued returns
// the claimable queued record for a handler with the highest priority,
// FIFO within a priority, skipping records whose RunAt is in the future;
// nil when none. Transition applies fields only when the record is currently
// in the from status and reports whether the guard matched.
type JobStore interface {
	Get(ctx context.Context, id string) (*model.JobRecord, error)
	List(ctx context.Context, f JobFilter) ([]*model.JobRecord, error)
	Insert(ctx context.Context, rec *model.JobRecord) error
	UpdateFields(ctx context.Context, id string, fields map[string]any) error
	Delete(ctx context.Context, id string) error

	NextQueued(ctx context.Context, handlerName string, now time.Time) (*model.JobRecord, error)
	Transition(ctx context.Context, id string, from, to model.JobStatus, fields map[string]any) (bool, error)
}

// TaskFilter narrows scheduled-task listings.
type TaskFilter struct {
	EnabledOnly bool
}

// TaskStore persists scheduled-task definitions. The scheduler only ever
// calls List and UpdateFields; Insert/Delete serve the management layer.
type TaskStore interface {
	Get(ctx context.Context, id string) (*model.ScheduledTask, error)
	List(ctx context.Context, f TaskFilter) ([]*model.ScheduledTask, error)
	Insert(ctx context.Context, task *model.ScheduledTask) error
	UpdateFields(ctx context.Context, id string, fields map[string]any) error
	Delete(ctx context.Context, id string) error
}

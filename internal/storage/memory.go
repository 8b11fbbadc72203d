package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/model"
)

// MemoryJobStore is the in-process JobStore used in development mode and in
// tests. It honors the same guarded-transition semantics as the gorm store.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]*model.JobRecord
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*model.JobRecord)}
}

func (s *MemoryJobStore) Get(ctx context.Context, id string) (*model.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryJobStore) List(ctx context.Context, f JobFilter) ([]*model.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.JobRecord
	for _, rec := range s.jobs {
		if f.ID != "" && rec.ID != f.ID {
			continue
		}
		if f.HandlerName != "" && rec.HandlerName != f.HandlerName {
			continue
		}
		if !f.matchesStatus(rec.Status) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryJobStore) Insert(ctx context.Context, rec *model.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.jobs[rec.ID] = &cp
	return nil
}

func (s *MemoryJobStore) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	applyJobFields(rec, fields)
	return nil
}

func (s *MemoryJobStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryJobStore) NextQueued(ctx context.Context, handlerName string, now time.Time) (*model.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *model.JobRecord
	for _, rec := range s.jobs {
		if rec.HandlerName != handlerName || rec.Status != model.JobQueued {
			continue
		}
		if rec.RunAt.After(now) {
			continue
		}
		if best == nil || better(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

// better reports whether a should be claimed before b: higher priority first,
// then older enqueue time.
func better(a, b *model.JobRecord) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *MemoryJobStore) Transition(ctx context.Context, id string, from, to model.JobStatus, fields map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Status != from {
		return false, nil
	}
	rec.Status = to
	applyJobFields(rec, fields)
	return true, nil
}

func applyJobFields(rec *model.JobRecord, fields map[string]any) {
	for k, v := range fields {
		switch k {
		case "status":
			if s, ok := v.(model.JobStatus); ok {
				rec.Status = s
			}
		case "attempts_made":
			if n, ok := v.(int); ok {
				rec.AttemptsMade = n
			}
		case "error":
			if s, ok := v.(string); ok {
				rec.Error = s
			}
		case "run_at":
			if t, ok := v.(time.Time); ok {
				rec.RunAt = t
			}
		case "updated_at":
			if t, ok := v.(time.Time); ok {
				rec.UpdatedAt = t
			}
		}
	}
	if _, ok := fields["updated_at"]; !ok {
		rec.UpdatedAt = time.Now()
	}
}

// MemoryTaskStore is the in-process TaskStore counterpart.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*model.ScheduledTask
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*model.ScheduledTask)}
}

func (s *MemoryTaskStore) Get(ctx context.Context, id string) (*model.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (s *MemoryTaskStore) List(ctx context.Context, f TaskFilter) ([]*model.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.ScheduledTask
	for _, task := range s.tasks {
		if f.EnabledOnly && !task.Enabled {
			continue
		}
		cp := *task
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryTaskStore) Insert(ctx context.Context, task *model.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryTaskStore) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range fields {
		switch k {
		case "enabled":
			if b, ok := v.(bool); ok {
				task.Enabled = b
			}
		case "expression":
			if s, ok := v.(string); ok {
				task.Expression = s
			}
		case "payload":
			if s, ok := v.(string); ok {
				task.Payload = s
			}
		case "last_run":
			if t, ok := v.(time.Time); ok {
				cp := t
				task.LastRun = &cp
			}
		case "next_run":
			if t, ok := v.(time.Time); ok {
				cp := t
				task.NextRun = &cp
			}
		case "updated_at":
			if t, ok := v.(time.Time); ok {
				task.UpdatedAt = t
			}
		}
	}
	if _, ok := fields["updated_at"]; !ok {
		task.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryTaskStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

package model

import "time"

// ScheduledTask is a stored recurring-work definition. Task CRUD belongs to
// the management layer above the runtime; the scheduler consumes tasks
// read-only and writes back only LastRun/NextRun.
//
// Payload is an opaque JSON document. By convention it names either a job
// handler ({"handler": "...", "args": {...}}) or an event topic
// ({"topic": "...", "payload": {...}}); the scheduler dispatches exactly one
// of the two per due occurrence.
type ScheduledTask struct {
	ID         string     `json:"id" gorm:"primaryKey;size:36"`
	Expression string     `json:"expression" gorm:"size:128"`
	Payload    string     `json:"payload"`
	Enabled    bool       `json:"enabled" gorm:"index"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (ScheduledTask) TableName() string { return "scheduled_tasks" }

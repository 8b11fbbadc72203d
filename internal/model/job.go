package model

import "time"

// JobStatus is the lifecycle state of a JobRecord.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether a job in this status will never run again.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobRecord is one unit of background work. Created on enqueue, mutated by
// the job engine as it transitions status, retained after completion until
// retention cleanup evicts it. Args and Context are opaque JSON documents;
// the engine never looks inside them.
type JobRecord struct {
	ID           string    `json:"id" gorm:"primaryKey;size:36"`
	HandlerName  string    `json:"handler_name" gorm:"size:128;index"`
	Status       JobStatus `json:"status" gorm:"size:16;index"`
	Priority     int       `json:"priority"`
	AttemptsMade int       `json:"attempts_made"`
	MaxAttempts  int       `json:"max_attempts"`
	Args         string    `json:"args"`
	Context      string    `json:"context"`
	Error        string    `json:"error,omitempty"`
	// RunAt is the earliest time the next attempt may be claimed; retries
	// push it forward by the backoff delay.
	RunAt     time.Time `json:"run_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (JobRecord) TableName() string { return "jobs" }

// Package task defines the unit of work the engine processes end to end.
package task

import (
	"time"

	"github.com/metacogma/upload-engine/models/videospec"
)

// Status is the lifecycle state of a Task (spec.md §3).
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// DefaultMaxAttempts is the attempt ceiling a Task gets when none is given.
const DefaultMaxAttempts = 3

// Timestamps groups the lifecycle timestamps of a Task.
type Timestamps struct {
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Task is a single upload request moving through the engine.
type Task struct {
	ID        string
	AccountID string // bound when work starts

	VideoSpec videospec.VideoSpec

	Priority int // 0-10, higher first
	Status   Status
	Attempt  int

	MaxAttempts   int
	ScheduledFor  *time.Time
	PreferredAccountID string

	Result string // videoURL
	Error  string

	Timestamps Timestamps

	// Progress is updated by UploadWorker at most once a second
	// (spec.md §4.9 step 5).
	Progress float64

	Metadata map[string]interface{}
}

// New constructs a pending Task with sane defaults.
func New(id string, spec videospec.VideoSpec, priority int) *Task {
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}
	return &Task{
		ID:          id,
		VideoSpec:   spec,
		Priority:    priority,
		Status:      StatusPending,
		MaxAttempts: DefaultMaxAttempts,
		Timestamps:  Timestamps{CreatedAt: time.Now()},
		Metadata:    map[string]interface{}{},
	}
}

// CanRetry reports whether a failed task is still allowed to return to
// pending (spec.md §3 invariant: failed→pending only if attempt<maxAttempts
// and the error was retryable; the retryable check is the caller's job).
func (t *Task) CanRetry() bool {
	return t.Attempt < t.MaxAttempts
}

// View is the read-only projection returned by Engine.status (spec.md §6).
type View struct {
	TaskID   string
	Status   Status
	Attempt  int
	Progress float64
	Error    string
	Result   string
}

// View projects a Task into its external-facing shape.
func (t *Task) View() View {
	return View{
		TaskID:   t.ID,
		Status:   t.Status,
		Attempt:  t.Attempt,
		Progress: t.Progress,
		Error:    t.Error,
		Result:   t.Result,
	}
}

// Package eventbus is the typed lifecycle event bus the Design Notes
// (spec.md §9) call for in place of the teacher's ad-hoc per-component event
// emitters: TaskQueue and BrowserPool publish tagged lifecycle events and
// HealthMonitor publishes account_suspended; Subscribe is the read side for
// consumers outside the engine, and no engine component subscribes.
package eventbus

import "context"

// Kind is the exhaustive set of lifecycle events the engine publishes.
type Kind string

const (
	KindTaskSubmitted Kind = "task_submitted"
	KindTaskLeased    Kind = "task_leased"
	KindTaskAcked     Kind = "task_acked"
	KindTaskNacked    Kind = "task_nacked"
	KindTaskDead      Kind = "task_dead"

	KindBrowserLeased   Kind = "browser_leased"
	KindBrowserReleased Kind = "browser_released"
	KindBrowserEvicted  Kind = "browser_evicted"
	KindBrowserSpawned  Kind = "browser_spawned"

	KindAccountSuspended Kind = "account_suspended"
)

// Event is one published occurrence.
type Event struct {
	Kind      Kind
	TaskID    string
	AccountID string
	WindowID  string
	Detail    string
}

// Publisher is the write-side of the bus.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Subscriber is the read-side of the bus: Subscribe returns a channel that
// receives every event published after the call, closed on ctx.Done.
type Subscriber interface {
	Subscribe(ctx context.Context) <-chan Event
}

// Bus is both sides plus lifecycle management.
type Bus interface {
	Publisher
	Subscriber
	Close()
}

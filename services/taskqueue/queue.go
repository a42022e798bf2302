// Package taskqueue implements the TaskQueue of spec.md §4.7: a durable,
// priority-ordered queue with pending/active/delayed/completed/failed/dead
// zones, backed by container/heap for in-memory ordering and StateStore for
// durability. Grounded on the teacher's queue-based execution idiom
// (services/worker_src/executor.go's buffered-channel ExecutionQueue) for
// the submit/consume shape, generalized to a priority heap with status
// zones rather than a flat FIFO channel.
package taskqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	apxerrors "github.com/metacogma/upload-engine/errors"
	"github.com/metacogma/upload-engine/logger"
	"github.com/metacogma/upload-engine/models/task"
	"github.com/metacogma/upload-engine/services/eventbus"
	"github.com/metacogma/upload-engine/services/statestore"
)

// job is one queue entry: a task plus the bookkeeping the heap and the
// active-zone stall detector need.
type job struct {
	task        *task.Task
	queueID     string
	index       int // heap.Interface bookkeeping
	leasedBy    string
	lastHeartbeat time.Time
}

// ActiveJob is what Lease hands the worker.
type ActiveJob struct {
	QueueID string
	Task    *task.Task
}

// pendingHeap orders by (priority desc, scheduledFor asc); only jobs whose
// scheduledFor is <= now are eligible, callers filter before popping.
type pendingHeap []*job

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	si, sj := scheduledOrZero(h[i].task), scheduledOrZero(h[j].task)
	return si.Before(sj)
}
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *pendingHeap) Push(x interface{}) {
	j := x.(*job)
	j.index = len(*h)
	*h = append(*h, j)
}
func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}

func scheduledOrZero(t *task.Task) time.Time {
	if t.ScheduledFor == nil {
		return time.Time{}
	}
	return *t.ScheduledFor
}

// Retention bounds how many completed/failed jobs Queue keeps in memory
// (spec.md §4.7: default 100 completed, 1000 failed).
type Retention struct {
	Completed int
	Failed    int
}

// Queue is the TaskQueue service.
type Queue struct {
	store   statestore.Store
	bus     eventbus.Publisher
	retain  Retention
	stall   time.Duration

	mu        sync.Mutex
	cond      *sync.Cond
	pending   pendingHeap
	delayed   []*job
	active    map[string]*job
	completed []*job
	failed    []*job
	dead      []*job

	closed bool
}

// New builds a Queue. stallTimeout and retain come from config.EngineConfig
// (spec.md §4.7).
func New(store statestore.Store, bus eventbus.Publisher, retain Retention, stallTimeout time.Duration) *Queue {
	q := &Queue{
		store:  store,
		bus:    bus,
		retain: retain,
		stall:  stallTimeout,
		active: make(map[string]*job),
	}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.pending)
	return q
}

// Submit persists t to StateStore and enqueues it, returning a queue-id
// distinct from the task id (spec.md §4.7).
func (q *Queue) Submit(ctx context.Context, t *task.Task) (string, error) {
	if err := q.store.PutTask(ctx, t); err != nil {
		return "", err
	}

	q.mu.Lock()
	qid := uuid.NewString()
	j := &job{task: t, queueID: qid}
	if t.ScheduledFor != nil && t.ScheduledFor.After(time.Now()) {
		q.delayed = append(q.delayed, j)
	} else {
		heap.Push(&q.pending, j)
	}
	q.cond.Signal()
	q.mu.Unlock()

	q.bus.Publish(ctx, eventbus.Event{Kind: eventbus.KindTaskSubmitted, TaskID: t.ID})
	return qid, nil
}

// SubmitBatch submits every task in tasks as one transactional group: if any
// PutTask fails, none are enqueued (spec.md §4.7).
func (q *Queue) SubmitBatch(ctx context.Context, tasks []*task.Task) ([]string, error) {
	tx, err := q.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if err := q.store.PutTask(ctx, t); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apxerrors.E(apxerrors.Transient, "taskqueue", err)
	}

	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		qid, err := q.submitEnqueueOnly(ctx, t)
		if err != nil {
			return ids, err
		}
		ids = append(ids, qid)
	}
	return ids, nil
}

func (q *Queue) submitEnqueueOnly(ctx context.Context, t *task.Task) (string, error) {
	q.mu.Lock()
	qid := uuid.NewString()
	j := &job{task: t, queueID: qid}
	if t.ScheduledFor != nil && t.ScheduledFor.After(time.Now()) {
		q.delayed = append(q.delayed, j)
	} else {
		heap.Push(&q.pending, j)
	}
	q.cond.Signal()
	q.mu.Unlock()
	q.bus.Publish(ctx, eventbus.Event{Kind: eventbus.KindTaskSubmitted, TaskID: t.ID})
	return qid, nil
}

// promoteDueDelayed moves delayed jobs whose scheduledFor has arrived into
// pending. Caller must hold q.mu.
func (q *Queue) promoteDueDelayed() {
	now := time.Now()
	var remaining []*job
	for _, j := range q.delayed {
		if j.task.ScheduledFor == nil || !j.task.ScheduledFor.After(now) {
			heap.Push(&q.pending, j)
		} else {
			remaining = append(remaining, j)
		}
	}
	q.delayed = remaining
}

// Lease pops the highest-priority pending job whose scheduledFor <= now,
// moves it to active, and blocks until one is available or ctx is
// cancelled/Close is called (spec.md §4.7).
func (q *Queue) Lease(ctx context.Context, workerID string) (*ActiveJob, error) {
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stopWatch:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		q.promoteDueDelayed()
		if q.pending.Len() > 0 {
			j := heap.Pop(&q.pending).(*job)
			j.leasedBy = workerID
			j.lastHeartbeat = time.Now()
			j.task.Status = task.StatusActive
			now := time.Now()
			j.task.Timestamps.StartedAt = &now
			q.active[j.queueID] = j

			if err := q.store.PutTask(ctx, j.task); err != nil {
				logger.Error("taskqueue: failed to persist leased task", zap.Error(err))
			}
			q.bus.Publish(ctx, eventbus.Event{Kind: eventbus.KindTaskLeased, TaskID: j.task.ID})
			return &ActiveJob{QueueID: j.queueID, Task: j.task}, nil
		}
		if q.closed {
			return nil, apxerrors.E(apxerrors.Transient, "taskqueue", "queue closed")
		}
		if ctx.Err() != nil {
			return nil, apxerrors.E(apxerrors.Transient, "taskqueue", ctx.Err())
		}
		q.cond.Wait()
	}
}

// Heartbeat refreshes an active job's lastHeartbeat so the stall detector
// doesn't reclaim it.
func (q *Queue) Heartbeat(queueID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.active[queueID]; ok {
		j.lastHeartbeat = time.Now()
	}
}

// Ack moves queueID to completed, setting task.Result (spec.md §4.7).
func (q *Queue) Ack(ctx context.Context, queueID, result string) error {
	q.mu.Lock()
	j, ok := q.active[queueID]
	if !ok {
		q.mu.Unlock()
		return apxerrors.E(apxerrors.TaskFatal, "taskqueue", "no such active job")
	}
	delete(q.active, queueID)
	j.task.Status = task.StatusCompleted
	j.task.Result = result
	now := time.Now()
	j.task.Timestamps.CompletedAt = &now
	q.completed = append(q.completed, j)
	if q.retain.Completed > 0 && len(q.completed) > q.retain.Completed {
		q.completed = q.completed[len(q.completed)-q.retain.Completed:]
	}
	q.mu.Unlock()

	if err := q.store.PutTask(ctx, j.task); err != nil {
		return err
	}
	q.bus.Publish(ctx, eventbus.Event{Kind: eventbus.KindTaskAcked, TaskID: j.task.ID})
	return nil
}

// Nack moves queueID back to delayed with retryDelay, or to dead when
// retryDelay is zero or the task has exhausted its attempts (spec.md §4.7).
// consumesAttempt distinguishes a real UploadDriver attempt from an
// infrastructure back-pressure nack (admission denial, selector contention,
// browser-pool lease failure): only the former counts against
// task.MaxAttempts, the same way ReclaimStalled's stall recovery leaves
// Attempt untouched.
func (q *Queue) Nack(ctx context.Context, queueID string, errInfo string, retryDelay time.Duration, consumesAttempt bool) error {
	q.mu.Lock()
	j, ok := q.active[queueID]
	if !ok {
		q.mu.Unlock()
		return apxerrors.E(apxerrors.TaskFatal, "taskqueue", "no such active job")
	}
	delete(q.active, queueID)
	j.task.Error = errInfo
	if consumesAttempt {
		j.task.Attempt++
	}

	var kind eventbus.Kind
	if retryDelay > 0 && j.task.CanRetry() {
		when := time.Now().Add(retryDelay)
		j.task.ScheduledFor = &when
		j.task.Status = task.StatusPending
		q.delayed = append(q.delayed, j)
		kind = eventbus.KindTaskNacked

		// failed retains a trailing history of nack events (including ones
		// that went on to be retried), independent of where the task lives
		// now — distinct from dead, the terminal DLQ zone.
		q.failed = append(q.failed, j)
		if q.retain.Failed > 0 && len(q.failed) > q.retain.Failed {
			q.failed = q.failed[len(q.failed)-q.retain.Failed:]
		}
	} else {
		j.task.Status = task.StatusDead
		q.dead = append(q.dead, j)
		kind = eventbus.KindTaskDead
	}
	q.mu.Unlock()

	if err := q.store.PutTask(ctx, j.task); err != nil {
		return err
	}
	q.bus.Publish(ctx, eventbus.Event{Kind: kind, TaskID: j.task.ID, Detail: errInfo})
	return nil
}

// Peek returns up to limit jobs in the named status zone.
func (q *Queue) Peek(status task.Status, limit int) []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var src []*job
	switch status {
	case task.StatusPending:
		src = append(src, q.pending...)
	case task.StatusActive:
		for _, j := range q.active {
			src = append(src, j)
		}
	case task.StatusCompleted:
		src = q.completed
	case task.StatusFailed:
		src = q.failed
	case task.StatusDead:
		src = q.dead
	}
	if limit > 0 && len(src) > limit {
		src = src[:limit]
	}
	return lo.Map(src, func(j *job, _ int) *task.Task { return j.task })
}

// Counts returns the size of every zone.
func (q *Queue) Counts() map[task.Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[task.Status]int{
		task.StatusPending:   q.pending.Len() + len(q.delayed),
		task.StatusActive:    len(q.active),
		task.StatusCompleted: len(q.completed),
		task.StatusFailed:    len(q.failed),
		task.StatusDead:      len(q.dead),
	}
}

// GetByID looks a job up by queue-id across every zone.
func (q *Queue) GetByID(queueID string) (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.active[queueID]; ok {
		return j.task, true
	}
	for _, zone := range [][]*job{q.pending, q.delayed, q.completed, q.failed, q.dead} {
		for _, j := range zone {
			if j.queueID == queueID {
				return j.task, true
			}
		}
	}
	return nil, false
}

// ReclaimStalled moves every active job whose lastHeartbeat is older than
// stallTimeout back to pending with attempt unchanged (spec.md §4.7).
func (q *Queue) ReclaimStalled(ctx context.Context) int {
	q.mu.Lock()
	var stalled []*job
	now := time.Now()
	for qid, j := range q.active {
		if now.Sub(j.lastHeartbeat) > q.stall {
			delete(q.active, qid)
			j.task.Status = task.StatusPending
			heap.Push(&q.pending, j)
			stalled = append(stalled, j)
		}
	}
	if len(stalled) > 0 {
		q.cond.Broadcast()
	}
	q.mu.Unlock()

	for _, j := range stalled {
		logger.Warn("taskqueue: reclaiming stalled job", zap.String("task_id", j.task.ID), zap.String("queue_id", j.queueID))
		if err := q.store.PutTask(ctx, j.task); err != nil {
			logger.Error("taskqueue: failed to persist reclaimed task", zap.Error(err))
		}
	}
	return len(stalled)
}

// Close unblocks every Lease waiter with a closed-queue error.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

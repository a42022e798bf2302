// Package engine wires every component into the Engine API of spec.md §6:
// submit/submitBatch/status/pause/resume/shutdown/getSystemStatus, backed by
// N long-lived UploadWorker goroutines plus the HealthMonitor and
// daily-reset timers (spec.md §5). Construction order and the
// defer-Shutdown-registration idiom follow the teacher's
// cmd/test_runner/main.go service bring-up.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apxerrors "github.com/metacogma/upload-engine/errors"
	"github.com/metacogma/upload-engine/config"
	"github.com/metacogma/upload-engine/logger"
	"github.com/metacogma/upload-engine/models/history"
	"github.com/metacogma/upload-engine/models/task"
	"github.com/metacogma/upload-engine/models/videospec"
	"github.com/metacogma/upload-engine/services/accountregistry"
	"github.com/metacogma/upload-engine/services/admission"
	"github.com/metacogma/upload-engine/services/archive"
	"github.com/metacogma/upload-engine/services/browserfarm"
	"github.com/metacogma/upload-engine/services/browserpool"
	"github.com/metacogma/upload-engine/services/coordstore"
	"github.com/metacogma/upload-engine/services/eventbus"
	"github.com/metacogma/upload-engine/services/health"
	"github.com/metacogma/upload-engine/services/retryclassifier"
	"github.com/metacogma/upload-engine/services/selector"
	"github.com/metacogma/upload-engine/services/shutdown"
	"github.com/metacogma/upload-engine/services/statestore"
	"github.com/metacogma/upload-engine/services/taskqueue"
	"github.com/metacogma/upload-engine/services/worker"
)

// SubmitOptions mirrors the recognised keys of spec.md §6's options object.
type SubmitOptions struct {
	Priority           int
	PreferredAccountID string
	ScheduledFor       *time.Time
	Metadata           map[string]interface{}
	MaxAttempts        int
}

// TaskHandle is what submit/submitBatch hands back.
type TaskHandle struct {
	TaskID  string
	QueueID string
}

// SystemStatus is the getSystemStatus projection (spec.md §6).
type SystemStatus struct {
	QueueCounts       map[task.Status]int
	AdmissionGlobal   int64
	WorkerCount       int
	BrowserPoolSize   int
	Paused            bool
}

// Engine is the in-process façade spec.md §6 names.
type Engine struct {
	cfg *config.EngineConfig

	store      statestore.Store
	coord      *coordstore.Store
	bus        eventbus.Bus
	queue      *taskqueue.Queue
	admission  *admission.Control
	registry   *accountregistry.Registry
	selector   *selector.Selector
	pool       *browserpool.Pool
	classifier *retryclassifier.Classifier
	monitor    *health.Monitor
	archiver   historyArchiver
	shutdownC  *shutdown.Coordinator

	workers []*worker.Worker

	mu      sync.Mutex
	paused  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Dependencies groups the external collaborators the teacher leaves as
// constructor parameters rather than reaching for globals (spec.md §6:
// UploadDriver and BrowserFarm are both consumed, not implemented, by the
// engine).
type Dependencies struct {
	Store  statestore.Store
	Bus    eventbus.Bus
	Farm   browserfarm.Farm
	Driver worker.UploadDriver
}

// historyArchiver is the narrow interface archiveAged needs from
// *archive.Archiver, kept separate so tests can fake the S3 round trip.
type historyArchiver interface {
	ArchiveBatch(ctx context.Context, accountID string, rows []history.UploadRow) error
}

// New constructs every engine component in dependency order — StateStore
// and CoordStore first, then the services layered on top of them, then the
// worker pool and timers — and registers each one's teardown with the
// shutdown coordinator in the same order, so Shutdown unwinds LIFO.
func New(cfg *config.EngineConfig, deps Dependencies, strategy selector.Strategy) (*Engine, error) {
	coord := coordstore.New(250 * time.Millisecond)

	registry := accountregistry.New(deps.Store)
	adm := admission.New(coord, cfg)
	sel := selector.New(registry, coord, strategy, cfg.ReservationTTL)
	pool := browserpool.New(deps.Farm, deps.Bus, cfg.MinBrowserInstances, cfg.MaxBrowserInstances, cfg.LeaseTimeout, cfg.BrowserIdleTimeout)
	classifier := retryclassifier.New(cfg)
	queue := taskqueue.New(deps.Store, deps.Bus, taskqueue.Retention{Completed: cfg.RetainCompleted, Failed: cfg.RetainFailed}, cfg.StallTimeout)
	monitor := health.New(registry, deps.Bus, cfg)

	var archiver historyArchiver
	if cfg.ArchiveBucket != "" {
		a, err := archive.New(cfg.ArchiveRegion, cfg.ArchiveBucket)
		if err != nil {
			return nil, err
		}
		archiver = a
	}

	e := &Engine{
		cfg:        cfg,
		store:      deps.Store,
		coord:      coord,
		bus:        deps.Bus,
		queue:      queue,
		admission:  adm,
		registry:   registry,
		selector:   sel,
		pool:       pool,
		classifier: classifier,
		monitor:    monitor,
		archiver:   archiver,
		shutdownC:  shutdown.NewCoordinator(cfg.DrainTimeout),
	}

	for i := 0; i < cfg.WorkerConcurrency; i++ {
		id := fmt.Sprintf("worker-%d", i)
		w := worker.New(id, queue, adm, sel, pool, registry, classifier, deps.Store, deps.Driver, cfg.UploadTimeout)
		e.workers = append(e.workers, w)
	}

	e.shutdownC.Register("statestore", func(ctx context.Context) error { return e.store.Close(ctx) })
	e.shutdownC.Register("eventbus", func(ctx context.Context) error { e.bus.Close(); return nil })
	e.shutdownC.Register("coordstore", func(ctx context.Context) error { e.coord.Close(); return nil })
	e.shutdownC.Register("browser_pool", func(ctx context.Context) error { e.pool.Shutdown(ctx); return nil })
	e.shutdownC.Register("task_queue", func(ctx context.Context) error { e.queue.Close(); return nil })

	return e, nil
}

// Run starts every worker goroutine plus the HealthMonitor and daily-reset
// timers, blocking until ctx is cancelled (spec.md §5: N workers + two
// timers).
func (e *Engine) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	for _, w := range e.workers {
		e.wg.Add(1)
		go func(w *worker.Worker) {
			defer e.wg.Done()
			w.Run(runCtx)
		}(w)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.monitor.Run(runCtx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dailyResetLoop(runCtx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.stallReclaimLoop(runCtx)
	}()

	if e.archiver != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.archiveLoop(runCtx)
		}()
	}

	<-runCtx.Done()
	e.wg.Wait()
}

func (e *Engine) dailyResetLoop(ctx context.Context) {
	for {
		now := time.Now()
		midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
		timer := time.NewTimer(midnight.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := e.registry.ResetDaily(ctx); err != nil {
				logger.Error("engine: daily reset failed", err)
			}
		}
	}
}

func (e *Engine) stallReclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.StallTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.queue.ReclaimStalled(ctx)
		}
	}
}

// archiveLoop periodically streams each account's upload_history rows older
// than cfg.ArchiveRetention to cold storage and deletes them once the S3
// write succeeds, keeping the table bounded per spec.md §4.7.
func (e *Engine) archiveLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ArchiveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.archiveAged(ctx)
		}
	}
}

func (e *Engine) archiveAged(ctx context.Context) {
	accounts, err := e.registry.List(ctx)
	if err != nil {
		logger.Error("engine: archive sweep failed to list accounts", err)
		return
	}

	cutoff := time.Now().Add(-e.cfg.ArchiveRetention)
	for _, a := range accounts {
		rows, err := e.store.ListHistory(ctx, a.ID, 0, 0)
		if err != nil {
			logger.Error("engine: archive sweep failed to list history", err)
			continue
		}
		var aged []history.UploadRow
		for _, r := range rows {
			if r.CreatedAt.Before(cutoff) {
				aged = append(aged, r)
			}
		}
		if len(aged) == 0 {
			continue
		}
		if err := e.archiver.ArchiveBatch(ctx, a.ID, aged); err != nil {
			logger.Error("engine: archive batch failed", err)
			continue
		}
		if _, err := e.store.DeleteHistoryBefore(ctx, a.ID, cutoff.Unix()); err != nil {
			logger.Error("engine: archive sweep failed to prune history", err)
		}
	}
}

// Submit implements spec.md §6's submit(video, options) → TaskHandle.
func (e *Engine) Submit(ctx context.Context, spec videospec.VideoSpec, opts SubmitOptions) (TaskHandle, error) {
	if err := spec.Validate(); err != nil {
		return TaskHandle{}, err
	}
	if e.queueSaturated() {
		return TaskHandle{}, apxerrors.E(apxerrors.TaskFatal, "engine", "QueueSaturated")
	}

	t := task.New(uuid.NewString(), spec, opts.Priority)
	t.PreferredAccountID = opts.PreferredAccountID
	t.ScheduledFor = opts.ScheduledFor
	if opts.Metadata != nil {
		t.Metadata = opts.Metadata
	}
	if opts.MaxAttempts > 0 {
		t.MaxAttempts = opts.MaxAttempts
	}

	qid, err := e.queue.Submit(ctx, t)
	if err != nil {
		return TaskHandle{}, err
	}
	return TaskHandle{TaskID: t.ID, QueueID: qid}, nil
}

// SubmitBatch implements spec.md §6's submitBatch([video], options) →
// [TaskHandle], one transactional group per spec.md §4.7.
func (e *Engine) SubmitBatch(ctx context.Context, specs []videospec.VideoSpec, opts SubmitOptions) ([]TaskHandle, error) {
	if e.queueSaturated() {
		return nil, apxerrors.E(apxerrors.TaskFatal, "engine", "QueueSaturated")
	}

	tasks := make([]*task.Task, 0, len(specs))
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		t := task.New(uuid.NewString(), spec, opts.Priority)
		t.PreferredAccountID = opts.PreferredAccountID
		t.ScheduledFor = opts.ScheduledFor
		if opts.MaxAttempts > 0 {
			t.MaxAttempts = opts.MaxAttempts
		}
		tasks = append(tasks, t)
	}

	qids, err := e.queue.SubmitBatch(ctx, tasks)
	if err != nil {
		return nil, err
	}

	handles := make([]TaskHandle, len(qids))
	for i, qid := range qids {
		handles[i] = TaskHandle{TaskID: tasks[i].ID, QueueID: qid}
	}
	return handles, nil
}

func (e *Engine) queueSaturated() bool {
	counts := e.queue.Counts()
	return counts[task.StatusPending] > e.cfg.QueueHighWatermark
}

// Status implements spec.md §6's status(taskId) → TaskView.
func (e *Engine) Status(queueID string) (task.View, bool) {
	t, ok := e.queue.GetByID(queueID)
	if !ok {
		return task.View{}, false
	}
	return t.View(), true
}

// Pause stops every worker from acquiring new leases (spec.md §4.10).
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	for _, w := range e.workers {
		w.Pause()
	}
	logger.Info("engine: paused")
}

// Resume resumes lease acquisition for every worker.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	for _, w := range e.workers {
		w.Resume()
	}
	logger.Info("engine: resumed")
}

// Shutdown cancels the worker/timer run loop and drains every registered
// component LIFO within cfg.DrainTimeout (spec.md §4.10).
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.shutdownC.Shutdown(ctx)
}

// GetSystemStatus implements spec.md §6's getSystemStatus() → SystemStatus.
func (e *Engine) GetSystemStatus() SystemStatus {
	global, _ := e.admission.Counts("")
	total, _ := e.pool.Size()
	e.mu.Lock()
	paused := e.paused
	e.mu.Unlock()
	return SystemStatus{
		QueueCounts:     e.queue.Counts(),
		AdmissionGlobal: global,
		WorkerCount:     len(e.workers),
		BrowserPoolSize: total,
		Paused:          paused,
	}
}

// Package worker implements UploadWorker (spec.md §4.9): the loop coupling
// a leased account reservation to a pooled browser instance and driving
// a single upload end to end. Per-browser-profile circuit breakers follow
// the teacher's services/execution_bridge/execution_bridge.go
// getCircuitBreaker pattern — a sync.Map of *gobreaker.CircuitBreaker keyed
// by profile instead of by HTTP endpoint, short-circuiting repeated
// UploadDriver.run calls against a browser profile that keeps failing.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/metacogma/upload-engine/logger"
	"github.com/metacogma/upload-engine/models/account"
	"github.com/metacogma/upload-engine/models/history"
	"github.com/metacogma/upload-engine/models/videospec"
	"github.com/metacogma/upload-engine/services/accountregistry"
	"github.com/metacogma/upload-engine/services/admission"
	"github.com/metacogma/upload-engine/services/browserpool"
	"github.com/metacogma/upload-engine/services/retryclassifier"
	"github.com/metacogma/upload-engine/services/selector"
	"github.com/metacogma/upload-engine/services/statestore"
	"github.com/metacogma/upload-engine/services/taskqueue"
)

// ProgressSink receives progress updates from an UploadDriver, throttled by
// the worker to at most once a second (spec.md §4.9 step 5).
type ProgressSink func(fraction float64)

// UploadDriver is the consumed external collaborator (spec.md §6) that
// actually drives a browser through a video upload.
type UploadDriver interface {
	Run(ctx context.Context, br *browserpool.Handle, acct *account.Account, spec videospec.VideoSpec, progress ProgressSink) (videoURL string, err error)
}

// Worker is one UploadWorker instance.
type Worker struct {
	id         string
	queue      *taskqueue.Queue
	admission  *admission.Control
	selector   *selector.Selector
	pool       *browserpool.Pool
	registry   *accountregistry.Registry
	classifier *retryclassifier.Classifier
	store      statestore.Store
	driver     UploadDriver

	uploadTimeout time.Duration

	breakers sync.Map // map[string]*gobreaker.CircuitBreaker, keyed by browser profile id

	paused atomic32
}

// atomic32 is a tiny bool flag workers check between iterations — pause
// doesn't abort in-flight work, only gates the next lease (spec.md §4.10).
type atomic32 struct {
	mu    sync.Mutex
	value bool
}

func (a *atomic32) set(v bool) { a.mu.Lock(); a.value = v; a.mu.Unlock() }
func (a *atomic32) get() bool  { a.mu.Lock(); defer a.mu.Unlock(); return a.value }

// New builds a Worker. id should be unique per goroutine for log/metrics
// correlation.
func New(id string, queue *taskqueue.Queue, adm *admission.Control, sel *selector.Selector, pool *browserpool.Pool, registry *accountregistry.Registry, classifier *retryclassifier.Classifier, store statestore.Store, driver UploadDriver, uploadTimeout time.Duration) *Worker {
	return &Worker{
		id:            id,
		queue:         queue,
		admission:     adm,
		selector:      sel,
		pool:          pool,
		registry:      registry,
		classifier:    classifier,
		store:         store,
		driver:        driver,
		uploadTimeout: uploadTimeout,
	}
}

func (w *Worker) breakerFor(profileID string) *gobreaker.CircuitBreaker {
	if cb, ok := w.breakers.Load(profileID); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        profileID,
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("worker: circuit breaker state change",
				zap.String("profile_id", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	actual, _ := w.breakers.LoadOrStore(profileID, cb)
	return actual.(*gobreaker.CircuitBreaker)
}

// Pause stops this worker from acquiring new leases; in-flight work is not
// aborted (spec.md §4.10).
func (w *Worker) Pause()  { w.paused.set(true) }
func (w *Worker) Resume() { w.paused.set(false) }

// Run executes the worker loop until ctx is cancelled. On cancellation the
// worker finishes its current job cooperatively and exits before its next
// lease (spec.md §4.9 step 7).
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if w.paused.get() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
				continue
			}
		}

		job, err := w.queue.Lease(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("worker: lease failed", zap.String("worker_id", w.id), zap.Error(err))
			continue
		}

		w.handle(ctx, job)
	}
}

func (w *Worker) handle(ctx context.Context, job *taskqueue.ActiveJob) {
	t := job.Task

	decision := w.admission.Allow(ctx, t.PreferredAccountID)
	if !decision.Allowed {
		_ = w.queue.Nack(ctx, job.QueueID, "admission denied", decision.RetryAfter, false)
		return
	}

	var reservation *selector.Reservation
	var selErr error
	if t.PreferredAccountID != "" {
		reservation, selErr = w.reservePreferred(ctx, t.PreferredAccountID)
	} else {
		filter := accountregistry.Filter{Status: account.StatusActive, HasAvailableUploads: true}
		reservation, selErr = w.selector.Select(ctx, filter)
	}
	if selErr != nil {
		_ = w.queue.Nack(ctx, job.QueueID, selErr.Error(), 5*time.Second, false)
		return
	}

	br, err := w.pool.Lease(ctx, reservation.Account.BrowserProfileID)
	if err != nil {
		w.selector.Release(reservation.Account.ID, reservation.Token)
		_ = w.queue.Nack(ctx, job.QueueID, err.Error(), 5*time.Second, false)
		return
	}

	uploadCtx, cancel := context.WithTimeout(ctx, w.uploadTimeout)
	defer cancel()

	lastUpdate := time.Now()
	sink := func(fraction float64) {
		if time.Since(lastUpdate) < time.Second {
			return
		}
		lastUpdate = time.Now()
		t.Progress = fraction
	}

	profileID := reservation.Account.BrowserProfileID
	result, runErr := w.breakerFor(profileID).Execute(func() (interface{}, error) {
		return w.driver.Run(uploadCtx, br, reservation.Account, t.VideoSpec, sink)
	})

	if runErr == nil {
		w.onSuccess(ctx, job, reservation, br, result.(string))
		return
	}
	w.onFailure(ctx, job, reservation, br, runErr)
}

func (w *Worker) reservePreferred(ctx context.Context, accountID string) (*selector.Reservation, error) {
	a, err := w.registry.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return w.selector.SelectAccount(ctx, a)
}

func (w *Worker) onSuccess(ctx context.Context, job *taskqueue.ActiveJob, r *selector.Reservation, br *browserpool.Handle, videoURL string) {
	t := job.Task

	if err := w.registry.ApplyOutcome(ctx, r.Account.ID, true); err != nil {
		logger.Error("worker: failed to apply success outcome", zap.Error(err))
	}
	row := history.UploadRow{TaskID: t.ID, AccountID: r.Account.ID, Success: true, VideoURL: videoURL, CreatedAt: time.Now()}
	if err := w.store.AppendHistory(ctx, row); err != nil {
		logger.Error("worker: failed to append history", zap.Error(err))
	}
	w.pool.Release(ctx, br, browserpool.OutcomeOK)
	w.selector.Release(r.Account.ID, r.Token)

	if err := w.queue.Ack(ctx, job.QueueID, videoURL); err != nil {
		logger.Error("worker: ack failed", zap.Error(err))
	}
}

func (w *Worker) onFailure(ctx context.Context, job *taskqueue.ActiveJob, r *selector.Reservation, br *browserpool.Handle, runErr error) {
	t := job.Task

	if err := w.registry.ApplyOutcome(ctx, r.Account.ID, false); err != nil {
		logger.Error("worker: failed to apply failure outcome", zap.Error(err))
	}
	row := history.ErrorRow{TaskID: t.ID, AccountID: r.Account.ID, Attempt: t.Attempt, StackExcerpt: runErr.Error(), CreatedAt: time.Now()}

	acct, _ := w.registry.Get(ctx, r.Account.ID)
	var acctStatus account.Status
	if acct != nil {
		acctStatus = acct.Status
	}
	decision := w.classifier.Classify(runErr.Error(), t.Attempt, acctStatus)
	row.Category = string(decision.Category)
	if err := w.store.AppendError(ctx, row); err != nil {
		logger.Error("worker: failed to append error row", zap.Error(err))
	}

	if decision.Category == retryclassifier.CategoryAccountSuspended {
		if err := w.registry.Suspend(ctx, r.Account.ID); err != nil {
			logger.Error("worker: failed to force-suspend account", zap.Error(err))
		}
	}

	w.pool.Release(ctx, br, browserpool.OutcomeError)
	w.selector.Release(r.Account.ID, r.Token)

	if decision.Retry {
		_ = w.queue.Nack(ctx, job.QueueID, runErr.Error(), decision.Delay, true)
	} else {
		_ = w.queue.Nack(ctx, job.QueueID, runErr.Error(), 0, true)
	}
}

package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/metacogma/upload-engine/config"
	"github.com/metacogma/upload-engine/models/account"
	"github.com/metacogma/upload-engine/models/task"
	"github.com/metacogma/upload-engine/models/videospec"
	"github.com/metacogma/upload-engine/services/accountregistry"
	"github.com/metacogma/upload-engine/services/admission"
	"github.com/metacogma/upload-engine/services/browserfarm"
	"github.com/metacogma/upload-engine/services/browserpool"
	"github.com/metacogma/upload-engine/services/coordstore"
	"github.com/metacogma/upload-engine/services/eventbus"
	"github.com/metacogma/upload-engine/services/retryclassifier"
	"github.com/metacogma/upload-engine/services/selector"
	"github.com/metacogma/upload-engine/services/statestore"
	"github.com/metacogma/upload-engine/services/statestore/memstore"
	"github.com/metacogma/upload-engine/services/taskqueue"
)

// countingFarm is a trivial browserfarm.Farm: it opens windows with
// deterministic IDs and never fails, enough to exercise the real
// *browserpool.Pool the worker leases from.
type countingFarm struct{ n int }

func (f *countingFarm) ListWindows(ctx context.Context) ([]browserfarm.Window, error) {
	return nil, nil
}
func (f *countingFarm) OpenByName(ctx context.Context, name string) (browserfarm.Window, error) {
	f.n++
	return browserfarm.Window{ID: name + "-win"}, nil
}
func (f *countingFarm) Close(ctx context.Context, id string) error { return nil }
func (f *countingFarm) CheckLogin(ctx context.Context, id string) (bool, error) {
	return true, nil
}

// fakeDriver implements UploadDriver with a scripted outcome.
type fakeDriver struct {
	url string
	err error
}

func (d *fakeDriver) Run(ctx context.Context, br *browserpool.Handle, acct *account.Account, spec videospec.VideoSpec, progress ProgressSink) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	return d.url, nil
}

type testDeps struct {
	admission  *admission.Control
	selector   *selector.Selector
	registry   *accountregistry.Registry
	classifier *retryclassifier.Classifier
	store      statestore.Store
}

func newTestDeps(t *testing.T, globalLimit, acctLimit int) *testDeps {
	t.Helper()
	store := memstore.New()
	registry := accountregistry.New(store)
	coord := coordstore.New(5 * time.Millisecond)
	t.Cleanup(coord.Close)

	cfg := &config.EngineConfig{
		AdmissionGlobalLimit:   globalLimit,
		AdmissionGlobalWindow:  time.Hour,
		AdmissionAccountLimit:  acctLimit,
		AdmissionAccountWindow: time.Hour,
		MaxBackoff:             time.Hour,
	}
	return &testDeps{
		admission:  admission.New(coord, cfg),
		selector:   selector.New(registry, coord, nil, time.Minute),
		registry:   registry,
		classifier: retryclassifier.New(cfg),
		store:      store,
	}
}

func newTestPool(t *testing.T) *browserpool.Pool {
	t.Helper()
	return browserpool.New(&countingFarm{}, eventbus.NewInMemoryBus(), 0, 5, time.Second, time.Hour)
}

func newTestQueue(t *testing.T) *taskqueue.Queue {
	t.Helper()
	return taskqueue.New(memstore.New(), eventbus.NewInMemoryBus(), taskqueue.Retention{Completed: 10, Failed: 10}, time.Minute)
}

func newSpec(title string) videospec.VideoSpec {
	return videospec.VideoSpec{Path: "/tmp/" + title + ".mp4", Title: title, Privacy: videospec.PrivacyPrivate}
}

func leaseOne(t *testing.T, q *taskqueue.Queue) *taskqueue.ActiveJob {
	t.Helper()
	ctx := context.Background()
	tk := task.New("t1", newSpec("t1"), 5)
	_, err := q.Submit(ctx, tk)
	require.NoError(t, err)
	job, err := q.Lease(ctx, "worker-1")
	require.NoError(t, err)
	return job
}

func TestHandleSuccessPathAcksJobAndReleasesResources(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t, 100, 100)
	pool := newTestPool(t)
	q := newTestQueue(t)

	a := account.New("acct-1", "a@example.com", "profile-1", 5)
	require.NoError(t, deps.registry.Put(ctx, a))

	job := leaseOne(t, q)

	w := New("worker-1", q, deps.admission, deps.selector, pool, deps.registry, deps.classifier, deps.store, &fakeDriver{url: "https://example.com/v"}, time.Second)
	w.handle(ctx, job)

	got, err := deps.registry.Get(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, 1, got.DailyUploadCount)

	require.Equal(t, 1, q.Counts()[task.StatusCompleted])

	total, free := pool.Size()
	require.Equal(t, 1, total)
	require.Equal(t, 1, free)
}

func TestHandleDriverFailureNacksAndLowersAccountHealth(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t, 100, 100)
	pool := newTestPool(t)
	q := newTestQueue(t)

	a := account.New("acct-1", "a@example.com", "profile-1", 5)
	require.NoError(t, deps.registry.Put(ctx, a))

	job := leaseOne(t, q)

	w := New("worker-1", q, deps.admission, deps.selector, pool, deps.registry, deps.classifier, deps.store, &fakeDriver{err: errors.New("connection refused")}, time.Second)
	w.handle(ctx, job)

	got, err := deps.registry.Get(ctx, "acct-1")
	require.NoError(t, err)
	require.Less(t, got.HealthScore, account.InitialHealthScore)

	counts := q.Counts()
	require.Equal(t, 1, counts[task.StatusFailed]+counts[task.StatusPending])
}

func TestHandleAccountSuspendedCategoryForcesAccountSuspension(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t, 100, 100)
	pool := newTestPool(t)
	q := newTestQueue(t)

	a := account.New("acct-1", "a@example.com", "profile-1", 5)
	require.NoError(t, deps.registry.Put(ctx, a))

	job := leaseOne(t, q)

	w := New("worker-1", q, deps.admission, deps.selector, pool, deps.registry, deps.classifier, deps.store, &fakeDriver{err: errors.New("account suspended")}, time.Second)
	w.handle(ctx, job)

	got, err := deps.registry.Get(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, account.StatusSuspended, got.Status)
	require.Equal(t, 1, q.Counts()[task.StatusDead])
}

func TestHandleAdmissionDeniedNacksWithoutLeasingBrowser(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t, 0, 100)
	pool := newTestPool(t)
	q := newTestQueue(t)

	job := leaseOne(t, q)

	w := New("worker-1", q, deps.admission, deps.selector, pool, deps.registry, deps.classifier, deps.store, &fakeDriver{url: "x"}, time.Second)
	w.handle(ctx, job)

	total, _ := pool.Size()
	require.Equal(t, 0, total)
}

func TestHandleSelectorFailureNacksWithoutLeasingBrowser(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t, 100, 100)
	pool := newTestPool(t)
	q := newTestQueue(t)

	// No accounts registered, so Select has nothing to offer.
	job := leaseOne(t, q)

	w := New("worker-1", q, deps.admission, deps.selector, pool, deps.registry, deps.classifier, deps.store, &fakeDriver{url: "x"}, time.Second)
	w.handle(ctx, job)

	total, _ := pool.Size()
	require.Equal(t, 0, total)
	require.Equal(t, 1, q.Counts()[task.StatusPending])
}

func TestPauseAndResumeToggleFlag(t *testing.T) {
	w := &Worker{}
	require.False(t, w.paused.get())
	w.Pause()
	require.True(t, w.paused.get())
	w.Resume()
	require.False(t, w.paused.get())
}

func TestBreakerForReturnsSameBreakerForSameProfile(t *testing.T) {
	w := &Worker{}
	b1 := w.breakerFor("profile-1")
	b2 := w.breakerFor("profile-1")
	require.Same(t, b1, b2)
}

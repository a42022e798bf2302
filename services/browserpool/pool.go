// Package browserpool implements BrowserPool (spec.md §4.3): a free-list of
// live browser windows leased out to workers, backed by a BrowserFarm that
// knows how to physically open/close a window. The pool owns lease/release
// bookkeeping and eviction; the farm owns window mechanics — a split the
// teacher's services/browser_pool never made (there, the pool WAS the
// Docker/Playwright manager). Mutex-guarded free-list, sync.Map-style
// event emission kept from the teacher's idiom.
package browserpool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apxerrors "github.com/metacogma/upload-engine/errors"
	"github.com/metacogma/upload-engine/logger"
	"github.com/metacogma/upload-engine/models/browserinstance"
	"github.com/metacogma/upload-engine/services/browserfarm"
	"github.com/metacogma/upload-engine/services/eventbus"
)

// Handle is what Lease hands the caller: the live instance plus the fact
// that it has been marked busy.
type Handle struct {
	Instance *browserinstance.Instance
}

// Outcome is what Release is told about how the lease went.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeError
)

// Pool is the BrowserPool service.
type Pool struct {
	farm         browserfarm.Farm
	bus          eventbus.Publisher
	min, max     int
	leaseTimeout time.Duration
	idleTimeout  time.Duration

	mu        sync.Mutex
	cond      *sync.Cond
	instances map[string]*browserinstance.Instance // windowID -> instance
}

// New builds a Pool against farm, sized by min/max/idleTimeout/leaseTimeout
// (spec.md §4.3 defaults from config.EngineConfig).
func New(farm browserfarm.Farm, bus eventbus.Publisher, min, max int, leaseTimeout, idleTimeout time.Duration) *Pool {
	p := &Pool{
		farm:         farm,
		bus:          bus,
		min:          min,
		max:          max,
		leaseTimeout: leaseTimeout,
		idleTimeout:  idleTimeout,
		instances:    make(map[string]*browserinstance.Instance),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Warm spawns min instances up front.
func (p *Pool) Warm(ctx context.Context, profileName string) error {
	for i := 0; i < p.min; i++ {
		if _, err := p.spawn(ctx, profileName); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) spawn(ctx context.Context, profileName string) (*browserinstance.Instance, error) {
	win, err := p.farm.OpenByName(ctx, profileName)
	if err != nil {
		return nil, apxerrors.E(apxerrors.Transient, "browserpool", err)
	}
	inst := browserinstance.New(win.ID, win.DebugEndpoint)

	p.mu.Lock()
	p.instances[inst.WindowID] = inst
	p.mu.Unlock()

	p.bus.Publish(ctx, eventbus.Event{Kind: eventbus.KindBrowserSpawned, WindowID: inst.WindowID})
	logger.Info("browserpool: spawned window", zap.String("window_id", inst.WindowID))
	return inst, nil
}

// Lease returns a handle bound to an idle window; spawns a new window if none
// free and below max; blocks up to leaseTimeout then fails with a Transient
// BrowserUnavailable error (spec.md §4.3). pickIdleLocked favours an idle
// window whose binding equals preferredProfileID, but Release unbinds every
// window, so among idle windows the choice does not depend on
// preferredProfileID: the first idle window is returned.
func (p *Pool) Lease(ctx context.Context, preferredProfileID string) (*Handle, error) {
	deadline := time.Now().Add(p.leaseTimeout)

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if inst := p.pickIdleLocked(preferredProfileID); inst != nil {
			inst.Bind(preferredProfileID)
			p.bus.Publish(ctx, eventbus.Event{Kind: eventbus.KindBrowserLeased, WindowID: inst.WindowID, AccountID: preferredProfileID})
			return &Handle{Instance: inst}, nil
		}

		if len(p.instances) < p.max {
			p.mu.Unlock()
			inst, err := p.spawn(ctx, preferredProfileID)
			p.mu.Lock()
			if err != nil {
				return nil, err
			}
			inst.Bind(preferredProfileID)
			p.bus.Publish(ctx, eventbus.Event{Kind: eventbus.KindBrowserLeased, WindowID: inst.WindowID, AccountID: preferredProfileID})
			return &Handle{Instance: inst}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, apxerrors.E(apxerrors.Transient, "browserpool", "BrowserUnavailable: lease timed out")
		}

		waitDone := make(chan struct{})
		timer := time.AfterFunc(remaining, func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		go func() {
			<-waitDone
			timer.Stop()
		}()
		p.cond.Wait()
		close(waitDone)

		if ctx.Err() != nil {
			return nil, apxerrors.E(apxerrors.Transient, "browserpool", ctx.Err())
		}
	}
}

func (p *Pool) pickIdleLocked(preferredProfileID string) *browserinstance.Instance {
	var fallback *browserinstance.Instance
	for _, inst := range p.instances {
		if inst.Status != browserinstance.StatusIdle {
			continue
		}
		if preferredProfileID != "" && inst.BoundAccountID == preferredProfileID {
			return inst
		}
		if fallback == nil {
			fallback = inst
		}
	}
	return fallback
}

// Release returns handle to the free-list; if outcome is OutcomeError the
// window is marked error and a health probe runs, discarding it on failure
// (spec.md §4.3).
func (p *Pool) Release(ctx context.Context, h *Handle, outcome Outcome) {
	inst := h.Instance

	if outcome == OutcomeError {
		p.mu.Lock()
		inst.MarkError()
		p.mu.Unlock()

		loggedIn, err := p.farm.CheckLogin(ctx, inst.WindowID)
		if err != nil || !loggedIn {
			p.evict(ctx, inst.WindowID)
			p.bus.Publish(ctx, eventbus.Event{Kind: eventbus.KindBrowserEvicted, WindowID: inst.WindowID})
			return
		}
	}

	p.mu.Lock()
	inst.Unbind()
	p.cond.Broadcast()
	p.mu.Unlock()

	p.bus.Publish(ctx, eventbus.Event{Kind: eventbus.KindBrowserReleased, WindowID: inst.WindowID})
}

func (p *Pool) evict(ctx context.Context, windowID string) {
	p.mu.Lock()
	delete(p.instances, windowID)
	p.cond.Broadcast()
	p.mu.Unlock()

	if err := p.farm.Close(ctx, windowID); err != nil {
		logger.Warn("browserpool: failed to close evicted window", zap.String("window_id", windowID), zap.Error(err))
	}
}

// Probe evicts every instance past EvictErrorCount or idle beyond
// idleTimeout, down to min (spec.md §4.3 periodic probe).
func (p *Pool) Probe(ctx context.Context) {
	p.mu.Lock()
	var toEvict []string
	for id, inst := range p.instances {
		if len(p.instances)-len(toEvict) <= p.min {
			break
		}
		if inst.ShouldEvict(p.idleTimeout) {
			toEvict = append(toEvict, id)
		}
	}
	p.mu.Unlock()

	for _, id := range toEvict {
		p.evict(ctx, id)
		p.bus.Publish(ctx, eventbus.Event{Kind: eventbus.KindBrowserEvicted, WindowID: id})
	}
}

// Size reports the current live-instance count and free count.
func (p *Pool) Size() (total, free int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total = len(p.instances)
	for _, inst := range p.instances {
		if inst.Status == browserinstance.StatusIdle {
			free++
		}
	}
	return total, free
}

// Shutdown closes every live window via the farm.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.instances))
	for id := range p.instances {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		if err := p.farm.Close(ctx, id); err != nil {
			logger.Warn("browserpool: error closing window during shutdown", zap.String("window_id", id), zap.Error(err))
		}
	}
}

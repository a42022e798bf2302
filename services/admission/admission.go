// Package admission implements AdmissionControl (spec.md §4.6): a global and
// a per-account fixed-window counter, each realised as a CoordStore
// incrementing key with first-increment-sets-TTL, fronted by an
// x/time/rate.Limiter per scope as a cheap local gate that denies (and
// skips the CoordStore round trip entirely) whenever it trips, before
// CoordStore's counters get the final say — grounded on the teacher's
// services/tenant manager, which paired a rate.Limiter with a hard resource
// cap the same way.
package admission

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/metacogma/upload-engine/config"
	"github.com/metacogma/upload-engine/services/coordstore"
)

const (
	globalKey     = "quota:global"
	acctKeyPrefix = "quota:acct:"
)

// Decision is the result of Allow.
type Decision struct {
	Allowed bool
	// RetryAfter is set when Allowed is false: the remaining TTL of
	// whichever CoordStore counter was violated, per spec.md §4.6's "worst
	// case" rule, or, when a local rate.Limiter denied before any counter was
	// touched, that limiter's refill interval.
	RetryAfter time.Duration
}

// Control is the AdmissionControl service.
type Control struct {
	coord *coordstore.Store

	globalLimit  int
	globalWindow time.Duration
	acctLimit    int
	acctWindow   time.Duration

	mu      sync.Mutex
	local   *rate.Limiter
	perAcct map[string]*rate.Limiter
}

// New builds a Control from cfg's admission fields (spec.md §4.6 defaults:
// 100/hour global, 10/hour per account).
func New(coord *coordstore.Store, cfg *config.EngineConfig) *Control {
	return &Control{
		coord:        coord,
		globalLimit:  cfg.AdmissionGlobalLimit,
		globalWindow: cfg.AdmissionGlobalWindow,
		acctLimit:    cfg.AdmissionAccountLimit,
		acctWindow:   cfg.AdmissionAccountWindow,
		local:        rate.NewLimiter(perSecond(cfg.AdmissionGlobalLimit, cfg.AdmissionGlobalWindow), cfg.AdmissionGlobalLimit),
		perAcct:      make(map[string]*rate.Limiter),
	}
}

func perSecond(limit int, window time.Duration) rate.Limit {
	if window <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(limit) / window.Seconds())
}

func (c *Control) limiterFor(accountID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.perAcct[accountID]
	if !ok {
		l = rate.NewLimiter(perSecond(c.acctLimit, c.acctWindow), c.acctLimit)
		c.perAcct[accountID] = l
	}
	return l
}

// Allow implements spec.md §4.6's allow(accountId): the local rate.Limiter
// for the relevant scope is checked first and denies outright, without
// touching CoordStore, whenever it has no token left; only a request the
// local limiter lets through reaches CoordStore's counters, which remain
// the source of truth for the global and per-account fixed windows.
func (c *Control) Allow(ctx context.Context, accountID string) Decision {
	if !c.local.Allow() {
		return Decision{Allowed: false, RetryAfter: refillInterval(c.globalLimit, c.globalWindow)}
	}

	globalCount := c.coord.Incr(globalKey, c.globalWindow)
	if globalCount > int64(c.globalLimit) {
		return Decision{Allowed: false, RetryAfter: c.coord.TTLRemaining(globalKey)}
	}

	if accountID == "" {
		return Decision{Allowed: true}
	}

	if !c.limiterFor(accountID).Allow() {
		return Decision{Allowed: false, RetryAfter: refillInterval(c.acctLimit, c.acctWindow)}
	}
	acctCount := c.coord.Incr(acctKeyPrefix+accountID, c.acctWindow)
	if acctCount > int64(c.acctLimit) {
		return Decision{Allowed: false, RetryAfter: c.coord.TTLRemaining(acctKeyPrefix + accountID)}
	}
	return Decision{Allowed: true}
}

// refillInterval approximates the wait until the local limiter yields
// another token, since CoordStore's TTLRemaining isn't available when no
// CoordStore key was touched for this decision.
func refillInterval(limit int, window time.Duration) time.Duration {
	if limit <= 0 || window <= 0 {
		return window
	}
	return window / time.Duration(limit)
}

// Counts returns the current global and per-account counter values, used by
// the engine's status endpoint.
func (c *Control) Counts(accountID string) (global, account int64) {
	return c.coord.Count(globalKey), c.coord.Count(acctKeyPrefix + accountID)
}

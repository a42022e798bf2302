// Package health implements the HealthMonitor of spec.md §4.11: a periodic
// sweep over every account producing alerts on four conditions, delivered to
// registered handlers with a log handler always present. Adapted from the
// teacher's services/health/handler.go — the same goroutine-fan-out
// parallel-check shape and background ticker loop, generalized from
// per-service checks to per-account alert conditions.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/metacogma/upload-engine/config"
	"github.com/metacogma/upload-engine/logger"
	"github.com/metacogma/upload-engine/models/account"
	"github.com/metacogma/upload-engine/services/accountregistry"
	"github.com/metacogma/upload-engine/services/eventbus"
)

// AlertKind is the exhaustive set of conditions HealthMonitor raises
// (spec.md §4.11).
type AlertKind string

const (
	AlertHealthLow     AlertKind = "health_low"
	AlertLimitReached  AlertKind = "limit_reached"
	AlertErrorRateHigh AlertKind = "error_rate_high"
	AlertSuspended     AlertKind = "suspended"
)

// Alert is one raised condition against one account.
type Alert struct {
	Kind      AlertKind
	AccountID string
	Detail    string
	At        time.Time
}

// Handler receives alerts as they're raised. A handler must not block the
// sweep for long; slow handlers should hand off to their own goroutine.
type Handler func(Alert)

// Monitor is the HealthMonitor service.
type Monitor struct {
	registry *accountregistry.Registry
	bus      eventbus.Publisher

	checkInterval      time.Duration
	healthLowThreshold int
	errorRateThreshold float64

	mu       sync.RWMutex
	handlers []Handler
}

// New builds a Monitor with the always-registered log handler already
// attached, matching the teacher's default-handler idiom.
func New(registry *accountregistry.Registry, bus eventbus.Publisher, cfg *config.EngineConfig) *Monitor {
	m := &Monitor{
		registry:           registry,
		bus:                bus,
		checkInterval:      cfg.CheckInterval,
		healthLowThreshold: cfg.HealthLowThreshold,
		errorRateThreshold: cfg.ErrorRateThreshold,
	}
	m.Register(logHandler)
	return m
}

func logHandler(a Alert) {
	logger.Warn("health: alert raised",
		zap.String("kind", string(a.Kind)),
		zap.String("account_id", a.AccountID),
		zap.String("detail", a.Detail))
}

// Register adds a handler invoked for every alert raised by subsequent
// sweeps.
func (m *Monitor) Register(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Run starts the periodic sweep on checkInterval, blocking until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep fans a check out across every account in parallel, the same
// goroutine-per-unit-of-work shape the teacher's checkAllServicesDetailed
// uses, then dispatches whatever alerts came back.
func (m *Monitor) sweep(ctx context.Context) {
	accounts, err := m.registry.List(ctx)
	if err != nil {
		logger.Error("health: sweep failed to list accounts", err)
		return
	}

	var wg sync.WaitGroup
	alerts := make(chan Alert, len(accounts)*2)

	for _, a := range accounts {
		wg.Add(1)
		go func(a *account.Account) {
			defer wg.Done()
			m.checkAccount(ctx, a, alerts)
		}(a)
	}

	go func() {
		wg.Wait()
		close(alerts)
	}()

	for alert := range alerts {
		m.dispatch(ctx, alert)
	}
}

// checkAccount evaluates the four alert conditions of spec.md §4.11 against
// one account and sends whichever fire to out.
func (m *Monitor) checkAccount(ctx context.Context, a *account.Account, out chan<- Alert) {
	now := time.Now()

	if a.Status == account.StatusSuspended {
		out <- Alert{Kind: AlertSuspended, AccountID: a.ID, Detail: "status=suspended", At: now}
	}

	if a.HealthScore < m.healthLowThreshold && a.Status == account.StatusActive {
		out <- Alert{Kind: AlertHealthLow, AccountID: a.ID, Detail: "health score below threshold", At: now}
	}

	if a.DailyUploadCount >= a.DailyUploadLimit {
		out <- Alert{Kind: AlertLimitReached, AccountID: a.ID, Detail: "daily upload limit reached", At: now}
	}

	if ratio, ok := m.failureRatio24h(ctx, a.ID); ok && ratio > m.errorRateThreshold {
		out <- Alert{Kind: AlertErrorRateHigh, AccountID: a.ID, Detail: "24h failure ratio above threshold", At: now}
	}
}

// failureRatio24h computes the account's failed/total ratio over the
// trailing 24 hours from upload_history (spec.md §4.11). ok is false when
// there is no history to judge against.
func (m *Monitor) failureRatio24h(ctx context.Context, accountID string) (ratio float64, ok bool) {
	since := time.Now().Add(-24 * time.Hour).Unix()
	rows, err := m.registry.History(ctx, accountID, since)
	if err != nil || len(rows) == 0 {
		return 0, false
	}
	failed := 0
	for _, r := range rows {
		if !r.Success {
			failed++
		}
	}
	return float64(failed) / float64(len(rows)), true
}

func (m *Monitor) dispatch(ctx context.Context, a Alert) {
	m.mu.RLock()
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.RUnlock()

	for _, h := range handlers {
		h(a)
	}

	if a.Kind == AlertSuspended {
		m.bus.Publish(ctx, eventbus.Event{Kind: eventbus.KindAccountSuspended, AccountID: a.AccountID, Detail: a.Detail})
	}
}

// TriggerRecovery is the manual override of spec.md §4.11: resets
// healthScore to 70, status to active, dailyUploadCount to 0.
func (m *Monitor) TriggerRecovery(ctx context.Context, accountID string) error {
	a, err := m.registry.Get(ctx, accountID)
	if err != nil {
		return err
	}
	a.HealthScore = 70
	a.Status = account.StatusActive
	a.DailyUploadCount = 0
	if err := m.registry.Put(ctx, a); err != nil {
		return err
	}
	logger.Info("health: recovery triggered", zap.String("account_id", accountID))
	return nil
}

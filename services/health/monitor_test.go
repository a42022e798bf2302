package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/metacogma/upload-engine/config"
	"github.com/metacogma/upload-engine/models/account"
	"github.com/metacogma/upload-engine/models/history"
	"github.com/metacogma/upload-engine/services/accountregistry"
	"github.com/metacogma/upload-engine/services/eventbus"
	"github.com/metacogma/upload-engine/services/statestore/memstore"
)

func newTestMonitor(t *testing.T) (*Monitor, *accountregistry.Registry, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	registry := accountregistry.New(store)
	cfg := &config.EngineConfig{
		CheckInterval:      time.Minute,
		HealthLowThreshold: 40,
		ErrorRateThreshold: 0.5,
	}
	return New(registry, eventbus.NewInMemoryBus(), cfg), registry, store
}

func collectAlerts(m *Monitor, a *account.Account) []Alert {
	out := make(chan Alert, 8)
	m.checkAccount(context.Background(), a, out)
	close(out)
	var alerts []Alert
	for alert := range out {
		alerts = append(alerts, alert)
	}
	return alerts
}

func TestCheckAccountRaisesSuspendedAlert(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	a := account.New("a1", "a1@example.com", "p1", 5)
	a.Status = account.StatusSuspended

	alerts := collectAlerts(m, a)
	require.Len(t, alerts, 1)
	require.Equal(t, AlertSuspended, alerts[0].Kind)
}

func TestCheckAccountRaisesHealthLowOnlyWhenActive(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	a := account.New("a1", "a1@example.com", "p1", 5)
	a.HealthScore = 10
	a.Status = account.StatusActive

	alerts := collectAlerts(m, a)
	require.Len(t, alerts, 1)
	require.Equal(t, AlertHealthLow, alerts[0].Kind)
}

func TestCheckAccountRaisesLimitReached(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	a := account.New("a1", "a1@example.com", "p1", 2)
	a.DailyUploadCount = 2

	alerts := collectAlerts(m, a)
	require.Len(t, alerts, 1)
	require.Equal(t, AlertLimitReached, alerts[0].Kind)
}

func TestCheckAccountRaisesErrorRateHighPastThreshold(t *testing.T) {
	m, _, store := newTestMonitor(t)
	a := account.New("a1", "a1@example.com", "p1", 100)

	now := time.Now()
	require.NoError(t, store.AppendHistory(context.Background(), history.UploadRow{TaskID: "t1", AccountID: "a1", Success: false, CreatedAt: now}))
	require.NoError(t, store.AppendHistory(context.Background(), history.UploadRow{TaskID: "t2", AccountID: "a1", Success: false, CreatedAt: now}))
	require.NoError(t, store.AppendHistory(context.Background(), history.UploadRow{TaskID: "t3", AccountID: "a1", Success: true, CreatedAt: now}))

	alerts := collectAlerts(m, a)
	require.Len(t, alerts, 1)
	require.Equal(t, AlertErrorRateHigh, alerts[0].Kind)
}

func TestCheckAccountHealthyActiveAccountRaisesNoAlerts(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	a := account.New("a1", "a1@example.com", "p1", 5)
	a.HealthScore = 90

	require.Empty(t, collectAlerts(m, a))
}

func TestFailureRatio24hIgnoresRowsWithNoHistory(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	_, ok := m.failureRatio24h(context.Background(), "no-such-account")
	require.False(t, ok)
}

func TestDispatchInvokesAllRegisteredHandlersAndPublishesOnSuspended(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	subCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := m.bus.(*eventbus.InMemoryBus).Subscribe(subCtx)

	var mu sync.Mutex
	var seen []Alert
	m.Register(func(a Alert) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, a)
	})

	alert := Alert{Kind: AlertSuspended, AccountID: "a1", Detail: "status=suspended", At: time.Now()}
	m.dispatch(context.Background(), alert)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	require.Equal(t, AlertSuspended, seen[0].Kind)

	select {
	case ev := <-events:
		require.Equal(t, eventbus.KindAccountSuspended, ev.Kind)
		require.Equal(t, "a1", ev.AccountID)
	case <-time.After(time.Second):
		t.Fatal("no account_suspended event published")
	}
}

func TestTriggerRecoveryResetsAccountToActive(t *testing.T) {
	ctx := context.Background()
	m, registry, _ := newTestMonitor(t)

	a := account.New("a1", "a1@example.com", "p1", 5)
	a.Status = account.StatusSuspended
	a.HealthScore = 5
	a.DailyUploadCount = 5
	require.NoError(t, registry.Put(ctx, a))

	require.NoError(t, m.TriggerRecovery(ctx, "a1"))

	got, err := registry.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, account.StatusActive, got.Status)
	require.Equal(t, 70, got.HealthScore)
	require.Equal(t, 0, got.DailyUploadCount)
}

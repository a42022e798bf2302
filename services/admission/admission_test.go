package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/metacogma/upload-engine/config"
	"github.com/metacogma/upload-engine/services/coordstore"
)

func newTestControl(t *testing.T, globalLimit, acctLimit int) *Control {
	t.Helper()
	coord := coordstore.New(5 * time.Millisecond)
	t.Cleanup(coord.Close)
	cfg := &config.EngineConfig{
		AdmissionGlobalLimit:   globalLimit,
		AdmissionGlobalWindow:  time.Hour,
		AdmissionAccountLimit:  acctLimit,
		AdmissionAccountWindow: time.Hour,
	}
	return New(coord, cfg)
}

func TestAllowDeniesPastGlobalLimit(t *testing.T) {
	ctx := context.Background()
	c := newTestControl(t, 2, 10)

	require.True(t, c.Allow(ctx, "acct-1").Allowed)
	require.True(t, c.Allow(ctx, "acct-2").Allowed)
	d := c.Allow(ctx, "acct-3")
	require.False(t, d.Allowed)
	require.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestAllowDeniesPastPerAccountLimit(t *testing.T) {
	ctx := context.Background()
	c := newTestControl(t, 100, 1)

	require.True(t, c.Allow(ctx, "acct-1").Allowed)
	d := c.Allow(ctx, "acct-1")
	require.False(t, d.Allowed)
}

func TestAllowSkipsAccountCheckWhenAccountIDEmpty(t *testing.T) {
	ctx := context.Background()
	c := newTestControl(t, 100, 0)

	require.True(t, c.Allow(ctx, "").Allowed)
}

// TestAllowLocalLimiterShortCircuitsBeforeCoordStore confirms the local
// rate.Limiter actually gates the decision: once its burst is exhausted the
// call is denied without ever reaching CoordStore, so the counter CoordStore
// would have incremented stays put.
func TestAllowLocalLimiterShortCircuitsBeforeCoordStore(t *testing.T) {
	ctx := context.Background()
	c := newTestControl(t, 1, 10)

	require.True(t, c.Allow(ctx, "acct-1").Allowed)

	d := c.Allow(ctx, "acct-2")
	require.False(t, d.Allowed)
	require.Greater(t, d.RetryAfter, time.Duration(0))

	global, _ := c.Counts("acct-2")
	require.EqualValues(t, 1, global)
}

func TestCountsReflectsIncrements(t *testing.T) {
	ctx := context.Background()
	c := newTestControl(t, 100, 100)

	c.Allow(ctx, "acct-1")
	c.Allow(ctx, "acct-1")

	global, acct := c.Counts("acct-1")
	require.EqualValues(t, 2, global)
	require.EqualValues(t, 2, acct)
}

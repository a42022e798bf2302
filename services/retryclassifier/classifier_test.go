package retryclassifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/metacogma/upload-engine/config"
	"github.com/metacogma/upload-engine/models/account"
)

func newTestClassifier() *Classifier {
	return New(&config.EngineConfig{MaxBackoff: time.Hour})
}

func TestClassifyNetworkErrorIsRetryableWithBackoff(t *testing.T) {
	c := newTestClassifier()
	d := c.Classify("dial tcp: connection refused", 0, account.StatusActive)
	require.Equal(t, CategoryNetworkError, d.Category)
	require.True(t, d.Retry)
	require.Equal(t, 30*time.Second, d.Delay)
}

func TestClassifyExhaustsAttemptsStopsRetrying(t *testing.T) {
	c := newTestClassifier()
	d := c.Classify("connection refused", 5, account.StatusActive)
	require.False(t, d.Retry)
}

func TestClassifyAuthErrorNeverRetries(t *testing.T) {
	c := newTestClassifier()
	d := c.Classify("401 unauthorized", 0, account.StatusActive)
	require.Equal(t, CategoryAuthError, d.Category)
	require.False(t, d.Retry)
}

func TestClassifySuspendedAccountForcesDeadLetter(t *testing.T) {
	c := newTestClassifier()
	d := c.Classify("connection refused", 0, account.StatusSuspended)
	require.Equal(t, CategoryNetworkError, d.Category)
	require.False(t, d.Retry)
}

func TestClassifyUnknownMessageCategorizesUnknown(t *testing.T) {
	c := newTestClassifier()
	d := c.Classify("something weird happened", 0, account.StatusActive)
	require.Equal(t, CategoryUnknown, d.Category)
	require.False(t, d.Retry)
}

func TestClassifyRespectsPerCategoryOverride(t *testing.T) {
	cfg := &config.EngineConfig{
		MaxBackoff: time.Hour,
		RetryPolicyOverrides: map[string]config.RetryPolicy{
			"network_error": {MaxAttempts: 1, BaseDelay: 5 * time.Second},
		},
	}
	c := New(cfg)
	d := c.Classify("connection refused", 0, account.StatusActive)
	require.True(t, d.Retry)
	require.Equal(t, 5*time.Second, d.Delay)

	d2 := c.Classify("connection refused", 1, account.StatusActive)
	require.False(t, d2.Retry)
}

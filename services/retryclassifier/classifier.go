// Package retryclassifier implements RetryClassifier (spec.md §4.8): given
// an error message, attempt count, and account status, decides whether a
// job is retryable and at what delay, or must be dead-lettered. Category is
// an exhaustive tagged variant — the switch in Classify has no default case,
// a compile-time reminder to handle every one (spec.md §9).
//
// Grounded on the teacher's utils/recovery/retry.go: the exponential-backoff
// formula and RetryConfig shape come from there, generalized from a single
// global policy into one policy per category; the teacher's isRetryableError
// substring matching is replaced by a table of regexes per category, per the
// Design Notes' call for an exhaustive tagged variant over string sniffing.
package retryclassifier

import (
	"math"
	"regexp"
	"time"

	"github.com/metacogma/upload-engine/config"
	"github.com/metacogma/upload-engine/models/account"
)

// Category is the exhaustive set of error categories spec.md §4.8 names.
type Category string

const (
	CategoryNetworkError      Category = "network_error"
	CategoryRateLimit         Category = "rate_limit"
	CategoryTemporaryError    Category = "temporary_error"
	CategoryBrowserError      Category = "browser_error"
	CategoryAuthError         Category = "auth_error"
	CategoryAccountSuspended  Category = "account_suspended"
	CategoryVideoProcessing   Category = "video_processing"
	CategoryUnknown           Category = "unknown"
)

// policy is the per-category default from spec.md §4.8's table.
type policy struct {
	retryable   bool
	maxAttempts int
	baseDelay   time.Duration
	pattern     *regexp.Regexp
}

var table = []struct {
	category Category
	policy   policy
}{
	{CategoryNetworkError, policy{true, 5, 30 * time.Second, regexp.MustCompile(`(?i)connection refused|timeout|dial tcp|no such host|dns`)}},
	{CategoryRateLimit, policy{true, 3, time.Hour, regexp.MustCompile(`(?i)429|too many requests|quota exceeded`)}},
	{CategoryTemporaryError, policy{true, 4, 2 * time.Minute, regexp.MustCompile(`(?i)503|service unavailable|please try again`)}},
	{CategoryBrowserError, policy{true, 2, time.Minute, regexp.MustCompile(`(?i)navigation|page crash|target closed`)}},
	{CategoryAuthError, policy{false, 0, 0, regexp.MustCompile(`(?i)401|unauthorized|bad credentials|invalid login`)}},
	{CategoryAccountSuspended, policy{false, 0, 0, regexp.MustCompile(`(?i)terms of service|tos violation|account disabled|account suspended`)}},
	{CategoryVideoProcessing, policy{false, 0, 0, regexp.MustCompile(`(?i)invalid video|unsupported format|corrupt(ed)? file`)}},
}

// Decision is the classifier's verdict.
type Decision struct {
	Category Category
	Retry    bool
	Delay    time.Duration
}

// Classifier is the RetryClassifier service.
type Classifier struct {
	maxBackoff time.Duration
	overrides  map[string]config.RetryPolicy
}

// New builds a Classifier from cfg's MaxBackoff and RetryPolicyOverrides
// (spec.md §4.8, §9: overrides let an operator retune a category without a
// code change).
func New(cfg *config.EngineConfig) *Classifier {
	return &Classifier{maxBackoff: cfg.MaxBackoff, overrides: cfg.RetryPolicyOverrides}
}

// Classify implements spec.md §4.8: categorize errMsg, consult acctStatus,
// and compute a delay. A suspended/non-active account forces DeadLetter
// regardless of category.
func (c *Classifier) Classify(errMsg string, attempt int, acctStatus account.Status) Decision {
	cat, pol := classifyMessage(errMsg)

	if acctStatus != "" && acctStatus != account.StatusActive {
		return Decision{Category: cat, Retry: false}
	}

	if override, ok := c.overrides[string(cat)]; ok {
		pol.maxAttempts = override.MaxAttempts
		pol.baseDelay = override.BaseDelay
	}

	switch cat {
	case CategoryNetworkError, CategoryRateLimit, CategoryTemporaryError, CategoryBrowserError:
		if attempt >= pol.maxAttempts {
			return Decision{Category: cat, Retry: false}
		}
		return Decision{Category: cat, Retry: true, Delay: c.delay(pol, attempt)}
	case CategoryAuthError, CategoryAccountSuspended, CategoryVideoProcessing, CategoryUnknown:
		return Decision{Category: cat, Retry: false}
	}
	return Decision{Category: CategoryUnknown, Retry: false}
}

func classifyMessage(errMsg string) (Category, policy) {
	for _, row := range table {
		if row.policy.pattern.MatchString(errMsg) {
			return row.category, row.policy
		}
	}
	return CategoryUnknown, policy{}
}

// delay returns pol.baseDelay when set; otherwise exponential backoff
// min(base^attempt · 1s, maxBackoff), matching the teacher's
// calculateDelay's exponential branch (spec.md §4.8).
func (c *Classifier) delay(pol policy, attempt int) time.Duration {
	if pol.baseDelay > 0 {
		return pol.baseDelay
	}
	d := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if d > c.maxBackoff {
		d = c.maxBackoff
	}
	return d
}

// ErrorRowCategory is a small helper so callers writing an upload_errors row
// don't need to import this package's Category type directly into
// models/history.
func ErrorRowCategory(d Decision) string { return string(d.Category) }

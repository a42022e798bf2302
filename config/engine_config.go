package config

import (
	"time"

	apxerrors "github.com/metacogma/upload-engine/errors"
)

// RetryPolicy overrides the default category policy in retryclassifier for
// one category (spec.md §4.8 table).
type RetryPolicy struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay"`
}

// EngineConfig is the explicit-field configuration struct the Design Notes
// (spec.md §9) call for in place of the teacher's dynamic, optional-key
// configuration object: every tunable is a named field, defaulted in
// NewEngineConfig, validated once at construction.
type EngineConfig struct {
	// WorkerConcurrency is the number of long-lived UploadWorker goroutines.
	WorkerConcurrency int `koanf:"worker_concurrency"`

	// ReservationTTL bounds a Selector reservation (spec.md §3, Reservation).
	ReservationTTL time.Duration `koanf:"reservation_ttl"`
	// LeaseTimeout bounds BrowserPool.lease when the pool is at capacity.
	LeaseTimeout time.Duration `koanf:"lease_timeout"`
	// UploadTimeout bounds a single UploadDriver.run call.
	UploadTimeout time.Duration `koanf:"upload_timeout"`
	// DrainTimeout bounds Engine.shutdown's graceful drain.
	DrainTimeout time.Duration `koanf:"drain_timeout"`
	// StallTimeout is how long an active job may go without a heartbeat
	// before the reclaimer returns it to pending (spec.md §4.7).
	StallTimeout time.Duration `koanf:"stall_timeout"`
	// CheckInterval is the HealthMonitor polling period (spec.md §4.11).
	CheckInterval time.Duration `koanf:"check_interval"`

	// QueueHighWatermark is the pending+delayed ceiling before submit fails
	// with QueueSaturated (spec.md §5).
	QueueHighWatermark int `koanf:"queue_high_watermark"`
	RetainCompleted    int `koanf:"retain_completed"`
	RetainFailed       int `koanf:"retain_failed"`

	// AdmissionGlobalLimit/Window and AdmissionAccountLimit/Window are the
	// two rate windows of spec.md §4.6.
	AdmissionGlobalLimit   int           `koanf:"admission_global_limit"`
	AdmissionGlobalWindow  time.Duration `koanf:"admission_global_window"`
	AdmissionAccountLimit  int           `koanf:"admission_account_limit"`
	AdmissionAccountWindow time.Duration `koanf:"admission_account_window"`

	// HealthLowThreshold/ErrorRateThreshold feed HealthMonitor alerts.
	HealthLowThreshold  int     `koanf:"health_low_threshold"`
	ErrorRateThreshold  float64 `koanf:"error_rate_threshold"`
	MinSelectableHealth int     `koanf:"min_selectable_health"`

	// BrowserPool sizing (spec.md §4.3).
	MinBrowserInstances int           `koanf:"min_browser_instances"`
	MaxBrowserInstances int           `koanf:"max_browser_instances"`
	BrowserIdleTimeout  time.Duration `koanf:"browser_idle_timeout"`

	// RetryPolicyOverrides lets an operator override base delay / max
	// attempts per retryclassifier category without touching code.
	RetryPolicyOverrides map[string]RetryPolicy `koanf:"retry_policy_overrides"`
	MaxBackoff           time.Duration          `koanf:"max_backoff"`

	// DefaultDailyUploadLimit seeds Account.dailyUploadLimit when unset.
	DefaultDailyUploadLimit int `koanf:"default_daily_upload_limit"`

	// ArchiveBucket is the S3 bucket services/archive streams aged-out
	// upload_history rows to (spec.md §4.7 retention). Empty disables the
	// archive loop entirely.
	ArchiveBucket string `koanf:"archive_bucket"`
	ArchiveRegion string `koanf:"archive_region"`
	// ArchiveInterval is how often the engine scans for rows older than
	// ArchiveRetention and streams them out.
	ArchiveInterval time.Duration `koanf:"archive_interval"`
	// ArchiveRetention is how long an upload_history row stays queryable
	// before it is archived to cold storage and deleted.
	ArchiveRetention time.Duration `koanf:"archive_retention"`
}

// NewEngineConfig returns an EngineConfig with every field defaulted per
// spec.md's stated defaults, then validated.
func NewEngineConfig() (*EngineConfig, error) {
	c := &EngineConfig{
		WorkerConcurrency:       5,
		ReservationTTL:          5 * time.Minute,
		LeaseTimeout:            60 * time.Second,
		UploadTimeout:           30 * time.Minute,
		DrainTimeout:            60 * time.Second,
		StallTimeout:            5 * time.Minute,
		CheckInterval:           60 * time.Second,
		QueueHighWatermark:      10000,
		RetainCompleted:         100,
		RetainFailed:            1000,
		AdmissionGlobalLimit:    100,
		AdmissionGlobalWindow:   time.Hour,
		AdmissionAccountLimit:   10,
		AdmissionAccountWindow:  time.Hour,
		HealthLowThreshold:      40,
		ErrorRateThreshold:      0.5,
		MinSelectableHealth:     30,
		MinBrowserInstances:     1,
		MaxBrowserInstances:     10,
		BrowserIdleTimeout:      10 * time.Minute,
		MaxBackoff:              time.Hour,
		DefaultDailyUploadLimit: 2,
		ArchiveInterval:         24 * time.Hour,
		ArchiveRetention:        30 * 24 * time.Hour,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects invalid combinations at initialisation, per the Design
// Notes' explicit requirement.
func (c *EngineConfig) Validate() error {
	ve := apxerrors.ValidationErrs()

	if c.WorkerConcurrency <= 0 {
		ve.Add("worker_concurrency", "must be positive")
	}
	if c.MinBrowserInstances < 0 {
		ve.Add("min_browser_instances", "cannot be negative")
	}
	if c.MaxBrowserInstances < c.MinBrowserInstances {
		ve.Add("max_browser_instances", "cannot be less than min_browser_instances")
	}
	if c.ReservationTTL <= 0 {
		ve.Add("reservation_ttl", "must be positive")
	}
	if c.LeaseTimeout <= 0 {
		ve.Add("lease_timeout", "must be positive")
	}
	if c.UploadTimeout <= 0 {
		ve.Add("upload_timeout", "must be positive")
	}
	if c.StallTimeout <= 0 {
		ve.Add("stall_timeout", "must be positive")
	}
	if c.QueueHighWatermark <= 0 {
		ve.Add("queue_high_watermark", "must be positive")
	}
	if c.AdmissionGlobalLimit <= 0 {
		ve.Add("admission_global_limit", "must be positive")
	}
	if c.AdmissionAccountLimit <= 0 {
		ve.Add("admission_account_limit", "must be positive")
	}
	if c.HealthLowThreshold < 0 || c.HealthLowThreshold > 100 {
		ve.Add("health_low_threshold", "must be within [0,100]")
	}
	if c.ErrorRateThreshold < 0 || c.ErrorRateThreshold > 1 {
		ve.Add("error_rate_threshold", "must be within [0,1]")
	}
	if c.DefaultDailyUploadLimit <= 0 {
		ve.Add("default_daily_upload_limit", "must be positive")
	}

	return ve.Err()
}

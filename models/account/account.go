// Package account defines the Account record: a publishing identity with
// credentials and quotas (spec.md §3).
package account

import "time"

// Status is the lifecycle state of an Account.
type Status string

const (
	StatusActive    Status = "active"
	StatusLimited   Status = "limited"
	StatusSuspended Status = "suspended"
	StatusError     Status = "error"
)

// SuspendThreshold is the healthScore floor below which an account is
// forced to StatusSuspended (spec.md §3 invariant).
const SuspendThreshold = 30

// InitialHealthScore is the healthScore a freshly admitted account starts at.
const InitialHealthScore = 100

// Account is a publishing identity pinned to its own browser profile.
type Account struct {
	ID                  string
	Email               string
	EncryptedCredentials []byte
	BrowserProfileID     string
	Status               Status
	DailyUploadCount     int
	DailyUploadLimit     int
	LastUploadTime       *time.Time
	HealthScore          int
	Metadata             map[string]interface{}
}

// New constructs an Account with the defaults spec.md §3 names.
func New(id, email, browserProfileID string, dailyUploadLimit int) *Account {
	if dailyUploadLimit <= 0 {
		dailyUploadLimit = 2
	}
	return &Account{
		ID:               id,
		Email:            email,
		BrowserProfileID: browserProfileID,
		Status:           StatusActive,
		DailyUploadLimit: dailyUploadLimit,
		HealthScore:      InitialHealthScore,
		Metadata:         map[string]interface{}{},
	}
}

// ClampHealth restores the invariant healthScore<30 ⇒ status=suspended. It
// must be called after every mutation of HealthScore.
func (a *Account) ClampHealth() {
	if a.HealthScore < 0 {
		a.HealthScore = 0
	}
	if a.HealthScore > 100 {
		a.HealthScore = 100
	}
	if a.HealthScore < SuspendThreshold {
		a.Status = StatusSuspended
	}
}

// HasAvailableUploads reports whether the account is still under its daily
// cap, independent of AdmissionControl's separate hourly windows.
func (a *Account) HasAvailableUploads() bool {
	return a.DailyUploadCount < a.DailyUploadLimit
}

// Package browserinstance defines a live browser-window handle leased out of
// the BrowserPool (spec.md §3).
package browserinstance

import "time"

// Status is the lifecycle state of a BrowserInstance.
type Status string

const (
	StatusIdle  Status = "idle"
	StatusBusy  Status = "busy"
	StatusError Status = "error"
)

// EvictErrorCount is the errorCount threshold past which the periodic pool
// probe evicts an instance (spec.md §4.3).
const EvictErrorCount = 3

// Instance is a single live browser window, possibly bound to an account.
type Instance struct {
	WindowID      string
	DebugEndpoint string
	Status        Status
	BoundAccountID string
	ErrorCount    int
	UploadCount   int
	LastActivity  time.Time
	IsLoggedIn    bool
}

// New constructs an idle Instance freshly opened by a BrowserFarm.
func New(windowID, debugEndpoint string) *Instance {
	return &Instance{
		WindowID:      windowID,
		DebugEndpoint: debugEndpoint,
		Status:        StatusIdle,
		LastActivity:  time.Now(),
	}
}

// Bind marks the instance busy and bound to accountID, preserving the
// invariant "busy ⇒ boundAccountId≠null".
func (i *Instance) Bind(accountID string) {
	i.BoundAccountID = accountID
	i.Status = StatusBusy
	i.LastActivity = time.Now()
}

// Unbind releases the instance back to idle.
func (i *Instance) Unbind() {
	i.BoundAccountID = ""
	i.Status = StatusIdle
	i.LastActivity = time.Now()
}

// MarkError increments the error counter and flips status to error.
func (i *Instance) MarkError() {
	i.ErrorCount++
	i.Status = StatusError
	i.LastActivity = time.Now()
}

// ShouldEvict reports whether the pool's probe should discard this instance.
func (i *Instance) ShouldEvict(idleTimeout time.Duration) bool {
	if i.ErrorCount >= EvictErrorCount {
		return true
	}
	return i.Status == StatusIdle && time.Since(i.LastActivity) > idleTimeout
}

// Package statestore defines the durable backing for accounts, tasks,
// browser instances, upload history and upload errors (spec.md §4.1).
package statestore

import (
	"context"

	"github.com/metacogma/upload-engine/models/account"
	"github.com/metacogma/upload-engine/models/history"
	"github.com/metacogma/upload-engine/models/task"
)

// CandidateFilter restricts AccountRegistry.candidates (spec.md §4.4).
type CandidateFilter struct {
	Status             account.Status
	MinHealthScore     int
	HasAvailableUploads bool
}

// Tx is a transaction handle; Commit/Rollback are idempotent-safe no-ops
// after the first call, matching typical Go driver session semantics.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the transactional backing StateStore contract of spec.md §4.1.
// Errors returned are either *errors.Error with Kind Transient (pool
// exhaustion, lost connection — retry at caller) or Kind Fatal (everything
// else), per spec.md §4.1.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	GetAccount(ctx context.Context, id string) (*account.Account, error)
	PutAccount(ctx context.Context, a *account.Account) error
	ListAccounts(ctx context.Context) ([]*account.Account, error)

	// SelectOneForUpdateSkipLocked atomically claims one account matching
	// filter without blocking concurrent callers attempting the same claim
	// (spec.md §4.1, consumed by Selector). The returned release func must
	// be called exactly once to give the claim up (normally immediately:
	// Selector only needs the atomic read, the actual exclusion is the
	// CoordStore reservation).
	SelectOneForUpdateSkipLocked(ctx context.Context, filter CandidateFilter) (*account.Account, func(), error)

	GetTask(ctx context.Context, id string) (*task.Task, error)
	PutTask(ctx context.Context, t *task.Task) error
	ListTasksByStatus(ctx context.Context, status task.Status, limit int) ([]*task.Task, error)

	PutBrowserInstance(ctx context.Context, windowID string, doc interface{}) error

	// AppendHistory writes a row before the caller flips a task to
	// completed, preserving the ordering invariant of spec.md §8 property 5.
	AppendHistory(ctx context.Context, row history.UploadRow) error
	AppendError(ctx context.Context, row history.ErrorRow) error

	ListHistory(ctx context.Context, accountID string, since int64, limit int) ([]history.UploadRow, error)

	// DeleteHistoryBefore removes upload_history rows for accountID older
	// than the given unix timestamp, returning how many were removed. The
	// archive retention loop (spec.md §4.7) calls this only after the same
	// rows have been durably streamed to cold storage.
	DeleteHistoryBefore(ctx context.Context, accountID string, before int64) (int, error)

	Close(ctx context.Context) error
}

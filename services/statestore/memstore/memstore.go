// Package memstore is an in-memory statestore.Store: the dev/test backing
// (selected by cmd/engine's --in-memory flag), mutex-guarded the way the teacher's services/geo and
// services/tenant packages guard their in-memory state.
package memstore

import (
	"context"
	"sort"
	"sync"

	apxerrors "github.com/metacogma/upload-engine/errors"
	"github.com/metacogma/upload-engine/models/account"
	"github.com/metacogma/upload-engine/models/history"
	"github.com/metacogma/upload-engine/models/task"
	"github.com/metacogma/upload-engine/services/statestore"
)

type noopTx struct{}

func (noopTx) Commit(ctx context.Context) error   { return nil }
func (noopTx) Rollback(ctx context.Context) error { return nil }

// Store is the in-memory statestore.Store implementation.
type Store struct {
	mu       sync.Mutex
	accounts map[string]*account.Account
	tasks    map[string]*task.Task
	browsers map[string]interface{}
	history  []history.UploadRow
	errs     []history.ErrorRow

	lockEpoch map[string]int
}

func New() *Store {
	return &Store{
		accounts:  make(map[string]*account.Account),
		tasks:     make(map[string]*task.Task),
		browsers:  make(map[string]interface{}),
		lockEpoch: make(map[string]int),
	}
}

func (s *Store) Begin(ctx context.Context) (statestore.Tx, error) {
	return noopTx{}, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, apxerrors.E(apxerrors.TaskFatal, "statestore", "account not found")
	}
	cp := *a
	return &cp, nil
}

func (s *Store) PutAccount(ctx context.Context, a *account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*account.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SelectOneForUpdateSkipLocked picks the best-ranked candidate matching
// filter, bumps its lock epoch, and returns a release func that is a no-op.
// The epoch is only counted, never checked, so concurrent callers can be
// handed the same account: in this single-process engine the actual mutual
// exclusion is the CoordStore reservation taken immediately after.
func (s *Store) SelectOneForUpdateSkipLocked(ctx context.Context, filter statestore.CandidateFilter) (*account.Account, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*account.Account
	for _, a := range s.accounts {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if a.HealthScore < filter.MinHealthScore {
			continue
		}
		if filter.HasAvailableUploads && !a.HasAvailableUploads() {
			continue
		}
		candidates = append(candidates, a)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].HealthScore != candidates[j].HealthScore {
			return candidates[i].HealthScore > candidates[j].HealthScore
		}
		return candidates[i].DailyUploadCount < candidates[j].DailyUploadCount
	})

	for _, a := range candidates {
		epoch := s.lockEpoch[a.ID]
		s.lockEpoch[a.ID] = epoch + 1
		cp := *a
		return &cp, func() {}, nil
	}
	return nil, nil, apxerrors.E(apxerrors.Transient, "statestore", "no candidate account available")
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, apxerrors.E(apxerrors.TaskFatal, "statestore", "task not found")
	}
	cp := *t
	return &cp, nil
}

func (s *Store) PutTask(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *Store) ListTasksByStatus(ctx context.Context, status task.Status, limit int) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PutBrowserInstance(ctx context.Context, windowID string, doc interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.browsers[windowID] = doc
	return nil
}

func (s *Store) AppendHistory(ctx context.Context, row history.UploadRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, row)
	return nil
}

func (s *Store) AppendError(ctx context.Context, row history.ErrorRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, row)
	return nil
}

func (s *Store) ListHistory(ctx context.Context, accountID string, since int64, limit int) ([]history.UploadRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []history.UploadRow
	for _, r := range s.history {
		if accountID != "" && r.AccountID != accountID {
			continue
		}
		if r.CreatedAt.Unix() < since {
			continue
		}
		out = append(out, r)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) DeleteHistoryBefore(ctx context.Context, accountID string, before int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.history[:0]
	removed := 0
	for _, r := range s.history {
		if (accountID == "" || r.AccountID == accountID) && r.CreatedAt.Unix() < before {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.history = kept
	return removed, nil
}

func (s *Store) Close(ctx context.Context) error { return nil }

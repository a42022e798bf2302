// Package accountregistry is the AccountRegistry of spec.md §4.4: CRUD over
// accounts plus the candidate-selection and outcome-recording operations
// Selector and UploadWorker depend on. Adapted from the teacher's
// services/geo router, repointed from regions to accounts; Registry keeps no
// in-memory map or lock of its own and reads and writes through the
// statestore.Store it wraps.
package accountregistry

import (
	"context"
	"sort"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	apxerrors "github.com/metacogma/upload-engine/errors"
	"github.com/metacogma/upload-engine/logger"
	"github.com/metacogma/upload-engine/models/account"
	"github.com/metacogma/upload-engine/models/history"
	"github.com/metacogma/upload-engine/services/statestore"
)

const (
	healthGain = 2
	healthLoss = -10
)

// Registry is the AccountRegistry service.
type Registry struct {
	store statestore.Store
}

// New wraps a durable Store.
func New(store statestore.Store) *Registry {
	return &Registry{store: store}
}

func (r *Registry) Get(ctx context.Context, id string) (*account.Account, error) {
	return r.store.GetAccount(ctx, id)
}

func (r *Registry) Put(ctx context.Context, a *account.Account) error {
	return r.store.PutAccount(ctx, a)
}

func (r *Registry) List(ctx context.Context) ([]*account.Account, error) {
	return r.store.ListAccounts(ctx)
}

// Filter restricts Candidates; the zero value of each field means "no
// restriction" on that dimension, including Status: an empty Status matches
// accounts of every status (spec.md §4.4).
type Filter struct {
	Status              account.Status
	MinHealthScore      int
	HasAvailableUploads bool
}

// ClaimOne delegates to StateStore.SelectOneForUpdateSkipLocked (spec.md
// line 150: "the candidate-pick uses 'select for update skip locked'"),
// returning the single best-ranked matching account and the release func
// the caller must invoke exactly once. Selector's default strategy calls
// this directly; Candidates below serves the strategies that need the full
// ordered list to reorder before picking (round_robin, least_used).
func (r *Registry) ClaimOne(ctx context.Context, filter Filter) (*account.Account, func(), error) {
	return r.store.SelectOneForUpdateSkipLocked(ctx, statestore.CandidateFilter{
		Status:              filter.Status,
		MinHealthScore:      filter.MinHealthScore,
		HasAvailableUploads: filter.HasAvailableUploads,
	})
}

// Candidates returns accounts matching filter ordered by (healthScore desc,
// dailyUploadCount asc), for the strategies that need the full list to
// reorder before picking one, and as Selector's fallback scan when the
// ClaimOne fast path loses the CoordStore race.
func (r *Registry) Candidates(ctx context.Context, filter Filter) ([]*account.Account, error) {
	all, err := r.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	out := lo.Filter(all, func(a *account.Account, _ int) bool {
		if filter.Status != "" && a.Status != filter.Status {
			return false
		}
		if a.HealthScore < filter.MinHealthScore {
			return false
		}
		if filter.HasAvailableUploads && !a.HasAvailableUploads() {
			return false
		}
		return true
	})

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

func less(a, b *account.Account) bool {
	if a.HealthScore != b.HealthScore {
		return a.HealthScore > b.HealthScore
	}
	return a.DailyUploadCount < b.DailyUploadCount
}

// ApplyOutcome records the result of one upload attempt against accountID:
// newHealth = clamp(health + (success ? +2 : -10), 0, 100), increments
// dailyUploadCount, stamps lastUploadTime, and forces status=suspended when
// newHealth drops below account.SuspendThreshold (spec.md §4.4).
func (r *Registry) ApplyOutcome(ctx context.Context, accountID string, success bool) error {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}

	a, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	delta := healthLoss
	if success {
		delta = healthGain
	}
	a.HealthScore += delta
	a.ClampHealth()
	a.DailyUploadCount++
	now := time.Now()
	a.LastUploadTime = &now

	if err := r.store.PutAccount(ctx, a); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apxerrors.E(apxerrors.Transient, "accountregistry", err)
	}

	logger.Info("accountregistry: outcome applied",
		zap.String("account_id", accountID),
		zap.Bool("success", success),
		zap.Int("health_score", a.HealthScore),
		zap.String("status", string(a.Status)))
	return nil
}

// Suspend forces accountID to status=suspended regardless of healthScore,
// the escalation path RetryClassifier's account_suspended category demands
// independent of the score-based suspend ApplyOutcome already does
// (spec.md §8 scenario 4).
func (r *Registry) Suspend(ctx context.Context, accountID string) error {
	a, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	a.Status = account.StatusSuspended
	if err := r.store.PutAccount(ctx, a); err != nil {
		return err
	}
	logger.Info("accountregistry: forced suspend", zap.String("account_id", accountID))
	return nil
}

// History returns upload_history rows for accountID since the given unix
// timestamp, used by HealthMonitor's failure-ratio check (spec.md §4.11).
func (r *Registry) History(ctx context.Context, accountID string, since int64) ([]history.UploadRow, error) {
	return r.store.ListHistory(ctx, accountID, since, 0)
}

// ResetDaily zeros dailyUploadCount for every account, invoked by the
// engine's midnight timer (spec.md §4.4).
func (r *Registry) ResetDaily(ctx context.Context) error {
	all, err := r.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for _, a := range all {
		a.DailyUploadCount = 0
		if err := r.store.PutAccount(ctx, a); err != nil {
			return err
		}
	}
	logger.Info("accountregistry: daily counters reset", zap.Int("count", len(all)))
	return nil
}

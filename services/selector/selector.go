// Package selector implements the Selector of spec.md §4.5: it chooses one
// account, stakes an exclusive claim on it via CoordStore, and returns the
// claim token the worker must present to release it. Strategy is a
// hot-swappable policy, grounded on the teacher's services/tenant package
// shape (a small interface behind the thing that actually does the work).
package selector

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	apxerrors "github.com/metacogma/upload-engine/errors"
	"github.com/metacogma/upload-engine/models/account"
	"github.com/metacogma/upload-engine/services/accountregistry"
	"github.com/metacogma/upload-engine/services/coordstore"
)

// Strategy orders a candidate list before the reservation retry-loop walks
// it. HealthScore is the default ordering AccountRegistry.Candidates already
// returns, so it is a no-op reorder; RoundRobin and LeastUsed reorder.
type Strategy interface {
	Name() string
	Order(candidates []*account.Account, store *coordstore.Store) []*account.Account
}

// HealthScoreStrategy keeps AccountRegistry's native ordering: healthScore
// desc, dailyUploadCount asc (spec.md §4.5 default).
type HealthScoreStrategy struct{}

func (HealthScoreStrategy) Name() string { return "health_score" }
func (HealthScoreStrategy) Order(candidates []*account.Account, _ *coordstore.Store) []*account.Account {
	return candidates
}

// LeastUsedStrategy orders by dailyUploadCount ascending, breaking ties by
// account ID for determinism.
type LeastUsedStrategy struct{}

func (LeastUsedStrategy) Name() string { return "least_used" }
func (LeastUsedStrategy) Order(candidates []*account.Account, _ *coordstore.Store) []*account.Account {
	out := append([]*account.Account(nil), candidates...)
	sort.Slice(out, func(i, j int) bool { return lessUsed(out[i], out[j]) })
	return out
}

func lessUsed(a, b *account.Account) bool {
	if a.DailyUploadCount != b.DailyUploadCount {
		return a.DailyUploadCount < b.DailyUploadCount
	}
	return a.ID < b.ID
}

// roundRobinCursorKey is the CoordStore key RoundRobinStrategy persists its
// cursor under, surviving across Selector calls and process restarts as long
// as CoordStore itself does.
const roundRobinCursorKey = "selector:round_robin:cursor"

// RoundRobinStrategy rotates the start of the candidate list using a cursor
// persisted in CoordStore (spec.md §4.5).
type RoundRobinStrategy struct{}

func (RoundRobinStrategy) Name() string { return "round_robin" }
func (RoundRobinStrategy) Order(candidates []*account.Account, store *coordstore.Store) []*account.Account {
	if len(candidates) == 0 {
		return candidates
	}
	cursor := 0
	if v, ok := store.Get(roundRobinCursorKey); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cursor = n
		}
	}
	cursor = cursor % len(candidates)

	out := make([]*account.Account, len(candidates))
	for i := range candidates {
		out[i] = candidates[(cursor+i)%len(candidates)]
	}

	store.Del(roundRobinCursorKey)
	store.SetIfAbsentWithTTL(roundRobinCursorKey, strconv.Itoa((cursor+1)%len(candidates)), cursorTTL)
	return out
}

// cursorTTL is long enough that the round-robin cursor effectively never
// expires under normal operation, while still going through CoordStore's one
// TTL-bearing write path rather than a second bespoke persistence mechanism.
const cursorTTL = 24 * time.Hour

// Reservation is the outcome of a successful Select: the claimed account and
// the token Release must present to give it back.
type Reservation struct {
	Account *account.Account
	Token   string
}

// Selector is the spec.md §4.5 service.
type Selector struct {
	registry       *accountregistry.Registry
	coord          *coordstore.Store
	strategy       Strategy
	reservationTTL time.Duration
}

// New builds a Selector using strategy (defaults to HealthScoreStrategy when
// nil) and reservationTTL (spec.md §4.5, default 5 min per engine config).
func New(registry *accountregistry.Registry, coord *coordstore.Store, strategy Strategy, reservationTTL time.Duration) *Selector {
	if strategy == nil {
		strategy = HealthScoreStrategy{}
	}
	return &Selector{registry: registry, coord: coord, strategy: strategy, reservationTTL: reservationTTL}
}

// reservationKey returns the CoordStore key a reservation is staked under.
func reservationKey(accountID string) string {
	return "account:" + accountID
}

// Select runs the protocol of spec.md §4.5. For the default health-score
// ordering it takes the fast path spec.md line 150 describes literally:
// one atomic StateStore.SelectOneForUpdateSkipLocked claim via
// AccountRegistry.ClaimOne, staking a CoordStore reservation on the winner.
// round_robin/least_used need the full candidate list to reorder before
// picking, and the fast path also falls back to the full scan whenever its
// single claimed row loses the CoordStore race (already reserved by a
// concurrent selector or a preferred-account pin) — walking the rest of the
// ordered list attempting CoordStore.SetIfAbsentWithTTL per candidate.
// Exhausting the list returns a Transient error (NoAccountAvailable).
func (s *Selector) Select(ctx context.Context, filter accountregistry.Filter) (*Reservation, error) {
	if s.strategy.Name() == (HealthScoreStrategy{}).Name() {
		if r, err := s.selectViaSkipLocked(ctx, filter); err == nil {
			return r, nil
		}
	}

	candidates, err := s.registry.Candidates(ctx, filter)
	if err != nil {
		return nil, err
	}
	ordered := s.strategy.Order(candidates, s.coord)

	for _, a := range ordered {
		token := uuid.NewString()
		if s.coord.SetIfAbsentWithTTL(reservationKey(a.ID), token, s.reservationTTL) {
			return &Reservation{Account: a, Token: token}, nil
		}
	}
	return nil, apxerrors.E(apxerrors.Transient, "selector", "no account available")
}

// selectViaSkipLocked is the default strategy's fast path: one
// AccountRegistry.ClaimOne round trip plus one CoordStore stake. The store
// claim is released immediately regardless of outcome — CoordStore is the
// mechanism that actually holds the reservation for the reservationTTL
// duration, per StateStore.SelectOneForUpdateSkipLocked's own contract.
func (s *Selector) selectViaSkipLocked(ctx context.Context, filter accountregistry.Filter) (*Reservation, error) {
	a, release, err := s.registry.ClaimOne(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer release()

	token := uuid.NewString()
	if !s.coord.SetIfAbsentWithTTL(reservationKey(a.ID), token, s.reservationTTL) {
		return nil, apxerrors.E(apxerrors.Transient, "selector", "claimed account already reserved")
	}
	return &Reservation{Account: a, Token: token}, nil
}

// SelectAccount stakes a reservation on one specific account (the
// taskPreferredAccountId pin of spec.md §4.9 step 3), bypassing the
// candidate query entirely. Fails the same way Select does on contention.
func (s *Selector) SelectAccount(ctx context.Context, a *account.Account) (*Reservation, error) {
	token := uuid.NewString()
	if s.coord.SetIfAbsentWithTTL(reservationKey(a.ID), token, s.reservationTTL) {
		return &Reservation{Account: a, Token: token}, nil
	}
	return nil, apxerrors.E(apxerrors.Transient, "selector", "account already reserved")
}

// Release gives up a reservation, deleting the CoordStore key only if its
// current value still equals token — compare-and-delete, so a reservation
// that has already expired and been re-claimed by someone else is left
// alone (spec.md §4.5).
func (s *Selector) Release(accountID, token string) bool {
	return s.coord.CompareAndDelete(reservationKey(accountID), token)
}

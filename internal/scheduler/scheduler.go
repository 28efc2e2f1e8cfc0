// Package scheduler selects the upstream account for one request
// (component C6): pinned account or group, then sticky session hit, then
// pool selection — each stage filtered by status, model support,
// concurrency headroom, and the session-id limit, and the remaining
// candidates ordered by ascending priority then ascending lastUsedAt.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/relaymesh/ccgate/internal/accountstore"
	"github.com/relaymesh/ccgate/internal/concurrency"
	"github.com/relaymesh/ccgate/internal/kvstore"
	"github.com/relaymesh/ccgate/internal/session"
)

// ErrPinnedUnavailable is returned when an api key is pinned to a single
// account and that account is not currently usable.
var ErrPinnedUnavailable = fmt.Errorf("scheduler: pinned account unavailable")

// ErrNoCandidate is returned when, after filtering, no account remains.
var ErrNoCandidate = fmt.Errorf("scheduler: no schedulable account for this request")

type SelectOptions struct {
	Platform           string
	PinnedAccountID    string // apiKey.ClaudeAccountID when pinned to a single account
	PinnedGroupID      string // group id when pinned to "group:<id>"
	GroupMembers       []string
	SessionFingerprint string // from session.Fingerprint; "" = no stickiness
	RequestedModel     string
	SessionID          string // extracted from the request body, "" if absent
	ExcludedAccounts   map[string]bool
}

type Scheduler struct {
	accounts    *accountstore.Store
	concurrency *concurrency.Manager
	mapper      *session.Mapper
	waitGuard   *session.WaitForSlotGuard
	stickyTTL   time.Duration
}

func New(accounts *accountstore.Store, conc *concurrency.Manager, mapper *session.Mapper, waitGuard *session.WaitForSlotGuard, stickyTTL time.Duration) *Scheduler {
	return &Scheduler{accounts: accounts, concurrency: conc, mapper: mapper, waitGuard: waitGuard, stickyTTL: stickyTTL}
}

// Select runs the full selection protocol and, on success, refreshes the
// sticky mapping (if a fingerprint was supplied and selection wasn't
// pinned) and the account's lastUsedAt.
func (s *Scheduler) Select(ctx context.Context, opts SelectOptions) (*accountstore.Account, error) {
	if opts.PinnedAccountID != "" {
		acct, err := s.accounts.GetAccount(ctx, opts.Platform, opts.PinnedAccountID)
		if err != nil {
			return nil, err
		}
		if acct == nil || !s.isAvailable(ctx, acct, opts) {
			return nil, ErrPinnedUnavailable
		}
		return s.commit(ctx, acct, opts, false)
	}

	var pool []*accountstore.Account
	var err error
	if opts.PinnedGroupID != "" {
		pool, err = s.loadCandidates(ctx, opts.Platform, opts.GroupMembers)
	} else {
		pool, err = s.accounts.ListAccounts(ctx, opts.Platform)
	}
	if err != nil {
		return nil, err
	}

	if opts.SessionFingerprint != "" && opts.PinnedGroupID == "" {
		if acctID, ok, err := s.mapper.GetMapping(ctx, opts.SessionFingerprint); err == nil && ok {
			acct, err := s.accounts.GetAccount(ctx, opts.Platform, acctID)
			if err == nil && acct != nil && s.passesStaticFilters(acct, opts) {
				admitted, err := s.admitWithWait(ctx, acct, opts)
				if err == nil && admitted {
					return s.commit(ctx, acct, opts, true)
				}
			}
		}
	}

	candidates := s.filterCandidates(ctx, pool, opts)
	if len(candidates) == 0 {
		return nil, ErrNoCandidate
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
	})
	return s.commit(ctx, candidates[0], opts, opts.PinnedGroupID == "")
}

func (s *Scheduler) loadCandidates(ctx context.Context, platform string, ids []string) ([]*accountstore.Account, error) {
	out := make([]*accountstore.Account, 0, len(ids))
	for _, id := range ids {
		acct, err := s.accounts.GetAccount(ctx, platform, id)
		if err != nil {
			return nil, err
		}
		if acct != nil {
			out = append(out, acct)
		}
	}
	return out, nil
}

func (s *Scheduler) filterCandidates(ctx context.Context, pool []*accountstore.Account, opts SelectOptions) []*accountstore.Account {
	out := make([]*accountstore.Account, 0, len(pool))
	for _, acct := range pool {
		if !s.passesStaticFilters(acct, opts) {
			continue
		}
		if !s.passesSessionIDLimit(ctx, acct, opts) {
			continue
		}
		count, limit := s.concurrencyState(ctx, acct)
		if limit > 0 && count >= int64(limit) {
			continue
		}
		out = append(out, acct)
	}
	return out
}

func (s *Scheduler) passesStaticFilters(acct *accountstore.Account, opts SelectOptions) bool {
	if !acct.Schedulable {
		return false
	}
	switch acct.Status {
	case accountstore.StatusActive, accountstore.StatusUnauthorized, accountstore.StatusOverloaded:
	default:
		return false
	}
	if opts.ExcludedAccounts != nil && opts.ExcludedAccounts[acct.ID] {
		return false
	}
	if opts.RequestedModel != "" && !acct.SupportsModel(opts.RequestedModel) {
		return false
	}
	return true
}

func (s *Scheduler) concurrencyState(ctx context.Context, acct *accountstore.Account) (count int64, limit int) {
	n, err := s.concurrency.Count(ctx, kvstore.ConcurrencyAccountKey(acct.ID))
	if err != nil {
		return 0, acct.MaxConcurrentTasks
	}
	return n, acct.MaxConcurrentTasks
}

// admitWithWait applies the concurrency check and session-id limit to a
// single sticky-hit candidate, invoking the bounded wait-for-slot guard
// when the account is momentarily full.
func (s *Scheduler) admitWithWait(ctx context.Context, acct *accountstore.Account, opts SelectOptions) (bool, error) {
	if !s.passesSessionIDLimit(ctx, acct, opts) {
		return false, nil
	}
	count, limit := s.concurrencyState(ctx, acct)
	if limit == 0 || count < int64(limit) {
		return true, nil
	}
	if s.waitGuard == nil {
		return false, nil
	}
	return s.waitGuard.Wait(ctx, opts.SessionFingerprint, func(ctx context.Context) (int64, int, error) {
		c, l := s.concurrencyState(ctx, acct)
		return c, l, nil
	})
}

func (s *Scheduler) passesSessionIDLimit(ctx context.Context, acct *accountstore.Account, opts SelectOptions) bool {
	if !acct.SessionIDLimitEnabled || opts.SessionID == "" {
		return true
	}
	window := time.Duration(acct.SessionIDWindowMinutes) * time.Minute
	ids, err := s.accounts.GetSessionIDs(ctx, acct.Platform, acct.ID, window, time.Now())
	if err != nil {
		return true
	}
	if len(ids) < acct.SessionIDMaxCount {
		return true
	}
	for _, id := range ids {
		if id == opts.SessionID {
			return true
		}
	}
	return false
}

func (s *Scheduler) isAvailable(ctx context.Context, acct *accountstore.Account, opts SelectOptions) bool {
	if !s.passesStaticFilters(acct, opts) {
		return false
	}
	if !s.passesSessionIDLimit(ctx, acct, opts) {
		return false
	}
	count, limit := s.concurrencyState(ctx, acct)
	return limit == 0 || count < int64(limit)
}

func (s *Scheduler) commit(ctx context.Context, acct *accountstore.Account, opts SelectOptions, allowMapping bool) (*accountstore.Account, error) {
	now := time.Now()
	if err := s.accounts.TouchLastUsed(ctx, acct.Platform, acct.ID, now); err != nil {
		return nil, err
	}
	if opts.SessionID != "" && acct.SessionIDLimitEnabled {
		_ = s.accounts.RecordSessionID(ctx, acct.Platform, acct.ID, opts.SessionID, now)
	}
	if allowMapping && opts.SessionFingerprint != "" {
		if err := s.mapper.PutMapping(ctx, opts.SessionFingerprint, acct.ID, s.stickyTTL); err != nil {
			return nil, err
		}
	}
	acct.LastUsedAt = now
	return acct, nil
}

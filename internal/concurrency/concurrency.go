// Package concurrency implements lease-based admission control (component
// C4): a sorted set per scope (account or api key), score = lease expiry,
// member = request id. All multi-step operations run through the KV
// store's atomic scripts so a crashed process never leaves a stuck slot —
// generous TTLs mean the set self-heals even without an explicit release.
package concurrency

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/relaymesh/ccgate/internal/kvstore"
)

const leaseMargin = 30 * time.Second

type Manager struct {
	kv kvstore.Store
}

func New(kv kvstore.Store) *Manager {
	return &Manager{kv: kv}
}

// ErrConcurrencyExceeded is returned by Acquire when the admitted count
// exceeds limit; the slot has already been released by the time this
// error reaches the caller.
type ErrConcurrencyExceeded struct {
	Key   string
	Count int64
	Limit int
}

func (e *ErrConcurrencyExceeded) Error() string {
	return fmt.Sprintf("concurrency: %s at %d/%d", e.Key, e.Count, e.Limit)
}

// Lease represents one admitted slot. Release is idempotent: a single
// internal flag guards against double release from overlapping defer
// paths (spec invariant 3).
type Lease struct {
	mgr       *Manager
	key       string
	requestID string

	mu       sync.Mutex
	released bool
}

// Acquire admits one request under key (an account or api-key scope),
// enforcing limit (0 = unlimited). On limit exceeded the slot is released
// before returning the error, so the caller's accounting stays accurate.
func (m *Manager) Acquire(ctx context.Context, key string, requestID string, leaseDuration time.Duration, limit int) (*Lease, error) {
	now := time.Now()
	expireAt := now.Add(leaseDuration)

	count, err := m.kv.EvalInt(ctx, kvstore.ScriptAcquireLease, []string{key},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(expireAt.UnixMilli(), 10),
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("concurrency: acquire %s: %w", key, err)
	}
	if err := m.kv.Expire(ctx, key, leaseDuration+leaseMargin); err != nil {
		return nil, fmt.Errorf("concurrency: expire %s: %w", key, err)
	}

	lease := &Lease{mgr: m, key: key, requestID: requestID}
	if limit > 0 && count > int64(limit) {
		_ = lease.Release(ctx)
		return nil, &ErrConcurrencyExceeded{Key: key, Count: count, Limit: limit}
	}
	return lease, nil
}

// Release removes the lease's member from the set. Safe to call more than
// once or after the lease has expired on its own.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	_, err := l.mgr.kv.ZRem(ctx, l.key, l.requestID)
	return err
}

// Refresh extends the lease's expiry; used by a background ticker during
// long-running streams. No-op (reports false) if the member already
// expired and was trimmed by another caller's Acquire/Count.
func (l *Lease) Refresh(ctx context.Context, leaseDuration time.Duration) (bool, error) {
	newExpire := time.Now().Add(leaseDuration)
	updated, err := l.mgr.kv.EvalInt(ctx, kvstore.ScriptRefreshLease, []string{l.key},
		l.requestID,
		strconv.FormatInt(newExpire.UnixMilli(), 10),
	)
	if err != nil {
		return false, err
	}
	return updated == 1, nil
}

// Count trims expired members then reports the live count for key.
func (m *Manager) Count(ctx context.Context, key string) (int64, error) {
	now := float64(time.Now().UnixMilli())
	if _, err := m.kv.ZRemRangeByScore(ctx, key, 0, now-1); err != nil {
		return 0, err
	}
	return m.kv.ZCard(ctx, key)
}

// StaleRecord is one lease record older than the threshold requested by
// getStaleRecords, surfaced for the health endpoint.
type StaleRecord struct {
	Key       string
	RequestID string
	ExpireAt  time.Time
}

// Keys enumerates every concurrency key under prefix, for admin endpoints
// that need to inspect live leases without trimming them.
func (m *Manager) Keys(ctx context.Context, prefix string) ([]string, error) {
	return m.kv.Keys(ctx, prefix)
}

// CleanupAll enumerates every concurrency key under prefix, trims expired
// members, and reports the per-key removed count.
func (m *Manager) CleanupAll(ctx context.Context, prefix string) (map[string]int64, error) {
	keys, err := m.kv.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	now := float64(time.Now().UnixMilli())
	removed := make(map[string]int64, len(keys))
	for _, key := range keys {
		n, err := m.kv.ZRemRangeByScore(ctx, key, 0, now-1)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			removed[key] = n
		}
	}
	return removed, nil
}

// GetStaleRecords reports every lease across the given keys whose expiry
// is already older than maxAge in the past relative to now — i.e. it
// should have been released or trimmed but wasn't, a sign of a stuck
// process.
func (m *Manager) GetStaleRecords(ctx context.Context, keys []string, maxAge time.Duration) ([]StaleRecord, error) {
	cutoff := float64(time.Now().Add(-maxAge).UnixMilli())
	var stale []StaleRecord
	for _, key := range keys {
		members, err := m.kv.ZRangeWithScores(ctx, key, 0, cutoff)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			stale = append(stale, StaleRecord{Key: key, RequestID: m.Member, ExpireAt: time.UnixMilli(int64(m.Score))})
		}
	}
	return stale, nil
}

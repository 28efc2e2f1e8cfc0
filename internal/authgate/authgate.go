// Package authgate is the request entry point (component C13): it
// resolves the caller's api key, admits the request under the key's
// concurrency/cost/rate limits, and hands off to the relay pipeline,
// releasing the concurrency slot on every exit path.
package authgate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/ccgate/internal/apikey"
	"github.com/relaymesh/ccgate/internal/concurrency"
	"github.com/relaymesh/ccgate/internal/costledger"
	"github.com/relaymesh/ccgate/internal/kvstore"
)

// ErrInvalidKey is returned when the presented key material resolves to
// nothing, or resolves to a disabled key.
var ErrInvalidKey = fmt.Errorf("authgate: invalid or disabled api key")

// ErrQuotaExceeded is a typed quota error (spec §7 item 9): the request is
// rejected outright, with no upstream call ever made.
type ErrQuotaExceeded struct {
	Limit    string // "total" or "daily"
	Current  float64
	LimitVal float64
}

func (e *ErrQuotaExceeded) Error() string {
	return fmt.Sprintf("authgate: %s cost limit exceeded (%.4f >= %.4f)", e.Limit, e.Current, e.LimitVal)
}

// ErrRateLimited is returned when the key's request-rate window is
// exhausted.
type ErrRateLimited struct {
	Limit  int
	Window time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("authgate: rate limit exceeded (%d requests per %s)", e.Limit, e.Window)
}

// absoluteLeaseTimeout bounds how long a key-level concurrency slot can
// survive without being released, independent of whether the request's
// own event handlers ever fire (spec §4.13 step 2's "absolute-timeout
// safety net"). It mirrors the relay's default requestTimeout.
const absoluteLeaseTimeout = 10 * time.Minute

// Gate bundles everything C13 needs: key resolution, key-level
// concurrency, cost-limit enforcement, and request-rate windowing.
type Gate struct {
	keys        *apikey.Store
	concurrency *concurrency.Manager
	ledger      *costledger.Ledger
	kv          kvstore.Store
}

func New(keys *apikey.Store, conc *concurrency.Manager, ledger *costledger.Ledger, kv kvstore.Store) *Gate {
	return &Gate{keys: keys, concurrency: conc, ledger: ledger, kv: kv}
}

// Admission is what a successful Admit returns: the resolved key plus the
// key-level concurrency lease the caller must Release on every exit path.
type Admission struct {
	Key   *apikey.ApiKey
	Lease *concurrency.Lease
}

// Admit runs the full C13 protocol for one request: resolve, concurrency,
// cost limits, rate limit. On any rejection after a lease was acquired,
// the lease is released before returning so a rejected request never
// leaks a slot.
func (g *Gate) Admit(ctx context.Context, keyMaterial string, now time.Time) (*Admission, error) {
	key, err := g.keys.Resolve(ctx, keyMaterial)
	if err != nil {
		return nil, fmt.Errorf("authgate: resolve key: %w", err)
	}
	if key == nil || !key.Enabled {
		return nil, ErrInvalidKey
	}

	requestID := uuid.NewString()
	lease, err := g.concurrency.Acquire(ctx, kvstore.ConcurrencyKeyKey(key.ID), requestID, absoluteLeaseTimeout, key.ConcurrencyLimit)
	if err != nil {
		return nil, err
	}

	if err := g.checkCostLimits(ctx, key, now); err != nil {
		_ = lease.Release(ctx)
		return nil, err
	}

	if err := g.checkRateLimit(ctx, key, requestID, now); err != nil {
		_ = lease.Release(ctx)
		return nil, err
	}

	return &Admission{Key: key, Lease: lease}, nil
}

func (g *Gate) checkCostLimits(ctx context.Context, key *apikey.ApiKey, now time.Time) error {
	if key.TotalCostLimit <= 0 && key.DailyCostLimit <= 0 {
		return nil
	}
	stats, err := g.ledger.GetCostStats(ctx, key.ID, true, now)
	if err != nil {
		return fmt.Errorf("authgate: cost stats: %w", err)
	}
	if key.TotalCostLimit > 0 && stats.Total >= key.TotalCostLimit {
		return &ErrQuotaExceeded{Limit: "total", Current: stats.Total, LimitVal: key.TotalCostLimit}
	}
	if key.DailyCostLimit > 0 && stats.Daily >= key.DailyCostLimit {
		return &ErrQuotaExceeded{Limit: "daily", Current: stats.Daily, LimitVal: key.DailyCostLimit}
	}
	return nil
}

// checkRateLimit enforces a sliding request-count window over a sorted
// set: each admitted request adds a uniquely-keyed member scored by its
// arrival time, members older than the window are trimmed first, and the
// post-trim cardinality (before this request is added) is compared to the
// limit; the request's member is added only when it is admitted.
func (g *Gate) checkRateLimit(ctx context.Context, key *apikey.ApiKey, requestID string, now time.Time) error {
	if key.RateLimitRequests <= 0 || key.RateLimitWindow <= 0 {
		return nil
	}
	rateKey := kvstore.RateLimitKey(key.ID)
	cutoff := float64(now.Add(-key.RateLimitWindow).UnixMilli())
	if _, err := g.kv.ZRemRangeByScore(ctx, rateKey, 0, cutoff); err != nil {
		return fmt.Errorf("authgate: trim rate window: %w", err)
	}
	count, err := g.kv.ZCard(ctx, rateKey)
	if err != nil {
		return fmt.Errorf("authgate: count rate window: %w", err)
	}
	if count >= int64(key.RateLimitRequests) {
		return &ErrRateLimited{Limit: key.RateLimitRequests, Window: key.RateLimitWindow}
	}
	if err := g.kv.ZAdd(ctx, rateKey, float64(now.UnixMilli()), requestID); err != nil {
		return fmt.Errorf("authgate: record rate window entry: %w", err)
	}
	return g.kv.Expire(ctx, rateKey, key.RateLimitWindow)
}

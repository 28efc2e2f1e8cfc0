package session

import (
	"context"
	"time"

	"github.com/relaymesh/ccgate/internal/kvstore"
)

type Mapper struct {
	kv kvstore.Store
}

func NewMapper(kv kvstore.Store) *Mapper {
	return &Mapper{kv: kv}
}

func (m *Mapper) GetMapping(ctx context.Context, fingerprint string) (string, bool, error) {
	return m.kv.Get(ctx, kvstore.SessionMappingKey(fingerprint))
}

func (m *Mapper) PutMapping(ctx context.Context, fingerprint, accountID string, ttl time.Duration) error {
	return m.kv.Set(ctx, kvstore.SessionMappingKey(fingerprint), accountID, ttl)
}

// ExtendIfBelow renews the mapping's TTL only if the remaining TTL has
// dropped below threshold, avoiding a write on every request that hits an
// already-fresh mapping.
func (m *Mapper) ExtendIfBelow(ctx context.Context, fingerprint string, threshold, ttl time.Duration) error {
	remaining, ok, err := m.kv.TTL(ctx, kvstore.SessionMappingKey(fingerprint))
	if err != nil || !ok {
		return err
	}
	if remaining >= threshold {
		return nil
	}
	return m.kv.Expire(ctx, kvstore.SessionMappingKey(fingerprint), ttl)
}

func (m *Mapper) DeleteMapping(ctx context.Context, fingerprint string) error {
	return m.kv.Del(ctx, kvstore.SessionMappingKey(fingerprint))
}

// WaitForSlotGuard implements the bounded poll described in spec §4.5: when
// a sticky hit lands on an account at its concurrency limit, poll
// countFn every pollInterval up to maxWait; if a slot frees, the caller
// reuses the mapping, otherwise the mapping is deleted so the scheduler
// falls through to pool selection.
type WaitForSlotGuard struct {
	mapper       *Mapper
	pollInterval time.Duration
	maxWait      time.Duration
}

func NewWaitForSlotGuard(mapper *Mapper, pollInterval, maxWait time.Duration) *WaitForSlotGuard {
	return &WaitForSlotGuard{mapper: mapper, pollInterval: pollInterval, maxWait: maxWait}
}

// CountFunc reports the live concurrency count for the candidate account.
type CountFunc func(ctx context.Context) (count int64, limit int, err error)

// Wait polls countFn until a slot is free or maxWait elapses. Returns true
// if a slot became available; false means the mapping should be deleted
// and selection should fall through to the pool.
func (g *WaitForSlotGuard) Wait(ctx context.Context, fingerprint string, countFn CountFunc) (bool, error) {
	deadline := time.Now().Add(g.maxWait)
	for {
		count, limit, err := countFn(ctx)
		if err != nil {
			return false, err
		}
		if limit == 0 || count < int64(limit) {
			return true, nil
		}
		if time.Now().After(deadline) {
			_ = g.mapper.DeleteMapping(ctx, fingerprint)
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(g.pollInterval):
		}
	}
}

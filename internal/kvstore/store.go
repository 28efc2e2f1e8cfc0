// Package kvstore is the typed adapter over the shared key/value store
// (component C1). It exposes hashes, sorted sets, scalars with TTL, and a
// small fixed set of atomic scripts — everything above it (cost ledger,
// concurrency admission, account store, session map) is built purely on
// these primitives, never on a raw client.
//
// Two implementations satisfy Store: Redis (the production backend,
// go-redis/v9) and an in-memory fake used by every package's unit tests.
// Atomic scripts are identified by ScriptID rather than raw Lua source so
// the in-memory fake can run an equivalent Go closure with the same
// atomicity guarantees, without embedding a Lua VM in tests.
package kvstore

import (
	"context"
	"time"
)

// ScriptID names one of the fixed atomic operations the relay needs.
// Each backend maps an ID to its own implementation (Lua on Redis, a
// mutex-guarded Go function in the in-memory fake).
type ScriptID int

const (
	// ScriptAcquireLease trims expired members (ZREMRANGEBYSCORE ... now),
	// adds the new member, and returns the resulting ZCARD. The Redis
	// backend also sets the key TTL to expireAtMs - nowMs; the in-memory
	// fake leaves the TTL to the caller's own Expire.
	// Keys: [setKey]. Args: [nowMs, expireAtMs, member].
	ScriptAcquireLease ScriptID = iota
	// ScriptRefreshLease updates a member's score if (and only if) it is
	// still present; returns 1 if updated, 0 if absent.
	// Keys: [setKey]. Args: [member, newExpireAtMs].
	ScriptRefreshLease
	// ScriptReleaseLockIfOwner deletes a string key only if its current
	// value matches the given owner token. Keys: [lockKey]. Args: [owner].
	ScriptReleaseLockIfOwner
	// ScriptIncrementCost adds delta to three float counters (total,
	// daily, model-bucketed) in one round trip, resetting the daily/model
	// keys' TTL on every call, and returns the new total.
	// Keys: [totalKey, dailyKey, modelKey]. Args: [delta, dailyTTLSeconds].
	ScriptIncrementCost
)

// Store is the full C1 contract. Every method that mutates state is
// expected to be safe under concurrent callers; EvalInt/EvalFloat
// specifically are the only way to get cross-key atomicity.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Hash (account records, api key records, response cache entries).
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HDel(ctx context.Context, key string, fields ...string) error
	Del(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)

	// Set (id indexes backing prefix-scan-free listing).
	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// String with TTL (sticky sessions, refresh locks, cached headers).
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	GetDel(ctx context.Context, key string) (string, bool, error)
	TTL(ctx context.Context, key string) (time.Duration, bool, error)

	// Sorted sets (concurrency leases, error/session-id ledgers, tx log).
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key, member string) (int64, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)
	ZRevRangeByScore(ctx context.Context, key string, max, min float64, offset, count int64) ([]string, error)
	ZRangeWithScores(ctx context.Context, key string, min, max float64) ([]ScoredMember, error)

	// Scalars.
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)

	// Atomic scripts.
	EvalInt(ctx context.Context, id ScriptID, keys []string, args ...string) (int64, error)
	EvalFloat(ctx context.Context, id ScriptID, keys []string, args ...string) (float64, error)

	// Pub/sub fan-out for the health/admin surface.
	Publish(ctx context.Context, channel, message string) error

	// Keys enumerates all keys with the given prefix. Used by
	// concurrency.Manager (the lease sweeper and the admin endpoints);
	// account listing goes through the SMembers index instead.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// ScoredMember is one (member, score) pair from a sorted-set range query.
type ScoredMember struct {
	Member string
	Score  float64
}

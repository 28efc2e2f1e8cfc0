package concurrency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/ccgate/internal/kvstore"
)

func TestAcquireWithinLimit(t *testing.T) {
	ctx := context.Background()
	mgr := New(kvstore.NewMemory())
	key := "concurrency:console_account:acct-1"

	lease, err := mgr.Acquire(ctx, key, uuid.NewString(), 10*time.Minute, 2)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release(ctx)

	count, err := mgr.Count(ctx, key)
	if err != nil || count != 1 {
		t.Fatalf("expected count 1, got %d (err=%v)", count, err)
	}
}

func TestAcquireExceedingLimitReleasesAndErrors(t *testing.T) {
	ctx := context.Background()
	mgr := New(kvstore.NewMemory())
	key := "concurrency:console_account:acct-2"

	l1, err := mgr.Acquire(ctx, key, uuid.NewString(), 10*time.Minute, 1)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer l1.Release(ctx)

	_, err = mgr.Acquire(ctx, key, uuid.NewString(), 10*time.Minute, 1)
	if err == nil {
		t.Fatalf("expected concurrency exceeded error")
	}
	var exceeded *ErrConcurrencyExceeded
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected ErrConcurrencyExceeded, got %T: %v", err, err)
	}
	if exceeded.Count != 2 || exceeded.Limit != 1 {
		t.Fatalf("unexpected exceeded fields: %+v", exceeded)
	}

	count, _ := mgr.Count(ctx, key)
	if count != 1 {
		t.Fatalf("expected rejected acquire to self-release, leaving count 1, got %d", count)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mgr := New(kvstore.NewMemory())
	key := "concurrency:console_account:acct-3"

	lease, err := mgr.Acquire(ctx, key, uuid.NewString(), 10*time.Minute, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("second release should be a no-op, got: %v", err)
	}

	count, _ := mgr.Count(ctx, key)
	if count != 0 {
		t.Fatalf("expected count 0 after release, got %d", count)
	}
}

func TestRefreshUpdatesLeaseScore(t *testing.T) {
	ctx := context.Background()
	mgr := New(kvstore.NewMemory())
	key := "concurrency:console_account:acct-4"

	lease, err := mgr.Acquire(ctx, key, uuid.NewString(), time.Second, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release(ctx)

	ok, err := lease.Refresh(ctx, 10*time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected refresh to succeed, ok=%v err=%v", ok, err)
	}

	// With the refreshed 10-minute lease, trimming anything older than
	// "now" must not remove it.
	count, err := mgr.Count(ctx, key)
	if err != nil || count != 1 {
		t.Fatalf("expected lease to survive trim after refresh, got %d (err=%v)", count, err)
	}
}

func TestRefreshOnAbsentMemberReportsFalse(t *testing.T) {
	ctx := context.Background()
	mgr := New(kvstore.NewMemory())
	key := "concurrency:console_account:acct-5"

	lease, err := mgr.Acquire(ctx, key, uuid.NewString(), 10*time.Minute, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	ok, err := lease.Refresh(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if ok {
		t.Fatalf("expected refresh on released lease to report false")
	}
}

func TestKeysListsAcquiredScopes(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	mgr := New(kv)

	k1 := "concurrency:console_account:acct-7"
	k2 := "concurrency:api_key:key-7"
	l1, err := mgr.Acquire(ctx, k1, uuid.NewString(), 10*time.Minute, 0)
	if err != nil {
		t.Fatalf("Acquire k1: %v", err)
	}
	defer l1.Release(ctx)
	l2, err := mgr.Acquire(ctx, k2, uuid.NewString(), 10*time.Minute, 0)
	if err != nil {
		t.Fatalf("Acquire k2: %v", err)
	}
	defer l2.Release(ctx)

	keys, err := mgr.Keys(ctx, "concurrency:")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	found := map[string]bool{}
	for _, k := range keys {
		found[k] = true
	}
	if !found[k1] || !found[k2] {
		t.Fatalf("expected both keys present, got %v", keys)
	}
}

func TestCleanupAllTrimsExpiredAcrossKeys(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	mgr := New(kv)

	key := "concurrency:console_account:acct-6"
	// Acquire with a lease duration already in the past so it's
	// immediately stale.
	_, err := mgr.Acquire(ctx, key, uuid.NewString(), -time.Minute, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	removed, err := mgr.CleanupAll(ctx, "concurrency:")
	if err != nil {
		t.Fatalf("CleanupAll: %v", err)
	}
	if removed[key] != 1 {
		t.Fatalf("expected 1 removed for %s, got %+v", key, removed)
	}
}

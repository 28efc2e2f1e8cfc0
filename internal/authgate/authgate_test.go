package authgate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaymesh/ccgate/internal/apikey"
	"github.com/relaymesh/ccgate/internal/concurrency"
	"github.com/relaymesh/ccgate/internal/costledger"
	"github.com/relaymesh/ccgate/internal/kvstore"
)

func newHarness(t *testing.T) (*Gate, *apikey.Store, *kvstore.MemoryStore) {
	t.Helper()
	kv := kvstore.NewMemory()
	keys := apikey.New(kv)
	conc := concurrency.New(kv)
	ledger := costledger.New(kv)
	return New(keys, conc, ledger, kv), keys, kv
}

func mustCreateKey(t *testing.T, store *apikey.Store, k *apikey.ApiKey) *apikey.ApiKey {
	t.Helper()
	if err := store.Create(context.Background(), k); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return k
}

func TestAdmitRejectsUnknownKey(t *testing.T) {
	gate, _, _ := newHarness(t)
	_, err := gate.Admit(context.Background(), "cr_does_not_exist", time.Now())
	if err != ErrInvalidKey {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestAdmitRejectsDisabledKey(t *testing.T) {
	gate, store, _ := newHarness(t)
	k := mustCreateKey(t, store, &apikey.ApiKey{Enabled: false})

	_, err := gate.Admit(context.Background(), k.KeyMaterial, time.Now())
	if err != ErrInvalidKey {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestAdmitSucceedsAndReleaseFreesSlot(t *testing.T) {
	gate, store, _ := newHarness(t)
	k := mustCreateKey(t, store, &apikey.ApiKey{Enabled: true, ConcurrencyLimit: 1})

	adm, err := gate.Admit(context.Background(), k.KeyMaterial, time.Now())
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if adm.Key.ID != k.ID {
		t.Fatalf("unexpected resolved key: %+v", adm.Key)
	}

	if err := adm.Lease.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// A second admission should succeed now that the slot was released.
	adm2, err := gate.Admit(context.Background(), k.KeyMaterial, time.Now())
	if err != nil {
		t.Fatalf("second Admit: %v", err)
	}
	_ = adm2.Lease.Release(context.Background())
}

func TestAdmitEnforcesConcurrencyLimit(t *testing.T) {
	gate, store, _ := newHarness(t)
	k := mustCreateKey(t, store, &apikey.ApiKey{Enabled: true, ConcurrencyLimit: 1})

	adm, err := gate.Admit(context.Background(), k.KeyMaterial, time.Now())
	if err != nil {
		t.Fatalf("first Admit: %v", err)
	}

	var concErr *concurrency.ErrConcurrencyExceeded
	_, err = gate.Admit(context.Background(), k.KeyMaterial, time.Now())
	if !errors.As(err, &concErr) {
		t.Fatalf("expected ErrConcurrencyExceeded, got %v", err)
	}

	_ = adm.Lease.Release(context.Background())
}

func TestAdmitRejectsOverTotalCostLimitAndReleasesSlot(t *testing.T) {
	gate, store, kv := newHarness(t)
	k := mustCreateKey(t, store, &apikey.ApiKey{Enabled: true, TotalCostLimit: 1})

	ledger := costledger.New(kv)
	if _, err := ledger.IncrementCost(context.Background(), k.ID, 2, "claude-opus-4", time.Now()); err != nil {
		t.Fatalf("seed cost: %v", err)
	}

	var quotaErr *ErrQuotaExceeded
	_, err := gate.Admit(context.Background(), k.KeyMaterial, time.Now())
	if !errors.As(err, &quotaErr) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	// The concurrency slot acquired before the cost check failed must have
	// been released, not leaked.
	count, err := gate.concurrency.Count(context.Background(), kvstore.ConcurrencyKeyKey(k.ID))
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected concurrency slot released after quota rejection, got count=%d", count)
	}
}

func TestAdmitEnforcesRateLimitWindow(t *testing.T) {
	gate, store, _ := newHarness(t)
	k := mustCreateKey(t, store, &apikey.ApiKey{Enabled: true, RateLimitRequests: 1, RateLimitWindow: time.Minute})

	now := time.Now()
	adm1, err := gate.Admit(context.Background(), k.KeyMaterial, now)
	if err != nil {
		t.Fatalf("first Admit: %v", err)
	}
	_ = adm1.Lease.Release(context.Background())

	var rateErr *ErrRateLimited
	_, err = gate.Admit(context.Background(), k.KeyMaterial, now.Add(time.Second))
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// After the window elapses, the next request is admitted again.
	adm2, err := gate.Admit(context.Background(), k.KeyMaterial, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("Admit after window elapsed: %v", err)
	}
	_ = adm2.Lease.Release(context.Background())
}

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/relaymesh/ccgate/internal/accountstore"
	"github.com/relaymesh/ccgate/internal/concurrency"
	"github.com/relaymesh/ccgate/internal/kvstore"
	"github.com/relaymesh/ccgate/internal/session"
)

type noopRecovery struct{}

func (noopRecovery) Schedule(string, time.Duration) {}

func newHarness() (*Scheduler, *accountstore.Store, *kvstore.MemoryStore) {
	kv := kvstore.NewMemory()
	accounts := accountstore.New(kv, noopRecovery{})
	conc := concurrency.New(kv)
	mapper := session.NewMapper(kv)
	guard := session.NewWaitForSlotGuard(mapper, 5*time.Millisecond, 30*time.Millisecond)
	sched := New(accounts, conc, mapper, guard, time.Hour)
	return sched, accounts, kv
}

func mustCreate(t *testing.T, store *accountstore.Store, a *accountstore.Account) *accountstore.Account {
	t.Helper()
	if err := store.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

func TestSelectPrefersLowerPriority(t *testing.T) {
	sched, accounts, _ := newHarness()
	ctx := context.Background()

	mustCreate(t, accounts, &accountstore.Account{Platform: "claude", Priority: 20, Name: "b"})
	low := mustCreate(t, accounts, &accountstore.Account{Platform: "claude", Priority: 10, Name: "a"})

	got, err := sched.Select(ctx, SelectOptions{Platform: "claude"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.ID != low.ID {
		t.Fatalf("expected lower-priority account selected, got %s", got.Name)
	}
}

func TestSelectExcludesNonActiveStatuses(t *testing.T) {
	sched, accounts, _ := newHarness()
	ctx := context.Background()

	bad := mustCreate(t, accounts, &accountstore.Account{Platform: "claude", Priority: 1, Name: "temp-err", Status: accountstore.StatusTempError})
	_ = bad
	good := mustCreate(t, accounts, &accountstore.Account{Platform: "claude", Priority: 5, Name: "active"})

	// mark temp_error explicitly since CreateAccount defaults to active
	if err := accounts.MarkStatus(ctx, "claude", bad.ID, accountstore.StatusTempError, "x", time.Hour); err != nil {
		t.Fatalf("MarkStatus: %v", err)
	}

	got, err := sched.Select(ctx, SelectOptions{Platform: "claude"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.ID != good.ID {
		t.Fatalf("expected only active account selected, got %s", got.Name)
	}
}

func TestSelectRespectsExcludedAccounts(t *testing.T) {
	sched, accounts, _ := newHarness()
	ctx := context.Background()

	a := mustCreate(t, accounts, &accountstore.Account{Platform: "claude", Priority: 1, Name: "a"})
	b := mustCreate(t, accounts, &accountstore.Account{Platform: "claude", Priority: 2, Name: "b"})

	got, err := sched.Select(ctx, SelectOptions{Platform: "claude", ExcludedAccounts: map[string]bool{a.ID: true}})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.ID != b.ID {
		t.Fatalf("expected excluded account skipped, got %s", got.Name)
	}
}

func TestSelectNoCandidateWhenAllConcurrencyFull(t *testing.T) {
	sched, accounts, kv := newHarness()
	ctx := context.Background()

	a := mustCreate(t, accounts, &accountstore.Account{Platform: "claude", Priority: 1, Name: "a", MaxConcurrentTasks: 1})
	key := "concurrency:console_account:" + a.ID
	if _, err := kv.EvalInt(ctx, kvstore.ScriptAcquireLease, []string{key}, "0", "999999999999", "req-1"); err != nil {
		t.Fatalf("seed lease: %v", err)
	}

	_, err := sched.Select(ctx, SelectOptions{Platform: "claude"})
	if err != ErrNoCandidate {
		t.Fatalf("expected ErrNoCandidate, got %v", err)
	}
}

func TestSelectPinnedAccountUnavailable(t *testing.T) {
	sched, _, _ := newHarness()
	ctx := context.Background()

	_, err := sched.Select(ctx, SelectOptions{Platform: "claude", PinnedAccountID: "does-not-exist"})
	if err != ErrPinnedUnavailable {
		t.Fatalf("expected ErrPinnedUnavailable, got %v", err)
	}
}

func TestSelectStickySessionReusesMapping(t *testing.T) {
	sched, accounts, _ := newHarness()
	ctx := context.Background()

	mustCreate(t, accounts, &accountstore.Account{Platform: "claude", Priority: 1, Name: "a"})
	pinned := mustCreate(t, accounts, &accountstore.Account{Platform: "claude", Priority: 2, Name: "b"})

	fp := "fixed-fingerprint"
	got, err := sched.Select(ctx, SelectOptions{Platform: "claude", SessionFingerprint: fp})
	if err != nil {
		t.Fatalf("first select: %v", err)
	}
	// First call establishes a mapping to whichever account won pool
	// selection (priority 1's account "a"); force the mapping instead to
	// the higher-priority one to prove stickiness overrides priority.
	if err := sched.mapper.PutMapping(ctx, fp, pinned.ID, time.Hour); err != nil {
		t.Fatalf("PutMapping: %v", err)
	}
	_ = got

	second, err := sched.Select(ctx, SelectOptions{Platform: "claude", SessionFingerprint: fp})
	if err != nil {
		t.Fatalf("second select: %v", err)
	}
	if second.ID != pinned.ID {
		t.Fatalf("expected sticky mapping to override priority ordering, got %s want %s", second.ID, pinned.ID)
	}
}

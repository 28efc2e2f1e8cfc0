package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/relaymesh/ccgate/internal/accountstore"
	"github.com/relaymesh/ccgate/internal/kvstore"
)

func TestScheduleTransitionsAccountBackToActive(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	accounts := accountstore.New(kv, nil)
	sched := New(accounts)
	accounts.SetRecovery(sched)

	acct := &accountstore.Account{Platform: "claude-official", Name: "acct-a"}
	if err := accounts.CreateAccount(ctx, acct); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := accounts.MarkStatus(ctx, acct.Platform, acct.ID, accountstore.StatusOverloaded, "overloaded", 20*time.Millisecond); err != nil {
		t.Fatalf("MarkStatus: %v", err)
	}

	got, err := accounts.GetAccount(ctx, acct.Platform, acct.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.Status != accountstore.StatusOverloaded {
		t.Fatalf("expected overloaded immediately after MarkStatus, got %s", got.Status)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		got, err = accounts.GetAccount(ctx, acct.Platform, acct.ID)
		if err != nil {
			t.Fatalf("GetAccount: %v", err)
		}
		if got.Status == accountstore.StatusActive {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("account did not auto-recover to active in time, last status %s", got.Status)
}

func TestScheduleReplacesEarlierTimerForSameKey(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	accounts := accountstore.New(kv, nil)
	sched := New(accounts)
	accounts.SetRecovery(sched)

	acct := &accountstore.Account{Platform: "claude-official", Name: "acct-b"}
	if err := accounts.CreateAccount(ctx, acct); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	// First schedule a long cooldown, then immediately a short one; only
	// the short one should ever fire.
	if err := accounts.MarkStatus(ctx, acct.Platform, acct.ID, accountstore.StatusRateLimited, "rl", time.Hour); err != nil {
		t.Fatalf("MarkStatus long: %v", err)
	}
	if err := accounts.MarkStatus(ctx, acct.Platform, acct.ID, accountstore.StatusRateLimited, "rl", 20*time.Millisecond); err != nil {
		t.Fatalf("MarkStatus short: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		got, err := accounts.GetAccount(ctx, acct.Platform, acct.ID)
		if err != nil {
			t.Fatalf("GetAccount: %v", err)
		}
		if got.Status == accountstore.StatusActive {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected the replaced (shorter) timer to fire")
}

func TestMalformedAccountKeyIsSkippedSafely(t *testing.T) {
	sched := New(nil)
	// Schedule must not panic on a key that doesn't match
	// "account:{platform}:{id}" — it should log and return.
	sched.Schedule("not-an-account-key", time.Millisecond)
	time.Sleep(10 * time.Millisecond)
}

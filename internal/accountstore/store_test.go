package accountstore

import (
	"context"
	"testing"
	"time"

	"github.com/relaymesh/ccgate/internal/kvstore"
)

type fakeRecovery struct {
	scheduled map[string]time.Duration
}

func (f *fakeRecovery) Schedule(accountKey string, after time.Duration) {
	if f.scheduled == nil {
		f.scheduled = make(map[string]time.Duration)
	}
	f.scheduled[accountKey] = after
}

func TestCreateAndGetAccount(t *testing.T) {
	ctx := context.Background()
	store := New(kvstore.NewMemory(), &fakeRecovery{})

	a := &Account{Platform: "claude-official", Name: "acct-1", Priority: 10, MaxConcurrentTasks: 2}
	if err := store.CreateAccount(ctx, a); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if a.ID == "" {
		t.Fatalf("expected generated ID")
	}

	got, err := store.GetAccount(ctx, "claude-official", a.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got == nil {
		t.Fatalf("expected account, got nil")
	}
	if got.Status != StatusActive || !got.Schedulable {
		t.Fatalf("expected new account active+schedulable, got status=%s schedulable=%v", got.Status, got.Schedulable)
	}
	if got.Priority != 10 {
		t.Fatalf("expected priority 10, got %d", got.Priority)
	}
}

func TestListAccountsExcludesAuxiliaryKeys(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	store := New(kv, &fakeRecovery{})

	a1 := &Account{Platform: "claude-official", Name: "a1", Priority: 1}
	a2 := &Account{Platform: "claude-official", Name: "a2", Priority: 2}
	if err := store.CreateAccount(ctx, a1); err != nil {
		t.Fatalf("create a1: %v", err)
	}
	if err := store.CreateAccount(ctx, a2); err != nil {
		t.Fatalf("create a2: %v", err)
	}

	// Simulate an aux ledger key accidentally added to the index set, the
	// exact bug category spec §4.3 warns about.
	if err := kv.SAdd(ctx, kvstore.AccountIndexKey("claude-official"), a1.ID+":5xx_errors"); err != nil {
		t.Fatalf("SAdd aux: %v", err)
	}

	accounts, err := store.ListAccounts(ctx, "claude-official")
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected 2 accounts (aux key filtered), got %d", len(accounts))
	}
	if accounts[0].Priority > accounts[1].Priority {
		t.Fatalf("expected accounts sorted by ascending priority")
	}
}

func TestMarkStatusSchedulesRecoveryAndClearsLedgerOnActive(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	recovery := &fakeRecovery{}
	store := New(kv, recovery)

	a := &Account{Platform: "claude-official", Name: "a1", Priority: 1}
	if err := store.CreateAccount(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now()
	if err := store.RecordServerError(ctx, a.Platform, a.ID, now); err != nil {
		t.Fatalf("RecordServerError: %v", err)
	}
	if err := store.RecordServerError(ctx, a.Platform, a.ID, now); err != nil {
		t.Fatalf("RecordServerError: %v", err)
	}
	count, err := store.GetServerErrorCount(ctx, a.Platform, a.ID, 5*time.Minute, now)
	if err != nil || count != 2 {
		t.Fatalf("expected error count 2, got %d (err=%v)", count, err)
	}

	if err := store.MarkStatus(ctx, a.Platform, a.ID, StatusTempError, "3x_5xx", 6*time.Minute); err != nil {
		t.Fatalf("MarkStatus: %v", err)
	}
	got, _ := store.GetAccount(ctx, a.Platform, a.ID)
	if got.Status != StatusTempError || got.Schedulable {
		t.Fatalf("expected temp_error + unschedulable, got status=%s schedulable=%v", got.Status, got.Schedulable)
	}
	key := kvstore.AccountKey(a.Platform, a.ID)
	if d, ok := recovery.scheduled[key]; !ok || d != 6*time.Minute {
		t.Fatalf("expected recovery scheduled for 6m, got %v (ok=%v)", d, ok)
	}

	if err := store.MarkStatus(ctx, a.Platform, a.ID, StatusActive, "", 0); err != nil {
		t.Fatalf("MarkStatus active: %v", err)
	}
	got, _ = store.GetAccount(ctx, a.Platform, a.ID)
	if got.Status != StatusActive || !got.Schedulable {
		t.Fatalf("expected active + schedulable after recovery, got status=%s schedulable=%v", got.Status, got.Schedulable)
	}
	count, _ = store.GetServerErrorCount(ctx, a.Platform, a.ID, 5*time.Minute, now)
	if count != 0 {
		t.Fatalf("expected error ledger cleared on recovery, got %d", count)
	}
}

func TestSessionIDLedgerWindow(t *testing.T) {
	ctx := context.Background()
	store := New(kvstore.NewMemory(), &fakeRecovery{})

	a := &Account{Platform: "claude-official", Name: "a1"}
	if err := store.CreateAccount(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now()
	for _, sid := range []string{"s1", "s2", "s3"} {
		if err := store.RecordSessionID(ctx, a.Platform, a.ID, sid, now); err != nil {
			t.Fatalf("RecordSessionID: %v", err)
		}
	}
	count, err := store.CountSessionIDs(ctx, a.Platform, a.ID, 60*time.Minute, now)
	if err != nil || count != 3 {
		t.Fatalf("expected 3 distinct sessions, got %d (err=%v)", count, err)
	}

	old := now.Add(-2 * time.Hour)
	if err := store.RecordSessionID(ctx, a.Platform, a.ID, "stale", old); err != nil {
		t.Fatalf("RecordSessionID stale: %v", err)
	}
	count, _ = store.CountSessionIDs(ctx, a.Platform, a.ID, 60*time.Minute, now)
	if count != 3 {
		t.Fatalf("expected stale session trimmed from window, got %d", count)
	}
}

func TestAccountSupportsModel(t *testing.T) {
	a := &Account{SupportedModels: nil}
	if !a.SupportsModel("claude-sonnet-4-5-20250929") {
		t.Fatalf("empty supported list should allow all models")
	}
	a.SupportedModels = []string{"claude-haiku-3-5"}
	if a.SupportsModel("claude-sonnet-4-5-20250929") {
		t.Fatalf("expected unsupported model to be rejected")
	}
	if !a.SupportsModel("claude-haiku-3-5") {
		t.Fatalf("expected listed model to be supported")
	}
}

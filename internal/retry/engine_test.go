package retry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/relaymesh/ccgate/internal/account"
	"github.com/relaymesh/ccgate/internal/accountstore"
	"github.com/relaymesh/ccgate/internal/concurrency"
	"github.com/relaymesh/ccgate/internal/kvstore"
	"github.com/relaymesh/ccgate/internal/scheduler"
	"github.com/relaymesh/ccgate/internal/session"
	"github.com/relaymesh/ccgate/internal/transport"
)

type noopRecovery struct{}

func (noopRecovery) Schedule(string, time.Duration) {}

func testThresholds() Thresholds {
	return Thresholds{
		ErrorWindow:            5 * time.Minute,
		ErrorThreshold:         3,
		TempErrorCooldown:      6 * time.Minute,
		OverloadCooldown:       10 * time.Minute,
		RateLimitCooldown:      time.Minute,
		StreamTimeoutWindow:    time.Hour,
		StreamTimeoutThreshold: 2,
	}
}

func newHarness(t *testing.T) (*Engine, *accountstore.Store, *account.Crypto) {
	t.Helper()
	kv := kvstore.NewMemory()
	accounts := accountstore.New(kv, noopRecovery{})
	conc := concurrency.New(kv)
	mapper := session.NewMapper(kv)
	sched := scheduler.New(accounts, conc, mapper, nil, time.Hour)

	crypto, err := account.DeriveKey("test-secret", "test-salt")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	tokens := account.NewTokenManager(kv, crypto, accounts, http.DefaultClient, "https://example.invalid/oauth/token", "client-id")

	return New(sched, accounts, tokens, testThresholds()), accounts, crypto
}

func credentialFor(t *testing.T, crypto *account.Crypto, expiresIn time.Duration) string {
	t.Helper()
	blob, err := json.Marshal(account.OAuthToken{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(expiresIn),
	})
	if err != nil {
		t.Fatalf("marshal token: %v", err)
	}
	enc, err := crypto.Encrypt(string(blob))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return enc
}

func mustCreate(t *testing.T, store *accountstore.Store, a *accountstore.Account) *accountstore.Account {
	t.Helper()
	if err := store.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return a
}

func TestRunSucceedsOnFirstAttempt(t *testing.T) {
	e, accounts, crypto := newHarness(t)
	ctx := context.Background()

	a := mustCreate(t, accounts, &accountstore.Account{
		Platform: "claude", Name: "a", Priority: 1,
		EncryptedCredential: credentialFor(t, crypto, time.Hour),
	})

	calls := 0
	err := e.Run(ctx, scheduler.SelectOptions{Platform: "claude"}, 2, func(ctx context.Context, acct *accountstore.Account, token string) (Outcome, error) {
		calls++
		if acct.ID != a.ID {
			t.Fatalf("unexpected account %s", acct.ID)
		}
		if token != "at-1" {
			t.Fatalf("unexpected token %q", token)
		}
		return Outcome{Success: true}, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls)
	}
}

func TestRunRetriesAcrossAccountsOn5xx(t *testing.T) {
	e, accounts, crypto := newHarness(t)
	ctx := context.Background()

	bad := mustCreate(t, accounts, &accountstore.Account{
		Platform: "claude", Name: "bad", Priority: 1,
		EncryptedCredential: credentialFor(t, crypto, time.Hour),
	})
	good := mustCreate(t, accounts, &accountstore.Account{
		Platform: "claude", Name: "good", Priority: 2,
		EncryptedCredential: credentialFor(t, crypto, time.Hour),
	})

	var seen []string
	err := e.Run(ctx, scheduler.SelectOptions{Platform: "claude"}, 2, func(ctx context.Context, acct *accountstore.Account, token string) (Outcome, error) {
		seen = append(seen, acct.ID)
		if acct.ID == bad.ID {
			return Outcome{Classification: ClassifyStatus(502, nil, false)}, errors.New("bad gateway")
		}
		return Outcome{Success: true}, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seen) != 2 || seen[0] != bad.ID || seen[1] != good.ID {
		t.Fatalf("expected [bad, good], got %v", seen)
	}
}

func TestRunPromotesToTempErrorAfterThreshold(t *testing.T) {
	e, accounts, crypto := newHarness(t)
	ctx := context.Background()

	a := mustCreate(t, accounts, &accountstore.Account{
		Platform: "claude", Name: "a", Priority: 1,
		EncryptedCredential: credentialFor(t, crypto, time.Hour),
	})

	// Exclude the account from scheduling after each failed run so the same
	// account can be exercised across three independent Run calls (mirrors
	// three separate client requests all failing against the only account).
	for i := 0; i < 3; i++ {
		err := e.Run(ctx, scheduler.SelectOptions{Platform: "claude"}, 0, func(ctx context.Context, acct *accountstore.Account, token string) (Outcome, error) {
			return Outcome{Classification: ClassifyStatus(503, nil, false)}, errors.New("unavailable")
		})
		if err == nil {
			t.Fatalf("iteration %d: expected error", i)
		}
	}

	fresh, err := accounts.GetAccount(ctx, "claude", a.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if fresh.Status != accountstore.StatusTempError {
		t.Fatalf("expected temp_error after 3 failures, got %s", fresh.Status)
	}
}

func TestRunRetriesSameAccountTwiceOnPlain403ThenExcludes(t *testing.T) {
	e, accounts, crypto := newHarness(t)
	ctx := context.Background()

	a := mustCreate(t, accounts, &accountstore.Account{
		Platform: "claude", Name: "a", Priority: 1,
		EncryptedCredential: credentialFor(t, crypto, time.Hour),
	})

	calls := 0
	err := e.Run(ctx, scheduler.SelectOptions{Platform: "claude"}, 5, func(ctx context.Context, acct *accountstore.Account, token string) (Outcome, error) {
		calls++
		return Outcome{Classification: ClassifyStatus(403, []byte(`{"error":"forbidden"}`), false)}, errors.New("forbidden")
	})
	if err == nil {
		t.Fatal("expected error once the account pool is exhausted")
	}
	// sameAccount403Limit=2 retries against the one account, then one more
	// Select call finds no candidate left to exclude into -> ErrNoCandidate
	// surfaces as lastErr, for a total of 3 attempts against the account.
	if calls != 3 {
		t.Fatalf("expected 3 attempts (2 retries + initial), got %d", calls)
	}
	_ = a
}

func TestRunBanSignal403MarksBlockedImmediately(t *testing.T) {
	e, accounts, crypto := newHarness(t)
	ctx := context.Background()

	a := mustCreate(t, accounts, &accountstore.Account{
		Platform: "claude", Name: "a", Priority: 1,
		EncryptedCredential: credentialFor(t, crypto, time.Hour),
	})

	calls := 0
	_ = e.Run(ctx, scheduler.SelectOptions{Platform: "claude"}, 3, func(ctx context.Context, acct *accountstore.Account, token string) (Outcome, error) {
		calls++
		return Outcome{Classification: ClassifyStatus(403, []byte(`organization has been disabled`), false)}, errors.New("forbidden")
	})
	if calls != 1 {
		t.Fatalf("expected a single attempt against the banned account, got %d", calls)
	}

	fresh, err := accounts.GetAccount(ctx, "claude", a.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if fresh.Status != accountstore.StatusBlocked {
		t.Fatalf("expected blocked, got %s", fresh.Status)
	}
}

func TestRunSessionLimit403MarksTempErrorNotBlocked(t *testing.T) {
	e, accounts, crypto := newHarness(t)
	ctx := context.Background()

	a := mustCreate(t, accounts, &accountstore.Account{
		Platform: "claude", Name: "a", Priority: 1,
		EncryptedCredential: credentialFor(t, crypto, time.Hour),
	})

	_ = e.Run(ctx, scheduler.SelectOptions{Platform: "claude"}, 3, func(ctx context.Context, acct *accountstore.Account, token string) (Outcome, error) {
		return Outcome{Classification: ClassifyStatus(403, []byte(`too many active sessions`), false)}, errors.New("forbidden")
	})

	fresh, err := accounts.GetAccount(ctx, "claude", a.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if fresh.Status != accountstore.StatusTempError {
		t.Fatalf("expected temp_error for session-limit 403, got %s", fresh.Status)
	}
}

func TestRun401ExcludesAndRetriesWithoutAutoRecovery(t *testing.T) {
	e, accounts, crypto := newHarness(t)
	ctx := context.Background()

	bad := mustCreate(t, accounts, &accountstore.Account{
		Platform: "claude", Name: "bad", Priority: 1,
		EncryptedCredential: credentialFor(t, crypto, time.Hour),
	})
	good := mustCreate(t, accounts, &accountstore.Account{
		Platform: "claude", Name: "good", Priority: 2,
		EncryptedCredential: credentialFor(t, crypto, time.Hour),
	})

	var seen []string
	err := e.Run(ctx, scheduler.SelectOptions{Platform: "claude"}, 2, func(ctx context.Context, acct *accountstore.Account, token string) (Outcome, error) {
		seen = append(seen, acct.ID)
		if acct.ID == bad.ID {
			return Outcome{Classification: ClassifyStatus(401, nil, false)}, errors.New("unauthorized")
		}
		return Outcome{Success: true}, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seen) != 2 || seen[0] != bad.ID || seen[1] != good.ID {
		t.Fatalf("expected [bad, good], got %v", seen)
	}

	fresh, err := accounts.GetAccount(ctx, "claude", bad.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if fresh.Status != accountstore.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %s", fresh.Status)
	}

	// No recovery timer should have been scheduled: MarkStatus was called
	// with ttl=0 for unauthorized (manual recovery), independent of the
	// background ForceRefresh goroutine's own outcome.
	time.Sleep(20 * time.Millisecond)
	stillUnauthorized, err := accounts.GetAccount(ctx, "claude", bad.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if stillUnauthorized.Status != accountstore.StatusUnauthorized {
		t.Fatalf("expected status to remain unauthorized absent manual intervention, got %s", stillUnauthorized.Status)
	}
}

func TestRunNonRetryableClassificationShortCircuits(t *testing.T) {
	e, accounts, crypto := newHarness(t)
	ctx := context.Background()

	mustCreate(t, accounts, &accountstore.Account{
		Platform: "claude", Name: "a", Priority: 1,
		EncryptedCredential: credentialFor(t, crypto, time.Hour),
	})
	mustCreate(t, accounts, &accountstore.Account{
		Platform: "claude", Name: "b", Priority: 2,
		EncryptedCredential: credentialFor(t, crypto, time.Hour),
	})

	calls := 0
	err := e.Run(ctx, scheduler.SelectOptions{Platform: "claude"}, 5, func(ctx context.Context, acct *accountstore.Account, token string) (Outcome, error) {
		calls++
		return Outcome{Classification: ClassifyStatus(404, nil, false)}, errors.New("not found")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected the loop to stop after one non-retryable attempt, got %d calls", calls)
	}
}

func TestRunProxyFailureExcludesAndContinues(t *testing.T) {
	e, accounts, crypto := newHarness(t)
	ctx := context.Background()

	broken := mustCreate(t, accounts, &accountstore.Account{
		Platform: "claude", Name: "broken", Priority: 1,
		EncryptedCredential: credentialFor(t, crypto, time.Hour),
	})
	fine := mustCreate(t, accounts, &accountstore.Account{
		Platform: "claude", Name: "fine", Priority: 2,
		EncryptedCredential: credentialFor(t, crypto, time.Hour),
	})

	var seen []string
	err := e.Run(ctx, scheduler.SelectOptions{Platform: "claude"}, 2, func(ctx context.Context, acct *accountstore.Account, token string) (Outcome, error) {
		seen = append(seen, acct.ID)
		if acct.ID == broken.ID {
			proxyErr := &transport.ErrProxyRequired{AccountID: acct.ID, Cause: errors.New("dial failed")}
			return Outcome{Classification: ClassifyError(proxyErr)}, proxyErr
		}
		return Outcome{Success: true}, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seen) != 2 || seen[0] != broken.ID || seen[1] != fine.ID {
		t.Fatalf("expected [broken, fine], got %v", seen)
	}
}

func TestRunAllAccountsExhaustedSurfacesSentinel(t *testing.T) {
	e, accounts, crypto := newHarness(t)
	ctx := context.Background()

	mustCreate(t, accounts, &accountstore.Account{
		Platform: "claude", Name: "a", Priority: 1,
		EncryptedCredential: credentialFor(t, crypto, time.Hour),
	})

	err := e.Run(ctx, scheduler.SelectOptions{Platform: "claude"}, 0, func(ctx context.Context, acct *accountstore.Account, token string) (Outcome, error) {
		return Outcome{Classification: ClassifyStatus(502, nil, false)}, nil
	})
	// attempt reported no error of its own, so once the one-account budget
	// is spent the sentinel surfaces rather than a nil or wrapped error.
	if !errors.Is(err, ErrAllAccountsExhausted) {
		t.Fatalf("expected ErrAllAccountsExhausted, got %v", err)
	}
}

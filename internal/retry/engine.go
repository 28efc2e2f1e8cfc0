package retry

import (
	"context"
	"errors"
	"time"

	"github.com/relaymesh/ccgate/internal/account"
	"github.com/relaymesh/ccgate/internal/accountstore"
	"github.com/relaymesh/ccgate/internal/scheduler"
)

// ErrAllAccountsExhausted is returned when every attempt across
// maxAccounts selections failed with a retryable classification.
var ErrAllAccountsExhausted = errors.New("retry: no account succeeded within the retry budget")

// sameAccount403Limit is how many times a plain (non-ban-signal) 403 is
// retried against the same account before it's excluded — 403s against
// official accounts are sometimes a transient permission race rather
// than a real denial, so switching accounts immediately would burn
// through the pool for a blip that clears on the next attempt.
const sameAccount403Limit = 2

// Thresholds bundles the account-health transition parameters the engine
// needs to turn a Classification into a status change (spec §7 / config
// surface).
type Thresholds struct {
	ErrorWindow            time.Duration
	ErrorThreshold         int
	TempErrorCooldown      time.Duration
	OverloadCooldown       time.Duration
	RateLimitCooldown      time.Duration
	StreamTimeoutWindow    time.Duration
	StreamTimeoutThreshold int
}

// Engine drives the account-selection-and-exclusion retry loop shared by
// the stream and non-stream paths (component C9). It owns no wire
// format: callers supply an AttemptFunc that performs the actual upstream
// call (streaming or not) and reports how it should be classified on
// failure.
type Engine struct {
	scheduler  *scheduler.Scheduler
	accounts   *accountstore.Store
	tokens     *account.TokenManager
	thresholds Thresholds
}

func New(sched *scheduler.Scheduler, accounts *accountstore.Store, tokens *account.TokenManager, thresholds Thresholds) *Engine {
	return &Engine{scheduler: sched, accounts: accounts, tokens: tokens, thresholds: thresholds}
}

// Outcome is what an AttemptFunc reports about one completed attempt.
type Outcome struct {
	// Success, if true, ends the loop immediately regardless of
	// Classification.
	Success bool
	// Classification describes the failure, when Success is false.
	Classification Classification
	// RateLimitResetAt overrides Thresholds.RateLimitCooldown when the
	// upstream supplied an explicit reset time (e.g. a 429's
	// anthropic-ratelimit-*-reset header).
	RateLimitResetAt time.Time
}

// AttemptFunc performs one upstream call for acct using accessToken. The
// returned error, if any, is surfaced to the caller of Run only once the
// retry budget is exhausted or the failure is non-retryable; it should
// describe what went wrong for logging/sanitization purposes.
type AttemptFunc func(ctx context.Context, acct *accountstore.Account, accessToken string) (Outcome, error)

// Run executes up to maxAccounts+1 attempts, selecting a fresh account
// each time (excluding ones already tried or permanently unusable this
// request) and dispatching to attempt. It returns nil on the first
// Outcome.Success, or the last classified error once the budget or the
// candidate pool is exhausted.
func (e *Engine) Run(ctx context.Context, selectOpts scheduler.SelectOptions, maxAccounts int, attempt AttemptFunc) error {
	excluded := map[string]bool{}
	for id := range selectOpts.ExcludedAccounts {
		excluded[id] = true
	}
	forbidden403 := map[string]int{}

	var lastErr error
	for i := 0; i <= maxAccounts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		opts := selectOpts
		opts.ExcludedAccounts = excluded
		acct, err := e.scheduler.Select(ctx, opts)
		if err != nil {
			lastErr = err
			break
		}

		token, err := e.tokens.EnsureValidToken(ctx, acct)
		if err != nil {
			excluded[acct.ID] = true
			lastErr = err
			continue
		}

		outcome, attemptErr := attempt(ctx, acct, token)
		if outcome.Success {
			return nil
		}
		lastErr = attemptErr

		e.applyClassification(ctx, acct, outcome)

		if !outcome.Classification.Retryable {
			return attemptErr
		}

		if outcome.Classification.Kind == KindAuth && !outcome.Classification.BanSignal {
			// Plain 401s exclude immediately (§7 item 2's "retries on
			// another" is satisfied by the loop continuing, not by
			// hammering the same account).
			excluded[acct.ID] = true
			continue
		}

		if isRetrySameAccount403(outcome.Classification) {
			forbidden403[acct.ID]++
			if forbidden403[acct.ID] <= sameAccount403Limit {
				continue
			}
		}

		excluded[acct.ID] = true
	}

	if lastErr != nil {
		return lastErr
	}
	return ErrAllAccountsExhausted
}

// isRetrySameAccount403 distinguishes the "retry same account a couple
// times before switching" 403 from the ban-signal 403 that excludes the
// account outright.
func isRetrySameAccount403(c Classification) bool {
	return c.Kind == KindOverload && !c.BanSignal && !c.SessionLimitSignal
}

func (e *Engine) applyClassification(ctx context.Context, acct *accountstore.Account, outcome Outcome) {
	c := outcome.Classification
	switch c.Kind {
	case KindAuth:
		if c.BanSignal {
			_ = e.accounts.MarkStatus(ctx, acct.Platform, acct.ID, accountstore.StatusBlocked, "ban signal detected", 0)
			return
		}
		// unauthorized is manual recovery (spec account state machine):
		// no cooldown timer is scheduled. A successful background token
		// refresh is what actually clears it, via ForceRefresh below.
		_ = e.accounts.MarkStatus(ctx, acct.Platform, acct.ID, accountstore.StatusUnauthorized, "upstream 401", 0)
		go func(a *accountstore.Account) {
			_, _ = e.tokens.ForceRefresh(context.Background(), a)
		}(acct)

	case KindRateLimit:
		cooldown := e.thresholds.RateLimitCooldown
		if !outcome.RateLimitResetAt.IsZero() {
			if until := time.Until(outcome.RateLimitResetAt); until > 0 {
				cooldown = until
			}
		}
		_ = e.accounts.MarkStatus(ctx, acct.Platform, acct.ID, accountstore.StatusRateLimited, "upstream 429", cooldown)

	case KindOverload:
		if c.BanSignal {
			return
		}
		if c.SessionLimitSignal {
			// "too many active sessions" auto-recovers like any other
			// temp_error, not the longer overload pause.
			_ = e.accounts.MarkStatus(ctx, acct.Platform, acct.ID, accountstore.StatusTempError, "too many active sessions", e.thresholds.TempErrorCooldown)
			return
		}
		_ = e.accounts.MarkStatus(ctx, acct.Platform, acct.ID, accountstore.StatusOverloaded, "upstream overloaded", e.thresholds.OverloadCooldown)

	case KindTransient5xx:
		now := time.Now()
		if err := e.accounts.RecordServerError(ctx, acct.Platform, acct.ID, now); err == nil {
			count, err := e.accounts.GetServerErrorCount(ctx, acct.Platform, acct.ID, e.thresholds.ErrorWindow, now)
			if err == nil && int(count) >= e.thresholds.ErrorThreshold {
				_ = e.accounts.MarkStatus(ctx, acct.Platform, acct.ID, accountstore.StatusTempError, "5xx threshold exceeded", e.thresholds.TempErrorCooldown)
			}
		}

	case KindStreamTimeout:
		now := time.Now()
		if err := e.accounts.RecordStreamTimeout(ctx, acct.Platform, acct.ID, now); err == nil {
			count, err := e.accounts.GetStreamTimeoutCount(ctx, acct.Platform, acct.ID, e.thresholds.StreamTimeoutWindow, now)
			if err == nil && int(count) >= e.thresholds.StreamTimeoutThreshold {
				_ = e.accounts.MarkStatus(ctx, acct.Platform, acct.ID, accountstore.StatusTempError, "stream timeout threshold exceeded", e.thresholds.TempErrorCooldown)
			}
		}

	case KindClientDisconnect504, KindProxy, KindConcurrencyFull, KindQuota, KindClientProtocol, KindNonRetryable4xx:
		// No ledger, no status change — these are either policy-excluded
		// from ledgering (§7 item 6) or not account-health signals at all.
	}
}

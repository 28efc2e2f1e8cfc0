// Package usage computes the USD cost of one completed request and
// records it through the cost ledger in the mandatory
// increment-then-force-refresh-read-then-log order (component C12).
package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/relaymesh/ccgate/internal/accountstore"
	"github.com/relaymesh/ccgate/internal/aggregator"
	"github.com/relaymesh/ccgate/internal/apikey"
	"github.com/relaymesh/ccgate/internal/costledger"
)

// rate is one model tier's per-million-token pricing in USD.
type rate struct {
	input, output, cacheRead, cacheCreate float64
}

// pricing is the per-model rate table. Model names are matched by
// substring the way the relay's own model strings are formed
// (claude-opus-4-..., claude-3-5-sonnet-..., etc.) rather than an exact
// lookup, so new dated model snapshots don't need a table update.
var pricing = []struct {
	match string
	rate  rate
}{
	{"opus", rate{input: 15, output: 75, cacheRead: 1.50, cacheCreate: 18.75}},
	{"haiku", rate{input: 0.80, output: 4, cacheRead: 0.08, cacheCreate: 1}},
	{"sonnet", rate{input: 3, output: 15, cacheRead: 0.30, cacheCreate: 3.75}},
}

// defaultRate applies when model matches no known tier — treated as the
// mid-tier sonnet rate, the same fallback the teacher's calcCost used for
// "sonnet and unknown".
var defaultRate = rate{input: 3, output: 15, cacheRead: 0.30, cacheCreate: 3.75}

func rateFor(model string) rate {
	lower := strings.ToLower(model)
	for _, p := range pricing {
		if strings.Contains(lower, p.match) {
			return p.rate
		}
	}
	return defaultRate
}

// Cost computes the USD cost of one completed request's usage under
// model's pricing tier, then applies the account's CostMultiplier — a
// per-account attribute (e.g. a reseller's discounted rate), never a
// request-path input — to the total only, not to each component
// (Open Question 2: a multiplier applied per-component and summed is
// mathematically identical to applying it once to the total, so there is
// no behavioral difference, and applying it once keeps the ledger's
// per-token breakdown interpretable against the public rate card).
func Cost(model string, u aggregator.Usage, acct *accountstore.Account) float64 {
	r := rateFor(model)
	base := (float64(u.InputTokens)*r.input +
		float64(u.OutputTokens)*r.output +
		float64(u.CacheReadInputTokens)*r.cacheRead +
		float64(u.CacheCreationInputTokens)*r.cacheCreate) / 1_000_000

	multiplier := 1.0
	if acct != nil && acct.CostMultiplier > 0 {
		multiplier = acct.CostMultiplier
	}
	return base * multiplier
}

// Recorder wraps the cost ledger with the model-name tagging convention
// and the mandatory commit ordering.
type Recorder struct {
	ledger *costledger.Ledger
}

func New(ledger *costledger.Ledger) *Recorder {
	return &Recorder{ledger: ledger}
}

// Record computes cost, commits it to the ledger, and appends a
// transaction log entry whose remainingQuota reflects the just-committed
// total — in that exact order (spec §4.12 step 4's ordering invariant).
// loggedModel is what ends up in the transaction log; it may carry a
// vendor-tagging suffix (see TaggedModelName) without affecting the
// pricing lookup, which always uses the real upstream model string.
func (r *Recorder) Record(ctx context.Context, key *apikey.ApiKey, model string, u aggregator.Usage, acct *accountstore.Account, now time.Time) (costledger.TransactionLogEntry, error) {
	if key == nil {
		return costledger.TransactionLogEntry{}, fmt.Errorf("usage: apiKey is required")
	}

	cost := Cost(model, u, acct)

	if _, err := r.ledger.IncrementCost(ctx, key.ID, cost, model, now); err != nil {
		return costledger.TransactionLogEntry{}, fmt.Errorf("usage: increment cost: %w", err)
	}

	stats, err := r.ledger.GetCostStats(ctx, key.ID, true, now)
	if err != nil {
		return costledger.TransactionLogEntry{}, fmt.Errorf("usage: force-refresh read: %w", err)
	}

	remaining := 0.0
	if key.TotalCostLimit > 0 {
		remaining = key.TotalCostLimit - stats.Total
	}

	loggedModel := model
	accountID := ""
	if acct != nil {
		accountID = acct.ID
		loggedModel = TaggedModelName(model, acct)
	}

	entry := costledger.TransactionLogEntry{
		Timestamp:      now,
		Model:          loggedModel,
		CostUSD:        cost,
		InputTokens:    int64(u.InputTokens),
		OutputTokens:   int64(u.OutputTokens),
		CacheReadTok:   int64(u.CacheReadInputTokens),
		CacheCreateTok: int64(u.CacheCreationInputTokens),
		RemainingQuota: remaining,
		AccountID:      accountID,
	}
	if err := r.ledger.AppendTransactionLog(ctx, key.ID, entry); err != nil {
		return costledger.TransactionLogEntry{}, fmt.Errorf("usage: append transaction log: %w", err)
	}
	return entry, nil
}

// vendorSuffix marks a transaction log's model name as having been served
// by a per-vendor special account, without altering the real upstream
// model string used for pricing or the request itself (spec §4.12 step 5).
const vendorSuffix = "-2api"

// TaggedModelName appends vendorSuffix to model when acct is flagged as a
// per-vendor special (carrying a non-default CostMultiplier). This is a
// logging convention only.
func TaggedModelName(model string, acct *accountstore.Account) string {
	if acct == nil || acct.CostMultiplier == 0 || acct.CostMultiplier == 1 {
		return model
	}
	return model + vendorSuffix
}

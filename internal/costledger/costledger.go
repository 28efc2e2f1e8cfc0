// Package costledger implements strong-consistency usage cost accounting
// (component C2). The ordering invariant is load-bearing: a caller must
// call IncrementCost, then GetCostStats with forceRefresh, then
// AppendTransactionLog — in that order — so a log entry's remainingQuota
// always reflects the total that was just committed, never a stale read.
package costledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/relaymesh/ccgate/internal/kvstore"
)

const transactionLogRetention = 30 * 24 * time.Hour

type CostStats struct {
	Total float64
	Daily float64
}

// TransactionLogEntry is one metered request, appended after the cost
// commit that it describes.
type TransactionLogEntry struct {
	Timestamp      time.Time `json:"ts"`
	Model          string    `json:"model"`
	CostUSD        float64   `json:"cost_usd"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	CacheReadTok   int64     `json:"cache_read_tokens"`
	CacheCreateTok int64     `json:"cache_create_tokens"`
	RemainingQuota float64   `json:"remaining_quota"`
	AccountID      string    `json:"account_id,omitempty"`
}

type Ledger struct {
	kv kvstore.Store
}

func New(kv kvstore.Store) *Ledger {
	return &Ledger{kv: kv}
}

// IncrementCost atomically increases the total, the day's bucket, and the
// model-bucketed counter for keyID by usd. The day bucket key is derived
// from the current date in UTC (yyyymmdd) and carries a 2-day TTL so it
// naturally rolls off.
func (l *Ledger) IncrementCost(ctx context.Context, keyID string, usd float64, model string, now time.Time) (float64, error) {
	dayKey := kvstore.CostDailyKey(keyID, now.UTC().Format("20060102"))
	modelKey := kvstore.CostModelKey(keyID, model)
	total, err := l.kv.EvalFloat(ctx, kvstore.ScriptIncrementCost,
		[]string{kvstore.CostTotalKey(keyID), dayKey, modelKey},
		strconv.FormatFloat(usd, 'f', -1, 64),
		strconv.Itoa(int((48 * time.Hour).Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("costledger: increment %s: %w", keyID, err)
	}
	return total, nil
}

// GetCostStats returns {total, daily}. forceRefresh exists to document at
// every call site that quota decisions must never read a cached value —
// this adapter has no in-process cache, so forceRefresh is a contract
// marker rather than a behavioral switch, but every quota-checking caller
// must still pass true.
func (l *Ledger) GetCostStats(ctx context.Context, keyID string, forceRefresh bool, now time.Time) (CostStats, error) {
	if !forceRefresh {
		return CostStats{}, fmt.Errorf("costledger: GetCostStats must be called with forceRefresh=true for any quota decision")
	}
	totalStr, _, err := l.kv.Get(ctx, kvstore.CostTotalKey(keyID))
	if err != nil {
		return CostStats{}, err
	}
	dailyStr, _, err := l.kv.Get(ctx, kvstore.CostDailyKey(keyID, now.UTC().Format("20060102")))
	if err != nil {
		return CostStats{}, err
	}
	total, _ := strconv.ParseFloat(totalStr, 64)
	daily, _ := strconv.ParseFloat(dailyStr, 64)
	return CostStats{Total: total, Daily: daily}, nil
}

// AppendTransactionLog adds entry to the sorted set keyed by transaction
// time, trims anything older than the retention window, and refreshes the
// key's TTL to match. Must be called after IncrementCost and the
// subsequent forced GetCostStats read that filled entry.RemainingQuota.
func (l *Ledger) AppendTransactionLog(ctx context.Context, keyID string, entry TransactionLogEntry) error {
	if entry.Timestamp.IsZero() {
		return fmt.Errorf("costledger: entry.Timestamp must be set")
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := kvstore.TransactionLogKey(keyID)
	score := float64(entry.Timestamp.UnixMilli())
	if err := l.kv.ZAdd(ctx, key, score, string(payload)); err != nil {
		return err
	}
	cutoff := float64(entry.Timestamp.Add(-transactionLogRetention).UnixMilli())
	if _, err := l.kv.ZRemRangeByScore(ctx, key, 0, cutoff); err != nil {
		return err
	}
	return l.kv.Expire(ctx, key, transactionLogRetention)
}

// GetTransactionLogs returns entries with timestamps in [from, to],
// newest-first, paginated.
func (l *Ledger) GetTransactionLogs(ctx context.Context, keyID string, from, to time.Time, page, pageSize int) ([]TransactionLogEntry, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	key := kvstore.TransactionLogKey(keyID)
	raw, err := l.kv.ZRevRangeByScore(ctx, key, float64(to.UnixMilli()), float64(from.UnixMilli()),
		int64((page-1)*pageSize), int64(pageSize))
	if err != nil {
		return nil, err
	}
	out := make([]TransactionLogEntry, 0, len(raw))
	for _, r := range raw {
		var entry TransactionLogEntry
		if err := json.Unmarshal([]byte(r), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

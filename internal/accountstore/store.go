package accountstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/ccgate/internal/kvstore"
)

// auxSuffixes lists every auxiliary key suffix that shares the account
// record's prefix. listAccounts must skip these — conflating a ledger key
// with an account hash is the bug category spec §4.3 calls out explicitly.
var auxSuffixes = []string{":5xx_errors", ":stream_timeouts", ":session_ids", ":slow_responses"}

// RecoveryScheduler schedules status -> active transitions; tests inject a
// deterministic fake, production wires internal/recovery.
type RecoveryScheduler interface {
	Schedule(accountKey string, after time.Duration)
}

type Store struct {
	kv       kvstore.Store
	recovery RecoveryScheduler
}

func New(kv kvstore.Store, recovery RecoveryScheduler) *Store {
	return &Store{kv: kv, recovery: recovery}
}

// SetRecovery wires the recovery scheduler after construction, for the
// common startup case where the scheduler itself needs a live *Store
// (recovery.New takes one) and so can't be built before this Store is.
func (s *Store) SetRecovery(recovery RecoveryScheduler) {
	s.recovery = recovery
}

func (s *Store) CreateAccount(ctx context.Context, a *Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.Status == "" {
		a.Status = StatusActive
		a.Schedulable = true
	}
	key := kvstore.AccountKey(a.Platform, a.ID)
	if err := s.kv.HSet(ctx, key, toFields(a)); err != nil {
		return fmt.Errorf("accountstore: create %s: %w", a.ID, err)
	}
	if err := s.kv.SAdd(ctx, kvstore.AccountIndexKey(a.Platform), a.ID); err != nil {
		return fmt.Errorf("accountstore: index %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) UpdateAccount(ctx context.Context, a *Account) error {
	key := kvstore.AccountKey(a.Platform, a.ID)
	exists, err := s.kv.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("accountstore: update %s: not found", a.ID)
	}
	return s.kv.HSet(ctx, key, toFields(a))
}

func (s *Store) GetAccount(ctx context.Context, platform, id string) (*Account, error) {
	key := kvstore.AccountKey(platform, id)
	fields, err := s.kv.HGetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fromFields(platform, id, fields), nil
}

// ListAccounts enumerates every account hash under the platform's index,
// explicitly excluding auxiliary ledger keys that happen to share the
// account key prefix.
func (s *Store) ListAccounts(ctx context.Context, platform string) ([]*Account, error) {
	ids, err := s.kv.SMembers(ctx, kvstore.AccountIndexKey(platform))
	if err != nil {
		return nil, err
	}
	accounts := make([]*Account, 0, len(ids))
	for _, id := range ids {
		if hasAuxSuffix(id) {
			continue
		}
		a, err := s.GetAccount(ctx, platform, id)
		if err != nil {
			return nil, err
		}
		if a != nil {
			accounts = append(accounts, a)
		}
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Priority < accounts[j].Priority })
	return accounts, nil
}

func hasAuxSuffix(id string) bool {
	for _, suf := range auxSuffixes {
		if strings.HasSuffix(id, suf) {
			return true
		}
	}
	return false
}

// MarkStatus sets status and, for every non-active state, schedulable=false.
// If ttl is non-zero and a RecoveryScheduler is wired, an automatic
// recovery-to-active transition is scheduled.
func (s *Store) MarkStatus(ctx context.Context, platform, id string, status Status, reasonCode string, ttl time.Duration) error {
	key := kvstore.AccountKey(platform, id)
	fields := map[string]string{
		"status":        string(status),
		"error_message": reasonCode,
	}
	if status == StatusActive {
		fields["schedulable"] = "true"
		if err := s.ClearServerErrors(ctx, platform, id); err != nil {
			return err
		}
	} else {
		fields["schedulable"] = "false"
	}
	if err := s.kv.HSet(ctx, key, fields); err != nil {
		return err
	}
	if status != StatusActive && ttl > 0 && s.recovery != nil {
		s.recovery.Schedule(key, ttl)
	}
	return nil
}

// RecordServerError appends one timestamped entry to the account's 5xx
// ledger (a sorted set, 5-minute default window enforced by the caller via
// GetServerErrorCount's window argument).
func (s *Store) RecordServerError(ctx context.Context, platform, id string, now time.Time) error {
	key := kvstore.AccountErrorLedgerKey(platform, id)
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()
	if err := s.kv.ZAdd(ctx, key, float64(now.UnixMilli()), member); err != nil {
		return err
	}
	return s.kv.Expire(ctx, key, 24*time.Hour)
}

func (s *Store) GetServerErrorCount(ctx context.Context, platform, id string, window time.Duration, now time.Time) (int64, error) {
	key := kvstore.AccountErrorLedgerKey(platform, id)
	cutoff := float64(now.Add(-window).UnixMilli())
	if _, err := s.kv.ZRemRangeByScore(ctx, key, 0, cutoff-1); err != nil {
		return 0, err
	}
	return s.kv.ZCount(ctx, key, cutoff, float64(now.UnixMilli())+1)
}

func (s *Store) ClearServerErrors(ctx context.Context, platform, id string) error {
	return s.kv.Del(ctx, kvstore.AccountErrorLedgerKey(platform, id))
}

func (s *Store) RecordStreamTimeout(ctx context.Context, platform, id string, now time.Time) error {
	key := kvstore.AccountStreamTimeoutLedgerKey(platform, id)
	member := strconv.FormatInt(now.UnixNano(), 10)
	if err := s.kv.ZAdd(ctx, key, float64(now.UnixMilli()), member); err != nil {
		return err
	}
	return s.kv.Expire(ctx, key, 24*time.Hour)
}

func (s *Store) GetStreamTimeoutCount(ctx context.Context, platform, id string, window time.Duration, now time.Time) (int64, error) {
	key := kvstore.AccountStreamTimeoutLedgerKey(platform, id)
	cutoff := float64(now.Add(-window).UnixMilli())
	if _, err := s.kv.ZRemRangeByScore(ctx, key, 0, cutoff-1); err != nil {
		return 0, err
	}
	return s.kv.ZCount(ctx, key, cutoff, float64(now.UnixMilli())+1)
}

func (s *Store) RecordSessionID(ctx context.Context, platform, id, sessionID string, now time.Time) error {
	key := kvstore.AccountSessionIDLedgerKey(platform, id)
	if err := s.kv.ZAdd(ctx, key, float64(now.UnixMilli()), sessionID); err != nil {
		return err
	}
	return s.kv.Expire(ctx, key, 24*time.Hour)
}

func (s *Store) CountSessionIDs(ctx context.Context, platform, id string, window time.Duration, now time.Time) (int64, error) {
	key := kvstore.AccountSessionIDLedgerKey(platform, id)
	cutoff := float64(now.Add(-window).UnixMilli())
	if _, err := s.kv.ZRemRangeByScore(ctx, key, 0, cutoff-1); err != nil {
		return 0, err
	}
	return s.kv.ZCount(ctx, key, cutoff, float64(now.UnixMilli())+1)
}

func (s *Store) GetSessionIDs(ctx context.Context, platform, id string, window time.Duration, now time.Time) ([]string, error) {
	key := kvstore.AccountSessionIDLedgerKey(platform, id)
	cutoff := float64(now.Add(-window).UnixMilli())
	members, err := s.kv.ZRangeWithScores(ctx, key, cutoff, float64(now.UnixMilli())+1)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Member
	}
	return out, nil
}

func (s *Store) TouchLastUsed(ctx context.Context, platform, id string, at time.Time) error {
	key := kvstore.AccountKey(platform, id)
	return s.kv.HSet(ctx, key, map[string]string{"last_used_at": strconv.FormatInt(at.UnixMilli(), 10)})
}

func toFields(a *Account) map[string]string {
	f := map[string]string{
		"id":                          a.ID,
		"platform":                    a.Platform,
		"name":                        a.Name,
		"encrypted_credential":        a.EncryptedCredential,
		"priority":                    strconv.Itoa(a.Priority),
		"status":                      string(a.Status),
		"error_message":               a.ErrorMessage,
		"schedulable":                 strconv.FormatBool(a.Schedulable),
		"max_concurrent_tasks":        strconv.Itoa(a.MaxConcurrentTasks),
		"session_id_limit_enabled":    strconv.FormatBool(a.SessionIDLimitEnabled),
		"session_id_max_count":        strconv.Itoa(a.SessionIDMaxCount),
		"session_id_window_minutes":   strconv.Itoa(a.SessionIDWindowMinutes),
		"supported_models":            strings.Join(a.SupportedModels, ","),
		"last_used_at":                strconv.FormatInt(a.LastUsedAt.UnixMilli(), 10),
		"created_at":                  strconv.FormatInt(a.CreatedAt.UnixMilli(), 10),
		"cost_multiplier":             strconv.FormatFloat(a.CostMultiplier, 'f', -1, 64),
	}
	if a.LastRefreshAt.IsZero() {
		f["last_refresh_at"] = ""
	} else {
		f["last_refresh_at"] = strconv.FormatInt(a.LastRefreshAt.UnixMilli(), 10)
	}
	if a.Proxy != nil {
		f["proxy_type"] = string(a.Proxy.Type)
		f["proxy_host"] = a.Proxy.Host
		f["proxy_port"] = strconv.Itoa(a.Proxy.Port)
		f["proxy_username"] = a.Proxy.Username
		f["proxy_password"] = a.Proxy.Password
	} else {
		f["proxy_host"] = ""
	}
	return f
}

func fromFields(platform, id string, f map[string]string) *Account {
	a := &Account{
		ID:                     id,
		Platform:               platform,
		Name:                   f["name"],
		EncryptedCredential:    f["encrypted_credential"],
		Priority:               atoiOr(f["priority"], 100),
		Status:                 Status(f["status"]),
		ErrorMessage:           f["error_message"],
		Schedulable:            f["schedulable"] == "true",
		MaxConcurrentTasks:     atoiOr(f["max_concurrent_tasks"], 0),
		SessionIDLimitEnabled:  f["session_id_limit_enabled"] == "true",
		SessionIDMaxCount:      atoiOr(f["session_id_max_count"], 0),
		SessionIDWindowMinutes: atoiOr(f["session_id_window_minutes"], 60),
		LastUsedAt:             millisOr(f["last_used_at"]),
		CreatedAt:              millisOr(f["created_at"]),
		CostMultiplier:         floatOr(f["cost_multiplier"], 1.0),
	}
	if models := f["supported_models"]; models != "" {
		a.SupportedModels = strings.Split(models, ",")
	}
	if t := f["last_refresh_at"]; t != "" {
		a.LastRefreshAt = millisOr(t)
	}
	if host := f["proxy_host"]; host != "" {
		a.Proxy = &Proxy{
			Type:     ProxyType(f["proxy_type"]),
			Host:     host,
			Port:     atoiOr(f["proxy_port"], 0),
			Username: f["proxy_username"],
			Password: f["proxy_password"],
		}
	}
	return a
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func floatOr(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}

func millisOr(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

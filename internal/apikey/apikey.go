// Package apikey is the caller-identity store (entity ApiKey): the sole
// key joining cost counters, transaction logs, concurrency records, and
// session maps across the rest of the system.
package apikey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/ccgate/internal/kvstore"
)

const keyMaterialPrefix = "cr_"

type ApiKey struct {
	ID          string `json:"id"`
	KeyMaterial string `json:"key_material"` // opaque, prefix cr_...
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`

	// ClaudeAccountID pins this key to one account ("<uuid>") or a group
	// ("group:<id>"). Empty means pool selection.
	ClaudeAccountID string `json:"claude_account_id,omitempty"`

	TotalCostLimit float64 `json:"total_cost_limit"` // 0 = unlimited
	DailyCostLimit float64 `json:"daily_cost_limit"`

	ConcurrencyLimit int `json:"concurrency_limit"` // 0 = unlimited

	RateLimitRequests int           `json:"rate_limit_requests"`
	RateLimitWindow   time.Duration `json:"rate_limit_window"`

	TokenLimit  int64    `json:"token_limit"`
	Permissions []string `json:"permissions,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (k *ApiKey) IsPinnedToGroup() (string, bool) {
	if strings.HasPrefix(k.ClaudeAccountID, "group:") {
		return strings.TrimPrefix(k.ClaudeAccountID, "group:"), true
	}
	return "", false
}

func (k *ApiKey) IsPinnedToAccount() (string, bool) {
	if k.ClaudeAccountID == "" || strings.HasPrefix(k.ClaudeAccountID, "group:") {
		return "", false
	}
	return k.ClaudeAccountID, true
}

// HashKeyMaterial derives the lookup hash stored alongside the record,
// so raw key material is never held longer than the authenticating
// request needs it.
func HashKeyMaterial(material string) string {
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// NewKeyMaterial generates a fresh opaque caller secret with the cr_
// prefix used throughout the record and transcript.
func NewKeyMaterial() string {
	return keyMaterialPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

type Store struct {
	kv kvstore.Store
}

func New(kv kvstore.Store) *Store {
	return &Store{kv: kv}
}

func (s *Store) Create(ctx context.Context, k *ApiKey) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.KeyMaterial == "" {
		k.KeyMaterial = NewKeyMaterial()
	}
	now := time.Now()
	if k.CreatedAt.IsZero() {
		k.CreatedAt = now
	}
	k.UpdatedAt = now

	key := kvstore.APIKeyKey(k.ID)
	if err := s.kv.HSet(ctx, key, toFields(k)); err != nil {
		return fmt.Errorf("apikey: create %s: %w", k.ID, err)
	}
	if err := s.kv.SAdd(ctx, kvstore.APIKeyIndexKey(), k.ID); err != nil {
		return fmt.Errorf("apikey: index %s: %w", k.ID, err)
	}
	// hash -> id lookup, for constant-work authentication without storing
	// the raw secret anywhere queryable.
	return s.kv.Set(ctx, "api_key:hash:"+HashKeyMaterial(k.KeyMaterial), k.ID, 0)
}

func (s *Store) Get(ctx context.Context, id string) (*ApiKey, error) {
	fields, err := s.kv.HGetAll(ctx, kvstore.APIKeyKey(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fromFields(id, fields), nil
}

// Resolve looks up an ApiKey by its raw key material's hash.
func (s *Store) Resolve(ctx context.Context, keyMaterial string) (*ApiKey, error) {
	id, ok, err := s.kv.Get(ctx, "api_key:hash:"+HashKeyMaterial(keyMaterial))
	if err != nil || !ok {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *Store) Update(ctx context.Context, k *ApiKey) error {
	k.UpdatedAt = time.Now()
	return s.kv.HSet(ctx, kvstore.APIKeyKey(k.ID), toFields(k))
}

func (s *Store) Delete(ctx context.Context, id string) error {
	k, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if k != nil {
		_ = s.kv.Del(ctx, "api_key:hash:"+HashKeyMaterial(k.KeyMaterial))
	}
	if err := s.kv.Del(ctx, kvstore.APIKeyKey(id)); err != nil {
		return err
	}
	return s.kv.SRem(ctx, kvstore.APIKeyIndexKey(), id)
}

func (s *Store) List(ctx context.Context) ([]*ApiKey, error) {
	ids, err := s.kv.SMembers(ctx, kvstore.APIKeyIndexKey())
	if err != nil {
		return nil, err
	}
	out := make([]*ApiKey, 0, len(ids))
	for _, id := range ids {
		k, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if k != nil {
			out = append(out, k)
		}
	}
	return out, nil
}

func toFields(k *ApiKey) map[string]string {
	return map[string]string{
		"id":                  k.ID,
		"key_material":        k.KeyMaterial,
		"name":                k.Name,
		"enabled":             strconv.FormatBool(k.Enabled),
		"claude_account_id":   k.ClaudeAccountID,
		"total_cost_limit":    strconv.FormatFloat(k.TotalCostLimit, 'f', -1, 64),
		"daily_cost_limit":    strconv.FormatFloat(k.DailyCostLimit, 'f', -1, 64),
		"concurrency_limit":   strconv.Itoa(k.ConcurrencyLimit),
		"rate_limit_requests": strconv.Itoa(k.RateLimitRequests),
		"rate_limit_window_s": strconv.FormatInt(int64(k.RateLimitWindow.Seconds()), 10),
		"token_limit":         strconv.FormatInt(k.TokenLimit, 10),
		"permissions":         strings.Join(k.Permissions, ","),
		"created_at":          strconv.FormatInt(k.CreatedAt.UnixMilli(), 10),
		"updated_at":          strconv.FormatInt(k.UpdatedAt.UnixMilli(), 10),
	}
}

func fromFields(id string, f map[string]string) *ApiKey {
	k := &ApiKey{
		ID:                id,
		KeyMaterial:       f["key_material"],
		Name:              f["name"],
		Enabled:           f["enabled"] == "true",
		ClaudeAccountID:   f["claude_account_id"],
		TotalCostLimit:    parseFloat(f["total_cost_limit"]),
		DailyCostLimit:    parseFloat(f["daily_cost_limit"]),
		ConcurrencyLimit:  parseInt(f["concurrency_limit"]),
		RateLimitRequests: parseInt(f["rate_limit_requests"]),
		RateLimitWindow:   time.Duration(parseInt(f["rate_limit_window_s"])) * time.Second,
		TokenLimit:        int64(parseInt(f["token_limit"])),
	}
	if p := f["permissions"]; p != "" {
		k.Permissions = strings.Split(p, ",")
	}
	if ms := parseInt64(f["created_at"]); ms > 0 {
		k.CreatedAt = time.UnixMilli(ms)
	}
	if ms := parseInt64(f["updated_at"]); ms > 0 {
		k.UpdatedAt = time.UnixMilli(ms)
	}
	return k
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

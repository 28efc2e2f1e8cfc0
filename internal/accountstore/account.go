// Package accountstore is the per-account record store (component C3):
// credentials, status, priority, concurrency limit, session-id limit, and
// error history. Everything is backed by a hash at account:{platform}:{id}
// plus three auxiliary sorted-set ledgers keyed off that id.
package accountstore

import "time"

type Status string

const (
	StatusActive        Status = "active"
	StatusRateLimited    Status = "rate_limited"
	StatusOverloaded     Status = "overloaded"
	StatusTempError      Status = "temp_error"
	StatusUnauthorized   Status = "unauthorized"
	StatusBlocked        Status = "blocked"
	StatusQuotaExceeded  Status = "quota_exceeded"
)

type ProxyType string

const (
	ProxySOCKS5 ProxyType = "socks5"
	ProxyHTTP   ProxyType = "http"
)

// Proxy describes strict egress isolation for one account. A non-nil Proxy
// must never be bypassed with a direct connection (spec invariant 4).
type Proxy struct {
	Type     ProxyType `json:"type"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	Username string    `json:"username,omitempty"`
	Password string    `json:"password,omitempty"`
}

// Account is credentials + policy for one upstream provider identity.
type Account struct {
	ID       string `json:"id"`
	Platform string `json:"platform"` // "claude-official", "claude-console", "gemini", "bedrock", "azure", ...
	Name     string `json:"name"`

	// Credential carried opaque to this package: an OAuth token blob for
	// "official" accounts, a static reseller key for "console" accounts.
	// Encrypted at rest by internal/account.Crypto before reaching here.
	EncryptedCredential string `json:"encrypted_credential"`

	Priority    int    `json:"priority"` // lower = preferred
	Status      Status `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	Schedulable bool   `json:"schedulable"`

	MaxConcurrentTasks int `json:"max_concurrent_tasks"` // 0 = unlimited

	SessionIDLimitEnabled  bool `json:"session_id_limit_enabled"`
	SessionIDMaxCount      int  `json:"session_id_max_count"`
	SessionIDWindowMinutes int  `json:"session_id_window_minutes"`

	SupportedModels []string `json:"supported_models,omitempty"` // empty = all models

	Proxy *Proxy `json:"proxy,omitempty"`

	LastUsedAt    time.Time `json:"last_used_at"`
	LastRefreshAt time.Time `json:"last_refresh_at,omitempty"`
	CreatedAt     time.Time `json:"created_at"`

	// CostMultiplier scales usage cost recorded against this account's
	// traffic; applied to the transaction total only (see Open Question 2
	// in the design notes).
	CostMultiplier float64 `json:"cost_multiplier,omitempty"`
}

// SupportsModel reports whether the account may serve requestedModel. An
// empty SupportedModels list means "all models" (the common case for
// official accounts).
func (a *Account) SupportsModel(requestedModel string) bool {
	if len(a.SupportedModels) == 0 {
		return true
	}
	for _, m := range a.SupportedModels {
		if m == requestedModel {
			return true
		}
	}
	return false
}

// Schedulable statuses per spec §4.6: only active, unauthorized, and
// overloaded accounts are ever candidates (unauthorized/overloaded can
// still serve — overloaded is a soft signal, unauthorized accounts are
// excluded downstream by schedulable=false, not by status alone).
func schedulableStatus(s Status) bool {
	switch s {
	case StatusActive, StatusUnauthorized, StatusOverloaded:
		return true
	default:
		return false
	}
}

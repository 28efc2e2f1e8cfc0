// Package config loads relay configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every runtime-tunable knob named in the relay's config
// surface: timeouts, session stickiness, stream monitors, retry limits,
// and the response cache.
type Config struct {
	Host string
	Port int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	EncryptionKey string

	ClaudeAPIURL     string
	ClaudeAPIVersion string
	ClaudeBetaHeader string
	OAuthTokenURL    string
	OAuthClientID    string

	// Request / retry
	RequestTimeout      time.Duration
	NonStreamTimeout    time.Duration
	MaxRetryAccounts    int
	UpstreamWaitNonStream time.Duration
	UpstreamWaitStream    time.Duration
	UpstreamWaitEnabled   bool

	// Stream timeout monitor
	StreamTotalTimeout time.Duration
	StreamIdleTimeout  time.Duration
	StreamTimeoutEnabled bool

	// Session stickiness
	StickyTTL               time.Duration
	StickyRenewalThreshold  time.Duration
	StickyWaitEnabled       bool
	StickyMaxWaitMs         time.Duration
	StickyPollIntervalMs    time.Duration

	// Concurrency leases
	ConcurrencyLeaseMs   time.Duration
	ConcurrencyRefreshMs time.Duration
	SweepInterval        time.Duration
	StaleAfter           time.Duration

	// Response cache
	ResponseCacheTTL     time.Duration
	ResponseCacheMaxBytes int64

	// Account health thresholds
	ErrorWindow        time.Duration
	ErrorThreshold     int
	TempErrorCooldown  time.Duration
	OverloadCooldown   time.Duration
	RateLimitCooldown  time.Duration
	StreamTimeoutWindow    time.Duration
	StreamTimeoutThreshold int

	LogLevel string

	MetricsAddr string
}

// Load reads configuration from the environment, applying the same
// defaults the relay ships with.
func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 3000),

		RedisAddr:     envOr("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),

		ClaudeAPIURL:     envOr("CLAUDE_API_URL", "https://api.anthropic.com/v1/messages"),
		ClaudeAPIVersion: envOr("CLAUDE_API_VERSION", "2023-06-01"),
		ClaudeBetaHeader: envOr("CLAUDE_BETA_HEADER", "claude-code-20250219,oauth-2025-04-20"),
		OAuthTokenURL:    envOr("OAUTH_TOKEN_URL", "https://console.anthropic.com/v1/oauth/token"),
		OAuthClientID:    os.Getenv("OAUTH_CLIENT_ID"),

		RequestTimeout:        envDurationMs("REQUEST_TIMEOUT_MS", 600_000*time.Millisecond),
		NonStreamTimeout:      envDurationMs("NON_STREAM_TIMEOUT_MS", 60_000*time.Millisecond),
		MaxRetryAccounts:      envInt("MAX_RETRY_ACCOUNTS", 3),
		UpstreamWaitNonStream: envDurationMs("UPSTREAM_WAIT_NON_STREAM_MS", 180_000*time.Millisecond),
		UpstreamWaitStream:    envDurationMs("UPSTREAM_WAIT_STREAM_MS", 180_000*time.Millisecond),
		UpstreamWaitEnabled:   envBool("UPSTREAM_WAIT_ENABLED", true),

		StreamTotalTimeout:   envDurationMs("STREAM_TOTAL_TIMEOUT_MS", 180_000*time.Millisecond),
		StreamIdleTimeout:    envDurationMs("STREAM_IDLE_TIMEOUT_MS", 30_000*time.Millisecond),
		StreamTimeoutEnabled: envBool("STREAM_TIMEOUT_ENABLED", true),

		StickyTTL:              envDurationMs("SESSION_STICKY_TTL_MS", time.Hour),
		StickyRenewalThreshold: envDurationMs("SESSION_RENEWAL_THRESHOLD_MS", 10*time.Minute),
		StickyWaitEnabled:      envBool("SESSION_STICKY_WAIT_ENABLED", true),
		StickyMaxWaitMs:        envDurationMs("SESSION_STICKY_MAX_WAIT_MS", 1200*time.Millisecond),
		StickyPollIntervalMs:   envDurationMs("SESSION_STICKY_POLL_INTERVAL_MS", 200*time.Millisecond),

		ConcurrencyLeaseMs:   envDurationMs("CONCURRENCY_LEASE_MS", 10*time.Minute),
		ConcurrencyRefreshMs: envDurationMs("CONCURRENCY_REFRESH_MS", 5*time.Minute),
		SweepInterval:        envDurationMs("CONCURRENCY_SWEEP_INTERVAL_MS", 60*time.Second),
		StaleAfter:           envDurationMs("CONCURRENCY_STALE_AFTER_MS", 5*time.Minute),

		ResponseCacheTTL:      envDurationMs("RESPONSE_CACHE_TTL_MS", 180*time.Second),
		ResponseCacheMaxBytes: int64(envInt("RESPONSE_CACHE_MAX_BYTES", 5*1024*1024)),

		ErrorWindow:       envDurationMs("ERROR_WINDOW_MS", 5*time.Minute),
		ErrorThreshold:    envInt("ERROR_THRESHOLD", 3),
		TempErrorCooldown: envDurationMs("TEMP_ERROR_COOLDOWN_MS", 6*time.Minute),
		OverloadCooldown:  envDurationMs("OVERLOAD_COOLDOWN_MS", 10*time.Minute),
		RateLimitCooldown: envDurationMs("RATE_LIMIT_COOLDOWN_MS", time.Minute),

		StreamTimeoutWindow:    envDurationMs("STREAM_TIMEOUT_WINDOW_MS", time.Hour),
		StreamTimeoutThreshold: envInt("STREAM_TIMEOUT_THRESHOLD", 2),

		LogLevel:    envOr("LOG_LEVEL", "info"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
	}
}

// Validate checks for required secrets that have no safe default.
func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("missing required env: ENCRYPTION_KEY")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDurationMs(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

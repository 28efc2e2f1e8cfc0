package kvstore

import "fmt"

// Key-prefix builders. Every other package composes keys through these
// helpers rather than formatting strings inline, so the key layout has a
// single source of truth.

func AccountKey(platform, id string) string {
	return fmt.Sprintf("account:%s:%s", platform, id)
}

func AccountErrorLedgerKey(platform, id string) string {
	return fmt.Sprintf("account:%s:%s:5xx_errors", platform, id)
}

func AccountStreamTimeoutLedgerKey(platform, id string) string {
	return fmt.Sprintf("account:%s:%s:stream_timeouts", platform, id)
}

func AccountSessionIDLedgerKey(platform, id string) string {
	return fmt.Sprintf("account:%s:%s:session_ids", platform, id)
}

func AccountIndexKey(platform string) string {
	return fmt.Sprintf("account:%s:index", platform)
}

func APIKeyKey(id string) string {
	return fmt.Sprintf("api_key:%s", id)
}

func APIKeyIndexKey() string {
	return "api_key:index"
}

func ConcurrencyAccountKey(accountID string) string {
	return fmt.Sprintf("concurrency:console_account:%s", accountID)
}

func ConcurrencyKeyKey(apiKeyID string) string {
	return fmt.Sprintf("concurrency:%s", apiKeyID)
}

func SessionMappingKey(fingerprint string) string {
	return fmt.Sprintf("unified_claude_session_mapping:%s", fingerprint)
}

func CostTotalKey(apiKeyID string) string {
	return fmt.Sprintf("usage:cost:total:%s", apiKeyID)
}

func CostDailyKey(apiKeyID, yyyymmdd string) string {
	return fmt.Sprintf("usage:cost:daily:%s:%s", apiKeyID, yyyymmdd)
}

func CostModelKey(apiKeyID, model string) string {
	return fmt.Sprintf("usage:cost:model:%s:%s", apiKeyID, model)
}

func TransactionLogKey(apiKeyID string) string {
	return fmt.Sprintf("transaction_log:%s", apiKeyID)
}

func ResponseCacheKey(fingerprint string) string {
	return fmt.Sprintf("response_cache:%s", fingerprint)
}

func TokenRefreshLockKey(accountID string) string {
	return fmt.Sprintf("token_refresh_lock:%s", accountID)
}

func RateLimitKey(apiKeyID string) string {
	return fmt.Sprintf("rate_limit:%s", apiKeyID)
}

func AccountGroupKey(id string) string {
	return fmt.Sprintf("account_group:%s", id)
}

func AccountGroupIndexKey() string {
	return "account_group:index"
}

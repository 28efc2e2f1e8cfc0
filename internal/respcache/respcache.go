// Package respcache stores the full upstream response body for a request
// whose client disconnected before the response finished, so a later
// identical request (or a disconnect-recovery poll) can be served the
// delayed result instead of re-billing and re-dispatching it (component
// C11).
package respcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/relaymesh/ccgate/internal/aggregator"
	"github.com/relaymesh/ccgate/internal/kvstore"
)

// ErrMissingAPIKeyID is returned by Fingerprint when apiKeyID is empty.
// Response cache entries are always scoped to the requesting key; a
// fingerprint computed without one could leak a response across tenants.
var ErrMissingAPIKeyID = fmt.Errorf("respcache: apiKeyId is required to compute a fingerprint")

// FingerprintInput is every field the cache key is derived from. Stream
// and Metadata are deliberately excluded — they don't affect the shape of
// the upstream response this cache exists to replay.
type FingerprintInput struct {
	APIKeyID      string
	Model         string
	Messages      json.RawMessage
	System        json.RawMessage
	MaxTokens     int
	Temperature   float64
	TopP          float64
	TopK          int
	StopSequences []string
}

// Fingerprint derives the deterministic cache key for one request body.
func Fingerprint(in FingerprintInput) (string, error) {
	if in.APIKeyID == "" {
		return "", ErrMissingAPIKeyID
	}
	canonical, err := json.Marshal(struct {
		APIKeyID      string          `json:"apiKeyId"`
		Model         string          `json:"model"`
		Messages      json.RawMessage `json:"messages"`
		System        json.RawMessage `json:"system,omitempty"`
		MaxTokens     int             `json:"max_tokens"`
		Temperature   float64         `json:"temperature"`
		TopP          float64         `json:"top_p"`
		TopK          int             `json:"top_k"`
		StopSequences []string        `json:"stop_sequences,omitempty"`
	}{
		APIKeyID:      in.APIKeyID,
		Model:         in.Model,
		Messages:      in.Messages,
		System:        in.System,
		MaxTokens:     in.MaxTokens,
		Temperature:   in.Temperature,
		TopP:          in.TopP,
		TopK:          in.TopK,
		StopSequences: in.StopSequences,
	})
	if err != nil {
		return "", fmt.Errorf("respcache: marshal fingerprint input: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:32], nil
}

// Entry is the full response captured for replay.
type Entry struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
	Usage   aggregator.Usage  `json:"usage"`
}

// MaxBodyBytes is the size cap above which a response is not cached (spec
// §4.11): a single multi-megabyte completion isn't worth holding in the KV
// store just to cover the rare early-disconnect replay case.
const MaxBodyBytes = 5 * 1024 * 1024

// DefaultTTL is how long a captured response stays available for replay.
const DefaultTTL = 180 * time.Second

// Cache is the C11 KV-backed store.
type Cache struct {
	kv  kvstore.Store
	ttl time.Duration
}

func New(kv kvstore.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{kv: kv, ttl: ttl}
}

// Get returns the cached entry for fingerprint, or ok=false on a miss.
func (c *Cache) Get(ctx context.Context, fingerprint string) (Entry, bool, error) {
	raw, ok, err := c.kv.Get(ctx, kvstore.ResponseCacheKey(fingerprint))
	if err != nil || !ok {
		return Entry{}, false, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, false, fmt.Errorf("respcache: decode entry: %w", err)
	}
	return entry, true, nil
}

// Put stores entry under fingerprint, subject to MaxBodyBytes. Responses
// over the cap are silently not cached — a replay miss just falls through
// to a normal re-dispatch, which is always correct, only slower.
func (c *Cache) Put(ctx context.Context, fingerprint string, entry Entry) error {
	if len(entry.Body) > MaxBodyBytes {
		return nil
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("respcache: encode entry: %w", err)
	}
	return c.kv.Set(ctx, kvstore.ResponseCacheKey(fingerprint), string(encoded), c.ttl)
}

// HeadersFromHTTP flattens an http.Header into the single-valued map Entry
// stores; multi-valued headers are joined with ", " per RFC 7230.
func HeadersFromHTTP(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		val := v[0]
		for _, extra := range v[1:] {
			val += ", " + extra
		}
		out[k] = val
	}
	return out
}

// ShouldCache reports whether a completed non-stream response qualifies
// for caching (spec §4.11): status 200, the client had already
// disconnected before the response finished, and the body is under the
// size cap.
func ShouldCache(status int, clientDisconnected bool, bodyLen int) bool {
	return status == http.StatusOK && clientDisconnected && bodyLen <= MaxBodyBytes
}

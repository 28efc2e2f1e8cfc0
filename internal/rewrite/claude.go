package rewrite

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/relaymesh/ccgate/internal/accountstore"
)

// ClaudeRewriter shapes a client request into the envelope an official or
// console Claude account expects: stripped hop-by-hop headers, a
// synthesized user-agent/x-stainless-* block (derived from the account id,
// so every local caller routed through one account presents the same
// client fingerprint to the upstream), and the anthropic-beta header matching
// the target model.
type ClaudeRewriter struct {
	APIVersion string
	BetaHeader string
	UserAgent  string
}

func NewClaudeRewriter(apiVersion, betaHeader, userAgent string) *ClaudeRewriter {
	return &ClaudeRewriter{APIVersion: apiVersion, BetaHeader: betaHeader, UserAgent: userAgent}
}

// hopByHopHeaders are stripped before forwarding to the upstream, the same
// set any reverse proxy must not pass through verbatim.
var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Transfer-Encoding",
	"Upgrade", "Host", "Content-Length", "Authorization", "X-Api-Key",
}

func (r *ClaudeRewriter) Rewrite(body []byte, account *accountstore.Account, clientHeaders http.Header) (Result, error) {
	out := clientHeaders.Clone()
	for _, h := range hopByHopHeaders {
		out.Del(h)
	}

	out.Set("anthropic-version", r.APIVersion)
	if r.BetaHeader != "" {
		out.Set("anthropic-beta", r.BetaHeader)
	}
	if r.UserAgent != "" {
		out.Set("User-Agent", r.UserAgent)
	}
	r.applyStainlessHeaders(out, account)

	return Result{
		Body:        body,
		Headers:     out,
		ForceStream: forceStream(body),
	}, nil
}

// forceStream implements spec §4.7: a non-stream client request targeting
// a large "main" model (sonnet/opus) is converted into a stream upstream
// call, re-aggregated back into a single JSON response by component C10.
func forceStream(body []byte) bool {
	var parsed struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if json.Unmarshal(body, &parsed) != nil {
		return false
	}
	return !parsed.Stream && isMainModel(parsed.Model)
}

// applyStainlessHeaders synthesizes the x-stainless-* client fingerprint
// headers the official SDK sends, derived deterministically from the
// account id so retries against the same account look consistent across
// requests without leaking anything about the real caller.
func (r *ClaudeRewriter) applyStainlessHeaders(h http.Header, account *accountstore.Account) {
	sum := sha256.Sum256([]byte("stainless:" + account.ID))
	runtimeID := hex.EncodeToString(sum[:])[:16]

	h.Set("x-stainless-lang", "js")
	h.Set("x-stainless-package-version", "0.39.0")
	h.Set("x-stainless-os", "Linux")
	h.Set("x-stainless-arch", "x64")
	h.Set("x-stainless-runtime", "node")
	h.Set("x-stainless-runtime-version", "v20.11.0")
	h.Set("x-stainless-retry-count", "0")
	h.Set("x-stainless-timeout", "600")
	h.Set("x-stainless-session-id", runtimeID)
}

// DeriveBetaHeader returns the anthropic-beta header value for the target
// model. Sonnet/opus ("main") models get the configured header as is
// (or "claude-code-20250219" when none is configured); everything else
// gets the configured header with a trailing ",oauth-2025-04-20" removed.
func (r *ClaudeRewriter) DeriveBetaHeader(model string) string {
	if isMainModel(model) {
		if r.BetaHeader == "" {
			return "claude-code-20250219"
		}
		return r.BetaHeader
	}
	return strings.TrimSuffix(r.BetaHeader, ",oauth-2025-04-20")
}

package rewrite

import (
	"net/http"
	"testing"

	"github.com/relaymesh/ccgate/internal/accountstore"
)

func TestClaudeRewriterStripsHopByHopHeaders(t *testing.T) {
	r := NewClaudeRewriter("2023-06-01", "claude-code-20250219,oauth-2025-04-20", "claude-cli/1.0")
	account := &accountstore.Account{ID: "acct-1"}

	in := http.Header{}
	in.Set("Authorization", "Bearer secret")
	in.Set("X-Api-Key", "client-key")
	in.Set("Connection", "keep-alive")
	in.Set("Content-Type", "application/json")

	result, err := r.Rewrite([]byte(`{}`), account, in)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if result.Headers.Get("Authorization") != "" || result.Headers.Get("X-Api-Key") != "" {
		t.Fatalf("expected client auth headers stripped, got: %+v", result.Headers)
	}
	if result.Headers.Get("Connection") != "" {
		t.Fatalf("expected hop-by-hop header stripped")
	}
	if result.Headers.Get("Content-Type") != "application/json" {
		t.Fatalf("expected non-hop-by-hop header preserved")
	}
	if result.Headers.Get("anthropic-version") != "2023-06-01" {
		t.Fatalf("expected anthropic-version set")
	}
}

func TestClaudeRewriterStainlessHeadersDeterministicPerAccount(t *testing.T) {
	r := NewClaudeRewriter("2023-06-01", "beta", "ua")
	a1 := &accountstore.Account{ID: "acct-1"}
	a2 := &accountstore.Account{ID: "acct-2"}

	res1, _ := r.Rewrite(nil, a1, http.Header{})
	res1b, _ := r.Rewrite(nil, a1, http.Header{})
	res2, _ := r.Rewrite(nil, a2, http.Header{})

	if res1.Headers.Get("x-stainless-session-id") != res1b.Headers.Get("x-stainless-session-id") {
		t.Fatalf("expected stable stainless session id for same account")
	}
	if res1.Headers.Get("x-stainless-session-id") == res2.Headers.Get("x-stainless-session-id") {
		t.Fatalf("expected different stainless session id across accounts")
	}
}

func TestDeriveBetaHeaderMainVsOtherModels(t *testing.T) {
	r := NewClaudeRewriter("2023-06-01", "claude-code-20250219,oauth-2025-04-20", "ua")

	main := r.DeriveBetaHeader("claude-sonnet-4-5-20250929")
	if main != "claude-code-20250219,oauth-2025-04-20" {
		t.Fatalf("expected full beta header for main model, got %q", main)
	}

	other := r.DeriveBetaHeader("claude-haiku-3-5")
	if other != "claude-code-20250219" {
		t.Fatalf("expected trimmed beta header for non-main model, got %q", other)
	}
}

func TestPassthroughRewriterForwardsUnmodified(t *testing.T) {
	p := PassthroughRewriter{}
	in := http.Header{"X-Custom": []string{"v"}}
	result, err := p.Rewrite([]byte(`{"a":1}`), &accountstore.Account{}, in)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if string(result.Body) != `{"a":1}` {
		t.Fatalf("expected body unchanged, got %s", result.Body)
	}
	if result.Headers.Get("X-Custom") != "v" {
		t.Fatalf("expected headers preserved")
	}
}

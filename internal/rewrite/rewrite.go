// Package rewrite implements the request rewriter contract (component
// C7): rewrite(body, account, clientHeaders) -> {body, headers,
// forceStream?} plus deriveBetaHeader(model). The core never inspects
// prompt contents — only envelope headers, user-agent/stainless metadata,
// and the model name used to decide forced streaming are touched here.
package rewrite

import (
	"net/http"
	"strings"

	"github.com/relaymesh/ccgate/internal/accountstore"
)

// Result is what a Rewriter hands back to the upstream client.
type Result struct {
	Body         []byte
	Headers      http.Header
	ForceStream  bool
}

// Rewriter adapts one client request into the shape a specific account's
// platform expects.
type Rewriter interface {
	Rewrite(body []byte, account *accountstore.Account, clientHeaders http.Header) (Result, error)
	DeriveBetaHeader(model string) string
}

// PassthroughRewriter forwards the request unmodified; used for platforms
// (Gemini, Bedrock, Azure, other OpenAI-compatible vendors) that need no
// Claude-specific envelope shaping.
type PassthroughRewriter struct{}

func (PassthroughRewriter) Rewrite(body []byte, account *accountstore.Account, clientHeaders http.Header) (Result, error) {
	return Result{Body: body, Headers: clientHeaders.Clone()}, nil
}

func (PassthroughRewriter) DeriveBetaHeader(model string) string { return "" }

// isMainModel reports whether model is large enough to warrant forcing a
// non-stream client request into a stream upstream call (spec §4.7): the
// rule is a simple substring check on "sonnet" or "opus".
func isMainModel(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "sonnet") || strings.Contains(lower, "opus")
}

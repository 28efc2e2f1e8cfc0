package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/relaymesh/ccgate/internal/authgate"
	"github.com/relaymesh/ccgate/internal/concurrency"
	"github.com/relaymesh/ccgate/internal/retry"
	"github.com/relaymesh/ccgate/internal/scheduler"
	"github.com/relaymesh/ccgate/internal/upstream"
)

// extractKeyMaterial pulls the caller's api key out of the request, the
// x-api-key header taking precedence over a bearer token — mirroring how
// the official Claude SDK and the Anthropic API itself accept either.
func extractKeyMaterial(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeErrorJSON(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
}

// writeAdmissionError maps an authgate.Admit failure to the client-facing
// status/body (spec §7 item 9: quota and rate-limit rejections return
// immediately, no upstream call ever made).
func writeAdmissionError(w http.ResponseWriter, err error) {
	var quotaErr *authgate.ErrQuotaExceeded
	var rateErr *authgate.ErrRateLimited
	var concErr *concurrency.ErrConcurrencyExceeded

	switch {
	case errors.Is(err, authgate.ErrInvalidKey):
		writeErrorJSON(w, http.StatusUnauthorized, "authentication_error", "invalid or disabled api key")
	case errors.As(err, &quotaErr):
		writeErrorJSON(w, http.StatusForbidden, "permission_error", quotaErr.Error())
	case errors.As(err, &rateErr):
		writeErrorJSON(w, http.StatusTooManyRequests, "rate_limit_error", rateErr.Error())
	case errors.As(err, &concErr):
		writeErrorJSON(w, http.StatusTooManyRequests, "rate_limit_error", "concurrency limit exceeded for this api key")
	default:
		writeErrorJSON(w, http.StatusInternalServerError, "api_error", "admission failed")
	}
}

// writeSelectionError maps a retry.Engine.Run failure that bottomed out on
// account selection itself (no account was ever attempted) rather than an
// upstream classification.
func writeSelectionError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, scheduler.ErrPinnedUnavailable):
		writeErrorJSON(w, http.StatusServiceUnavailable, "overloaded_error", "pinned account unavailable")
		return true
	case errors.Is(err, scheduler.ErrNoCandidate):
		writeErrorJSON(w, http.StatusServiceUnavailable, "overloaded_error", "no schedulable account for this request")
		return true
	case errors.Is(err, retry.ErrAllAccountsExhausted):
		return false
	default:
		return false
	}
}

// sseDataPayload extracts the JSON payload of an SSE "data:" line, the
// same framing internal/aggregator.ParseSSE recognizes reading from a
// buffered stream — duplicated here as a one-line check because the
// server forwards lines as they arrive rather than through an io.Reader.
func sseDataPayload(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" || payload == "[DONE]" {
		return "", false
	}
	return payload, true
}

// drainStreamEvents reads every line buffered for a stream handle whose
// status turned out to be non-200, so the body is available to classify
// and sanitize like a normal non-stream error response.
func drainStreamEvents(handle *upstream.StreamHandle) []byte {
	var buf bytes.Buffer
	for ev := range handle.Events {
		if ev.Err != nil || ev.Done {
			break
		}
		buf.WriteString(ev.Line)
		buf.WriteString("\n")
	}
	return buf.Bytes()
}

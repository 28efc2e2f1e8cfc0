package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/ccgate/internal/accountstore"
	"github.com/relaymesh/ccgate/internal/aggregator"
	"github.com/relaymesh/ccgate/internal/apikey"
	"github.com/relaymesh/ccgate/internal/authgate"
	"github.com/relaymesh/ccgate/internal/concurrency"
	"github.com/relaymesh/ccgate/internal/events"
	"github.com/relaymesh/ccgate/internal/kvstore"
	"github.com/relaymesh/ccgate/internal/respcache"
	"github.com/relaymesh/ccgate/internal/retry"
	"github.com/relaymesh/ccgate/internal/scheduler"
	"github.com/relaymesh/ccgate/internal/session"
	"github.com/relaymesh/ccgate/internal/upstream"
)

const maxRequestBodyBytes = 10 * 1024 * 1024

// accountLeaseTimeout bounds how long an account-level concurrency slot
// (component C4) can survive without being released or refreshed,
// mirroring authgate's key-level absoluteLeaseTimeout. leaseRefreshInterval
// is how often a long-running stream attempt renews its slot so it doesn't
// expire mid-flight.
const (
	accountLeaseTimeout  = 10 * time.Minute
	leaseRefreshInterval = 5 * time.Minute
)

// acquireAccountLease admits one request under acct's own
// maxConcurrentTasks limit, independent of the key-level lease authgate
// already holds. The caller must Release it on every exit path.
func (s *Server) acquireAccountLease(ctx context.Context, acct *accountstore.Account) (*concurrency.Lease, error) {
	return s.conc.Acquire(ctx, kvstore.ConcurrencyAccountKey(acct.ID), uuid.NewString(), accountLeaseTimeout, acct.MaxConcurrentTasks)
}

// incomingMessage is the subset of the Messages API request body the
// relay itself needs to inspect; everything else passes through
// internal/rewrite untouched.
type incomingMessage struct {
	Model         string          `json:"model"`
	Stream        bool            `json:"stream"`
	Messages      json.RawMessage `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   float64         `json:"temperature"`
	TopP          float64         `json:"top_p"`
	TopK          int             `json:"top_k"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	admission, err := s.gate.Admit(r.Context(), extractKeyMaterial(r), now)
	if err != nil {
		writeAdmissionError(w, err)
		return
	}
	defer func() { _ = admission.Lease.Release(context.Background()) }()

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	if len(rawBody) > maxRequestBodyBytes {
		writeErrorJSON(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body too large")
		return
	}

	var msg incomingMessage
	if err := json.Unmarshal(rawBody, &msg); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}

	selectOpts := s.buildSelectOptions(r.Context(), admission.Key, rawBody, msg)

	if msg.Stream {
		s.handleStreamRequest(r, w, admission, rawBody, msg, selectOpts)
		return
	}
	s.handleNonStreamRequest(r, w, admission, rawBody, msg, selectOpts)
}

func (s *Server) buildSelectOptions(ctx context.Context, key *apikey.ApiKey, rawBody []byte, msg incomingMessage) scheduler.SelectOptions {
	opts := scheduler.SelectOptions{
		Platform:           defaultPlatform,
		SessionFingerprint: session.Fingerprint(key.ID, rawBody),
		RequestedModel:     msg.Model,
		SessionID:          session.ExtractSessionID(rawBody),
	}

	if acctID, ok := key.IsPinnedToAccount(); ok {
		opts.PinnedAccountID = acctID
		return opts
	}
	if groupID, ok := key.IsPinnedToGroup(); ok {
		opts.PinnedGroupID = groupID
		if s.groups != nil {
			if members, err := s.groups.Members(ctx, groupID); err == nil {
				opts.GroupMembers = members
			}
		}
	}
	return opts
}

// handleNonStreamRequest serves a non-stream client request, consulting
// the response cache first and, per-attempt, honoring a rewriter's
// decision to force an internal stream upstream call for large models
// (spec §4.7), re-aggregated back to plain JSON before it ever reaches
// the client.
func (s *Server) handleNonStreamRequest(r *http.Request, w http.ResponseWriter, admission *authgate.Admission, rawBody []byte, msg incomingMessage, selectOpts scheduler.SelectOptions) {
	cacheFingerprint, _ := respcache.Fingerprint(respcache.FingerprintInput{
		APIKeyID: admission.Key.ID, Model: msg.Model, Messages: msg.Messages, System: msg.System,
		MaxTokens: msg.MaxTokens, Temperature: msg.Temperature, TopP: msg.TopP, TopK: msg.TopK,
		StopSequences: msg.StopSequences,
	})
	if cacheFingerprint != "" {
		if entry, hit, err := s.respCache.Get(r.Context(), cacheFingerprint); err == nil && hit {
			s.reg.CacheHitsTotal.Inc()
			s.bus.Publish(events.Event{Type: events.TypeCacheHit, ApiKeyID: admission.Key.ID, Message: "served from response cache"})
			for k, v := range entry.Headers {
				w.Header().Set(k, v)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(entry.Status)
			_, _ = w.Write(entry.Body)
			return
		}
	}

	// When UpstreamWaitEnabled is set, the upstream call runs on a context
	// detached from the client's connection, bounded by
	// UpstreamWaitNonStream, so a client that hangs
	// up mid-flight doesn't abort a response the cache could still capture
	// and replay (spec §4.11's disconnect-then-cache path).
	attemptCtx := r.Context()
	var cancel context.CancelFunc
	if s.cfg.UpstreamWaitEnabled {
		attemptCtx, cancel = context.WithTimeout(context.Background(), s.cfg.UpstreamWaitNonStream)
		defer cancel()
	}

	var lastStatus int
	var lastBody []byte

	attempt := func(ctx context.Context, acct *accountstore.Account, token string) (retry.Outcome, error) {
		start := time.Now()
		result, err := s.rewriter.Rewrite(rawBody, acct, r.Header)
		if err != nil {
			return retry.Outcome{Classification: retry.Classification{Kind: retry.KindClientProtocol}}, err
		}
		headers := result.Headers
		headers.Set("Authorization", "Bearer "+token)
		if beta := s.rewriter.DeriveBetaHeader(msg.Model); beta != "" {
			headers.Set("anthropic-beta", beta)
		}

		lease, err := s.acquireAccountLease(ctx, acct)
		if err != nil {
			class := retry.ClassifyError(err)
			s.publishRetryEvent(acct, admission.Key.ID, class)
			return retry.Outcome{Classification: class}, err
		}
		defer func() { _ = lease.Release(context.Background()) }()

		client := s.transportMgr.GetClient(acct)

		var status int
		var body []byte
		var respHeaders http.Header
		if result.ForceStream {
			status, body, respHeaders, err = s.runForcedStreamAttempt(ctx, client, headers, result.Body)
		} else {
			var resp *upstream.Response
			resp, err = upstream.DoRequest(ctx, client, s.cfg.ClaudeAPIURL, headers, result.Body, s.cfg.NonStreamTimeout)
			if err == nil {
				status, body, respHeaders = resp.Status, resp.Body, resp.Headers
			}
		}
		s.reg.UpstreamLatency.WithLabelValues(acct.Platform, outcomeLabel(status, err)).Observe(time.Since(start).Seconds())
		if err != nil {
			class := retry.ClassifyError(err)
			s.publishRetryEvent(acct, admission.Key.ID, class)
			return retry.Outcome{Classification: class}, err
		}
		if status != http.StatusOK {
			lastStatus, lastBody = status, body
			class := retry.ClassifyStatus(status, body, r.Context().Err() != nil)
			s.publishRetryEvent(acct, admission.Key.ID, class)
			return retry.Outcome{Classification: class}, fmt.Errorf("upstream status %d", status)
		}

		s.finishNonStreamSuccess(r.Context(), w, admission.Key, acct, msg.Model, status, body, respHeaders, cacheFingerprint, r.Context().Err() != nil)
		return retry.Outcome{Success: true}, nil
	}

	err := s.retryEngine.Run(attemptCtx, selectOpts, s.cfg.MaxRetryAccounts, attempt)
	if err == nil {
		s.reg.RequestsTotal.WithLabelValues("success").Inc()
		return
	}
	s.reg.RequestsTotal.WithLabelValues("failure").Inc()
	if writeSelectionError(w, err) {
		return
	}
	status, body := retry.SanitizeError(lastStatus, lastBody)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// runForcedStreamAttempt drives one internal stream upstream call to
// completion and returns the re-aggregated plain-JSON response, for the
// non-stream path's §4.7 forced-stream case.
func (s *Server) runForcedStreamAttempt(ctx context.Context, client *http.Client, headers http.Header, body []byte) (int, []byte, http.Header, error) {
	handle, err := upstream.DoStreamRequest(ctx, client, s.cfg.ClaudeAPIURL, headers, body)
	if err != nil {
		return 0, nil, nil, err
	}
	defer handle.Close()

	if handle.Status != http.StatusOK {
		return handle.Status, drainStreamEvents(handle), handle.Headers, nil
	}

	agg := aggregator.New()
	monitor := upstream.NewStreamTimeoutMonitor(s.cfg.StreamTotalTimeout, s.cfg.StreamIdleTimeout)
	fired := monitor.Watch()
	defer monitor.Stop()

	for {
		select {
		case reason := <-fired:
			return 0, nil, nil, fmt.Errorf("stream timeout: %s", reason)
		case ev, ok := <-handle.Events:
			if !ok {
				return 0, nil, nil, fmt.Errorf("stream closed unexpectedly")
			}
			if ev.Err != nil {
				return 0, nil, nil, ev.Err
			}
			if ev.Done {
				final := agg.BuildFinalResponse()
				encoded, err := json.Marshal(final)
				if err != nil {
					return 0, nil, nil, err
				}
				return http.StatusOK, encoded, handle.Headers, nil
			}
			monitor.ResetIdle()
			if payload, ok := sseDataPayload(ev.Line); ok {
				_ = agg.Feed([]byte(payload))
			}
		}
	}
}

func (s *Server) finishNonStreamSuccess(ctx context.Context, w http.ResponseWriter, key *apikey.ApiKey, acct *accountstore.Account, model string, status int, body []byte, headers http.Header, cacheFingerprint string, clientDisconnected bool) {
	var final aggregator.FinalResponse
	_ = json.Unmarshal(body, &final)
	if final.Model == "" {
		final.Model = model
	}

	if _, err := s.usageRec.Record(ctx, key, model, final.Usage, acct, time.Now()); err != nil {
		slog.Error("usage record failed", "error", err, "api_key_id", key.ID, "account_id", acct.ID)
	}

	if cacheFingerprint != "" && respcache.ShouldCache(status, clientDisconnected, len(body)) {
		_ = s.respCache.Put(context.Background(), cacheFingerprint, respcache.Entry{
			Status:  status,
			Headers: respcache.HeadersFromHTTP(headers),
			Body:    body,
			Usage:   final.Usage,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// handleStreamRequest serves a streaming client request. Each account
// attempt forwards SSE lines directly once the upstream status is known
// to be 200; a mid-stream failure after bytes were already forwarded
// still rotates to another account and keeps appending to the same
// connection (spec §4.9) rather than aborting it. If every stream attempt
// fails before any bytes were sent, the engine falls back to a single
// non-stream retry loop and replays its result as a synthetic SSE stream.
func (s *Server) handleStreamRequest(r *http.Request, w http.ResponseWriter, admission *authgate.Admission, rawBody []byte, msg incomingMessage, selectOpts scheduler.SelectOptions) {
	flusher, _ := w.(http.Flusher)
	headerWritten := false
	var lastStatus int
	var lastBody []byte

	writeHeaderOnce := func() {
		if headerWritten {
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		headerWritten = true
	}

	streamAttempt := func(ctx context.Context, acct *accountstore.Account, token string) (retry.Outcome, error) {
		start := time.Now()
		result, err := s.rewriter.Rewrite(rawBody, acct, r.Header)
		if err != nil {
			return retry.Outcome{Classification: retry.Classification{Kind: retry.KindClientProtocol}}, err
		}
		headers := result.Headers
		headers.Set("Authorization", "Bearer "+token)
		if beta := s.rewriter.DeriveBetaHeader(msg.Model); beta != "" {
			headers.Set("anthropic-beta", beta)
		}

		lease, err := s.acquireAccountLease(ctx, acct)
		if err != nil {
			class := retry.ClassifyError(err)
			s.publishRetryEvent(acct, admission.Key.ID, class)
			return retry.Outcome{Classification: class}, err
		}
		defer func() { _ = lease.Release(context.Background()) }()

		client := s.transportMgr.GetClient(acct)

		handle, err := upstream.DoStreamRequest(ctx, client, s.cfg.ClaudeAPIURL, headers, result.Body)
		if err != nil {
			s.reg.UpstreamLatency.WithLabelValues(acct.Platform, "error").Observe(time.Since(start).Seconds())
			class := retry.ClassifyError(err)
			s.publishRetryEvent(acct, admission.Key.ID, class)
			return retry.Outcome{Classification: class}, err
		}
		defer handle.Close()

		if handle.Status != http.StatusOK {
			body := drainStreamEvents(handle)
			lastStatus, lastBody = handle.Status, body
			s.reg.UpstreamLatency.WithLabelValues(acct.Platform, "error").Observe(time.Since(start).Seconds())
			class := retry.ClassifyStatus(handle.Status, body, ctx.Err() != nil)
			s.publishRetryEvent(acct, admission.Key.ID, class)
			return retry.Outcome{Classification: class}, fmt.Errorf("upstream status %d", handle.Status)
		}

		writeHeaderOnce()

		agg := aggregator.New()
		monitor := upstream.NewStreamTimeoutMonitor(s.cfg.StreamTotalTimeout, s.cfg.StreamIdleTimeout)
		fired := monitor.Watch()
		defer monitor.Stop()

		refresh := time.NewTicker(leaseRefreshInterval)
		defer refresh.Stop()

		for {
			select {
			case <-refresh.C:
				_, _ = lease.Refresh(context.Background(), accountLeaseTimeout)
			case reason := <-fired:
				s.reg.UpstreamLatency.WithLabelValues(acct.Platform, "timeout").Observe(time.Since(start).Seconds())
				return retry.Outcome{Classification: retry.ClassifyTimeoutReason(reason)}, fmt.Errorf("stream timeout: %s", reason)
			case ev, ok := <-handle.Events:
				if !ok {
					return retry.Outcome{Classification: retry.Classification{Kind: retry.KindTransient5xx, Retryable: true}}, fmt.Errorf("stream closed unexpectedly")
				}
				if ev.Err != nil {
					return retry.Outcome{Classification: retry.ClassifyError(ev.Err)}, ev.Err
				}
				if ev.Done {
					s.reg.UpstreamLatency.WithLabelValues(acct.Platform, "success").Observe(time.Since(start).Seconds())
					final := agg.BuildFinalResponse()
					if _, err := s.usageRec.Record(r.Context(), admission.Key, msg.Model, final.Usage, acct, time.Now()); err != nil {
						slog.Error("usage record failed", "error", err, "api_key_id", admission.Key.ID, "account_id", acct.ID)
					}
					return retry.Outcome{Success: true}, nil
				}
				monitor.ResetIdle()
				fmt.Fprintf(w, "%s\n", ev.Line)
				if ev.Line == "" && flusher != nil {
					flusher.Flush()
				}
				if payload, ok := sseDataPayload(ev.Line); ok {
					_ = agg.Feed([]byte(payload))
				}
			}
		}
	}

	err := s.retryEngine.Run(r.Context(), selectOpts, s.cfg.MaxRetryAccounts, streamAttempt)
	if err == nil {
		s.reg.RequestsTotal.WithLabelValues("success").Inc()
		return
	}

	if headerWritten {
		s.reg.RequestsTotal.WithLabelValues("failure").Inc()
		fmt.Fprint(w, retry.SanitizeSSEError(lastStatus, lastBody))
		if flusher != nil {
			flusher.Flush()
		}
		return
	}

	s.runNonStreamFallback(r, w, admission, rawBody, msg, selectOpts, lastStatus, lastBody, writeHeaderOnce, flusher)
}

// runNonStreamFallback implements spec §4.9's last resort: every stream
// attempt failed before a single byte reached the client, so one more
// retry loop runs over non-stream upstream calls; success is replayed as
// a synthetic SSE stream, failure is reported as the original stream
// error would have been.
func (s *Server) runNonStreamFallback(r *http.Request, w http.ResponseWriter, admission *authgate.Admission, rawBody []byte, msg incomingMessage, selectOpts scheduler.SelectOptions, lastStatus int, lastBody []byte, writeHeaderOnce func(), flusher http.Flusher) {
	var fallbackFinal aggregator.FinalResponse
	var fallbackAcct *accountstore.Account

	attempt := func(ctx context.Context, acct *accountstore.Account, token string) (retry.Outcome, error) {
		result, err := s.rewriter.Rewrite(rawBody, acct, r.Header)
		if err != nil {
			return retry.Outcome{Classification: retry.Classification{Kind: retry.KindClientProtocol}}, err
		}
		headers := result.Headers
		headers.Set("Authorization", "Bearer "+token)
		if beta := s.rewriter.DeriveBetaHeader(msg.Model); beta != "" {
			headers.Set("anthropic-beta", beta)
		}

		lease, err := s.acquireAccountLease(ctx, acct)
		if err != nil {
			class := retry.ClassifyError(err)
			s.publishRetryEvent(acct, admission.Key.ID, class)
			return retry.Outcome{Classification: class}, err
		}
		defer func() { _ = lease.Release(context.Background()) }()

		client := s.transportMgr.GetClient(acct)

		resp, err := upstream.DoRequest(ctx, client, s.cfg.ClaudeAPIURL, headers, result.Body, s.cfg.NonStreamTimeout)
		if err != nil {
			class := retry.ClassifyError(err)
			s.publishRetryEvent(acct, admission.Key.ID, class)
			return retry.Outcome{Classification: class}, err
		}
		if resp.Status != http.StatusOK {
			lastStatus, lastBody = resp.Status, resp.Body
			return retry.Outcome{Classification: retry.ClassifyStatus(resp.Status, resp.Body, ctx.Err() != nil)}, fmt.Errorf("upstream status %d", resp.Status)
		}

		var final aggregator.FinalResponse
		_ = json.Unmarshal(resp.Body, &final)
		fallbackFinal, fallbackAcct = final, acct
		return retry.Outcome{Success: true}, nil
	}

	err := s.retryEngine.Run(r.Context(), selectOpts, s.cfg.MaxRetryAccounts, attempt)
	if err != nil {
		s.reg.RequestsTotal.WithLabelValues("failure").Inc()
		if writeSelectionError(w, err) {
			return
		}
		writeHeaderOnce()
		fmt.Fprint(w, retry.SanitizeSSEError(lastStatus, lastBody))
		if flusher != nil {
			flusher.Flush()
		}
		return
	}

	s.reg.RequestsTotal.WithLabelValues("success").Inc()
	writeHeaderOnce()
	_ = aggregator.ConvertJSONToSSEStream(w, fallbackFinal)
	if flusher != nil {
		flusher.Flush()
	}
	if _, err := s.usageRec.Record(r.Context(), admission.Key, msg.Model, fallbackFinal.Usage, fallbackAcct, time.Now()); err != nil {
		slog.Error("usage record failed", "error", err, "api_key_id", admission.Key.ID, "account_id", fallbackAcct.ID)
	}
}

func outcomeLabel(status int, err error) string {
	if err != nil {
		return "error"
	}
	if status == http.StatusOK {
		return "success"
	}
	return "failure"
}

// publishRetryEvent notifies the event bus that acct failed an attempt and
// the retry loop is about to move on, for the admin/health surface's
// recent-activity feed.
func (s *Server) publishRetryEvent(acct *accountstore.Account, apiKeyID string, class retry.Classification) {
	s.bus.Publish(events.Event{
		Type:      events.TypeRetry,
		AccountID: acct.ID,
		ApiKeyID:  apiKeyID,
		Message:   fmt.Sprintf("attempt failed: %s", class.Kind),
	})
	if class.Kind == retry.KindProxy {
		s.bus.Publish(events.Event{Type: events.TypeProxyFailure, AccountID: acct.ID, Message: "proxy dial failed"})
	}
}

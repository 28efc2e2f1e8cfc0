package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/relaymesh/ccgate/internal/concurrency"
)

const concurrencyKeyPrefix = "concurrency:"

// handleHealth reports a coarse process health status derived from the
// account store and the concurrency sweeper's own findings — there is no
// separate liveness probe beyond "can we still talk to Redis and does
// the concurrency state look sane" (spec §6).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := map[string]any{}

	if _, err := s.accounts.ListAccounts(r.Context(), defaultPlatform); err != nil {
		status = "unhealthy"
		components["store"] = map[string]string{"status": "unhealthy", "error": err.Error()}
	} else {
		components["store"] = map[string]string{"status": "healthy"}
	}

	keys, err := s.conc.Keys(r.Context(), concurrencyKeyPrefix)
	if err != nil {
		status = "unhealthy"
		components["concurrency"] = map[string]string{"status": "unhealthy", "error": err.Error()}
	} else {
		stale, err := s.conc.GetStaleRecords(r.Context(), keys, s.cfg.StaleAfter)
		if err != nil {
			status = "unhealthy"
			components["concurrency"] = map[string]string{"status": "unhealthy", "error": err.Error()}
		} else {
			summary := summarizeStale(stale)
			if summary.AffectedKeys > 0 && status == "healthy" {
				status = "warning"
			}
			if summary.AffectedKeys > 0 && summary.OldestAgeMinutes > 30 {
				status = "degraded"
			}
			components["concurrency"] = summary
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     status,
		"components": components,
	})
}

type staleSummary struct {
	StaleRecords     int `json:"staleRecords"`
	AffectedKeys     int `json:"affectedKeys"`
	OldestAgeMinutes int `json:"oldestAgeMinutes"`
}

func summarizeStale(records []concurrency.StaleRecord) staleSummary {
	keys := map[string]bool{}
	oldest := 0
	now := time.Now()
	for _, rec := range records {
		keys[rec.Key] = true
		age := int(now.Sub(rec.ExpireAt).Minutes())
		if age > oldest {
			oldest = age
		}
	}
	return staleSummary{StaleRecords: len(records), AffectedKeys: len(keys), OldestAgeMinutes: oldest}
}

// handleConcurrencyAll lists every live concurrency scope and its current
// lease count, for operator inspection.
func (s *Server) handleConcurrencyAll(w http.ResponseWriter, r *http.Request) {
	keys, err := s.conc.Keys(r.Context(), concurrencyKeyPrefix)
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, "api_error", "failed to list concurrency keys")
		return
	}
	out := make(map[string]int64, len(keys))
	for _, key := range keys {
		count, err := s.conc.Count(r.Context(), key)
		if err != nil {
			continue
		}
		out[key] = count
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"scopes": out})
}

// handleConcurrencyStale lists leases older than maxAgeMinutes (default
// s.cfg.StaleAfter) that should have been released or trimmed but weren't.
func (s *Server) handleConcurrencyStale(w http.ResponseWriter, r *http.Request) {
	maxAge := s.cfg.StaleAfter
	if raw := r.URL.Query().Get("maxAgeMinutes"); raw != "" {
		if minutes, err := strconv.Atoi(raw); err == nil && minutes > 0 {
			maxAge = time.Duration(minutes) * time.Minute
		}
	}

	keys, err := s.conc.Keys(r.Context(), concurrencyKeyPrefix)
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, "api_error", "failed to list concurrency keys")
		return
	}
	stale, err := s.conc.GetStaleRecords(r.Context(), keys, maxAge)
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, "api_error", "failed to inspect stale leases")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"staleRecords": stale})
}

// handleForceCleanup trims every expired lease member across every
// concurrency scope and reports how many were removed, per key.
func (s *Server) handleForceCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.conc.CleanupAll(r.Context(), concurrencyKeyPrefix)
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, "api_error", "force cleanup failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"removed": removed})
}

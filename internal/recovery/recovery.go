// Package recovery implements accountstore.RecoveryScheduler: a
// timer-per-account-key scheduler that transitions an auto-recovery
// status (rate_limited, overloaded, temp_error) back to active once its
// cooldown elapses. unauthorized and blocked are manual recovery and
// never reach Schedule with a non-zero ttl — see accountstore.MarkStatus.
package recovery

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/relaymesh/ccgate/internal/accountstore"
)

// Scheduler holds one outstanding timer per account key. A later Schedule
// call for the same key replaces the earlier timer rather than stacking
// two recoveries, since only the most recent cooldown reflects the
// account's true state.
type Scheduler struct {
	accounts *accountstore.Store

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func New(accounts *accountstore.Store) *Scheduler {
	return &Scheduler{accounts: accounts, timers: make(map[string]*time.Timer)}
}

// Schedule arranges for accountKey (the literal "account:{platform}:{id}"
// hash key) to transition back to active after the given delay.
func (s *Scheduler) Schedule(accountKey string, after time.Duration) {
	platform, id, ok := splitAccountKey(accountKey)
	if !ok {
		slog.Warn("recovery: malformed account key, skipping", "key", accountKey)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.timers[accountKey]; ok {
		existing.Stop()
	}
	s.timers[accountKey] = time.AfterFunc(after, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.accounts.MarkStatus(ctx, platform, id, accountstore.StatusActive, "", 0); err != nil {
			slog.Error("recovery: auto-recovery failed", "account_id", id, "platform", platform, "error", err)
			return
		}
		slog.Info("recovery: account auto-recovered to active", "account_id", id, "platform", platform)

		s.mu.Lock()
		delete(s.timers, accountKey)
		s.mu.Unlock()
	})
}

// splitAccountKey parses "account:{platform}:{id}" back into its parts.
// Platform names never contain ":", so a 3-way split is unambiguous.
func splitAccountKey(key string) (platform, id string, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] != "account" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

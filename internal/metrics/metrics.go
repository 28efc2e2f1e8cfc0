// Package metrics exposes the relay's Prometheus instrumentation: request
// outcomes, retry reasons, per-account status, and per-account concurrency
// occupancy. Nothing in the request pipeline reads these back — they are
// write-only from the pipeline's perspective and read by the /metrics
// endpoint alone.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every collector the relay registers, so main only
// needs to construct and register one value.
type Registry struct {
	RequestsTotal     *prometheus.CounterVec
	RetriesTotal      *prometheus.CounterVec
	AccountStatus     *prometheus.GaugeVec
	ConcurrencyInUse  *prometheus.GaugeVec
	UpstreamLatency   *prometheus.HistogramVec
	CacheHitsTotal    prometheus.Counter
	QuotaRejections   *prometheus.CounterVec
}

// New builds a Registry and registers every collector against reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "requests_total",
			Help:      "Completed relay requests by outcome.",
		}, []string{"outcome"}),

		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "retries_total",
			Help:      "Retry-engine account-exclusion events by classification reason.",
		}, []string{"reason"}),

		AccountStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "account_status",
			Help:      "1 if the account is currently in the given status, 0 otherwise.",
		}, []string{"account_id", "status"}),

		ConcurrencyInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "concurrency_inuse",
			Help:      "Live concurrency leases held, by account.",
		}, []string{"account_id"}),

		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "upstream_attempt_duration_seconds",
			Help:      "Duration of a single upstream attempt (one account, one try).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"platform", "outcome"}),

		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "response_cache_hits_total",
			Help:      "Non-stream requests served from the response cache.",
		}),

		QuotaRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "quota_rejections_total",
			Help:      "Requests rejected by the auth gate, by limit kind.",
		}, []string{"limit"}),
	}

	reg.MustRegister(
		r.RequestsTotal,
		r.RetriesTotal,
		r.AccountStatus,
		r.ConcurrencyInUse,
		r.UpstreamLatency,
		r.CacheHitsTotal,
		r.QuotaRejections,
	)
	return r
}

// SetAccountStatus records acct's current status as the only "1" among
// its status labels, per the relay's finite account-status enum; call
// sites pass the full set of possible statuses so stale gauges from a
// prior status don't linger at 1.
func (r *Registry) SetAccountStatus(accountID, current string, allStatuses []string) {
	for _, s := range allStatuses {
		v := 0.0
		if s == current {
			v = 1.0
		}
		r.AccountStatus.WithLabelValues(accountID, s).Set(v)
	}
}

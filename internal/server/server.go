// Package server wires every component into the relay's HTTP surface
// (POST /v1/messages, the concurrency-inspection admin endpoints, health,
// and metrics) and owns the process's background goroutines.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaymesh/ccgate/internal/account"
	"github.com/relaymesh/ccgate/internal/accountstore"
	"github.com/relaymesh/ccgate/internal/apikey"
	"github.com/relaymesh/ccgate/internal/authgate"
	"github.com/relaymesh/ccgate/internal/concurrency"
	"github.com/relaymesh/ccgate/internal/config"
	"github.com/relaymesh/ccgate/internal/events"
	"github.com/relaymesh/ccgate/internal/metrics"
	"github.com/relaymesh/ccgate/internal/respcache"
	"github.com/relaymesh/ccgate/internal/retry"
	"github.com/relaymesh/ccgate/internal/rewrite"
	"github.com/relaymesh/ccgate/internal/transport"
	"github.com/relaymesh/ccgate/internal/usage"
)

// defaultPlatform is the only upstream platform this relay currently
// schedules against. ApiKey carries no platform field of its own (spec
// §1); a multi-platform deployment would need one before PinnedAccountID
// lookups could span more than one account namespace.
const defaultPlatform = "claude-official"

type Server struct {
	cfg *config.Config

	accounts    *accountstore.Store
	groups      *accountstore.GroupStore
	keys        *apikey.Store
	gate        *authgate.Gate
	rewriter    rewrite.Rewriter
	transportMgr *transport.Manager
	retryEngine *retry.Engine
	usageRec    *usage.Recorder
	respCache   *respcache.Cache
	conc        *concurrency.Manager
	tokens      *account.TokenManager
	bus         *events.Bus
	reg         *metrics.Registry
	promReg     prometheus.Registerer

	httpServer *http.Server
	startedAt  time.Time
}

type Deps struct {
	Cfg          *config.Config
	Accounts     *accountstore.Store
	Groups       *accountstore.GroupStore
	Keys         *apikey.Store
	Gate         *authgate.Gate
	Rewriter     rewrite.Rewriter
	TransportMgr *transport.Manager
	RetryEngine  *retry.Engine
	UsageRec     *usage.Recorder
	RespCache    *respcache.Cache
	Conc         *concurrency.Manager
	Tokens       *account.TokenManager
	Bus          *events.Bus
	Metrics      *metrics.Registry
	PromReg      prometheus.Registerer
}

func New(d Deps) *Server {
	return &Server{
		cfg:          d.Cfg,
		accounts:     d.Accounts,
		groups:       d.Groups,
		keys:         d.Keys,
		gate:         d.Gate,
		rewriter:     d.Rewriter,
		transportMgr: d.TransportMgr,
		retryEngine:  d.RetryEngine,
		usageRec:     d.UsageRec,
		respCache:    d.RespCache,
		conc:         d.Conc,
		tokens:       d.Tokens,
		bus:          d.Bus,
		reg:          d.Metrics,
		promReg:      d.PromReg,
		startedAt:    time.Now(),
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Post("/v1/messages", s.handleMessages)

	r.Get("/health", s.handleHealth)
	r.Get("/admin/concurrency/all", s.handleConcurrencyAll)
	r.Get("/admin/concurrency/stale", s.handleConcurrencyStale)
	r.Post("/admin/concurrency/force-cleanup", s.handleForceCleanup)
	r.Handle("/metrics", promhttp.HandlerFor(s.promRegGatherer(), promhttp.HandlerOpts{}))

	return r
}

// promRegGatherer narrows promReg to the Gatherer promhttp needs; New
// requires the full prometheus.Registerer (for MustRegister by callers
// of metrics.New), but the HTTP handler only ever reads it back.
func (s *Server) promRegGatherer() prometheus.Gatherer {
	if g, ok := s.promReg.(prometheus.Gatherer); ok {
		return g
	}
	return prometheus.DefaultGatherer
}

// Run starts the HTTP server, blocking until the process receives
// SIGINT/SIGTERM, then drains in-flight requests for up to 30s before
// returning.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	go s.transportMgr.RunCleanup(cleanupCtx, 5*time.Minute, 10*time.Minute)
	go s.runConcurrencySweeper(cleanupCtx)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("relay listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case <-sig:
		slog.Info("relay shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// runConcurrencySweeper periodically trims expired lease members from
// every concurrency scope — the self-healing backstop spec §4.4 describes
// for leases whose owning request crashed before releasing.
func (s *Server) runConcurrencySweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.conc.CleanupAll(ctx, "concurrency:"); err != nil {
				slog.Error("concurrency sweep failed", "error", err)
			}
		}
	}
}

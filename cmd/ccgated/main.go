package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaymesh/ccgate/internal/account"
	"github.com/relaymesh/ccgate/internal/accountstore"
	"github.com/relaymesh/ccgate/internal/apikey"
	"github.com/relaymesh/ccgate/internal/authgate"
	"github.com/relaymesh/ccgate/internal/concurrency"
	"github.com/relaymesh/ccgate/internal/config"
	"github.com/relaymesh/ccgate/internal/costledger"
	"github.com/relaymesh/ccgate/internal/events"
	"github.com/relaymesh/ccgate/internal/kvstore"
	"github.com/relaymesh/ccgate/internal/metrics"
	"github.com/relaymesh/ccgate/internal/recovery"
	"github.com/relaymesh/ccgate/internal/respcache"
	"github.com/relaymesh/ccgate/internal/retry"
	"github.com/relaymesh/ccgate/internal/rewrite"
	"github.com/relaymesh/ccgate/internal/scheduler"
	"github.com/relaymesh/ccgate/internal/server"
	"github.com/relaymesh/ccgate/internal/session"
	"github.com/relaymesh/ccgate/internal/transport"
	"github.com/relaymesh/ccgate/internal/usage"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("ccgate starting", "version", version)

	kv, err := kvstore.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		slog.Error("redis connect failed", "error", err)
		os.Exit(1)
	}
	defer kv.Close()
	slog.Info("redis connected", "addr", cfg.RedisAddr)

	crypto, err := account.DeriveKey(cfg.EncryptionKey, "ccgate-account-credentials")
	if err != nil {
		slog.Error("key derivation failed", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus(200)

	accounts := accountstore.New(kv, nil)
	accounts.SetRecovery(recovery.New(accounts))

	groups := accountstore.NewGroupStore(kv)
	keys := apikey.New(kv)
	conc := concurrency.New(kv)
	ledger := costledger.New(kv)

	mapper := session.NewMapper(kv)
	waitGuard := session.NewWaitForSlotGuard(mapper, cfg.StickyPollIntervalMs, cfg.StickyMaxWaitMs)
	sched := scheduler.New(accounts, conc, mapper, waitGuard, cfg.StickyTTL)

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	tokens := account.NewTokenManager(kv, crypto, accounts, httpClient, cfg.OAuthTokenURL, cfg.OAuthClientID)

	rewriter := rewrite.NewClaudeRewriter(cfg.ClaudeAPIVersion, cfg.ClaudeBetaHeader, "ccgate/"+version)

	transportMgr := transport.NewManager(cfg.RequestTimeout)
	defer transportMgr.Close()

	retryEngine := retry.New(sched, accounts, tokens, retry.Thresholds{
		ErrorWindow:            cfg.ErrorWindow,
		ErrorThreshold:         cfg.ErrorThreshold,
		TempErrorCooldown:      cfg.TempErrorCooldown,
		OverloadCooldown:       cfg.OverloadCooldown,
		RateLimitCooldown:      cfg.RateLimitCooldown,
		StreamTimeoutWindow:    cfg.StreamTimeoutWindow,
		StreamTimeoutThreshold: cfg.StreamTimeoutThreshold,
	})

	usageRec := usage.New(ledger)
	gate := authgate.New(keys, conc, ledger, kv)
	respCache := respcache.New(kv, cfg.ResponseCacheTTL)

	promReg := prometheus.NewRegistry()
	reg := metrics.New(promReg)

	srv := server.New(server.Deps{
		Cfg:          cfg,
		Accounts:     accounts,
		Groups:       groups,
		Keys:         keys,
		Gate:         gate,
		Rewriter:     rewriter,
		TransportMgr: transportMgr,
		RetryEngine:  retryEngine,
		UsageRec:     usageRec,
		RespCache:    respCache,
		Conc:         conc,
		Tokens:       tokens,
		Bus:          bus,
		Metrics:      reg,
		PromReg:      promReg,
	})

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tokligence/credit-ledger/internal/audit"
	"github.com/tokligence/credit-ledger/internal/cache"
	"github.com/tokligence/credit-ledger/internal/config"
	"github.com/tokligence/credit-ledger/internal/credits"
	"github.com/tokligence/credit-ledger/internal/health"
	"github.com/tokligence/credit-ledger/internal/httpserver"
	"github.com/tokligence/credit-ledger/internal/ledger"
	ledgerpg "github.com/tokligence/credit-ledger/internal/ledger/postgres"
	ledgersql "github.com/tokligence/credit-ledger/internal/ledger/sqlite"
	"github.com/tokligence/credit-ledger/internal/logging"
	"github.com/tokligence/credit-ledger/internal/metrics"
	"github.com/tokligence/credit-ledger/internal/pricing"
	"github.com/tokligence/credit-ledger/internal/provider"
	"github.com/tokligence/credit-ledger/internal/ratelimit"
	"github.com/tokligence/credit-ledger/internal/retry"
	"github.com/tokligence/credit-ledger/internal/version"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Rotating file logging, mirrored to stdout for foreground runs.
	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	if logTarget := strings.TrimSpace(cfg.LogFile); logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[creditd] ")
		defer rot.Close()
	}

	log.Printf("creditd %s", version.FullInfo())

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open ledger store: %v", err)
	}
	defer store.Close()
	log.Printf("ledger store ready backend=%s", cfg.StoreBackend)

	ttlCache := cache.New(cfg.CacheSweepInterval)
	defer ttlCache.Close()

	collector := metrics.NewCollector()
	limiter := ratelimit.New(ratelimit.Config{
		WindowLimit:   cfg.WindowLimit,
		Window:        cfg.Window,
		PacingDelay:   cfg.PacingDelay,
		MaxQueueDepth: cfg.MaxQueueDepth,
		OnWait:        collector.RecordLimiterWait,
	})
	defer limiter.Close()

	var cost pricing.CostFunc
	if table, err := pricing.Load(cfg.PricingPath); err != nil {
		log.Printf("pricing table unavailable (%v); usage charging disabled", err)
	} else {
		cost = table.Cost
		log.Printf("pricing table loaded path=%s models=%d", cfg.PricingPath, len(table.Rates()))
	}

	var legacy credits.LegacySource
	if cfg.ProviderBaseURL != "" {
		client, err := provider.New(cfg.ProviderBaseURL, cfg.ProviderToken, nil)
		if err != nil {
			log.Fatalf("init legacy provider client: %v", err)
		}
		legacy = client
		log.Printf("legacy provider configured url=%s", cfg.ProviderBaseURL)
	}

	svc, err := credits.New(credits.Config{
		Store:   store,
		Cache:   ttlCache,
		Limiter: limiter,
		Retry: retry.Options{
			MaxRetries:    cfg.RetryMaxRetries,
			BaseDelay:     cfg.RetryBaseDelay,
			MaxDelay:      cfg.RetryMaxDelay,
			MaxJitter:     cfg.RetryMaxJitter,
			BackoffFactor: 2,
		},
		Cost:                cost,
		Metrics:             collector,
		Legacy:              legacy,
		WelcomeBonusCents:   cfg.WelcomeBonusCents,
		DefaultBalanceCents: cfg.DefaultBalanceCents,
		BalanceTTL:          cfg.BalanceTTL,
		HistoryTTL:          cfg.HistoryTTL,
		KeyTTL:              cfg.KeyTTL,
	})
	if err != nil {
		log.Fatalf("init credit service: %v", err)
	}

	auditor := audit.New(store, collector)
	if cfg.AuditInterval > 0 {
		go runScheduledAudits(auditor, cfg.AuditInterval)
		log.Printf("scheduled reconciliation every %v", cfg.AuditInterval)
	}

	api := httpserver.New(svc, auditor, collector, cfg.AdminToken)
	api.SetHealthChecker(health.New(store, cfg.ProviderBaseURL))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func openStore(cfg config.Config) (ledger.Store, error) {
	if cfg.StoreBackend == "postgres" {
		return ledgerpg.New(cfg.PostgresDSN,
			cfg.PostgresMaxOpen, cfg.PostgresMaxIdle,
			cfg.PostgresLifetimeMinutes, cfg.PostgresIdleMinutes)
	}
	return ledgersql.New(cfg.LedgerPath)
}

func runScheduledAudits(auditor *audit.Auditor, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		if _, err := auditor.Run(ctx, audit.Options{}); err != nil {
			log.Printf("scheduled audit failed: %v", err)
		}
		cancel()
	}
}

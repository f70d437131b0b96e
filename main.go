package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/omniway/gateway/auth"
	"github.com/omniway/gateway/billing"
	"github.com/omniway/gateway/circuit"
	"github.com/omniway/gateway/config"
	"github.com/omniway/gateway/handler"
	"github.com/omniway/gateway/logger"
	"github.com/omniway/gateway/modelaccess"
	"github.com/omniway/gateway/observability"
	"github.com/omniway/gateway/pricing"
	"github.com/omniway/gateway/provider"
	"github.com/omniway/gateway/proxy"
	"github.com/omniway/gateway/ratelimit"
	"github.com/omniway/gateway/redisstore"
	"github.com/omniway/gateway/refund"
	"github.com/omniway/gateway/router"
	"github.com/omniway/gateway/store"
	"github.com/omniway/gateway/usage"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("omniway gateway starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	rs, err := redisstore.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("redis init failed")
	}
	if err := rs.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("redis ping failed")
	} else {
		log.Info().Msg("redis connected")
	}

	db, err := store.Open(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("database init failed")
	}

	registry := provider.NewRegistry()
	connPool := provider.DefaultConnectionPool()
	registerProviders(cfg, registry, connPool, log)

	// --- Admission pipeline components (spec §2, §4) ---
	authz := auth.New(rs.Client, db, cfg, log)
	limiter := ratelimit.New(rs.Client, cfg, log)
	access := modelaccess.New(rs.Client, db, log)
	pricer := pricing.New(rs.Client, db, log)
	billingEngine := billing.New(rs.Client, db, log, cfg.IdempotencyTTL, cfg.DayTTLSafety)
	refundEngine := refund.New(rs.Client, db, log, cfg.RefundDailyCap, cfg.IdempotencyTTL)
	breaker := circuit.New(rs.Client, log, cfg.CircuitFailureThreshold, cfg.CircuitResetInterval)
	dispatcher := proxy.New(registry, breaker, log, cfg.StreamingTotalTO)

	usagePipe := usage.New(usage.Config{
		BufferSize:    cfg.UsageBufferSize,
		FlushInterval: cfg.UsageFlushInterval,
		WorkerCount:   cfg.UsageWorkerCount,
		MaxRetries:    cfg.UsageMaxRetries,
		RetryBase:     cfg.UsageRetryBase,
		DeadLetterAge: cfg.UsageDeadLetterAge,
	}, db, log)
	usagePipe.Start(context.Background())

	metrics := observability.NewMetrics(log)
	traceExporter := observability.NewLogExporter(log)
	tracer := observability.NewTracer(log, traceExporter, 1.0)

	gw := handler.NewGateway(log, authz, limiter, access, pricer, billingEngine, dispatcher, refundEngine, usagePipe, db, metrics)

	r := router.NewRouter(cfg, log, gw, metrics, tracer)

	healthPoller := provider.NewHealthPoller(registry, log, 30*time.Second)
	healthPoller.OnStatusChange(func(name string, healthy bool, status provider.HealthStatus) {
		metrics.TrackProviderHealth(name, healthy)
		if healthy {
			log.Info().Str("provider", name).Msg("provider recovered")
		} else {
			log.Error().Str("provider", name).Str("error", status.Error).Msg("provider degraded")
		}
	})
	healthPoller.Start()

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.DefaultTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	healthPoller.Stop()
	connPool.Close()
	tracer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}

	usagePipe.Shutdown(shutdownCtx)
	log.Info().Msg("gateway stopped gracefully")
}

func registerProviders(cfg *config.Config, registry *provider.Registry, pool *provider.ConnectionPool, log zerolog.Logger) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		openai := provider.NewOpenAIProvider(provider.ProviderConfig{
			Name:    "openai",
			APIKey:  key,
			Timeout: cfg.ProviderTimeout("openai"),
			Pool:    pool,
		})
		registry.Register(openai)
		log.Info().Msg("registered openai provider")
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		anthropic := provider.NewAnthropicProvider(provider.ProviderConfig{
			Name:    "anthropic",
			APIKey:  key,
			Timeout: cfg.ProviderTimeout("anthropic"),
			Pool:    pool,
		})
		registry.Register(anthropic)
		log.Info().Msg("registered anthropic provider")
	}

	log.Info().Int("providers", len(registry.List())).Msg("provider registration complete")
}

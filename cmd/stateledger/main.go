package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/courtside/stateledger/internal/audit"
	"github.com/courtside/stateledger/internal/observability/metrics"
	"github.com/courtside/stateledger/internal/server"
	"github.com/courtside/stateledger/internal/server/ratelimit"
	"github.com/courtside/stateledger/internal/state"
	"github.com/courtside/stateledger/internal/state/cache"
	"github.com/courtside/stateledger/internal/state/reaper"
	"github.com/courtside/stateledger/internal/state/store"
	"github.com/courtside/stateledger/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		port         = flag.Int("port", 7340, "HTTP server port")
		dbURL        = flag.String("db-url", getEnv("DATABASE_URL", ""), "Database URL (empty runs the in-memory store)")
		redisAddr    = flag.String("redis-addr", getEnv("REDIS_ADDR", ""), "Redis address for the L2 cache (empty disables L2)")
		cacheSize    = flag.Int("cache-size", 4096, "L1 cache entries per state type")
		lockShards   = flag.Int("lock-shards", 64, "Number of per-stream lock shards")
		scanInterval = flag.Duration("reaper-interval", 30*time.Second, "Expiry reaper scan interval")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	printBanner(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var st store.Store
	if *dbURL == "" {
		logger.Warn("no database URL configured, running with in-memory store")
		st = store.NewMemoryStore()
	} else {
		dbpool, err := pgxpool.New(ctx, *dbURL)
		if err != nil {
			return fmt.Errorf("unable to connect to database: %w", err)
		}
		defer dbpool.Close()

		if err := dbpool.Ping(ctx); err != nil {
			return fmt.Errorf("unable to ping database: %w", err)
		}
		logger.Info("connected to database")
		st = store.NewPostgresStore(dbpool)
	}

	var l2 cache.L2
	if *redisAddr != "" {
		redisClient := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{*redisAddr},
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("unable to ping redis: %w", err)
		}
		logger.Info("connected to redis", slog.String("addr", *redisAddr))
		l2 = cache.NewRedisCache(redisClient)
	}

	cacheCfg := cache.DefaultConfig()
	cacheCfg.MaxEntriesPerPartition = *cacheSize
	snapCache, err := cache.New(cacheCfg, l2, logger)
	if err != nil {
		return fmt.Errorf("failed to build snapshot cache: %w", err)
	}

	m := metrics.New()

	auditLog := audit.NewLogger(audit.DefaultConfig(), logger)
	auditLog.AddSink(audit.NewSlogSink(logger))
	defer auditLog.Close()

	stateCfg := state.DefaultConfig()
	stateCfg.LockShards = *lockShards
	manager, err := state.NewManager(st, snapCache, m, auditLog, stateCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build state manager: %w", err)
	}

	reaperCfg := reaper.DefaultConfig()
	reaperCfg.ScanInterval = *scanInterval
	reaperCfg.Logger = logger
	reaperCfg.Metrics = m
	reaperSvc := reaper.NewService(manager, reaperCfg)
	if err := reaperSvc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reaper: %w", err)
	}

	limiter := ratelimit.NewLimiter(ratelimit.DefaultConfig())
	handler := server.NewHTTPHandler(manager, limiter, m.Handler(), logger)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := reaperSvc.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop reaper", slog.String("error", err.Error()))
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", slog.String("error", err.Error()))
		}
		cancel()
	}()

	logger.Info("starting HTTP server", slog.Int("port", *port))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}

	<-ctx.Done()
	logger.Info("state ledger stopped")
	return nil
}

func printBanner(logger *slog.Logger) {
	logger.Info("StateLedger Service",
		slog.String("version", version.Version),
		slog.String("commit", version.GitCommit),
		slog.String("build_time", version.BuildTime),
	)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

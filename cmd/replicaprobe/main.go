// Command replicaprobe serves routing explanations and health probes for a
// main database and its read replica.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	httpserver "github.com/fairyhunter13/db-replica/internal/adapter/httpserver"
	"github.com/fairyhunter13/db-replica/internal/app"
	"github.com/fairyhunter13/db-replica/internal/config"
	"github.com/fairyhunter13/db-replica/internal/observability"
	"github.com/fairyhunter13/db-replica/pkg/replica"
	"github.com/fairyhunter13/db-replica/pkg/replica/pgxprovider"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Infra: DB pools
	mainPool, err := pgxprovider.NewPool(ctx, cfg.MainDBURL, cfg.DBMaxConns)
	if err != nil {
		slog.Error("main db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer mainPool.Close()

	var replicaPool *pgxpool.Pool
	if cfg.ReplicaEnabled() {
		replicaPool, err = pgxprovider.NewPool(ctx, cfg.ReplicaDBURL, cfg.DBMaxConns)
		if err != nil {
			slog.Error("replica db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer replicaPool.Close()
	} else {
		slog.Warn("REPLICA_DB_URL not set; every statement runs on main")
	}

	maxElapsed, initial := cfg.GetAcquireBackoffConfig()
	provider := pgxprovider.New(mainPool, replicaPool,
		pgxprovider.WithBreaker(observability.NewReplicaBreaker(cfg.ReplicaBreakerMaxFailures, cfg.ReplicaBreakerTimeout)),
		pgxprovider.WithAcquireBackoff(maxElapsed, initial),
		pgxprovider.WithLogger(logger),
	)

	consistency, err := app.BuildConsistency(cfg)
	if err != nil {
		slog.Error("consistency setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := consistency.Close(); err != nil {
			slog.Error("failed to close lsn cache", slog.Any("error", err))
		}
	}()
	if consistency.Warm != nil {
		warmLSNCache(ctx, provider, consistency)
	}

	opts := []replica.Option{replica.WithLogger(logger)}
	if cfg.ReplicaFallback {
		opts = append(opts, replica.WithDualCall(replica.FallbackCall{Logger: logger}))
	}
	connect := func() *replica.DualConnection {
		return replica.New(provider, consistency, opts...)
	}

	if cfg.RouteCheckFile != "" {
		if _, err := app.RunRouteCheck(ctx, cfg.RouteCheckFile, connect, logger); err != nil {
			slog.Error("route check failed", slog.Any("error", err))
		}
	}

	// Readiness checks. A nil pool must not become a non-nil Pinger.
	var mainCheck, replicaCheck func(context.Context) error
	if replicaPool != nil {
		mainCheck, replicaCheck = app.BuildReadinessChecks(mainPool, replicaPool)
	} else {
		mainCheck, _ = app.BuildReadinessChecks(mainPool, nil)
	}

	srv := httpserver.NewServer(connect, mainCheck, replicaCheck)
	srv.BreakerStats = provider.Breaker().GetStats
	handler := app.BuildRouter(cfg, srv)

	if replicaPool != nil {
		mon := app.NewLagMonitor(mainPool, replicaPool, cfg.LagMonitorInterval, logger)
		go mon.Run(ctx)
		slog.Info("replica lag monitor started", slog.Duration("interval", cfg.LagMonitorInterval))
	}

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// warmLSNCache records main's current position so reads may use the replica
// before this process writes anything. Failure only delays replica use.
func warmLSNCache(ctx context.Context, provider *pgxprovider.Provider, c *app.Consistency) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := provider.MainConnection(ctx)
	if err != nil {
		slog.Warn("lsn cache warm-up skipped", slog.Any("error", err))
		return
	}
	defer func() { _ = conn.Close(ctx) }()
	if err := c.Warm(ctx, conn); err != nil {
		slog.Warn("lsn cache warm-up failed", slog.Any("error", err))
	}
}

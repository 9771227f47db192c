package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/db-replica/internal/observability"
	"github.com/fairyhunter13/db-replica/pkg/replica/lsn"
)

// RowQuerier is satisfied by *pgxpool.Pool.
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	replayLagSQL = `SELECT COALESCE(EXTRACT(EPOCH FROM now() - pg_last_xact_replay_timestamp()), 0)::float8,
       COALESCE(pg_last_wal_replay_lsn()::text, '')`
	currentLSNSQL = `SELECT pg_current_wal_lsn()::text`
)

// Lag is one replica lag sample.
type Lag struct {
	Seconds float64
	Bytes   int64
}

// LagMonitor periodically samples how far the replica trails main and
// publishes it as Prometheus gauges.
type LagMonitor struct {
	main     RowQuerier
	replica  RowQuerier
	interval time.Duration
	logger   *slog.Logger
}

// NewLagMonitor returns nil when there is no replica to watch.
func NewLagMonitor(main, replica RowQuerier, interval time.Duration, logger *slog.Logger) *LagMonitor {
	if main == nil || replica == nil {
		return nil
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LagMonitor{main: main, replica: replica, interval: interval, logger: logger}
}

// Run samples once immediately and then on every tick until ctx is done.
func (m *LagMonitor) Run(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.observe(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("replica lag monitor stopping")
			return
		case <-ticker.C:
			m.observe(ctx)
		}
	}
}

func (m *LagMonitor) observe(ctx context.Context) {
	lag, err := m.Sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.WarnContext(ctx, "replica lag sample failed", slog.Any("error", err))
		}
		return
	}
	observability.ObserveReplicaLag(lag.Seconds, lag.Bytes)
	m.logger.DebugContext(ctx, "replica lag",
		slog.Float64("seconds", lag.Seconds),
		slog.Int64("bytes", lag.Bytes))
}

// Sample measures the current lag. Byte lag is zero when the replica is not
// replaying WAL, e.g. when main itself is used as the replica.
func (m *LagMonitor) Sample(ctx context.Context) (Lag, error) {
	ctx, span := otel.Tracer("replica.lag").Start(ctx, "LagMonitor.Sample")
	defer span.End()

	var (
		lag    Lag
		replay string
	)
	if err := m.replica.QueryRow(ctx, replayLagSQL).Scan(&lag.Seconds, &replay); err != nil {
		span.RecordError(err)
		return Lag{}, fmt.Errorf("op=lag.replica: %w", err)
	}
	if replay != "" {
		var current string
		if err := m.main.QueryRow(ctx, currentLSNSQL).Scan(&current); err != nil {
			span.RecordError(err)
			return Lag{}, fmt.Errorf("op=lag.main: %w", err)
		}
		lag.Bytes = byteLag(current, replay)
	}
	span.SetAttributes(
		attribute.Float64("replica.lag_seconds", lag.Seconds),
		attribute.Int64("replica.lag_bytes", lag.Bytes),
	)
	return lag, nil
}

func byteLag(current, replay string) int64 {
	c, err := lsn.Parse(current)
	if err != nil {
		return 0
	}
	r, err := lsn.Parse(replay)
	if err != nil || r >= c {
		return 0
	}
	return int64(c - r)
}

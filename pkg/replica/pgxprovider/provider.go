// Package pgxprovider implements replica.ConnectionProvider on top of two
// pgx connection pools.
package pgxprovider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/db-replica/internal/observability"
	"github.com/fairyhunter13/db-replica/pkg/replica"
)

// NewPool creates a traced pgx connection pool from the provided DSN.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("op=pgxprovider.new_pool: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=pgxprovider.new_pool: %w", err)
	}
	return pool, nil
}

type acquireFunc func(ctx context.Context) (replica.Conn, error)

func poolAcquirer(p *pgxpool.Pool) acquireFunc {
	if p == nil {
		return nil
	}
	return func(ctx context.Context) (replica.Conn, error) {
		c, err := p.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return &poolConn{Conn: c}, nil
	}
}

// Option configures a Provider.
type Option func(*Provider)

// WithBreaker sets the breaker guarding the replica. Defaults to a breaker
// opening after 5 failures for 30s.
func WithBreaker(cb *observability.CircuitBreaker) Option {
	return func(p *Provider) {
		if cb != nil {
			p.breaker = cb
		}
	}
}

// WithAcquireBackoff bounds how long acquiring a main connection is retried.
func WithAcquireBackoff(maxElapsed, initial time.Duration) Option {
	return func(p *Provider) {
		p.maxElapsed = maxElapsed
		p.initial = initial
	}
}

func WithLogger(lg *slog.Logger) Option {
	return func(p *Provider) {
		if lg != nil {
			p.logger = lg
		}
	}
}

// Provider hands out pooled connections. Acquiring from main is retried with
// exponential backoff; the replica gets a single attempt, and its failures
// feed a breaker that marks it unavailable while open.
type Provider struct {
	main       acquireFunc
	replica    acquireFunc
	breaker    *observability.CircuitBreaker
	maxElapsed time.Duration
	initial    time.Duration
	logger     *slog.Logger
}

var _ replica.ConnectionProvider = (*Provider)(nil)

// New creates a Provider. replicaPool may be nil when no replica is
// configured; every read then goes to main.
func New(mainPool, replicaPool *pgxpool.Pool, opts ...Option) *Provider {
	return newProvider(poolAcquirer(mainPool), poolAcquirer(replicaPool), opts...)
}

func newProvider(main, replicaFn acquireFunc, opts ...Option) *Provider {
	p := &Provider{
		main:       main,
		replica:    replicaFn,
		breaker:    observability.NewReplicaBreaker(5, 30*time.Second),
		maxElapsed: 5 * time.Second,
		initial:    50 * time.Millisecond,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsReplicaAvailable reports whether a replica is configured and its breaker
// lets calls through.
func (p *Provider) IsReplicaAvailable() bool {
	return p.replica != nil && p.breaker.CanExecute()
}

func (p *Provider) MainConnection(ctx context.Context) (replica.Conn, error) {
	if p.main == nil {
		return nil, fmt.Errorf("op=pgxprovider.main: %w", replica.ErrNoConnection)
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.initial
	expo.MaxElapsedTime = p.maxElapsed
	bo := backoff.WithContext(expo, ctx)

	var conn replica.Conn
	attempt := 0
	op := func() error {
		attempt++
		c, err := p.main(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			p.logger.WarnContext(ctx, "main connection acquire failed",
				slog.Int("attempt", attempt), slog.Any("error", err))
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("op=pgxprovider.main: %w", err)
	}
	return conn, nil
}

func (p *Provider) ReplicaConnection(ctx context.Context) (replica.Conn, error) {
	if p.replica == nil {
		return nil, fmt.Errorf("op=pgxprovider.replica: %w", replica.ErrNoConnection)
	}
	c, err := p.replica(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			p.breaker.RecordFailure()
		}
		return nil, fmt.Errorf("op=pgxprovider.replica: %w", err)
	}
	p.breaker.RecordSuccess()
	return c, nil
}

// Breaker exposes the replica breaker for health reporting.
func (p *Provider) Breaker() *observability.CircuitBreaker { return p.breaker }

// poolConn returns its connection to the pool on Close. Session settings
// applied through it are reset first so they do not leak to the next user.
type poolConn struct {
	*pgxpool.Conn
	dirty bool
}

func (c *poolConn) markDirty(sql string) {
	if replica.IsSet(sql) {
		c.dirty = true
	}
}

func (c *poolConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.markDirty(sql)
	return c.Conn.Exec(ctx, sql, args...)
}

func (c *poolConn) Close(ctx context.Context) error {
	defer c.Conn.Release()
	if !c.dirty {
		return nil
	}
	if _, err := c.Conn.Exec(ctx, "RESET ALL"); err != nil {
		// A connection in an unknown state must not go back to the pool.
		_ = c.Conn.Conn().Close(ctx)
		return fmt.Errorf("op=pgxprovider.release: %w", err)
	}
	return nil
}

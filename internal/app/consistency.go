package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/db-replica/internal/config"
	"github.com/fairyhunter13/db-replica/pkg/replica"
	"github.com/fairyhunter13/db-replica/pkg/replica/lsn"
	"github.com/fairyhunter13/db-replica/pkg/replica/lsncache"
)

// Consistency bundles the configured consistency with the resources it holds.
type Consistency struct {
	replica.Consistency
	// Warm is set for LSN consistency; it seeds the cache from main.
	Warm  func(ctx context.Context, main replica.Conn) error
	close func() error
}

// Close releases cache clients.
func (c *Consistency) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

// BuildConsistency creates the consistency selected by cfg.
func BuildConsistency(cfg config.Config) (*Consistency, error) {
	switch cfg.Consistency {
	case config.ConsistencyPermanent:
		return &Consistency{Consistency: replica.PermanentConsistency{}}, nil
	case config.ConsistencyClock:
		return &Consistency{Consistency: replica.NewClockConsistency(cfg.ClockLag)}, nil
	case config.ConsistencyLSN, "":
	default:
		return nil, fmt.Errorf("op=app.consistency: unknown consistency %q", cfg.Consistency)
	}

	var (
		cache   lsn.Cache
		closeFn func() error
	)
	switch cfg.LSNCache {
	case config.LSNCacheRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("op=app.consistency.redis: %w", err)
		}
		client := redis.NewClient(opts)
		cache = lsncache.NewRedis(client, cfg.LSNCacheKey, cfg.LSNCacheTTL)
		closeFn = client.Close
	case config.LSNCacheMemcached:
		addrs := make([]string, 0, len(cfg.MemcachedAddrs))
		for _, a := range cfg.MemcachedAddrs {
			if a = strings.TrimSpace(a); a != "" {
				addrs = append(addrs, a)
			}
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("op=app.consistency.memcached: no addresses")
		}
		client := memcache.New(addrs...)
		cache = lsncache.NewMemcached(client, cfg.LSNCacheKey, cfg.LSNCacheTTL)
		closeFn = client.Close
	default:
		cache = lsncache.NewMemory()
	}
	slog.Info("lsn consistency configured", slog.String("cache", cfg.LSNCache))
	c := lsn.New(cache)
	return &Consistency{Consistency: c, Warm: c.Warm, close: closeFn}, nil
}

package lsncache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/fairyhunter13/db-replica/internal/observability"
	"github.com/fairyhunter13/db-replica/pkg/replica/lsn"
)

// MemcacheClient is the subset of *memcache.Client used by Memcached.
type MemcacheClient interface {
	Get(key string) (*memcache.Item, error)
	Add(item *memcache.Item) error
	CompareAndSwap(item *memcache.Item) error
}

const (
	maxCASAttempts = 5
	// memcached treats expirations beyond 30 days as Unix timestamps.
	maxRelativeTTL = 30 * 24 * time.Hour
)

// ErrContention is returned when concurrent writers kept winning the CAS race.
var ErrContention = errors.New("lsn cache contention")

// Memcached keeps the last LSN in memcached using compare-and-swap so that
// concurrent writers never move it backwards.
type Memcached struct {
	client MemcacheClient
	key    string
	ttl    time.Duration
}

var _ lsn.Cache = (*Memcached)(nil)

// NewMemcached creates a memcached cache. ttl is rounded down to seconds and
// capped at 30 days.
func NewMemcached(client MemcacheClient, key string, ttl time.Duration) *Memcached {
	return &Memcached{client: client, key: key, ttl: ttl}
}

func (m *Memcached) Get(context.Context) (string, bool, error) {
	item, err := m.client.Get(m.key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		observability.ObserveLSNCache("memcached", "get", nil)
		return "", false, nil
	}
	observability.ObserveLSNCache("memcached", "get", err)
	if err != nil {
		return "", false, fmt.Errorf("op=lsncache.memcached.get: %w", err)
	}
	return string(item.Value), true, nil
}

func (m *Memcached) Put(ctx context.Context, pos string) error {
	if _, err := lsn.Parse(pos); err != nil {
		return err
	}
	err := m.put(ctx, pos)
	observability.ObserveLSNCache("memcached", "put", err)
	return err
}

func (m *Memcached) put(ctx context.Context, pos string) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := m.client.Get(m.key)
		switch {
		case errors.Is(err, memcache.ErrCacheMiss):
			err = m.client.Add(m.item(pos))
			if errors.Is(err, memcache.ErrNotStored) {
				continue
			}
			if err != nil {
				return fmt.Errorf("op=lsncache.memcached.put: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("op=lsncache.memcached.put: %w", err)
		}
		if !lsn.Less(string(item.Value), pos) {
			return nil
		}
		item.Value = []byte(pos)
		item.Expiration = m.expiration()
		err = m.client.CompareAndSwap(item)
		if errors.Is(err, memcache.ErrCASConflict) || errors.Is(err, memcache.ErrCacheMiss) {
			continue
		}
		if err != nil {
			return fmt.Errorf("op=lsncache.memcached.put: %w", err)
		}
		return nil
	}
	return fmt.Errorf("op=lsncache.memcached.put: %w", ErrContention)
}

func (m *Memcached) item(pos string) *memcache.Item {
	return &memcache.Item{Key: m.key, Value: []byte(pos), Expiration: m.expiration()}
}

func (m *Memcached) expiration() int32 {
	if m.ttl <= 0 {
		return 0
	}
	return int32(min(m.ttl, maxRelativeTTL) / time.Second)
}

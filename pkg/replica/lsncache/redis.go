package lsncache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/db-replica/internal/observability"
	"github.com/fairyhunter13/db-replica/pkg/replica/lsn"
)

// putIfNewer stores ARGV[1] unless the key already holds a later LSN. Both
// halves of an LSN fit in 32 bits, so they compare exactly as Lua numbers.
var putIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local ttl = tonumber(ARGV[2])
if cur then
  local ch, cl = string.match(cur, '^(%x+)/(%x+)$')
  local nh, nl = string.match(ARGV[1], '^(%x+)/(%x+)$')
  if ch and nh then
    ch = tonumber(ch, 16)
    cl = tonumber(cl, 16)
    nh = tonumber(nh, 16)
    nl = tonumber(nl, 16)
    if nh < ch or (nh == ch and nl <= cl) then
      if ttl > 0 then
        redis.call('PEXPIRE', KEYS[1], ttl)
      end
      return 0
    end
  end
end
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// Redis keeps the last LSN under a single key shared by every process.
type Redis struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

var _ lsn.Cache = (*Redis)(nil)

// NewRedis creates a Redis cache. A non-positive ttl keeps the key forever.
func NewRedis(client redis.Cmdable, key string, ttl time.Duration) *Redis {
	return &Redis{client: client, key: key, ttl: ttl}
}

func (r *Redis) Get(ctx context.Context) (string, bool, error) {
	v, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		observability.ObserveLSNCache("redis", "get", nil)
		return "", false, nil
	}
	observability.ObserveLSNCache("redis", "get", err)
	if err != nil {
		return "", false, fmt.Errorf("op=lsncache.redis.get: %w", err)
	}
	return v, true, nil
}

func (r *Redis) Put(ctx context.Context, pos string) error {
	if _, err := lsn.Parse(pos); err != nil {
		return err
	}
	err := putIfNewer.Run(ctx, r.client, []string{r.key}, pos, r.ttl.Milliseconds()).Err()
	observability.ObserveLSNCache("redis", "put", err)
	if err != nil {
		return fmt.Errorf("op=lsncache.redis.put: %w", err)
	}
	return nil
}

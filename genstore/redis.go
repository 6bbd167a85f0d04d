package genstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares generations between nodes and survives restarts. With a TTL,
// an expired generation reads as 0 and the frames written under it self-heal.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	owned  bool
}

var _ GenStore = (*Redis)(nil)

type RedisConfig struct {
	Client redis.UniversalClient
	Prefix string        // default "nuster:gen:"
	TTL    time.Duration // 0 => keys never expire
	// CloseClient closes Client on Close.
	CloseClient bool
}

func NewRedis(cfg RedisConfig) *Redis {
	p := cfg.Prefix
	if p == "" {
		p = "nuster:gen:"
	}
	return &Redis{rdb: cfg.Client, prefix: p, ttl: cfg.TTL, owned: cfg.CloseClient}
}

func (s *Redis) Snapshot(ctx context.Context, k string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.prefix+k).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	u, err := strconv.ParseUint(res, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("genstore: parse %q: %w", k, err)
	}
	return u, nil
}

// Bump pipelines INCR and EXPIRE when a TTL is configured.
func (s *Redis) Bump(ctx context.Context, k string) (uint64, error) {
	key := s.prefix + k
	if s.ttl <= 0 {
		return s.rdb.Incr(ctx, key).Uint64()
	}
	var incr *redis.IntCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uint64(incr.Val()), nil
}

func (s *Redis) Cleanup(time.Duration) {}

func (s *Redis) Close(context.Context) error {
	if !s.owned {
		return nil
	}
	if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

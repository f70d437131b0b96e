// Package redisstore wraps the hot-state Redis client and the
// load-by-content-hash / NOSCRIPT-fallback idiom used by every atomic
// scripted transaction in this gateway (rate limiting, concurrency slots,
// billing, refunds, circuit breaker).
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/omniway/gateway/config"
	"github.com/redis/go-redis/v9"
)

// Store is the hot-state client. It is safe for concurrent use.
type Store struct {
	Client *redis.Client
}

// New creates a hot-state client from the provided config.
func New(cfg *config.Config) (*Store, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	c := redis.NewClient(opt)
	return &Store{Client: c}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.Client.Close()
}

// Script wraps a redis.Script and retries once on NOSCRIPT by reloading it
// from source, per spec §9 ("load them by content hash and fall back to
// inline execution on NOSCRIPT").
type Script struct {
	script *redis.Script
}

// NewScript pre-compiles the given Lua source. The script is loaded lazily
// (go-redis computes and caches the SHA up front); the first EVALSHA against
// a server that has never seen it falls through to EVAL automatically via
// Run, and on a cache-flushed server a NOSCRIPT from EvalSha is retried with
// Eval below.
func NewScript(src string) *Script {
	return &Script{script: redis.NewScript(src)}
}

// Run executes the script, retrying with a plain EVAL if the server reports
// NOSCRIPT (e.g. after a Redis-side SCRIPT FLUSH).
func (s *Script) Run(ctx context.Context, c redis.Scripter, keys []string, args ...interface{}) (interface{}, error) {
	res, err := s.script.EvalSha(ctx, c, keys, args...).Result()
	if err != nil && isNoScript(err) {
		res, err = s.script.Eval(ctx, c, keys, args...).Result()
	}
	return res, err
}

func isNoScript(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return len(s) >= 8 && s[:8] == "NOSCRIPT"
}

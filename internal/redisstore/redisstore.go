// Package redisstore keeps quota buckets in Redis. Each bucket is one integer
// key; conditional increments run as a Lua script so the check and the write
// are a single atomic step on the server.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"eversaid-wrapper/internal/quota"
)

// Config for the Redis-backed quota store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Password for AUTH, empty when unset. ENV: REDIS_PASSWORD
	Password string `env:"REDIS_PASSWORD"`
	// DB index. ENV: REDIS_DB
	DB int `env:"REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: QUOTA_REDIS_PREFIX
	KeyPrefix string `env:"QUOTA_REDIS_PREFIX,default=eversaid:quota:"`
	// TTL applied when a bucket is first written. ENV: QUOTA_REDIS_TTL
	TTL time.Duration `env:"QUOTA_REDIS_TTL,default=48h"`
}

type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cl.Ping(pingCtx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "eversaid:quota:"
	}
	return &Store{client: cl, keyPrefix: prefix, ttl: cfg.TTL}, nil
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, err
	}
	return cfg, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) key(b quota.Bucket) string {
	return s.keyPrefix + string(b.Tier) + ":" + string(b.Action) + ":" + b.Day + ":" + b.Key
}

var incrementScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local used = tonumber(redis.call('GET', key) or '0')
if used >= limit then
  return {0, used}
end
used = redis.call('INCR', key)
if ttl > 0 and used == 1 then
  redis.call('EXPIRE', key, ttl)
end
return {1, used}
`)

var decrementScript = redis.NewScript(`
local key = KEYS[1]
local used = tonumber(redis.call('GET', key) or '0')
if used > 0 then
  return redis.call('DECR', key)
end
return 0
`)

func (s *Store) IncrementIfAllowed(ctx context.Context, b quota.Bucket, limit int) (bool, int, error) {
	if limit <= 0 {
		count, err := s.Peek(ctx, b)
		return false, count, err
	}
	res, err := incrementScript.Run(ctx, s.client, []string{s.key(b)}, limit, int64(s.ttl/time.Second)).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected increment reply %v", res)
	}
	return res[0] == 1, int(res[1]), nil
}

func (s *Store) Peek(ctx context.Context, b quota.Bucket) (int, error) {
	raw, err := s.client.Get(ctx, s.key(b)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("bucket %s holds non-integer %q", s.key(b), raw)
	}
	return n, nil
}

func (s *Store) Decrement(ctx context.Context, b quota.Bucket) error {
	return decrementScript.Run(ctx, s.client, []string{s.key(b)}).Err()
}

var _ quota.Store = (*Store)(nil)

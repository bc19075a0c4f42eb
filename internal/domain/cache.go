package domain

import (
	"context"
	"time"
)

// Cache stores opaque values under tenant-scoped keys. A miss is
// (nil, nil); the same key under two tenants never collides.
type Cache interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores value; a zero ttl means no expiry.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, tenantID string, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and sizes the cache backing repeated-run lookups.
type CacheConfig struct {
	// "memory" or "redis"
	Type string `yaml:"type" json:"type" env:"CHAINGUARD_CACHE" env-default:"memory"`

	LocalMaxSize int           `yaml:"localMaxSize" json:"localMaxSize" env:"CHAINGUARD_CACHE_SIZE" env-default:"1000"`
	LocalTTL     time.Duration `yaml:"localTtl" json:"localTtl" env:"CHAINGUARD_CACHE_TTL" env-default:"5m"`

	// RedisAddr is host:port or a redis:// URL.
	RedisAddr     string `yaml:"redisAddr" json:"redisAddr" env:"CHAINGUARD_REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword string `yaml:"redisPassword" json:"-" env:"CHAINGUARD_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redisDb" json:"redisDb" env:"CHAINGUARD_REDIS_DB" env-default:"0"`

	// TwoPhase puts the local LRU in front of Redis.
	TwoPhase bool `yaml:"twoPhase" json:"twoPhase" env:"CHAINGUARD_CACHE_TWO_PHASE" env-default:"false"`

	ResultTTL time.Duration `yaml:"resultTtl" json:"resultTtl" env:"CHAINGUARD_RESULT_TTL" env-default:"1h"`
}

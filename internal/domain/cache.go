package domain

import (
	"context"
	"time"
)

// Cache backs transaction read-through and rate-limit counters. Keys are
// always scoped to a user, and a miss is (nil, nil) rather than an error.
type Cache interface {
	Get(ctx context.Context, userID string, key string) ([]byte, error)

	// Set stores value for ttl. A non-positive ttl never expires.
	Set(ctx context.Context, userID string, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, userID string, key string) error

	GetTransaction(ctx context.Context, userID string, txID string) (*Transaction, error)
	SetTransaction(ctx context.Context, userID string, tx *Transaction, ttl time.Duration) error

	// IncrementCounter bumps a fixed-window counter and returns its new value.
	// The window starts on the first increment.
	IncrementCounter(ctx context.Context, userID string, key string, window time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and sizes the cache.
type CacheConfig struct {
	// Type is "memory" or "redis".
	Type string `koanf:"type"`

	LocalMaxSize int           `koanf:"local_max_size"`
	LocalTTL     time.Duration `koanf:"local_ttl"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	// EnableTwoPhase fronts Redis with the local LRU.
	EnableTwoPhase bool `koanf:"two_phase"`

	// TransactionTTL bounds how long GET /transactions/{id} responses are cached.
	TransactionTTL time.Duration `koanf:"transaction_ttl"`
}

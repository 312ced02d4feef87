package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/spendguard/internal/domain"
)

// ErrUserRequired is returned when a cache call has no user scope.
var ErrUserRequired = errors.New("userID is required")

// byteStore is the raw key/value surface every tier provides.
type byteStore interface {
	Get(ctx context.Context, userID string, key string) ([]byte, error)
	Set(ctx context.Context, userID string, key string, value []byte, ttl time.Duration) error
}

func scopedKey(userID, key string) string {
	return userID + ":" + key
}

func transactionKey(txID string) string {
	return "tx:" + txID
}

func counterKey(key string) string {
	return "counter:" + key
}

func getTransaction(ctx context.Context, s byteStore, userID, txID string) (*domain.Transaction, error) {
	data, err := s.Get(ctx, userID, transactionKey(txID))
	if err != nil || data == nil {
		return nil, err
	}

	var tx domain.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("corrupt cached transaction %s: %w", txID, err)
	}
	return &tx, nil
}

func setTransaction(ctx context.Context, s byteStore, userID string, tx *domain.Transaction, ttl time.Duration) error {
	if tx == nil || tx.ID == "" {
		return errors.New("cannot cache transaction without an id")
	}

	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction %s: %w", tx.ID, err)
	}
	return s.Set(ctx, userID, transactionKey(tx.ID), data, ttl)
}

// New creates a new cache based on configuration.
// For Community tier: returns LRU cache.
// For Pro tier with two-phase: returns TwoPhaseCache wrapping LRU + Redis.
// For Pro tier without two-phase: returns Redis cache.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache reads through a local LRU (L1) into a shared remote cache
// (L2). Counters always go to L2 so rate limits hold across nodes.
type TwoPhaseCache struct {
	local  *LRUCache
	remote domain.Cache
	l1TTL  time.Duration
}

// NewTwoPhaseCache creates a two-phase cache with LRU + Redis.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
}

func newTwoPhase(local *LRUCache, remote domain.Cache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL <= 0 {
		l1TTL = 5 * time.Minute
	}
	return &TwoPhaseCache{
		local:  local,
		remote: remote,
		l1TTL:  l1TTL,
	}
}

// Get retrieves from L1 first, then L2. Populates L1 on L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, userID string, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, userID, key)
	if err != nil || val != nil {
		return val, err
	}

	val, err = c.remote.Get(ctx, userID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, userID, key, val, c.l1TTL)
	}
	return val, nil
}

// Set writes to L2 and then to L1 with the shorter of the two TTLs.
func (c *TwoPhaseCache) Set(ctx context.Context, userID string, key string, value []byte, ttl time.Duration) error {
	if err := c.remote.Set(ctx, userID, key, value, ttl); err != nil {
		return err
	}
	return c.local.Set(ctx, userID, key, value, c.localTTL(ttl))
}

// Delete removes from both L1 and L2.
func (c *TwoPhaseCache) Delete(ctx context.Context, userID string, key string) error {
	if err := c.local.Delete(ctx, userID, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, userID, key)
}

// GetTransaction retrieves a cached transaction, L1 first.
func (c *TwoPhaseCache) GetTransaction(ctx context.Context, userID string, txID string) (*domain.Transaction, error) {
	return getTransaction(ctx, c, userID, txID)
}

// SetTransaction caches a transaction in both tiers.
func (c *TwoPhaseCache) SetTransaction(ctx context.Context, userID string, tx *domain.Transaction, ttl time.Duration) error {
	return setTransaction(ctx, c, userID, tx, ttl)
}

// IncrementCounter counts in L2 only.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, userID string, key string, window time.Duration) (int64, error) {
	return c.remote.IncrementCounter(ctx, userID, key, window)
}

// Ping checks both L1 and L2 health.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both L1 and L2.
func (c *TwoPhaseCache) Close() error {
	return errors.Join(c.local.Close(), c.remote.Close())
}

// Stats returns L1 cache statistics.
func (c *TwoPhaseCache) Stats() LRUStats {
	return c.local.Stats()
}

func (c *TwoPhaseCache) localTTL(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < c.l1TTL {
		return ttl
	}
	return c.l1TTL
}

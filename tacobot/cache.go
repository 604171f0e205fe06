package tacobot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss indicates the key is not cached.
var ErrCacheMiss = errors.New("cache miss")

// Cache stores short-lived lookup results (track previews, exchange
// rates, compound queries).
type Cache interface {
	// Get returns the cached value, or ErrCacheMiss
	Get(ctx context.Context, key string) (string, error)

	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	Delete(ctx context.Context, key string) error
}

// newCache returns a redis-backed cache with an in-memory fallback
// when redis is configured, or a plain in-memory cache otherwise.
func newCache(cfg *CacheConfig, logger *slog.Logger) Cache {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(loggerNameKey, "cache")

	mem := newMemoryCache(memoryCacheMaxSize)
	if cfg == nil || cfg.RedisAddr == "" {
		return mem
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &layeredCache{
		client:   client,
		fallback: mem,
		logger:   logger,
	}
}

// layeredCache reads and writes through redis, dropping down to the
// in-memory fallback when redis is unreachable.
type layeredCache struct {
	client   *redis.Client
	fallback *memoryCache
	logger   *slog.Logger
}

func (c *layeredCache) Get(ctx context.Context, key string) (string, error) {
	value, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		return value, nil
	case errors.Is(err, redis.Nil):
		return "", ErrCacheMiss
	default:
		c.logger.WarnContext(
			ctx, "redis get failed, using fallback", tint.Err(err), "key", key,
		)
		return c.fallback.Get(ctx, key)
	}
}

func (c *layeredCache) Set(
	ctx context.Context,
	key string,
	value string,
	ttl time.Duration,
) error {
	_ = c.fallback.Set(ctx, key, value, ttl)
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "redis set failed", tint.Err(err), "key", key)
		return fmt.Errorf("error setting cache key: %w", err)
	}
	return nil
}

func (c *layeredCache) Delete(ctx context.Context, key string) error {
	_ = c.fallback.Delete(ctx, key)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("error deleting cache key: %w", err)
	}
	return nil
}

const memoryCacheMaxSize = 4096

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// memoryCache is a size-bounded in-process cache with background
// expiry.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	maxSize int
	done    chan struct{}
}

func newMemoryCache(maxSize int) *memoryCache {
	mc := &memoryCache{
		entries: make(map[string]cacheEntry),
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go mc.cleanup()
	return mc
}

func (mc *memoryCache) Get(_ context.Context, key string) (string, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	entry, ok := mc.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", ErrCacheMiss
	}
	return entry.value, nil
}

func (mc *memoryCache) Set(
	_ context.Context,
	key string,
	value string,
	ttl time.Duration,
) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if len(mc.entries) >= mc.maxSize {
		mc.evictOldest()
	}
	mc.entries[key] = cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (mc *memoryCache) Delete(_ context.Context, key string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.entries, key)
	return nil
}

func (mc *memoryCache) Close() {
	close(mc.done)
}

func (mc *memoryCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range mc.entries {
		if oldestKey == "" || entry.expiresAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.expiresAt
		}
	}
	if oldestKey != "" {
		delete(mc.entries, oldestKey)
	}
}

func (mc *memoryCache) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-mc.done:
			return
		case <-ticker.C:
		}
		mc.mu.Lock()
		now := time.Now()
		for key, entry := range mc.entries {
			if now.After(entry.expiresAt) {
				delete(mc.entries, key)
			}
		}
		mc.mu.Unlock()
	}
}

// Package redis provides a Redis implementation of the BlockCache port.
//
// Finalized block records are stored as JSON under prefix:slot:block keys with a
// configurable TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
	"github.com/archon-research/stl/stl-slots/internal/ports/outbound"
)

// Compile-time check that BlockCache implements outbound.BlockCache
var _ outbound.BlockCache = (*BlockCache)(nil)

// Config holds Redis cache configuration.
type Config struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string
	// Password for Redis authentication (empty for no auth)
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// TTL is how long cached blocks live before expiring
	TTL time.Duration
	// KeyPrefix is prepended to all cache keys
	KeyPrefix string
}

// ConfigDefaults returns sensible defaults for Redis cache configuration.
func ConfigDefaults() Config {
	return Config{
		Addr:      "localhost:6379",
		TTL:       6 * time.Hour,
		KeyPrefix: "stl-slots",
	}
}

// BlockCache is a Redis implementation of the outbound.BlockCache port.
type BlockCache struct {
	client    *redis.Client
	ttl       time.Duration
	keyPrefix string
	logger    *slog.Logger
}

// NewBlockCache creates a new Redis block cache. No connection is made until first use.
func NewBlockCache(cfg Config, logger *slog.Logger) (*BlockCache, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if logger == nil {
		logger = slog.Default()
	}

	return &BlockCache{
		client:    client,
		ttl:       cfg.TTL,
		keyPrefix: cfg.KeyPrefix,
		logger:    logger.With("component", "redis-cache"),
	}, nil
}

// Ping checks the Redis connection.
func (c *BlockCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *BlockCache) Close() error {
	return c.client.Close()
}

func (c *BlockCache) key(slot uint64) string {
	return fmt.Sprintf("%s:%d:block", c.keyPrefix, slot)
}

// SetBlock caches a block record.
func (c *BlockCache) SetBlock(ctx context.Context, block *entity.BlockRecord) error {
	if block == nil {
		return errors.New("block is required")
	}
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to marshal block %d: %w", block.Slot, err)
	}
	if err := c.client.Set(ctx, c.key(block.Slot), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache block %d: %w", block.Slot, err)
	}
	return nil
}

// GetBlock returns the cached block, or nil if absent. A corrupt entry is
// deleted and reported as a miss.
func (c *BlockCache) GetBlock(ctx context.Context, slot uint64) (*entity.BlockRecord, error) {
	key := c.key(slot)
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", slot, err)
	}

	var block entity.BlockRecord
	if err := json.Unmarshal(data, &block); err != nil {
		c.logger.Warn("dropping corrupt cache entry", "slot", slot, "error", err)
		if delErr := c.client.Del(ctx, key).Err(); delErr != nil {
			c.logger.Warn("failed to delete corrupt cache entry", "slot", slot, "error", delErr)
		}
		return nil, nil
	}
	return &block, nil
}

// DeleteBlock removes a cached block.
func (c *BlockCache) DeleteBlock(ctx context.Context, slot uint64) error {
	if err := c.client.Del(ctx, c.key(slot)).Err(); err != nil {
		return fmt.Errorf("failed to delete block %d: %w", slot, err)
	}
	return nil
}

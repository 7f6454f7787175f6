package memory

import (
	"context"
	"sync"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
	"github.com/archon-research/stl/stl-slots/internal/ports/outbound"
)

// Compile-time check that BlockCache implements outbound.BlockCache
var _ outbound.BlockCache = (*BlockCache)(nil)

// BlockCache is an in-memory implementation of the outbound.BlockCache port.
type BlockCache struct {
	mu     sync.RWMutex
	blocks map[uint64]entity.BlockRecord
	hits   int
}

// NewBlockCache creates an empty in-memory block cache.
func NewBlockCache() *BlockCache {
	return &BlockCache{blocks: make(map[uint64]entity.BlockRecord)}
}

// GetBlock returns a copy of the cached block, or nil.
func (c *BlockCache) GetBlock(ctx context.Context, slot uint64) (*entity.BlockRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	block, ok := c.blocks[slot]
	if !ok {
		return nil, nil
	}
	c.hits++
	return &block, nil
}

// SetBlock caches a copy of block.
func (c *BlockCache) SetBlock(ctx context.Context, block *entity.BlockRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks[block.Slot] = *block
	return nil
}

// Hits returns how many lookups were served from the cache.
func (c *BlockCache) Hits() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits
}

// Close is a no-op.
func (c *BlockCache) Close() error { return nil }

package outbound

import (
	"context"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
)

// BlockCache stores finalized block records by slot.
// Finalized blocks never change, so entries only expire by TTL.
type BlockCache interface {
	// GetBlock returns the cached block, or nil if not cached.
	GetBlock(ctx context.Context, slot uint64) (*entity.BlockRecord, error)

	// SetBlock caches a block.
	SetBlock(ctx context.Context, block *entity.BlockRecord) error

	// Close releases the cache connection.
	Close() error
}

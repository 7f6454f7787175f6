// Package block_source decorates a HistoricalSource with a read-through block cache.
package block_source

import (
	"context"
	"errors"
	"log/slog"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
	"github.com/archon-research/stl/stl-slots/internal/ports/outbound"
)

var _ outbound.HistoricalSource = (*CachingSource)(nil)

// CachingSource serves finalized blocks from a cache before falling back to the
// wrapped source. Cache failures are logged and never fail a lookup.
//
// GetFinalizedSlot is always delegated: the finalized tip moves.
type CachingSource struct {
	source outbound.HistoricalSource
	cache  outbound.BlockCache
	logger *slog.Logger
}

// NewCachingSource wraps source with cache.
func NewCachingSource(source outbound.HistoricalSource, cache outbound.BlockCache, logger *slog.Logger) (*CachingSource, error) {
	if source == nil {
		return nil, errors.New("source is required")
	}
	if cache == nil {
		return nil, errors.New("cache is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingSource{
		source: source,
		cache:  cache,
		logger: logger.With("component", "caching-source"),
	}, nil
}

func (s *CachingSource) GetFinalizedSlot(ctx context.Context) (uint64, error) {
	return s.source.GetFinalizedSlot(ctx)
}

func (s *CachingSource) GetFinalizedBlock(ctx context.Context, slot uint64) (*entity.BlockRecord, error) {
	cached, err := s.cache.GetBlock(ctx, slot)
	if err != nil {
		s.logger.Warn("block cache read failed", "slot", slot, "error", err)
	} else if cached != nil && cached.Slot == slot {
		return cached, nil
	}

	block, err := s.source.GetFinalizedBlock(ctx, slot)
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, nil
	}

	if err := s.cache.SetBlock(ctx, block); err != nil {
		s.logger.Warn("block cache write failed", "slot", slot, "error", err)
	}
	return block, nil
}

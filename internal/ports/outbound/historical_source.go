// Package outbound contains the secondary/outbound ports: interfaces the
// application uses to reach the chain, storage and downstream consumers.
package outbound

import (
	"context"
	"errors"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
)

// ErrSlotNotFound is returned by a HistoricalSource that has no block for a slot,
// for example because the slot was skipped by its leader.
var ErrSlotNotFound = errors.New("slot not found")

// HistoricalSource answers point queries about finalized chain history.
type HistoricalSource interface {
	// GetFinalizedSlot returns the most recent finalized slot known to the node.
	GetFinalizedSlot(ctx context.Context) (uint64, error)

	// GetFinalizedBlock returns the finalized block at slot.
	// Returns an error wrapping ErrSlotNotFound if the node has no block for the slot,
	// or one wrapping entity.ErrTransientIO if the node could not be reached.
	GetFinalizedBlock(ctx context.Context, slot uint64) (*entity.BlockRecord, error)
}

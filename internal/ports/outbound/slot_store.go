package outbound

import (
	"context"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
)

// SlotRange is an inclusive range of slot numbers.
type SlotRange struct {
	From uint64
	To   uint64
}

// Size returns the number of slots in the range.
func (r SlotRange) Size() uint64 {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

// SlotWriter is the write side of the durable slot store.
type SlotWriter interface {
	// UpsertSlot records a notification. Idempotent on slot number;
	// parent, status and dead error are last-write-wins.
	UpsertSlot(ctx context.Context, n entity.SlotNotification) error

	// SetCheckpoint overwrites the named checkpoint.
	SetCheckpoint(ctx context.Context, key string, value uint64) error
}

// SlotStore persists slot records and named checkpoints.
type SlotStore interface {
	SlotWriter

	// GetCheckpoint returns the named checkpoint. found is false if it was never written.
	GetCheckpoint(ctx context.Context, key string) (value uint64, found bool, err error)

	// GetSlot returns the stored record for slot, or nil if none exists.
	GetSlot(ctx context.Context, slot uint64) (*entity.SlotNotification, error)

	// FindFinalizedGaps returns the ranges inside [from, to] that are missing between
	// stored Finalized records. Slots before the first or after the last stored
	// finalized slot in the window are not reported.
	FindFinalizedGaps(ctx context.Context, from, to uint64) ([]SlotRange, error)

	// WithTransaction runs fn with a writer whose writes commit atomically.
	// If fn returns an error nothing fn wrote is visible.
	WithTransaction(ctx context.Context, fn func(w SlotWriter) error) error
}

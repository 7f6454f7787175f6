package outbound

import (
	"context"
	"time"
)

// SlotEvent announces that a finalized slot was durably checkpointed.
type SlotEvent struct {
	Slot           uint64    `json:"slot"`
	Parent         *uint64   `json:"parent,omitempty"`
	Backfilled     bool      `json:"backfilled"`
	CheckpointedAt time.Time `json:"checkpointedAt"`
}

// EventSink publishes slot events to downstream consumers.
type EventSink interface {
	// Publish sends one event.
	Publish(ctx context.Context, event SlotEvent) error

	// Close releases resources held by the sink.
	Close() error
}

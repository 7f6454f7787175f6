package outbound

import (
	"context"
	"time"
)

// SlotMetrics records engine-level metrics. Implementations must be safe for
// concurrent use.
type SlotMetrics interface {
	// RecordNotification counts a notification received from the feed by status.
	RecordNotification(ctx context.Context, status string)

	// RecordCheckpoint records the latest durable checkpoint value.
	RecordCheckpoint(ctx context.Context, slot uint64)

	// RecordGap records a detected gap and its size in slots.
	RecordGap(ctx context.Context, size uint64)

	// RecordBackfill records a finished backfill run and whether it succeeded.
	RecordBackfill(ctx context.Context, slots int, duration time.Duration, success bool)
}

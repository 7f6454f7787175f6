// Package inbound contains the primary/inbound ports.
// These interfaces define the use cases that the application exposes.
package inbound

import (
	"context"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
)

// SlotProcessor applies one slot notification.
//
// Implementations:
//   - Checkpointed: persists, detects gaps, backfills and advances the checkpoint
//   - Streaming: instruments and forwards to another processor (live path)
//   - Validating: gap detection only, no persistence
type SlotProcessor interface {
	Process(ctx context.Context, n entity.SlotNotification) error
}

// HealthChecker defines the interface for services that can report readiness and liveness.
type HealthChecker interface {
	// IsReady returns true once the first finalized slot has been checkpointed.
	IsReady() bool

	// IsHealthy returns true while notifications keep arriving.
	IsHealthy() bool
}

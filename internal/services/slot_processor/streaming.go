package slot_processor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
	"github.com/archon-research/stl/stl-slots/internal/ports/inbound"
	"github.com/archon-research/stl/stl-slots/internal/ports/outbound"
)

var _ inbound.SlotProcessor = (*Streaming)(nil)

// Streaming decorates a SlotProcessor with per-status metrics and activity tracking.
// It is safe for concurrent use.
type Streaming struct {
	next    inbound.SlotProcessor
	metrics outbound.SlotMetrics

	lastActivity atomic.Int64
	processed    atomic.Uint64
	failed       atomic.Uint64
}

// NewStreaming wraps next. metrics may be nil.
func NewStreaming(next inbound.SlotProcessor, metrics outbound.SlotMetrics) (*Streaming, error) {
	if next == nil {
		return nil, errors.New("next processor is required")
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Streaming{next: next, metrics: metrics}, nil
}

// Process records the notification and forwards it. Errors from the wrapped
// processor are returned unchanged.
func (s *Streaming) Process(ctx context.Context, n entity.SlotNotification) error {
	s.metrics.RecordNotification(ctx, n.Status.String())
	s.lastActivity.Store(time.Now().UnixNano())

	if err := s.next.Process(ctx, n); err != nil {
		s.failed.Add(1)
		return err
	}

	s.processed.Add(1)
	return nil
}

// LastActivity returns when the last notification arrived, or the zero time.
func (s *Streaming) LastActivity() time.Time {
	ns := s.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Counts returns the number of successfully processed and failed notifications.
func (s *Streaming) Counts() (processed, failed uint64) {
	return s.processed.Load(), s.failed.Load()
}

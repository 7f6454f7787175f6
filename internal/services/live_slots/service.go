// Package live_slots runs the live ingestion loop: it replays the recent finalized
// window at start-up, consumes the push feed, and reports readiness and liveness.
package live_slots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
	"github.com/archon-research/stl/stl-slots/internal/pkg/retry"
	"github.com/archon-research/stl/stl-slots/internal/ports/inbound"
	"github.com/archon-research/stl/stl-slots/internal/ports/outbound"
	"github.com/archon-research/stl/stl-slots/internal/services/slot_processor"
)

const (
	// tracerName is the instrumentation name for this service.
	tracerName = "github.com/archon-research/stl/stl-slots/internal/services/live_slots"
)

// Compile-time check that Service implements inbound.HealthChecker
var _ inbound.HealthChecker = (*Service)(nil)

// CheckpointReader exposes the last contiguous finalized slot of a processor.
type CheckpointReader interface {
	LastFinalized() (uint64, bool)
}

// Config holds configuration for the live Service.
type Config struct {
	// BootstrapWindow is how many finalized slots below the node's finalized
	// slot are replayed on start-up and after a reconnect.
	BootstrapWindow uint64

	// Retry controls how a failing notification is re-applied before it is skipped.
	Retry retry.Config

	// HealthTimeout is how long the feed may stay silent before the service is unhealthy.
	HealthTimeout time.Duration

	// MaxConsecutiveFailures marks the service unhealthy once this many
	// notifications in a row were skipped after exhausting retries.
	MaxConsecutiveFailures int

	// Metrics records per-notification metrics. Optional.
	Metrics outbound.SlotMetrics

	Logger *slog.Logger
}

// ConfigDefaults returns default configuration.
func ConfigDefaults() Config {
	return Config{
		BootstrapWindow: 5,
		Retry: retry.Config{
			MaxRetries:     5,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			BackoffFactor:  2.0,
			Jitter:         true,
		},
		HealthTimeout:          60 * time.Second,
		MaxConsecutiveFailures: 20,
		Logger:                 slog.Default(),
	}
}

// Service drives a SlotProcessor from a live SlotFeed.
//
// Notifications are processed one at a time on a single goroutine. A notification
// that keeps failing with a transient error is logged and skipped: the checkpoint
// stays where it was, and the next finalized notification re-detects the gap.
// An invariant violation stops the service.
type Service struct {
	config     Config
	feed       outbound.SlotFeed
	source     outbound.HistoricalSource
	processor  *slot_processor.Streaming
	checkpoint CheckpointReader
	logger     *slog.Logger

	catchUp             chan struct{}
	started             atomic.Bool
	skipped             atomic.Uint64
	consecutiveFailures atomic.Int64
}

// NewService creates a Service. checkpoint is usually the same value as processor.
func NewService(
	config Config,
	feed outbound.SlotFeed,
	source outbound.HistoricalSource,
	processor inbound.SlotProcessor,
	checkpoint CheckpointReader,
) (*Service, error) {
	if feed == nil {
		return nil, errors.New("feed is required")
	}
	if source == nil {
		return nil, errors.New("source is required")
	}
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if checkpoint == nil {
		return nil, errors.New("checkpoint reader is required")
	}

	defaults := ConfigDefaults()
	if config.BootstrapWindow == 0 {
		config.BootstrapWindow = defaults.BootstrapWindow
	}
	if config.Retry == (retry.Config{}) {
		config.Retry = defaults.Retry
	}
	if config.HealthTimeout == 0 {
		config.HealthTimeout = defaults.HealthTimeout
	}
	if config.MaxConsecutiveFailures == 0 {
		config.MaxConsecutiveFailures = defaults.MaxConsecutiveFailures
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	streaming, err := slot_processor.NewStreaming(processor, config.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming processor: %w", err)
	}

	return &Service{
		config:     config,
		feed:       feed,
		source:     source,
		processor:  streaming,
		checkpoint: checkpoint,
		logger:     config.Logger.With("component", "live-slots"),
		catchUp:    make(chan struct{}, 1),
	}, nil
}

// RequestCatchUp schedules a catch-up replay on the ingestion goroutine.
// It never blocks and is intended as the feed's reconnect hook.
func (s *Service) RequestCatchUp() {
	select {
	case s.catchUp <- struct{}{}:
	default:
	}
}

// Run bootstraps from the historical source, subscribes to the feed and processes
// notifications until ctx is cancelled. It returns nil on cancellation and an error
// when the feed closes unexpectedly or a notification violates an invariant.
func (s *Service) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("service already running")
	}

	if err := s.CatchUp(ctx); err != nil {
		return err
	}

	notifications, err := s.feed.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer func() {
		if err := s.feed.Unsubscribe(); err != nil {
			s.logger.Warn("failed to unsubscribe from feed", "error", err)
		}
	}()

	s.logger.Info("live slot service started", "bootstrapWindow", s.config.BootstrapWindow)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("live slot service stopping")
			return nil
		case <-s.catchUp:
			if err := s.CatchUp(ctx); err != nil {
				return err
			}
		case n, ok := <-notifications:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("slot feed closed unexpectedly")
			}
			if err := s.handle(ctx, n); err != nil {
				return err
			}
		}
	}
}

// CatchUp replays the finalized slots (F-BootstrapWindow, F] through the processor,
// where F is the node's current finalized slot. Slots at or below the checkpoint are
// not fetched. Slots the node has no block for are left for the processor's gap
// reconciliation. Only invariant violations are returned.
func (s *Service) CatchUp(ctx context.Context) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "live.catchUp", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	finalized, err := retry.Do(ctx, s.config.Retry, entity.IsRetryable, s.onRetry("getFinalizedSlot", 0),
		func() (uint64, error) {
			return s.source.GetFinalizedSlot(ctx)
		})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read finalized slot")
		s.logger.Warn("catch-up skipped, finalized slot unavailable", "error", err)
		return nil
	}

	start := uint64(0)
	if finalized >= s.config.BootstrapWindow {
		start = finalized - s.config.BootstrapWindow + 1
	}
	if last, ok := s.checkpoint.LastFinalized(); ok && last+1 > start {
		start = last + 1
	}
	span.SetAttributes(
		attribute.Int64("catchup.finalized", int64(finalized)),
		attribute.Int64("catchup.start", int64(start)),
	)
	if start > finalized {
		s.logger.Debug("catch-up not needed", "finalized", finalized)
		return nil
	}

	s.logger.Info("catching up to finalized slot", "from", start, "to", finalized)
	for slot := start; slot <= finalized; slot++ {
		block, err := s.source.GetFinalizedBlock(ctx, slot)
		if errors.Is(err, outbound.ErrSlotNotFound) {
			s.logger.Debug("no block for slot during catch-up", "slot", slot)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("catch-up interrupted", "slot", slot, "error", err)
			return nil
		}
		if err := s.handle(ctx, block.Notification()); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "catch-up failed")
			return err
		}
	}
	return nil
}

// handle applies one notification with retries. It only returns fatal errors.
func (s *Service) handle(ctx context.Context, n entity.SlotNotification) error {
	err := retry.DoVoid(ctx, s.config.Retry, isRetryable, s.onRetry("process", n.Slot), func() error {
		return s.processor.Process(ctx, n)
	})
	if err == nil {
		s.consecutiveFailures.Store(0)
		return nil
	}

	if errors.Is(err, entity.ErrInvariantViolation) {
		s.logger.Error("invariant violation, stopping", "slot", n.Slot, "status", n.Status, "error", err)
		return fmt.Errorf("slot %d: %w", n.Slot, err)
	}
	if ctx.Err() != nil {
		return nil
	}

	s.skipped.Add(1)
	failures := s.consecutiveFailures.Add(1)
	s.logger.Warn("skipping slot notification after failed processing",
		"slot", n.Slot,
		"status", n.Status,
		"consecutiveFailures", failures,
		"error", err)
	return nil
}

func (s *Service) onRetry(op string, slot uint64) retry.OnRetryFunc {
	return func(attempt int, err error, backoff time.Duration) {
		s.logger.Warn("retrying",
			"op", op,
			"slot", slot,
			"attempt", attempt,
			"backoff", backoff,
			"error", err)
	}
}

// isRetryable retries transient failures. An unresolvable gap stays unresolvable
// until the next notification, so it is not retried in place.
func isRetryable(err error) bool {
	return entity.IsRetryable(err) && !errors.Is(err, entity.ErrGapUnresolvable)
}

// IsReady reports whether a finalized slot has been checkpointed.
func (s *Service) IsReady() bool {
	_, ok := s.checkpoint.LastFinalized()
	return ok
}

// IsHealthy reports whether the feed delivered within HealthTimeout and processing
// is not stuck failing.
func (s *Service) IsHealthy() bool {
	last := s.processor.LastActivity()
	if last.IsZero() || time.Since(last) > s.config.HealthTimeout {
		return false
	}
	return s.consecutiveFailures.Load() < int64(s.config.MaxConsecutiveFailures)
}

// LastFinalized returns the current checkpoint.
func (s *Service) LastFinalized() (uint64, bool) {
	return s.checkpoint.LastFinalized()
}

// Stats returns processed, failed-attempt and skipped notification counts.
func (s *Service) Stats() (processed, failed, skipped uint64) {
	processed, failed = s.processor.Counts()
	return processed, failed, s.skipped.Load()
}

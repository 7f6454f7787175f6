// Package gap_backfill replays missing finalized slots from a historical source.
package gap_backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
	"github.com/archon-research/stl/stl-slots/internal/ports/inbound"
	"github.com/archon-research/stl/stl-slots/internal/ports/outbound"
)

const (
	// tracerName is the instrumentation name for this service.
	tracerName = "github.com/archon-research/stl/stl-slots/internal/services/gap_backfill"
)

// RangeError reports which slot aborted a backfill range.
type RangeError struct {
	From uint64
	To   uint64
	Slot uint64
	Err  error
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("backfill (%d, %d] aborted at slot %d: %v", e.From, e.To, e.Slot, e.Err)
}

func (e *RangeError) Unwrap() error {
	return e.Err
}

// Config holds configuration for the Backfiller.
type Config struct {
	// ProgressInterval is how many slots pass between progress log lines.
	ProgressInterval uint64

	// Logger is the structured logger.
	Logger *slog.Logger
}

// ConfigDefaults returns default configuration.
func ConfigDefaults() Config {
	return Config{
		ProgressInterval: 100,
		Logger:           slog.Default(),
	}
}

// Backfiller replays a slot range through a SlotProcessor, one slot at a time.
type Backfiller struct {
	config    Config
	source    outbound.HistoricalSource
	processor inbound.SlotProcessor
	logger    *slog.Logger
}

// NewBackfiller creates a Backfiller that reads from source and feeds processor.
func NewBackfiller(config Config, source outbound.HistoricalSource, processor inbound.SlotProcessor) (*Backfiller, error) {
	if source == nil {
		return nil, errors.New("source is required")
	}
	if processor == nil {
		return nil, errors.New("processor is required")
	}

	defaults := ConfigDefaults()
	if config.ProgressInterval == 0 {
		config.ProgressInterval = defaults.ProgressInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Backfiller{
		config:    config,
		source:    source,
		processor: processor,
		logger:    config.Logger.With("component", "gap-backfiller"),
	}, nil
}

// BackfillRange replays every slot in (from, to] in ascending order. from is the last
// known-good slot. A range with to <= from is a no-op.
//
// Each slot is fetched from the historical source and passed to the processor as a
// Finalized notification whose parent is the block's parent slot. The next slot is
// only fetched after the previous one was processed successfully. The first failure
// aborts the range and is returned as a *RangeError.
func (b *Backfiller) BackfillRange(ctx context.Context, from, to uint64) error {
	if to <= from {
		return nil
	}

	start := time.Now()
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "backfill.range",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int64("backfill.from", int64(from)),
			attribute.Int64("backfill.to", int64(to)),
			attribute.Int64("backfill.size", int64(to-from)),
		),
	)
	defer func() {
		span.SetAttributes(attribute.Int64("backfill.duration_ms", time.Since(start).Milliseconds()))
		span.End()
	}()

	b.logger.Info("starting gap backfill", "from", from, "to", to, "total", to-from)

	for slot := from + 1; slot <= to && slot > from; slot++ {
		if err := b.backfillSlot(ctx, slot); err != nil {
			rangeErr := &RangeError{From: from, To: to, Slot: slot, Err: err}
			span.RecordError(rangeErr)
			span.SetStatus(codes.Error, "gap backfill aborted")
			b.logger.Warn("gap backfill aborted", "from", from, "to", to, "slot", slot, "error", err)
			return rangeErr
		}

		if done := slot - from; done%b.config.ProgressInterval == 0 && slot != to {
			b.logger.Info("gap backfill progress", "slot", slot, "done", done, "remaining", to-slot)
		}
	}

	b.logger.Info("gap backfill complete", "from", from, "to", to, "durationMs", time.Since(start).Milliseconds())
	return nil
}

// backfillSlot fetches one slot and passes it to the processor.
func (b *Backfiller) backfillSlot(ctx context.Context, slot uint64) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "backfill.slot",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int64("slot", int64(slot))),
	)
	defer span.End()

	block, err := b.source.GetFinalizedBlock(ctx, slot)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch block")
		if errors.Is(err, outbound.ErrSlotNotFound) {
			return fmt.Errorf("%w: %w", entity.ErrGapUnresolvable, err)
		}
		return fmt.Errorf("failed to fetch finalized block: %w", err)
	}
	if block == nil {
		return fmt.Errorf("%w: source returned no block for slot %d", entity.ErrGapUnresolvable, slot)
	}
	if block.Slot != slot || block.ParentSlot >= slot {
		err := fmt.Errorf("%w: block for slot %d reports slot %d with parent %d",
			entity.ErrInvariantViolation, slot, block.Slot, block.ParentSlot)
		span.RecordError(err)
		span.SetStatus(codes.Error, "inconsistent block")
		return err
	}

	if err := b.processor.Process(ctx, block.Notification()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "processor failed")
		return fmt.Errorf("failed to process backfilled slot: %w", err)
	}
	return nil
}

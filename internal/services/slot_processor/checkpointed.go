// Package slot_processor implements the SlotProcessor variants: the checkpointed
// consistency core, the instrumented streaming wrapper and the validation-only processor.
package slot_processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
	"github.com/archon-research/stl/stl-slots/internal/ports/inbound"
	"github.com/archon-research/stl/stl-slots/internal/ports/outbound"
	"github.com/archon-research/stl/stl-slots/internal/services/gap_backfill"
)

const (
	// tracerName is the instrumentation name for this service.
	tracerName = "github.com/archon-research/stl/stl-slots/internal/services/slot_processor"

	// CheckpointKey names the durable checkpoint holding the last contiguous finalized slot.
	CheckpointKey = "last_finalized_slot"
)

// Compile-time check that Checkpointed implements inbound.SlotProcessor
var _ inbound.SlotProcessor = (*Checkpointed)(nil)

// CheckpointedConfig holds configuration for the Checkpointed processor.
type CheckpointedConfig struct {
	// Backfill configures the backfiller used to reconcile gaps.
	Backfill gap_backfill.Config

	// EventSink receives one event per newly checkpointed slot. Optional.
	EventSink outbound.EventSink

	// Metrics records gap and checkpoint metrics. Optional.
	Metrics outbound.SlotMetrics

	// Logger is the structured logger.
	Logger *slog.Logger
}

// CheckpointedConfigDefaults returns default configuration.
func CheckpointedConfigDefaults() CheckpointedConfig {
	return CheckpointedConfig{
		Backfill: gap_backfill.ConfigDefaults(),
		Logger:   slog.Default(),
	}
}

// Checkpointed is the consistency core. It records every notification and advances
// the durable "last finalized slot" checkpoint strictly contiguously, backfilling any
// gap from the historical source before moving past it.
//
// The in-memory last-finalized value is guarded by mu. Gap detection, backfill and
// checkpoint advancement run as one critical section, so concurrent callers of
// Process block until an in-flight reconciliation resolves. Readers use the
// committed mirror and never wait on mu.
type Checkpointed struct {
	config CheckpointedConfig
	store  outbound.SlotStore
	source outbound.HistoricalSource
	sink   outbound.EventSink
	// metrics is never nil; a no-op recorder stands in when none is configured.
	metrics outbound.SlotMetrics
	logger  *slog.Logger

	mu      sync.Mutex
	last    uint64
	hasLast bool

	// committed mirrors last once the durable write has succeeded.
	committed    atomic.Uint64
	committedSet atomic.Bool
}

// NewCheckpointed creates the processor and loads the durable checkpoint into memory.
func NewCheckpointed(
	ctx context.Context,
	config CheckpointedConfig,
	store outbound.SlotStore,
	source outbound.HistoricalSource,
) (*Checkpointed, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if source == nil {
		return nil, errors.New("source is required")
	}

	defaults := CheckpointedConfigDefaults()
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Backfill.Logger == nil {
		config.Backfill.Logger = config.Logger
	}

	var metrics outbound.SlotMetrics = noopMetrics{}
	if config.Metrics != nil {
		metrics = config.Metrics
	}

	last, found, err := store.GetCheckpoint(ctx, CheckpointKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	p := &Checkpointed{
		config:  config,
		store:   store,
		source:  source,
		sink:    config.EventSink,
		metrics: metrics,
		logger:  config.Logger.With("component", "checkpointed-processor"),
		last:    last,
		hasLast: found,
	}

	if found {
		p.commit(last)
		p.logger.Info("resuming from checkpoint", "lastFinalized", last)
		metrics.RecordCheckpoint(ctx, last)
	} else {
		p.logger.Info("no checkpoint found, next finalized slot becomes the baseline")
	}
	return p, nil
}

// LastFinalized returns the last checkpointed finalized slot. It does not wait
// for an in-flight reconciliation; it reports the value committed before it.
func (p *Checkpointed) LastFinalized() (uint64, bool) {
	if !p.committedSet.Load() {
		return 0, false
	}
	return p.committed.Load(), true
}

func (p *Checkpointed) commit(slot uint64) {
	p.committed.Store(slot)
	p.committedSet.Store(true)
}

// Process records n and, if it is finalized, advances the checkpoint to n.Slot.
//
// A finalized slot that is not the successor of the checkpoint triggers a backfill of
// (checkpoint, n.Slot] inside one store transaction. If the backfill fails, nothing it
// wrote is committed and the checkpoint keeps its previous value. Finalized slots at or
// below the checkpoint are re-deliveries and leave the checkpoint unchanged.
func (p *Checkpointed) Process(ctx context.Context, n entity.SlotNotification) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "checkpoint.process",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int64("slot", int64(n.Slot)),
			attribute.String("slot.status", n.Status.String()),
		),
	)
	defer span.End()

	if err := n.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid notification")
		return err
	}

	if err := p.store.UpsertSlot(ctx, n); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upsert slot")
		return fmt.Errorf("failed to upsert slot %d: %w", n.Slot, err)
	}

	if !n.Status.IsFinalized() {
		return nil
	}

	applied, err := p.advance(ctx, n)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to advance checkpoint")
		return err
	}
	if len(applied) == 0 {
		return nil
	}

	span.SetAttributes(attribute.Int("checkpoint.advanced_slots", len(applied)))
	p.publish(ctx, applied, n.Slot)
	return nil
}

// advance is the critical section. It returns the notifications that were newly
// checkpointed, in slot order.
func (p *Checkpointed) advance(ctx context.Context, n entity.SlotNotification) ([]entity.SlotNotification, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, hasPrev := p.last, p.hasLast

	var applied []entity.SlotNotification
	switch {
	case !hasPrev:
		if err := p.store.SetCheckpoint(ctx, CheckpointKey, n.Slot); err != nil {
			return nil, fmt.Errorf("failed to set baseline checkpoint at slot %d: %w", n.Slot, err)
		}
		p.logger.Info("baseline checkpoint set", "slot", n.Slot)
		applied = []entity.SlotNotification{n}

	case n.Slot <= prev:
		p.logger.Debug("finalized slot already checkpointed", "slot", n.Slot, "lastFinalized", prev)
		return nil, nil

	case n.Slot == prev+1:
		if err := p.store.SetCheckpoint(ctx, CheckpointKey, n.Slot); err != nil {
			return nil, fmt.Errorf("failed to advance checkpoint from %d to %d: %w", prev, n.Slot, err)
		}
		applied = []entity.SlotNotification{n}

	default:
		reconciled, err := p.reconcile(ctx, prev, n.Slot)
		if err != nil {
			return nil, err
		}
		applied = reconciled
	}

	// The durable write above happens-before this update.
	p.last, p.hasLast = n.Slot, true
	p.commit(n.Slot)
	p.metrics.RecordCheckpoint(ctx, n.Slot)
	return applied, nil
}

// reconcile backfills (prev, target] atomically. Must be called with mu held.
func (p *Checkpointed) reconcile(ctx context.Context, prev, target uint64) ([]entity.SlotNotification, error) {
	gap := target - prev - 1
	p.metrics.RecordGap(ctx, gap)
	p.logger.Warn("gap detected, reconciling from historical source",
		"lastFinalized", prev,
		"slot", target,
		"missing", gap,
	)

	start := time.Now()
	advancer := &lockedAdvancer{next: prev + 1}

	err := p.store.WithTransaction(ctx, func(w outbound.SlotWriter) error {
		advancer.writer = w
		backfiller, err := gap_backfill.NewBackfiller(p.config.Backfill, p.source, advancer)
		if err != nil {
			return err
		}
		if err := backfiller.BackfillRange(ctx, prev, target); err != nil {
			return err
		}
		if advancer.next != target+1 {
			return fmt.Errorf("%w: backfill of (%d, %d] stopped before slot %d",
				entity.ErrInvariantViolation, prev, target, advancer.next)
		}
		return nil
	})

	p.metrics.RecordBackfill(ctx, len(advancer.applied), time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile gap (%d, %d]: %w", prev, target, err)
	}

	p.logger.Info("gap reconciled",
		"from", prev+1,
		"to", target,
		"durationMs", time.Since(start).Milliseconds(),
	)
	return advancer.applied, nil
}

// publish emits one event per applied slot. Failures are logged: the checkpoint is
// already durable and downstream consumers can re-read the slots table.
func (p *Checkpointed) publish(ctx context.Context, applied []entity.SlotNotification, trigger uint64) {
	if p.sink == nil {
		return
	}

	now := time.Now().UTC()
	for _, n := range applied {
		event := outbound.SlotEvent{
			Slot:           n.Slot,
			Parent:         n.Parent,
			Backfilled:     n.Slot != trigger,
			CheckpointedAt: now,
		}
		if err := p.sink.Publish(ctx, event); err != nil {
			p.logger.Warn("failed to publish slot event", "slot", n.Slot, "error", err)
		}
	}
}

// lockedAdvancer is the SlotProcessor handed to the backfiller during reconciliation.
// It performs the same record-and-advance step as Process but writes through the
// reconciliation transaction and does not take the lock, which the caller holds.
type lockedAdvancer struct {
	writer  outbound.SlotWriter
	next    uint64
	applied []entity.SlotNotification
}

func (a *lockedAdvancer) Process(ctx context.Context, n entity.SlotNotification) error {
	if !n.Status.IsFinalized() {
		return fmt.Errorf("%w: backfill produced non-finalized slot %d", entity.ErrInvariantViolation, n.Slot)
	}
	if n.Slot != a.next {
		return fmt.Errorf("%w: backfill out of order: expected slot %d, got %d",
			entity.ErrInvariantViolation, a.next, n.Slot)
	}

	if err := a.writer.UpsertSlot(ctx, n); err != nil {
		return fmt.Errorf("failed to upsert backfilled slot %d: %w", n.Slot, err)
	}
	if err := a.writer.SetCheckpoint(ctx, CheckpointKey, n.Slot); err != nil {
		return fmt.Errorf("failed to advance checkpoint to %d: %w", n.Slot, err)
	}

	a.next++
	a.applied = append(a.applied, n)
	return nil
}

// noopMetrics discards all metrics.
type noopMetrics struct{}

func (noopMetrics) RecordNotification(context.Context, string)               {}
func (noopMetrics) RecordCheckpoint(context.Context, uint64)                 {}
func (noopMetrics) RecordGap(context.Context, uint64)                        {}
func (noopMetrics) RecordBackfill(context.Context, int, time.Duration, bool) {}

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/archon-research/stl/stl-slots/internal/ports/outbound"
)

// Compile-time check that Metrics implements outbound.SlotMetrics
var _ outbound.SlotMetrics = (*Metrics)(nil)

const meterName = "github.com/archon-research/stl/stl-slots"

// Metrics implements outbound.SlotMetrics using OpenTelemetry instruments.
type Metrics struct {
	notifications    metric.Int64Counter
	checkpoint       metric.Int64Gauge
	gaps             metric.Int64Counter
	gapSize          metric.Int64Histogram
	backfills        metric.Int64Counter
	backfilledSlots  metric.Int64Counter
	backfillDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on provider. A nil provider uses the global one.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &Metrics{}
	var err error

	if m.notifications, err = meter.Int64Counter(
		"slot_notifications_total",
		metric.WithDescription("Slot notifications received from the feed"),
	); err != nil {
		return nil, fmt.Errorf("failed to create slot_notifications_total counter: %w", err)
	}

	if m.checkpoint, err = meter.Int64Gauge(
		"slot_checkpoint",
		metric.WithDescription("Last durably checkpointed finalized slot"),
	); err != nil {
		return nil, fmt.Errorf("failed to create slot_checkpoint gauge: %w", err)
	}

	if m.gaps, err = meter.Int64Counter(
		"slot_gaps_total",
		metric.WithDescription("Gaps detected between the checkpoint and an incoming finalized slot"),
	); err != nil {
		return nil, fmt.Errorf("failed to create slot_gaps_total counter: %w", err)
	}

	if m.gapSize, err = meter.Int64Histogram(
		"slot_gap_size",
		metric.WithDescription("Number of slots missing per detected gap"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 50, 100, 500, 1000),
	); err != nil {
		return nil, fmt.Errorf("failed to create slot_gap_size histogram: %w", err)
	}

	if m.backfills, err = meter.Int64Counter(
		"slot_backfills_total",
		metric.WithDescription("Backfill runs by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create slot_backfills_total counter: %w", err)
	}

	if m.backfilledSlots, err = meter.Int64Counter(
		"slot_backfilled_slots_total",
		metric.WithDescription("Slots applied by successful backfill runs"),
	); err != nil {
		return nil, fmt.Errorf("failed to create slot_backfilled_slots_total counter: %w", err)
	}

	if m.backfillDuration, err = meter.Float64Histogram(
		"slot_backfill_duration_seconds",
		metric.WithDescription("Time taken by a backfill run"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create slot_backfill_duration_seconds histogram: %w", err)
	}

	return m, nil
}

// RecordNotification counts a feed notification by status.
func (m *Metrics) RecordNotification(ctx context.Context, status string) {
	m.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordCheckpoint sets the checkpoint gauge.
func (m *Metrics) RecordCheckpoint(ctx context.Context, slot uint64) {
	m.checkpoint.Record(ctx, int64(slot))
}

// RecordGap counts a gap and records its size.
func (m *Metrics) RecordGap(ctx context.Context, size uint64) {
	m.gaps.Add(ctx, 1)
	m.gapSize.Record(ctx, int64(size))
}

// RecordBackfill records the outcome and duration of a backfill run.
func (m *Metrics) RecordBackfill(ctx context.Context, slots int, duration time.Duration, success bool) {
	outcome := attribute.String("outcome", outcomeLabel(success))
	m.backfills.Add(ctx, 1, metric.WithAttributes(outcome))
	m.backfillDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(outcome))
	if success {
		m.backfilledSlots.Add(ctx, int64(slots))
	}
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

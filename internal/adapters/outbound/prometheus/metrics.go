// Package prometheus implements the SlotMetrics port on a Prometheus registry.
// The registry is exposed by the health server on /metrics.
package prometheus

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/archon-research/stl/stl-slots/internal/ports/outbound"
)

// Compile-time check that Metrics implements outbound.SlotMetrics
var _ outbound.SlotMetrics = (*Metrics)(nil)

const Namespace = "stl_slots"

// Metrics records engine metrics as Prometheus collectors.
type Metrics struct {
	notifications    *prometheus.CounterVec
	checkpoint       prometheus.Gauge
	gaps             prometheus.Counter
	gapSize          prometheus.Histogram
	backfills        *prometheus.CounterVec
	backfilledSlots  prometheus.Counter
	backfillDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, errors.New("prometheus registerer is required")
	}

	m := &Metrics{
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "notifications_total",
			Help:      "Slot notifications received from the feed by status",
		}, []string{"status"}),
		checkpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "checkpoint",
			Help:      "Last durably checkpointed finalized slot",
		}),
		gaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "gaps_total",
			Help:      "Gaps detected between the checkpoint and an incoming finalized slot",
		}),
		gapSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "gap_size",
			Help:      "Number of slots missing per detected gap",
			Buckets:   []float64{1, 2, 5, 10, 50, 100, 500, 1000},
		}),
		backfills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "backfill",
			Name:      "runs_total",
			Help:      "Backfill runs by outcome",
		}, []string{"outcome"}),
		backfilledSlots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "backfill",
			Name:      "slots_total",
			Help:      "Slots applied by successful backfill runs",
		}),
		backfillDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "backfill",
			Name:      "duration_seconds",
			Help:      "Time taken by a backfill run",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
	}

	err := errors.Join(
		reg.Register(m.notifications),
		reg.Register(m.checkpoint),
		reg.Register(m.gaps),
		reg.Register(m.gapSize),
		reg.Register(m.backfills),
		reg.Register(m.backfilledSlots),
		reg.Register(m.backfillDuration),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordNotification(_ context.Context, status string) {
	m.notifications.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordCheckpoint(_ context.Context, slot uint64) {
	m.checkpoint.Set(float64(slot))
}

func (m *Metrics) RecordGap(_ context.Context, size uint64) {
	m.gaps.Inc()
	m.gapSize.Observe(float64(size))
}

func (m *Metrics) RecordBackfill(_ context.Context, slots int, duration time.Duration, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
		m.backfilledSlots.Add(float64(slots))
	}
	m.backfills.WithLabelValues(outcome).Inc()
	m.backfillDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// FeedStats exposes the live feed's connection counters.
type FeedStats interface {
	Reconnects() int64
	Dropped() int64
}

// RegisterFeedStats exports the feed counters, read at scrape time.
func RegisterFeedStats(reg prometheus.Registerer, stats FeedStats) error {
	if reg == nil {
		return errors.New("prometheus registerer is required")
	}
	if stats == nil {
		return errors.New("feed stats are required")
	}
	return errors.Join(
		reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Websocket reconnects of the slot feed",
		}, func() float64 { return float64(stats.Reconnects()) })),
		reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "feed",
			Name:      "dropped_total",
			Help:      "Non-finalized updates dropped under backpressure",
		}, func() float64 { return float64(stats.Dropped()) })),
	)
}

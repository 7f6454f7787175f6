package slot_processor

import (
	"context"
	"errors"
	"testing"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
	"github.com/archon-research/stl/stl-slots/internal/testutil"
)

type stubProcessor struct {
	err   error
	slots []uint64
}

func (s *stubProcessor) Process(ctx context.Context, n entity.SlotNotification) error {
	s.slots = append(s.slots, n.Slot)
	return s.err
}

func TestNewStreaming_RequiresNext(t *testing.T) {
	if _, err := NewStreaming(nil, nil); err == nil {
		t.Fatal("expected error for nil processor")
	}
}

func TestStreaming_ForwardsAndRecords(t *testing.T) {
	next := &stubProcessor{}
	metrics := &fakeMetrics{}
	s, err := NewStreaming(next, metrics)
	if err != nil {
		t.Fatalf("NewStreaming failed: %v", err)
	}

	if !s.LastActivity().IsZero() {
		t.Error("expected zero last activity before any notification")
	}

	ctx := context.Background()
	notifications := []entity.SlotNotification{
		{Slot: 10, Status: entity.SlotProcessed},
		entity.NewFinalizedNotification(9, 8),
		entity.NewFinalizedNotification(8, 7),
	}
	for _, n := range notifications {
		if err := s.Process(ctx, n); err != nil {
			t.Fatalf("Process failed: %v", err)
		}
	}

	if len(next.slots) != 3 {
		t.Errorf("expected 3 forwarded notifications, got %d", len(next.slots))
	}
	if len(metrics.statuses) != 3 || metrics.statuses[0] != "Processed" {
		t.Errorf("unexpected recorded statuses: %v", metrics.statuses)
	}
	if s.LastActivity().IsZero() {
		t.Error("expected last activity to be set")
	}
	if processed, failed := s.Counts(); processed != 3 || failed != 0 {
		t.Errorf("unexpected counts: processed=%d failed=%d", processed, failed)
	}
}

func TestStreaming_ReturnsWrappedError(t *testing.T) {
	next := &stubProcessor{err: entity.ErrGapUnresolvable}
	s, _ := NewStreaming(next, nil)

	err := s.Process(context.Background(), entity.NewFinalizedNotification(5, 4))
	if !errors.Is(err, entity.ErrGapUnresolvable) {
		t.Fatalf("expected ErrGapUnresolvable, got %v", err)
	}
	if processed, _ := s.Counts(); processed != 0 {
		t.Errorf("failed notification must not count as processed, got %d", processed)
	}
	if _, failed := s.Counts(); failed != 1 {
		t.Errorf("expected 1 failure, got %d", failed)
	}
}

func TestStreaming_WrapsCheckpointed(t *testing.T) {
	f := newFixture(t, testutil.Uint64Ptr(100))
	s, err := NewStreaming(f.proc, f.metrics)
	if err != nil {
		t.Fatalf("NewStreaming failed: %v", err)
	}

	if err := s.Process(context.Background(), entity.NewFinalizedNotification(102, 101)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got := f.checkpoint(t); got != 102 {
		t.Errorf("expected checkpoint 102, got %d", got)
	}
}

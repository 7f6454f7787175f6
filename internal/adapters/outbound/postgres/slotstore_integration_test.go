//go:build integration

package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
	"github.com/archon-research/stl/stl-slots/internal/ports/outbound"
	"github.com/archon-research/stl/stl-slots/internal/services/slot_processor"
	"github.com/archon-research/stl/stl-slots/internal/testutil"
)

func setupStore(t *testing.T) *SlotStore {
	t.Helper()
	pool, _, cleanup := testutil.SetupPostgres(t)
	t.Cleanup(cleanup)

	store, err := NewSlotStore(pool, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewSlotStore failed: %v", err)
	}
	return store
}

func TestSlotStore_UpsertAndGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.UpsertSlot(ctx, entity.SlotNotification{Slot: 10, Parent: testutil.Uint64Ptr(9), Status: entity.SlotProcessed}); err != nil {
		t.Fatalf("UpsertSlot failed: %v", err)
	}
	if err := store.UpsertSlot(ctx, entity.NewFinalizedNotification(10, 9)); err != nil {
		t.Fatalf("UpsertSlot failed: %v", err)
	}

	got, err := store.GetSlot(ctx, 10)
	if err != nil {
		t.Fatalf("GetSlot failed: %v", err)
	}
	if got == nil || got.Status != entity.SlotFinalized {
		t.Fatalf("expected finalized slot 10, got %+v", got)
	}
	if got.Parent == nil || *got.Parent != 9 {
		t.Errorf("unexpected parent %v", got.Parent)
	}

	missing, err := store.GetSlot(ctx, 11)
	if err != nil || missing != nil {
		t.Errorf("expected nil for missing slot, got %+v (err=%v)", missing, err)
	}
}

func TestSlotStore_DeadSlotKeepsError(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	n := entity.SlotNotification{Slot: 20, Status: entity.SlotDead, DeadError: "bank hash mismatch"}
	if err := store.UpsertSlot(ctx, n); err != nil {
		t.Fatalf("UpsertSlot failed: %v", err)
	}

	got, _ := store.GetSlot(ctx, 20)
	if got == nil || got.DeadError != "bank hash mismatch" || got.Parent != nil {
		t.Errorf("unexpected record %+v", got)
	}
}

func TestSlotStore_ParentConstraint(t *testing.T) {
	store := setupStore(t)

	err := store.UpsertSlot(context.Background(), entity.SlotNotification{Slot: 5, Parent: testutil.Uint64Ptr(5), Status: entity.SlotProcessed})
	if !errors.Is(err, entity.ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
}

func TestSlotStore_Checkpoint(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if _, ok, err := store.GetCheckpoint(ctx, "k"); err != nil || ok {
		t.Fatalf("expected no checkpoint, ok=%v err=%v", ok, err)
	}
	for _, v := range []uint64{100, 101} {
		if err := store.SetCheckpoint(ctx, "k", v); err != nil {
			t.Fatalf("SetCheckpoint failed: %v", err)
		}
	}
	v, ok, err := store.GetCheckpoint(ctx, "k")
	if err != nil || !ok || v != 101 {
		t.Fatalf("expected 101, got %d ok=%v err=%v", v, ok, err)
	}
}

func TestSlotStore_TransactionRollback(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.SetCheckpoint(ctx, "k", 100); err != nil {
		t.Fatalf("SetCheckpoint failed: %v", err)
	}

	boom := errors.New("boom")
	err := store.WithTransaction(ctx, func(w outbound.SlotWriter) error {
		if err := w.UpsertSlot(ctx, entity.NewFinalizedNotification(101, 100)); err != nil {
			return err
		}
		if err := w.SetCheckpoint(ctx, "k", 101); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if v, _, _ := store.GetCheckpoint(ctx, "k"); v != 100 {
		t.Errorf("expected checkpoint 100 after rollback, got %d", v)
	}
	if got, _ := store.GetSlot(ctx, 101); got != nil {
		t.Error("expected slot 101 to be rolled back")
	}
}

func TestSlotStore_FindFinalizedGaps(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	for _, slot := range []uint64{10, 11, 14, 15, 20} {
		if err := store.UpsertSlot(ctx, entity.NewFinalizedNotification(slot, slot-1)); err != nil {
			t.Fatalf("UpsertSlot failed: %v", err)
		}
	}
	// Non-finalized slots do not close gaps.
	if err := store.UpsertSlot(ctx, entity.SlotNotification{Slot: 12, Status: entity.SlotConfirmed}); err != nil {
		t.Fatalf("UpsertSlot failed: %v", err)
	}

	gaps, err := store.FindFinalizedGaps(ctx, 0, 100)
	if err != nil {
		t.Fatalf("FindFinalizedGaps failed: %v", err)
	}
	want := []outbound.SlotRange{{From: 12, To: 13}, {From: 16, To: 19}}
	if len(gaps) != len(want) {
		t.Fatalf("expected %v, got %v", want, gaps)
	}
	for i := range want {
		if gaps[i] != want[i] {
			t.Errorf("gap %d: expected %v, got %v", i, want[i], gaps[i])
		}
	}
}

func TestSlotStore_CheckpointedProcessorEndToEnd(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	source := testutil.NewMockHistoricalSource(1000)

	cfg := slot_processor.CheckpointedConfigDefaults()
	cfg.Logger = testutil.DiscardLogger()
	proc, err := slot_processor.NewCheckpointed(ctx, cfg, store, source)
	if err != nil {
		t.Fatalf("NewCheckpointed failed: %v", err)
	}

	if err := proc.Process(ctx, entity.NewFinalizedNotification(100, 99)); err != nil {
		t.Fatalf("baseline failed: %v", err)
	}

	source.FailSlot(103, entity.ErrTransientIO)
	if err := proc.Process(ctx, entity.NewFinalizedNotification(105, 104)); err == nil {
		t.Fatal("expected backfill failure")
	}
	if v, _, _ := store.GetCheckpoint(ctx, slot_processor.CheckpointKey); v != 100 {
		t.Fatalf("expected checkpoint 100 after failure, got %d", v)
	}
	if got, _ := store.GetSlot(ctx, 101); got != nil {
		t.Fatal("backfilled slot 101 must be rolled back")
	}

	source.ClearFailures()
	var wg sync.WaitGroup
	for _, slot := range []uint64{105, 106} {
		wg.Add(1)
		go func(slot uint64) {
			defer wg.Done()
			if err := proc.Process(ctx, entity.NewFinalizedNotification(slot, slot-1)); err != nil {
				t.Errorf("Process(%d) failed: %v", slot, err)
			}
		}(slot)
	}
	wg.Wait()

	if v, _, _ := store.GetCheckpoint(ctx, slot_processor.CheckpointKey); v != 106 {
		t.Fatalf("expected checkpoint 106, got %d", v)
	}
	gaps, err := store.FindFinalizedGaps(ctx, 100, 106)
	if err != nil {
		t.Fatalf("FindFinalizedGaps failed: %v", err)
	}
	if len(gaps) != 0 {
		t.Errorf("expected no finalized gaps, got %v", gaps)
	}
}

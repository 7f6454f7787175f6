// slotstore.go provides an in-memory implementation of SlotStore.
//
// This adapter is designed for testing and for lightweight deployments. It stores:
//   - Slot records keyed by slot number
//   - Named checkpoints, plus the history of every committed checkpoint value
//
// Transactions stage writes and apply them under a single lock on commit, so a
// failed transaction leaves nothing behind. Failure hooks let tests inject I/O errors.
// All operations are thread-safe using sync.RWMutex. Data is lost on process restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
	"github.com/archon-research/stl/stl-slots/internal/ports/outbound"
)

// Compile-time check that SlotStore implements outbound.SlotStore
var _ outbound.SlotStore = (*SlotStore)(nil)

// SlotStore is an in-memory implementation of the outbound.SlotStore port.
type SlotStore struct {
	mu          sync.RWMutex
	slots       map[uint64]entity.SlotNotification
	checkpoints map[string]uint64
	history     map[string][]uint64
	upserts     int

	upsertHook     func(n entity.SlotNotification) error
	checkpointHook func(key string, value uint64) error
}

// NewSlotStore creates an empty in-memory slot store.
func NewSlotStore() *SlotStore {
	return &SlotStore{
		slots:       make(map[uint64]entity.SlotNotification),
		checkpoints: make(map[string]uint64),
		history:     make(map[string][]uint64),
	}
}

// SetUpsertHook registers a function called before every upsert. A non-nil
// return fails the upsert with that error.
func (s *SlotStore) SetUpsertHook(hook func(n entity.SlotNotification) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertHook = hook
}

// SetCheckpointHook registers a function called before every checkpoint write.
func (s *SlotStore) SetCheckpointHook(hook func(key string, value uint64) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpointHook = hook
}

// UpsertSlot records a notification, overwriting any previous record for the slot.
func (s *SlotStore) UpsertSlot(ctx context.Context, n entity.SlotNotification) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", entity.ErrTransientIO, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.runUpsertHook(n); err != nil {
		return err
	}
	s.applyUpsert(n)
	return nil
}

// SetCheckpoint overwrites the named checkpoint.
func (s *SlotStore) SetCheckpoint(ctx context.Context, key string, value uint64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", entity.ErrTransientIO, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.runCheckpointHook(key, value); err != nil {
		return err
	}
	s.applyCheckpoint(key, value)
	return nil
}

// GetCheckpoint returns the named checkpoint.
func (s *SlotStore) GetCheckpoint(ctx context.Context, key string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.checkpoints[key]
	return v, ok, nil
}

// GetSlot returns a copy of the stored record, or nil.
func (s *SlotStore) GetSlot(ctx context.Context, slot uint64) (*entity.SlotNotification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.slots[slot]
	if !ok {
		return nil, nil
	}
	return copyNotification(n), nil
}

// FindFinalizedGaps returns missing ranges between stored finalized slots in [from, to].
func (s *SlotStore) FindFinalizedGaps(ctx context.Context, from, to uint64) ([]outbound.SlotRange, error) {
	if to < from {
		return nil, nil
	}

	s.mu.RLock()
	finalized := make([]uint64, 0, len(s.slots))
	for slot, n := range s.slots {
		if slot >= from && slot <= to && n.Status.IsFinalized() {
			finalized = append(finalized, slot)
		}
	}
	s.mu.RUnlock()

	sort.Slice(finalized, func(i, j int) bool { return finalized[i] < finalized[j] })

	var gaps []outbound.SlotRange
	for i := 1; i < len(finalized); i++ {
		if finalized[i] > finalized[i-1]+1 {
			gaps = append(gaps, outbound.SlotRange{From: finalized[i-1] + 1, To: finalized[i] - 1})
		}
	}
	return gaps, nil
}

// WithTransaction stages fn's writes and applies them atomically if fn succeeds.
func (s *SlotStore) WithTransaction(ctx context.Context, fn func(w outbound.SlotWriter) error) error {
	tx := &stagedWriter{store: s}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: commit: %w", entity.ErrTransientIO, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range tx.ops {
		op()
	}
	return nil
}

// CheckpointHistory returns every committed value of the named checkpoint, in order.
func (s *SlotStore) CheckpointHistory(key string) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]uint64, len(s.history[key]))
	copy(out, s.history[key])
	return out
}

// SlotCount returns the number of distinct stored slots.
func (s *SlotStore) SlotCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// UpsertCount returns the number of committed upserts, including overwrites.
func (s *SlotStore) UpsertCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upserts
}

func (s *SlotStore) runUpsertHook(n entity.SlotNotification) error {
	if s.upsertHook == nil {
		return nil
	}
	return s.upsertHook(n)
}

func (s *SlotStore) runCheckpointHook(key string, value uint64) error {
	if s.checkpointHook == nil {
		return nil
	}
	return s.checkpointHook(key, value)
}

// applyUpsert must be called with mu held.
func (s *SlotStore) applyUpsert(n entity.SlotNotification) {
	s.slots[n.Slot] = *copyNotification(n)
	s.upserts++
}

// applyCheckpoint must be called with mu held.
func (s *SlotStore) applyCheckpoint(key string, value uint64) {
	s.checkpoints[key] = value
	s.history[key] = append(s.history[key], value)
}

// stagedWriter buffers writes for WithTransaction.
type stagedWriter struct {
	store *SlotStore
	ops   []func()
}

func (w *stagedWriter) UpsertSlot(ctx context.Context, n entity.SlotNotification) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", entity.ErrTransientIO, err)
	}

	w.store.mu.RLock()
	err := w.store.runUpsertHook(n)
	w.store.mu.RUnlock()
	if err != nil {
		return err
	}

	staged := *copyNotification(n)
	w.ops = append(w.ops, func() { w.store.applyUpsert(staged) })
	return nil
}

func (w *stagedWriter) SetCheckpoint(ctx context.Context, key string, value uint64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", entity.ErrTransientIO, err)
	}
	w.store.mu.RLock()
	err := w.store.runCheckpointHook(key, value)
	w.store.mu.RUnlock()
	if err != nil {
		return err
	}

	w.ops = append(w.ops, func() { w.store.applyCheckpoint(key, value) })
	return nil
}

func copyNotification(n entity.SlotNotification) *entity.SlotNotification {
	out := n
	if n.Parent != nil {
		parent := *n.Parent
		out.Parent = &parent
	}
	return &out
}

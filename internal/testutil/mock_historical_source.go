package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
	"github.com/archon-research/stl/stl-slots/internal/ports/outbound"
)

// Compile-time check that MockHistoricalSource implements outbound.HistoricalSource
var _ outbound.HistoricalSource = (*MockHistoricalSource)(nil)

// MockHistoricalSource implements outbound.HistoricalSource for testing.
// Every slot has a block whose parent is slot-1 unless configured otherwise.
type MockHistoricalSource struct {
	mu        sync.Mutex
	finalized uint64
	parents   map[uint64]uint64
	missing   map[uint64]bool
	failures  map[uint64]error
	calls     []uint64

	// FinalizedErr is returned by GetFinalizedSlot when set.
	FinalizedErr error

	// Delay is slept before every GetFinalizedBlock response.
	Delay time.Duration
}

// NewMockHistoricalSource creates a source whose finalized slot is finalized.
func NewMockHistoricalSource(finalized uint64) *MockHistoricalSource {
	return &MockHistoricalSource{
		finalized: finalized,
		parents:   make(map[uint64]uint64),
		missing:   make(map[uint64]bool),
		failures:  make(map[uint64]error),
	}
}

// SetFinalizedSlot changes the value returned by GetFinalizedSlot.
func (m *MockHistoricalSource) SetFinalizedSlot(slot uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized = slot
}

// SetParent overrides the parent slot reported for slot.
func (m *MockHistoricalSource) SetParent(slot, parent uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parents[slot] = parent
}

// MarkMissing makes GetFinalizedBlock return ErrSlotNotFound for slot.
func (m *MockHistoricalSource) MarkMissing(slot uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missing[slot] = true
}

// FailSlot makes GetFinalizedBlock return err for slot.
func (m *MockHistoricalSource) FailSlot(slot uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[slot] = err
}

// ClearFailures removes every configured failure and missing slot.
func (m *MockHistoricalSource) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missing = make(map[uint64]bool)
	m.failures = make(map[uint64]error)
}

// Calls returns the slots requested from GetFinalizedBlock, in order.
func (m *MockHistoricalSource) Calls() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.calls))
	copy(out, m.calls)
	return out
}

// GetFinalizedSlot returns the configured finalized slot.
func (m *MockHistoricalSource) GetFinalizedSlot(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FinalizedErr != nil {
		return 0, m.FinalizedErr
	}
	return m.finalized, nil
}

// GetFinalizedBlock returns a synthetic block for slot.
func (m *MockHistoricalSource) GetFinalizedBlock(ctx context.Context, slot uint64) (*entity.BlockRecord, error) {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Delay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, slot)
	if err, ok := m.failures[slot]; ok {
		return nil, err
	}
	if m.missing[slot] {
		return nil, fmt.Errorf("slot %d: %w", slot, outbound.ErrSlotNotFound)
	}

	var parent uint64
	if slot > 0 {
		parent = slot - 1
	}
	if p, ok := m.parents[slot]; ok {
		parent = p
	}
	return &entity.BlockRecord{
		Slot:              slot,
		ParentSlot:        parent,
		Blockhash:         fmt.Sprintf("hash-%d", slot),
		PreviousBlockhash: fmt.Sprintf("hash-%d", parent),
	}, nil
}

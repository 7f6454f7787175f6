package slot_processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
	"github.com/archon-research/stl/stl-slots/internal/ports/inbound"
)

var _ inbound.SlotProcessor = (*Validating)(nil)

// Validating checks that finalized slots arrive contiguously without writing anything.
// The first finalized slot is the baseline; later slots at or below the last seen
// slot are ignored, and any skipped slot is reported as ErrGapUnresolvable.
type Validating struct {
	logger *slog.Logger

	mu      sync.Mutex
	last    uint64
	hasLast bool
	seen    int
}

// NewValidating creates a validation-only processor.
func NewValidating(logger *slog.Logger) *Validating {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validating{logger: logger.With("component", "validating-processor")}
}

func (v *Validating) Process(ctx context.Context, n entity.SlotNotification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if !n.Status.IsFinalized() {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	switch {
	case !v.hasLast:
		v.logger.Debug("validation baseline", "slot", n.Slot)
	case n.Slot <= v.last:
		return nil
	case n.Slot != v.last+1:
		return fmt.Errorf("%w: expected slot %d, got %d", entity.ErrGapUnresolvable, v.last+1, n.Slot)
	}

	v.last, v.hasLast = n.Slot, true
	v.seen++
	return nil
}

// LastFinalized returns the last validated finalized slot.
func (v *Validating) LastFinalized() (uint64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last, v.hasLast
}

// Validated returns how many finalized slots passed validation.
func (v *Validating) Validated() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.seen
}

// Package entity contains the core domain entities for slot ingestion.
// These entities represent the fundamental business objects and have no external dependencies.
package entity

import "fmt"

// SlotStatus is the lifecycle state a chain reports for a slot.
type SlotStatus string

const (
	SlotProcessed          SlotStatus = "Processed"
	SlotConfirmed          SlotStatus = "Confirmed"
	SlotFinalized          SlotStatus = "Finalized"
	SlotFirstShredReceived SlotStatus = "FirstShredReceived"
	SlotCompleted          SlotStatus = "Completed"
	SlotCreatedBank        SlotStatus = "CreatedBank"
	SlotDead               SlotStatus = "Dead"
)

// validSlotStatuses contains all valid slot statuses for quick lookup
var validSlotStatuses = map[SlotStatus]bool{
	SlotProcessed:          true,
	SlotConfirmed:          true,
	SlotFinalized:          true,
	SlotFirstShredReceived: true,
	SlotCompleted:          true,
	SlotCreatedBank:        true,
	SlotDead:               true,
}

// IsValid returns true if the SlotStatus is a known status
func (s SlotStatus) IsValid() bool {
	return validSlotStatuses[s]
}

// IsFinalized reports whether the status takes part in checkpoint advancement.
func (s SlotStatus) IsFinalized() bool {
	return s == SlotFinalized
}

// String returns the string representation of the SlotStatus
func (s SlotStatus) String() string {
	return string(s)
}

// ParseSlotStatus converts a persisted status string back into a SlotStatus.
func ParseSlotStatus(raw string) (SlotStatus, error) {
	status := SlotStatus(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("unknown slot status %q", raw)
	}
	return status, nil
}

// SlotNotification describes one observed slot event.
type SlotNotification struct {
	Slot   uint64
	Parent *uint64
	Status SlotStatus

	// DeadError carries the reason reported by the feed for a dead slot.
	DeadError string
}

// NewFinalizedNotification builds a Finalized notification for slot with the given parent.
func NewFinalizedNotification(slot, parent uint64) SlotNotification {
	return SlotNotification{
		Slot:   slot,
		Parent: &parent,
		Status: SlotFinalized,
	}
}

// Validate checks the notification is internally consistent.
func (n SlotNotification) Validate() error {
	if !n.Status.IsValid() {
		return fmt.Errorf("%w: slot %d has unknown status %q", ErrInvariantViolation, n.Slot, n.Status)
	}
	if n.Parent != nil && *n.Parent >= n.Slot {
		return fmt.Errorf("%w: slot %d has parent %d which is not lower", ErrInvariantViolation, n.Slot, *n.Parent)
	}
	return nil
}

// BlockRecord is the minimal block metadata returned by a historical source.
// It is transient: it only exists to produce the next notification during backfill.
type BlockRecord struct {
	Slot                   uint64  `json:"slot"`
	ParentSlot             uint64  `json:"parentSlot"`
	BlockHeight            *uint64 `json:"blockHeight,omitempty"`
	BlockTime              *int64  `json:"blockTime,omitempty"`
	Blockhash              string  `json:"blockhash"`
	PreviousBlockhash      string  `json:"previousBlockhash"`
	TransactionCount       int     `json:"transactionCount"`
	FailedTransactionCount int     `json:"failedTransactionCount"`
}

// Notification converts the block into the synthetic Finalized notification used by backfill.
// The genesis block reports itself as its own parent, so slot 0 carries no parent.
func (b BlockRecord) Notification() SlotNotification {
	if b.Slot == 0 {
		return SlotNotification{Slot: 0, Status: SlotFinalized}
	}
	return NewFinalizedNotification(b.Slot, b.ParentSlot)
}

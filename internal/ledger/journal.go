package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// MoveType represents the purpose of a capital move
type MoveType int32

const (
	MoveTypeDeposit MoveType = iota
	MoveTypeWithdraw
	MoveTypeAllocate
	MoveTypeDeallocate
	MoveTypeLayAdjust
)

func (mt MoveType) String() string {
	switch mt {
	case MoveTypeDeposit:
		return "Deposit"
	case MoveTypeWithdraw:
		return "Withdraw"
	case MoveTypeAllocate:
		return "Allocate"
	case MoveTypeDeallocate:
		return "Deallocate"
	case MoveTypeLayAdjust:
		return "LayAdjust"
	default:
		return "Unknown"
	}
}

// CapitalMove records a single transfer between the free pool and a market's
// locked pool (or across the vault boundary for deposits/withdrawals).
type CapitalMove struct {
	MoveID    uuid.UUID // Unique identifier
	BatchID   uuid.UUID // Groups moves produced by one event
	EventRef  string    // Idempotency key of source event
	Sequence  int64     // Global event sequence
	Account   uuid.UUID
	Market    string   // Empty for vault-boundary moves
	MoveType  MoveType // Move type
	Amount    int64    // Positive except LayAdjust (signed delta)
	Timestamp int64    // Versioned input timestamp (epoch microseconds)
}

// Batch groups the capital moves generated by one applied event.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Moves     []CapitalMove
}

// Validate ensures the batch is well-formed. Empty batches are legal — events
// that touch only exposure state (no capital decision fires) still carry an
// envelope in the event log.
func (b *Batch) Validate() error {
	for _, m := range b.Moves {
		if m.MoveType != MoveTypeLayAdjust && m.Amount <= 0 {
			return fmt.Errorf("move %s has non-positive amount: %d", m.MoveID, m.Amount)
		}
		if m.MoveType == MoveTypeLayAdjust && m.Amount == 0 {
			return fmt.Errorf("move %s is a zero lay adjustment", m.MoveID)
		}
		if m.BatchID != b.BatchID {
			return fmt.Errorf("move %s has mismatched batch_id", m.MoveID)
		}
		switch m.MoveType {
		case MoveTypeAllocate, MoveTypeDeallocate, MoveTypeLayAdjust:
			if m.Market == "" {
				return fmt.Errorf("move %s (%s) has no market", m.MoveID, m.MoveType)
			}
		}
	}
	return nil
}

package event

import (
	"time"

	"github.com/google/uuid"
)

// CollateralDeposited confirms a deposit from the external vault into an
// account's free collateral. Any fee skimming happened upstream — the amount
// here is net.
type CollateralDeposited struct {
	DepositID uuid.UUID
	Account   uuid.UUID
	Amount    int64 // Always positive
	Sequence  int64
	Timestamp time.Time
}

func (d *CollateralDeposited) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *CollateralDeposited) EventType() EventType {
	return EventTypeCollateralDeposited
}

func (d *CollateralDeposited) MarketID() *string {
	return nil // Global event
}

func (d *CollateralDeposited) SourceSequence() int64 {
	return d.Sequence
}

// CollateralWithdrawn confirms a withdrawal of free collateral back to the
// external vault. Rejected by the core if the account's free pool is short.
type CollateralWithdrawn struct {
	WithdrawalID uuid.UUID
	Account      uuid.UUID
	Amount       int64 // Always positive
	Sequence     int64
	Timestamp    time.Time
}

func (w *CollateralWithdrawn) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *CollateralWithdrawn) EventType() EventType {
	return EventTypeCollateralWithdrawn
}

func (w *CollateralWithdrawn) MarketID() *string {
	return nil
}

func (w *CollateralWithdrawn) SourceSequence() int64 {
	return w.Sequence
}

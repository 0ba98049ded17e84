package event

import (
	"time"

	"github.com/google/uuid"
)

// ExposureDelta reports a signed change to one account's exposure to one
// outcome position, as settled by the trade collaborator.
// Idempotency key: delta_id (UUID from the settlement engine).
type ExposureDelta struct {
	DeltaID       uuid.UUID // Idempotency key
	Account       uuid.UUID
	Market        string
	Position      uint32 // Outcome position identifier (monotonic, never reused)
	Delta         int64  // Signed tilt change
	LayDelta      int64  // Signed lay-offset change on the opposing side (may be 0)
	TradeSequence int64  // Source sequence from the settlement engine
	Timestamp     time.Time // Versioned input timestamp (NOT wall-clock)
}

func (e *ExposureDelta) IdempotencyKey() string {
	return e.DeltaID.String()
}

func (e *ExposureDelta) EventType() EventType {
	return EventTypeExposureDelta
}

func (e *ExposureDelta) MarketID() *string {
	m := e.Market
	return &m
}

func (e *ExposureDelta) SourceSequence() int64 {
	return e.TradeSequence
}

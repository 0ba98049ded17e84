package event

import (
	"time"
)

// Event is implemented by every payload the adequacy core can apply.
type Event interface {
	// IdempotencyKey returns the upstream-stable dedup key.
	IdempotencyKey() string

	// EventType returns the payload discriminator.
	EventType() EventType

	// MarketID returns the market context, nil for vault-level events.
	MarketID() *string

	// SourceSequence returns the producer's per-partition ordering key.
	SourceSequence() int64
}

// EventType discriminates payloads in the log and on the wire.
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeExposureDelta
	EventTypeCollateralDeposited
	EventTypeCollateralWithdrawn
	EventTypeMarketRegistered
	EventTypeCapitalAllocated
	EventTypeCapitalDeallocated
)

var eventTypeNames = map[EventType]string{
	EventTypeExposureDelta:       "ExposureDelta",
	EventTypeCollateralDeposited: "CollateralDeposited",
	EventTypeCollateralWithdrawn: "CollateralWithdrawn",
	EventTypeMarketRegistered:    "MarketRegistered",
	EventTypeCapitalAllocated:    "CapitalAllocated",
	EventTypeCapitalDeallocated:  "CapitalDeallocated",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// EventEnvelope is the log record wrapped around every applied event. The
// timestamp is the versioned input timestamp, never wall clock, so replaying
// the log reproduces envelopes byte for byte.
type EventEnvelope struct {
	// Global monotonic sequence assigned by the core.
	Sequence int64

	// Stable idempotency key from upstream.
	IdempotencyKey string

	EventType EventType

	// Market context, nil for vault-level events.
	MarketID *string

	Timestamp time.Time

	// Producer's per-partition sequence, for ordering validation.
	SourceSequence int64

	// JSON-encoded payload.
	Payload []byte

	// SHA-256 of state after this event, and the previous event's hash
	// (chain integrity).
	StateHash [32]byte
	PrevHash  [32]byte
}

package event

import (
	"time"

	"github.com/google/uuid"
)

// MarketRegistered declares a market's capital-adequacy parameters.
// Parameters are immutable after registration; a duplicate registration for
// the same market is rejected by the core.
type MarketRegistered struct {
	Market          string
	SyntheticLine   int64     // Credit line for the designated maker (>= 0)
	DesignatedMaker uuid.UUID // uuid.Nil if the market has no privileged maker
	Expanding       bool      // Open-ended outcome set
	Sequence        int64
	Timestamp       time.Time
}

func (m *MarketRegistered) IdempotencyKey() string {
	return "market:" + m.Market
}

func (m *MarketRegistered) EventType() EventType {
	return EventTypeMarketRegistered
}

func (m *MarketRegistered) MarketID() *string {
	id := m.Market
	return &id
}

func (m *MarketRegistered) SourceSequence() int64 {
	return m.Sequence
}

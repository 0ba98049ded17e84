package ingestion

import (
	"context"
	"fmt"
	"time"

	"OutcomeLedger/internal/event"

	"github.com/google/uuid"
)

// GRPCIngestService is the operator surface for manual event injection —
// backfills and incident repair, not high-throughput ingestion (NATS is).
// Injected events carry no source sequence; the ingestion loop stamps each
// with its partition's next expected sequence on admission, so the upstream
// feed for that partition must be paused first.
type GRPCIngestService struct {
	eventChan chan<- event.Event
}

func NewGRPCIngestService(eventChan chan<- event.Event) *GRPCIngestService {
	return &GRPCIngestService{eventChan: eventChan}
}

func (s *GRPCIngestService) submit(ctx context.Context, evt event.Event) error {
	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectDeposit queues a CollateralDeposited event.
func (s *GRPCIngestService) InjectDeposit(ctx context.Context, account uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	return s.submit(ctx, &event.CollateralDeposited{
		DepositID: uuid.New(),
		Account:   account,
		Amount:    amount,
		Timestamp: time.Now(),
	})
}

// InjectWithdrawal queues a CollateralWithdrawn event.
func (s *GRPCIngestService) InjectWithdrawal(ctx context.Context, account uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	return s.submit(ctx, &event.CollateralWithdrawn{
		WithdrawalID: uuid.New(),
		Account:      account,
		Amount:       amount,
		Timestamp:    time.Now(),
	})
}

// InjectExposureDelta queues an ExposureDelta event.
func (s *GRPCIngestService) InjectExposureDelta(
	ctx context.Context,
	account uuid.UUID,
	market string,
	position uint32,
	delta, layDelta int64,
) error {
	if market == "" {
		return fmt.Errorf("market must not be empty")
	}
	if delta == 0 && layDelta == 0 {
		return fmt.Errorf("delta and lay delta both zero")
	}
	return s.submit(ctx, &event.ExposureDelta{
		DeltaID:   uuid.New(),
		Account:   account,
		Market:    market,
		Position:  position,
		Delta:     delta,
		LayDelta:  layDelta,
		Timestamp: time.Now(),
	})
}

// InjectMarketRegistration queues a MarketRegistered event.
func (s *GRPCIngestService) InjectMarketRegistration(
	ctx context.Context,
	market string,
	syntheticLine int64,
	designatedMaker uuid.UUID,
	expanding bool,
) error {
	if market == "" {
		return fmt.Errorf("market must not be empty")
	}
	if syntheticLine < 0 {
		return fmt.Errorf("synthetic line must be non-negative")
	}
	return s.submit(ctx, &event.MarketRegistered{
		Market:          market,
		SyntheticLine:   syntheticLine,
		DesignatedMaker: designatedMaker,
		Expanding:       expanding,
		Timestamp:       time.Now(),
	})
}

package ingestion

import (
	"OutcomeLedger/internal/event"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates, parses, and converts raw
// events before sending them to the adequacy core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "ExposureDelta":
		return parseExposureDelta(raw.Data)
	case "CollateralDeposited":
		return parseCollateralDeposited(raw.Data)
	case "CollateralWithdrawn":
		return parseCollateralWithdrawn(raw.Data)
	case "MarketRegistered":
		return parseMarketRegistered(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// MarshalWireEvent serializes a typed event back into the wire JSON that
// ParseRawEvent accepts. The event log stores payloads in this form, so
// replay after a restart runs through the same parse path as live ingestion.
func MarshalWireEvent(evt event.Event) ([]byte, error) {
	switch e := evt.(type) {
	case *event.ExposureDelta:
		return json.Marshal(exposureDeltaJSON{
			DeltaID:       e.DeltaID.String(),
			AccountID:     e.Account.String(),
			Market:        e.Market,
			Position:      e.Position,
			Delta:         e.Delta,
			LayDelta:      e.LayDelta,
			TradeSequence: e.TradeSequence,
			TimestampUs:   e.Timestamp.UnixMicro(),
		})
	case *event.CollateralDeposited:
		return json.Marshal(depositJSON{
			DepositID:   e.DepositID.String(),
			AccountID:   e.Account.String(),
			Amount:      e.Amount,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *event.CollateralWithdrawn:
		return json.Marshal(withdrawalJSON{
			WithdrawalID: e.WithdrawalID.String(),
			AccountID:    e.Account.String(),
			Amount:       e.Amount,
			Sequence:     e.Sequence,
			TimestampUs:  e.Timestamp.UnixMicro(),
		})
	case *event.MarketRegistered:
		maker := ""
		if e.DesignatedMaker != uuid.Nil {
			maker = e.DesignatedMaker.String()
		}
		return json.Marshal(marketRegisteredJSON{
			Market:          e.Market,
			SyntheticLine:   e.SyntheticLine,
			DesignatedMaker: maker,
			Expanding:       e.Expanding,
			Sequence:        e.Sequence,
			TimestampUs:     e.Timestamp.UnixMicro(),
		})
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type exposureDeltaJSON struct {
	DeltaID       string `json:"delta_id"`
	AccountID     string `json:"account_id"`
	Market        string `json:"market"`
	Position      uint32 `json:"position"`
	Delta         int64  `json:"delta"`
	LayDelta      int64  `json:"lay_delta"`
	TradeSequence int64  `json:"trade_sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseExposureDelta(data []byte) (*event.ExposureDelta, error) {
	var j exposureDeltaJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ExposureDelta: %w", err)
	}

	deltaID, err := uuid.Parse(j.DeltaID)
	if err != nil {
		return nil, fmt.Errorf("parse delta_id: %w", err)
	}
	account, err := uuid.Parse(j.AccountID)
	if err != nil {
		return nil, fmt.Errorf("parse account_id: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("market must not be empty")
	}
	if j.Delta == 0 && j.LayDelta == 0 {
		return nil, fmt.Errorf("delta and lay_delta both zero")
	}

	return &event.ExposureDelta{
		DeltaID:       deltaID,
		Account:       account,
		Market:        j.Market,
		Position:      j.Position,
		Delta:         j.Delta,
		LayDelta:      j.LayDelta,
		TradeSequence: j.TradeSequence,
		Timestamp:     time.UnixMicro(j.TimestampUs),
	}, nil
}

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	AccountID   string `json:"account_id"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCollateralDeposited(data []byte) (*event.CollateralDeposited, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CollateralDeposited: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	account, err := uuid.Parse(j.AccountID)
	if err != nil {
		return nil, fmt.Errorf("parse account_id: %w", err)
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %d", j.Amount)
	}
	return &event.CollateralDeposited{
		DepositID: depositID,
		Account:   account,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type withdrawalJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	AccountID    string `json:"account_id"`
	Amount       int64  `json:"amount"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseCollateralWithdrawn(data []byte) (*event.CollateralWithdrawn, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CollateralWithdrawn: %w", err)
	}
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	account, err := uuid.Parse(j.AccountID)
	if err != nil {
		return nil, fmt.Errorf("parse account_id: %w", err)
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("withdrawal amount must be positive, got %d", j.Amount)
	}
	return &event.CollateralWithdrawn{
		WithdrawalID: wdID,
		Account:      account,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type marketRegisteredJSON struct {
	Market          string `json:"market"`
	SyntheticLine   int64  `json:"synthetic_line"`
	DesignatedMaker string `json:"designated_maker,omitempty"`
	Expanding       bool   `json:"expanding"`
	Sequence        int64  `json:"sequence"`
	TimestampUs     int64  `json:"timestamp_us"`
}

func parseMarketRegistered(data []byte) (*event.MarketRegistered, error) {
	var j marketRegisteredJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarketRegistered: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("market must not be empty")
	}
	if j.SyntheticLine < 0 {
		return nil, fmt.Errorf("synthetic_line must be non-negative, got %d", j.SyntheticLine)
	}

	// designated_maker is optional: absent means no privileged maker
	maker := uuid.Nil
	if j.DesignatedMaker != "" {
		parsed, err := uuid.Parse(j.DesignatedMaker)
		if err != nil {
			return nil, fmt.Errorf("parse designated_maker: %w", err)
		}
		maker = parsed
	}

	return &event.MarketRegistered{
		Market:          j.Market,
		SyntheticLine:   j.SyntheticLine,
		DesignatedMaker: maker,
		Expanding:       j.Expanding,
		Sequence:        j.Sequence,
		Timestamp:       time.UnixMicro(j.TimestampUs),
	}, nil
}

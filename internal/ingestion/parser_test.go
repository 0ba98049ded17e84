package ingestion_test

import (
	"OutcomeLedger/internal/event"
	"OutcomeLedger/internal/ingestion"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseExposureDelta(t *testing.T) {
	payload := map[string]interface{}{
		"delta_id":       "550e8400-e29b-41d4-a716-446655440000",
		"account_id":     "660e8400-e29b-41d4-a716-446655440001",
		"market":         "us-election-2028",
		"position":       uint32(37),
		"delta":          int64(-50),
		"lay_delta":      int64(50),
		"trade_sequence": int64(42),
		"timestamp_us":   int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "ExposureDelta")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ed, ok := evt.(*event.ExposureDelta)
	if !ok {
		t.Fatalf("expected *event.ExposureDelta, got %T", evt)
	}

	if ed.Market != "us-election-2028" {
		t.Errorf("market: got %s, want us-election-2028", ed.Market)
	}
	if ed.Position != 37 {
		t.Errorf("position: got %d, want 37", ed.Position)
	}
	if ed.Delta != -50 {
		t.Errorf("delta: got %d, want -50", ed.Delta)
	}
	if ed.LayDelta != 50 {
		t.Errorf("lay_delta: got %d, want 50", ed.LayDelta)
	}
	if ed.TradeSequence != 42 {
		t.Errorf("trade_sequence: got %d, want 42", ed.TradeSequence)
	}
	if ed.EventType() != event.EventTypeExposureDelta {
		t.Errorf("event type: got %v, want ExposureDelta", ed.EventType())
	}
}

func TestParseExposureDelta_BothDeltasZero_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"delta_id":       "550e8400-e29b-41d4-a716-446655440000",
		"account_id":     "660e8400-e29b-41d4-a716-446655440001",
		"market":         "us-election-2028",
		"position":       uint32(0),
		"delta":          int64(0),
		"lay_delta":      int64(0),
		"trade_sequence": int64(1),
		"timestamp_us":   int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "ExposureDelta"); err == nil {
		t.Fatal("expected error when delta and lay_delta are both zero")
	}
}

func TestParseCollateralDeposited(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id":   "550e8400-e29b-41d4-a716-446655440000",
		"account_id":   "660e8400-e29b-41d4-a716-446655440001",
		"amount":       int64(1_000_000),
		"sequence":     int64(1),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "CollateralDeposited")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	dc, ok := evt.(*event.CollateralDeposited)
	if !ok {
		t.Fatalf("expected *event.CollateralDeposited, got %T", evt)
	}

	if dc.Amount != 1_000_000 {
		t.Errorf("amount: got %d, want 1_000_000", dc.Amount)
	}
	if dc.MarketID() != nil {
		t.Error("deposit should be a global event (nil market)")
	}
}

func TestParseCollateralDeposited_NonPositiveAmount_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id":   "550e8400-e29b-41d4-a716-446655440000",
		"account_id":   "660e8400-e29b-41d4-a716-446655440001",
		"amount":       int64(0),
		"sequence":     int64(1),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "CollateralDeposited"); err == nil {
		t.Fatal("expected error for zero deposit amount")
	}
}

func TestParseCollateralWithdrawn(t *testing.T) {
	payload := map[string]interface{}{
		"withdrawal_id": "550e8400-e29b-41d4-a716-446655440000",
		"account_id":    "660e8400-e29b-41d4-a716-446655440001",
		"amount":        int64(250_000),
		"sequence":      int64(7),
		"timestamp_us":  int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "CollateralWithdrawn")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	wd, ok := evt.(*event.CollateralWithdrawn)
	if !ok {
		t.Fatalf("expected *event.CollateralWithdrawn, got %T", evt)
	}

	if wd.Amount != 250_000 {
		t.Errorf("amount: got %d, want 250_000", wd.Amount)
	}
	if wd.SourceSequence() != 7 {
		t.Errorf("sequence: got %d, want 7", wd.SourceSequence())
	}
}

func TestParseMarketRegistered(t *testing.T) {
	payload := map[string]interface{}{
		"market":           "premier-league-top-scorer",
		"synthetic_line":   int64(1_000),
		"designated_maker": "770e8400-e29b-41d4-a716-446655440002",
		"expanding":        true,
		"sequence":         int64(1),
		"timestamp_us":     int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "MarketRegistered")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	mr, ok := evt.(*event.MarketRegistered)
	if !ok {
		t.Fatalf("expected *event.MarketRegistered, got %T", evt)
	}

	if mr.Market != "premier-league-top-scorer" {
		t.Errorf("market: got %s, want premier-league-top-scorer", mr.Market)
	}
	if mr.SyntheticLine != 1_000 {
		t.Errorf("synthetic_line: got %d, want 1_000", mr.SyntheticLine)
	}
	if !mr.Expanding {
		t.Error("expanding: got false, want true")
	}
	want := uuid.MustParse("770e8400-e29b-41d4-a716-446655440002")
	if mr.DesignatedMaker != want {
		t.Errorf("designated_maker: got %s, want %s", mr.DesignatedMaker, want)
	}
	if mr.IdempotencyKey() != "market:premier-league-top-scorer" {
		t.Errorf("idempotency key: got %s", mr.IdempotencyKey())
	}
}

func TestParseMarketRegistered_NoMaker(t *testing.T) {
	payload := map[string]interface{}{
		"market":         "fed-rate-decision",
		"synthetic_line": int64(0),
		"expanding":      false,
		"sequence":       int64(1),
		"timestamp_us":   int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "MarketRegistered")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	mr := evt.(*event.MarketRegistered)
	if mr.DesignatedMaker != uuid.Nil {
		t.Errorf("designated_maker: got %s, want uuid.Nil", mr.DesignatedMaker)
	}
}

func TestParseMarketRegistered_NegativeLine_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"market":         "fed-rate-decision",
		"synthetic_line": int64(-1),
		"sequence":       int64(1),
		"timestamp_us":   int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "MarketRegistered"); err == nil {
		t.Fatal("expected error for negative synthetic_line")
	}
}

func TestParseUnknownEventType_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{}`)}
	_, err := ingestion.ParseRawEvent(raw, "NonExistentType")
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{invalid json`)}
	_, err := ingestion.ParseRawEvent(raw, "ExposureDelta")
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"delta_id":       "not-a-uuid",
		"account_id":     "also-not-a-uuid",
		"market":         "us-election-2028",
		"position":       uint32(0),
		"delta":          int64(1),
		"lay_delta":      int64(0),
		"trade_sequence": int64(0),
		"timestamp_us":   int64(0),
	}

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawEvent(raw, "ExposureDelta")
	if err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}

func TestMarshalWireEvent_RoundTrip(t *testing.T) {
	account := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	maker := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	ts := time.UnixMicro(1700000000000000)

	originals := []event.Event{
		&event.ExposureDelta{
			DeltaID:       uuid.New(),
			Account:       account,
			Market:        "us-election-2028",
			Position:      37,
			Delta:         -50,
			LayDelta:      -5,
			TradeSequence: 42,
			Timestamp:     ts,
		},
		&event.CollateralDeposited{
			DepositID: uuid.New(),
			Account:   account,
			Amount:    1000,
			Sequence:  7,
			Timestamp: ts,
		},
		&event.CollateralWithdrawn{
			WithdrawalID: uuid.New(),
			Account:      account,
			Amount:       250,
			Sequence:     8,
			Timestamp:    ts,
		},
		&event.MarketRegistered{
			Market:          "us-election-2028",
			SyntheticLine:   30,
			DesignatedMaker: maker,
			Expanding:       true,
			Sequence:        0,
			Timestamp:       ts,
		},
	}

	for _, original := range originals {
		eventType := original.EventType().String()

		data, err := ingestion.MarshalWireEvent(original)
		if err != nil {
			t.Fatalf("%s: marshal: %v", eventType, err)
		}
		parsed, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: data}, eventType)
		if err != nil {
			t.Fatalf("%s: parse of own wire form: %v", eventType, err)
		}

		if parsed.IdempotencyKey() != original.IdempotencyKey() {
			t.Errorf("%s: idempotency key: got %s, want %s",
				eventType, parsed.IdempotencyKey(), original.IdempotencyKey())
		}
		if parsed.SourceSequence() != original.SourceSequence() {
			t.Errorf("%s: source sequence: got %d, want %d",
				eventType, parsed.SourceSequence(), original.SourceSequence())
		}
	}
}

func TestMarshalWireEvent_ExposureDeltaFields(t *testing.T) {
	original := &event.ExposureDelta{
		DeltaID:       uuid.New(),
		Account:       uuid.New(),
		Market:        "us-open-2026",
		Position:      3,
		Delta:         -50,
		LayDelta:      -5,
		TradeSequence: 1,
		Timestamp:     time.UnixMicro(2000000),
	}

	data, err := ingestion.MarshalWireEvent(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: data}, "ExposureDelta")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	ed := parsed.(*event.ExposureDelta)
	if ed.DeltaID != original.DeltaID {
		t.Errorf("delta_id: got %s, want %s", ed.DeltaID, original.DeltaID)
	}
	if ed.Account != original.Account {
		t.Errorf("account: got %s, want %s", ed.Account, original.Account)
	}
	if ed.Market != original.Market || ed.Position != original.Position {
		t.Errorf("market/position: got %s/%d, want %s/%d",
			ed.Market, ed.Position, original.Market, original.Position)
	}
	if ed.Delta != original.Delta || ed.LayDelta != original.LayDelta {
		t.Errorf("deltas: got %d/%d, want %d/%d",
			ed.Delta, ed.LayDelta, original.Delta, original.LayDelta)
	}
	if !ed.Timestamp.Equal(original.Timestamp) {
		t.Errorf("timestamp: got %v, want %v", ed.Timestamp, original.Timestamp)
	}
}

func TestMarshalWireEvent_NoMakerOmitted(t *testing.T) {
	original := &event.MarketRegistered{
		Market:        "us-open-2026",
		SyntheticLine: 0,
		Timestamp:     time.UnixMicro(3000000),
	}

	data, err := ingestion.MarshalWireEvent(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: data}, "MarketRegistered")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	mr := parsed.(*event.MarketRegistered)
	if mr.DesignatedMaker != uuid.Nil {
		t.Errorf("designated maker: got %s, want Nil", mr.DesignatedMaker)
	}
}

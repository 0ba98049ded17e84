package core_test

import (
	"OutcomeLedger/internal/core"
	"OutcomeLedger/internal/event"
	"OutcomeLedger/internal/ingestion"
	"OutcomeLedger/internal/ledger"
	stdmath "math"
	"testing"
	"time"

	"github.com/google/uuid"
)

// --- Test helpers ---

var (
	trader = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	maker  = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
)

// newTestCore creates an AdequacyCore with buffered channels and no DB checker.
func newTestCore() (*core.AdequacyCore, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c := core.NewAdequacyCore(0, persistChan, projChan, nil, nil)
	return c, persistChan, projChan
}

func mustDeposit(account uuid.UUID, amount int64, seq int64) *event.CollateralDeposited {
	return &event.CollateralDeposited{
		DepositID: uuid.New(),
		Account:   account,
		Amount:    amount,
		Sequence:  seq,
		Timestamp: time.UnixMicro(1000000 + seq*1000),
	}
}

func mustWithdrawal(account uuid.UUID, amount int64, seq int64) *event.CollateralWithdrawn {
	return &event.CollateralWithdrawn{
		WithdrawalID: uuid.New(),
		Account:      account,
		Amount:       amount,
		Sequence:     seq,
		Timestamp:    time.UnixMicro(1000000 + seq*1000),
	}
}

func mustExposureDelta(account uuid.UUID, market string, position uint32, delta, layDelta, tradeSeq int64) *event.ExposureDelta {
	return &event.ExposureDelta{
		DeltaID:       uuid.New(),
		Account:       account,
		Market:        market,
		Position:      position,
		Delta:         delta,
		LayDelta:      layDelta,
		TradeSequence: tradeSeq,
		Timestamp:     time.UnixMicro(2000000 + tradeSeq*1000),
	}
}

func mustMarketRegistered(market string, line int64, designatedMaker uuid.UUID, expanding bool, seq int64) *event.MarketRegistered {
	return &event.MarketRegistered{
		Market:          market,
		SyntheticLine:   line,
		DesignatedMaker: designatedMaker,
		Expanding:       expanding,
		Sequence:        seq,
		Timestamp:       time.UnixMicro(3000000 + seq*1000),
	}
}

func drainOne(t *testing.T, ch chan core.CoreOutput) core.CoreOutput {
	t.Helper()
	select {
	case out := <-ch:
		return out
	default:
		t.Fatal("expected an output on the channel")
		return core.CoreOutput{}
	}
}

// ============================================================================
// Test: deposits and withdrawals
// ============================================================================

func TestProcessDeposit(t *testing.T) {
	c, persistChan, _ := newTestCore()

	evt := mustDeposit(trader, 1000, 0)
	if err := c.ProcessEvent(evt); err != nil {
		t.Fatalf("process: %v", err)
	}

	if got := c.FreeCollateral(trader); got != 1000 {
		t.Errorf("free collateral: got %d, want 1000", got)
	}
	if got := c.GetSequence(); got != 1 {
		t.Errorf("sequence: got %d, want 1", got)
	}

	out := drainOne(t, persistChan)
	if out.Envelope.Sequence != 0 {
		t.Errorf("envelope sequence: got %d, want 0", out.Envelope.Sequence)
	}
	if out.Envelope.EventType != event.EventTypeCollateralDeposited {
		t.Errorf("envelope type: got %v", out.Envelope.EventType)
	}
	if out.Envelope.IdempotencyKey != evt.DepositID.String() {
		t.Errorf("idempotency key: got %q", out.Envelope.IdempotencyKey)
	}
	if out.Envelope.Timestamp != evt.Timestamp {
		t.Errorf("timestamp must be the versioned input, got %v", out.Envelope.Timestamp)
	}
	if len(out.Batch.Moves) != 1 {
		t.Fatalf("moves: got %d, want 1", len(out.Batch.Moves))
	}
	m := out.Batch.Moves[0]
	if m.MoveType != ledger.MoveTypeDeposit || m.Amount != 1000 || m.Account != trader {
		t.Errorf("move: got %+v", m)
	}
	if out.Solvency != nil {
		t.Error("deposit has no market context, solvency must be nil")
	}
}

func TestProcessWithdrawal(t *testing.T) {
	c, persistChan, _ := newTestCore()

	c.ProcessEvent(mustDeposit(trader, 1000, 0))
	<-persistChan

	if err := c.ProcessEvent(mustWithdrawal(trader, 400, 1)); err != nil {
		t.Fatalf("process: %v", err)
	}

	if got := c.FreeCollateral(trader); got != 600 {
		t.Errorf("free collateral: got %d, want 600", got)
	}
	out := drainOne(t, persistChan)
	if len(out.Batch.Moves) != 1 || out.Batch.Moves[0].MoveType != ledger.MoveTypeWithdraw {
		t.Errorf("moves: got %+v", out.Batch.Moves)
	}
}

func TestProcessWithdrawal_Insufficient_Rejected(t *testing.T) {
	c, persistChan, _ := newTestCore()

	c.ProcessEvent(mustDeposit(trader, 100, 0))
	<-persistChan

	err := c.ProcessEvent(mustWithdrawal(trader, 101, 1))
	if err == nil {
		t.Fatal("overdraft withdrawal should be rejected")
	}
	if got := c.FreeCollateral(trader); got != 100 {
		t.Errorf("free collateral after rejection: got %d, want 100", got)
	}
	if len(persistChan) != 0 {
		t.Error("rejected event must not reach the persist channel")
	}

	// The rejection consumed the vault sequence slot; the stream continues.
	if err := c.ProcessEvent(mustWithdrawal(trader, 50, 2)); err != nil {
		t.Fatalf("next vault event: %v", err)
	}
}

// ============================================================================
// Test: dedup and source sequencing
// ============================================================================

func TestDuplicateEventSkipped(t *testing.T) {
	c, persistChan, _ := newTestCore()

	evt := mustDeposit(trader, 1000, 0)
	if err := c.ProcessEvent(evt); err != nil {
		t.Fatalf("first process: %v", err)
	}
	if err := c.ProcessEvent(evt); err != nil {
		t.Fatalf("redelivery must be acknowledged silently: %v", err)
	}

	if got := c.FreeCollateral(trader); got != 1000 {
		t.Errorf("free collateral after redelivery: got %d, want 1000", got)
	}
	if got := c.GetSequence(); got != 1 {
		t.Errorf("sequence after redelivery: got %d, want 1", got)
	}
	if len(persistChan) != 1 {
		t.Errorf("persist outputs: got %d, want 1", len(persistChan))
	}
}

func TestOutOfOrderNewEvent_Rejected(t *testing.T) {
	c, _, _ := newTestCore()

	c.ProcessEvent(mustDeposit(trader, 100, 0))

	// A NEW event reusing an already-consumed source sequence is not a replay.
	err := c.ProcessEvent(mustDeposit(trader, 100, 0))
	if err == nil {
		t.Fatal("out-of-order new event should be rejected")
	}
	if got := c.FreeCollateral(trader); got != 100 {
		t.Errorf("free collateral: got %d, want 100", got)
	}
}

func TestSequenceGap_Rejected(t *testing.T) {
	c, _, _ := newTestCore()

	if err := c.ProcessEvent(mustDeposit(trader, 100, 5)); err == nil {
		t.Fatal("gap from expected sequence 0 should be rejected")
	}
}

// Vault events and per-market exposure streams are sequenced independently.
func TestPartitionsSequenceIndependently(t *testing.T) {
	c, _, _ := newTestCore()

	if err := c.ProcessEvent(mustDeposit(trader, 1000, 0)); err != nil {
		t.Fatalf("vault seq 0: %v", err)
	}
	if err := c.ProcessEvent(mustMarketRegistered("m1", 0, uuid.Nil, false, 0)); err != nil {
		t.Fatalf("market m1 seq 0: %v", err)
	}
	if err := c.ProcessEvent(mustMarketRegistered("m2", 0, uuid.Nil, false, 0)); err != nil {
		t.Fatalf("market m2 seq 0: %v", err)
	}
	if err := c.ProcessEvent(mustExposureDelta(trader, "m1", 0, -10, 0, 1)); err != nil {
		t.Fatalf("market m1 seq 1: %v", err)
	}
	if err := c.ProcessEvent(mustWithdrawal(trader, 100, 1)); err != nil {
		t.Fatalf("vault seq 1: %v", err)
	}
}

// ============================================================================
// Test: market registration
// ============================================================================

func TestMarketRegistered(t *testing.T) {
	c, persistChan, _ := newTestCore()

	if err := c.ProcessEvent(mustMarketRegistered("m", 500, maker, true, 0)); err != nil {
		t.Fatalf("register: %v", err)
	}

	out := drainOne(t, persistChan)
	if len(out.Batch.Moves) != 0 {
		t.Errorf("registration is state-only, got moves %+v", out.Batch.Moves)
	}
	if out.Envelope.MarketID == nil || *out.Envelope.MarketID != "m" {
		t.Errorf("envelope market: got %v", out.Envelope.MarketID)
	}
}

func TestMarketReregistration_Rejected(t *testing.T) {
	c, _, _ := newTestCore()

	c.ProcessEvent(mustMarketRegistered("m", 0, uuid.Nil, false, 0))
	err := c.ProcessEvent(mustMarketRegistered("m", 99, maker, false, 1))
	if err == nil {
		t.Fatal("re-registration should be rejected")
	}
}

// ============================================================================
// Test: exposure pipeline
// ============================================================================

func TestExposureDelta_AllocatesShortfall(t *testing.T) {
	c, persistChan, _ := newTestCore()

	c.ProcessEvent(mustMarketRegistered("m", 0, uuid.Nil, false, 0))
	c.ProcessEvent(mustDeposit(trader, 100, 0))
	<-persistChan
	<-persistChan

	if err := c.ProcessEvent(mustExposureDelta(trader, "m", 0, -50, -5, 1)); err != nil {
		t.Fatalf("process: %v", err)
	}

	// effective = 0 + (-5) + (-50) = -55: allocate 55 to cover it.
	if got := c.FreeCollateral(trader); got != 45 {
		t.Errorf("free: got %d, want 45", got)
	}
	if got := c.MarketValue("m"); got != 55 {
		t.Errorf("market value: got %d, want 55", got)
	}
	if v, _ := c.MinTilt(trader, "m"); v != -50 {
		t.Errorf("min tilt: got %d, want -50", v)
	}

	out := drainOne(t, persistChan)
	if len(out.Batch.Moves) != 2 {
		t.Fatalf("moves: got %+v, want LayAdjust then Allocate", out.Batch.Moves)
	}
	if out.Batch.Moves[0].MoveType != ledger.MoveTypeLayAdjust || out.Batch.Moves[0].Amount != -5 {
		t.Errorf("lay move: got %+v", out.Batch.Moves[0])
	}
	if out.Batch.Moves[1].MoveType != ledger.MoveTypeAllocate || out.Batch.Moves[1].Amount != 55 {
		t.Errorf("allocate move: got %+v", out.Batch.Moves[1])
	}

	if out.Solvency == nil {
		t.Fatal("exposure events must carry a solvency state")
	}
	if out.Solvency.EffectiveMinShares != 0 {
		t.Errorf("effective min shares: got %d, want 0", out.Solvency.EffectiveMinShares)
	}
	if out.Solvency.NetAllocation != 55 || out.Solvency.LayOffset != -5 {
		t.Errorf("solvency balances: got %+v", out.Solvency)
	}
}

func TestExposureDelta_ReversalReleasesCapital(t *testing.T) {
	c, persistChan, _ := newTestCore()

	c.ProcessEvent(mustMarketRegistered("m", 0, uuid.Nil, false, 0))
	c.ProcessEvent(mustDeposit(trader, 100, 0))
	c.ProcessEvent(mustExposureDelta(trader, "m", 0, -50, 0, 1))
	for len(persistChan) > 0 {
		<-persistChan
	}

	if err := c.ProcessEvent(mustExposureDelta(trader, "m", 0, 50, 0, 2)); err != nil {
		t.Fatalf("process: %v", err)
	}

	if got := c.FreeCollateral(trader); got != 100 {
		t.Errorf("free after reversal: got %d, want 100", got)
	}
	if got := c.MarketValue("m"); got != 0 {
		t.Errorf("market value after reversal: got %d, want 0", got)
	}

	out := drainOne(t, persistChan)
	if len(out.Batch.Moves) != 1 || out.Batch.Moves[0].MoveType != ledger.MoveTypeDeallocate {
		t.Errorf("moves: got %+v, want one Deallocate", out.Batch.Moves)
	}
}

func TestExposureDelta_InsufficientCollateral_RolledBack(t *testing.T) {
	c, persistChan, _ := newTestCore()

	c.ProcessEvent(mustMarketRegistered("m", 0, uuid.Nil, false, 0))
	c.ProcessEvent(mustDeposit(trader, 10, 0))
	for len(persistChan) > 0 {
		<-persistChan
	}

	err := c.ProcessEvent(mustExposureDelta(trader, "m", 0, -50, -5, 1))
	if err == nil {
		t.Fatal("shortfall of 55 against free=10 should fail")
	}

	// All-or-nothing: every step unwound.
	if v, _ := c.MinTilt(trader, "m"); v != 0 {
		t.Errorf("tilt after rollback: got %d, want 0", v)
	}
	if got := c.FreeCollateral(trader); got != 10 {
		t.Errorf("free after rollback: got %d, want 10", got)
	}
	if got := c.MarketValue("m"); got != 0 {
		t.Errorf("market value after rollback: got %d, want 0", got)
	}
	if len(persistChan) != 0 {
		t.Error("failed event must not reach the persist channel")
	}
}

func TestExposureDelta_MinInt64_Rejected(t *testing.T) {
	c, _, _ := newTestCore()

	c.ProcessEvent(mustMarketRegistered("m", 0, uuid.Nil, false, 0))
	c.ProcessEvent(mustDeposit(trader, 100, 0))

	if err := c.ProcessEvent(mustExposureDelta(trader, "m", 0, stdmath.MinInt64, 0, 1)); err == nil {
		t.Error("MinInt64 delta has no reversal and must be rejected upfront")
	}
	if err := c.ProcessEvent(mustExposureDelta(trader, "m", 0, 0, stdmath.MinInt64, 2)); err == nil {
		t.Error("MinInt64 lay delta must be rejected upfront")
	}
}

// Projections can fall behind: a full projection channel drops silently while
// the persist output still goes through.
func TestProjectionChannelFull_DropsSilently(t *testing.T) {
	persistChan := make(chan core.CoreOutput, 16)
	projChan := make(chan core.CoreOutput) // unbuffered, never drained
	c := core.NewAdequacyCore(0, persistChan, projChan, nil, nil)

	if err := c.ProcessEvent(mustDeposit(trader, 100, 0)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(persistChan) != 1 {
		t.Errorf("persist outputs: got %d, want 1", len(persistChan))
	}
}

// ============================================================================
// Test: hash chain determinism
// ============================================================================

func TestHashChain_Deterministic(t *testing.T) {
	run := func() (*core.AdequacyCore, [32]byte) {
		c, persistChan, _ := newTestCore()
		events := []event.Event{
			mustMarketRegistered("m", 0, uuid.Nil, false, 0),
			mustDeposit(trader, 1000, 0),
			mustExposureDelta(trader, "m", 0, -50, -5, 1),
			mustExposureDelta(trader, "m", 17, 20, 0, 2),
			mustWithdrawal(trader, 100, 1),
		}
		for i, evt := range events {
			if err := c.ProcessEvent(evt); err != nil {
				t.Fatalf("event %d: %v", i, err)
			}
			<-persistChan
		}
		return c, c.GetStateHash()
	}

	// Idempotency keys differ between runs (fresh UUIDs), but the digest covers
	// balances and tilts only, so two equal-history cores agree on the chain.
	c1, h1 := run()
	c2, h2 := run()

	if h1 != h2 {
		t.Errorf("state hashes diverge: %x vs %x", h1, h2)
	}
	if c1.GetSequence() != c2.GetSequence() {
		t.Errorf("sequences diverge: %d vs %d", c1.GetSequence(), c2.GetSequence())
	}

	var zero [32]byte
	if h1 == zero {
		t.Error("state hash must not be zero after processing")
	}
}

func TestHashChain_EnvelopesLink(t *testing.T) {
	c, persistChan, _ := newTestCore()

	c.ProcessEvent(mustDeposit(trader, 100, 0))
	first := drainOne(t, persistChan)
	c.ProcessEvent(mustDeposit(trader, 200, 1))
	second := drainOne(t, persistChan)

	if first.Envelope.PrevHash == first.Envelope.StateHash {
		t.Error("an envelope must not link to itself")
	}
	if second.Envelope.PrevHash != first.Envelope.StateHash {
		t.Errorf("chain broken: second.PrevHash %x, first.StateHash %x",
			second.Envelope.PrevHash, first.Envelope.StateHash)
	}
	if got := c.GetStateHash(); got != second.Envelope.StateHash {
		t.Errorf("chain tip: got %x, want %x", got, second.Envelope.StateHash)
	}
}

func TestHashChain_SensitiveToState(t *testing.T) {
	c1, p1, _ := newTestCore()
	c2, p2, _ := newTestCore()

	c1.ProcessEvent(mustDeposit(trader, 1000, 0))
	<-p1
	c2.ProcessEvent(mustDeposit(trader, 1001, 0))
	<-p2

	if c1.GetStateHash() == c2.GetStateHash() {
		t.Error("different balances must produce different state hashes")
	}
}

// ============================================================================
// Test: snapshot / restore round trip
// ============================================================================

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	c1, p1, _ := newTestCore()

	c1.ProcessEvent(mustMarketRegistered("m", 30, maker, false, 0))
	c1.ProcessEvent(mustDeposit(trader, 1000, 0))
	c1.ProcessEvent(mustDeposit(maker, 500, 1))
	c1.ProcessEvent(mustExposureDelta(trader, "m", 0, -50, -5, 1))
	c1.ProcessEvent(mustExposureDelta(maker, "m", 3, -40, 0, 2))
	for len(p1) > 0 {
		<-p1
	}

	snap := c1.CreateSnapshotState()
	if snap.Sequence != c1.GetSequence()-1 {
		t.Errorf("snapshot sequence: got %d, want %d", snap.Sequence, c1.GetSequence()-1)
	}

	c2, p2, _ := newTestCore()
	c2.RestoreFromSnapshot(snap)
	c2.WarmLRU(snap.IdempotencyKeys)

	if c2.GetSequence() != c1.GetSequence() {
		t.Errorf("sequence: got %d, want %d", c2.GetSequence(), c1.GetSequence())
	}
	if c2.GetStateHash() != c1.GetStateHash() {
		t.Errorf("state hash: got %x, want %x", c2.GetStateHash(), c1.GetStateHash())
	}
	if got, want := c2.FreeCollateral(trader), c1.FreeCollateral(trader); got != want {
		t.Errorf("trader free: got %d, want %d", got, want)
	}
	if got, want := c2.MarketValue("m"), c1.MarketValue("m"); got != want {
		t.Errorf("market value: got %d, want %d", got, want)
	}
	gotMin, _ := c2.MinTilt(trader, "m")
	wantMin, _ := c1.MinTilt(trader, "m")
	if gotMin != wantMin {
		t.Errorf("min tilt: got %d, want %d", gotMin, wantMin)
	}

	// The restored core must continue the chain identically.
	next := mustExposureDelta(trader, "m", 0, 25, 0, 3)
	if err := c1.ProcessEvent(next); err != nil {
		t.Fatalf("original next event: %v", err)
	}
	if err := c2.ProcessEvent(next); err != nil {
		t.Fatalf("restored next event: %v", err)
	}
	<-p1
	<-p2

	if c1.GetStateHash() != c2.GetStateHash() {
		t.Errorf("chains diverge after restore: %x vs %x", c1.GetStateHash(), c2.GetStateHash())
	}
}

// A restored core treats events from before the snapshot as duplicates.
func TestSnapshotRestore_DedupSurvives(t *testing.T) {
	c1, p1, _ := newTestCore()
	evt := mustDeposit(trader, 1000, 0)
	c1.ProcessEvent(evt)
	<-p1

	snap := c1.CreateSnapshotState()

	c2, p2, _ := newTestCore()
	c2.RestoreFromSnapshot(snap)
	c2.WarmLRU(snap.IdempotencyKeys)

	if err := c2.ProcessEvent(evt); err != nil {
		t.Fatalf("replayed pre-snapshot event should be skipped, got: %v", err)
	}
	if got := c2.FreeCollateral(trader); got != 1000 {
		t.Errorf("free after replay: got %d, want 1000", got)
	}
	if len(p2) != 0 {
		t.Error("replayed duplicate must not emit output")
	}
}

// ============================================================================
// Test: replay from persisted payloads
// ============================================================================

// The event log stores each event in the same wire JSON the ingestion parsers
// accept, so a restarted core replays the log tail through the live parse
// path and converges on the original state.
func TestReplay_PersistedPayloadRoundTrip(t *testing.T) {
	live, persistChan, _ := newTestCore()
	inputs := []event.Event{
		mustDeposit(trader, 1000, 0),
		mustMarketRegistered("m", 30, maker, false, 0),
		mustExposureDelta(trader, "m", 3, -50, -5, 1),
		mustWithdrawal(trader, 100, 1),
	}
	for i, evt := range inputs {
		if err := live.ProcessEvent(evt); err != nil {
			t.Fatalf("live event %d: %v", i, err)
		}
	}

	restarted, _, _ := newTestCore()
	for i := range inputs {
		out := drainOne(t, persistChan)
		eventType := out.Envelope.EventType.String()

		data, err := ingestion.MarshalWireEvent(out.Event)
		if err != nil {
			t.Fatalf("marshal persisted event %d: %v", i, err)
		}
		parsed, err := ingestion.ParseRawEvent(ingestion.RawEvent{Subject: eventType, Data: data}, eventType)
		if err != nil {
			t.Fatalf("parse persisted event %d: %v", i, err)
		}
		if err := restarted.ProcessEvent(parsed); err != nil {
			t.Fatalf("replay event %d: %v", i, err)
		}
	}

	if got, want := restarted.GetSequence(), live.GetSequence(); got != want {
		t.Errorf("replayed sequence: got %d, want %d", got, want)
	}
	if restarted.GetStateHash() != live.GetStateHash() {
		t.Errorf("replayed state hash diverges: %x vs %x",
			restarted.GetStateHash(), live.GetStateHash())
	}
	if got, want := restarted.FreeCollateral(trader), live.FreeCollateral(trader); got != want {
		t.Errorf("replayed free collateral: got %d, want %d", got, want)
	}
}

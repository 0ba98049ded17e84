package state_test

import (
	"OutcomeLedger/internal/ledger"
	"OutcomeLedger/internal/state"
	stdmath "math"
	"testing"

	"github.com/google/uuid"
)

type solvencyFixture struct {
	capital   *ledger.CapitalLedger
	exposures *state.ExposureStore
	params    *state.MarketParamsManager
	engine    *state.SolvencyEngine
}

func newSolvencyFixture() *solvencyFixture {
	capital := ledger.NewCapitalLedger()
	exposures := state.NewExposureStore()
	params := state.NewMarketParamsManager()
	return &solvencyFixture{
		capital:   capital,
		exposures: exposures,
		params:    params,
		engine:    state.NewSolvencyEngine(exposures, params, capital),
	}
}

// ============================================================================
// Test: derived bounds
// ============================================================================

func TestComputeRealMinShares(t *testing.T) {
	f := newSolvencyFixture()
	f.capital.Deposit(trader, 100)
	f.capital.Allocate(trader, market, 30)
	f.capital.AdjustLayOffset(trader, market, -5)
	f.exposures.ApplyDelta(trader, market, 0, -50)

	// netAlloc(30) + layOffset(-5) + minTilt(-50)
	if got := f.engine.ComputeRealMinShares(trader, market); got != -25 {
		t.Errorf("real min shares: got %d, want -25", got)
	}
}

func TestComputeEffectiveMinShares_MakerLine(t *testing.T) {
	f := newSolvencyFixture()
	maker := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	f.params.Register(&state.MarketParams{MarketID: market, SyntheticLine: 30, DesignatedMaker: maker})

	f.exposures.ApplyDelta(maker, market, 0, -50)
	f.exposures.ApplyDelta(trader, market, 0, -50)

	// The line lifts only the maker's effective bound.
	if got := f.engine.ComputeEffectiveMinShares(maker, market); got != -20 {
		t.Errorf("maker effective: got %d, want -20", got)
	}
	if got := f.engine.ComputeEffectiveMinShares(trader, market); got != -50 {
		t.Errorf("trader effective: got %d, want -50", got)
	}
	if got := f.engine.ComputeRealMinShares(maker, market); got != -50 {
		t.Errorf("maker real: got %d, want -50", got)
	}
}

func TestComputeRedeemable(t *testing.T) {
	f := newSolvencyFixture()
	f.capital.AdjustLayOffset(trader, market, -5)
	f.exposures.ApplyDelta(trader, market, 0, -12)

	// -layOffset(-5) - maxTilt(-12)
	if got := f.engine.ComputeRedeemable(trader, market); got != 17 {
		t.Errorf("redeemable: got %d, want 17", got)
	}
}

// ============================================================================
// Test: EnsureSolvency
// ============================================================================

func TestEnsureSolvency_CoversShortfall(t *testing.T) {
	f := newSolvencyFixture()
	f.capital.Deposit(trader, 100)
	f.exposures.ApplyDelta(trader, market, 0, -50)

	actions, err := f.engine.EnsureSolvency(trader, market)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if len(actions) != 1 || actions[0].Kind != state.ActionAllocate || actions[0].Amount != 50 {
		t.Fatalf("actions: got %+v, want one Allocate of 50", actions)
	}
	if got := f.capital.FreeCollateral(trader); got != 50 {
		t.Errorf("free: got %d, want 50", got)
	}
	if got := f.capital.NetAllocation(trader, market); got != 50 {
		t.Errorf("net allocation: got %d, want 50", got)
	}
	if got := f.engine.ComputeEffectiveMinShares(trader, market); got != 0 {
		t.Errorf("effective after ensure: got %d, want 0", got)
	}
}

func TestEnsureSolvency_NoShortfall_NoAction(t *testing.T) {
	f := newSolvencyFixture()
	f.capital.Deposit(trader, 100)
	f.exposures.ApplyDelta(trader, market, 0, 25)

	actions, err := f.engine.EnsureSolvency(trader, market)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("actions: got %+v, want none", actions)
	}
	if got := f.capital.FreeCollateral(trader); got != 100 {
		t.Errorf("free: got %d, want 100", got)
	}
}

func TestEnsureSolvency_InsufficientCollateral_Fails(t *testing.T) {
	f := newSolvencyFixture()
	f.capital.Deposit(trader, 10)
	f.exposures.ApplyDelta(trader, market, 0, -50)

	actions, err := f.engine.EnsureSolvency(trader, market)
	if err == nil {
		t.Fatal("ensure with free=10 against a 50 shortfall should fail")
	}
	if len(actions) != 0 {
		t.Errorf("failed first step should return no actions, got %+v", actions)
	}
	if got := f.capital.FreeCollateral(trader); got != 10 {
		t.Errorf("free after failure: got %d, want 10", got)
	}
}

// The redeemable top-up fires when the maker's synthetic line exceeds the
// tilt spread: the line shrinks the shortfall allocation, but the account
// must still hold enough allocation to cover what it can be asked to redeem.
func TestEnsureSolvency_RedeemableTopUp(t *testing.T) {
	f := newSolvencyFixture()
	maker := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	f.params.Register(&state.MarketParams{MarketID: market, SyntheticLine: 30, DesignatedMaker: maker})
	f.capital.Deposit(maker, 100)
	f.exposures.ApplyDelta(maker, market, 0, -50)

	actions, err := f.engine.EnsureSolvency(maker, market)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	// Shortfall: -(0 + 0 - 50 + 30) = 20. Redeemable: 50 > 20 → top up 30.
	if len(actions) != 2 {
		t.Fatalf("actions: got %+v, want shortfall + top-up", actions)
	}
	if actions[0].Amount != 20 || actions[1].Amount != 30 {
		t.Errorf("amounts: got (%d, %d), want (20, 30)", actions[0].Amount, actions[1].Amount)
	}
	if got := f.capital.NetAllocation(maker, market); got != 50 {
		t.Errorf("net allocation: got %d, want 50", got)
	}
}

// ============================================================================
// Test: DeallocateExcess
// ============================================================================

func TestDeallocateExcess_AfterReversal(t *testing.T) {
	f := newSolvencyFixture()
	f.capital.Deposit(trader, 100)
	f.exposures.ApplyDelta(trader, market, 0, -50)
	if _, err := f.engine.EnsureSolvency(trader, market); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	// The exposure fully reverses; the 50 is excess now.
	f.exposures.ApplyDelta(trader, market, 0, 50)

	actions, err := f.engine.DeallocateExcess(trader, market)
	if err != nil {
		t.Fatalf("deallocate: %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != state.ActionDeallocate || actions[0].Amount != 50 {
		t.Fatalf("actions: got %+v, want one Deallocate of 50", actions)
	}
	if got := f.capital.FreeCollateral(trader); got != 100 {
		t.Errorf("free: got %d, want 100", got)
	}
	if got := f.capital.MarketValue(market); got != 0 {
		t.Errorf("market value: got %d, want 0", got)
	}

	// Idempotent at the fixed point.
	actions, err = f.engine.DeallocateExcess(trader, market)
	if err != nil {
		t.Fatalf("second deallocate: %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("second call should be a no-op, got %+v", actions)
	}
}

func TestDeallocateExcess_CappedByRedeemable(t *testing.T) {
	f := newSolvencyFixture()
	f.capital.Deposit(trader, 100)
	f.exposures.ApplyDelta(trader, market, 0, -10)
	if _, err := f.engine.EnsureSolvency(trader, market); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	// Partial reversal: -10 → -6. Real surplus is 4, and exactly 4 is all the
	// redeemable bound (6) leaves withdrawable from the 10 allocated.
	f.exposures.ApplyDelta(trader, market, 0, 4)

	actions, err := f.engine.DeallocateExcess(trader, market)
	if err != nil {
		t.Fatalf("deallocate: %v", err)
	}
	if len(actions) != 1 || actions[0].Amount != 4 {
		t.Fatalf("actions: got %+v, want one Deallocate of 4", actions)
	}
	if got := f.capital.NetAllocation(trader, market); got != 6 {
		t.Errorf("net allocation: got %d, want 6", got)
	}
	if got := f.engine.ComputeRedeemable(trader, market); got != 6 {
		t.Errorf("redeemable: got %d, want 6", got)
	}
}

func TestDeallocateExcess_NothingAllocated_Noop(t *testing.T) {
	f := newSolvencyFixture()
	f.exposures.ApplyDelta(trader, market, 0, 10)

	actions, err := f.engine.DeallocateExcess(trader, market)
	if err != nil {
		t.Fatalf("deallocate: %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("no allocation should mean no action, got %+v", actions)
	}
}

// A maker with a negative real minimum may only pull out what it actually has
// allocated — the synthetic surplus is not withdrawable capital.
func TestDeallocateExcess_MakerCappedAtRealAllocation(t *testing.T) {
	f := newSolvencyFixture()
	maker := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	f.params.Register(&state.MarketParams{MarketID: market, SyntheticLine: 100, DesignatedMaker: maker})
	f.capital.Deposit(maker, 100)
	f.capital.Allocate(maker, market, 40)

	f.exposures.ApplyDelta(maker, market, 0, -50)
	f.exposures.ApplyDelta(maker, market, 1, 30)

	// real = 40 - 50 = -10; effective = 90. The raw surplus says release 90,
	// the maker cap limits it to the 40 actually allocated.
	actions, err := f.engine.DeallocateExcess(maker, market)
	if err != nil {
		t.Fatalf("deallocate: %v", err)
	}
	if len(actions) != 1 || actions[0].Amount != 40 {
		t.Fatalf("actions: got %+v, want one Deallocate of 40", actions)
	}
	if got := f.capital.NetAllocation(maker, market); got != 0 {
		t.Errorf("net allocation: got %d, want 0", got)
	}

	// With nothing allocated, nothing more comes out.
	actions, err = f.engine.DeallocateExcess(maker, market)
	if err != nil {
		t.Fatalf("second deallocate: %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("second call should be a no-op, got %+v", actions)
	}
}

// ============================================================================
// Test: bound arithmetic wrap protection
// ============================================================================

// The bound components are checked counters, so a fold that no longer fits in
// int64 means a corrupt counter; the engine must halt instead of wrapping.
func TestComputeRealMinShares_OverflowPanics(t *testing.T) {
	f := newSolvencyFixture()
	f.capital.AdjustLayOffset(trader, market, stdmath.MinInt64+1)
	f.exposures.ApplyDelta(trader, market, 0, stdmath.MinInt64+1)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on bound overflow, got a wrapped value")
		}
	}()
	f.engine.ComputeRealMinShares(trader, market)
}

func TestComputeRedeemable_OverflowPanics(t *testing.T) {
	f := newSolvencyFixture()
	f.capital.AdjustLayOffset(trader, market, stdmath.MinInt64)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on bound overflow, got a wrapped value")
		}
	}()
	f.engine.ComputeRedeemable(trader, market)
}

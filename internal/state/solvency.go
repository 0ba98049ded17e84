package state

import (
	"fmt"

	capmath "OutcomeLedger/internal/math"

	"github.com/google/uuid"
)

// ActionKind discriminates the capital decisions the solvency engine makes.
type ActionKind int32

const (
	ActionAllocate ActionKind = iota
	ActionDeallocate
)

func (k ActionKind) String() string {
	switch k {
	case ActionAllocate:
		return "Allocate"
	case ActionDeallocate:
		return "Deallocate"
	default:
		return "Unknown"
	}
}

// CapitalAction is one ledger move decided by the solvency engine, returned
// to the caller for journaling (and for reversal if a later step fails).
type CapitalAction struct {
	Kind   ActionKind
	Amount int64
}

// SolvencyEngine derives the real and effective exposure bounds from the heap
// extrema plus account-market balances, and decides whether capital must be
// pulled in or may be returned.
//
// It accepts an inline interface for the capital ledger to keep the dependency
// one-directional while still taking *ledger.CapitalLedger.
type SolvencyEngine struct {
	exposures *ExposureStore
	params    *MarketParamsManager
	capital   interface {
		NetAllocation(uuid.UUID, string) int64
		LayOffset(uuid.UUID, string) int64
		Allocate(uuid.UUID, string, int64) error
		Deallocate(uuid.UUID, string, int64) error
	}
}

func NewSolvencyEngine(
	exposures *ExposureStore,
	params *MarketParamsManager,
	capital interface {
		NetAllocation(uuid.UUID, string) int64
		LayOffset(uuid.UUID, string) int64
		Allocate(uuid.UUID, string, int64) error
		Deallocate(uuid.UUID, string, int64) error
	},
) *SolvencyEngine {
	return &SolvencyEngine{
		exposures: exposures,
		params:    params,
		capital:   capital,
	}
}

// boundSum folds bound components with wrap checks. The components are
// themselves checked counters, so a wrap here means the aggregate exposure no
// longer fits in int64 — a corrupt-counter condition, not a rejectable event.
func boundSum(parts ...int64) int64 {
	var sum int64
	for _, p := range parts {
		s, err := capmath.CheckedAdd(sum, p)
		if err != nil {
			panic(fmt.Sprintf("FATAL: solvency bound overflow: %v", err))
		}
		sum = s
	}
	return sum
}

// ComputeRealMinShares returns netAllocation + layOffset + minTilt, the
// worst-case net share position using only real capital.
func (se *SolvencyEngine) ComputeRealMinShares(account uuid.UUID, market string) int64 {
	minTilt, _ := se.exposures.MinTilt(account, market, se.params.IsExpanding(market))
	return boundSum(
		se.capital.NetAllocation(account, market),
		se.capital.LayOffset(account, market),
		minTilt,
	)
}

// ComputeEffectiveMinShares adds the synthetic collateral line on top of the
// real minimum for the market's designated maker; every other account sees
// the real value unchanged.
func (se *SolvencyEngine) ComputeEffectiveMinShares(account uuid.UUID, market string) int64 {
	real := se.ComputeRealMinShares(account, market)
	if se.params.IsDesignatedMaker(account, market) {
		return boundSum(real, se.params.SyntheticLine(market))
	}
	return real
}

// ComputeRedeemable returns -layOffset - maxTilt: the capital bound the
// account must keep allocated to cover the most it can be asked to redeem.
func (se *SolvencyEngine) ComputeRedeemable(account uuid.UUID, market string) int64 {
	maxTilt, _ := se.exposures.MaxTilt(account, market, se.params.IsExpanding(market))
	bound, err := capmath.CheckedSub(0, se.capital.LayOffset(account, market))
	if err == nil {
		bound, err = capmath.CheckedSub(bound, maxTilt)
	}
	if err != nil {
		panic(fmt.Sprintf("FATAL: redeemable bound overflow: %v", err))
	}
	return bound
}

// EnsureSolvency pulls capital into the market when either bound demands it:
//  1. a negative effective minimum is a shortfall to cover in full;
//  2. a positive redeemable bound above the current net allocation must be
//     topped up to the bound.
//
// The checks are independent and both may fire in one call. Every move made
// before a failure is returned so the caller can reverse it — the enclosing
// operation is all-or-nothing.
func (se *SolvencyEngine) EnsureSolvency(account uuid.UUID, market string) ([]CapitalAction, error) {
	var actions []CapitalAction

	effective := se.ComputeEffectiveMinShares(account, market)
	if effective < 0 {
		shortfall, err := capmath.Neg(effective)
		if err != nil {
			return actions, err
		}
		if err := se.capital.Allocate(account, market, shortfall); err != nil {
			return actions, err
		}
		actions = append(actions, CapitalAction{Kind: ActionAllocate, Amount: shortfall})
	}

	redeemable := se.ComputeRedeemable(account, market)
	if redeemable > 0 {
		netAlloc := se.capital.NetAllocation(account, market)
		if netAlloc < redeemable {
			topUp, err := capmath.CheckedSub(redeemable, netAlloc)
			if err != nil {
				return actions, err
			}
			if err := se.capital.Allocate(account, market, topUp); err != nil {
				return actions, err
			}
			actions = append(actions, CapitalAction{Kind: ActionAllocate, Amount: topUp})
		}
	}

	return actions, nil
}

// DeallocateExcess returns capital to the free pool when the effective
// minimum is positive, subject to the withdrawal caps:
//   - never release capital still needed to cover the redeemable bound;
//   - nothing is withdrawable once the net allocation is zero or negative;
//   - the designated maker may not withdraw real capital while its real
//     (non-synthetic) minimum is negative — doing so would grow the shortfall
//     the synthetic line covers without bound.
//
// Idempotent at its fixed point: with no intervening exposure change a second
// call is a no-op.
func (se *SolvencyEngine) DeallocateExcess(account uuid.UUID, market string) ([]CapitalAction, error) {
	real := se.ComputeRealMinShares(account, market)
	effective := real
	isMaker := se.params.IsDesignatedMaker(account, market)
	if isMaker {
		effective = boundSum(real, se.params.SyntheticLine(market))
	}
	if effective <= 0 {
		return nil, nil
	}

	amount := effective
	netAlloc := se.capital.NetAllocation(account, market)

	redeemable := se.ComputeRedeemable(account, market)
	if redeemable > 0 {
		headroom, err := capmath.CheckedSub(netAlloc, redeemable)
		if err != nil {
			return nil, err
		}
		ceiling := capmath.Max(0, headroom)
		if ceiling < amount {
			amount = ceiling
		}
	}

	if netAlloc <= 0 {
		return nil, nil
	}

	if isMaker && real < 0 {
		ceiling := capmath.Max(0, netAlloc)
		if ceiling < amount {
			amount = ceiling
		}
	}

	if amount <= 0 {
		return nil, nil
	}

	if err := se.capital.Deallocate(account, market, amount); err != nil {
		return nil, err
	}
	return []CapitalAction{{Kind: ActionDeallocate, Amount: amount}}, nil
}

package ledger

import (
	capmath "OutcomeLedger/internal/math"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Capital movement errors. Both abort the enclosing operation with no partial
// counter update.
var (
	ErrInsufficientFreeCollateral = errors.New("insufficient free collateral")
	ErrInsufficientMarketValue    = errors.New("insufficient market value")
)

// MarketAccountKey identifies the per-(account, market) balance records.
type MarketAccountKey struct {
	Account uuid.UUID
	Market  string
}

// CapitalLedger is the conserved-sum bookkeeping of free vs. market-locked
// capital. Per-entity counters and the global aggregates are tracked
// independently; ValidateConservation in the core asserts they agree.
//
// Not thread-safe — only accessed from the single-threaded adequacy core.
type CapitalLedger struct {
	free        map[uuid.UUID]int64        // account -> free collateral (>= 0)
	netAlloc    map[MarketAccountKey]int64 // signed: spent into market minus redeemed out
	layOffset   map[MarketAccountKey]int64 // signed: net flow imbalance on the lay side
	marketValue map[string]int64           // market -> locked capital (>= 0)

	globalFree        int64
	globalMarketValue int64
}

func NewCapitalLedger() *CapitalLedger {
	return &CapitalLedger{
		free:        make(map[uuid.UUID]int64),
		netAlloc:    make(map[MarketAccountKey]int64),
		layOffset:   make(map[MarketAccountKey]int64),
		marketValue: make(map[string]int64),
	}
}

// Deposit credits an account's free collateral from the external vault.
func (cl *CapitalLedger) Deposit(account uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive, got %d", amount)
	}

	newFree, err := capmath.CheckedAddNonNegative(cl.free[account], amount)
	if err != nil {
		return fmt.Errorf("deposit free collateral: %w", err)
	}
	newGlobal, err := capmath.CheckedAddNonNegative(cl.globalFree, amount)
	if err != nil {
		return fmt.Errorf("deposit global free: %w", err)
	}

	cl.free[account] = newFree
	cl.globalFree = newGlobal
	return nil
}

// Withdraw debits an account's free collateral back to the external vault.
func (cl *CapitalLedger) Withdraw(account uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdrawal amount must be positive, got %d", amount)
	}
	if cl.free[account] < amount {
		return fmt.Errorf("%w: account=%s have=%d need=%d",
			ErrInsufficientFreeCollateral, account, cl.free[account], amount)
	}

	newFree, err := capmath.CheckedAddNonNegative(cl.free[account], -amount)
	if err != nil {
		return fmt.Errorf("withdraw free collateral: %w", err)
	}
	newGlobal, err := capmath.CheckedAddNonNegative(cl.globalFree, -amount)
	if err != nil {
		return fmt.Errorf("withdraw global free: %w", err)
	}

	cl.free[account] = newFree
	cl.globalFree = newGlobal
	return nil
}

// Allocate moves amount from the account's free pool into the market's locked
// pool. All four counters (account free, global free, net allocation, market
// value + global market value) update together or not at all: every new value
// is computed with checked arithmetic before any assignment happens.
func (cl *CapitalLedger) Allocate(account uuid.UUID, market string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("allocate amount must be positive, got %d", amount)
	}
	if cl.free[account] < amount {
		return fmt.Errorf("%w: account=%s market=%s have=%d need=%d",
			ErrInsufficientFreeCollateral, account, market, cl.free[account], amount)
	}

	key := MarketAccountKey{Account: account, Market: market}

	newFree, err := capmath.CheckedAddNonNegative(cl.free[account], -amount)
	if err != nil {
		return fmt.Errorf("allocate free collateral: %w", err)
	}
	newGlobalFree, err := capmath.CheckedAddNonNegative(cl.globalFree, -amount)
	if err != nil {
		return fmt.Errorf("allocate global free: %w", err)
	}
	newAlloc, err := capmath.CheckedAdd(cl.netAlloc[key], amount)
	if err != nil {
		return fmt.Errorf("allocate net allocation: %w", err)
	}
	newMarketValue, err := capmath.CheckedAddNonNegative(cl.marketValue[market], amount)
	if err != nil {
		return fmt.Errorf("allocate market value: %w", err)
	}
	newGlobalMV, err := capmath.CheckedAddNonNegative(cl.globalMarketValue, amount)
	if err != nil {
		return fmt.Errorf("allocate global market value: %w", err)
	}

	cl.free[account] = newFree
	cl.globalFree = newGlobalFree
	cl.netAlloc[key] = newAlloc
	cl.marketValue[market] = newMarketValue
	cl.globalMarketValue = newGlobalMV
	return nil
}

// Deallocate moves amount from the market's locked pool back into the
// account's free pool, recording it as redeemed against the net allocation.
func (cl *CapitalLedger) Deallocate(account uuid.UUID, market string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deallocate amount must be positive, got %d", amount)
	}
	if cl.marketValue[market] < amount {
		return fmt.Errorf("%w: account=%s market=%s have=%d need=%d",
			ErrInsufficientMarketValue, account, market, cl.marketValue[market], amount)
	}

	key := MarketAccountKey{Account: account, Market: market}

	newFree, err := capmath.CheckedAddNonNegative(cl.free[account], amount)
	if err != nil {
		return fmt.Errorf("deallocate free collateral: %w", err)
	}
	newGlobalFree, err := capmath.CheckedAddNonNegative(cl.globalFree, amount)
	if err != nil {
		return fmt.Errorf("deallocate global free: %w", err)
	}
	newAlloc, err := capmath.CheckedSub(cl.netAlloc[key], amount)
	if err != nil {
		return fmt.Errorf("deallocate net allocation: %w", err)
	}
	newMarketValue, err := capmath.CheckedAddNonNegative(cl.marketValue[market], -amount)
	if err != nil {
		return fmt.Errorf("deallocate market value: %w", err)
	}
	newGlobalMV, err := capmath.CheckedAddNonNegative(cl.globalMarketValue, -amount)
	if err != nil {
		return fmt.Errorf("deallocate global market value: %w", err)
	}

	cl.free[account] = newFree
	cl.globalFree = newGlobalFree
	cl.netAlloc[key] = newAlloc
	cl.marketValue[market] = newMarketValue
	cl.globalMarketValue = newGlobalMV
	return nil
}

// AdjustLayOffset applies a signed delta to the account-market lay offset.
// The lay offset is reported by the trade collaborator alongside exposure
// deltas; it is not part of the conserved free/locked totals.
func (cl *CapitalLedger) AdjustLayOffset(account uuid.UUID, market string, delta int64) error {
	if delta == 0 {
		return nil
	}
	key := MarketAccountKey{Account: account, Market: market}
	newLay, err := capmath.CheckedAdd(cl.layOffset[key], delta)
	if err != nil {
		return fmt.Errorf("adjust lay offset: %w", err)
	}
	cl.layOffset[key] = newLay
	return nil
}

// === Read accessors ===

func (cl *CapitalLedger) FreeCollateral(account uuid.UUID) int64 {
	return cl.free[account]
}

func (cl *CapitalLedger) NetAllocation(account uuid.UUID, market string) int64 {
	return cl.netAlloc[MarketAccountKey{Account: account, Market: market}]
}

func (cl *CapitalLedger) LayOffset(account uuid.UUID, market string) int64 {
	return cl.layOffset[MarketAccountKey{Account: account, Market: market}]
}

func (cl *CapitalLedger) MarketValue(market string) int64 {
	return cl.marketValue[market]
}

func (cl *CapitalLedger) GlobalFreeCollateral() int64 {
	return cl.globalFree
}

func (cl *CapitalLedger) GlobalMarketValue() int64 {
	return cl.globalMarketValue
}

// ComputeFreeSum recomputes the free-collateral total by linear scan.
// Used by the conservation validator, never on the hot path.
func (cl *CapitalLedger) ComputeFreeSum() int64 {
	var total int64
	for _, v := range cl.free {
		total += v
	}
	return total
}

// ComputeMarketValueSum recomputes the locked-capital total by linear scan.
func (cl *CapitalLedger) ComputeMarketValueSum() int64 {
	var total int64
	for _, v := range cl.marketValue {
		total += v
	}
	return total
}

// === Snapshot support ===

// LedgerSnapshot is a copy of all ledger counters for persistence.
type LedgerSnapshot struct {
	Free              map[uuid.UUID]int64
	NetAlloc          map[MarketAccountKey]int64
	LayOffset         map[MarketAccountKey]int64
	MarketValue       map[string]int64
	GlobalFree        int64
	GlobalMarketValue int64
}

// Snapshot returns a deep copy of the ledger state.
func (cl *CapitalLedger) Snapshot() *LedgerSnapshot {
	snap := &LedgerSnapshot{
		Free:              make(map[uuid.UUID]int64, len(cl.free)),
		NetAlloc:          make(map[MarketAccountKey]int64, len(cl.netAlloc)),
		LayOffset:         make(map[MarketAccountKey]int64, len(cl.layOffset)),
		MarketValue:       make(map[string]int64, len(cl.marketValue)),
		GlobalFree:        cl.globalFree,
		GlobalMarketValue: cl.globalMarketValue,
	}
	for k, v := range cl.free {
		snap.Free[k] = v
	}
	for k, v := range cl.netAlloc {
		snap.NetAlloc[k] = v
	}
	for k, v := range cl.layOffset {
		snap.LayOffset[k] = v
	}
	for k, v := range cl.marketValue {
		snap.MarketValue[k] = v
	}
	return snap
}

// Restore overwrites all counters from a snapshot (warm restart path).
func (cl *CapitalLedger) Restore(snap *LedgerSnapshot) {
	cl.free = make(map[uuid.UUID]int64, len(snap.Free))
	cl.netAlloc = make(map[MarketAccountKey]int64, len(snap.NetAlloc))
	cl.layOffset = make(map[MarketAccountKey]int64, len(snap.LayOffset))
	cl.marketValue = make(map[string]int64, len(snap.MarketValue))
	for k, v := range snap.Free {
		cl.free[k] = v
	}
	for k, v := range snap.NetAlloc {
		cl.netAlloc[k] = v
	}
	for k, v := range snap.LayOffset {
		cl.layOffset[k] = v
	}
	for k, v := range snap.MarketValue {
		cl.marketValue[k] = v
	}
	cl.globalFree = snap.GlobalFree
	cl.globalMarketValue = snap.GlobalMarketValue
}

package query

import "github.com/google/uuid"

// BalanceResponse represents an account's collateral state for API queries.
type BalanceResponse struct {
	AccountID uuid.UUID `json:"account_id"`

	FreeCollateral int64 `json:"free_collateral"`

	// Per-market allocations for this account
	Allocations []AllocationView `json:"allocations,omitempty"`

	// Metadata
	AsOfSequence int64 `json:"as_of_sequence"` // last projected event sequence
}

// AllocationView is one (account, market) capital pair.
type AllocationView struct {
	MarketID      string `json:"market_id"`
	NetAllocation int64  `json:"net_allocation"`
	LayOffset     int64  `json:"lay_offset"`
}

// SolvencyResponse represents the derived solvency view for one
// (account, market) pair, as of the last projected event.
type SolvencyResponse struct {
	AccountID uuid.UUID `json:"account_id"`
	MarketID  string    `json:"market_id"`

	MinTilt         int64 `json:"min_tilt"`
	MinTiltPosition int64 `json:"min_tilt_position"`
	MaxTilt         int64 `json:"max_tilt"`
	MaxTiltPosition int64 `json:"max_tilt_position"`

	RealMinShares      int64 `json:"real_min_shares"`
	EffectiveMinShares int64 `json:"effective_min_shares"`
	Redeemable         int64 `json:"redeemable"`

	NetAllocation  int64 `json:"net_allocation"`
	LayOffset      int64 `json:"lay_offset"`
	FreeCollateral int64 `json:"free_collateral"`
	MarketValue    int64 `json:"market_value"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// MarketValueResponse is the total locked collateral for one market.
type MarketValueResponse struct {
	MarketID     string `json:"market_id"`
	MarketValue  int64  `json:"market_value"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// CapitalFlowResponse represents one capital move for API queries.
type CapitalFlowResponse struct {
	MoveID       string  `json:"move_id"`
	BatchID      string  `json:"batch_id"`
	EventRef     string  `json:"event_ref"`
	Sequence     int64   `json:"sequence"`
	AccountID    string  `json:"account_id"`
	MarketID     *string `json:"market_id,omitempty"`
	MoveType     string  `json:"move_type"`
	Amount       int64   `json:"amount"`
	Timestamp    int64   `json:"timestamp"`
	AsOfSequence int64   `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy          bool    `json:"is_healthy"`
	HashChainBreaks    []int64 `json:"hash_chain_breaks,omitempty"`
	FreeImbalance      *int64  `json:"free_imbalance,omitempty"`
	MarketImbalances   []MarketImbalance `json:"market_imbalances,omitempty"`
}

// MarketImbalance is a market whose projected allocations disagree with its
// projected market value.
type MarketImbalance struct {
	MarketID  string `json:"market_id"`
	Imbalance int64  `json:"imbalance"`
}

package state

import (
	"fmt"

	"github.com/google/uuid"
)

// MarketParams defines the capital-adequacy parameters of one market.
// Immutable once registered.
type MarketParams struct {
	MarketID        string
	SyntheticLine   int64     // credit usable only by the designated maker (>= 0)
	DesignatedMaker uuid.UUID // the one privileged account entitled to the line
	Expanding       bool      // open-ended outcome set: extrema clamped toward zero
}

// ValidateMarketParams checks that market parameters are well-formed.
func ValidateMarketParams(params *MarketParams) error {
	if params.MarketID == "" {
		return fmt.Errorf("market_id must be non-empty")
	}
	if params.SyntheticLine < 0 {
		return fmt.Errorf("synthetic_line must be >= 0, got %d", params.SyntheticLine)
	}
	if params.SyntheticLine > 0 && params.DesignatedMaker == uuid.Nil {
		return fmt.Errorf("synthetic_line %d requires a designated maker", params.SyntheticLine)
	}
	return nil
}

// MarketParamsManager manages per-market parameters. Unregistered markets
// behave as zero-parameter markets: no synthetic line, no designated maker,
// not expanding.
type MarketParamsManager struct {
	params map[string]*MarketParams
}

func NewMarketParamsManager() *MarketParamsManager {
	return &MarketParamsManager{
		params: make(map[string]*MarketParams),
	}
}

// Register stores a market's parameters. Re-registration is rejected:
// the synthetic line and maker designation are immutable per market.
func (mpm *MarketParamsManager) Register(params *MarketParams) error {
	if err := ValidateMarketParams(params); err != nil {
		return fmt.Errorf("invalid market params for %s: %w", params.MarketID, err)
	}
	if _, exists := mpm.params[params.MarketID]; exists {
		return fmt.Errorf("market %s already registered", params.MarketID)
	}
	mpm.params[params.MarketID] = params
	return nil
}

func (mpm *MarketParamsManager) Get(market string) (*MarketParams, bool) {
	params, ok := mpm.params[market]
	return params, ok
}

// IsDesignatedMaker reports whether account is the market's privileged maker.
func (mpm *MarketParamsManager) IsDesignatedMaker(account uuid.UUID, market string) bool {
	params, ok := mpm.params[market]
	return ok && params.DesignatedMaker != uuid.Nil && params.DesignatedMaker == account
}

// SyntheticLine returns the market's synthetic collateral line.
func (mpm *MarketParamsManager) SyntheticLine(market string) int64 {
	if params, ok := mpm.params[market]; ok {
		return params.SyntheticLine
	}
	return 0
}

// IsExpanding reports whether the market's outcome set is open-ended.
func (mpm *MarketParamsManager) IsExpanding(market string) bool {
	if params, ok := mpm.params[market]; ok {
		return params.Expanding
	}
	return false
}

// All returns every registered market's parameters (snapshot creation).
func (mpm *MarketParamsManager) All() []*MarketParams {
	out := make([]*MarketParams, 0, len(mpm.params))
	for _, p := range mpm.params {
		out = append(out, p)
	}
	return out
}

// RestoreParams directly sets a market's parameters (snapshot restore).
func (mpm *MarketParamsManager) RestoreParams(params *MarketParams) {
	mpm.params[params.MarketID] = params
}

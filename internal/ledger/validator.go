package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// ConservationValidator checks the conserved-sum invariants of the ledger.
type ConservationValidator struct {
	ledger *CapitalLedger
}

func NewConservationValidator(ledger *CapitalLedger) *ConservationValidator {
	return &ConservationValidator{
		ledger: ledger,
	}
}

// ValidateFreeConservation verifies sum(freeCollateral[*]) == globalFreeCollateral.
func (v *ConservationValidator) ValidateFreeConservation() error {
	sum := v.ledger.ComputeFreeSum()
	global := v.ledger.GlobalFreeCollateral()
	if sum != global {
		return fmt.Errorf("free collateral conservation broken: sum=%d global=%d", sum, global)
	}
	return nil
}

// ValidateMarketValueConservation verifies sum(marketValue[*]) == globalMarketValue.
func (v *ConservationValidator) ValidateMarketValueConservation() error {
	sum := v.ledger.ComputeMarketValueSum()
	global := v.ledger.GlobalMarketValue()
	if sum != global {
		return fmt.Errorf("market value conservation broken: sum=%d global=%d", sum, global)
	}
	return nil
}

// ValidateFreeNonNegative checks an account's free pool is >= 0.
func (v *ConservationValidator) ValidateFreeNonNegative(account uuid.UUID) error {
	free := v.ledger.FreeCollateral(account)
	if free < 0 {
		return fmt.Errorf("account %s has negative free collateral: %d", account, free)
	}
	return nil
}

// ValidateMarketValueNonNegative checks a market's locked pool is >= 0.
func (v *ConservationValidator) ValidateMarketValueNonNegative(market string) error {
	mv := v.ledger.MarketValue(market)
	if mv < 0 {
		return fmt.Errorf("market %s has negative locked value: %d", market, mv)
	}
	return nil
}

// ValidateAll runs every conservation check.
func (v *ConservationValidator) ValidateAll() error {
	if err := v.ValidateFreeConservation(); err != nil {
		return err
	}
	return v.ValidateMarketValueConservation()
}

// Package vetting is C4: the pre-trade admission check every submitted
// order passes through before it reaches the exchange client.
//
// Grounded on original_source/src/vetting/vetter.rs (the Vetter trait) and
// all_pass_vetter.rs (the zero-quantity rule); the self-crossing rule is
// this rewrite's addition from SPEC_FULL.md §4.7, requiring a lookup of the
// submitter's resting orders that the Rust AllPassVetter never had.
package vetting

import (
	"github.com/danapple/brokergw/internal/model"
)

// RestingOrderLookup resolves the caller's currently-open orders on an
// instrument, so the vetter can detect a self-crossing submission.
type RestingOrderLookup interface {
	OpenOrdersForInstrument(accountID, instrumentID int64) ([]model.Order, error)
}

// Vetter is the admission-check contract every order submission runs
// through (spec §4.7).
type Vetter interface {
	VetOrder(accountID int64, instrument model.Instrument, order model.Order) (model.VettingResult, error)
}

// DefaultVetter rejects zero-quantity orders and orders that would cross
// the same account's own resting order on the instrument (same instrument,
// opposite sign quantity already open, at a price the new order would
// trade against; see crosses).
type DefaultVetter struct {
	lookup RestingOrderLookup
}

func NewDefaultVetter(lookup RestingOrderLookup) *DefaultVetter {
	return &DefaultVetter{lookup: lookup}
}

func (v *DefaultVetter) VetOrder(accountID int64, instrument model.Instrument, order model.Order) (model.VettingResult, error) {
	if order.Quantity == 0 {
		return model.VettingResult{Pass: false, RejectReason: "quantity must not be zero"}, nil
	}

	resting, err := v.lookup.OpenOrdersForInstrument(accountID, instrument.InstrumentID)
	if err != nil {
		return model.VettingResult{}, err
	}

	for _, open := range resting {
		if crosses(order, open) {
			return model.VettingResult{Pass: false, RejectReason: "order would cross an existing resting order on this instrument"}, nil
		}
	}

	return model.VettingResult{Pass: true}, nil
}

// crosses reports whether a new order would immediately match an existing
// resting order on the same instrument: opposite sides, and the prices
// overlap — a new buy's price at or above an existing opposite-side sell's
// price, or a new sell's price at or below an existing opposite-side buy's
// price (spec §4.7). A resting order on the opposite side that is not
// marketable against the new order's price is not a self-cross.
func crosses(newOrder, resting model.Order) bool {
	if (newOrder.Quantity > 0) == (resting.Quantity > 0) {
		return false
	}
	if newOrder.Quantity > 0 {
		return newOrder.Price.GreaterThanOrEqual(resting.Price)
	}
	return newOrder.Price.LessThanOrEqual(resting.Price)
}

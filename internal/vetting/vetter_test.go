package vetting_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danapple/brokergw/internal/model"
	"github.com/danapple/brokergw/internal/vetting"
)

type fakeLookup struct {
	open []model.Order
	err  error
}

func (f fakeLookup) OpenOrdersForInstrument(accountID, instrumentID int64) ([]model.Order, error) {
	return f.open, f.err
}

func TestVetOrder_RejectsZeroQuantity(t *testing.T) {
	v := vetting.NewDefaultVetter(fakeLookup{})

	result, err := v.VetOrder(1, model.Instrument{InstrumentID: 10}, model.Order{Quantity: 0})

	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.NotEmpty(t, result.RejectReason)
}

func TestVetOrder_RejectsSelfCrossingWhenPricesOverlap(t *testing.T) {
	// Resting sell at 100; a new buy at 100 or higher would immediately match it.
	resting := model.Order{Quantity: -5, Price: decimal.NewFromInt(100), Legs: []model.OrderLeg{{InstrumentID: 10}}}
	v := vetting.NewDefaultVetter(fakeLookup{open: []model.Order{resting}})

	result, err := v.VetOrder(1, model.Instrument{InstrumentID: 10}, model.Order{Quantity: 3, Price: decimal.NewFromInt(100)})

	require.NoError(t, err)
	assert.False(t, result.Pass)
}

func TestVetOrder_PassesOppositeSideWhenPricesDoNotOverlap(t *testing.T) {
	// Resting sell at 1000 is far from a new buy at 1: opposite sides but not marketable.
	resting := model.Order{Quantity: -5, Price: decimal.NewFromInt(1000), Legs: []model.OrderLeg{{InstrumentID: 10}}}
	v := vetting.NewDefaultVetter(fakeLookup{open: []model.Order{resting}})

	result, err := v.VetOrder(1, model.Instrument{InstrumentID: 10}, model.Order{Quantity: 3, Price: decimal.NewFromInt(1)})

	require.NoError(t, err)
	assert.True(t, result.Pass)
}

func TestVetOrder_RejectsSelfCrossingSellAtOrBelowRestingBuy(t *testing.T) {
	// Resting buy at 50; a new sell at 50 or lower would immediately match it.
	resting := model.Order{Quantity: 5, Price: decimal.NewFromInt(50), Legs: []model.OrderLeg{{InstrumentID: 10}}}
	v := vetting.NewDefaultVetter(fakeLookup{open: []model.Order{resting}})

	result, err := v.VetOrder(1, model.Instrument{InstrumentID: 10}, model.Order{Quantity: -3, Price: decimal.NewFromInt(50)})

	require.NoError(t, err)
	assert.False(t, result.Pass)
}

func TestVetOrder_PassesSameDirectionResting(t *testing.T) {
	resting := model.Order{Quantity: 5, Price: decimal.NewFromInt(100), Legs: []model.OrderLeg{{InstrumentID: 10}}}
	v := vetting.NewDefaultVetter(fakeLookup{open: []model.Order{resting}})

	result, err := v.VetOrder(1, model.Instrument{InstrumentID: 10}, model.Order{Quantity: 3, Price: decimal.NewFromInt(100)})

	require.NoError(t, err)
	assert.True(t, result.Pass)
}

func TestVetOrder_PassesWithNoRestingOrders(t *testing.T) {
	v := vetting.NewDefaultVetter(fakeLookup{})

	result, err := v.VetOrder(1, model.Instrument{InstrumentID: 10}, model.Order{Quantity: -7})

	require.NoError(t, err)
	assert.True(t, result.Pass)
}

func TestVetOrder_PropagatesLookupError(t *testing.T) {
	boom := assert.AnError
	v := vetting.NewDefaultVetter(fakeLookup{err: boom})

	_, err := v.VetOrder(1, model.Instrument{InstrumentID: 10}, model.Order{Quantity: 3})

	assert.ErrorIs(t, err, boom)
}

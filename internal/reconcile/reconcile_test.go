package reconcile_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danapple/brokergw/internal/brokererr"
	"github.com/danapple/brokergw/internal/model"
	"github.com/danapple/brokergw/internal/reconcile"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// fakeStore is a hand-rolled in-memory reconcile.Store, preferred over a
// generated mock for the small set of methods this package actually calls.
type fakeStore struct {
	ordersByClientID map[string]model.OrderState
	ordersByExtID    map[string]model.OrderState
	balances         map[int64]model.Balance
	positions        map[string]model.Position
	seen             map[string]bool

	updateOrderStateErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ordersByClientID: map[string]model.OrderState{},
		ordersByExtID:    map[string]model.OrderState{},
		balances:         map[int64]model.Balance{},
		positions:        map[string]model.Position{},
		seen:             map[string]bool{},
	}
}

func (f *fakeStore) GetOrderByClientOrderID(clientOrderID string) (model.OrderState, error) {
	s, ok := f.ordersByClientID[clientOrderID]
	if !ok {
		return model.OrderState{}, brokererr.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) GetOrderByExtOrderIDAny(extOrderID string) (model.OrderState, error) {
	s, ok := f.ordersByExtID[extOrderID]
	if !ok {
		return model.OrderState{}, brokererr.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) UpdateOrderState(orderID int64, newStatus model.OrderStatus, updateTime int64, fromVersion int64) (int64, error) {
	if f.updateOrderStateErr != nil {
		return 0, f.updateOrderStateErr
	}
	for k, s := range f.ordersByExtID {
		if s.Order.OrderID == orderID {
			if s.VersionNumber != fromVersion {
				return 0, brokererr.ErrOptimisticLock
			}
			s.OrderStatus = newStatus
			s.UpdateTime = updateTime
			s.VersionNumber = fromVersion + 1
			f.ordersByExtID[k] = s
			f.ordersByClientID[s.Order.ClientOrderID] = s
			return s.VersionNumber, nil
		}
	}
	return 0, brokererr.ErrNotFound
}

func (f *fakeStore) GetBalance(accountID int64) (model.Balance, error) {
	b, ok := f.balances[accountID]
	if !ok {
		return model.Balance{}, brokererr.ErrNotFound
	}
	return b, nil
}

func (f *fakeStore) UpdateBalance(b model.Balance) (model.Balance, error) {
	b.VersionNumber++
	f.balances[b.AccountID] = b
	return b, nil
}

func positionKey(accountID, instrumentID int64) string {
	return fmt.Sprintf("%d:%d", accountID, instrumentID)
}

func (f *fakeStore) GetPosition(accountID, instrumentID int64) (model.Position, bool, error) {
	p, ok := f.positions[positionKey(accountID, instrumentID)]
	return p, ok, nil
}

func (f *fakeStore) UpsertPosition(p model.Position) (model.Position, error) {
	p.VersionNumber++
	f.positions[positionKey(p.AccountID, p.InstrumentID)] = p
	return p, nil
}

func (f *fakeStore) MarkExecutionSeen(clientOrderID, executionSeq string, now time.Time) (bool, error) {
	key := clientOrderID + ":" + executionSeq
	if f.seen[key] {
		return true, nil
	}
	f.seen[key] = true
	return false, nil
}

type fakeGateway struct{ store *fakeStore }

func (g fakeGateway) WithinTx(fn func(tx reconcile.Store) error) error {
	return fn(g.store)
}

type fakeInstruments struct{}

func (fakeInstruments) GetByExchangeInstrumentID(exchangeID int64, exchangeInstrumentID string) (model.Instrument, error) {
	return model.Instrument{}, brokererr.ErrNotFound
}

type fakeBroadcaster struct {
	updates []model.AccountUpdate
}

func (b *fakeBroadcaster) SendAccountMessage(accountKey string, update model.AccountUpdate) {
	b.updates = append(b.updates, update)
}

type fakeAccounts struct{}

func (fakeAccounts) AccountKeyByID(accountID int64) (string, error) {
	return "acct-1", nil
}

func TestApplyExecution_FlatToLongBuy(t *testing.T) {
	position := model.Position{AccountID: 1, InstrumentID: 10}
	execution := model.Execution{Price: dec("100"), Quantity: 5, CreateTime: 1000}

	updated := reconcile.ApplyExecution(position, execution)

	assert.Equal(t, int64(5), updated.Quantity)
	assert.True(t, updated.Cost.Equal(dec("500")))
	assert.True(t, updated.ClosedGain.Equal(decimal.Zero))
}

func TestApplyExecution_FlatToShortSell(t *testing.T) {
	position := model.Position{AccountID: 1, InstrumentID: 10}
	execution := model.Execution{Price: dec("100"), Quantity: -5, CreateTime: 1000}

	updated := reconcile.ApplyExecution(position, execution)

	assert.Equal(t, int64(-5), updated.Quantity)
	assert.True(t, updated.Cost.Equal(dec("-500")))
}

func TestApplyExecution_LongExtendWithBuy(t *testing.T) {
	position := model.Position{AccountID: 1, InstrumentID: 10, Quantity: 5, Cost: dec("500")}
	execution := model.Execution{Price: dec("110"), Quantity: 5, CreateTime: 2000}

	updated := reconcile.ApplyExecution(position, execution)

	assert.Equal(t, int64(10), updated.Quantity)
	assert.True(t, updated.Cost.Equal(dec("1050")))
	assert.True(t, updated.ClosedGain.Equal(decimal.Zero))
}

func TestApplyExecution_LongPartialSell(t *testing.T) {
	// avg cost 100, sell 4 of 10 at 110: realizes (110-100)*4 = 40 gain,
	// remaining 6 units stay at the original average cost.
	position := model.Position{AccountID: 1, InstrumentID: 10, Quantity: 10, Cost: dec("1000")}
	execution := model.Execution{Price: dec("110"), Quantity: -4, CreateTime: 3000}

	updated := reconcile.ApplyExecution(position, execution)

	assert.Equal(t, int64(6), updated.Quantity)
	assert.True(t, updated.ClosedGain.Equal(dec("40")), "closed gain: %s", updated.ClosedGain)
}

func TestApplyExecution_ShortPartialBuy(t *testing.T) {
	// avg cost 100 (cost -1000 over -10 units, short), buy back 4 of 10 at 90:
	// realizes (100-90)*4 = 40 gain.
	position := model.Position{AccountID: 1, InstrumentID: 10, Quantity: -10, Cost: dec("-1000")}
	execution := model.Execution{Price: dec("90"), Quantity: 4, CreateTime: 3000}

	updated := reconcile.ApplyExecution(position, execution)

	assert.Equal(t, int64(-6), updated.Quantity)
	assert.True(t, updated.ClosedGain.Equal(dec("40")), "closed gain: %s", updated.ClosedGain)
}

func TestApplyExecution_LongExactFlatten(t *testing.T) {
	position := model.Position{AccountID: 1, InstrumentID: 10, Quantity: 10, Cost: dec("1000")}
	execution := model.Execution{Price: dec("120"), Quantity: -10, CreateTime: 4000}

	updated := reconcile.ApplyExecution(position, execution)

	assert.Equal(t, int64(0), updated.Quantity)
	assert.True(t, updated.Cost.Equal(decimal.Zero))
	assert.True(t, updated.ClosedGain.Equal(dec("200")), "closed gain: %s", updated.ClosedGain)
}

func TestApplyExecution_LongOversell(t *testing.T) {
	// long 5 at avg 100, sell 8 at 110: closes the 5 (gain 50) and opens a
	// new short of 3 at the execution price.
	position := model.Position{AccountID: 1, InstrumentID: 10, Quantity: 5, Cost: dec("500")}
	execution := model.Execution{Price: dec("110"), Quantity: -8, CreateTime: 5000}

	updated := reconcile.ApplyExecution(position, execution)

	assert.Equal(t, int64(-3), updated.Quantity)
	assert.True(t, updated.ClosedGain.Equal(dec("50")), "closed gain: %s", updated.ClosedGain)
	assert.True(t, updated.Cost.Equal(dec("-330")), "cost: %s", updated.Cost)
}

func TestApplyExecution_ShortOverbuy(t *testing.T) {
	// short 5 at avg 100 (cost -500), buy 8 at 90: closes the 5 (gain 50) and opens a
	// new long of 3 at the execution price.
	position := model.Position{AccountID: 1, InstrumentID: 10, Quantity: -5, Cost: dec("-500")}
	execution := model.Execution{Price: dec("90"), Quantity: 8, CreateTime: 6000}

	updated := reconcile.ApplyExecution(position, execution)

	assert.Equal(t, int64(3), updated.Quantity)
	assert.True(t, updated.ClosedGain.Equal(dec("50")), "closed gain: %s", updated.ClosedGain)
	assert.True(t, updated.Cost.Equal(dec("270")), "cost: %s", updated.Cost)
}

func TestWorkers_HandleExecution_DuplicateIsNoOp(t *testing.T) {
	store := newFakeStore()
	store.ordersByClientID["client-1"] = model.OrderState{
		Order: model.Order{
			OrderID: 100, AccountID: 1, ClientOrderID: "client-1",
			Legs: []model.OrderLeg{{InstrumentID: 10, Ratio: 1}},
		},
		OrderStatus: model.OrderOpen,
	}
	store.balances[1] = model.Balance{AccountID: 1, Cash: dec("1000"), VersionNumber: 1}

	broadcaster := &fakeBroadcaster{}
	workers := reconcile.NewWorkers(fakeGateway{store}, fakeInstruments{}, broadcaster, fakeAccounts{}, 3, time.Millisecond)

	execution := model.Execution{ClientOrderID: "client-1", ExchangeExecutionSeq: "seq-1", Price: dec("100"), Quantity: 5, CreateTime: 1}

	workers.HandleExecution(1, execution)
	require.Len(t, broadcaster.updates, 3, "first delivery broadcasts balance, position, trade")

	workers.HandleExecution(1, execution)
	assert.Len(t, broadcaster.updates, 3, "duplicate delivery of the same execution must not mutate state again")
}

func TestWorkers_HandleOrderState_StaleUpdateIsSkipped(t *testing.T) {
	store := newFakeStore()
	current := model.OrderState{
		Order:         model.Order{OrderID: 100, AccountID: 1, ExtOrderID: "ext-1"},
		OrderStatus:   model.OrderOpen,
		UpdateTime:    5000,
		VersionNumber: 1,
	}
	store.ordersByExtID["ext-1"] = current

	broadcaster := &fakeBroadcaster{}
	workers := reconcile.NewWorkers(fakeGateway{store}, fakeInstruments{}, broadcaster, fakeAccounts{}, 3, time.Millisecond)

	workers.HandleOrderState(1, "ext-1", string(model.OrderFilled), 4000)

	got := store.ordersByExtID["ext-1"]
	assert.Equal(t, model.OrderOpen, got.OrderStatus, "a push older than the recorded state must be ignored")
	assert.Equal(t, int64(1), got.VersionNumber)
}

func TestWorkers_HandleOrderState_NewerUpdateApplies(t *testing.T) {
	store := newFakeStore()
	store.ordersByExtID["ext-1"] = model.OrderState{
		Order:         model.Order{OrderID: 100, AccountID: 1, ExtOrderID: "ext-1"},
		OrderStatus:   model.OrderOpen,
		UpdateTime:    5000,
		VersionNumber: 1,
	}

	broadcaster := &fakeBroadcaster{}
	workers := reconcile.NewWorkers(fakeGateway{store}, fakeInstruments{}, broadcaster, fakeAccounts{}, 3, time.Millisecond)

	workers.HandleOrderState(1, "ext-1", string(model.OrderFilled), 6000)

	got := store.ordersByExtID["ext-1"]
	assert.Equal(t, model.OrderFilled, got.OrderStatus)
	assert.Equal(t, int64(2), got.VersionNumber)
	require.Len(t, broadcaster.updates, 1)
	require.NotNil(t, broadcaster.updates[0].OrderState)
	assert.Equal(t, model.OrderFilled, broadcaster.updates[0].OrderState.OrderStatus)
}

package orders_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danapple/brokergw/internal/access"
	"github.com/danapple/brokergw/internal/brokererr"
	"github.com/danapple/brokergw/internal/model"
	"github.com/danapple/brokergw/internal/orders"
	"github.com/danapple/brokergw/internal/registry"
)

type fakeStore struct {
	account       model.Account
	savedOrder    model.OrderState
	statesByExtID map[string]model.OrderState
	nextOrderID   int64
}

func newFakeStore(account model.Account) *fakeStore {
	return &fakeStore{account: account, statesByExtID: map[string]model.OrderState{}}
}

func (f *fakeStore) GetAccountByKey(accountKey string) (model.Account, error) {
	if accountKey != f.account.AccountKey {
		return model.Account{}, brokererr.ErrNotFound
	}
	return f.account, nil
}

func (f *fakeStore) GetOrderByClientOrderID(clientOrderID string) (model.OrderState, error) {
	return model.OrderState{}, brokererr.ErrNotFound
}

func (f *fakeStore) GetOrderByExtOrderID(accountID int64, extOrderID string) (model.OrderState, error) {
	s, ok := f.statesByExtID[extOrderID]
	if !ok {
		return model.OrderState{}, brokererr.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) GetOrders(accountID int64, now time.Time, window time.Duration) ([]model.OrderState, error) {
	return nil, nil
}

func (f *fakeStore) SaveOrder(accountID int64, order model.Order, status model.OrderStatus, now int64) (model.OrderState, error) {
	f.nextOrderID++
	order.OrderID = f.nextOrderID
	order.OrderNumber = f.nextOrderID
	order.AccountID = accountID
	state := model.OrderState{Order: order, UpdateTime: now, OrderStatus: status, VersionNumber: 1}
	f.savedOrder = state
	if order.ExtOrderID != "" {
		f.statesByExtID[order.ExtOrderID] = state
	}
	return state, nil
}

func (f *fakeStore) UpdateOrderState(orderID int64, newStatus model.OrderStatus, updateTime int64, fromVersion int64) (int64, error) {
	if f.savedOrder.Order.OrderID == orderID {
		if f.savedOrder.VersionNumber != fromVersion {
			return 0, brokererr.ErrOptimisticLock
		}
		f.savedOrder.OrderStatus = newStatus
		f.savedOrder.UpdateTime = updateTime
		f.savedOrder.VersionNumber = fromVersion + 1
	}
	for id, s := range f.statesByExtID {
		if s.Order.OrderID == orderID {
			if s.VersionNumber != fromVersion {
				return 0, brokererr.ErrOptimisticLock
			}
			s.OrderStatus = newStatus
			s.UpdateTime = updateTime
			s.VersionNumber = fromVersion + 1
			f.statesByExtID[id] = s
			return s.VersionNumber, nil
		}
	}
	return fromVersion + 1, nil
}

type fakeInstruments struct {
	byKey    map[string]model.Instrument
	byID     map[int64]model.Instrument
	client   registry.ExchangeClient
	clientErr error
}

func (f fakeInstruments) GetByKey(instrumentKey string) (model.Instrument, error) {
	i, ok := f.byKey[instrumentKey]
	if !ok {
		return model.Instrument{}, brokererr.ErrNotFound
	}
	return i, nil
}

func (f fakeInstruments) GetByID(instrumentID int64) (model.Instrument, error) {
	i, ok := f.byID[instrumentID]
	if !ok {
		return model.Instrument{}, brokererr.ErrNotFound
	}
	return i, nil
}

func (f fakeInstruments) ExchangeClientFor(instrument model.Instrument) (registry.ExchangeClient, error) {
	if f.clientErr != nil {
		return nil, f.clientErr
	}
	return f.client, nil
}

type fakeExchangeClient struct {
	submitExtOrderID string
	submitStatus     model.OrderStatus
	submitErr        error
	cancelStatus     model.OrderStatus
	cancelErr        error
}

func (c fakeExchangeClient) SubmitOrder(order model.Order, instrument model.Instrument) (model.ExchangeOrderState, error) {
	if c.submitErr != nil {
		return model.ExchangeOrderState{}, c.submitErr
	}
	return model.ExchangeOrderState{ExtOrderID: c.submitExtOrderID, Status: c.submitStatus}, nil
}

func (c fakeExchangeClient) CancelOrder(extOrderID string, instrument model.Instrument) (model.ExchangeOrderState, error) {
	if c.cancelErr != nil {
		return model.ExchangeOrderState{}, c.cancelErr
	}
	return model.ExchangeOrderState{ExtOrderID: extOrderID, Status: c.cancelStatus}, nil
}

type passAllVetter struct{}

func (passAllVetter) VetOrder(accountID int64, instrument model.Instrument, order model.Order) (model.VettingResult, error) {
	return model.VettingResult{Pass: true}, nil
}

type fakeBroadcaster struct{ updates []model.AccountUpdate }

func (b *fakeBroadcaster) SendAccountMessage(accountKey string, update model.AccountUpdate) {
	b.updates = append(b.updates, update)
}

const accountKey = "acct-1"

func ownerSession() access.Session {
	return access.NewSession(model.Actor{}, map[string]access.AccountGrant{
		accountKey: {AccountID: 1, Privilege: model.PrivilegeOwner},
	})
}

func readOnlySession() access.Session {
	return access.NewSession(model.Actor{}, map[string]access.AccountGrant{
		accountKey: {AccountID: 1, Privilege: model.PrivilegeRead},
	})
}

func TestSubmitOrder_Success(t *testing.T) {
	// A synchronous OPEN from the exchange is not applied locally: the
	// order stays Pending until the async order-state handler resolves it.
	store := newFakeStore(model.Account{AccountID: 1, AccountKey: accountKey})
	instrument := model.Instrument{InstrumentID: 10, InstrumentKey: "INST", Status: model.InstrumentActive}
	instruments := fakeInstruments{
		byKey:  map[string]model.Instrument{"INST": instrument},
		byID:   map[int64]model.Instrument{10: instrument},
		client: fakeExchangeClient{submitExtOrderID: "ext-1", submitStatus: model.OrderOpen},
	}
	broadcaster := &fakeBroadcaster{}
	engine := orders.New(store, instruments, passAllVetter{}, broadcaster)

	state, err := engine.SubmitOrder(ownerSession(), accountKey, "INST", decimal.NewFromInt(100), 5, "")

	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, state.OrderStatus)
	assert.Equal(t, "ext-1", state.Order.ExtOrderID)
	require.Len(t, broadcaster.updates, 1)
	assert.Equal(t, model.OrderPending, broadcaster.updates[0].OrderState.OrderStatus)
}

func TestSubmitOrder_SynchronousRejectFromExchange(t *testing.T) {
	// Distinct from a transport failure: the exchange call itself succeeds
	// but the returned OrderState carries a Rejected status.
	store := newFakeStore(model.Account{AccountID: 1, AccountKey: accountKey})
	instrument := model.Instrument{InstrumentID: 10, InstrumentKey: "INST", Status: model.InstrumentActive}
	instruments := fakeInstruments{
		byKey:  map[string]model.Instrument{"INST": instrument},
		byID:   map[int64]model.Instrument{10: instrument},
		client: fakeExchangeClient{submitExtOrderID: "ext-1", submitStatus: model.OrderRejected},
	}
	broadcaster := &fakeBroadcaster{}
	engine := orders.New(store, instruments, passAllVetter{}, broadcaster)

	state, err := engine.SubmitOrder(ownerSession(), accountKey, "INST", decimal.NewFromInt(100), 5, "")

	require.NoError(t, err)
	assert.Equal(t, model.OrderRejected, state.OrderStatus)
	assert.Len(t, broadcaster.updates, 2)
}

func TestSubmitOrder_RejectedByExchange(t *testing.T) {
	store := newFakeStore(model.Account{AccountID: 1, AccountKey: accountKey})
	instrument := model.Instrument{InstrumentID: 10, InstrumentKey: "INST", Status: model.InstrumentActive}
	instruments := fakeInstruments{
		byKey:  map[string]model.Instrument{"INST": instrument},
		byID:   map[int64]model.Instrument{10: instrument},
		client: fakeExchangeClient{submitErr: brokererr.NewExchangeError("rejected", nil)},
	}
	engine := orders.New(store, instruments, passAllVetter{}, &fakeBroadcaster{})

	state, err := engine.SubmitOrder(ownerSession(), accountKey, "INST", decimal.NewFromInt(100), 5, "")

	require.NoError(t, err)
	assert.Equal(t, model.OrderRejected, state.OrderStatus)
}

func TestSubmitOrder_ForbiddenWithoutSubmitPrivilege(t *testing.T) {
	store := newFakeStore(model.Account{AccountID: 1, AccountKey: accountKey})
	engine := orders.New(store, fakeInstruments{}, passAllVetter{}, &fakeBroadcaster{})

	_, err := engine.SubmitOrder(readOnlySession(), accountKey, "INST", decimal.NewFromInt(100), 5, "")

	assert.ErrorIs(t, err, brokererr.ErrForbidden)
}

func TestSubmitOrder_RejectsInactiveInstrument(t *testing.T) {
	// The order must still be persisted as Rejected, with an order_number
	// allocated and a broadcast sent, before the 412 comes back.
	store := newFakeStore(model.Account{AccountID: 1, AccountKey: accountKey})
	instrument := model.Instrument{InstrumentID: 10, InstrumentKey: "INST", Status: model.InstrumentInactive}
	instruments := fakeInstruments{
		byKey: map[string]model.Instrument{"INST": instrument},
		byID:  map[int64]model.Instrument{10: instrument},
	}
	broadcaster := &fakeBroadcaster{}
	engine := orders.New(store, instruments, passAllVetter{}, broadcaster)

	_, err := engine.SubmitOrder(ownerSession(), accountKey, "INST", decimal.NewFromInt(100), 5, "")

	assert.ErrorIs(t, err, brokererr.ErrValidation)
	require.Equal(t, int64(1), store.nextOrderID)
	require.NotZero(t, store.savedOrder.Order.OrderNumber)
	assert.Equal(t, model.OrderRejected, store.savedOrder.OrderStatus)
	require.Len(t, broadcaster.updates, 1)
	require.NotNil(t, broadcaster.updates[0].OrderState)
	assert.Equal(t, model.OrderRejected, broadcaster.updates[0].OrderState.OrderStatus)
}

func TestCancelOrder_RejectsTerminalOrder(t *testing.T) {
	store := newFakeStore(model.Account{AccountID: 1, AccountKey: accountKey})
	store.statesByExtID["ext-1"] = model.OrderState{
		Order:       model.Order{OrderID: 1, ExtOrderID: "ext-1", Legs: []model.OrderLeg{{InstrumentID: 10}}},
		OrderStatus: model.OrderFilled,
	}
	engine := orders.New(store, fakeInstruments{}, passAllVetter{}, &fakeBroadcaster{})

	_, err := engine.CancelOrder(ownerSession(), accountKey, "ext-1")

	assert.ErrorIs(t, err, brokererr.ErrValidation)
}

func TestCancelOrder_ForbiddenWithoutCancelPrivilege(t *testing.T) {
	store := newFakeStore(model.Account{AccountID: 1, AccountKey: accountKey})
	engine := orders.New(store, fakeInstruments{}, passAllVetter{}, &fakeBroadcaster{})

	_, err := engine.CancelOrder(readOnlySession(), accountKey, "ext-1")

	assert.ErrorIs(t, err, brokererr.ErrForbidden)
}

func TestCancelOrder_Success(t *testing.T) {
	store := newFakeStore(model.Account{AccountID: 1, AccountKey: accountKey})
	store.statesByExtID["ext-1"] = model.OrderState{
		Order:         model.Order{OrderID: 1, ExtOrderID: "ext-1", Legs: []model.OrderLeg{{InstrumentID: 10}}},
		OrderStatus:   model.OrderOpen,
		VersionNumber: 1,
	}
	instrument := model.Instrument{InstrumentID: 10, InstrumentKey: "INST"}
	instruments := fakeInstruments{
		byID:   map[int64]model.Instrument{10: instrument},
		client: fakeExchangeClient{cancelStatus: model.OrderCanceled},
	}
	broadcaster := &fakeBroadcaster{}
	engine := orders.New(store, instruments, passAllVetter{}, broadcaster)

	state, err := engine.CancelOrder(ownerSession(), accountKey, "ext-1")

	require.NoError(t, err)
	assert.Equal(t, model.OrderCanceled, state.OrderStatus)
	require.Len(t, broadcaster.updates, 2)
	assert.Equal(t, model.OrderPendingCancel, broadcaster.updates[0].OrderState.OrderStatus)
	assert.Equal(t, model.OrderCanceled, broadcaster.updates[1].OrderState.OrderStatus)
}

// Package orders is C5: order submission, cancellation and retrieval.
// Privilege checks use the access.Session the caller resolved upstream;
// per SPEC_FULL.md §4.3/§4.8, submission checks the Submit privilege and
// cancellation checks Cancel — not Read, the privilege the original
// source mistakenly checked for both.
package orders

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/danapple/brokergw/internal/access"
	"github.com/danapple/brokergw/internal/brokererr"
	"github.com/danapple/brokergw/internal/model"
	"github.com/danapple/brokergw/internal/registry"
)

// Store is the subset of internal/store.Tx the engine needs, kept as an
// interface so this package has no direct gorm dependency.
type Store interface {
	GetAccountByKey(accountKey string) (model.Account, error)
	GetOrderByClientOrderID(clientOrderID string) (model.OrderState, error)
	GetOrderByExtOrderID(accountID int64, extOrderID string) (model.OrderState, error)
	GetOrders(accountID int64, now time.Time, window time.Duration) ([]model.OrderState, error)
	SaveOrder(accountID int64, order model.Order, status model.OrderStatus, now int64) (model.OrderState, error)
	UpdateOrderState(orderID int64, newStatus model.OrderStatus, updateTime int64, fromVersion int64) (int64, error)
}

// InstrumentResolver is the subset of internal/registry.Registry the
// engine needs to resolve an order's instrument and its exchange client.
type InstrumentResolver interface {
	GetByKey(instrumentKey string) (model.Instrument, error)
	GetByID(instrumentID int64) (model.Instrument, error)
	ExchangeClientFor(instrument model.Instrument) (registry.ExchangeClient, error)
}

// Vetter is the admission-check contract internal/vetting implements.
type Vetter interface {
	VetOrder(accountID int64, instrument model.Instrument, order model.Order) (model.VettingResult, error)
}

// Broadcaster pushes account-scoped updates out over C7. internal/broker
// implements it.
type Broadcaster interface {
	SendAccountMessage(accountKey string, update model.AccountUpdate)
}

// Engine is C5, wired to its collaborators by cmd/brokergw at startup.
type Engine struct {
	store       Store
	instruments InstrumentResolver
	vetter      Vetter
	broadcaster Broadcaster
	clock       clockwork.Clock
}

func New(store Store, instruments InstrumentResolver, vetter Vetter, broadcaster Broadcaster) *Engine {
	return &Engine{store: store, instruments: instruments, vetter: vetter, broadcaster: broadcaster, clock: clockwork.NewRealClock()}
}

// SubmitOrder implements spec §4.3's submit algorithm: resolve privilege,
// resolve and validate the instrument, vet, persist Pending, broadcast it,
// submit to the exchange, and persist and broadcast a rejection.
func (e *Engine) SubmitOrder(session access.Session, accountKey, instrumentKey string, price decimal.Decimal, quantity int64, extOrderIDHint string) (model.OrderState, error) {
	if !session.IsAllowedAccountPrivilege(accountKey, model.PrivilegeSubmit) {
		return model.OrderState{}, fmt.Errorf("%w: submit on account %s", brokererr.ErrForbidden, accountKey)
	}

	account, err := e.store.GetAccountByKey(accountKey)
	if err != nil {
		return model.OrderState{}, err
	}

	instrument, err := e.instruments.GetByKey(instrumentKey)
	if err != nil {
		return model.OrderState{}, err
	}

	now := e.clock.Now()
	nowMillis := now.UnixMilli()

	extOrderID := extOrderIDHint
	if extOrderID == "" {
		extOrderID = uuid.NewString()
	}

	order := model.Order{
		ClientOrderID: uuid.NewString(),
		ExtOrderID:    extOrderID,
		Price:         price,
		Quantity:      quantity,
		Legs:          []model.OrderLeg{{InstrumentID: instrument.InstrumentID, Ratio: 1}},
	}

	vetResult, err := e.vetter.VetOrder(account.AccountID, instrument, order)
	if err != nil {
		return model.OrderState{}, err
	}
	if !vetResult.Pass {
		return model.OrderState{}, brokererr.NewValidationError(vetResult.RejectReason)
	}

	saved, err := e.store.SaveOrder(account.AccountID, order, model.OrderPending, nowMillis)
	if err != nil {
		return model.OrderState{}, err
	}

	// An expired or inactive instrument still gets an order row, with an
	// order_number allocated and its full history written, before the 412
	// is returned — the caller needs a real order to look up (spec §4.3,
	// §8).
	if !instrument.IsTradeable(nowMillis) {
		rejected, err := e.transitionState(saved, model.OrderRejected, now)
		if err != nil {
			return model.OrderState{}, err
		}
		e.broadcaster.SendAccountMessage(accountKey, model.AccountUpdate{OrderState: &rejected})
		return model.OrderState{}, brokererr.NewValidationError("instrument is not tradeable")
	}

	pending := saved
	e.broadcaster.SendAccountMessage(accountKey, model.AccountUpdate{OrderState: &pending})

	exchangeClient, err := e.instruments.ExchangeClientFor(instrument)
	if err != nil {
		return model.OrderState{}, err
	}

	result, submitErr := exchangeClient.SubmitOrder(saved.Order, instrument)
	if submitErr != nil {
		log.Warn().Str("client_order_id", saved.Order.ClientOrderID).Err(submitErr).Msg("exchange rejected order submission")
		rejected, err := e.transitionState(saved, model.OrderRejected, now)
		if err != nil {
			return model.OrderState{}, err
		}
		e.broadcaster.SendAccountMessage(accountKey, model.AccountUpdate{OrderState: &rejected})
		return rejected, nil
	}

	saved.Order.ExtOrderID = result.ExtOrderID
	if result.Status == model.OrderRejected {
		rejected, err := e.transitionState(saved, model.OrderRejected, now)
		if err != nil {
			return model.OrderState{}, err
		}
		e.broadcaster.SendAccountMessage(accountKey, model.AccountUpdate{OrderState: &rejected})
		return rejected, nil
	}

	// Any other status the exchange applied synchronously is not applied
	// here — the order stays Pending and the async order-state handler
	// resolves it when the exchange pushes the real status (spec §4.3
	// step 11).
	return saved, nil
}

func (e *Engine) transitionState(state model.OrderState, newStatus model.OrderStatus, now time.Time) (model.OrderState, error) {
	newVersion, err := e.store.UpdateOrderState(state.Order.OrderID, newStatus, now.UnixMilli(), state.VersionNumber)
	if err != nil {
		return model.OrderState{}, err
	}
	state.OrderStatus = newStatus
	state.UpdateTime = now.UnixMilli()
	state.VersionNumber = newVersion
	return state, nil
}

// CancelOrder implements spec §4.3's cancel algorithm: a terminal order
// cannot be canceled (412), an open order moves to PendingCancel and the
// cancel request is forwarded to the exchange.
func (e *Engine) CancelOrder(session access.Session, accountKey, extOrderID string) (model.OrderState, error) {
	if !session.IsAllowedAccountPrivilege(accountKey, model.PrivilegeCancel) {
		return model.OrderState{}, fmt.Errorf("%w: cancel on account %s", brokererr.ErrForbidden, accountKey)
	}

	account, err := e.store.GetAccountByKey(accountKey)
	if err != nil {
		return model.OrderState{}, err
	}

	state, err := e.store.GetOrderByExtOrderID(account.AccountID, extOrderID)
	if err != nil {
		return model.OrderState{}, err
	}

	if state.OrderStatus.IsTerminal() {
		return model.OrderState{}, brokererr.NewValidationError("order is already in a terminal state")
	}

	// Cancellation only ever carries an ext_order_id, so the instrument is
	// resolved from the order's first leg rather than an instrument key.
	legInstrumentID := state.Order.Legs[0].InstrumentID
	resolved, err := e.instruments.GetByID(legInstrumentID)
	if err != nil {
		return model.OrderState{}, err
	}

	exchangeClient, err := e.instruments.ExchangeClientFor(resolved)
	if err != nil {
		return model.OrderState{}, err
	}

	now := e.clock.Now()
	pending, err := e.transitionState(state, model.OrderPendingCancel, now)
	if err != nil {
		return model.OrderState{}, err
	}
	e.broadcaster.SendAccountMessage(accountKey, model.AccountUpdate{OrderState: &pending})

	result, cancelErr := exchangeClient.CancelOrder(extOrderID, resolved)
	if cancelErr != nil {
		return model.OrderState{}, cancelErr
	}

	// Apply the status the exchange's cancel response carries to the local
	// state, as a second transition on top of the tentative PendingCancel
	// already persisted (spec §4.3 cancel step 6).
	applied, err := e.transitionState(pending, result.Status, now)
	if err != nil {
		return model.OrderState{}, err
	}
	e.broadcaster.SendAccountMessage(accountKey, model.AccountUpdate{OrderState: &applied})
	return applied, nil
}

// GetOrders implements get_orders: every order for the account that is
// open or was updated within the configured recency window.
func (e *Engine) GetOrders(session access.Session, accountKey string, window time.Duration) ([]model.OrderState, error) {
	if !session.IsAllowed(accountKey) {
		return nil, fmt.Errorf("%w: read on account %s", brokererr.ErrForbidden, accountKey)
	}
	account, err := e.store.GetAccountByKey(accountKey)
	if err != nil {
		return nil, err
	}
	return e.store.GetOrders(account.AccountID, e.clock.Now(), window)
}

// GetOrder resolves a single order by its ext_order_id for the 404/200
// single-order endpoint.
func (e *Engine) GetOrder(session access.Session, accountKey, extOrderID string) (model.OrderState, error) {
	if !session.IsAllowed(accountKey) {
		return model.OrderState{}, fmt.Errorf("%w: read on account %s", brokererr.ErrForbidden, accountKey)
	}
	account, err := e.store.GetAccountByKey(accountKey)
	if err != nil {
		return model.OrderState{}, err
	}
	return e.store.GetOrderByExtOrderID(account.AccountID, extOrderID)
}

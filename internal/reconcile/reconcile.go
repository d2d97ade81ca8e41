// Package reconcile is C6: the two inbound handlers that mutate
// balance/position/order-state in response to exchange pushes —
// handle_execution and handle_order_state in
// original_source/src/trade_handling, which this package ports feature for
// feature, including their exact position-splitting arithmetic and their
// retry-on-stale-version behavior.
//
// Every mutation acquires the package-wide reconciliation lock before
// opening its transaction (spec §5: a single process-wide mutex serializes
// balance/position writes; sharding by account is noted in DESIGN.md as a
// documented, not-taken alternative).
package reconcile

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/danapple/brokergw/internal/brokererr"
	"github.com/danapple/brokergw/internal/model"
)

// Store is the subset of internal/store.Tx the reconciler needs. Each
// method here is expected to run inside one transaction; internal/store's
// Gateway.WithinTx is what the Workers below actually hold.
type Store interface {
	GetOrderByClientOrderID(clientOrderID string) (model.OrderState, error)
	GetOrderByExtOrderIDAny(extOrderID string) (model.OrderState, error)
	UpdateOrderState(orderID int64, newStatus model.OrderStatus, updateTime int64, fromVersion int64) (int64, error)
	GetBalance(accountID int64) (model.Balance, error)
	UpdateBalance(b model.Balance) (model.Balance, error)
	GetPosition(accountID, instrumentID int64) (model.Position, bool, error)
	UpsertPosition(p model.Position) (model.Position, error)
	MarkExecutionSeen(clientOrderID, executionSeq string, now time.Time) (bool, error)
}

// Gateway opens the transaction each handler runs inside.
type Gateway interface {
	WithinTx(fn func(tx Store) error) error
}

// InstrumentResolver resolves the instrument an execution traded on, so
// its value_factor can be applied to the cash debit.
type InstrumentResolver interface {
	GetByExchangeInstrumentID(exchangeID int64, exchangeInstrumentID string) (model.Instrument, error)
}

// Broadcaster pushes the resulting balance/position/order-state updates
// out over C7.
type Broadcaster interface {
	SendAccountMessage(accountKey string, update model.AccountUpdate)
}

// AccountKeyLookup resolves an account's public key from its numeric ID,
// the broadcaster's addressing scheme.
type AccountKeyLookup interface {
	AccountKeyByID(accountID int64) (string, error)
}

// Workers is C6: the order-state and execution handlers, sharing one
// process-wide reconciliation lock.
type Workers struct {
	gateway     Gateway
	instruments InstrumentResolver
	broadcaster Broadcaster
	accounts    AccountKeyLookup
	clock       clockwork.Clock

	lock sync.Mutex

	retryCount int
	retryDelay time.Duration
}

func NewWorkers(gateway Gateway, instruments InstrumentResolver, broadcaster Broadcaster, accounts AccountKeyLookup, retryCount int, retryDelay time.Duration) *Workers {
	return &Workers{
		gateway:     gateway,
		instruments: instruments,
		broadcaster: broadcaster,
		accounts:    accounts,
		clock:       clockwork.NewRealClock(),
		retryCount:  retryCount,
		retryDelay:  retryDelay,
	}
}

// HandleOrderState ports handle_order_state/update_order_state from
// order_state_handling.rs: look up the order by ext_order_id, and if the
// incoming update_time is newer than the order's current state, apply the
// transition and broadcast it; an update_time equal to or older than the
// stored one leaves the state unchanged and rebroadcasts the current state.
// An order that is not found (its submit transaction has not committed
// yet) or a version conflict (another writer won the race) is retried up
// to retryCount times with retryDelay between attempts, matching the
// bounded retry-loop contract spec §4.4/§8 tests. Implements
// exchange.Handler.
func (w *Workers) HandleOrderState(exchangeID int64, extOrderID, status string, updateTime int64) {
	newStatus := model.OrderStatus(status)
	for attempt := 0; attempt <= w.retryCount; attempt++ {
		err := w.tryHandleOrderState(extOrderID, newStatus, updateTime)
		if err == nil {
			return
		}
		if !errors.Is(err, brokererr.ErrOptimisticLock) && !errors.Is(err, brokererr.ErrNotFound) {
			log.Error().Str("ext_order_id", extOrderID).Err(err).Msg("order state handling failed")
			return
		}
		w.clock.Sleep(w.retryDelay)
	}
	log.Error().Str("ext_order_id", extOrderID).Msg("order state handling exhausted retry budget")
}

func (w *Workers) tryHandleOrderState(extOrderID string, newStatus model.OrderStatus, updateTime int64) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	var result *model.OrderState
	var accountID int64

	err := w.gateway.WithinTx(func(tx Store) error {
		state, err := tx.GetOrderByExtOrderIDAny(extOrderID)
		if err != nil {
			return err
		}

		// Skip-older-update guard: a push that is not newer than what we
		// already recorded is a stale redelivery, not an error.
		if updateTime <= state.UpdateTime {
			result = &state
			accountID = state.Order.AccountID
			return nil
		}

		newVersion, err := tx.UpdateOrderState(state.Order.OrderID, newStatus, updateTime, state.VersionNumber)
		if err != nil {
			return err
		}
		state.OrderStatus = newStatus
		state.UpdateTime = updateTime
		state.VersionNumber = newVersion
		result = &state
		accountID = state.Order.AccountID
		return nil
	})
	if err != nil {
		return err
	}

	if result != nil {
		w.broadcastOrderState(accountID, *result)
	}
	return nil
}

func (w *Workers) broadcastOrderState(accountID int64, state model.OrderState) {
	accountKey, err := w.accounts.AccountKeyByID(accountID)
	if err != nil {
		log.Warn().Int64("account_id", accountID).Err(err).Msg("cannot resolve account key for broadcast")
		return
	}
	w.broadcaster.SendAccountMessage(accountKey, model.AccountUpdate{OrderState: &state})
}

// HandleExecution ports handle_execution/handle_execution_thread from
// execution_handling.rs: acquire the reconciliation lock, resolve the
// order and account, debit the balance by price*quantity*value_factor,
// load or create the position, apply the crossing-zero split math, and
// broadcast the resulting balance, position and trade. A duplicate
// delivery of the same (client_order_id, exchange_execution_seq) is a
// no-op, the SPEC_FULL.md §9 mitigation for at-least-once exchange
// delivery that the source lacked. Implements exchange.Handler.
func (w *Workers) HandleExecution(exchangeID int64, execution model.Execution) {
	if err := w.applyExecution(exchangeID, execution); err != nil {
		log.Error().Str("client_order_id", execution.ClientOrderID).Err(err).Msg("execution handling failed")
	}
}

func (w *Workers) applyExecution(exchangeID int64, execution model.Execution) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	return w.gateway.WithinTx(func(tx Store) error {
		seen, err := tx.MarkExecutionSeen(execution.ClientOrderID, execution.ExchangeExecutionSeq, w.clock.Now())
		if err != nil {
			return err
		}
		if seen {
			log.Debug().Str("client_order_id", execution.ClientOrderID).Str("seq", execution.ExchangeExecutionSeq).Msg("duplicate execution, skipping")
			return nil
		}

		orderState, err := tx.GetOrderByClientOrderID(execution.ClientOrderID)
		if err != nil {
			return err
		}
		accountID := orderState.Order.AccountID
		if len(orderState.Order.Legs) == 0 {
			return fmt.Errorf("%w: order %d has no legs", brokererr.ErrPersistence, orderState.Order.OrderID)
		}
		instrumentID := orderState.Order.Legs[0].InstrumentID

		instrument, err := w.instruments.GetByExchangeInstrumentID(exchangeID, execution.ExchangeInstrumentID)
		valueFactor := decimal.NewFromInt(1)
		if err == nil {
			valueFactor = instrument.ValueFactor
			instrumentID = instrument.InstrumentID
		}

		balance, err := tx.GetBalance(accountID)
		if err != nil && !errors.Is(err, brokererr.ErrNotFound) {
			return err
		}
		debit := execution.Price.Mul(decimal.NewFromInt(execution.Quantity)).Mul(valueFactor)
		newBalance := model.Balance{
			AccountID:     accountID,
			Cash:          balance.Cash.Sub(debit),
			UpdateTime:    execution.CreateTime,
			VersionNumber: balance.VersionNumber,
		}
		newBalance, err = tx.UpdateBalance(newBalance)
		if err != nil {
			return err
		}

		position, exists, err := tx.GetPosition(accountID, instrumentID)
		if err != nil {
			return err
		}
		if !exists {
			position = model.Position{AccountID: accountID, InstrumentID: instrumentID}
		}

		updated := ApplyExecution(position, execution)
		updated, err = tx.UpsertPosition(updated)
		if err != nil {
			return err
		}

		accountKey, keyErr := w.accounts.AccountKeyByID(accountID)
		if keyErr != nil {
			log.Warn().Int64("account_id", accountID).Err(keyErr).Msg("cannot resolve account key for broadcast")
			return nil
		}
		w.broadcaster.SendAccountMessage(accountKey, model.AccountUpdate{Balance: &newBalance})
		w.broadcaster.SendAccountMessage(accountKey, model.AccountUpdate{Position: &updated})
		w.broadcaster.SendAccountMessage(accountKey, model.AccountUpdate{Trade: &execution})
		return nil
	})
}

// ApplyExecution is the pure position-update function ported from
// apply_execution in execution_handling.rs: crossing zero splits the fill
// into a closing leg (realizing closed_gain against the old average cost)
// and an opening leg (establishing new cost at the execution price), while
// a same-direction fill simply extends quantity and cost.
func ApplyExecution(position model.Position, execution model.Execution) model.Position {
	oldQuantity := position.Quantity
	newQuantity := oldQuantity + execution.Quantity
	fillCost := execution.Price.Mul(decimal.NewFromInt(execution.Quantity))

	out := position
	out.UpdateTime = execution.CreateTime

	if oldQuantity == 0 || sameSign(oldQuantity, execution.Quantity) {
		// Flat-to-filled, or the fill extends an existing position in its
		// own direction: cost simply accumulates. Comparing the fill's own
		// sign against the existing position (not old-vs-new total
		// quantity) is what original_source's execution_handling.rs checks
		// at line 136 — an exact flatten lands newQuantity at zero, which
		// must not be mistaken for "same direction".
		out.Quantity = newQuantity
		out.Cost = position.Cost.Add(fillCost)
		return out
	}

	// The fill opposes the existing position. A partial close whose size
	// doesn't reach the full position closes exactly that much quantity at
	// the position's average cost, leaving the rest of the position open
	// at the same average price. A fill that reaches or exceeds the full
	// position closes all of it and, if anything remains, opens a fresh
	// position at the execution price.
	avgPrice := position.Cost.Div(decimal.NewFromInt(oldQuantity))
	closingQuantity := execution.Quantity
	crossesOrFlattens := abs64(execution.Quantity) >= abs64(oldQuantity)
	if crossesOrFlattens {
		closingQuantity = -oldQuantity
	}
	closingProceeds := execution.Price.Mul(decimal.NewFromInt(closingQuantity))
	closingBookValue := avgPrice.Mul(decimal.NewFromInt(closingQuantity))
	out.ClosedGain = position.ClosedGain.Add(closingBookValue.Sub(closingProceeds))

	out.Quantity = newQuantity
	switch {
	case newQuantity == 0:
		out.Cost = decimal.Zero
	case crossesOrFlattens:
		out.Cost = execution.Price.Mul(decimal.NewFromInt(newQuantity))
	default:
		out.Cost = avgPrice.Mul(decimal.NewFromInt(newQuantity))
	}

	return out
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sameSign(a, b int64) bool {
	if a == 0 || b == 0 {
		return true
	}
	return (a > 0) == (b > 0)
}

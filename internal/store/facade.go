package store

import (
	"time"

	"github.com/danapple/brokergw/internal/model"
)

// read returns a *Tx bound directly to the pool, for single-statement
// reads that don't need their own transaction. Gateway's facade methods
// below are what internal/orders and cmd/brokergw's adapters are actually
// wired against; internal/reconcile instead calls WithinTx
// itself because its handlers span several statements that must commit
// atomically together.
func (g *Gateway) read() *Tx {
	return &Tx{db: g.db}
}

func (g *Gateway) GetAccountByKey(accountKey string) (model.Account, error) {
	return g.read().GetAccountByKey(accountKey)
}

func (g *Gateway) GetActorByEmail(email string) (model.Actor, error) {
	return g.read().GetActorByEmail(email)
}

func (g *Gateway) ListAccessForActor(actorID int64) ([]model.Access, error) {
	return g.read().ListAccessForActor(actorID)
}

func (g *Gateway) ListExchanges() ([]model.Exchange, error) {
	return g.read().ListExchanges()
}

func (g *Gateway) ListInstruments() ([]model.Instrument, error) {
	return g.read().ListInstruments()
}

func (g *Gateway) GetOrderByClientOrderID(clientOrderID string) (model.OrderState, error) {
	return g.read().GetOrderByClientOrderID(clientOrderID)
}

func (g *Gateway) GetOrderByExtOrderID(accountID int64, extOrderID string) (model.OrderState, error) {
	return g.read().GetOrderByExtOrderID(accountID, extOrderID)
}

func (g *Gateway) GetOrderByExtOrderIDAny(extOrderID string) (model.OrderState, error) {
	return g.read().GetOrderByExtOrderIDAny(extOrderID)
}

func (g *Gateway) GetOrders(accountID int64, now time.Time, window time.Duration) ([]model.OrderState, error) {
	return g.read().GetOrders(accountID, now, window)
}

func (g *Gateway) GetBalance(accountID int64) (model.Balance, error) {
	return g.read().GetBalance(accountID)
}

func (g *Gateway) GetPosition(accountID, instrumentID int64) (model.Position, bool, error) {
	return g.read().GetPosition(accountID, instrumentID)
}

func (g *Gateway) ListPositions(accountID int64) ([]model.Position, error) {
	return g.read().ListPositions(accountID)
}

// AccountKeyByID resolves an account's public key, the address internal/
// reconcile and internal/broker broadcast against, from its numeric id.
func (g *Gateway) AccountKeyByID(accountID int64) (string, error) {
	var row AccountRow
	if err := g.db.First(&row, accountID).Error; err != nil {
		return "", err
	}
	return row.AccountKey, nil
}

// SaveOrder, UpdateOrderState, UpdateBalance and UpsertPosition each wrap a
// single Tx call in its own transaction, for callers (internal/orders)
// that mutate one thing at a time rather than several things atomically.

func (g *Gateway) SaveOrder(accountID int64, order model.Order, status model.OrderStatus, now int64) (model.OrderState, error) {
	var result model.OrderState
	err := g.WithinTx(func(tx *Tx) error {
		saved, err := tx.SaveOrder(accountID, order, status, now)
		if err != nil {
			return err
		}
		result = saved
		return nil
	})
	return result, err
}

func (g *Gateway) UpdateOrderState(orderID int64, newStatus model.OrderStatus, updateTime int64, fromVersion int64) (int64, error) {
	var version int64
	err := g.WithinTx(func(tx *Tx) error {
		v, err := tx.UpdateOrderState(orderID, newStatus, updateTime, fromVersion)
		if err != nil {
			return err
		}
		version = v
		return nil
	})
	return version, err
}

func (g *Gateway) UpdateBalance(b model.Balance) (model.Balance, error) {
	var result model.Balance
	err := g.WithinTx(func(tx *Tx) error {
		updated, err := tx.UpdateBalance(b)
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	return result, err
}

func (g *Gateway) UpsertPosition(p model.Position) (model.Position, error) {
	var result model.Position
	err := g.WithinTx(func(tx *Tx) error {
		updated, err := tx.UpsertPosition(p)
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	return result, err
}

func (g *Gateway) MarkExecutionSeen(clientOrderID, executionSeq string, now time.Time) (bool, error) {
	var seen bool
	err := g.WithinTx(func(tx *Tx) error {
		already, err := tx.MarkExecutionSeen(clientOrderID, executionSeq, now)
		if err != nil {
			return err
		}
		seen = already
		return nil
	})
	return seen, err
}

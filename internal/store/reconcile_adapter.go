package store

import (
	"github.com/danapple/brokergw/internal/reconcile"
)

// reconcileGateway adapts *Gateway to reconcile.Gateway: the reconciler's
// handlers span several statements (debit balance, upsert position, mark
// an execution seen) that must commit together, so it gets its own
// function-typed WithinTx rather than sharing Gateway.WithinTx's *Tx
// parameter type directly.
type reconcileGateway struct {
	g *Gateway
}

func (r reconcileGateway) WithinTx(fn func(tx reconcile.Store) error) error {
	return r.g.WithinTx(func(tx *Tx) error {
		return fn(tx)
	})
}

// AsReconcileGateway exposes this Gateway as the reconcile.Gateway
// internal/reconcile.NewWorkers wants.
func (g *Gateway) AsReconcileGateway() reconcile.Gateway {
	return reconcileGateway{g: g}
}

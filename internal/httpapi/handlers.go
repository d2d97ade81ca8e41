// Package httpapi wires the HTTP surface from spec §6: positions/balances,
// order submission/cancellation/retrieval, order preview, instrument
// listing, and the /ws upgrade endpoint. There is no route that lists the
// caller's accounts. Routing uses
// gorilla/mux, paired here with gorilla/websocket the way the rest of the
// retrieval pack (DimaJoyti-go-coffee, abdoElHodaky-tradSys,
// thrasher-corp-gocryptotrader) routes its own websocket upgrades.
//
// Session resolution is a contract only: handlers read an already-resolved
// access.Session from the request context under sessionContextKey, which
// whatever auth middleware the outer system supplies is expected to set
// (spec §1 Non-goals: authentication/session storage are external).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/danapple/brokergw/internal/access"
	"github.com/danapple/brokergw/internal/brokererr"
	"github.com/danapple/brokergw/internal/model"
)

type contextKey string

const sessionContextKey contextKey = "brokergw.session"

// WithSession stores a resolved access.Session on the request context, for
// the auth middleware the outer system supplies to call.
func WithSession(ctx context.Context, s access.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, s)
}

func sessionFrom(r *http.Request) (access.Session, bool) {
	s, ok := r.Context().Value(sessionContextKey).(access.Session)
	return s, ok
}

// OrderEngine is the subset of internal/orders.Engine the HTTP layer
// drives.
type OrderEngine interface {
	SubmitOrder(session access.Session, accountKey, instrumentKey string, price decimal.Decimal, quantity int64, extOrderIDHint string) (model.OrderState, error)
	CancelOrder(session access.Session, accountKey, extOrderID string) (model.OrderState, error)
	GetOrders(session access.Session, accountKey string, window time.Duration) ([]model.OrderState, error)
	GetOrder(session access.Session, accountKey, extOrderID string) (model.OrderState, error)
}

// PositionBalanceSource serves the read-only positions/balance endpoints.
type PositionBalanceSource interface {
	GetBalance(accountKey string) (model.Balance, error)
	GetPositions(accountKey string) ([]model.Position, error)
}

// InstrumentSource serves the instrument catalog endpoint.
type InstrumentSource interface {
	All() []model.Instrument
}

// WSHandler is internal/broker.Broker's ServeHTTP method.
type WSHandler interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// API bundles the handlers' collaborators and exposes the routed mux.
type API struct {
	orders      OrderEngine
	snapshots   PositionBalanceSource
	instruments InstrumentSource
	ws          WSHandler
	recentWindow time.Duration
}

func New(orders OrderEngine, snapshots PositionBalanceSource, instruments InstrumentSource, ws WSHandler, recentWindow time.Duration) *API {
	return &API{orders: orders, snapshots: snapshots, instruments: instruments, ws: ws, recentWindow: recentWindow}
}

// Router builds the gorilla/mux route table for the full HTTP surface.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/accounts/{account_key}/positions", a.getPositions).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{account_key}/balances", a.getBalance).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{account_key}/orders", a.getOrders).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{account_key}/orders", a.submitOrder).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{account_key}/orders/{ext_order_id}", a.getOrder).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{account_key}/orders/{ext_order_id}", a.cancelOrder).Methods(http.MethodDelete)
	r.HandleFunc("/accounts/{account_key}/previewOrder", a.previewOrder).Methods(http.MethodPost)
	r.HandleFunc("/instruments", a.listInstruments).Methods(http.MethodGet)
	r.HandleFunc("/ws", a.ws.ServeHTTP)
	return r
}

func (a *API) getPositions(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFrom(r)
	if !ok {
		writeError(w, brokererr.ErrUnauthorized)
		return
	}
	accountKey := mux.Vars(r)["account_key"]
	if !session.IsAllowed(accountKey) {
		writeError(w, brokererr.ErrForbidden)
		return
	}
	positions, err := a.snapshots.GetPositions(accountKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFrom(r)
	if !ok {
		writeError(w, brokererr.ErrUnauthorized)
		return
	}
	accountKey := mux.Vars(r)["account_key"]
	if !session.IsAllowed(accountKey) {
		writeError(w, brokererr.ErrForbidden)
		return
	}
	balance, err := a.snapshots.GetBalance(accountKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (a *API) getOrders(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFrom(r)
	if !ok {
		writeError(w, brokererr.ErrUnauthorized)
		return
	}
	accountKey := mux.Vars(r)["account_key"]
	orderStates, err := a.orders.GetOrders(session, accountKey, a.recentWindow)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderStates)
}

func (a *API) getOrder(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFrom(r)
	if !ok {
		writeError(w, brokererr.ErrUnauthorized)
		return
	}
	vars := mux.Vars(r)
	state, err := a.orders.GetOrder(session, vars["account_key"], vars["ext_order_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type submitOrderRequest struct {
	InstrumentKey string          `json:"instrument_key"`
	Price         decimal.Decimal `json:"price"`
	Quantity      int64           `json:"quantity"`
	ExtOrderID    string          `json:"ext_order_id,omitempty"`
}

func (a *API) submitOrder(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFrom(r)
	if !ok {
		writeError(w, brokererr.ErrUnauthorized)
		return
	}
	accountKey := mux.Vars(r)["account_key"]

	var req submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, brokererr.NewValidationError("malformed request body"))
		return
	}

	state, err := a.orders.SubmitOrder(session, accountKey, req.InstrumentKey, req.Price, req.Quantity, req.ExtOrderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *API) cancelOrder(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFrom(r)
	if !ok {
		writeError(w, brokererr.ErrUnauthorized)
		return
	}
	vars := mux.Vars(r)
	state, err := a.orders.CancelOrder(session, vars["account_key"], vars["ext_order_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// previewOrder reads the same request shape as submitOrder and reports only
// whether the quantity is non-zero, as {"accepted": bool}. It does not run
// the vetter or check the account privilege, and it persists and submits
// nothing.
func (a *API) previewOrder(w http.ResponseWriter, r *http.Request) {
	_, ok := sessionFrom(r)
	if !ok {
		writeError(w, brokererr.ErrUnauthorized)
		return
	}
	var req submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, brokererr.NewValidationError("malformed request body"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": req.Quantity != 0})
}

func (a *API) listInstruments(w http.ResponseWriter, r *http.Request) {
	if _, ok := sessionFrom(r); !ok {
		writeError(w, brokererr.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, a.instruments.All())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a brokererr sentinel to its HTTP status, per spec §7.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, brokererr.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, brokererr.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, brokererr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, brokererr.ErrValidation):
		status = http.StatusPreconditionFailed
	case errors.Is(err, brokererr.ErrOptimisticLock), errors.Is(err, brokererr.ErrExchange), errors.Is(err, brokererr.ErrPersistence), errors.Is(err, brokererr.ErrProtocol):
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

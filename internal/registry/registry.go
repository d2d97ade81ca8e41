// Package registry is C1: the in-memory instrument catalog plus the
// ExchangeHolder arena that resolves the cyclic-ownership note in spec §9
// (REDESIGN FLAGS). Each ExchangeHolder owns its exchange's REST client
// only. The inbound websocket subscriber for that exchange is started by
// cmd/brokergw with the exchange id and the reconciliation workers as its
// handler; it is not held by the holder and gets no *Registry, so
// Registry -> ExchangeHolder -> client is a one-way chain.
//
// Reads (GetByID, GetByKey, GetByExchangeInstrumentID) are the hot path,
// hit from every order submission and every inbound execution; writes
// (AddInstrument, AddExchange) are rare, admin-driven or
// startup-driven. That shape is why the registry uses one sync.RWMutex
// instead of per-entry locks.
package registry

import (
	"fmt"
	"sync"

	"github.com/danapple/brokergw/internal/brokererr"
	"github.com/danapple/brokergw/internal/model"
)

// ExchangeHolder owns everything scoped to one upstream exchange.
type ExchangeHolder struct {
	Exchange model.Exchange
	Client   ExchangeClient
}

// ExchangeClient is the subset of internal/exchange.Client the registry
// depends on, kept as an interface here so registry has no import-cycle
// with internal/exchange (internal/exchange in turn depends on
// internal/model, internal/brokererr and internal/stomp only).
type ExchangeClient interface {
	SubmitOrder(order model.Order, instrument model.Instrument) (model.ExchangeOrderState, error)
	CancelOrder(extOrderID string, instrument model.Instrument) (model.ExchangeOrderState, error)
}

// Registry is the many-readers/one-writer instrument catalog.
type Registry struct {
	mu sync.RWMutex

	byID                 map[int64]model.Instrument
	byExchangeInstrument map[string]model.Instrument // key: exchangeID + ":" + exchangeInstrumentID
	byKey                map[string]model.Instrument

	exchanges map[int64]*ExchangeHolder
}

func New() *Registry {
	return &Registry{
		byID:                 make(map[int64]model.Instrument),
		byExchangeInstrument: make(map[string]model.Instrument),
		byKey:                make(map[string]model.Instrument),
		exchanges:            make(map[int64]*ExchangeHolder),
	}
}

func exchangeInstrumentKey(exchangeID int64, exchangeInstrumentID string) string {
	return fmt.Sprintf("%d:%s", exchangeID, exchangeInstrumentID)
}

// AddExchange registers one exchange's holder, normally called once at
// startup per row in the exchange table.
func (r *Registry) AddExchange(holder *ExchangeHolder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exchanges[holder.Exchange.ExchangeID] = holder
}

func (r *Registry) GetExchangeHolder(exchangeID int64) (*ExchangeHolder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	holder, ok := r.exchanges[exchangeID]
	if !ok {
		return nil, fmt.Errorf("%w: exchange %d", brokererr.ErrNotFound, exchangeID)
	}
	return holder, nil
}

// AddInstrument inserts or replaces one instrument's catalog entry.
func (r *Registry) AddInstrument(instrument model.Instrument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[instrument.InstrumentID] = instrument
	r.byKey[instrument.InstrumentKey] = instrument
	r.byExchangeInstrument[exchangeInstrumentKey(instrument.ExchangeID, instrument.ExchangeInstrumentID)] = instrument
}

func (r *Registry) GetByID(instrumentID int64) (model.Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[instrumentID]
	if !ok {
		return model.Instrument{}, fmt.Errorf("%w: instrument id %d", brokererr.ErrNotFound, instrumentID)
	}
	return i, nil
}

func (r *Registry) GetByKey(instrumentKey string) (model.Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byKey[instrumentKey]
	if !ok {
		return model.Instrument{}, fmt.Errorf("%w: instrument key %s", brokererr.ErrNotFound, instrumentKey)
	}
	return i, nil
}

func (r *Registry) GetByExchangeInstrumentID(exchangeID int64, exchangeInstrumentID string) (model.Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byExchangeInstrument[exchangeInstrumentKey(exchangeID, exchangeInstrumentID)]
	if !ok {
		return model.Instrument{}, fmt.Errorf("%w: exchange instrument %d/%s", brokererr.ErrNotFound, exchangeID, exchangeInstrumentID)
	}
	return i, nil
}

// All returns a snapshot copy of the full catalog, for the /instruments
// endpoint.
func (r *Registry) All() []model.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Instrument, 0, len(r.byID))
	for _, i := range r.byID {
		out = append(out, i)
	}
	return out
}

// ExchangeClientFor resolves the REST/WS client that owns an instrument,
// the lookup internal/orders needs before it can submit or cancel.
func (r *Registry) ExchangeClientFor(instrument model.Instrument) (ExchangeClient, error) {
	holder, err := r.GetExchangeHolder(instrument.ExchangeID)
	if err != nil {
		return nil, err
	}
	return holder.Client, nil
}

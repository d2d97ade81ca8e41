// Package model holds the broker's core domain entities: instruments,
// exchanges, accounts, actors, orders and their lifecycle, positions and
// balances. These are plain structs shared by the persistence gateway,
// the order engine, the reconciliation workers and the websocket broker.
package model

import (
	"github.com/shopspring/decimal"
)

// InstrumentStatus is the admin-controlled lifecycle state of an Instrument.
type InstrumentStatus string

const (
	InstrumentActive   InstrumentStatus = "ACTIVE"
	InstrumentInactive InstrumentStatus = "INACTIVE"
)

// Instrument maps the broker's stable, public InstrumentKey to a numeric
// internal ID and to an exchange-specific identifier.
type Instrument struct {
	InstrumentID         int64
	InstrumentKey        string
	ExchangeID           int64
	ExchangeInstrumentID string
	Symbol               string
	AssetClass           string
	Status               InstrumentStatus
	ExpirationTime       int64 // epoch ms

	// ValueFactor multiplies execution price*quantity when debiting cash.
	// 1 for equities; >1 for futures/options-style multiplier contracts.
	ValueFactor decimal.Decimal
}

func (i Instrument) IsTradeable(nowMillis int64) bool {
	return i.Status == InstrumentActive && (i.ExpirationTime == 0 || i.ExpirationTime >= nowMillis)
}

// Exchange is one upstream venue an ExchangeHolder talks to.
type Exchange struct {
	ExchangeID int64
	Code       string
	RestURL    string
	WsURL      string
	Credential string
}

// Privilege is the account-scoped grant level an Actor holds on an Account.
type Privilege string

const (
	PrivilegeOwner    Privilege = "OWNER"
	PrivilegeRead     Privilege = "READ"
	PrivilegeSubmit   Privilege = "SUBMIT"
	PrivilegeCancel   Privilege = "CANCEL"
	PrivilegeWithdraw Privilege = "WITHDRAW"
)

// AdminPower is a global administrative grant, independent of any account.
type AdminPower string

const (
	AdminPowerAll  AdminPower = "ALL"
	AdminPowerRead AdminPower = "READ"
)

// Offer is a registration promotion code, referenced by Actor.OfferCode.
// Registration itself is out of scope; the entity exists so C3 has
// somewhere to persist and look it up.
type Offer struct {
	OfferID     int64
	Code        string
	Description string
	Active      bool
}

// Account is a funds-and-positions container addressed by its public
// AccountKey.
type Account struct {
	AccountID     int64
	AccountKey    string
	AccountNumber string // 6-digit, unique
	DisplayName   string
}

// Actor is a human or API principal.
type Actor struct {
	ActorID   int64
	Email     string
	Name      string
	OfferCode string
	Powers    []AdminPower
}

// Access joins an Actor to an Account with a nickname and a privilege.
type Access struct {
	AccessID   int64
	ActorID    int64
	AccountID  int64
	Nickname   string
	Privilege  Privilege
}

// OrderStatus is the state-machine value of an OrderState.
type OrderStatus string

const (
	OrderPending       OrderStatus = "PENDING"
	OrderOpen          OrderStatus = "OPEN"
	OrderFilled        OrderStatus = "FILLED"
	OrderRejected      OrderStatus = "REJECTED"
	OrderPendingCancel OrderStatus = "PENDING_CANCEL"
	OrderCanceled      OrderStatus = "CANCELED"
	OrderExpired       OrderStatus = "EXPIRED"
)

// openStatuses and terminalStatuses classify OrderStatus per spec §4.3.
var openStatuses = map[OrderStatus]bool{
	OrderPending:       true,
	OrderOpen:          true,
	OrderPendingCancel: true,
}

var terminalStatuses = map[OrderStatus]bool{
	OrderRejected: true,
	OrderFilled:   true,
	OrderCanceled: true,
	OrderExpired:  true,
}

func (s OrderStatus) IsOpen() bool {
	return openStatuses[s]
}

func (s OrderStatus) IsTerminal() bool {
	return terminalStatuses[s]
}

// OrderLeg is one instrument/ratio pair of a (possibly multi-leg) order.
// The sign of Ratio combined with the order's Quantity determines the
// leg's trade direction.
type OrderLeg struct {
	InstrumentID int64
	Ratio        int64
}

// Order is the immutable part of an order: what was requested.
type Order struct {
	OrderID       int64
	AccountID     int64
	OrderNumber   int64
	ExtOrderID    string
	ClientOrderID string
	CreateTime    int64
	Price         decimal.Decimal
	Quantity      int64 // signed: >0 buy, <0 sell
	Legs          []OrderLeg
}

// OrderState is the mutable lifecycle wrapper around an Order, carrying the
// optimistic-concurrency VersionNumber.
type OrderState struct {
	Order         Order
	UpdateTime    int64
	OrderStatus   OrderStatus
	VersionNumber int64
}

// OrderStateHistory is an immutable append-only row recorded on every
// OrderState transition, sharing VersionNumber with the OrderState row it
// documents.
type OrderStateHistory struct {
	HistoryID     int64
	OrderID       int64
	OrderStatus   OrderStatus
	UpdateTime    int64
	VersionNumber int64
}

// Execution is an exchange fill notification. It is never persisted as its
// own entity — it only mutates Position and Balance.
type Execution struct {
	ClientOrderID        string
	ExchangeInstrumentID string
	ExchangeExecutionSeq string // idempotency key component, see DESIGN.md
	CreateTime           int64
	Price                decimal.Decimal
	Quantity             int64 // signed
}

// Position is the single per-(account,instrument) aggregate of fills.
type Position struct {
	PositionID    int64
	AccountID     int64
	InstrumentID  int64
	Quantity      int64
	Cost          decimal.Decimal
	ClosedGain    decimal.Decimal
	UpdateTime    int64
	VersionNumber int64
}

// Balance is the single per-account cash aggregate.
type Balance struct {
	BalanceID     int64
	AccountID     int64
	Cash          decimal.Decimal
	UpdateTime    int64
	VersionNumber int64
}

// VettingResult is the outcome of a pre-trade admission check (C4).
type VettingResult struct {
	Pass         bool
	RejectReason string
}

// ExchangeOrderState is what an exchange submit/cancel response carries,
// per spec §4.2's submit_order/cancel_order -> OrderState contract: the
// venue-assigned ext_order_id and the status it synchronously applied.
type ExchangeOrderState struct {
	ExtOrderID string
	Status     OrderStatus
}

// AccountUpdate is the payload pushed to /accounts/{account_key}/updates.
// Exactly one field should be non-nil per message.
type AccountUpdate struct {
	Position   *Position   `json:"position,omitempty"`
	Balance    *Balance    `json:"balance,omitempty"`
	Trade      *Execution  `json:"trade,omitempty"`
	OrderState *OrderState `json:"order_state,omitempty"`
}

// MarketDepth is a retained snapshot pushed to /markets/{key}/depth.
type MarketDepth struct {
	InstrumentKey string          `json:"instrument_key"`
	Bids          []DepthLevel    `json:"bids"`
	Asks          []DepthLevel    `json:"asks"`
	UpdateTime    int64           `json:"update_time"`
}

type DepthLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// LastTrade is a retained snapshot pushed to /markets/{key}/last_trade.
type LastTrade struct {
	InstrumentKey string          `json:"instrument_key"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	UpdateTime    int64           `json:"update_time"`
}

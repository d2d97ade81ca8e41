// Package store is the persistence gateway (C3): a connection pool plus a
// transactional handle over the tables listed in spec §6 — account, actor,
// actor_account_relationship/access, exchange, instrument, offer,
// admin_role_power, order_base, order_leg, order_state,
// order_state_history, order_number_generator, balance, position. Row
// types here are the gorm models; internal/model holds the
// persistence-agnostic domain structs the rest of the system works with.
//
// Grounded on the teacher's internal/database/database.go: gorm with a
// postgres/sqlite dual driver, AutoMigrate, decimal.Decimal columns typed
// via `gorm:"type:decimal(...)"`.
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

type InstrumentRow struct {
	InstrumentID         int64  `gorm:"primaryKey;autoIncrement"`
	InstrumentKey        string `gorm:"uniqueIndex"`
	ExchangeID           int64  `gorm:"index"`
	ExchangeInstrumentID string `gorm:"index:idx_exchange_instrument,unique"`
	Symbol               string
	AssetClass           string
	Status               string
	ExpirationTime       int64
	ValueFactor          decimal.Decimal `gorm:"type:decimal(20,8);default:1"`
}

func (InstrumentRow) TableName() string { return "instrument" }

type ExchangeRow struct {
	ExchangeID int64 `gorm:"primaryKey;autoIncrement"`
	Code       string
	RestURL    string
	WsURL      string
	Credential string
}

func (ExchangeRow) TableName() string { return "exchange" }

type OfferRow struct {
	OfferID     int64 `gorm:"primaryKey;autoIncrement"`
	Code        string `gorm:"uniqueIndex"`
	Description string
	Active      bool
}

func (OfferRow) TableName() string { return "offer" }

type AccountRow struct {
	AccountID     int64  `gorm:"primaryKey;autoIncrement"`
	AccountKey    string `gorm:"uniqueIndex"`
	AccountNumber string `gorm:"uniqueIndex"`
	DisplayName   string
}

func (AccountRow) TableName() string { return "account" }

type ActorRow struct {
	ActorID   int64 `gorm:"primaryKey;autoIncrement"`
	Email     string `gorm:"uniqueIndex"`
	Name      string
	OfferCode string
}

func (ActorRow) TableName() string { return "actor" }

// AdminRolePowerRow backs Actor.Powers (spec §3 Actor, §4.8 C8).
type AdminRolePowerRow struct {
	ActorID int64  `gorm:"primaryKey"`
	Power   string `gorm:"primaryKey"`
}

func (AdminRolePowerRow) TableName() string { return "admin_role_power" }

// AccessRow is the actor_account_relationship / access join table.
type AccessRow struct {
	AccessID  int64 `gorm:"primaryKey;autoIncrement"`
	ActorID   int64 `gorm:"index"`
	AccountID int64 `gorm:"index"`
	Nickname  string
	Privilege string
}

func (AccessRow) TableName() string { return "access" }

type OrderNumberGeneratorRow struct {
	AccountID int64 `gorm:"primaryKey"`
	NextValue int64
}

func (OrderNumberGeneratorRow) TableName() string { return "order_number_generator" }

type OrderRow struct {
	OrderID       int64  `gorm:"primaryKey;autoIncrement"`
	AccountID     int64  `gorm:"index"`
	OrderNumber   int64  `gorm:"index"`
	ExtOrderID    string `gorm:"index:idx_account_ext_order,unique"`
	ClientOrderID string `gorm:"uniqueIndex"`
	CreateTime    int64
	Price         decimal.Decimal `gorm:"type:decimal(20,8)"`
	Quantity      int64
}

func (OrderRow) TableName() string { return "order_base" }

type OrderLegRow struct {
	LegID        int64 `gorm:"primaryKey;autoIncrement"`
	OrderID      int64 `gorm:"index"`
	InstrumentID int64
	Ratio        int64
	LegIndex     int
}

func (OrderLegRow) TableName() string { return "order_leg" }

type OrderStateRow struct {
	OrderID       int64 `gorm:"primaryKey"`
	UpdateTime    int64
	OrderStatus   string
	VersionNumber int64
}

func (OrderStateRow) TableName() string { return "order_state" }

type OrderStateHistoryRow struct {
	HistoryID     int64 `gorm:"primaryKey;autoIncrement"`
	OrderID       int64 `gorm:"index"`
	OrderStatus   string
	UpdateTime    int64
	VersionNumber int64
}

func (OrderStateHistoryRow) TableName() string { return "order_state_history" }

type BalanceRow struct {
	BalanceID     int64 `gorm:"primaryKey;autoIncrement"`
	AccountID     int64 `gorm:"uniqueIndex"`
	Cash          decimal.Decimal `gorm:"type:decimal(20,8)"`
	UpdateTime    int64
	VersionNumber int64
}

func (BalanceRow) TableName() string { return "balance" }

type PositionRow struct {
	PositionID    int64 `gorm:"primaryKey;autoIncrement"`
	AccountID     int64 `gorm:"index:idx_account_instrument,unique"`
	InstrumentID  int64 `gorm:"index:idx_account_instrument,unique"`
	Quantity      int64
	Cost          decimal.Decimal `gorm:"type:decimal(20,8)"`
	ClosedGain    decimal.Decimal `gorm:"type:decimal(20,8)"`
	UpdateTime    int64
	VersionNumber int64
}

func (PositionRow) TableName() string { return "position" }

// ExecutionSeenRow is the idempotency-key seen-set from SPEC_FULL.md's
// duplicate-execution-suppression resolution: a unique constraint on
// (client_order_id, exchange_execution_seq) makes re-applying the same
// execution a no-op instead of a second balance/position mutation.
type ExecutionSeenRow struct {
	ClientOrderID        string `gorm:"primaryKey"`
	ExchangeExecutionSeq string `gorm:"primaryKey"`
	SeenAt                time.Time
}

func (ExecutionSeenRow) TableName() string { return "execution_seen" }

func allRows() []any {
	return []any{
		&InstrumentRow{}, &ExchangeRow{}, &OfferRow{}, &AccountRow{}, &ActorRow{},
		&AdminRolePowerRow{}, &AccessRow{}, &OrderNumberGeneratorRow{}, &OrderRow{},
		&OrderLegRow{}, &OrderStateRow{}, &OrderStateHistoryRow{}, &BalanceRow{},
		&PositionRow{}, &ExecutionSeenRow{},
	}
}

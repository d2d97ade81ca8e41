package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/danapple/brokergw/internal/brokererr"
	"github.com/danapple/brokergw/internal/model"
)

// Gateway is the connection pool wrapper. Grounded on the teacher's
// internal/database.New(dbPath): a postgres DSN is used as-is, anything
// else is treated as a sqlite file path (our DatabaseURL convention
// prefixes that case with "sqlite://").
type Gateway struct {
	db *gorm.DB
}

// Open dials the database named by databaseURL and runs AutoMigrate for
// every row type. "postgres://..." dials postgres; "sqlite://path" (or any
// other value) opens/creates a local sqlite file, creating its parent
// directory the way the teacher's New() does for local dev databases.
func Open(databaseURL string) (*Gateway, error) {
	gcfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	var (
		db  *gorm.DB
		err error
	)
	switch {
	case strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://"):
		db, err = gorm.Open(postgres.Open(databaseURL), gcfg)
	default:
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		if dir := filepath.Dir(path); dir != "." {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, fmt.Errorf("%w: create sqlite dir: %v", brokererr.ErrPersistence, mkErr)
			}
		}
		db, err = gorm.Open(sqlite.Open(path), gcfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", brokererr.ErrPersistence, err)
	}

	if err := db.AutoMigrate(allRows()...); err != nil {
		return nil, fmt.Errorf("%w: automigrate: %v", brokererr.ErrPersistence, err)
	}

	return &Gateway{db: db}, nil
}

// WithinTx runs fn inside one gorm transaction, converting any returned
// error into brokererr.ErrPersistence unless fn's error already carries a
// more specific sentinel (ErrOptimisticLock, ErrNotFound, ...).
func (g *Gateway) WithinTx(fn func(tx *Tx) error) error {
	err := g.db.Transaction(func(gtx *gorm.DB) error {
		return fn(&Tx{db: gtx})
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, brokererr.ErrOptimisticLock) || errors.Is(err, brokererr.ErrNotFound) || errors.Is(err, brokererr.ErrValidation) {
		return err
	}
	return fmt.Errorf("%w: %v", brokererr.ErrPersistence, err)
}

// Tx is the transactional handle every mutating operation runs through.
type Tx struct {
	db *gorm.DB
}

// --- reference data reads, used by cmd/brokergw to fill the registry at
// startup and to build access sessions on demand. ---

func (t *Tx) ListExchanges() ([]model.Exchange, error) {
	var rows []ExchangeRow
	if err := t.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Exchange, len(rows))
	for i, r := range rows {
		out[i] = model.Exchange{ExchangeID: r.ExchangeID, Code: r.Code, RestURL: r.RestURL, WsURL: r.WsURL, Credential: r.Credential}
	}
	return out, nil
}

func (t *Tx) ListInstruments() ([]model.Instrument, error) {
	var rows []InstrumentRow
	if err := t.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Instrument, len(rows))
	for i, r := range rows {
		out[i] = instrumentFromRow(r)
	}
	return out, nil
}

func instrumentFromRow(r InstrumentRow) model.Instrument {
	return model.Instrument{
		InstrumentID:         r.InstrumentID,
		InstrumentKey:        r.InstrumentKey,
		ExchangeID:           r.ExchangeID,
		ExchangeInstrumentID: r.ExchangeInstrumentID,
		Symbol:               r.Symbol,
		AssetClass:           r.AssetClass,
		Status:               model.InstrumentStatus(r.Status),
		ExpirationTime:       r.ExpirationTime,
		ValueFactor:          r.ValueFactor,
	}
}

func (t *Tx) GetAccountByKey(accountKey string) (model.Account, error) {
	var row AccountRow
	err := t.db.Where("account_key = ?", accountKey).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Account{}, fmt.Errorf("%w: account %s", brokererr.ErrNotFound, accountKey)
	}
	if err != nil {
		return model.Account{}, err
	}
	return model.Account{AccountID: row.AccountID, AccountKey: row.AccountKey, AccountNumber: row.AccountNumber, DisplayName: row.DisplayName}, nil
}

func (t *Tx) GetActorByEmail(email string) (model.Actor, error) {
	var row ActorRow
	err := t.db.Where("email = ?", email).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Actor{}, fmt.Errorf("%w: actor %s", brokererr.ErrNotFound, email)
	}
	if err != nil {
		return model.Actor{}, err
	}

	var powerRows []AdminRolePowerRow
	if err := t.db.Where("actor_id = ?", row.ActorID).Find(&powerRows).Error; err != nil {
		return model.Actor{}, err
	}
	powers := make([]model.AdminPower, len(powerRows))
	for i, p := range powerRows {
		powers[i] = model.AdminPower(p.Power)
	}

	return model.Actor{ActorID: row.ActorID, Email: row.Email, Name: row.Name, OfferCode: row.OfferCode, Powers: powers}, nil
}

func (t *Tx) ListAccessForActor(actorID int64) ([]model.Access, error) {
	var rows []AccessRow
	if err := t.db.Where("actor_id = ?", actorID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Access, len(rows))
	for i, r := range rows {
		out[i] = model.Access{AccessID: r.AccessID, ActorID: r.ActorID, AccountID: r.AccountID, Nickname: r.Nickname, Privilege: model.Privilege(r.Privilege)}
	}
	return out, nil
}

// --- balance/position reads ---

func (t *Tx) GetBalance(accountID int64) (model.Balance, error) {
	var row BalanceRow
	err := t.db.Where("account_id = ?", accountID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Balance{}, fmt.Errorf("%w: balance for account %d", brokererr.ErrNotFound, accountID)
	}
	if err != nil {
		return model.Balance{}, err
	}
	return model.Balance{BalanceID: row.BalanceID, AccountID: row.AccountID, Cash: row.Cash, UpdateTime: row.UpdateTime, VersionNumber: row.VersionNumber}, nil
}

func (t *Tx) GetPosition(accountID, instrumentID int64) (model.Position, bool, error) {
	var row PositionRow
	err := t.db.Where("account_id = ? AND instrument_id = ?", accountID, instrumentID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Position{}, false, nil
	}
	if err != nil {
		return model.Position{}, false, err
	}
	return model.Position{
		PositionID: row.PositionID, AccountID: row.AccountID, InstrumentID: row.InstrumentID,
		Quantity: row.Quantity, Cost: row.Cost, ClosedGain: row.ClosedGain,
		UpdateTime: row.UpdateTime, VersionNumber: row.VersionNumber,
	}, true, nil
}

func (t *Tx) ListPositions(accountID int64) ([]model.Position, error) {
	var rows []PositionRow
	if err := t.db.Where("account_id = ?", accountID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Position, len(rows))
	for i, r := range rows {
		out[i] = model.Position{
			PositionID: r.PositionID, AccountID: r.AccountID, InstrumentID: r.InstrumentID,
			Quantity: r.Quantity, Cost: r.Cost, ClosedGain: r.ClosedGain,
			UpdateTime: r.UpdateTime, VersionNumber: r.VersionNumber,
		}
	}
	return out, nil
}

// UpdateBalance writes a version-locked balance update. A zero VersionNumber
// on the incoming value means "insert new row" (first debit an account ever
// sees); this mirrors UpsertPosition's create/update split below.
func (t *Tx) UpdateBalance(b model.Balance) (model.Balance, error) {
	if b.VersionNumber == 0 {
		row := BalanceRow{AccountID: b.AccountID, Cash: b.Cash, UpdateTime: b.UpdateTime, VersionNumber: 1}
		if err := t.db.Create(&row).Error; err != nil {
			return model.Balance{}, err
		}
		b.BalanceID = row.BalanceID
		b.VersionNumber = 1
		return b, nil
	}

	res := t.db.Model(&BalanceRow{}).
		Where("account_id = ? AND version_number = ?", b.AccountID, b.VersionNumber).
		Updates(map[string]any{
			"cash":           b.Cash,
			"update_time":    b.UpdateTime,
			"version_number": b.VersionNumber + 1,
		})
	if res.Error != nil {
		return model.Balance{}, res.Error
	}
	if res.RowsAffected == 0 {
		return model.Balance{}, fmt.Errorf("%w: balance account=%d version=%d", brokererr.ErrOptimisticLock, b.AccountID, b.VersionNumber)
	}
	b.VersionNumber++
	return b, nil
}

// UpsertPosition inserts a new position row (VersionNumber==0 on input) or
// applies a version-locked update, exactly the pattern reconcile uses after
// running the closing/opening split math in memory.
func (t *Tx) UpsertPosition(p model.Position) (model.Position, error) {
	if p.VersionNumber == 0 {
		row := PositionRow{
			AccountID: p.AccountID, InstrumentID: p.InstrumentID, Quantity: p.Quantity,
			Cost: p.Cost, ClosedGain: p.ClosedGain, UpdateTime: p.UpdateTime, VersionNumber: 1,
		}
		if err := t.db.Create(&row).Error; err != nil {
			return model.Position{}, err
		}
		p.PositionID = row.PositionID
		p.VersionNumber = 1
		return p, nil
	}

	res := t.db.Model(&PositionRow{}).
		Where("position_id = ? AND version_number = ?", p.PositionID, p.VersionNumber).
		Updates(map[string]any{
			"quantity":       p.Quantity,
			"cost":           p.Cost,
			"closed_gain":    p.ClosedGain,
			"update_time":    p.UpdateTime,
			"version_number": p.VersionNumber + 1,
		})
	if res.Error != nil {
		return model.Position{}, res.Error
	}
	if res.RowsAffected == 0 {
		return model.Position{}, fmt.Errorf("%w: position id=%d version=%d", brokererr.ErrOptimisticLock, p.PositionID, p.VersionNumber)
	}
	p.VersionNumber++
	return p, nil
}

// --- order reads/writes ---

func (t *Tx) GetOrderByClientOrderID(clientOrderID string) (model.OrderState, error) {
	var row OrderRow
	err := t.db.Where("client_order_id = ?", clientOrderID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.OrderState{}, fmt.Errorf("%w: order client_order_id=%s", brokererr.ErrNotFound, clientOrderID)
	}
	if err != nil {
		return model.OrderState{}, err
	}
	return t.assembleOrderState(row)
}

func (t *Tx) GetOrderByExtOrderID(accountID int64, extOrderID string) (model.OrderState, error) {
	var row OrderRow
	err := t.db.Where("account_id = ? AND ext_order_id = ?", accountID, extOrderID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.OrderState{}, fmt.Errorf("%w: order ext_order_id=%s", brokererr.ErrNotFound, extOrderID)
	}
	if err != nil {
		return model.OrderState{}, err
	}
	return t.assembleOrderState(row)
}

// GetOrderByExtOrderIDAny looks up an order by its ext_order_id alone,
// which the exchange assigns uniquely across all accounts. Used by
// internal/reconcile's order-state handler, which only ever receives an
// ext_order_id from the exchange push, not an account_key.
func (t *Tx) GetOrderByExtOrderIDAny(extOrderID string) (model.OrderState, error) {
	var row OrderRow
	err := t.db.Where("ext_order_id = ?", extOrderID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.OrderState{}, fmt.Errorf("%w: order ext_order_id=%s", brokererr.ErrNotFound, extOrderID)
	}
	if err != nil {
		return model.OrderState{}, err
	}
	return t.assembleOrderState(row)
}

func (t *Tx) assembleOrderState(row OrderRow) (model.OrderState, error) {
	var legRows []OrderLegRow
	if err := t.db.Where("order_id = ?", row.OrderID).Order("leg_index").Find(&legRows).Error; err != nil {
		return model.OrderState{}, err
	}
	legs := make([]model.OrderLeg, len(legRows))
	for i, l := range legRows {
		legs[i] = model.OrderLeg{InstrumentID: l.InstrumentID, Ratio: l.Ratio}
	}

	var stateRow OrderStateRow
	if err := t.db.Where("order_id = ?", row.OrderID).First(&stateRow).Error; err != nil {
		return model.OrderState{}, err
	}

	return model.OrderState{
		Order: model.Order{
			OrderID: row.OrderID, AccountID: row.AccountID, OrderNumber: row.OrderNumber,
			ExtOrderID: row.ExtOrderID, ClientOrderID: row.ClientOrderID, CreateTime: row.CreateTime,
			Price: row.Price, Quantity: row.Quantity, Legs: legs,
		},
		UpdateTime:    stateRow.UpdateTime,
		OrderStatus:   model.OrderStatus(stateRow.OrderStatus),
		VersionNumber: stateRow.VersionNumber,
	}, nil
}

// GetOrders returns every order for the account that is currently open, or
// was last updated within window of now (spec §4.3/§4.6 get_orders),
// ordered by order_number descending (newest first).
func (t *Tx) GetOrders(accountID int64, now time.Time, window time.Duration) ([]model.OrderState, error) {
	cutoff := now.Add(-window).UnixMilli()

	var stateRows []OrderStateRow
	var orderRows []OrderRow
	if err := t.db.Where("account_id = ?", accountID).Order("order_number desc").Find(&orderRows).Error; err != nil {
		return nil, err
	}
	if len(orderRows) == 0 {
		return nil, nil
	}
	orderIDs := make([]int64, len(orderRows))
	for i, o := range orderRows {
		orderIDs[i] = o.OrderID
	}
	if err := t.db.Where("order_id IN ?", orderIDs).Find(&stateRows).Error; err != nil {
		return nil, err
	}
	stateByOrder := make(map[int64]OrderStateRow, len(stateRows))
	for _, s := range stateRows {
		stateByOrder[s.OrderID] = s
	}

	var legRows []OrderLegRow
	if err := t.db.Where("order_id IN ?", orderIDs).Order("leg_index").Find(&legRows).Error; err != nil {
		return nil, err
	}
	legsByOrder := make(map[int64][]model.OrderLeg, len(orderRows))
	for _, l := range legRows {
		legsByOrder[l.OrderID] = append(legsByOrder[l.OrderID], model.OrderLeg{InstrumentID: l.InstrumentID, Ratio: l.Ratio})
	}

	out := make([]model.OrderState, 0, len(orderRows))
	for _, o := range orderRows {
		state, ok := stateByOrder[o.OrderID]
		if !ok {
			continue
		}
		status := model.OrderStatus(state.OrderStatus)
		if !status.IsOpen() && state.UpdateTime < cutoff {
			continue
		}
		out = append(out, model.OrderState{
			Order: model.Order{
				OrderID: o.OrderID, AccountID: o.AccountID, OrderNumber: o.OrderNumber,
				ExtOrderID: o.ExtOrderID, ClientOrderID: o.ClientOrderID, CreateTime: o.CreateTime,
				Price: o.Price, Quantity: o.Quantity, Legs: legsByOrder[o.OrderID],
			},
			UpdateTime:    state.UpdateTime,
			OrderStatus:   status,
			VersionNumber: state.VersionNumber,
		})
	}
	return out, nil
}

// SaveOrder allocates the next order_number for the account (single-row
// upsert-increment counter, per SPEC_FULL.md §9), then inserts the order,
// its legs, its initial state row and the matching history row, all inside
// the caller's transaction.
func (t *Tx) SaveOrder(accountID int64, order model.Order, status model.OrderStatus, now int64) (model.OrderState, error) {
	orderNumber, err := t.nextOrderNumber(accountID)
	if err != nil {
		return model.OrderState{}, err
	}

	row := OrderRow{
		AccountID: accountID, OrderNumber: orderNumber, ExtOrderID: order.ExtOrderID,
		ClientOrderID: order.ClientOrderID, CreateTime: now, Price: order.Price, Quantity: order.Quantity,
	}
	if err := t.db.Create(&row).Error; err != nil {
		return model.OrderState{}, err
	}

	for i, leg := range order.Legs {
		legRow := OrderLegRow{OrderID: row.OrderID, InstrumentID: leg.InstrumentID, Ratio: leg.Ratio, LegIndex: i}
		if err := t.db.Create(&legRow).Error; err != nil {
			return model.OrderState{}, err
		}
	}

	stateRow := OrderStateRow{OrderID: row.OrderID, UpdateTime: now, OrderStatus: string(status), VersionNumber: 1}
	if err := t.db.Create(&stateRow).Error; err != nil {
		return model.OrderState{}, err
	}
	histRow := OrderStateHistoryRow{OrderID: row.OrderID, OrderStatus: string(status), UpdateTime: now, VersionNumber: 1}
	if err := t.db.Create(&histRow).Error; err != nil {
		return model.OrderState{}, err
	}

	order.OrderID = row.OrderID
	order.OrderNumber = orderNumber
	order.CreateTime = now
	order.AccountID = accountID

	return model.OrderState{Order: order, UpdateTime: now, OrderStatus: status, VersionNumber: 1}, nil
}

func (t *Tx) nextOrderNumber(accountID int64) (int64, error) {
	res := t.db.Exec(
		`INSERT INTO order_number_generator (account_id, next_value) VALUES (?, 2)
		 ON CONFLICT(account_id) DO UPDATE SET next_value = order_number_generator.next_value + 1`,
		accountID,
	)
	if res.Error != nil {
		return 0, res.Error
	}

	var gen OrderNumberGeneratorRow
	if err := t.db.Where("account_id = ?", accountID).First(&gen).Error; err != nil {
		return 0, err
	}
	return gen.NextValue - 1, nil
}

// UpdateOrderState applies a version-locked transition and appends the
// matching history row. Returns ErrOptimisticLock if fromVersion is stale
// (another writer got there first) — the reconciliation retry loop
// (internal/reconcile) is the caller that re-reads and retries on that
// error.
func (t *Tx) UpdateOrderState(orderID int64, newStatus model.OrderStatus, updateTime int64, fromVersion int64) (int64, error) {
	newVersion := fromVersion + 1
	res := t.db.Model(&OrderStateRow{}).
		Where("order_id = ? AND version_number = ?", orderID, fromVersion).
		Updates(map[string]any{
			"order_status":   string(newStatus),
			"update_time":    updateTime,
			"version_number": newVersion,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, fmt.Errorf("%w: order_state order=%d version=%d", brokererr.ErrOptimisticLock, orderID, fromVersion)
	}

	hist := OrderStateHistoryRow{OrderID: orderID, OrderStatus: string(newStatus), UpdateTime: updateTime, VersionNumber: newVersion}
	if err := t.db.Create(&hist).Error; err != nil {
		return 0, err
	}
	return newVersion, nil
}

// --- idempotency seen-set for execution application ---

// MarkExecutionSeen records (clientOrderID, executionSeq) and reports
// whether this is the first time it has been seen. A duplicate delivery of
// the same execution (exchange WS redelivery, at-least-once retry) inserts
// nothing and reports seen=true, so the caller skips re-applying it.
func (t *Tx) MarkExecutionSeen(clientOrderID, executionSeq string, now time.Time) (alreadySeen bool, err error) {
	row := ExecutionSeenRow{ClientOrderID: clientOrderID, ExchangeExecutionSeq: executionSeq, SeenAt: now}
	res := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 0, nil
}

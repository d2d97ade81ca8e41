// Package broker is C7: the client-facing STOMP-over-websocket server.
// Grounded on original_source/src/websockets/ws_handler.rs — the
// subscriptions bimap, the extract_account_key path parsing, the
// Balance/Positions/Orders request scopes, and the 5s ping / 10s timeout
// heartbeat — reimplemented with one goroutine per session reading off its
// own websocket connection and a shared destination table instead of the
// Rust original's BiHashMap-under-a-lock.
package broker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/danapple/brokergw/internal/access"
	"github.com/danapple/brokergw/internal/model"
)

// Scope is the GET request scope a client can SEND over its session, per
// ws_handler.rs's Scope enum.
type Scope string

const (
	ScopeBalance   Scope = "BALANCE"
	ScopePositions Scope = "POSITIONS"
	ScopeOrders    Scope = "ORDERS"
)

// SnapshotSource answers a SEND/GET request with the caller's current
// state. cmd/brokergw's snapshotAdapter backs these over internal/store.
type SnapshotSource interface {
	GetBalance(accountKey string) (model.Balance, error)
	GetPositions(accountKey string) ([]model.Position, error)
	GetOrders(accountKey string) ([]model.OrderState, error)
}

// SessionAuthenticator resolves the caller's access.Session for a new
// websocket connection. Authentication itself is out of scope (spec §1);
// this is the seam the outer system's auth middleware plugs into.
type SessionAuthenticator interface {
	Authenticate(r *http.Request) (access.Session, error)
}

// destination is one retained-last-value topic: account updates, market
// depth or last-trade channels. Every subscriber on a destination gets
// every message sent to it; a newly-retained message is replayed to any
// subscriber that joins afterward (spec §8 retained-message replay).
type destination struct {
	mu       sync.RWMutex
	retained string
	subs     map[*session]string // session -> subscription id
}

// Broker owns the upgrader, the destination table and the live session
// set.
type Broker struct {
	upgrader websocket.Upgrader
	auth     SessionAuthenticator
	source   SnapshotSource

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	destMu sync.RWMutex
	dests  map[string]*destination

	sessMu   sync.Mutex
	sessions map[*session]struct{}
}

// New wires a Broker with the session heartbeat cadence from spec §4.5
// (cfg.HeartbeatInterval/HeartbeatTimeout); a zero heartbeatInterval falls
// back to 5s and a zero heartbeatTimeout to 10s, each on its own, so tests
// that pass zero values still work.
func New(auth SessionAuthenticator, source SnapshotSource, heartbeatInterval, heartbeatTimeout time.Duration) *Broker {
	if heartbeatInterval == 0 {
		heartbeatInterval = 5 * time.Second
	}
	if heartbeatTimeout == 0 {
		heartbeatTimeout = 10 * time.Second
	}
	return &Broker{
		upgrader:          websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		auth:              auth,
		source:            source,
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		dests:             make(map[string]*destination),
		sessions:          make(map[*session]struct{}),
	}
}

// ServeHTTP upgrades the connection and runs the session until it
// disconnects or times out.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess, err := b.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s := newSession(conn, sess, b)
	b.addSession(s)
	defer b.removeSession(s)

	s.run()
}

func (b *Broker) addSession(s *session) {
	b.sessMu.Lock()
	defer b.sessMu.Unlock()
	b.sessions[s] = struct{}{}
}

func (b *Broker) removeSession(s *session) {
	b.sessMu.Lock()
	delete(b.sessions, s)
	b.sessMu.Unlock()

	b.destMu.RLock()
	defer b.destMu.RUnlock()
	for _, d := range b.dests {
		d.mu.Lock()
		delete(d.subs, s)
		d.mu.Unlock()
	}
}

func (b *Broker) destinationFor(name string) *destination {
	b.destMu.RLock()
	d, ok := b.dests[name]
	b.destMu.RUnlock()
	if ok {
		return d
	}

	b.destMu.Lock()
	defer b.destMu.Unlock()
	if d, ok := b.dests[name]; ok {
		return d
	}
	d = &destination{subs: make(map[*session]string)}
	b.dests[name] = d
	return d
}

func (b *Broker) subscribe(s *session, destName, subscriptionID string) {
	d := b.destinationFor(destName)
	d.mu.Lock()
	d.subs[s] = subscriptionID
	retained := d.retained
	d.mu.Unlock()

	if retained != "" {
		s.deliver(destName, subscriptionID, retained)
	}
}

func (b *Broker) unsubscribe(s *session, subscriptionID string) {
	b.destMu.RLock()
	defer b.destMu.RUnlock()
	for _, d := range b.dests {
		d.mu.Lock()
		if d.subs[s] == subscriptionID {
			delete(d.subs, s)
		}
		d.mu.Unlock()
	}
}

// SendMessage publishes body to every current subscriber of destName,
// without retaining it (used for one-off events such as an order state
// transition).
func (b *Broker) SendMessage(destName, body string) {
	d := b.destinationFor(destName)
	b.fanOut(d, destName, body)
}

// SendRetainedMessage publishes body to every current subscriber and
// retains it, so a session that subscribes afterward replays it
// immediately (used for market depth / last trade snapshots).
func (b *Broker) SendRetainedMessage(destName, body string) {
	d := b.destinationFor(destName)
	d.mu.Lock()
	d.retained = body
	d.mu.Unlock()
	b.fanOut(d, destName, body)
}

func (b *Broker) fanOut(d *destination, destName, body string) {
	d.mu.RLock()
	subs := make(map[*session]string, len(d.subs))
	for s, id := range d.subs {
		subs[s] = id
	}
	d.mu.RUnlock()

	for s, id := range subs {
		if !s.deliver(destName, id, body) {
			// Dead consumer: its outbound buffer is full or closed, drop
			// the message rather than block the fan-out loop and evict it
			// so the next publish doesn't retry the same dead session
			// (spec §8).
			log.Debug().Str("destination", destName).Msg("dropping message for dead consumer")
			d.mu.Lock()
			delete(d.subs, s)
			d.mu.Unlock()
		}
	}
}

// SendAccountMessage implements orders.Broadcaster and reconcile.Broadcaster:
// it marshals the update and publishes it to /accounts/{key}/updates.
func (b *Broker) SendAccountMessage(accountKey string, update model.AccountUpdate) {
	body, err := json.Marshal(update)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal account update")
		return
	}
	b.SendMessage(fmt.Sprintf("/accounts/%s/updates", accountKey), string(body))
}

// SendMarketDepth publishes and retains a depth snapshot.
func (b *Broker) SendMarketDepth(depth model.MarketDepth) {
	body, err := json.Marshal(depth)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal market depth")
		return
	}
	b.SendRetainedMessage(fmt.Sprintf("/markets/%s/depth", depth.InstrumentKey), string(body))
}

// SendLastTrade publishes and retains a last-trade snapshot.
func (b *Broker) SendLastTrade(trade model.LastTrade) {
	body, err := json.Marshal(trade)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal last trade")
		return
	}
	b.SendRetainedMessage(fmt.Sprintf("/markets/%s/last_trade", trade.InstrumentKey), string(body))
}

// extractAccountKey parses "/accounts/{key}/..." the way ws_handler.rs's
// extract_account_key does: exactly four path elements split on "/", the
// leading element empty.
func extractAccountKey(destName string) (string, bool) {
	parts := strings.Split(destName, "/")
	if len(parts) != 4 || parts[0] != "" || parts[1] != "accounts" {
		return "", false
	}
	return parts[2], true
}

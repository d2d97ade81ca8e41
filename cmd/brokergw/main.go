// Command brokergw runs the broker gateway: the order/execution pipeline
// and its STOMP-over-websocket fan-out. Startup sequence grounded on the
// teacher's cmd/polybot/main.go — console logger, .env load, config.Load,
// then wire every component and block on the HTTP server until a signal
// asks for graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danapple/brokergw/internal/access"
	"github.com/danapple/brokergw/internal/broker"
	"github.com/danapple/brokergw/internal/config"
	"github.com/danapple/brokergw/internal/exchange"
	"github.com/danapple/brokergw/internal/httpapi"
	"github.com/danapple/brokergw/internal/model"
	"github.com/danapple/brokergw/internal/orders"
	"github.com/danapple/brokergw/internal/reconcile"
	"github.com/danapple/brokergw/internal/registry"
	"github.com/danapple/brokergw/internal/store"
	"github.com/danapple/brokergw/internal/vetting"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := godotenv.Load(); err != nil {
		log.Info().Msg("no .env file found, relying on process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	gateway, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	reg := registry.New()
	snap := &snapshotAdapter{gateway: gateway}
	auth := &passthroughAuthenticator{gateway: gateway}
	brk := broker.New(auth, snap, cfg.HeartbeatInterval, cfg.HeartbeatTimeout)

	workers := reconcile.NewWorkers(gateway.AsReconcileGateway(), reg, brk, gateway, cfg.ReconcileRetryCount, cfg.ReconcileRetryDelay)

	if err := loadCatalog(gateway, reg, cfg, workers); err != nil {
		log.Fatal().Err(err).Msg("failed to load instrument catalog")
	}

	vetter := vetting.NewDefaultVetter(&restingOrderAdapter{gateway: gateway})
	engine := orders.New(gateway, reg, vetter, brk)

	api := httpapi.New(engine, snap, reg, brk, cfg.RecentOrdersWindow)

	server := &http.Server{Addr: cfg.BindAddress, Handler: api.Router()}

	go func() {
		log.Info().Str("addr", cfg.BindAddress).Msg("broker gateway listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// loadCatalog reads every exchange and instrument row into the registry
// and starts one REST client + inbound subscriber per exchange. Each
// subscriber runs for the lifetime of the process; its handler is the
// reconciliation workers, so executions and order-state pushes flow
// straight from the exchange websocket into C6.
func loadCatalog(gateway *store.Gateway, reg *registry.Registry, cfg *config.Config, workers *reconcile.Workers) error {
	exchanges, err := gateway.ListExchanges()
	if err != nil {
		return err
	}
	for _, ex := range exchanges {
		client := exchange.NewClient(ex.ExchangeID, ex.RestURL, ex.Credential, 10*time.Second)
		reg.AddExchange(&registry.ExchangeHolder{Exchange: ex, Client: client})

		subscriber := exchange.NewSubscriber(ex.ExchangeID, ex.WsURL, cfg.ExchangeReconnectBackoff, workers)
		go subscriber.Run()
	}

	instruments, err := gateway.ListInstruments()
	if err != nil {
		return err
	}
	for _, instrument := range instruments {
		reg.AddInstrument(instrument)
	}

	return nil
}

// snapshotAdapter implements both httpapi.PositionBalanceSource and
// broker.SnapshotSource, resolving the public account_key the HTTP/STOMP
// layers speak into the numeric account_id the store keys on.
type snapshotAdapter struct {
	gateway *store.Gateway
}

func (s *snapshotAdapter) GetBalance(accountKey string) (model.Balance, error) {
	account, err := s.gateway.GetAccountByKey(accountKey)
	if err != nil {
		return model.Balance{}, err
	}
	return s.gateway.GetBalance(account.AccountID)
}

func (s *snapshotAdapter) GetPositions(accountKey string) ([]model.Position, error) {
	account, err := s.gateway.GetAccountByKey(accountKey)
	if err != nil {
		return nil, err
	}
	return s.gateway.ListPositions(account.AccountID)
}

func (s *snapshotAdapter) GetOrders(accountKey string) ([]model.OrderState, error) {
	account, err := s.gateway.GetAccountByKey(accountKey)
	if err != nil {
		return nil, err
	}
	return s.gateway.GetOrders(account.AccountID, time.Now(), 24*time.Hour)
}

// restingOrderAdapter backs vetting.RestingOrderLookup. Self-crossing
// checks only need an account's open orders on one instrument, a narrow
// enough query that it goes straight at the gateway rather than through
// internal/orders.
type restingOrderAdapter struct {
	gateway *store.Gateway
}

func (r *restingOrderAdapter) OpenOrdersForInstrument(accountID, instrumentID int64) ([]model.Order, error) {
	states, err := r.gateway.GetOrders(accountID, time.Now(), 24*time.Hour)
	if err != nil {
		return nil, err
	}
	var open []model.Order
	for _, s := range states {
		if !s.OrderStatus.IsOpen() {
			continue
		}
		for _, leg := range s.Order.Legs {
			if leg.InstrumentID == instrumentID {
				open = append(open, s.Order)
				break
			}
		}
	}
	return open, nil
}

// passthroughAuthenticator is the seam described in SPEC_FULL.md §4.3:
// session resolution is an external collaborator. This stub resolves the
// actor named by the X-Debug-Actor-Email request header and grants it the
// account access stored for that actor, so the websocket server can run
// standalone during development; a request without the header is refused.
// Production wiring replaces it with whatever the outer system's auth
// middleware resolves onto the request context.
type passthroughAuthenticator struct {
	gateway *store.Gateway
}

func (p *passthroughAuthenticator) Authenticate(r *http.Request) (access.Session, error) {
	email := r.Header.Get("X-Debug-Actor-Email")
	if email == "" {
		return access.Session{}, http.ErrNoCookie
	}
	actor, err := p.gateway.GetActorByEmail(email)
	if err != nil {
		return access.Session{}, err
	}
	accessRows, err := p.gateway.ListAccessForActor(actor.ActorID)
	if err != nil {
		return access.Session{}, err
	}
	grants := make(map[string]access.AccountGrant, len(accessRows))
	for _, a := range accessRows {
		accountKey, err := p.gateway.AccountKeyByID(a.AccountID)
		if err != nil {
			continue
		}
		grants[accountKey] = access.AccountGrant{AccountID: a.AccountID, Nickname: a.Nickname, Privilege: a.Privilege}
	}
	return access.NewSession(actor, grants), nil
}

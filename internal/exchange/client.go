// Package exchange is C2: the outbound REST client that submits and
// cancels orders against the upstream venue, and the inbound websocket
// subscriber that receives executions and order-state pushes from it. The
// subscriber does not subscribe to any market-data (depth or trade) topic.
//
// The REST client is grounded on 0xtitan6-polymarket-mm's resty usage
// rather than the teacher's hand-rolled net/http wrapper in exec/client.go
// — that wrapper is EIP-712 wallet-signing specific and not reusable for a
// cookie-authenticated broker venue (see DESIGN.md).
package exchange

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/danapple/brokergw/internal/brokererr"
	"github.com/danapple/brokergw/internal/model"
)

// orderStateEnvelope mirrors the single-OrderState-in-envelope contract
// from original_source/src/exchange_interface/exchange_client.rs: the
// upstream always wraps a single order state inside an "order_states" list,
// even for a one-order response.
type orderStateEnvelope struct {
	OrderStates []exchangeOrderState `json:"order_states"`
}

type exchangeOrderState struct {
	ExtOrderID string `json:"ext_order_id"`
	Status     string `json:"status"`
}

// Client is the REST half of C2: one per upstream exchange, holding that
// exchange's base URL and credential.
type Client struct {
	rest       *resty.Client
	exchangeID int64
}

// NewClient builds a Client scoped to one exchange row. The credential is
// carried as a cookie on every request, the same cookie-jar approach
// original_source's exchange_client.rs uses for get_customer_key_cookie.
func NewClient(exchangeID int64, baseURL, credential string, timeout time.Duration) *Client {
	rest := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	rest.SetCookie(&http.Cookie{Name: "customer_key", Value: credential})

	return &Client{rest: rest, exchangeID: exchangeID}
}

// SubmitOrder posts a new order to the upstream exchange and returns the
// assigned ext_order_id together with the status the exchange applied
// synchronously (spec §4.2's submit_order -> OrderState contract). A
// transport failure, an error status (4xx, or 5xx once resty's retries are
// spent) or a response with no order states returns an error instead; the
// caller treats that error as a synchronous Rejected.
func (c *Client) SubmitOrder(order model.Order, instrument model.Instrument) (model.ExchangeOrderState, error) {
	var env orderStateEnvelope
	resp, err := c.rest.R().
		SetBody(map[string]any{
			"client_order_id": order.ClientOrderID,
			"instrument_id":   instrument.ExchangeInstrumentID,
			"price":           order.Price.String(),
			"quantity":        order.Quantity,
		}).
		SetResult(&env).
		Post("/orders")
	if err != nil {
		return model.ExchangeOrderState{}, brokererr.NewExchangeError("submit order transport failure", err)
	}
	if resp.IsError() {
		return model.ExchangeOrderState{}, brokererr.NewExchangeError(fmt.Sprintf("submit order rejected: %s", resp.Status()), nil)
	}
	if len(env.OrderStates) == 0 {
		return model.ExchangeOrderState{}, brokererr.NewExchangeError("submit order response missing order_states", nil)
	}

	state := env.OrderStates[0]
	log.Debug().Str("client_order_id", order.ClientOrderID).Str("ext_order_id", state.ExtOrderID).Str("status", state.Status).Msg("order submitted to exchange")
	return model.ExchangeOrderState{ExtOrderID: state.ExtOrderID, Status: model.OrderStatus(state.Status)}, nil
}

// CancelOrder requests cancellation of a previously submitted order and
// returns the status the exchange applied to it (spec §4.2's cancel_order
// -> OrderState contract), for the caller to persist and broadcast.
func (c *Client) CancelOrder(extOrderID string, instrument model.Instrument) (model.ExchangeOrderState, error) {
	var env orderStateEnvelope
	resp, err := c.rest.R().
		SetResult(&env).
		Delete(fmt.Sprintf("/orders/%s", extOrderID))
	if err != nil {
		return model.ExchangeOrderState{}, brokererr.NewExchangeError("cancel order transport failure", err)
	}
	if resp.IsError() {
		return model.ExchangeOrderState{}, brokererr.NewExchangeError(fmt.Sprintf("cancel order rejected: %s", resp.Status()), nil)
	}
	if len(env.OrderStates) == 0 {
		return model.ExchangeOrderState{}, brokererr.NewExchangeError("cancel order response missing order_states", nil)
	}

	state := env.OrderStates[0]
	log.Debug().Str("ext_order_id", state.ExtOrderID).Str("status", state.Status).Msg("order cancel acknowledged by exchange")
	return model.ExchangeOrderState{ExtOrderID: state.ExtOrderID, Status: model.OrderStatus(state.Status)}, nil
}

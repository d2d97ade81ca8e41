package exchange

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/danapple/brokergw/internal/model"
	"github.com/danapple/brokergw/internal/stomp"
)

// Handler receives decoded inbound exchange messages. internal/reconcile
// implements this for executions and order-state pushes. Market data does
// not pass through it: the subscriber subscribes to no depth or trade
// destination.
type Handler interface {
	HandleExecution(exchangeID int64, execution model.Execution)
	HandleOrderState(exchangeID int64, extOrderID string, status string, updateTime int64)
}

// Subscriber is the inbound half of C2: a long-lived websocket connection
// to one exchange, framed with the same STOMP codec the broker's
// client-facing server uses. Grounded on the teacher's
// internal/polymarket/ws_client.go: dial, read loop, and on any read
// failure sleep one fixed backoff and reconnect+resubscribe, forever,
// until Stop is called.
type Subscriber struct {
	exchangeID int64
	wsURL      string
	backoff    time.Duration
	handler    Handler

	stopCh chan struct{}
}

func NewSubscriber(exchangeID int64, wsURL string, backoff time.Duration, handler Handler) *Subscriber {
	return &Subscriber{
		exchangeID: exchangeID,
		wsURL:      wsURL,
		backoff:    backoff,
		handler:    handler,
		stopCh:     make(chan struct{}),
	}
}

// Run dials, subscribes to the executions and order-state destinations,
// and reads until the connection drops, at which point it sleeps
// Subscriber.backoff and tries again. Stop makes Run return at its next
// check, before a dial or during the backoff sleep; it does not interrupt a
// connection that is still reading. Intended to run in its own goroutine
// for the lifetime of the process.
func (s *Subscriber) Run() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.connectAndRead(); err != nil {
			log.Warn().Int64("exchange_id", s.exchangeID).Err(err).Msg("exchange websocket disconnected, reconnecting")
		}

		select {
		case <-s.stopCh:
			return
		case <-time.After(s.backoff):
		}
	}
}

func (s *Subscriber) Stop() {
	close(s.stopCh)
}

func (s *Subscriber) connectAndRead() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(stomp.Connect())); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(stomp.Subscribe("executions", "/user/queue/executions"))); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(stomp.Subscribe("order-states", "/user/queue/order_states"))); err != nil {
		return err
	}

	log.Info().Int64("exchange_id", s.exchangeID).Str("url", s.wsURL).Msg("connected to exchange websocket")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleFrame(string(data))
	}
}

func (s *Subscriber) handleFrame(text string) {
	frame, err := stomp.Parse(text)
	if err != nil {
		log.Warn().Int64("exchange_id", s.exchangeID).Err(err).Msg("malformed exchange frame, dropping")
		return
	}
	if frame.Command != stomp.CmdMessage {
		return
	}

	switch frame.Header("destination") {
	case "/user/queue/executions":
		var execution model.Execution
		if err := json.Unmarshal([]byte(frame.Body), &execution); err != nil {
			log.Warn().Err(err).Msg("malformed execution payload, dropping")
			return
		}
		s.handler.HandleExecution(s.exchangeID, execution)

	case "/user/queue/order_states":
		var payload struct {
			ExtOrderID string `json:"ext_order_id"`
			Status     string `json:"status"`
			UpdateTime int64  `json:"update_time"`
		}
		if err := json.Unmarshal([]byte(frame.Body), &payload); err != nil {
			log.Warn().Err(err).Msg("malformed order-state payload, dropping")
			return
		}
		go s.handler.HandleOrderState(s.exchangeID, payload.ExtOrderID, payload.Status, payload.UpdateTime)
	}
}

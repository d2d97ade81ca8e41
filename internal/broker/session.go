package broker

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/danapple/brokergw/internal/access"
	"github.com/danapple/brokergw/internal/stomp"
)

// session is one connected client: its websocket connection, its access
// grant, and a single writer goroutine serializing outbound frames so
// concurrent fan-out sends from many destinations never interleave on the
// wire.
type session struct {
	conn   *websocket.Conn
	access access.Session
	broker *Broker

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	out     chan string
	closeCh chan struct{}
	closed  sync.Once

	lastPong time.Time
	pongMu   sync.Mutex
}

func newSession(conn *websocket.Conn, accessSession access.Session, b *Broker) *session {
	return &session{
		conn:              conn,
		access:            accessSession,
		broker:            b,
		heartbeatInterval: b.heartbeatInterval,
		heartbeatTimeout:  b.heartbeatTimeout,
		out:               make(chan string, 256),
		closeCh:           make(chan struct{}),
		lastPong:          time.Now(),
	}
}

// run drives the session: a writer goroutine drains s.out onto the
// connection, a ticker sends a 5s heartbeat and closes the session if no
// pong has arrived within the 10s timeout (spec §4.5), and the calling
// goroutine reads frames until the connection drops.
func (s *session) run() {
	go s.writeLoop()
	go s.heartbeatLoop()

	s.conn.SetPongHandler(func(string) error {
		s.pongMu.Lock()
		s.lastPong = time.Now()
		s.pongMu.Unlock()
		return nil
	})

	s.send(stomp.Connected())

	defer s.close()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(string(data))
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.closeCh:
			return
		case msg := <-s.out:
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *session) heartbeatLoop() {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.pongMu.Lock()
			since := time.Since(s.lastPong)
			s.pongMu.Unlock()
			if since > s.heartbeatTimeout {
				log.Info().Msg("session heartbeat timed out, closing")
				s.close()
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

// send enqueues one frame for the writer goroutine. Returns false without
// blocking if the outbound buffer is full, the dead-consumer signal the
// fan-out loop in broker.go treats as a drop.
func (s *session) send(frame string) bool {
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

// deliver wraps body as a MESSAGE frame addressed to one subscription.
func (s *session) deliver(destName, subscriptionID, body string) bool {
	return s.send(stomp.Message(destName, subscriptionID, nextMessageID(), body))
}

func (s *session) close() {
	s.closed.Do(func() {
		close(s.closeCh)
		s.conn.Close()
	})
}

func (s *session) handleFrame(text string) {
	frame, err := stomp.Parse(text)
	if err != nil {
		log.Warn().Err(err).Msg("malformed client frame, dropping")
		return
	}

	switch frame.Command {
	case stomp.CmdSubscribe:
		s.broker.subscribe(s, frame.Header("destination"), frame.Header("id"))

	case stomp.CmdUnsubscribe:
		s.broker.unsubscribe(s, frame.Header("id"))

	case stomp.CmdSend:
		s.handleSend(frame)

	case stomp.CmdDisconnect:
		s.close()
	}
}

// sendRequest is the SEND/GET payload ws_handler.rs calls SendRequest:
// a one-shot read of balance, positions or open orders for an account.
type sendRequest struct {
	Request string `json:"request"`
	Scope   Scope  `json:"scope"`
}

func (s *session) handleSend(frame stomp.Frame) {
	accountKey, ok := extractAccountKey(frame.Header("destination"))
	if !ok {
		return
	}
	if !s.access.IsAllowed(accountKey) {
		return
	}

	var req sendRequest
	if err := json.Unmarshal([]byte(frame.Body), &req); err != nil {
		log.Warn().Err(err).Msg("malformed SEND body, dropping")
		return
	}
	if req.Request != "GET" {
		return
	}

	var (
		payload any
		err     error
	)
	switch req.Scope {
	case ScopeBalance:
		payload, err = s.broker.source.GetBalance(accountKey)
	case ScopePositions:
		payload, err = s.broker.source.GetPositions(accountKey)
	case ScopeOrders:
		payload, err = s.broker.source.GetOrders(accountKey)
	default:
		return
	}
	if err != nil {
		log.Warn().Str("account_key", accountKey).Err(err).Msg("snapshot request failed")
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal snapshot response")
		return
	}
	s.send(stomp.Message(frame.Header("destination"), "", nextMessageID(), string(body)))
}

var messageIDCounter struct {
	mu  sync.Mutex
	val int64
}

func nextMessageID() string {
	messageIDCounter.mu.Lock()
	defer messageIDCounter.mu.Unlock()
	messageIDCounter.val++
	return time.Now().Format("150405") + "-" + strconv.FormatInt(messageIDCounter.val, 10)
}

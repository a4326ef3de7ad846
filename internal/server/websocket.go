package server

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashroom/internal/auth"
	"crashroom/internal/game"
)

const (
	SEND_BUFFER      = 256
	WRITE_WAIT       = 10 * time.Second
	PONG_WAIT        = 60 * time.Second
	PING_PERIOD      = (PONG_WAIT * 9) / 10
	MAX_MESSAGE_SIZE = 4096
)

// Messages a client may send.
const (
	msgJoinRoom = "join_room"
	msgPlaceBet = "place_bet"
	msgCashOut  = "cash_out"
	msgPing     = "ping"
)

// Replies addressed to a single client.
const (
	replyBetResult     = "bet_result"
	replyCashoutResult = "cashout_result"
	replyError         = "error"
	replyPong          = "pong"
	replyState         = "state"
)

type clientMessage struct {
	Type        string              `json:"type"`
	Amount      decimal.Decimal     `json:"amount"`
	AutoCashout decimal.NullDecimal `json:"auto_cashout"`
	RoundNumber int64               `json:"round_number"`
}

// client is one websocket connection. It is a hub subscriber once it joins
// the room; replies to its own commands share the same send queue so the
// connection has a single writer.
type client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	joined atomic.Bool
	log    *zap.Logger
}

func newClient(conn *websocket.Conn, userID string, log *zap.Logger) *client {
	id := uuid.NewString()
	return &client{
		id:     id,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, SEND_BUFFER),
		done:   make(chan struct{}),
		log:    log.With(zap.String("conn", id), zap.String("user", userID)),
	}
}

func (c *client) ID() string { return c.id }

func (c *client) Deliver(_ game.Event, payload []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) reply(msgType string, data any) {
	payload, err := json.Marshal(game.WSMessage{Type: msgType, Data: data})
	if err != nil {
		c.log.Error("encode reply", zap.String("type", msgType), zap.Error(err))
		return
	}

	timer := time.NewTimer(WRITE_WAIT)
	defer timer.Stop()
	select {
	case c.send <- payload:
	case <-c.done:
	case <-timer.C:
		c.log.Warn("reply dropped, client not reading", zap.String("type", msgType))
	}
}

// writePump owns every write to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(PING_PERIOD)
	defer ticker.Stop()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WRITE_WAIT))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WRITE_WAIT))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(WRITE_WAIT))
			return
		}
	}
}

func (s *FiberServer) websocketHandler(conn *websocket.Conn) {
	userID, _ := conn.Locals(auth.LOCALS_USER_ID).(string)
	c := newClient(conn, userID, s.log)
	c.log.Debug("connected")

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		c.writePump()
	}()

	defer func() {
		if c.joined.Load() {
			s.rooms.Unsubscribe(c)
		}
		c.Close()
		<-stopped
		c.log.Debug("disconnected")
	}()

	conn.SetReadLimit(MAX_MESSAGE_SIZE)
	conn.SetReadDeadline(time.Now().Add(PONG_WAIT))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(PONG_WAIT))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(PONG_WAIT))

		select {
		case <-c.done:
			return
		default:
		}
		s.handleClientMessage(c, raw)
	}
}

func (s *FiberServer) handleClientMessage(c *client, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.reply(replyError, errorBody{Error: "malformed message", Code: CodeBadRequest})
		return
	}

	switch msg.Type {
	case msgJoinRoom:
		// The hub greets new subscribers with the current round.
		if c.joined.CompareAndSwap(false, true) {
			s.rooms.Subscribe(c)
			return
		}
		c.reply(replyState, s.game.Snapshot())

	case msgPlaceBet:
		ctx, cancel := context.WithTimeout(context.Background(), COMMAND_TIMEOUT)
		defer cancel()

		receipt, err := s.game.PlaceBet(ctx, game.PlaceBetCommand{
			UserID:      c.userID,
			Amount:      msg.Amount,
			AutoCashout: msg.AutoCashout,
		})
		if err != nil {
			_, body := s.problem(err)
			c.reply(replyError, body)
			return
		}
		c.reply(replyBetResult, receipt)

	case msgCashOut:
		ctx, cancel := context.WithTimeout(context.Background(), COMMAND_TIMEOUT)
		defer cancel()

		receipt, err := s.game.CashOut(ctx, game.CashOutCommand{
			UserID:      c.userID,
			RoundNumber: msg.RoundNumber,
		})
		if err != nil {
			_, body := s.problem(err)
			c.reply(replyError, body)
			return
		}
		c.reply(replyCashoutResult, receipt)

	case msgPing:
		c.reply(replyPong, fiber.Map{"timestamp": time.Now().UnixMilli()})

	default:
		c.reply(replyError, errorBody{Error: "unknown message type " + msg.Type, Code: CodeBadRequest})
	}
}

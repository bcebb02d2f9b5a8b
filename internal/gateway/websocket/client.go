package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/adsproject/ads/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB
)

// Client is one WebSocket connection bound to a session and chat.
type Client struct {
	ID        string
	SessionID string
	ChatID    string

	conn   *websocket.Conn
	bridge *Bridge
	send   chan []byte
	// chain serialises non-control messages: one handler runs to completion
	// before the next starts.
	chain  chan *Message
	logger *logger.Logger

	mu          sync.Mutex
	cancelTurn  context.CancelFunc
	missedPongs int
	closed      bool
}

func newClient(id, sessionID, chatID string, conn *websocket.Conn, bridge *Bridge, log *logger.Logger) *Client {
	return &Client{
		ID:        id,
		SessionID: sessionID,
		ChatID:    chatID,
		conn:      conn,
		bridge:    bridge,
		send:      make(chan []byte, 256),
		chain:     make(chan *Message, 64),
		logger:    log.WithFields(zap.String("client_id", id)),
	}
}

// readPump reads inbound messages. Control kinds (ping, pong, interrupt) are
// handled immediately so an interrupt can land while a prompt is in flight;
// everything else joins the serialized chain.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.interruptTurn()
		c.bridge.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.bridge.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		c.resetMissedPongs()
		c.conn.SetReadDeadline(time.Now().Add(c.bridge.pongWait()))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			return
		}

		msg, err := ParseInbound(data)
		if err != nil {
			c.sendError(msg, "bad_request", err.Error())
			continue
		}

		switch msg.Kind {
		case KindPing:
			c.sendMessage(&Message{Kind: KindPong, ID: msg.ID})
		case KindPong:
			c.resetMissedPongs()
		case KindInterrupt:
			c.interruptTurn()
			c.sendMessage(&Message{Kind: KindResponse, ID: msg.ID})
		default:
			select {
			case c.chain <- msg:
			default:
				c.sendError(msg, "overloaded", "message queue full")
			}
		}
	}
}

// runChain consumes the serialized message chain until the client goes away.
func (c *Client) runChain(ctx context.Context) {
	for msg := range c.chain {
		c.bridge.handleMessage(ctx, c, msg)
	}
}

// writePump flushes outbound messages and drives the heartbeat. A peer that
// misses too many pongs in a row is disconnected.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.bridge.heartbeat())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if c.bumpMissedPongs() > c.bridge.cfg.MaxMissedPongs {
				c.logger.Warn("peer missed too many pongs, disconnecting")
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// beginTurn derives a cancellable context for an in-flight prompt, replacing
// any previous turn.
func (c *Client) beginTurn(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	if c.cancelTurn != nil {
		c.cancelTurn()
	}
	c.cancelTurn = cancel
	c.mu.Unlock()
	return ctx
}

func (c *Client) endTurn() {
	c.mu.Lock()
	if c.cancelTurn != nil {
		c.cancelTurn()
		c.cancelTurn = nil
	}
	c.mu.Unlock()
}

func (c *Client) interruptTurn() {
	c.endTurn()
}

func (c *Client) resetMissedPongs() {
	c.mu.Lock()
	c.missedPongs = 0
	c.mu.Unlock()
}

func (c *Client) bumpMissedPongs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missedPongs++
	return c.missedPongs
}

// sendMessage queues an outbound frame. Late messages from in-flight chain
// handlers or the event forwarder arrive after shutdown; those are dropped
// under the same mutex that guards the closed flag.
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal outbound message", zap.Error(err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping message", zap.String("kind", msg.Kind))
	}
}

// shutdown marks the client closed and releases its channels. Idempotent, and
// safe against concurrent sendMessage calls.
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	close(c.chain)
}

func (c *Client) sendError(req *Message, code, message string) {
	id := ""
	if req != nil {
		id = req.ID
	}
	msg, err := NewMessage(KindError, id, &ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	c.sendMessage(msg)
}

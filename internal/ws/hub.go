// Package ws fans lifecycle events out to websocket subscribers and routes
// inbound cash-out frames to the ledger.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crashd/internal/event"
	"crashd/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024

	// sendBuffer bounds the per-client queue. A client that cannot keep up
	// with the multiplier tick rate is disconnected rather than allowed to
	// stall the broadcast path.
	sendBuffer = 64
)

// Cashier is the ledger surface the hub needs for inbound cash-out frames.
type Cashier interface {
	CashOut(ctx context.Context, userID string, roundNumber int64, currency string) (store.Transaction, error)
}

type cashoutRequest struct {
	UserID   string `json:"user_id"`
	Currency string `json:"currency"`
}

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// closed is guarded by hub.mu. Once set, send is closed and nothing may
	// write to it again.
	closed bool
}

// Hub tracks connected clients and delivers every broadcast envelope to all
// of them. Broadcast never blocks on a client.
type Hub struct {
	cashier  Cashier
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub(cashier Cashier, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cashier: cashier,
		log:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Broadcast implements round.Broadcaster. The envelope is marshalled once
// and queued to every client; clients with a full queue are dropped.
func (h *Hub) Broadcast(ev event.Envelope) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("marshal broadcast event", "type", ev.Type, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.log.Warn("dropping slow websocket client")
			h.dropLocked(c)
		}
	}
}

// dropLocked detaches a client and closes its queue exactly once. Callers
// hold h.mu; the closed flag keeps a concurrent reply on the read path from
// sending on the closed channel.
func (h *Hub) dropLocked(c *client) {
	delete(h.clients, c)
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and runs the connection until either side
// closes it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Info("websocket client connected", "remote", conn.RemoteAddr().String())

	go c.writePump()
	c.readPump(r.Context())
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.log.Warn("websocket read failed", "err", err)
			}
			return
		}
		c.handle(ctx, msg)
	}
}

func (c *client) handle(ctx context.Context, msg []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		c.sendError("malformed frame")
		return
	}
	switch frame.Type {
	case "cashout":
		var req cashoutRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			c.sendError("malformed cashout request")
			return
		}
		tx, err := c.hub.cashier.CashOut(ctx, req.UserID, 0, req.Currency)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.sendEnvelope(event.Envelope{Type: event.TypeCashoutSuccess, Data: tx})
	default:
		c.sendError("unknown frame type: " + frame.Type)
	}
}

func (c *client) sendError(msg string) {
	c.sendEnvelope(event.Envelope{Type: event.TypeError, Data: event.Error{Message: msg}})
}

func (c *client) sendEnvelope(ev event.Envelope) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

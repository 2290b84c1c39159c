package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"bundlehub/internal/order"

	"github.com/google/uuid"
	gw "github.com/gorilla/websocket"
)

type Conn = gw.Conn

var upgrader = gw.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// OrderGetter is the read-only slice of the order service the handler needs
// to send the initial status snapshot.
type OrderGetter interface {
	Get(ctx context.Context, orderID string) (*order.Order, error)
}

type Handler struct {
	hub    *Hub
	orders OrderGetter
	logger *slog.Logger
}

func NewHandler(hub *Hub, orders OrderGetter, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, orders: orders, logger: logger}
}

// ServeWS subscribes the connection to its order's payment-status updates.
// The current status is sent immediately so a client connecting after
// reconciliation still sees the terminal state.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	orderID := r.PathValue("orderID")
	if _, err := uuid.Parse(orderID); err != nil {
		_ = conn.Close()
		return
	}

	o, err := h.orders.Get(r.Context(), orderID)
	if err != nil {
		_ = conn.Close()
		return
	}

	client := &Client{
		hub:     h.hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		orderID: orderID,
	}

	client.hub.register <- client
	go client.writePump()
	go client.readPump()

	upd := OrderUpdate{OrderID: orderID, Status: string(o.Payment.Status)}
	if b, err := json.Marshal(upd); err == nil {
		select {
		case client.send <- b:
		case <-time.After(1 * time.Second):
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(gw.TextMessage, msg); err != nil {
			return
		}
	}
}

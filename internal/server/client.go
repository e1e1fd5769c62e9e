package server

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/roomsync/roomsync/internal/models"
	"github.com/roomsync/roomsync/pkg/logger"
	"golang.org/x/time/rate"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 << 10
)

// Client is one websocket connection inside a hub.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	address string
	limiter *rate.Limiter

	// owned by the hub's Run loop
	displayName string
	joined      bool
}

func newClient(hub *Hub, conn *websocket.Conn, address string) *Client {
	return &Client{
		id:      uuid.NewString(),
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, hub.cfg.SendBuffer),
		address: address,
		limiter: rate.NewLimiter(hub.cfg.MessageRate, hub.cfg.MessageBurst),
	}
}

func (c *Client) ID() string      { return c.id }
func (c *Client) Address() string { return c.address }

func (c *Client) ReadPump() {
	defer func() {
		c.hub.detach(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket error: %v", err)
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			c.hub.metrics.dropped("malformed")
			continue
		}
		if env.Event == models.EventMessage && !c.limiter.Allow() {
			c.hub.metrics.dropped("rate-limited")
			logger.Debug("rate limited %s on %s", models.ShortAddress(c.address), c.id)
			continue
		}
		if !c.hub.dispatch(c, env) {
			return
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Error("Write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

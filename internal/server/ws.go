package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"fleetwatch/gateway/internal/broadcast"
)

var (
	// Heartbeat interval
	pingInterval = 30 * time.Second
	// Write timeout
	writeTimeout = 10 * time.Second
	// pongWait bounds the silence tolerated from a client
	pongWait = 60 * time.Second
)

// wsMessage is the frame pushed to dashboard clients
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// wsRequest is a message from a client
type wsRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wsClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *WSHub
	device atomic.Value // string; empty means all devices
}

func (c *wsClient) filter() string {
	s, _ := c.device.Load().(string)
	return s
}

// WSHub pushes broadcaster events to WebSocket clients. A client whose
// send buffer is full is disconnected rather than slowing the others.
type WSHub struct {
	sub        *broadcast.Subscription
	upgrader   websocket.Upgrader
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	count      atomic.Int64
	mu         sync.Mutex
	log        *logrus.Entry
}

// NewWSHub creates a hub draining sub
func NewWSHub(sub *broadcast.Subscription, log *logrus.Entry) *WSHub {
	return &WSHub{
		sub: sub,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		log:        log.WithField("component", "ws"),
	}
}

// Run is the hub's event loop; it returns when ctx is done or the
// subscription closes, disconnecting every client.
func (h *WSHub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		close(h.done)
		for client := range h.clients {
			delete(h.clients, client)
			close(client.send)
		}
		h.count.Store(0)
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.count.Store(int64(len(h.clients)))
			h.log.WithFields(logrus.Fields{"client_id": client.id, "clients": len(h.clients)}).Debug("Client connected")

		case client := <-h.unregister:
			h.drop(client)

		case e, ok := <-h.sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(eventMessage(e))
			if err != nil {
				h.log.WithError(err).Warn("Failed to marshal event")
				continue
			}
			for client := range h.clients {
				if f := client.filter(); f != "" && f != e.DeviceID {
					continue
				}
				select {
				case client.send <- data:
				default:
					h.drop(client)
				}
			}
		}
	}
}

// drop removes client; only Run calls it
func (h *WSHub) drop(client *wsClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	h.mu.Lock()
	delete(h.clients, client)
	close(client.send)
	h.mu.Unlock()
	h.count.Store(int64(len(h.clients)))
	h.log.WithField("client_id", client.id).Debug("Client disconnected")
}

// ClientCount returns the number of connected clients
func (h *WSHub) ClientCount() int {
	return int(h.count.Load())
}

func eventMessage(e broadcast.Event) wsMessage {
	m := wsMessage{Type: string(e.Type)}
	switch {
	case e.Vehicle != nil:
		m.Data = e.Vehicle
	case e.Alert != nil:
		m.Data = e.Alert
	}
	return m
}

// Handle upgrades the request and streams events. The optional device_id
// query parameter restricts the stream to one device.
func (h *WSHub) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("Failed to upgrade connection")
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
		hub:  h,
	}
	client.device.Store(c.Query("device_id"))

	welcome, _ := json.Marshal(wsMessage{Type: "connected", Data: gin.H{"client_id": client.id}})
	client.send <- welcome

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// trySend queues data unless the buffer is full or the hub already
// closed the channel.
func (c *wsClient) trySend(data []byte) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithFields(logrus.Fields{"client_id": c.id, "error": err}).Debug("Read error")
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}
		switch req.Type {
		case "subscribe":
			var data struct {
				DeviceID string `json:"device_id"`
			}
			if err := json.Unmarshal(req.Data, &data); err == nil {
				c.device.Store(data.DeviceID)
			}
		case "ping":
			c.trySend([]byte(`{"type":"pong"}`))
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

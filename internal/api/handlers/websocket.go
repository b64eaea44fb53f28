package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
	"github.com/quantfold/autotrade/internal/market"
	"github.com/quantfold/autotrade/internal/portfolio"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Frame is one server-to-client WebSocket message.
type Frame struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan Frame
	hub  *Hub
}

// Hub fans market and portfolio frames out to every connected client. Slow
// clients are dropped rather than blocking the broadcast path. It implements
// the scheduler broadcast sinks.
type Hub struct {
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan Frame
	logger     *zaplogrus.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	mu         sync.RWMutex
}

func NewHub(logger *zaplogrus.Logger) *Hub {
	if logger == nil {
		logger = zaplogrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient, 64),
		unregister: make(chan *wsClient, 64),
		broadcast:  make(chan Frame, 256),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.WithField("clients", total).Debug("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case frame := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- frame:
				default:
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// PublishMarket implements the market-data broadcast sink.
func (h *Hub) PublishMarket(snapshots []market.BroadcastSnapshot) {
	h.publish(Frame{Type: "market_update", Data: snapshots, Timestamp: time.Now().UnixMilli()})
}

// PublishPortfolio implements the decision-scheduler portfolio sink.
func (h *Hub) PublishPortfolio(pf *portfolio.Portfolio) {
	h.publish(Frame{Type: "portfolio_update", Data: portfolioPayload(pf), Timestamp: time.Now().UnixMilli()})
}

func (h *Hub) publish(frame Frame) {
	select {
	case h.broadcast <- frame:
	default:
		h.logger.Warn("Broadcast channel full, dropping frame")
	}
}

// HandleWS upgrades the connection and starts the client pumps.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn, send: make(chan Frame, 64), hub: h}
	h.register <- client
	go client.writePump()
	go client.readPump()
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop disconnects every client and halts the run loop.
func (h *Hub) Stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(100 * time.Millisecond):
	}
	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()
}

// readPump consumes client messages. The only recognized input is a ping,
// either the bare string "ping" or {"type":"ping"}; everything else is
// ignored. A read error drops the socket silently.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		if isPing(message) {
			select {
			case c.send <- Frame{Type: "pong", Timestamp: time.Now().UnixMilli()}:
			default:
			}
		}
	}
}

func isPing(message []byte) bool {
	text := strings.Trim(strings.TrimSpace(string(message)), `"`)
	if strings.EqualFold(text, "ping") {
		return true
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		return false
	}
	return strings.EqualFold(envelope.Type, "ping")
}

func (c *wsClient) writePump() {
	keepalive := time.NewTicker(30 * time.Second)
	defer func() {
		keepalive.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-keepalive.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

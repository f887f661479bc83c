package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"trading-brain/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards connect through the same origin-checked edge as the
	// REST surface; CORS is enforced there.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsTypeConnected = "CONNECTED"
	wsTypeDecision  = "DECISION"
	wsTypeStatus    = "STATUS"
)

// wsMessage is the envelope for every hub broadcast.
type wsMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	closeChan chan struct{}
}

// Hub fans decisions and status transitions out to dashboard sockets. A
// slow client is dropped rather than allowed to stall the broadcast.
type Hub struct {
	clock  domain.Clock
	logger zerolog.Logger

	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient

	mu      sync.RWMutex
	clients map[*wsClient]bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub creates the websocket hub.
func NewHub(clock domain.Clock, logger zerolog.Logger) *Hub {
	return &Hub{
		clock:      clock,
		logger:     logger.With().Str("component", "WSHub").Logger(),
		broadcast:  make(chan []byte, 4096),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		clients:    make(map[*wsClient]bool),
		stopChan:   make(chan struct{}),
	}
}

// Run starts the hub loop.
func (h *Hub) Run() {
	h.wg.Add(1)
	go h.loop()
}

// Stop closes every client and ends the loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
	h.wg.Wait()
}

func (h *Hub) loop() {
	defer h.wg.Done()
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Send buffer full: the client is not keeping up.
					go func(c *wsClient) {
						select {
						case h.unregister <- c:
						case <-h.stopChan:
						}
					}(client)
				}
			}
			h.mu.Unlock()

		case <-h.stopChan:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// BroadcastDecision pushes one recorded decision to every dashboard.
func (h *Hub) BroadcastDecision(decision *domain.BrainDecision) {
	h.send(wsTypeDecision, decision)
}

// BroadcastStatus pushes a status transition (banner change, breaker trip,
// defcon move) to every dashboard.
func (h *Hub) BroadcastStatus(data interface{}) {
	h.send(wsTypeStatus, data)
}

// ClientCount returns the number of connected dashboards.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) send(msgType string, data interface{}) {
	payload, err := json.Marshal(wsMessage{
		Type:      msgType,
		Timestamp: h.clock.Now(),
		Data:      data,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("type", msgType).Msg("Failed to marshal broadcast")
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn().Str("type", msgType).Msg("Broadcast channel full, dropping message")
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopChan:
		}
		c.conn.Close()
		close(c.closeChan)
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("WebSocket read error")
			}
			break
		}
		// Dashboards only listen; inbound frames are ignored.
	}
}

// handleWebSocket upgrades the request and registers the client with the hub.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{
		conn:      conn,
		send:      make(chan []byte, 256),
		hub:       s.hub,
		closeChan: make(chan struct{}),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.stopChan:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()

	// Greet with the current status so dashboards render without waiting
	// for the first transition.
	welcome, err := json.Marshal(wsMessage{
		Type:      wsTypeConnected,
		Timestamp: s.clock.Now(),
		Data:      s.statusBody(),
	})
	if err == nil {
		select {
		case client.send <- welcome:
		default:
		}
	}
}

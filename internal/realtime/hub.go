// Package realtime pushes per-user balance and order events to Mini App
// clients over WebSocket, so screens refresh without polling.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mbd888/admarket/internal/auth"
	"github.com/mbd888/admarket/internal/ledger"
	"github.com/mbd888/admarket/internal/metrics"
	"github.com/mbd888/admarket/internal/money"
	"github.com/mbd888/admarket/internal/orders"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		// Allow same-host connections
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType for real-time events
type EventType string

const (
	EventBalance        EventType = "balance"
	EventOrderCompleted EventType = "order_completed"
)

// Event is delivered only to the connections of UserID.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"-"`
	Data      any       `json:"data"`
}

// BalanceData is the payload of a balance event.
type BalanceData struct {
	Currency     money.Currency `json:"currency"`
	Amount       string         `json:"amount"`
	BalanceAfter string         `json:"balanceAfter"`
	Reason       ledger.Reason  `json:"reason"`
	MovementID   string         `json:"movementId"`
}

// OrderData is the payload of an order event.
type OrderData struct {
	OrderID  string         `json:"orderId"`
	State    orders.State   `json:"state"`
	Currency money.Currency `json:"currency"`
	Price    string         `json:"price"`
	Role     string         `json:"role"`
}

// Subscription narrows what a client receives. Empty lists mean all.
type Subscription struct {
	EventTypes []EventType      `json:"eventTypes"`
	Currencies []money.Currency `json:"currencies"`
}

// Client represents a WebSocket connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	mu     sync.RWMutex
	sub    Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// MaxClientsPerUser bounds the tabs one user may keep open.
const MaxClientsPerUser = 5

// TokenVerifier checks a session token.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	perUser    map[string]int
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		perUser:    make(map[string]int),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			clear(h.perUser)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.perUser[client.userID]++
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "userId", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "userId", client.userID, "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			metrics.RealtimeEventsTotal.WithLabelValues(string(event.Type)).Inc()
			payload := h.serialize(event)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, event) {
					select {
					case client.send <- payload:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					h.remove(client)
				}
				h.mu.Unlock()
			}
		}
	}
}

// remove must be called with h.mu held.
func (h *Hub) remove(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	if h.perUser[client.userID]--; h.perUser[client.userID] <= 0 {
		delete(h.perUser, client.userID)
	}
}

// shouldSend checks the event's addressee and the client's subscription.
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	if client.userID != event.UserID {
		return false
	}
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if len(sub.EventTypes) > 0 && !slices.Contains(sub.EventTypes, event.Type) {
		return false
	}
	if len(sub.Currencies) > 0 {
		if data, ok := event.Data.(BalanceData); ok && !slices.Contains(sub.Currencies, data.Currency) {
			return false
		}
	}
	return true
}

func (h *Hub) serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Broadcast queues an event for its addressee's connections.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", string(event.Type))
	}
}

// MovementApplied implements ledger.Observer.
func (h *Hub) MovementApplied(_ context.Context, m *ledger.Movement) {
	h.Broadcast(&Event{
		Type:      EventBalance,
		Timestamp: m.CreatedAt,
		UserID:    m.UserID,
		Data: BalanceData{
			Currency:     m.Currency,
			Amount:       m.Amount.String(),
			BalanceAfter: m.BalanceAfter.String(),
			Reason:       m.Reason,
			MovementID:   m.ID,
		},
	})
}

// OrderCompleted implements orders.CompletionHook.
func (h *Hub) OrderCompleted(_ context.Context, o *orders.Order) {
	now := time.Now().UTC()
	for _, party := range []struct{ userID, role string }{
		{o.BuyerID, "buyer"},
		{o.SellerID, "seller"},
	} {
		h.Broadcast(&Event{
			Type:      EventOrderCompleted,
			Timestamp: now,
			UserID:    party.userID,
			Data: OrderData{
				OrderID:  o.ID,
				State:    o.State,
				Currency: o.Currency,
				Price:    o.Price.String(),
				Role:     party.role,
			},
		})
	}
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"connectedUsers":   len(h.perUser),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// Handler returns the GET /ws handler. Browsers cannot set headers on a
// WebSocket handshake, so the session token may come from the token query
// parameter when auth.Middleware did not authenticate the request.
func (h *Hub) Handler(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.UserID(c)
		if userID == "" {
			if tok := c.Query("token"); tok != "" {
				if claims, err := verifier.Verify(tok); err == nil {
					userID = claims.Subject
				}
			}
		}
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Session token required"})
			return
		}
		h.serve(c.Writer, c.Request, userID)
	}
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, userID string) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n, mine := len(h.clients), h.perUser[userID]
	h.mu.RUnlock()
	if n >= h.maxClients || mine >= MaxClientsPerUser {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 64),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates and keeps the read deadline fresh.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "userId", c.userID, "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "userId", c.userID, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}

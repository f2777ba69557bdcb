package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/your-org/proctor/internal/observability"
	"github.com/your-org/proctor/pkg/dto"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// Client is one connected subscriber: a proctoring dashboard (no filter) or a
// scanner device following its own session.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	session string // session UUID filter; empty receives every session
}

func (c *Client) wants(evt *dto.WSEvent) bool {
	return c.session == "" || c.session == evt.SessionID.String()
}

// Hub fans verification events out to subscribers and keeps the per-session
// verified head-count, so every student_verified event carries the running
// total and late subscribers get a snapshot on connect.
type Hub struct {
	clients    map[*Client]bool
	events     chan *dto.WSEvent
	register   chan *Client
	unregister chan *Client
	mu         sync.Mutex

	// verified maps session -> distinct verified student IDs.
	// Owned by the Run loop; not locked.
	verified map[uuid.UUID]map[string]bool
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		events:     make(chan *dto.WSEvent, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		verified:   make(map[uuid.UUID]map[string]bool),
	}
}

// Run starts the hub event loop. Call this in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			observability.WSConnections.Inc()
			slog.Debug("ws client connected", "filter", client.session)
			h.sendSnapshot(client)

		case client := <-h.unregister:
			h.drop(client)

		case evt := <-h.events:
			h.dispatch(evt)
		}
	}
}

// BroadcastEvent queues a verification event for delivery.
func (h *Hub) BroadcastEvent(event *dto.WSEvent) {
	h.events <- event
}

// prepare folds the event into the verified head-count and returns its wire
// form. student_verified events get the updated count stamped on them.
func (h *Hub) prepare(evt *dto.WSEvent) []byte {
	if evt.Type == "student_verified" && evt.Data.MatchedStudentID != nil {
		set := h.verified[evt.SessionID]
		if set == nil {
			set = make(map[string]bool)
			h.verified[evt.SessionID] = set
		}
		set[*evt.Data.MatchedStudentID] = true
		evt.VerifiedCount = len(set)
	}

	data, err := json.Marshal(evt)
	if err != nil {
		slog.Error("marshal ws event", "error", err)
		return nil
	}
	return data
}

func (h *Hub) dispatch(evt *dto.WSEvent) {
	data := h.prepare(evt)
	if data == nil {
		return
	}

	var stale []*Client
	h.mu.Lock()
	for client := range h.clients {
		if !client.wants(evt) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Buffer full: the client stopped reading.
			stale = append(stale, client)
		}
	}
	h.mu.Unlock()

	for _, client := range stale {
		h.drop(client)
	}
}

// sendSnapshot tells a newly connected session subscriber how many students
// are already verified, so devices joining mid-session start from the truth.
func (h *Hub) sendSnapshot(client *Client) {
	if client.session == "" {
		return
	}
	sessionID, err := uuid.Parse(client.session)
	if err != nil {
		return
	}
	count := len(h.verified[sessionID])
	if count == 0 {
		return
	}

	data, err := json.Marshal(&dto.WSEvent{
		Type:          "session_status",
		SessionID:     sessionID,
		VerifiedCount: count,
	})
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()

	if ok {
		observability.WSConnections.Dec()
		slog.Debug("ws client disconnected")
	}
}

// HandleWS handles WebSocket upgrade requests.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "error", err)
		return
	}

	client := &Client{
		conn:    conn,
		send:    make(chan []byte, 64),
		session: c.Query("session_id"),
	}

	h.register <- client

	go client.writePump()
	go client.readPump(h)
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// We don't process incoming messages from clients.
		// This loop exists to detect disconnection.
	}
}

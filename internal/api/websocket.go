package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/plan-takeoff/backend/internal/pagecache"
)

// WebSocket message types for render notifications
const (
	// Client -> Server messages
	MsgTypeSubscribe = "subscribe"
	MsgTypePing      = "ping"

	// Server -> Client messages
	MsgTypeConnected  = "connected"
	MsgTypeSubscribed = "subscribed"
	MsgTypeRender     = "render"
	MsgTypeError      = "error"
	MsgTypePong       = "pong"
)

const (
	clientBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// WSMessage is the envelope of every message on the render socket.
type WSMessage struct {
	Type      string          `json:"type"`
	PlanID    string          `json:"planId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// SubscribePayload selects the plan a client wants events for.
// An empty plan id means all plans.
type SubscribePayload struct {
	PlanID string `json:"planId"`
}

// RenderEventPayload describes one page cache event.
type RenderEventPayload struct {
	Event    pagecache.EventKind `json:"event"`
	Page     int                 `json:"page"`
	Quality  pagecache.Quality   `json:"quality,omitempty"`
	Zoom     float64             `json:"zoom,omitempty"`
	Rotation int                 `json:"rotation"`
	Error    string              `json:"error,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	planID string
}

func (c *wsClient) wants(planID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.planID == "" || c.planID == planID
}

// Hub fans page cache events out to connected render sockets.
// Slow clients drop messages rather than block renders.
type Hub struct {
	upgrader websocket.Upgrader
	maxRead  int64
	log      *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewHub creates a hub. maxMessageSize bounds client messages in bytes.
func NewHub(maxMessageSize int64, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if maxMessageSize <= 0 {
		maxMessageSize = 64 * 1024
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow connections from dev server
				return true
			},
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		maxRead: maxMessageSize,
		log:     log.With("component", "websocket"),
		clients: make(map[*wsClient]struct{}),
	}
}

// Broadcast sends ev to every client subscribed to planID.
// It matches session.EventSink.
func (h *Hub) Broadcast(planID string, ev pagecache.Event) {
	payload := RenderEventPayload{
		Event:    ev.Kind,
		Page:     ev.Page,
		Quality:  ev.Quality,
		Zoom:     ev.Params.Zoom,
		Rotation: ev.Params.Rotation,
	}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
	}
	data, err := json.Marshal(WSMessage{
		Type:      MsgTypeRender,
		PlanID:    planID,
		Payload:   mustJSON(payload),
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(planID) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.log.Debug("dropping render event for slow client", "plan", planID, "page", ev.Page)
		}
	}
}

// ClientCount returns the number of connected sockets.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the connection and streams render events.
// ?planId= subscribes right away.
func (h *Hub) HandleWebSocket(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &wsClient{
		conn:   ws,
		send:   make(chan []byte, clientBuffer),
		planID: c.QueryParam("planId"),
	}
	h.register(client)
	h.log.Debug("client connected", "plan", client.planID)

	done := make(chan struct{})
	go h.writePump(client, done)

	client.enqueue(WSMessage{Type: MsgTypeConnected, PlanID: client.planID, Timestamp: time.Now().UnixMilli()})
	h.readLoop(client)

	h.unregister(client)
	close(done)
	h.log.Debug("client disconnected")
	return nil
}

func (h *Hub) readLoop(client *wsClient) {
	ws := client.conn
	ws.SetReadLimit(h.maxRead)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("connection error", "error", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case MsgTypePing:
			client.enqueue(WSMessage{Type: MsgTypePong, Timestamp: time.Now().UnixMilli()})
		case MsgTypeSubscribe:
			var payload SubscribePayload
			if len(msg.Payload) > 0 {
				if err := json.Unmarshal(msg.Payload, &payload); err != nil {
					client.enqueue(errorMessage("Invalid subscribe payload: "+err.Error(), "INVALID_PAYLOAD"))
					continue
				}
			}
			client.mu.Lock()
			client.planID = payload.PlanID
			client.mu.Unlock()
			client.enqueue(WSMessage{Type: MsgTypeSubscribed, PlanID: payload.PlanID, Timestamp: time.Now().UnixMilli()})
		default:
			client.enqueue(errorMessage("Unknown message type: "+msg.Type, "INVALID_TYPE"))
		}
	}
}

// writePump is the only goroutine writing to the connection.
func (h *Hub) writePump(client *wsClient, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case data := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (c *wsClient) enqueue(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func errorMessage(message, code string) WSMessage {
	return WSMessage{
		Type:      MsgTypeError,
		Payload:   mustJSON(map[string]string{"message": message, "code": code}),
		Timestamp: time.Now().UnixMilli(),
	}
}

func mustJSON(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

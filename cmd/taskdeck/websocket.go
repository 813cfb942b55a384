// WebSocket event hub for the local UI. The desktop frontend connects on
// localhost and receives store changes and sync lifecycle events, so every
// open window reflects a mutation without polling.
package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimlan/taskdeck/internal/logging"
	"github.com/kimlan/taskdeck/internal/store"
	syncpkg "github.com/kimlan/taskdeck/internal/sync"
	"github.com/kimlan/taskdeck/internal/uuid"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local UI only.
		return strings.HasPrefix(r.Host, "localhost") || strings.HasPrefix(r.Host, "127.0.0.1")
	},
}

// WSEnvelope wraps every message sent to UI clients.
type WSEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

const (
	EventEntityPut       = "entity.put"
	EventEntityDeleted   = "entity.deleted"
	EventEntityTombstone = "entity.tombstone"

	EventSyncStarted   = "sync.started"
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
)

// WSClient is one connected UI window.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub maintains active client connections and broadcasts events.
type WSHub struct {
	log        *logging.Logger
	clients    map[string]*WSClient
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// NewWSHub creates the hub and starts its dispatch loop.
func NewWSHub(log *logging.Logger) *WSHub {
	hub := &WSHub{
		log:        log.Component("ws"),
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
	go hub.run()
	return hub
}

func (h *WSHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Client connected", map[string]interface{}{
				"client_id": client.id,
				"total":     total,
			})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client is not draining; drop it.
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event to all connected clients.
func (h *WSHub) Broadcast(messageType string, data map[string]interface{}) {
	envelope := WSEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		h.log.Error("Failed to marshal event", err, nil)
		return
	}
	h.broadcast <- payload
}

// BroadcastStoreEvent forwards a local store mutation to the UI.
func (h *WSHub) BroadcastStoreEvent(ev store.Event) {
	eventType := EventEntityPut
	switch ev.Type {
	case store.EventDelete:
		eventType = EventEntityDeleted
	case store.EventTombstone:
		eventType = EventEntityTombstone
	}

	data := map[string]interface{}{
		"entity_type": string(ev.EntityType),
		"entity_id":   ev.EntityID.String(),
		"project_id":  ev.ProjectID.String(),
	}
	if ev.Entity != nil {
		data["entity"] = ev.Entity
	}
	h.Broadcast(eventType, data)
}

// BroadcastSyncStarted notifies clients that a sync cycle began.
func (h *WSHub) BroadcastSyncStarted() {
	h.Broadcast(EventSyncStarted, map[string]interface{}{})
}

// BroadcastSyncCompleted notifies clients of a finished cycle.
func (h *WSHub) BroadcastSyncCompleted(result *syncpkg.Result) {
	h.Broadcast(EventSyncCompleted, map[string]interface{}{
		"pulled":        result.Pulled,
		"pushed":        result.Pushed,
		"conflicts":     result.Conflicts,
		"dead_lettered": result.DeadLettered,
		"duration_ms":   result.Duration.Milliseconds(),
	})
}

// BroadcastSyncFailed notifies clients that a cycle failed.
func (h *WSHub) BroadcastSyncFailed(errMsg string, retryable bool) {
	h.Broadcast(EventSyncFailed, map[string]interface{}{
		"error":     errMsg,
		"retryable": retryable,
	})
}

// HandleWS upgrades an HTTP request to a websocket client connection.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	client := &WSClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 64),
		hub:  h,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
)

// readPump discards client messages and watches for disconnect. The feed
// is one-directional; the UI mutates through the REST surface.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains the send channel onto the connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

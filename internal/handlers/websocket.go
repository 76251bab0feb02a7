package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/interfaces"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // operator tools connect from anywhere on the farm network
	},
}

// WSMessage is the envelope every websocket frame uses.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// LogEntry is a log line streamed to websocket clients.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// WebSocketHandler streams scheduler events and log lines to connected
// operator clients.
type WebSocketHandler struct {
	logger      arbor.ILogger
	clients     map[*websocket.Conn]bool
	clientMutex map[*websocket.Conn]*sync.Mutex
	mu          sync.RWMutex

	events interfaces.EventService

	// assignmentThrottler caps assignment_sent frames; a busy farm emits one
	// per placed batch and clients only need a sample.
	assignmentThrottler *rate.Limiter

	// serverInstanceID changes on every restart so clients can detect it.
	serverInstanceID string
}

func NewWebSocketHandler(events interfaces.EventService, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:              logger,
		clients:             make(map[*websocket.Conn]bool),
		clientMutex:         make(map[*websocket.Conn]*sync.Mutex),
		events:              events,
		assignmentThrottler: rate.NewLimiter(rate.Limit(10), 20),
		serverInstanceID:    uuid.New().String(),
	}
	h.subscribeToEvents()
	return h
}

func (h *WebSocketHandler) subscribeToEvents() {
	if h.events == nil {
		return
	}
	for _, eventType := range []interfaces.EventType{
		interfaces.EventTaskStateChanged,
		interfaces.EventJobCompleted,
		interfaces.EventAgentStateChanged,
		interfaces.EventAssignmentSent,
	} {
		et := eventType
		h.events.Subscribe(et, func(ctx context.Context, event interfaces.Event) error {
			if et == interfaces.EventAssignmentSent && !h.assignmentThrottler.Allow() {
				return nil
			}
			h.broadcast(WSMessage{Type: string(event.Type), Payload: event.Payload})
			return nil
		})
	}
}

// HandleWebSocket upgrades the connection and keeps it open until the client
// goes away. Writes happen from broadcast; reads only detect disconnects.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Msgf("WebSocket client connected (total: %d)", clientCount)

	h.sendTo(conn, WSMessage{Type: "hello", Payload: map[string]string{
		"server_instance_id": h.serverInstanceID,
	}})

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Msgf("WebSocket client disconnected (remaining: %d)", remaining)
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

// BroadcastLog streams one log line to every client.
func (h *WebSocketHandler) BroadcastLog(entry LogEntry) {
	h.broadcast(WSMessage{Type: "log", Payload: entry})
}

func (h *WebSocketHandler) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal websocket message")
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range conns {
		mutexes[i].Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutexes[i].Unlock()
		if err != nil {
			h.logger.Debug().Err(err).Msg("Failed to write to websocket client")
		}
	}
}

func (h *WebSocketHandler) sendTo(conn *websocket.Conn, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	mutex := h.clientMutex[conn]
	h.mu.RUnlock()
	if mutex == nil {
		return
	}
	mutex.Lock()
	defer mutex.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to send websocket greeting")
	}
}

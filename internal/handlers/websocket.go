package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/promptrelay/internal/common"
	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
)

// WSMessage is the envelope of every frame sent to clients
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// wsClient is one connection. Frames are queued on send and written by a
// single goroutine, so publishers never block on a slow socket.
type wsClient struct {
	conn       *websocket.Conn
	batchID    string
	send       chan []byte
	limiter    *rate.Limiter
	lastStatus models.BatchStatus
	mu         sync.Mutex
	closed     bool
}

// WebSocketHandler streams batch progress to clients subscribed with
// ?batch_id= and broadcasts platform and engine events to everyone.
type WebSocketHandler struct {
	logger           arbor.ILogger
	batches          BatchService
	eventService     interfaces.EventService
	throttle         time.Duration
	clients          map[*wsClient]bool
	mu               sync.RWMutex
	unsubscribe      []func()
	serverInstanceID string // clients use it to detect a server restart
}

// NewWebSocketHandler creates the handler and subscribes it to the event
// bus. eventService may be nil.
func NewWebSocketHandler(batches BatchService, eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		batches:          batches,
		eventService:     eventService,
		clients:          make(map[*wsClient]bool),
		serverInstanceID: uuid.New().String(),
	}
	if config != nil {
		h.throttle = common.ParseDuration(config.ProgressThrottle, 0)
	}

	logger.Info().
		Str("server_instance_id", h.serverInstanceID).
		Dur("progress_throttle", h.throttle).
		Msg("WebSocket handler initialized")

	if eventService != nil {
		h.subscribeToEvents()
	}
	return h
}

func (h *WebSocketHandler) subscribeToEvents() {
	subscriptions := map[interfaces.EventType]interfaces.EventHandler{
		interfaces.EventPlatformStatus: func(ctx context.Context, event interfaces.Event) error {
			h.broadcast(string(event.Type), event.Payload, "")
			return nil
		},
		interfaces.EventEngineFailover: func(ctx context.Context, event interfaces.Event) error {
			h.broadcast(string(event.Type), event.Payload, "")
			return nil
		},
		interfaces.EventJobStatus: func(ctx context.Context, event interfaces.Event) error {
			status, ok := event.Payload.(models.JobStatusEvent)
			if !ok || status.BatchID == "" {
				return nil
			}
			h.broadcast(string(event.Type), status, status.BatchID)
			return nil
		},
	}
	for eventType, handler := range subscriptions {
		unsubscribe, err := h.eventService.Subscribe(eventType, handler)
		if err != nil {
			h.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to subscribe WebSocket handler")
			continue
		}
		h.unsubscribe = append(h.unsubscribe, unsubscribe)
	}
}

// HandleWebSocket upgrades the connection and streams until the client leaves
// GET /ws?batch_id=
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	batchID := r.URL.Query().Get("batch_id")
	if batchID != "" {
		if _, err := h.batches.GetBatch(r.Context(), batchID); err != nil {
			WriteFault(w, h.logger, err)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &wsClient{
		conn:    conn,
		batchID: batchID,
		send:    make(chan []byte, clientBuffer),
	}
	if h.throttle > 0 {
		client.limiter = rate.NewLimiter(rate.Every(h.throttle), 1)
	}

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Str("batch_id", batchID).Int("clients", count).Msg("WebSocket client connected")

	go h.writePump(client)

	h.enqueue(client, WSMessage{Type: "hello", Payload: map[string]string{
		"serverInstanceId": h.serverInstanceID,
		"version":          common.GetVersion(),
	}}, true)

	var unsubscribe func()
	if batchID != "" {
		if state, err := h.batches.GetExecutionState(r.Context(), batchID); err == nil {
			h.sendProgress(client, *state)
		}
		unsubscribe, err = h.batches.Subscribe(batchID, func(state models.ExecutionState) {
			h.sendProgress(client, state)
		})
		if err != nil {
			h.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Progress subscription unavailable")
		}
	}

	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
		h.remove(client)
		h.logger.Debug().Str("batch_id", batchID).Msg("WebSocket client disconnected")
	}()

	// Read messages from client (keep connection alive)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

// sendProgress forwards a progress update. Updates are throttled per client
// except status changes, which are always delivered.
func (h *WebSocketHandler) sendProgress(client *wsClient, state models.ExecutionState) {
	client.mu.Lock()
	changed := state.Status != client.lastStatus
	withinRate := client.limiter == nil || client.limiter.Allow()
	allowed := withinRate || changed || state.Status.IsTerminal()
	if allowed {
		client.lastStatus = state.Status
	}
	client.mu.Unlock()

	if !allowed {
		return
	}
	h.enqueue(client, WSMessage{
		Type:    string(interfaces.EventBatchProgress),
		Payload: models.BatchProgressEvent{BatchID: state.BatchID, State: state},
	}, changed || state.Status.IsTerminal())
}

// broadcast sends to every client, or only to the clients of batchID
func (h *WebSocketHandler) broadcast(msgType string, payload interface{}, batchID string) {
	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		if batchID == "" || client.batchID == batchID {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	msg := WSMessage{Type: msgType, Payload: payload}
	for _, client := range targets {
		h.enqueue(client, msg, false)
	}
}

// enqueue queues msg on the client. A full queue drops the frame, unless
// must is set, in which case the oldest queued frame makes room.
func (h *WebSocketHandler) enqueue(client *wsClient, msg WSMessage, must bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.closed {
		return
	}
	for {
		select {
		case client.send <- data:
			return
		default:
		}
		if !must {
			h.logger.Trace().Str("type", msg.Type).Msg("WebSocket client too slow, frame dropped")
			return
		}
		select {
		case <-client.send:
		default:
		}
	}
}

func (h *WebSocketHandler) writePump(client *wsClient) {
	defer client.conn.Close()
	for data := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug().Err(err).Msg("Failed to write to WebSocket client")
			h.remove(client)
			// Drain so enqueue never blocks on a dead client
			for range client.send {
			}
			return
		}
	}
	client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *WebSocketHandler) remove(client *wsClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()

	client.mu.Lock()
	defer client.mu.Unlock()
	if !client.closed {
		client.closed = true
		close(client.send)
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unsubscribes from the event bus and disconnects every client
func (h *WebSocketHandler) Close() {
	for _, unsubscribe := range h.unsubscribe {
		unsubscribe()
	}
	h.unsubscribe = nil

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()
	for _, client := range clients {
		h.remove(client)
	}
}

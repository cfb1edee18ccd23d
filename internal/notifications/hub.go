package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"duet/internal/models"
	"duet/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Max connections per participant
	maxConnsPerParticipant = 12
	// Max total connections
	maxTotalConns = 10000
)

// Event types sent to websocket clients.
const (
	EventSubscribed      = "subscribed"
	EventChange          = "change"
	EventCall            = "call"
	EventResync          = "resync"
	EventMessagesDropped = "messages_dropped"
)

var (
	ErrServerFull      = errors.New("server connection limit reached")
	ErrParticipantFull = errors.New("participant connection limit reached")
	ErrHubClosed       = errors.New("hub is shutting down")
)

// Event is the envelope of every websocket message.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Encode marshals an event, falling back to a bare type on failure.
func Encode(eventType string, payload any) []byte {
	data, err := json.Marshal(Event{Type: eventType, Payload: payload})
	if err != nil {
		return []byte(`{"type":"` + eventType + `"}`)
	}
	return data
}

// Hub tracks websocket clients per participant.
type Hub struct {
	name       string
	mu         sync.RWMutex
	conns      map[string]map[*Client]struct{}
	totalConns int
	closed     bool
	log        *observability.WSLogger
}

// NewHub creates a new Hub.
func NewHub(name string) *Hub {
	return &Hub{
		name:  name,
		conns: make(map[string]map[*Client]struct{}),
		log:   observability.NewWSLogger(name),
	}
}

// Name returns a human-readable identifier for this hub.
func (h *Hub) Name() string { return h.name }

// Register a connection for a participant. Returns the Client or an error
// if limits are exceeded.
func (h *Hub) Register(participantID, topic string, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	if h.totalConns >= maxTotalConns {
		return nil, ErrServerFull
	}
	m, ok := h.conns[participantID]
	if !ok {
		m = make(map[*Client]struct{})
		h.conns[participantID] = m
	}
	if len(m) >= maxConnsPerParticipant {
		return nil, ErrParticipantFull
	}

	client := NewClient(h, conn, participantID, topic)
	m[client] = struct{}{}
	h.totalConns++
	observability.WebSocketConnectionsTotal.Inc()
	h.log.LogConnect(context.Background(), participantID, topic)
	return client, nil
}

// UnregisterClient removes a client. The client's send channel is closed so
// its write pump exits.
func (h *Hub) UnregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.conns[client.ParticipantID]
	if !ok {
		return
	}
	if _, exists := m[client]; !exists {
		return
	}
	delete(m, client)
	if len(m) == 0 {
		delete(h.conns, client.ParticipantID)
	}
	h.totalConns--
	observability.WebSocketConnectionsTotal.Dec()
	client.closeSend()
	h.log.LogDisconnect(context.Background(), client.ParticipantID, client.Topic, "unregistered")
}

// Connections returns the number of registered clients.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totalConns
}

// Broadcast sends message to every connection of participantID.
func (h *Hub) Broadcast(participantID string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns[participantID] {
		c.TrySend(message)
	}
}

// BroadcastAll sends message to every connected client.
func (h *Hub) BroadcastAll(message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, clients := range h.conns {
		for c := range clients {
			c.TrySend(message)
		}
	}
}

// StartCallWiring forwards call records received from Redis to every client.
func (h *Hub) StartCallWiring(ctx context.Context, n *Notifier) error {
	return n.StartCallSubscriber(ctx, func(_ string, payload string) {
		var rec models.CallRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			observability.GlobalLogger.Warn("invalid call record", slog.String("error", err.Error()))
			return
		}
		h.BroadcastAll(Encode(EventCall, rec))
	})
}

// Shutdown gracefully closes all websocket connections.
func (h *Hub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	// Closing send makes each write pump emit a going-away frame and close
	// its connection.
	for participantID, clients := range h.conns {
		for client := range clients {
			client.closeSend()
			h.log.LogDisconnect(context.Background(), participantID, client.Topic, "shutdown")
		}
	}
	observability.WebSocketConnectionsTotal.Sub(float64(h.totalConns))
	h.conns = make(map[string]map[*Client]struct{})
	h.totalConns = 0
	return nil
}

// CallBroadcaster publishes call records to every instance through Redis
// when available, and straight to the local hub otherwise.
type CallBroadcaster struct {
	hub      *Hub
	notifier *Notifier
}

// NewCallBroadcaster creates a CallBroadcaster.
func NewCallBroadcaster(hub *Hub, n *Notifier) *CallBroadcaster {
	return &CallBroadcaster{hub: hub, notifier: n}
}

// PublishCall implements calls.Publisher.
func (b *CallBroadcaster) PublishCall(ctx context.Context, rec models.CallRecord) error {
	if b.notifier.Enabled() {
		return b.notifier.PublishCall(ctx, rec)
	}
	b.hub.BroadcastAll(Encode(EventCall, rec))
	return nil
}

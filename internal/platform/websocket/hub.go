// Package websocket delivers committed resource changes to connected
// subscription clients. A client binds its connection to one stored
// Subscription resource; every change matching that subscription's criteria
// is pushed to the client, filtered through the same read rules that govern
// the REST surface.
package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/datasharingframework/dsf-sub004/internal/auth"
	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
)

// Notification is the wire payload pushed to a bound client.
type Notification struct {
	Type         string        `json:"type"`
	Subscription string        `json:"subscription"`
	ResourceType string        `json:"resourceType"`
	ResourceID   string        `json:"resourceId"`
	Timestamp    time.Time     `json:"timestamp"`
	Resource     fhir.Resource `json:"resource,omitempty"`
}

// bindMessage is the first message a client sends after connecting.
type bindMessage struct {
	Action       string `json:"action"`
	Subscription string `json:"subscription"`
}

// Conn abstracts the underlying connection so the hub can be exercised
// without a network socket.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one bound connection. Identity is the authenticated caller the
// connection was opened with; deliveries are filtered against it.
type Client struct {
	ID           string
	Identity     auth.Identity
	Subscription string
	Send         chan []byte
	conn         Conn
}

// Hub tracks bound clients per subscription id. Safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	bound   map[string]map[*Client]struct{} // subscription id -> clients
	all     map[*Client]struct{}
	log     zerolog.Logger
	sendBuf int
}

// NewHub returns an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		bound:   make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		log:     log.With().Str("component", "websocket").Logger(),
		sendBuf: 256,
	}
}

// Register adds a client under its subscription id.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	if h.bound[client.Subscription] == nil {
		h.bound[client.Subscription] = make(map[*Client]struct{})
	}
	h.bound[client.Subscription][client] = struct{}{}
}

// Unregister removes a client and closes its send channel. Unregistering an
// unknown client is a no-op so connection teardown can always call it.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}

	if clients, ok := h.bound[client.Subscription]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.bound, client.Subscription)
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// Broadcast sends the notification to every client bound to the subscription
// whose identity passes the allowed check. A client with a full send buffer
// is skipped rather than blocked on.
func (h *Hub) Broadcast(subscriptionID string, n Notification, allowed func(auth.Identity) bool) {
	data, err := json.Marshal(n)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal notification")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.bound[subscriptionID] {
		if allowed != nil && !allowed(client.Identity) {
			continue
		}
		select {
		case client.Send <- data:
		default:
			h.log.Warn().Str("client", client.ID).Msg("send buffer full, notification dropped")
		}
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// BoundCount returns the number of clients bound to the subscription.
func (h *Hub) BoundCount(subscriptionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bound[subscriptionID])
}

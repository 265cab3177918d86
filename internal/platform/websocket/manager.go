package websocket

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/datasharingframework/dsf-sub004/internal/auth"
	"github.com/datasharingframework/dsf-sub004/internal/authz"
	"github.com/datasharingframework/dsf-sub004/internal/platform/event"
	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
	"github.com/datasharingframework/dsf-sub004/internal/platform/store"
)

// Manager connects the event bus to the hub. It loads the active
// Subscription resources, matches committed changes against their criteria
// and pushes the result to bound clients, read-filtered per client identity.
type Manager struct {
	hub    *Hub
	store  store.Store
	engine *authz.Engine
	log    zerolog.Logger
}

// NewManager builds a manager over the given hub and store.
func NewManager(hub *Hub, s store.Store, engine *authz.Engine, log zerolog.Logger) *Manager {
	return &Manager{
		hub:    hub,
		store:  s,
		engine: engine,
		log:    log.With().Str("component", "subscription").Logger(),
	}
}

// Bind validates that the identity may attach a connection to the given
// subscription: it must exist, be active, use the websocket channel and be
// readable by the caller.
func (m *Manager) Bind(ctx context.Context, identity auth.Identity, subscriptionID string) error {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	sub, err := tx.Read(ctx, "Subscription", subscriptionID)
	if err != nil {
		return fmt.Errorf("subscription %s: %w", subscriptionID, err)
	}
	if status, _ := sub["status"].(string); status != "active" {
		return fmt.Errorf("subscription %s is not active", subscriptionID)
	}
	if !websocketChannel(sub) {
		return fmt.Errorf("subscription %s has no websocket channel", subscriptionID)
	}
	if _, ok := m.engine.ReasonReadAllowed(ctx, tx, identity, sub); !ok {
		return fmt.Errorf("subscription %s is not readable", subscriptionID)
	}
	return nil
}

// OnEvent is the bus subscriber. Deletes are not delivered; a subscription
// criteria describes live resources.
func (m *Manager) OnEvent(e event.Event) {
	if e.Type == event.TypeDeleted || e.Resource == nil {
		return
	}
	if m.hub.ClientCount() == 0 {
		return
	}

	ctx := context.Background()
	tx, err := m.store.Begin(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("begin for delivery")
		return
	}
	defer tx.Rollback(ctx)

	result, err := tx.Search(ctx, store.Query{
		Type:   "Subscription",
		Params: map[string][]string{"status": {"active"}},
	})
	if err != nil {
		m.log.Error().Err(err).Msg("load active subscriptions")
		return
	}

	for _, sub := range result.Matches {
		if !websocketChannel(sub) || !criteriaMatches(sub, e.Resource) {
			continue
		}
		n := Notification{
			Type:         string(e.Type),
			Subscription: sub.Local(),
			ResourceType: e.ResourceType,
			ResourceID:   e.ResourceID,
			Timestamp:    e.At,
			Resource:     e.Resource,
		}
		m.hub.Broadcast(sub.ID(), n, func(identity auth.Identity) bool {
			_, ok := m.engine.ReasonReadAllowed(ctx, tx, identity, e.Resource)
			return ok
		})
	}
}

func websocketChannel(sub fhir.Resource) bool {
	channel, ok := sub["channel"].(map[string]interface{})
	if !ok {
		return false
	}
	typ, _ := channel["type"].(string)
	return typ == "websocket"
}

// criteriaMatches evaluates a subscription criteria string such as
// "Task?status=requested" against a resource. The resource type must match;
// every query parameter must equal the resource's top-level string element of
// the same name. A criteria that fails to parse matches nothing.
func criteriaMatches(sub fhir.Resource, r fhir.Resource) bool {
	criteria, _ := sub["criteria"].(string)
	if criteria == "" {
		return false
	}

	typ, query, _ := strings.Cut(criteria, "?")
	if typ != r.Type() {
		return false
	}
	if query == "" {
		return true
	}

	params, err := url.ParseQuery(query)
	if err != nil {
		return false
	}
	for name, values := range params {
		got, _ := r[name].(string)
		if len(values) == 0 || values[0] != got {
			return false
		}
	}
	return true
}

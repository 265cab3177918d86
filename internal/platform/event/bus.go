// Package event distributes post-commit resource change notifications inside
// the process.
package event

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
)

// Type is the kind of change an event announces.
type Type string

const (
	TypeCreated Type = "created"
	TypeUpdated Type = "updated"
	TypeDeleted Type = "deleted"
)

// Event is one committed resource change. For deletes Resource holds the last
// stored version.
type Event struct {
	Type         Type
	ResourceType string
	ResourceID   string
	Resource     fhir.Resource
	At           time.Time
}

// Handler consumes events. Handlers run on the bus goroutine per event and
// must not block for long.
type Handler func(Event)

// Bus is a fan-out of committed changes to registered handlers. Publish must
// only be called after the storage transaction committed, subscribers never
// observe rolled-back writes.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	log      zerolog.Logger
}

func NewBus(log zerolog.Logger) *Bus {
	return &Bus{log: log.With().Str("component", "event").Logger()}
}

// Subscribe registers a handler for all future events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers the event to every subscriber asynchronously.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	b.log.Debug().Str("type", string(e.Type)).
		Str("resource", e.ResourceType+"/"+e.ResourceID).Msg("publishing")

	go func() {
		for _, h := range handlers {
			h(e)
		}
	}()
}

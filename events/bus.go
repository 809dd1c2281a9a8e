package events

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// Bus delivers node events in-process. Publishing runs every subscribed handler
// before returning and reports their errors.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	next     int
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

func (b *Bus) PublishNodeEvent(ctx context.Context, ev *NodeEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		log.Warn().Str("nodeId", string(ev.NodeID)).Str("type", string(ev.Type)).Msg("events: no subscribers; event dropped")
		return nil
	}
	var errs []error
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start subscribes handler until ctx is done.
func (b *Bus) Start(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = handler
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
	return nil
}

// Subscribers reports how many handlers are attached.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

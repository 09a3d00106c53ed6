// -----------------------------------------------------------------------
// Event Service - In-process pub/sub for job and batch lifecycle events
// -----------------------------------------------------------------------

package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tabula/internal/common"
	"github.com/ternarybob/tabula/internal/interfaces"
)

// EventService is an in-process event bus. Handlers run in their own
// goroutines with panic recovery; a slow or failing handler never
// blocks the publisher or its peers.
type EventService struct {
	mu       sync.RWMutex
	handlers map[interfaces.EventType][]interfaces.EventHandler
	closed   bool
	logger   arbor.ILogger
}

// NewEventService creates a new event service
func NewEventService(logger arbor.ILogger) *EventService {
	return &EventService{
		handlers: make(map[interfaces.EventType][]interfaces.EventHandler),
		logger:   logger,
	}
}

// Subscribe registers a handler for an event type.
func (s *EventService) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("event service is closed")
	}

	s.handlers[eventType] = append(s.handlers[eventType], handler)
	s.logger.Debug().
		Str("event", string(eventType)).
		Int("handlers", len(s.handlers[eventType])).
		Msg("Event handler subscribed")
	return nil
}

// Publish delivers the event to all subscribers asynchronously and
// returns immediately.
func (s *EventService) Publish(ctx context.Context, event interfaces.Event) error {
	handlers, err := s.snapshot(event.Type)
	if err != nil {
		return err
	}

	for _, handler := range handlers {
		common.SafeGo(s.logger, "eventHandler", func() {
			if err := handler(ctx, event); err != nil {
				s.logger.Warn().Err(err).Str("event", string(event.Type)).Msg("Event handler failed")
			}
		})
	}
	return nil
}

// PublishSync delivers the event and waits for every handler to finish.
func (s *EventService) PublishSync(ctx context.Context, event interfaces.Event) error {
	handlers, err := s.snapshot(event.Type)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		common.SafeGo(s.logger, "eventHandler", func() {
			defer wg.Done()
			if err := handler(ctx, event); err != nil {
				s.logger.Warn().Err(err).Str("event", string(event.Type)).Msg("Event handler failed")
			}
		})
	}
	wg.Wait()
	return nil
}

// Close shuts down the service. Further subscribes and publishes fail;
// handlers already dispatched are left to finish on their own.
func (s *EventService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.handlers = make(map[interfaces.EventType][]interfaces.EventHandler)
	return nil
}

// snapshot copies the handler list under the read lock so publishing
// never holds the lock while handlers run.
func (s *EventService) snapshot(eventType interfaces.EventType) ([]interfaces.EventHandler, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("event service is closed")
	}
	handlers := make([]interfaces.EventHandler, len(s.handlers[eventType]))
	copy(handlers, s.handlers[eventType])
	return handlers, nil
}

var _ interfaces.EventService = (*EventService)(nil)

package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/approval-engine/types"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Event types published by the engine.
const (
	TypeTransition    = "transition"
	TypeEntityCreated = "entity_created"
	TypeEntityDeleted = "entity_deleted"
	TypeActionFailed  = "action_failed"
)

// Event describes something that happened to a governed entity.
type Event struct {
	ID         string
	Type       string
	Workflow   string
	EntityID   uint64
	FromStage  types.StageID
	ToStage    types.StageID
	Actor      string
	RecordID   uint64
	OccurredAt time.Time
	Data       map[string]interface{}
}

// NewEvent stamps an event with a fresh ID.
func NewEvent(eventType string, entityID uint64) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		EntityID:   entityID,
		OccurredAt: time.Now(),
	}
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus delivers events to subscribers off the caller's goroutine.
type EventBus struct {
	handlers    map[string][]subscription
	nextID      uint64
	mu          sync.RWMutex
	eventCh     chan Event
	errHandler  func(event Event, err error)
	logger      *slog.Logger
	syncTimeout time.Duration
	wg          sync.WaitGroup
	closed      bool
	closeMu     sync.RWMutex
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler sets a custom error handler function.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandler = handler
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *slog.Logger) EventBusOption {
	return func(eb *EventBus) {
		eb.logger = logger
	}
}

// WithSyncTimeout bounds PublishSync.
func WithSyncTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		eb.syncTimeout = d
	}
}

// NewEventBus creates a new EventBus instance with async processing.
// The default buffer size is 100 and handler errors are logged.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers:    make(map[string][]subscription),
		eventCh:     make(chan Event, 100),
		logger:      slog.Default(),
		syncTimeout: 5 * time.Second,
	}
	for _, option := range options {
		option(eb)
	}
	if eb.errHandler == nil {
		eb.errHandler = eb.logError
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe registers handler for eventType and returns a function that removes it.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) (unsubscribe func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.handlers[eventType] = append(eb.handlers[eventType], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { eb.remove(eventType, id) })
	}
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (eb *EventBus) SubscribeFunc(eventType string, fn func(ctx context.Context, event Event) error) func() {
	return eb.Subscribe(eventType, EventHandlerFunc(fn))
}

func (eb *EventBus) remove(eventType string, id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	subs := eb.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			eb.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(eb.handlers[eventType]) == 0 {
		delete(eb.handlers, eventType)
	}
}

// HasSubscribers checks if there are any subscribers for a given event type.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType]) > 0
}

// Publish queues an event for asynchronous delivery. It never blocks.
// Returns an error if the context is canceled, the bus is closed, nobody
// listens for the type, or the buffer is full.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}

	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}

	select {
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync delivers an event to every handler and waits for them,
// returning all handler errors.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	closed := eb.closed
	eb.closeMu.RUnlock()
	if closed {
		return []error{ErrBusClosed}
	}

	handlers := eb.snapshot(event.Type)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, eb.syncTimeout)
	defer cancel()

	return eb.executeHandlers(timeoutCtx, handlers, event)
}

// Stop stops the event processing goroutine after queued events are delivered.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) snapshot(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	subs := eb.handlers[eventType]
	out := make([]EventHandler, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.handler)
	}
	return out
}

// processEvents handles events asynchronously in a separate goroutine.
func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		handlers := eb.snapshot(event.Type)
		if len(handlers) == 0 {
			continue
		}
		for _, err := range eb.executeHandlers(context.Background(), handlers, event) {
			eb.errHandler(event, err)
		}
	}
}

// executeHandlers runs all handlers concurrently and collects their errors.
// A panicking handler is reported as an error.
func (eb *EventBus) executeHandlers(ctx context.Context, handlers []EventHandler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
				}
			}()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errs
}

func (eb *EventBus) logError(event Event, err error) {
	eb.logger.Warn("event handler failed",
		"event_id", event.ID,
		"type", event.Type,
		"workflow", event.Workflow,
		"entity_id", event.EntityID,
		"error", err)
}

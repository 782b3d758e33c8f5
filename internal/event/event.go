package event

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/ish-core/internal/entity"
)

// Well-known event types.
const (
	TypeStateChanged = "state_changed"

	// MatchAll subscribes to every event type.
	MatchAll = ""
)

// OriginLocal marks events raised inside this process.
const OriginLocal = "LOCAL"

// ErrInvalidEventType is returned when firing an event without a type.
var ErrInvalidEventType = errors.New("event: invalid event type")

// Event is one occurrence delivered to subscribers.
type Event struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Origin    string         `json:"origin"`
	TimeFired time.Time      `json:"time_fired"`
	Context   entity.Context `json:"context"`
}

// Handler receives events. It must not block.
type Handler func(Event)

// Logger defines the logging interface used by the Bus.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type subscription struct {
	eventType string
	handler   Handler
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]subscription
	nextID uint64

	now    func() time.Time
	logger Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[uint64]subscription),
		now:    time.Now,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the bus.
func (b *Bus) SetLogger(logger Logger) {
	b.logger = logger
}

// Subscribe registers h for events of eventType, or all events when
// eventType is MatchAll. The returned function removes the subscription and
// is safe to call more than once.
func (b *Bus) Subscribe(eventType string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = subscription{eventType: eventType, handler: h}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Fire publishes a custom event and returns it. The caller identity in ctx,
// if any, becomes the event context user.
func (b *Bus) Fire(ctx context.Context, eventType string, data map[string]any) (Event, error) {
	if eventType == "" {
		return Event{}, ErrInvalidEventType
	}
	if data == nil {
		data = map[string]any{}
	}

	ev := Event{
		EventType: eventType,
		Data:      data,
		Origin:    OriginLocal,
		TimeFired: b.now().UTC(),
		Context:   entity.Context{ID: uuid.NewString()},
	}
	if user, ok := entity.UserFromContext(ctx); ok {
		ev.Context.UserID = &user
	}

	b.Publish(ev)
	return ev, nil
}

// EntityChanged implements entity.Listener by publishing state_changed.
func (b *Bus) EntityChanged(change entity.Change) {
	data := map[string]any{
		"entity_id": change.New.EntityID,
		"old_state": change.Old,
		"new_state": change.New,
	}
	b.Publish(Event{
		EventType: TypeStateChanged,
		Data:      data,
		Origin:    OriginLocal,
		TimeFired: change.New.LastUpdated,
		Context:   change.New.Context,
	})
}

// Publish delivers ev to every matching subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.eventType == MatchAll || s.eventType == ev.EventType {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic recovered",
				"event_type", ev.EventType,
				"panic", r,
			)
		}
	}()
	h(ev)
}

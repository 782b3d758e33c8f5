package event

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nerrad567/ish-core/internal/entity"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.EventType
	}
	return out
}

func TestBus_SubscribeFilter(t *testing.T) {
	bus := NewBus()
	all, custom := &collector{}, &collector{}
	bus.Subscribe(MatchAll, all.handle)
	bus.Subscribe("doorbell", custom.handle)

	store := entity.NewStore()
	store.AddListener(bus)

	ctx := context.Background()
	if _, _, err := store.Set(ctx, "light.kitchen", "on", nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := bus.Fire(ctx, "doorbell", map[string]any{"ring": true}); err != nil {
		t.Fatalf("Fire() error = %v", err)
	}

	if got := all.types(); len(got) != 2 || got[0] != TypeStateChanged || got[1] != "doorbell" {
		t.Errorf("MatchAll subscriber saw %v", got)
	}
	if got := custom.types(); len(got) != 1 || got[0] != "doorbell" {
		t.Errorf("doorbell subscriber saw %v", got)
	}
}

func TestBus_StateChangedData(t *testing.T) {
	bus := NewBus()
	c := &collector{}
	bus.Subscribe(TypeStateChanged, c.handle)

	store := entity.NewStore()
	store.AddListener(bus)
	ctx := context.Background()
	store.Set(ctx, "switch.a", "off", nil) //nolint:errcheck // valid id
	store.Set(ctx, "switch.a", "on", nil)  //nolint:errcheck // valid id

	if len(c.events) != 2 {
		t.Fatalf("got %d events, want 2", len(c.events))
	}
	first := c.events[0]
	if first.Data["old_state"].(*entity.Entity) != nil {
		t.Error("creation event has non-nil old_state")
	}
	second := c.events[1]
	old := second.Data["old_state"].(*entity.Entity)
	next := second.Data["new_state"].(*entity.Entity)
	if old.State != "off" || next.State != "on" {
		t.Errorf("old/new = %s/%s, want off/on", old.State, next.State)
	}
	if second.Context.ID != next.Context.ID {
		t.Error("event context does not match entity context")
	}
	if !second.TimeFired.Equal(next.LastUpdated) {
		t.Error("time_fired differs from last_updated")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	c := &collector{}
	unsub := bus.Subscribe(MatchAll, c.handle)

	if bus.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", bus.SubscriberCount())
	}
	unsub()
	unsub()
	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() after unsubscribe = %d, want 0", bus.SubscriberCount())
	}

	bus.Fire(context.Background(), "x", nil) //nolint:errcheck // valid type
	if len(c.types()) != 0 {
		t.Error("unsubscribed handler still received events")
	}
}

func TestBus_FireValidation(t *testing.T) {
	bus := NewBus()
	if _, err := bus.Fire(context.Background(), "", nil); !errors.Is(err, ErrInvalidEventType) {
		t.Errorf("Fire(\"\") error = %v, want ErrInvalidEventType", err)
	}

	ctx := entity.WithUser(context.Background(), "home_main")
	ev, err := bus.Fire(ctx, "custom", nil)
	if err != nil {
		t.Fatalf("Fire() error = %v", err)
	}
	if ev.Data == nil {
		t.Error("Fire() left nil data")
	}
	if ev.Context.UserID == nil || *ev.Context.UserID != "home_main" {
		t.Errorf("Context.UserID = %v, want home_main", ev.Context.UserID)
	}
	if ev.Origin != OriginLocal || ev.Context.ID == "" {
		t.Errorf("event = %+v", ev)
	}
}

func TestBus_HandlerPanicRecovered(t *testing.T) {
	bus := NewBus()
	c := &collector{}
	bus.Subscribe(MatchAll, func(Event) { panic("boom") })
	bus.Subscribe(MatchAll, c.handle)

	bus.Fire(context.Background(), "x", nil) //nolint:errcheck // valid type

	if len(c.types()) != 1 {
		t.Error("second handler did not run after first panicked")
	}
}

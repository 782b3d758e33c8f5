package entity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger defines the logging interface used by the Store.
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

// Store is the concurrency-safe entity registry.
//
// Reads take a shared lock; every mutation holds the exclusive lock for the
// whole read-modify-write. Listeners are notified in mutation order after
// the exclusive lock is released, so they may read the store. A listener
// must not mutate the store synchronously: the mutation would wait for its
// own delivery turn.
type Store struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	lastTime time.Time
	now      func() time.Time

	// seq numbers mutations under mu. Delivery proceeds strictly in seq
	// order: a mutation waits on notifyCond until delivered reaches its seq.
	seq         uint64
	notifyMu    sync.Mutex
	notifyCond  *sync.Cond
	delivered   uint64
	listeners   []Listener
	listenersMu sync.RWMutex

	logger Logger
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{
		entities: make(map[string]*Entity),
		now:      time.Now,
		logger:   noopLogger{},
	}
	s.notifyCond = sync.NewCond(&s.notifyMu)
	return s
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// SetClock replaces the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// AddListener registers l to receive every subsequent Change.
func (s *Store) AddListener(l Listener) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, l)
	s.listenersMu.Unlock()
}

// Get returns a copy of the entity with the given ID.
// Returns ErrNotFound if the entity does not exist.
func (s *Store) Get(_ context.Context, id string) (*Entity, error) {
	s.mu.RLock()
	e, ok := s.entities[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.DeepCopy(), nil
}

// Exists reports whether id is present.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entities[id]
	return ok
}

// List returns a snapshot of every entity ordered by entity ID.
func (s *Store) List(_ context.Context) []Entity {
	s.mu.RLock()
	out := make([]Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, *e.DeepCopy())
	}
	s.mu.RUnlock()

	sortEntities(out)
	return out
}

// ListDomain returns a snapshot of the entities in domain ordered by entity ID.
func (s *Store) ListDomain(_ context.Context, domain string) []Entity {
	s.mu.RLock()
	var out []Entity
	for id, e := range s.entities {
		if DomainOf(id) == domain {
			out = append(out, *e.DeepCopy())
		}
	}
	s.mu.RUnlock()

	sortEntities(out)
	return out
}

// IDsInDomain returns the sorted IDs of entities in domain.
func (s *Store) IDsInDomain(domain string) []string {
	s.mu.RLock()
	var ids []string
	for id := range s.entities {
		if DomainOf(id) == domain {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Count returns the number of entities.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// Domains returns the entity count per domain.
func (s *Store) Domains() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for id := range s.entities {
		counts[DomainOf(id)]++
	}
	return counts
}

// Set creates the entity if absent or replaces its state and attributes.
// A nil attributes map stores an empty one. created reports whether the
// entity was new.
func (s *Store) Set(ctx context.Context, id, state string, attributes map[string]any) (e *Entity, created bool, err error) {
	if err := ValidateID(id); err != nil {
		return nil, false, err
	}

	attrs := deepCopyMap(attributes)
	if attrs == nil {
		attrs = map[string]any{}
	}

	s.mu.Lock()
	old := s.entities[id]
	next := &Entity{
		EntityID:   id,
		State:      state,
		Attributes: attrs,
	}
	change := s.commitLocked(ctx, old, next)
	s.notifyAndUnlock(change)

	return change.New.DeepCopy(), change.Old == nil, nil
}

// Update applies fn to a copy of the entity and stores the result atomically.
//
// fn may change State and Attributes; identity, timestamps and context are
// managed by the store. If fn returns an error nothing is written and the
// error is returned. Returns ErrNotFound if the entity does not exist.
func (s *Store) Update(ctx context.Context, id string, fn func(e *Entity) error) (*Entity, error) {
	s.mu.Lock()
	old, ok := s.entities[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := old.DeepCopy()
	if err := fn(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if next.Attributes == nil {
		next.Attributes = map[string]any{}
	}
	next.EntityID = id

	change := s.commitLocked(ctx, old, next)
	s.notifyAndUnlock(change)

	return change.New.DeepCopy(), nil
}

// commitLocked stamps next and stores it. s.mu must be held.
func (s *Store) commitLocked(ctx context.Context, old, next *Entity) Change {
	now := s.stampLocked()

	next.LastUpdated = now
	if old == nil || old.State != next.State {
		next.LastChanged = now
	} else {
		next.LastChanged = old.LastChanged
	}
	next.Context = newContext(ctx)

	s.entities[next.EntityID] = next

	change := Change{New: next.DeepCopy()}
	if old != nil {
		change.Old = old.DeepCopy()
	}
	return change
}

// stampLocked returns a timestamp strictly after the previous one.
func (s *Store) stampLocked() time.Time {
	now := s.now().UTC()
	if !now.After(s.lastTime) {
		now = s.lastTime.Add(time.Nanosecond)
	}
	s.lastTime = now
	return now
}

// notifyAndUnlock releases s.mu and delivers change to listeners once every
// earlier mutation has been delivered.
func (s *Store) notifyAndUnlock(change Change) {
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	s.notifyMu.Lock()
	for s.delivered != seq {
		s.notifyCond.Wait()
	}
	s.notifyMu.Unlock()

	defer func() {
		s.notifyMu.Lock()
		s.delivered++
		s.notifyCond.Broadcast()
		s.notifyMu.Unlock()
	}()

	s.listenersMu.RLock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		s.deliver(l, change)
	}
}

func (s *Store) deliver(l Listener, change Change) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("entity listener panic recovered",
				"entity_id", change.New.EntityID,
				"panic", r,
			)
		}
	}()
	l.EntityChanged(change)
}

func newContext(ctx context.Context) Context {
	c := Context{ID: uuid.NewString()}
	if user, ok := UserFromContext(ctx); ok {
		c.UserID = &user
	}
	if parent, ok := ParentFromContext(ctx); ok {
		c.ParentID = &parent
	}
	return c
}

func sortEntities(entities []Entity) {
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].EntityID < entities[j].EntityID
	})
}

package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/ish-core/internal/entity"
)

// Logger defines the logging interface used by the Dispatcher.
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

// Recorder observes every dispatched call, successful or not.
// Implementations must be safe for concurrent use.
type Recorder interface {
	RecordServiceCall(ctx context.Context, rec Record) error
}

// Dispatcher routes service calls to handlers. All methods are safe for
// concurrent use.
type Dispatcher struct {
	store *entity.Store

	mu       sync.RWMutex
	handlers map[Key]HandlerFunc

	recordersMu sync.RWMutex
	recorders   []Recorder

	logger Logger
	now    func() time.Time
}

// NewDispatcher creates a dispatcher over store with the built-in services registered.
func NewDispatcher(store *entity.Store) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		handlers: make(map[Key]HandlerFunc),
		logger:   noopLogger{},
		now:      time.Now,
	}
	registerBuiltins(d)
	return d
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// AddRecorder registers a Recorder.
func (d *Dispatcher) AddRecorder(r Recorder) {
	d.recordersMu.Lock()
	d.recorders = append(d.recorders, r)
	d.recordersMu.Unlock()
}

// Register adds or replaces the handler for domain.service.
func (d *Dispatcher) Register(domain, service string, h HandlerFunc) {
	d.mu.Lock()
	d.handlers[Key{Domain: domain, Service: service}] = h
	d.mu.Unlock()
}

// Has reports whether domain.service is registered.
func (d *Dispatcher) Has(domain, service string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[Key{Domain: domain, Service: service}]
	return ok
}

// Services lists registered services grouped by domain, both sorted.
func (d *Dispatcher) Services() []DomainServices {
	d.mu.RLock()
	byDomain := make(map[string][]string)
	for k := range d.handlers {
		byDomain[k.Domain] = append(byDomain[k.Domain], k.Service)
	}
	d.mu.RUnlock()

	out := make([]DomainServices, 0, len(byDomain))
	for domain, services := range byDomain {
		sort.Strings(services)
		out = append(out, DomainServices{Domain: domain, Services: services})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// Call applies the service to its resolved targets and returns the resulting
// entities in resolution order.
func (d *Dispatcher) Call(ctx context.Context, call Call) ([]entity.Entity, error) {
	rec := Record{
		ID:       "call-" + uuid.NewString(),
		Call:     call,
		CalledAt: d.now(),
	}

	affected, targets, err := d.dispatch(ctx, rec.ID, call)

	rec.Targets = targets
	rec.Affected = len(affected)
	rec.Err = err
	rec.Duration = d.now().Sub(rec.CalledAt)
	d.record(ctx, rec)

	return affected, err
}

func (d *Dispatcher) dispatch(ctx context.Context, callID string, call Call) ([]entity.Entity, []string, error) {
	d.mu.RLock()
	handler, ok := d.handlers[Key{Domain: call.Domain, Service: call.Service}]
	d.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s.%s", ErrUnsupportedService, call.Domain, call.Service)
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	targets, err := d.resolveTargets(call)
	if err != nil {
		return nil, nil, err
	}

	data := make(map[string]any, len(call.Data))
	for k, v := range call.Data {
		if k != "entity_id" {
			data[k] = v
		}
	}

	mutCtx := entity.WithParent(entity.WithUser(ctx, call.Principal), callID)

	affected := make([]entity.Entity, 0, len(targets))
	for _, id := range targets {
		e, err := d.store.Update(mutCtx, id, func(e *entity.Entity) error {
			return handler(e, data)
		})
		if err != nil {
			return affected, targets, fmt.Errorf("%s.%s on %s: %w", call.Domain, call.Service, id, err)
		}
		affected = append(affected, *e)
	}

	d.logger.Debug("service called",
		"domain", call.Domain,
		"service", call.Service,
		"affected", len(affected),
		"source", string(call.Source),
	)
	return affected, targets, nil
}

// resolveTargets returns the ordered, de-duplicated target IDs for call.
func (d *Dispatcher) resolveTargets(call Call) ([]string, error) {
	if call.EntityIDs == nil {
		return d.store.IDsInDomain(call.Domain), nil
	}

	seen := make(map[string]bool, len(call.EntityIDs))
	targets := make([]string, 0, len(call.EntityIDs))
	for _, id := range call.EntityIDs {
		if seen[id] || entity.DomainOf(id) != call.Domain {
			continue
		}
		seen[id] = true
		if !d.store.Exists(id) {
			return nil, fmt.Errorf("%w: %s", entity.ErrNotFound, id)
		}
		targets = append(targets, id)
	}
	return targets, nil
}

func (d *Dispatcher) record(ctx context.Context, rec Record) {
	d.recordersMu.RLock()
	recorders := make([]Recorder, len(d.recorders))
	copy(recorders, d.recorders)
	d.recordersMu.RUnlock()

	// Recording must survive the caller's cancellation.
	recCtx := context.WithoutCancel(ctx)
	for _, r := range recorders {
		if err := r.RecordServiceCall(recCtx, rec); err != nil {
			d.logger.Warn("recording service call failed", "call_id", rec.ID, "error", err)
		}
	}
}

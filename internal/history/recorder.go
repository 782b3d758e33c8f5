package history

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/ish-core/internal/entity"
	"github.com/nerrad567/ish-core/internal/service"
)

// Logger defines the logging interface used by the Recorder.
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

// writeTimeout bounds a single insert.
const writeTimeout = 5 * time.Second

// item is either a state change or a service call.
type item struct {
	change *entity.Change
	call   *service.Record
}

// Recorder queues state changes and service calls and writes them to a
// Repository from a single goroutine.
type Recorder struct {
	repo    Repository
	queue   chan item
	logger  Logger
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewRecorder creates a Recorder with room for size pending items.
func NewRecorder(repo Repository, size int) *Recorder {
	if size <= 0 {
		size = 1024
	}
	return &Recorder{
		repo:   repo,
		queue:  make(chan item, size),
		logger: noopLogger{},
		done:   make(chan struct{}),
	}
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// EntityChanged implements entity.Listener.
func (r *Recorder) EntityChanged(change entity.Change) {
	r.enqueue(item{change: &change})
}

// RecordServiceCall implements service.Recorder. It never blocks.
func (r *Recorder) RecordServiceCall(_ context.Context, rec service.Record) error {
	r.enqueue(item{call: &rec})
	return nil
}

// Dropped returns how many items were discarded because the queue was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) enqueue(it item) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- it:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("history queue full, dropping", "dropped_total", n)
		}
	}
}

// Run writes queued items until ctx is cancelled, then drains whatever is
// still queued and returns.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case it := <-r.queue:
			r.write(it)
		case <-ctx.Done():
			r.mu.Lock()
			r.closed = true
			r.mu.Unlock()
			for {
				select {
				case it := <-r.queue:
					r.write(it)
				default:
					return
				}
			}
		}
	}
}

// Done is closed when Run has returned.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

func (r *Recorder) write(it item) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	switch {
	case it.change != nil:
		if err := r.repo.RecordStateChange(ctx, *it.change); err != nil {
			r.logger.Error("failed to record state change",
				"entity_id", it.change.New.EntityID,
				"error", err,
			)
		}
	case it.call != nil:
		if err := r.repo.RecordServiceCall(ctx, *it.call); err != nil {
			r.logger.Error("failed to record service call",
				"call_id", it.call.ID,
				"error", err,
			)
		}
	}
}

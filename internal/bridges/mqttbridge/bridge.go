package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/ish-core/internal/entity"
	"github.com/nerrad567/ish-core/internal/event"
	"github.com/nerrad567/ish-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/ish-core/internal/service"
)

const (
	// commandTimeout bounds one dispatched service call.
	commandTimeout = 5 * time.Second

	defaultQueueSize = 1024

	// requestIDKey is removed from command bodies before dispatch.
	requestIDKey = "request_id"
)

// Client is the subset of the MQTT client the bridge uses.
type Client interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Dispatcher executes service calls.
type Dispatcher interface {
	Call(ctx context.Context, call service.Call) ([]entity.Entity, error)
}

// Logger defines the logging interface used by the Bridge.
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

// Options configures a Bridge.
type Options struct {
	Client     Client
	Topics     mqtt.Topics
	Dispatcher Dispatcher
	QoS        byte
	QueueSize  int
	Logger     Logger
}

// outbound is one message waiting to be published.
type outbound struct {
	topic    string
	payload  any
	retained bool
}

// Response is published to the response topic for commands with a request ID.
type Response struct {
	RequestID string          `json:"request_id"`
	Success   bool            `json:"success"`
	Result    []entity.Entity `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Bridge connects the store, the event bus and the dispatcher to MQTT.
type Bridge struct {
	client     Client
	topics     mqtt.Topics
	dispatcher Dispatcher
	qos        byte
	logger     Logger

	queue   chan outbound
	dropped atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Bridge. Start must be called before it publishes anything.
func New(opts Options) (*Bridge, error) {
	if opts.Client == nil {
		return nil, errors.New("mqttbridge: client is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("mqttbridge: dispatcher is required")
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}

	return &Bridge{
		client:     opts.Client,
		topics:     opts.Topics,
		dispatcher: opts.Dispatcher,
		qos:        opts.QoS,
		logger:     logger,
		queue:      make(chan outbound, size),
	}, nil
}

// Start subscribes to command topics and starts the publisher.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	topic := b.topics.AllCommands()
	if err := b.client.Subscribe(topic, b.qos, b.handleCommand); err != nil {
		b.cancel()
		return fmt.Errorf("subscribe to commands: %w", err)
	}

	b.wg.Add(1)
	go b.publishLoop()

	b.logger.Info("mqtt bridge started", "commands", topic)
	return nil
}

// Stop unsubscribes, flushes queued messages and waits for the publisher.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel == nil {
			return
		}
		if err := b.client.Unsubscribe(b.topics.AllCommands()); err != nil {
			b.logger.Warn("failed to unsubscribe from commands", "error", err)
		}
		b.cancel()
		b.wg.Wait()
		b.logger.Info("mqtt bridge stopped", "dropped", b.dropped.Load())
	})
}

// Dropped returns the number of messages discarded because the queue was full.
func (b *Bridge) Dropped() int64 {
	return b.dropped.Load()
}

// EntityChanged implements entity.Listener.
func (b *Bridge) EntityChanged(change entity.Change) {
	b.enqueue(outbound{
		topic:    b.topics.State(change.New.EntityID),
		payload:  change.New,
		retained: true,
	})
}

// HandleEvent forwards non-state events. Subscribe it to the event bus with
// event.MatchAll.
func (b *Bridge) HandleEvent(ev event.Event) {
	if ev.EventType == event.TypeStateChanged {
		return
	}
	b.enqueue(outbound{topic: b.topics.Event(ev.EventType), payload: ev})
}

func (b *Bridge) enqueue(msg outbound) {
	select {
	case b.queue <- msg:
	default:
		if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
			b.logger.Warn("mqtt publish queue full, dropping", "topic", msg.topic, "dropped_total", n)
		}
	}
}

func (b *Bridge) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case msg := <-b.queue:
			b.publish(msg)
		case <-b.ctx.Done():
			for {
				select {
				case msg := <-b.queue:
					b.publish(msg)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) publish(msg outbound) {
	payload, err := json.Marshal(msg.payload)
	if err != nil {
		b.logger.Error("failed to marshal mqtt payload", "topic", msg.topic, "error", err)
		return
	}
	if err := b.client.Publish(msg.topic, payload, b.qos, msg.retained); err != nil {
		b.logger.Warn("failed to publish", "topic", msg.topic, "error", err)
	}
}

// handleCommand dispatches a service call received on a command topic.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	domain, svc, ok := b.topics.ParseCommand(topic)
	if !ok {
		return fmt.Errorf("unrecognised command topic %q", topic)
	}

	data := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			return fmt.Errorf("parsing command body: %w", err)
		}
		if data == nil {
			data = map[string]any{}
		}
	}

	requestID, _ := data[requestIDKey].(string)
	delete(data, requestIDKey)

	targets, err := service.TargetsFromData(data)
	if err != nil {
		b.respond(requestID, nil, err)
		return err
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	affected, err := b.dispatcher.Call(ctx, service.Call{
		Domain:    domain,
		Service:   svc,
		EntityIDs: targets,
		Data:      data,
		Source:    service.SourceMQTT,
	})
	b.respond(requestID, affected, err)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", domain, svc, err)
	}

	b.logger.Debug("mqtt command dispatched",
		"domain", domain,
		"service", svc,
		"affected", len(affected),
	)
	return nil
}

func (b *Bridge) respond(requestID string, affected []entity.Entity, err error) {
	if requestID == "" {
		return
	}
	resp := Response{RequestID: requestID, Success: err == nil, Result: affected}
	if err != nil {
		resp.Error = err.Error()
	}
	b.enqueue(outbound{topic: b.topics.Response(requestID), payload: resp})
}

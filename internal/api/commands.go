package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/ish-core/internal/entity"
	"github.com/nerrad567/ish-core/internal/event"
	"github.com/nerrad567/ish-core/internal/service"
)

var (
	errInvalidCommand       = errors.New("invalid command")
	errUnknownCommand       = errors.New("unknown command")
	errDuplicateID          = errors.New("duplicate id")
	errSubscriptionNotFound = errors.New("subscription not found")
)

// commandFunc executes one command. raw is the full inbound frame.
type commandFunc func(ctx context.Context, s *Session, id int64, raw []byte) (any, error)

type commandHandler struct {
	fn commandFunc
	// async handlers run off the read loop, bounded per session.
	async bool
}

// commandRouter maps a command type to its handler.
type commandRouter struct {
	handlers map[string]commandHandler
}

func newCommandRouter() *commandRouter {
	return &commandRouter{
		handlers: map[string]commandHandler{
			CmdGetStates:         {fn: cmdGetStates},
			CmdGetServices:       {fn: cmdGetServices},
			CmdGetConfig:         {fn: cmdGetConfig},
			CmdCallService:       {fn: cmdCallService, async: true},
			CmdSubscribeEvents:   {fn: cmdSubscribeEvents},
			CmdUnsubscribeEvents: {fn: cmdUnsubscribeEvents},
			CmdFireEvent:         {fn: cmdFireEvent},
		},
	}
}

func (r *commandRouter) lookup(cmdType string) (commandHandler, bool) {
	h, ok := r.handlers[cmdType]
	return h, ok
}

func cmdGetStates(ctx context.Context, s *Session, _ int64, _ []byte) (any, error) {
	return s.srv.store.List(ctx), nil
}

func cmdGetServices(_ context.Context, s *Session, _ int64, _ []byte) (any, error) {
	return s.srv.dispatcher.Services(), nil
}

func cmdGetConfig(_ context.Context, s *Session, _ int64, _ []byte) (any, error) {
	return s.srv.configPayload(), nil
}

// cmdCallService dispatches a service call. Targets come from target.entity_id
// when present, otherwise from service_data.entity_id.
func cmdCallService(ctx context.Context, s *Session, _ int64, raw []byte) (any, error) {
	cmd, err := decodeCommand[callServiceCommand](raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidCommand, err)
	}
	if cmd.Domain == "" || cmd.Service == "" {
		return nil, fmt.Errorf("%w: domain and service are required", errInvalidCommand)
	}

	targets, err := service.TargetsFromData(cmd.Target)
	if err != nil {
		return nil, err
	}
	if targets == nil {
		if targets, err = service.TargetsFromData(cmd.ServiceData); err != nil {
			return nil, err
		}
	}

	ctx = entity.WithUser(ctx, s.principal.ID)
	affected, err := s.srv.dispatcher.Call(ctx, service.Call{
		Domain:    cmd.Domain,
		Service:   cmd.Service,
		EntityIDs: targets,
		Data:      cmd.ServiceData,
		Principal: s.principal.ID,
		Source:    service.SourceWebSocket,
	})
	if err != nil {
		return nil, err
	}
	if affected == nil {
		affected = []entity.Entity{}
	}
	return affected, nil
}

// cmdSubscribeEvents subscribes under the command's own id. An empty
// event_type matches every event.
func cmdSubscribeEvents(_ context.Context, s *Session, id int64, raw []byte) (any, error) {
	cmd, err := decodeCommand[subscribeEventsCommand](raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidCommand, err)
	}
	eventType := cmd.EventType
	if eventType == "" {
		eventType = event.MatchAll
	}
	if err := s.subscribe(id, eventType); err != nil {
		return nil, err
	}
	return nil, nil
}

func cmdUnsubscribeEvents(_ context.Context, s *Session, _ int64, raw []byte) (any, error) {
	cmd, err := decodeCommand[unsubscribeEventsCommand](raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidCommand, err)
	}
	if !s.unsubscribe(cmd.Subscription) {
		return nil, fmt.Errorf("%w: %d", errSubscriptionNotFound, cmd.Subscription)
	}
	return nil, nil
}

func cmdFireEvent(ctx context.Context, s *Session, _ int64, raw []byte) (any, error) {
	cmd, err := decodeCommand[fireEventCommand](raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidCommand, err)
	}
	ctx = entity.WithUser(ctx, s.principal.ID)
	if _, err := s.srv.bus.Fire(ctx, cmd.EventType, cmd.EventData); err != nil {
		return nil, err
	}
	return nil, nil
}

// wsErrorFor maps a command error to its wire code. The second result is
// false for errors the client did not cause.
func wsErrorFor(err error) (ErrorInfo, bool) {
	switch {
	case errors.Is(err, entity.ErrNotFound), errors.Is(err, errSubscriptionNotFound):
		return ErrorInfo{Code: CodeNotFound, Message: err.Error()}, true
	case errors.Is(err, service.ErrUnsupportedService):
		return ErrorInfo{Code: CodeUnsupportedService, Message: err.Error()}, true
	case errors.Is(err, errUnknownCommand):
		return ErrorInfo{Code: CodeUnknownCommand, Message: err.Error()}, true
	case errors.Is(err, errDuplicateID):
		return ErrorInfo{Code: CodeDuplicateID, Message: err.Error()}, true
	case errors.Is(err, errInvalidCommand),
		errors.Is(err, entity.ErrInvalidEntityID),
		errors.Is(err, service.ErrInvalidServiceData),
		errors.Is(err, event.ErrInvalidEventType):
		return ErrorInfo{Code: CodeInvalidFormat, Message: err.Error()}, true
	default:
		return ErrorInfo{Code: CodeInternal, Message: "Unexpected error."}, false
	}
}

func (s *Session) errorInfo(err error) ErrorInfo {
	info, known := wsErrorFor(err)
	if !known {
		s.logger.Error("websocket command failed", "error", err)
	}
	return info
}

func (s *Server) countSession(outcome string) {
	if s.metrics != nil {
		s.metrics.SessionsTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *Server) countCommand(cmdType string, ok bool) {
	if s.metrics == nil {
		return
	}
	// Client-supplied types must not create new series.
	if _, known := s.commands.lookup(cmdType); !known && cmdType != CmdPing {
		cmdType = "unknown"
	}
	result := "success"
	if !ok {
		result = "error"
	}
	s.metrics.Commands.WithLabelValues(cmdType, result).Inc()
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/ish-core/internal/auth"
	"github.com/nerrad567/ish-core/internal/entity"
	"github.com/nerrad567/ish-core/internal/event"
	"github.com/nerrad567/ish-core/internal/history"
	"github.com/nerrad567/ish-core/internal/infrastructure/config"
	"github.com/nerrad567/ish-core/internal/infrastructure/logging"
	"github.com/nerrad567/ish-core/internal/metrics"
	"github.com/nerrad567/ish-core/internal/service"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HistoryReader serves recorded state history. It is nil when the database
// is disabled.
type HistoryReader interface {
	GetHistory(ctx context.Context, entityID string, limit int) ([]history.Entry, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config        config.APIConfig
	WS            config.WebSocketConfig
	Security      config.SecurityConfig
	HomeAssistant config.HomeAssistantConfig
	Logger        *logging.Logger
	Store         *entity.Store
	Dispatcher    *service.Dispatcher
	Bus           *event.Bus
	Verifier      auth.Verifier
	History       HistoryReader    // optional
	Metrics       *metrics.Metrics // optional
	Version       string
}

// Server is the HTTP API server for ISH.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	secCfg     config.SecurityConfig
	haCfg      config.HomeAssistantConfig
	logger     *logging.Logger
	store      *entity.Store
	dispatcher *service.Dispatcher
	bus        *event.Bus
	verifier   auth.Verifier
	history    HistoryReader
	metrics    *metrics.Metrics
	version    string

	hub      *Hub
	commands *commandRouter
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Store == nil {
		return nil, errors.New("entity store is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("service dispatcher is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("credential verifier is required")
	}
	bus := deps.Bus
	if bus == nil {
		bus = event.NewBus()
	}

	s := &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		secCfg:     deps.Security,
		haCfg:      deps.HomeAssistant,
		logger:     deps.Logger,
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		bus:        bus,
		verifier:   deps.Verifier,
		history:    deps.History,
		metrics:    deps.Metrics,
		version:    deps.Version,
	}
	s.hub = NewHub(deps.Logger.Component("websocket"), deps.Metrics)
	s.commands = newCommandRouter()
	return s, nil
}

// Handler returns the fully wired HTTP handler. Useful for tests and for
// embedding the server in another listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// The listener is bound before Start returns, so Addr is valid immediately.
// Serving runs in a background goroutine; stop it with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
		BaseContext:       func(net.Listener) context.Context { return srvCtx },
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	s.logger.Info("API server starting", "address", ln.Addr().String(), "websocket_path", s.wsCfg.Path)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// Open WebSocket sessions are closed with 1001 (going away) first, then
// in-flight HTTP requests get up to 10 seconds to complete.
func (s *Server) Close() error {
	s.hub.CloseAll()

	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return errors.New("api server not started")
	}
	return nil
}

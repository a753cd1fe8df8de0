// Package http serves the MES gateway over HTTP and WebSocket.
//
// Every envelope request goes through the same pipeline: the governor checks
// payload size, client rate and concurrency; the security validator checks
// the client address, API key and signature; the dispatcher runs the
// command. Rejections short-circuit with a coded JSON body and never reach
// the dispatcher.
package http

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/c360/mesgateway/envelope"
	"github.com/c360/mesgateway/errors"
	"github.com/c360/mesgateway/gateway"
	"github.com/c360/mesgateway/governor"
	"github.com/c360/mesgateway/health"
	"github.com/c360/mesgateway/metric"
	"github.com/c360/mesgateway/pkg/security"
	"github.com/c360/mesgateway/pkg/tlsutil"
)

// Dispatcher runs parsed envelopes.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *envelope.Request) *envelope.Response
	DispatchBytes(ctx context.Context, body []byte) *envelope.Response
	Supported() []string
}

// UnhandledFunc gets requests that no route or static file claimed. It
// returns false to let the server answer 404.
type UnhandledFunc func(w http.ResponseWriter, r *http.Request) bool

// Deps are the collaborators of a Server. Dispatcher, Governor and
// Validator are required; the rest are created when nil.
type Deps struct {
	Dispatcher Dispatcher
	Governor   *governor.Governor
	Validator  *security.Validator

	Registry *gateway.ConnectionRegistry
	Events   *gateway.EventBus
	Health   *health.Monitor
	Metrics  *metric.MetricsRegistry

	TLS       security.ServerTLSConfig
	Unhandled UnhandledFunc
	Logger    *slog.Logger
}

// Server is the gateway listener.
type Server struct {
	cfg        gateway.Config
	dispatcher Dispatcher
	governor   *governor.Governor
	validator  *security.Validator
	registry   *gateway.ConnectionRegistry
	events     *gateway.EventBus
	health     *health.Monitor
	metrics    *metric.MetricsRegistry
	core       *metric.Metrics
	stats      *gateway.Statistics
	tlsConfig  *tls.Config
	unhandled  UnhandledFunc
	logger     *slog.Logger

	upgrader websocket.Upgrader
	handler  http.Handler

	// lifecycleMu serializes Start, Stop and Restart.
	lifecycleMu sync.Mutex
	mu          sync.RWMutex
	running     bool
	server      *http.Server
	listener    net.Listener
	shutdown    chan struct{}
	wg          *sync.WaitGroup
	ctx         context.Context
	sweepStop   context.CancelFunc

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]string
}

// New creates a server. It does not listen until Start.
func New(cfg gateway.Config, deps Deps) (*Server, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Server", "New", "config validation")
	}
	if deps.Dispatcher == nil || deps.Governor == nil || deps.Validator == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "New",
			"dispatcher, governor and validator are required")
	}
	tlsConfig, err := tlsutil.ServerConfig(deps.TLS)
	if err != nil {
		return nil, errors.WrapFatal(err, "Server", "New", "load TLS config")
	}

	s := &Server{
		cfg:        cfg,
		dispatcher: deps.Dispatcher,
		governor:   deps.Governor,
		validator:  deps.Validator,
		registry:   deps.Registry,
		events:     deps.Events,
		health:     deps.Health,
		metrics:    deps.Metrics,
		stats:      gateway.NewStatistics(),
		tlsConfig:  tlsConfig,
		unhandled:  deps.Unhandled,
		logger:     deps.Logger,
		clients:    make(map[*websocket.Conn]string),
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "gateway-http")
	}
	if s.events == nil {
		s.events = gateway.NewEventBus()
	}
	if s.registry == nil {
		s.registry = gateway.NewConnectionRegistry(s.events)
	}
	if s.metrics != nil {
		s.core = s.metrics.CoreMetrics()
	}
	if s.health == nil {
		var rec health.Recorder
		if s.core != nil {
			rec = s.core
		}
		s.health = health.NewMonitor(rec)
	}
	s.health.Register("gateway", s.checkHealth)
	s.health.Register("governor", s.checkGovernor)

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     s.originAllowed,
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.websocketUpgrade)
	r.Use(s.observe)
	r.Use(s.cors)

	r.Post("/api/mes", s.handleEnvelope)
	for _, route := range legacyRoutes {
		r.Method(route.method, route.path, s.legacyHandler(route.command))
	}

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/server/statistics", s.handleStatistics)
	r.Post("/api/server/restart", s.handleRestart)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.NotFound(s.handleFallthrough)
	return r
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Events returns the bus the server publishes to.
func (s *Server) Events() *gateway.EventBus {
	return s.events
}

// Registry returns the live connection registry.
func (s *Server) Registry() *gateway.ConnectionRegistry {
	return s.registry
}

// Statistics returns the traffic counters.
func (s *Server) Statistics() *gateway.Statistics {
	return s.stats
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Address
}

// Start binds the listener and serves in the background until Stop or ctx
// cancellation.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start", "server already running")
	}
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.startListener(s.cfg.Address); err != nil {
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop(5 * time.Second)
		case <-s.doneChan():
		}
	}()
	return nil
}

func (s *Server) doneChan() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shutdown == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.shutdown
}

func (s *Server) startListener(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapTransient(err, "Server", "Start", "listen on "+addr)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	sweepCtx, sweepStop := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(2)

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.shutdown = make(chan struct{})
	s.wg = wg
	s.sweepStop = sweepStop
	s.running = true
	s.mu.Unlock()

	go func() {
		defer wg.Done()
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed", "error", err)
			if s.core != nil {
				s.core.RecordError("gateway", "serve")
			}
		}
	}()
	go func() {
		defer wg.Done()
		_ = s.registry.Run(sweepCtx, s.cfg.SweepInterval, s.cfg.IdleTimeout)
	}()

	s.logger.Info("gateway listening", "address", ln.Addr().String(), "tls", s.tlsConfig != nil)
	s.events.Publish(gateway.Event{Type: gateway.EventStatusChanged, Message: "running"})
	return nil
}

// Stop closes WebSocket clients and shuts the listener down, waiting up to
// timeout for in-flight requests.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.stopListener(timeout)
}

func (s *Server) stopListener(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.shutdown)
	srv, wg, sweepStop := s.server, s.wg, s.sweepStop
	s.mu.Unlock()

	s.closeClients()
	sweepStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var shutdownErr error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown error", "error", err)
		shutdownErr = errors.WrapTransient(err, "Server", "Stop", "shutdown")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("gateway goroutines did not exit within timeout")
	}

	s.mu.Lock()
	s.server = nil
	s.listener = nil
	s.wg = nil
	s.mu.Unlock()

	s.logger.Info("gateway stopped")
	s.events.Publish(gateway.Event{Type: gateway.EventStatusChanged, Message: "stopped"})
	return shutdownErr
}

// Restart stops the listener, resets statistics and listens again on the
// same address.
func (s *Server) Restart(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	addr := s.Addr()
	if err := s.stopListener(timeout); err != nil {
		return err
	}
	s.stats.Reset()
	if err := s.startListener(addr); err != nil {
		return err
	}

	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = s.Stop(5 * time.Second)
			case <-s.doneChan():
			}
		}()
	}
	return nil
}

// Running reports whether the listener is up.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) checkHealth(context.Context) health.Status {
	if !s.Running() {
		return health.NewUnhealthy("gateway", "listener stopped")
	}
	return health.NewHealthy("gateway", fmt.Sprintf("%d active connections", s.registry.Count()))
}

func (s *Server) checkGovernor(context.Context) health.Status {
	st := s.governor.Stats()
	if st.SlotCapacity > 0 && st.SlotsInUse >= int64(st.SlotCapacity) {
		return health.NewDegraded("governor", "all dispatch slots in use")
	}
	return health.NewHealthy("governor", fmt.Sprintf("%d/%d slots in use", st.SlotsInUse, st.SlotCapacity))
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/harun/screencraft/internal/observability"
	"github.com/harun/screencraft/pkg/commandqueue"
	"github.com/harun/screencraft/pkg/workflow"
	"github.com/rs/zerolog"
)

// Orchestrator is the conversational backend served by the gateway.
type Orchestrator interface {
	StartSession() string
	DeleteSession(ctx context.Context, id string) bool
	Run(ctx context.Context, id, input string) (string, error)
	Stream(ctx context.Context, id, input string) (iter.Seq[workflow.Chunk], error)
	ActiveSessions() int
	Lanes() map[string]commandqueue.LaneStats
}

const (
	maxRequestBodySize = 1 << 20
	clientIdleAfter    = 5 * time.Minute
)

// Server is the HTTP and websocket surface.
type Server struct {
	addr           string
	orchestrator   Orchestrator
	allowedOrigins []string
	turnsPerMinute int
	logger         zerolog.Logger

	handler  http.Handler
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
	clients  *ClientRegistry

	pongWait   time.Duration
	pingPeriod time.Duration

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlight       sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Addr           string
	Orchestrator   Orchestrator
	AllowedOrigins []string
	TurnsPerMinute int // per websocket client
	Logger         zerolog.Logger
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	observability.EnsureRegistered()

	s := &Server{
		addr:           cfg.Addr,
		orchestrator:   cfg.Orchestrator,
		allowedOrigins: cfg.AllowedOrigins,
		turnsPerMinute: cfg.TurnsPerMinute,
		logger:         cfg.Logger.With().Str("component", "gateway").Logger(),
		clients:        NewClientRegistry(),
		pongWait:       wsPongWait,
		pingPeriod:     wsPingPeriod,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(s.allowedOrigins, origin)
		},
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(traceRequests)
	r.Use(accessLog(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors(s.allowedOrigins))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", observability.MetricsHandler())

	r.Post("/session", s.handleCreateSession)
	r.Delete("/session/{id}", s.handleDeleteSession)
	r.Post("/chat", s.handleChat)
	r.Post("/chat/stream", s.handleChatStream)
	r.Get("/ws", s.handleWebSocket)

	return r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // streamed turns outlive any fixed write deadline
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started, otherwise the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop refuses new websocket clients, closes the connected ones and shuts
// the HTTP server down within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Int("clients", s.clients.Count()).Msg("Shutting down gateway server")

	for _, client := range s.clients.GetAll() {
		_ = client.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = client.Conn.Close()
	}

	var shutdownErr error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached with websocket turns in flight")
	}

	s.logger.Info().Msg("Gateway server stopped")
	return shutdownErr
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/officeagent/internal/observability"
	"github.com/harun/officeagent/internal/tracing"
	"github.com/harun/officeagent/pkg/credential"
	"github.com/harun/officeagent/pkg/pool"
	"github.com/harun/officeagent/pkg/stream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Credentials resolves the credential for a chat request.
type Credentials interface {
	Resolve(ctx context.Context, req credential.Request) (credential.Credential, error)
}

// Sessions is the session pool as seen by the HTTP layer.
type Sessions interface {
	Acquire(ctx context.Context, userID string, cred credential.Credential) (*pool.Session, error)
	Lookup(userID string) (*pool.Session, bool)
	Invalidate(userID string) bool
	Stats() pool.Stats
}

// Config configures the HTTP server.
type Config struct {
	Host               string
	Port               int
	RateLimitPerMinute int
	ShutdownTimeout    time.Duration
	MaxBodyBytes       int64

	Credentials Credentials
	Sessions    Sessions
	Streamer    *stream.Streamer
	Logger      *zerolog.Logger
}

// Server is the chat HTTP server.
type Server struct {
	config      Config
	credentials Credentials
	sessions    Sessions
	streamer    *stream.Streamer
	rateLimiter *RateLimiter
	upgrader    websocket.Upgrader
	logger      zerolog.Logger
	startTime   time.Time
	server      *http.Server

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup

	connsMu sync.Mutex
	conns   map[*websocket.Conn]struct{}
}

// New creates a server. Call Start to listen, or mount Handler directly.
func New(cfg Config) (*Server, error) {
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("credential resolver is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session pool is required")
	}
	if cfg.Streamer == nil {
		return nil, fmt.Errorf("streamer is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	logger := log.Logger.With().Str("component", "server").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Server{
		config:      cfg,
		credentials: cfg.Credentials,
		sessions:    cfg.Sessions,
		streamer:    cfg.Streamer,
		rateLimiter: NewRateLimiter(cfg.RateLimitPerMinute),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:    logger,
		startTime: time.Now(),
		conns:     make(map[*websocket.Conn]struct{}),
	}, nil
}

// Handler returns the routed HTTP handler. Every route is also served under
// the /api prefix used by existing clients.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"POST /chat", s.tracked(s.handleChat)},
		{"POST /chat/stream", s.tracked(s.handleChatStream)},
		{"GET /chat/ws", s.handleChatWS},
		{"POST /make-call", s.tracked(s.handleMakeCall)},
		{"GET /agent-status/{user_id}", s.handleAgentStatus},
		{"DELETE /agent-cache/{user_id}", s.handleAgentCache},
		{"GET /health", s.handleHealth},
	}
	for _, route := range routes {
		method, path, _ := strings.Cut(route.pattern, " ")
		mux.HandleFunc(method+" "+path, route.handler)
		mux.HandleFunc(method+" /api"+path, route.handler)
	}

	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return mux
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().
		Str("host", s.config.Host).
		Int("port", s.config.Port).
		Msg("Starting chat server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start chat server: %w", err)
	}

	return nil
}

// Stop rejects new chat requests, waits for in-flight ones up to the
// shutdown timeout, then closes the listener and websocket connections.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down chat server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.config.ShutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown cancelled, forcing close")
	}

	s.rateLimiter.Stop()
	s.closeConns()

	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown chat server: %w", err)
	}

	s.logger.Info().Msg("Chat server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// begin registers an in-flight request unless the server is shutting down.
func (s *Server) begin() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	if s.isShuttingDown {
		return false
	}
	s.inFlightReqs.Add(1)
	return true
}

// tracked rejects requests during shutdown and counts the rest as in flight.
func (s *Server) tracked(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.begin() {
			writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
			return
		}
		defer s.inFlightReqs.Done()
		next(w, r.WithContext(tracing.ExtractHTTP(r.Context(), r.Header)))
	}
}

func (s *Server) addConn(conn *websocket.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) removeConn(conn *websocket.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

func (s *Server) closeConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		delete(s.conns, conn)
	}
}

// Package transport exposes the authority over HTTP. Each protocol call is
// an independent request/response; retry policy belongs to the calling
// node, and every handler tolerates redelivery.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/blockdfs/blockdfs/internal/authority"
	"github.com/blockdfs/blockdfs/internal/health"
)

// ServerConfig carries the HTTP server knobs.
type ServerConfig struct {
	Addr              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	RateLimitEnabled  bool
	RequestsPerSecond float64
	BurstSize         int
}

// Server is the authority's HTTP front.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	handlers   *Handlers
	health     *health.Checker
	logger     *zap.Logger
	cfg        ServerConfig
}

// NewServer wires the router, middleware, and routes.
func NewServer(cfg ServerConfig, service *authority.Service, checker *health.Checker, logger *zap.Logger) *Server {
	router := mux.NewRouter()
	s := &Server{
		router:   router,
		handlers: NewHandlers(service, logger),
		health:   checker,
		logger:   logger,
		cfg:      cfg,
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(mux.MiddlewareFunc(Recovery(s.logger)))
	s.router.Use(mux.MiddlewareFunc(RequestID))
	s.router.Use(mux.MiddlewareFunc(Logging(s.logger)))
	if s.cfg.RateLimitEnabled {
		rl := NewRateLimiter(s.cfg.RequestsPerSecond, s.cfg.BurstSize, s.logger)
		s.router.Use(mux.MiddlewareFunc(rl.Limit))
	}

	s.router.HandleFunc("/health", s.health.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.health.ReadinessHandler).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	dn := v1.PathPrefix("/datanode").Subrouter()
	dn.HandleFunc("/version", s.handlers.Version).Methods(http.MethodGet)
	dn.HandleFunc("/register", s.handlers.Register).Methods(http.MethodPost)
	dn.HandleFunc("/heartbeat", s.handlers.Heartbeat).Methods(http.MethodPost)
	dn.HandleFunc("/block-report", s.handlers.BlockReport).Methods(http.MethodPost)
	dn.HandleFunc("/block-received", s.handlers.BlockReceived).Methods(http.MethodPost)
	dn.HandleFunc("/error-report", s.handlers.ErrorReport).Methods(http.MethodPost)
	dn.HandleFunc("/upgrade", s.handlers.Upgrade).Methods(http.MethodPost)
	dn.HandleFunc("/block-crc-locations", s.handlers.BlockCrcLocations).Methods(http.MethodPost)

	v1.HandleFunc("/blocks/{block_id}/locations", s.handlers.Locations).Methods(http.MethodGet)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/nodes", s.handlers.ListNodes).Methods(http.MethodGet)
	admin.HandleFunc("/nodes/{storage_id}/commands", s.handlers.EnqueueCommand).Methods(http.MethodPost)
}

// Start blocks serving until shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting authority server", zap.String("addr", s.cfg.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("authority server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down authority server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

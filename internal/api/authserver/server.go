// Package authserver exposes the OAuth-style authorization surface of the
// delegation service: agent and user registration, the authorization flow,
// token exchange, revocation and introspection.
package authserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/adp-engine/go-core/internal/api/middleware"
	"github.com/adp-engine/go-core/internal/engine"
	"github.com/adp-engine/go-core/internal/idp"
	"github.com/adp-engine/go-core/internal/metrics"
)

// Config configures the authorization server.
type Config struct {
	Bind               string
	CORSOrigins        []string
	RateLimitPerMinute int
	RequestTimeout     time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
}

// DefaultConfig returns default authorization server configuration.
func DefaultConfig() Config {
	return Config{
		Bind:               "localhost:5000",
		RateLimitPerMinute: 60,
		RequestTimeout:     5 * time.Second,
		ReadTimeout:        15 * time.Second,
		WriteTimeout:       15 * time.Second,
		IdleTimeout:        60 * time.Second,
	}
}

// Server is the authorization HTTP server.
type Server struct {
	engine      *engine.Engine
	provider    idp.Provider
	stateSecret []byte
	router      *gin.Engine
	httpServer  *http.Server
	logger      *zap.Logger
	config      Config
}

// New creates the authorization server. provider may be nil; the server then
// authenticates users against the local store only.
func New(cfg Config, eng *engine.Engine, provider idp.Provider, stateSecret []byte, m *metrics.Metrics, logger *zap.Logger) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Bind == "" {
		cfg.Bind = DefaultConfig().Bind
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger, m, "auth"))
	router.Use(corsHandler(cfg.CORSOrigins))
	router.Use(middleware.NewRateLimiter(cfg.RateLimitPerMinute).Handler())
	router.Use(middleware.Timeout(cfg.RequestTimeout))

	s := &Server{
		engine:      eng,
		provider:    provider,
		stateSecret: stateSecret,
		router:      router,
		logger:      logger,
		config:      cfg,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Bind,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.health)
	s.router.POST("/register", s.registerAgent)
	s.router.POST("/register_user", s.registerUser)
	s.router.GET("/authorize", s.authorize)
	s.router.GET("/callback", s.callback)
	s.router.POST("/token", s.token)
	s.router.POST("/revoke", s.revoke)
	s.router.POST("/introspect", s.introspect)
}

func corsHandler(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	cfg.AllowHeaders = []string{"Content-Type", "Authorization", "DPoP"}
	return cors.New(cfg)
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info("Starting authorization server", zap.String("bind", s.config.Bind))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down authorization server")
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

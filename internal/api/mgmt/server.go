// Package mgmt exposes the management REST API: agent and delegation
// administration, token oversight, system status, activity logs and metrics.
package mgmt

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/adp-engine/go-core/internal/api/middleware"
	"github.com/adp-engine/go-core/internal/engine"
	"github.com/adp-engine/go-core/internal/metrics"
)

// Config configures the management server.
type Config struct {
	Bind         string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns default management server configuration.
func DefaultConfig() Config {
	return Config{
		Bind:         "localhost:7000",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the management HTTP server.
type Server struct {
	engine     *engine.Engine
	router     *gin.Engine
	httpServer *http.Server
	logger     *zap.Logger
	metrics    *metrics.Metrics
	startTime  time.Time
	config     Config
}

// New creates the management server.
func New(cfg Config, eng *engine.Engine, m *metrics.Metrics, logger *zap.Logger) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Bind == "" {
		cfg.Bind = DefaultConfig().Bind
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger, m, "mgmt"))

	corsCfg := cors.DefaultConfig()
	if len(cfg.CORSOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.CORSOrigins
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Content-Type", "Authorization"}
	router.Use(cors.New(corsCfg))

	s := &Server{
		engine:    eng,
		router:    router,
		logger:    logger,
		metrics:   m,
		startTime: time.Now(),
		config:    cfg,
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
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	}

	api := s.router.Group("/api")
	{
		agents := api.Group("/agents")
		{
			agents.GET("", s.listAgents)
			agents.POST("", s.createAgent)
			agents.GET("/:id", s.getAgent)
			agents.PUT("/:id", s.updateAgent)
			agents.DELETE("/:id", s.deleteAgent)
		}

		delegations := api.Group("/delegations")
		{
			delegations.GET("", s.listDelegations)
			delegations.POST("", s.createDelegation)
			delegations.GET("/:id", s.getDelegation)
			delegations.PUT("/:id/approve", s.approveDelegation)
			delegations.PUT("/:id/deny", s.denyDelegation)
			delegations.DELETE("/:id", s.revokeDelegation)
		}

		tokens := api.Group("/tokens")
		{
			tokens.GET("/active", s.activeTokens)
			tokens.POST("/introspect", s.introspectToken)
			tokens.POST("/revoke", s.revokeToken)
		}

		api.GET("/status", s.status)
		api.GET("/logs", s.logs)
	}
}

// Start begins serving.
func (s *Server) Start() error {
	s.logger.Info("Starting management server", zap.String("bind", s.config.Bind))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down management server")
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

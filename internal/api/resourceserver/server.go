// Package resourceserver is a protected-resource endpoint that validates
// access tokens against the authorization server's introspection endpoint
// and optionally enforces DPoP proof of possession.
package resourceserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/adp-engine/go-core/internal/dpop"
	"github.com/adp-engine/go-core/internal/metrics"
)

// Config configures the resource server.
type Config struct {
	Bind          string
	IntrospectURL string
	RequireDPoP   bool
	CORSOrigins   []string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
}

// DefaultConfig returns default resource server configuration.
func DefaultConfig() Config {
	return Config{
		Bind:         "localhost:6000",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the resource HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	introspector *Introspector
	dpop         *dpop.Verifier
	logger       *zap.Logger
	metrics      *metrics.Metrics
	config       Config
}

// New creates the resource server. The introspector is required; the DPoP
// verifier may be nil when proofs are neither required nor verified.
func New(cfg Config, introspector *Introspector, dpopVerifier *dpop.Verifier, m *metrics.Metrics, logger *zap.Logger) (*Server, error) {
	if introspector == nil {
		return nil, fmt.Errorf("introspector is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Bind == "" {
		cfg.Bind = DefaultConfig().Bind
	}
	if cfg.RequireDPoP && dpopVerifier == nil {
		dpopVerifier = dpop.NewVerifier(dpop.Config{})
	}

	s := &Server{
		router:       mux.NewRouter(),
		introspector: introspector,
		dpop:         dpopVerifier,
		logger:       logger,
		metrics:      m,
		config:       cfg,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Bind,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.corsMiddleware)

	s.router.HandleFunc("/health", s.healthHandler).Methods("GET")
	s.router.HandleFunc("/data", s.dataHandler).Methods("GET")
}

// Start begins serving.
func (s *Server) Start() error {
	s.logger.Info("Starting resource server",
		zap.String("bind", s.config.Bind),
		zap.Bool("dpop_required", s.config.RequireDPoP),
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down resource server")
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues("resource", statusClass(wrapped.statusCode)).Inc()
		}
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
				)
				writeJSONError(w, http.StatusInternalServerError, "server_error", "An unexpected error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, DPoP, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.config.CORSOrigins) == 0 {
		return true
	}
	for _, o := range s.config.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

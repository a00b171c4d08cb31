// Package main is the entry point for the delegation service: it runs the
// authorization, resource and management servers in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/adp-engine/go-core/internal/api/authserver"
	"github.com/adp-engine/go-core/internal/api/mgmt"
	"github.com/adp-engine/go-core/internal/api/resourceserver"
	"github.com/adp-engine/go-core/internal/audit"
	"github.com/adp-engine/go-core/internal/config"
	"github.com/adp-engine/go-core/internal/dpop"
	"github.com/adp-engine/go-core/internal/engine"
	"github.com/adp-engine/go-core/internal/idp"
	"github.com/adp-engine/go-core/internal/metrics"
	"github.com/adp-engine/go-core/internal/revocation"
	"github.com/adp-engine/go-core/internal/store"
	"github.com/adp-engine/go-core/internal/token"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath      = flag.String("config", "", "Path to YAML config file")
		logLevel        = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat       = flag.String("log-format", "", "Log format (json, console)")
		showVersion     = flag.Bool("version", false, "Show version information")
		gracefulTimeout = flag.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("delegation-server %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}

	logger, err := initLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("Starting delegation service",
		zap.String("version", Version),
		zap.String("auth_bind", cfg.AuthBind),
		zap.String("resource_bind", cfg.ResourceBind),
		zap.String("management_bind", cfg.ManagementBind),
	)

	st, err := store.Open(cfg.StateFile, logger.Named("store"))
	if err != nil {
		logger.Error("Failed to open state store", zap.Error(err))
		return 2
	}

	auditWriter := audit.NewWriter(audit.Config{Path: cfg.AuditFile}, logger.Named("audit"))
	if auditWriter != nil {
		st.SetActivitySink(auditWriter.Record)
		defer auditWriter.Close()
	}

	signer, err := token.NewSigner(cfg.JWTSecret, cfg.JWTAlgorithm, cfg.Issuer())
	if err != nil {
		logger.Error("Failed to create token signer", zap.Error(err))
		return 1
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, revocation accelerator disabled",
				zap.String("addr", cfg.RedisAddr), zap.Error(err))
			redisClient = nil
		}
		cancel()
	}
	blacklist := revocation.NewBlacklist(redisClient)

	m := metrics.New()

	eng, err := engine.New(engine.Config{
		DelegationTTL: cfg.DelegationTokenTTL(),
		AccessTTL:     cfg.AccessTokenTTL(),
	}, st, signer, blacklist, m, logger.Named("engine"))
	if err != nil {
		logger.Error("Failed to create delegation engine", zap.Error(err))
		return 1
	}

	var provider idp.Provider
	if cfg.IdPEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		oidcProvider, err := idp.New(ctx, idp.Config{
			IssuerURL:    cfg.OIDCIssuerURL,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			RedirectURL:  cfg.OIDCRedirectURI,
		}, logger.Named("idp"))
		cancel()
		if err != nil {
			logger.Error("Failed to configure identity provider", zap.Error(err))
			return 1
		}
		provider = oidcProvider
		logger.Info("Identity provider configured", zap.String("issuer", cfg.OIDCIssuerURL))
	}

	authCfg := authserver.DefaultConfig()
	authCfg.Bind = cfg.AuthBind
	authCfg.CORSOrigins = cfg.CORSOrigins
	authCfg.RateLimitPerMinute = cfg.RateLimitPerMinute
	authSrv, err := authserver.New(authCfg, eng, provider, []byte(cfg.JWTSecret), m, logger.Named("auth"))
	if err != nil {
		logger.Error("Failed to create authorization server", zap.Error(err))
		return 1
	}

	introspector, err := resourceserver.NewIntrospector(
		"http://"+cfg.AuthBind+"/introspect", logger.Named("introspect"))
	if err != nil {
		logger.Error("Failed to create introspection client", zap.Error(err))
		return 1
	}
	resourceCfg := resourceserver.DefaultConfig()
	resourceCfg.Bind = cfg.ResourceBind
	resourceCfg.RequireDPoP = cfg.RequireDPoP
	resourceCfg.CORSOrigins = cfg.CORSOrigins
	resourceSrv, err := resourceserver.New(resourceCfg, introspector,
		dpop.NewVerifier(dpop.Config{Logger: logger.Named("dpop")}), m, logger.Named("resource"))
	if err != nil {
		logger.Error("Failed to create resource server", zap.Error(err))
		return 1
	}

	mgmtCfg := mgmt.DefaultConfig()
	mgmtCfg.Bind = cfg.ManagementBind
	mgmtCfg.CORSOrigins = cfg.CORSOrigins
	mgmtSrv, err := mgmt.New(mgmtCfg, eng, m, logger.Named("mgmt"))
	if err != nil {
		logger.Error("Failed to create management server", zap.Error(err))
		return 1
	}

	errChan := make(chan error, 3)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() { errChan <- authSrv.Start() }()
	go func() { errChan <- resourceSrv.Start() }()
	go func() { errChan <- mgmtSrv.Start() }()

	select {
	case err := <-errChan:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", zap.Error(err))
			return 2
		}
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *gracefulTimeout)
	defer cancel()
	authSrv.Shutdown(ctx)
	resourceSrv.Shutdown(ctx)
	mgmtSrv.Shutdown(ctx)

	logger.Info("Delegation service stopped")
	return 0
}

// initLogger builds the zap logger from the configured level and format.
func initLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return cfg.Build()
}

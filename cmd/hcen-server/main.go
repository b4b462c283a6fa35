package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hcen/registry/internal/config"
	"github.com/hcen/registry/internal/domain/accesslog"
	"github.com/hcen/registry/internal/domain/accessrequest"
	"github.com/hcen/registry/internal/domain/documents"
	"github.com/hcen/registry/internal/domain/policy"
	"github.com/hcen/registry/internal/platform/apperr"
	"github.com/hcen/registry/internal/platform/auth"
	"github.com/hcen/registry/internal/platform/db"
	"github.com/hcen/registry/internal/platform/middleware"
	"github.com/hcen/registry/pkg/pagination"
)

const shutdownTimeout = 15 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "hcen-server",
		Short: "HCEN clinical document access registry",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serviceTokenCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the registry API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// newEvaluator returns the local policy store, or the remote registry when
// POLICY_SERVICE_URL is set, behind the failure-mode guard.
func newEvaluator(cfg *config.Config, local policy.Evaluator, logger zerolog.Logger) (*policy.GuardedEvaluator, error) {
	inner := local
	if cfg.PolicyServiceURL != "" {
		var opts []policy.RemoteOption
		if cfg.PolicyServiceToken != "" {
			opts = append(opts, policy.WithServiceToken(cfg.PolicyServiceToken))
		}
		remote, err := policy.NewRemoteEvaluator(cfg.PolicyServiceURL, cfg.PolicyServiceTimeout, opts...)
		if err != nil {
			return nil, err
		}
		inner = remote
		logger.Info().Str("url", cfg.PolicyServiceURL).Msg("using remote policy evaluator")
	}
	mode := policy.ParseFailureMode(cfg.EvaluatorFailureMode)
	if mode == policy.FailOpen {
		logger.Warn().Msg("policy evaluator fails open: evaluator errors grant access")
	}
	return policy.NewGuardedEvaluator(inner, mode, cfg.PolicyServiceTimeout, logger), nil
}

// newServiceVerifier returns nil when no public key is configured, in which
// case every presented service token is rejected.
func newServiceVerifier(cfg *config.Config) (*auth.ServiceVerifier, error) {
	key, err := cfg.ServiceTokenKey()
	if err != nil || key == nil {
		return nil, err
	}
	return auth.NewServiceVerifier(ed25519.PublicKey(key), cfg.ServiceTokenAudience)
}

func recorderConfig(cfg *config.Config) accesslog.RecorderConfig {
	rc := accesslog.DefaultRecorderConfig()
	rc.QueueSize = cfg.AuditQueueSize
	rc.Workers = cfg.AuditWorkers
	rc.MaxRetries = cfg.AuditMaxRetries
	rc.BaseDelay = cfg.AuditRetryBaseDelay
	return rc
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	// Audit dead letter: Redis when configured and reachable, log otherwise.
	var dead accesslog.DeadLetter = accesslog.NewLogDeadLetter(logger)
	if cfg.RedisURL != "" {
		rdb, err := accesslog.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, audit dead letters will be logged only")
		} else {
			defer rdb.Close()
			dead = accesslog.NewRedisDeadLetter(rdb, logger)
			logger.Info().Str("key", accesslog.DeadLetterKey).Msg("audit dead letter on redis")
		}
	}

	// Services
	auditSvc := accesslog.NewService(accesslog.NewRepoPG(pool), logger)
	recorder := accesslog.NewRecorder(auditSvc, dead, recorderConfig(cfg), logger)

	policySvc := policy.NewService(policy.NewRepoPG(pool), logger)
	eval, err := newEvaluator(cfg, policySvc, logger)
	if err != nil {
		return err
	}

	requestSvc := accessrequest.NewService(accessrequest.NewRepoPG(pool), policySvc, db.NewPoolTransactor(pool), logger)

	nodes, err := documents.LoadNodeRegistry(cfg.PeripheralNodesFile)
	if err != nil {
		return err
	}
	logger.Info().Int("nodes", nodes.Len()).Msg("peripheral node registry loaded")
	if cfg.DocumentFallbackTenant != "" {
		logger.Warn().Str("tenant", cfg.DocumentFallbackTenant).Msg("documents without a resolvable tenant use the fallback tenant")
	}
	docSvc := documents.NewService(
		documents.NewRepoPG(pool),
		eval,
		recorder,
		documents.NewTenantResolver(cfg.DocumentFallbackTenant),
		nodes,
		documents.NewPeripheralClient(cfg.PeripheralTimeout),
		logger,
	)

	verifier, err := newServiceVerifier(cfg)
	if err != nil {
		return err
	}
	if verifier == nil {
		logger.Warn().Msg("SERVICE_TOKEN_PUBLIC_KEY not set, trusted service callers disabled")
	}

	e := newEcho(cfg, logger, verifier)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	api := e.Group("")
	policy.NewHandler(policySvc, eval, recorder).RegisterRoutes(api)
	accessrequest.NewHandler(requestSvc).RegisterRoutes(api)
	accesslog.NewHandler(auditSvc).RegisterRoutes(api)
	documents.NewHandler(docSvc).RegisterRoutes(api)

	// The recorder outlives the listener so in-flight requests can still audit.
	recCtx, stopRecorder := context.WithCancel(context.Background())
	defer stopRecorder()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return recorder.Run(recCtx)
	})
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := e.Shutdown(shutdownCtx)
		stopRecorder()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger, verifier *auth.ServiceVerifier) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{
			echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderXRequestID,
			db.TenantHeader, auth.ServiceTokenHeader,
		},
		ExposeHeaders: []string{documents.TenantResolutionHeader, pagination.TotalCountHeader},
	}))
	e.Use(middleware.BodyLimit("1M"))

	e.Use(auth.ServiceTokenMiddleware(verifier, logger))
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth enabled: callers are taken from X-Dev-* headers")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSignKey),
			Skipper:    auth.AuthSkipper,
		}))
	}
	e.Use(db.TenantMiddleware())

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	e.Use(middleware.RateLimit(rl))
	// Document streams run until the client disconnects; PERIPHERAL_TIMEOUT bounds the node handshake.
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/documents/"))

	return e
}

// Package server wires the security core into an HTTP server
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/sentinel/internal/admission"
	"github.com/mbd888/sentinel/internal/audit"
	"github.com/mbd888/sentinel/internal/auth"
	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/cryptoutil"
	"github.com/mbd888/sentinel/internal/fraud"
	"github.com/mbd888/sentinel/internal/geo"
	"github.com/mbd888/sentinel/internal/health"
	"github.com/mbd888/sentinel/internal/idempotency"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/payments"
	"github.com/mbd888/sentinel/internal/ratelimit"
	"github.com/mbd888/sentinel/internal/realtime"
	"github.com/mbd888/sentinel/internal/redisconn"
	"github.com/mbd888/sentinel/internal/security"
	"github.com/mbd888/sentinel/internal/sweeper"
	"github.com/mbd888/sentinel/internal/traces"
	"github.com/mbd888/sentinel/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	db            *sql.DB       // nil if using in-memory
	redis         *redis.Client // nil without REDIS_URL
	mirror        *audit.ClickHouseWriter
	authMgr       *auth.Manager
	audit         *audit.Logger
	gate          *admission.Gate
	payments      *payments.Service
	processor     payments.Processor
	resolver      geo.Resolver
	sweeper       *sweeper.Sweeper
	realtimeHub   *realtime.Hub
	alerts        *webhooks.Dispatcher // nil without ALERT_WEBHOOK_URLS
	health        *health.Registry
	traceShutdown func(context.Context) error
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithProcessor replaces the simulated payment processor.
func WithProcessor(p payments.Processor) Option {
	return func(s *Server) {
		s.processor = p
	}
}

// WithResolver sets the IP geolocation resolver (for testing)
func WithResolver(r geo.Resolver) Option {
	return func(s *Server) {
		s.resolver = r
	}
}

// backends are the storage implementations chosen at startup.
type backends struct {
	rateLimit ratelimit.Store
	attempts  fraud.AttemptStore
	locations interface {
		fraud.LocationStore
		sweeper.Purger
	}
	idempotency idempotency.Backend
	events      audit.Store
	receipts    payments.ReceiptStore
	keys        auth.Store
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry().WithTimeout(cfg.StorageTimeout),
	}

	// Apply options first (may set logger/processor)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var b backends
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.health.Register("postgres", health.Ping("postgres", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		rl := ratelimit.NewPostgresStore(db)
		attempts := fraud.NewPostgresStore(db)
		idem := idempotency.NewPostgresBackend(db)
		events := audit.NewPostgresStore(db)
		receipts := payments.NewPostgresStore(db)
		keys := auth.NewPostgresStore(db)

		for _, m := range []struct {
			name string
			store migrator
		}{
			{"rate limit", rl}, {"fraud", attempts}, {"idempotency", idem},
			{"audit", events}, {"receipts", receipts}, {"auth", keys},
		} {
			if err := m.store.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate store", "store", m.name, "error", err)
			}
		}

		b = backends{
			rateLimit:   rl,
			attempts:    attempts,
			locations:   fraud.NewPostgresLocationStore(db),
			idempotency: idem,
			events:      events,
			receipts:    receipts,
			keys:        keys,
		}
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		b = backends{
			rateLimit:   ratelimit.NewMemoryStore(),
			attempts:    fraud.NewMemoryStore(),
			locations:   fraud.NewMemoryLocationStore(),
			idempotency: idempotency.NewMemoryBackend(),
			events:      audit.NewMemoryStore(),
			receipts:    payments.NewMemoryStore(),
			keys:        auth.NewMemoryStore(),
		}
	}

	var idemOpts []idempotency.Option
	if cfg.RedisURL != "" {
		client, err := redisconn.Connect(ctx, cfg.RedisURL)
		if err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.health.Register("redis", health.Ping("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		b.rateLimit = ratelimit.NewRedisStore(client)

		lease := cfg.Security.OperationTimeout + 2*cfg.StorageTimeout
		idemOpts = append(idemOpts, idempotency.WithLocker(idempotency.NewRedisLocker(client, lease, cfg.Security.OperationTimeout)))
		s.logger.Info("redis enabled", "rate_limit", "redis", "idempotency_lock", "redis")
	}

	if cfg.EncryptionKey != "" {
		cipher, err := cryptoutil.NewCipher(cfg.EncryptionKey)
		if err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("invalid ENCRYPTION_KEY: %w", err)
		}
		idemOpts = append(idemOpts, idempotency.WithCipher(cipher))
		s.logger.Info("idempotent responses encrypted at rest")
	}

	if err := s.wire(ctx, cfg, b, idemOpts); err != nil {
		s.closeStorage()
		return nil, err
	}

	// Setup router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// wire builds the security core over the chosen backends.
func (s *Server) wire(ctx context.Context, cfg *config.Config, b backends, idemOpts []idempotency.Option) error {
	sec := cfg.Security

	// Live feed and analytics mirror receive every persisted event
	s.realtimeHub = realtime.NewHub(s.logger, cfg.CORSAllowedOrigins...)
	s.audit = audit.NewLogger(b.events, cfg.StorageTimeout, s.logger, s.realtimeHub)

	if cfg.ClickHouseDSN != "" {
		mirror, err := audit.NewClickHouseWriter(ctx, cfg.ClickHouseDSN, s.logger)
		if err != nil {
			s.logger.Warn("clickhouse mirror disabled", "error", err)
		} else {
			s.mirror = mirror
			s.audit.AddSink(mirror)
			s.health.Register("clickhouse", health.Ping("clickhouse", mirror.Ping))
			s.logger.Info("security events mirrored to clickhouse")
		}
	}
	if len(cfg.AlertWebhookURLs) > 0 {
		alerts, err := webhooks.NewDispatcher(webhooks.Config{
			URLs:    cfg.AlertWebhookURLs,
			Secret:  cfg.AlertWebhookSecret,
			Actions: cfg.AlertActions,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("failed to configure alert webhooks: %w", err)
		}
		s.alerts = alerts
		s.audit.AddSink(alerts)
		s.logger.Info("security alerts enabled", "endpoints", len(cfg.AlertWebhookURLs))
	}

	limiter := ratelimit.New(b.rateLimit, ratelimit.Config{
		MaxAttempts:    sec.RateLimitAttempts,
		Window:         sec.RateLimitWindow,
		StorageTimeout: cfg.StorageTimeout,
		CountRejected:  sec.RateLimitCountRejected,
	}, s.logger)

	if s.resolver == nil {
		s.resolver = geo.NopResolver{}
		if cfg.GeoIPURL != "" {
			s.resolver = geo.NewHTTPResolver(cfg.GeoIPURL, cfg.GeoIPTimeout)
			s.logger.Info("geolocation enabled", "url", cfg.GeoIPURL)
		}
	}

	engine, err := fraud.NewEngine(b.attempts, b.locations, s.resolver, fraud.ConfigFromSecurity(sec, cfg.StorageTimeout), s.logger)
	if err != nil {
		return fmt.Errorf("failed to create fraud engine: %w", err)
	}

	idem := idempotency.New(b.idempotency, idempotency.Config{
		TTL:              sec.IdempotencyTTL,
		OperationTimeout: sec.OperationTimeout,
		StorageTimeout:   cfg.StorageTimeout,
	}, s.logger, idemOpts...)

	s.gate, err = admission.New(admission.Deps{
		Limiter:     limiter,
		Fraud:       engine,
		Idempotency: idem,
		Audit:       s.audit,
		Security:    sec,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create admission gate: %w", err)
	}

	if s.processor == nil && cfg.StripeSecretKey != "" {
		stripeProc, err := payments.NewStripeProcessor(cfg.StripeSecretKey, cfg.StripePaymentMethod, nil)
		if err != nil {
			return fmt.Errorf("failed to configure stripe: %w", err)
		}
		s.processor = stripeProc
		s.logger.Info("payments processed through stripe")
	}
	if s.processor == nil {
		s.processor = payments.NewSimulatedProcessor(0)
	}
	s.payments, err = payments.NewService(payments.Deps{
		Idempotency:        idem,
		Processor:          s.processor,
		Limiter:            limiter,
		Receipts:           b.receipts,
		Signer:             cryptoutil.NewSigner(cfg.ReceiptHMACSecret),
		Audit:              s.audit,
		RateLimitAttempts:  sec.RateLimitAttempts,
		RateLimitWindow:    sec.RateLimitWindow,
		TimestampTolerance: sec.TimestampTolerance,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create payment service: %w", err)
	}

	s.authMgr = auth.NewManager(b.keys)

	s.sweeper = sweeper.New(cfg.SweepInterval, s.logger,
		sweeper.Target{Table: "idempotency_keys", Purger: idem},
		sweeper.Target{Table: "rate_limit_attempts", Retention: sec.RateLimitRetention, Purger: limiter},
		sweeper.Target{Table: "fraud_attempts", Retention: sec.FraudRetention, Purger: engine},
		sweeper.Target{Table: "actor_locations", Retention: sec.FraudRetention, Purger: b.locations},
		sweeper.Target{Table: "security_events", Retention: sec.AuditRetention, Purger: s.audit},
	)
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers on every response, not only gated routes
	s.router.Use(security.HeadersMiddleware(security.NewHeaderSet(s.cfg.Security.Headers, s.cfg.Security.HSTS)))

	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.TraceID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground starts the feed hub, the retention sweeper, the alert
// dispatcher and the pool stats collector. They stop when ctx is cancelled.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.sweeper.Start(ctx)
	if s.alerts != nil {
		go s.alerts.Run(ctx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweeper, collector)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweeper.Stop()
	s.logger.Info("sweeper stopped")

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	s.closeStorage()
	s.logger.Info("server stopped")
	return nil
}

// closeStorage flushes the analytics mirror and closes every connection.
func (s *Server) closeStorage() {
	if s.mirror != nil {
		if err := s.mirror.Close(); err != nil {
			s.logger.Error("clickhouse close error", "error", err)
		}
		s.mirror = nil
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.redis = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Sweeper exposes the retention sweeper for one-off runs.
func (s *Server) Sweeper() *sweeper.Sweeper {
	return s.sweeper
}

// Package server sets up the gateway HTTP server and wires the protection chain
package server

import (
	"context"
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
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/shieldgate/internal/analytics"
	"github.com/mbd888/shieldgate/internal/circuitbreaker"
	"github.com/mbd888/shieldgate/internal/config"
	"github.com/mbd888/shieldgate/internal/counter"
	"github.com/mbd888/shieldgate/internal/health"
	"github.com/mbd888/shieldgate/internal/logging"
	"github.com/mbd888/shieldgate/internal/metrics"
	"github.com/mbd888/shieldgate/internal/protection"
	"github.com/mbd888/shieldgate/internal/security"
	"github.com/mbd888/shieldgate/internal/traces"
)

// Version is reported by the health endpoint; set from main.
var Version = "dev"

const analyticsBuffer = 1024

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg      *config.Config
	router   *gin.Engine
	httpSrv  *http.Server
	logger   *slog.Logger
	health   *health.Registry
	counters *counter.Store
	sweeper  *counter.Sweeper
	breaker  *circuitbreaker.Breaker
	catalog  *protection.Catalog
	adapter  *protection.Adapter

	recorder      analytics.Recorder
	asyncRecorder *analytics.AsyncRecorder
	redis         *redis.Client // nil when analytics are in-memory
	upstream      protection.Decider

	tracesShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithRecorder replaces the analytics sink (for testing)
func WithRecorder(rec analytics.Recorder) Option {
	return func(s *Server) {
		s.recorder = rec
	}
}

// WithUpstream replaces the protection provider client (for testing)
func WithUpstream(d protection.Decider) Option {
	return func(s *Server) {
		s.upstream = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Rule sets are compiled once; a malformed set aborts startup.
	catalog, err := buildCatalog(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build rule sets: %w", err)
	}
	s.catalog = catalog
	for _, rs := range catalog.Sets() {
		s.logger.Info("rule set loaded", "name", rs.Name, "paths", rs.Paths, "rules", rs.Len())
	}

	// Counter store and its sweeper
	s.counters = counter.New(counter.WithMaxEntries(cfg.CounterMaxEntries))
	s.sweeper = counter.NewSweeper(s.counters, cfg.CounterSweepInterval, s.logger)

	// Circuit breaker around the upstream provider
	s.breaker = circuitbreaker.New(cfg.BreakerFailureThreshold, cfg.BreakerResetTimeout,
		circuitbreaker.WithName("protection_provider"))
	s.breaker.OnTransition(func(from, to circuitbreaker.State) {
		s.logger.Warn("protection provider breaker transition",
			"breaker", s.breaker.Name(),
			"from", from.String(),
			"to", to.String(),
		)
	})

	// Live provider only when credentials are present; otherwise the
	// adapter runs permanently in fallback.
	engine := protection.NewEngine(s.logger)
	local := protection.NewLocalDetector(s.counters)
	var live protection.Provider
	if s.upstream == nil && cfg.ProviderConfigured() {
		client, err := protection.NewClient(protection.ClientConfig{
			Endpoint: cfg.ProtectionEndpoint,
			APIKey:   cfg.ProtectionAPIKey,
			SiteID:   cfg.ProtectionSiteID,
			Timeout:  cfg.ProtectionTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create protection client: %w", err)
		}
		s.upstream = client
	}
	if s.upstream != nil {
		live = protection.NewLiveProvider(s.upstream, engine, local)
	} else {
		s.logger.Warn("protection provider not configured, using local fallback only")
	}
	s.adapter = protection.NewAdapter(live, protection.NewFallbackProvider(engine, local), s.breaker, s.logger)

	metrics.SetFlag(metrics.ProtectionEnforced, cfg.Enforce())
	metrics.SetFlag(metrics.ProviderConfigured, live != nil)

	// Analytics sink (Redis if REDIS_URL set, otherwise in-memory)
	if s.recorder == nil {
		if cfg.RedisURL != "" {
			rdb, err := analytics.Connect(ctx, cfg.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to redis: %w", err)
			}
			s.redis = rdb
			s.asyncRecorder = analytics.NewAsyncRecorder(analytics.NewRedisRecorder(rdb), analyticsBuffer, s.logger)
			s.recorder = s.asyncRecorder
			s.logger.Info("analytics sink: redis")
		} else {
			s.recorder = analytics.NewMemoryRecorder()
			s.logger.Info("analytics sink: in-memory")
		}
	}

	s.registerHealthChecks()

	s.router = gin.New()
	// Rate-limit keys come from ClientIP; only listed proxies may override
	// the socket address with X-Forwarded-For.
	if err := s.router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}
	s.setupMiddleware()
	if err := s.setupRoutes(); err != nil {
		return nil, err
	}

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) registerHealthChecks() {
	s.health.Register(s.breaker.Name(), health.BreakerCheck(s.breaker.Name(), func() string {
		if !s.adapter.Live() {
			return "unconfigured"
		}
		return s.breaker.State().String()
	}))
	s.health.Register("counter_store", health.CapacityCheck("counter_store", s.counters.Size, s.cfg.CounterMaxEntries))
	if s.redis != nil {
		s.health.Register("analytics", health.PingCheck("analytics", redisPinger{s.redis}, true))
	}
}

type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

// setupMiddleware installs the chain in order: recovery, request id, logging,
// metrics, analytics, protection. Analytics sits before protection so it
// observes the decision after the rest of the chain has run.
func (s *Server) setupMiddleware() {
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

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(analytics.Middleware(s.recorder, s.logger))

	s.router.Use(protection.NewMiddleware(protection.MiddlewareConfig{
		Evaluator:            s.adapter,
		Catalog:              s.catalog,
		Enforce:              s.cfg.Enforce(),
		ExemptPaths:          append(append([]string(nil), protection.DefaultExemptPaths...), adminPrefix+"/*"),
		CountryHeader:        s.cfg.CountryHeader,
		TrustIdentityHeaders: s.cfg.TrustIdentityHeaders,
		MaxBodyBytes:         s.cfg.ProtectionMaxBodyBytes,
		Logger:               s.logger,
	}).Handler())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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
		if d, ok := protection.DecisionFrom(c); ok {
			attrs = append(attrs, "decision_id", d.ID, "decision_source", d.Source)
			if !d.Allowed {
				attrs = append(attrs, "reason", d.Reason, "rule_id", d.RuleID)
			}
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
// Routes
// -----------------------------------------------------------------------------

const adminPrefix = "/admin"

func (s *Server) setupRoutes() error {
	// Gateway-owned endpoints carry API security headers; proxied responses
	// keep whatever the upstream application sets.
	own := s.router.Group("", security.HeadersMiddleware())
	own.GET("/health", s.healthHandler)
	own.GET("/health/live", s.livenessHandler)
	own.GET("/health/ready", s.readinessHandler)
	own.GET("/metrics", metrics.Handler())

	admin := own.Group(adminPrefix, protection.RequireAdmin(s.cfg.AdminSecret))
	protection.NewHandler(s.breaker, s.catalog, s.adapter.Live()).RegisterRoutes(admin)
	if mem, ok := s.recorder.(*analytics.MemoryRecorder); ok {
		admin.GET("/protection/analytics", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"total":     mem.Total(),
				"bySource":  mem.BySource(),
				"byReason":  mem.ByReason(),
				"byRoute":   mem.ByRoute(),
				"byRuleSet": mem.ByRuleSet(),
				"hits":      mem.Hits(),
			})
		})
	}

	// Everything else is the fronted application.
	if s.cfg.UpstreamURL != "" {
		target, err := url.Parse(s.cfg.UpstreamURL)
		if err != nil {
			return fmt.Errorf("invalid UPSTREAM_URL: %w", err)
		}
		s.router.NoRoute(upstreamHandler(target, s.logger))
	} else {
		s.router.NoRoute(stubHandler)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	_, checks := s.health.CheckAll(ctx)
	status := health.Summarize(checks)

	httpStatus := http.StatusOK
	if status == health.StatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Error("tracing init failed, continuing without traces", "error", err)
	} else {
		s.tracesShutdown = shutdownTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"enforce", s.cfg.Enforce(),
			"provider_live", s.adapter.Live(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.sweeper.Start(runCtx)
	if s.asyncRecorder != nil {
		s.asyncRecorder.Start()
	}
	go metrics.StartRuntimeCollector(runCtx, 15*time.Second)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.stopBackground()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if !s.cfg.IsDevelopment() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.stopBackground()

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// stopBackground stops the sweeper and drains analytics. In-flight requests
// must be finished before the recorder is stopped.
func (s *Server) stopBackground() {
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.sweeper.Stop()
	s.logger.Info("counter sweeper stopped")

	if s.asyncRecorder != nil {
		s.asyncRecorder.Stop()
		s.logger.Info("analytics recorder drained")
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.redis = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/contagion/internal/auth"
	"github.com/mbd888/contagion/internal/config"
	"github.com/mbd888/contagion/internal/engine"
	"github.com/mbd888/contagion/internal/graph"
	"github.com/mbd888/contagion/internal/health"
	"github.com/mbd888/contagion/internal/idgen"
	"github.com/mbd888/contagion/internal/logging"
	"github.com/mbd888/contagion/internal/metrics"
	"github.com/mbd888/contagion/internal/pipeline"
	"github.com/mbd888/contagion/internal/ratelimit"
	"github.com/mbd888/contagion/internal/realtime"
	"github.com/mbd888/contagion/internal/risk"
	"github.com/mbd888/contagion/internal/security"
	"github.com/mbd888/contagion/internal/simulation"
	"github.com/mbd888/contagion/internal/validation"
	"github.com/mbd888/contagion/internal/webhooks"
)

// Version is reported by the health endpoint.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	engine      *engine.Engine
	realtimeHub *realtime.Hub
	dispatcher  *webhooks.Dispatcher
	scheduler   *pipeline.Scheduler
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	engineOpts  []engine.Option
	drainDelay  time.Duration

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithStore serves an existing graph store instead of opening the
// configured backend (for testing).
func WithStore(store graph.Store) Option {
	return func(s *Server) {
		s.engineOpts = append(s.engineOpts, engine.WithStore(store))
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	eng, err := engine.Open(ctx, cfg, s.logger, s.engineOpts...)
	if err != nil {
		return nil, err
	}
	s.engine = eng

	// Realtime hub and alert webhooks receive every rescore and pipeline summary
	s.realtimeHub = realtime.NewHub(s.logger)
	s.dispatcher = webhooks.NewDispatcher(eng.Webhooks, s.logger)
	eng.Pipeline.WithNotifier(pipeline.Notifiers{
		s.realtimeHub,
		webhooks.NewEmitter(s.dispatcher, s.logger),
	})

	if cfg.PipelineSchedule != "" {
		sched, err := pipeline.NewScheduler(eng.Pipeline, cfg.PipelineSchedule, s.logger)
		if err != nil {
			_ = eng.Close()
			return nil, err
		}
		s.scheduler = sched
	}

	s.checks = health.NewRegistry(0)
	s.checks.Register("graph", health.PingChecker("graph", eng.Store))
	if eng.Redis != nil {
		s.checks.Register("hop_cache", func(ctx context.Context) health.Status {
			if err := eng.Redis.Ping(ctx).Err(); err != nil {
				return health.Status{Healthy: false, Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Request ID before the limiter so rejected requests are traceable too
	s.router.Use(s.requestIDMiddleware())

	if s.cfg.RateLimitRPM > 0 {
		rl := ratelimit.DefaultConfig()
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
		rl.BurstSize = max(rl.BurstSize, s.cfg.RateLimitRPM/10)
		s.rateLimiter = ratelimit.New(rl)
		s.router.Use(s.rateLimiter.Middleware())
	}

	s.router.Use(metrics.Middleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.WithPrefix(idgen.PrefixRequest)
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Debug("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time risk updates
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	keys := auth.NewKeyring(s.cfg.APIKeys)
	v1.Use(auth.Middleware(keys), auth.RequireWrite(keys))
	v1.Use(validation.AccountParamMiddleware())

	graph.NewHandler(s.engine.Store).RegisterRoutes(v1)
	risk.NewHandler(s.engine.Risk).RegisterRoutes(v1)
	simulation.NewHandler(s.engine.Simulator).RegisterRoutes(v1)
	pipeline.NewHandler(s.engine.Pipeline).RegisterRoutes(v1)
	webhooks.NewHandler(s.engine.Webhooks).RegisterRoutes(v1)
	v1.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	s.router.GET("/", s.infoHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Backend   string          `json:"backend"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Backend:   s.cfg.GraphBackend,
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

func (s *Server) infoHandler(c *gin.Context) {
	info := gin.H{
		"name":    "contagion",
		"version": Version,
		"backend": s.cfg.GraphBackend,
		"scoring": s.engine.Risk.Config(),
	}
	if s.scheduler != nil {
		info["nextPipelineRun"] = s.scheduler.Next()
	}
	c.JSON(http.StatusOK, info)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Background goroutines stop when Shutdown cancels this context
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second, // simulations over large graphs
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"backend", s.cfg.GraphBackend,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.scheduler != nil {
		s.scheduler.Start(runCtx)
	}

	if s.engine.DB != nil {
		go metrics.StartDBStatsCollector(runCtx, s.engine.DB, 15*time.Second)
	}

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
		_ = s.Shutdown()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.scheduler != nil {
		s.scheduler.Stop()
		s.logger.Info("pipeline scheduler stopped")
	}

	// An API-triggered run may still be writing
	s.engine.Pipeline.Wait()
	s.dispatcher.Wait()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.engine.Close(); err != nil {
		s.logger.Error("graph store close error", "error", err)
	} else {
		s.logger.Info("graph store closed")
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the scoring engine the server serves.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

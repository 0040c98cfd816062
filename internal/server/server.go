package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aman-churiwal/admission-control/internal/admission"
	"github.com/aman-churiwal/admission-control/internal/analytics"
	"github.com/aman-churiwal/admission-control/internal/circuitbreaker"
	"github.com/aman-churiwal/admission-control/internal/config"
	"github.com/aman-churiwal/admission-control/internal/handler"
	"github.com/aman-churiwal/admission-control/internal/healthcheck"
	"github.com/aman-churiwal/admission-control/internal/middleware"
	"github.com/aman-churiwal/admission-control/internal/policy"
	"github.com/aman-churiwal/admission-control/internal/ratelimit"
	"github.com/aman-churiwal/admission-control/internal/repository"
	"github.com/aman-churiwal/admission-control/internal/service"
	"github.com/aman-churiwal/admission-control/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const archiveCleanupInterval = 24 * time.Hour

type Server struct {
	router   *gin.Engine
	config   *config.Config
	logger   *slog.Logger
	redis    *storage.RedisClient
	postgres *storage.Postgres

	engine      *admission.Engine
	overrides   *policy.OverrideStore
	memoryStore *ratelimit.MemoryStore
	breaker     *circuitbreaker.Breaker
	health      *healthcheck.Checker
	recorder    *analytics.Recorder
	metricsReg  *prometheus.Registry

	authService      *service.AuthService
	adminService     *service.AdminService
	analyticsService *service.AnalyticsService

	httpServer *http.Server
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// redis is required for the redis backend; postgres is optional
func New(cfg *config.Config, redis *storage.RedisClient, postgres *storage.Postgres, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry, err := cfg.RateLimit.Registry()
	if err != nil {
		return nil, fmt.Errorf("build policy registry: %w", err)
	}

	s := &Server{
		router:     gin.New(),
		config:     cfg,
		logger:     logger,
		redis:      redis,
		postgres:   postgres,
		overrides:  policy.NewOverrideStore(),
		metricsReg: prometheus.NewRegistry(),
	}
	s.metricsReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := admission.NewMetrics(s.metricsReg)

	var store ratelimit.CounterStore
	switch cfg.RateLimit.Backend {
	case "redis":
		if redis == nil {
			return nil, errors.New("redis backend selected but no redis client was provided")
		}
		store = ratelimit.NewRedisStore(redis)
	default:
		logger.Warn("using in-memory counter store; limits are per instance")
		s.memoryStore = ratelimit.NewMemoryStore()
		store = s.memoryStore
	}

	// Decision archive
	var archive service.DecisionArchive
	recorderOpts := []analytics.Option{analytics.WithLogger(logger)}
	if postgres != nil && cfg.Analytics.Archive {
		decisionRepo := repository.NewDecisionLogRepository(postgres)
		archive = decisionRepo
		recorderOpts = append(recorderOpts, analytics.WithSink(decisionRepo, cfg.Analytics.ArchiveQueue))
	}
	s.recorder = analytics.NewRecorder(cfg.Analytics.Capacity, recorderOpts...)

	engineOpts := []admission.Option{
		admission.WithObserver(s.recorder),
		admission.WithMetrics(metrics),
		admission.WithLogger(logger),
		admission.WithStoreTimeout(cfg.RateLimit.StoreTimeout),
	}
	if cfg.RateLimit.Breaker.Enabled {
		s.breaker = circuitbreaker.New(circuitbreaker.Config{
			MaxFailures: cfg.RateLimit.Breaker.MaxFailures,
			OpenTimeout: cfg.RateLimit.Breaker.OpenTimeout,
			OnStateChange: func(from, to circuitbreaker.State) {
				metrics.SetCircuitState(int(to))
				logger.Warn("counter store circuit changed state", "from", from.String(), "to", to.String())
			},
		})
		engineOpts = append(engineOpts, admission.WithBreaker(s.breaker))
	}
	s.engine = admission.NewEngine(registry, s.overrides, store, engineOpts...)

	// Durable admin state
	var policyStore service.PolicyStore
	if postgres != nil {
		policyStore = repository.NewPolicyRepository(postgres)
	}

	s.authService = service.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.ExpiryHours)
	s.adminService = service.NewAdminService(s.engine, policyStore, logger)
	s.analyticsService = service.NewAnalyticsService(s.recorder, archive)

	probes := make(map[string]healthcheck.Probe)
	if redis != nil {
		probes["redis"] = redis.Ping
	}
	if postgres != nil {
		probes["postgres"] = postgres.Ping
	}
	s.health = healthcheck.NewChecker(&healthcheck.Config{Probes: probes, Logger: logger})

	if !s.authService.Enabled() {
		logger.Warn("auth.jwt_secret is not set; all callers are anonymous and /admin is unauthenticated")
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// Loads durable admin state and starts the background workers
func (s *Server) Start(ctx context.Context) error {
	if err := s.adminService.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap admin state: %w", err)
	}

	ctx, s.cancel = context.WithCancel(ctx)

	s.adminService.StartSync(ctx, s.config.Postgres.SyncInterval)
	s.overrides.StartSweeper(ctx, s.config.RateLimit.SweepInterval, time.Now)
	if s.memoryStore != nil {
		s.memoryStore.StartCleanup(ctx, time.Minute)
	}
	s.health.Start()

	if s.config.Analytics.Archive && s.postgres != nil {
		s.wg.Add(1)
		go s.runArchiveCleanup(ctx)
	}

	return nil
}

func (s *Server) runArchiveCleanup(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(archiveCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deleted, err := s.analyticsService.CleanupArchive(ctx, s.config.Analytics.RetentionDays)
			if err != nil {
				s.logger.Warn("archive cleanup failed", "error", err)
				continue
			}
			s.logger.Info("archive cleanup complete", "deleted", deleted)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Identity(s.authService))
}

func (s *Server) setupRoutes() {
	system := handler.NewSystemHandler(s.breaker, s.health)
	gateCfg := middleware.GateConfig{
		HealthPaths:      s.config.Gate.HealthPaths,
		StaticPrefixes:   s.config.Gate.StaticPrefixes,
		CriticalPaths:    s.config.Gate.CriticalPaths,
		ExemptRoles:      s.config.Gate.ExemptRoles,
		EndpointPrefixes: s.config.Gate.PrefixMap(),
	}

	check := handler.NewCheckHandler(s.engine, s.authService, gateCfg)
	admin := handler.NewAdminHandler(s.adminService)
	stats := handler.NewAnalyticsHandler(s.analyticsService)

	s.router.GET("/health", system.Health)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metricsReg, promhttp.HandlerOpts{})))

	// Collaborators enforce this verdict themselves, so it is not gated
	s.router.POST("/v1/check", check.Check)

	gate := middleware.AdmissionGate(s.engine, gateCfg, s.logger)

	adminGroup := s.router.Group("/admin", gate, middleware.RequireRole(s.authService, "admin"))
	{
		adminGroup.GET("/status", s.adminStatus)
		adminGroup.GET("/tiers", admin.ListTiers)
		adminGroup.GET("/explain", admin.Explain)

		adminGroup.GET("/overrides", admin.ListOverrides)
		adminGroup.PUT("/overrides/:subject", admin.SetOverride)
		adminGroup.DELETE("/overrides/:subject", admin.RemoveOverride)

		adminGroup.GET("/endpoints", admin.ListEndpointPolicies)
		adminGroup.PUT("/endpoints/:endpoint", admin.UpsertEndpointPolicy)
		adminGroup.DELETE("/endpoints/:endpoint", admin.RemoveEndpointPolicy)

		adminGroup.GET("/counters/:policy/:subject", admin.CounterStatus)
		adminGroup.DELETE("/counters/:policy/:subject", admin.ResetCounter)

		adminGroup.GET("/analytics", stats.GetStatistics)
		adminGroup.DELETE("/analytics", stats.Purge)
		adminGroup.GET("/analytics/blocked", stats.GetRecentBlocked)
		adminGroup.GET("/analytics/offenders", stats.GetOffenders)
		adminGroup.GET("/analytics/archive", stats.GetArchiveSummary)
		adminGroup.GET("/analytics/archive/decisions", stats.GetArchivedDecisions)

		adminGroup.GET("/system/circuit-breaker", system.CircuitBreakerStatus)
		adminGroup.POST("/system/circuit-breaker/reset", system.ResetCircuitBreaker)
	}
}

func (s *Server) adminStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"gateway":          "running",
		"backend":          s.config.RateLimit.Backend,
		"tiers":            len(s.adminService.Tiers()),
		"endpoints":        len(s.adminService.ListEndpointPolicies()),
		"overrides":        len(s.adminService.ListOverrides()),
		"recorded_events":  s.recorder.Len(),
		"event_capacity":   s.recorder.Capacity(),
		"dropped_archives": s.recorder.Dropped(),
		"uptime":           time.Since(startTime).Seconds(),
		"timestamp":        time.Now().Unix(),
	})
}

func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	s.logger.Info("starting admission gateway", "addr", addr, "backend", s.config.RateLimit.Backend)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stops accepting requests, then stops the workers and flushes the archive
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.adminService.Stop()
	s.overrides.Stop()
	if s.memoryStore != nil {
		s.memoryStore.Stop()
	}
	s.health.Stop()
	s.recorder.Close()

	return err
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

var startTime = time.Now()

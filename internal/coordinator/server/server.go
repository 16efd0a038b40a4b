package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/inferflow-go/internal/coordinator/hub"
	"github.com/inferflow-go/internal/coordinator/proxy"
	"github.com/inferflow-go/internal/coordinator/registry"
	"github.com/inferflow-go/pkg/config"
	"github.com/inferflow-go/pkg/events"
	"github.com/inferflow-go/pkg/logger"
	"github.com/inferflow-go/pkg/metrics"
	"github.com/inferflow-go/pkg/ratelimit"
	"github.com/inferflow-go/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
)

// Server is the coordinator process: registry, HTTP surface, table hub, and
// the background scanner.
type Server struct {
	config     *config.Config
	logger     logger.Logger
	httpServer *http.Server
	registry   *registry.Registry
	hub        *hub.Hub
	eventBus   events.EventBus
	telemetry  *telemetry.Telemetry
	scanner    *cron.Cron
}

func New(cfg *config.Config, log logger.Logger) (*Server, error) {
	// Event bus: Kafka when kafka.enabled is set, in-process otherwise.
	var eventBus events.EventBus
	if cfg.Kafka.Enabled {
		bus, err := events.NewKafkaEventBus(cfg.Kafka.ToKafkaConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create event bus: %w", err)
		}
		eventBus = bus
	} else {
		eventBus = events.NewInMemoryEventBus()
	}

	tel, err := telemetry.New(cfg.Telemetry.ToTelemetryConfig("inferflow-coordinator"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	reg := registry.New(registry.Config{
		LivenessWindow: cfg.Registry.LivenessWindowDuration(),
		MinVRAMMiB:     cfg.Registry.MinVRAMMiB,
	}, eventBus, log)

	tableHub := hub.NewHub(log)
	proxyClient := proxy.NewClient(log)
	handlers := NewHandlers(reg, proxyClient, tableHub, log)

	router := setupRouter(handlers, cfg, tel, log)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Secondary scanner: eviction is lazy inside Select; between predictions
	// the cron sweep removes stale records and, when it evicted any, pushes
	// the new table to websocket subscribers.
	scanner := cron.New()
	spec := fmt.Sprintf("@every %s", cfg.Registry.ScanIntervalDuration())
	if _, err := scanner.AddFunc(spec, func() {
		if n := reg.Scan(); n > 0 {
			tableHub.BroadcastWorkers(reg.ListActive())
		}
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule registry scan: %w", err)
	}

	return &Server{
		config:     cfg,
		logger:     log,
		httpServer: httpServer,
		registry:   reg,
		hub:        tableHub,
		eventBus:   eventBus,
		telemetry:  tel,
		scanner:    scanner,
	}, nil
}

func setupRouter(h *Handlers, cfg *config.Config, tel *telemetry.Telemetry, log logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(loggingMiddleware(log))
	router.Use(metricsMiddleware("coordinator"))
	if cfg.Telemetry.Enabled {
		router.Use(tel.HTTPMiddleware())
	}

	router.GET("/health/live", h.HealthLive)
	router.GET("/health/ready", h.HealthReady)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/register", h.Register)
	router.POST("/heartbeat/:id", h.Heartbeat)
	router.GET("/clients", h.ListClients)
	router.GET("/ws", h.ServeWS)

	predict := router.Group("/")
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.NewTokenBucketLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		predict.Use(ratelimit.Middleware(limiter, ratelimit.IPKeyFunc))
	}
	predict.POST("/predict", h.Predict)

	return router
}

// Registry exposes the registry for tests and embedding.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

func (s *Server) Start() error {
	go s.hub.Run()
	s.scanner.Start()

	s.logger.Info("Starting coordinator HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down coordinator...")

	scanCtx := s.scanner.Stop()
	select {
	case <-scanCtx.Done():
	case <-ctx.Done():
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	if err := s.eventBus.Close(); err != nil {
		s.logger.Error("Failed to close event bus", "error", err)
	}

	if err := s.telemetry.Close(); err != nil {
		s.logger.Error("Failed to close telemetry", "error", err)
	}

	return nil
}

// Middleware functions
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func loggingMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info("HTTP Request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"ip", c.ClientIP(),
		)
	}
}

func metricsMiddleware(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		metrics.RecordHTTPRequest(service, c.Request.Method, path, strconv.Itoa(c.Writer.Status()))
		metrics.RecordHTTPDuration(service, c.Request.Method, path, time.Since(start).Seconds())
	}
}

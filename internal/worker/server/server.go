package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/inferflow-go/internal/protocol"
	"github.com/inferflow-go/internal/worker/agent"
	"github.com/inferflow-go/pkg/config"
	"github.com/inferflow-go/pkg/logger"
	"github.com/inferflow-go/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the worker's serving endpoint: /predict, /health, /status. It
// runs on the gin pool, independent of the agent's heartbeat goroutine.
type Server struct {
	config     *config.Config
	logger     logger.Logger
	httpServer *http.Server
	agent      *agent.Agent
}

func New(cfg *config.Config, a *agent.Agent, log logger.Logger) *Server {
	router := setupRouter(a, log)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Worker.Port),
		Handler: router,
		// No WriteTimeout: inference can legitimately run for minutes.
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
	}

	return &Server{
		config:     cfg,
		logger:     log,
		httpServer: httpServer,
		agent:      a,
	}
}

func setupRouter(a *agent.Agent, log logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(loggingMiddleware(log))
	router.Use(metricsMiddleware("worker"))

	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.StatusReport())
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/predict", func(c *gin.Context) {
		var req protocol.PredictionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			perr := protocol.NewInvalidRequest("invalid request body: " + err.Error())
			c.JSON(perr.Status, perr)
			return
		}
		if err := req.Validate(); err != nil {
			perr := protocol.AsPredictionError(err)
			c.JSON(perr.Status, perr)
			return
		}

		resp := a.HandlePredict(c.Request.Context(), req)
		c.JSON(http.StatusOK, resp)
	})

	return router
}

// Start serves until shutdown. A listen failure is non-recoverable for the
// agent.
func (s *Server) Start() error {
	s.logger.Info("Starting worker HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.agent.MarkFailed()
		return fmt.Errorf("failed to start worker HTTP server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests then terminates.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down worker server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown worker HTTP server: %w", err)
	}
	return nil
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

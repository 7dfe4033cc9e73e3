package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kumarabd/gokit/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/houyuxi012/auditplane/internal/metrics"
	"github.com/houyuxi012/auditplane/pkg/query"
	"github.com/houyuxi012/auditplane/pkg/record"
	"github.com/houyuxi012/auditplane/pkg/sanitize"
	"github.com/houyuxi012/auditplane/pkg/sink"
	"github.com/houyuxi012/auditplane/pkg/store"
)

// HTTPConfig contains configuration for the HTTP server.
type HTTPConfig struct {
	Host         string        `json:"host" yaml:"host" default:"0.0.0.0"`
	Port         string        `json:"port" yaml:"port" default:"8080"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout" default:"30s"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" default:"30s"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout" default:"60s"`
}

// Querier is the read-side surface the server exposes.
type Querier interface {
	Query(ctx context.Context, p query.Params) (*query.Result, error)
}

// RuleStore is the forwarding-rule administration surface.
type RuleStore interface {
	List(ctx context.Context) ([]store.ForwardingRule, error)
	Create(ctx context.Context, rule *store.ForwardingRule) error
	Update(ctx context.Context, rule *store.ForwardingRule) error
	Delete(ctx context.Context, id uint64) error
}

// ForwardHook receives persisted events for external routing and is told when
// the rule table changes.
type ForwardHook interface {
	Forward(ctx context.Context, rec *record.Record)
	Invalidate()
}

// Dependencies carries everything the HTTP layer delegates to. All wiring is
// explicit; the server owns none of it.
type Dependencies struct {
	Sink    sink.Sink
	AI      *sanitize.Writer
	Query   Querier
	Rules   RuleStore
	Forward ForwardHook
}

// HTTP implements the REST surface over the audit pipeline.
type HTTP struct {
	handler   *gin.Engine
	deps      Dependencies
	log       *logger.Handler
	metric    *metrics.Handler
	config    *HTTPConfig
	server    *http.Server
	isRunning bool
	mu        sync.RWMutex
}

// NewHTTP creates a new HTTP server instance.
func NewHTTP(config *HTTPConfig, deps Dependencies, l *logger.Handler, m *metrics.Handler) *HTTP {
	gin.SetMode(gin.ReleaseMode)

	server := &HTTP{
		handler: gin.New(),
		deps:    deps,
		log:     l,
		metric:  m,
		config:  config,
	}

	server.handler.Use(gin.Recovery())
	server.handler.Use(server.loggingMiddleware())
	server.handler.Use(server.corsMiddleware())

	server.setupRoutes()

	return server
}

// Start starts the HTTP server.
func (s *HTTP) Start() error {
	s.mu.Lock()

	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("HTTP server is already running")
	}

	addr := fmt.Sprintf("%s:%s", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.isRunning = true
	s.mu.Unlock()

	s.log.Info().Msgf("Starting HTTP server on %s", addr)
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *HTTP) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning || s.server == nil {
		return nil
	}

	s.log.Info().Msg("Shutting down HTTP server...")
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Error().Err(err).Msg("Error during HTTP server shutdown")
		return err
	}

	s.isRunning = false
	return nil
}

// IsRunning returns true if the HTTP server is currently running.
func (s *HTTP) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// GetHandler returns the gin engine for adding routes.
func (s *HTTP) GetHandler() *gin.Engine {
	return s.handler
}

func (s *HTTP) setupRoutes() {
	v1 := s.handler.Group("/api/v1/audit")
	{
		v1.POST("/logs", s.submitHandler)
		v1.GET("/logs", s.queryHandler)
		v1.POST("/ai", s.aiHandler)

		v1.GET("/rules", s.listRulesHandler)
		v1.POST("/rules", s.createRuleHandler)
		v1.PUT("/rules/:id", s.updateRuleHandler)
		v1.DELETE("/rules/:id", s.deleteRuleHandler)
	}

	s.handler.GET("/healthz", s.healthHandler)
	s.handler.GET("/metrics", s.metricsHandler)
}

func (s *HTTP) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// metricsHandler serves this process's own registry, not the global one.
func (s *HTTP) metricsHandler(c *gin.Context) {
	promhttp.HandlerFor(s.metric.Registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

// loggingMiddleware adds request logging and latency samples.
func (s *HTTP) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.metric.ObserveHTTPLatency(route, strconv.Itoa(c.Writer.Status()), latency)

		if s.log != nil {
			s.log.Info().
				Str("method", c.Request.Method).
				Str("path", c.Request.URL.Path).
				Int("status", c.Writer.Status()).
				Dur("latency", latency).
				Str("client_ip", c.ClientIP()).
				Str("user_agent", c.Request.UserAgent()).
				Msg("HTTP Request")
		}
	}
}

// corsMiddleware adds CORS headers.
func (s *HTTP) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

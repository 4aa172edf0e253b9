// Package http provides the control, ingest and observation API for
// checklistd.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/checklistd/internal/broadcast"
	"github.com/fyrsmithlabs/checklistd/internal/engine"
	"github.com/fyrsmithlabs/checklistd/internal/logging"
)

// Server provides HTTP endpoints for checklistd.
type Server struct {
	echo       *echo.Echo
	manager    *engine.Manager
	hub        *broadcast.Hub
	nc         *nats.Conn
	natsPrefix string
	metrics    *HTTPMetrics
	logger     *zap.Logger
	config     *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Heartbeat is the SSE comment interval. Defaults to 30s.
	Heartbeat time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithNATS streams SSE updates from NATS subjects instead of the in-process
// hub, so any replica can serve any session.
func WithNATS(nc *nats.Conn, prefix string) Option {
	return func(s *Server) {
		s.nc = nc
		if prefix != "" {
			s.natsPrefix = prefix
		}
	}
}

// WithHTTPMetrics sets the OTel request instruments.
func WithHTTPMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new HTTP server.
func NewServer(manager *engine.Manager, hub *broadcast.Hub, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if manager == nil {
		return nil, fmt.Errorf("manager cannot be nil")
	}
	if hub == nil {
		return nil, fmt.Errorf("hub cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}

	s := &Server{
		manager:    manager,
		hub:        hub,
		natsPrefix: "checklist",
		logger:     logger,
		config:     cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewHTTPMetrics(logger)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.metrics.Middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

			err := next(c)

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID),
			)
			return err
		}
	})

	s.echo = e
	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/session", s.handleStartSession)
	v1.DELETE("/session", s.handleEndSession)
	v1.GET("/session", s.handleSnapshot)
	v1.POST("/session/transcript", s.handleTranscript)
	v1.PUT("/session/stage", s.handleSetStage)
	v1.PUT("/session/evaluation", s.handleSetEvaluation)
	v1.POST("/session/items/:id/toggle", s.handleToggle)
	v1.PUT("/session/configuration", s.handleReplaceConfiguration)
	v1.POST("/session/cycle", s.handleRunCycle)
	v1.GET("/session/decisions", s.handleDecisions)
	v1.GET("/session/client-card", s.handleClientCard)
	v1.PUT("/session/client-card/:id", s.handleSetCardField)
	v1.GET("/config/client-card", s.handleCardConfig)
	v1.PUT("/config/client-card", s.handleReplaceCardConfig)
	v1.GET("/events", s.handleEvents)

	s.echo.GET("/ws/updates", s.handleUpdatesWS)
	s.echo.GET("/ws/ingest", s.handleIngestWS)
}

// Handler returns the router for embedding or tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

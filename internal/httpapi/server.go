// Package httpapi provides the HTTP API of communityd.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ayrusarun/college-community-api/internal/conversation"
	"github.com/ayrusarun/college-community-api/internal/indexer"
	"github.com/ayrusarun/college-community-api/internal/retrieval"
	"github.com/ayrusarun/college-community-api/internal/vectorstore"
)

// Tenant and user identity arrive as headers; authentication itself happens
// upstream of this service.
const (
	HeaderCollegeID = "X-College-ID"
	HeaderUserID    = "X-User-ID"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the HTTP endpoints of communityd.
type Server struct {
	echo          *echo.Echo
	cfg           Config
	logger        *zap.Logger
	orchestrator  *indexer.Orchestrator
	retrieval     *retrieval.Service
	vectors       *vectorstore.Store
	conversations *conversation.Store
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(cfg Config, orchestrator *indexer.Orchestrator, retrievalSvc *retrieval.Service, vectors *vectorstore.Store, conversations *conversation.Store, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:          e,
		cfg:           cfg,
		logger:        logger,
		orchestrator:  orchestrator,
		retrieval:     retrievalSvc,
		vectors:       vectors,
		conversations: conversations,
	}
	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ai := s.echo.Group("/api/v1/ai", s.tenantMiddleware)
	ai.POST("/index", s.handleIndex)
	ai.POST("/search", s.handleSearch)
	ai.POST("/ask", s.handleAsk)
	ai.GET("/conversations", s.handleConversations)
	ai.GET("/tasks", s.handleTasks)
	ai.GET("/stats", s.handleStats)
}

// tenantMiddleware requires a valid college identifier on every AI route.
func (s *Server) tenantMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenant := c.Request().Header.Get(HeaderCollegeID)
		if err := vectorstore.ValidateTenantID(tenant); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("missing or invalid %s header", HeaderCollegeID))
		}
		c.Set("tenant", tenant)
		c.Set("user", c.Request().Header.Get(HeaderUserID))
		return next(c)
	}
}

func tenantID(c echo.Context) string {
	tenant, _ := c.Get("tenant").(string)
	return tenant
}

func userID(c echo.Context) string {
	user, _ := c.Get("user").(string)
	return user
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Handler exposes the root handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

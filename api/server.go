// Package api exposes the audit pipeline and authorization resolver over
// HTTP for host applications that integrate out of process. In-process
// integrations use the audit and authz packages directly and leave this
// surface disabled.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"aegis.evalgo.org/audit"
	"aegis.evalgo.org/authz"
)

// ServerConfig contains HTTP facade settings.
type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// Server wires the pipeline, lockout policy, and resolver behind an Echo
// server.
type Server struct {
	echo     *echo.Echo
	cfg      ServerConfig
	pipeline *audit.Pipeline
	lockout  *audit.Lockout
	resolver *authz.Resolver
}

// NewServer creates the facade with the standard middleware stack.
func NewServer(cfg ServerConfig, pipeline *audit.Pipeline, lockout *audit.Lockout, resolver *authz.Resolver) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{echo: e, cfg: cfg, pipeline: pipeline, lockout: lockout, resolver: resolver}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/health", s.health)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/audit/events", s.recordEvent)
	v1.GET("/audit/history/:identity", s.history)
	v1.GET("/audit/lockout/:identity", s.checkLockout)
	v1.GET("/authz/state", s.authzState)
	v1.POST("/authz/refresh", s.authzRefresh)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy", "service": "aegis"})
}

// recordRequest is the wire shape of an audit event submission.
type recordRequest struct {
	Identity            string       `json:"identity"`
	Action              audit.Action `json:"action"`
	Success             bool         `json:"success"`
	UserAgent           string       `json:"user_agent"`
	IPAddress           string       `json:"ip_address"`
	ErrorMessage        string       `json:"error_message"`
	FailedAttemptsCount int          `json:"failed_attempts_count"`
}

// recordEvent accepts an audit event. A failed remote write still answers
// 202: the event was queued, and logging failures must never fail the
// auth action that produced them. Only an unusable request is a 4xx.
func (s *Server) recordEvent(c echo.Context) error {
	var req recordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Identity == "" || req.Action == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "identity and action are required")
	}

	err := s.pipeline.Record(c.Request().Context(), audit.Input{
		Identity:            req.Identity,
		Action:              req.Action,
		Success:             req.Success,
		UserAgent:           req.UserAgent,
		IPAddress:           req.IPAddress,
		ErrorMessage:        req.ErrorMessage,
		FailedAttemptsCount: req.FailedAttemptsCount,
	})
	if err != nil {
		return c.JSON(http.StatusAccepted, map[string]string{"status": "queued", "error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (s *Server) history(c echo.Context) error {
	identity := c.Param("identity")
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = parsed
	}

	events, err := s.pipeline.History(c.Request().Context(), identity, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": events})
}

func (s *Server) checkLockout(c echo.Context) error {
	decision := s.lockout.CheckFailedAttempts(c.Request().Context(), c.Param("identity"))
	return c.JSON(http.StatusOK, decision)
}

func (s *Server) authzState(c echo.Context) error {
	return c.JSON(http.StatusOK, s.resolver.Snapshot())
}

func (s *Server) authzRefresh(c echo.Context) error {
	// The resolver lands in a terminal state whether or not the refresh
	// succeeded; the snapshot carries any surfaced error.
	_ = s.resolver.Refresh(c.Request().Context())
	return c.JSON(http.StatusOK, s.resolver.Snapshot())
}

// Start runs the server until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

// Echo exposes the underlying router, mainly for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Package server is the HTTP surface of the orchestrator.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/newser-intel/internal/runtime"
)

// NewEcho builds the router. metrics may be nil.
func NewEcho(stories *StoriesHandler, ops *OpsHandler, metrics http.Handler, metricsPath string, logger *log.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		if logger != nil {
			logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		}
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if metrics != nil {
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		e.GET(metricsPath, echo.WrapHandler(metrics))
	}

	api := e.Group("/api")
	stories.Register(api.Group("/stories"))
	if ops != nil {
		ops.Register(api.Group("/ops"))
	}
	return e
}

// Run serves the API and the scheduler until ctx ends.
func Run(ctx context.Context, rt *runtime.Runtime) error {
	cfg := rt.Config
	logger := runtime.NewLogger("[HTTP] ")
	stories := &StoriesHandler{Stories: rt.Orchestrator, Audit: rt.Audit, MaxWait: 2 * time.Minute, Logger: logger}
	ops := &OpsHandler{Bus: rt.Bus, Agents: rt.Agents.Len, Conversations: rt.Conversations.Len}
	e := NewEcho(stories, ops, rt.Telemetry.Handler(), cfg.Server.MetricsPath, logger)
	e.Server.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout

	if cfg.Scheduler.Enabled && len(cfg.Scheduler.Topics) > 0 {
		sched, err := NewScheduler(cfg.Scheduler, rt.Orchestrator, rt.Redis, WithSchedulerLogger(runtime.NewLogger("[SCHED] ")))
		if err != nil {
			return err
		}
		sched.Start(ctx)
	}

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":10001"
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", addr)
		errCh <- e.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

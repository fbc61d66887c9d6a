package metrics

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes /metrics and /healthz on a localhost listener.
type Server struct {
	echo *echo.Echo
	addr string
}

// NewServer builds the metrics HTTP server for an exporter.
func NewServer(addr string, exporter *Exporter, logger *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(
		exporter.Registry(), promhttp.HandlerOpts{},
	)))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	if logger != nil {
		logger.Info("metrics server configured", "addr", addr)
	}
	return &Server{echo: e, addr: addr}
}

// Start blocks serving until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	err := s.echo.Start(s.addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"horse.fit/corrector/internal/db"
)

type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// StatusSource is the read surface the API exposes. *db.Pool satisfies it.
type StatusSource interface {
	Ping(ctx context.Context) error
	QueryCorrectorCounts(ctx context.Context) (*db.CorrectorCounts, error)
}

var _ StatusSource = (*db.Pool)(nil)

// Server exposes the read-only operational status API: database health,
// corrector counters and Prometheus metrics. It writes nothing.
type Server struct {
	source StatusSource
	logger zerolog.Logger
	opts   Options
}

func NewServer(source StatusSource, logger zerolog.Logger, opts Options) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Server{source: source, logger: logger, opts: opts}
}

func (s *Server) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/health", s.handleHealth)
	e.GET("/status", s.handleStatus)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s == nil || s.source == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.router()
	e.Server.ReadTimeout = s.opts.ReadTimeout
	e.Server.WriteTimeout = s.opts.WriteTimeout

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Start(addr)
	}()
	s.logger.Info().Str("addr", addr).Msg("status API listening")

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve status API: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status API: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.source.Ping(c.Request().Context()); err != nil {
		s.logger.Error().Err(err).Msg("health check failed")
		return internalError(c, "database ping failed")
	}
	return success(c, map[string]string{"database": "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	counts, err := s.source.QueryCorrectorCounts(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("status query failed")
		return internalError(c, "status query failed")
	}
	return success(c, counts)
}

// internal/httpapi/server.go
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/archetype-hq/archetype/internal/config"
)

// Server wraps the echo instance with its middleware stack and lifecycle.
type Server struct {
	logger *zap.Logger
	cfg    config.APIConfig
	echo   *echo.Echo
}

// NewServer assembles the API server. CORS stays permissive: the dashboard's
// origin is unknown at deploy time. screenshotDir, when non-empty, is served
// statically at /screenshots.
func NewServer(logger *zap.Logger, cfg config.APIConfig, handler *Handler, screenshotDir string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(requestLogger(logger))

	handler.RegisterRoutes(e)
	if screenshotDir != "" {
		e.Static("/screenshots", screenshotDir)
	}

	return &Server{
		logger: logger,
		cfg:    cfg,
		echo:   e,
	}
}

// Start serves until Shutdown is called or the listener fails. A clean
// shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("API server listening", zap.String("addr", s.cfg.ListenAddr))
	if err := s.echo.Start(s.cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("API server shutting down")
	return s.echo.Shutdown(ctx)
}

// requestLogger adapts echo's request logging onto the process logger.
func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
				logger.Warn("Request failed", fields...)
				return nil
			}
			logger.Debug("Request handled", fields...)
			return nil
		},
	})
}

package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/opwire/internal/adapter/metrics"
	"github.com/pscheid92/opwire/internal/ratelimit"
)

func (s *Server) registerRoutes() {
	s.echo.Use(correlationMiddleware)
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	s.echo.Use(ErrorHandlingMiddleware(s.logger, s.metrics))
	if s.metrics != nil {
		s.echo.Use(s.metrics.Middleware())
	}

	s.registerHealthRoutes()
	s.echo.GET("/operations", s.handleOperations)
	if s.gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(s.gatherer)))
	}
	if s.socket != nil {
		s.echo.GET("/ws", s.handleSocket)
	}

	var limited []echo.MiddlewareFunc
	if s.config.RateLimit > 0 {
		limited = append(limited, ratelimit.HTTPMiddleware(s.config.RateLimit, s.config.RateBurst))
	}

	api := s.echo.Group("/api", limited...)
	api.Any("/*", s.handleClassic)

	stream := s.echo.Group("/stream", limited...)
	stream.POST("/cancel/:requestId", s.handleStreamCancel)
	stream.Match([]string{http.MethodGet, http.MethodPost}, "/*", s.handleStream)
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			s.logger.InfoContext(c.Request().Context(), "Request", attrs...)
			return nil
		},
	})
}

func (s *Server) handleSocket(c echo.Context) error {
	s.socket.Serve(c.Response(), c.Request(), c.RealIP())
	return nil
}

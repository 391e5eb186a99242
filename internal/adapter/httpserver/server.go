// Package httpserver exposes operations over HTTP: classic request/response
// calls under /api, line-delimited streams under /stream, and the upgrade to
// the persistent-connection protocol at /ws.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/opwire/internal/adapter/metrics"
	"github.com/pscheid92/opwire/internal/domain"
	"github.com/pscheid92/opwire/internal/invoke"
	"github.com/pscheid92/opwire/internal/registry"
)

// SocketHandler serves one persistent connection for the client at clientIP.
type SocketHandler interface {
	Serve(w http.ResponseWriter, r *http.Request, clientIP string)
}

// Config carries the HTTP-level settings.
type Config struct {
	Port         string
	RateLimit    float64
	RateBurst    int
	Protocol     string
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	IdleTimeout  time.Duration
}

// Deps are the collaborators the server routes to. Socket and Metrics may be nil.
type Deps struct {
	Registry     *registry.Registry
	Classic      *invoke.Classic
	Streamer     *invoke.Streamer
	Identity     domain.IdentityValidator
	Socket       SocketHandler
	HealthChecks []HealthCheck
	Metrics      *metrics.HTTPMetrics
	Gatherer     *prometheus.Registry
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

type Server struct {
	echo   *echo.Echo
	config Config

	registry     *registry.Registry
	classic      *invoke.Classic
	streamer     *invoke.Streamer
	identity     domain.IdentityValidator
	socket       SocketHandler
	healthChecks []HealthCheck
	metrics      *metrics.HTTPMetrics
	gatherer     *prometheus.Registry
	clock        clockwork.Clock
	logger       *slog.Logger
	startTime    time.Time
}

const defaultMaxBodyBytes = 1 << 20

func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Registry == nil || deps.Classic == nil || deps.Streamer == nil {
		return nil, errors.New("httpserver: registry, classic and streamer are required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.IdleTimeout = cfg.IdleTimeout

	srv := &Server{
		echo:         e,
		config:       cfg,
		registry:     deps.Registry,
		classic:      deps.Classic,
		streamer:     deps.Streamer,
		identity:     deps.Identity,
		socket:       deps.Socket,
		healthChecks: deps.HealthChecks,
		metrics:      deps.Metrics,
		gatherer:     deps.Gatherer,
		clock:        deps.Clock,
		logger:       deps.Logger,
	}
	if srv.identity == nil {
		srv.identity = anonymousOnly{}
	}
	if srv.clock == nil {
		srv.clock = clockwork.NewRealClock()
	}
	if srv.logger == nil {
		srv.logger = slog.Default()
	}
	srv.startTime = srv.clock.Now()

	srv.registerRoutes()
	return srv, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	s.logger.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

type anonymousOnly struct{}

func (anonymousOnly) Validate(context.Context, string) (domain.Principal, bool, error) {
	return domain.Principal{}, false, nil
}

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	natsgo "github.com/nats-io/nats.go"
	"github.com/pscheid92/opwire/internal/abort"
	"github.com/pscheid92/opwire/internal/adapter/httpserver"
	"github.com/pscheid92/opwire/internal/adapter/metrics"
	"github.com/pscheid92/opwire/internal/adapter/nats"
	"github.com/pscheid92/opwire/internal/adapter/redis"
	"github.com/pscheid92/opwire/internal/adapter/websocket"
	"github.com/pscheid92/opwire/internal/dispatch"
	"github.com/pscheid92/opwire/internal/domain"
	"github.com/pscheid92/opwire/internal/groups"
	"github.com/pscheid92/opwire/internal/identity"
	"github.com/pscheid92/opwire/internal/invoke"
	"github.com/pscheid92/opwire/internal/operations"
	"github.com/pscheid92/opwire/internal/platform/config"
	"github.com/pscheid92/opwire/internal/platform/logging"
	"github.com/pscheid92/opwire/internal/platform/retry"
	"github.com/pscheid92/opwire/internal/ratelimit"
	"github.com/pscheid92/opwire/internal/registry"
	"github.com/pscheid92/opwire/internal/tracker"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout  = 10 * time.Second
	cacheEvictPeriod = time.Minute
)

type backends struct {
	redis  *goredis.Client
	nats   *natsgo.Conn
	checks []httpserver.HealthCheck
}

func (b *backends) Close() {
	if b.nats != nil {
		b.nats.Close()
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func startupPolicy(name string) retry.Policy {
	p := retry.Startup
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Backend not reachable, retrying", "backend", name, "attempt", attempt, "backoff", backoff, "error", err)
	}
	return p
}

func setupBackends(ctx context.Context, cfg *config.Config, backendMetrics *metrics.BackendMetrics) *backends {
	b := &backends{}

	needRedis := cfg.GroupRelay == config.RelayRedis || cfg.AuthRedisEnabled
	if needRedis {
		hook := redis.NewCircuitBreakerHook(slog.Default(), backendMetrics)
		client, err := retry.Do(ctx, startupPolicy("redis"), func(ctx context.Context) (*goredis.Client, error) {
			return redis.NewClient(ctx, cfg.RedisURL, hook)
		})
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		b.redis = client
		checker := redis.NewChecker(client)
		b.checks = append(b.checks, httpserver.HealthCheck{Name: checker.Name(), Check: checker.Check})
	}

	if cfg.GroupRelay == config.RelayNATS {
		nc, err := retry.Do(ctx, startupPolicy("nats"), func(context.Context) (*natsgo.Conn, error) {
			return nats.Connect(cfg.NATSURL, "opwire", slog.Default())
		})
		if err != nil {
			b.Close()
			slog.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		b.nats = nc
		checker := nats.NewChecker(nc)
		b.checks = append(b.checks, httpserver.HealthCheck{Name: checker.Name(), Check: checker.Check})
	}

	return b
}

func setupRegistry(cfg *config.Config, clock clockwork.Clock) *registry.Registry {
	reg := registry.New()
	if err := reg.Discover(operations.NewProvider(clock)); err != nil {
		slog.Error("Failed to register operations", "error", err)
		os.Exit(1)
	}

	if cfg.PolicyFile != "" {
		overrides, err := registry.LoadPolicyOverrides(cfg.PolicyFile)
		if err != nil {
			slog.Error("Failed to load policy file", "path", cfg.PolicyFile, "error", err)
			os.Exit(1)
		}
		if err := reg.ApplyOverrides(overrides); err != nil {
			slog.Error("Failed to apply policy overrides", "path", cfg.PolicyFile, "error", err)
			os.Exit(1)
		}
		slog.Info("Policy overrides applied", "path", cfg.PolicyFile, "routes", len(overrides))
	}

	slog.Info("Operations registered", "count", reg.Len())
	return reg
}

func setupIdentity(cfg *config.Config, b *backends, clock clockwork.Clock, m *metrics.IdentityMetrics) (domain.IdentityValidator, *identity.Cached) {
	static, err := identity.ParseStatic(cfg.AuthStaticTokens)
	if err != nil {
		slog.Error("Failed to parse AUTH_STATIC_TOKENS", "error", err)
		os.Exit(1)
	}

	chain := identity.Chain{static}
	var cached *identity.Cached
	if cfg.AuthRedisEnabled {
		cached = identity.NewCached(redis.NewTokenStore(b.redis), cfg.AuthCacheTTL, clock, m)
		chain = append(chain, cached)
	}
	if static.Len() == 0 && cached == nil {
		slog.Warn("No identity source configured, every token will be rejected")
	}
	return chain, cached
}

func setupRelay(cfg *config.Config, b *backends) groups.Relay {
	switch cfg.GroupRelay {
	case config.RelayRedis:
		return redis.NewRelay(b.redis, slog.Default())
	case config.RelayNATS:
		return nats.NewRelay(b.nats, slog.Default())
	default:
		return nil
	}
}

func runCacheEviction(ctx context.Context, cached *identity.Cached, clock clockwork.Clock) error {
	ticker := clock.NewTicker(cacheEvictPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			if n := cached.EvictExpired(); n > 0 {
				slog.Debug("Evicted expired identities", "count", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "protocol", cfg.ProtocolVersion, "relay", cfg.GroupRelay)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := metrics.NewRegistry()
	httpMetrics := metrics.NewHTTPMetrics(promReg)
	wsMetrics := metrics.NewWebSocketMetrics(promReg)
	dispatchMetrics := metrics.NewDispatchMetrics(promReg)
	streamMetrics := metrics.NewStreamMetrics(promReg)
	groupMetrics := metrics.NewGroupMetrics(promReg)
	identityMetrics := metrics.NewIdentityMetrics(promReg)
	backendMetrics := metrics.NewBackendMetrics(promReg)

	b := setupBackends(ctx, cfg, backendMetrics)
	defer b.Close()

	reg := setupRegistry(cfg, clock)
	validator, cached := setupIdentity(cfg, b, clock, identityMetrics)

	hubOpts := []groups.Option{
		groups.WithMetrics(groupMetrics),
		groups.WithLogger(slog.Default()),
		groups.WithClock(clock),
		groups.WithInstanceID(uuid.NewString()),
	}
	if relay := setupRelay(cfg, b); relay != nil {
		hubOpts = append(hubOpts, groups.WithRelay(relay))
	}
	hub, err := groups.NewHub(ctx, hubOpts...)
	if err != nil {
		slog.Error("Failed to start group hub", "error", err)
		os.Exit(1)
	}
	defer hub.Stop()

	dispatcher, err := dispatch.New(dispatch.Config{
		Registry:           reg,
		Groups:             hub,
		Identity:           validator,
		Tracker:            tracker.New(slog.Default(), wsMetrics),
		Limiter:            ratelimit.NewConnLimiter(cfg.MessageRate, cfg.MessageBurst, cfg.MessageMaxWait, ratelimit.WithClock(clock)),
		Clock:              clock,
		Logger:             slog.Default(),
		Metrics:            dispatchMetrics,
		ServerProtocol:     cfg.ProtocolVersion,
		ProtocolConstraint: cfg.ProtocolConstraint,
		RescopeWait:        cfg.RescopeWait,
		IdentityTimeout:    cfg.IdentityTimeout,
	})
	if err != nil {
		slog.Error("Failed to create dispatcher", "error", err)
		os.Exit(1)
	}

	admission := ratelimit.NewAdmission(
		int64(cfg.MaxWebSocketConnections),
		cfg.MaxConnectionsPerIP,
		cfg.ConnectRate,
		cfg.ConnectBurst,
		clock,
	)
	sockets := websocket.NewHandler(dispatcher,
		websocket.WithAdmission(admission),
		websocket.WithCheckOrigin(websocket.NewCheckOrigin(cfg.AppURL, cfg.IsDevelopment(), slog.Default())),
		websocket.WithReadLimit(cfg.MaxMessageBytes),
		websocket.WithClock(clock),
		websocket.WithLogger(slog.Default()),
		websocket.WithMetrics(wsMetrics),
	)

	srv, err := httpserver.NewServer(httpserver.Config{
		Port:      cfg.Port,
		RateLimit: cfg.HTTPRateLimit,
		RateBurst: cfg.HTTPRateBurst,
		Protocol:  cfg.ProtocolVersion,
	}, httpserver.Deps{
		Registry:     reg,
		Classic:      invoke.NewClassic(slog.Default()),
		Streamer:     invoke.NewStreamer(abort.New(), slog.Default(), streamMetrics),
		Identity:     validator,
		Socket:       sockets,
		HealthChecks: b.checks,
		Metrics:      httpMetrics,
		Gatherer:     promReg,
		Clock:        clock,
		Logger:       slog.Default(),
	})
	if err != nil {
		slog.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server starting", "port", cfg.Port)
		return srv.Start()
	})
	if cached != nil {
		g.Go(func() error { return runCacheEviction(gctx, cached, clock) })
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := sockets.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}

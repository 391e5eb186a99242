// Package dispatch runs the persistent-connection protocol. Every connection
// is served by one Connection actor that owns its state; runs execute on
// their own goroutines and report back to the actor when they end.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/opwire/internal/adapter/metrics"
	"github.com/pscheid92/opwire/internal/domain"
	"github.com/pscheid92/opwire/internal/envelope"
	"github.com/pscheid92/opwire/internal/groups"
	"github.com/pscheid92/opwire/internal/identity"
	"github.com/pscheid92/opwire/internal/ratelimit"
	"github.com/pscheid92/opwire/internal/registry"
	"github.com/pscheid92/opwire/internal/tracker"
)

const (
	commandQueueSize = 64
	identityTimeout  = 5 * time.Second
)

// Transport is the outbound side of one connection. Send blocks until env is
// queued or ctx is done; TrySend never blocks and is used for group fan-out.
type Transport interface {
	ID() string
	Send(ctx context.Context, env envelope.Envelope) error
	TrySend(env envelope.Envelope) bool
}

// Config wires a Dispatcher. Registry and Groups are required.
type Config struct {
	Registry *registry.Registry
	Groups   *groups.Hub
	Identity domain.IdentityValidator
	Tracker  domain.ConnectionTracker
	// Limiter throttles inbound control messages per connection. Nil disables it.
	Limiter *ratelimit.ConnLimiter
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *metrics.DispatchMetrics

	// ServerProtocol is reported in hello_ok. ProtocolConstraint, when set,
	// must be satisfied by the version a client announces in hello.
	ServerProtocol     string
	ProtocolConstraint string

	// RescopeWait bounds how long a rescope waits for a run to appear in the
	// target group before answering without a request id.
	RescopeWait     time.Duration
	IdentityTimeout time.Duration
}

// Dispatcher opens connections sharing one registry, group hub, and identity.
type Dispatcher struct {
	registry    *registry.Registry
	groups      *groups.Hub
	identity    domain.IdentityValidator
	tracker     domain.ConnectionTracker
	limiter     *ratelimit.ConnLimiter
	clock       clockwork.Clock
	logger      *slog.Logger
	metrics     *metrics.DispatchMetrics
	protocol    string
	constraint  *semver.Constraints
	rescopeWait time.Duration
	authTimeout time.Duration
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, errors.New("dispatch: registry is required")
	}
	if cfg.Groups == nil {
		return nil, errors.New("dispatch: group hub is required")
	}

	d := &Dispatcher{
		registry:    cfg.Registry,
		groups:      cfg.Groups,
		identity:    cfg.Identity,
		tracker:     cfg.Tracker,
		limiter:     cfg.Limiter,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		protocol:    cfg.ServerProtocol,
		rescopeWait: cfg.RescopeWait,
		authTimeout: cfg.IdentityTimeout,
	}
	if d.identity == nil {
		d.identity = identity.Deny{}
	}
	if d.tracker == nil {
		d.tracker = tracker.Nop{}
	}
	if d.clock == nil {
		d.clock = clockwork.NewRealClock()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.rescopeWait < 0 {
		d.rescopeWait = 0
	}
	if d.authTimeout <= 0 {
		d.authTimeout = identityTimeout
	}

	if cfg.ProtocolConstraint != "" {
		c, err := semver.NewConstraint(cfg.ProtocolConstraint)
		if err != nil {
			return nil, fmt.Errorf("invalid protocol constraint %q: %w", cfg.ProtocolConstraint, err)
		}
		d.constraint = c
	}
	return d, nil
}

// Open starts the actor for a new connection. The connection lives until
// Close is called or ctx is done.
func (d *Dispatcher) Open(ctx context.Context, t Transport, info domain.ConnectionInfo) *Connection {
	if info.ID == "" {
		info.ID = t.ID()
	}
	if info.OpenedAt.IsZero() {
		info.OpenedAt = d.clock.Now()
	}

	c := newConnection(ctx, d, t, info)
	d.tracker.OnOpened(c.ctx, info)
	go c.run()
	return c
}

// checkProtocol reports whether a client protocol version is acceptable.
func (d *Dispatcher) checkProtocol(version string) error {
	if version == "" || d.constraint == nil {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid protocol version %q", version)
	}
	if ok, errs := d.constraint.Validate(v); !ok {
		if len(errs) > 0 {
			return fmt.Errorf("unsupported protocol version %s: %w", version, errs[0])
		}
		return fmt.Errorf("unsupported protocol version %s", version)
	}
	return nil
}

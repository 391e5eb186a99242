package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/opwire/internal/domain"
	"github.com/pscheid92/opwire/internal/envelope"
	"github.com/pscheid92/opwire/internal/groups"
	"github.com/pscheid92/opwire/internal/identity"
	"github.com/pscheid92/opwire/internal/registry"
	"github.com/stretchr/testify/require"
)

type startRequest struct {
	N           int    `json:"n"`
	Text        string `json:"text"`
	SessionID   string `json:"sessionId"`
	PrincipalID string `json:"principalId"`
}

type base struct {
	caller   domain.Caller
	deny     bool
	validate func(req startRequest) []string
}

func (b *base) Bind(caller domain.Caller) { b.caller = caller }

func (b *base) Decode(raw json.RawMessage) (any, error) {
	var req startRequest
	if len(raw) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return req, nil
}

func (b *base) Authorize(context.Context, any) (bool, error) { return !b.deny, nil }

func (b *base) Validate(_ context.Context, req any) ([]string, error) {
	if b.validate == nil {
		return nil, nil
	}
	return b.validate(req.(startRequest)), nil
}

type mode int

const (
	emitN mode = iota
	block
	explode
)

// streamOp emits n frames, blocks until cancelled, or fails after one frame.
type streamOp struct {
	base
	mode     mode
	coalesce bool
	produced *atomic.Int32
	stopped  chan struct{}
}

func (o *streamOp) Produce(ctx context.Context, raw any, emit domain.Emit) error {
	if o.produced != nil {
		o.produced.Add(1)
	}
	req := raw.(startRequest)
	switch o.mode {
	case block:
		<-ctx.Done()
		if o.stopped != nil {
			select {
			case o.stopped <- struct{}{}:
			default:
			}
		}
		return ctx.Err()
	case explode:
		if err := emit(domain.Frame{Payload: "partial"}); err != nil {
			return err
		}
		return errors.New("exploded")
	}
	for i := range req.N {
		frame := domain.Frame{
			Payload:   map[string]any{"index": i, "principalId": req.PrincipalID},
			SessionID: req.SessionID,
		}
		if err := emit(frame); err != nil {
			return err
		}
	}
	return nil
}

type coalescingOp struct {
	streamOp
}

func (o *coalescingOp) CoalesceKey(req any) string { return req.(startRequest).Text }

type classicOp struct {
	base
}

func (o *classicOp) Execute(context.Context, any) (any, error) { return "ok", nil }

var streamCaps = registry.Streamable | registry.ConnectionBound

type harness struct {
	t        *testing.T
	registry *registry.Registry
	hub      *groups.Hub
	clock    *clockwork.FakeClock
	cfg      Config
	produced atomic.Int32
	stopped  chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	hub, err := groups.NewHub(context.Background())
	require.NoError(t, err)
	t.Cleanup(hub.Stop)

	h := &harness{t: t, registry: registry.New(), hub: hub, clock: clockwork.NewFakeClock(), stopped: make(chan struct{}, 8)}
	h.cfg = Config{
		Registry:       h.registry,
		Groups:         hub,
		Identity:       identity.NewStatic(map[string]string{"good-token": "alice", "bob-token": "bob"}),
		Clock:          h.clock,
		ServerProtocol: "1.2.0",
	}

	h.register("echo", registry.Policy{}, func() domain.Operation { return &streamOp{produced: &h.produced} })
	h.register("slow", registry.Policy{}, func() domain.Operation {
		return &streamOp{mode: block, produced: &h.produced, stopped: h.stopped}
	})
	h.register("together", registry.Policy{}, func() domain.Operation {
		return &coalescingOp{streamOp{mode: block, produced: &h.produced}}
	})
	h.register("secure", registry.Policy{RequiresAuthorization: true}, func() domain.Operation { return &streamOp{produced: &h.produced} })
	h.register("cool", registry.Policy{StartCooldown: 100 * time.Millisecond}, func() domain.Operation { return &streamOp{} })
	h.register("para", registry.Policy{AllowParallelStarts: true}, func() domain.Operation { return &streamOp{mode: block} })
	h.register("boom", registry.Policy{}, func() domain.Operation { return &streamOp{mode: explode} })
	h.register("private", registry.Policy{}, func() domain.Operation { return &streamOp{base: base{deny: true}} })
	h.register("strict", registry.Policy{}, func() domain.Operation {
		return &streamOp{base: base{validate: func(req startRequest) []string {
			if req.Text == "" {
				return []string{"text is required"}
			}
			return nil
		}}}
	})
	require.NoError(t, h.registry.Register("plain", registry.Descriptor{
		Capabilities: registry.Classic,
		New:          func() domain.Operation { return &classicOp{} },
	}))
	return h
}

func (h *harness) register(route string, policy registry.Policy, factory func() domain.Operation) {
	h.t.Helper()
	require.NoError(h.t, h.registry.Register(route, registry.Descriptor{Capabilities: streamCaps, Policy: policy, New: factory}))
}

func (h *harness) dispatcher() *Dispatcher {
	h.t.Helper()
	d, err := New(h.cfg)
	require.NoError(h.t, err)
	return d
}

func (h *harness) open(d *Dispatcher, id string) (*Connection, *fakeTransport) {
	h.t.Helper()
	t := newFakeTransport(id)
	c := d.Open(context.Background(), t, domain.ConnectionInfo{ID: id})
	h.t.Cleanup(c.Close)
	return c, t
}

// fakeTransport records every envelope sent to the connection.
type fakeTransport struct {
	id  string
	out chan envelope.Envelope

	mu   sync.Mutex
	full bool
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: id, out: make(chan envelope.Envelope, 256)}
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) Send(ctx context.Context, env envelope.Envelope) error {
	select {
	case f.out <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) TrySend(env envelope.Envelope) bool {
	f.mu.Lock()
	full := f.full
	f.mu.Unlock()
	if full {
		return false
	}
	select {
	case f.out <- env:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) next(t *testing.T) envelope.Envelope {
	t.Helper()
	select {
	case env := <-f.out:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("transport %s: no envelope received", f.id)
		return envelope.Envelope{}
	}
}

func (f *fakeTransport) expect(t *testing.T, typ string) envelope.Envelope {
	t.Helper()
	env := f.next(t)
	require.Equal(t, typ, env.Type, "unexpected envelope %+v", env)
	return env
}

func (f *fakeTransport) expectError(t *testing.T, code string) envelope.Envelope {
	t.Helper()
	env := f.expect(t, envelope.TypeError)
	require.Equal(t, code, env.Code, "unexpected error %+v", env)
	return env
}

func (f *fakeTransport) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case env := <-f.out:
		t.Fatalf("transport %s: unexpected envelope %+v", f.id, env)
	case <-time.After(30 * time.Millisecond):
	}
}

func start(route, payload string) envelope.Envelope {
	env := envelope.Envelope{Type: envelope.TypeStart, Route: route}
	if payload != "" {
		env.Payload = json.RawMessage(payload)
	}
	return env
}

func send(t *testing.T, c *Connection, env envelope.Envelope) {
	t.Helper()
	require.NoError(t, c.Handle(context.Background(), env))
}

func payloadOf(t *testing.T, env envelope.Envelope) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &m))
	return m
}

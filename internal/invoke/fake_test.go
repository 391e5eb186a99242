package invoke

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pscheid92/opwire/internal/domain"
	"github.com/pscheid92/opwire/internal/registry"
)

type calls struct {
	mu    sync.Mutex
	steps []string
}

func (c *calls) add(step string) {
	c.mu.Lock()
	c.steps = append(c.steps, step)
	c.mu.Unlock()
}

func (c *calls) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.steps...)
}

// fake is a configurable operation recording which steps ran.
type fake struct {
	rec       *calls
	caller    domain.Caller
	deny      bool
	authErr   error
	problems  []string
	beforeErr error
	execute   func(ctx context.Context, req any) (any, error)
	produce   func(ctx context.Context, req any, emit domain.Emit) error
}

type fakeRequest struct {
	N           int    `json:"n"`
	PrincipalID string `json:"principalId"`
}

func (f *fake) Bind(caller domain.Caller) {
	f.caller = caller
	f.rec.add("bind")
}

func (f *fake) Decode(raw json.RawMessage) (any, error) {
	f.rec.add("decode")
	var req fakeRequest
	if len(raw) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return req, nil
}

func (f *fake) Authorize(context.Context, any) (bool, error) {
	f.rec.add("authorize")
	return !f.deny, f.authErr
}

func (f *fake) Validate(context.Context, any) ([]string, error) {
	f.rec.add("validate")
	return f.problems, nil
}

func (f *fake) OnBefore(context.Context, any) error {
	f.rec.add("before")
	return f.beforeErr
}

func (f *fake) OnAfter(context.Context, any) error {
	f.rec.add("after")
	return nil
}

type fakeClassic struct{ *fake }

func (f fakeClassic) Execute(ctx context.Context, req any) (any, error) {
	f.rec.add("execute")
	if f.execute == nil {
		return map[string]int{"n": req.(fakeRequest).N}, nil
	}
	return f.execute(ctx, req)
}

type fakeStream struct{ *fake }

func (f fakeStream) Produce(ctx context.Context, req any, emit domain.Emit) error {
	f.rec.add("produce")
	if f.produce == nil {
		for i := range req.(fakeRequest).N {
			if err := emit(domain.Frame{Payload: map[string]int{"index": i}}); err != nil {
				return err
			}
		}
		return nil
	}
	return f.produce(ctx, req, emit)
}

func classicDescriptor(f *fake, policy registry.Policy) registry.Descriptor {
	return descriptor(f, registry.Classic, policy, func() domain.Operation { return fakeClassic{f} })
}

func streamDescriptor(f *fake, policy registry.Policy) registry.Descriptor {
	return descriptor(f, registry.Streamable|registry.ConnectionBound, policy, func() domain.Operation { return fakeStream{f} })
}

func descriptor(f *fake, caps registry.Capability, policy registry.Policy, factory func() domain.Operation) registry.Descriptor {
	if f.rec == nil {
		f.rec = &calls{}
	}
	r := registry.New()
	if err := r.Register("fake", registry.Descriptor{Capabilities: caps, Policy: policy, New: factory}); err != nil {
		panic(err)
	}
	d, _ := r.Resolve("fake")
	return d
}

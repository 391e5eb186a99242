package operations

import (
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/opwire/internal/domain"
	"github.com/pscheid92/opwire/internal/registry"
)

const echoCooldown = 100 * time.Millisecond

var sumSchema = []byte(`{
	"type": "object",
	"required": ["values"],
	"properties": {
		"values": {"type": "array", "items": {"type": "number"}}
	}
}`)

// Provider contributes the demonstration operations to a registry.
type Provider struct {
	clock clockwork.Clock
}

func NewProvider(clock clockwork.Clock) *Provider {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Provider{clock: clock}
}

func (p *Provider) Operations() []registry.Descriptor {
	return []registry.Descriptor{
		{
			Route:        "echo",
			Capabilities: registry.Streamable | registry.ConnectionBound,
			Policy:       registry.Policy{StartCooldown: echoCooldown},
			New:          func() domain.Operation { return &Echo{clock: p.clock} },
		},
		{
			Route:        "clock",
			Capabilities: registry.Streamable | registry.ConnectionBound,
			Policy:       registry.Policy{AllowParallelStarts: true},
			New:          func() domain.Operation { return &Clock{clock: p.clock} },
		},
		{
			Route:        "ping",
			Verb:         http.MethodGet,
			Capabilities: registry.Classic,
			New:          func() domain.Operation { return &Ping{clock: p.clock} },
		},
		{
			Route:        "sum",
			Verb:         http.MethodPost,
			Capabilities: registry.Classic,
			Policy:       registry.Policy{RequiresAuthorization: true},
			StartSchema:  sumSchema,
			New:          func() domain.Operation { return &Sum{} },
		},
		{
			Route:        "fail",
			Capabilities: registry.Streamable | registry.ConnectionBound,
			Policy:       registry.Policy{HiddenFromListing: true, AllowParallelStarts: true},
			New:          func() domain.Operation { return &Fail{} },
		},
	}
}

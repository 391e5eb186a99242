package operations

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
)

type Pong struct {
	Pong        bool      `json:"pong"`
	PrincipalID string    `json:"principalId,omitempty"`
	Transport   string    `json:"transport"`
	Time        time.Time `json:"time"`
}

// Ping reports who is calling. Anonymous callers are allowed.
type Ping struct {
	Base
	clock clockwork.Clock
}

func (p *Ping) Decode(json.RawMessage) (any, error) {
	return struct{}{}, nil
}

func (p *Ping) Execute(context.Context, any) (any, error) {
	return Pong{
		Pong:        true,
		PrincipalID: p.Caller.PrincipalID,
		Transport:   string(p.Caller.Transport),
		Time:        p.clock.Now().UTC(),
	}, nil
}

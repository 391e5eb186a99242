package groups

import (
	"context"

	"github.com/pscheid92/opwire/internal/envelope"
)

// Message is a group publication as it travels between instances.
type Message struct {
	Origin   string            `json:"origin"`
	Group    string            `json:"group"`
	Sender   string            `json:"sender,omitempty"`
	Envelope envelope.Envelope `json:"envelope"`
}

// Relay carries group publications across service instances.
type Relay interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe delivers publications of every instance, this one included,
	// until ctx is done. The channel is closed when the subscription ends.
	Subscribe(ctx context.Context) (<-chan Message, error)
}

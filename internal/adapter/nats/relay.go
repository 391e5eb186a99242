package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	natsgo "github.com/nats-io/nats.go"
	"github.com/pscheid92/opwire/internal/groups"
)

const (
	subjectPrefix   = "opwire.group."
	relayBufferSize = 64
)

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// groupSubject maps a group name onto a single subject token. The original
// name travels in the message body.
func groupSubject(group string) string {
	return subjectPrefix + subjectReplacer.Replace(group)
}

// Relay carries group publications between instances over NATS.
type Relay struct {
	nc     *natsgo.Conn
	logger *slog.Logger
}

var _ groups.Relay = (*Relay)(nil)

func NewRelay(nc *natsgo.Conn, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{nc: nc, logger: logger}
}

// Publish sends msg on the subject of its group.
func (r *Relay) Publish(_ context.Context, msg groups.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal group message: %w", err)
	}
	if err := r.nc.Publish(groupSubject(msg.Group), data); err != nil {
		return fmt.Errorf("failed to publish group message: %w", err)
	}
	return nil
}

// Subscribe listens on every group subject. The returned channel closes when
// ctx is done; the connection reconnects underneath it.
func (r *Relay) Subscribe(ctx context.Context) (<-chan groups.Message, error) {
	raw := make(chan *natsgo.Msg, relayBufferSize)
	sub, err := r.nc.ChanSubscribe(subjectPrefix+">", raw)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to group subjects: %w", err)
	}
	if err := r.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to flush group subscription: %w", err)
	}

	out := make(chan groups.Message, relayBufferSize)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()

		for {
			select {
			case m := <-raw:
				var msg groups.Message
				if err := json.Unmarshal(m.Data, &msg); err != nil {
					r.logger.Warn("Dropping malformed group message", "subject", m.Subject, "error", err)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

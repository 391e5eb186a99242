package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pscheid92/opwire/internal/groups"
	goredis "github.com/redis/go-redis/v9"
)

const (
	groupChannelPrefix = "opwire:group:"
	relayBufferSize    = 64
)

func groupChannel(group string) string {
	return groupChannelPrefix + group
}

// Relay carries group publications between instances over Redis Pub/Sub.
type Relay struct {
	rdb    *goredis.Client
	logger *slog.Logger
}

var _ groups.Relay = (*Relay)(nil)

func NewRelay(rdb *goredis.Client, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{rdb: rdb, logger: logger}
}

// Publish sends msg on the channel of its group.
func (r *Relay) Publish(ctx context.Context, msg groups.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal group message: %w", err)
	}
	if err := r.rdb.Publish(ctx, groupChannel(msg.Group), data).Err(); err != nil {
		return fmt.Errorf("failed to publish group message: %w", err)
	}
	return nil
}

// Subscribe pattern-subscribes to every group channel. The returned channel
// closes when ctx is done or the subscription breaks.
func (r *Relay) Subscribe(ctx context.Context) (<-chan groups.Message, error) {
	sub := r.rdb.PSubscribe(ctx, groupChannelPrefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to group channels: %w", err)
	}

	out := make(chan groups.Message, relayBufferSize)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		msgCh := sub.Channel()
		for {
			select {
			case raw, ok := <-msgCh:
				if !ok {
					return
				}
				var msg groups.Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					r.logger.Warn("Dropping malformed group message", "channel", raw.Channel, "error", err)
					continue
				}
				if msg.Group == "" {
					msg.Group = strings.TrimPrefix(raw.Channel, groupChannelPrefix)
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

package operations

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/opwire/internal/domain"
)

const (
	defaultTickInterval = time.Second
	minTickInterval     = 10 * time.Millisecond
)

type ClockRequest struct {
	IntervalMs int `json:"intervalMs"`
}

type Tick struct {
	Tick int       `json:"tick"`
	At   time.Time `json:"at"`
}

// Clock emits a tick every interval until the run is cancelled.
type Clock struct {
	Base
	clock clockwork.Clock
}

func (c *Clock) Decode(raw json.RawMessage) (any, error) {
	return decodeInto(raw, ClockRequest{IntervalMs: int(defaultTickInterval.Milliseconds())})
}

func (c *Clock) Validate(_ context.Context, req any) ([]string, error) {
	if time.Duration(req.(ClockRequest).IntervalMs)*time.Millisecond < minTickInterval {
		return []string{"intervalMs must be at least 10"}, nil
	}
	return nil, nil
}

func (c *Clock) Produce(ctx context.Context, req any, emit domain.Emit) error {
	ticker := c.clock.NewTicker(time.Duration(req.(ClockRequest).IntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case at := <-ticker.Chan():
			if err := emit(domain.Frame{Event: "tick", Payload: Tick{Tick: n, At: at.UTC()}}); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/opwire/internal/domain"
)

const (
	maxEchoFrames = 1000
	maxEchoDelay  = 10 * time.Second
)

type EchoRequest struct {
	N         int    `json:"n"`
	DelayMs   int    `json:"delayMs"`
	Text      string `json:"text"`
	SessionID string `json:"sessionId"`
}

type EchoFrame struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Echo emits N frames repeating Text, pausing DelayMs between them. Frames
// carry the session id, so they are fanned out to the session's group.
type Echo struct {
	Base
	clock clockwork.Clock
}

func (e *Echo) Decode(raw json.RawMessage) (any, error) {
	return decodeInto(raw, EchoRequest{N: 1})
}

func (e *Echo) Validate(_ context.Context, req any) ([]string, error) {
	r := req.(EchoRequest)
	var problems []string
	if r.N < 1 || r.N > maxEchoFrames {
		problems = append(problems, fmt.Sprintf("n must be between 1 and %d", maxEchoFrames))
	}
	if r.DelayMs < 0 || int64(r.DelayMs) > maxEchoDelay.Milliseconds() {
		problems = append(problems, fmt.Sprintf("delayMs must be between 0 and %d", maxEchoDelay.Milliseconds()))
	}
	return problems, nil
}

// CoalesceKey collapses concurrent starts echoing the same text.
func (e *Echo) CoalesceKey(req any) string {
	return req.(EchoRequest).Text
}

func (e *Echo) Produce(ctx context.Context, req any, emit domain.Emit) error {
	r := req.(EchoRequest)
	delay := time.Duration(r.DelayMs) * time.Millisecond

	for i := range r.N {
		if i > 0 && delay > 0 {
			select {
			case <-e.clock.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := emit(domain.Frame{
			Payload:   EchoFrame{Index: i, Text: r.Text},
			SessionID: r.SessionID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

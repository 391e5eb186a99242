// Package operations ships the demonstration operations registered by the
// server: echo, clock, ping, sum and fail.
package operations

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pscheid92/opwire/internal/domain"
)

// Base supplies the parts of domain.Operation most operations share: it
// keeps the bound caller, allows every caller and accepts every request.
type Base struct {
	Caller domain.Caller
}

func (b *Base) Bind(caller domain.Caller) {
	b.Caller = caller
}

func (b *Base) Authorize(context.Context, any) (bool, error) {
	return true, nil
}

func (b *Base) Validate(context.Context, any) ([]string, error) {
	return nil, nil
}

// decodeInto unmarshals raw over defaults. An empty payload yields defaults.
func decodeInto[T any](raw json.RawMessage, defaults T) (T, error) {
	req := defaults
	if len(raw) == 0 || string(raw) == "null" {
		return req, nil
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return defaults, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

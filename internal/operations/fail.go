package operations

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pscheid92/opwire/internal/domain"
)

// ErrDeliberate is the failure the fail operation always ends with.
var ErrDeliberate = errors.New("deliberate failure")

// Fail emits a single frame and then fails.
type Fail struct {
	Base
}

func (f *Fail) Decode(json.RawMessage) (any, error) {
	return struct{}{}, nil
}

func (f *Fail) Produce(_ context.Context, _ any, emit domain.Emit) error {
	if err := emit(domain.Frame{Payload: map[string]string{"status": "about to fail"}}); err != nil {
		return err
	}
	return ErrDeliberate
}

package invoke

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pscheid92/opwire/internal/domain"
	apperrors "github.com/pscheid92/opwire/internal/platform/errors"
	"github.com/pscheid92/opwire/internal/platform/logging"
	"github.com/pscheid92/opwire/internal/registry"
)

// Classic executes request/response operations.
type Classic struct {
	logger *slog.Logger
}

func NewClassic(logger *slog.Logger) *Classic {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classic{logger: logger}
}

// Invoke runs the operation exactly once: authorize, validate, before-hook,
// execute, after-hook. Negative outcomes and faults are both returned as
// *apperrors.Error values; the code tells them apart.
func (c *Classic) Invoke(ctx context.Context, d registry.Descriptor, caller domain.Caller, raw json.RawMessage) (any, error) {
	if d.Kind() != registry.KindClassic || !d.Capabilities.Has(registry.Classic) {
		return nil, apperrors.NotFound("no classic operation for route").WithContext("route", d.Route)
	}
	if d.Policy.RequiresAuthorization && !caller.Authenticated {
		return nil, apperrors.Unauthorized("operation requires authentication")
	}

	logger := logging.WithOperation(c.logger, d.Route)

	op := d.New()
	op.Bind(caller)
	classic := op.(domain.ClassicOperation)

	req, err := Decode(op, raw, apperrors.CodeInvalidRequest)
	if err != nil {
		return nil, err
	}
	if err := Authorize(ctx, op, req); err != nil {
		return nil, err
	}
	if err := Validate(ctx, d, op, raw, req); err != nil {
		return nil, err
	}
	if err := Before(ctx, op, req); err != nil {
		return nil, err
	}

	var resp any
	err = Guard(func() error {
		var err error
		resp, err = classic.Execute(ctx, req)
		return err
	})
	if err != nil {
		if !isStructured(err) {
			err = apperrors.Internal("internal server error", err)
		}
		if se := apperrors.AsStructuredError(err); !se.Expected() {
			logger.ErrorContext(ctx, "Operation failed", "error", se.Cause)
		}
		return nil, err
	}

	if err := After(ctx, op, req); err != nil {
		return nil, err
	}
	return resp, nil
}

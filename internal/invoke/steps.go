// Package invoke runs operations: once for classic calls, or as a frame
// producer drained into a sink for streams.
package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/pscheid92/opwire/internal/domain"
	apperrors "github.com/pscheid92/opwire/internal/platform/errors"
	"github.com/pscheid92/opwire/internal/registry"
)

// ErrPanic marks internal errors produced by a recovered panic.
var ErrPanic = errors.New("operation panicked")

// Guard runs fn, converting a panic into an internal error.
func Guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Internal("internal server error", fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack()))
		}
	}()
	return fn()
}

// Decode turns raw into the operation's request, reporting failures with code.
func Decode(op domain.Operation, raw json.RawMessage, code apperrors.Code) (any, error) {
	var req any
	err := Guard(func() error {
		var err error
		req, err = op.Decode(raw)
		return err
	})
	if err == nil {
		return req, nil
	}
	if isStructured(err) {
		return nil, err
	}
	if code == apperrors.CodeInvalidStart {
		return nil, apperrors.InvalidStart("cannot decode start payload", err)
	}
	return nil, apperrors.InvalidRequest("cannot decode request", err.Error())
}

func isStructured(err error) bool {
	var e *apperrors.Error
	return errors.As(err, &e)
}

// Authorize asks the operation whether the bound caller may run req.
// A refusal is a Forbidden error; a failing check is an internal error.
func Authorize(ctx context.Context, op domain.Operation, req any) error {
	var ok bool
	err := Guard(func() error {
		var err error
		ok, err = op.Authorize(ctx, req)
		return err
	})
	if err != nil {
		return internal("authorization check failed", err)
	}
	if !ok {
		return apperrors.Forbidden("operation refused the caller")
	}
	return nil
}

// Validate checks raw against the descriptor schema, then asks the
// operation. Every problem found is reported in one InvalidRequest error.
func Validate(ctx context.Context, d registry.Descriptor, op domain.Operation, raw json.RawMessage, req any) error {
	problems, err := d.ValidateShape(raw)
	if err != nil {
		return internal("schema validation failed", err)
	}
	if len(problems) > 0 {
		return apperrors.InvalidRequest("request does not match schema", problems...)
	}

	err = Guard(func() error {
		var err error
		problems, err = op.Validate(ctx, req)
		return err
	})
	if err != nil {
		return internal("validation failed", err)
	}
	if len(problems) > 0 {
		return apperrors.InvalidRequest("request is invalid", problems...)
	}
	return nil
}

// Before runs the optional before-hook.
func Before(ctx context.Context, op domain.Operation, req any) error {
	hook, ok := op.(domain.Before)
	if !ok {
		return nil
	}
	if err := Guard(func() error { return hook.OnBefore(ctx, req) }); err != nil {
		return internal("before hook failed", err)
	}
	return nil
}

// After runs the optional after-hook.
func After(ctx context.Context, op domain.Operation, req any) error {
	hook, ok := op.(domain.After)
	if !ok {
		return nil
	}
	if err := Guard(func() error { return hook.OnAfter(ctx, req) }); err != nil {
		return internal("after hook failed", err)
	}
	return nil
}

// internal keeps structured errors raised by operation code and wraps the rest.
func internal(message string, err error) error {
	if isStructured(err) {
		return err
	}
	return apperrors.Internal(message, err)
}

package domain

import (
	"context"
	"encoding/json"
)

// Transport names the surface an operation is invoked through.
type Transport string

const (
	TransportClassic    Transport = "classic"
	TransportStream     Transport = "stream"
	TransportConnection Transport = "connection"
)

// Caller is the identity bound into an operation instance before it runs.
type Caller struct {
	PrincipalID   string
	Authenticated bool
	Transport     Transport
	ConnectionID  string
}

// Operation is the contract every registered unit of work fulfils.
// A fresh instance is created per invocation, so implementations may keep
// per-call state after Bind.
type Operation interface {
	Bind(caller Caller)
	// Decode turns the raw JSON request into the operation's own request value.
	Decode(raw json.RawMessage) (any, error)
	// Authorize returns false to refuse the caller. An error is a fault, not a refusal.
	Authorize(ctx context.Context, req any) (bool, error)
	// Validate returns every problem found with req; an empty list accepts it.
	Validate(ctx context.Context, req any) ([]string, error)
}

// ClassicOperation answers one request with one response.
type ClassicOperation interface {
	Operation
	Execute(ctx context.Context, req any) (any, error)
}

// StreamOperation produces an ordered, possibly unbounded, sequence of frames.
// Produce must return promptly once ctx is done or emit returns an error.
type StreamOperation interface {
	Operation
	Produce(ctx context.Context, req any, emit Emit) error
}

// Before is implemented by operations that need a hook ahead of execution.
type Before interface {
	OnBefore(ctx context.Context, req any) error
}

// After is implemented by operations that need a hook after successful execution.
type After interface {
	OnAfter(ctx context.Context, req any) error
}

// Coalescer lets an operation override the key used to collapse duplicate
// concurrent starts on one connection.
type Coalescer interface {
	CoalesceKey(req any) string
}

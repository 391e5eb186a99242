package invoke

import (
	"context"
	"fmt"

	"github.com/pscheid92/opwire/internal/domain"
)

type Outcome int

const (
	Completed Outcome = iota
	Cancelled
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// Result describes how a drained stream ended.
type Result struct {
	Outcome Outcome
	// Reason is the finish reason for Completed and Cancelled outcomes.
	Reason string
	Err    error
	Frames uint64
}

// Sink receives stamped frames on the draining goroutine. Returning an
// error stops the stream as cancelled.
type Sink func(frame domain.Frame) error

// Drain runs op.Produce on its own goroutine and hands every frame to sink,
// in emission order, stamped with requestID and a sequence number starting
// at 1. It returns as soon as ctx is done without waiting for the producer.
func Drain(ctx context.Context, op domain.StreamOperation, req any, requestID string, sink Sink) Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan domain.Frame)
	done := make(chan error, 1)

	emit := func(frame domain.Frame) error {
		select {
		case frames <- frame:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", domain.ErrStreamClosed, ctx.Err())
		}
	}

	go func() {
		done <- Guard(func() error { return op.Produce(ctx, req, emit) })
	}()

	var seq uint64
	for {
		select {
		case frame := <-frames:
			if frame.Finished {
				reason := frame.FinishReason
				if reason == "" {
					reason = domain.FinishCompleted
				}
				if reason == domain.FinishCancelled {
					return Result{Outcome: Cancelled, Reason: reason, Frames: seq}
				}
				return Result{Outcome: Completed, Reason: reason, Frames: seq}
			}

			seq++
			frame.Seq = seq
			if frame.RequestID == "" {
				frame.RequestID = requestID
			}
			if err := sink(frame); err != nil {
				return Result{Outcome: Cancelled, Reason: domain.FinishCancelled, Err: err, Frames: seq - 1}
			}

		case err := <-done:
			switch {
			case err == nil:
				return Result{Outcome: Completed, Reason: domain.FinishCompleted, Frames: seq}
			case ctx.Err() != nil:
				return Result{Outcome: Cancelled, Reason: domain.FinishCancelled, Frames: seq}
			default:
				return Result{Outcome: Failed, Err: err, Frames: seq}
			}

		case <-ctx.Done():
			return Result{Outcome: Cancelled, Reason: domain.FinishCancelled, Frames: seq}
		}
	}
}

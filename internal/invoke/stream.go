package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/pscheid92/opwire/internal/abort"
	"github.com/pscheid92/opwire/internal/adapter/metrics"
	"github.com/pscheid92/opwire/internal/domain"
	apperrors "github.com/pscheid92/opwire/internal/platform/errors"
	"github.com/pscheid92/opwire/internal/platform/logging"
	"github.com/pscheid92/opwire/internal/registry"
)

// Line is one self-contained unit of a line-delimited stream.
type Line struct {
	RequestID    string                   `json:"requestId"`
	Seq          uint64                   `json:"seq,omitempty"`
	Event        string                   `json:"event,omitempty"`
	Payload      any                      `json:"payload,omitempty"`
	IsFinished   bool                     `json:"isFinished"`
	FinishReason string                   `json:"finishReason,omitempty"`
	Error        *apperrors.ErrorResponse `json:"error,omitempty"`
}

type flusher interface {
	Flush()
}

// Streamer drives streamable operations into line-delimited output and
// keeps every run cancellable through the abort registry.
type Streamer struct {
	aborts  *abort.Registry
	logger  *slog.Logger
	metrics *metrics.StreamMetrics
}

func NewStreamer(aborts *abort.Registry, logger *slog.Logger, m *metrics.StreamMetrics) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{aborts: aborts, logger: logger, metrics: m}
}

// Run is a prepared stream, registered under its request id.
type Run struct {
	ID string

	s      *Streamer
	d      registry.Descriptor
	op     domain.StreamOperation
	req    any
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// Open prepares a stream: it checks authentication, decodes, authorizes and
// validates the request, runs the before-hook and registers the run. Errors
// are returned before anything is written, so the transport can still
// answer with a status code. requestID may be empty to generate one.
func (s *Streamer) Open(ctx context.Context, d registry.Descriptor, caller domain.Caller, requestID string, raw json.RawMessage) (*Run, error) {
	if d.Kind() != registry.KindStream || !d.Capabilities.Has(registry.Streamable) {
		return nil, apperrors.NotFound("no streamable operation for route").WithContext("route", d.Route)
	}
	if d.Policy.RequiresAuthorization && !caller.Authenticated {
		return nil, apperrors.Unauthorized("operation requires authentication")
	}

	op := d.New()
	op.Bind(caller)
	stream := op.(domain.StreamOperation)

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

	if requestID == "" {
		requestID = uuid.NewString()
	}
	runCtx, cancel := context.WithCancel(ctx)
	if !s.aborts.Register(requestID, cancel) {
		cancel()
		return nil, apperrors.Busy("a stream with this request id is already running").WithContext("request_id", requestID)
	}

	return &Run{
		ID:     requestID,
		s:      s,
		d:      d,
		op:     stream,
		req:    req,
		parent: ctx,
		ctx:    runCtx,
		cancel: cancel,
		logger: logging.WithRequest(s.logger, d.Route, requestID),
	}, nil
}

// Close releases a run that will not be streamed.
func (r *Run) Close() {
	r.s.aborts.Remove(r.ID)
	r.cancel()
}

// Stream writes one JSON line per frame to w, flushing after each. External
// cancellation ends the stream with a cancelled finish line. A producer
// failure writes an error line and is returned.
func (r *Run) Stream(w io.Writer) error {
	defer r.Close()

	if r.s.metrics != nil {
		r.s.metrics.ActiveStreams.Inc()
		defer r.s.metrics.ActiveStreams.Dec()
	}

	enc := json.NewEncoder(w)
	write := func(line Line) error {
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("write stream line: %w", err)
		}
		if f, ok := w.(flusher); ok {
			f.Flush()
		}
		return nil
	}

	r.logger.DebugContext(r.ctx, "Stream started")

	result := Drain(r.ctx, r.op, r.req, r.ID, func(frame domain.Frame) error {
		if err := write(Line{RequestID: frame.RequestID, Seq: frame.Seq, Event: frame.Event, Payload: frame.Payload}); err != nil {
			return err
		}
		if r.s.metrics != nil {
			r.s.metrics.Frames.WithLabelValues(r.d.Route).Inc()
		}
		return nil
	})

	if r.s.metrics != nil {
		r.s.metrics.Finished.WithLabelValues(r.d.Route, result.Outcome.String()).Inc()
	}

	switch result.Outcome {
	case Completed:
		if err := After(r.ctx, r.op, r.req); err != nil {
			return r.fail(write, err)
		}
		r.logger.DebugContext(r.ctx, "Stream completed", "frames", result.Frames)
		return write(Line{RequestID: r.ID, IsFinished: true, FinishReason: result.Reason})

	case Cancelled:
		r.logger.InfoContext(r.ctx, "Stream cancelled", "frames", result.Frames)
		if result.Err != nil || r.parent.Err() != nil {
			// the client is gone; nothing more can be written
			return nil
		}
		return write(Line{RequestID: r.ID, IsFinished: true, FinishReason: domain.FinishCancelled})

	default:
		return r.fail(write, result.Err)
	}
}

func (r *Run) fail(write func(Line) error, err error) error {
	se := apperrors.AsStructuredError(err)
	if !se.Expected() {
		r.logger.ErrorContext(r.ctx, "Stream failed", "error", se.Cause)
	}
	resp := se.ToResponse()
	if werr := write(Line{RequestID: r.ID, IsFinished: true, Error: &resp}); werr != nil {
		return errors.Join(se, werr)
	}
	return se
}

// Cancel stops the stream registered under requestID. Unknown and already
// finished ids return false.
func (s *Streamer) Cancel(requestID string) bool {
	found := s.aborts.Cancel(requestID)
	if s.metrics != nil {
		s.metrics.Cancels.WithLabelValues(strconv.FormatBool(found)).Inc()
	}
	return found
}

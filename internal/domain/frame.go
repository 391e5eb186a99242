package domain

import "errors"

// Finish reasons reported on terminal frames.
const (
	FinishCompleted = "completed"
	FinishCancelled = "cancelled"
)

// ErrStreamClosed is returned by Emit once the consumer no longer accepts frames.
var ErrStreamClosed = errors.New("stream closed")

// Frame is one emitted unit of a streaming operation.
type Frame struct {
	// Event names the frame for the client; empty means "event".
	Event   string
	Payload any

	// Group or SessionID correlate the frame with a broadcast group.
	Group     string
	SessionID string

	// Stamped by the invoker.
	RequestID string
	Seq       uint64

	// Finished ends the stream explicitly; no frames follow it.
	Finished     bool
	FinishReason string
}

// Emit hands one frame to the consumer. It returns ErrStreamClosed or the
// context error when the frame was not accepted.
type Emit func(frame Frame) error

// BroadcastGroup returns the group a frame should be fanned out to, if any.
func (f Frame) BroadcastGroup() string {
	if f.Group != "" {
		return f.Group
	}
	if f.SessionID != "" {
		return SessionGroup(f.SessionID)
	}
	return ""
}

// SessionGroup derives the broadcast group name for a session id.
func SessionGroup(sessionID string) string {
	return "session:" + sessionID
}

// Package envelope implements the wire unit of the persistent-connection
// protocol. The same shape flows in both directions; unknown fields are kept
// in Extra so newer clients survive a round trip through older servers.
package envelope

import (
	"encoding/json"
	"errors"
)

// Message types.
const (
	TypeHello      = "hello"
	TypeHelloOK    = "hello_ok"
	TypeStart      = "start"
	TypeCancel     = "cancel"
	TypeRescope    = "rescope"
	TypeJoinGroup  = "joinGroup"
	TypeLeaveGroup = "leaveGroup"
	TypeAck        = "ack"
	TypeEvent      = "event"
	TypeError      = "error"
	TypeFinished   = "finished"
)

// Event names emitted by the dispatcher itself.
const (
	EventCoalesced = "coalesced"
	EventCancelled = "cancelled"
	EventJoined    = "joined"
	EventLeft      = "left"
	EventRescoped  = "rescoped"
)

var ErrMissingType = errors.New("envelope: missing type")

// Envelope is a tagged union identified by Type.
type Envelope struct {
	Type            string
	Event           string
	RequestID       string
	ClientRequestID string
	Route           string
	Token           string
	Group           string
	SessionID       string
	Protocol        string
	PrincipalID     string
	Seq             *uint64
	Payload         json.RawMessage
	Code            string
	Message         string
	Details         []string
	Reason          string
	// Close asks the receiver to close the connection after this envelope.
	Close bool
	Extra map[string]json.RawMessage
}

// Codec encodes envelopes for one connection.
type Codec interface {
	Name() string
	Encode(env Envelope) ([]byte, error)
	Decode(data []byte) (Envelope, error)
	// Binary reports whether frames are sent as binary messages.
	Binary() bool
}

// HelloOK confirms a successful hello.
func HelloOK(principalID, protocol string) Envelope {
	return Envelope{Type: TypeHelloOK, PrincipalID: principalID, Protocol: protocol}
}

// Ack confirms an accepted start.
func Ack(requestID, clientRequestID, route string) Envelope {
	return Envelope{Type: TypeAck, RequestID: requestID, ClientRequestID: clientRequestID, Route: route}
}

// Event builds a data or notification frame.
func Event(requestID, event string, payload json.RawMessage) Envelope {
	return Envelope{Type: TypeEvent, RequestID: requestID, Event: event, Payload: payload}
}

// Error builds a structured error frame.
func Error(requestID, clientRequestID, code, message string, details []string) Envelope {
	return Envelope{
		Type:            TypeError,
		RequestID:       requestID,
		ClientRequestID: clientRequestID,
		Code:            code,
		Message:         message,
		Details:         details,
	}
}

// Finished builds the terminal frame of a run.
func Finished(requestID, reason string) Envelope {
	return Envelope{Type: TypeFinished, RequestID: requestID, Reason: reason}
}

// Terminal reports whether env ends a run.
func (e Envelope) Terminal() bool {
	return e.Type == TypeFinished || (e.Type == TypeError && e.RequestID != "")
}

// WithSeq returns a copy of e carrying sequence number n.
func (e Envelope) WithSeq(n uint64) Envelope {
	e.Seq = &n
	return e
}

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	"github.com/pscheid92/opwire/internal/domain"
	"github.com/pscheid92/opwire/internal/envelope"
	"github.com/pscheid92/opwire/internal/invoke"
	apperrors "github.com/pscheid92/opwire/internal/platform/errors"
	"github.com/pscheid92/opwire/internal/platform/logging"
	"github.com/pscheid92/opwire/internal/registry"
)

const principalField = "principalId"

// handleStart admits or rejects a start on the actor. Checks run in a fixed
// order: route, payload shape, inline authentication, principal propagation,
// cooldown, authorization, validation, then exclusivity. An admitted start
// is acknowledged before its run goroutine emits anything.
func (c *Connection) handleStart(env envelope.Envelope) {
	clientRID := env.ClientRequestID

	d, ok := c.d.registry.Resolve(env.Route)
	if !ok || d.Kind() != registry.KindStream || !d.Capabilities.Has(registry.ConnectionBound) {
		c.countStart("unknown", string(apperrors.CodeNotFound))
		_ = c.sendError(c.ctx, "", clientRID, apperrors.NotFound("no operation for route").WithContext("route", env.Route))
		return
	}

	reject := func(err error) {
		c.countStart(d.Route, string(apperrors.CodeOf(err)))
		_ = c.sendError(c.ctx, "", clientRID, err)
	}

	op := d.New()
	raw := env.Payload
	req, err := invoke.Decode(op, raw, apperrors.CodeInvalidStart)
	if err != nil {
		reject(err)
		return
	}

	if d.Policy.RequiresAuthorization && !c.authenticated {
		if env.Token == "" {
			reject(apperrors.Unauthorized("missing token"))
			return
		}
		// Admission resumes from the top once the token check reports back.
		c.beginAuth(env, env.Token)
		return
	}

	if injected, ok := withPrincipal(raw, c.principalID); ok {
		raw = injected
		if req, err = invoke.Decode(op, raw, apperrors.CodeInvalidStart); err != nil {
			reject(err)
			return
		}
	}

	if cooldown := d.Policy.StartCooldown; cooldown > 0 && !c.lastStartAt.IsZero() {
		if elapsed := c.d.clock.Since(c.lastStartAt); elapsed < cooldown {
			reject(apperrors.Throttled("start cooldown active").WithContext("retry_after_ms", (cooldown - elapsed).Milliseconds()))
			return
		}
	}

	op.Bind(domain.Caller{
		PrincipalID:   c.principalID,
		Authenticated: c.authenticated,
		Transport:     domain.TransportConnection,
		ConnectionID:  c.info.ID,
	})

	if err := invoke.Authorize(c.ctx, op, req); err != nil {
		reject(err)
		return
	}
	if err := invoke.Validate(c.ctx, d, op, raw, req); err != nil {
		reject(err)
		return
	}

	key := coalesceKey(d.Route, op, req, raw)
	exclusive := !d.Policy.AllowParallelStarts
	if exclusive && c.active != nil {
		if c.active.key == key {
			c.countStart(d.Route, envelope.EventCoalesced)
			payload, _ := json.Marshal(map[string]string{"route": c.active.route})
			reply := envelope.Event(c.active.id, envelope.EventCoalesced, payload)
			reply.ClientRequestID = clientRID
			_ = c.send(c.ctx, reply)
			return
		}
		reject(apperrors.Busy("another operation is running on this connection").WithContext("request_id", c.active.id))
		return
	}

	now := c.d.clock.Now()
	runCtx, cancel := context.WithCancel(c.ctx)
	r := &run{
		id:              uuid.NewString(),
		clientRequestID: clientRID,
		route:           d.Route,
		key:             key,
		startedAt:       now,
		ctx:             runCtx,
		cancel:          cancel,
	}
	if exclusive {
		c.active = r
	} else {
		c.parallel[r.id] = r
	}
	c.lastStartAt = now
	c.countStart(d.Route, "accepted")
	if c.d.metrics != nil {
		c.d.metrics.ActiveRuns.Inc()
	}

	if err := c.send(c.ctx, envelope.Ack(r.id, clientRID, d.Route)); err != nil {
		cancel()
	}

	c.tasks.Add(1)
	go c.execute(r, op.(domain.StreamOperation), req)
}

// rejectStart answers a start that failed inline authentication.
func (c *Connection) rejectStart(env envelope.Envelope, err error) {
	route := "unknown"
	if d, ok := c.d.registry.Resolve(env.Route); ok {
		route = d.Route
	}
	c.countStart(route, string(apperrors.CodeOf(err)))
	_ = c.sendError(c.ctx, "", env.ClientRequestID, err)
}

// execute drains the run's frames to the transport and to the groups they
// name, then reports the outcome to the actor.
func (c *Connection) execute(r *run, op domain.StreamOperation, req any) {
	defer c.tasks.Done()

	logger := logging.WithRequest(c.logger, r.route, r.id)
	published := make(map[string]struct{})
	var result invoke.Result

	if err := invoke.Before(r.ctx, op, req); err != nil {
		result = invoke.Result{Outcome: invoke.Failed, Err: err}
	} else {
		var encodeErr error
		result = invoke.Drain(r.ctx, op, req, r.id, func(frame domain.Frame) error {
			env, err := frameEnvelope(frame)
			if err != nil {
				encodeErr = err
				return err
			}
			if err := c.send(r.ctx, env); err != nil {
				return err
			}
			if c.d.metrics != nil {
				c.d.metrics.FramesSent.WithLabelValues(r.route).Inc()
			}
			if group := frame.BroadcastGroup(); group != "" {
				published[group] = struct{}{}
				if _, err := c.d.groups.Publish(group, c.info.ID, env); err != nil {
					logger.WarnContext(r.ctx, "Failed to publish frame to group", "group", group, "error", err)
				}
			}
			return nil
		})

		switch {
		case encodeErr != nil:
			result = invoke.Result{Outcome: invoke.Failed, Err: apperrors.Internal("cannot encode frame", encodeErr), Frames: result.Frames}
		case result.Outcome == invoke.Completed:
			if err := invoke.After(r.ctx, op, req); err != nil {
				result = invoke.Result{Outcome: invoke.Failed, Err: err, Frames: result.Frames}
			}
		}
	}

	ended := cmdRunEnded{run: r, result: result}
	for group := range published {
		ended.groups = append(ended.groups, group)
	}
	sort.Strings(ended.groups)

	select {
	case c.cmdCh <- ended:
	case <-c.done:
	}
}

// handleRunEnded clears the run slot, then emits the run's terminal frame to
// the caller and to every group its frames reached.
func (c *Connection) handleRunEnded(e cmdRunEnded) {
	r := e.run
	if c.active == r {
		c.active = nil
	} else {
		delete(c.parallel, r.id)
	}
	r.cancel()

	var terminal envelope.Envelope
	reason := e.result.Reason
	switch e.result.Outcome {
	case invoke.Completed:
		terminal = envelope.Finished(r.id, reason)
	case invoke.Cancelled:
		reason = domain.FinishCancelled
		terminal = envelope.Finished(r.id, reason)
	default:
		se := apperrors.AsStructuredError(e.result.Err)
		reason = string(se.Code)
		if !se.Expected() {
			logging.WithRequest(c.logger, r.route, r.id).ErrorContext(c.ctx, "Run failed", "error", se.Cause, "frames", e.result.Frames)
		}
		terminal = envelope.Error(r.id, r.clientRequestID, string(se.Code), se.Message, se.Details)
	}
	terminal.ClientRequestID = r.clientRequestID

	if c.d.metrics != nil {
		c.d.metrics.ActiveRuns.Dec()
		c.d.metrics.RunDuration.WithLabelValues(r.route, reason).Observe(c.d.clock.Since(r.startedAt).Seconds())
	}

	_ = c.send(c.ctx, terminal)
	for _, group := range e.groups {
		if _, err := c.d.groups.Publish(group, c.info.ID, terminal); err != nil {
			c.logger.WarnContext(c.ctx, "Failed to publish terminal frame to group", "group", group, "error", err)
		}
	}
}

func (c *Connection) countStart(route, outcome string) {
	if c.d.metrics != nil {
		c.d.metrics.StartsTotal.WithLabelValues(route, outcome).Inc()
	}
}

func frameEnvelope(frame domain.Frame) (envelope.Envelope, error) {
	var payload json.RawMessage
	if frame.Payload != nil {
		data, err := json.Marshal(frame.Payload)
		if err != nil {
			return envelope.Envelope{}, err
		}
		payload = data
	}
	env := envelope.Event(frame.RequestID, frame.Event, payload).WithSeq(frame.Seq)
	env.Group = frame.Group
	env.SessionID = frame.SessionID
	return env, nil
}

// withPrincipal sets principalId on a JSON object payload that lacks one.
// Absent payloads become an object; non-object payloads are left alone.
func withPrincipal(raw json.RawMessage, principalID string) (json.RawMessage, bool) {
	if principalID == "" {
		return raw, false
	}

	fields := make(map[string]json.RawMessage)
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if trimmed[0] != '{' {
			return raw, false
		}
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return raw, false
		}
	}

	if existing, ok := fields[principalField]; ok {
		v := string(bytes.TrimSpace(existing))
		if v != "null" && v != `""` {
			return raw, false
		}
	}

	id, err := json.Marshal(principalID)
	if err != nil {
		return raw, false
	}
	fields[principalField] = id
	out, err := json.Marshal(fields)
	if err != nil {
		return raw, false
	}
	return out, true
}

// coalesceKey identifies duplicate starts: the operation's own key when it
// defines one, else the route and the canonical payload.
func coalesceKey(route string, op domain.Operation, req any, raw json.RawMessage) string {
	if c, ok := op.(domain.Coalescer); ok {
		return route + "\x00" + c.CoalesceKey(req)
	}
	return route + "\x00" + canonicalJSON(raw)
}

func canonicalJSON(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pscheid92/opwire/internal/domain"
	"github.com/pscheid92/opwire/internal/envelope"
	"github.com/pscheid92/opwire/internal/groups"
	"github.com/pscheid92/opwire/internal/invoke"
	"github.com/pscheid92/opwire/internal/platform/correlation"
	apperrors "github.com/pscheid92/opwire/internal/platform/errors"
	"github.com/pscheid92/opwire/internal/ratelimit"
)

// ErrClosed is returned by Handle once the connection has shut down.
var ErrClosed = errors.New("connection closed")

// State is a snapshot of one connection's protocol state.
type State struct {
	Authenticated   bool
	PrincipalID     string
	LastStartAt     time.Time
	ActiveRequestID string
	ActiveKey       string
	ParallelRuns    []string
}

type run struct {
	id              string
	clientRequestID string
	route           string
	key             string
	startedAt       time.Time
	ctx             context.Context
	cancel          context.CancelFunc
}

type connCmd interface{ connCmd() }

type cmdEnvelope struct {
	env envelope.Envelope
}

func (cmdEnvelope) connCmd() {}

type cmdRunEnded struct {
	run    *run
	result invoke.Result
	groups []string
}

func (cmdRunEnded) connCmd() {}

// cmdAuthResult carries the outcome of a token check back to the actor,
// together with the hello or start that asked for it.
type cmdAuthResult struct {
	env       envelope.Envelope
	principal domain.Principal
	err       error
}

func (cmdAuthResult) connCmd() {}

type cmdSnapshot struct {
	reply chan State
}

func (cmdSnapshot) connCmd() {}

// Connection is the actor serving one persistent connection. Everything
// below the channel fields is owned by the run goroutine.
type Connection struct {
	d      *Dispatcher
	t      Transport
	info   domain.ConnectionInfo
	ctx    context.Context
	cancel context.CancelFunc
	cmdCh  chan connCmd
	done   chan struct{}
	tasks  sync.WaitGroup
	logger *slog.Logger

	authenticated bool
	principalID   string
	lastStartAt   time.Time
	active        *run
	parallel      map[string]*run

	// While a token check is in flight, hello and start messages wait in
	// deferred so they keep their order relative to the authentication.
	authPending bool
	deferred    []envelope.Envelope
}

func newConnection(ctx context.Context, d *Dispatcher, t Transport, info domain.ConnectionInfo) *Connection {
	ctx = correlation.WithConnection(ctx, info.ID)
	if _, ok := correlation.ID(ctx); !ok {
		ctx = correlation.WithID(ctx, info.ID)
	}
	ctx, cancel := context.WithCancel(ctx)

	return &Connection{
		d:        d,
		t:        t,
		info:     info,
		ctx:      ctx,
		cancel:   cancel,
		cmdCh:    make(chan connCmd, commandQueueSize),
		done:     make(chan struct{}),
		logger:   d.logger,
		parallel: make(map[string]*run),
	}
}

func (c *Connection) ID() string { return c.info.ID }

// Done is closed once the connection has shut down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Handle accepts one decoded inbound envelope from the read loop. Each
// message first takes a token from the connection's rate limit; throttled
// messages are answered with error(throttled) and dropped.
func (c *Connection) Handle(ctx context.Context, env envelope.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.d.tracker.OnReceived(c.ctx, c.info.ID, env.Type)

	if c.d.limiter != nil {
		if err := c.d.limiter.Acquire(ctx, c.info.ID); err != nil {
			if !errors.Is(err, ratelimit.ErrLimited) {
				return err
			}
			if c.d.metrics != nil {
				c.d.metrics.ThrottledMsg.Inc()
			}
			c.logger.DebugContext(c.ctx, "Dropping throttled message", "type", env.Type)
			return c.sendError(c.ctx, "", env.ClientRequestID, apperrors.Throttled("too many messages"))
		}
	}

	select {
	case c.cmdCh <- cmdEnvelope{env: env}:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current protocol state.
func (c *Connection) Snapshot() (State, error) {
	reply := make(chan State, 1)
	select {
	case c.cmdCh <- cmdSnapshot{reply: reply}:
	case <-c.done:
		return State{}, ErrClosed
	}
	select {
	case s := <-reply:
		return s, nil
	case <-c.done:
		return State{}, ErrClosed
	}
}

// Close cancels every run, leaves all groups and waits for the connection's
// goroutines to finish.
func (c *Connection) Close() {
	c.cancel()
	<-c.done
	c.tasks.Wait()
}

func (c *Connection) run() {
	defer c.shutdown()
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(c.ctx, "Connection actor panic recovered", "panic", r)
		}
	}()

	for {
		select {
		case cmd := <-c.cmdCh:
			switch cmd := cmd.(type) {
			case cmdEnvelope:
				c.handleEnvelope(cmd.env)
			case cmdRunEnded:
				c.handleRunEnded(cmd)
			case cmdAuthResult:
				c.handleAuthResult(cmd)
			case cmdSnapshot:
				cmd.reply <- c.snapshot()
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) shutdown() {
	c.cancel()
	defer close(c.done)

	if left, err := c.d.groups.LeaveAll(c.info.ID); err != nil {
		c.logger.WarnContext(c.ctx, "Failed to leave groups on close", "error", err)
	} else if len(left) > 0 {
		c.logger.DebugContext(c.ctx, "Left groups on close", "groups", left)
	}
	if c.d.limiter != nil {
		c.d.limiter.Release(c.info.ID)
	}
	if c.d.metrics != nil {
		c.d.metrics.ActiveRuns.Sub(float64(c.runCount()))
	}
	c.d.tracker.OnClosed(c.ctx, c.info.ID, c.d.clock.Since(c.info.OpenedAt))
}

func (c *Connection) runCount() int {
	n := len(c.parallel)
	if c.active != nil {
		n++
	}
	return n
}

func (c *Connection) snapshot() State {
	s := State{
		Authenticated: c.authenticated,
		PrincipalID:   c.principalID,
		LastStartAt:   c.lastStartAt,
	}
	if c.active != nil {
		s.ActiveRequestID = c.active.id
		s.ActiveKey = c.active.key
	}
	for id := range c.parallel {
		s.ParallelRuns = append(s.ParallelRuns, id)
	}
	sort.Strings(s.ParallelRuns)
	return s
}

func (c *Connection) handleEnvelope(env envelope.Envelope) {
	if c.authPending && (env.Type == envelope.TypeHello || env.Type == envelope.TypeStart) {
		if len(c.deferred) >= commandQueueSize {
			_ = c.sendError(c.ctx, "", env.ClientRequestID, apperrors.Throttled("too many messages awaiting authentication"))
			return
		}
		c.deferred = append(c.deferred, env)
		return
	}

	switch env.Type {
	case envelope.TypeHello:
		c.handleHello(env)
	case envelope.TypeStart:
		c.handleStart(env)
	case envelope.TypeCancel:
		c.handleCancel(env)
	case envelope.TypeRescope:
		c.handleRescope(env)
	case envelope.TypeJoinGroup:
		c.handleJoin(env)
	case envelope.TypeLeaveGroup:
		c.handleLeave(env)
	default:
		c.logger.DebugContext(c.ctx, "Ignoring unknown message type", "type", env.Type)
	}
}

func (c *Connection) handleHello(env envelope.Envelope) {
	if err := c.d.checkProtocol(env.Protocol); err != nil {
		_ = c.sendError(c.ctx, "", env.ClientRequestID, apperrors.InvalidRequest(err.Error()))
		return
	}
	if env.Token == "" {
		_ = c.sendError(c.ctx, "", env.ClientRequestID, apperrors.Unauthorized("missing token"))
		return
	}
	c.beginAuth(env, env.Token)
}

// beginAuth validates token off the actor and posts the outcome back as a
// cmdAuthResult. Until it arrives, hello and start messages are deferred.
func (c *Connection) beginAuth(env envelope.Envelope, token string) {
	c.authPending = true

	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()

		principal, err := c.validateToken(token)
		select {
		case c.cmdCh <- cmdAuthResult{env: env, principal: principal, err: err}:
		case <-c.ctx.Done():
		}
	}()
}

// validateToken asks the identity validator about token. Unknown tokens are
// unauthorized; validator faults are internal.
func (c *Connection) validateToken(token string) (domain.Principal, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.d.authTimeout)
	defer cancel()

	var (
		principal domain.Principal
		ok        bool
	)
	err := invoke.Guard(func() error {
		var err error
		principal, ok, err = c.d.identity.Validate(ctx, token)
		return err
	})
	if err != nil {
		return domain.Principal{}, apperrors.Internal("identity validation failed", err)
	}
	if !ok {
		return domain.Principal{}, apperrors.Unauthorized("invalid token")
	}
	return principal, nil
}

// handleAuthResult applies a finished token check, answers or resumes the
// message that asked for it, then replays whatever was deferred meanwhile.
func (c *Connection) handleAuthResult(res cmdAuthResult) {
	c.authPending = false
	if res.err == nil {
		c.authenticated = true
		c.principalID = res.principal.ID
	}

	switch res.env.Type {
	case envelope.TypeHello:
		if res.err != nil {
			_ = c.sendError(c.ctx, "", res.env.ClientRequestID, res.err)
			break
		}
		reply := envelope.HelloOK(res.principal.ID, c.d.protocol)
		reply.ClientRequestID = res.env.ClientRequestID
		_ = c.send(c.ctx, reply)
	case envelope.TypeStart:
		if res.err != nil {
			c.rejectStart(res.env, res.err)
			break
		}
		c.handleStart(res.env)
	}

	for !c.authPending && len(c.deferred) > 0 {
		next := c.deferred[0]
		c.deferred = c.deferred[1:]
		c.handleEnvelope(next)
	}
	if len(c.deferred) == 0 {
		c.deferred = nil
	}
}

// handleCancel cancels the targeted run. A cancel that matches no run is
// answered without a request id, so nothing follows a run's terminal frame.
func (c *Connection) handleCancel(env envelope.Envelope) {
	r := c.findRun(env.RequestID)

	var reply envelope.Envelope
	if r != nil {
		r.cancel()
		payload, _ := json.Marshal(map[string]bool{"cancelled": true})
		reply = envelope.Event(r.id, envelope.EventCancelled, payload)
	} else {
		body := map[string]any{"cancelled": false}
		if env.RequestID != "" {
			body["requestId"] = env.RequestID
		}
		payload, _ := json.Marshal(body)
		reply = envelope.Event("", envelope.EventCancelled, payload)
	}
	reply.ClientRequestID = env.ClientRequestID
	_ = c.send(c.ctx, reply)
}

// findRun returns the run a cancel targets: the exclusive run when id is
// empty, otherwise the exclusive or parallel run with that id.
func (c *Connection) findRun(id string) *run {
	if id == "" {
		return c.active
	}
	if c.active != nil && c.active.id == id {
		return c.active
	}
	return c.parallel[id]
}

func (c *Connection) handleJoin(env envelope.Envelope) {
	group, ok := c.targetGroup(env)
	if !ok {
		return
	}
	joined, err := c.d.groups.Join(group, c.member())
	if err != nil {
		_ = c.sendError(c.ctx, "", env.ClientRequestID, apperrors.Internal("cannot join group", err))
		return
	}
	c.sendGroupEvent(env, envelope.EventJoined, group, "", map[string]any{"group": group, "joined": joined})
}

func (c *Connection) handleLeave(env envelope.Envelope) {
	group, ok := c.targetGroup(env)
	if !ok {
		return
	}
	left, err := c.d.groups.Leave(group, c.info.ID)
	if err != nil {
		_ = c.sendError(c.ctx, "", env.ClientRequestID, apperrors.Internal("cannot leave group", err))
		return
	}
	c.sendGroupEvent(env, envelope.EventLeft, group, "", map[string]any{"group": group, "left": left})
}

// handleRescope joins the target group, then reports the request currently
// streaming into it. The lookup waits up to RescopeWait off the actor.
func (c *Connection) handleRescope(env envelope.Envelope) {
	group, ok := c.targetGroup(env)
	if !ok {
		return
	}
	if _, err := c.d.groups.Join(group, c.member()); err != nil {
		_ = c.sendError(c.ctx, "", env.ClientRequestID, apperrors.Internal("cannot join group", err))
		return
	}

	own := ""
	if c.active != nil {
		own = c.active.id
	}
	if c.d.rescopeWait <= 0 {
		c.sendGroupEvent(env, envelope.EventRescoped, group, own, rescoped(group, own))
		return
	}

	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()

		ctx, cancel := context.WithCancel(c.ctx)
		timer := c.d.clock.AfterFunc(c.d.rescopeWait, cancel)
		rid, found := c.d.groups.AwaitRequest(ctx, group)
		timer.Stop()
		cancel()

		if c.ctx.Err() != nil {
			return
		}
		if !found {
			rid = own
		}
		c.sendGroupEvent(env, envelope.EventRescoped, group, rid, rescoped(group, rid))
	}()
}

func rescoped(group, requestID string) map[string]any {
	payload := map[string]any{"group": group}
	if requestID != "" {
		payload["requestId"] = requestID
	}
	return payload
}

// targetGroup resolves the group named by env, answering invalid_request
// when there is none.
func (c *Connection) targetGroup(env envelope.Envelope) (string, bool) {
	switch {
	case env.Group != "":
		return env.Group, true
	case env.SessionID != "":
		return domain.SessionGroup(env.SessionID), true
	}
	_ = c.sendError(c.ctx, "", env.ClientRequestID, apperrors.InvalidRequest(env.Type+" requires group or sessionId"))
	return "", false
}

func (c *Connection) sendGroupEvent(env envelope.Envelope, event, group, requestID string, payload map[string]any) {
	data, _ := json.Marshal(payload)
	reply := envelope.Event(requestID, event, data)
	reply.ClientRequestID = env.ClientRequestID
	reply.Group = group
	_ = c.send(c.ctx, reply)
}

func (c *Connection) member() groups.Member {
	return member{c: c}
}

// send writes env to the transport and reports it to the tracker.
func (c *Connection) send(ctx context.Context, env envelope.Envelope) error {
	if err := c.t.Send(ctx, env); err != nil {
		if !errors.Is(err, context.Canceled) {
			c.d.tracker.OnError(c.ctx, c.info.ID, err)
		}
		return err
	}
	c.d.tracker.OnSent(c.ctx, c.info.ID, env.Type)
	return nil
}

func (c *Connection) sendError(ctx context.Context, requestID, clientRequestID string, err error) error {
	se := apperrors.AsStructuredError(err)
	if !se.Expected() {
		c.logger.ErrorContext(c.ctx, "Request failed", "request_id", requestID, "error", se.Cause)
	}
	return c.send(ctx, envelope.Error(requestID, clientRequestID, string(se.Code), se.Message, se.Details))
}

// member adapts a connection to group membership.
type member struct {
	c *Connection
}

func (m member) ID() string { return m.c.info.ID }

func (m member) Deliver(env envelope.Envelope) bool {
	if !m.c.t.TrySend(env) {
		return false
	}
	m.c.d.tracker.OnSent(m.c.ctx, m.c.info.ID, env.Type)
	return true
}

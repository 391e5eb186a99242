package groups

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/opwire/internal/adapter/metrics"
	"github.com/pscheid92/opwire/internal/envelope"
)

const (
	commandTimeout   = 5 * time.Second
	relayTimeout     = 2 * time.Second
	relayQueueSize   = 256
	commandQueueSize = 256
)

// ErrStopped is returned by calls made after Stop.
var ErrStopped = errors.New("group hub stopped")

// Member is one local recipient of group envelopes.
type Member interface {
	ID() string
	// Deliver enqueues env without blocking and reports whether it was accepted.
	Deliver(env envelope.Envelope) bool
}

type members map[string]Member

type hubCmd interface{ hubCmd() }

type cmdJoin struct {
	group  string
	member Member
	reply  chan bool
}

func (cmdJoin) hubCmd() {}

type cmdLeave struct {
	group    string
	memberID string
	reply    chan bool
}

func (cmdLeave) hubCmd() {}

type cmdLeaveAll struct {
	memberID string
	reply    chan []string
}

func (cmdLeaveAll) hubCmd() {}

type cmdPublish struct {
	msg    Message
	remote bool
	reply  chan int
}

func (cmdPublish) hubCmd() {}

type cmdMembers struct {
	group string
	reply chan []string
}

func (cmdMembers) hubCmd() {}

type cmdAwait struct {
	group string
	id    uint64
	reply chan string
}

func (cmdAwait) hubCmd() {}

type cmdForget struct {
	group string
	id    uint64
}

func (cmdForget) hubCmd() {}

type cmdStop struct{}

func (cmdStop) hubCmd() {}

// Hub owns group membership. All state lives on the run goroutine.
type Hub struct {
	instanceID string
	cmdCh      chan hubCmd
	done       chan struct{}
	groups     map[string]members
	current    map[string]string
	waiters    map[string]map[uint64]chan string
	waiterSeq  atomic.Uint64
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *metrics.GroupMetrics
	relay      Relay
	relayCh    chan Message
	relayStop  context.CancelFunc
}

type Option func(*Hub)

func WithRelay(relay Relay) Option {
	return func(h *Hub) { h.relay = relay }
}

func WithMetrics(m *metrics.GroupMetrics) Option {
	return func(h *Hub) { h.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

func WithClock(clock clockwork.Clock) Option {
	return func(h *Hub) { h.clock = clock }
}

// WithInstanceID fixes the id stamped on relayed messages. Defaults to a uuid.
func WithInstanceID(id string) Option {
	return func(h *Hub) { h.instanceID = id }
}

// NewHub starts the hub goroutine. With a relay configured it subscribes
// before returning, so remote publications are not missed.
func NewHub(ctx context.Context, opts ...Option) (*Hub, error) {
	h := &Hub{
		instanceID: uuid.NewString(),
		cmdCh:      make(chan hubCmd, commandQueueSize),
		done:       make(chan struct{}),
		groups:     make(map[string]members),
		current:    make(map[string]string),
		waiters:    make(map[string]map[uint64]chan string),
		clock:      clockwork.NewRealClock(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.relay != nil {
		relayCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		incoming, err := h.relay.Subscribe(relayCtx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("subscribe relay: %w", err)
		}
		h.relayStop = cancel
		h.relayCh = make(chan Message, relayQueueSize)
		go h.forwardRemote(incoming)
		go h.publishRemote(relayCtx)
	}

	go h.run()
	return h, nil
}

// InstanceID identifies this hub on the relay.
func (h *Hub) InstanceID() string { return h.instanceID }

// Join adds m to group and reports whether it was not a member before.
func (h *Hub) Join(group string, m Member) (bool, error) {
	reply := make(chan bool, 1)
	return await(h, cmdJoin{group: group, member: m, reply: reply}, reply)
}

// Leave removes the member from group and reports whether it was a member.
func (h *Hub) Leave(group, memberID string) (bool, error) {
	reply := make(chan bool, 1)
	return await(h, cmdLeave{group: group, memberID: memberID, reply: reply}, reply)
}

// LeaveAll removes the member from every group and returns the groups it left.
func (h *Hub) LeaveAll(memberID string) ([]string, error) {
	reply := make(chan []string, 1)
	return await(h, cmdLeaveAll{memberID: memberID, reply: reply}, reply)
}

// Publish delivers env to every local member of group except senderID and
// relays it to other instances. It returns the number of local deliveries.
func (h *Hub) Publish(group, senderID string, env envelope.Envelope) (int, error) {
	reply := make(chan int, 1)
	msg := Message{Origin: h.instanceID, Group: group, Sender: senderID, Envelope: env}
	return await(h, cmdPublish{msg: msg, reply: reply}, reply)
}

// Members returns the sorted member ids of group.
func (h *Hub) Members(group string) ([]string, error) {
	reply := make(chan []string, 1)
	return await(h, cmdMembers{group: group, reply: reply}, reply)
}

// AwaitRequest returns the request id currently streaming into group. When
// none is, it waits for the next run to publish until ctx is done.
func (h *Hub) AwaitRequest(ctx context.Context, group string) (string, bool) {
	reply := make(chan string, 1)
	id := h.waiterSeq.Add(1)

	select {
	case h.cmdCh <- cmdAwait{group: group, id: id, reply: reply}:
	case <-h.done:
		return "", false
	case <-ctx.Done():
		return "", false
	}

	select {
	case rid := <-reply:
		return rid, true
	case <-h.done:
		return "", false
	case <-ctx.Done():
		select {
		case h.cmdCh <- cmdForget{group: group, id: id}:
		case <-h.done:
		}
		return "", false
	}
}

// Stop shuts the hub down. Members are not closed; they belong to their
// connections.
func (h *Hub) Stop() {
	select {
	case h.cmdCh <- cmdStop{}:
	case <-h.done:
		return
	}
	<-h.done
	if h.relayStop != nil {
		h.relayStop()
	}
}

func await[T any](h *Hub, cmd hubCmd, reply chan T) (T, error) {
	var zero T
	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case h.cmdCh <- cmd:
	case <-h.done:
		return zero, ErrStopped
	case <-timer.Chan():
		return zero, fmt.Errorf("group command timed out after %v", commandTimeout)
	}

	select {
	case v := <-reply:
		return v, nil
	case <-h.done:
		return zero, ErrStopped
	case <-timer.Chan():
		return zero, fmt.Errorf("group command timed out after %v", commandTimeout)
	}
}

func (h *Hub) run() {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Group hub panic recovered", "panic", r)
		}
	}()

	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case cmdJoin:
			c.reply <- h.handleJoin(c.group, c.member)
		case cmdLeave:
			c.reply <- h.handleLeave(c.group, c.memberID)
		case cmdLeaveAll:
			c.reply <- h.handleLeaveAll(c.memberID)
		case cmdPublish:
			n := h.handlePublish(c.msg)
			if !c.remote {
				h.enqueueRelay(c.msg)
			}
			if c.reply != nil {
				c.reply <- n
			}
		case cmdMembers:
			c.reply <- h.memberIDs(c.group)
		case cmdAwait:
			h.handleAwait(c)
		case cmdForget:
			h.removeWaiter(c.group, c.id)
		case cmdStop:
			h.logger.Info("Group hub shutting down", "groups", len(h.groups))
			return
		default:
			h.logger.Warn("Group hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (h *Hub) handleJoin(group string, m Member) bool {
	set, exists := h.groups[group]
	if !exists {
		set = make(members)
		h.groups[group] = set
		h.updateGauge()
	}
	if _, ok := set[m.ID()]; ok {
		return false
	}
	set[m.ID()] = m
	h.logger.Debug("Member joined group", "group", group, "member", m.ID(), "members", len(set))
	return true
}

func (h *Hub) handleLeave(group, memberID string) bool {
	set, exists := h.groups[group]
	if !exists {
		return false
	}
	if _, ok := set[memberID]; !ok {
		return false
	}
	delete(set, memberID)
	if len(set) == 0 {
		delete(h.groups, group)
		h.updateGauge()
	}
	h.logger.Debug("Member left group", "group", group, "member", memberID)
	return true
}

func (h *Hub) handleLeaveAll(memberID string) []string {
	var left []string
	for group := range h.groups {
		if h.handleLeave(group, memberID) {
			left = append(left, group)
		}
	}
	sort.Strings(left)
	return left
}

func (h *Hub) handlePublish(msg Message) int {
	if h.metrics != nil {
		h.metrics.Published.Inc()
	}
	h.track(msg)
	delivered := 0
	for id, m := range h.groups[msg.Group] {
		if id == msg.Sender {
			continue
		}
		if !m.Deliver(msg.Envelope) {
			h.logger.Warn("Skipping slow group member", "group", msg.Group, "member", id)
			if h.metrics != nil {
				h.metrics.Dropped.Inc()
			}
			continue
		}
		delivered++
	}
	if h.metrics != nil {
		h.metrics.Delivered.Add(float64(delivered))
	}
	return delivered
}

// track follows which request currently streams into each group and wakes
// callers waiting for one.
func (h *Hub) track(msg Message) {
	env := msg.Envelope
	if env.RequestID == "" {
		return
	}
	if env.Terminal() {
		if h.current[msg.Group] == env.RequestID {
			delete(h.current, msg.Group)
		}
		return
	}
	h.current[msg.Group] = env.RequestID
	for _, reply := range h.waiters[msg.Group] {
		reply <- env.RequestID
	}
	delete(h.waiters, msg.Group)
}

func (h *Hub) handleAwait(c cmdAwait) {
	if rid, ok := h.current[c.group]; ok {
		c.reply <- rid
		return
	}
	if h.waiters[c.group] == nil {
		h.waiters[c.group] = make(map[uint64]chan string)
	}
	h.waiters[c.group][c.id] = c.reply
}

func (h *Hub) removeWaiter(group string, id uint64) {
	delete(h.waiters[group], id)
	if len(h.waiters[group]) == 0 {
		delete(h.waiters, group)
	}
}

func (h *Hub) memberIDs(group string) []string {
	ids := make([]string, 0, len(h.groups[group]))
	for id := range h.groups[group] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) updateGauge() {
	if h.metrics != nil {
		h.metrics.ActiveGroups.Set(float64(len(h.groups)))
	}
}

func (h *Hub) enqueueRelay(msg Message) {
	if h.relayCh == nil {
		return
	}
	select {
	case h.relayCh <- msg:
	default:
		h.logger.Warn("Relay queue full, dropping publication", "group", msg.Group)
		h.relayError("queue_full")
	}
}

func (h *Hub) relayError(operation string) {
	if h.metrics != nil {
		h.metrics.RelayErrors.WithLabelValues(operation).Inc()
	}
}

// publishRemote sends locally published messages to the relay in order.
func (h *Hub) publishRemote(ctx context.Context) {
	for {
		select {
		case msg := <-h.relayCh:
			pubCtx, cancel := context.WithTimeout(ctx, relayTimeout)
			err := h.relay.Publish(pubCtx, msg)
			cancel()
			if err != nil {
				h.logger.Error("Failed to relay group publication", "group", msg.Group, "error", err)
				h.relayError("publish")
			}
		case <-ctx.Done():
			return
		}
	}
}

// forwardRemote hands publications of other instances to the run goroutine.
func (h *Hub) forwardRemote(incoming <-chan Message) {
	for msg := range incoming {
		if msg.Origin == h.instanceID {
			continue
		}
		select {
		case h.cmdCh <- cmdPublish{msg: msg, remote: true}:
		case <-h.done:
			return
		}
	}
}

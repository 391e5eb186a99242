package dispatch

import (
	"testing"
	"time"

	"github.com/pscheid92/opwire/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRescope_SessionFramesReachOtherMembers(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher()
	owner, ownerTr := h.open(d, "owner")
	viewer, viewerTr := h.open(d, "viewer")

	send(t, viewer, envelope.Envelope{Type: envelope.TypeRescope, SessionID: "s1"})
	rescoped := viewerTr.expect(t, envelope.TypeEvent)
	assert.Equal(t, envelope.EventRescoped, rescoped.Event)
	assert.Equal(t, "session:s1", rescoped.Group)

	send(t, owner, envelope.Envelope{Type: envelope.TypeRescope, SessionID: "s1"})
	ownerTr.expect(t, envelope.TypeEvent)

	send(t, owner, start("echo", `{"n":2,"sessionId":"s1"}`))
	ack := ownerTr.expect(t, envelope.TypeAck)

	for i := range 2 {
		own := ownerTr.expect(t, envelope.TypeEvent)
		assert.Equal(t, uint64(i+1), *own.Seq)

		shared := viewerTr.expect(t, envelope.TypeEvent)
		assert.Equal(t, ack.RequestID, shared.RequestID)
		assert.Equal(t, "s1", shared.SessionID)
		assert.Equal(t, uint64(i+1), *shared.Seq)
	}
	ownerTr.expect(t, envelope.TypeFinished)
	fin := viewerTr.expect(t, envelope.TypeFinished)
	assert.Equal(t, ack.RequestID, fin.RequestID)

	ownerTr.expectNothing(t)
	viewerTr.expectNothing(t)
}

func TestRescope_RequiresTarget(t *testing.T) {
	h := newHarness(t)
	c, tr := h.open(h.dispatcher(), "c1")

	send(t, c, envelope.Envelope{Type: envelope.TypeRescope})
	tr.expectError(t, "invalid_request")
}

func TestRescope_WaitsForRunInGroup(t *testing.T) {
	h := newHarness(t)
	h.cfg.RescopeWait = time.Second
	d := h.dispatcher()
	owner, ownerTr := h.open(d, "owner")
	viewer, viewerTr := h.open(d, "viewer")

	send(t, viewer, envelope.Envelope{Type: envelope.TypeRescope, Group: "room"})
	require.NoError(t, h.clock.BlockUntilContext(t.Context(), 1))

	send(t, owner, start("echo", `{"n":1}`))
	ack := ownerTr.expect(t, envelope.TypeAck)
	ownerTr.expect(t, envelope.TypeEvent)
	ownerTr.expect(t, envelope.TypeFinished)

	// frames without a group never reach the room; the wait times out
	h.clock.Advance(time.Second)
	ev := viewerTr.expect(t, envelope.TypeEvent)
	assert.Equal(t, envelope.EventRescoped, ev.Event)
	assert.Empty(t, ev.RequestID)
	assert.NotEqual(t, ack.RequestID, ev.RequestID)
}

func TestRescope_ReportsRunAlreadyStreaming(t *testing.T) {
	h := newHarness(t)
	h.cfg.RescopeWait = time.Second
	d := h.dispatcher()
	viewer, viewerTr := h.open(d, "viewer")

	_, err := h.hub.Publish("session:s9", "elsewhere", envelope.Event("rid-9", "", nil))
	require.NoError(t, err)

	send(t, viewer, envelope.Envelope{Type: envelope.TypeRescope, SessionID: "s9"})
	ev := viewerTr.expect(t, envelope.TypeEvent)
	assert.Equal(t, envelope.EventRescoped, ev.Event)
	assert.Equal(t, "rid-9", ev.RequestID)
	assert.Equal(t, "rid-9", payloadOf(t, ev)["requestId"])
}

func TestJoinAndLeaveGroup(t *testing.T) {
	h := newHarness(t)
	c, tr := h.open(h.dispatcher(), "c1")

	send(t, c, envelope.Envelope{Type: envelope.TypeJoinGroup, Group: "lobby"})
	joined := tr.expect(t, envelope.TypeEvent)
	assert.Equal(t, envelope.EventJoined, joined.Event)
	assert.Equal(t, true, payloadOf(t, joined)["joined"])

	members, err := h.hub.Members("lobby")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, members)

	n, err := h.hub.Publish("lobby", "someone", envelope.Event("r", "note", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "note", tr.expect(t, envelope.TypeEvent).Event)

	send(t, c, envelope.Envelope{Type: envelope.TypeLeaveGroup, Group: "lobby"})
	left := tr.expect(t, envelope.TypeEvent)
	assert.Equal(t, envelope.EventLeft, left.Event)
	assert.Equal(t, true, payloadOf(t, left)["left"])

	send(t, c, envelope.Envelope{Type: envelope.TypeLeaveGroup, Group: "lobby"})
	again := tr.expect(t, envelope.TypeEvent)
	assert.Equal(t, false, payloadOf(t, again)["left"])

	send(t, c, envelope.Envelope{Type: envelope.TypeJoinGroup})
	tr.expectError(t, "invalid_request")
}

func TestGroups_SlowMemberDoesNotBlockRun(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher()
	owner, ownerTr := h.open(d, "owner")
	viewer, viewerTr := h.open(d, "viewer")

	send(t, viewer, envelope.Envelope{Type: envelope.TypeJoinGroup, SessionID: "s2"})
	viewerTr.expect(t, envelope.TypeEvent)
	viewerTr.mu.Lock()
	viewerTr.full = true
	viewerTr.mu.Unlock()

	send(t, owner, start("echo", `{"n":3,"sessionId":"s2"}`))
	ownerTr.expect(t, envelope.TypeAck)
	for range 3 {
		ownerTr.expect(t, envelope.TypeEvent)
	}
	ownerTr.expect(t, envelope.TypeFinished)
	viewerTr.expectNothing(t)
}

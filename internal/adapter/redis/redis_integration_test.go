package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pscheid92/opwire/internal/envelope"
	"github.com/pscheid92/opwire/internal/groups"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(context.Background(), "not a url")
	require.Error(t, err)
}

func TestChecker_Ping(t *testing.T) {
	client := setupTestClient(t)

	checker := NewChecker(client)
	assert.Equal(t, "redis", checker.Name())
	require.NoError(t, checker.Check(context.Background()))
}

func TestTokenStore_LookupPrincipal(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()
	store := NewTokenStore(client)

	require.NoError(t, client.Set(ctx, "opwire:token:tok-1", "alice", 0).Err())
	require.NoError(t, client.Set(ctx, "opwire:token:blank", "", 0).Err())

	principal, ok, err := store.LookupPrincipal(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", principal)

	_, ok, err = store.LookupPrincipal(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.LookupPrincipal(ctx, "blank")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRelay_PublishSubscribe(t *testing.T) {
	client := setupTestClient(t)
	relay := NewRelay(client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	incoming, err := relay.Subscribe(ctx)
	require.NoError(t, err)

	env := envelope.Event("rid-1", "tick", json.RawMessage(`{"index":1}`)).WithSeq(1)
	require.NoError(t, relay.Publish(ctx, groups.Message{Origin: "one", Group: "session:abc", Sender: "c1", Envelope: env}))

	select {
	case msg := <-incoming:
		assert.Equal(t, "one", msg.Origin)
		assert.Equal(t, "session:abc", msg.Group)
		assert.Equal(t, "c1", msg.Sender)
		assert.Equal(t, envelope.TypeEvent, msg.Envelope.Type)
		assert.Equal(t, "rid-1", msg.Envelope.RequestID)
		require.NotNil(t, msg.Envelope.Seq)
		assert.Equal(t, uint64(1), *msg.Envelope.Seq)
		assert.JSONEq(t, `{"index":1}`, string(msg.Envelope.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("relay message not received")
	}
}

func TestRelay_ChannelClosesWithContext(t *testing.T) {
	client := setupTestClient(t)
	relay := NewRelay(client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	incoming, err := relay.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-incoming:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRelay_BetweenHubs(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()

	h1, err := groups.NewHub(ctx, groups.WithRelay(NewRelay(client, nil)), groups.WithInstanceID("one"))
	require.NoError(t, err)
	t.Cleanup(h1.Stop)
	h2, err := groups.NewHub(ctx, groups.WithRelay(NewRelay(client, nil)), groups.WithInstanceID("two"))
	require.NoError(t, err)
	t.Cleanup(h2.Stop)

	remote := &member{id: "remote", ch: make(chan envelope.Envelope, 4)}
	_, err = h2.Join("room", remote)
	require.NoError(t, err)

	_, err = h1.Publish("room", "sender", envelope.Event("rid-2", "tick", nil))
	require.NoError(t, err)

	select {
	case env := <-remote.ch:
		assert.Equal(t, "rid-2", env.RequestID)
	case <-time.After(5 * time.Second):
		t.Fatal("publication did not cross instances")
	}
}

type member struct {
	id string
	ch chan envelope.Envelope
}

func (m *member) ID() string { return m.id }

func (m *member) Deliver(env envelope.Envelope) bool {
	select {
	case m.ch <- env:
		return true
	default:
		return false
	}
}

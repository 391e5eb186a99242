package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON_DecodeKnownFields(t *testing.T) {
	data := []byte(`{"type":"start","route":"echo","clientRequestId":"c1","token":"t","payload":{"n":3}}`)

	env, err := JSON{}.Decode(data)
	require.NoError(t, err)

	assert.Equal(t, TypeStart, env.Type)
	assert.Equal(t, "echo", env.Route)
	assert.Equal(t, "c1", env.ClientRequestID)
	assert.Equal(t, "t", env.Token)
	assert.JSONEq(t, `{"n":3}`, string(env.Payload))
	assert.Nil(t, env.Extra)
}

func TestJSON_PreservesUnknownFields(t *testing.T) {
	data := []byte(`{"type":"start","route":"echo","priority":7,"trace":{"span":"a"}}`)

	env, err := JSON{}.Decode(data)
	require.NoError(t, err)
	require.Len(t, env.Extra, 2)
	assert.JSONEq(t, `7`, string(env.Extra["priority"]))

	out, err := JSON{}.Encode(env)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(out))
}

func TestJSON_EncodeIsDeterministic(t *testing.T) {
	env := Envelope{
		Type:      TypeEvent,
		RequestID: "r1",
		Payload:   json.RawMessage(`{"index":0}`),
		Extra: map[string]json.RawMessage{
			"zeta":  json.RawMessage(`1`),
			"alpha": json.RawMessage(`2`),
		},
	}.WithSeq(1)

	first, err := JSON{}.Encode(env)
	require.NoError(t, err)
	for range 10 {
		again, err := JSON{}.Encode(env)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
	assert.Equal(t, `{"type":"event","requestId":"r1","seq":1,"payload":{"index":0},"alpha":2,"zeta":1}`, string(first))
}

func TestJSON_ExtraCannotShadowKnownField(t *testing.T) {
	env := Envelope{Type: TypeAck, Extra: map[string]json.RawMessage{"type": json.RawMessage(`"evil"`)}}

	out, err := JSON{}.Encode(env)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ack"}`, string(out))
}

func TestJSON_DecodeErrors(t *testing.T) {
	tests := map[string]string{
		"not json":     `{type`,
		"not object":   `[1,2]`,
		"missing type": `{"route":"echo"}`,
		"wrong type":   `{"type":5}`,
		"bad seq":      `{"type":"event","seq":"one"}`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := JSON{}.Decode([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestJSON_NullPayloadIsAbsent(t *testing.T) {
	env, err := JSON{}.Decode([]byte(`{"type":"cancel","payload":null}`))
	require.NoError(t, err)
	assert.Empty(t, env.Payload)
}

func TestCBOR_RoundTrip(t *testing.T) {
	env := Envelope{
		Type:      TypeEvent,
		RequestID: "r1",
		Event:     "tick",
		Payload:   json.RawMessage(`{"index":2,"text":"hi","ratio":0.5,"neg":-3}`),
		Extra:     map[string]json.RawMessage{"hint": json.RawMessage(`"x"`)},
	}.WithSeq(3)

	data, err := CBOR{}.Encode(env)
	require.NoError(t, err)

	decoded, err := CBOR{}.Decode(data)
	require.NoError(t, err)

	assert.Equal(t, env.Type, decoded.Type)
	assert.Equal(t, env.RequestID, decoded.RequestID)
	assert.Equal(t, env.Event, decoded.Event)
	require.NotNil(t, decoded.Seq)
	assert.Equal(t, uint64(3), *decoded.Seq)
	assert.JSONEq(t, string(env.Payload), string(decoded.Payload))
	assert.JSONEq(t, `"x"`, string(decoded.Extra["hint"]))
}

func TestCBOR_EncodeIsCanonical(t *testing.T) {
	a := Envelope{Type: TypeAck, RequestID: "r", Route: "echo"}
	first, err := CBOR{}.Encode(a)
	require.NoError(t, err)
	second, err := CBOR{}.Encode(a)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCBOR_DecodeGarbage(t *testing.T) {
	_, err := CBOR{}.Decode([]byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestForSubprotocol(t *testing.T) {
	assert.IsType(t, CBOR{}, ForSubprotocol("opwire.cbor"))
	assert.IsType(t, JSON{}, ForSubprotocol("opwire.json"))
	assert.IsType(t, JSON{}, ForSubprotocol(""))
	assert.Equal(t, []string{"opwire.json", "opwire.cbor"}, Subprotocols())
}

func TestConstructors(t *testing.T) {
	assert.True(t, Finished("r", "completed").Terminal())
	assert.True(t, Error("r", "", "server_exception", "boom", nil).Terminal())
	assert.False(t, Error("", "", "not_found", "no route", nil).Terminal())
	assert.False(t, Ack("r", "c", "echo").Terminal())

	hello := HelloOK("alice", "1.2.0")
	assert.Equal(t, TypeHelloOK, hello.Type)
	assert.Equal(t, "alice", hello.PrincipalID)
}

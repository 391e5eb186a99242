package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	if cborEnc, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if cborDec, err = (cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}).DecMode(); err != nil {
		panic(err)
	}
}

// CBOR is the binary codec. Envelopes are encoded as CBOR maps with the same
// string keys as the JSON form; payloads become native CBOR values.
type CBOR struct{}

func (CBOR) Name() string { return "opwire.cbor" }
func (CBOR) Binary() bool { return true }

func (CBOR) Encode(env Envelope) ([]byte, error) {
	text, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(text))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	out, err := cborEnc.Marshal(nativeNumbers(m))
	if err != nil {
		return nil, fmt.Errorf("encode cbor envelope: %w", err)
	}
	return out, nil
}

func (CBOR) Decode(data []byte) (Envelope, error) {
	var m map[string]any
	if err := cborDec.Unmarshal(data, &m); err != nil {
		return Envelope{}, fmt.Errorf("decode cbor envelope: %w", err)
	}
	text, err := json.Marshal(m)
	if err != nil {
		return Envelope{}, fmt.Errorf("decode cbor envelope: %w", err)
	}
	return JSON{}.Decode(text)
}

// ForSubprotocol returns the codec negotiated for a WebSocket subprotocol.
func ForSubprotocol(name string) Codec {
	if name == (CBOR{}).Name() {
		return CBOR{}
	}
	return JSON{}
}

// Subprotocols lists the supported subprotocols in preference order.
func Subprotocols() []string {
	return []string{JSON{}.Name(), CBOR{}.Name()}
}

// nativeNumbers replaces json.Number values so integers encode as CBOR
// integers instead of floats or text.
func nativeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = nativeNumbers(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = nativeNumbers(item)
		}
		return t
	case json.Number:
		if n, err := strconv.ParseUint(string(t), 10, 64); err == nil {
			return n
		}
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}

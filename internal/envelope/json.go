package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

type field struct {
	key string
	get func(e *Envelope) any
	set func(e *Envelope, raw json.RawMessage) error
}

func stringField(key string, p func(e *Envelope) *string) field {
	return field{
		key: key,
		get: func(e *Envelope) any {
			if v := *p(e); v != "" {
				return v
			}
			return nil
		},
		set: func(e *Envelope, raw json.RawMessage) error { return json.Unmarshal(raw, p(e)) },
	}
}

// fields lists known keys in their fixed output order.
var fields = []field{
	stringField("type", func(e *Envelope) *string { return &e.Type }),
	stringField("event", func(e *Envelope) *string { return &e.Event }),
	stringField("requestId", func(e *Envelope) *string { return &e.RequestID }),
	stringField("clientRequestId", func(e *Envelope) *string { return &e.ClientRequestID }),
	stringField("route", func(e *Envelope) *string { return &e.Route }),
	stringField("token", func(e *Envelope) *string { return &e.Token }),
	stringField("group", func(e *Envelope) *string { return &e.Group }),
	stringField("sessionId", func(e *Envelope) *string { return &e.SessionID }),
	stringField("protocol", func(e *Envelope) *string { return &e.Protocol }),
	stringField("principalId", func(e *Envelope) *string { return &e.PrincipalID }),
	{
		key: "seq",
		get: func(e *Envelope) any {
			if e.Seq == nil {
				return nil
			}
			return *e.Seq
		},
		set: func(e *Envelope, raw json.RawMessage) error {
			var n uint64
			if err := json.Unmarshal(raw, &n); err != nil {
				return err
			}
			e.Seq = &n
			return nil
		},
	},
	{
		key: "payload",
		get: func(e *Envelope) any {
			if len(e.Payload) == 0 {
				return nil
			}
			return e.Payload
		},
		set: func(e *Envelope, raw json.RawMessage) error {
			if string(raw) == "null" {
				return nil
			}
			e.Payload = append(json.RawMessage(nil), raw...)
			return nil
		},
	},
	stringField("code", func(e *Envelope) *string { return &e.Code }),
	stringField("message", func(e *Envelope) *string { return &e.Message }),
	{
		key: "details",
		get: func(e *Envelope) any {
			if len(e.Details) == 0 {
				return nil
			}
			return e.Details
		},
		set: func(e *Envelope, raw json.RawMessage) error { return json.Unmarshal(raw, &e.Details) },
	},
	stringField("reason", func(e *Envelope) *string { return &e.Reason }),
	{
		key: "close",
		get: func(e *Envelope) any {
			if !e.Close {
				return nil
			}
			return true
		},
		set: func(e *Envelope, raw json.RawMessage) error { return json.Unmarshal(raw, &e.Close) },
	},
}

var known = func() map[string]field {
	m := make(map[string]field, len(fields))
	for _, f := range fields {
		m[f.key] = f
	}
	return m
}()

// MarshalJSON writes known fields in a fixed order followed by the
// extension fields sorted by key.
func (e Envelope) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	write := func(key string, value any) error {
		b, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(b)
		return nil
	}

	for _, f := range fields {
		if v := f.get(&e); v != nil {
			if err := write(f.key, v); err != nil {
				return nil, err
			}
		}
	}

	keys := make([]string, 0, len(e.Extra))
	for k := range e.Extra {
		if _, ok := known[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := write(k, e.Extra[k]); err != nil {
			return nil, err
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts any JSON object; unknown keys land in Extra.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Envelope{}
	for k, v := range raw {
		f, ok := known[k]
		if !ok {
			if e.Extra == nil {
				e.Extra = make(map[string]json.RawMessage)
			}
			e.Extra[k] = v
			continue
		}
		if err := f.set(e, v); err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
	}
	return nil
}

// JSON is the text codec.
type JSON struct{}

func (JSON) Name() string { return "opwire.json" }
func (JSON) Binary() bool { return false }

func (JSON) Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSON) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

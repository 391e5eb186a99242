package registry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pscheid92/opwire/internal/domain"
	"github.com/xeipuuv/gojsonschema"
)

// Capability is a flag set describing which transports may invoke an operation.
type Capability uint8

const (
	Classic Capability = 1 << iota
	Streamable
	ConnectionBound
)

func (c Capability) Has(flag Capability) bool {
	return c&flag == flag
}

// Names lists the set flags for listings.
func (c Capability) Names() []string {
	var names []string
	if c.Has(Classic) {
		names = append(names, "classic")
	}
	if c.Has(Streamable) {
		names = append(names, "streamable")
	}
	if c.Has(ConnectionBound) {
		names = append(names, "connection-bound")
	}
	return names
}

func (c Capability) String() string {
	return strings.Join(c.Names(), "|")
}

// Kind is the operation shape, selected once at registration.
type Kind string

const (
	KindClassic Kind = "classic"
	KindStream  Kind = "stream"
)

type Policy struct {
	RequiresAuthorization bool
	AllowParallelStarts   bool
	// StartCooldown is the minimum time between accepted starts on one connection.
	StartCooldown     time.Duration
	HiddenFromListing bool
}

// Descriptor identifies one registered unit of work. Values returned by the
// registry are copies; mutating them does not affect the registry.
type Descriptor struct {
	Route        string
	Verb         string
	Capabilities Capability
	Policy       Policy
	// StartSchema is an optional JSON schema checked before the operation's own validation.
	StartSchema json.RawMessage
	New         func() domain.Operation

	kind   Kind
	schema *gojsonschema.Schema
}

func (d Descriptor) Kind() Kind {
	return d.kind
}

// ValidateShape checks raw against the descriptor's schema. Descriptors
// without a schema accept everything.
func (d Descriptor) ValidateShape(raw json.RawMessage) ([]string, error) {
	if d.schema == nil {
		return nil, nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	result, err := d.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("validate %s payload: %w", d.Route, err)
	}
	if result.Valid() {
		return nil, nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return problems, nil
}

// prepare derives the operation kind and compiles the schema.
func (d *Descriptor) prepare() error {
	if d.New == nil {
		return fmt.Errorf("route %q: missing operation factory", d.Route)
	}
	if d.Capabilities == 0 {
		return fmt.Errorf("route %q: no capabilities", d.Route)
	}

	op := d.New()
	_, isClassic := op.(domain.ClassicOperation)
	_, isStream := op.(domain.StreamOperation)

	switch {
	case d.Capabilities.Has(Classic) && !isClassic:
		return fmt.Errorf("route %q: classic capability requires Execute", d.Route)
	case (d.Capabilities.Has(Streamable) || d.Capabilities.Has(ConnectionBound)) && !isStream:
		return fmt.Errorf("route %q: streaming capability requires Produce", d.Route)
	case d.Capabilities.Has(Classic) && (d.Capabilities.Has(Streamable) || d.Capabilities.Has(ConnectionBound)):
		return fmt.Errorf("route %q: an operation is either classic or streaming", d.Route)
	}

	if isStream {
		d.kind = KindStream
	} else {
		d.kind = KindClassic
	}

	d.Verb = strings.ToUpper(strings.TrimSpace(d.Verb))
	if d.Verb == "" {
		d.Verb = http.MethodPost
	}

	d.schema = nil
	if len(d.StartSchema) > 0 {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(d.StartSchema))
		if err != nil {
			return fmt.Errorf("route %q: compile schema: %w", d.Route, err)
		}
		d.schema = schema
	}
	return nil
}

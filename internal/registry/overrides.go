package registry

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PolicyOverride changes selected policy attributes of a registered route.
// Nil fields keep the registered value.
type PolicyOverride struct {
	RequiresAuthorization *bool          `yaml:"requiresAuthorization"`
	AllowParallelStarts   *bool          `yaml:"allowParallelStarts"`
	StartCooldown         *time.Duration `yaml:"startCooldown"`
	Hidden                *bool          `yaml:"hidden"`
}

type policyFile struct {
	Operations map[string]PolicyOverride `yaml:"operations"`
}

// LoadPolicyOverrides reads a YAML file of the form
//
//	operations:
//	  echo:
//	    startCooldown: 250ms
//	    allowParallelStarts: true
func LoadPolicyOverrides(path string) (map[string]PolicyOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicyOverrides(data)
}

func ParsePolicyOverrides(data []byte) (map[string]PolicyOverride, error) {
	var parsed policyFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	out := make(map[string]PolicyOverride, len(parsed.Operations))
	for route, o := range parsed.Operations {
		if o.StartCooldown != nil && *o.StartCooldown < 0 {
			return nil, fmt.Errorf("route %q: startCooldown must not be negative", route)
		}
		out[Normalize(route)] = o
	}
	return out, nil
}

// Merge applies o onto p.
func (o PolicyOverride) Merge(p *Policy) {
	if o.RequiresAuthorization != nil {
		p.RequiresAuthorization = *o.RequiresAuthorization
	}
	if o.AllowParallelStarts != nil {
		p.AllowParallelStarts = *o.AllowParallelStarts
	}
	if o.StartCooldown != nil {
		p.StartCooldown = *o.StartCooldown
	}
	if o.Hidden != nil {
		p.HiddenFromListing = *o.Hidden
	}
}

// ApplyOverrides re-registers each overridden route with its merged policy.
// Overrides naming unknown routes are reported together.
func (r *Registry) ApplyOverrides(overrides map[string]PolicyOverride) error {
	var unknown []string
	for route, o := range overrides {
		d, ok := r.Resolve(route)
		if !ok {
			unknown = append(unknown, route)
			continue
		}
		o.Merge(&d.Policy)
		if err := r.Register(d.Route, d); err != nil {
			return err
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return fmt.Errorf("policy overrides for unknown routes: %s", strings.Join(unknown, ", "))
	}
	return nil
}

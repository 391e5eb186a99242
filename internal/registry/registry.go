// Package registry maps normalized route strings to operation descriptors.
package registry

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// transportPrefixes are leading path segments naming the transport rather
// than the operation.
var transportPrefixes = []string{"ws", "stream", "api"}

// Normalize canonicalizes a route: trims whitespace, strips one leading
// transport segment and surrounding slashes, and lower-cases it.
func Normalize(route string) string {
	r := strings.Trim(strings.TrimSpace(route), "/")
	for _, prefix := range transportPrefixes {
		if len(r) > len(prefix) && strings.EqualFold(r[:len(prefix)], prefix) && r[len(prefix)] == '/' {
			r = strings.TrimLeft(r[len(prefix)+1:], "/")
			break
		}
	}
	return strings.ToLower(r)
}

type Registry struct {
	mu     sync.RWMutex
	routes map[string]Descriptor
}

func New() *Registry {
	return &Registry{routes: make(map[string]Descriptor)}
}

// Register adds or replaces the descriptor for route. Last write wins.
func (r *Registry) Register(route string, d Descriptor) error {
	key := Normalize(route)
	if key == "" {
		return fmt.Errorf("empty route %q", route)
	}
	d.Route = key
	if err := d.prepare(); err != nil {
		return err
	}

	r.mu.Lock()
	r.routes[key] = d
	r.mu.Unlock()
	return nil
}

// Resolve looks up route after normalization.
func (r *Registry) Resolve(route string) (Descriptor, bool) {
	r.mu.RLock()
	d, ok := r.routes[Normalize(route)]
	r.mu.RUnlock()
	return d, ok
}

// List returns visible descriptors sorted by route.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.routes))
	for _, d := range r.routes {
		if !d.Policy.HiddenFromListing {
			out = append(out, d)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Descriptor) int { return strings.Compare(a.Route, b.Route) })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// Provider is an add-on contributing operations.
type Provider interface {
	Operations() []Descriptor
}

// Discover registers every descriptor of every provider in order, so later
// providers override earlier ones.
func (r *Registry) Discover(providers ...Provider) error {
	for _, p := range providers {
		for _, d := range p.Operations() {
			if err := r.Register(d.Route, d); err != nil {
				return fmt.Errorf("discover: %w", err)
			}
		}
	}
	return nil
}

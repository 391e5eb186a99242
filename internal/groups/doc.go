// Package groups fans envelopes out to named broadcast groups of connections.
// A single Hub goroutine owns the membership map; an optional Relay carries
// locally published envelopes to other service instances and back.
package groups

// Package resolver describes the external collaborator spec.md calls the
// "resolver capability" (§6): whatever produces the backend list — DNS SRV,
// DNS A-record, a static list, Consul, etc. — all look the same to the
// pool. This package defines only that capability plus a small in-memory
// implementation used by tests and by cmd/poolcli.
package resolver

import "github.com/joao-brasil/poolcore/pkg/backend"

// EventKind distinguishes the two membership events plus the steady-state
// signal a resolver emits (spec §6: "added(backend) / removed(backend)
// events plus a steady-state flag").
type EventKind int

const (
	Added EventKind = iota
	Removed
	Steady
)

// Event is one resolver notification.
type Event struct {
	Kind    EventKind
	Backend backend.Backend
}

// Resolver is the capability the pool controller consumes. Implementations
// must deliver events in the order backends actually changed and must not
// block the caller of Events() — spec §5 treats "resolver added/removed
// deliveries" as a suspension point, not a call the pool will wait on
// synchronously for long.
type Resolver interface {
	// Start begins resolution. It must not block past the point where
	// Events() starts delivering.
	Start() error

	// Stop halts resolution and closes the Events channel.
	Stop()

	// List returns the resolver's current backend set.
	List() []backend.Backend

	// Events returns the channel the pool reads added/removed/steady
	// notifications from.
	Events() <-chan Event
}

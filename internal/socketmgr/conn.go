package socketmgr

import "github.com/joao-brasil/poolcore/pkg/backend"

// EventKind is one of the four signals a connection object may emit (spec
// §6's connection object contract).
type EventKind int

const (
	EventConnect EventKind = iota
	EventError
	EventClose
	EventEnd
)

// ConnEvent is a single signal delivered from a connection object.
type ConnEvent struct {
	Kind EventKind
	Err  error
}

// Conn is the opaque connection object contract from spec §6: the core
// never interprets its payload, only its event stream. Implementations
// must emit "connect" at most once, then "close" exactly once (or "close"
// instead of "connect" on a failed attempt); any number of "error" events
// may precede it. Destroy must be idempotent.
type Conn interface {
	// Events returns the channel the owner forwards into the pool's
	// dispatcher. It must be closed once the connection object will never
	// emit again (after "close"/"end", or once Destroy completes).
	Events() <-chan ConnEvent

	// Destroy tears the connection down without requiring a further
	// "close" event; it is the slot's exclusive teardown path and must
	// tolerate being called more than once (the core itself never calls
	// it twice, but a defensive implementation costs nothing).
	Destroy()
}

// Dialer constructs connection objects toward a backend. Dial may block and
// may report a failed dial through its error; the pool runs it on its own
// goroutine and treats that error as a "close" before "connect". The
// attempt timeout is scheduled once Dial has returned, so it does not bound
// the time spent inside Dial itself.
type Dialer interface {
	Dial(b backend.Backend) (Conn, error)
}

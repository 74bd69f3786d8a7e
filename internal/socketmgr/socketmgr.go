// Package socketmgr implements the socket-manager FSM (spec §4.2): one
// transport-level connection attempt lifecycle, exponential backoff, and
// retry counting for a single backend. It is deliberately side-effect
// free — Step methods mutate the manager's own state and return the
// Effects its owner (a slot) must carry out (start a timer, dial, destroy
// a connection). This keeps the FSM runnable from a single dispatcher
// goroutine without its own locks, per spec §5's single-threaded model,
// and keeps it unit-testable without a real clock or dialer.
package socketmgr

import (
	"time"

	"github.com/joao-brasil/poolcore/internal/backoff"
	"github.com/joao-brasil/poolcore/pkg/backend"
)

// State is one of the six socket-manager states (spec §4.2).
type State int

const (
	Stopped State = iota
	Delay
	Connecting
	Connected
	ErrorState
	Closed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Delay:
		return "delay"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ErrorState:
		return "error"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Effect is an action the owner must perform in response to a Step call.
type Effect interface{ isEffect() }

// StartDelay asks the owner to schedule a timer of Duration and, when it
// elapses, call DelayElapsed(Generation).
type StartDelay struct {
	Duration   time.Duration
	Generation int
}

// StartConnect asks the owner to begin dialing the backend with the given
// attempt timeout, calling back into Connected/Failed(Generation) when the
// connection object reports an outcome; Timeout elapsing first is also
// reported through Failed(Generation).
type StartConnect struct {
	Timeout    time.Duration
	Generation int
}

// DestroyConn asks the owner to tear down the current connection object.
type DestroyConn struct{}

func (StartDelay) isEffect()   {}
func (StartConnect) isEffect() {}
func (DestroyConn) isEffect()  {}

// Manager owns one connect/retry/backoff lifecycle toward one backend.
type Manager struct {
	target   backend.Backend
	recovery backoff.Descriptor
	action   string

	state          State
	generation     int
	everConnected  bool // manager has completed at least one Connect() call
	attempt        int
	policy         backoff.Policy
	overridePolicy bool // true once Monitor() has pinned a fixed policy
	lastTimeout    time.Duration
	lastDelay      time.Duration
}

// New creates a socket manager for the given backend, using the named
// recovery action (spec §4.1's "default"/"connect"/"initial" keys).
func New(target backend.Backend, recovery backoff.Descriptor, action string) *Manager {
	return &Manager{target: target, recovery: recovery, action: action, state: Stopped}
}

// Monitor reconfigures the manager to use a fixed, infinite-retry policy
// built from the given exhausted policy's last attempt (spec §4.1's
// monitor-slot construction rule). Must be called before the first Connect.
func (m *Manager) Monitor(exhausted backoff.Policy, lastTimeout, lastDelay time.Duration) {
	m.policy = exhausted.Monitor(lastTimeout, lastDelay)
	m.overridePolicy = true
}

// State returns the manager's current state.
func (m *Manager) State() State { return m.state }

// Generation returns the manager's current timer generation, used by the
// owner to tag scheduled timers so stale firings become no-ops (spec §5
// "Timeouts").
func (m *Manager) Generation() int { return m.generation }

// CurrentAttempt returns the 1-indexed attempt number currently in flight
// (or most recently completed).
func (m *Manager) CurrentAttempt() int { return m.attempt }

// LastTimeout and LastDelay return the schedule values used on the most
// recent attempt, exposed to the slot/pool per spec §4.2.
func (m *Manager) LastTimeout() time.Duration { return m.lastTimeout }
func (m *Manager) LastDelay() time.Duration   { return m.lastDelay }

// Overloaded reports whether the manager is stuck awaiting slot direction
// with its retry budget exhausted (spec §4.2: "stays in error awaiting
// slot direction").
func (m *Manager) Overloaded() bool {
	return m.state == ErrorState && m.RetriesExhausted()
}

// RetriesExhausted reports whether the current attempt count has used up
// the active policy's retry budget, i.e. whether the next attempt would be
// beyond it.
func (m *Manager) RetriesExhausted() bool {
	return m.policy.Exhausted(m.attempt + 1)
}

// Connect is the external connect() signal (spec §4.2): stopped -> delay,
// or error|closed -> delay with a fresh retry counter. The very first
// Connect a manager ever receives skips the delay entirely.
func (m *Manager) Connect() []Effect {
	m.generation++
	m.attempt = 0
	if !m.overridePolicy {
		m.policy = m.recovery.For(m.action)
	}

	if !m.everConnected {
		m.everConnected = true
		return m.beginAttempt()
	}

	m.state = Delay
	_, delay := m.policy.Attempt(1)
	m.lastDelay = delay
	return []Effect{StartDelay{Duration: delay, Generation: m.generation}}
}

// Retry is the slot's retry() signal from error|closed: consumes a retry
// and re-enters delay using the schedule for the attempt that just failed.
func (m *Manager) Retry() []Effect {
	if m.state != ErrorState && m.state != Closed {
		return nil
	}
	if m.RetriesExhausted() {
		return nil
	}
	m.state = Delay
	_, delay := m.policy.Attempt(m.attempt)
	m.lastDelay = delay
	return []Effect{StartDelay{Duration: delay, Generation: m.generation}}
}

// DelayElapsed is called by the owner when a StartDelay timer fires.
func (m *Manager) DelayElapsed(generation int) []Effect {
	if generation != m.generation || m.state != Delay {
		return nil
	}
	return m.beginAttempt()
}

func (m *Manager) beginAttempt() []Effect {
	m.attempt++
	timeout, _ := m.policy.Attempt(m.attempt)
	m.lastTimeout = timeout
	m.state = Connecting
	return []Effect{StartConnect{Timeout: timeout, Generation: m.generation}}
}

// Connected is called by the owner when the connection object emits
// "connect" while in the Connecting state within the attempt timeout.
func (m *Manager) Connected(generation int) []Effect {
	if generation != m.generation || m.state != Connecting {
		return nil
	}
	m.state = Connected
	return nil
}

// Failed handles a timeout, a connection "error" event, or a "close"
// event received before "connect" — all three land the manager in
// ErrorState per spec §4.2. The caller (slot) then inspects
// RetriesExhausted/Overloaded and calls Retry if appropriate.
func (m *Manager) Failed(generation int) []Effect {
	if generation != m.generation {
		return nil
	}
	if m.state != Connecting && m.state != Delay {
		return nil
	}
	m.state = ErrorState
	return nil
}

// ClosedByPeer handles the connection object emitting close/end after a
// successful connect (spec §4.2: connected -> closed).
func (m *Manager) ClosedByPeer(generation int) []Effect {
	if generation != m.generation || m.state != Connected {
		return nil
	}
	m.state = Closed
	return nil
}

// Close is the external close() signal: connected -> closed, tearing down
// the live connection object.
func (m *Manager) Close() []Effect {
	if m.state != Connected {
		return nil
	}
	m.state = Closed
	return []Effect{DestroyConn{}}
}

// Destroy is the slot's destroy() signal: any state -> stopped, tearing
// down the connection if one is outstanding, including one the peer has
// already closed.
func (m *Manager) Destroy() []Effect {
	prev := m.state
	m.state = Stopped
	m.generation++
	if prev == Connecting || prev == Connected || prev == Closed {
		return []Effect{DestroyConn{}}
	}
	return nil
}

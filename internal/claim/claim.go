// Package claim implements the claim-handle FSM (spec §4.4): the
// caller-facing side of acquiring a connection from the pool. A Handle
// tracks its own progress through the pool's slot queue independently
// of any particular slot, so it can be offered to several candidate
// slots in turn without the pool needing to remember which ones it has
// already tried.
package claim

import (
	"errors"
	"sync/atomic"

	"github.com/joao-brasil/poolcore/internal/slot"
	"github.com/joao-brasil/poolcore/pkg/poolerr"
)

// State is one of the claim handle's states (spec §4.4).
type State int

const (
	Waiting State = iota
	Attempting
	Claimed
	Cancelled
	Released
	Failed
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Attempting:
		return "attempting"
	case Claimed:
		return "claimed"
	case Cancelled:
		return "cancelled"
	case Released:
		return "released"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var nextID atomic.Uint64

// Handle is one outstanding request for a connection. It implements
// slot.Claimant so a slot can recognize its own claimant without the
// slot package importing claim.
type Handle struct {
	idNum uint64

	state   State
	conn    interface{} // socketmgr.Conn, held as interface{} to avoid importing socketmgr just for this field's type
	token   slot.ReleaseToken
	slotKey string
	err     error
}

// New creates a waiting claim handle with a process-unique identity.
func New() *Handle {
	return &Handle{idNum: nextID.Add(1), state: Waiting}
}

// ID satisfies slot.Claimant.
func (h *Handle) ID() uint64 { return h.idNum }

// State returns the handle's current state.
func (h *Handle) State() State { return h.state }

// Err returns the terminal error once the handle has reached Failed or
// Cancelled; nil otherwise.
func (h *Handle) Err() error { return h.err }

// SlotKey returns the registry key of the slot this handle is attempting
// or claimed against; Try sets it and Reject clears it.
func (h *Handle) SlotKey() string { return h.slotKey }

// Token returns the release token the pool must present back to the
// slot when this handle releases or abandons its claim.
func (h *Handle) Token() slot.ReleaseToken { return h.token }

// ErrAlreadyResolved is returned by Try (outside Waiting) and Accept
// (outside Attempting) — e.g. a caller tries to drive a handle that the
// pool has already cancelled. Reject returns nothing; outside Attempting
// it is a no-op.
var ErrAlreadyResolved = errors.New("claim: handle already resolved")

// Try marks the handle as attempting a specific slot (spec §4.4 step 1:
// "pool selects candidate, handle enters attempting"). The pool must
// call Accept or Reject next, or Cancel if the caller gives up first.
func (h *Handle) Try(key string) error {
	if h.state != Waiting {
		return ErrAlreadyResolved
	}
	h.state = Attempting
	h.slotKey = key
	return nil
}

// Accept completes a successful handshake: the slot accepted this
// handle's claim and handed back a connection and release token.
func (h *Handle) Accept(conn interface{}, token slot.ReleaseToken) error {
	if h.state != Attempting {
		return ErrAlreadyResolved
	}
	h.state = Claimed
	h.conn = conn
	h.token = token
	return nil
}

// Conn returns the claimed connection. The caller is expected to type
// assert it back to its own connection interface; the pool is the only
// party that constructs handles, so it knows the concrete type.
func (h *Handle) Conn() interface{} { return h.conn }

// Reject reports that the candidate slot refused the claim (spec §4.4
// step 3): the handle returns to Waiting so the pool can try another
// slot, unless the handle was concurrently cancelled.
func (h *Handle) Reject() {
	if h.state != Attempting {
		return
	}
	h.state = Waiting
	h.slotKey = ""
}

// Cancel handles the caller giving up (context cancellation or an
// explicit abandon) while Waiting or Attempting (spec §4.4 step 4); once
// the handle is Claimed or terminal, Cancel is a no-op. The
// caller who drives the FSM (the pool) must still inspect State() after
// calling Cancel to learn whether a slot-side Abandon is owed: Cancel
// while Attempting leaves that bookkeeping to the pool, since only the
// pool knows whether the slot has already accepted by the time the
// cancellation is observed.
func (h *Handle) Cancel(err error) {
	switch h.state {
	case Claimed, Cancelled, Released, Failed:
		return
	}
	h.state = Cancelled
	h.err = err
}

// Release marks a claimed handle's connection as returned to the pool.
// Idempotent: releasing an already-released or cancelled handle is a
// no-op rather than a panic, since callers may legitimately race a
// context-cancellation release against an explicit one.
func (h *Handle) Release() {
	if h.state != Claimed {
		return
	}
	h.state = Released
}

// Fail marks the handle as permanently unable to obtain a connection —
// no backends, pool stopping, or the claim timeout elapsing (spec §4.4:
// "waiting|attempting -> failed").
func (h *Handle) Fail(err error) {
	switch h.state {
	case Claimed, Cancelled, Released, Failed:
		return
	}
	h.state = Failed
	h.err = err
}

// Timeout fails the handle with poolerr.ClaimTimeout, the specific
// sentinel spec §7 names for a claim that outlives its deadline.
func (h *Handle) Timeout() {
	h.Fail(poolerr.ClaimTimeout)
}

// NoBackends fails a handle that was never offered a single candidate
// slot because the resolved backend set was empty at claim time.
func (h *Handle) NoBackends() {
	h.Fail(poolerr.NoBackends)
}

// Package slot implements the slot FSM (spec §4.3): the pool's unit of
// "an ongoing intent to hold one connection to one backend." A slot owns
// exactly one socket manager and mediates between the pool and it,
// including the monitor-mode variant used for dead-backend recovery.
//
// Like socketmgr, a Slot is driven entirely by its owner (the pool's
// single dispatcher goroutine) and never touches a lock or a timer
// itself; it returns the socketmgr Effects its owner must carry out.
package slot

import (
	"errors"
	"time"

	"github.com/joao-brasil/poolcore/internal/backoff"
	"github.com/joao-brasil/poolcore/internal/socketmgr"
	"github.com/joao-brasil/poolcore/pkg/backend"
)

// ErrSlotUnavailable is returned by TryClaim when the slot cannot accept
// a claim right now (not idle, unwanted, or its connection already died).
var ErrSlotUnavailable = errors.New("slot: not available for claim")

// State is one of the slot's states (spec §4.3), plus MonitorIdle — the
// monitor-mode-only waypoint between Starting and Closing.
type State int

const (
	Init State = iota
	Starting
	Idle
	Claimed
	MonitorIdle
	Closing
	Stopped
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Starting:
		return "starting"
	case Idle:
		return "idle"
	case Claimed:
		return "claimed"
	case MonitorIdle:
		return "monitorIdle"
	case Closing:
		return "closing"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Mode distinguishes an ordinary slot from a dead-backend monitor slot.
type Mode int

const (
	Normal Mode = iota
	Monitor
)

// Claimant is the minimal identity a claim handle must expose so a slot
// can recognize its own claimant without importing the claim package
// (which itself calls into slot through the pool, not directly).
type Claimant interface {
	ID() uint64
}

// ReleaseToken is the opaque capability a claimant must present to
// release or abandon a slot (spec §9 design note: "an opaque release
// token... slot index + generation counter"). A stale token — wrong slot
// or wrong generation — is a contract violation.
type ReleaseToken struct {
	SlotKey    string
	Generation int
}

// Slot owns one backend key and one socket manager for the slot's life.
type Slot struct {
	key        string
	backendKey string // target.Key(), reported on exhaustion
	mgr        *socketmgr.Manager
	mode       Mode

	state      State
	unwanted   bool
	claimant   Claimant
	releaseGen int
	connDied   bool // connection errored/closed while Claimed; Release() must not return it to ready

	conn        socketmgr.Conn // live connection once mgr reaches Connected
	pendingConn socketmgr.Conn // set by the owner when it starts dialing
}

// New creates a slot for the given backend with a fresh socket manager.
func New(key string, target backend.Backend, recovery backoff.Descriptor, action string, mode Mode) *Slot {
	return &Slot{
		key:        key,
		backendKey: target.Key(),
		mgr:        socketmgr.New(target, recovery, action),
		mode:       mode,
		state:      Init,
	}
}

// NewMonitor creates a monitor slot using the fixed infinite-retry policy
// built from the exhausted normal policy's last attempt (spec §4.1).
func NewMonitor(key string, target backend.Backend, exhausted backoff.Policy, lastTimeout, lastDelay time.Duration) *Slot {
	s := New(key, target, nil, "", Monitor)
	s.mgr.Monitor(exhausted, lastTimeout, lastDelay)
	return s
}

func (s *Slot) Key() string                 { return s.key }
func (s *Slot) Mode() Mode                  { return s.mode }
func (s *Slot) State() State                { return s.state }
func (s *Slot) Unwanted() bool              { return s.unwanted }
func (s *Slot) Generation() int             { return s.mgr.Generation() }
func (s *Slot) Manager() *socketmgr.Manager { return s.mgr }

// Terminal reports whether the slot has reached its terminal state and
// can be dropped from the pool's registry.
func (s *Slot) Terminal() bool { return s.state == Stopped }

// Start is the slot's creation signal: init -> starting.
func (s *Slot) Start() []socketmgr.Effect {
	if s.state != Init {
		return nil
	}
	s.state = Starting
	return s.mgr.Connect()
}

// Dialing records the connection object the owner obtained from the
// dialer in response to a socketmgr.StartConnect effect, ahead of the
// eventual Connected/ConnFailed outcome.
func (s *Slot) Dialing(conn socketmgr.Conn) {
	s.pendingConn = conn
}

// DelayElapsed forwards a fired delay timer into the socket manager.
func (s *Slot) DelayElapsed(generation int) []socketmgr.Effect {
	return s.mgr.DelayElapsed(generation)
}

// ConnectOutcome reports what a successful connect means for the slot.
type ConnectOutcome struct {
	BecameIdle       bool // normal-mode slot joined the ready set
	MonitorRecovered bool // monitor slot proved the backend is alive again
}

// ConnConnected handles the connection object's "connect" event.
func (s *Slot) ConnConnected(generation int) ConnectOutcome {
	s.mgr.Connected(generation)
	if s.mgr.State() != socketmgr.Connected {
		return ConnectOutcome{}
	}
	s.conn = s.pendingConn
	s.pendingConn = nil

	switch {
	case s.mode == Monitor && s.state == Starting:
		s.state = MonitorIdle
		return ConnectOutcome{MonitorRecovered: true}
	case s.state == Starting:
		s.state = Idle
		return ConnectOutcome{BecameIdle: true}
	default:
		return ConnectOutcome{}
	}
}

// ExhaustOutcome reports what a failed connect attempt means for the slot.
type ExhaustOutcome struct {
	Exhausted  bool // slot is moving to closing; pool should mark the backend dead (normal mode only)
	BackendKey string
}

// ConnFailed handles a connect timeout, an "error" event, or a "close"
// event received before "connect" (spec §4.2's three error triggers).
func (s *Slot) ConnFailed(generation int) (ExhaustOutcome, []socketmgr.Effect) {
	s.mgr.Failed(generation)
	if s.mgr.State() != socketmgr.ErrorState || s.state != Starting {
		return ExhaustOutcome{}, nil
	}

	if s.unwanted || s.mgr.RetriesExhausted() {
		effects := s.closeNow()
		exhausted := s.mode == Normal && !s.unwanted
		return ExhaustOutcome{Exhausted: exhausted, BackendKey: s.backendKey}, effects
	}

	return ExhaustOutcome{}, s.mgr.Retry()
}

// ConnClosedByPeer handles the connection object spontaneously emitting
// close/end after a successful connect.
func (s *Slot) ConnClosedByPeer(generation int) []socketmgr.Effect {
	s.mgr.ClosedByPeer(generation)
	if s.mgr.State() != socketmgr.Closed {
		return nil
	}
	switch s.state {
	case Idle, MonitorIdle:
		return s.closeNow()
	case Claimed:
		s.connDied = true
		return nil
	default:
		return nil
	}
}

// SetUnwanted asserts the unwanted flag (spec §4.3: rebalancer shrink
// decision). A starting or idle slot closes immediately; a claimed slot
// drains at release time; closing/stopped slots are untouched.
func (s *Slot) SetUnwanted() []socketmgr.Effect {
	s.unwanted = true
	switch s.state {
	case Idle:
		return s.closeNow()
	case Starting:
		return s.closeNow()
	default:
		return nil
	}
}

// ClaimResult is what TryClaim reports back to the pool.
type ClaimResult struct {
	Accepted bool
	Conn     socketmgr.Conn
	Token    ReleaseToken
	Reject   error
}

// TryClaim performs the slot's half of the two-phase handshake (spec
// §4.4 step 2): an idle, wanted, healthy slot accepts; anything else
// rejects so the pool can re-offer the handle elsewhere.
func (s *Slot) TryClaim(h Claimant) ClaimResult {
	if s.state != Idle || s.unwanted || s.connDied {
		return ClaimResult{Reject: ErrSlotUnavailable}
	}
	s.state = Claimed
	s.claimant = h
	s.releaseGen++
	return ClaimResult{
		Accepted: true,
		Conn:     s.conn,
		Token:    ReleaseToken{SlotKey: s.key, Generation: s.releaseGen},
	}
}

// Abandon handles a claim handle that cancelled while Attempting, racing
// the handshake (spec §4.4 step 4): the slot returns to idle unless the
// connection has meanwhile died or become unwanted.
func (s *Slot) Abandon(token ReleaseToken) []socketmgr.Effect {
	if !s.validToken(token) {
		panic("slot: Abandon called with a stale or foreign release token")
	}
	s.claimant = nil
	if s.connDied || s.unwanted {
		return s.closeNow()
	}
	s.state = Idle
	return nil
}

// Release returns a claimed connection to the slot (spec §4.3 claimed ->
// idle|closing). A stale or mismatched token is a user contract violation
// and panics (spec §7).
func (s *Slot) Release(token ReleaseToken, ok bool) []socketmgr.Effect {
	if !s.validToken(token) {
		panic("slot: Release called with a stale or foreign release token")
	}
	s.claimant = nil
	if ok && !s.unwanted && !s.connDied {
		s.state = Idle
		return nil
	}
	return s.closeNow()
}

func (s *Slot) validToken(token ReleaseToken) bool {
	return s.state == Claimed && token.SlotKey == s.key && token.Generation == s.releaseGen
}

// MonitorSucceeded reports whether this monitor slot has proven its
// backend alive and is waiting for the pool to fold it back in.
func (s *Slot) MonitorSucceeded() bool {
	return s.mode == Monitor && s.state == MonitorIdle
}

// CloseMonitor retires a monitor slot once the pool has recorded the
// backend as healthy again (spec §4.3: "report success to pool -> closing").
func (s *Slot) CloseMonitor() []socketmgr.Effect {
	if s.state != MonitorIdle {
		return nil
	}
	return s.closeNow()
}

// Destroy tears the slot down unconditionally from any state but Stopped.
// The pool's Stop does not use it: it calls SetUnwanted, so claimed slots
// drain at release.
func (s *Slot) Destroy() []socketmgr.Effect {
	if s.state == Stopped {
		return nil
	}
	return s.closeNow()
}

func (s *Slot) closeNow() []socketmgr.Effect {
	s.state = Closing
	effects := s.mgr.Destroy()
	if s.mgr.State() == socketmgr.Stopped {
		s.state = Stopped
	}
	return effects
}

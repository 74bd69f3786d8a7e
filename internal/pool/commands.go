package pool

import (
	"context"
	"time"

	"github.com/joao-brasil/poolcore/internal/claim"
	"github.com/joao-brasil/poolcore/internal/rebalance"
	"github.com/joao-brasil/poolcore/internal/resolver"
	"github.com/joao-brasil/poolcore/internal/socketmgr"
)

// command is the sealed set of messages the dispatcher goroutine
// consumes. Every pool mutation happens in response to one of these,
// never directly from a public method (spec §5's single dispatcher).
type command interface{ isCommand() }

type claimCmd struct {
	ctx     context.Context
	timeout time.Duration
	reply   chan claimReply
}

type claimReply struct {
	handle *claim.Handle
	conn   interface{}
	err    error
}

// cancelClaimCmd asks the dispatcher to cancel a still-pending claim,
// identified by the reply channel the original claimCmd carried (the
// caller may not yet have received a handle back if cancellation races
// the very first dispatch of its claimCmd).
type cancelClaimCmd struct {
	replyCh chan claimReply
}

type releaseCmd struct {
	handle *claim.Handle
}

type stopCmd struct {
	reply chan struct{}
}

type statsCmd struct {
	reply chan Stats
}

// resolverEventCmd forwards one resolver.Event into the dispatcher.
type resolverEventCmd struct {
	event resolver.Event
}

// connEventCmd forwards one socketmgr.ConnEvent for a specific slot,
// tagged with the manager generation it was issued under so a stale
// delivery (e.g. from a connection the slot already tore down) is a
// no-op (spec §5 "Timeouts": the same generation discipline applies to
// any async callback, not just timers).
type connEventCmd struct {
	slotKey    string
	generation int
	event      socketmgr.ConnEvent
}

// delayTimerCmd and connectTimeoutCmd fire when a scheduled timer elapses.
type delayTimerCmd struct {
	slotKey    string
	generation int
}

type connectTimeoutCmd struct {
	slotKey    string
	generation int
}

// claimTimeoutCmd fires when a claim's caller-supplied timeout elapses,
// identified by the reply channel the original claimCmd carried (the same
// scheme cancelClaimCmd uses, since a claim never has any other stable
// identity while still queued).
type claimTimeoutCmd struct {
	replyCh chan claimReply
}

// dialedCmd carries a Dialer.Dial outcome back onto the dispatcher
// goroutine. Dial itself runs on its own goroutine (spec §5: a blocking
// dial must never stall the single dispatcher loop the way a direct call
// from startConnect would), so this is the only point where the resulting
// Conn touches pool state.
type dialedCmd struct {
	slotKey    string
	generation int
	conn       socketmgr.Conn
	timeout    time.Duration
}

// replanCmd asks the dispatcher to run the rebalancer now.
type replanCmd struct {
	trigger rebalance.Trigger
}

// decohereTickCmd fires every Options.DecoherenceInterval: one idle slot,
// picked at random, is recycled (spec §6: "slots are decohered, recycled in
// randomized order, over this interval").
type decohereTickCmd struct{}

func (claimCmd) isCommand()          {}
func (cancelClaimCmd) isCommand()    {}
func (releaseCmd) isCommand()        {}
func (stopCmd) isCommand()           {}
func (statsCmd) isCommand()          {}
func (resolverEventCmd) isCommand()  {}
func (connEventCmd) isCommand()      {}
func (delayTimerCmd) isCommand()     {}
func (connectTimeoutCmd) isCommand() {}
func (claimTimeoutCmd) isCommand()   {}
func (dialedCmd) isCommand()         {}
func (replanCmd) isCommand()         {}
func (decohereTickCmd) isCommand()   {}

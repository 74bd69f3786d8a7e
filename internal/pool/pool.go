// Package pool implements the pool controller (spec §4.6): the
// top-level state machine that owns the backend table, slot registry,
// claim queue, and dead-backend monitor protocol, and mediates between
// the resolver, the rebalancer, and the socket-manager/slot/claim FSM
// triad. Every mutation happens on a single dispatcher goroutine (spec
// §5's single-threaded cooperative model); all public methods are thin
// wrappers that hand a command to that goroutine and wait for its reply.
package pool

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joao-brasil/poolcore/internal/backoff"
	"github.com/joao-brasil/poolcore/internal/claim"
	"github.com/joao-brasil/poolcore/internal/codel"
	"github.com/joao-brasil/poolcore/internal/rebalance"
	"github.com/joao-brasil/poolcore/internal/resolver"
	"github.com/joao-brasil/poolcore/internal/socketmgr"
	"github.com/joao-brasil/poolcore/pkg/backend"
	"github.com/joao-brasil/poolcore/pkg/poolerr"
)

// State is one of the pool controller's states (spec §4.6).
type State int

const (
	Starting State = iota
	Running
	Failed
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Failed:
		return "failed"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event is one of the observable events spec §6 names.
type Event struct {
	Kind       string // "stateChanged" | "connectedToBackend" | "closedConnection"
	State      State
	BackendKey string
}

// Options configures a Pool (spec §6's external Options).
type Options struct {
	Domain              string
	Resolver            resolver.Resolver
	Dialer              socketmgr.Dialer
	Spares              int
	Maximum             int
	Target              int
	Recovery            backoff.Descriptor
	// DecoherenceInterval, if positive, recycles one randomly chosen idle
	// slot every interval (spec §6: "slots are decohered, recycled in
	// randomized order, over this interval"). Zero disables recycling.
	DecoherenceInterval time.Duration
	CheckTimeout        time.Duration
	Overload            codel.Variant
	LowpassOptions      rebalance.LowpassOptions

	// Clock lets tests substitute a deterministic time source. Defaults
	// to time.Now.
	Clock func() time.Time
}

func (o *Options) withDefaults() error {
	if o.Spares < 1 {
		return fmt.Errorf("poolcore: spares must be >= 1")
	}
	if o.Maximum < o.Spares {
		return fmt.Errorf("poolcore: maximum (%d) must be >= spares (%d)", o.Maximum, o.Spares)
	}
	if o.Target == 0 {
		o.Target = o.Spares
	}
	if o.Recovery == nil {
		o.Recovery = backoff.Descriptor{"default": {Retries: 3, Timeout: time.Second, Delay: 100 * time.Millisecond}}
	}
	if err := o.Recovery.Validate(); err != nil {
		return err
	}
	if o.CheckTimeout <= 0 {
		o.CheckTimeout = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return nil
}

// Handle is the caller-facing claim handle: a thin wrapper exposing only
// Release; the connection itself is returned by Claim. The internal
// claim.Handle underneath carries the FSM.
type Handle struct {
	inner *claim.Handle
	pool  *Pool
}

// Release returns the claimed connection to the pool (spec §6:
// "handle.release() returns the connection").
func (h *Handle) Release() {
	h.pool.release(h)
}

// Pool is the top-level connection pool for one logical service.
type Pool struct {
	opts Options

	cmdCh   chan command
	eventCh chan Event
	doneCh  chan struct{}
}

// New constructs a Pool and starts its dispatcher goroutine. The pool
// begins in Starting and transitions to Running once the resolver
// reaches steady state or its first backend arrives (spec §4.6).
func New(opts Options) (*Pool, error) {
	if opts.Resolver == nil {
		return nil, fmt.Errorf("poolcore: Resolver is required")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("poolcore: Dialer is required")
	}
	if err := opts.withDefaults(); err != nil {
		return nil, err
	}

	p := &Pool{
		opts:    opts,
		cmdCh:   make(chan command, 64),
		eventCh: make(chan Event, 64),
		doneCh:  make(chan struct{}),
	}

	d := newDispatcher(p)
	go d.run()

	return p, nil
}

// Claim requests a connection (spec §6: pool.claim). It blocks until a
// connection is claimed, the context is cancelled, or timeout elapses
// (if > 0); ctx cancellation and timeout both resolve to the handle's
// Cancel/Fail path internally, same as the source's callback-based
// claim, just surfaced as a blocking call idiomatic to Go.
func (p *Pool) Claim(ctx context.Context, timeout time.Duration) (*Handle, interface{}, error) {
	replyCh := make(chan claimReply, 1)
	cmd := claimCmd{ctx: ctx, timeout: timeout, reply: replyCh}

	select {
	case p.cmdCh <- cmd:
	case <-p.doneCh:
		return nil, nil, poolerr.PoolStopping
	}

	select {
	case r := <-replyCh:
		if r.err != nil {
			return nil, nil, r.err
		}
		return &Handle{inner: r.handle, pool: p}, r.conn, nil
	case <-ctx.Done():
		p.cmdCh <- cancelClaimCmd{replyCh: replyCh}
		return nil, nil, ctx.Err()
	}
}

func (p *Pool) release(h *Handle) {
	select {
	case p.cmdCh <- releaseCmd{handle: h.inner}:
	case <-p.doneCh:
	}
}

// Stop transitions the pool to stopping: queued claims are cancelled
// with PoolStopping, every slot is marked unwanted, and Stop returns
// once every slot has reached stopped (spec §4.6).
func (p *Pool) Stop() {
	replyCh := make(chan struct{})
	select {
	case p.cmdCh <- stopCmd{reply: replyCh}:
		select {
		case <-replyCh:
		case <-p.doneCh:
		}
	case <-p.doneCh:
	}
}

// Stats reports the pool's current bookkeeping snapshot.
func (p *Pool) Stats() Stats {
	replyCh := make(chan Stats, 1)
	select {
	case p.cmdCh <- statsCmd{reply: replyCh}:
		return <-replyCh
	case <-p.doneCh:
		return Stats{State: Stopped}
	}
}

// Events returns the pool's observable-event stream (spec §6).
func (p *Pool) Events() <-chan Event { return p.eventCh }

func (p *Pool) emit(ev Event) {
	select {
	case p.eventCh <- ev:
	default:
		log.Printf("poolcore: event channel full, dropping %+v", ev)
	}
}

// Stats is the snapshot Pool.Stats() returns.
type Stats struct {
	State           State
	Ready           int
	Claimed         int
	Connecting      int
	QueueLen        int
	DeadBackends    []backend.Backend
	EffectiveTarget int
}

package pool

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/joao-brasil/poolcore/internal/claim"
	"github.com/joao-brasil/poolcore/internal/codel"
	"github.com/joao-brasil/poolcore/internal/metrics"
	"github.com/joao-brasil/poolcore/internal/rebalance"
	"github.com/joao-brasil/poolcore/internal/resolver"
	"github.com/joao-brasil/poolcore/internal/slot"
	"github.com/joao-brasil/poolcore/internal/socketmgr"
	"github.com/joao-brasil/poolcore/pkg/backend"
	"github.com/joao-brasil/poolcore/pkg/poolerr"
)

// slotRecord is the dispatcher's bookkeeping for one registered slot.
type slotRecord struct {
	key        string
	backendKey string
	s          *slot.Slot
	isMonitor  bool
	idleSince  time.Time // zero unless s.State() == slot.Idle; set whenever the slot enters idle
}

// pendingClaim is one claim.Handle still waiting for (or attempting) a
// slot, plus the bookkeeping the dispatcher needs that doesn't belong on
// the FSM itself (spec §3's claim queue, FIFO by enqueuedAt).
type pendingClaim struct {
	handle     *claim.Handle
	enqueuedAt time.Time
	deadline   time.Time // zero means no caller-supplied timeout
	replyCh    chan claimReply
}

// dispatcher is the single goroutine that owns every mutable piece of a
// Pool (spec §5: "all FSMs, timers, and event dispatch run on one
// logical event loop").
type dispatcher struct {
	p     *Pool
	opts  Options
	clock func() time.Time

	state    State
	backends *backend.Table

	slots        map[string]*slotRecord
	slotSeq      int
	monitorSlots map[string]string // backend key -> slot key
	retracted    map[string]bool   // backend keys the resolver has removed

	queue     []*pendingClaim
	claimedBy map[uint64]string // claim handle ID -> slot key

	conns map[string]socketmgr.Conn // slot key -> live connection object

	codelCtrl codel.Controller
	driver    *rebalance.Driver

	stopReply chan struct{}
}

func newDispatcher(p *Pool) *dispatcher {
	return &dispatcher{
		p:            p,
		opts:         p.opts,
		clock:        p.opts.Clock,
		state:        Starting,
		backends:     backend.NewTable(),
		slots:        make(map[string]*slotRecord),
		monitorSlots: make(map[string]string),
		retracted:    make(map[string]bool),
		claimedBy:    make(map[uint64]string),
		conns:        make(map[string]socketmgr.Conn),
		codelCtrl:    codel.New(p.opts.Overload, codel.Options{}),
		driver:       rebalance.NewDriver(p.opts.Target, p.opts.Maximum, p.opts.LowpassOptions),
	}
}

func (d *dispatcher) run() {
	if err := d.opts.Resolver.Start(); err != nil {
		d.transition(Failed)
	}

	d.scheduleDecohereTick()

	resolverEvents := d.opts.Resolver.Events()

	for {
		select {
		case cmd := <-d.p.cmdCh:
			d.handle(cmd)
		case ev, ok := <-resolverEvents:
			if !ok {
				resolverEvents = nil
				continue
			}
			d.handleResolverEvent(ev)
			d.syncMetrics()
		}

		if d.state == Stopped {
			if d.stopReply != nil {
				close(d.stopReply)
			}
			close(d.p.doneCh)
			return
		}
	}
}

func (d *dispatcher) handle(cmd command) {
	switch c := cmd.(type) {
	case claimCmd:
		d.handleClaim(c)
	case cancelClaimCmd:
		d.handleCancelClaim(c)
	case releaseCmd:
		d.handleRelease(c)
	case stopCmd:
		d.handleStop(c)
	case statsCmd:
		c.reply <- d.stats()
	case resolverEventCmd:
		d.handleResolverEvent(c.event)
	case connEventCmd:
		d.handleConnEvent(c)
	case delayTimerCmd:
		d.handleDelayTimer(c)
	case connectTimeoutCmd:
		d.handleConnectTimeout(c)
	case claimTimeoutCmd:
		d.handleClaimTimeout(c)
	case decohereTickCmd:
		d.handleDecohereTick()
	case dialedCmd:
		d.handleDialed(c)
	case replanCmd:
		d.reconcile(c.trigger)
	}
	d.syncMetrics()
}

// syncMetrics pushes the dispatcher's current bookkeeping into the
// package-wide Prometheus collectors (internal/metrics). Cheap enough to
// run after every command given pool sizes stay in the tens-of-slots
// range spec §1 targets.
func (d *dispatcher) syncMetrics() {
	domain := d.opts.Domain

	type counts struct{ ready, claimed, connecting int }
	perBackend := make(map[string]*counts)
	for _, rec := range d.slots {
		if rec.isMonitor {
			continue
		}
		c, ok := perBackend[rec.backendKey]
		if !ok {
			c = &counts{}
			perBackend[rec.backendKey] = c
		}
		switch rec.s.State() {
		case slot.Idle:
			c.ready++
		case slot.Claimed:
			c.claimed++
		case slot.Starting:
			c.connecting++
		}
	}
	for bk, c := range perBackend {
		metrics.SlotsReady.WithLabelValues(domain, bk).Set(float64(c.ready))
		metrics.SlotsClaimed.WithLabelValues(domain, bk).Set(float64(c.claimed))
		metrics.SlotsConnecting.WithLabelValues(domain, bk).Set(float64(c.connecting))
	}

	for _, b := range d.backends.Dead() {
		_, monitored := d.monitorSlots[b.Key()]
		v := 0.0
		if monitored {
			v = 1.0
		}
		metrics.SlotsMonitor.WithLabelValues(domain, b.Key()).Set(v)
		metrics.BackendAlive.WithLabelValues(domain, b.Key()).Set(0)
	}
	for _, b := range d.backends.Healthy() {
		metrics.BackendAlive.WithLabelValues(domain, b.Key()).Set(1)
	}

	metrics.QueueLength.WithLabelValues(domain).Set(float64(len(d.queue)))
}

// ── Resolver events ──────────────────────────────────────────────────────

func (d *dispatcher) handleResolverEvent(ev resolver.Event) {
	switch ev.Kind {
	case resolver.Added:
		delete(d.retracted, ev.Backend.Key())
		d.backends.Insert(ev.Backend)
		if d.state == Starting {
			d.transition(Running)
		}
		d.reconcile(rebalance.TriggerBackendAdded)
	case resolver.Removed:
		d.retracted[ev.Backend.Key()] = true
		d.removeBackendIfUnreferenced(ev.Backend.Key())
		d.reconcile(rebalance.TriggerBackendRemoved)
	case resolver.Steady:
		if d.state == Starting {
			d.transition(Running)
			if d.backends.Len() == 0 {
				d.failAllQueued(poolerr.NoBackends)
			}
		}
	}
}

// removeBackendIfUnreferenced drops a backend table entry once the
// resolver retracts it, unless a slot still targets it (spec §3: "removed
// when the resolver retracts it AND no slot still references it").
func (d *dispatcher) removeBackendIfUnreferenced(key string) {
	if !d.retracted[key] {
		return
	}
	for _, rec := range d.slots {
		if rec.backendKey == key && !rec.s.Terminal() {
			return
		}
	}
	d.backends.Remove(key)
	delete(d.retracted, key)
}

// ── Claim / release / cancel ─────────────────────────────────────────────

func (d *dispatcher) handleClaim(c claimCmd) {
	if d.state == Failed {
		c.reply <- claimReply{err: poolerr.PoolFailed}
		return
	}
	if d.state == Stopping || d.state == Stopped {
		c.reply <- claimReply{err: poolerr.PoolStopping}
		return
	}

	h := claim.New()
	pc := &pendingClaim{handle: h, enqueuedAt: d.clock(), replyCh: c.reply}
	if c.timeout > 0 {
		pc.deadline = pc.enqueuedAt.Add(c.timeout)
		replyCh := c.reply
		time.AfterFunc(c.timeout, func() {
			d.post(claimTimeoutCmd{replyCh: replyCh})
		})
	}
	d.queue = append(d.queue, pc)

	d.offerQueue()
	d.reconcile(rebalance.TriggerClaimPressure)
}

// handleClaimTimeout expires a still-queued claim once its caller-supplied
// timeout elapses, even if the pool is otherwise quiescent (spec §4.4 step
// 5: the handle must fail "if timeoutAt elapses while waiting", not merely
// whenever offerQueue next happens to run). A no-op if the claim already
// left the queue (claimed, cancelled, or already expired by offerQueue).
func (d *dispatcher) handleClaimTimeout(c claimTimeoutCmd) {
	for i, pc := range d.queue {
		if pc.replyCh == c.replyCh {
			pc.handle.Timeout()
			pc.replyCh <- claimReply{err: poolerr.ClaimTimeout}
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			metrics.ClaimsTotal.WithLabelValues(d.opts.Domain, "timeout").Inc()
			return
		}
	}
}

func (d *dispatcher) handleCancelClaim(c cancelClaimCmd) {
	for i, pc := range d.queue {
		if pc.replyCh == c.replyCh {
			pc.handle.Cancel(context.Canceled)
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return
		}
	}
}

func (d *dispatcher) handleRelease(c releaseCmd) {
	slotKey, ok := d.claimedBy[c.handle.ID()]
	if !ok {
		return
	}
	delete(d.claimedBy, c.handle.ID())

	rec, ok := d.slots[slotKey]
	if !ok {
		return
	}

	token := c.handle.Token()
	c.handle.Release()
	effects := rec.s.Release(token, true)
	d.runEffects(rec, effects)

	if rec.s.State() == slot.Idle {
		rec.idleSince = d.clock()
		d.offerQueue()
	}
	if rec.s.Terminal() {
		d.retireSlot(rec)
	}
	d.reconcile(rebalance.TriggerSlotStopped)
}

// ── Pairing ───────────────────────────────────────────────────────────────

// offerQueue walks the claim queue in FIFO order, offering the head
// handle to idle slots in a stable order, shedding overloaded claims via
// CoDel along the way (spec §4.4, §4.7, §5's FIFO + determinism
// guarantees).
func (d *dispatcher) offerQueue() {
	d.reapIdleSlots(d.clock())

	for len(d.queue) > 0 {
		pc := d.queue[0]
		now := d.clock()

		if !pc.deadline.IsZero() && !now.Before(pc.deadline) {
			pc.handle.Timeout()
			pc.replyCh <- claimReply{err: poolerr.ClaimTimeout}
			d.queue = d.queue[1:]
			metrics.ClaimsTotal.WithLabelValues(d.opts.Domain, "timeout").Inc()
			continue
		}

		sojourn := now.Sub(pc.enqueuedAt)
		if d.codelCtrl.Sample(now, sojourn) {
			pc.handle.Fail(poolerr.Overloaded)
			pc.replyCh <- claimReply{err: poolerr.Overloaded}
			d.queue = d.queue[1:]
			metrics.OverloadShedTotal.WithLabelValues(d.opts.Domain).Inc()
			metrics.ClaimsTotal.WithLabelValues(d.opts.Domain, "shed").Inc()
			continue
		}

		idleKey := d.pickIdleSlot()
		if idleKey == "" {
			return // no idle slot available; head handle keeps waiting
		}

		rec := d.slots[idleKey]
		if err := pc.handle.Try(idleKey); err != nil {
			d.queue = d.queue[1:]
			continue
		}
		result := rec.s.TryClaim(claimantAdapter{id: pc.handle.ID()})
		if !result.Accepted {
			// Race: slot refused between selection and handshake (spec
			// §4.4's reject protocol). Handle returns to waiting and the
			// pool must not re-offer this slot; loop again without
			// popping it from the queue.
			pc.handle.Reject()
			continue
		}

		pc.handle.Accept(result.Conn, result.Token)
		d.claimedBy[pc.handle.ID()] = idleKey
		d.queue = d.queue[1:]
		pc.replyCh <- claimReply{handle: pc.handle, conn: result.Conn}
		if d.pickIdleSlot() == "" {
			// The ready set just went from non-empty to empty/all-claimed.
			d.codelCtrl.Empty(now)
		}
		metrics.ClaimsTotal.WithLabelValues(d.opts.Domain, "claimed").Inc()
		metrics.QueueSojournSeconds.WithLabelValues(d.opts.Domain).Observe(sojourn.Seconds())
	}
}

// reapIdleSlots enforces the CoDel max-idle ceiling on slots sitting idle
// under queue pressure (spec §4.7 "max-idle coupling": "the pool uses this
// as the lifetime ceiling on unused idle connections to reclaim capacity
// under pressure"), the core's equivalent of the teacher's evictStale
// maintenance pass. A slot idle longer than the ceiling is marked unwanted
// so the rebalancer can replace it, or another backend can pick up the
// freed capacity; nothing happens while the queue is empty, since there is
// no pressure to reclaim capacity for.
func (d *dispatcher) reapIdleSlots(now time.Time) {
	if len(d.queue) == 0 {
		return
	}
	ceiling := d.codelCtrl.MaxIdle(now)
	if ceiling <= 0 {
		return
	}
	for _, rec := range d.slots {
		if rec.isMonitor || rec.s.State() != slot.Idle || rec.idleSince.IsZero() {
			continue
		}
		if now.Sub(rec.idleSince) < ceiling {
			continue
		}
		effects := rec.s.SetUnwanted()
		d.runEffects(rec, effects)
		if rec.s.Terminal() {
			d.retireSlot(rec)
		}
	}
}

// pickIdleSlot returns the key of an idle, unclaimed slot using a stable
// ordering (sorted keys), or "" if none are available.
func (d *dispatcher) pickIdleSlot() string {
	keys := make([]string, 0, len(d.slots))
	for k, r := range d.slots {
		if r.s.State() == slot.Idle {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	return keys[0]
}

// ── Rebalancing ───────────────────────────────────────────────────────────

func (d *dispatcher) reconcile(trigger rebalance.Trigger) {
	d.driver.RequestReplan(trigger)
	if !d.driver.Pending() {
		return
	}

	healthy := d.backends.Healthy()
	snaps := make([]rebalance.BackendSnapshot, len(healthy))
	for i, b := range healthy {
		snaps[i] = rebalance.BackendSnapshot{Backend: b, Seq: i}
	}

	monitored := make(map[string]bool, len(d.monitorSlots))
	for bk := range d.monitorSlots {
		monitored[bk] = true
	}

	snapshots := make([]rebalance.SlotSnapshot, 0, len(d.slots))
	for _, rec := range d.slots {
		if rec.isMonitor {
			continue
		}
		snapshots = append(snapshots, rebalance.SlotSnapshot{
			Key:        rec.key,
			BackendKey: rec.backendKey,
			State:      toRebalanceState(rec.s.State()),
		})
	}

	claimedPlusQueued := len(d.queue)
	for _, rec := range d.slots {
		if rec.s.State() == slot.Claimed {
			claimedPlusQueued++
		}
	}

	actions := d.driver.Reconcile(d.clock(), claimedPlusQueued, rebalance.State{
		Healthy:       snaps,
		Dead:          d.backends.Dead(),
		MonitoredDead: monitored,
		Slots:         snapshots,
	})

	d.applyActions(actions)
}

// scheduleDecohereTick arms the next decoherence tick, a no-op when the
// option is unset (spec §6's decoherenceInterval is optional).
func (d *dispatcher) scheduleDecohereTick() {
	if d.opts.DecoherenceInterval <= 0 {
		return
	}
	time.AfterFunc(d.opts.DecoherenceInterval, func() {
		d.post(decohereTickCmd{})
	})
}

// handleDecohereTick recycles one randomly chosen idle slot and reschedules
// itself, unless the pool is on its way down. Recycling one slot per tick
// rather than the whole ready set at once means every idle slot eventually
// gets a fresh connection in an order the pool never repeats deterministically
// (spec §6: "slots are decohered, recycled in randomized order, over this
// interval" — read as "this interval" being the per-slot recycle cadence,
// not a single whole-pool sweep).
func (d *dispatcher) handleDecohereTick() {
	if d.state == Stopping || d.state == Stopped {
		return
	}
	d.decohereOne(d.clock())
	d.scheduleDecohereTick()
}

func (d *dispatcher) decohereOne(now time.Time) {
	var candidates []*slotRecord
	for _, rec := range d.slots {
		if !rec.isMonitor && rec.s.State() == slot.Idle {
			candidates = append(candidates, rec)
		}
	}
	if len(candidates) == 0 {
		return
	}

	rec := candidates[rand.Intn(len(candidates))]
	effects := rec.s.SetUnwanted()
	d.runEffects(rec, effects)
	if rec.s.Terminal() {
		d.retireSlot(rec)
	}
	d.reconcile(rebalance.TriggerSlotStopped)
}

func toRebalanceState(s slot.State) rebalance.SlotState {
	switch s {
	case slot.Starting:
		return rebalance.StateStarting
	case slot.Claimed:
		return rebalance.StateClaimed
	case slot.Closing, slot.Stopped:
		return rebalance.StateClosing
	default:
		return rebalance.StateIdle
	}
}

func (d *dispatcher) applyActions(actions []rebalance.Action) {
	for _, a := range actions {
		switch a.Kind {
		case rebalance.ActionCreate:
			d.createSlot(a.Backend, false)
			metrics.RebalanceActionsTotal.WithLabelValues(d.opts.Domain, "create").Inc()
		case rebalance.ActionCreateMonitor:
			d.createMonitorSlot(a.Backend)
			metrics.RebalanceActionsTotal.WithLabelValues(d.opts.Domain, "create_monitor").Inc()
		case rebalance.ActionMarkUnwanted:
			rec, ok := d.slots[a.SlotKey]
			if !ok {
				continue
			}
			effects := rec.s.SetUnwanted()
			d.runEffects(rec, effects)
			if rec.s.Terminal() {
				d.retireSlot(rec)
			}
			metrics.RebalanceActionsTotal.WithLabelValues(d.opts.Domain, "mark_unwanted").Inc()
		}
	}
}

func (d *dispatcher) createSlot(b backend.Backend, monitor bool) *slotRecord {
	d.slotSeq++
	key := slotKeyFor(b, d.slotSeq)
	s := slot.New(key, b, d.opts.Recovery, "default", slot.Normal)
	rec := &slotRecord{key: key, backendKey: b.Key(), s: s}
	d.slots[key] = rec
	effects := s.Start()
	d.runEffects(rec, effects)
	return rec
}

func (d *dispatcher) createMonitorSlot(b backend.Backend) {
	d.slotSeq++
	key := slotKeyFor(b, d.slotSeq)
	// Normal slots always run the "default" action, so that is the policy
	// that exhausted. The monitor pins the timeout and delay of its last
	// (Retries-th) attempt; a zero or infinite retry count pins attempt 1's.
	exhausted := d.opts.Recovery.For("default")
	lastTimeout, lastDelay := exhausted.Attempt(exhausted.Retries)
	s := slot.NewMonitor(key, b, exhausted, lastTimeout, lastDelay)
	rec := &slotRecord{key: key, backendKey: b.Key(), s: s, isMonitor: true}
	d.slots[key] = rec
	d.monitorSlots[b.Key()] = key
	effects := s.Start()
	d.runEffects(rec, effects)
}

func slotKeyFor(b backend.Backend, seq int) string {
	return b.Key() + "/" + itoa(seq)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (d *dispatcher) retireSlot(rec *slotRecord) {
	delete(d.slots, rec.key)
	if rec.isMonitor {
		delete(d.monitorSlots, rec.backendKey)
	}
	d.removeBackendIfUnreferenced(rec.backendKey)

	if d.state == Stopping && len(d.slots) == 0 {
		d.transition(Stopped)
		if d.stopReply != nil {
			close(d.stopReply)
			d.stopReply = nil
		}
	}
}

// ── Dead-backend / monitor protocol (spec §4.6) ──────────────────────────

func (d *dispatcher) markBackendDead(key string) {
	d.backends.MarkDead(key, d.clock())
	for _, rec := range d.slots {
		if rec.backendKey == key && !rec.isMonitor {
			effects := rec.s.SetUnwanted()
			d.runEffects(rec, effects)
			if rec.s.Terminal() {
				d.retireSlot(rec)
			}
		}
	}
	if _, ok := d.monitorSlots[key]; !ok {
		if e, ok := d.backends.Get(key); ok {
			d.createMonitorSlot(e.Backend)
		}
	}
	d.reconcile(rebalance.TriggerBackendDead)

	if d.backends.AllDead() {
		d.transition(Failed)
		d.failAllQueued(poolerr.PoolFailed)
	}
}

func (d *dispatcher) recoverBackend(key string) {
	d.backends.MarkHealthy(key)
	d.reconcile(rebalance.TriggerBackendRecovered)
	if d.state == Failed {
		d.transition(Running)
	}
}

func (d *dispatcher) failAllQueued(err error) {
	pending := d.queue
	d.queue = nil
	for _, pc := range pending {
		pc.handle.Fail(err)
		pc.replyCh <- claimReply{err: err}
	}
}

// ── Connection events ─────────────────────────────────────────────────────

func (d *dispatcher) handleConnEvent(c connEventCmd) {
	rec, ok := d.slots[c.slotKey]
	if !ok {
		return
	}

	switch c.event.Kind {
	case socketmgr.EventConnect:
		outcome := rec.s.ConnConnected(c.generation)
		if outcome.BecameIdle {
			rec.idleSince = d.clock()
			d.p.emit(Event{Kind: "connectedToBackend", State: d.state, BackendKey: rec.backendKey})
			d.offerQueue()
		}
		if outcome.MonitorRecovered {
			d.recoverBackend(rec.backendKey)
			effects := rec.s.CloseMonitor()
			d.runEffects(rec, effects)
			d.retireIfTerminal(rec)
		}

	case socketmgr.EventClose, socketmgr.EventEnd:
		// A connection object reports close/end both on a failed attempt
		// (before it ever connected) and, spontaneously, after a
		// successful one. The manager's own state is what distinguishes
		// them, not the event's kind.
		if rec.s.Manager().State() == socketmgr.Connected {
			effects := rec.s.ConnClosedByPeer(c.generation)
			d.runEffects(rec, effects)
			d.retireIfTerminal(rec)
			return
		}
		outcome, effects := rec.s.ConnFailed(c.generation)
		d.runEffects(rec, effects)
		metrics.ConnectionErrorsTotal.WithLabelValues(d.opts.Domain, rec.backendKey).Inc()
		if outcome.Exhausted {
			d.p.emit(Event{Kind: "closedConnection", State: d.state, BackendKey: outcome.BackendKey})
			d.retireIfTerminal(rec)
			d.markBackendDead(outcome.BackendKey)
			return
		}
		d.retireIfTerminal(rec)

	case socketmgr.EventError:
		// Errors precede the eventual close/end; only a pre-connect error
		// is itself terminal for the current attempt (ConnFailed no-ops
		// outside the Starting state).
		outcome, effects := rec.s.ConnFailed(c.generation)
		d.runEffects(rec, effects)
		metrics.ConnectionErrorsTotal.WithLabelValues(d.opts.Domain, rec.backendKey).Inc()
		if outcome.Exhausted {
			d.p.emit(Event{Kind: "closedConnection", State: d.state, BackendKey: outcome.BackendKey})
			d.retireIfTerminal(rec)
			d.markBackendDead(outcome.BackendKey)
			return
		}
		d.retireIfTerminal(rec)
	}
}

func (d *dispatcher) retireIfTerminal(rec *slotRecord) {
	if rec.s.Terminal() {
		d.retireSlot(rec)
	}
}

// ── Timers ────────────────────────────────────────────────────────────────

func (d *dispatcher) handleDelayTimer(c delayTimerCmd) {
	rec, ok := d.slots[c.slotKey]
	if !ok {
		return
	}
	effects := rec.s.DelayElapsed(c.generation)
	d.runEffects(rec, effects)
}

func (d *dispatcher) handleConnectTimeout(c connectTimeoutCmd) {
	rec, ok := d.slots[c.slotKey]
	if !ok {
		return
	}
	outcome, effects := rec.s.ConnFailed(c.generation)
	d.runEffects(rec, effects)
	metrics.ConnectionErrorsTotal.WithLabelValues(d.opts.Domain, rec.backendKey).Inc()
	if outcome.Exhausted {
		d.retireIfTerminal(rec)
		d.markBackendDead(outcome.BackendKey)
		return
	}
	d.retireIfTerminal(rec)
}

// runEffects carries out the socketmgr.Effects a slot operation
// returned: scheduling real timers, dialing, or destroying a
// connection. This is the dispatcher's only point of contact with wall
// time and the outside world (spec §5).
func (d *dispatcher) runEffects(rec *slotRecord, effects []socketmgr.Effect) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case socketmgr.StartDelay:
			gen := e.Generation
			time.AfterFunc(e.Duration, func() {
				d.post(delayTimerCmd{slotKey: rec.key, generation: gen})
			})
		case socketmgr.StartConnect:
			d.startConnect(rec, e)
		case socketmgr.DestroyConn:
			// The manager holds no connection object; the dispatcher does
			// (handleDialed records it in d.conns), so destroyConn calls
			// its Destroy and forgets it.
			d.destroyConn(rec)
		}
	}
}

// startConnect kicks off the dial on its own goroutine and forwards the
// outcome back onto the dispatcher's own command channel as a dialedCmd
// (or directly as a failure connEventCmd): Dial may block for as long as
// the dialer's own timeout (netdial's net.DialTimeout does exactly that), and
// spec §5's single-threaded dispatcher must never stall waiting on it —
// every other slot, claim, and release in the pool would otherwise queue
// up behind one dial.
func (d *dispatcher) startConnect(rec *slotRecord, e socketmgr.StartConnect) {
	slotKey := rec.key
	gen := e.Generation
	timeout := e.Timeout
	b := d.backendOf(rec)
	dialer := d.opts.Dialer

	go func() {
		conn, err := dialer.Dial(b)
		if err != nil {
			d.post(connEventCmd{slotKey: slotKey, generation: gen, event: socketmgr.ConnEvent{Kind: socketmgr.EventClose, Err: err}})
			return
		}
		d.post(dialedCmd{slotKey: slotKey, generation: gen, conn: conn, timeout: timeout})
	}()
}

// handleDialed records a freshly dialed connection against its slot, on
// the dispatcher goroutine where slot/conns mutation is safe. A dial that
// outlived its slot (destroyed, retried onto a new generation while the
// goroutine was still connecting) gets its connection destroyed
// immediately rather than attached to a generation that has moved on.
func (d *dispatcher) handleDialed(c dialedCmd) {
	rec, ok := d.slots[c.slotKey]
	if !ok || rec.s.Generation() != c.generation {
		c.conn.Destroy()
		return
	}

	d.conns[rec.key] = c.conn
	rec.s.Dialing(c.conn)

	slotKey := rec.key
	gen := c.generation
	timer := time.AfterFunc(c.timeout, func() {
		d.post(connectTimeoutCmd{slotKey: slotKey, generation: gen})
	})

	go func() {
		for ev := range c.conn.Events() {
			timer.Stop()
			d.post(connEventCmd{slotKey: slotKey, generation: gen, event: ev})
		}
	}()
}

func (d *dispatcher) destroyConn(rec *slotRecord) {
	if conn, ok := d.conns[rec.key]; ok {
		conn.Destroy()
		delete(d.conns, rec.key)
	}
}

// backendOf resolves the backend a slot targets. Monitor slots target a
// backend already marked dead, which the table still carries — Get
// covers both healthy and dead entries.
func (d *dispatcher) backendOf(rec *slotRecord) backend.Backend {
	if e, ok := d.backends.Get(rec.backendKey); ok {
		return e.Backend
	}
	return backend.Backend{}
}

// post delivers a command back onto the dispatcher's own channel from a
// timer or dialer goroutine — the only way anything outside the
// dispatcher goroutine may influence pool state (spec §5).
func (d *dispatcher) post(cmd command) {
	select {
	case d.p.cmdCh <- cmd:
	case <-d.p.doneCh:
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────

func (d *dispatcher) transition(s State) {
	if d.state == s {
		return
	}
	d.state = s
	d.p.emit(Event{Kind: "stateChanged", State: s})
}

func (d *dispatcher) handleStop(c stopCmd) {
	if d.state == Stopped {
		close(c.reply)
		return
	}
	d.transition(Stopping)
	d.opts.Resolver.Stop()
	d.failAllQueued(poolerr.PoolStopping)

	// Mark every slot unwanted: idle/starting slots close right away;
	// claimed slots drain naturally the next time their handle releases
	// (slot.Release already checks the unwanted flag). Stop does not
	// force-destroy a slot a caller still holds.
	for _, rec := range d.slots {
		effects := rec.s.SetUnwanted()
		d.runEffects(rec, effects)
	}
	for k, rec := range d.slots {
		if rec.s.Terminal() {
			delete(d.slots, k)
		}
	}

	if len(d.slots) == 0 {
		d.transition(Stopped)
		close(c.reply)
		return
	}
	d.stopReply = c.reply
}

func (d *dispatcher) stats() Stats {
	var ready, claimed, connecting int
	for _, rec := range d.slots {
		switch rec.s.State() {
		case slot.Idle:
			ready++
		case slot.Claimed:
			claimed++
		case slot.Starting:
			connecting++
		}
	}
	return Stats{
		State:           d.state,
		Ready:           ready,
		Claimed:         claimed,
		Connecting:      connecting,
		QueueLen:        len(d.queue),
		DeadBackends:    d.backends.Dead(),
		EffectiveTarget: d.driver.EffectiveTarget(),
	}
}

// claimantAdapter implements slot.Claimant for a claim.Handle's ID
// without slot needing to import claim (spec §9's circular-import
// avoidance by capability interface).
type claimantAdapter struct{ id uint64 }

func (c claimantAdapter) ID() uint64 { return c.id }

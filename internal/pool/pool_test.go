package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/joao-brasil/poolcore/internal/backoff"
	"github.com/joao-brasil/poolcore/internal/codel"
	"github.com/joao-brasil/poolcore/internal/rebalance"
	"github.com/joao-brasil/poolcore/internal/resolver"
	"github.com/joao-brasil/poolcore/internal/socketmgr"
	"github.com/joao-brasil/poolcore/pkg/backend"
	"github.com/joao-brasil/poolcore/pkg/poolerr"
)

// ── test fakes ──────────────────────────────────────────────────────────

type fakeConn struct {
	events chan socketmgr.ConnEvent
	once   sync.Once
}

func newFakeConn() *fakeConn {
	c := &fakeConn{events: make(chan socketmgr.ConnEvent, 1)}
	c.events <- socketmgr.ConnEvent{Kind: socketmgr.EventConnect}
	return c
}

func (c *fakeConn) Events() <-chan socketmgr.ConnEvent { return c.events }
func (c *fakeConn) Destroy()                           { c.once.Do(func() { close(c.events) }) }

// fakeDialer lets a test queue up a sequence of per-backend outcomes
// (errors, or nil for success) that Dial consumes in order; once a
// backend's queue is empty, Dial always succeeds.
type fakeDialer struct {
	mu       sync.Mutex
	queued   map[string][]error
	permFail map[string]error
	calls    map[string]int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		queued:   make(map[string][]error),
		permFail: make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (d *fakeDialer) queueFailures(b backend.Backend, n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.queued[b.Key()] = append(d.queued[b.Key()], err)
	}
}

// alwaysFail makes every future Dial for b fail with err, with no
// eventual success — unlike queueFailures, this never runs dry, so a
// backend marked this way can never recover via its monitor slot.
func (d *fakeDialer) alwaysFail(b backend.Backend, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.permFail[b.Key()] = err
}

func (d *fakeDialer) Dial(b backend.Backend) (socketmgr.Conn, error) {
	d.mu.Lock()
	d.calls[b.Key()]++
	if err, ok := d.permFail[b.Key()]; ok {
		d.mu.Unlock()
		return nil, err
	}
	var next error
	if q := d.queued[b.Key()]; len(q) > 0 {
		next = q[0]
		d.queued[b.Key()] = q[1:]
	}
	d.mu.Unlock()

	if next != nil {
		return nil, next
	}
	return newFakeConn(), nil
}

var errDial = errors.New("fake dial failure")

func fastRecovery() backoff.Descriptor {
	return backoff.Descriptor{
		"default": {Retries: 3, Timeout: 200 * time.Millisecond, Delay: 10 * time.Millisecond},
	}
}

// waitFor polls cond until it reports true or the deadline expires,
// failing the test in the latter case.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func newTestPool(t *testing.T, opts Options) (*Pool, *fakeDialer) {
	t.Helper()
	dialer := newFakeDialer()
	opts.Dialer = dialer
	if opts.Recovery == nil {
		opts.Recovery = fastRecovery()
	}
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Stop)
	return p, dialer
}

// ── scenario: single backend happy path ──────────────────────────────────

func TestClaimReleaseHappyPath(t *testing.T) {
	b := backend.Backend{Address: "a", Port: 1}
	p, _ := newTestPool(t, Options{
		Domain:   "test",
		Resolver: resolver.NewStatic(b),
		Spares:   1,
		Maximum:  1,
	})

	waitFor(t, time.Second, func() bool { return p.Stats().Ready == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h, conn, err := p.Claim(ctx, 0)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if conn == nil {
		t.Fatal("expected a non-nil connection")
	}
	if stats := p.Stats(); stats.Claimed != 1 || stats.Ready != 0 {
		t.Fatalf("stats after claim = %+v, want Claimed=1 Ready=0", stats)
	}

	h.Release()
	waitFor(t, time.Second, func() bool { return p.Stats().Ready == 1 })
}

// ── scenario: retry then recover ─────────────────────────────────────────

func TestRetryThenRecover(t *testing.T) {
	b := backend.Backend{Address: "b", Port: 1}
	dialer := newFakeDialer()
	dialer.queueFailures(b, 1, errDial)

	opts := Options{
		Domain:   "test",
		Resolver: resolver.NewStatic(b),
		Dialer:   dialer,
		Spares:   1,
		Maximum:  1,
		Recovery: fastRecovery(),
	}
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Stop)

	waitFor(t, 2*time.Second, func() bool { return p.Stats().Ready == 1 })
	if calls := dialer.calls[b.Key()]; calls < 2 {
		t.Errorf("expected at least 2 dial attempts, got %d", calls)
	}
}

// ── scenario: exhaustion -> dead -> monitor -> recover ──────────────────

func TestExhaustionDeadMonitorRecover(t *testing.T) {
	b := backend.Backend{Address: "c", Port: 1}
	dialer := newFakeDialer()
	// Retries: 0 means exhausted after the first failed attempt.
	recovery := backoff.Descriptor{
		"default": {Retries: 0, Timeout: 100 * time.Millisecond, Delay: 10 * time.Millisecond},
	}
	dialer.queueFailures(b, 1, errDial)

	p, err := New(Options{
		Domain:   "test",
		Resolver: resolver.NewStatic(b),
		Dialer:   dialer,
		Spares:   1,
		Maximum:  1,
		Recovery: recovery,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Stop)

	waitFor(t, time.Second, func() bool {
		return len(p.Stats().DeadBackends) == 1
	})

	// The monitor slot's next dial succeeds (no more queued failures), so
	// the backend should recover and leave the dead set again.
	waitFor(t, time.Second, func() bool {
		return len(p.Stats().DeadBackends) == 0
	})
	waitFor(t, time.Second, func() bool { return p.Stats().Ready == 1 })
}

// ── scenario: total failure ──────────────────────────────────────────────

func TestTotalFailure(t *testing.T) {
	b := backend.Backend{Address: "d", Port: 1}
	dialer := newFakeDialer()
	dialer.alwaysFail(b, errDial)
	recovery := backoff.Descriptor{
		"default": {Retries: 0, Timeout: 50 * time.Millisecond, Delay: 5 * time.Millisecond},
	}

	p, err := New(Options{
		Domain:   "test",
		Resolver: resolver.NewStatic(b),
		Dialer:   dialer,
		Spares:   1,
		Maximum:  1,
		Recovery: recovery,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Stop)

	waitFor(t, time.Second, func() bool { return p.Stats().State == Failed })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err = p.Claim(ctx, 0)
	if !errors.Is(err, poolerr.PoolFailed) {
		t.Fatalf("Claim err = %v, want poolerr.PoolFailed", err)
	}
}

// ── scenario: sustained overload, queue never drains ─────────────────────

func TestQueuedClaimFailsUnderSustainedOverload(t *testing.T) {
	b := backend.Backend{Address: "e", Port: 1}
	// A single, permanently-claimed slot (maximum=1) forces every
	// subsequent claim to queue behind it with nothing to pair against —
	// exactly the sustained-overload condition the CoDel controller (or,
	// failing that, the caller's own deadline) must resolve rather than
	// block forever.
	p, _ := newTestPool(t, Options{
		Domain:   "test",
		Resolver: resolver.NewStatic(b),
		Spares:   1,
		Maximum:  1,
		Overload: codel.Modified,
	})

	waitFor(t, time.Second, func() bool { return p.Stats().Ready == 1 })

	h, _, err := p.Claim(context.Background(), 0)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	defer h.Release()

	ctx2, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err = p.Claim(ctx2, 0)
	if err == nil {
		t.Fatal("expected the second claim to fail (shed or ctx timeout), got nil error")
	}
}

// ── scenario: claim timeout expires without any other pool activity ──────

func TestClaimTimeoutExpiresOnQuiescentPool(t *testing.T) {
	b := backend.Backend{Address: "tmo", Port: 1}
	p, _ := newTestPool(t, Options{
		Domain:   "test",
		Resolver: resolver.NewStatic(b),
		Spares:   1,
		Maximum:  1,
	})

	waitFor(t, time.Second, func() bool { return p.Stats().Ready == 1 })

	// Hold the only slot so the second claim has nothing to pair against,
	// then let it sit with no release, no new claim, and no other trigger —
	// only its own timeout may ever wake it up.
	h, _, err := p.Claim(context.Background(), 0)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	defer h.Release()

	start := time.Now()
	_, _, err = p.Claim(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, poolerr.ClaimTimeout) {
		t.Fatalf("Claim err = %v, want poolerr.ClaimTimeout", err)
	}
	if elapsed > time.Second {
		t.Fatalf("claim took %s to time out, want close to 100ms", elapsed)
	}
}

// ── scenario: claim cancelled while queued ───────────────────────────────

func TestCancelClaimWhileQueued(t *testing.T) {
	b := backend.Backend{Address: "f", Port: 1}
	p, _ := newTestPool(t, Options{
		Domain:   "test",
		Resolver: resolver.NewStatic(b),
		Spares:   1,
		Maximum:  1,
	})

	waitFor(t, time.Second, func() bool { return p.Stats().Ready == 1 })

	h1, _, err := p.Claim(context.Background(), 0)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	defer h1.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, _, err := p.Claim(ctx, 0)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("queued claim err = %v, want context.Canceled", err)
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond) // let the claim enqueue
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancelled claim never returned")
	}
}

// ── property: release is idempotent ──────────────────────────────────────

func TestReleaseIsIdempotent(t *testing.T) {
	b := backend.Backend{Address: "g", Port: 1}
	p, _ := newTestPool(t, Options{
		Domain:   "test",
		Resolver: resolver.NewStatic(b),
		Spares:   1,
		Maximum:  1,
	})

	waitFor(t, time.Second, func() bool { return p.Stats().Ready == 1 })

	h, _, err := p.Claim(context.Background(), 0)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	h.Release()
	h.Release() // must not panic or double-free the slot

	waitFor(t, time.Second, func() bool { return p.Stats().Ready == 1 })
}

// ── property: ready+claimed never exceeds the configured maximum ─────────

func TestReadyPlusClaimedNeverExceedsMaximum(t *testing.T) {
	b := backend.Backend{Address: "h", Port: 1}
	const maximum = 3
	p, _ := newTestPool(t, Options{
		Domain:   "test",
		Resolver: resolver.NewStatic(b),
		Spares:   1,
		Maximum:  maximum,
		Target:   maximum,
	})

	waitFor(t, time.Second, func() bool { return p.Stats().Ready+p.Stats().Claimed > 0 })

	var handles []*Handle
	for i := 0; i < maximum+2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		h, _, err := p.Claim(ctx, 0)
		cancel()
		if err == nil {
			handles = append(handles, h)
		}
	}

	stats := p.Stats()
	if stats.Ready+stats.Claimed > maximum {
		t.Fatalf("ready(%d)+claimed(%d) exceeds maximum(%d)", stats.Ready, stats.Claimed, maximum)
	}

	for _, h := range handles {
		h.Release()
	}
}

// ── property: stopping cancels queued claims and drains cleanly ─────────

func TestStopCancelsQueuedClaimsAndDrains(t *testing.T) {
	b := backend.Backend{Address: "i", Port: 1}
	p, _ := newTestPool(t, Options{
		Domain:   "test",
		Resolver: resolver.NewStatic(b),
		Spares:   1,
		Maximum:  1,
	})

	waitFor(t, time.Second, func() bool { return p.Stats().Ready == 1 })

	h, _, err := p.Claim(context.Background(), 0)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	queued := make(chan error, 1)
	go func() {
		_, _, err := p.Claim(context.Background(), 0)
		queued <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// Stop blocks until every slot drains (spec: claimed slots drain
	// naturally, they are never force-destroyed), so the held claim must
	// be released concurrently rather than before Stop returns.
	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case err := <-queued:
		if !errors.Is(err, poolerr.PoolStopping) {
			t.Errorf("queued claim err = %v, want poolerr.PoolStopping", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued claim never resolved after Stop")
	}

	h.Release()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop never returned after the held claim released")
	}
}

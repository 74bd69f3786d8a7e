package slot

import (
	"testing"
	"time"

	"github.com/joao-brasil/poolcore/internal/backoff"
	"github.com/joao-brasil/poolcore/internal/socketmgr"
	"github.com/joao-brasil/poolcore/pkg/backend"
)

func testRecovery() backoff.Descriptor {
	return backoff.Descriptor{
		"default": {Retries: 3, Timeout: time.Second, Delay: time.Millisecond},
	}
}

type fakeClaimant struct{ id uint64 }

func (f fakeClaimant) ID() uint64 { return f.id }

func connectSlot(t *testing.T, s *Slot) {
	t.Helper()
	effects := s.Start()
	if len(effects) != 1 {
		t.Fatalf("expected 1 effect from Start, got %d", len(effects))
	}
	gen := s.Generation()
	s.Dialing(nil)
	outcome := s.ConnConnected(gen)
	if !outcome.BecameIdle {
		t.Fatalf("expected slot to become idle after connect, got %+v", outcome)
	}
}

func TestSlotStartToIdle(t *testing.T) {
	s := New("a:1", backend.Backend{Address: "a", Port: 1}, testRecovery(), "default", Normal)
	connectSlot(t, s)
	if s.State() != Idle {
		t.Fatalf("state = %v, want Idle", s.State())
	}
}

func TestSlotClaimHandshake(t *testing.T) {
	s := New("a:1", backend.Backend{Address: "a", Port: 1}, testRecovery(), "default", Normal)
	connectSlot(t, s)

	claimant := fakeClaimant{id: 1}
	result := s.TryClaim(claimant)
	if !result.Accepted {
		t.Fatalf("expected claim to be accepted, got reject %v", result.Reject)
	}
	if s.State() != Claimed {
		t.Fatalf("state = %v, want Claimed", s.State())
	}

	// A second claimant must be rejected while already claimed.
	if second := s.TryClaim(fakeClaimant{id: 2}); second.Accepted {
		t.Fatal("expected second claim to be rejected while slot is claimed")
	}

	effects := s.Release(result.Token, true)
	if effects != nil {
		t.Fatalf("expected no effects from a clean release, got %v", effects)
	}
	if s.State() != Idle {
		t.Fatalf("state after release = %v, want Idle", s.State())
	}
}

func TestSlotReleaseWithStaleTokenPanics(t *testing.T) {
	s := New("a:1", backend.Backend{Address: "a", Port: 1}, testRecovery(), "default", Normal)
	connectSlot(t, s)
	result := s.TryClaim(fakeClaimant{id: 1})

	defer func() {
		if recover() == nil {
			t.Fatal("expected Release with a stale token to panic")
		}
	}()
	s.Release(ReleaseToken{SlotKey: result.Token.SlotKey, Generation: result.Token.Generation + 1}, true)
}

func TestSlotAbandonReturnsToIdleUnlessConnDied(t *testing.T) {
	s := New("a:1", backend.Backend{Address: "a", Port: 1}, testRecovery(), "default", Normal)
	connectSlot(t, s)
	result := s.TryClaim(fakeClaimant{id: 1})

	if effects := s.Abandon(result.Token); effects != nil {
		t.Fatalf("expected no effects from a clean abandon, got %v", effects)
	}
	if s.State() != Idle {
		t.Fatalf("state after abandon = %v, want Idle", s.State())
	}
}

func TestSlotConnDiedWhileClaimedClosesOnRelease(t *testing.T) {
	s := New("a:1", backend.Backend{Address: "a", Port: 1}, testRecovery(), "default", Normal)
	connectSlot(t, s)
	result := s.TryClaim(fakeClaimant{id: 1})

	s.ConnClosedByPeer(s.Generation())
	effects := s.Release(result.Token, true)
	if len(effects) != 1 {
		t.Fatalf("expected a DestroyConn effect for a dead connection, got %v", effects)
	}
	if _, ok := effects[0].(socketmgr.DestroyConn); !ok {
		t.Errorf("expected DestroyConn, got %T", effects[0])
	}
	if s.State() != Stopped {
		t.Fatalf("state = %v, want Stopped", s.State())
	}
}

func TestSlotSetUnwantedWhileIdleClosesImmediately(t *testing.T) {
	s := New("a:1", backend.Backend{Address: "a", Port: 1}, testRecovery(), "default", Normal)
	connectSlot(t, s)

	effects := s.SetUnwanted()
	if len(effects) != 1 {
		t.Fatalf("expected a teardown effect, got %v", effects)
	}
	if s.State() != Stopped {
		t.Fatalf("state = %v, want Stopped", s.State())
	}
}

func TestSlotSetUnwantedWhileClaimedDrainsOnRelease(t *testing.T) {
	s := New("a:1", backend.Backend{Address: "a", Port: 1}, testRecovery(), "default", Normal)
	connectSlot(t, s)
	result := s.TryClaim(fakeClaimant{id: 1})

	if effects := s.SetUnwanted(); effects != nil {
		t.Fatalf("expected no immediate effect while claimed, got %v", effects)
	}
	if s.State() != Claimed {
		t.Fatalf("state should remain Claimed until release, got %v", s.State())
	}

	effects := s.Release(result.Token, true)
	if len(effects) != 1 {
		t.Fatalf("expected a teardown effect on release of an unwanted slot, got %v", effects)
	}
	if s.State() != Stopped {
		t.Fatalf("state = %v, want Stopped", s.State())
	}
}

func TestSlotExhaustionReportsDeadBackend(t *testing.T) {
	recovery := backoff.Descriptor{"default": {Retries: 1, Timeout: time.Second, Delay: time.Millisecond}}
	s := New("a:1", backend.Backend{Address: "a", Port: 1}, recovery, "default", Normal)
	s.Start()

	gen := s.Generation()
	outcome, effects := s.ConnFailed(gen)
	if !outcome.Exhausted {
		t.Fatalf("expected exhaustion with retries=1 after first failure, got %+v", outcome)
	}
	if want := (backend.Backend{Address: "a", Port: 1}).Key(); outcome.BackendKey != want {
		t.Errorf("backend key = %q, want %q", outcome.BackendKey, want)
	}
	if len(effects) != 0 {
		t.Errorf("expected no teardown effect for a manager that never reached Connecting->Connected, got %v", effects)
	}
	if s.State() != Stopped {
		t.Fatalf("state = %v, want Stopped", s.State())
	}
}

func TestSlotRetryReschedulesWithoutExhausting(t *testing.T) {
	s := New("a:1", backend.Backend{Address: "a", Port: 1}, testRecovery(), "default", Normal)
	s.Start()

	gen := s.Generation()
	outcome, effects := s.ConnFailed(gen)
	if outcome.Exhausted {
		t.Fatal("should not be exhausted after 1 of 3 failures")
	}
	if len(effects) != 1 {
		t.Fatalf("expected a retry delay effect, got %v", effects)
	}
	if _, ok := effects[0].(socketmgr.StartDelay); !ok {
		t.Errorf("expected StartDelay, got %T", effects[0])
	}
	if s.State() != Starting {
		t.Errorf("state should remain Starting mid-retry, got %v", s.State())
	}
}

func TestMonitorSlotRecoverySignalsSuccess(t *testing.T) {
	exhausted := backoff.Policy{Retries: 3, Timeout: time.Second, Delay: time.Millisecond}
	s := NewMonitor("a:1", backend.Backend{Address: "a", Port: 1}, exhausted, 4*time.Second, 2*time.Second)

	if effects := s.Start(); len(effects) != 1 {
		t.Fatalf("expected 1 effect from Start, got %d", len(effects))
	}
	s.Dialing(nil)
	if outcome := s.ConnConnected(s.Generation()); !outcome.MonitorRecovered {
		t.Fatalf("expected monitor slot to report recovery after connect, got %+v", outcome)
	}
	if !s.MonitorSucceeded() {
		t.Fatal("expected monitor slot to report success after connecting")
	}
	if s.State() != MonitorIdle {
		t.Fatalf("state = %v, want MonitorIdle", s.State())
	}

	effects := s.CloseMonitor()
	if len(effects) != 1 {
		t.Fatalf("expected a teardown effect when closing a recovered monitor, got %v", effects)
	}
	if s.State() != Stopped {
		t.Fatalf("state = %v, want Stopped", s.State())
	}
}

package rebalance

import (
	"testing"
	"time"
)

func TestDriverCoalescesMultipleTriggers(t *testing.T) {
	d := NewDriver(2, 10, LowpassOptions{TimeConstant: time.Second})
	if d.Pending() {
		t.Fatal("new driver should have no pending replan")
	}
	d.RequestReplan(TriggerBackendAdded)
	d.RequestReplan(TriggerSlotStopped)
	if !d.Pending() {
		t.Fatal("expected a pending replan after two triggers")
	}

	d.Reconcile(time.Unix(0, 0), 0, State{Healthy: []BackendSnapshot{{Backend: bk("a"), Seq: 0}}})
	if d.Pending() {
		t.Fatal("Reconcile should clear the pending flag")
	}
}

func TestDriverEffectiveTargetFollowsDemandSpike(t *testing.T) {
	d := NewDriver(2, 10, LowpassOptions{TimeConstant: time.Second})
	actions := d.Reconcile(time.Unix(0, 0), 8, State{
		Healthy: []BackendSnapshot{{Backend: bk("a"), Seq: 0}},
	})
	if d.EffectiveTarget() != 8 {
		t.Errorf("effective target after a demand spike to 8 = %d, want 8", d.EffectiveTarget())
	}
	if len(countCreates(actions)) == 0 {
		t.Fatal("expected create actions once effective target exceeds current count")
	}
}

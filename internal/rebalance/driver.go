package rebalance

import "time"

// Trigger identifies why a replan was requested, purely for diagnostics
// and tests — the driver's behavior does not branch on it beyond
// coalescing bursts of triggers into one Plan call.
type Trigger int

const (
	TriggerBackendAdded Trigger = iota
	TriggerBackendRemoved
	TriggerBackendDead
	TriggerBackendRecovered
	TriggerSlotStopped
	TriggerClaimPressure
)

// Driver coalesces replan triggers and calls Plan at most once per
// dispatch cycle, applying its own effective-target bookkeeping through
// a Lowpass (spec §4.5: "driver applies actions, then waits for any slot
// to terminate before replanning").
type Driver struct {
	lowpass          *Lowpass
	configuredTarget int
	maximum          int
	pending          bool
}

// NewDriver creates a driver using the given configured target/maximum
// and low-pass options.
func NewDriver(configuredTarget, maximum int, lpOpts LowpassOptions) *Driver {
	return &Driver{
		lowpass:          NewLowpass(lpOpts),
		configuredTarget: configuredTarget,
		maximum:          maximum,
	}
}

// RequestReplan marks a replan as pending. Multiple requests before the
// next Reconcile collapse into a single Plan call, matching the spec's
// "driver applies actions, then waits... replanning is triggered by"
// language — triggers accumulate, they don't each force an independent
// pass.
func (d *Driver) RequestReplan(Trigger) {
	d.pending = true
}

// Pending reports whether a replan is due.
func (d *Driver) Pending() bool { return d.pending }

// Reconcile samples current claim pressure into the low-pass filter,
// computes the effective target, runs Plan, and clears the pending flag.
// now must be the caller's own clock (never time.Now directly) so the
// driver stays deterministic under test.
func (d *Driver) Reconcile(now time.Time, claimedPlusQueued int, snapshot State) []Action {
	d.pending = false
	d.lowpass.Sample(now, claimedPlusQueued)

	snapshot.Target = d.lowpass.EffectiveTarget(d.configuredTarget)
	snapshot.Maximum = d.maximum
	return Plan(snapshot)
}

// EffectiveTarget exposes the driver's current effective target, mostly
// for Stats()/diagnostics.
func (d *Driver) EffectiveTarget() int {
	return d.lowpass.EffectiveTarget(d.configuredTarget)
}

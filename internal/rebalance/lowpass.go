package rebalance

import (
	"math"
	"time"
)

// LowpassMode selects what drives the envelope's decay clock (spec §9
// open question, left configurable rather than decided one way).
type LowpassMode int

const (
	// LowpassWallClock decays the envelope using real elapsed time
	// between samples. The default — matches decoherenceInterval's own
	// wall-clock framing and needs no cooperation from the caller beyond
	// calling Sample when it has a fresh number to offer.
	LowpassWallClock LowpassMode = iota

	// LowpassClaimCount decays the envelope once per Sample call
	// regardless of wall time, so the "clock" is claim-queue activity
	// rather than seconds. Selected by setting LowpassOptions.Mode.
	LowpassClaimCount
)

// LowpassOptions configures the decaying envelope used to keep the
// effective rebalancer target from collapsing the instant a demand
// spike subsides (spec §4.5 "low-pass filter on shrink").
type LowpassOptions struct {
	Mode LowpassMode

	// TimeConstant governs how fast the envelope decays back down. Spec
	// §9 leaves the exact value unspecified beyond "order of seconds,
	// configurable" and suggests the same order of magnitude as
	// decoherenceInterval; callers without a decoherenceInterval get
	// DefaultTimeConstant.
	TimeConstant time.Duration
}

// DefaultTimeConstant is used when LowpassOptions.TimeConstant is zero.
const DefaultTimeConstant = 10 * time.Second

// Lowpass tracks a decaying envelope of recent peak demand
// (`claimed + queue length`), used to compute the effective target the
// planner distributes (spec §4.5: `effective target = max(configuredTarget,
// lowpass)`).
type Lowpass struct {
	opts     LowpassOptions
	envelope float64
	lastSeen time.Time
	ticks    int64 // used by LowpassClaimCount in place of wall time
}

// NewLowpass creates an envelope tracker. A zero TimeConstant is
// replaced with DefaultTimeConstant.
func NewLowpass(opts LowpassOptions) *Lowpass {
	if opts.TimeConstant <= 0 {
		opts.TimeConstant = DefaultTimeConstant
	}
	return &Lowpass{opts: opts}
}

// Sample folds a fresh demand reading (claimed + queue length) into the
// envelope and returns the updated value. now is ignored in
// LowpassClaimCount mode but must still be monotonic in LowpassWallClock
// mode (the caller's own clock, never time.Now directly, so the filter
// stays testable without a real clock).
func (l *Lowpass) Sample(now time.Time, demand int) float64 {
	decay := l.decayFactor(now)
	l.lastSeen = now
	l.ticks++

	d := float64(demand)
	if d > l.envelope {
		// Demand spikes are reflected immediately; only the decline back
		// down is smoothed.
		l.envelope = d
		return l.envelope
	}
	l.envelope = l.envelope*decay + d*(1-decay)
	return l.envelope
}

func (l *Lowpass) decayFactor(now time.Time) float64 {
	if l.opts.Mode == LowpassClaimCount {
		// One "tick" of decay per Sample call; time constant reinterpreted
		// as a count of samples rather than seconds.
		n := float64(l.opts.TimeConstant) / float64(time.Second)
		if n < 1 {
			n = 1
		}
		return decayForSteps(n)
	}

	if l.lastSeen.IsZero() {
		return 0
	}
	elapsed := now.Sub(l.lastSeen)
	if elapsed <= 0 {
		return 1
	}
	return math.Exp(-float64(elapsed) / float64(l.opts.TimeConstant))
}

// Value returns the envelope's current value without sampling.
func (l *Lowpass) Value() float64 { return l.envelope }

// EffectiveTarget returns max(configuredTarget, envelope), with the
// envelope rounded to the nearest integer (halves round up),
// matching spec §4.5's formula for the target the planner should use.
func (l *Lowpass) EffectiveTarget(configuredTarget int) int {
	lp := int(l.envelope + 0.5)
	if lp > configuredTarget {
		return lp
	}
	return configuredTarget
}

func decayForSteps(steps float64) float64 {
	return math.Exp(-1 / steps)
}

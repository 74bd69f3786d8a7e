// Package backoff computes connect-attempt timeout/delay schedules from a
// user-supplied recovery descriptor (spec §4.1). It is pure computation —
// no timers, no I/O — so the socket manager can ask it "what's attempt N's
// timeout and delay" without owning any clock state itself.
package backoff

import (
	"errors"
	"fmt"
	"time"
)

// Infinite marks a policy with unlimited retries (used by monitor slots).
const Infinite = -1

// Policy is one recovery-descriptor entry: {retries, timeout, delay,
// maxTimeout?, maxDelay?} from spec §4.1.
type Policy struct {
	Retries    int // Infinite (-1) for unlimited
	Timeout    time.Duration
	Delay      time.Duration
	MaxTimeout time.Duration // 0 means "no cap"
	MaxDelay   time.Duration // 0 means "no cap"
}

// Attempt returns the timeout and delay for attempt n (1-indexed), per the
// exponential schedule in spec §4.1: timeout = min(maxTimeout, timeout *
// 2^(n-1)), delay = min(maxDelay, delay * 2^(n-1)).
func (p Policy) Attempt(n int) (timeout, delay time.Duration) {
	if n < 1 {
		n = 1
	}
	timeout = scale(p.Timeout, n, p.MaxTimeout)
	delay = scale(p.Delay, n, p.MaxDelay)
	return timeout, delay
}

func scale(base time.Duration, n int, max time.Duration) time.Duration {
	shift := n - 1
	if shift > 62 { // guard against overflow on pathological attempt counts
		shift = 62
	}
	v := base << shift
	if max > 0 && v > max {
		return max
	}
	return v
}

// Exhausted reports whether attempt n is beyond the policy's retry budget
// (n > Retries; never for Infinite). The socket manager always makes its
// first attempt and consults this only after a failure, so a policy with
// Retries == 0 is exhausted after one failed attempt, like Retries == 1.
func (p Policy) Exhausted(n int) bool {
	if p.Retries == Infinite {
		return false
	}
	return n > p.Retries
}

// Monitor builds the fixed, infinite-retry policy a monitor slot created
// from an exhausted action uses: timeout and delay pinned at the values
// used on the last attempt (spec §4.1 final sentence).
func (p Policy) Monitor(lastTimeout, lastDelay time.Duration) Policy {
	return Policy{
		Retries: Infinite,
		Timeout: lastTimeout,
		Delay:   lastDelay,
	}
}

// Descriptor is a recovery descriptor: action name -> policy. "default" is
// mandatory and used when a requested action is absent (spec §4.1).
type Descriptor map[string]Policy

// For returns the policy for the named action, falling back to "default".
func (d Descriptor) For(action string) Policy {
	if p, ok := d[action]; ok {
		return p
	}
	return d["default"]
}

// ErrMissingDefault is returned by Validate when the descriptor has no
// "default" entry.
var ErrMissingDefault = errors.New("backoff: recovery descriptor is missing a \"default\" entry")

// Validate checks that the descriptor carries a "default" entry and that
// no policy has a negative retry count other than Infinite.
func (d Descriptor) Validate() error {
	if _, ok := d["default"]; !ok {
		return ErrMissingDefault
	}
	for name, p := range d {
		if p.Retries < Infinite {
			return fmt.Errorf("backoff: action %q has a negative retry count", name)
		}
	}
	return nil
}

// Package poolerr defines the error taxonomy the pool surfaces to callers
// (spec §7). Internal classifications (transient connection errors,
// exhaustion) never leave the socket manager / slot layer; only these six
// reach a claim callback or a stateChanged("failed") observer.
package poolerr

import "errors"

var (
	// ClaimTimeout means the queue sojourn exceeded the caller-supplied timeout.
	ClaimTimeout = errors.New("poolcore: claim timed out waiting for a slot")

	// ClaimCancelled means the caller or the pool cancelled a waiting handle.
	ClaimCancelled = errors.New("poolcore: claim was cancelled")

	// PoolFailed means all backends were dead at the time of the claim.
	PoolFailed = errors.New("poolcore: all backends are dead")

	// PoolStopping means the claim arrived, or was queued, during Stop.
	PoolStopping = errors.New("poolcore: pool is stopping")

	// NoBackends means the resolver reached steady state with zero backends.
	NoBackends = errors.New("poolcore: resolver reported no backends")

	// Overloaded means the CoDel controller shed this claim under load.
	Overloaded = errors.New("poolcore: claim shed by overload controller")
)

// Package rebalance implements the planner and driver that decide how
// many slots each backend should have (spec §4.5). Plan is a pure
// function of a snapshot; the Driver applies its actions and is the
// only piece that touches real slots, timers, or claim pressure.
package rebalance

import "github.com/joao-brasil/poolcore/pkg/backend"

// SlotState is a coarse view of one slot's lifecycle stage, just
// detailed enough for the planner's shrink preference (spec §4.5 step 3:
// "prefer slots in starting over idle over claimed").
type SlotState int

const (
	StateStarting SlotState = iota
	StateIdle
	StateClaimed
	StateClosing
)

// SlotSnapshot is the planner's view of one existing slot.
type SlotSnapshot struct {
	Key        string // slot registry key, not necessarily the backend key
	BackendKey string
	State      SlotState
}

// BackendSnapshot is one healthy backend plus its insertion order, used
// for the deterministic remainder tie-break (spec §4.5 step 1).
type BackendSnapshot struct {
	Backend backend.Backend
	Seq     int
}

// State is everything the planner needs to compute a desired
// distribution (spec §4.5's `(backends, dead set, current slot
// distribution, targets)`).
type State struct {
	Healthy []BackendSnapshot
	Dead    []backend.Backend

	// MonitoredDead is the set of dead backend keys that already have a
	// monitor slot; the planner must not emit a second createMonitor for
	// these (spec §9: monitor slots live in a separate registry and are
	// never double-counted).
	MonitoredDead map[string]bool

	Slots []SlotSnapshot

	Target  int // effective target after the low-pass filter, not configuredTarget
	Maximum int
}

// ActionKind distinguishes the three action shapes Plan can emit.
type ActionKind int

const (
	ActionCreate ActionKind = iota
	ActionCreateMonitor
	ActionMarkUnwanted
)

// Action is one instruction the driver must carry out.
type Action struct {
	Kind       ActionKind
	Backend    backend.Backend // for Create/CreateMonitor
	SlotKey    string          // for MarkUnwanted
	BackendKey string          // for MarkUnwanted, diagnostics
}

// Plan computes the desired distribution and the actions needed to
// reconcile current reality to it (spec §4.5 steps 1-5). It touches no
// external state and is safe to call repeatedly with the same snapshot.
func Plan(s State) []Action {
	desired := desiredCounts(s.Healthy, s.Target, s.Maximum)
	current := currentCounts(s.Slots)

	var actions []Action

	// Step 3: reconcile current vs desired per healthy backend. Order by
	// Seq for determinism, matching the same tie-break used to compute
	// desired in the first place.
	for _, bs := range s.Healthy {
		key := bs.Backend.Key()
		want := desired[key]
		have := current[key]

		switch {
		case have > want:
			excess := have - want
			victims := pickShrinkVictims(s.Slots, key, excess)
			for _, v := range victims {
				actions = append(actions, Action{Kind: ActionMarkUnwanted, SlotKey: v.Key, BackendKey: key})
			}
		case have < want:
			for i := 0; i < want-have; i++ {
				actions = append(actions, Action{Kind: ActionCreate, Backend: bs.Backend})
			}
		}
	}

	// Step 4: every dead backend without a monitor slot gets one.
	for _, b := range s.Dead {
		if s.MonitoredDead[b.Key()] {
			continue
		}
		actions = append(actions, Action{Kind: ActionCreateMonitor, Backend: b})
	}

	return actions
}

// desiredCounts distributes target slots across healthy backends as
// evenly as possible, capped at maximum, with the remainder assigned to
// the earliest-added backends (spec §4.5 steps 1-2).
func desiredCounts(healthy []BackendSnapshot, target, maximum int) map[string]int {
	desired := make(map[string]int, len(healthy))
	if len(healthy) == 0 || target <= 0 {
		return desired
	}

	base := target / len(healthy)
	remainder := target % len(healthy)

	ordered := make([]BackendSnapshot, len(healthy))
	copy(ordered, healthy)
	sortBySeq(ordered)

	for i, bs := range ordered {
		want := base
		if i < remainder {
			want++
		}
		if want > maximum {
			want = maximum
		}
		desired[bs.Backend.Key()] = want
	}
	return desired
}

func sortBySeq(snaps []BackendSnapshot) {
	for i := 1; i < len(snaps); i++ {
		for j := i; j > 0 && snaps[j].Seq < snaps[j-1].Seq; j-- {
			snaps[j], snaps[j-1] = snaps[j-1], snaps[j]
		}
	}
}

// currentCounts counts slots in any non-terminal state (closing/stopped
// slots don't occupy the backend's budget; spec §4.5 step 5 "never touch
// slots in closing or stopped" implies they're already excluded from the
// comparison that would otherwise try to touch them again).
func currentCounts(slots []SlotSnapshot) map[string]int {
	counts := make(map[string]int, len(slots))
	for _, s := range slots {
		if s.State == StateClosing {
			continue
		}
		counts[s.BackendKey]++
	}
	return counts
}

// pickShrinkVictims selects n slots for the given backend to mark
// unwanted, preferring starting over idle over claimed (spec §4.5 step
// 3), and never touching slots already closing.
func pickShrinkVictims(slots []SlotSnapshot, backendKey string, n int) []SlotSnapshot {
	var starting, idle, claimed []SlotSnapshot
	for _, s := range slots {
		if s.BackendKey != backendKey || s.State == StateClosing {
			continue
		}
		switch s.State {
		case StateStarting:
			starting = append(starting, s)
		case StateIdle:
			idle = append(idle, s)
		case StateClaimed:
			claimed = append(claimed, s)
		}
	}

	var victims []SlotSnapshot
	for _, bucket := range [][]SlotSnapshot{starting, idle, claimed} {
		for _, s := range bucket {
			if len(victims) == n {
				return victims
			}
			victims = append(victims, s)
		}
	}
	return victims
}

// Package machine validates and executes pipeline-state transitions per
// project, backed by the versioned state store's reserved "progress" section.
package machine

// State is one pipeline state of a project.
type State string

const (
	StateCollecting   State = "collecting"
	StateClarifying   State = "clarifying"
	StateDrafting     State = "drafting"
	StateReviewing    State = "reviewing"
	StateImplementing State = "implementing"
	StateMerged       State = "merged"
	StateCancelled    State = "cancelled"
)

// ProgressSection is the reserved section the engine keeps project state in.
const ProgressSection = "progress"

// stageOrder is the canonical ordered stage list used for progress
// percentage. It is not the transition graph: the graph branches (cancellation
// from anywhere) and is not a total order.
var stageOrder = []State{
	StateCollecting,
	StateClarifying,
	StateDrafting,
	StateReviewing,
	StateImplementing,
	StateMerged,
}

// transitions is the fixed directed graph. Terminal states (merged,
// cancelled) have no outgoing edges; in particular re-entry from cancelled is
// rejected.
var transitions = map[State][]State{
	StateCollecting:   {StateClarifying, StateCancelled},
	StateClarifying:   {StateDrafting, StateCollecting, StateCancelled},
	StateDrafting:     {StateReviewing, StateCancelled},
	StateReviewing:    {StateImplementing, StateDrafting, StateCancelled},
	StateImplementing: {StateMerged, StateReviewing, StateCancelled},
	StateMerged:       {},
	StateCancelled:    {},
}

// Known reports whether s is in the enumerated state set.
func Known(s State) bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether s permits no outgoing transitions.
func IsTerminal(s State) bool {
	edges, ok := transitions[s]
	return ok && len(edges) == 0
}

// ValidTransitions returns the target states reachable from s in one step.
func ValidTransitions(s State) []State {
	edges := transitions[s]
	out := make([]State, len(edges))
	copy(out, edges)
	return out
}

// CanTransition reports whether the edge from→to exists in the graph.
func CanTransition(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ProgressPercent maps a state to its percentage through the canonical stage
// list. It is a pure function of the state's index, not of the graph.
// Cancelled reports zero: a cancelled project makes no forward progress.
func ProgressPercent(s State) int {
	for i, stage := range stageOrder {
		if stage == s {
			return i * 100 / (len(stageOrder) - 1)
		}
	}
	return 0
}

// Stages returns the canonical ordered stage list.
func Stages() []State {
	out := make([]State, len(stageOrder))
	copy(out, stageOrder)
	return out
}

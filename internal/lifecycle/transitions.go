// Package lifecycle owns agent records and their transition history in
// the bin catalog.
package lifecycle

import "github.com/user/agentfs/internal/types"

var transitions = map[types.State][]types.State{
	types.StateQueued:     {types.StateSpawning, types.StateErrored},
	types.StateSpawning:   {types.StateGenerating, types.StateErrored},
	types.StateGenerating: {types.StateExecuting, types.StateErrored},
	types.StateExecuting:  {types.StateSubmitting, types.StateErrored},
	types.StateSubmitting: {types.StateReviewing, types.StateErrored},
	types.StateReviewing:  {types.StateAccepted, types.StateRejected, types.StateErrored},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
// Terminal states have no outgoing edges.
func CanTransition(from, to types.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

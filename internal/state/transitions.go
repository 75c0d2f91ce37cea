package state

// validTransitions contains the permitted transitions of a capture.
var validTransitions = map[State][]State{
	StatePending: {
		StateProcessing,
		StateFailed,
		// A retry after a failed acquire never reached processing.
		StatePending,
	},
	StateProcessing: {
		StateCompleted,
		StateFailed,
		// A retry re-enters pending with a fresh attempt.
		StatePending,
	},
}

// IsTransitionAllowed reports whether moving from one state to another is valid.
func IsTransitionAllowed(from, to State) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}

	for _, state := range allowed {
		if state == to {
			return true
		}
	}

	return false
}

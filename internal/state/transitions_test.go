package state

import "testing"

func TestIsTransitionAllowed(t *testing.T) {
	testCases := []struct {
		name     string
		from     State
		to       State
		expected bool
	}{
		{name: "pending to processing", from: StatePending, to: StateProcessing, expected: true},
		{name: "pending to failed", from: StatePending, to: StateFailed, expected: true},
		{name: "processing to completed", from: StateProcessing, to: StateCompleted, expected: true},
		{name: "processing to failed", from: StateProcessing, to: StateFailed, expected: true},
		{name: "processing back to pending for retry", from: StateProcessing, to: StatePending, expected: true},
		{name: "pending to pending for retry after failed acquire", from: StatePending, to: StatePending, expected: true},
		{name: "pending to completed invalid", from: StatePending, to: StateCompleted, expected: false},
		{name: "completed to pending invalid", from: StateCompleted, to: StatePending, expected: false},
		{name: "failed to processing invalid", from: StateFailed, to: StateProcessing, expected: false},
		{name: "unknown state invalid", from: State("unknown"), to: StateProcessing, expected: false},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if actual := IsTransitionAllowed(tc.from, tc.to); actual != tc.expected {
				t.Errorf("IsTransitionAllowed(%s -> %s) = %t, expected %t", tc.from, tc.to, actual, tc.expected)
			}
		})
	}
}

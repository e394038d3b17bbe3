// Package gates defines the fixed eight-gate vocabulary a story passes
// through. The engine owns gate evaluation; this package owns the labels,
// their order, and their ownership so every layer names gates the same way.
package gates

import "fmt"

// Gate is one of the eight numbered gate labels, gate-0 through gate-7.
type Gate string

const (
	PreFlight     Gate = "gate-0"
	SelfReview    Gate = "gate-1"
	Build         Gate = "gate-2"
	Test          Gate = "gate-3"
	QA            Gate = "gate-4"
	PMValidation  Gate = "gate-5"
	ArchReview    Gate = "gate-6"
	MergeApproval Gate = "gate-7"
)

// Count is the number of gates; progress percent is gate/Count.
const Count = 8

var order = [Count]Gate{PreFlight, SelfReview, Build, Test, QA, PMValidation, ArchReview, MergeApproval}

var names = map[Gate]string{
	PreFlight:     "pre-flight",
	SelfReview:    "self-review",
	Build:         "build",
	Test:          "test",
	QA:            "qa",
	PMValidation:  "pm-validation",
	ArchReview:    "architecture-review",
	MergeApproval: "merge-authorization",
}

// owners name who evaluates each gate. Build and test gates are
// auto-executable; the rest belong to an agent or human reviewer.
var owners = map[Gate]string{
	PreFlight:     "dev",
	SelfReview:    "dev",
	Build:         "build-tool",
	Test:          "test-tool",
	QA:            "qa",
	PMValidation:  "pm",
	ArchReview:    "cto",
	MergeApproval: "human",
}

// All returns the gates in execution order.
func All() []Gate {
	out := make([]Gate, Count)
	copy(out[:], order[:])
	return out
}

// Valid reports whether g is one of the eight gate labels.
func (g Gate) Valid() bool {
	_, ok := names[g]
	return ok
}

// Number returns the gate's position 0-7, or -1 for invalid labels.
func (g Gate) Number() int {
	for i, o := range order {
		if o == g {
			return i
		}
	}
	return -1
}

// Name returns the human-readable gate name.
func (g Gate) Name() string { return names[g] }

// Owner names who evaluates the gate.
func (g Gate) Owner() string { return owners[g] }

// AutoExecutable reports whether the gate has a built-in validator instead of
// an external owner.
func (g Gate) AutoExecutable() bool {
	return g == Build || g == Test
}

// Next returns the gate after g, or false past the final gate.
func (g Gate) Next() (Gate, bool) {
	n := g.Number()
	if n < 0 || n >= Count-1 {
		return "", false
	}
	return order[n+1], true
}

// FromNumber returns the gate label for a position 0-7.
func FromNumber(n int) (Gate, error) {
	if n < 0 || n >= Count {
		return "", fmt.Errorf("gate number out of range: %d", n)
	}
	return order[n], nil
}

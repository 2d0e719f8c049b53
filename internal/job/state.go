package job

import "fmt"

// order gives the position of each state along the lifecycle.
var order = map[State]int{
	StateCreated:   0,
	StateSubmitted: 1,
	StatePolling:   2,
	StateCompleted: 3,
	StateFailed:    3,
}

// ValidateTransition checks that moving from one state to another keeps the
// lifecycle monotonic. Same-state updates are allowed; nothing leaves a
// terminal state; any non-terminal state may fail directly.
func ValidateTransition(from, to State) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("unknown state transition %q -> %q", from, to)
	}
	if from == to {
		return nil
	}
	if from.Terminal() {
		return fmt.Errorf("job is already %s", from)
	}
	if to == StateFailed {
		return nil
	}
	if to == StateCompleted && from != StatePolling {
		return fmt.Errorf("cannot complete a job in state %s", from)
	}
	if order[to] < order[from] {
		return fmt.Errorf("cannot move job from %s back to %s", from, to)
	}
	return nil
}

package dag

import (
	"fmt"
)

// TaskState is the runtime status of a TaskRun within one pipeline run.
//
// The TaskGraph itself is immutable; state lives in ExecutionState so the
// same graph can be run repeatedly.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskSkipped   TaskState = "skipped"
)

// ExecutionState maps task name to its current TaskState.
type ExecutionState map[string]TaskState

// IsTerminal reports whether the state is terminal (finished).
func IsTerminal(s TaskState) bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskSkipped:
		return true
	default:
		return false
	}
}

// Transition performs a validated transition for a single task.
//
// The caller supplies the expected prior state (from) to make races observable.
// The state map is mutated if and only if the transition is valid.
func Transition(state ExecutionState, taskName string, from, to TaskState) error {
	cur, ok := state[taskName]
	if !ok {
		return fmt.Errorf("unknown task in state: %q", taskName)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", taskName, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", taskName, from, to)
	}
	state[taskName] = to
	return nil
}

func isAllowedTransition(from, to TaskState) bool {
	switch from {
	case TaskPending:
		return to == TaskRunning || to == TaskSkipped
	case TaskRunning:
		return to == TaskSucceeded || to == TaskFailed
	default:
		return false
	}
}

// FailAndPropagate marks taskName FAILED and transitively marks every
// pending downstream task SKIPPED, visiting nodes in canonical index order.
//
// A downstream task found RUNNING is an invariant violation: it would mean a
// task started before its dependencies finished.
func FailAndPropagate(g *TaskGraph, state ExecutionState, taskName string) error {
	if g == nil {
		return fmt.Errorf("nil graph")
	}
	node, ok := g.nodesByName[taskName]
	if !ok {
		return fmt.Errorf("unknown task: %q", taskName)
	}

	cur, ok := state[taskName]
	if !ok {
		return fmt.Errorf("unknown task in state: %q", taskName)
	}
	if cur != TaskRunning && cur != TaskFailed {
		return fmt.Errorf("cannot fail %q from state %s", taskName, cur)
	}
	state[taskName] = TaskFailed

	for _, u := range g.dependents(node.canonicalIndex) {
		name := g.nodes[u].Name
		switch state[name] {
		case TaskPending:
			state[name] = TaskSkipped
		case TaskRunning:
			return fmt.Errorf("invariant violation: downstream task %q is running while %q failed", name, taskName)
		}
	}
	return nil
}

package dag

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGraph = errors.New("invalid task graph")
	ErrCycleFound   = errors.New("dependency cycle")
)

// GraphError reports a task list or needs declaration that cannot form a
// graph. Task is empty when the problem is not tied to one task.
type GraphError struct {
	Task   string
	Reason string
}

func (e *GraphError) Error() string {
	if e.Task == "" {
		return fmt.Sprintf("%v: %s", ErrInvalidGraph, e.Reason)
	}
	return fmt.Sprintf("%v: task %q %s", ErrInvalidGraph, e.Task, e.Reason)
}

func (e *GraphError) Is(target error) bool { return target == ErrInvalidGraph }

func taskError(task, format string, args ...any) error {
	return &GraphError{Task: task, Reason: fmt.Sprintf(format, args...)}
}

// CycleError reports tasks whose needs loop back on themselves. Tasks is in
// run order and ends with its first element, e.g. [a b a] when a needs b
// and b needs a.
type CycleError struct {
	Tasks []string
}

func (e *CycleError) Error() string {
	needs := make([]string, 0, len(e.Tasks))
	for i := 1; i < len(e.Tasks); i++ {
		needs = append(needs, fmt.Sprintf("%s needs %s", e.Tasks[i], e.Tasks[i-1]))
	}
	return fmt.Sprintf("%v: %s (%s)", ErrCycleFound, strings.Join(e.Tasks, " -> "), strings.Join(needs, ", "))
}

func (e *CycleError) Is(target error) bool { return target == ErrCycleFound }

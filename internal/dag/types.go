package dag

import "provcache/internal/core"

// GraphHash is the deterministic identity of a TaskGraph.
//
// It is computed from each TaskRun's definition hash and the dependency
// structure, and is invariant to the order tasks and edges were declared in.
// It is used as the trace identity of a whole pipeline run.
type GraphHash string

func (h GraphHash) String() string { return string(h) }

// Edge is a dependency: To needs From, so To runs only after From succeeds.
type Edge struct {
	From string
	To   string
}

// TaskNode is an immutable node in the TaskGraph.
type TaskNode struct {
	Name           string
	Run            core.TaskRun
	DefinitionHash string
	canonicalIndex int
}

// CanonicalIndex returns the node's position in the graph's canonical ordering.
func (n *TaskNode) CanonicalIndex() int { return n.canonicalIndex }

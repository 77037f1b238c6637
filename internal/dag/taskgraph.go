package dag

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"provcache/internal/core"
)

type edgeIndex struct {
	from int
	to   int
}

// TaskGraph is an immutable, validated DAG of TaskRuns.
//
// It is safe for concurrent read access.
type TaskGraph struct {
	nodesByName map[string]*TaskNode
	nodes       []*TaskNode // canonical order: by name

	edges []edgeIndex // sorted

	outgoing [][]int // by canonical index, sorted ascending
	incoming [][]int // by canonical index, sorted ascending
	indeg    []int   // by canonical index
	depth    []int   // by canonical index (topological depth)

	hash GraphHash
}

// NewTaskGraph builds and validates a TaskGraph.
//
// Validation runs immediately and rejects:
//   - empty or duplicate task names
//   - edges referencing unknown tasks
//   - duplicate edges
//   - self-loops
//   - any cycle (direct or indirect)
func NewTaskGraph(runs []core.TaskRun, edges []Edge) (*TaskGraph, error) {
	if len(runs) == 0 {
		return nil, &GraphError{Reason: "no tasks"}
	}

	nodesByName := make(map[string]*TaskNode, len(runs))
	nodes := make([]*TaskNode, 0, len(runs))
	for _, r := range runs {
		if r.Name == "" {
			return nil, &GraphError{Reason: "task name is required"}
		}
		if _, exists := nodesByName[r.Name]; exists {
			return nil, taskError(r.Name, "is defined twice")
		}
		node := &TaskNode{Name: r.Name, Run: r, DefinitionHash: r.DefinitionHash()}
		nodesByName[r.Name] = node
		nodes = append(nodes, node)
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	for i, n := range nodes {
		n.canonicalIndex = i
	}

	mapped := make([]edgeIndex, 0, len(edges))
	seen := make(map[edgeIndex]struct{}, len(edges))
	for _, e := range edges {
		fromNode, okFrom := nodesByName[e.From]
		toNode, okTo := nodesByName[e.To]
		if !okFrom {
			return nil, taskError(e.To, "needs unknown task %q", e.From)
		}
		if !okTo {
			return nil, &GraphError{Reason: fmt.Sprintf("edge references unknown task %q", e.To)}
		}
		if fromNode == toNode {
			return nil, taskError(e.To, "needs itself")
		}

		pair := edgeIndex{from: fromNode.canonicalIndex, to: toNode.canonicalIndex}
		if _, exists := seen[pair]; exists {
			return nil, taskError(e.To, "needs %q twice", e.From)
		}
		seen[pair] = struct{}{}
		mapped = append(mapped, pair)
	}

	sort.Slice(mapped, func(i, j int) bool {
		a, b := mapped[i], mapped[j]
		if a.from != b.from {
			return a.from < b.from
		}
		return a.to < b.to
	})

	outgoing := make([][]int, len(nodes))
	incoming := make([][]int, len(nodes))
	indeg := make([]int, len(nodes))
	for _, e := range mapped {
		outgoing[e.from] = append(outgoing[e.from], e.to)
		incoming[e.to] = append(incoming[e.to], e.from)
		indeg[e.to]++
	}

	g := &TaskGraph{
		nodesByName: nodesByName,
		nodes:       nodes,
		edges:       mapped,
		outgoing:    outgoing,
		incoming:    incoming,
		indeg:       indeg,
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	g.depth = g.computeDepth()
	g.hash = g.computeGraphHash()
	return g, nil
}

// Hash returns the stable identity for this graph.
func (g *TaskGraph) Hash() GraphHash { return g.hash }

// Node returns a node by name.
func (g *TaskGraph) Node(name string) (*TaskNode, bool) {
	n, ok := g.nodesByName[name]
	return n, ok
}

// Nodes returns the nodes in canonical order.
func (g *TaskGraph) Nodes() []*TaskNode {
	out := make([]*TaskNode, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns the dependencies as (From, To) name pairs in canonical order.
func (g *TaskGraph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, Edge{From: g.nodes[e.from].Name, To: g.nodes[e.to].Name})
	}
	return out
}

// Depth returns the length of the longest dependency path ending at name.
func (g *TaskGraph) Depth(name string) (int, bool) {
	n, ok := g.nodesByName[name]
	if !ok {
		return 0, false
	}
	return g.depth[n.canonicalIndex], true
}

// Levels groups task names by depth. Every task in a level depends only on
// tasks in earlier levels, so a level's tasks may run concurrently.
func (g *TaskGraph) Levels() [][]string {
	maxDepth := 0
	for _, d := range g.depth {
		if d > maxDepth {
			maxDepth = d
		}
	}
	levels := make([][]string, maxDepth+1)
	for _, n := range g.nodes {
		d := g.depth[n.canonicalIndex]
		levels[d] = append(levels[d], n.Name)
	}
	return levels
}

// TopologicalOrder returns a deterministic topological ordering of task names.
//
// Since the graph is validated on construction, this method must not fail.
func (g *TaskGraph) TopologicalOrder() []string {
	order := g.order()
	names := make([]string, 0, len(order))
	for _, idx := range order {
		names = append(names, g.nodes[idx].Name)
	}
	return names
}

func (g *TaskGraph) computeDepth() []int {
	depth := make([]int, len(g.nodes))
	for _, u := range g.order() {
		for _, p := range g.incoming[u] {
			if cand := depth[p] + 1; cand > depth[u] {
				depth[u] = cand
			}
		}
	}
	return depth
}

// computeGraphHash writes length-prefixed fields: node count, then each
// node's name and definition hash, then edge count and each edge by name.
func (g *TaskGraph) computeGraphHash() GraphHash {
	h := sha256.New()
	writeField := func(data []byte) {
		var length [8]byte
		binary.BigEndian.PutUint64(length[:], uint64(len(data)))
		h.Write(length[:])
		h.Write(data)
	}
	writeCount := func(n int) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(n))
		writeField(b[:])
	}

	writeCount(len(g.nodes))
	for _, n := range g.nodes {
		writeField([]byte(n.Name))
		writeField([]byte(n.DefinitionHash))
	}

	writeCount(len(g.edges))
	for _, e := range g.edges {
		writeField([]byte(g.nodes[e.from].Name))
		writeField([]byte(g.nodes[e.to].Name))
	}

	return GraphHash(hex.EncodeToString(h.Sum(nil)))
}

package dag

import (
	"slices"
)

// order returns node indices so that every task follows the tasks it needs.
// Among ready tasks the lowest canonical index goes first, which makes the
// result stable. Tasks on or behind a cycle never become ready and are left
// out, so a short result means the graph is cyclic.
func (g *TaskGraph) order() []int {
	waiting := slices.Clone(g.indeg)
	var ready []int
	for i, n := range waiting {
		if n == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]int, 0, len(g.nodes))
	for len(ready) > 0 {
		at := slices.Index(ready, slices.Min(ready))
		u := ready[at]
		ready = slices.Delete(ready, at, at+1)
		out = append(out, u)
		for _, v := range g.outgoing[u] {
			waiting[v]--
			if waiting[v] == 0 {
				ready = append(ready, v)
			}
		}
	}
	return out
}

// checkAcyclic returns a *CycleError naming one loop of needs when order
// cannot place every task.
func (g *TaskGraph) checkAcyclic() error {
	placed := g.order()
	if len(placed) == len(g.nodes) {
		return nil
	}
	return &CycleError{Tasks: g.findCycle(placed)}
}

// findCycle walks needs backwards from the first unplaced task until a task
// repeats. Every unplaced task has an unplaced need, so the walk always
// closes a loop. The loop is returned in run order with its first task
// repeated at the end.
func (g *TaskGraph) findCycle(placed []int) []string {
	done := make([]bool, len(g.nodes))
	for _, i := range placed {
		done[i] = true
	}

	seenAt := make(map[int]int)
	var chain []int // chain[i] needs chain[i+1]
	for u := slices.Index(done, false); ; {
		if at, ok := seenAt[u]; ok {
			chain = append(chain[at:], u)
			break
		}
		seenAt[u] = len(chain)
		chain = append(chain, u)
		for _, need := range g.incoming[u] {
			if !done[need] {
				u = need
				break
			}
		}
	}

	names := make([]string, len(chain))
	for i, idx := range chain {
		names[len(chain)-1-i] = g.nodes[idx].Name
	}
	return names
}

// dependents returns every task downstream of u, in canonical order.
func (g *TaskGraph) dependents(u int) []int {
	seen := make([]bool, len(g.nodes))
	stack := slices.Clone(g.outgoing[u])
	var out []int
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
		stack = append(stack, g.outgoing[v]...)
	}
	slices.Sort(out)
	return out
}

package dag

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"provcache/internal/core"
)

func runs(names ...string) []core.TaskRun {
	out := make([]core.TaskRun, 0, len(names))
	for _, n := range names {
		out = append(out, core.TaskRun{Name: n, Payload: []core.Action{{Name: "test", Run: "run-" + n}}})
	}
	return out
}

func TestGraphConstruction_SingleNode(t *testing.T) {
	g, err := NewTaskGraph(runs("A"), nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if g.Hash() == "" {
		t.Fatalf("expected non-empty graph hash")
	}
	if got := g.TopologicalOrder(); len(got) != 1 || got[0] != "A" {
		t.Fatalf("unexpected topo order: %v", got)
	}
}

func TestGraphConstruction_DiamondLevels(t *testing.T) {
	// A -> B, A -> C, B -> D, C -> D
	g, err := NewTaskGraph(
		runs("D", "C", "B", "A"),
		[]Edge{{From: "A", To: "B"}, {From: "A", To: "C"}, {From: "B", To: "D"}, {From: "C", To: "D"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := [][]string{{"A"}, {"B", "C"}, {"D"}}
	if got := g.Levels(); !reflect.DeepEqual(got, want) {
		t.Fatalf("levels: got %v want %v", got, want)
	}
	if got := g.TopologicalOrder(); !reflect.DeepEqual(got, []string{"A", "B", "C", "D"}) {
		t.Fatalf("topo order: got %v", got)
	}
	if d, _ := g.Depth("D"); d != 2 {
		t.Fatalf("expected depth 2 for D, got %d", d)
	}
}

func TestGraphHash_InvariantToInsertionOrder(t *testing.T) {
	g1, err := NewTaskGraph(runs("A", "B", "C"), []Edge{{From: "A", To: "B"}, {From: "A", To: "C"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g2, err := NewTaskGraph(runs("C", "B", "A"), []Edge{{From: "A", To: "C"}, {From: "A", To: "B"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g1.Hash() != g2.Hash() {
		t.Fatalf("hash depends on insertion order: %s vs %s", g1.Hash(), g2.Hash())
	}

	g3, err := NewTaskGraph(runs("A", "B", "C"), []Edge{{From: "A", To: "B"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g1.Hash() == g3.Hash() {
		t.Fatal("removing an edge must change the hash")
	}
}

func TestGraphConstruction_Rejects(t *testing.T) {
	cases := []struct {
		name  string
		runs  []core.TaskRun
		edges []Edge
		kind  error
	}{
		{"no tasks", nil, nil, ErrInvalidGraph},
		{"empty name", runs(""), nil, ErrInvalidGraph},
		{"duplicate name", runs("A", "A"), nil, ErrInvalidGraph},
		{"unknown dependency", runs("A"), []Edge{{From: "X", To: "A"}}, ErrInvalidGraph},
		{"self loop", runs("A"), []Edge{{From: "A", To: "A"}}, ErrInvalidGraph},
		{"duplicate edge", runs("A", "B"), []Edge{{From: "A", To: "B"}, {From: "A", To: "B"}}, ErrInvalidGraph},
		{"cycle", runs("A", "B", "C"), []Edge{{From: "A", To: "B"}, {From: "B", To: "C"}, {From: "C", To: "A"}}, ErrCycleFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewTaskGraph(tc.runs, tc.edges)
			if !errors.Is(err, tc.kind) {
				t.Fatalf("expected %v, got %v", tc.kind, err)
			}
			var ge *GraphError
			var ce *CycleError
			if !errors.As(err, &ge) && !errors.As(err, &ce) {
				t.Fatalf("expected *GraphError or *CycleError, got %T", err)
			}
		})
	}
}

func TestGraphConstruction_NamesOffendingTask(t *testing.T) {
	_, err := NewTaskGraph(runs("cypress"), []Edge{{From: "bitcoind", To: "cypress"}})
	want := `invalid task graph: task "cypress" needs unknown task "bitcoind"`
	if err == nil || err.Error() != want {
		t.Fatalf("got %v, want %q", err, want)
	}
}

func TestCycleDetection_NamesNeedsChain(t *testing.T) {
	cases := []struct {
		name  string
		runs  []core.TaskRun
		edges []Edge
		tasks []string
		want  string
	}{
		{
			name:  "two tasks",
			runs:  runs("A", "B"),
			edges: []Edge{{From: "A", To: "B"}, {From: "B", To: "A"}},
			tasks: []string{"A", "B", "A"},
			want:  "dependency cycle: A -> B -> A (B needs A, A needs B)",
		},
		{
			name:  "three tasks",
			runs:  runs("A", "B", "C"),
			edges: []Edge{{From: "A", To: "B"}, {From: "B", To: "C"}, {From: "C", To: "A"}},
			tasks: []string{"A", "B", "C", "A"},
			want:  "dependency cycle: A -> B -> C -> A (B needs A, C needs B, A needs C)",
		},
		{
			name:  "cycle behind a sound prefix",
			runs:  runs("A", "B", "C", "D"),
			edges: []Edge{{From: "A", To: "B"}, {From: "B", To: "C"}, {From: "C", To: "D"}, {From: "D", To: "C"}},
			tasks: []string{"C", "D", "C"},
			want:  "dependency cycle: C -> D -> C (D needs C, C needs D)",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewTaskGraph(tc.runs, tc.edges)
			var ce *CycleError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *CycleError, got %v", err)
			}
			if !reflect.DeepEqual(ce.Tasks, tc.tasks) {
				t.Fatalf("tasks = %v, want %v", ce.Tasks, tc.tasks)
			}
			if err.Error() != tc.want {
				t.Fatalf("error = %q, want %q", err.Error(), tc.want)
			}
		})
	}
}

func TestFailurePropagation_Diamond(t *testing.T) {
	g, err := NewTaskGraph(
		runs("A", "B", "C", "D", "E"),
		[]Edge{{From: "A", To: "B"}, {From: "A", To: "C"}, {From: "B", To: "D"}, {From: "C", To: "D"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state := ExecutionState{"A": TaskRunning, "B": TaskPending, "C": TaskPending, "D": TaskPending, "E": TaskPending}

	if err := FailAndPropagate(g, state, "A"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := ExecutionState{"A": TaskFailed, "B": TaskSkipped, "C": TaskSkipped, "D": TaskSkipped, "E": TaskPending}
	if !reflect.DeepEqual(state, want) {
		t.Fatalf("state: got %v want %v", state, want)
	}
}

func TestFailurePropagation_RunningDownstreamIsViolation(t *testing.T) {
	g, err := NewTaskGraph(runs("A", "B"), []Edge{{From: "A", To: "B"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state := ExecutionState{"A": TaskRunning, "B": TaskRunning}
	if err := FailAndPropagate(g, state, "A"); err == nil {
		t.Fatal("expected invariant violation")
	}
}

func TestTransition(t *testing.T) {
	state := ExecutionState{"A": TaskPending}
	if err := Transition(state, "A", TaskPending, TaskRunning); err != nil {
		t.Fatalf("expected valid transition, got %v", err)
	}
	if err := Transition(state, "A", TaskRunning, TaskSucceeded); err != nil {
		t.Fatalf("expected valid transition, got %v", err)
	}
	if err := Transition(state, "A", TaskSucceeded, TaskRunning); err == nil {
		t.Fatal("terminal -> running must be rejected")
	}
	if err := Transition(state, "B", TaskPending, TaskRunning); err == nil {
		t.Fatal("unknown task must be rejected")
	}
}

func TestExecutor_SkipsDependentsOfFailure(t *testing.T) {
	g, err := NewTaskGraph(
		runs("bitcoind", "elementsd", "cypress", "lint"),
		[]Edge{{From: "bitcoind", To: "cypress"}, {From: "elementsd", To: "cypress"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var mu sync.Mutex
	var ran []string
	exec, err := NewExecutor(g, func(_ context.Context, run core.TaskRun) core.Result {
		mu.Lock()
		ran = append(ran, run.Name)
		mu.Unlock()
		return core.Result{Task: run.Name, Success: run.Name != "elementsd"}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := exec.Execute(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := ExecutionState{"bitcoind": TaskSucceeded, "elementsd": TaskFailed, "cypress": TaskSkipped, "lint": TaskSucceeded}
	if !reflect.DeepEqual(res.FinalState, want) {
		t.Fatalf("final state: got %v want %v", res.FinalState, want)
	}
	if !reflect.DeepEqual(res.Order, []string{"bitcoind", "elementsd", "lint"}) {
		t.Fatalf("order: got %v", res.Order)
	}
	if _, ok := res.Results["cypress"]; ok {
		t.Fatal("skipped task must have no result")
	}
	if res.Success() {
		t.Fatal("graph with a failure must not succeed")
	}
	if len(ran) != 3 {
		t.Fatalf("expected 3 tasks to run, got %v", ran)
	}
}

func TestExecutor_ParallelWithinLevel(t *testing.T) {
	g, err := NewTaskGraph(runs("a", "b", "c"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	release := make(chan struct{})
	started := make(chan string, 3)
	exec, err := NewExecutor(g, func(ctx context.Context, run core.TaskRun) core.Result {
		started <- run.Name
		<-release
		return core.Result{Task: run.Name, Success: true}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	exec.Concurrency = 3

	done := make(chan *GraphResult, 1)
	go func() {
		res, _ := exec.Execute(context.Background())
		done <- res
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("tasks of one level did not start concurrently")
		}
	}
	close(release)

	res := <-done
	if res == nil || !res.Success() {
		t.Fatalf("expected success, got %+v", res)
	}
}

package dag

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"provcache/internal/core"
)

// RunFunc executes one TaskRun. It reports failure through Result.Success.
type RunFunc func(ctx context.Context, run core.TaskRun) core.Result

// GraphResult summarizes one execution of a TaskGraph.
type GraphResult struct {
	GraphHash GraphHash

	// FinalState is the terminal state of each task by name.
	FinalState ExecutionState

	// Results holds the Result of every task that ran. Skipped tasks have none.
	Results map[string]core.Result

	// Order lists the tasks in the order they were started.
	Order []string
}

// Success reports whether every task succeeded.
func (r *GraphResult) Success() bool {
	for _, st := range r.FinalState {
		if st != TaskSucceeded {
			return false
		}
	}
	return true
}

// Executor runs a TaskGraph level by level.
//
// Tasks of one level run concurrently, up to Concurrency at a time; the next
// level starts when the current one is finished. Within a level tasks are
// dispatched in name order. A failed task skips everything downstream of it
// but never cancels unrelated tasks.
type Executor struct {
	Graph *TaskGraph
	Run   RunFunc

	// Concurrency bounds parallel tasks. Values below 1 mean serial.
	Concurrency int

	mu    sync.Mutex
	state ExecutionState
}

// NewExecutor creates an executor with all tasks pending.
func NewExecutor(g *TaskGraph, run RunFunc) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	if run == nil {
		return nil, fmt.Errorf("nil run func")
	}

	state := make(ExecutionState, len(g.nodes))
	for _, n := range g.nodes {
		state[n.Name] = TaskPending
	}
	return &Executor{Graph: g, Run: run, Concurrency: 1, state: state}, nil
}

// StateSnapshot returns a copy of the current execution state.
func (e *Executor) StateSnapshot() ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp := make(ExecutionState, len(e.state))
	for k, v := range e.state {
		cp[k] = v
	}
	return cp
}

// Execute runs every task. The returned error reports an executor invariant
// violation, never a task failure.
func (e *Executor) Execute(ctx context.Context) (*GraphResult, error) {
	limit := e.Concurrency
	if limit < 1 {
		limit = 1
	}

	res := &GraphResult{
		GraphHash: e.Graph.Hash(),
		Results:   make(map[string]core.Result, len(e.Graph.nodes)),
	}

	for _, level := range e.Graph.Levels() {
		var g errgroup.Group
		g.SetLimit(limit)

		for _, name := range level {
			e.mu.Lock()
			if e.state[name] == TaskSkipped {
				e.mu.Unlock()
				continue
			}
			if err := Transition(e.state, name, TaskPending, TaskRunning); err != nil {
				e.mu.Unlock()
				_ = g.Wait()
				return nil, err
			}
			res.Order = append(res.Order, name)
			e.mu.Unlock()

			run := e.Graph.nodesByName[name].Run
			g.Go(func() error {
				r := e.Run(ctx, run)

				e.mu.Lock()
				defer e.mu.Unlock()
				res.Results[name] = r
				if r.Success {
					return Transition(e.state, name, TaskRunning, TaskSucceeded)
				}
				return FailAndPropagate(e.Graph, e.state, name)
			})
		}

		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	res.FinalState = e.StateSnapshot()
	return res, nil
}

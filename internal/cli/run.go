package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"provcache/internal/config"
	"provcache/internal/core"
	"provcache/internal/dag"
	"provcache/internal/log"
	"provcache/internal/state"
	"provcache/internal/trace"
)

type runOptions struct {
	parallel    bool
	maxParallel int
	tracePath   string
	metricsPath string
	stream      bool
}

func newRunCmd(g *globalOptions) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [task...]",
		Short: "Provision and run tasks",
		Long: `Run the named tasks, or every task, together with the tasks they need.

Each task provisions its steps (restoring cached folders on a fingerprint
hit, populating and storing them on a miss), verifies them, then runs its
payload and verification actions. A task whose dependency failed is skipped.

Exit codes:
  0  every task succeeded
  1  a payload action failed
  2  invalid invocation
  3  invalid pipeline definition
  4  internal error
  5  provisioning, cache or verification failure
  6  an action timed out`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(cmd.Context(), g, opts, args)
		},
	}

	f := cmd.Flags()
	f.BoolVarP(&opts.parallel, "parallel", "p", false, "run independent tasks concurrently")
	f.IntVar(&opts.maxParallel, "max-parallel", 4, "maximum concurrent tasks with --parallel")
	f.StringVar(&opts.tracePath, "trace", "", "write the canonical execution trace to this file")
	f.StringVar(&opts.metricsPath, "metrics-file", "", "write Prometheus metrics in text format to this file")
	f.BoolVar(&opts.stream, "stream", false, "stream action output to stderr while it runs")
	return cmd
}

// syncWriter serializes writes from concurrently running tasks.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// runRecorder guards a state.Recorder shared by concurrent tasks. Record
// failures are logged and never fail the run.
type runRecorder struct {
	mu  sync.Mutex
	rec *state.Recorder
	log *zap.Logger
}

func newRunRecorder(stateDir string, logger *zap.Logger) *runRecorder {
	st, err := state.NewStore(stateDir)
	if err != nil {
		logger.Warn("run records disabled", zap.Error(err))
		return &runRecorder{log: logger}
	}
	return &runRecorder{rec: state.NewRecorder(st), log: logger}
}

func (r *runRecorder) start(graphHash string, tasks []string) {
	r.do(func() error {
		run, err := r.rec.StartRun(graphHash, tasks)
		if err == nil {
			r.log.Debug("run started", zap.String("run_id", run.RunID))
		}
		return err
	})
}

func (r *runRecorder) task(res core.Result) { r.do(func() error { return r.rec.RecordTask(res) }) }

func (r *runRecorder) failure(err error) { r.do(func() error { return r.rec.RecordFailure(err) }) }

func (r *runRecorder) finish(success bool) { r.do(func() error { _, err := r.rec.FinishRun(success); return err }) }

func (r *runRecorder) do(fn func() error) {
	if r.rec == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := fn(); err != nil {
		r.log.Warn("writing run record", zap.Error(err))
	}
}

func runTasks(ctx context.Context, g *globalOptions, opts runOptions, names []string) (err error) {
	logger := log.FromContext(ctx)

	pipeline, err := g.pipeline(true)
	if err != nil {
		_, stateDir := g.dirs(&config.Pipeline{})
		rr := newRunRecorder(stateDir, logger)
		rr.start("", names)
		rr.failure(&state.ConfigFailureError{Code: "ConfigInvalid", Message: err.Error(), Cause: err})
		rr.finish(false)
		return &ExitError{Code: ExitConfigError, Err: err}
	}
	cacheDir, stateDir := g.dirs(pipeline)
	rr := newRunRecorder(stateDir, logger)

	graph, err := buildGraph(pipeline, names, g.workDir, cacheDir, stateDir)
	if err != nil {
		rr.start("", names)
		rr.failure(&state.ConfigFailureError{Code: "GraphInvalid", Message: err.Error(), Cause: err})
		rr.finish(false)
		return &ExitError{Code: ExitConfigError, Err: err}
	}
	rr.start(graph.Hash().String(), graph.TopologicalOrder())

	defer func() {
		if r := recover(); r != nil {
			err = exitErrorf(ExitInternalError, "panic: %v", r)
			rr.failure(&state.SystemFailureError{Code: "Panic", Message: fmt.Sprintf("panic: %v", r), Cause: err})
			rr.finish(false)
		}
	}()

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		rr.failure(&state.SystemFailureError{Code: "CacheDir", Message: err.Error(), Cause: err})
		rr.finish(false)
		return exitErrorf(ExitInternalError, "creating cache dir: %w", err)
	}

	registry := prometheus.NewRegistry()
	recorder := trace.NewRecorder()
	runner := core.NewTaskRunner(core.NewFileStore(cacheDir))
	runner.Logger = logger
	runner.Metrics = core.NewMetrics(registry)
	runner.Sink = recorder
	if opts.stream {
		runner.Tee = &syncWriter{w: g.stderr}
	}

	exec, err := dag.NewExecutor(graph, func(ctx context.Context, run core.TaskRun) core.Result {
		res := runner.Run(ctx, run)
		rr.task(res)
		return res
	})
	if err != nil {
		return exitErrorf(ExitInternalError, "%w", err)
	}
	if opts.parallel {
		exec.Concurrency = opts.maxParallel
	}

	gr, err := exec.Execute(ctx)
	if err != nil {
		rr.failure(&state.SystemFailureError{Code: "EngineError", Message: err.Error(), Cause: err})
		rr.finish(false)
		return exitErrorf(ExitInternalError, "%w", err)
	}
	rr.finish(gr.Success())

	if opts.tracePath != "" {
		tr := recorder.Trace(gr.GraphHash.String())
		if err := tr.WriteFile(resolvePath(g.workDir, opts.tracePath)); err != nil {
			logger.Warn("writing trace", zap.Error(err))
		}
	}
	if opts.metricsPath != "" {
		if err := writeMetrics(resolvePath(g.workDir, opts.metricsPath), registry); err != nil {
			logger.Warn("writing metrics", zap.Error(err))
		}
	}

	newReport(g).graph(g.stdout, graph, gr, recorder.Cache())
	return graphExitError(graph, gr)
}

func buildGraph(p *config.Pipeline, names []string, workDir, cacheDir, stateDir string) (*dag.TaskGraph, error) {
	tasks, err := p.Select(names)
	if err != nil {
		return nil, err
	}
	runs, edges, err := config.TaskRuns(tasks, workDir)
	if err != nil {
		return nil, err
	}
	if err := config.CheckFolders(runs, cacheDir, stateDir); err != nil {
		return nil, err
	}
	return dag.NewTaskGraph(runs, edges)
}

// graphExitError reports the first failed task in topological order.
func graphExitError(graph *dag.TaskGraph, gr *dag.GraphResult) error {
	if gr.Success() {
		return nil
	}
	failed, skipped := 0, 0
	var first *core.Result
	for _, name := range graph.TopologicalOrder() {
		switch gr.FinalState[name] {
		case dag.TaskFailed:
			failed++
			if first == nil {
				r := gr.Results[name]
				first = &r
			}
		case dag.TaskSkipped:
			skipped++
		}
	}
	if first == nil {
		return exitErrorf(ExitInternalError, "run did not finish")
	}
	return exitErrorf(exitCodeForKind(first.Kind()), "%d task(s) failed, %d skipped; first failure: %s", failed, skipped, first.Reason)
}

func writeMetrics(path string, g prometheus.Gatherer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, g)
}

func resolvePath(workDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workDir, p)
}

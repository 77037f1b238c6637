package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"provcache/internal/core"
	"provcache/internal/dag"
	"provcache/internal/trace"
)

type report struct {
	ok, fail, skip, dim *color.Color
}

func newReport(g *globalOptions) *report {
	return &report{
		ok:   g.colorize(g.stdout, color.FgGreen, color.Bold),
		fail: g.colorize(g.stdout, color.FgRed, color.Bold),
		skip: g.colorize(g.stdout, color.FgYellow),
		dim:  g.colorize(g.stdout, color.Faint),
	}
}

// graph prints one block per task in topological order, then the totals.
func (r *report) graph(w io.Writer, graph *dag.TaskGraph, gr *dag.GraphResult, cache trace.CacheCounts) {
	passed, failed, skipped := 0, 0, 0
	for _, name := range graph.TopologicalOrder() {
		switch gr.FinalState[name] {
		case dag.TaskSucceeded:
			passed++
			r.task(w, gr.Results[name])
		case dag.TaskFailed:
			failed++
			r.task(w, gr.Results[name])
		case dag.TaskSkipped:
			skipped++
			fmt.Fprintf(w, "%s %s %s\n", r.skip.Sprint("SKIP"), name, r.dim.Sprint("(dependency failed)"))
		}
	}

	if cache.Hits+cache.Misses > 0 {
		line := fmt.Sprintf("cache: %d hit, %d miss, %d stored", cache.Hits, cache.Misses, cache.Stored)
		if cache.Repopulated > 0 {
			line += fmt.Sprintf(", %d repopulated", cache.Repopulated)
		}
		fmt.Fprintln(w, r.dim.Sprint(line))
	}

	summary := fmt.Sprintf("%d passed, %d failed, %d skipped", passed, failed, skipped)
	if failed > 0 {
		fmt.Fprintln(w, r.fail.Sprint(summary))
	} else {
		fmt.Fprintln(w, r.ok.Sprint(summary))
	}
}

func (r *report) task(w io.Writer, res core.Result) {
	status := r.ok.Sprint("PASS")
	if !res.Success {
		status = r.fail.Sprint("FAIL")
	}
	fmt.Fprintf(w, "%s %s %s\n", status, res.Task, r.dim.Sprint(res.Duration.Round(time.Millisecond)))

	for _, s := range res.Steps {
		line := fmt.Sprintf("  %-12s %-12s %s", s.Step, s.Result, s.Key.Short())
		if s.Stored {
			line += " stored"
		}
		fmt.Fprintln(w, line)
	}

	if !res.Success {
		where := string(res.Stage)
		if res.Step != "" {
			where += " " + res.Step
		}
		fmt.Fprintf(w, "  %s %s\n", r.fail.Sprint(where+":"), res.Reason)
		if out := strings.TrimRight(string(res.Output), "\n"); out != "" {
			for _, l := range strings.Split(out, "\n") {
				fmt.Fprintf(w, "    | %s\n", l)
			}
		}
	}
	for _, a := range res.Artifacts {
		fmt.Fprintf(w, "  artifact %s\n", a)
	}
}

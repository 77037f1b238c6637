package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"provcache/internal/config"
	"provcache/internal/core"
	"provcache/internal/log"
)

func newFingerprintCmd(g *globalOptions) *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "fingerprint [task...]",
		Short: "Print the cache key of every provisioning step",
		Long: `Compute the fingerprint key of each provisioning step and report whether
the cache holds an entry for it. Nothing is populated or restored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := log.FromContext(ctx)

			pipeline, err := g.pipeline(true)
			if err != nil {
				return &ExitError{Code: ExitConfigError, Err: err}
			}
			tasks, err := selectExact(pipeline, args)
			if err != nil {
				return &ExitError{Code: ExitConfigError, Err: err}
			}
			cacheDir, _ := g.dirs(pipeline)
			store := core.NewFileStore(cacheDir)
			shell := core.NewShellExecutor()

			tw := tabwriter.NewWriter(g.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tSTEP\tKEY\tCACHED")
			for _, t := range tasks {
				run, err := t.TaskRun(g.workDir)
				if err != nil {
					return &ExitError{Code: ExitConfigError, Err: err}
				}
				fp := core.NewFingerprinter(shell, run.WorkDir)
				fp.Logger = logger
				for _, step := range run.Steps {
					key, err := fp.StepKey(ctx, step)
					if err != nil {
						return exitErrorf(ExitEnvironmentFailure, "task %q step %q: %w", t.Name, step.Name, err)
					}
					entry, err := store.Lookup(key)
					if err != nil {
						return exitErrorf(ExitEnvironmentFailure, "task %q step %q: %w", t.Name, step.Name, err)
					}
					shown := key.Short()
					if full {
						shown = key.String()
					}
					cached := "no"
					if entry != nil {
						cached = "yes"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Name, step.Name, shown, cached)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "print full keys")
	return cmd
}

// selectExact returns the named tasks only, or all tasks.
func selectExact(p *config.Pipeline, names []string) ([]config.Task, error) {
	if len(names) == 0 {
		return p.Tasks, nil
	}
	byName := make(map[string]config.Task, len(p.Tasks))
	for _, t := range p.Tasks {
		byName[t.Name] = t
	}
	out := make([]config.Task, 0, len(names))
	for _, n := range names {
		t, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("unknown task %q", n)
		}
		out = append(out, t)
	}
	return out, nil
}

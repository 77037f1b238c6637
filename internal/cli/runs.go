package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"provcache/internal/log"
	"provcache/internal/state"
)

func newRunsCmd(g *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Long: `List the run records written by "provcache run". A failed run shows the
class of its first failure: provision, cache, verification and timeout
point at the CI environment, payload at the code under test.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pipeline, err := g.pipeline(false)
			if err != nil {
				return &ExitError{Code: ExitConfigError, Err: err}
			}
			_, stateDir := g.dirs(pipeline)
			st, err := state.NewStore(stateDir)
			if err != nil {
				return exitErrorf(ExitInternalError, "%w", err)
			}

			runs, err := st.ListRuns()
			if err != nil {
				// Unreadable records are reported, the rest still listed.
				log.FromContext(cmd.Context()).Warn("reading run records", zap.Error(err))
			}
			if len(runs) == 0 {
				fmt.Fprintln(g.stdout, "no runs recorded")
				return nil
			}
			if limit > 0 && len(runs) > limit {
				runs = runs[:limit]
			}

			tw := tabwriter.NewWriter(g.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tTASKS\tSTATUS\tFAILURE")
			for _, r := range runs {
				duration := "-"
				if r.EndTime != nil {
					duration = r.EndTime.Sub(r.StartTime).String()
				}
				failure := ""
				if r.Status == state.RunFailed {
					if f, err := st.LoadFailure(r.RunID); err == nil {
						failure = describeFailure(f)
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					r.RunID, humanize.Time(r.StartTime), duration, len(r.Tasks), r.Status, failure)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "show at most this many runs (0 for all)")
	return cmd
}

func describeFailure(f state.Failure) string {
	s := string(f.FailureClass)
	if f.Task != nil {
		s += " in " + *f.Task
		if f.Step != nil {
			s += "/" + *f.Step
		}
	}
	if f.Environmental {
		s += " (environment)"
	}
	return s
}

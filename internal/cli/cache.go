package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"provcache/internal/core"
	"provcache/internal/log"
)

func newCacheCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the cache",
	}
	cmd.AddCommand(newCacheListCmd(g), newCachePruneCmd(g), newCacheRemoveCmd(g))
	return cmd
}

func (o *globalOptions) fileStore() (*core.FileStore, error) {
	pipeline, err := o.pipeline(false)
	if err != nil {
		return nil, &ExitError{Code: ExitConfigError, Err: err}
	}
	cacheDir, _ := o.dirs(pipeline)
	return core.NewFileStore(cacheDir), nil
}

func newCacheListCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List cache entries, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := g.fileStore()
			if err != nil {
				return err
			}
			entries, err := store.List()
			if err != nil {
				return exitErrorf(ExitEnvironmentFailure, "listing cache: %w", err)
			}
			if len(entries) == 0 {
				fmt.Fprintln(g.stdout, "cache is empty")
				return nil
			}

			tw := tabwriter.NewWriter(g.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tCREATED\tFILES\tSIZE\tSTORED")
			var total uint64
			for _, e := range entries {
				total += uint64(e.ArchiveBytes)
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					e.Key.Short(),
					humanize.Time(e.CreatedAt),
					e.Files,
					humanize.Bytes(uint64(e.Bytes)),
					humanize.Bytes(uint64(e.ArchiveBytes)))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(g.stdout, "%d %s, %s on disk\n", len(entries), plural(len(entries), "entry", "entries"), humanize.Bytes(total))
			return nil
		},
	}
}

func newCachePruneCmd(g *globalOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete entries older than a given age",
		Example: `  provcache cache prune --older-than 168h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return exitErrorf(ExitInvalidInvocation, "--older-than must be positive")
			}
			store, err := g.fileStore()
			if err != nil {
				return err
			}
			removed, err := store.Prune(time.Now().Add(-olderThan))
			for _, k := range removed {
				log.FromContext(cmd.Context()).Debug("pruned cache entry", zap.String("key", k.String()))
			}
			if err != nil {
				return exitErrorf(ExitEnvironmentFailure, "pruning cache: %w", err)
			}
			fmt.Fprintf(g.stdout, "pruned %d %s\n", len(removed), plural(len(removed), "entry", "entries"))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum age of entries to delete, e.g. 72h")
	_ = cmd.MarkFlagRequired("older-than")
	return cmd
}

func newCacheRemoveCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm KEY...",
		Aliases: []string{"remove"},
		Short:   "Delete cache entries by full key",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := g.fileStore()
			if err != nil {
				return err
			}
			for _, k := range args {
				if err := store.Remove(core.FingerprintKey(k)); err != nil {
					return exitErrorf(ExitEnvironmentFailure, "removing %s: %w", k, err)
				}
			}
			return nil
		},
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

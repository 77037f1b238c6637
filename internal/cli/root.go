// Package cli implements the provcache command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"provcache/internal/config"
	"provcache/internal/log"
)

type globalOptions struct {
	configPath string
	cacheDir   string
	workDir    string
	logLevel   string
	logFormat  string
	noColor    bool

	stdout io.Writer
	stderr io.Writer
}

// Run executes the command line in args (without argv[0]) and returns the
// process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "provcache:", err)
		if ExitCode(err) == ExitInvalidInvocation {
			fmt.Fprintln(stderr, "Run 'provcache --help' for usage.")
		}
	}
	return ExitCode(err)
}

// NewRootCommand builds the command tree writing to stdout and stderr.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "provcache",
		Short: "Content-addressed cache for CI provisioning steps",
		Long: `provcache runs CI tasks whose expensive provisioning steps (building node
daemons, installing package trees) are skipped when a fingerprint of their
inputs matches a cached folder snapshot.

Every provisioned folder is verified after a restore or a fresh populate, so
a damaged cache entry fails the run instead of passing silently.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: opts.setup,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "pipeline definition (relative to --workdir)")
	pf.StringVar(&opts.cacheDir, "cache-dir", "", "cache directory (overrides cache_dir in the pipeline)")
	pf.StringVarP(&opts.workDir, "workdir", "C", "", "working directory (default: current directory)")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pf.StringVar(&opts.logFormat, "log-format", string(log.FormatAuto), "log format: auto, console, json")
	pf.BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newRunCmd(opts),
		newFingerprintCmd(opts),
		newCacheCmd(opts),
		newRunsCmd(opts),
	)
	return root
}

func (o *globalOptions) setup(cmd *cobra.Command, _ []string) error {
	if o.workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return exitErrorf(ExitInternalError, "getting working directory: %w", err)
		}
		o.workDir = wd
	}
	abs, err := filepath.Abs(o.workDir)
	if err != nil {
		return exitErrorf(ExitInvalidInvocation, "resolving --workdir: %w", err)
	}
	o.workDir = abs

	logger, err := log.New(o.stderr, log.Options{Level: o.logLevel, Format: log.Format(o.logFormat)})
	if err != nil {
		return exitErrorf(ExitInvalidInvocation, "%w", err)
	}
	cmd.SetContext(log.WithLogger(cmd.Context(), logger))
	return nil
}

// pipeline loads the pipeline definition. With required unset, a missing
// file yields an empty pipeline so that cache commands work without one.
func (o *globalOptions) pipeline(required bool) (*config.Pipeline, error) {
	path := o.configPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(o.workDir, path)
	}
	p, err := config.Load(path)
	if err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return &config.Pipeline{}, nil
		}
		return nil, err
	}
	return p, nil
}

// dirs resolves the cache and state directories for p.
func (o *globalOptions) dirs(p *config.Pipeline) (cacheDir, stateDir string) {
	cacheDir, stateDir = p.Dirs(o.workDir)
	if o.cacheDir != "" {
		cacheDir = o.cacheDir
		if !filepath.IsAbs(cacheDir) {
			cacheDir = filepath.Join(o.workDir, cacheDir)
		}
	}
	return cacheDir, stateDir
}

// colorize returns c configured for w and --no-color.
func (o *globalOptions) colorize(w io.Writer, attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	if o.noColor || !log.IsTerminal(w) {
		c.DisableColor()
	} else {
		c.EnableColor()
	}
	return c
}

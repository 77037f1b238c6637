package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// FingerprintRecipe is an ordered list of probe commands (shell strings).
//
// Order is significant: the same probes in a different order yield a
// different key. Cache compatibility depends on that, so recipes are never
// sorted.
type FingerprintRecipe []string

// FingerprintKey is the cache key derived from a recipe's probe outputs.
type FingerprintKey string

// String returns the string representation of the key.
func (k FingerprintKey) String() string {
	return string(k)
}

// Short returns a 12-character abbreviation for logs, keeping any prefix.
func (k FingerprintKey) Short() string {
	s := string(k)
	prefix := ""
	if i := strings.LastIndexByte(s, '-'); i >= 0 {
		prefix, s = s[:i+1], s[i+1:]
	}
	if len(s) > 12 {
		s = s[:12]
	}
	return prefix + s
}

// Fingerprinter derives FingerprintKeys by running probe commands.
type Fingerprinter struct {
	// Runner executes probes.
	Runner CommandRunner

	// Dir is the directory probes run in.
	Dir string

	// Env holds extra KEY=VALUE entries visible to probes.
	Env []string

	Logger *zap.Logger
}

// NewFingerprinter creates a Fingerprinter running probes in dir.
func NewFingerprinter(runner CommandRunner, dir string) *Fingerprinter {
	return &Fingerprinter{Runner: runner, Dir: dir, Logger: zap.NewNop()}
}

// ComputeFingerprint runs every probe in recipe order and hashes the joined
// outputs.
//
// A probe that cannot start or exits non-zero (for example by reading a
// missing file) contributes empty output and never fails the fingerprint.
// Only context cancellation is returned as an error.
//
// The key is the hex sha256 of the probe stdouts joined with "\n". When
// prefix is non-empty the key becomes prefix + "-" + digest.
func (f *Fingerprinter) ComputeFingerprint(ctx context.Context, recipe FingerprintRecipe, prefix string) (FingerprintKey, error) {
	outputs := make([]string, len(recipe))
	for i, probe := range recipe {
		out, err := f.probe(ctx, probe)
		if err != nil {
			return "", err
		}
		outputs[i] = out
	}
	return KeyFromOutputs(outputs, prefix), nil
}

func (f *Fingerprinter) probe(ctx context.Context, probe string) (string, error) {
	cmd := ShellCommand(probe)
	cmd.Dir = f.Dir
	cmd.Env = f.Env

	res, err := f.Runner.Run(ctx, cmd)
	if ctx.Err() != nil {
		return "", fmt.Errorf("fingerprint probe %q: %w", probe, ctx.Err())
	}
	if err != nil {
		f.logger().Debug("probe failed to start, treating as empty", zap.String("probe", probe), zap.Error(err))
		return "", nil
	}
	if !res.Success() {
		f.logger().Debug("probe exited non-zero, treating as empty",
			zap.String("probe", probe),
			zap.Int("exit_code", res.ExitCode),
			zap.Bool("timed_out", res.TimedOut))
		return "", nil
	}
	return string(res.Stdout), nil
}

func (f *Fingerprinter) logger() *zap.Logger {
	if f.Logger == nil {
		return zap.NewNop()
	}
	return f.Logger
}

// StepKey computes the key of step with step.Env added to the probe
// environment.
func (f *Fingerprinter) StepKey(ctx context.Context, step ProvisioningStep) (FingerprintKey, error) {
	scoped := *f
	scoped.Env = append(append([]string(nil), f.Env...), step.Env...)
	return scoped.ComputeFingerprint(ctx, step.Recipe, step.KeyPrefix)
}

// KeyFromOutputs hashes already-captured probe outputs into a key.
func KeyFromOutputs(outputs []string, prefix string) FingerprintKey {
	sum := sha256.Sum256([]byte(strings.Join(outputs, "\n")))
	digest := hex.EncodeToString(sum[:])
	if prefix == "" {
		return FingerprintKey(digest)
	}
	return FingerprintKey(prefix + "-" + digest)
}

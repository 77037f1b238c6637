package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Expectation is a post-condition on provisioned artifacts.
type Expectation struct {
	// Pattern is a path or doublestar glob ("bin/*d", "node_modules/.bin/**"),
	// relative to the run's working directory unless absolute.
	Pattern string

	// Executable requires every match to be a regular file with an execute bit.
	Executable bool
}

// Verifier checks that provisioned artifacts exist and are usable.
//
// It runs unconditionally after every provisioning step, hit or miss, so a
// stale or damaged cache entry cannot pass as a success.
type Verifier struct {
	// BaseDir is the directory relative patterns and actions resolve against.
	BaseDir string

	// Runner executes verification actions.
	Runner CommandRunner
}

// NewVerifier creates a Verifier rooted at baseDir.
func NewVerifier(runner CommandRunner, baseDir string) *Verifier {
	return &Verifier{BaseDir: baseDir, Runner: runner}
}

// CheckExpectations returns an error describing the first unmet expectation.
func (v *Verifier) CheckExpectations(expectations []Expectation) error {
	for _, exp := range expectations {
		matches, err := v.expand(exp.Pattern)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			return fmt.Errorf("expected artifact %q not found", exp.Pattern)
		}
		if !exp.Executable {
			continue
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				return fmt.Errorf("stat %q: %w", m, err)
			}
			if !info.Mode().IsRegular() {
				return fmt.Errorf("expected artifact %q is not a regular file", v.rel(m))
			}
			if info.Mode().Perm()&0o111 == 0 {
				return fmt.Errorf("expected artifact %q is not executable", v.rel(m))
			}
		}
	}
	return nil
}

// RunAction runs a verification action and reports whether it passed.
// A nil error with a failed result means the check ran and failed.
func (v *Verifier) RunAction(ctx context.Context, action Action) (*ExecutionResult, error) {
	return v.Runner.Run(ctx, action.command(v.BaseDir, nil))
}

// expand resolves a pattern to a sorted list of existing paths.
// A pattern without glob characters is treated as a literal path.
func (v *Verifier) expand(pattern string) ([]string, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty expectation pattern")
	}

	full := pattern
	if !filepath.IsAbs(pattern) {
		full = filepath.Join(v.BaseDir, pattern)
	}

	if !containsGlobChar(pattern) {
		if _, err := os.Stat(full); err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("stat %q: %w", pattern, err)
		}
		return []string{full}, nil
	}

	if !doublestar.ValidatePattern(filepath.ToSlash(pattern)) {
		return nil, fmt.Errorf("invalid glob pattern %q", pattern)
	}

	var matches []string
	if filepath.IsAbs(pattern) {
		m, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("expanding %q: %w", pattern, err)
		}
		matches = m
	} else {
		m, err := doublestar.Glob(os.DirFS(v.BaseDir), filepath.ToSlash(pattern))
		if err != nil {
			return nil, fmt.Errorf("expanding %q: %w", pattern, err)
		}
		for _, rel := range m {
			matches = append(matches, filepath.Join(v.BaseDir, filepath.FromSlash(rel)))
		}
	}

	// Do not rely on filesystem ordering.
	sort.Strings(matches)
	return matches, nil
}

func (v *Verifier) rel(p string) string {
	if r, err := filepath.Rel(v.BaseDir, p); err == nil && !strings.HasPrefix(r, "..") {
		return filepath.ToSlash(r)
	}
	return p
}

// existing filters declared paths down to the ones present on disk.
func (v *Verifier) existing(patterns []string) (present, missing []string) {
	for _, p := range patterns {
		matches, err := v.expand(p)
		if err != nil || len(matches) == 0 {
			missing = append(missing, p)
			continue
		}
		present = append(present, p)
	}
	return present, missing
}

// containsGlobChar returns true if the pattern contains glob special characters.
func containsGlobChar(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[]{}")
}

// Package config loads pipeline definitions: the provisioning steps,
// payload and verification actions of every task, from TOML or YAML.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"provcache/internal/core"
	"provcache/internal/dag"
)

const (
	DefaultPath     = "provcache.toml"
	DefaultStateDir = ".provcache"
	DefaultCacheDir = ".provcache/cache"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Pipeline is a decoded pipeline definition file.
type Pipeline struct {
	// CacheDir and StateDir are resolved against the working directory when
	// relative.
	CacheDir string `toml:"cache_dir" yaml:"cache_dir"`
	StateDir string `toml:"state_dir" yaml:"state_dir"`

	Tasks []Task `toml:"tasks" yaml:"tasks"`
}

type Task struct {
	Name    string `toml:"name" yaml:"name"`
	WorkDir string `toml:"workdir" yaml:"workdir"`

	// Needs lists tasks that must succeed before this one starts.
	Needs []string `toml:"needs" yaml:"needs"`

	// Env is added to every action of the task, before action-level env.
	Env []string `toml:"env" yaml:"env"`

	Steps     []Step   `toml:"steps" yaml:"steps"`
	Payload   []Action `toml:"payload" yaml:"payload"`
	Verify    []Action `toml:"verify" yaml:"verify"`
	Artifacts []string `toml:"artifacts" yaml:"artifacts"`
}

type Step struct {
	Name   string   `toml:"name" yaml:"name"`
	Folder string   `toml:"folder" yaml:"folder"`
	Recipe []string `toml:"recipe" yaml:"recipe"`

	// KeyPrefix defaults to the step name. Set it to "" explicitly for
	// bare digest keys.
	KeyPrefix *string `toml:"key_prefix" yaml:"key_prefix"`

	Populate        string   `toml:"populate" yaml:"populate"`
	PopulateTimeout string   `toml:"populate_timeout" yaml:"populate_timeout"`
	Env             []string `toml:"env" yaml:"env"`

	ExpectFiles       []string `toml:"expect_files" yaml:"expect_files"`
	ExpectExecutables []string `toml:"expect_executables" yaml:"expect_executables"`

	Verify        string `toml:"verify" yaml:"verify"`
	VerifyTimeout string `toml:"verify_timeout" yaml:"verify_timeout"`

	// OnStale is "fail" (default) or "repopulate".
	OnStale string `toml:"on_stale" yaml:"on_stale"`
}

type Action struct {
	Name    string   `toml:"name" yaml:"name"`
	Run     string   `toml:"run" yaml:"run"`
	Env     []string `toml:"env" yaml:"env"`
	Timeout string   `toml:"timeout" yaml:"timeout"`
}

// Validate reports every problem in p.
func (p *Pipeline) Validate() error {
	var errs []error
	if len(p.Tasks) == 0 {
		errs = append(errs, errors.New("no tasks defined"))
	}

	seen := make(map[string]bool, len(p.Tasks))
	for i, t := range p.Tasks {
		where := fmt.Sprintf("tasks[%d]", i)
		if t.Name != "" {
			where = fmt.Sprintf("task %q", t.Name)
		}
		switch {
		case t.Name == "":
			errs = append(errs, fmt.Errorf("%s: name is required", where))
		case !namePattern.MatchString(t.Name):
			errs = append(errs, fmt.Errorf("%s: name must match %s", where, namePattern))
		case seen[t.Name]:
			errs = append(errs, fmt.Errorf("%s: duplicate task name", where))
		}
		seen[t.Name] = true

		if len(t.Steps) == 0 && len(t.Payload) == 0 && len(t.Verify) == 0 {
			errs = append(errs, fmt.Errorf("%s: nothing to run", where))
		}

		steps := make(map[string]bool, len(t.Steps))
		for j, s := range t.Steps {
			errs = append(errs, s.validate(fmt.Sprintf("%s: steps[%d]", where, j))...)
			if s.Name != "" && steps[s.Name] {
				errs = append(errs, fmt.Errorf("%s: duplicate step name %q", where, s.Name))
			}
			steps[s.Name] = true
		}
		for j, a := range t.Payload {
			errs = append(errs, a.validate(fmt.Sprintf("%s: payload[%d]", where, j))...)
		}
		for j, a := range t.Verify {
			errs = append(errs, a.validate(fmt.Sprintf("%s: verify[%d]", where, j))...)
		}
	}

	for _, t := range p.Tasks {
		for _, n := range t.Needs {
			if !seen[n] {
				errs = append(errs, fmt.Errorf("task %q: needs unknown task %q", t.Name, n))
			}
		}
	}
	return errors.Join(errs...)
}

func (s Step) validate(where string) []error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, fmt.Errorf("%s: name is required", where))
	} else if !namePattern.MatchString(s.Name) {
		errs = append(errs, fmt.Errorf("%s: name must match %s", where, namePattern))
	}
	switch folder := filepath.Clean(s.Folder); {
	case s.Folder == "":
		errs = append(errs, fmt.Errorf("%s: folder is required", where))
	case filepath.IsAbs(folder):
		errs = append(errs, fmt.Errorf("%s: folder %q must be relative to the task workdir", where, s.Folder))
	case folder == ".":
		errs = append(errs, fmt.Errorf("%s: folder %q is the task workdir itself", where, s.Folder))
	case !within(folder, "."):
		errs = append(errs, fmt.Errorf("%s: folder %q escapes the task workdir", where, s.Folder))
	}
	if len(s.Recipe) == 0 {
		errs = append(errs, fmt.Errorf("%s: recipe needs at least one probe", where))
	}
	if s.Populate == "" {
		errs = append(errs, fmt.Errorf("%s: populate is required", where))
	}
	if _, err := parseTimeout(s.PopulateTimeout); err != nil {
		errs = append(errs, fmt.Errorf("%s: populate_timeout: %w", where, err))
	}
	if _, err := parseTimeout(s.VerifyTimeout); err != nil {
		errs = append(errs, fmt.Errorf("%s: verify_timeout: %w", where, err))
	}
	switch core.StalePolicy(s.OnStale) {
	case "", core.StaleFail, core.StaleRepopulate:
	default:
		errs = append(errs, fmt.Errorf("%s: on_stale must be %q or %q, got %q", where, core.StaleFail, core.StaleRepopulate, s.OnStale))
	}
	return errs
}

func (a Action) validate(where string) []error {
	var errs []error
	if a.Run == "" {
		errs = append(errs, fmt.Errorf("%s: run is required", where))
	}
	if _, err := parseTimeout(a.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("%s: timeout: %w", where, err))
	}
	return errs
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// Select returns the named tasks and everything they transitively need,
// in definition order. No names selects every task.
func (p *Pipeline) Select(names []string) ([]Task, error) {
	if len(names) == 0 {
		return append([]Task(nil), p.Tasks...), nil
	}
	byName := make(map[string]Task, len(p.Tasks))
	for _, t := range p.Tasks {
		byName[t.Name] = t
	}

	want := make(map[string]bool)
	var visit func(string) error
	visit = func(name string) error {
		if want[name] {
			return nil
		}
		t, ok := byName[name]
		if !ok {
			return fmt.Errorf("unknown task %q", name)
		}
		want[name] = true
		for _, n := range t.Needs {
			if err := visit(n); err != nil {
				return err
			}
		}
		return nil
	}
	for _, n := range names {
		if err := visit(n); err != nil {
			return nil, err
		}
	}

	out := make([]Task, 0, len(want))
	for _, t := range p.Tasks {
		if want[t.Name] {
			out = append(out, t)
		}
	}
	return out, nil
}

// TaskRuns converts tasks into core TaskRuns rooted at baseDir, plus the
// dependency edges between them.
func TaskRuns(tasks []Task, baseDir string) ([]core.TaskRun, []dag.Edge, error) {
	runs := make([]core.TaskRun, 0, len(tasks))
	var edges []dag.Edge
	for _, t := range tasks {
		run, err := t.TaskRun(baseDir)
		if err != nil {
			return nil, nil, err
		}
		runs = append(runs, run)

		needs := append([]string(nil), t.Needs...)
		sort.Strings(needs)
		for _, n := range needs {
			edges = append(edges, dag.Edge{From: n, To: t.Name})
		}
	}
	return runs, edges, nil
}

// TaskRun converts t into a core TaskRun rooted at baseDir.
func (t Task) TaskRun(baseDir string) (core.TaskRun, error) {
	run := core.TaskRun{
		Name:      t.Name,
		WorkDir:   resolve(baseDir, t.WorkDir),
		Artifacts: append([]string(nil), t.Artifacts...),
	}

	for _, s := range t.Steps {
		step, err := s.provisioningStep(t.Env)
		if err != nil {
			return core.TaskRun{}, fmt.Errorf("task %q: %w", t.Name, err)
		}
		run.Steps = append(run.Steps, step)
	}
	for _, a := range t.Payload {
		act, err := a.action(t.Env)
		if err != nil {
			return core.TaskRun{}, fmt.Errorf("task %q: payload: %w", t.Name, err)
		}
		run.Payload = append(run.Payload, act)
	}
	for _, a := range t.Verify {
		act, err := a.action(t.Env)
		if err != nil {
			return core.TaskRun{}, fmt.Errorf("task %q: verify: %w", t.Name, err)
		}
		run.Verify = append(run.Verify, act)
	}
	return run, nil
}

func (s Step) provisioningStep(taskEnv []string) (core.ProvisioningStep, error) {
	populateTimeout, err := parseTimeout(s.PopulateTimeout)
	if err != nil {
		return core.ProvisioningStep{}, fmt.Errorf("step %q: populate_timeout: %w", s.Name, err)
	}
	verifyTimeout, err := parseTimeout(s.VerifyTimeout)
	if err != nil {
		return core.ProvisioningStep{}, fmt.Errorf("step %q: verify_timeout: %w", s.Name, err)
	}

	env := mergeEnv(taskEnv, s.Env)
	step := core.ProvisioningStep{
		Name:      s.Name,
		Folder:    s.Folder,
		Recipe:    core.FingerprintRecipe(append([]string(nil), s.Recipe...)),
		KeyPrefix: s.Name,
		Env:       env,
		Populate:  core.Action{Name: s.Name, Run: s.Populate, Env: env, Timeout: populateTimeout},
		OnStale:   core.StalePolicy(s.OnStale),
	}
	if s.KeyPrefix != nil {
		step.KeyPrefix = *s.KeyPrefix
	}
	if step.OnStale == "" {
		step.OnStale = core.StaleFail
	}
	for _, f := range s.ExpectFiles {
		step.Expect = append(step.Expect, core.Expectation{Pattern: f})
	}
	for _, f := range s.ExpectExecutables {
		step.Expect = append(step.Expect, core.Expectation{Pattern: f, Executable: true})
	}
	if s.Verify != "" {
		step.Verify = &core.Action{Name: s.Name + "-verify", Run: s.Verify, Env: env, Timeout: verifyTimeout}
	}
	return step, nil
}

func (a Action) action(taskEnv []string) (core.Action, error) {
	timeout, err := parseTimeout(a.Timeout)
	if err != nil {
		return core.Action{}, fmt.Errorf("action %q: timeout: %w", a.Name, err)
	}
	name := a.Name
	if name == "" {
		name = a.Run
	}
	return core.Action{Name: name, Run: a.Run, Env: mergeEnv(taskEnv, a.Env), Timeout: timeout}, nil
}

func mergeEnv(base, extra []string) []string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}

// CheckFolders reports every step folder that contains, or lies inside, one
// of the protected directories.
func CheckFolders(runs []core.TaskRun, protected ...string) error {
	var errs []error
	for _, run := range runs {
		for _, s := range run.Steps {
			folder := resolve(run.WorkDir, s.Folder)
			for _, dir := range protected {
				dir = filepath.Clean(dir)
				if within(dir, folder) || within(folder, dir) {
					errs = append(errs, fmt.Errorf("task %q: step %q: folder %s overlaps %s", run.Name, s.Name, folder, dir))
				}
			}
		}
	}
	return errors.Join(errs...)
}

// within reports whether p is dir or below it. Both must be clean and of
// the same kind, relative or absolute.
func within(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func resolve(baseDir, p string) string {
	if p == "" {
		return filepath.Clean(baseDir)
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(baseDir, p)
}

// Dirs returns the absolute cache and state directories for baseDir.
func (p *Pipeline) Dirs(baseDir string) (cacheDir, stateDir string) {
	cacheDir, stateDir = p.CacheDir, p.StateDir
	if cacheDir == "" {
		cacheDir = DefaultCacheDir
	}
	if stateDir == "" {
		stateDir = DefaultStateDir
	}
	return resolve(baseDir, cacheDir), resolve(baseDir, stateDir)
}

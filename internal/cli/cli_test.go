package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provcache/internal/cli"
	"provcache/internal/state"
)

// nodePipeline provisions a fake daemon build keyed by version.txt and
// counts populate runs in populate.log.
const nodePipeline = `
[[tasks]]
name = "node"
artifacts = ["report.txt"]

  [[tasks.steps]]
  name = "daemon"
  folder = "daemon"
  recipe = ["cat version.txt"]
  populate = "mkdir -p daemon && printf '#!/bin/sh\necho ok\n' > daemon/run && chmod +x daemon/run && echo built >> populate.log"
  expect_executables = ["daemon/run"]
  verify = "daemon/run"

  [[tasks.payload]]
  name = "test"
  run = "daemon/run > report.txt"
`

type workspace struct {
	t   *testing.T
	dir string
}

func newWorkspace(t *testing.T, pipeline string) *workspace {
	t.Helper()
	w := &workspace{t: t, dir: t.TempDir()}
	w.write("provcache.toml", pipeline)
	w.write("version.txt", "v1\n")
	return w
}

func (w *workspace) write(name, content string) {
	w.t.Helper()
	require.NoError(w.t, os.WriteFile(filepath.Join(w.dir, name), []byte(content), 0o644))
}

func (w *workspace) read(name string) string {
	w.t.Helper()
	b, err := os.ReadFile(filepath.Join(w.dir, name))
	require.NoError(w.t, err)
	return string(b)
}

// run executes provcache with --workdir set and returns exit code and stdout.
func (w *workspace) run(args ...string) (int, string, string) {
	w.t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--workdir", w.dir, "--log-format", "json", "--log-level", "error"}, args...)
	code := cli.Run(context.Background(), full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (w *workspace) runs() []state.Run {
	w.t.Helper()
	st, err := state.NewStore(filepath.Join(w.dir, ".provcache"))
	require.NoError(w.t, err)
	runs, err := st.ListRuns()
	require.NoError(w.t, err)
	return runs
}

func (w *workspace) failure(runID string) state.Failure {
	w.t.Helper()
	st, err := state.NewStore(filepath.Join(w.dir, ".provcache"))
	require.NoError(w.t, err)
	f, err := st.LoadFailure(runID)
	require.NoError(w.t, err)
	return f
}

func TestRun_MissThenHit(t *testing.T) {
	w := newWorkspace(t, nodePipeline)

	code, out, stderr := w.run("run")
	require.Equal(t, cli.ExitSuccess, code, stderr)
	assert.Contains(t, out, "PASS node")
	assert.Contains(t, out, "miss")
	assert.Contains(t, out, "stored")
	assert.Contains(t, out, "artifact report.txt")
	assert.Contains(t, out, "cache: 0 hit, 1 miss, 1 stored")

	require.NoError(t, os.RemoveAll(filepath.Join(w.dir, "daemon")))

	code, out, stderr = w.run("run")
	require.Equal(t, cli.ExitSuccess, code, stderr)
	assert.Contains(t, out, "cache: 1 hit, 0 miss, 0 stored")
	assert.Equal(t, "built\n", w.read("populate.log"), "populate must run once")
	assert.Equal(t, "ok\n", w.read("report.txt"))

	runs := w.runs()
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, state.RunSucceeded, r.Status)
		assert.NotEmpty(t, r.GraphHash)
	}
}

func TestRun_FingerprintChangeRepopulates(t *testing.T) {
	w := newWorkspace(t, nodePipeline)

	code, _, stderr := w.run("run")
	require.Equal(t, cli.ExitSuccess, code, stderr)

	w.write("version.txt", "v2\n")
	code, out, stderr := w.run("run")
	require.Equal(t, cli.ExitSuccess, code, stderr)
	assert.Contains(t, out, "miss")
	assert.Equal(t, "built\nbuilt\n", w.read("populate.log"))
}

const pinnedPipeline = `
[[tasks]]
name = "node"
env = ["DAEMON_VERSION=%s"]

  [[tasks.steps]]
  name = "daemon"
  folder = "daemon"
  recipe = ["echo $DAEMON_VERSION"]
  populate = "mkdir -p daemon && echo $DAEMON_VERSION > daemon/version"
`

func TestRun_EnvPinnedVersionChangeRepopulates(t *testing.T) {
	w := newWorkspace(t, fmt.Sprintf(pinnedPipeline, "25.0"))
	code, _, stderr := w.run("run")
	require.Equal(t, cli.ExitSuccess, code, stderr)
	assert.Equal(t, "25.0\n", w.read("daemon/version"))

	w.write("provcache.toml", fmt.Sprintf(pinnedPipeline, "26.0"))
	code, out, stderr := w.run("run")
	require.Equal(t, cli.ExitSuccess, code, stderr)
	assert.Contains(t, out, "miss")
	assert.Equal(t, "26.0\n", w.read("daemon/version"))
}

func TestRun_RejectsUnsafeFolders(t *testing.T) {
	const unsafe = `
[[tasks]]
name = "node"

  [[tasks.steps]]
  name = "daemon"
  folder = "%s"
  recipe = ["cat version.txt"]
  populate = "echo built >> populate.log"
`
	for _, folder := range []string{".", "..", "/tmp", ".provcache", ".provcache/cache/x"} {
		t.Run(folder, func(t *testing.T) {
			w := newWorkspace(t, fmt.Sprintf(unsafe, folder))
			w.write("precious.txt", "keep")

			code, _, stderr := w.run("run")
			assert.Equal(t, cli.ExitConfigError, code, stderr)
			assert.Contains(t, stderr, "folder")
			assert.Equal(t, "keep", w.read("precious.txt"))
			assert.NoFileExists(t, filepath.Join(w.dir, "populate.log"))
		})
	}
}

func TestRun_ExitCodes(t *testing.T) {
	cases := []struct {
		name     string
		pipeline string
		code     int
		class    state.FailureClass
	}{
		{
			name: "payload failure",
			pipeline: `
[[tasks]]
name = "e2e"
  [[tasks.payload]]
  run = "echo '1 failing'; exit 1"
`,
			code:  cli.ExitPayloadFailure,
			class: state.FailureClassPayload,
		},
		{
			name: "populate failure",
			pipeline: `
[[tasks]]
name = "bitcoind"
  [[tasks.steps]]
  name = "bitcoind"
  folder = "bitcoin"
  recipe = ["cat version.txt"]
  populate = "echo 'configure: error: libevent not found'; exit 1"
`,
			code:  cli.ExitEnvironmentFailure,
			class: state.FailureClassProvision,
		},
		{
			name: "verification failure",
			pipeline: `
[[tasks]]
name = "bitcoind"
  [[tasks.steps]]
  name = "bitcoind"
  folder = "bitcoin"
  recipe = ["cat version.txt"]
  populate = "mkdir -p bitcoin"
  expect_executables = ["bitcoin/src/bitcoind"]
`,
			code:  cli.ExitEnvironmentFailure,
			class: state.FailureClassVerification,
		},
		{
			name: "timeout",
			pipeline: `
[[tasks]]
name = "slow"
  [[tasks.payload]]
  run = "sleep 30"
  timeout = "200ms"
`,
			code:  cli.ExitTimeout,
			class: state.FailureClassTimeout,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := newWorkspace(t, tc.pipeline)
			code, out, _ := w.run("run")
			assert.Equal(t, tc.code, code)
			assert.Contains(t, out, "FAIL")

			runs := w.runs()
			require.Len(t, runs, 1)
			assert.Equal(t, state.RunFailed, runs[0].Status)
			assert.Equal(t, tc.class, w.failure(runs[0].RunID).FailureClass)
		})
	}
}

func TestRun_FailureOutputShown(t *testing.T) {
	w := newWorkspace(t, `
[[tasks]]
name = "e2e"
  [[tasks.payload]]
  name = "cypress"
  run = "printf '\u001b[31m1 failing\u001b[0m\r\n'; exit 3"
`)
	code, out, _ := w.run("run")
	assert.Equal(t, cli.ExitPayloadFailure, code)
	assert.Contains(t, out, "payload cypress:")
	assert.Contains(t, out, "    | 1 failing\n", "output is shown without escape codes")
}

func TestRun_SkipsDependents(t *testing.T) {
	w := newWorkspace(t, `
[[tasks]]
name = "bitcoind"
  [[tasks.payload]]
  run = "exit 1"

[[tasks]]
name = "lint"
  [[tasks.payload]]
  run = "true"

[[tasks]]
name = "cypress"
needs = ["bitcoind"]
  [[tasks.payload]]
  run = "touch ran"
`)
	code, out, _ := w.run("run", "--parallel")
	assert.Equal(t, cli.ExitPayloadFailure, code)
	assert.Contains(t, out, "SKIP cypress")
	assert.Contains(t, out, "PASS lint")
	assert.Contains(t, out, "1 passed, 1 failed, 1 skipped")
	assert.NoFileExists(t, filepath.Join(w.dir, "ran"))
}

func TestRun_ParallelTasksShareFolder(t *testing.T) {
	const step = `
  [[tasks.steps]]
  name = "daemon"
  folder = "daemon"
  recipe = ["cat version.txt"]
  populate = "test ! -e daemon/.lock && mkdir -p daemon && touch daemon/.lock && sleep 0.2 && echo built >> populate.log && rm daemon/.lock"

  [[tasks.payload]]
  run = "test ! -e daemon/.lock"
`
	w := newWorkspace(t, "[[tasks]]\nname = \"unit\"\n"+step+"\n[[tasks]]\nname = \"e2e\"\n"+step)

	code, out, stderr := w.run("run", "--parallel")
	require.Equal(t, cli.ExitSuccess, code, stderr)
	assert.Contains(t, out, "PASS unit")
	assert.Contains(t, out, "PASS e2e")
	assert.Contains(t, out, "cache: 1 hit, 1 miss, 1 stored")
	assert.Equal(t, "built\n", w.read("populate.log"), "the second task restores instead of racing the first")
}

func TestRun_SelectsNeededTasks(t *testing.T) {
	w := newWorkspace(t, `
[[tasks]]
name = "a"
  [[tasks.payload]]
  run = "touch a"

[[tasks]]
name = "b"
needs = ["a"]
  [[tasks.payload]]
  run = "test -f a && touch b"

[[tasks]]
name = "c"
  [[tasks.payload]]
  run = "touch c"
`)
	code, _, stderr := w.run("run", "b")
	require.Equal(t, cli.ExitSuccess, code, stderr)
	assert.FileExists(t, filepath.Join(w.dir, "b"))
	assert.NoFileExists(t, filepath.Join(w.dir, "c"))

	code, _, _ = w.run("run", "deploy")
	assert.Equal(t, cli.ExitConfigError, code)
}

func TestRun_ConfigErrors(t *testing.T) {
	w := newWorkspace(t, `
[[tasks]]
name = "a"
needs = ["b"]
  [[tasks.payload]]
  run = "true"

[[tasks]]
name = "b"
needs = ["a"]
  [[tasks.payload]]
  run = "true"
`)
	code, _, stderr := w.run("run")
	assert.Equal(t, cli.ExitConfigError, code)
	assert.Contains(t, stderr, "dependency cycle")

	runs := w.runs()
	require.Len(t, runs, 1)
	f := w.failure(runs[0].RunID)
	assert.Equal(t, state.FailureClassConfig, f.FailureClass)
	assert.True(t, f.Environmental)

	code, _, _ = w.run("run", "--config", "missing.toml")
	assert.Equal(t, cli.ExitConfigError, code)
}

func TestRun_InvalidInvocation(t *testing.T) {
	w := newWorkspace(t, nodePipeline)

	code, _, stderr := w.run("run", "--no-such-flag")
	assert.Equal(t, cli.ExitInvalidInvocation, code)
	assert.Contains(t, stderr, "provcache --help")

	code, _, _ = w.run("explode")
	assert.Equal(t, cli.ExitInvalidInvocation, code)

	code, _, _ = w.run("--log-level", "loud", "run")
	assert.Equal(t, cli.ExitInvalidInvocation, code)
}

func TestRun_TraceAndMetrics(t *testing.T) {
	w := newWorkspace(t, nodePipeline)

	code, _, stderr := w.run("run", "--trace", "out/trace.json", "--metrics-file", "out/metrics.prom")
	require.Equal(t, cli.ExitSuccess, code, stderr)

	var tr struct {
		RunHash string `json:"runHash"`
		Events  []struct {
			Kind string `json:"kind"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal([]byte(w.read("out/trace.json")), &tr))
	assert.NotEmpty(t, tr.RunHash)
	var kinds []string
	for _, e := range tr.Events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, "StepCacheMiss")
	assert.Contains(t, kinds, "StepStored")
	assert.Contains(t, kinds, "PayloadExecuted")

	metrics := w.read("out/metrics.prom")
	assert.Contains(t, metrics, `provcache_step_outcomes_total{outcome="miss",step="daemon",task="node"} 1`)
	assert.Contains(t, metrics, "provcache_task_runs_total")

	// Same decisions on an identical cold run give an identical trace.
	first := w.read("out/trace.json")
	require.NoError(t, os.RemoveAll(filepath.Join(w.dir, ".provcache")))
	require.NoError(t, os.Remove(filepath.Join(w.dir, "populate.log")))
	code, _, _ = w.run("run", "--trace", "out/trace.json")
	require.Equal(t, cli.ExitSuccess, code)
	assert.Equal(t, first, w.read("out/trace.json"))
}

func TestFingerprint(t *testing.T) {
	w := newWorkspace(t, nodePipeline)

	code, out, stderr := w.run("fingerprint")
	require.Equal(t, cli.ExitSuccess, code, stderr)
	assert.Regexp(t, `node\s+daemon\s+daemon-[0-9a-f]{12}\s+no`, out)
	assert.NoFileExists(t, filepath.Join(w.dir, "populate.log"), "fingerprint must not populate")

	code, _, _ = w.run("run")
	require.Equal(t, cli.ExitSuccess, code)

	code, out, _ = w.run("fingerprint", "--full", "node")
	require.Equal(t, cli.ExitSuccess, code)
	assert.Regexp(t, `daemon-[0-9a-f]{64}\s+yes`, out)

	code, _, _ = w.run("fingerprint", "ghost")
	assert.Equal(t, cli.ExitConfigError, code)
}

func TestCacheCommands(t *testing.T) {
	w := newWorkspace(t, nodePipeline)

	code, out, _ := w.run("cache", "list")
	require.Equal(t, cli.ExitSuccess, code)
	assert.Contains(t, out, "cache is empty")

	code, _, _ = w.run("run")
	require.Equal(t, cli.ExitSuccess, code)

	code, out, _ = w.run("cache", "list")
	require.Equal(t, cli.ExitSuccess, code)
	assert.Contains(t, out, "daemon-")
	assert.Contains(t, out, "1 entry,")

	code, _, _ = w.run("cache", "prune")
	assert.Equal(t, cli.ExitInvalidInvocation, code, "--older-than is required")

	code, out, _ = w.run("cache", "prune", "--older-than", "1h")
	require.Equal(t, cli.ExitSuccess, code)
	assert.Contains(t, out, "pruned 0 entries")

	code, _, _ = w.run("cache", "prune", "--older-than", "1ns")
	require.Equal(t, cli.ExitSuccess, code)
	code, out, _ = w.run("cache", "list")
	require.Equal(t, cli.ExitSuccess, code)
	assert.Contains(t, out, "cache is empty")
}

func TestCacheDirFlag(t *testing.T) {
	w := newWorkspace(t, nodePipeline)
	shared := t.TempDir()

	code, _, stderr := w.run("--cache-dir", shared, "run")
	require.Equal(t, cli.ExitSuccess, code, stderr)

	entries, err := os.ReadDir(shared)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
	assert.NoDirExists(t, filepath.Join(w.dir, ".provcache", "cache"))
}

func TestRunsCommand(t *testing.T) {
	w := newWorkspace(t, nodePipeline)

	code, out, _ := w.run("runs")
	require.Equal(t, cli.ExitSuccess, code)
	assert.Contains(t, out, "no runs recorded")

	code, _, _ = w.run("run")
	require.Equal(t, cli.ExitSuccess, code)
	w.write("version.txt", "v2\n")
	w.write("provcache.toml", strings.Replace(nodePipeline, `run = "daemon/run > report.txt"`, `run = "exit 1"`, 1))
	code, _, _ = w.run("run")
	require.Equal(t, cli.ExitPayloadFailure, code)

	code, out, _ = w.run("runs")
	require.Equal(t, cli.ExitSuccess, code)
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, "payload in node/test")
}

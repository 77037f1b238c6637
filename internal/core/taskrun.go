package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"provcache/internal/trace"
)

// TaskRun is one CI job: provisioning steps, then payload actions, then
// run-level verification actions.
type TaskRun struct {
	Name string

	// WorkDir is where folders are provisioned and every action runs.
	WorkDir string

	Steps   []ProvisioningStep
	Payload []Action
	Verify  []Action

	// Artifacts are declared result paths, relative to WorkDir. They are
	// surfaced as written and never interpreted.
	Artifacts []string
}

// Result is the outcome of a TaskRun.
type Result struct {
	Task    string `json:"task"`
	Success bool   `json:"success"`

	// Stage, Step and Err identify the failure. Stage and Step are empty on
	// success.
	Stage Stage  `json:"stage,omitempty"`
	Step  string `json:"step,omitempty"`
	Err   error  `json:"-"`

	// Reason is Err rendered for reports.
	Reason string `json:"reason,omitempty"`

	// Output is the normalized output of the failing action.
	Output []byte `json:"-"`

	Artifacts []string      `json:"artifacts,omitempty"`
	Steps     []StepOutcome `json:"steps"`
	Duration  time.Duration `json:"duration"`

	DefinitionHash string `json:"definitionHash"`
}

// Kind returns the error kind of a failed Result, or nil on success.
func (r Result) Kind() error {
	var se *StageError
	if errors.As(r.Err, &se) {
		return se.Kind
	}
	return r.Err
}

// TaskRunner executes TaskRuns against a shared Store.
//
// A single Run is strictly sequential. Separate TaskRuns may be run
// concurrently on one TaskRunner; runs whose step folders overlap wait for
// each other.
type TaskRunner struct {
	Store  Store
	Runner CommandRunner

	// Normalizer cleans failure output. Nil means NewDefaultNormalizer.
	Normalizer OutputNormalizer

	// Tee receives live action output when set. It must be safe for
	// concurrent writes if TaskRuns run in parallel.
	Tee io.Writer

	Logger  *zap.Logger
	Metrics *Metrics
	Sink    trace.Sink

	folders folderLocks
}

// NewTaskRunner creates a TaskRunner with a shell executor.
func NewTaskRunner(store Store) *TaskRunner {
	return &TaskRunner{
		Store:      store,
		Runner:     NewShellExecutor(),
		Normalizer: NewDefaultNormalizer(),
		Logger:     zap.NewNop(),
	}
}

// Run executes run fail-fast through the provision, payload and verify
// stages. It never returns an error: every failure is reported in Result.
//
// Declared artifacts are surfaced on success, and also when the payload
// stage was reached, since test reports are most useful when tests fail.
// Artifacts are never surfaced for a provisioning failure.
func (tr *TaskRunner) Run(ctx context.Context, run TaskRun) Result {
	start := time.Now()
	log := tr.logger().With(zap.String("task", run.Name))
	res := Result{
		Task:           run.Name,
		DefinitionHash: run.DefinitionHash(),
	}

	finish := func(serr *StageError) Result {
		res.Duration = time.Since(start)
		if serr != nil {
			res.Stage = serr.Stage
			res.Step = serr.Step
			res.Err = serr
			res.Reason = serr.Error()
			res.Output = tr.normalizer().Normalize(serr.Output)
			tr.Metrics.stageFailure(run.Name, serr)
			log.Error("task failed",
				zap.String("stage", string(serr.Stage)),
				zap.String("step", serr.Step),
				zap.Bool("environmental", serr.Environmental()),
				zap.Error(serr))
		} else {
			res.Success = true
			log.Info("task succeeded", zap.Duration("duration", res.Duration))
		}
		if res.Success || res.Stage == StagePayload || res.Stage == StageVerify {
			res.Artifacts = tr.surface(run, log)
		}
		tr.Metrics.taskRun(run.Name, res.Success)
		return res
	}

	prov := &Provisioner{
		Dir:           run.WorkDir,
		Task:          run.Name,
		Fingerprinter: &Fingerprinter{Runner: tr.Runner, Dir: run.WorkDir, Logger: log},
		Store:         tr.Store,
		Runner:        tr.Runner,
		Verifier:      NewVerifier(tr.Runner, run.WorkDir),
		Tee:           tr.Tee,
		Logger:        log,
		Metrics:       tr.Metrics,
		Sink:          tr.Sink,
	}

	release := tr.folders.acquire(run, log)
	defer release()

	for _, step := range run.Steps {
		outcome, err := prov.Run(ctx, step)
		res.Steps = append(res.Steps, outcome)
		if err != nil {
			return finish(asStageError(err, StageProvision, step.Name))
		}
	}

	for _, action := range run.Payload {
		if serr := tr.runAction(ctx, run, StagePayload, ErrPayload, action); serr != nil {
			tr.record(trace.EventPayloadFailed, run.Name, action.Name, reasonCode(serr.Kind))
			return finish(serr)
		}
		tr.record(trace.EventPayloadExecuted, run.Name, action.Name, "")
	}

	for _, action := range run.Verify {
		if serr := tr.runAction(ctx, run, StageVerify, ErrVerification, action); serr != nil {
			tr.record(trace.EventVerifyFailed, run.Name, action.Name, reasonCode(serr.Kind))
			return finish(serr)
		}
		tr.record(trace.EventVerifyPassed, run.Name, action.Name, "")
	}

	return finish(nil)
}

func (tr *TaskRunner) runAction(ctx context.Context, run TaskRun, stage Stage, kind error, action Action) *StageError {
	tr.logger().Info("running action",
		zap.String("task", run.Name),
		zap.String("stage", string(stage)),
		zap.String("action", action.Name))

	er, err := tr.Runner.Run(ctx, action.command(run.WorkDir, tr.Tee))
	if err != nil {
		return stageErrorf(kind, stage, action.Name, "", nil, "running action: %w", err)
	}
	if !er.Success() {
		return actionError(kind, stage, action.Name, "", er)
	}
	return nil
}

// surface returns the declared artifacts unmodified. Missing ones are only
// warned about.
func (tr *TaskRunner) surface(run TaskRun, log *zap.Logger) []string {
	if len(run.Artifacts) == 0 {
		return nil
	}
	_, missing := NewVerifier(tr.Runner, run.WorkDir).existing(run.Artifacts)
	for _, m := range missing {
		log.Warn("declared artifact not found", zap.String("artifact", m))
	}
	out := make([]string, len(run.Artifacts))
	copy(out, run.Artifacts)
	tr.recordArtifacts(run.Name, out)
	return out
}

func (tr *TaskRunner) record(kind trace.TraceEventKind, task, step, reason string) {
	trace.SafeRecord(tr.Sink, trace.TraceEvent{Kind: kind, Task: task, Step: step, Reason: reason})
}

func (tr *TaskRunner) recordArtifacts(task string, artifacts []string) {
	trace.SafeRecord(tr.Sink, trace.TraceEvent{Kind: trace.EventArtifactsSurfaced, Task: task, Artifacts: artifacts})
}

func (tr *TaskRunner) normalizer() OutputNormalizer {
	if tr.Normalizer == nil {
		return NewDefaultNormalizer()
	}
	return tr.Normalizer
}

func (tr *TaskRunner) logger() *zap.Logger {
	if tr.Logger == nil {
		return zap.NewNop()
	}
	return tr.Logger
}

func asStageError(err error, stage Stage, step string) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return &StageError{Kind: ErrProvision, Stage: stage, Step: step, Err: fmt.Errorf("unexpected: %w", err)}
}

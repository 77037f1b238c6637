package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"provcache/internal/trace"
)

// Action is a named external command: a populate, payload or verification
// step. Only its exit status is interpreted.
type Action struct {
	Name string `json:"name"`

	// Run is the shell script passed to "sh -c".
	Run string `json:"run"`

	// Env holds extra KEY=VALUE entries appended to the inherited environment.
	Env []string `json:"env,omitempty"`

	// Timeout bounds the action. Zero means no limit.
	Timeout time.Duration `json:"timeout,omitempty"`
}

func (a Action) command(dir string, tee io.Writer) Command {
	c := ShellCommand(a.Run)
	c.Dir = dir
	c.Env = a.Env
	c.Timeout = a.Timeout
	c.Tee = tee
	return c
}

// StalePolicy decides what happens when a restored folder fails verification.
type StalePolicy string

const (
	// StaleFail treats the failed verification as fatal. This is the default.
	StaleFail StalePolicy = "fail"

	// StaleRepopulate discards the restored folder, runs populate once and
	// verifies again. The existing cache entry is left untouched.
	StaleRepopulate StalePolicy = "repopulate"
)

// ProvisioningStep is a named unit of cached work: one folder, the recipe
// that fingerprints it, and the action that produces it on a miss.
type ProvisioningStep struct {
	Name string

	// Folder is the single cache unit, relative to the run's working
	// directory unless absolute. Populate must leave all cacheable
	// artifacts inside it.
	Folder string

	Recipe FingerprintRecipe

	// KeyPrefix namespaces the fingerprint key. Empty means the bare digest.
	KeyPrefix string

	// Env holds KEY=VALUE entries visible to the recipe probes. Populate
	// should see the same entries, so a pinned version in Env is part of
	// the key.
	Env []string

	Populate Action

	// Expect lists artifacts that must exist after provisioning.
	Expect []Expectation

	// Verify is an optional action run after the expectations pass,
	// e.g. "bitcoind -version".
	Verify *Action

	OnStale StalePolicy
}

// CacheResult is how a step's folder was obtained.
type CacheResult string

const (
	CacheHit         CacheResult = "hit"
	CacheMiss        CacheResult = "miss"
	CacheRepopulated CacheResult = "repopulated"
	CacheFailed      CacheResult = "failed"
)

// StepOutcome reports what happened to one provisioning step.
type StepOutcome struct {
	Step     string         `json:"step"`
	Key      FingerprintKey `json:"key,omitempty"`
	Result   CacheResult    `json:"result"`
	Stored   bool           `json:"stored"`
	Verified bool           `json:"verified"`
	Duration time.Duration  `json:"duration"`
}

// Provisioner runs provisioning steps against a Store.
type Provisioner struct {
	// Dir is the run's working directory.
	Dir string

	// Task names the owning TaskRun in logs, metrics and trace events.
	Task string

	Fingerprinter *Fingerprinter
	Store         Store
	Runner        CommandRunner
	Verifier      *Verifier

	// Tee receives live populate output when set.
	Tee io.Writer

	Logger  *zap.Logger
	Metrics *Metrics
	Sink    trace.Sink
}

// NewProvisioner wires a Provisioner for one working directory.
func NewProvisioner(dir string, store Store, runner CommandRunner) *Provisioner {
	return &Provisioner{
		Dir:           dir,
		Fingerprinter: NewFingerprinter(runner, dir),
		Store:         store,
		Runner:        runner,
		Verifier:      NewVerifier(runner, dir),
		Logger:        zap.NewNop(),
	}
}

// Run provisions step:
//  1. Compute the fingerprint key
//  2. Look the key up in the store
//  3. Hit: restore the folder and skip populate
//  4. Miss: populate, then store the folder under the key
//  5. Verify, regardless of hit or miss
//
// Every failure is returned as a *StageError in StageProvision. Populate is
// never retried; a failed populate leaves nothing in the store.
func (p *Provisioner) Run(ctx context.Context, step ProvisioningStep) (StepOutcome, error) {
	start := time.Now()
	outcome := StepOutcome{Step: step.Name, Result: CacheFailed}
	log := p.logger().With(zap.String("step", step.Name))
	folder := p.folderPath(step.Folder)
	if p.Dir != "" && isWithin(filepath.Clean(p.Dir), folder) {
		return p.fail(outcome, start, stageErrorf(ErrProvision, StageProvision, step.Name, "", nil, "folder %s contains the working directory", folder))
	}

	key, err := p.Fingerprinter.StepKey(ctx, step)
	if err != nil {
		return p.fail(outcome, start, stageErrorf(ErrProvision, StageProvision, step.Name, "", nil, "computing fingerprint: %w", err))
	}
	outcome.Key = key
	log = log.With(zap.String("key", key.Short()))

	entry, err := p.Store.Lookup(key)
	if err != nil {
		return p.fail(outcome, start, &StageError{Kind: ErrRestore, Stage: StageProvision, Step: step.Name, Key: key, Err: err})
	}

	if entry != nil {
		restoreStart := time.Now()
		if err := p.Store.Restore(entry, folder); err != nil {
			return p.fail(outcome, start, &StageError{Kind: ErrRestore, Stage: StageProvision, Step: step.Name, Key: key, Err: err})
		}
		p.Metrics.restored(step.Name, time.Since(restoreStart))
		outcome.Result = CacheHit
		p.record(trace.EventStepCacheHit, step.Name, key, "")
		log.Info("cache hit, populate skipped",
			zap.Int("files", entry.Files),
			zap.Duration("restore", time.Since(restoreStart)))
	} else {
		p.record(trace.EventStepCacheMiss, step.Name, key, "")
		log.Info("cache miss, populating", zap.String("folder", step.Folder))
		if serr := p.populate(ctx, step, key); serr != nil {
			return p.fail(outcome, start, serr)
		}
		stored, err := p.Store.Put(key, folder)
		if err != nil {
			return p.fail(outcome, start, &StageError{Kind: ErrStore, Stage: StageProvision, Step: step.Name, Key: key, Err: err})
		}
		outcome.Result = CacheMiss
		outcome.Stored = stored
		if stored {
			p.record(trace.EventStepStored, step.Name, key, "")
		} else {
			log.Debug("entry already present, store skipped")
		}
	}

	if serr := p.verify(ctx, step, key); serr != nil {
		if outcome.Result != CacheHit || step.OnStale != StaleRepopulate {
			return p.fail(outcome, start, serr)
		}
		log.Warn("restored folder failed verification, repopulating", zap.Error(serr))
		if err := os.RemoveAll(folder); err != nil {
			return p.fail(outcome, start, stageErrorf(ErrProvision, StageProvision, step.Name, key, nil, "clearing stale folder: %w", err))
		}
		if serr := p.populate(ctx, step, key); serr != nil {
			return p.fail(outcome, start, serr)
		}
		outcome.Result = CacheRepopulated
		p.record(trace.EventStepRepopulated, step.Name, key, "StaleEntry")
		if serr := p.verify(ctx, step, key); serr != nil {
			return p.fail(outcome, start, serr)
		}
	}

	outcome.Verified = true
	outcome.Duration = time.Since(start)
	p.record(trace.EventStepVerified, step.Name, key, "")
	p.Metrics.stepOutcome(p.Task, step.Name, outcome.Result)
	return outcome, nil
}

func (p *Provisioner) populate(ctx context.Context, step ProvisioningStep, key FingerprintKey) *StageError {
	start := time.Now()
	res, err := p.Runner.Run(ctx, step.Populate.command(p.Dir, p.Tee))
	if err != nil {
		return stageErrorf(ErrProvision, StageProvision, step.Name, key, nil, "running populate: %w", err)
	}
	if !res.Success() {
		return actionError(ErrProvision, StageProvision, step.Name, key, res)
	}
	p.Metrics.populated(step.Name, time.Since(start))
	p.logger().Info("populate finished",
		zap.String("step", step.Name),
		zap.Duration("duration", res.Duration))
	return nil
}

func (p *Provisioner) verify(ctx context.Context, step ProvisioningStep, key FingerprintKey) *StageError {
	if err := p.Verifier.CheckExpectations(step.Expect); err != nil {
		return stageErrorf(ErrVerification, StageProvision, step.Name, key, nil, "%w", err)
	}
	if step.Verify == nil {
		return nil
	}
	res, err := p.Verifier.RunAction(ctx, *step.Verify)
	if err != nil {
		return stageErrorf(ErrVerification, StageProvision, step.Name, key, nil, "running verify: %w", err)
	}
	if !res.Success() {
		return actionError(ErrVerification, StageProvision, step.Name, key, res)
	}
	return nil
}

func (p *Provisioner) fail(outcome StepOutcome, start time.Time, serr *StageError) (StepOutcome, error) {
	outcome.Result = CacheFailed
	outcome.Duration = time.Since(start)
	p.record(trace.EventStepFailed, outcome.Step, outcome.Key, reasonCode(serr.Kind))
	p.Metrics.stepOutcome(p.Task, outcome.Step, CacheFailed)
	p.logger().Error("provisioning failed",
		zap.String("step", outcome.Step),
		zap.String("key", outcome.Key.Short()),
		zap.Error(serr))
	return outcome, serr
}

func (p *Provisioner) record(kind trace.TraceEventKind, step string, key FingerprintKey, reason string) {
	trace.SafeRecord(p.Sink, trace.TraceEvent{
		Kind:   kind,
		Task:   p.Task,
		Step:   step,
		Key:    string(key),
		Reason: reason,
	})
}

func (p *Provisioner) folderPath(folder string) string {
	return stepFolder(p.Dir, folder)
}

func stepFolder(dir, folder string) string {
	if filepath.IsAbs(folder) {
		return filepath.Clean(folder)
	}
	return filepath.Join(dir, folder)
}

// isWithin reports whether p is dir or below it.
func isWithin(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (p *Provisioner) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// reasonCode maps an error kind to the trace reason vocabulary.
func reasonCode(kind error) string {
	switch KindName(kind) {
	case "provision":
		return "ProvisionFailed"
	case "restore":
		return "RestoreFailed"
	case "store":
		return "StoreFailed"
	case "verification":
		return "VerificationFailed"
	case "payload":
		return "PayloadFailed"
	case "timeout":
		return "Timeout"
	default:
		return fmt.Sprintf("Unknown(%v)", kind)
	}
}

package core

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds. Every fatal TaskRun failure wraps exactly one of these.
var (
	ErrProvision    = errors.New("provision failed")
	ErrRestore      = errors.New("cache restore failed")
	ErrStore        = errors.New("cache store failed")
	ErrVerification = errors.New("verification failed")
	ErrPayload      = errors.New("payload failed")
	ErrTimeout      = errors.New("action timed out")
)

// Stage identifies which part of a TaskRun produced an outcome.
type Stage string

const (
	StageProvision Stage = "provision"
	StagePayload   Stage = "payload"
	StageVerify    Stage = "verify"
)

// StageError attributes a failure to a stage, a step or action, and (for
// provisioning) the cache key in play.
type StageError struct {
	Kind  error
	Stage Stage
	Step  string
	Key   FingerprintKey

	// Output is the captured diagnostic output of the failing action, if any.
	Output []byte

	Err error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s %q", e.Kind, e.Stage, e.Step)
	if e.Key != "" {
		msg += fmt.Sprintf(" (key %s)", e.Key.Short())
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *StageError) Unwrap() []error {
	if e == nil {
		return nil
	}
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Environmental reports whether the failure means "environment broken"
// (provisioning, cache or verification) as opposed to "code broken".
func (e *StageError) Environmental() bool {
	if e == nil {
		return false
	}
	return e.Stage != StagePayload
}

func stageErrorf(kind error, stage Stage, step string, key FingerprintKey, output []byte, format string, args ...any) *StageError {
	return &StageError{
		Kind:   kind,
		Stage:  stage,
		Step:   step,
		Key:    key,
		Output: output,
		Err:    fmt.Errorf(format, args...),
	}
}

// actionError classifies a finished action: a timeout wins over the stage kind.
func actionError(kind error, stage Stage, step string, key FingerprintKey, res *ExecutionResult) *StageError {
	if res.TimedOut {
		return stageErrorf(ErrTimeout, stage, step, key, res.Output(), "killed after %s", res.Duration.Round(time.Millisecond))
	}
	return stageErrorf(kind, stage, step, key, res.Output(), "exit status %d", res.ExitCode)
}

// KindName returns a short stable name for an error kind, for labels and
// failure records.
func KindName(kind error) string {
	switch {
	case errors.Is(kind, ErrProvision):
		return "provision"
	case errors.Is(kind, ErrRestore):
		return "restore"
	case errors.Is(kind, ErrStore):
		return "store"
	case errors.Is(kind, ErrVerification):
		return "verification"
	case errors.Is(kind, ErrPayload):
		return "payload"
	case errors.Is(kind, ErrTimeout):
		return "timeout"
	default:
		return "unknown"
	}
}

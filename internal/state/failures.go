package state

import (
	"errors"
	"fmt"

	"provcache/internal/core"
)

// ConfigFailureError is an invalid or unreadable pipeline definition.
type ConfigFailureError struct {
	Code    string
	Message string
	Cause   error
}

func (e *ConfigFailureError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("config failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("config failure: %s", e.Message)
}

func (e *ConfigFailureError) Unwrap() error { return e.Cause }

// SystemFailureError is a failure of provcache itself: the cache directory
// is unusable, a panic, an interrupted run.
type SystemFailureError struct {
	Code    string
	Message string
	Cause   error
}

func (e *SystemFailureError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("system failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("system failure: %s", e.Message)
}

func (e *SystemFailureError) Unwrap() error { return e.Cause }

// TaskFailureError carries a failed TaskRun Result.
type TaskFailureError struct {
	Result core.Result
}

func (e *TaskFailureError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("task %q failed: %s", e.Result.Task, e.Result.Reason)
}

func (e *TaskFailureError) Unwrap() error { return e.Result.Err }

// FailureFromError classifies err into a Failure record.
func FailureFromError(err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}

	var cf *ConfigFailureError
	if errors.As(err, &cf) && cf != nil {
		return Failure{
			FailureClass:  FailureClassConfig,
			ErrorCode:     nonEmptyOr(cf.Code, "ConfigInvalid"),
			ErrorMessage:  nonEmptyOr(cf.Message, cf.Error()),
			Environmental: true,
		}, nil
	}

	var sf *SystemFailureError
	if errors.As(err, &sf) && sf != nil {
		return Failure{
			FailureClass:  FailureClassSystem,
			ErrorCode:     nonEmptyOr(sf.Code, "SystemFailure"),
			ErrorMessage:  nonEmptyOr(sf.Message, sf.Error()),
			Environmental: true,
		}, nil
	}

	var tf *TaskFailureError
	if errors.As(err, &tf) && tf != nil {
		f := fromStageError(tf.Result.Err)
		f.Task = ptr(tf.Result.Task)
		f.ErrorMessage = nonEmptyOr(tf.Result.Reason, f.ErrorMessage)
		f.Output = string(tf.Result.Output)
		return f, nil
	}

	return fromStageError(err), nil
}

func fromStageError(err error) Failure {
	var se *core.StageError
	if !errors.As(err, &se) {
		msg := "unknown error"
		if err != nil {
			msg = err.Error()
		}
		return Failure{
			FailureClass:  FailureClassSystem,
			ErrorCode:     "UnknownError",
			ErrorMessage:  msg,
			Environmental: true,
		}
	}

	class, code := classify(se.Kind)
	f := Failure{
		FailureClass:  class,
		Key:           string(se.Key),
		ErrorCode:     code,
		ErrorMessage:  se.Error(),
		Output:        string(se.Output),
		Environmental: class.Environmental(),
	}
	if se.Step != "" {
		f.Step = ptr(se.Step)
	}
	return f
}

func classify(kind error) (FailureClass, string) {
	switch {
	case errors.Is(kind, core.ErrProvision):
		return FailureClassProvision, "ProvisionFailed"
	case errors.Is(kind, core.ErrRestore):
		return FailureClassCache, "RestoreFailed"
	case errors.Is(kind, core.ErrStore):
		return FailureClassCache, "StoreFailed"
	case errors.Is(kind, core.ErrVerification):
		return FailureClassVerification, "VerificationFailed"
	case errors.Is(kind, core.ErrPayload):
		return FailureClassPayload, "PayloadFailed"
	case errors.Is(kind, core.ErrTimeout):
		return FailureClassTimeout, "Timeout"
	default:
		return FailureClassSystem, "UnknownError"
	}
}

func nonEmptyOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func ptr(s string) *string { return &s }
